package mesh

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all lanmesh Prometheus metrics on an isolated registry so
// they never collide with the host process's default registry. Every use
// site is nil-safe; a nil *Metrics disables collection entirely.
type Metrics struct {
	Registry *prometheus.Registry

	// Discovery
	DiscoveredTotal *prometheus.CounterVec // result: new|seen|connected

	// Heartbeat / stale sweep
	StaleSweptTotal prometheus.Counter

	// Reconnection
	ReconnectTotal *prometheus.CounterVec // result: success|failure

	// Stream handling
	ChatStreamsTotal *prometheus.CounterVec // result: message|info_request|rejected
	FileStreamsTotal *prometheus.CounterVec // result: ok|error

	// Listener error boundary
	ListenerPanicsTotal prometheus.Counter
}

// NewMetrics creates a Metrics instance with all collectors registered on
// an isolated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		DiscoveredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lanmesh_discovered_total",
				Help: "Peer observations from LAN discovery, by outcome.",
			},
			[]string{"result"},
		),
		StaleSweptTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "lanmesh_stale_swept_total",
				Help: "Peers demoted to offline by the stale sweeper.",
			},
		),
		ReconnectTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lanmesh_reconnect_total",
				Help: "Reconnection dial attempts, by result.",
			},
			[]string{"result"},
		),
		ChatStreamsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lanmesh_chat_streams_total",
				Help: "Inbound chat protocol streams, by outcome.",
			},
			[]string{"result"},
		),
		FileStreamsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lanmesh_file_streams_total",
				Help: "Inbound file protocol streams, by outcome.",
			},
			[]string{"result"},
		),
		ListenerPanicsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "lanmesh_listener_panics_total",
				Help: "Message listener invocations recovered from panic.",
			},
		),
	}

	reg.MustRegister(
		m.DiscoveredTotal,
		m.StaleSweptTotal,
		m.ReconnectTotal,
		m.ChatStreamsTotal,
		m.FileStreamsTotal,
		m.ListenerPanicsTotal,
	)

	return m
}

// Handler returns an HTTP handler serving this registry, for the embedding
// process to mount wherever it exposes metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// nil-safe increment helpers

func (m *Metrics) incDiscovered(result string) {
	if m != nil && m.DiscoveredTotal != nil {
		m.DiscoveredTotal.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) addStaleSwept(n int) {
	if m != nil && m.StaleSweptTotal != nil {
		m.StaleSweptTotal.Add(float64(n))
	}
}

func (m *Metrics) incReconnect(result string) {
	if m != nil && m.ReconnectTotal != nil {
		m.ReconnectTotal.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) incChatStream(result string) {
	if m != nil && m.ChatStreamsTotal != nil {
		m.ChatStreamsTotal.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) incFileStream(result string) {
	if m != nil && m.FileStreamsTotal != nil {
		m.FileStreamsTotal.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) incListenerPanic() {
	if m != nil && m.ListenerPanicsTotal != nil {
		m.ListenerPanicsTotal.Inc()
	}
}
