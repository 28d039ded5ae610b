// Package mesh implements the peer-to-peer networking layer for the
// LAN team-chat feature: mDNS discovery, a persistent peer record,
// heartbeat liveness with stale-peer eviction, bounded reconnection, and
// the chat and file-transfer protocols served over libp2p streams.
package mesh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	"golang.org/x/sync/errgroup"

	"github.com/lanmesh/lanmesh/internal/config"
	"github.com/lanmesh/lanmesh/internal/peerstore"
)

// Protocol IDs for the two stream handlers registered on the host.
const (
	ChatProtocolID = protocol.ID("/lanmesh/chat/1.0.0")
	FileProtocolID = protocol.ID("/lanmesh/file/1.0.0")
)

// Config wires the mesh to its collaborators. Everything the handlers
// touch is injected here so tests substitute fakes through the same seams
// production code uses.
type Config struct {
	Config *config.Config   // node configuration; nil uses defaults
	Store  *peerstore.Store // required: the peers table

	Cipher    Cipher        // optional: E2E boundary; nil leaves content opaque
	Transfers TransferStore // optional: file-transfer collaborator
	Messages  MessageStore  // optional: message persistence collaborator
	Listeners []MessageListener
	Metrics   *Metrics // optional: nil disables metrics
}

// Mesh is the networking layer instance. Create with New, bring up with
// Start, tear down with Stop. CloseAll is the emergency teardown of live
// session state and leaves persisted peer rows untouched.
type Mesh struct {
	cfg       *config.Config
	store     *peerstore.Store
	cipher    Cipher
	transfers TransferStore
	messages  MessageStore
	metrics   *Metrics

	listenerMu sync.RWMutex
	listeners  []MessageListener

	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	eg        *errgroup.Group
	host      host.Host
	selfID    peer.ID
	pubKeyHex string

	discovery   *discoveryMonitor
	reconnector *reconnector

	cacheMu        sync.Mutex
	discovered     map[peer.ID]peer.AddrInfo // discovered-peer cache
	activeChannels map[string]time.Time      // channel_id -> last activity
}

// New creates a Mesh with the given collaborators. The network side stays
// down until Start.
func New(cfg *Config) (*Mesh, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.Store == nil {
		return nil, ErrMissingStore
	}

	nodeCfg := cfg.Config
	if nodeCfg == nil {
		nodeCfg = config.Default()
	}

	return &Mesh{
		cfg:            nodeCfg,
		store:          cfg.Store,
		cipher:         cfg.Cipher,
		transfers:      cfg.Transfers,
		messages:       cfg.Messages,
		listeners:      append([]MessageListener(nil), cfg.Listeners...),
		metrics:        cfg.Metrics,
		discovered:     make(map[peer.ID]peer.AddrInfo),
		activeChannels: make(map[string]time.Time),
	}, nil
}

// Start brings the mesh up: loads or creates the node identity, binds the
// listener, registers the chat and file stream handlers, persists the
// self peer row, and launches the discovery and heartbeat loops. Any
// failure is returned to the caller and leaves the mesh not running;
// there is no half-initialized state.
func (m *Mesh) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)

	if err := m.openHost(); err != nil {
		cancel()
		return err
	}

	m.discovery = newDiscoveryMonitor(m)
	m.reconnector = newReconnector(m.host, m.store, m.metrics, m.cfg.Reconnect)

	if err := m.discovery.startServer(); err != nil {
		cancel()
		_ = m.host.Close()
		m.host = nil
		return fmt.Errorf("start discovery advertising: %w", err)
	}

	eg, egCtx := errgroup.WithContext(runCtx)
	eg.Go(func() error { return m.discovery.browseLoop(egCtx) })
	eg.Go(func() error { return m.heartbeatLoop(egCtx) })

	m.cancel = cancel
	m.eg = eg
	m.running = true

	slog.Info("mesh: started",
		"peer", shortID(m.selfID),
		"addrs", len(m.host.Addrs()))
	return nil
}

// openHost loads the identity, creates the libp2p host, registers both
// stream handlers, and upserts the self peer row. Split from Start so
// tests can exercise the stream handlers without LAN advertising.
func (m *Mesh) openHost() error {
	priv, err := LoadOrCreateIdentity(m.cfg.Identity.KeyFile)
	if err != nil {
		return fmt.Errorf("failed to load identity: %w", err)
	}

	pubHex, err := publicKeyHex(priv)
	if err != nil {
		return err
	}

	hostOpts := []libp2p.Option{
		libp2p.Identity(priv),
		libp2p.Transport(tcp.NewTCPTransport),
		libp2p.ListenAddrStrings(m.cfg.Network.ListenAddresses...),
	}
	if m.metrics != nil {
		hostOpts = append(hostOpts, libp2p.PrometheusRegisterer(m.metrics.Registry))
	} else {
		hostOpts = append(hostOpts, libp2p.DisableMetrics())
	}

	h, err := libp2p.New(hostOpts...)
	if err != nil {
		return fmt.Errorf("failed to create libp2p host: %w", err)
	}

	// Identity fields must be in place before handlers can fire.
	m.host = h
	m.selfID = h.ID()
	m.pubKeyHex = pubHex

	h.SetStreamHandler(ChatProtocolID, m.handleChatStream)
	h.SetStreamHandler(FileProtocolID, m.handleFileStream)

	self := peerstore.Peer{
		PeerID:      h.ID().String(),
		DisplayName: m.cfg.Identity.DisplayName,
		DeviceName:  m.cfg.Identity.DeviceName,
		PublicKey:   pubHex,
		Status:      peerstore.StatusOnline,
		LastSeen:    time.Now(),
	}
	if err := m.store.Upsert(self); err != nil {
		_ = h.Close()
		m.host = nil
		m.selfID = ""
		return fmt.Errorf("persist self peer: %w", err)
	}

	return nil
}

// Stop shuts the mesh down: cancels both background loops, stops mDNS
// advertising, and closes the host, which also resets any live streams so
// blocked reads fail promptly. Calling Stop on a stopped mesh is a no-op.
func (m *Mesh) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}

	m.cancel()
	m.discovery.shutdownServer()

	err := m.host.Close()
	_ = m.eg.Wait()

	m.running = false
	slog.Info("mesh: stopped", "peer", shortID(m.selfID))
	return err
}

// CloseAll is panic mode: force-close every live connection, each
// independently so one failure never prevents attempting the rest, then
// clear the discovered-peer and active-channel caches unconditionally.
// Persisted peer rows are untouched; this tears down the live session,
// not the data.
func (m *Mesh) CloseAll() error {
	var errs []error

	m.mu.Lock()
	h := m.host
	m.mu.Unlock()

	if h != nil {
		for _, conn := range h.Network().Conns() {
			if err := conn.Close(); err != nil {
				slog.Warn("mesh: close connection failed",
					"peer", shortID(conn.RemotePeer()),
					"error", err)
				errs = append(errs, err)
			}
		}
	}

	m.cacheMu.Lock()
	clear(m.discovered)
	clear(m.activeChannels)
	m.cacheMu.Unlock()

	slog.Info("mesh: panic close completed", "close_errors", len(errs))
	return errors.Join(errs...)
}

// Host returns the underlying libp2p host, or nil before Start.
func (m *Mesh) Host() host.Host {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.host
}

// PeerID returns this node's peer id, or empty before Start.
func (m *Mesh) PeerID() peer.ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selfID
}

// Running reports whether Start has completed and Stop has not.
func (m *Mesh) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// AddListener registers a message listener at runtime.
func (m *Mesh) AddListener(l MessageListener) {
	if l == nil {
		return
	}
	m.listenerMu.Lock()
	m.listeners = append(m.listeners, l)
	m.listenerMu.Unlock()
}

// DiscoveredPeers returns a snapshot of the discovered-peer cache.
func (m *Mesh) DiscoveredPeers() []peer.ID {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	ids := make([]peer.ID, 0, len(m.discovered))
	for pid := range m.discovered {
		ids = append(ids, pid)
	}
	return ids
}

// ActiveChannels returns a snapshot of channel ids with recent inbound
// activity.
func (m *Mesh) ActiveChannels() []string {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	channels := make([]string, 0, len(m.activeChannels))
	for id := range m.activeChannels {
		channels = append(channels, id)
	}
	return channels
}

func (m *Mesh) rememberDiscovered(info peer.AddrInfo) {
	m.cacheMu.Lock()
	m.discovered[info.ID] = info
	m.cacheMu.Unlock()
}

func (m *Mesh) touchChannel(channelID string) {
	if channelID == "" {
		return
	}
	m.cacheMu.Lock()
	m.activeChannels[channelID] = time.Now()
	m.cacheMu.Unlock()
}

// shortID truncates a peer id for log output.
func shortID(pid peer.ID) string {
	s := pid.String()
	if len(s) > 16 {
		return s[:16] + "..."
	}
	return s
}
