package mesh

import (
	"context"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/zeroconf/v2"
	ma "github.com/multiformats/go-multiaddr"
)

const (
	// dnsaddrPrefix matches libp2p's TXT record format for multiaddrs.
	dnsaddrPrefix = "dnsaddr="

	// discoveredAddrTTL is how long discovered LAN addresses stay in the
	// libp2p peerstore. They refresh on the next browse round.
	discoveredAddrTTL = 10 * time.Minute

	// infoExchangeTimeout bounds the best-effort enrichment round-trip
	// triggered when a peer is first discovered.
	infoExchangeTimeout = 10 * time.Second
)

// discoveryMonitor advertises this node over mDNS (DNS-SD) and runs
// periodic bounded browse rounds. Every observed peer id is written
// through to the peer store before anything else happens with it, so a
// row always exists by the time info exchange is attempted. Each round's
// snapshot of reachable peers feeds the reconnection sweep.
type discoveryMonitor struct {
	mesh   *Mesh
	cfg    struct {
		serviceName    string
		browseInterval time.Duration
		browseTimeout  time.Duration
	}
	server *zeroconf.Server
}

func newDiscoveryMonitor(m *Mesh) *discoveryMonitor {
	d := &discoveryMonitor{mesh: m}
	d.cfg.serviceName = m.cfg.Discovery.ServiceName
	d.cfg.browseInterval = m.cfg.Discovery.BrowseInterval
	d.cfg.browseTimeout = m.cfg.Discovery.BrowseTimeout
	return d
}

// startServer registers this node with zeroconf for mDNS advertising.
// TXT records carry the host's listen addresses in libp2p's dnsaddr=
// format so any node browsing the service can dial us directly.
func (d *discoveryMonitor) startServer() error {
	h := d.mesh.host

	interfaceAddrs, err := h.Network().InterfaceListenAddresses()
	if err != nil {
		return err
	}

	p2pAddrs, err := peer.AddrInfoToP2pAddrs(&peer.AddrInfo{
		ID:    h.ID(),
		Addrs: interfaceAddrs,
	})
	if err != nil {
		return err
	}

	var txts []string
	for _, addr := range p2pAddrs {
		if isLANAddr(addr) {
			txts = append(txts, dnsaddrPrefix+addr.String())
		}
	}

	ips := getIPs(p2pAddrs)

	instanceName := randomString(32 + rand.Intn(32))
	server, err := zeroconf.RegisterProxy(
		instanceName,
		d.cfg.serviceName,
		"local",
		4001, // port required by the DNS-SD spec; TXT records carry the real addresses
		instanceName,
		ips,
		txts,
		nil,
	)
	if err != nil {
		return err
	}
	d.server = server
	return nil
}

func (d *discoveryMonitor) shutdownServer() {
	if d.server != nil {
		d.server.Shutdown()
		d.server = nil
	}
}

// browseLoop periodically re-queries the network. Each round creates a
// fresh multicast socket; a single long-lived browse can stall silently
// when a system mDNS daemon holds port 5353.
func (d *discoveryMonitor) browseLoop(ctx context.Context) error {
	// Small initial delay to let the host finish binding interfaces.
	select {
	case <-time.After(2 * time.Second):
	case <-ctx.Done():
		return nil
	}

	d.runBrowse(ctx)

	ticker := time.NewTicker(d.cfg.browseInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.runBrowse(ctx)
		}
	}
}

// runBrowse executes a single bounded browse round, writes every
// observation through to the peer store, then hands the round's snapshot
// of reachable peer ids to the reconnection sweep.
func (d *discoveryMonitor) runBrowse(ctx context.Context) {
	browseCtx, browseCancel := context.WithTimeout(ctx, d.cfg.browseTimeout)
	defer browseCancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	current := make(map[peer.ID]struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			d.processEntry(ctx, entry, current)
		}
	}()

	// zeroconf closes the entries channel when the browse finishes.
	if err := zeroconf.Browse(browseCtx, d.cfg.serviceName, "local", entries); err != nil {
		if ctx.Err() == nil {
			slog.Debug("discovery: browse round error", "error", err)
		}
	}
	wg.Wait()

	if ctx.Err() != nil {
		return
	}
	d.mesh.reconnector.Sweep(ctx, current)
}

// processEntry converts one mDNS answer into peer observations.
func (d *discoveryMonitor) processEntry(ctx context.Context, entry *zeroconf.ServiceEntry, current map[peer.ID]struct{}) {
	addrs := make([]ma.Multiaddr, 0, len(entry.Text))
	for _, txt := range entry.Text {
		if !strings.HasPrefix(txt, dnsaddrPrefix) {
			continue
		}
		addr, err := ma.NewMultiaddr(txt[len(dnsaddrPrefix):])
		if err != nil {
			slog.Debug("discovery: bad multiaddr in TXT", "error", err)
			continue
		}
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return
	}

	infos, err := peer.AddrInfosFromP2pAddrs(addrs...)
	if err != nil {
		slog.Debug("discovery: failed to parse peer addrs", "error", err)
		return
	}

	for _, info := range infos {
		if info.ID == d.mesh.selfID {
			continue
		}
		d.observePeer(ctx, info, current)
	}
}

// observePeer is the write-through path for one discovered peer: the
// store row is created or refreshed first, then addresses land in the
// libp2p peerstore and the discovered cache. Newly created rows trigger
// a best-effort info exchange.
func (d *discoveryMonitor) observePeer(ctx context.Context, info peer.AddrInfo, current map[peer.ID]struct{}) {
	created, err := d.mesh.store.MarkSeen(info.ID.String(), time.Now())
	if err != nil {
		slog.Warn("discovery: record peer failed",
			"peer", shortID(info.ID), "error", err)
		return
	}

	d.mesh.host.Peerstore().AddAddrs(info.ID, info.Addrs, discoveredAddrTTL)
	d.mesh.rememberDiscovered(info)
	current[info.ID] = struct{}{}

	if created {
		slog.Info("discovery: new peer on LAN",
			"peer", shortID(info.ID), "addrs", len(info.Addrs))
		d.mesh.metrics.incDiscovered("new")

		// Enrichment is best-effort: failures are logged and swallowed,
		// never a precondition for messaging.
		go func() {
			exCtx, cancel := context.WithTimeout(ctx, infoExchangeTimeout)
			defer cancel()
			if err := d.mesh.RequestPeerInfo(exCtx, info.ID.String()); err != nil {
				slog.Debug("discovery: info exchange failed",
					"peer", shortID(info.ID), "error", err)
			}
		}()
	} else {
		d.mesh.metrics.incDiscovered("seen")
	}
}

// isLANAddr returns true for multiaddrs worth advertising over mDNS:
// plain ip4/ip6 addresses, no relay or browser transports.
func isLANAddr(addr ma.Multiaddr) bool {
	if addr == nil {
		return false
	}
	first, _ := ma.SplitFirst(addr)
	if first == nil {
		return false
	}
	switch first.Protocol().Code {
	case ma.P_IP4, ma.P_IP6:
		return true
	default:
		return false
	}
}

// getIPs extracts one IPv4 and one IPv6 address for the A/AAAA records
// required by the DNS-SD spec. Falls back to 127.0.0.1.
func getIPs(addrs []ma.Multiaddr) []string {
	var ip4, ip6 string
	for _, addr := range addrs {
		first, _ := ma.SplitFirst(addr)
		if first == nil {
			continue
		}
		if ip4 == "" && first.Protocol().Code == ma.P_IP4 {
			ip4 = first.Value()
		} else if ip6 == "" && first.Protocol().Code == ma.P_IP6 {
			ip6 = first.Value()
		}
	}
	var ips []string
	if ip4 != "" {
		ips = append(ips, ip4)
	}
	if ip6 != "" {
		ips = append(ips, ip6)
	}
	if len(ips) == 0 {
		ips = append(ips, "127.0.0.1")
	}
	return ips
}

func randomString(l int) string {
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	s := make([]byte, 0, l)
	for i := 0; i < l; i++ {
		s = append(s, alphabet[rand.Intn(len(alphabet))])
	}
	return string(s)
}
