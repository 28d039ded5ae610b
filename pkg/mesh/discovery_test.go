package mesh

import (
	"context"
	"strings"
	"testing"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/zeroconf/v2"
	ma "github.com/multiformats/go-multiaddr"
)

func TestProcessEntryRecordsPeer(t *testing.T) {
	a := newTestMesh(t, "alice", nil)
	d := newDiscoveryMonitor(a)

	// A peer id nobody is listening for: the triggered info exchange
	// fails quietly and the row keeps its placeholders.
	remote := unreachablePeerID(t)
	entry := &zeroconf.ServiceEntry{
		Text: []string{
			"dnsaddr=/ip4/127.0.0.1/tcp/1/p2p/" + remote.String(),
			"unrelated-txt-record",
		},
	}

	current := make(map[peer.ID]struct{})
	d.processEntry(context.Background(), entry, current)

	if _, ok := current[remote]; !ok {
		t.Fatal("observed peer missing from round snapshot")
	}

	p, err := a.store.Get(remote.String())
	if err != nil {
		t.Fatalf("row not written through: %v", err)
	}
	if !strings.HasPrefix(p.DisplayName, "Peer ") {
		t.Errorf("display name = %q, want placeholder", p.DisplayName)
	}

	if len(a.host.Peerstore().Addrs(remote)) == 0 {
		t.Error("discovered addresses not added to libp2p peerstore")
	}
	if len(a.DiscoveredPeers()) != 1 {
		t.Errorf("discovered cache = %v", a.DiscoveredPeers())
	}
}

func TestProcessEntrySkipsSelf(t *testing.T) {
	a := newTestMesh(t, "alice", nil)
	d := newDiscoveryMonitor(a)

	entry := &zeroconf.ServiceEntry{
		Text: []string{"dnsaddr=/ip4/127.0.0.1/tcp/1/p2p/" + a.selfID.String()},
	}

	current := make(map[peer.ID]struct{})
	d.processEntry(context.Background(), entry, current)

	if len(current) != 0 {
		t.Errorf("own advertisement counted as a peer: %v", current)
	}
	if len(a.DiscoveredPeers()) != 0 {
		t.Errorf("self cached as discovered: %v", a.DiscoveredPeers())
	}
}

func TestProcessEntryIgnoresGarbage(t *testing.T) {
	a := newTestMesh(t, "alice", nil)
	d := newDiscoveryMonitor(a)

	entry := &zeroconf.ServiceEntry{
		Text: []string{
			"dnsaddr=not-a-multiaddr",
			"some-other-service-key=1",
		},
	}

	current := make(map[peer.ID]struct{})
	d.processEntry(context.Background(), entry, current)

	if len(current) != 0 {
		t.Errorf("garbage TXT records produced observations: %v", current)
	}
}

func TestIsLANAddr(t *testing.T) {
	cases := []struct {
		addr string
		want bool
	}{
		{"/ip4/192.168.1.10/tcp/4001", true},
		{"/ip6/::1/tcp/4001", true},
		{"/dns4/example.com/tcp/4001", false},
	}
	for _, tc := range cases {
		addr, err := ma.NewMultiaddr(tc.addr)
		if err != nil {
			t.Fatalf("parse %s: %v", tc.addr, err)
		}
		if got := isLANAddr(addr); got != tc.want {
			t.Errorf("isLANAddr(%s) = %v, want %v", tc.addr, got, tc.want)
		}
	}
	if isLANAddr(nil) {
		t.Error("isLANAddr(nil) = true")
	}
}

func TestGetIPs(t *testing.T) {
	addrs := []ma.Multiaddr{
		ma.StringCast("/ip4/192.168.1.10/tcp/4001"),
		ma.StringCast("/ip4/10.0.0.5/tcp/4001"),
		ma.StringCast("/ip6/fe80::1/tcp/4001"),
	}
	ips := getIPs(addrs)
	if len(ips) != 2 || ips[0] != "192.168.1.10" || ips[1] != "fe80::1" {
		t.Errorf("ips = %v", ips)
	}

	if ips := getIPs(nil); len(ips) != 1 || ips[0] != "127.0.0.1" {
		t.Errorf("fallback ips = %v", ips)
	}
}

func TestRandomString(t *testing.T) {
	s := randomString(40)
	if len(s) != 40 {
		t.Fatalf("len = %d", len(s))
	}
	for _, r := range s {
		if !strings.ContainsRune("abcdefghijklmnopqrstuvwxyz0123456789", r) {
			t.Fatalf("unexpected rune %q in %q", r, s)
		}
	}
}
