package mesh

import (
	"context"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/lanmesh/lanmesh/internal/config"
	"github.com/lanmesh/lanmesh/internal/peerstore"
)

// testReconnector wires a reconnector to a mesh's host and store with the
// backoff wait replaced by a recorder, so tests assert the schedule
// without waiting it out.
func testReconnector(t *testing.T, m *Mesh, cfg config.ReconnectConfig) (*reconnector, *[]time.Duration) {
	t.Helper()

	var sleeps []time.Duration
	r := newReconnector(m.host, m.store, nil, cfg)
	r.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}
	return r, &sleeps
}

// unreachablePeerID derives a valid peer id that no host is listening for.
func unreachablePeerID(t *testing.T) peer.ID {
	t.Helper()

	priv, _, err := crypto.GenerateKeyPair(crypto.Ed25519, -1)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pid, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		t.Fatalf("derive peer id: %v", err)
	}
	return pid
}

func reconnectTestConfig() config.ReconnectConfig {
	return config.ReconnectConfig{
		BaseBackoff: 2 * time.Second,
		MaxAttempts: 3,
		DialTimeout: 500 * time.Millisecond,
	}
}

func TestReattemptBackoffSchedule(t *testing.T) {
	a := newTestMesh(t, "alice", nil)
	lost := unreachablePeerID(t)

	if err := a.store.Upsert(peerstore.Peer{
		PeerID:   lost.String(),
		Status:   peerstore.StatusOnline,
		LastSeen: time.Now(),
	}); err != nil {
		t.Fatalf("seed lost peer: %v", err)
	}

	r, sleeps := testReconnector(t, a, reconnectTestConfig())
	r.Sweep(context.Background(), nil)

	// Every dial fails (no known addresses), so the full schedule runs:
	// dial, wait base, dial, wait 2*base, dial, stop. No wait follows the
	// final attempt.
	want := []time.Duration{2 * time.Second, 4 * time.Second}
	if len(*sleeps) != len(want) {
		t.Fatalf("sleeps = %v, want %v", *sleeps, want)
	}
	for i := range want {
		if (*sleeps)[i] != want[i] {
			t.Fatalf("sleeps = %v, want %v", *sleeps, want)
		}
	}
}

func TestSweepSkipsSelfAndReachablePeers(t *testing.T) {
	a := newTestMesh(t, "alice", nil)
	lost := unreachablePeerID(t)

	// Self is online in the store from host startup; the lost peer is
	// believed online but currently reachable per discovery.
	if err := a.store.Upsert(peerstore.Peer{
		PeerID:   lost.String(),
		Status:   peerstore.StatusOnline,
		LastSeen: time.Now(),
	}); err != nil {
		t.Fatalf("seed peer: %v", err)
	}

	r, sleeps := testReconnector(t, a, reconnectTestConfig())
	r.Sweep(context.Background(), map[peer.ID]struct{}{lost: {}})

	if len(*sleeps) != 0 {
		t.Errorf("sweep dialed a reachable peer or self: sleeps = %v", *sleeps)
	}
}

func TestSweepIgnoresOfflinePeers(t *testing.T) {
	a := newTestMesh(t, "alice", nil)
	lost := unreachablePeerID(t)

	if err := a.store.Upsert(peerstore.Peer{
		PeerID:   lost.String(),
		Status:   peerstore.StatusOffline,
		LastSeen: time.Now().Add(-time.Hour),
	}); err != nil {
		t.Fatalf("seed offline peer: %v", err)
	}

	r, sleeps := testReconnector(t, a, reconnectTestConfig())
	r.Sweep(context.Background(), nil)

	if len(*sleeps) != 0 {
		t.Errorf("sweep dialed an offline peer: sleeps = %v", *sleeps)
	}
}

func TestReattemptStopsOnSuccess(t *testing.T) {
	a := newTestMesh(t, "alice", nil)
	b := newTestMesh(t, "bob", nil)

	// a knows b's addresses but has no open connection.
	a.host.Peerstore().AddAddrs(b.selfID, b.host.Addrs(), time.Hour)
	if err := a.store.Upsert(peerstore.Peer{
		PeerID:   b.selfID.String(),
		Status:   peerstore.StatusOnline,
		LastSeen: time.Now(),
	}); err != nil {
		t.Fatalf("seed peer: %v", err)
	}

	r, sleeps := testReconnector(t, a, reconnectTestConfig())
	r.Sweep(context.Background(), nil)

	if len(*sleeps) != 0 {
		t.Errorf("successful first dial still backed off: sleeps = %v", *sleeps)
	}
	if a.host.Network().Connectedness(b.selfID) != network.Connected {
		t.Error("peer not connected after sweep")
	}
}

func TestSweepStopsWhenContextCancelled(t *testing.T) {
	a := newTestMesh(t, "alice", nil)
	lost := unreachablePeerID(t)

	if err := a.store.Upsert(peerstore.Peer{
		PeerID:   lost.String(),
		Status:   peerstore.StatusOnline,
		LastSeen: time.Now(),
	}); err != nil {
		t.Fatalf("seed peer: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r, sleeps := testReconnector(t, a, reconnectTestConfig())
	r.Sweep(ctx, nil)

	if len(*sleeps) != 0 {
		t.Errorf("cancelled sweep still dialed: sleeps = %v", *sleeps)
	}
}
