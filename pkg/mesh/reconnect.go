package mesh

import (
	"context"
	"log/slog"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/lanmesh/lanmesh/internal/config"
	"github.com/lanmesh/lanmesh/internal/peerstore"
)

// reconnector re-establishes lost connections. Each discovery round hands
// it the set of peers reachable this tick; anything the store believes is
// online but discovery no longer sees gets a bounded dial sequence with
// exponential backoff. Attempt counters are per-sweep only: the next
// sweep restarts from zero for peers still lost, trading aggressive retry
// for simplicity and bounded resource use.
type reconnector struct {
	host    host.Host
	store   *peerstore.Store
	metrics *Metrics

	baseBackoff time.Duration
	maxAttempts int
	dialTimeout time.Duration

	// sleep is the backoff wait, injectable for tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func newReconnector(h host.Host, store *peerstore.Store, m *Metrics, cfg config.ReconnectConfig) *reconnector {
	return &reconnector{
		host:        h,
		store:       store,
		metrics:     m,
		baseBackoff: cfg.BaseBackoff,
		maxAttempts: cfg.MaxAttempts,
		dialTimeout: cfg.DialTimeout,
		sleep:       sleepContext,
	}
}

// Sweep compares believed-online peers against the currently reachable
// set and retries each lost peer. Self is never a reconnect target.
func (r *reconnector) Sweep(ctx context.Context, current map[peer.ID]struct{}) {
	online, err := r.store.OnlinePeerIDs()
	if err != nil {
		slog.Warn("reconnect: list online peers failed", "error", err)
		return
	}

	for _, id := range online {
		pid, err := peer.Decode(id)
		if err != nil {
			slog.Warn("reconnect: bad peer id in store", "peer", shortPeerID(id), "error", err)
			continue
		}
		if pid == r.host.ID() {
			continue
		}
		if _, reachable := current[pid]; reachable {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		r.reattempt(ctx, pid)
	}
}

// reattempt dials one lost peer up to maxAttempts times. The backoff wait
// precedes each retry (base, then base*2, ...); there is no sleep after
// the final attempt, the next sweep resumes probing. A successful dial
// stops the sequence immediately.
func (r *reconnector) reattempt(ctx context.Context, pid peer.ID) {
	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := r.baseBackoff << (attempt - 1)
			if err := r.sleep(ctx, backoff); err != nil {
				return
			}
		}

		dialCtx, cancel := context.WithTimeout(ctx, r.dialTimeout)
		err := r.host.Connect(dialCtx, peer.AddrInfo{ID: pid})
		cancel()

		if err == nil {
			r.metrics.incReconnect("success")
			slog.Info("reconnect: peer reachable again",
				"peer", shortID(pid), "attempt", attempt+1)
			return
		}

		r.metrics.incReconnect("failure")
		slog.Debug("reconnect: dial failed",
			"peer", shortID(pid),
			"attempt", attempt+1,
			"error", err)
	}
}

// sleepContext waits for d or until ctx is canceled.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
