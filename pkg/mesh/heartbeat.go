package mesh

import (
	"context"
	"log/slog"
	"time"
)

// heartbeatLoop is the single periodic liveness task: one ticker for the
// whole peer table, not one timer per peer. Each tick refreshes the self
// peer's last_seen (so other observers of a shared store see this node as
// alive) and demotes peers whose last_seen fell outside the staleness
// window. Shutdown latency is bounded by one interval.
func (m *Mesh) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Heartbeat.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.heartbeatTick(time.Now())
		}
	}
}

// heartbeatTick runs one heartbeat + stale sweep pass. Failures are
// per-tick operational errors: logged, never fatal to the loop.
func (m *Mesh) heartbeatTick(now time.Time) {
	selfID := m.selfID.String()

	if err := m.store.Touch(selfID, now); err != nil {
		slog.Warn("heartbeat: refresh self failed", "error", err)
	}

	cutoff := now.Add(-m.cfg.Heartbeat.StaleAfter)
	stale, err := m.store.SweepStale(selfID, cutoff)
	if err != nil {
		slog.Warn("heartbeat: stale sweep failed", "error", err)
		return
	}
	if len(stale) == 0 {
		return
	}

	m.metrics.addStaleSwept(len(stale))
	for _, id := range stale {
		slog.Info("heartbeat: peer went stale",
			"peer", shortPeerID(id),
			"stale_after", m.cfg.Heartbeat.StaleAfter)
	}
}

// shortPeerID truncates a raw peer id string for log output.
func shortPeerID(id string) string {
	if len(id) > 16 {
		return id[:16] + "..."
	}
	return id
}
