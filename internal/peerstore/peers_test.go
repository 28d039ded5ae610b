package peerstore

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenPath(filepath.Join(t.TempDir(), "peers_test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("close store: %v", err)
		}
	})
	return s
}

func TestOpenIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "peers.db")

	s1, err := OpenPath(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Reopening must not rerun migrations destructively.
	s2, err := OpenPath(path)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer s2.Close()

	if _, err := s2.List(); err != nil {
		t.Fatalf("list after reopen: %v", err)
	}
}

func TestMarkSeenCreatesWithPlaceholders(t *testing.T) {
	s := newTestStore(t)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	created, err := s.MarkSeen("12D3KooWTestPeerA", now)
	if err != nil {
		t.Fatalf("mark seen: %v", err)
	}
	if !created {
		t.Fatal("expected first observation to create the row")
	}

	p, err := s.Get("12D3KooWTestPeerA")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if want := "Peer 12D3KooWTest"; p.DisplayName != want {
		t.Errorf("display name = %q, want %q", p.DisplayName, want)
	}
	if p.DeviceName != placeholderDeviceName {
		t.Errorf("device name = %q, want %q", p.DeviceName, placeholderDeviceName)
	}
	if p.Status != StatusOnline {
		t.Errorf("status = %q, want online", p.Status)
	}
	if !p.LastSeen.Equal(now) {
		t.Errorf("last_seen = %v, want %v", p.LastSeen, now)
	}
}

func TestMarkSeenPreservesEnrichedNames(t *testing.T) {
	s := newTestStore(t)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	if _, err := s.MarkSeen("peer-a", now); err != nil {
		t.Fatalf("mark seen: %v", err)
	}
	if err := s.SetInfo("peer-a", "Alice", "alice-laptop", "ab12"); err != nil {
		t.Fatalf("set info: %v", err)
	}

	created, err := s.MarkSeen("peer-a", now.Add(time.Minute))
	if err != nil {
		t.Fatalf("second mark seen: %v", err)
	}
	if created {
		t.Fatal("rediscovery of a known peer reported as created")
	}

	p, err := s.Get("peer-a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.DisplayName != "Alice" || p.DeviceName != "alice-laptop" || p.PublicKey != "ab12" {
		t.Errorf("enriched fields lost on rediscovery: %+v", p)
	}
	if !p.LastSeen.Equal(now.Add(time.Minute)) {
		t.Errorf("last_seen = %v, want %v", p.LastSeen, now.Add(time.Minute))
	}
}

func TestMarkSeenNeverRewindsLastSeen(t *testing.T) {
	s := newTestStore(t)
	late := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	early := late.Add(-time.Hour)

	if _, err := s.MarkSeen("peer-a", late); err != nil {
		t.Fatalf("mark seen: %v", err)
	}
	if _, err := s.MarkSeen("peer-a", early); err != nil {
		t.Fatalf("mark seen with older clock: %v", err)
	}

	p, err := s.Get("peer-a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !p.LastSeen.Equal(late) {
		t.Errorf("last_seen rewound to %v, want %v", p.LastSeen, late)
	}
}

func TestMarkSeenRevivesOfflinePeer(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if _, err := s.MarkSeen("peer-a", base); err != nil {
		t.Fatalf("mark seen: %v", err)
	}
	if _, err := s.SweepStale("self", base.Add(time.Hour)); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	if _, err := s.MarkSeen("peer-a", base.Add(2*time.Hour)); err != nil {
		t.Fatalf("mark seen after sweep: %v", err)
	}
	p, err := s.Get("peer-a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.Status != StatusOnline {
		t.Errorf("status = %q, want online after rediscovery", p.Status)
	}
}

func TestSetInfoSkipsEmptyFields(t *testing.T) {
	s := newTestStore(t)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	if _, err := s.MarkSeen("peer-a", now); err != nil {
		t.Fatalf("mark seen: %v", err)
	}
	if err := s.SetInfo("peer-a", "Alice", "alice-laptop", "ab12"); err != nil {
		t.Fatalf("set info: %v", err)
	}

	// A later exchange with missing fields must not clobber known values.
	if err := s.SetInfo("peer-a", "", "", ""); err != nil {
		t.Fatalf("set info with empty fields: %v", err)
	}

	p, err := s.Get("peer-a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.DisplayName != "Alice" || p.DeviceName != "alice-laptop" || p.PublicKey != "ab12" {
		t.Errorf("empty exchange clobbered fields: %+v", p)
	}
}

func TestSetInfoUnknownPeer(t *testing.T) {
	s := newTestStore(t)
	if err := s.SetInfo("missing", "Name", "", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestGetUnknownPeer(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestTouch(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if _, err := s.MarkSeen("peer-a", base); err != nil {
		t.Fatalf("mark seen: %v", err)
	}
	if err := s.Touch("peer-a", base.Add(time.Minute)); err != nil {
		t.Fatalf("touch: %v", err)
	}
	p, err := s.Get("peer-a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !p.LastSeen.Equal(base.Add(time.Minute)) {
		t.Errorf("last_seen = %v, want %v", p.LastSeen, base.Add(time.Minute))
	}

	if err := s.Touch("missing", base); !errors.Is(err, ErrNotFound) {
		t.Fatalf("touch unknown peer: err = %v, want ErrNotFound", err)
	}
}

func TestSweepStale(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if _, err := s.MarkSeen("self", base.Add(-time.Hour)); err != nil {
		t.Fatalf("seed self: %v", err)
	}
	if _, err := s.MarkSeen("fresh", base.Add(-time.Minute)); err != nil {
		t.Fatalf("seed fresh: %v", err)
	}
	if _, err := s.MarkSeen("stale", base.Add(-10*time.Minute)); err != nil {
		t.Fatalf("seed stale: %v", err)
	}

	cutoff := base.Add(-90 * time.Second)
	swept, err := s.SweepStale("self", cutoff)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(swept) != 1 || swept[0] != "stale" {
		t.Fatalf("swept = %v, want [stale]", swept)
	}

	for id, want := range map[string]string{
		"self":  StatusOnline, // self never goes stale, however old
		"fresh": StatusOnline,
		"stale": StatusOffline,
	} {
		p, err := s.Get(id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if p.Status != want {
			t.Errorf("peer %s status = %q, want %q", id, p.Status, want)
		}
	}

	// A repeat sweep finds nothing; offline rows are not re-reported.
	swept, err = s.SweepStale("self", cutoff)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if len(swept) != 0 {
		t.Errorf("second sweep reported %v, want none", swept)
	}
}

func TestSweepStaleBoundary(t *testing.T) {
	s := newTestStore(t)
	cutoff := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// last_seen exactly at the cutoff is not stale; the comparison is
	// strictly older-than.
	if _, err := s.MarkSeen("edge", cutoff); err != nil {
		t.Fatalf("seed: %v", err)
	}
	swept, err := s.SweepStale("self", cutoff)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(swept) != 0 {
		t.Errorf("peer at cutoff swept: %v", swept)
	}
}

func TestUpsertMonotonicLastSeen(t *testing.T) {
	s := newTestStore(t)
	late := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := s.Upsert(Peer{PeerID: "self", DisplayName: "Me", DeviceName: "box", Status: StatusOnline, LastSeen: late}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.Upsert(Peer{PeerID: "self", DisplayName: "Me2", DeviceName: "box", Status: StatusOnline, LastSeen: late.Add(-time.Hour)}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	p, err := s.Get("self")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.DisplayName != "Me2" {
		t.Errorf("display name = %q, want Me2", p.DisplayName)
	}
	if !p.LastSeen.Equal(late) {
		t.Errorf("last_seen rewound to %v, want %v", p.LastSeen, late)
	}
}

func TestUpsertRejectsInvalidStatus(t *testing.T) {
	s := newTestStore(t)
	err := s.Upsert(Peer{PeerID: "x", Status: "lurking"})
	if err == nil {
		t.Fatal("expected invalid status to be rejected")
	}
}

func TestListOrdersByDisplayName(t *testing.T) {
	s := newTestStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for id, name := range map[string]string{"p1": "Zoe", "p2": "Alice", "p3": "Mallory"} {
		if err := s.Upsert(Peer{PeerID: id, DisplayName: name, LastSeen: now}); err != nil {
			t.Fatalf("upsert %s: %v", id, err)
		}
	}

	peers, err := s.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var got []string
	for _, p := range peers {
		got = append(got, p.DisplayName)
	}
	want := []string{"Alice", "Mallory", "Zoe"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("list order = %v, want %v", got, want)
		}
	}
}

func TestOnlinePeerIDs(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if _, err := s.MarkSeen("up", base); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := s.Upsert(Peer{PeerID: "down", Status: StatusOffline, LastSeen: base}); err != nil {
		t.Fatalf("seed offline: %v", err)
	}

	ids, err := s.OnlinePeerIDs()
	if err != nil {
		t.Fatalf("online peer ids: %v", err)
	}
	if len(ids) != 1 || ids[0] != "up" {
		t.Errorf("online = %v, want [up]", ids)
	}
}

func TestPlaceholderName(t *testing.T) {
	if got := PlaceholderName("12D3KooWAbCdEfGh"); got != "Peer 12D3KooWAbCd" {
		t.Errorf("PlaceholderName = %q", got)
	}
	if got := PlaceholderName("short"); got != "Peer short" {
		t.Errorf("PlaceholderName short = %q", got)
	}
}
