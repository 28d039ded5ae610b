package peerstore

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Peer status values. A peer is online when discovery has seen it within
// the staleness window, offline once the sweeper demotes it.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// placeholderDeviceName is recorded for peers discovered before their
// first info exchange.
const placeholderDeviceName = "unknown"

// Peer is one row of the peers table.
type Peer struct {
	PeerID      string
	DisplayName string
	DeviceName  string
	PublicKey   string // hex-encoded raw public key; empty until exchanged
	Status      string
	LastSeen    time.Time
}

// PlaceholderName derives the default human-facing name for a peer that
// has not completed info exchange yet.
func PlaceholderName(peerID string) string {
	short := peerID
	if len(short) > 12 {
		short = short[:12]
	}
	return "Peer " + short
}

// formatTime renders a timestamp as RFC3339 UTC at second precision.
// The fixed-width form makes stored values lexicographically comparable,
// which the monotonic last_seen guards rely on.
func formatTime(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(time.RFC3339)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

// MarkSeen records a discovery observation for a peer. Absent peers are
// inserted with placeholder names; present peers get only status and
// last_seen updated, so names enriched by info exchange survive
// rediscovery. last_seen never moves backward. Returns true when the row
// was newly created.
func (s *Store) MarkSeen(peerID string, now time.Time) (bool, error) {
	if peerID == "" {
		return false, errors.New("peer_id is required")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("begin mark seen: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	seen := formatTime(now)
	var exists bool
	if err := tx.QueryRow(
		`SELECT EXISTS(SELECT 1 FROM peers WHERE peer_id = ?)`, peerID,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("look up peer %q: %w", peerID, err)
	}

	if exists {
		if _, err := tx.Exec(
			`UPDATE peers
			SET status = ?, last_seen = MAX(last_seen, ?)
			WHERE peer_id = ?`,
			StatusOnline, seen, peerID,
		); err != nil {
			return false, fmt.Errorf("mark peer seen %q: %w", peerID, err)
		}
	} else {
		if _, err := tx.Exec(
			`INSERT INTO peers (peer_id, display_name, device_name, public_key, status, last_seen)
			VALUES (?, ?, ?, '', ?, ?)`,
			peerID, PlaceholderName(peerID), placeholderDeviceName, StatusOnline, seen,
		); err != nil {
			return false, fmt.Errorf("insert discovered peer %q: %w", peerID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit mark seen %q: %w", peerID, err)
	}
	return !exists, nil
}

// Upsert writes a full peer row, replacing every mutable column. Used by
// identity bootstrap for the self peer; discovery uses MarkSeen instead.
func (s *Store) Upsert(p Peer) error {
	if p.PeerID == "" {
		return errors.New("peer_id is required")
	}
	if p.DisplayName == "" {
		p.DisplayName = PlaceholderName(p.PeerID)
	}
	if p.DeviceName == "" {
		p.DeviceName = placeholderDeviceName
	}
	if p.Status == "" {
		p.Status = StatusOnline
	}
	if err := validateStatus(p.Status); err != nil {
		return err
	}
	if p.LastSeen.IsZero() {
		p.LastSeen = time.Now()
	}

	_, err := s.db.Exec(
		`INSERT INTO peers (peer_id, display_name, device_name, public_key, status, last_seen)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(peer_id) DO UPDATE SET
		    display_name = excluded.display_name,
		    device_name  = excluded.device_name,
		    public_key   = excluded.public_key,
		    status       = excluded.status,
		    last_seen    = MAX(last_seen, excluded.last_seen)`,
		p.PeerID, p.DisplayName, p.DeviceName, p.PublicKey, p.Status, formatTime(p.LastSeen),
	)
	if err != nil {
		return fmt.Errorf("upsert peer %q: %w", p.PeerID, err)
	}
	return nil
}

// Get fetches a peer by id.
func (s *Store) Get(peerID string) (*Peer, error) {
	row := s.db.QueryRow(
		`SELECT peer_id, display_name, device_name, public_key, status, last_seen
		FROM peers WHERE peer_id = ?`,
		peerID,
	)

	p, err := scanPeer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get peer %q: %w", peerID, err)
	}
	return p, nil
}

// List returns all known peers sorted by display name.
func (s *Store) List() ([]Peer, error) {
	rows, err := s.db.Query(
		`SELECT peer_id, display_name, device_name, public_key, status, last_seen
		FROM peers ORDER BY display_name, peer_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	defer rows.Close()

	peers := make([]Peer, 0)
	for rows.Next() {
		p, err := scanPeer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan peer row: %w", err)
		}
		peers = append(peers, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate peer rows: %w", err)
	}
	return peers, nil
}

// SetInfo records display metadata obtained from an info exchange. Empty
// fields in the response leave the stored value untouched.
func (s *Store) SetInfo(peerID, displayName, deviceName, publicKey string) error {
	if peerID == "" {
		return errors.New("peer_id is required")
	}

	res, err := s.db.Exec(
		`UPDATE peers
		SET display_name = COALESCE(NULLIF(?, ''), display_name),
		    device_name  = COALESCE(NULLIF(?, ''), device_name),
		    public_key   = COALESCE(NULLIF(?, ''), public_key)
		WHERE peer_id = ?`,
		displayName, deviceName, publicKey, peerID,
	)
	if err != nil {
		return fmt.Errorf("set peer info %q: %w", peerID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for set peer info %q: %w", peerID, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Touch refreshes a peer's liveness: status online, last_seen advanced to
// now (never rewound). The heartbeat loop calls this for the self peer.
func (s *Store) Touch(peerID string, now time.Time) error {
	if peerID == "" {
		return errors.New("peer_id is required")
	}

	res, err := s.db.Exec(
		`UPDATE peers
		SET status = ?, last_seen = MAX(last_seen, ?)
		WHERE peer_id = ?`,
		StatusOnline, formatTime(now), peerID,
	)
	if err != nil {
		return fmt.Errorf("touch peer %q: %w", peerID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for touch %q: %w", peerID, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SweepStale demotes online peers whose last_seen is strictly older than
// cutoff, returning the ids it flipped to offline. The self peer is
// excluded by the query so a node can never mark itself stale. Peers
// within the window are not rewritten.
func (s *Store) SweepStale(selfID string, cutoff time.Time) ([]string, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin stale sweep: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	limit := formatTime(cutoff)
	rows, err := tx.Query(
		`SELECT peer_id FROM peers
		WHERE status = ? AND last_seen < ? AND peer_id != ?`,
		StatusOnline, limit, selfID,
	)
	if err != nil {
		return nil, fmt.Errorf("select stale peers: %w", err)
	}

	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan stale peer id: %w", err)
		}
		stale = append(stale, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate stale peer ids: %w", err)
	}
	rows.Close()

	if len(stale) == 0 {
		return nil, tx.Commit()
	}

	if _, err := tx.Exec(
		`UPDATE peers SET status = ?
		WHERE status = ? AND last_seen < ? AND peer_id != ?`,
		StatusOffline, StatusOnline, limit, selfID,
	); err != nil {
		return nil, fmt.Errorf("mark stale peers offline: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit stale sweep: %w", err)
	}
	return stale, nil
}

// OnlinePeerIDs returns the ids of all peers currently recorded online.
func (s *Store) OnlinePeerIDs() ([]string, error) {
	rows, err := s.db.Query(`SELECT peer_id FROM peers WHERE status = ?`, StatusOnline)
	if err != nil {
		return nil, fmt.Errorf("list online peers: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan online peer id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate online peer ids: %w", err)
	}
	return ids, nil
}

func validateStatus(status string) error {
	switch status {
	case StatusOnline, StatusOffline:
		return nil
	default:
		return fmt.Errorf("invalid peer status %q", status)
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPeer(row scanner) (*Peer, error) {
	var (
		p        Peer
		lastSeen string
	)
	if err := row.Scan(
		&p.PeerID,
		&p.DisplayName,
		&p.DeviceName,
		&p.PublicKey,
		&p.Status,
		&lastSeen,
	); err != nil {
		return nil, err
	}

	t, err := parseTime(lastSeen)
	if err != nil {
		return nil, fmt.Errorf("parse last_seen %q: %w", lastSeen, err)
	}
	p.LastSeen = t
	return &p, nil
}
