package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/newsatlas/crawler/pkg/types"
)

// QueueRow mirrors the queue_entries table.
type QueueRow struct {
	URLID      int64
	Priority   float64
	State      types.QueueState
	EnqueuedAt time.Time
	ReadyAfter time.Time
	LeasedAt   time.Time
	LeaseOwner string
}

// Enqueue inserts a queue entry for a URL. Re-enqueuing an existing entry
// raises its priority if the new one is higher; DONE and SKIPPED entries are
// not resurrected. Returns true when a usable QUEUED entry exists afterwards.
func (s *Store) Enqueue(urlID int64, priority float64, readyAfter, now time.Time) (bool, error) {
	res, err := s.writer.Exec(
		`INSERT INTO queue_entries (url_id, priority, state, enqueued_at, ready_after)
		 VALUES (?, ?, 'QUEUED', ?, ?)
		 ON CONFLICT(url_id) DO UPDATE SET
		   priority = MAX(queue_entries.priority, excluded.priority)
		 WHERE queue_entries.state = 'QUEUED'`,
		urlID, priority, toMillis(now), toMillis(readyAfter),
	)
	if err != nil {
		return false, fmt.Errorf("enqueue url %d: %w", urlID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Lease atomically claims the highest-priority ready entry and returns it
// together with its URL row. Returns (nil, nil, nil) when nothing is ready.
// Serialization through the single writer connection guarantees no two
// workers receive the same entry.
func (s *Store) Lease(owner string, now time.Time) (*QueueRow, *URLRow, error) {
	return s.lease(owner, "", now)
}

// LeaseForHost is Lease restricted to a single host.
func (s *Store) LeaseForHost(owner, host string, now time.Time) (*QueueRow, *URLRow, error) {
	return s.lease(owner, host, now)
}

func (s *Store) lease(owner, host string, now time.Time) (*QueueRow, *URLRow, error) {
	tx, err := s.writer.Begin()
	if err != nil {
		return nil, nil, fmt.Errorf("lease: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	query := `SELECT q.url_id, q.priority, q.state, q.enqueued_at, q.ready_after,
	                 u.id, u.normalized, u.url_hash, u.host, u.path, u.first_seen_at
	          FROM queue_entries q JOIN urls u ON u.id = q.url_id
	          WHERE q.state = 'QUEUED' AND q.ready_after <= ?`
	args := []interface{}{toMillis(now)}
	if host != "" {
		query += " AND u.host = ?"
		args = append(args, host)
	}
	query += " ORDER BY q.priority DESC, q.enqueued_at ASC LIMIT 1"

	var q QueueRow
	var u URLRow
	var state string
	var enqueuedAt, readyAfter, firstSeen int64
	err = tx.QueryRow(query, args...).Scan(
		&q.URLID, &q.Priority, &state, &enqueuedAt, &readyAfter,
		&u.ID, &u.Normalized, &u.Hash, &u.Host, &u.Path, &firstSeen,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("lease: select: %w", err)
	}

	if _, err := tx.Exec(
		`UPDATE queue_entries SET state = 'LEASED', leased_at = ?, lease_owner = ?
		 WHERE url_id = ? AND state = 'QUEUED'`,
		toMillis(now), owner, q.URLID,
	); err != nil {
		return nil, nil, fmt.Errorf("lease: update: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("lease: commit: %w", err)
	}

	q.State = types.QueueLeased
	q.EnqueuedAt = fromMillis(enqueuedAt)
	q.ReadyAfter = fromMillis(readyAfter)
	q.LeasedAt = now
	q.LeaseOwner = owner
	u.FirstSeenAt = fromMillis(firstSeen)
	return &q, &u, nil
}

// CompleteLease marks a leased entry DONE.
func (s *Store) CompleteLease(urlID int64) error {
	return s.setLeaseState(urlID, types.QueueDone)
}

// SkipLease marks a leased entry SKIPPED (admission rejected, robots
// disallow, dead URL).
func (s *Store) SkipLease(urlID int64) error {
	return s.setLeaseState(urlID, types.QueueSkipped)
}

func (s *Store) setLeaseState(urlID int64, state types.QueueState) error {
	res, err := s.writer.Exec(
		`UPDATE queue_entries SET state = ?, lease_owner = '' WHERE url_id = ? AND state = 'LEASED'`,
		string(state), urlID,
	)
	if err != nil {
		return fmt.Errorf("set queue state %s for url %d: %w", state, urlID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("set queue state %s for url %d: entry not leased", state, urlID)
	}
	return nil
}

// DeferLease returns a leased entry to QUEUED with a new ready_after, used
// when a breaker is open or politeness pushed the URL out.
func (s *Store) DeferLease(urlID int64, readyAfter time.Time) error {
	res, err := s.writer.Exec(
		`UPDATE queue_entries SET state = 'QUEUED', lease_owner = '', leased_at = NULL, ready_after = ?
		 WHERE url_id = ? AND state = 'LEASED'`,
		toMillis(readyAfter), urlID,
	)
	if err != nil {
		return fmt.Errorf("defer url %d: %w", urlID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("defer url %d: entry not leased", urlID)
	}
	return nil
}

// ReleaseStaleLeases returns leases older than maxAge to QUEUED. Called at
// startup to recover entries orphaned by a crash.
func (s *Store) ReleaseStaleLeases(maxAge time.Duration, now time.Time) (int64, error) {
	cutoff := now.Add(-maxAge)
	res, err := s.writer.Exec(
		`UPDATE queue_entries SET state = 'QUEUED', lease_owner = '', leased_at = NULL
		 WHERE state = 'LEASED' AND leased_at < ?`, toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("release stale leases: %w", err)
	}
	return res.RowsAffected()
}

// QueueDepth returns the number of QUEUED entries, optionally per host
// (empty host means global).
func (s *Store) QueueDepth(host string) (int64, error) {
	var n int64
	var err error
	if host == "" {
		err = s.reader.QueryRow(
			`SELECT COUNT(*) FROM queue_entries WHERE state = 'QUEUED'`).Scan(&n)
	} else {
		err = s.reader.QueryRow(
			`SELECT COUNT(*) FROM queue_entries q JOIN urls u ON u.id = q.url_id
			 WHERE q.state = 'QUEUED' AND u.host = ?`, host).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

// ActiveHosts returns hosts with at least one QUEUED entry.
func (s *Store) ActiveHosts() ([]string, error) {
	rows, err := s.reader.Query(
		`SELECT DISTINCT u.host FROM queue_entries q JOIN urls u ON u.id = q.url_id
		 WHERE q.state = 'QUEUED' ORDER BY u.host`)
	if err != nil {
		return nil, fmt.Errorf("active hosts: %w", err)
	}
	defer rows.Close()

	var hosts []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("scan host: %w", err)
		}
		hosts = append(hosts, h)
	}
	return hosts, rows.Err()
}

// QueueStateCounts returns entry counts grouped by state for diagnostics.
func (s *Store) QueueStateCounts() (map[types.QueueState]int64, error) {
	rows, err := s.reader.Query(`SELECT state, COUNT(*) FROM queue_entries GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("queue state counts: %w", err)
	}
	defer rows.Close()

	out := make(map[types.QueueState]int64)
	for rows.Next() {
		var state string
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan state count: %w", err)
		}
		out[types.QueueState(state)] = n
	}
	return out, rows.Err()
}
