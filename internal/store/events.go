package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// EventRow mirrors the task_events table. Append-only; never evidence.
type EventRow struct {
	ID          int64     `json:"id"`
	TaskID      string    `json:"task_id"`
	EventType   string    `json:"event_type"`
	Severity    string    `json:"severity"`
	Scope       string    `json:"scope"`
	Target      string    `json:"target"`
	PayloadJSON string    `json:"payload"`
	DurationMs  int64     `json:"duration_ms"`
	HTTPStatus  int       `json:"http_status,omitempty"`
	ItemCount   int64     `json:"item_count,omitempty"`
	EmittedAt   time.Time `json:"emitted_at"`
}

// InsertEvents appends a batch of events in one transaction. Individual bad
// rows are skipped rather than failing the batch; returns rows inserted.
func (s *Store) InsertEvents(events []EventRow) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	tx, err := s.writer.Begin()
	if err != nil {
		return 0, fmt.Errorf("insert events: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.Prepare(
		`INSERT INTO task_events
		 (task_id, event_type, severity, scope, target, payload_json, duration_ms, http_status, item_count, emitted_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("insert events: prepare: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for i := range events {
		e := &events[i]
		payload := e.PayloadJSON
		if payload == "" {
			payload = "{}"
		}
		severity := e.Severity
		if severity == "" {
			severity = "info"
		}
		if _, err := stmt.Exec(
			e.TaskID, e.EventType, severity, e.Scope, e.Target, payload,
			e.DurationMs, e.HTTPStatus, e.ItemCount, toMillis(e.EmittedAt),
		); err != nil {
			s.logger.Warn("Skipping bad event row", zap.Error(err))
			continue
		}
		inserted++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("insert events: commit: %w", err)
	}
	return inserted, nil
}

// EventFilter narrows event queries.
type EventFilter struct {
	TaskID     string
	EventTypes []string
	AfterID    int64 // stream cursor: only rows with id > AfterID
	Since      time.Time
	Limit      int
}

// Events lists events matching the filter in insertion order (id ascending),
// which preserves per-writer order.
func (s *Store) Events(f EventFilter) ([]EventRow, error) {
	q := `SELECT id, task_id, event_type, severity, scope, target, payload_json,
	             duration_ms, http_status, item_count, emitted_at
	      FROM task_events WHERE 1=1`
	var args []interface{}
	if f.TaskID != "" {
		q += " AND task_id = ?"
		args = append(args, f.TaskID)
	}
	if len(f.EventTypes) > 0 {
		q += " AND event_type IN (" + strings.Repeat("?,", len(f.EventTypes)-1) + "?)"
		for _, t := range f.EventTypes {
			args = append(args, t)
		}
	}
	if f.AfterID > 0 {
		q += " AND id > ?"
		args = append(args, f.AfterID)
	}
	if !f.Since.IsZero() {
		q += " AND emitted_at >= ?"
		args = append(args, toMillis(f.Since))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 1000
	}
	q += " ORDER BY id ASC LIMIT ?"
	args = append(args, limit)

	rows, err := s.reader.Query(q, args...)
	if err != nil {
		if isMissingColumnErr(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []EventRow
	for rows.Next() {
		var e EventRow
		var emittedAt int64
		if err := rows.Scan(&e.ID, &e.TaskID, &e.EventType, &e.Severity, &e.Scope, &e.Target,
			&e.PayloadJSON, &e.DurationMs, &e.HTTPStatus, &e.ItemCount, &emittedAt); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		e.EmittedAt = fromMillis(emittedAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountEventsByType aggregates the event log, for diagnostics and tests.
func (s *Store) CountEventsByType(taskID string) (map[string]int64, error) {
	q := `SELECT event_type, COUNT(*) FROM task_events`
	var args []interface{}
	if taskID != "" {
		q += " WHERE task_id = ?"
		args = append(args, taskID)
	}
	q += " GROUP BY event_type"

	rows, err := s.reader.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var t string
		var n int64
		if err := rows.Scan(&t, &n); err != nil {
			return nil, fmt.Errorf("scan event count: %w", err)
		}
		out[t] = n
	}
	return out, rows.Err()
}

// LastEventID returns the id of the newest event, 0 when the log is empty.
// Stream consumers use it as their starting cursor.
func (s *Store) LastEventID() (int64, error) {
	var id sql.NullInt64
	if err := s.reader.QueryRow(`SELECT MAX(id) FROM task_events`).Scan(&id); err != nil {
		return 0, fmt.Errorf("last event id: %w", err)
	}
	return id.Int64, nil
}
