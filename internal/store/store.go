// Package store implements the persistence layer: a single SQLite database
// holding crawl evidence (urls, http_responses, content_storage), analysis
// and prediction tables, the durable queue, and the append-only telemetry
// log. All access is brokered through named adapter methods; upper layers
// never issue ad-hoc SQL. Writes are serialized through a single writer
// connection while readers use a concurrent pool over the same WAL database.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/newsatlas/crawler/internal/common/configtypes"
)

// Store is the single entry point for all persistence operations. The writer
// handle is capped at one connection so every INSERT/UPDATE is serialized;
// reads go through a separate pooled handle and see committed data only.
type Store struct {
	writer *sql.DB
	reader *sql.DB
	path   string
	logger *zap.Logger
}

// Open opens (or creates) the crawl database, applies pending migrations,
// and returns a ready Store.
func Open(cfg configtypes.DatabaseConfig, logger *zap.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("store: database path not configured")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("store: create db dir: %w", err)
	}

	busyTimeout := cfg.BusyTimeout.ToDuration()
	if busyTimeout <= 0 {
		busyTimeout = 5 * time.Second
	}

	writer, err := openHandle(cfg.Path, busyTimeout)
	if err != nil {
		return nil, fmt.Errorf("store: open writer: %w", err)
	}
	// Single-writer: all mutations are serialized through one connection.
	writer.SetMaxOpenConns(1)

	if err := migrateDB(writer); err != nil {
		writer.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	reader, err := openHandle(cfg.Path, busyTimeout)
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("store: open reader: %w", err)
	}
	readConns := runtime.NumCPU()
	if readConns < 4 {
		readConns = 4
	}
	reader.SetMaxOpenConns(readConns)

	logger.Info("Database opened",
		zap.String("path", cfg.Path),
		zap.Int("reader_conns", readConns))

	return &Store{
		writer: writer,
		reader: reader,
		path:   cfg.Path,
		logger: logger,
	}, nil
}

// openHandle opens a SQLite handle with the pragmas every connection needs:
// WAL journal mode, synchronous=NORMAL, foreign_keys=ON, busy_timeout.
func openHandle(path string, busyTimeout time.Duration) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db %s: %w", path, err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		fmt.Sprintf("PRAGMA busy_timeout=%d", busyTimeout.Milliseconds()),
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %q on %s: %w", p, path, err)
		}
	}
	return db, nil
}

// Close closes both database handles.
func (s *Store) Close() error {
	return errors.Join(s.writer.Close(), s.reader.Close())
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// isMissingColumnErr reports whether err is SQLite's "no such column" shape
// error. SELECT-only adapters serving the API surface use it to degrade to an
// empty result when reading a database created by an older binary.
func isMissingColumnErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "no such column") || strings.Contains(msg, "no such table")
}

// --- timestamp helpers: columns store Unix milliseconds ---

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func timeFromNull(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64).UTC()
}
