package store

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/newsatlas/crawler/internal/common/urlutil"
)

// URLRow mirrors the urls table. Rows are immutable after creation.
type URLRow struct {
	ID          int64
	Normalized  string
	Hash        string
	Host        string
	Path        string
	FirstSeenAt time.Time
}

// EnsureURL inserts a normalized URL if unseen and returns its row. The
// caller must pass an already-normalized URL (urlutil.Normalize); this is the
// identity every other table keys on.
func (s *Store) EnsureURL(normalized string, now time.Time) (*URLRow, error) {
	parsed, err := url.Parse(normalized)
	if err != nil {
		return nil, fmt.Errorf("ensure url %q: %w", normalized, err)
	}
	host := urlutil.ExtractHostname(parsed.Host)
	path := parsed.Path
	if path == "" {
		path = "/"
	}

	_, err = s.writer.Exec(
		`INSERT INTO urls (normalized, url_hash, host, path, first_seen_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(normalized) DO NOTHING`,
		normalized, urlutil.Hash(normalized), host, path, toMillis(now),
	)
	if err != nil {
		return nil, fmt.Errorf("ensure url %q: %w", normalized, err)
	}

	return s.GetURLByNormalized(normalized)
}

// GetURLByNormalized looks up a URL row by its normalized form. Returns
// (nil, nil) when absent.
func (s *Store) GetURLByNormalized(normalized string) (*URLRow, error) {
	row := s.reader.QueryRow(
		`SELECT id, normalized, url_hash, host, path, first_seen_at
		 FROM urls WHERE normalized = ?`, normalized)
	return scanURL(row)
}

// GetURL looks up a URL row by id. Returns (nil, nil) when absent.
func (s *Store) GetURL(id int64) (*URLRow, error) {
	row := s.reader.QueryRow(
		`SELECT id, normalized, url_hash, host, path, first_seen_at
		 FROM urls WHERE id = ?`, id)
	return scanURL(row)
}

// URLsByHost returns up to limit URL rows on a host, newest first.
func (s *Store) URLsByHost(host string, limit int) ([]URLRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.reader.Query(
		`SELECT id, normalized, url_hash, host, path, first_seen_at
		 FROM urls WHERE host = ? ORDER BY id DESC LIMIT ?`, host, limit)
	if err != nil {
		return nil, fmt.Errorf("urls by host %q: %w", host, err)
	}
	defer rows.Close()

	var out []URLRow
	for rows.Next() {
		var u URLRow
		var firstSeen int64
		if err := rows.Scan(&u.ID, &u.Normalized, &u.Hash, &u.Host, &u.Path, &firstSeen); err != nil {
			return nil, fmt.Errorf("scan url row: %w", err)
		}
		u.FirstSeenAt = fromMillis(firstSeen)
		out = append(out, u)
	}
	return out, rows.Err()
}

func scanURL(row *sql.Row) (*URLRow, error) {
	var u URLRow
	var firstSeen int64
	err := row.Scan(&u.ID, &u.Normalized, &u.Hash, &u.Host, &u.Path, &firstSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan url row: %w", err)
	}
	u.FirstSeenAt = fromMillis(firstSeen)
	return &u, nil
}
