package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/newsatlas/crawler/pkg/types"
)

// ResponseRecord is one network attempt ready for insertion. Body may be nil
// for failed attempts; when present it is stored compressed in the same
// transaction as the http_responses row.
type ResponseRecord struct {
	URLID       int64
	Status      int
	Bytes       int64
	ContentType string
	TTFB        time.Duration
	Download    time.Duration
	Source      types.FetchSource
	ErrorDetail string
	FetchedAt   time.Time
	Body        []byte
	Compression string // storage compression algorithm, e.g. types.CompressionSnappy
}

// ResponseRow mirrors the http_responses table.
type ResponseRow struct {
	ID          int64
	URLID       int64
	Status      int
	Bytes       int64
	ContentType string
	TTFBMs      int64
	DownloadMs  int64
	Source      types.FetchSource
	ErrorDetail string
	FetchedAt   time.Time
}

// Verified reports whether this row counts as a verified download: HTTP 200,
// at least one byte, and a recorded fetch time. This predicate is the only
// definition of "downloaded" in the system.
func (r *ResponseRow) Verified() bool {
	return r.Status == 200 && r.Bytes > 0 && !r.FetchedAt.IsZero()
}

// RecordResponse inserts an http_responses row and, when body bytes are
// present, the paired content_storage row in one transaction. Returns the new
// response id and the content id (0 when no body was stored).
func (s *Store) RecordResponse(rec ResponseRecord) (responseID, contentID int64, err error) {
	if rec.URLID == 0 {
		return 0, 0, fmt.Errorf("record response: missing url id")
	}

	tx, err := s.writer.Begin()
	if err != nil {
		return 0, 0, fmt.Errorf("record response: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.Exec(
		`INSERT INTO http_responses
		 (url_id, http_status, bytes_downloaded, content_type, ttfb_ms, download_ms, fetch_source, error_detail, fetched_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.URLID, rec.Status, rec.Bytes, rec.ContentType,
		rec.TTFB.Milliseconds(), rec.Download.Milliseconds(),
		string(rec.Source), rec.ErrorDetail, nullMillis(rec.FetchedAt),
	)
	if err != nil {
		return 0, 0, fmt.Errorf("record response: insert: %w", err)
	}
	responseID, err = res.LastInsertId()
	if err != nil {
		return 0, 0, fmt.Errorf("record response: last id: %w", err)
	}

	if len(rec.Body) > 0 && rec.Bytes > 0 {
		stored, kind, cerr := Compress(rec.Body, rec.Compression)
		if cerr != nil {
			return 0, 0, fmt.Errorf("record response: compress: %w", cerr)
		}
		cres, cerr := tx.Exec(
			`INSERT INTO content_storage (http_response_id, body_bytes, compression_kind, stored_at)
			 VALUES (?, ?, ?, ?)`,
			responseID, stored, kind, toMillis(rec.FetchedAt),
		)
		if cerr != nil {
			return 0, 0, fmt.Errorf("record response: insert content: %w", cerr)
		}
		contentID, cerr = cres.LastInsertId()
		if cerr != nil {
			return 0, 0, fmt.Errorf("record response: content id: %w", cerr)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("record response: commit: %w", err)
	}
	return responseID, contentID, nil
}

// LatestResponse returns the most recent http_responses row for a URL, or
// (nil, nil) when the URL has never been attempted.
func (s *Store) LatestResponse(urlID int64) (*ResponseRow, error) {
	row := s.reader.QueryRow(
		`SELECT id, url_id, http_status, bytes_downloaded, content_type, ttfb_ms, download_ms, fetch_source, error_detail, fetched_at
		 FROM http_responses WHERE url_id = ? ORDER BY id DESC LIMIT 1`, urlID)
	return scanResponse(row)
}

// LatestVerifiedResponse returns the most recent verified download for a URL,
// or (nil, nil) when none exists. Used by the cache tie-break.
func (s *Store) LatestVerifiedResponse(urlID int64) (*ResponseRow, error) {
	row := s.reader.QueryRow(
		`SELECT id, url_id, http_status, bytes_downloaded, content_type, ttfb_ms, download_ms, fetch_source, error_detail, fetched_at
		 FROM http_responses
		 WHERE url_id = ? AND http_status = 200 AND bytes_downloaded > 0 AND fetched_at IS NOT NULL
		 ORDER BY id DESC LIMIT 1`, urlID)
	return scanResponse(row)
}

// ContentBody returns the decompressed body for a response id, or (nil, nil)
// when no content was stored.
func (s *Store) ContentBody(responseID int64) ([]byte, int64, error) {
	var id int64
	var body []byte
	var kind string
	err := s.reader.QueryRow(
		`SELECT id, body_bytes, compression_kind FROM content_storage WHERE http_response_id = ?`,
		responseID,
	).Scan(&id, &body, &kind)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("content body for response %d: %w", responseID, err)
	}
	decompressed, err := Decompress(body, kind)
	if err != nil {
		return nil, 0, fmt.Errorf("content body for response %d: %w", responseID, err)
	}
	return decompressed, id, nil
}

// VerifiedCount counts verified downloads in [start, end]. A zero end means
// "now"; a zero start means "since the beginning". This is the query behind
// every throughput claim the system makes.
func (s *Store) VerifiedCount(start, end time.Time) (int64, error) {
	q := `SELECT COUNT(*) FROM http_responses
	      WHERE http_status = 200 AND bytes_downloaded > 0 AND fetched_at IS NOT NULL`
	var args []interface{}
	if !start.IsZero() {
		q += " AND fetched_at >= ?"
		args = append(args, toMillis(start))
	}
	if !end.IsZero() {
		q += " AND fetched_at <= ?"
		args = append(args, toMillis(end))
	}

	var n int64
	if err := s.reader.QueryRow(q, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("verified count: %w", err)
	}
	return n, nil
}

// DownloadStats aggregates the evidence table for the stats API.
type DownloadStats struct {
	VerifiedDownloads int64 `json:"verified_downloads"`
	FailedAttempts    int64 `json:"failed_attempts"`
	BytesDownloaded   int64 `json:"bytes_downloaded"`
	DistinctHosts     int64 `json:"distinct_hosts"`
	DistinctURLs      int64 `json:"distinct_urls"`
}

// GlobalDownloadStats returns all-time download stats.
func (s *Store) GlobalDownloadStats() (*DownloadStats, error) {
	return s.downloadStats(time.Time{}, time.Time{})
}

// RangeDownloadStats returns download stats bounded to [start, end].
func (s *Store) RangeDownloadStats(start, end time.Time) (*DownloadStats, error) {
	return s.downloadStats(start, end)
}

func (s *Store) downloadStats(start, end time.Time) (*DownloadStats, error) {
	where := " WHERE 1=1"
	var args []interface{}
	if !start.IsZero() {
		where += " AND r.fetched_at >= ?"
		args = append(args, toMillis(start))
	}
	if !end.IsZero() {
		where += " AND r.fetched_at <= ?"
		args = append(args, toMillis(end))
	}

	q := `SELECT
	        COALESCE(SUM(CASE WHEN r.http_status = 200 AND r.bytes_downloaded > 0 AND r.fetched_at IS NOT NULL THEN 1 ELSE 0 END), 0),
	        COALESCE(SUM(CASE WHEN r.http_status != 200 OR r.bytes_downloaded = 0 OR r.fetched_at IS NULL THEN 1 ELSE 0 END), 0),
	        COALESCE(SUM(r.bytes_downloaded), 0),
	        COUNT(DISTINCT u.host),
	        COUNT(DISTINCT r.url_id)
	      FROM http_responses r JOIN urls u ON u.id = r.url_id` + where

	var st DownloadStats
	err := s.reader.QueryRow(q, args...).Scan(
		&st.VerifiedDownloads, &st.FailedAttempts, &st.BytesDownloaded,
		&st.DistinctHosts, &st.DistinctURLs,
	)
	if err != nil {
		if isMissingColumnErr(err) {
			return &DownloadStats{}, nil
		}
		return nil, fmt.Errorf("download stats: %w", err)
	}
	return &st, nil
}

// HostDownloadCount is one row of the per-host verified-download report.
type HostDownloadCount struct {
	Host     string `json:"host"`
	Verified int64  `json:"verified"`
}

// VerifiedCountsByHost returns per-host verified-download counts, largest
// first, filtered to hosts at or above threshold.
func (s *Store) VerifiedCountsByHost(threshold int64) ([]HostDownloadCount, error) {
	rows, err := s.reader.Query(
		`SELECT u.host, COUNT(*) AS n
		 FROM http_responses r JOIN urls u ON u.id = r.url_id
		 WHERE r.http_status = 200 AND r.bytes_downloaded > 0 AND r.fetched_at IS NOT NULL
		 GROUP BY u.host HAVING n >= ? ORDER BY n DESC`, threshold)
	if err != nil {
		if isMissingColumnErr(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("verified counts by host: %w", err)
	}
	defer rows.Close()

	var out []HostDownloadCount
	for rows.Next() {
		var h HostDownloadCount
		if err := rows.Scan(&h.Host, &h.Verified); err != nil {
			return nil, fmt.Errorf("scan host count: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// VerifiedURLsByHost returns URLs on a host with at least one verified
// download, newest fetch first. Feeds seed-from-cache.
func (s *Store) VerifiedURLsByHost(host string, limit int) ([]URLRow, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.reader.Query(
		`SELECT u.id, u.normalized, u.url_hash, u.host, u.path, u.first_seen_at
		 FROM urls u
		 JOIN http_responses r ON r.url_id = u.id
		 WHERE u.host = ? AND r.http_status = 200 AND r.bytes_downloaded > 0 AND r.fetched_at IS NOT NULL
		 GROUP BY u.id ORDER BY MAX(r.fetched_at) DESC LIMIT ?`, host, limit)
	if err != nil {
		return nil, fmt.Errorf("verified urls by host %q: %w", host, err)
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

func scanResponse(row *sql.Row) (*ResponseRow, error) {
	var r ResponseRow
	var source string
	var fetchedAt sql.NullInt64
	err := row.Scan(
		&r.ID, &r.URLID, &r.Status, &r.Bytes, &r.ContentType,
		&r.TTFBMs, &r.DownloadMs, &source, &r.ErrorDetail, &fetchedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan response row: %w", err)
	}
	r.Source = types.FetchSource(source)
	r.FetchedAt = timeFromNull(fetchedAt)
	return &r, nil
}
