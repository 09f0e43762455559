package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/newsatlas/crawler/pkg/types"
)

// MappingRow mirrors the place_page_mappings table. Lifecycle:
// candidate -> pending -> verified(present|absent).
type MappingRow struct {
	ID               int64
	PlaceID          int64
	Host             string
	URL              string
	PageKind         types.PageKind
	Status           types.MappingStatus
	Presence         types.Presence // empty until verified
	PatternID        int64          // 0 when not derived from a pattern
	Confidence       float64
	MaxPageDepth     int64 // 0 when not yet probed
	OldestContent    string
	LastDepthCheckAt time.Time
	DepthCheckError  string
	VerifiedAt       time.Time
}

// InsertCandidateMapping creates a mapping in candidate status. Duplicate
// (place, host, page_kind) candidates are ignored; returns the row id that
// exists afterwards.
func (s *Store) InsertCandidateMapping(m MappingRow) (int64, error) {
	var patternID sql.NullInt64
	if m.PatternID != 0 {
		patternID = sql.NullInt64{Int64: m.PatternID, Valid: true}
	}
	_, err := s.writer.Exec(
		`INSERT INTO place_page_mappings (place_id, host, url, page_kind, status, pattern_id, confidence)
		 VALUES (?, ?, ?, ?, 'candidate', ?, ?)
		 ON CONFLICT(place_id, host, page_kind) DO NOTHING`,
		m.PlaceID, m.Host, m.URL, string(m.PageKind), patternID, m.Confidence,
	)
	if err != nil {
		return 0, fmt.Errorf("insert candidate mapping: %w", err)
	}

	var id int64
	err = s.writer.QueryRow(
		`SELECT id FROM place_page_mappings WHERE place_id = ? AND host = ? AND page_kind = ?`,
		m.PlaceID, m.Host, string(m.PageKind),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert candidate mapping: read id: %w", err)
	}
	return id, nil
}

// PromoteMappingPending moves a candidate mapping to pending.
func (s *Store) PromoteMappingPending(id int64) error {
	res, err := s.writer.Exec(
		`UPDATE place_page_mappings SET status = 'pending' WHERE id = ? AND status = 'candidate'`, id)
	if err != nil {
		return fmt.Errorf("promote mapping %d: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("promote mapping %d: not in candidate status", id)
	}
	return nil
}

// VerifyMapping records a verification outcome. Presence "present" requires
// the mapping to end verified; "absent" equally closes it out.
func (s *Store) VerifyMapping(id int64, presence types.Presence, confidence float64, now time.Time) error {
	res, err := s.writer.Exec(
		`UPDATE place_page_mappings SET status = 'verified', presence = ?, confidence = ?, verified_at = ?
		 WHERE id = ?`,
		string(presence), confidence, toMillis(now), id)
	if err != nil {
		return fmt.Errorf("verify mapping %d: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("verify mapping %d: not found", id)
	}
	return nil
}

// RecordMappingDepth stores a successful depth probe: the maximum valid page
// and the oldest article date found on it. An empty oldestContent means the
// archive carried no parseable dates; the depth is still recorded and the
// date column stays NULL so readers can tell "undated" from "not probed".
func (s *Store) RecordMappingDepth(id int64, maxDepth int64, oldestContent string, now time.Time) error {
	var oldest sql.NullString
	if oldestContent != "" {
		oldest = sql.NullString{String: oldestContent, Valid: true}
	}
	_, err := s.writer.Exec(
		`UPDATE place_page_mappings SET
		   max_page_depth = ?, oldest_content_date = ?, last_depth_check_at = ?, depth_check_error = ''
		 WHERE id = ?`,
		maxDepth, oldest, toMillis(now), id)
	if err != nil {
		return fmt.Errorf("record mapping depth %d: %w", id, err)
	}
	return nil
}

// RecordMappingDepthError stores a failed depth probe.
func (s *Store) RecordMappingDepthError(id int64, probeErr string, now time.Time) error {
	_, err := s.writer.Exec(
		`UPDATE place_page_mappings SET last_depth_check_at = ?, depth_check_error = ? WHERE id = ?`,
		toMillis(now), probeErr, id)
	if err != nil {
		return fmt.Errorf("record mapping depth error %d: %w", id, err)
	}
	return nil
}

// MappingFilter narrows mapping queries.
type MappingFilter struct {
	Host     string
	Status   types.MappingStatus
	Presence types.Presence
	PageKind types.PageKind
	Limit    int
}

// Mappings lists mapping rows matching the filter, newest first.
func (s *Store) Mappings(f MappingFilter) ([]MappingRow, error) {
	q := `SELECT id, place_id, host, url, page_kind, status, presence, pattern_id, confidence,
	             max_page_depth, oldest_content_date, last_depth_check_at, depth_check_error, verified_at
	      FROM place_page_mappings WHERE 1=1`
	var args []interface{}
	if f.Host != "" {
		q += " AND host = ?"
		args = append(args, f.Host)
	}
	if f.Status != "" {
		q += " AND status = ?"
		args = append(args, string(f.Status))
	}
	if f.Presence != "" {
		q += " AND presence = ?"
		args = append(args, string(f.Presence))
	}
	if f.PageKind != "" {
		q += " AND page_kind = ?"
		args = append(args, string(f.PageKind))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 500
	}
	q += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.reader.Query(q, args...)
	if err != nil {
		if isMissingColumnErr(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list mappings: %w", err)
	}
	defer rows.Close()

	var out []MappingRow
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// VerifiedHubs returns verified-present hub mappings, optionally filtered by
// host. These are the inputs to depth probing and the hubs API.
func (s *Store) VerifiedHubs(host string, limit int) ([]MappingRow, error) {
	return s.Mappings(MappingFilter{
		Host:     host,
		Status:   types.MappingVerified,
		Presence: types.PresencePresent,
		Limit:    limit,
	})
}

// MappingByID returns one mapping row, (nil, nil) when absent.
func (s *Store) MappingByID(id int64) (*MappingRow, error) {
	rows, err := s.reader.Query(
		`SELECT id, place_id, host, url, page_kind, status, presence, pattern_id, confidence,
		        max_page_depth, oldest_content_date, last_depth_check_at, depth_check_error, verified_at
		 FROM place_page_mappings WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("mapping %d: %w", id, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanMapping(rows)
}

// OpenMappingByURL returns the newest candidate or pending mapping for the
// exact normalized URL, (nil, nil) when none is open. The crawl loop settles
// these when the URL comes back through a fetch.
func (s *Store) OpenMappingByURL(url string) (*MappingRow, error) {
	rows, err := s.reader.Query(
		`SELECT id, place_id, host, url, page_kind, status, presence, pattern_id, confidence,
		        max_page_depth, oldest_content_date, last_depth_check_at, depth_check_error, verified_at
		 FROM place_page_mappings
		 WHERE url = ? AND status IN ('candidate', 'pending')
		 ORDER BY id DESC LIMIT 1`, url)
	if err != nil {
		if isMissingColumnErr(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open mapping for %q: %w", url, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanMapping(rows)
}

// MappingCoverage summarizes archive coverage for the stats API.
type MappingCoverage struct {
	Host     string `json:"host"`
	Verified int64  `json:"verified"`
	Pending  int64  `json:"pending"`
	Probed   int64  `json:"probed"`
}

// MappingCoverageByHost aggregates mapping status per host.
func (s *Store) MappingCoverageByHost() ([]MappingCoverage, error) {
	rows, err := s.reader.Query(
		`SELECT host,
		        SUM(CASE WHEN status = 'verified' THEN 1 ELSE 0 END),
		        SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END),
		        SUM(CASE WHEN max_page_depth IS NOT NULL THEN 1 ELSE 0 END)
		 FROM place_page_mappings GROUP BY host ORDER BY host`)
	if err != nil {
		if isMissingColumnErr(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("mapping coverage: %w", err)
	}
	defer rows.Close()

	var out []MappingCoverage
	for rows.Next() {
		var c MappingCoverage
		if err := rows.Scan(&c.Host, &c.Verified, &c.Pending, &c.Probed); err != nil {
			return nil, fmt.Errorf("scan coverage: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanMapping(rows *sql.Rows) (*MappingRow, error) {
	var m MappingRow
	var pageKind, status string
	var presence, oldestContent, depthErr sql.NullString
	var patternID, maxDepth, lastCheck, verifiedAt sql.NullInt64
	err := rows.Scan(
		&m.ID, &m.PlaceID, &m.Host, &m.URL, &pageKind, &status, &presence, &patternID,
		&m.Confidence, &maxDepth, &oldestContent, &lastCheck, &depthErr, &verifiedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan mapping row: %w", err)
	}
	m.PageKind = types.PageKind(pageKind)
	m.Status = types.MappingStatus(status)
	if presence.Valid {
		m.Presence = types.Presence(presence.String)
	}
	m.PatternID = patternID.Int64
	m.MaxPageDepth = maxDepth.Int64
	m.OldestContent = oldestContent.String
	m.LastDepthCheckAt = timeFromNull(lastCheck)
	m.DepthCheckError = depthErr.String
	m.VerifiedAt = timeFromNull(verifiedAt)
	return &m, nil
}
