package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/newsatlas/crawler/pkg/types"
)

// AnalysisRow mirrors the content_analysis table. Rows may be recomputed;
// readers always take the newest row per content id.
type AnalysisRow struct {
	ID             int64
	ContentID      int64
	Classification types.Classification
	Confidence     float64
	SignalsJSON    string
	AnalyzedAt     time.Time
}

// InsertAnalysis appends a classification result for stored content.
func (s *Store) InsertAnalysis(contentID int64, classification types.Classification, confidence float64, signalsJSON string, now time.Time) (int64, error) {
	if signalsJSON == "" {
		signalsJSON = "{}"
	}
	res, err := s.writer.Exec(
		`INSERT INTO content_analysis (content_id, classification, confidence, signals_json, analyzed_at)
		 VALUES (?, ?, ?, ?, ?)`,
		contentID, string(classification), confidence, signalsJSON, toMillis(now),
	)
	if err != nil {
		return 0, fmt.Errorf("insert analysis: %w", err)
	}
	return res.LastInsertId()
}

// LatestAnalysis returns the newest analysis for a content id, or (nil, nil).
func (s *Store) LatestAnalysis(contentID int64) (*AnalysisRow, error) {
	row := s.reader.QueryRow(
		`SELECT id, content_id, classification, confidence, signals_json, analyzed_at
		 FROM content_analysis WHERE content_id = ? ORDER BY id DESC LIMIT 1`, contentID)
	return scanAnalysis(row)
}

// LatestAnalysisForURL resolves the newest analysis reachable from a URL via
// its most recent stored content. Returns (nil, nil) when the URL has no
// analyzed content yet.
func (s *Store) LatestAnalysisForURL(urlID int64) (*AnalysisRow, error) {
	row := s.reader.QueryRow(
		`SELECT a.id, a.content_id, a.classification, a.confidence, a.signals_json, a.analyzed_at
		 FROM content_analysis a
		 JOIN content_storage c ON c.id = a.content_id
		 JOIN http_responses r ON r.id = c.http_response_id
		 WHERE r.url_id = ?
		 ORDER BY a.id DESC LIMIT 1`, urlID)
	return scanAnalysis(row)
}

// VerifiedURLClassification is a URL whose content has been classified, used
// by the pattern learner and the similar-URL predictor.
type VerifiedURLClassification struct {
	URLID          int64
	Normalized     string
	Host           string
	Path           string
	Classification types.Classification
	Confidence     float64
}

// VerifiedClassificationsByHost returns the newest content classification per
// URL for a host. Only URLs with stored analysis appear.
func (s *Store) VerifiedClassificationsByHost(host string, limit int) ([]VerifiedURLClassification, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.reader.Query(
		`SELECT u.id, u.normalized, u.host, u.path, a.classification, a.confidence
		 FROM urls u
		 JOIN http_responses r ON r.url_id = u.id
		 JOIN content_storage c ON c.http_response_id = r.id
		 JOIN content_analysis a ON a.content_id = c.id
		 WHERE u.host = ?
		   AND a.id = (SELECT MAX(a2.id) FROM content_analysis a2
		               JOIN content_storage c2 ON c2.id = a2.content_id
		               JOIN http_responses r2 ON r2.id = c2.http_response_id
		               WHERE r2.url_id = u.id)
		 LIMIT ?`, host, limit)
	if err != nil {
		return nil, fmt.Errorf("verified classifications for %q: %w", host, err)
	}
	defer rows.Close()

	var out []VerifiedURLClassification
	for rows.Next() {
		var v VerifiedURLClassification
		var classification string
		if err := rows.Scan(&v.URLID, &v.Normalized, &v.Host, &v.Path, &classification, &v.Confidence); err != nil {
			return nil, fmt.Errorf("scan verified classification: %w", err)
		}
		v.Classification = types.Classification(classification)
		out = append(out, v)
	}
	return out, rows.Err()
}

// HostsWithVerifiedClassifications lists hosts having at least minCount
// classified URLs. Drives the pattern learner's per-host batches.
func (s *Store) HostsWithVerifiedClassifications(minCount int) ([]string, error) {
	rows, err := s.reader.Query(
		`SELECT u.host FROM urls u
		 JOIN http_responses r ON r.url_id = u.id
		 JOIN content_storage c ON c.http_response_id = r.id
		 JOIN content_analysis a ON a.content_id = c.id
		 GROUP BY u.host HAVING COUNT(DISTINCT u.id) >= ?`, minCount)
	if err != nil {
		return nil, fmt.Errorf("hosts with classifications: %w", err)
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

func scanAnalysis(row *sql.Row) (*AnalysisRow, error) {
	var a AnalysisRow
	var classification string
	var analyzedAt int64
	err := row.Scan(&a.ID, &a.ContentID, &classification, &a.Confidence, &a.SignalsJSON, &analyzedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan analysis row: %w", err)
	}
	a.Classification = types.Classification(classification)
	a.AnalyzedAt = fromMillis(analyzedAt)
	return &a, nil
}
