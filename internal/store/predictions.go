package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/newsatlas/crawler/pkg/types"
)

// PredictionRow mirrors the url_classifications table. At most one row per
// (url_id, prediction_source).
type PredictionRow struct {
	ID                int64
	URLID             int64
	Predicted         types.Classification
	Confidence        float64
	Source            types.PredictionSource
	PatternMatched    string
	SimilarURLID      int64 // 0 when source is not similar_url
	CreatedAt         time.Time
	VerifiedAt        time.Time
	Verified          types.Classification // empty until verified
	VerificationMatch *bool                // nil until verified
}

// UpsertPrediction inserts or replaces the prediction for a URL from one
// source. Verification fields are reset: a fresh prediction has not been
// checked against fetched content yet.
func (s *Store) UpsertPrediction(p PredictionRow, now time.Time) error {
	var similarID sql.NullInt64
	if p.SimilarURLID != 0 {
		similarID = sql.NullInt64{Int64: p.SimilarURLID, Valid: true}
	}
	_, err := s.writer.Exec(
		`INSERT INTO url_classifications
		 (url_id, predicted_classification, confidence, prediction_source, pattern_matched, similar_url_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(url_id, prediction_source) DO UPDATE SET
		   predicted_classification = excluded.predicted_classification,
		   confidence               = excluded.confidence,
		   pattern_matched          = excluded.pattern_matched,
		   similar_url_id           = excluded.similar_url_id,
		   created_at               = excluded.created_at,
		   verified_at              = NULL,
		   verified_classification  = NULL,
		   verification_match       = NULL`,
		p.URLID, string(p.Predicted), p.Confidence, string(p.Source),
		p.PatternMatched, similarID, toMillis(now),
	)
	if err != nil {
		return fmt.Errorf("upsert prediction url=%d source=%s: %w", p.URLID, p.Source, err)
	}
	return nil
}

// VerifyPredictions marks every prediction for a URL against the actual
// content classification. Returns the verified rows so callers can propagate
// accuracy updates to matched patterns.
func (s *Store) VerifyPredictions(urlID int64, actual types.Classification, now time.Time) ([]PredictionRow, error) {
	_, err := s.writer.Exec(
		`UPDATE url_classifications SET
		   verified_at             = ?,
		   verified_classification = ?,
		   verification_match      = (predicted_classification = ?)
		 WHERE url_id = ? AND verified_at IS NULL`,
		toMillis(now), string(actual), string(actual), urlID,
	)
	if err != nil {
		return nil, fmt.Errorf("verify predictions url=%d: %w", urlID, err)
	}
	return s.PredictionsForURL(urlID)
}

// PredictionsForURL returns all prediction rows for a URL.
func (s *Store) PredictionsForURL(urlID int64) ([]PredictionRow, error) {
	rows, err := s.reader.Query(
		`SELECT id, url_id, predicted_classification, confidence, prediction_source, pattern_matched,
		        similar_url_id, created_at, verified_at, verified_classification, verification_match
		 FROM url_classifications WHERE url_id = ? ORDER BY id`, urlID)
	if err != nil {
		if isMissingColumnErr(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("predictions for url %d: %w", urlID, err)
	}
	defer rows.Close()

	var out []PredictionRow
	for rows.Next() {
		p, err := scanPrediction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// BestPrediction returns the highest-confidence prediction for a URL, or
// (nil, nil) when none exists. Queue admission consults this.
func (s *Store) BestPrediction(urlID int64) (*PredictionRow, error) {
	rows, err := s.reader.Query(
		`SELECT id, url_id, predicted_classification, confidence, prediction_source, pattern_matched,
		        similar_url_id, created_at, verified_at, verified_classification, verification_match
		 FROM url_classifications WHERE url_id = ?
		 ORDER BY confidence DESC LIMIT 1`, urlID)
	if err != nil {
		if isMissingColumnErr(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("best prediction for url %d: %w", urlID, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanPrediction(rows)
}

// PredictionAccuracyBySource reports match rates grouped by prediction
// source, for diagnostics.
type PredictionAccuracy struct {
	Source   types.PredictionSource `json:"source"`
	Verified int64                  `json:"verified"`
	Matched  int64                  `json:"matched"`
}

// PredictionAccuracy aggregates verification outcomes per source.
func (s *Store) PredictionAccuracy() ([]PredictionAccuracy, error) {
	rows, err := s.reader.Query(
		`SELECT prediction_source, COUNT(*), SUM(CASE WHEN verification_match THEN 1 ELSE 0 END)
		 FROM url_classifications WHERE verified_at IS NOT NULL
		 GROUP BY prediction_source`)
	if err != nil {
		if isMissingColumnErr(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("prediction accuracy: %w", err)
	}
	defer rows.Close()

	var out []PredictionAccuracy
	for rows.Next() {
		var a PredictionAccuracy
		var source string
		if err := rows.Scan(&source, &a.Verified, &a.Matched); err != nil {
			return nil, fmt.Errorf("scan prediction accuracy: %w", err)
		}
		a.Source = types.PredictionSource(source)
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanPrediction(rows *sql.Rows) (*PredictionRow, error) {
	var p PredictionRow
	var predicted, source string
	var similarID, verifiedAt sql.NullInt64
	var verified sql.NullString
	var match sql.NullBool
	var createdAt int64
	err := rows.Scan(
		&p.ID, &p.URLID, &predicted, &p.Confidence, &source, &p.PatternMatched,
		&similarID, &createdAt, &verifiedAt, &verified, &match,
	)
	if err != nil {
		return nil, fmt.Errorf("scan prediction row: %w", err)
	}
	p.Predicted = types.Classification(predicted)
	p.Source = types.PredictionSource(source)
	p.SimilarURLID = similarID.Int64
	p.CreatedAt = fromMillis(createdAt)
	p.VerifiedAt = timeFromNull(verifiedAt)
	if verified.Valid {
		p.Verified = types.Classification(verified.String)
	}
	if match.Valid {
		m := match.Bool
		p.VerificationMatch = &m
	}
	return &p, nil
}
