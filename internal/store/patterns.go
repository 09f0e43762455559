package store

import (
	"fmt"
	"time"

	"github.com/newsatlas/crawler/pkg/types"
)

// PatternRow mirrors the site_url_patterns table. A template is either an
// anchored regex learned from verified URLs (e.g. `^/news/\d{4}/[a-z0-9-]+$`)
// or a place-hub template containing a `{place}` placeholder.
type PatternRow struct {
	ID              int64
	Host            string
	Template        string
	Classification  types.Classification
	SampleCount     int64
	VerifiedCount   int64
	VerifiedCorrect int64
	Accuracy        float64
	UpdatedAt       time.Time
}

// UpsertPattern inserts or refreshes a learned pattern keyed on
// (host, template) and returns its id.
func (s *Store) UpsertPattern(p PatternRow, now time.Time) (int64, error) {
	_, err := s.writer.Exec(
		`INSERT INTO site_url_patterns
		 (host, template, classification, sample_count, verified_count, verified_correct, accuracy, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(host, template) DO UPDATE SET
		   classification   = excluded.classification,
		   sample_count     = excluded.sample_count,
		   verified_count   = excluded.verified_count,
		   verified_correct = excluded.verified_correct,
		   accuracy         = excluded.accuracy,
		   updated_at       = excluded.updated_at`,
		p.Host, p.Template, string(p.Classification),
		p.SampleCount, p.VerifiedCount, p.VerifiedCorrect, p.Accuracy, toMillis(now),
	)
	if err != nil {
		return 0, fmt.Errorf("upsert pattern %q on %q: %w", p.Template, p.Host, err)
	}

	var id int64
	err = s.writer.QueryRow(
		`SELECT id FROM site_url_patterns WHERE host = ? AND template = ?`,
		p.Host, p.Template,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert pattern %q on %q: read id: %w", p.Template, p.Host, err)
	}
	return id, nil
}

// PatternsByHost returns all patterns for a host ordered by accuracy
// descending, so the predictor can take the first match as the best one.
func (s *Store) PatternsByHost(host string) ([]PatternRow, error) {
	rows, err := s.reader.Query(
		`SELECT id, host, template, classification, sample_count, verified_count, verified_correct, accuracy, updated_at
		 FROM site_url_patterns WHERE host = ? ORDER BY accuracy DESC, sample_count DESC`, host)
	if err != nil {
		if isMissingColumnErr(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("patterns for %q: %w", host, err)
	}
	defer rows.Close()

	var out []PatternRow
	for rows.Next() {
		var p PatternRow
		var classification string
		var updatedAt int64
		if err := rows.Scan(&p.ID, &p.Host, &p.Template, &classification,
			&p.SampleCount, &p.VerifiedCount, &p.VerifiedCorrect, &p.Accuracy, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan pattern: %w", err)
		}
		p.Classification = types.Classification(classification)
		p.UpdatedAt = fromMillis(updatedAt)
		out = append(out, p)
	}
	return out, rows.Err()
}

// RecordPatternVerification folds one verification outcome into a pattern's
// accuracy. Accuracy is always verified_correct / verified_count, recomputed
// on each update so it can never exceed 1.
func (s *Store) RecordPatternVerification(patternID int64, correct bool, now time.Time) error {
	correctDelta := 0
	if correct {
		correctDelta = 1
	}
	_, err := s.writer.Exec(
		`UPDATE site_url_patterns SET
		   verified_count   = verified_count + 1,
		   verified_correct = verified_correct + ?,
		   accuracy         = CAST(verified_correct + ? AS REAL) / (verified_count + 1),
		   updated_at       = ?
		 WHERE id = ?`,
		correctDelta, correctDelta, toMillis(now), patternID,
	)
	if err != nil {
		return fmt.Errorf("record pattern verification %d: %w", patternID, err)
	}
	return nil
}

// PatternByID returns a pattern row, (nil, nil) when absent.
func (s *Store) PatternByID(id int64) (*PatternRow, error) {
	var p PatternRow
	var classification string
	var updatedAt int64
	err := s.reader.QueryRow(
		`SELECT id, host, template, classification, sample_count, verified_count, verified_correct, accuracy, updated_at
		 FROM site_url_patterns WHERE id = ?`, id,
	).Scan(&p.ID, &p.Host, &p.Template, &classification,
		&p.SampleCount, &p.VerifiedCount, &p.VerifiedCorrect, &p.Accuracy, &updatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("pattern %d: %w", id, err)
	}
	p.Classification = types.Classification(classification)
	p.UpdatedAt = fromMillis(updatedAt)
	return &p, nil
}

// HubTemplatesByHost returns patterns whose template contains a {place}
// placeholder, used by the hub seeder.
func (s *Store) HubTemplatesByHost(host string) ([]PatternRow, error) {
	rows, err := s.reader.Query(
		`SELECT id, host, template, classification, sample_count, verified_count, verified_correct, accuracy, updated_at
		 FROM site_url_patterns WHERE host = ? AND template LIKE '%{place}%'
		 ORDER BY accuracy DESC`, host)
	if err != nil {
		return nil, fmt.Errorf("hub templates for %q: %w", host, err)
	}
	defer rows.Close()

	var out []PatternRow
	for rows.Next() {
		var p PatternRow
		var classification string
		var updatedAt int64
		if err := rows.Scan(&p.ID, &p.Host, &p.Template, &classification,
			&p.SampleCount, &p.VerifiedCount, &p.VerifiedCorrect, &p.Accuracy, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan pattern: %w", err)
		}
		p.Classification = types.Classification(classification)
		p.UpdatedAt = fromMillis(updatedAt)
		out = append(out, p)
	}
	return out, rows.Err()
}
