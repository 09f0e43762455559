package store

import (
	"fmt"

	"github.com/newsatlas/crawler/pkg/types"
)

// PlaceRow mirrors the places table (the gazetteer).
type PlaceRow struct {
	ID         int64
	Name       string
	Slug       string
	Kind       types.PlaceKind
	Country    string
	Population int64
}

// UpsertPlace inserts or refreshes a gazetteer entry and returns its id.
func (s *Store) UpsertPlace(p PlaceRow) (int64, error) {
	_, err := s.writer.Exec(
		`INSERT INTO places (name, slug, kind, country, population)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(slug, kind, country) DO UPDATE SET
		   name = excluded.name,
		   population = excluded.population`,
		p.Name, p.Slug, string(p.Kind), p.Country, p.Population,
	)
	if err != nil {
		return 0, fmt.Errorf("upsert place %q: %w", p.Slug, err)
	}

	var id int64
	err = s.writer.QueryRow(
		`SELECT id FROM places WHERE slug = ? AND kind = ? AND country = ?`,
		p.Slug, string(p.Kind), p.Country,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert place %q: read id: %w", p.Slug, err)
	}
	return id, nil
}

// PlacesByKind returns gazetteer entries of the given kinds ordered by
// population descending, so high-population places are seeded first.
func (s *Store) PlacesByKind(kinds []types.PlaceKind, limit int) ([]PlaceRow, error) {
	if len(kinds) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10000
	}

	q := `SELECT id, name, slug, kind, country, population FROM places WHERE kind IN (`
	args := make([]interface{}, 0, len(kinds)+1)
	for i, k := range kinds {
		if i > 0 {
			q += ","
		}
		q += "?"
		args = append(args, string(k))
	}
	q += `) ORDER BY population DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.reader.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("places by kind: %w", err)
	}
	defer rows.Close()

	var out []PlaceRow
	for rows.Next() {
		var p PlaceRow
		var kind string
		if err := rows.Scan(&p.ID, &p.Name, &p.Slug, &kind, &p.Country, &p.Population); err != nil {
			return nil, fmt.Errorf("scan place: %w", err)
		}
		p.Kind = types.PlaceKind(kind)
		out = append(out, p)
	}
	return out, rows.Err()
}

// PlaceBySlug resolves a gazetteer entry by slug and kind, (nil, nil) when
// absent.
func (s *Store) PlaceBySlug(slug string, kind types.PlaceKind) (*PlaceRow, error) {
	var p PlaceRow
	var k string
	err := s.reader.QueryRow(
		`SELECT id, name, slug, kind, country, population FROM places
		 WHERE slug = ? AND kind = ? LIMIT 1`, slug, string(kind),
	).Scan(&p.ID, &p.Name, &p.Slug, &k, &p.Country, &p.Population)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("place by slug %q: %w", slug, err)
	}
	p.Kind = types.PlaceKind(k)
	return &p, nil
}
