// Package gazetteer is the crawler's read-only view of the place index.
// Ingestion from external sources happens elsewhere; this package only
// SELECTs and caches lookups for the hub seeder and queue prioritization.
package gazetteer

import (
	"math"
	"time"

	"github.com/maypok86/otter"

	"github.com/newsatlas/crawler/internal/store"
	"github.com/newsatlas/crawler/pkg/types"
)

// Index exposes place lookups over the store with a small read cache.
// Slug lookups are hot during queue admission, so misses are cached too.
type Index struct {
	store *store.Store
	cache otter.Cache[string, *store.PlaceRow]
}

// NewIndex builds a place index over the store.
func NewIndex(s *store.Store) (*Index, error) {
	cache, err := otter.MustBuilder[string, *store.PlaceRow](10_000).
		WithTTL(10 * time.Minute).
		Build()
	if err != nil {
		return nil, err
	}
	return &Index{store: s, cache: cache}, nil
}

// BySlug returns the place for a URL slug at the given granularity, or nil.
func (i *Index) BySlug(slug string, kind types.PlaceKind) (*store.PlaceRow, error) {
	key := string(kind) + ":" + slug
	if p, ok := i.cache.Get(key); ok {
		return p, nil
	}
	p, err := i.store.PlaceBySlug(slug, kind)
	if err != nil {
		return nil, err
	}
	i.cache.Set(key, p)
	return p, nil
}

// ByKinds lists places of the given kinds, most populous first.
func (i *Index) ByKinds(kinds []types.PlaceKind, limit int) ([]store.PlaceRow, error) {
	return i.store.PlacesByKind(kinds, limit)
}

// PopulationBoost is the queue-priority contribution of a place:
// log10(population+1) * k.
func PopulationBoost(population int64, k float64) float64 {
	if population < 0 {
		population = 0
	}
	return math.Log10(float64(population)+1) * k
}
