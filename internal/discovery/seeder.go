package discovery

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/newsatlas/crawler/internal/common/urlutil"
	"github.com/newsatlas/crawler/internal/gazetteer"
	"github.com/newsatlas/crawler/internal/store"
	"github.com/newsatlas/crawler/internal/telemetry"
	"github.com/newsatlas/crawler/pkg/types"
)

// HubSeeder crosses learned {place} URL templates with the gazetteer to
// produce candidate place-page mappings. Candidates enter the verification
// lifecycle; nothing is fetched here.
type HubSeeder struct {
	store   *store.Store
	places  *gazetteer.Index
	emitter telemetry.Emitter
	logger  *zap.Logger
}

// NewHubSeeder wires the seeder.
func NewHubSeeder(s *store.Store, places *gazetteer.Index, emitter telemetry.Emitter, logger *zap.Logger) *HubSeeder {
	if emitter == nil {
		emitter = telemetry.NoopEmitter{}
	}
	return &HubSeeder{store: s, places: places, emitter: emitter, logger: logger}
}

// pageKindFor maps gazetteer granularity to the hub kind a mapping gets.
func pageKindFor(kind types.PlaceKind) types.PageKind {
	switch kind {
	case types.PlaceCountry:
		return types.PageKindCountryHub
	case types.PlaceCity:
		return types.PageKindCityHub
	default:
		return types.PageKindPlaceHub
	}
}

// Seed emits candidate mappings for one host: every {place} template the
// host has learned, crossed with places of the requested kinds. Returns the
// created candidate rows.
func (h *HubSeeder) Seed(host string, kinds []types.PlaceKind, limit int) ([]store.MappingRow, error) {
	templates, err := h.store.HubTemplatesByHost(host)
	if err != nil {
		return nil, fmt.Errorf("seed %q: %w", host, err)
	}
	if len(templates) == 0 {
		return nil, nil
	}

	places, err := h.places.ByKinds(kinds, limit)
	if err != nil {
		return nil, fmt.Errorf("seed %q: %w", host, err)
	}

	var created []store.MappingRow
	for _, tmpl := range templates {
		for _, place := range places {
			path := strings.Replace(tmpl.Template, "{place}", place.Slug, 1)
			// Stored normalized so the crawl loop can match fetched URLs
			// back to their open mapping.
			normalized, err := urlutil.Normalize("https://" + host + path)
			if err != nil {
				continue
			}
			candidate := store.MappingRow{
				PlaceID:    place.ID,
				Host:       host,
				URL:        normalized,
				PageKind:   pageKindFor(place.Kind),
				Status:     types.MappingCandidate,
				PatternID:  tmpl.ID,
				Confidence: tmpl.Accuracy,
			}
			id, err := h.store.InsertCandidateMapping(candidate)
			if err != nil {
				h.logger.Warn("Candidate mapping insert failed",
					zap.String("url", candidate.URL), zap.Error(err))
				continue
			}
			candidate.ID = id
			created = append(created, candidate)
		}
	}

	h.emitter.Emit(telemetry.Event{
		Type:      telemetry.EventQueueSeeded,
		Scope:     "seeder",
		Target:    host,
		ItemCount: int64(len(created)),
	})
	return created, nil
}
