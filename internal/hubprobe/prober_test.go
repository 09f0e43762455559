package hubprobe

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/newsatlas/crawler/internal/common/configtypes"
	"github.com/newsatlas/crawler/internal/store"
	"github.com/newsatlas/crawler/pkg/types"
)

type fetchFunc func(ctx context.Context, rawURL string) (*Page, error)

func (f fetchFunc) FetchPage(ctx context.Context, rawURL string) (*Page, error) {
	return f(ctx, rawURL)
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(configtypes.DatabaseConfig{
		Path: filepath.Join(t.TempDir(), "crawl.db"),
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestProber(t *testing.T, s *store.Store, f fetchFunc) *Prober {
	t.Helper()
	p := NewProber(s, f, configtypes.HubProbeConfig{}, nil, zap.NewNop())
	p.sleep = func(context.Context, time.Duration) error { return nil }
	return p
}

// pageHTML builds an archive page whose text is unique to its page number,
// so content signatures of different pages are far apart.
func pageHTML(page int, date time.Time) []byte {
	var b strings.Builder
	b.WriteString("<html><head><title>records</title></head><body>")
	if !date.IsZero() {
		fmt.Fprintf(&b, `<time datetime=%q>posted</time>`, date.Format(time.RFC3339))
	}
	for i := 0; i < 25; i++ {
		fmt.Fprintf(&b, `<p><a href="/story/pg%dit%d">pg%dit%dtoken</a></p>`, page, i, page, i)
	}
	b.WriteString("</body></html>")
	return []byte(b.String())
}

func pageNumber(t *testing.T, rawURL string) int {
	t.Helper()
	if !strings.Contains(rawURL, "page=") {
		return 1
	}
	var n int
	_, err := fmt.Sscanf(rawURL[strings.Index(rawURL, "page=")+5:], "%d", &n)
	require.NoError(t, err)
	return n
}

func insertMapping(t *testing.T, s *store.Store, url string) int64 {
	t.Helper()
	placeID, err := s.UpsertPlace(store.PlaceRow{
		Name: "France", Slug: "france", Kind: types.PlaceCountry, Country: "FR",
	})
	require.NoError(t, err)
	id, err := s.InsertCandidateMapping(store.MappingRow{
		PlaceID: placeID, Host: "example.com", URL: url,
		PageKind: types.PageKindCountryHub, Status: types.MappingCandidate,
	})
	require.NoError(t, err)
	return id
}

func TestProbe_ContentLoopback(t *testing.T) {
	// Pages 1 through 100 carry distinct content; deeper pages serve page 1
	// again without changing the URL.
	fetch := func(_ context.Context, rawURL string) (*Page, error) {
		n := pageNumber(t, rawURL)
		if n > 100 {
			n = 1
		}
		return &Page{Status: 200, Body: pageHTML(n, time.Time{})}, nil
	}

	s := newTestStore(t)
	id := insertMapping(t, s, "https://example.com/world/france")
	prober := newTestProber(t, s, fetch)

	report, err := prober.Probe(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 100, report.Depth)

	mapping, err := s.MappingByID(id)
	require.NoError(t, err)
	assert.EqualValues(t, 100, mapping.MaxPageDepth)
	assert.Empty(t, mapping.DepthCheckError)
	// Undated archives keep their depth; the date column just stays unset.
	assert.Empty(t, mapping.OldestContent)
	assert.False(t, mapping.LastDepthCheckAt.IsZero())
}

func TestProbe_RedirectLoopback(t *testing.T) {
	fetch := func(_ context.Context, rawURL string) (*Page, error) {
		n := pageNumber(t, rawURL)
		if n > 10 {
			return &Page{
				Status:   200,
				Body:     pageHTML(1, time.Time{}),
				FinalURL: "https://example.com/world/france",
			}, nil
		}
		return &Page{Status: 200, Body: pageHTML(n, time.Time{})}, nil
	}

	s := newTestStore(t)
	id := insertMapping(t, s, "https://example.com/world/france")
	prober := newTestProber(t, s, fetch)

	report, err := prober.Probe(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 10, report.Depth)
}

func TestProbe_NotFoundBoundary(t *testing.T) {
	fetch := func(_ context.Context, rawURL string) (*Page, error) {
		n := pageNumber(t, rawURL)
		if n > 5 {
			return &Page{Status: 404}, nil
		}
		return &Page{Status: 200, Body: pageHTML(n, time.Time{})}, nil
	}

	s := newTestStore(t)
	id := insertMapping(t, s, "https://example.com/world/france")
	prober := newTestProber(t, s, fetch)

	report, err := prober.Probe(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 5, report.Depth)
}

func TestProbe_TimeTravelLoopback(t *testing.T) {
	// Dates recede by a month per page through page 6; page 7 onward jumps
	// back to today's articles even though the markup is fresh each time.
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	fetch := func(_ context.Context, rawURL string) (*Page, error) {
		n := pageNumber(t, rawURL)
		date := base
		if n <= 6 {
			date = base.AddDate(0, -n, 0)
		}
		return &Page{Status: 200, Body: pageHTML(n, date)}, nil
	}

	s := newTestStore(t)
	id := insertMapping(t, s, "https://example.com/world/france")
	prober := newTestProber(t, s, fetch)

	report, err := prober.Probe(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 6, report.Depth)
	assert.Equal(t, base.AddDate(0, -6, 0), report.OldestContent)

	mapping, err := s.MappingByID(id)
	require.NoError(t, err)
	assert.Equal(t, base.AddDate(0, -6, 0).Format(time.RFC3339), mapping.OldestContent)
}

func TestProbe_TimeTravelAtFirstNarrowingStep(t *testing.T) {
	// Page 2 is six months deep, page 4 is gone, and page 3 serves fresh
	// articles again. The narrowing step must compare page 3 against the
	// deepest good page (page 2), not against page 1, to spot the jump.
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	fetch := func(_ context.Context, rawURL string) (*Page, error) {
		switch n := pageNumber(t, rawURL); {
		case n == 1:
			return &Page{Status: 200, Body: pageHTML(1, base)}, nil
		case n == 2:
			return &Page{Status: 200, Body: pageHTML(2, base.AddDate(0, -6, 0))}, nil
		case n == 3:
			return &Page{Status: 200, Body: pageHTML(3, base)}, nil
		default:
			return &Page{Status: 404}, nil
		}
	}

	s := newTestStore(t)
	id := insertMapping(t, s, "https://example.com/world/france")
	prober := newTestProber(t, s, fetch)

	report, err := prober.Probe(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Depth)
	assert.Equal(t, base.AddDate(0, -6, 0), report.OldestContent)
}

func TestProbe_SinglePageWhenNoShapeResponds(t *testing.T) {
	// Every pagination attempt serves page 1 again; "/all" does not exist.
	fetch := func(_ context.Context, rawURL string) (*Page, error) {
		if strings.Contains(rawURL, "/all") {
			return &Page{Status: 404}, nil
		}
		return &Page{Status: 200, Body: pageHTML(1, time.Time{})}, nil
	}

	s := newTestStore(t)
	id := insertMapping(t, s, "https://example.com/world/france")
	prober := newTestProber(t, s, fetch)

	report, err := prober.Probe(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Depth)
}

func TestProbe_AllListingFallback(t *testing.T) {
	// The section ignores page parameters but exposes a paginated "/all"
	// listing that runs three pages deep.
	fetch := func(_ context.Context, rawURL string) (*Page, error) {
		n := pageNumber(t, rawURL)
		switch {
		case !strings.Contains(rawURL, "/all"):
			return &Page{Status: 200, Body: pageHTML(1, time.Time{})}, nil
		case n <= 3:
			return &Page{Status: 200, Body: pageHTML(100+n, time.Time{})}, nil
		default:
			return &Page{Status: 404}, nil
		}
	}

	s := newTestStore(t)
	id := insertMapping(t, s, "https://example.com/world/france")
	prober := newTestProber(t, s, fetch)

	report, err := prober.Probe(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Depth)
}

func TestProbe_RecordsError(t *testing.T) {
	fetch := func(context.Context, string) (*Page, error) {
		return nil, fmt.Errorf("connection refused")
	}

	s := newTestStore(t)
	id := insertMapping(t, s, "https://example.com/world/france")
	prober := newTestProber(t, s, fetch)

	_, err := prober.Probe(context.Background(), id)
	require.Error(t, err)

	mapping, err := s.MappingByID(id)
	require.NoError(t, err)
	assert.Contains(t, mapping.DepthCheckError, "connection refused")
}

func TestProbe_UnknownMapping(t *testing.T) {
	s := newTestStore(t)
	prober := newTestProber(t, s, func(context.Context, string) (*Page, error) {
		return &Page{Status: 200}, nil
	})
	_, err := prober.Probe(context.Background(), 999)
	assert.Error(t, err)
}

func TestProbeAll_ContinuesPastFailures(t *testing.T) {
	s := newTestStore(t)
	goodID := insertMapping(t, s, "https://example.com/world/france")
	require.NoError(t, s.VerifyMapping(goodID, types.PresencePresent, 0.9, time.Now()))

	placeID, err := s.UpsertPlace(store.PlaceRow{
		Name: "Japan", Slug: "japan", Kind: types.PlaceCountry, Country: "JP",
	})
	require.NoError(t, err)
	badID, err := s.InsertCandidateMapping(store.MappingRow{
		PlaceID: placeID, Host: "example.com", URL: "https://example.com/world/japan",
		PageKind: types.PageKindCountryHub, Status: types.MappingCandidate,
	})
	require.NoError(t, err)
	require.NoError(t, s.VerifyMapping(badID, types.PresencePresent, 0.9, time.Now()))

	fetch := func(_ context.Context, rawURL string) (*Page, error) {
		if strings.Contains(rawURL, "japan") {
			return nil, fmt.Errorf("timeout")
		}
		n := pageNumber(t, rawURL)
		if n > 2 {
			return &Page{Status: 404}, nil
		}
		return &Page{Status: 200, Body: pageHTML(n, time.Time{})}, nil
	}
	prober := newTestProber(t, s, fetch)

	reports, err := prober.ProbeAll(context.Background(), "example.com", 10)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, 2, reports[0].Depth)
	assert.Equal(t, goodID, reports[0].MappingID)
}
