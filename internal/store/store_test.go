package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/newsatlas/crawler/internal/common/configtypes"
	"github.com/newsatlas/crawler/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := configtypes.DatabaseConfig{
		Path: filepath.Join(t.TempDir(), "crawler.db"),
	}
	s, err := Open(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_AppliesMigrations(t *testing.T) {
	s := newTestStore(t)

	// All tables from every migration must be usable.
	now := time.Now()
	u, err := s.EnsureURL("https://example.com/news", now)
	require.NoError(t, err)
	require.NotNil(t, u)

	_, err = s.UpsertPlace(PlaceRow{Name: "Berlin", Slug: "berlin", Kind: types.PlaceCity, Country: "DE"})
	require.NoError(t, err)

	err = s.UpsertPrediction(PredictionRow{
		URLID:      u.ID,
		Predicted:  types.ClassArticle,
		Confidence: 0.4,
		Source:     types.PredictURLSignals,
	}, now)
	require.NoError(t, err)
}

func TestOpen_Reentrant(t *testing.T) {
	dir := t.TempDir()
	cfg := configtypes.DatabaseConfig{Path: filepath.Join(dir, "crawler.db")}

	s1, err := Open(cfg, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	// Second open against the same file: migrations are a no-op.
	s2, err := Open(cfg, zap.NewNop())
	require.NoError(t, err)
	defer s2.Close()

	_, err = s2.EnsureURL("https://example.com/", time.Now())
	assert.NoError(t, err)
}

func TestEnsureURL_Idempotent(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	first, err := s.EnsureURL("https://example.com/news/2024", now)
	require.NoError(t, err)
	second, err := s.EnsureURL("https://example.com/news/2024", now.Add(time.Hour))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "example.com", first.Host)
	assert.Equal(t, "/news/2024", first.Path)
	assert.Len(t, first.Hash, 16)
	// first_seen_at is immutable.
	assert.Equal(t, first.FirstSeenAt.UnixMilli(), second.FirstSeenAt.UnixMilli())
}

func TestRecordResponse_AtomicPair(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	u, err := s.EnsureURL("https://example.com/story", now)
	require.NoError(t, err)

	body := []byte("<html><body>" + string(make([]byte, 2048)) + "</body></html>")
	respID, contentID, err := s.RecordResponse(ResponseRecord{
		URLID:       u.ID,
		Status:      200,
		Bytes:       int64(len(body)),
		ContentType: "text/html",
		TTFB:        120 * time.Millisecond,
		Download:    480 * time.Millisecond,
		Source:      types.SourceNetwork,
		FetchedAt:   now,
		Body:        body,
		Compression: types.CompressionSnappy,
	})
	require.NoError(t, err)
	require.NotZero(t, respID)
	require.NotZero(t, contentID)

	row, err := s.LatestVerifiedResponse(u.ID)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.True(t, row.Verified())
	assert.Equal(t, int64(120), row.TTFBMs)

	got, gotContentID, err := s.ContentBody(respID)
	require.NoError(t, err)
	assert.Equal(t, contentID, gotContentID)
	assert.Equal(t, body, got)
}

func TestRecordResponse_FailureHasNoContent(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	u, err := s.EnsureURL("https://example.com/missing", now)
	require.NoError(t, err)

	respID, contentID, err := s.RecordResponse(ResponseRecord{
		URLID:       u.ID,
		Status:      404,
		Bytes:       0,
		Source:      types.SourceNetwork,
		ErrorDetail: "not found",
		FetchedAt:   now,
	})
	require.NoError(t, err)
	assert.Zero(t, contentID)

	body, _, err := s.ContentBody(respID)
	require.NoError(t, err)
	assert.Nil(t, body)

	verified, err := s.LatestVerifiedResponse(u.ID)
	require.NoError(t, err)
	assert.Nil(t, verified, "404 must not count as verified")
}

func TestVerifiedCount_Window(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	u, err := s.EnsureURL("https://example.com/a", base)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, _, err := s.RecordResponse(ResponseRecord{
			URLID:     u.ID,
			Status:    200,
			Bytes:     100,
			Source:    types.SourceNetwork,
			FetchedAt: base.Add(time.Duration(i) * time.Minute),
			Body:      []byte("x"),
		})
		require.NoError(t, err)
	}
	// A failed attempt inside the window must not count.
	_, _, err = s.RecordResponse(ResponseRecord{
		URLID: u.ID, Status: 503, Source: types.SourceNetwork,
		FetchedAt: base.Add(90 * time.Second),
	})
	require.NoError(t, err)

	n, err := s.VerifiedCount(base, base.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	n, err = s.VerifiedCount(base.Add(30*time.Second), base.Add(90*time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	all, err := s.VerifiedCount(time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), all)
}

func TestDownloadStats(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	u1, _ := s.EnsureURL("https://a.example.com/1", now)
	u2, _ := s.EnsureURL("https://b.example.org/2", now)

	_, _, err := s.RecordResponse(ResponseRecord{
		URLID: u1.ID, Status: 200, Bytes: 1000, Source: types.SourceNetwork,
		FetchedAt: now, Body: []byte("a"),
	})
	require.NoError(t, err)
	_, _, err = s.RecordResponse(ResponseRecord{
		URLID: u2.ID, Status: 200, Bytes: 2000, Source: types.SourceHeadless,
		FetchedAt: now, Body: []byte("b"),
	})
	require.NoError(t, err)
	_, _, err = s.RecordResponse(ResponseRecord{
		URLID: u2.ID, Status: 500, Source: types.SourceNetwork, FetchedAt: now,
	})
	require.NoError(t, err)

	st, err := s.GlobalDownloadStats()
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.VerifiedDownloads)
	assert.Equal(t, int64(1), st.FailedAttempts)
	assert.Equal(t, int64(3000), st.BytesDownloaded)
	assert.Equal(t, int64(2), st.DistinctHosts)

	counts, err := s.VerifiedCountsByHost(1)
	require.NoError(t, err)
	require.Len(t, counts, 2)
}

func TestQueue_LeaseIsExclusive(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	u1, _ := s.EnsureURL("https://example.com/high", now)
	u2, _ := s.EnsureURL("https://example.com/low", now)

	ok, err := s.Enqueue(u1.ID, 20, time.Time{}, now)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.Enqueue(u2.ID, 10, time.Time{}, now)
	require.NoError(t, err)
	assert.True(t, ok)

	q1, url1, err := s.Lease("worker-1", now)
	require.NoError(t, err)
	require.NotNil(t, q1)
	assert.Equal(t, u1.ID, q1.URLID, "highest priority first")
	assert.Equal(t, "https://example.com/high", url1.Normalized)

	q2, _, err := s.Lease("worker-2", now)
	require.NoError(t, err)
	require.NotNil(t, q2)
	assert.NotEqual(t, q1.URLID, q2.URLID, "no double lease")

	q3, _, err := s.Lease("worker-3", now)
	require.NoError(t, err)
	assert.Nil(t, q3, "queue drained")

	require.NoError(t, s.CompleteLease(q1.URLID))
	require.NoError(t, s.SkipLease(q2.URLID))

	counts, err := s.QueueStateCounts()
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[types.QueueDone])
	assert.Equal(t, int64(1), counts[types.QueueSkipped])
}

func TestQueue_ReadyAfterGating(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	u, _ := s.EnsureURL("https://example.com/later", now)
	_, err := s.Enqueue(u.ID, 10, now.Add(time.Hour), now)
	require.NoError(t, err)

	q, _, err := s.Lease("w", now)
	require.NoError(t, err)
	assert.Nil(t, q, "entry not ready yet")

	q, _, err = s.Lease("w", now.Add(2*time.Hour))
	require.NoError(t, err)
	require.NotNil(t, q)
	assert.Equal(t, u.ID, q.URLID)
}

func TestQueue_EnqueueDedupe(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	u, _ := s.EnsureURL("https://example.com/dup", now)
	_, err := s.Enqueue(u.ID, 10, time.Time{}, now)
	require.NoError(t, err)

	// Re-enqueue raises priority.
	_, err = s.Enqueue(u.ID, 30, time.Time{}, now)
	require.NoError(t, err)

	q, _, err := s.Lease("w", now)
	require.NoError(t, err)
	require.NotNil(t, q)
	assert.Equal(t, float64(30), q.Priority)
	require.NoError(t, s.CompleteLease(q.URLID))

	// DONE entries are not resurrected.
	_, err = s.Enqueue(u.ID, 99, time.Time{}, now)
	require.NoError(t, err)
	q, _, err = s.Lease("w", now)
	require.NoError(t, err)
	assert.Nil(t, q)
}

func TestQueue_DeferAndStaleRelease(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	u, _ := s.EnsureURL("https://example.com/defer", now)
	_, err := s.Enqueue(u.ID, 10, time.Time{}, now)
	require.NoError(t, err)

	q, _, err := s.Lease("w", now)
	require.NoError(t, err)
	require.NotNil(t, q)

	retryAt := now.Add(time.Minute)
	require.NoError(t, s.DeferLease(u.ID, retryAt))

	q, _, err = s.Lease("w", now)
	require.NoError(t, err)
	assert.Nil(t, q, "deferred entry not ready")

	q, _, err = s.Lease("w", retryAt.Add(time.Second))
	require.NoError(t, err)
	require.NotNil(t, q)

	// Crash recovery: old leases go back to QUEUED.
	released, err := s.ReleaseStaleLeases(time.Minute, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), released)

	depth, err := s.QueueDepth("example.com")
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestPredictions_UpsertPerSource(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	u, _ := s.EnsureURL("https://example.com/news/2024/story", now)

	require.NoError(t, s.UpsertPrediction(PredictionRow{
		URLID: u.ID, Predicted: types.ClassArticle, Confidence: 0.9,
		Source: types.PredictLearnedPattern, PatternMatched: `^/news/\d{4}/[a-z0-9-]+$`,
	}, now))
	require.NoError(t, s.UpsertPrediction(PredictionRow{
		URLID: u.ID, Predicted: types.ClassHub, Confidence: 0.4,
		Source: types.PredictURLSignals,
	}, now))
	// Same source replaces, does not duplicate.
	require.NoError(t, s.UpsertPrediction(PredictionRow{
		URLID: u.ID, Predicted: types.ClassArticle, Confidence: 0.95,
		Source: types.PredictLearnedPattern, PatternMatched: `^/news/\d{4}/[a-z0-9-]+$`,
	}, now))

	preds, err := s.PredictionsForURL(u.ID)
	require.NoError(t, err)
	require.Len(t, preds, 2)

	best, err := s.BestPrediction(u.ID)
	require.NoError(t, err)
	require.NotNil(t, best)
	assert.Equal(t, types.ClassArticle, best.Predicted)
	assert.Equal(t, 0.95, best.Confidence)
}

func TestPredictions_Verification(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	u, _ := s.EnsureURL("https://example.com/news/2024/story", now)

	require.NoError(t, s.UpsertPrediction(PredictionRow{
		URLID: u.ID, Predicted: types.ClassArticle, Confidence: 0.9,
		Source: types.PredictLearnedPattern,
	}, now))
	require.NoError(t, s.UpsertPrediction(PredictionRow{
		URLID: u.ID, Predicted: types.ClassHub, Confidence: 0.4,
		Source: types.PredictURLSignals,
	}, now))

	verified, err := s.VerifyPredictions(u.ID, types.ClassArticle, now.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, verified, 2)

	bySource := map[types.PredictionSource]PredictionRow{}
	for _, p := range verified {
		bySource[p.Source] = p
	}
	require.NotNil(t, bySource[types.PredictLearnedPattern].VerificationMatch)
	assert.True(t, *bySource[types.PredictLearnedPattern].VerificationMatch)
	require.NotNil(t, bySource[types.PredictURLSignals].VerificationMatch)
	assert.False(t, *bySource[types.PredictURLSignals].VerificationMatch)
	assert.Equal(t, types.ClassArticle, bySource[types.PredictURLSignals].Verified)

	acc, err := s.PredictionAccuracy()
	require.NoError(t, err)
	assert.Len(t, acc, 2)
}

func TestPatterns_AccuracyNeverExceedsOne(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	id, err := s.UpsertPattern(PatternRow{
		Host:           "example.com",
		Template:       `^/news/\d{4}/[a-z0-9-]+$`,
		Classification: types.ClassArticle,
		SampleCount:    10,
	}, now)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.RecordPatternVerification(id, true, now))
	}
	require.NoError(t, s.RecordPatternVerification(id, false, now))

	p, err := s.PatternByID(id)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, int64(6), p.VerifiedCount)
	assert.Equal(t, int64(5), p.VerifiedCorrect)
	assert.InDelta(t, 5.0/6.0, p.Accuracy, 1e-9)
	assert.LessOrEqual(t, p.Accuracy, 1.0)
}

func TestMappings_Lifecycle(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	placeID, err := s.UpsertPlace(PlaceRow{Name: "France", Slug: "france", Kind: types.PlaceCountry})
	require.NoError(t, err)

	id, err := s.InsertCandidateMapping(MappingRow{
		PlaceID:    placeID,
		Host:       "example.com",
		URL:        "https://example.com/world/france",
		PageKind:   types.PageKindCountryHub,
		Confidence: 0.5,
	})
	require.NoError(t, err)

	// Duplicate candidate is a no-op returning the same id.
	dup, err := s.InsertCandidateMapping(MappingRow{
		PlaceID: placeID, Host: "example.com",
		URL: "https://example.com/world/france-2", PageKind: types.PageKindCountryHub,
	})
	require.NoError(t, err)
	assert.Equal(t, id, dup)

	open, err := s.OpenMappingByURL("https://example.com/world/france")
	require.NoError(t, err)
	require.NotNil(t, open)
	assert.Equal(t, id, open.ID)

	require.NoError(t, s.PromoteMappingPending(id))
	require.NoError(t, s.VerifyMapping(id, types.PresencePresent, 0.93, now))

	// Verified mappings are no longer open.
	open, err = s.OpenMappingByURL("https://example.com/world/france")
	require.NoError(t, err)
	assert.Nil(t, open)

	require.NoError(t, s.RecordMappingDepth(id, 42, "2019-06-01", now))

	m, err := s.MappingByID(id)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, types.MappingVerified, m.Status)
	assert.Equal(t, types.PresencePresent, m.Presence)
	assert.Equal(t, int64(42), m.MaxPageDepth)
	assert.Equal(t, "2019-06-01", m.OldestContent)
	assert.False(t, m.VerifiedAt.IsZero())

	hubs, err := s.VerifiedHubs("example.com", 10)
	require.NoError(t, err)
	require.Len(t, hubs, 1)

	cov, err := s.MappingCoverageByHost()
	require.NoError(t, err)
	require.Len(t, cov, 1)
	assert.Equal(t, int64(1), cov[0].Verified)
	assert.Equal(t, int64(1), cov[0].Probed)
}

func TestMappings_DepthError(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	placeID, _ := s.UpsertPlace(PlaceRow{Name: "Spain", Slug: "spain", Kind: types.PlaceCountry})
	id, err := s.InsertCandidateMapping(MappingRow{
		PlaceID: placeID, Host: "example.com",
		URL: "https://example.com/world/spain", PageKind: types.PageKindCountryHub,
	})
	require.NoError(t, err)

	require.NoError(t, s.RecordMappingDepthError(id, "page 1 fetch failed", now))

	m, err := s.MappingByID(id)
	require.NoError(t, err)
	assert.Equal(t, "page 1 fetch failed", m.DepthCheckError)
	assert.Zero(t, m.MaxPageDepth)
}

func TestEvents_BatchInsertAndFilter(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	n, err := s.InsertEvents([]EventRow{
		{TaskID: "task-1", EventType: "page.fetched", Target: "https://example.com/1", EmittedAt: now},
		{TaskID: "task-1", EventType: "page.fetched", Target: "https://example.com/2", EmittedAt: now},
		{TaskID: "task-1", EventType: "breaker.open", Scope: "example.com", Severity: "warn", EmittedAt: now},
		{TaskID: "task-2", EventType: "page.fetched", Target: "https://other.org/1", EmittedAt: now},
	})
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	events, err := s.Events(EventFilter{TaskID: "task-1"})
	require.NoError(t, err)
	assert.Len(t, events, 3)

	events, err = s.Events(EventFilter{EventTypes: []string{"page.fetched"}})
	require.NoError(t, err)
	assert.Len(t, events, 3)

	// Cursor-style streaming.
	events, err = s.Events(EventFilter{AfterID: events[1].ID})
	require.NoError(t, err)
	require.NotEmpty(t, events)
	for _, e := range events {
		assert.Greater(t, e.ID, int64(2))
	}

	counts, err := s.CountEventsByType("task-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts["page.fetched"])
	assert.Equal(t, int64(1), counts["breaker.open"])

	last, err := s.LastEventID()
	require.NoError(t, err)
	assert.Equal(t, int64(4), last)
}

func TestPlaces_ByKindOrdering(t *testing.T) {
	s := newTestStore(t)

	_, err := s.UpsertPlace(PlaceRow{Name: "Village", Slug: "village", Kind: types.PlaceCity, Population: 900})
	require.NoError(t, err)
	_, err = s.UpsertPlace(PlaceRow{Name: "Metropolis", Slug: "metropolis", Kind: types.PlaceCity, Population: 9000000})
	require.NoError(t, err)
	_, err = s.UpsertPlace(PlaceRow{Name: "Region", Slug: "region", Kind: types.PlaceAdm1, Population: 100000})
	require.NoError(t, err)

	cities, err := s.PlacesByKind([]types.PlaceKind{types.PlaceCity}, 0)
	require.NoError(t, err)
	require.Len(t, cities, 2)
	assert.Equal(t, "metropolis", cities[0].Slug, "population descending")

	both, err := s.PlacesByKind([]types.PlaceKind{types.PlaceCity, types.PlaceAdm1}, 0)
	require.NoError(t, err)
	assert.Len(t, both, 3)
}

func TestAnalysis_LatestWins(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	u, _ := s.EnsureURL("https://example.com/page", now)

	_, contentID, err := s.RecordResponse(ResponseRecord{
		URLID: u.ID, Status: 200, Bytes: 10, Source: types.SourceNetwork,
		FetchedAt: now, Body: []byte("0123456789"),
	})
	require.NoError(t, err)
	require.NotZero(t, contentID)

	_, err = s.InsertAnalysis(contentID, types.ClassHub, 0.6, `{"links":40}`, now)
	require.NoError(t, err)
	_, err = s.InsertAnalysis(contentID, types.ClassArticle, 0.8, `{"words":900}`, now.Add(time.Second))
	require.NoError(t, err)

	latest, err := s.LatestAnalysis(contentID)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, types.ClassArticle, latest.Classification)

	byURL, err := s.LatestAnalysisForURL(u.ID)
	require.NoError(t, err)
	require.NotNil(t, byURL)
	assert.Equal(t, types.ClassArticle, byURL.Classification)
}
