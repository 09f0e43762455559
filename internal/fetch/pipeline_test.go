package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/newsatlas/crawler/internal/common/configtypes"
	"github.com/newsatlas/crawler/internal/ratelimit"
	"github.com/newsatlas/crawler/internal/resilience"
	"github.com/newsatlas/crawler/internal/store"
	"github.com/newsatlas/crawler/internal/telemetry"
	"github.com/newsatlas/crawler/internal/validate"
	"github.com/newsatlas/crawler/pkg/types"
)

// collectEmitter captures events for assertions.
type collectEmitter struct {
	mu     sync.Mutex
	events []telemetry.Event
}

func (c *collectEmitter) Emit(e telemetry.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *collectEmitter) Close() error { return nil }

func (c *collectEmitter) byType(eventType string) []telemetry.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []telemetry.Event
	for _, e := range c.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

type testEnv struct {
	pipeline *Pipeline
	store    *store.Store
	emitter  *collectEmitter
	limiter  *ratelimit.Limiter
	breakers *resilience.BreakerSet
}

func newTestEnv(t *testing.T, cfg configtypes.CrawlConfig) *testEnv {
	t.Helper()
	s, err := store.Open(configtypes.DatabaseConfig{
		Path: filepath.Join(t.TempDir(), "crawl.db"),
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	emitter := &collectEmitter{}
	limiter := ratelimit.NewLimiter(configtypes.PolitenessConfig{
		MinDelay: types.Duration(5 * time.Millisecond),
	}, nil, emitter, zap.NewNop())
	breakers := resilience.NewBreakerSet(configtypes.ResilienceConfig{}, emitter, zap.NewNop())
	validator, err := validate.New(configtypes.ValidatorConfig{MinContentBytes: 50})
	require.NoError(t, err)

	p := NewPipeline(cfg, configtypes.StorageConfig{}, Deps{
		Store:     s,
		Limiter:   limiter,
		Breakers:  breakers,
		Validator: validator,
		Emitter:   emitter,
	}, zap.NewNop())
	return &testEnv{pipeline: p, store: s, emitter: emitter, limiter: limiter, breakers: breakers}
}

func ensureURL(t *testing.T, s *store.Store, rawURL string) *store.URLRow {
	t.Helper()
	u, err := s.EnsureURL(rawURL, time.Now())
	require.NoError(t, err)
	return u
}

func articleBody() string {
	return "<html><body><article>" + strings.Repeat("real content words here. ", 20) + "</article></body></html>"
}

func TestFetch_SuccessCreatesAtomicEvidence(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(articleBody()))
	}))
	defer server.Close()

	env := newTestEnv(t, configtypes.CrawlConfig{})
	u := ensureURL(t, env.store, server.URL+"/world/france")

	result, err := env.pipeline.Fetch(context.Background(), u, KindArticle)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFetched, result.Outcome)
	assert.True(t, result.Verified())
	assert.Equal(t, types.SourceNetwork, result.Source)
	assert.NotZero(t, result.ContentID)

	resp, err := env.store.LatestResponse(u.ID)
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.True(t, resp.Verified())

	body, _, err := env.store.ContentBody(resp.ID)
	require.NoError(t, err)
	assert.Equal(t, articleBody(), string(body))

	pages := env.emitter.byType(telemetry.EventPageFetched)
	require.Len(t, pages, 1)
	assert.Equal(t, "network", pages[0].Payload["source"])
}

func TestFetch_RedirectReportsFinalURL(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/world/france" && r.URL.RawQuery == "" {
			w.Header().Set("Content-Type", "text/html")
			w.Write([]byte(articleBody()))
			return
		}
		// Page past the end bounces back to page one.
		http.Redirect(w, r, "/world/france", http.StatusMovedPermanently)
	}))
	defer server.Close()

	env := newTestEnv(t, configtypes.CrawlConfig{})
	u := ensureURL(t, env.store, server.URL+"/world/france?page=5")

	result, err := env.pipeline.Fetch(context.Background(), u, KindHub)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFetched, result.Outcome)
	assert.Equal(t, server.URL+"/world/france", result.FinalURL)
}

func TestFetch_CacheHitCreatesNoRows(t *testing.T) {
	hits := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(articleBody()))
	}))
	defer server.Close()

	env := newTestEnv(t, configtypes.CrawlConfig{})
	u := ensureURL(t, env.store, server.URL+"/world/france")

	first, err := env.pipeline.Fetch(context.Background(), u, KindArticle)
	require.NoError(t, err)
	require.Equal(t, OutcomeFetched, first.Outcome)

	baseline, err := env.store.VerifiedCount(time.Time{}, time.Time{})
	require.NoError(t, err)

	second, err := env.pipeline.Fetch(context.Background(), u, KindArticle)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCached, second.Outcome)
	assert.Equal(t, types.SourceCache, second.Source)
	assert.Equal(t, first.ResponseID, second.ResponseID)
	assert.Equal(t, 1, hits, "cache hit must not touch the network")

	after, err := env.store.VerifiedCount(time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, baseline, after, "cache hits create no evidence rows")

	pages := env.emitter.byType(telemetry.EventPageFetched)
	require.Len(t, pages, 2)
	assert.Equal(t, "cache", pages[1].Payload["source"])
}

func TestFetch_HubCacheExpires(t *testing.T) {
	hits := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(articleBody()))
	}))
	defer server.Close()

	env := newTestEnv(t, configtypes.CrawlConfig{MaxAgeHub: types.Duration(time.Nanosecond)})
	u := ensureURL(t, env.store, server.URL+"/world/france")

	_, err := env.pipeline.Fetch(context.Background(), u, KindHub)
	require.NoError(t, err)
	time.Sleep(time.Millisecond)

	second, err := env.pipeline.Fetch(context.Background(), u, KindHub)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFetched, second.Outcome, "stale hub copy refetches")
	assert.Equal(t, 2, hits)
}

func TestFetch_ThrottleStatusBacksOff(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	env := newTestEnv(t, configtypes.CrawlConfig{})
	u := ensureURL(t, env.store, server.URL+"/world/france")
	host := u.Host

	before := env.limiter.Delay(host)
	result, err := env.pipeline.Fetch(context.Background(), u, KindArticle)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Equal(t, types.FailureSoft, result.FailureClass)
	assert.Greater(t, env.limiter.Delay(host), before)

	backoffs := env.emitter.byType(telemetry.EventRateBackoff)
	assert.NotEmpty(t, backoffs)
}

func TestFetch_BreakerOpenDefers(t *testing.T) {
	env := newTestEnv(t, configtypes.CrawlConfig{})
	u := ensureURL(t, env.store, "https://blocked.example.com/world")

	for i := 0; i < 5; i++ {
		env.breakers.RecordFailure("blocked.example.com")
	}
	require.False(t, env.breakers.ShouldAttempt("blocked.example.com"))

	baseline, err := env.store.VerifiedCount(time.Time{}, time.Time{})
	require.NoError(t, err)

	result, err := env.pipeline.Fetch(context.Background(), u, KindArticle)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeferred, result.Outcome)

	// A deferred URL is not a fetch attempt: no evidence row.
	after, err := env.store.VerifiedCount(time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, baseline, after)
	resp, err := env.store.LatestResponse(u.ID)
	require.NoError(t, err)
	assert.Nil(t, resp)
}

func TestFetch_SoftFailureWithoutPoolRecordsEvidence(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html>tiny</html>"))
	}))
	defer server.Close()

	env := newTestEnv(t, configtypes.CrawlConfig{})
	u := ensureURL(t, env.store, server.URL+"/stub")

	result, err := env.pipeline.Fetch(context.Background(), u, KindArticle)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Equal(t, types.FailureSoft, result.FailureClass)
	assert.NotZero(t, result.ResponseID)

	resp, err := env.store.LatestResponse(u.ID)
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.False(t, resp.Verified(), "rejected body leaves a non-verified row")
	assert.Zero(t, resp.Bytes)
}

func TestFetch_404IsHardFailure(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	env := newTestEnv(t, configtypes.CrawlConfig{})
	u := ensureURL(t, env.store, server.URL+"/gone")

	result, err := env.pipeline.Fetch(context.Background(), u, KindArticle)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Equal(t, types.FailureHard, result.FailureClass)
	assert.Equal(t, 404, result.Status)
}

func TestFetch_ConnectionErrorLeavesFailureRow(t *testing.T) {
	// A server that is already closed produces connection refused.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := server.URL
	server.Close()

	env := newTestEnv(t, configtypes.CrawlConfig{})
	u := ensureURL(t, env.store, addr+"/world")

	result, err := env.pipeline.Fetch(context.Background(), u, KindArticle)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, result.Outcome)

	resp, err := env.store.LatestResponse(u.ID)
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Zero(t, resp.Status)
	assert.Zero(t, resp.Bytes)
	assert.NotEmpty(t, resp.ErrorDetail)

	failures := env.emitter.byType(telemetry.EventPageFailed)
	require.NotEmpty(t, failures)
}

func TestFetch_CancellationPropagates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(5 * time.Second)
	}))
	defer server.Close()

	env := newTestEnv(t, configtypes.CrawlConfig{})
	u := ensureURL(t, env.store, server.URL+"/slow")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := env.pipeline.Fetch(ctx, u, KindArticle)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestErrorDetail(t *testing.T) {
	assert.Equal(t, "dns", errorDetail(&url.Error{Op: "Get", Err: assertErr("no such host")}))
	assert.Equal(t, "connection-reset", errorDetail(assertErr("read: connection reset by peer")))
	assert.Equal(t, "network", errorDetail(assertErr("weird failure")))
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
