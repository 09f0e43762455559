package api

import (
	"encoding/json"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/newsatlas/crawler/internal/common/configtypes"
	"github.com/newsatlas/crawler/internal/queue"
	"github.com/newsatlas/crawler/internal/store"
	"github.com/newsatlas/crawler/pkg/types"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(configtypes.DatabaseConfig{
		Path: filepath.Join(t.TempDir(), "crawl.db"),
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestServer(t *testing.T, s *store.Store) *Server {
	t.Helper()
	orch := queue.NewOrchestrator(s, nil, configtypes.QueueConfig{}, nil, nil, zap.NewNop())
	return NewServer(s, nil, orch, nil, configtypes.APIConfig{}, zap.NewNop())
}

func call(t *testing.T, srv *Server, method, uri string, body []byte) *fasthttp.RequestCtx {
	t.Helper()
	var req fasthttp.Request
	req.SetRequestURI(uri)
	req.Header.SetMethod(method)
	if body != nil {
		req.SetBody(body)
	}
	ctx := &fasthttp.RequestCtx{}
	ctx.Init(&req, &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9}, nil)
	srv.Handler()(ctx)
	return ctx
}

func decode(t *testing.T, ctx *fasthttp.RequestCtx) map[string]any {
	t.Helper()
	var resp struct {
		Success bool           `json:"success"`
		Message string         `json:"message"`
		Data    map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &resp))
	require.True(t, resp.Success, "message: %s", resp.Message)
	return resp.Data
}

func recordVerified(t *testing.T, s *store.Store, rawURL string, fetchedAt time.Time) {
	t.Helper()
	u, err := s.EnsureURL(rawURL, fetchedAt)
	require.NoError(t, err)
	_, _, err = s.RecordResponse(store.ResponseRecord{
		URLID:     u.ID,
		Status:    200,
		Bytes:     2048,
		Source:    types.SourceNetwork,
		FetchedAt: fetchedAt,
		Body:      []byte("<html><body>recorded page body for evidence</body></html>"),
	})
	require.NoError(t, err)
}

func TestDownloadStats(t *testing.T) {
	s := newTestStore(t)
	srv := newTestServer(t, s)

	recordVerified(t, s, "https://example.com/a", time.Now())
	recordVerified(t, s, "https://example.com/b", time.Now())

	ctx := call(t, srv, "GET", "http://host/api/downloads/stats", nil)
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	data := decode(t, ctx)
	assert.EqualValues(t, 2, data["verified_downloads"])
	assert.EqualValues(t, 1, data["distinct_hosts"])
}

func TestDownloadRange(t *testing.T) {
	s := newTestStore(t)
	srv := newTestServer(t, s)

	old := time.Now().Add(-48 * time.Hour)
	recordVerified(t, s, "https://example.com/old", old)
	recordVerified(t, s, "https://example.com/new", time.Now())

	start := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	ctx := call(t, srv, "GET", "http://host/api/downloads/range?start="+start, nil)
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	data := decode(t, ctx)
	assert.EqualValues(t, 1, data["verified"])
}

func TestDownloadRange_BadStart(t *testing.T) {
	s := newTestStore(t)
	srv := newTestServer(t, s)

	ctx := call(t, srv, "GET", "http://host/api/downloads/range?start=yesterday", nil)
	assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())
}

func TestDownloadVerify(t *testing.T) {
	s := newTestStore(t)
	srv := newTestServer(t, s)

	for i := 0; i < 3; i++ {
		recordVerified(t, s, fmt.Sprintf("https://example.com/p%d", i), time.Now())
	}
	// A failed attempt must not count toward the claim.
	u, err := s.EnsureURL("https://example.com/broken", time.Now())
	require.NoError(t, err)
	_, _, err = s.RecordResponse(store.ResponseRecord{
		URLID: u.ID, Status: 404, Source: types.SourceNetwork, FetchedAt: time.Now(),
	})
	require.NoError(t, err)

	ctx := call(t, srv, "GET", "http://host/api/downloads/verify?claimed=3", nil)
	data := decode(t, ctx)
	assert.Equal(t, true, data["valid"])
	assert.EqualValues(t, 3, data["actual"])
	assert.EqualValues(t, 0, data["discrepancy"])

	ctx = call(t, srv, "GET", "http://host/api/downloads/verify?claimed=5", nil)
	data = decode(t, ctx)
	assert.Equal(t, false, data["valid"])
	assert.EqualValues(t, -2, data["discrepancy"])
}

func seedVerifiedHub(t *testing.T, s *store.Store, slug, url string, depth int64) int64 {
	t.Helper()
	placeID, err := s.UpsertPlace(store.PlaceRow{
		Name: slug, Slug: slug, Kind: types.PlaceCountry, Country: "XX",
	})
	require.NoError(t, err)
	id, err := s.InsertCandidateMapping(store.MappingRow{
		PlaceID: placeID, Host: "news.example.com", URL: url,
		PageKind: types.PageKindCountryHub, Status: types.MappingCandidate,
	})
	require.NoError(t, err)
	require.NoError(t, s.VerifyMapping(id, types.PresencePresent, 0.9, time.Now()))
	if depth > 0 {
		require.NoError(t, s.RecordMappingDepth(id, depth, "", time.Now()))
	}
	return id
}

func TestHubList(t *testing.T) {
	s := newTestStore(t)
	srv := newTestServer(t, s)
	seedVerifiedHub(t, s, "france", "https://news.example.com/world/france", 12)

	ctx := call(t, srv, "GET", "http://host/api/hub-archive/hubs?host=news.example.com", nil)
	data := decode(t, ctx)
	hubs := data["hubs"].([]any)
	require.Len(t, hubs, 1)
	hub := hubs[0].(map[string]any)
	assert.Equal(t, "https://news.example.com/world/france", hub["url"])
	assert.EqualValues(t, 12, hub["max_page_depth"])
}

func TestHubStats(t *testing.T) {
	s := newTestStore(t)
	srv := newTestServer(t, s)
	seedVerifiedHub(t, s, "france", "https://news.example.com/world/france", 12)
	seedVerifiedHub(t, s, "japan", "https://news.example.com/world/japan", 0)

	ctx := call(t, srv, "GET", "http://host/api/hub-archive/stats", nil)
	data := decode(t, ctx)
	totals := data["totals"].(map[string]any)
	assert.EqualValues(t, 2, totals["verified"])
	assert.EqualValues(t, 1, totals["probed"])
	assert.NotEmpty(t, data["byHost"])
}

func TestHubTasks_AdmitsPages(t *testing.T) {
	s := newTestStore(t)
	srv := newTestServer(t, s)
	seedVerifiedHub(t, s, "france", "https://news.example.com/world/france", 4)

	ctx := call(t, srv, "POST", "http://host/api/hub-archive/tasks", []byte(`{"host":"news.example.com"}`))
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	data := decode(t, ctx)
	require.Len(t, data["taskIds"].([]any), 1)

	depth, err := srv.orch.Depth("news.example.com")
	require.NoError(t, err)
	assert.EqualValues(t, 4, depth)

	taskID := data["taskIds"].([]any)[0].(string)
	status := call(t, srv, "GET", "http://host/api/hub-archive/task?id="+taskID, nil)
	task := decode(t, status)
	assert.Equal(t, TaskDone, task["state"])
	assert.EqualValues(t, 4, task["item_count"])
}

func TestHubProbe_WithoutProber(t *testing.T) {
	s := newTestStore(t)
	srv := newTestServer(t, s)

	ctx := call(t, srv, "POST", "http://host/api/hub-archive/probe", nil)
	assert.Equal(t, fasthttp.StatusServiceUnavailable, ctx.Response.StatusCode())
}

func TestEvents_FilterByType(t *testing.T) {
	s := newTestStore(t)
	srv := newTestServer(t, s)

	_, err := s.InsertEvents([]store.EventRow{
		{TaskID: "t1", EventType: "page.fetched", Severity: "info", EmittedAt: time.Now()},
		{TaskID: "t1", EventType: "page.failed", Severity: "warn", EmittedAt: time.Now()},
		{TaskID: "t2", EventType: "page.fetched", Severity: "info", EmittedAt: time.Now()},
	})
	require.NoError(t, err)

	ctx := call(t, srv, "GET", "http://host/api/events?types=page.fetched&task_id=t1", nil)
	data := decode(t, ctx)
	assert.Len(t, data["events"].([]any), 1)
}

func TestEventStream_WithoutHub(t *testing.T) {
	s := newTestStore(t)
	srv := newTestServer(t, s)

	ctx := call(t, srv, "GET", "http://host/api/events/stream", nil)
	assert.Equal(t, fasthttp.StatusServiceUnavailable, ctx.Response.StatusCode())
}

func TestRouting(t *testing.T) {
	s := newTestStore(t)
	srv := newTestServer(t, s)

	ctx := call(t, srv, "GET", "http://host/api/nope", nil)
	assert.Equal(t, fasthttp.StatusNotFound, ctx.Response.StatusCode())

	ctx = call(t, srv, "DELETE", "http://host/api/downloads/stats", nil)
	assert.Equal(t, fasthttp.StatusMethodNotAllowed, ctx.Response.StatusCode())
}

func TestAuth(t *testing.T) {
	s := newTestStore(t)
	orch := queue.NewOrchestrator(s, nil, configtypes.QueueConfig{}, nil, nil, zap.NewNop())
	srv := NewServer(s, nil, orch, nil, configtypes.APIConfig{AuthKey: "secret"}, zap.NewNop())

	ctx := call(t, srv, "GET", "http://host/api/downloads/stats", nil)
	assert.Equal(t, fasthttp.StatusUnauthorized, ctx.Response.StatusCode())

	var req fasthttp.Request
	req.SetRequestURI("http://host/api/downloads/stats")
	req.Header.SetMethod("GET")
	req.Header.Set("X-API-Key", "secret")
	authed := &fasthttp.RequestCtx{}
	authed.Init(&req, &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9}, nil)
	srv.Handler()(authed)
	assert.Equal(t, fasthttp.StatusOK, authed.Response.StatusCode())
}
