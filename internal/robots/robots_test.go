package robots

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// rewriteTransport points every request at the fixture server regardless of
// the host the manager asks for.
type rewriteTransport struct {
	target *url.URL
}

func (t *rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.URL.Scheme = t.target.Scheme
	req.URL.Host = t.target.Host
	return http.DefaultTransport.RoundTrip(req)
}

func newTestManager(t *testing.T, server *httptest.Server) *Manager {
	t.Helper()
	target, err := url.Parse(server.URL)
	require.NoError(t, err)
	m, err := NewManager(&http.Client{Transport: &rewriteTransport{target: target}}, "newsatlasbot", zap.NewNop())
	require.NoError(t, err)
	return m
}

func TestAllowed_RespectsDisallow(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("User-agent: *\nDisallow: /private/\nCrawl-delay: 2\n"))
	}))
	defer server.Close()

	m := newTestManager(t, server)
	ctx := context.Background()

	assert.True(t, m.Allowed(ctx, "example.com", "/news/story"))
	assert.False(t, m.Allowed(ctx, "example.com", "/private/report"))
	assert.Equal(t, 2*time.Second, m.CrawlDelay(ctx, "example.com"))
}

func TestAllowed_AgentSpecificGroup(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("User-agent: newsatlasbot\nDisallow: /archive/\n\nUser-agent: *\nDisallow: /\n"))
	}))
	defer server.Close()

	m := newTestManager(t, server)
	ctx := context.Background()

	// Our group applies, not the catch-all.
	assert.True(t, m.Allowed(ctx, "example.com", "/news"))
	assert.False(t, m.Allowed(ctx, "example.com", "/archive/2024"))
}

func TestAllowed_MissingRobotsAllowsEverything(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	m := newTestManager(t, server)
	assert.True(t, m.Allowed(context.Background(), "example.com", "/anything"))
	assert.Zero(t, m.CrawlDelay(context.Background(), "example.com"))
}

func TestRules_CachedPerHost(t *testing.T) {
	var fetches atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		w.Write([]byte("User-agent: *\nDisallow: /x/\n"))
	}))
	defer server.Close()

	m := newTestManager(t, server)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		m.Allowed(ctx, "example.com", "/news")
	}
	assert.EqualValues(t, 1, fetches.Load(), "one fetch per host within the TTL")

	m.Allowed(ctx, "other.com", "/news")
	assert.EqualValues(t, 2, fetches.Load())
}

func TestInvalidate_ForcesRefetch(t *testing.T) {
	var fetches atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		w.Write([]byte("User-agent: *\nDisallow:\n"))
	}))
	defer server.Close()

	m := newTestManager(t, server)
	ctx := context.Background()

	m.Allowed(ctx, "example.com", "/")
	m.Invalidate("example.com")
	m.Allowed(ctx, "example.com", "/")
	assert.EqualValues(t, 2, fetches.Load())
}
