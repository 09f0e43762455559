// Package robots fetches, parses, and caches robots.txt per host. The
// politeness scheduler reads Crawl-delay from here; the queue orchestrator
// checks Allowed before admitting URLs; the fetch pipeline re-checks at
// fetch time and treats a disallow as a hard validation failure.
package robots

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/maypok86/otter"
	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	// cacheTTL bounds how long parsed rules are trusted before a refetch.
	cacheTTL = time.Hour
	// maxBodyBytes caps robots.txt reads; anything larger is truncated.
	maxBodyBytes = 512 * 1024
	// maxCachedHosts bounds the rules cache.
	maxCachedHosts = 10_000
)

type entry struct {
	data      *robotstxt.RobotsData
	fetchedAt time.Time
}

// Manager resolves robots.txt rules per host. Concurrent lookups for the
// same host collapse into one fetch via singleflight; parsed rules are held
// in a bounded TTL cache.
type Manager struct {
	client    *http.Client
	userAgent string
	cache     otter.Cache[string, entry]
	group     singleflight.Group
	logger    *zap.Logger
}

// NewManager creates a Manager using the given HTTP client.
func NewManager(client *http.Client, userAgent string, logger *zap.Logger) (*Manager, error) {
	cache, err := otter.MustBuilder[string, entry](maxCachedHosts).
		Cost(func(_ string, _ entry) uint32 { return 1 }).
		WithTTL(cacheTTL).
		Build()
	if err != nil {
		return nil, fmt.Errorf("robots: build cache: %w", err)
	}
	return &Manager{
		client:    client,
		userAgent: userAgent,
		cache:     cache,
		logger:    logger,
	}, nil
}

// Allowed reports whether the crawler may fetch the given path on host.
// Unreachable or unparsable robots.txt allows everything, matching the
// standard's defaults.
func (m *Manager) Allowed(ctx context.Context, host, path string) bool {
	g := m.matcher(ctx, host)
	if g == nil {
		return true
	}
	return g.Test(path)
}

// CrawlDelay returns the Crawl-delay directive for host, or zero when none
// is declared. The rate limiter raises its floor to this value.
func (m *Manager) CrawlDelay(ctx context.Context, host string) time.Duration {
	g := m.matcher(ctx, host)
	if g == nil {
		return 0
	}
	return g.CrawlDelay
}

func (m *Manager) matcher(ctx context.Context, host string) *robotstxt.Group {
	data := m.rules(ctx, host)
	if data == nil {
		return nil
	}
	return data.FindGroup(m.userAgent)
}

// rules returns parsed robots data for host, fetching on cache miss. A nil
// return means "no usable robots.txt": callers allow everything.
func (m *Manager) rules(ctx context.Context, host string) *robotstxt.RobotsData {
	if e, ok := m.cache.Get(host); ok {
		return e.data
	}

	v, err, _ := m.group.Do(host, func() (interface{}, error) {
		// Re-check: another flight may have populated the cache.
		if e, ok := m.cache.Get(host); ok {
			return e.data, nil
		}
		data := m.fetch(ctx, host)
		m.cache.Set(host, entry{data: data, fetchedAt: time.Now().UTC()})
		return data, nil
	})
	if err != nil || v == nil {
		return nil
	}
	return v.(*robotstxt.RobotsData)
}

func (m *Manager) fetch(ctx context.Context, host string) *robotstxt.RobotsData {
	url := "https://" + host + "/robots.txt"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil
	}
	req.Header.Set("User-Agent", m.userAgent)

	resp, err := m.client.Do(req)
	if err != nil {
		m.logger.Debug("robots.txt fetch failed",
			zap.String("host", host), zap.Error(err))
		return nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil
	}

	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		m.logger.Debug("robots.txt parse failed",
			zap.String("host", host), zap.Error(err))
		return nil
	}
	return data
}

// Invalidate drops the cached rules for a host, forcing a refetch on the
// next lookup.
func (m *Manager) Invalidate(host string) {
	m.cache.Delete(host)
}
