// Package browser runs the bounded headless-browser session pool. Hosts
// that block plain HTTP fetches go through here; the classifier's rendered
// stage also borrows sessions for DOM inspection.
package browser

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// SessionStatus is the state of one browser session.
type SessionStatus int32

const (
	// StatusIdle means the session is in the pool, ready for a page.
	StatusIdle SessionStatus = iota
	// StatusRendering means the session is leased and loading a page.
	StatusRendering
	// StatusRestarting means the session is being relaunched.
	StatusRestarting
	// StatusDead means the session crashed or was terminated.
	StatusDead
)

// String returns the status label.
func (s SessionStatus) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusRendering:
		return "rendering"
	case StatusRestarting:
		return "restarting"
	case StatusDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Session is a single headless browser process owned by the pool.
type Session struct {
	ID        int
	ctx       context.Context
	cancel    context.CancelFunc
	allocCtx  context.Context
	allocStop context.CancelFunc
	createdAt time.Time
	logger    *zap.Logger
	userAgent string

	// Mutable fields, atomic access only.
	status       int32
	pagesDone    int32
	lastUsedNano int64
	currentURL   string
}

// Request describes one page load.
type Request struct {
	URL string
	// WaitFor is the lifecycle event rendering waits for:
	// DOMContentLoaded, load, networkIdle, networkAlmostIdle.
	WaitFor string
	Timeout time.Duration
	// CollectDOMMetrics also evaluates the rendered-stage DOM counters.
	CollectDOMMetrics bool
}

// Result is the outcome of one page load.
type Result struct {
	HTML       string
	StatusCode int
	FinalURL   string
	LoadTime   time.Duration
	TimedOut   bool
	DOMMetrics *DOMMetrics
}

// DOMMetrics are rendered-page counters used by the classification
// cascade's final stage.
type DOMMetrics struct {
	ArticleTags    int     `json:"article_tags"`
	Paragraphs     int     `json:"paragraphs"`
	Links          int     `json:"links"`
	TextLength     int     `json:"text_length"`
	LinkDensity    float64 `json:"link_density"`
	HasJSONLDNews  bool    `json:"has_jsonld_news"`
	HasArticleTime bool    `json:"has_article_time"`
}

// PoolStats is a point-in-time snapshot of the pool.
type PoolStats struct {
	TotalSessions     int
	AvailableSessions int
	ActiveSessions    int
	TotalPages        int64
	TotalRetirements  int64
	Uptime            time.Duration
}

// Render errors.
var (
	ErrWaitTimeout    = errors.New("wait timeout exceeded")
	ErrNavigateFailed = errors.New("navigation failed")
	ErrExtractHTML    = errors.New("HTML extraction failed")
)

// Pool errors.
var (
	ErrPoolShutdown   = errors.New("pool is shutting down")
	ErrAcquireTimeout = errors.New("no browser session available")
	ErrSessionDead    = errors.New("browser session is dead")
	ErrRestartFailed  = errors.New("browser restart failed")
)
