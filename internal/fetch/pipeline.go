// Package fetch executes the crawl pipeline for a single URL: breaker
// check, politeness token, HTTP fetch with conditional headless escalation,
// content validation, and atomic evidence persistence. Every network
// attempt leaves exactly one http_responses row; cache hits leave none.
package fetch

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/newsatlas/crawler/internal/browser"
	"github.com/newsatlas/crawler/internal/common/configtypes"
	"github.com/newsatlas/crawler/internal/domainmode"
	"github.com/newsatlas/crawler/internal/metrics"
	"github.com/newsatlas/crawler/internal/ratelimit"
	"github.com/newsatlas/crawler/internal/resilience"
	"github.com/newsatlas/crawler/internal/robots"
	"github.com/newsatlas/crawler/internal/store"
	"github.com/newsatlas/crawler/internal/telemetry"
	"github.com/newsatlas/crawler/internal/validate"
	"github.com/newsatlas/crawler/pkg/types"
)

// DefaultFetchTimeout bounds one HTTP attempt.
const DefaultFetchTimeout = 30 * time.Second

// DefaultMaxAgeHub is the cache-freshness window for hub-kind URLs.
const DefaultMaxAgeHub = 10 * time.Minute

// maxBodyBytes caps how much of a response body is read.
const maxBodyBytes = 10 << 20

// KindHint tells the pipeline whether the URL is archive-like, which
// controls the cache-freshness window.
type KindHint int

// KindHint values
const (
	// KindArticle content does not go stale: any cached copy satisfies.
	KindArticle KindHint = iota
	// KindHub content paginates forward: cached copies expire after MaxAgeHub.
	KindHub
)

// Pipeline runs fetches. All collaborators are injected; pool may be nil
// (no headless path available), metrics may be nil.
type Pipeline struct {
	client    *http.Client
	store     *store.Store
	limiter   *ratelimit.Limiter
	breakers  *resilience.BreakerSet
	stall     *resilience.StallDetector
	validator *validate.Validator
	pool      *browser.Pool
	domains   *domainmode.Manager
	robots    *robots.Manager
	emitter   telemetry.Emitter
	metrics   *metrics.CrawlerMetrics
	cfg       configtypes.CrawlConfig
	compress  string
	logger    *zap.Logger
	clock     func() time.Time
}

// Deps bundles the pipeline's collaborators.
type Deps struct {
	Store     *store.Store
	Limiter   *ratelimit.Limiter
	Breakers  *resilience.BreakerSet
	Stall     *resilience.StallDetector
	Validator *validate.Validator
	Pool      *browser.Pool
	Domains   *domainmode.Manager
	Robots    *robots.Manager
	Emitter   telemetry.Emitter
	Metrics   *metrics.CrawlerMetrics
	Client    *http.Client
}

// NewPipeline builds a Pipeline from config and collaborators.
func NewPipeline(cfg configtypes.CrawlConfig, storageCfg configtypes.StorageConfig, deps Deps, logger *zap.Logger) *Pipeline {
	client := deps.Client
	if client == nil {
		timeout := cfg.FetchTimeout.ToDuration()
		if timeout <= 0 {
			timeout = DefaultFetchTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	emitter := deps.Emitter
	if emitter == nil {
		emitter = telemetry.NoopEmitter{}
	}
	return &Pipeline{
		client:    client,
		store:     deps.Store,
		limiter:   deps.Limiter,
		breakers:  deps.Breakers,
		stall:     deps.Stall,
		validator: deps.Validator,
		pool:      deps.Pool,
		domains:   deps.Domains,
		robots:    deps.Robots,
		emitter:   emitter,
		metrics:   deps.Metrics,
		cfg:       cfg,
		compress:  storageCfg.Compression,
		logger:    logger,
		clock:     time.Now,
	}
}

// Fetch runs the full pipeline for one URL.
func (p *Pipeline) Fetch(ctx context.Context, u *store.URLRow, kind KindHint) (*Result, error) {
	host := u.Host

	if p.breakers != nil && !p.breakers.ShouldAttempt(host) {
		p.emitter.Emit(telemetry.Event{
			Type:     telemetry.EventPageFailed,
			Severity: telemetry.SeverityWarn,
			Scope:    "fetch",
			Target:   u.Normalized,
			Payload:  map[string]any{"category": "breaker-open"},
		})
		return &Result{Outcome: OutcomeDeferred, Reason: "breaker open"}, nil
	}

	if cached := p.tryCache(u, kind); cached != nil {
		return cached, nil
	}

	if p.robots != nil && !p.robots.Allowed(ctx, host, u.Path) {
		// Intentional skip: no network attempt, no evidence row.
		return &Result{
			Outcome:      OutcomeSkipped,
			FailureClass: types.FailureHard,
			Reason:       "robots disallow",
		}, nil
	}

	lease, err := p.limiter.Acquire(ctx, host)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	if p.domains != nil && p.domains.ShouldUseHeadless(host) {
		return p.headlessAttempt(ctx, u, types.FetchSource(""))
	}

	return p.httpAttempt(ctx, u)
}

// tryCache serves a URL from storage when a fresh-enough verified copy
// exists. Hub copies expire after MaxAgeHub; article copies never do.
func (p *Pipeline) tryCache(u *store.URLRow, kind KindHint) *Result {
	resp, err := p.store.LatestVerifiedResponse(u.ID)
	if err != nil || resp == nil {
		return nil
	}
	if kind == KindHub {
		maxAge := p.cfg.MaxAgeHub.ToDuration()
		if maxAge <= 0 {
			maxAge = DefaultMaxAgeHub
		}
		if p.clock().Sub(resp.FetchedAt) >= maxAge {
			return nil
		}
	}
	body, contentID, err := p.store.ContentBody(resp.ID)
	if err != nil || len(body) == 0 {
		return nil
	}

	if p.metrics != nil {
		p.metrics.RecordCacheHit(u.Host)
	}
	p.emitPage(u, types.SourceCache, resp.Status, int64(len(body)), 0)
	return &Result{
		Outcome:    OutcomeCached,
		ResponseID: resp.ID,
		ContentID:  contentID,
		Status:     resp.Status,
		Source:     types.SourceCache,
		Body:       body,
	}
}

// httpAttempt is the plain network path, escalating to headless at most
// once on soft failure or connection-class errors.
func (p *Pipeline) httpAttempt(ctx context.Context, u *store.URLRow) (*Result, error) {
	timeout := p.cfg.FetchTimeout.ToDuration()
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u.Normalized, nil)
	if err != nil {
		return &Result{Outcome: OutcomeFailed, FailureClass: types.FailureHard, Reason: "bad url"}, nil
	}
	if p.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", p.cfg.UserAgent)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	var ttfb time.Duration
	started := p.clock()
	trace := &httptrace.ClientTrace{
		GotFirstResponseByte: func() { ttfb = time.Since(started) },
	}
	req = req.WithContext(httptrace.WithClientTrace(reqCtx, trace))

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return p.transportFailure(ctx, u, err, started)
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	downloadTime := time.Since(started)
	if readErr != nil && len(body) == 0 {
		return p.transportFailure(ctx, u, readErr, started)
	}
	contentType := resp.Header.Get("Content-Type")

	// resp.Request reflects the last request in the redirect chain.
	finalURL := u.Normalized
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	return p.conclude(ctx, u, attempt{
		source:      types.SourceNetwork,
		status:      resp.StatusCode,
		body:        body,
		contentType: contentType,
		finalURL:    finalURL,
		ttfb:        ttfb,
		download:    downloadTime,
		canEscalate: true,
	})
}

// transportFailure handles connection-reset / TLS / timeout class errors on
// the HTTP path: the failure feeds the breaker and the domain-mode manager,
// and when that promotes the host the attempt continues through headless.
func (p *Pipeline) transportFailure(ctx context.Context, u *store.URLRow, cause error, started time.Time) (*Result, error) {
	host := u.Host
	detail := errorDetail(cause)

	if p.breakers != nil {
		p.breakers.RecordFailure(host)
	}
	if p.stall != nil {
		p.stall.RecordHostError(host, detail)
	}
	if p.metrics != nil {
		p.metrics.RecordError(detail, host)
	}
	if p.domains != nil && isConnectionClass(cause) {
		p.domains.RecordConnectionReset(host, cause.Error())
		if p.domains.ShouldUseHeadless(host) && p.pool != nil {
			return p.headlessAttempt(ctx, u, types.SourceNetwork)
		}
	}

	// Failed attempts still leave evidence: a row with no bytes.
	responseID := p.recordFailure(u, 0, cause.Error(), time.Since(started))
	p.emitter.Emit(telemetry.Event{
		Type:     telemetry.EventPageFailed,
		Severity: telemetry.SeverityError,
		Scope:    "fetch",
		Target:   u.Normalized,
		Payload:  map[string]any{"category": detail},
	})
	return &Result{
		Outcome:      OutcomeFailed,
		ResponseID:   responseID,
		FailureClass: types.FailureSoft,
		Source:       types.SourceNetwork,
		Reason:       cause.Error(),
	}, nil
}

// attempt is the raw material of one fetch attempt before validation.
type attempt struct {
	source      types.FetchSource
	status      int
	body        []byte
	contentType string
	finalURL    string
	ttfb        time.Duration
	download    time.Duration
	canEscalate bool
}

// conclude validates an attempt and persists the verdict.
func (p *Pipeline) conclude(ctx context.Context, u *store.URLRow, a attempt) (*Result, error) {
	host := u.Host

	if a.status == 429 || a.status == 503 {
		p.limiter.RecordThrottle(host)
		if p.metrics != nil {
			p.metrics.RecordThrottle(host)
		}
	}

	verdict := p.validator.Check(u.Normalized, a.status, a.body, a.contentType)

	// 401/403 on a host not previously routed through headless may be TLS or
	// bot fingerprinting; probe once through the browser before giving up.
	escalate := verdict.FailureClass == types.FailureSoft ||
		((a.status == 401 || a.status == 403) && p.domains != nil && p.domains.Tier(host) == types.TierNone)

	if !verdict.Accepted && escalate && a.canEscalate && a.source == types.SourceNetwork && p.pool != nil {
		return p.headlessAttempt(ctx, u, a.source)
	}

	if !verdict.Accepted {
		if verdict.FailureClass == types.FailureHard && p.breakers != nil {
			p.breakers.RecordFailure(host)
		}
		if p.stall != nil {
			p.stall.RecordHostError(host, verdict.Reason)
		}
		responseID := p.recordFailureStatus(u, a)
		p.emitter.Emit(telemetry.Event{
			Type:       telemetry.EventPageFailed,
			Severity:   telemetry.SeverityWarn,
			Scope:      "fetch",
			Target:     u.Normalized,
			HTTPStatus: a.status,
			Payload: map[string]any{
				"category": string(verdict.FailureClass),
				"reason":   verdict.Reason,
				"source":   string(a.source),
			},
		})
		return &Result{
			Outcome:      OutcomeFailed,
			ResponseID:   responseID,
			Status:       a.status,
			Source:       a.source,
			FinalURL:     a.finalURL,
			FailureClass: verdict.FailureClass,
			Reason:       verdict.Reason,
		}, nil
	}

	responseID, contentID, err := p.store.RecordResponse(store.ResponseRecord{
		URLID:       u.ID,
		Status:      a.status,
		Bytes:       int64(len(a.body)),
		ContentType: a.contentType,
		TTFB:        a.ttfb,
		Download:    a.download,
		Source:      a.source,
		FetchedAt:   p.clock(),
		Body:        a.body,
		Compression: p.compress,
	})
	if err != nil {
		// Persistence failure is fatal to the item, not the worker.
		p.logger.Error("Evidence write failed",
			zap.String("url", u.Normalized), zap.Error(err))
		return &Result{Outcome: OutcomeFailed, FailureClass: types.FailureSoft, Reason: "persistence failure"}, nil
	}

	if p.breakers != nil {
		p.breakers.RecordSuccess(host)
	}
	p.limiter.RecordSuccess(host)
	if p.stall != nil {
		p.stall.Beat()
	}
	if p.metrics != nil {
		p.metrics.RecordFetch(host, string(a.source), a.status, a.download)
		p.metrics.RecordDownloadedBytes(host, string(a.source), int64(len(a.body)))
		if a.ttfb > 0 {
			p.metrics.RecordTTFB(host, a.ttfb)
		}
	}
	p.emitPage(u, a.source, a.status, int64(len(a.body)), a.download)

	return &Result{
		Outcome:    OutcomeFetched,
		ResponseID: responseID,
		ContentID:  contentID,
		Status:     a.status,
		Source:     a.source,
		FinalURL:   a.finalURL,
		Body:       a.body,
	}, nil
}

// headlessAttempt renders the page through the browser pool. escalatedFrom
// is the source of the attempt that failed into this one, empty when the
// domain mode routed here directly.
func (p *Pipeline) headlessAttempt(ctx context.Context, u *store.URLRow, escalatedFrom types.FetchSource) (*Result, error) {
	if p.pool == nil {
		return &Result{Outcome: OutcomeFailed, FailureClass: types.FailureSoft, Reason: "headless pool unavailable"}, nil
	}

	session, err := p.pool.Acquire(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return &Result{Outcome: OutcomeFailed, FailureClass: types.FailureSoft, Reason: "pool: " + err.Error()}, nil
	}
	defer p.pool.Release(session)

	started := p.clock()
	rendered, err := session.Render(ctx, &browser.Request{URL: u.Normalized})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if p.breakers != nil {
			p.breakers.RecordFailure(u.Host)
		}
		responseID := p.recordFailure(u, 0, "render: "+err.Error(), time.Since(started))
		p.emitter.Emit(telemetry.Event{
			Type:     telemetry.EventPageFailed,
			Severity: telemetry.SeverityError,
			Scope:    "fetch",
			Target:   u.Normalized,
			Payload:  map[string]any{"category": "render-error", "escalated_from": string(escalatedFrom)},
		})
		return &Result{
			Outcome:      OutcomeFailed,
			ResponseID:   responseID,
			Source:       types.SourceHeadless,
			FailureClass: types.FailureSoft,
			Reason:       err.Error(),
		}, nil
	}

	status := rendered.StatusCode
	if status == 0 {
		status = 200
	}
	return p.conclude(ctx, u, attempt{
		source:      types.SourceHeadless,
		status:      status,
		body:        []byte(rendered.HTML),
		contentType: "text/html",
		finalURL:    rendered.FinalURL,
		download:    rendered.LoadTime,
		canEscalate: false,
	})
}

// recordFailureStatus persists the evidence row for a validated-but-rejected
// attempt: status and byte count recorded, no content row for empty bodies.
func (p *Pipeline) recordFailureStatus(u *store.URLRow, a attempt) int64 {
	responseID, _, err := p.store.RecordResponse(store.ResponseRecord{
		URLID:       u.ID,
		Status:      a.status,
		Bytes:       0,
		ContentType: a.contentType,
		TTFB:        a.ttfb,
		Download:    a.download,
		Source:      a.source,
		ErrorDetail: "",
		FetchedAt:   p.clock(),
	})
	if err != nil {
		p.logger.Error("Failure evidence write failed",
			zap.String("url", u.Normalized), zap.Error(err))
		return 0
	}
	return responseID
}

func (p *Pipeline) recordFailure(u *store.URLRow, status int, detail string, elapsed time.Duration) int64 {
	responseID, _, err := p.store.RecordResponse(store.ResponseRecord{
		URLID:       u.ID,
		Status:      status,
		Bytes:       0,
		Download:    elapsed,
		Source:      types.SourceNetwork,
		ErrorDetail: detail,
		FetchedAt:   p.clock(),
	})
	if err != nil {
		p.logger.Error("Failure evidence write failed",
			zap.String("url", u.Normalized), zap.Error(err))
		return 0
	}
	return responseID
}

// emitPage writes the one PAGE line every fetched URL produces.
func (p *Pipeline) emitPage(u *store.URLRow, source types.FetchSource, status int, bytes int64, download time.Duration) {
	p.emitter.Emit(telemetry.Event{
		Type:       telemetry.EventPageFetched,
		Scope:      "fetch",
		Target:     u.Normalized,
		HTTPStatus: status,
		Duration:   download,
		ItemCount:  bytes,
		Payload: map[string]any{
			"source": string(source),
		},
	})
	if p.cfg.Verbose && p.logger != nil {
		p.logger.Info("PAGE",
			zap.String("url", u.Normalized),
			zap.String("source", string(source)),
			zap.Int64("bytes", bytes),
			zap.Int("status", status),
			zap.Duration("download", download))
	}
}

// isConnectionClass reports whether the error is in the connection-reset
// family that drives domain-mode auto-learn.
func isConnectionClass(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := err.Error()
	for _, marker := range []string{
		"connection reset",
		"connection refused",
		"broken pipe",
		"tls:",
		"EOF",
		"handshake failure",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// errorDetail maps a transport error to a telemetry category.
func errorDetail(err error) string {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		err = urlErr.Err
	}
	var netErr net.Error
	switch {
	case errors.As(err, &netErr) && netErr.Timeout():
		return "timeout"
	case strings.Contains(err.Error(), "connection reset"):
		return "connection-reset"
	case strings.Contains(err.Error(), "no such host"):
		return "dns"
	case strings.Contains(err.Error(), "tls"):
		return "tls"
	default:
		return "network"
	}
}

// VerifiedCount counts evidence rows in a window. verified-crawl reports
// from this, never from in-memory counters.
func (p *Pipeline) VerifiedCount(start, end time.Time) (int64, error) {
	return p.store.VerifiedCount(start, end)
}
