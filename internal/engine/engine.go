// Package engine runs crawls: it owns the worker loop that leases queued
// URLs, fetches them through the pipeline, classifies the results, and
// feeds discovery back into the queue.
package engine

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/newsatlas/crawler/internal/browser"
	"github.com/newsatlas/crawler/internal/common/config"
	"github.com/newsatlas/crawler/internal/common/configtypes"
	"github.com/newsatlas/crawler/internal/discovery"
	"github.com/newsatlas/crawler/internal/domainmode"
	"github.com/newsatlas/crawler/internal/fetch"
	"github.com/newsatlas/crawler/internal/gazetteer"
	"github.com/newsatlas/crawler/internal/hubprobe"
	"github.com/newsatlas/crawler/internal/metrics"
	"github.com/newsatlas/crawler/internal/predict"
	"github.com/newsatlas/crawler/internal/proxy"
	"github.com/newsatlas/crawler/internal/queue"
	"github.com/newsatlas/crawler/internal/ratelimit"
	"github.com/newsatlas/crawler/internal/resilience"
	"github.com/newsatlas/crawler/internal/robots"
	"github.com/newsatlas/crawler/internal/store"
	"github.com/newsatlas/crawler/internal/telemetry"
	"github.com/newsatlas/crawler/internal/validate"
	"github.com/newsatlas/crawler/pkg/types"
)

// Worker-loop defaults.
const (
	DefaultWorkers     = 4
	MaxAutoWorkers     = 16
	DefaultLeaseMaxAge = 5 * time.Minute
	janitorInterval    = 30 * time.Second
	idlePollInterval   = 200 * time.Millisecond
	deferRetryAfter    = time.Minute
	maxLinksPerPage    = 200
)

// Components are the collaborators an Engine runs with. Store, Queue, and
// Pipeline are required; everything else degrades gracefully when nil.
type Components struct {
	Store      *store.Store
	Queue      *queue.Orchestrator
	Pipeline   *fetch.Pipeline
	Predictor  *predict.Predictor
	Learner    *predict.Learner
	Prober     *hubprobe.Prober
	Archive    *discovery.ArchiveProber
	Pagination *discovery.PaginationPredictor
	Seeder     *discovery.HubSeeder
	Gazetteer  *gazetteer.Index
	Domains    *domainmode.Manager
	Browser    *browser.Pool
	Stall      *resilience.StallDetector
	Emitter    telemetry.Emitter
	Hub        *telemetry.Hub
	Metrics    *metrics.CrawlerMetrics
}

// Engine drives crawl runs over a wired component set.
type Engine struct {
	cfg    *configtypes.CrawlerConfig
	c      Components
	logger *zap.Logger
}

// New assembles an engine from pre-built components.
func New(cfg *configtypes.CrawlerConfig, c Components, logger *zap.Logger) (*Engine, error) {
	if c.Store == nil || c.Queue == nil || c.Pipeline == nil {
		return nil, fmt.Errorf("engine: store, queue, and pipeline are required")
	}
	if c.Emitter == nil {
		c.Emitter = telemetry.NoopEmitter{}
	}
	if c.Pagination == nil {
		c.Pagination = discovery.NewPaginationPredictor(
			cfg.Discovery.MaxSpeculativePages, cfg.Discovery.SpeculativeTTL.ToDuration())
	}
	return &Engine{cfg: cfg, c: c, logger: logger}, nil
}

// Build wires the full production component set from configuration. The
// returned engine owns the store and must be closed.
func Build(mgr *config.Manager, logger *zap.Logger) (*Engine, error) {
	cfg := mgr.Config()

	s, err := store.Open(cfg.Database, logger)
	if err != nil {
		return nil, err
	}

	var cm *metrics.CrawlerMetrics
	if cfg.Metrics.Enabled {
		cm = metrics.NewCrawlerMetrics(cfg.Metrics.Namespace, logger)
	}

	hub := telemetry.NewHub()
	emitter := telemetry.NewMultiEmitter(
		telemetry.NewRecorder(s, cfg.Telemetry, logger),
		telemetry.NewLogEmitter(logger, cfg.Crawl.Verbose),
		hub,
	)

	client, err := buildHTTPClient(cfg, logger)
	if err != nil {
		s.Close()
		return nil, err
	}

	robotsMgr, err := robots.NewManager(client, cfg.Crawl.UserAgent, logger)
	if err != nil {
		s.Close()
		return nil, err
	}

	limiter := ratelimit.NewLimiter(cfg.Politeness, delayFloor(mgr.HostFor, robotsMgr), emitter, logger)
	breakers := resilience.NewBreakerSet(cfg.Resilience, emitter, logger)
	stall := resilience.NewStallDetector(cfg.Resilience, breakers, emitter, logger)
	stall.SetQueueDepthFn(func() int64 {
		counts, err := s.QueueStateCounts()
		if err != nil {
			return -1
		}
		return counts[types.QueueQueued]
	})

	validator, err := validate.New(cfg.Validator)
	if err != nil {
		s.Close()
		return nil, err
	}

	domains, err := domainmode.NewManager(cfg.Domains, emitter, logger)
	if err != nil {
		s.Close()
		return nil, err
	}

	var pool *browser.Pool
	if cfg.Browser.PoolSize != "" && cfg.Browser.PoolSize != "0" {
		pool, err = browser.NewPool(browser.NewConfig(cfg.Browser, cfg.Crawl.UserAgent), emitter, logger)
		if err != nil {
			logger.Warn("Headless pool unavailable, continuing without it", zap.Error(err))
			pool = nil
		}
	}

	pipeline := fetch.NewPipeline(cfg.Crawl, cfg.Storage, fetch.Deps{
		Store:     s,
		Limiter:   limiter,
		Breakers:  breakers,
		Stall:     stall,
		Validator: validator,
		Pool:      pool,
		Domains:   domains,
		Robots:    robotsMgr,
		Emitter:   emitter,
		Metrics:   cm,
		Client:    client,
	}, logger)

	predictor := predict.NewPredictor(s, logger)
	learner := predict.NewLearner(s, cfg.Predictor, emitter, logger)
	orch := queue.NewOrchestrator(s, predictor, cfg.Queue, mgr.HostFor, emitter, logger)

	idx, err := gazetteer.NewIndex(s)
	if err != nil {
		s.Close()
		return nil, err
	}

	c := Components{
		Store:      s,
		Queue:      orch,
		Pipeline:   pipeline,
		Predictor:  predictor,
		Learner:    learner,
		Prober:     hubprobe.NewProber(s, &probeFetcher{pipeline: pipeline, store: s}, cfg.HubProbe, emitter, logger),
		Archive:    discovery.NewArchiveProber(orch, cfg.Discovery, emitter, logger),
		Pagination: discovery.NewPaginationPredictor(cfg.Discovery.MaxSpeculativePages, cfg.Discovery.SpeculativeTTL.ToDuration()),
		Seeder:     discovery.NewHubSeeder(s, idx, emitter, logger),
		Gazetteer:  idx,
		Domains:    domains,
		Browser:    pool,
		Stall:      stall,
		Emitter:    emitter,
		Hub:        hub,
		Metrics:    cm,
	}
	return New(cfg, c, logger)
}

// delayFloor builds the limiter's per-host floor: the configured per-host
// minimum or the robots.txt Crawl-delay, whichever is longer.
func delayFloor(hostFor func(string) *configtypes.HostConfig, robotsMgr *robots.Manager) ratelimit.FloorFunc {
	return func(host string) time.Duration {
		var floor time.Duration
		if hc := hostFor(host); hc != nil && hc.MinDelay != nil {
			floor = hc.MinDelay.ToDuration()
		}
		if d := robotsMgr.CrawlDelay(context.Background(), host); d > floor {
			floor = d
		}
		return floor
	}
}

// buildHTTPClient returns the fetch client, routed through the proxy
// manager when one is configured.
func buildHTTPClient(cfg *configtypes.CrawlerConfig, logger *zap.Logger) (*http.Client, error) {
	timeout := cfg.Crawl.FetchTimeout.ToDuration()
	if timeout <= 0 {
		timeout = fetch.DefaultFetchTimeout
	}
	client := &http.Client{Timeout: timeout}

	if cfg.Proxies != nil && len(cfg.Proxies.Providers) > 0 {
		pm := proxy.NewManager(cfg.Proxies, logger)
		client.Transport = pm.Transport(nil)
	}
	return client, nil
}

// probeFetcher adapts the fetch pipeline to the depth prober. Probe fetches
// go through the full pipeline, so they respect politeness and leave
// evidence rows like any other download.
type probeFetcher struct {
	pipeline *fetch.Pipeline
	store    *store.Store
}

func (f *probeFetcher) FetchPage(ctx context.Context, rawURL string) (*hubprobe.Page, error) {
	u, err := f.store.EnsureURL(rawURL, time.Now())
	if err != nil {
		return nil, err
	}
	result, err := f.pipeline.Fetch(ctx, u, fetch.KindHub)
	if err != nil {
		return nil, err
	}
	return &hubprobe.Page{
		Status:   result.Status,
		Body:     result.Body,
		FinalURL: result.FinalURL,
	}, nil
}

// Store exposes the underlying store for callers that need direct reads.
func (e *Engine) Store() *store.Store { return e.c.Store }

// Queue exposes the queue orchestrator.
func (e *Engine) Queue() *queue.Orchestrator { return e.c.Queue }

// Prober exposes the hub depth prober.
func (e *Engine) Prober() *hubprobe.Prober { return e.c.Prober }

// Seeder exposes the gazetteer hub seeder.
func (e *Engine) Seeder() *discovery.HubSeeder { return e.c.Seeder }

// Learner exposes the pattern learner.
func (e *Engine) Learner() *predict.Learner { return e.c.Learner }

// Hub exposes the streaming event hub.
func (e *Engine) Hub() *telemetry.Hub { return e.c.Hub }

// Metrics exposes the metrics collector; nil when metrics are disabled.
func (e *Engine) Metrics() *metrics.CrawlerMetrics { return e.c.Metrics }

// Close releases everything the engine owns: browser sessions, domain
// state, buffered telemetry, and finally the store.
func (e *Engine) Close() error {
	if e.c.Learner != nil {
		e.c.Learner.Stop()
	}
	if e.c.Browser != nil {
		if err := e.c.Browser.Shutdown(); err != nil {
			e.logger.Warn("Browser pool shutdown failed", zap.Error(err))
		}
	}
	if e.c.Domains != nil {
		if err := e.c.Domains.Save(); err != nil {
			e.logger.Warn("Domain state save failed", zap.Error(err))
		}
	}
	if err := e.c.Emitter.Close(); err != nil {
		e.logger.Warn("Emitter close failed", zap.Error(err))
	}
	return e.c.Store.Close()
}

// workers resolves the worker count: a number, or "auto" which sizes from
// the live host spread so one slow domain cannot hold every slot.
func (e *Engine) workers() int {
	raw := e.cfg.Crawl.Workers
	if raw == "" {
		return DefaultWorkers
	}
	if raw == "auto" {
		hosts, err := e.c.Store.ActiveHosts()
		if err != nil || len(hosts) == 0 {
			return DefaultWorkers
		}
		n := len(hosts)
		if n < 2 {
			n = 2
		}
		if n > MaxAutoWorkers {
			n = MaxAutoWorkers
		}
		return n
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return DefaultWorkers
	}
	return n
}
