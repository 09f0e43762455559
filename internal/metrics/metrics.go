// Package metrics provides Prometheus-based metrics collection for the
// crawler. All recording methods are cheap and safe to call from worker
// goroutines; the /metrics endpoint is served through fasthttpadaptor.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.uber.org/zap"
)

// CrawlerMetrics collects crawl-side metrics: fetch outcomes, queue depth,
// breaker transitions, browser pool occupancy and telemetry flushes.
type CrawlerMetrics struct {
	// Fetch metrics
	fetchesTotal  *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	fetchBytes    *prometheus.CounterVec
	ttfbDuration  *prometheus.HistogramVec

	// Cache metrics
	cacheHitsTotal   *prometheus.CounterVec
	cacheMissesTotal *prometheus.CounterVec
	cacheHitRatio    *prometheus.GaugeVec

	// Queue metrics
	queueDepth    *prometheus.GaugeVec
	leasesTotal   *prometheus.CounterVec
	admittedTotal *prometheus.CounterVec
	skippedTotal  *prometheus.CounterVec

	// Resilience metrics
	breakerState      *prometheus.GaugeVec
	breakerTripsTotal *prometheus.CounterVec
	throttleTotal     *prometheus.CounterVec
	hostDelay         *prometheus.GaugeVec

	// Browser pool metrics
	poolSize        prometheus.Gauge
	poolBusy        prometheus.Gauge
	sessionsRetired *prometheus.CounterVec
	renderDuration  *prometheus.HistogramVec

	// Classification metrics
	classificationsTotal *prometheus.CounterVec
	predictionsTotal     *prometheus.CounterVec

	// Telemetry metrics
	eventsFlushedTotal prometheus.Counter
	eventsDroppedTotal prometheus.Counter

	errorsTotal *prometheus.CounterVec

	logger      *zap.Logger
	httpHandler func(*fasthttp.RequestCtx)
}

// NewCrawlerMetrics creates a collector registered on the default registry.
func NewCrawlerMetrics(namespace string, logger *zap.Logger) *CrawlerMetrics {
	return NewCrawlerMetricsWithRegistry(namespace, prometheus.DefaultRegisterer, logger)
}

// NewCrawlerMetricsWithRegistry creates a collector on a custom registry.
// Tests use this to avoid duplicate-registration panics.
func NewCrawlerMetricsWithRegistry(namespace string, registerer prometheus.Registerer, logger *zap.Logger) *CrawlerMetrics {
	cm := &CrawlerMetrics{
		logger: logger,
	}

	cm.fetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "requests_total",
			Help:      "Total fetch attempts by host, source and status range",
		},
		[]string{"host", "source", "status_range"},
	)

	cm.fetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "duration_seconds",
			Help:      "End-to-end fetch latency by source",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"host", "source"},
	)

	cm.fetchBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "bytes_total",
			Help:      "Total verified bytes downloaded",
		},
		[]string{"host", "source"},
	)

	cm.ttfbDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "ttfb_seconds",
			Help:      "Time to first byte for HTTP fetches",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		},
		[]string{"host"},
	)

	cm.cacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "cache_hits_total",
			Help:      "Fetches served from stored content without a network request",
		},
		[]string{"host"},
	)

	cm.cacheMissesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "cache_misses_total",
			Help:      "Fetches that went to the network",
		},
		[]string{"host"},
	)

	cm.cacheHitRatio = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "cache_hit_ratio",
			Help:      "Cache hit ratio (0-1) per host",
		},
		[]string{"host"},
	)

	cm.queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Queued URLs by state",
		},
		[]string{"state"},
	)

	cm.leasesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "leases_total",
			Help:      "Queue leases by outcome (done, skipped, deferred, stale)",
		},
		[]string{"outcome"},
	)

	cm.admittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "admitted_total",
			Help:      "URLs admitted to the queue by origin (seed, discovered, predicted)",
		},
		[]string{"origin"},
	)

	cm.skippedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "rejected_total",
			Help:      "URLs rejected before enqueue by reason",
		},
		[]string{"reason"},
	)

	cm.breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "state",
			Help:      "Circuit breaker state per host (0=closed, 1=half-open, 2=open)",
		},
		[]string{"host"},
	)

	cm.breakerTripsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "trips_total",
			Help:      "Circuit breaker open transitions per host",
		},
		[]string{"host"},
	)

	cm.throttleTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "throttles_total",
			Help:      "Throttle responses (429/503) per host",
		},
		[]string{"host"},
	)

	cm.hostDelay = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "host_delay_seconds",
			Help:      "Current politeness delay per host",
		},
		[]string{"host"},
	)

	cm.poolSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "browser",
			Name:      "pool_size",
			Help:      "Number of browser sessions in the pool",
		},
	)

	cm.poolBusy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "browser",
			Name:      "pool_busy",
			Help:      "Number of browser sessions currently leased",
		},
	)

	cm.sessionsRetired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "browser",
			Name:      "sessions_retired_total",
			Help:      "Browser sessions retired by reason (max_pages, max_age, unhealthy)",
		},
		[]string{"reason"},
	)

	cm.renderDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "browser",
			Name:      "render_duration_seconds",
			Help:      "Headless render latency",
			Buckets:   []float64{0.5, 1.0, 2.5, 5.0, 10.0, 20.0, 45.0},
		},
		[]string{"host"},
	)

	cm.classificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "classify",
			Name:      "decisions_total",
			Help:      "Final classifications by label and deciding stage",
		},
		[]string{"label", "stage"},
	)

	cm.predictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "predict",
			Name:      "predictions_total",
			Help:      "Predictions by source and verification outcome",
		},
		[]string{"source", "outcome"},
	)

	cm.eventsFlushedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "telemetry",
			Name:      "events_flushed_total",
			Help:      "Telemetry events written to the evidence store",
		},
	)

	cm.eventsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "telemetry",
			Name:      "events_dropped_total",
			Help:      "Telemetry events dropped because the queue was full",
		},
	)

	cm.errorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "crawler",
			Name:      "errors_total",
			Help:      "Errors by type and host",
		},
		[]string{"error_type", "host"},
	)

	registerer.MustRegister(
		cm.fetchesTotal,
		cm.fetchDuration,
		cm.fetchBytes,
		cm.ttfbDuration,
		cm.cacheHitsTotal,
		cm.cacheMissesTotal,
		cm.cacheHitRatio,
		cm.queueDepth,
		cm.leasesTotal,
		cm.admittedTotal,
		cm.skippedTotal,
		cm.breakerState,
		cm.breakerTripsTotal,
		cm.throttleTotal,
		cm.hostDelay,
		cm.poolSize,
		cm.poolBusy,
		cm.sessionsRetired,
		cm.renderDuration,
		cm.classificationsTotal,
		cm.predictionsTotal,
		cm.eventsFlushedTotal,
		cm.eventsDroppedTotal,
		cm.errorsTotal,
	)

	gatherer, ok := registerer.(prometheus.Gatherer)
	if !ok {
		gatherer = prometheus.DefaultGatherer
	}
	cm.httpHandler = fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	logger.Debug("Prometheus metrics initialized")
	return cm
}

// RecordFetch records one fetch attempt with timing.
func (cm *CrawlerMetrics) RecordFetch(host, source string, statusCode int, duration time.Duration) {
	cm.fetchesTotal.WithLabelValues(host, source, statusCodeRange(statusCode)).Inc()
	cm.fetchDuration.WithLabelValues(host, source).Observe(duration.Seconds())
}

// RecordDownloadedBytes adds verified bytes to the per-host counter.
func (cm *CrawlerMetrics) RecordDownloadedBytes(host, source string, n int64) {
	if n > 0 {
		cm.fetchBytes.WithLabelValues(host, source).Add(float64(n))
	}
}

// RecordTTFB records time to first byte for an HTTP fetch.
func (cm *CrawlerMetrics) RecordTTFB(host string, ttfb time.Duration) {
	cm.ttfbDuration.WithLabelValues(host).Observe(ttfb.Seconds())
}

// RecordCacheHit records a fetch served without a network request.
func (cm *CrawlerMetrics) RecordCacheHit(host string) {
	cm.cacheHitsTotal.WithLabelValues(host).Inc()
	cm.updateCacheHitRatio(host)
}

// RecordCacheMiss records a fetch that went to the network.
func (cm *CrawlerMetrics) RecordCacheMiss(host string) {
	cm.cacheMissesTotal.WithLabelValues(host).Inc()
	cm.updateCacheHitRatio(host)
}

// SetQueueDepth updates the queued-URL gauge for a state.
func (cm *CrawlerMetrics) SetQueueDepth(state string, depth int64) {
	cm.queueDepth.WithLabelValues(state).Set(float64(depth))
}

// RecordLease records a completed queue lease by outcome.
func (cm *CrawlerMetrics) RecordLease(outcome string) {
	cm.leasesTotal.WithLabelValues(outcome).Inc()
}

// RecordAdmission records a URL admitted to the queue.
func (cm *CrawlerMetrics) RecordAdmission(origin string) {
	cm.admittedTotal.WithLabelValues(origin).Inc()
}

// RecordRejection records a URL rejected before enqueue.
func (cm *CrawlerMetrics) RecordRejection(reason string) {
	cm.skippedTotal.WithLabelValues(reason).Inc()
}

// SetBreakerState updates the per-host breaker gauge.
// 0=closed, 1=half-open, 2=open.
func (cm *CrawlerMetrics) SetBreakerState(host string, state int) {
	cm.breakerState.WithLabelValues(host).Set(float64(state))
}

// RecordBreakerTrip counts an open transition for a host.
func (cm *CrawlerMetrics) RecordBreakerTrip(host string) {
	cm.breakerTripsTotal.WithLabelValues(host).Inc()
}

// RecordThrottle counts a 429/503 throttle response.
func (cm *CrawlerMetrics) RecordThrottle(host string) {
	cm.throttleTotal.WithLabelValues(host).Inc()
}

// SetHostDelay publishes the current politeness delay for a host.
func (cm *CrawlerMetrics) SetHostDelay(host string, delay time.Duration) {
	cm.hostDelay.WithLabelValues(host).Set(delay.Seconds())
}

// SetPoolOccupancy updates browser pool gauges.
func (cm *CrawlerMetrics) SetPoolOccupancy(size, busy int) {
	cm.poolSize.Set(float64(size))
	cm.poolBusy.Set(float64(busy))
}

// RecordSessionRetired counts a retired browser session.
func (cm *CrawlerMetrics) RecordSessionRetired(reason string) {
	cm.sessionsRetired.WithLabelValues(reason).Inc()
}

// RecordRenderDuration records headless render latency.
func (cm *CrawlerMetrics) RecordRenderDuration(host string, duration time.Duration) {
	cm.renderDuration.WithLabelValues(host).Observe(duration.Seconds())
}

// RecordClassification counts a final classification decision.
func (cm *CrawlerMetrics) RecordClassification(label, stage string) {
	cm.classificationsTotal.WithLabelValues(label, stage).Inc()
}

// RecordPrediction counts a prediction by source and outcome
// (pending, correct, incorrect).
func (cm *CrawlerMetrics) RecordPrediction(source, outcome string) {
	cm.predictionsTotal.WithLabelValues(source, outcome).Inc()
}

// RecordEventsFlushed adds to the flushed-events counter.
func (cm *CrawlerMetrics) RecordEventsFlushed(n int) {
	if n > 0 {
		cm.eventsFlushedTotal.Add(float64(n))
	}
}

// RecordEventDropped counts one dropped telemetry event.
func (cm *CrawlerMetrics) RecordEventDropped() {
	cm.eventsDroppedTotal.Inc()
}

// RecordError records an error by type.
func (cm *CrawlerMetrics) RecordError(errorType, host string) {
	cm.errorsTotal.WithLabelValues(errorType, host).Inc()
}

// ServeHTTP serves Prometheus metrics via fasthttp.
func (cm *CrawlerMetrics) ServeHTTP(ctx *fasthttp.RequestCtx) {
	cm.httpHandler(ctx)
}

func statusCodeRange(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return "2xx"
	case statusCode >= 300 && statusCode < 400:
		return "3xx"
	case statusCode >= 400 && statusCode < 500:
		return "4xx"
	case statusCode >= 500 && statusCode < 600:
		return "5xx"
	default:
		return "unknown"
	}
}

func (cm *CrawlerMetrics) updateCacheHitRatio(host string) {
	hits := cm.counterValue(cm.cacheHitsTotal.WithLabelValues(host))
	misses := cm.counterValue(cm.cacheMissesTotal.WithLabelValues(host))

	total := hits + misses
	if total > 0 {
		cm.cacheHitRatio.WithLabelValues(host).Set(hits / total)
	}
}

func (cm *CrawlerMetrics) counterValue(counter prometheus.Counter) float64 {
	metric := &dto.Metric{}
	if err := counter.Write(metric); err != nil {
		cm.logger.Warn("Failed to read counter value", zap.Error(err))
		return 0
	}
	return metric.GetCounter().GetValue()
}
