// Package resilience keeps a sick host from consuming the crawl. Each host
// gets a circuit breaker (closed, open, half-open) and the engine runs a
// stall detector that reports when no page has completed for too long.
package resilience

import (
	"math/rand"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"

	"github.com/newsatlas/crawler/internal/common/configtypes"
	"github.com/newsatlas/crawler/internal/telemetry"
	"github.com/newsatlas/crawler/pkg/types"
)

type breaker struct {
	mu               sync.Mutex
	state            types.BreakerState
	consecutiveFails int
	openedAt         time.Time
	retryWindow      time.Duration
	// probing marks that the single half-open probe is in flight.
	probing bool
}

// BreakerSet tracks one circuit breaker per host.
type BreakerSet struct {
	cfg      configtypes.ResilienceConfig
	breakers *xsync.Map[string, *breaker]
	emitter  telemetry.Emitter
	logger   *zap.Logger
	clock    func() time.Time
}

// NewBreakerSet creates a BreakerSet.
func NewBreakerSet(cfg configtypes.ResilienceConfig, emitter telemetry.Emitter, logger *zap.Logger) *BreakerSet {
	if emitter == nil {
		emitter = telemetry.NoopEmitter{}
	}
	return &BreakerSet{
		cfg:      cfg,
		breakers: xsync.NewMap[string, *breaker](),
		emitter:  emitter,
		logger:   logger,
		clock:    time.Now,
	}
}

// ShouldAttempt reports whether a request to host may proceed. An open
// breaker whose retry window has elapsed moves to half-open and admits
// exactly one probe; further requests are refused until the probe reports.
func (b *BreakerSet) ShouldAttempt(host string) bool {
	br := b.breaker(host)

	br.mu.Lock()
	defer br.mu.Unlock()

	switch br.state {
	case types.BreakerClosed:
		return true
	case types.BreakerOpen:
		if b.clock().Sub(br.openedAt) < br.retryWindow {
			return false
		}
		br.state = types.BreakerHalfOpen
		br.probing = true
		b.emit(telemetry.EventBreakerHalfOpen, telemetry.SeverityInfo, host, map[string]any{
			"retry_window": br.retryWindow.String(),
		})
		return true
	case types.BreakerHalfOpen:
		if br.probing {
			return false
		}
		br.probing = true
		return true
	}
	return true
}

// RecordSuccess reports a successful fetch. A half-open breaker closes and
// its retry window resets.
func (b *BreakerSet) RecordSuccess(host string) {
	br := b.breaker(host)

	br.mu.Lock()
	prev := br.state
	br.consecutiveFails = 0
	br.probing = false
	br.state = types.BreakerClosed
	br.retryWindow = b.baseRetryWindow()
	br.mu.Unlock()

	if prev != types.BreakerClosed {
		b.emit(telemetry.EventBreakerClosed, telemetry.SeverityInfo, host, nil)
	}
}

// RecordFailure reports a failed fetch. The threshold-th consecutive
// failure opens the breaker; a failed half-open probe reopens it with a
// doubled, jittered retry window.
func (b *BreakerSet) RecordFailure(host string) {
	br := b.breaker(host)

	br.mu.Lock()
	opened := false
	var window time.Duration

	switch br.state {
	case types.BreakerHalfOpen:
		br.retryWindow = b.nextRetryWindow(br.retryWindow)
		br.state = types.BreakerOpen
		br.openedAt = b.clock()
		br.probing = false
		opened = true
		window = br.retryWindow
	case types.BreakerClosed:
		br.consecutiveFails++
		if br.consecutiveFails >= b.failureThreshold() {
			br.state = types.BreakerOpen
			br.openedAt = b.clock()
			opened = true
			window = br.retryWindow
		}
	}
	br.mu.Unlock()

	if opened {
		b.emit(telemetry.EventBreakerOpen, telemetry.SeverityWarn, host, map[string]any{
			"retry_window": window.String(),
		})
		b.logger.Warn("circuit breaker opened",
			zap.String("host", host),
			zap.Duration("retry_window", window))
	}
}

// State returns the host's current breaker state without side effects.
func (b *BreakerSet) State(host string) types.BreakerState {
	br, ok := b.breakers.Load(host)
	if !ok {
		return types.BreakerClosed
	}
	br.mu.Lock()
	defer br.mu.Unlock()
	return br.state
}

// OpenHosts lists hosts whose breaker is currently open or half-open.
// Status reporting uses this for the problem-hosts section.
func (b *BreakerSet) OpenHosts() []string {
	var hosts []string
	b.breakers.Range(func(host string, br *breaker) bool {
		br.mu.Lock()
		if br.state != types.BreakerClosed {
			hosts = append(hosts, host)
		}
		br.mu.Unlock()
		return true
	})
	return hosts
}

func (b *BreakerSet) breaker(host string) *breaker {
	br, _ := b.breakers.LoadOrCompute(host, func() (*breaker, bool) {
		return &breaker{
			state:       types.BreakerClosed,
			retryWindow: b.baseRetryWindow(),
		}, false
	})
	return br
}

func (b *BreakerSet) failureThreshold() int {
	if b.cfg.FailureThreshold > 0 {
		return b.cfg.FailureThreshold
	}
	return 5
}

func (b *BreakerSet) baseRetryWindow() time.Duration {
	if w := b.cfg.RetryWindow.ToDuration(); w > 0 {
		return w
	}
	return time.Minute
}

// nextRetryWindow doubles the window with up to 25% jitter, capped at the
// configured maximum.
func (b *BreakerSet) nextRetryWindow(current time.Duration) time.Duration {
	next := current * 2
	jitter := time.Duration(rand.Int63n(int64(next/4) + 1))
	next += jitter
	if max := b.cfg.MaxRetryWindow.ToDuration(); max > 0 && next > max {
		next = max
	}
	return next
}

func (b *BreakerSet) emit(eventType, severity, host string, payload map[string]any) {
	b.emitter.Emit(telemetry.Event{
		Type:     eventType,
		Severity: severity,
		Scope:    "host",
		Target:   host,
		Payload:  payload,
	})
}
