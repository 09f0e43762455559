// Package ratelimit implements per-host politeness scheduling. Every host
// gets an adaptive delay between requests and a small concurrency cap;
// throttle responses (429/503) double the delay, sustained success halves
// it back toward the floor.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"

	"github.com/newsatlas/crawler/internal/common/configtypes"
	"github.com/newsatlas/crawler/internal/telemetry"
)

// FloorFunc returns the minimum delay for a host beyond the global floor,
// typically robots.txt Crawl-delay merged with per-host config overrides.
// A nil FloorFunc means no extra floor.
type FloorFunc func(host string) time.Duration

type hostState struct {
	mu          sync.Mutex
	delay       time.Duration
	nextAllowed time.Time
	successes   int
	slots       chan struct{}
}

// Limiter schedules requests per host. Acquire blocks until the host's next
// allowed time and a concurrency slot are both available.
type Limiter struct {
	cfg     configtypes.PolitenessConfig
	floorFn FloorFunc
	hosts   *xsync.Map[string, *hostState]
	emitter telemetry.Emitter
	logger  *zap.Logger
	// clock is swappable for tests.
	clock func() time.Time
}

// NewLimiter creates a Limiter. floorFn may be nil.
func NewLimiter(cfg configtypes.PolitenessConfig, floorFn FloorFunc, emitter telemetry.Emitter, logger *zap.Logger) *Limiter {
	if emitter == nil {
		emitter = telemetry.NoopEmitter{}
	}
	return &Limiter{
		cfg:     cfg,
		floorFn: floorFn,
		hosts:   xsync.NewMap[string, *hostState](),
		emitter: emitter,
		logger:  logger,
		clock:   time.Now,
	}
}

// Lease is a granted request slot. Callers must Release after the request
// completes, then report the outcome with RecordSuccess or RecordThrottle.
type Lease struct {
	host    string
	state   *hostState
	limiter *Limiter
	once    sync.Once
}

// Release frees the concurrency slot. Safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(func() {
		<-l.state.slots
	})
}

// Host returns the host the lease was granted for.
func (l *Lease) Host() string { return l.host }

// Acquire blocks until host may be fetched, honoring the host's current
// delay and concurrency cap. The returned lease must be released.
func (l *Limiter) Acquire(ctx context.Context, host string) (*Lease, error) {
	state := l.state(host)

	select {
	case state.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	// Claim the next allowed slot under the lock, then sleep outside it so
	// other hosts are not blocked.
	state.mu.Lock()
	now := l.clock()
	wait := state.nextAllowed.Sub(now)
	if wait < 0 {
		wait = 0
	}
	state.nextAllowed = now.Add(wait + state.delay)
	state.mu.Unlock()

	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			<-state.slots
			return nil, ctx.Err()
		}
	}

	return &Lease{host: host, state: state, limiter: l}, nil
}

// RecordThrottle reacts to a 429 or 503: the host's delay doubles (capped
// at MaxDelay) and the recovery counter resets.
func (l *Limiter) RecordThrottle(host string) {
	state := l.state(host)

	state.mu.Lock()
	previous := state.delay
	next := time.Duration(float64(state.delay) * l.backoffFactor())
	if max := l.cfg.MaxDelay.ToDuration(); max > 0 && next > max {
		next = max
	}
	state.delay = next
	state.successes = 0
	// Push the next slot out so the raised delay takes effect immediately.
	state.nextAllowed = l.clock().Add(next)
	state.mu.Unlock()

	if next != previous {
		l.emitter.Emit(telemetry.Event{
			Type:     telemetry.EventRateBackoff,
			Severity: telemetry.SeverityWarn,
			Scope:    "host",
			Target:   host,
			Payload: map[string]any{
				"previous_delay": previous.String(),
				"delay":          next.String(),
			},
		})
	}
}

// RecordSuccess counts a successful fetch. After RecoverySuccesses
// consecutive successes the delay halves, never below the host's floor.
func (l *Limiter) RecordSuccess(host string) {
	state := l.state(host)
	floor := l.floor(host)

	state.mu.Lock()
	state.successes++
	recovered := false
	var previous, next time.Duration
	if state.successes >= l.recoverySuccesses() && state.delay > floor {
		previous = state.delay
		next = state.delay / 2
		if next < floor {
			next = floor
		}
		state.delay = next
		state.successes = 0
		recovered = true
	}
	state.mu.Unlock()

	if recovered {
		l.emitter.Emit(telemetry.Event{
			Type:   telemetry.EventRateRecovered,
			Scope:  "host",
			Target: host,
			Payload: map[string]any{
				"previous_delay": previous.String(),
				"delay":          next.String(),
			},
		})
	}
}

// Delay returns the host's current delay. Used by status reporting and the
// hub depth prober, which imposes its own fixed probe spacing on top.
func (l *Limiter) Delay(host string) time.Duration {
	state := l.state(host)
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.delay
}

func (l *Limiter) state(host string) *hostState {
	s, _ := l.hosts.LoadOrCompute(host, func() (*hostState, bool) {
		concurrency := l.cfg.PerHostConcurrency
		if concurrency <= 0 {
			concurrency = 1
		}
		return &hostState{
			delay: l.floor(host),
			slots: make(chan struct{}, concurrency),
		}, false
	})
	return s
}

// floor is the lowest delay a host may recover to.
func (l *Limiter) floor(host string) time.Duration {
	floor := l.cfg.MinDelay.ToDuration()
	if l.floorFn != nil {
		if extra := l.floorFn(host); extra > floor {
			floor = extra
		}
	}
	return floor
}

func (l *Limiter) backoffFactor() float64 {
	if l.cfg.BackoffFactor > 1 {
		return l.cfg.BackoffFactor
	}
	return 2
}

func (l *Limiter) recoverySuccesses() int {
	if l.cfg.RecoverySuccesses > 0 {
		return l.cfg.RecoverySuccesses
	}
	return 10
}
