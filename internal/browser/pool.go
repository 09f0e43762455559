package browser

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/newsatlas/crawler/internal/telemetry"
)

// Pool manages headless browser sessions behind a FIFO queue of session
// IDs. Acquire blocks until a session is free or the acquire timeout
// expires; retirement policies run at acquire time and the health loop
// replaces crashed sessions in the background.
type Pool struct {
	config  *Config
	logger  *zap.Logger
	emitter telemetry.Emitter

	sessions []*Session
	queue    chan int
	mu       sync.RWMutex

	activePages      atomic.Int32
	totalPages       atomic.Int64
	totalRetirements atomic.Int64
	createdAt        time.Time

	ctx      context.Context
	cancel   context.CancelFunc
	healthWg sync.WaitGroup
	poolSize int
}

// NewPool launches all sessions and starts the health loop.
func NewPool(config *Config, emitter telemetry.Emitter, logger *zap.Logger) (*Pool, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid browser config: %w", err)
	}
	if emitter == nil {
		emitter = telemetry.NoopEmitter{}
	}

	poolSize := config.CalculatePoolSize()
	logger.Info("initializing browser pool",
		zap.Int("pool_size", poolSize))

	ctx, cancel := context.WithCancel(context.Background())
	pool := &Pool{
		config:    config,
		logger:    logger,
		emitter:   emitter,
		sessions:  make([]*Session, poolSize),
		queue:     make(chan int, poolSize),
		createdAt: time.Now().UTC(),
		ctx:       ctx,
		cancel:    cancel,
		poolSize:  poolSize,
	}

	for i := 0; i < poolSize; i++ {
		session, err := NewSession(i, config, logger)
		if err != nil {
			pool.Shutdown()
			return nil, fmt.Errorf("failed to create browser session %d: %w", i, err)
		}
		pool.sessions[i] = session
		pool.queue <- i
		pool.emit(telemetry.EventBrowserLaunched, i, nil)
	}

	pool.startHealthLoop()

	logger.Info("browser pool initialized",
		zap.Int("sessions", poolSize))
	return pool, nil
}

// Acquire leases a session. It blocks until one is free, the acquire
// timeout passes, or ctx is cancelled.
func (p *Pool) Acquire(ctx context.Context) (*Session, error) {
	timer := time.NewTimer(p.config.AcquireTimeout)
	defer timer.Stop()

	select {
	case <-p.ctx.Done():
		return nil, ErrPoolShutdown
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, ErrAcquireTimeout
	case sessionID := <-p.queue:
		select {
		case <-p.ctx.Done():
			select {
			case p.queue <- sessionID:
			default:
			}
			return nil, ErrPoolShutdown
		default:
		}

		p.mu.RLock()
		session := p.sessions[sessionID]
		p.mu.RUnlock()

		if !session.IsAlive() {
			p.logger.Warn("browser session is dead, restarting",
				zap.Int("session_id", sessionID),
				zap.Int32("pages_done", session.PagesDone()))
			if err := p.retire(session, "unhealthy"); err != nil {
				select {
				case p.queue <- sessionID:
				case <-p.ctx.Done():
				}
				return nil, fmt.Errorf("%w: session %d", ErrSessionDead, sessionID)
			}
		} else if retire, reason := session.ShouldRetire(p.config); retire {
			p.logger.Info("browser session reached retirement policy",
				zap.Int("session_id", sessionID),
				zap.String("reason", reason),
				zap.Int32("pages_done", session.PagesDone()),
				zap.Duration("age", session.Age()))
			// Keep the current session on restart failure; it still works.
			_ = p.retire(session, reason)
		}

		p.activePages.Add(1)
		session.SetStatus(StatusRendering)
		p.emit(telemetry.EventBrowserAcquired, sessionID, map[string]any{
			"active": int(p.activePages.Load()),
		})
		return session, nil
	}
}

// Release returns a session to the pool.
func (p *Pool) Release(session *Session) {
	session.SetStatus(StatusIdle)
	session.IncrementPages()
	p.totalPages.Add(1)
	p.activePages.Add(-1)

	select {
	case p.queue <- session.ID:
		p.emit(telemetry.EventBrowserReleased, session.ID, map[string]any{
			"pages_done": int(session.PagesDone()),
		})
	case <-p.ctx.Done():
		p.logger.Debug("discarding session during shutdown",
			zap.Int("session_id", session.ID))
	default:
		p.logger.Error("queue full when returning session, possible leak",
			zap.Int("session_id", session.ID),
			zap.Int("queue_len", len(p.queue)))
	}
}

// retire restarts a session and counts the retirement.
func (p *Pool) retire(session *Session, reason string) error {
	if err := session.Restart(p.config); err != nil {
		p.logger.Error("failed to restart browser session",
			zap.Int("session_id", session.ID),
			zap.String("reason", reason),
			zap.Error(err))
		return err
	}
	p.totalRetirements.Add(1)
	p.emit(telemetry.EventBrowserRetired, session.ID, map[string]any{
		"reason": reason,
	})
	return nil
}

// Stats returns a snapshot of pool state.
func (p *Pool) Stats() PoolStats {
	p.mu.RLock()
	total := len(p.sessions)
	p.mu.RUnlock()

	return PoolStats{
		TotalSessions:     total,
		AvailableSessions: len(p.queue),
		ActiveSessions:    int(p.activePages.Load()),
		TotalPages:        p.totalPages.Load(),
		TotalRetirements:  p.totalRetirements.Load(),
		Uptime:            time.Since(p.createdAt),
	}
}

// PoolSize returns the total session count.
func (p *Pool) PoolSize() int {
	return p.poolSize
}

// startHealthLoop periodically sweeps idle sessions and relaunches any
// that crashed between pages.
func (p *Pool) startHealthLoop() {
	interval := p.config.HealthCheckInterval
	p.healthWg.Add(1)
	go func() {
		defer p.healthWg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-p.ctx.Done():
				return
			case <-ticker.C:
				p.sweepIdleSessions()
			}
		}
	}()
}

// sweepIdleSessions drains whatever is queued, health-checks each session,
// and puts them back. Leased sessions are checked at acquire time instead.
func (p *Pool) sweepIdleSessions() {
	checked := 0
	for checked < p.poolSize {
		select {
		case sessionID := <-p.queue:
			checked++
			p.mu.RLock()
			session := p.sessions[sessionID]
			p.mu.RUnlock()

			if !session.IsAlive() {
				p.logger.Warn("health check found dead session",
					zap.Int("session_id", sessionID))
				_ = p.retire(session, "unhealthy")
			}

			select {
			case p.queue <- sessionID:
			case <-p.ctx.Done():
				return
			}
		default:
			return
		}
	}
}

// Shutdown drains active pages and terminates all sessions.
func (p *Pool) Shutdown() error {
	p.logger.Info("shutting down browser pool",
		zap.Int32("active_pages", p.activePages.Load()))
	p.cancel()
	p.healthWg.Wait()

	p.waitForActivePages(30 * time.Second)

	p.mu.Lock()
	var errCount int
	for i, session := range p.sessions {
		if session == nil {
			continue
		}
		if err := session.Terminate(); err != nil {
			p.logger.Error("error terminating session",
				zap.Int("session_id", i),
				zap.Error(err))
			errCount++
		}
	}
	p.mu.Unlock()

	stats := p.Stats()
	p.logger.Info("browser pool shut down",
		zap.Int64("total_pages", stats.TotalPages),
		zap.Int64("total_retirements", stats.TotalRetirements),
		zap.Duration("uptime", stats.Uptime))

	if errCount > 0 {
		return fmt.Errorf("encountered %d errors during browser pool shutdown", errCount)
	}
	return nil
}

func (p *Pool) waitForActivePages(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if p.activePages.Load() == 0 {
			return true
		}
		<-ticker.C
		if time.Now().After(deadline) {
			return false
		}
	}
}

func (p *Pool) emit(eventType string, sessionID int, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["session_id"] = sessionID
	p.emitter.Emit(telemetry.Event{
		Type:    eventType,
		Scope:   "browser",
		Target:  fmt.Sprintf("session-%d", sessionID),
		Payload: payload,
	})
}
