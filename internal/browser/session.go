package browser

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// NewSession launches one headless browser process.
func NewSession(id int, config *Config, logger *zap.Logger) (*Session, error) {
	now := time.Now().UTC()
	s := &Session{
		ID:           id,
		createdAt:    now,
		logger:       logger,
		userAgent:    config.UserAgent,
		status:       int32(StatusIdle),
		lastUsedNano: now.UnixNano(),
	}

	if err := s.launch(config); err != nil {
		return nil, fmt.Errorf("failed to launch browser session %d: %w", id, err)
	}

	s.logger.Info("browser session launched",
		zap.Int("session_id", id))
	return s, nil
}

func (s *Session) launch(config *Config) error {
	opts := []chromedp.ExecAllocatorOption{
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-setuid-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-background-networking", true),
		chromedp.Flag("mute-audio", true),
		chromedp.Flag("disable-sync", true),
		chromedp.Flag("disable-translate", true),
	}
	if s.userAgent != "" {
		opts = append(opts, chromedp.UserAgent(s.userAgent))
	}

	allocatorOpts := append(chromedp.DefaultExecAllocatorOptions[:], opts...)
	s.allocCtx, s.allocStop = chromedp.NewExecAllocator(context.Background(), allocatorOpts...)
	s.ctx, s.cancel = chromedp.NewContext(s.allocCtx)

	if err := chromedp.Run(s.ctx); err != nil {
		return fmt.Errorf("failed to start browser: %w", err)
	}
	return nil
}

// IsAlive checks that the browser process still answers CDP commands.
func (s *Session) IsAlive() bool {
	if SessionStatus(atomic.LoadInt32(&s.status)) == StatusDead {
		return false
	}

	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()

	err := chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, _, _, _, _, err := cdpbrowser.GetVersion().Do(ctx)
		return err
	}))
	return err == nil
}

// Age returns how long the session has been running.
func (s *Session) Age() time.Duration {
	return time.Now().UTC().Sub(s.createdAt)
}

// ShouldRetire reports whether page-count or age policy demands a restart.
func (s *Session) ShouldRetire(config *Config) (bool, string) {
	if int(atomic.LoadInt32(&s.pagesDone)) >= config.MaxPagesPerSession {
		return true, "max_pages"
	}
	if s.Age() >= config.MaxSessionAge {
		return true, "max_age"
	}
	return false, ""
}

// Restart terminates and relaunches the browser process.
func (s *Session) Restart(config *Config) error {
	s.logger.Info("restarting browser session",
		zap.Int("session_id", s.ID),
		zap.Int32("pages_done", s.PagesDone()),
		zap.Duration("age", s.Age()))

	atomic.StoreInt32(&s.status, int32(StatusRestarting))
	if err := s.Terminate(); err != nil {
		s.logger.Warn("error terminating session during restart",
			zap.Int("session_id", s.ID),
			zap.Error(err))
	}

	now := time.Now().UTC()
	atomic.StoreInt32(&s.pagesDone, 0)
	s.createdAt = now
	atomic.StoreInt64(&s.lastUsedNano, now.UnixNano())

	if err := s.launch(config); err != nil {
		atomic.StoreInt32(&s.status, int32(StatusDead))
		return fmt.Errorf("%w: %v", ErrRestartFailed, err)
	}
	atomic.StoreInt32(&s.status, int32(StatusIdle))
	return nil
}

// Terminate shuts the browser process down.
func (s *Session) Terminate() error {
	atomic.StoreInt32(&s.status, int32(StatusDead))
	if s.cancel != nil {
		s.cancel()
	}
	if s.allocStop != nil {
		s.allocStop()
	}
	return nil
}

// IncrementPages bumps the page counter after a completed load.
func (s *Session) IncrementPages() {
	atomic.AddInt32(&s.pagesDone, 1)
	atomic.StoreInt64(&s.lastUsedNano, time.Now().UTC().UnixNano())
}

// PagesDone returns the number of pages loaded since launch.
func (s *Session) PagesDone() int32 {
	return atomic.LoadInt32(&s.pagesDone)
}

// Status returns the current session status.
func (s *Session) Status() SessionStatus {
	return SessionStatus(atomic.LoadInt32(&s.status))
}

// SetStatus updates the session status.
func (s *Session) SetStatus(status SessionStatus) {
	atomic.StoreInt32(&s.status, int32(status))
}

// LastUsed returns the time of the last completed page.
func (s *Session) LastUsed() time.Time {
	return time.Unix(0, atomic.LoadInt64(&s.lastUsedNano))
}
