package resilience

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"go.uber.org/zap"

	"github.com/newsatlas/crawler/internal/common/configtypes"
	"github.com/newsatlas/crawler/internal/telemetry"
)

// StallDetector watches crawl progress. Workers call Beat after every
// completed page; when no beat arrives within the stall timeout the
// detector emits a crawler.stalled event with host-level diagnostics.
type StallDetector struct {
	cfg      configtypes.ResilienceConfig
	breakers *BreakerSet
	emitter  telemetry.Emitter
	logger   *zap.Logger

	lastBeat atomic.Int64
	pages    atomic.Int64
	// queueDepth is polled at stall time; nil when no queue is wired.
	queueDepth func() int64
	hostErrors *xsync.Map[string, string]
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewStallDetector creates a StallDetector. breakers may be nil; when set,
// stall reports include the currently open hosts.
func NewStallDetector(cfg configtypes.ResilienceConfig, breakers *BreakerSet, emitter telemetry.Emitter, logger *zap.Logger) *StallDetector {
	if emitter == nil {
		emitter = telemetry.NoopEmitter{}
	}
	d := &StallDetector{
		cfg:        cfg,
		breakers:   breakers,
		emitter:    emitter,
		logger:     logger,
		hostErrors: xsync.NewMap[string, string](),
		done:       make(chan struct{}),
	}
	d.lastBeat.Store(time.Now().UnixMilli())
	return d
}

// Beat records crawl progress.
func (d *StallDetector) Beat() {
	d.lastBeat.Store(time.Now().UnixMilli())
	d.pages.Add(1)
}

// SetQueueDepthFn wires the function a stall report reads the live queue
// depth from.
func (d *StallDetector) SetQueueDepthFn(fn func() int64) {
	d.queueDepth = fn
}

// RecordHostError keeps the most recent failure per host for stall reports.
func (d *StallDetector) RecordHostError(host, detail string) {
	if host == "" || detail == "" {
		return
	}
	d.hostErrors.Store(host, detail)
}

// Pages returns the number of beats since start.
func (d *StallDetector) Pages() int64 {
	return d.pages.Load()
}

// Start launches the heartbeat loop. Call Stop to shut it down.
func (d *StallDetector) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel

	interval := d.cfg.HeartbeatInterval.ToDuration()
	if interval <= 0 {
		interval = 30 * time.Second
	}

	go func() {
		defer close(d.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.check()
			}
		}
	}()
}

// Stop shuts the heartbeat loop down.
func (d *StallDetector) Stop() {
	if d.cancel != nil {
		d.cancel()
		<-d.done
	}
}

func (d *StallDetector) check() {
	timeout := d.cfg.StallTimeout.ToDuration()
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	last := time.UnixMilli(d.lastBeat.Load())
	idle := time.Since(last)
	if idle < timeout {
		return
	}

	payload := map[string]any{
		"idle":        idle.Round(time.Second).String(),
		"pages_total": d.pages.Load(),
	}
	if d.breakers != nil {
		payload["open_hosts"] = d.breakers.OpenHosts()
	}
	if d.queueDepth != nil {
		payload["queue_depth"] = d.queueDepth()
	}
	if errs := d.lastHostErrors(); len(errs) > 0 {
		payload["last_host_errors"] = errs
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		payload["mem_used_percent"] = vm.UsedPercent
	}
	if avg, err := load.Avg(); err == nil {
		payload["load1"] = avg.Load1
	}

	d.emitter.Emit(telemetry.Event{
		Type:     telemetry.EventStalled,
		Severity: telemetry.SeverityWarn,
		Scope:    "crawler",
		Target:   "worker-loop",
		Payload:  payload,
	})
	d.logger.Warn("crawl stalled",
		zap.Duration("idle", idle),
		zap.Int64("pages_total", d.pages.Load()))
}

func (d *StallDetector) lastHostErrors() map[string]string {
	out := make(map[string]string)
	d.hostErrors.Range(func(host, detail string) bool {
		out[host] = detail
		return len(out) < 50
	})
	return out
}
