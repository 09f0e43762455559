package telemetry

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/newsatlas/crawler/internal/common/configtypes"
	"github.com/newsatlas/crawler/internal/store"
)

// Recorder batches events into the task_events table. A single background
// goroutine drains the queue and flushes on a size threshold or a timer, so
// per-writer order is preserved. When the queue is full events are dropped
// and counted rather than blocking the crawl path.
type Recorder struct {
	store  *store.Store
	logger *zap.Logger

	queue         chan Event
	batchSize     int
	flushInterval time.Duration

	dropped atomic.Int64
	wg      sync.WaitGroup
	closed  atomic.Bool
	done    chan struct{}
}

// NewRecorder creates a Recorder and starts its flush loop.
func NewRecorder(s *store.Store, cfg configtypes.TelemetryConfig, logger *zap.Logger) *Recorder {
	r := &Recorder{
		store:         s,
		logger:        logger,
		queue:         make(chan Event, cfg.QueueSize),
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval.ToDuration(),
		done:          make(chan struct{}),
	}
	r.wg.Add(1)
	go r.run()
	return r
}

// Emit enqueues an event for batched insertion. Non-blocking: when the
// queue is full the event is dropped and the drop counter incremented.
func (r *Recorder) Emit(event Event) {
	if r.closed.Load() {
		return
	}
	if event.EmittedAt.IsZero() {
		event.EmittedAt = time.Now().UTC()
	}
	select {
	case r.queue <- event:
	default:
		r.dropped.Add(1)
	}
}

// Dropped returns the number of events lost to queue overflow.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Flush synchronously drains whatever is currently queued. Intended for
// tests and shutdown paths that need events visible before reading.
func (r *Recorder) Flush() {
	batch := r.drain(nil)
	r.write(batch)
}

// Close stops the flush loop after draining remaining events.
func (r *Recorder) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(r.done)
	r.wg.Wait()
	r.Flush()
	if n := r.dropped.Load(); n > 0 {
		r.logger.Warn("Telemetry events dropped during run", zap.Int64("dropped", n))
	}
	return nil
}

func (r *Recorder) run() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	var batch []Event
	for {
		select {
		case e := <-r.queue:
			batch = append(batch, e)
			if len(batch) >= r.batchSize {
				r.write(batch)
				batch = nil
			}
		case <-ticker.C:
			if len(batch) > 0 {
				r.write(batch)
				batch = nil
			}
		case <-r.done:
			r.write(r.drain(batch))
			return
		}
	}
}

// drain appends everything immediately available on the queue to batch.
func (r *Recorder) drain(batch []Event) []Event {
	for {
		select {
		case e := <-r.queue:
			batch = append(batch, e)
		default:
			return batch
		}
	}
}

func (r *Recorder) write(batch []Event) {
	if len(batch) == 0 {
		return
	}
	rows := make([]store.EventRow, len(batch))
	for i := range batch {
		rows[i] = batch[i].Row()
	}
	if _, err := r.store.InsertEvents(rows); err != nil {
		r.logger.Warn("Failed to flush telemetry batch",
			zap.Int("events", len(rows)), zap.Error(err))
	}
}
