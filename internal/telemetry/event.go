// Package telemetry implements the append-only event stream: typed events,
// a batching writer into the task_events table, and an in-process hub for
// streaming consumers. Events are observability only; http_responses rows
// remain the sole evidence of downloads.
package telemetry

import (
	"encoding/json"
	"time"

	"github.com/newsatlas/crawler/internal/store"
)

// Event types form a closed set. Consumers filter on these strings.
const (
	EventPageFetched = "page.fetched"
	EventPageFailed  = "page.failed"

	EventBreakerOpen     = "breaker.open"
	EventBreakerHalfOpen = "breaker.half_open"
	EventBreakerClosed   = "breaker.closed"
	EventStalled         = "crawler.stalled"

	EventRateBackoff   = "rate.backoff"
	EventRateRecovered = "rate.recovered"

	EventDomainPending   = "domain.pending"
	EventDomainLearned   = "domain.learned"
	EventFailureRecorded = "failure.recorded"

	EventBrowserLaunched = "browser.launched"
	EventBrowserAcquired = "browser.acquired"
	EventBrowserReleased = "browser.released"
	EventBrowserRetired  = "browser.retired"

	EventQueueSeeded    = "queue.seeded"
	EventArchiveProbed  = "discovery.archive.probed"
	EventHubDepthProbed = "hub.depth.probed"
	EventHubVerified    = "hub.verified"
	EventPatternLearned = "pattern.learned"
)

// Severity levels for events.
const (
	SeverityInfo  = "info"
	SeverityWarn  = "warn"
	SeverityError = "error"
)

// Event is one telemetry record before persistence. Target is the URL or
// host the event concerns; Scope groups events by subsystem.
type Event struct {
	TaskID     string
	Type       string
	Severity   string
	Scope      string
	Target     string
	Payload    map[string]any
	Duration   time.Duration
	HTTPStatus int
	ItemCount  int64
	EmittedAt  time.Time
}

// Row converts the event to its persisted shape. Payload marshal failures
// degrade to an empty object rather than losing the event.
func (e *Event) Row() store.EventRow {
	payload := "{}"
	if len(e.Payload) > 0 {
		if b, err := json.Marshal(e.Payload); err == nil {
			payload = string(b)
		}
	}
	severity := e.Severity
	if severity == "" {
		severity = SeverityInfo
	}
	emitted := e.EmittedAt
	if emitted.IsZero() {
		emitted = time.Now().UTC()
	}
	return store.EventRow{
		TaskID:      e.TaskID,
		EventType:   e.Type,
		Severity:    severity,
		Scope:       e.Scope,
		Target:      e.Target,
		PayloadJSON: payload,
		DurationMs:  e.Duration.Milliseconds(),
		HTTPStatus:  e.HTTPStatus,
		ItemCount:   e.ItemCount,
		EmittedAt:   emitted,
	}
}

// Emitter is the interface components publish events through.
// Implementations are fire-and-forget, non-blocking; errors are logged
// internally, never returned to the caller.
type Emitter interface {
	Emit(event Event)
	Close() error
}

// NoopEmitter discards all events. Used in tests and when telemetry is
// disabled.
type NoopEmitter struct{}

// Emit does nothing.
func (NoopEmitter) Emit(Event) {}

// Close returns nil.
func (NoopEmitter) Close() error { return nil }

// MultiEmitter fans one event out to several backends.
type MultiEmitter struct {
	emitters []Emitter
}

// NewMultiEmitter wraps a set of emitters; nil entries are skipped.
func NewMultiEmitter(emitters ...Emitter) *MultiEmitter {
	m := &MultiEmitter{}
	for _, e := range emitters {
		if e != nil {
			m.emitters = append(m.emitters, e)
		}
	}
	return m
}

// Emit forwards the event to every backend.
func (m *MultiEmitter) Emit(event Event) {
	for _, e := range m.emitters {
		e.Emit(event)
	}
}

// Close closes every backend, returning the first error.
func (m *MultiEmitter) Close() error {
	var first error
	for _, e := range m.emitters {
		if err := e.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
