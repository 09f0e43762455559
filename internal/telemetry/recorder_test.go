package telemetry

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/newsatlas/crawler/internal/common/configtypes"
	"github.com/newsatlas/crawler/internal/store"
	"github.com/newsatlas/crawler/pkg/types"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(configtypes.DatabaseConfig{
		Path: filepath.Join(t.TempDir(), "events.db"),
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testTelemetryConfig() configtypes.TelemetryConfig {
	return configtypes.TelemetryConfig{
		BatchSize:     4,
		FlushInterval: types.Duration(50 * time.Millisecond),
		QueueSize:     128,
	}
}

func TestRecorderFlushesOnBatchSize(t *testing.T) {
	s := newTestStore(t)
	r := NewRecorder(s, testTelemetryConfig(), zap.NewNop())
	defer r.Close()

	for i := 0; i < 4; i++ {
		r.Emit(Event{TaskID: "task-1", Type: EventPageFetched, Target: "https://example.com/"})
	}

	require.Eventually(t, func() bool {
		counts, err := s.CountEventsByType("task-1")
		return err == nil && counts[EventPageFetched] == 4
	}, 2*time.Second, 20*time.Millisecond)
}

func TestRecorderFlushesOnTimer(t *testing.T) {
	s := newTestStore(t)
	r := NewRecorder(s, testTelemetryConfig(), zap.NewNop())
	defer r.Close()

	r.Emit(Event{TaskID: "task-2", Type: EventBreakerOpen, Target: "slow.example.com"})

	require.Eventually(t, func() bool {
		counts, err := s.CountEventsByType("task-2")
		return err == nil && counts[EventBreakerOpen] == 1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestRecorderPreservesWriterOrder(t *testing.T) {
	s := newTestStore(t)
	r := NewRecorder(s, testTelemetryConfig(), zap.NewNop())

	for i := 0; i < 10; i++ {
		r.Emit(Event{TaskID: "task-3", Type: EventPageFetched, ItemCount: int64(i)})
	}
	require.NoError(t, r.Close())

	events, err := s.Events(store.EventFilter{TaskID: "task-3"})
	require.NoError(t, err)
	require.Len(t, events, 10)
	for i, e := range events {
		assert.Equal(t, int64(i), e.ItemCount)
	}
}

func TestRecorderDropsWhenFull(t *testing.T) {
	s := newTestStore(t)
	cfg := testTelemetryConfig()
	cfg.QueueSize = 1
	cfg.FlushInterval = types.Duration(time.Hour) // flush loop effectively idle
	cfg.BatchSize = 1000
	r := NewRecorder(s, cfg, zap.NewNop())
	defer r.Close()

	for i := 0; i < 50; i++ {
		r.Emit(Event{TaskID: "task-4", Type: EventPageFetched})
	}
	assert.Greater(t, r.Dropped(), int64(0))
}

func TestHubFiltersByType(t *testing.T) {
	h := NewHub()
	defer h.Close()

	pages, cancelPages := h.Subscribe(8, EventPageFetched)
	defer cancelPages()
	all, cancelAll := h.Subscribe(8)
	defer cancelAll()

	h.Emit(Event{Type: EventPageFetched, Target: "a"})
	h.Emit(Event{Type: EventBreakerOpen, Target: "b"})

	got := <-pages
	assert.Equal(t, EventPageFetched, got.Type)
	select {
	case unexpected := <-pages:
		t.Fatalf("page subscriber received %s", unexpected.Type)
	default:
	}

	assert.Equal(t, "a", (<-all).Target)
	assert.Equal(t, "b", (<-all).Target)
}

func TestEventRowDefaults(t *testing.T) {
	e := Event{Type: EventPageFetched}
	row := e.Row()
	assert.Equal(t, "{}", row.PayloadJSON)
	assert.Equal(t, SeverityInfo, row.Severity)
	assert.False(t, row.EmittedAt.IsZero())
}
