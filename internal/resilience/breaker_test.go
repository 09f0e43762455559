package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/newsatlas/crawler/internal/common/configtypes"
	"github.com/newsatlas/crawler/internal/telemetry"
	"github.com/newsatlas/crawler/pkg/types"
)

func testResilienceConfig() configtypes.ResilienceConfig {
	return configtypes.ResilienceConfig{
		FailureThreshold: 3,
		RetryWindow:      types.Duration(time.Minute),
		MaxRetryWindow:   types.Duration(10 * time.Minute),
	}
}

type captureEmitter struct {
	events []telemetry.Event
}

func (c *captureEmitter) Emit(e telemetry.Event) { c.events = append(c.events, e) }
func (c *captureEmitter) Close() error           { return nil }

func (c *captureEmitter) typesSeen() []string {
	out := make([]string, 0, len(c.events))
	for _, e := range c.events {
		out = append(out, e.Type)
	}
	return out
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	emitter := &captureEmitter{}
	b := NewBreakerSet(testResilienceConfig(), emitter, zap.NewNop())

	b.RecordFailure("down.example.com")
	b.RecordFailure("down.example.com")
	assert.True(t, b.ShouldAttempt("down.example.com"))
	assert.Equal(t, types.BreakerClosed, b.State("down.example.com"))

	b.RecordFailure("down.example.com")
	assert.Equal(t, types.BreakerOpen, b.State("down.example.com"))
	assert.False(t, b.ShouldAttempt("down.example.com"))
	assert.Equal(t, []string{telemetry.EventBreakerOpen}, emitter.typesSeen())
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b := NewBreakerSet(testResilienceConfig(), nil, zap.NewNop())

	b.RecordFailure("flaky.example.com")
	b.RecordFailure("flaky.example.com")
	b.RecordSuccess("flaky.example.com")
	b.RecordFailure("flaky.example.com")
	b.RecordFailure("flaky.example.com")

	assert.Equal(t, types.BreakerClosed, b.State("flaky.example.com"))
}

func TestHalfOpenAdmitsSingleProbe(t *testing.T) {
	emitter := &captureEmitter{}
	b := NewBreakerSet(testResilienceConfig(), emitter, zap.NewNop())
	for i := 0; i < 3; i++ {
		b.RecordFailure("probe.example.com")
	}

	// Move the clock past the retry window.
	b.clock = func() time.Time { return time.Now().Add(2 * time.Minute) }

	assert.True(t, b.ShouldAttempt("probe.example.com"))
	assert.Equal(t, types.BreakerHalfOpen, b.State("probe.example.com"))
	// Second caller is refused while the probe is in flight.
	assert.False(t, b.ShouldAttempt("probe.example.com"))
}

func TestHalfOpenSuccessCloses(t *testing.T) {
	emitter := &captureEmitter{}
	b := NewBreakerSet(testResilienceConfig(), emitter, zap.NewNop())
	for i := 0; i < 3; i++ {
		b.RecordFailure("recover.example.com")
	}
	b.clock = func() time.Time { return time.Now().Add(2 * time.Minute) }

	require.True(t, b.ShouldAttempt("recover.example.com"))
	b.RecordSuccess("recover.example.com")

	assert.Equal(t, types.BreakerClosed, b.State("recover.example.com"))
	assert.Contains(t, emitter.typesSeen(), telemetry.EventBreakerClosed)
}

func TestHalfOpenFailureReopensWithLongerWindow(t *testing.T) {
	b := NewBreakerSet(testResilienceConfig(), nil, zap.NewNop())
	for i := 0; i < 3; i++ {
		b.RecordFailure("relapse.example.com")
	}
	br := b.breaker("relapse.example.com")
	firstWindow := br.retryWindow

	b.clock = func() time.Time { return time.Now().Add(2 * time.Minute) }
	require.True(t, b.ShouldAttempt("relapse.example.com"))
	b.RecordFailure("relapse.example.com")

	assert.Equal(t, types.BreakerOpen, b.State("relapse.example.com"))
	assert.GreaterOrEqual(t, br.retryWindow, 2*firstWindow)
	assert.LessOrEqual(t, br.retryWindow, 10*time.Minute)
}

func TestOpenHosts(t *testing.T) {
	b := NewBreakerSet(testResilienceConfig(), nil, zap.NewNop())
	for i := 0; i < 3; i++ {
		b.RecordFailure("bad.example.com")
	}
	b.RecordSuccess("good.example.com")

	hosts := b.OpenHosts()
	assert.Equal(t, []string{"bad.example.com"}, hosts)
}

func TestStallDetectorEmitsWhenIdle(t *testing.T) {
	emitter := &captureEmitter{}
	cfg := testResilienceConfig()
	cfg.StallTimeout = types.Duration(10 * time.Millisecond)
	d := NewStallDetector(cfg, nil, emitter, zap.NewNop())

	time.Sleep(20 * time.Millisecond)
	d.check()

	require.Len(t, emitter.events, 1)
	assert.Equal(t, telemetry.EventStalled, emitter.events[0].Type)
	assert.Equal(t, telemetry.SeverityWarn, emitter.events[0].Severity)
}

func TestStallDetectorReportsQueueAndHostDiagnostics(t *testing.T) {
	emitter := &captureEmitter{}
	cfg := testResilienceConfig()
	cfg.StallTimeout = types.Duration(10 * time.Millisecond)
	b := NewBreakerSet(testResilienceConfig(), nil, zap.NewNop())
	for i := 0; i < 3; i++ {
		b.RecordFailure("down.example.com")
	}

	d := NewStallDetector(cfg, b, emitter, zap.NewNop())
	d.SetQueueDepthFn(func() int64 { return 42 })
	d.RecordHostError("down.example.com", "connection reset")
	d.RecordHostError("slow.example.com", "status 403")

	time.Sleep(20 * time.Millisecond)
	d.check()

	require.Len(t, emitter.events, 1)
	payload := emitter.events[0].Payload
	assert.Equal(t, int64(42), payload["queue_depth"])
	assert.Equal(t, []string{"down.example.com"}, payload["open_hosts"])
	errs, ok := payload["last_host_errors"].(map[string]string)
	require.True(t, ok)
	assert.Equal(t, "connection reset", errs["down.example.com"])
	assert.Equal(t, "status 403", errs["slow.example.com"])
}

func TestStallDetectorQuietWhileProgressing(t *testing.T) {
	emitter := &captureEmitter{}
	cfg := testResilienceConfig()
	cfg.StallTimeout = types.Duration(time.Minute)
	d := NewStallDetector(cfg, nil, emitter, zap.NewNop())

	d.Beat()
	d.check()

	assert.Empty(t, emitter.events)
	assert.Equal(t, int64(1), d.Pages())
}
