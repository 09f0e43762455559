package domainmode

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/newsatlas/crawler/internal/common/configtypes"
	"github.com/newsatlas/crawler/internal/telemetry"
	"github.com/newsatlas/crawler/pkg/types"
)

type captureEmitter struct {
	events []telemetry.Event
}

func (c *captureEmitter) Emit(e telemetry.Event) { c.events = append(c.events, e) }
func (c *captureEmitter) Close() error           { return nil }

func newManager(t *testing.T, cfg configtypes.DomainModeConfig, emitter telemetry.Emitter) *Manager {
	t.Helper()
	m, err := NewManager(cfg, emitter, zap.NewNop())
	require.NoError(t, err)
	return m
}

func baseConfig(t *testing.T) configtypes.DomainModeConfig {
	return configtypes.DomainModeConfig{
		StatePath:          filepath.Join(t.TempDir(), "domains.json"),
		AutoLearnThreshold: 3,
		AutoLearnWindow:    types.Duration(5 * time.Minute),
		AutoApprove:        true,
	}
}

func TestManualHostsUseHeadless(t *testing.T) {
	cfg := baseConfig(t)
	cfg.Manual = []string{"spa.example.com"}
	m := newManager(t, cfg, nil)

	assert.True(t, m.ShouldUseHeadless("spa.example.com"))
	assert.False(t, m.ShouldUseHeadless("plain.example.com"))
	assert.Equal(t, types.TierManual, m.Tier("spa.example.com"))
}

func TestAutoLearnPromotesAtThreshold(t *testing.T) {
	emitter := &captureEmitter{}
	m := newManager(t, baseConfig(t), emitter)

	m.RecordConnectionReset("reset.example.com", "connection reset by peer")
	m.RecordConnectionReset("reset.example.com", "connection reset by peer")
	assert.False(t, m.ShouldUseHeadless("reset.example.com"))

	m.RecordConnectionReset("reset.example.com", "connection reset by peer")
	assert.True(t, m.ShouldUseHeadless("reset.example.com"))
	assert.Equal(t, types.TierLearned, m.Tier("reset.example.com"))

	var sawLearned bool
	for _, e := range emitter.events {
		if e.Type == telemetry.EventDomainLearned {
			sawLearned = true
		}
	}
	assert.True(t, sawLearned)
}

func TestAutoLearnWithoutApproveGoesPending(t *testing.T) {
	cfg := baseConfig(t)
	cfg.AutoApprove = false
	emitter := &captureEmitter{}
	m := newManager(t, cfg, emitter)

	for i := 0; i < 3; i++ {
		m.RecordConnectionReset("pending.example.com", "reset")
	}

	assert.Equal(t, types.TierPending, m.Tier("pending.example.com"))
	assert.False(t, m.ShouldUseHeadless("pending.example.com"))

	require.NoError(t, m.Approve("pending.example.com"))
	assert.True(t, m.ShouldUseHeadless("pending.example.com"))
}

func TestApproveRequiresPending(t *testing.T) {
	m := newManager(t, baseConfig(t), nil)
	assert.Error(t, m.Approve("unknown.example.com"))
}

func TestRollingWindowExpiresOldFailures(t *testing.T) {
	m := newManager(t, baseConfig(t), nil)

	base := time.Now()
	m.clock = func() time.Time { return base }
	m.RecordConnectionReset("slowburn.example.com", "reset")
	m.RecordConnectionReset("slowburn.example.com", "reset")

	// Third reset lands outside the 5m window; the first two have aged out.
	m.clock = func() time.Time { return base.Add(10 * time.Minute) }
	m.RecordConnectionReset("slowburn.example.com", "reset")

	assert.False(t, m.ShouldUseHeadless("slowburn.example.com"))
}

func TestStateSurvivesRestart(t *testing.T) {
	cfg := baseConfig(t)
	m := newManager(t, cfg, nil)
	for i := 0; i < 3; i++ {
		m.RecordConnectionReset("persisted.example.com", "reset")
	}
	require.True(t, m.ShouldUseHeadless("persisted.example.com"))

	m2 := newManager(t, cfg, nil)
	assert.True(t, m2.ShouldUseHeadless("persisted.example.com"))
	assert.Equal(t, types.TierLearned, m2.Tier("persisted.example.com"))
}

func TestSnapshotCopiesState(t *testing.T) {
	cfg := baseConfig(t)
	cfg.Manual = []string{"spa.example.com"}
	m := newManager(t, cfg, nil)

	snap := m.Snapshot()
	require.Len(t, snap, 1)
	snap["mutated.example.com"] = HostRecord{Tier: types.TierManual}
	assert.False(t, m.ShouldUseHeadless("mutated.example.com"))
}
