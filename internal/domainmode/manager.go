// Package domainmode tracks which hosts require headless fetching. Hosts
// can be pinned manually, or learned automatically when a host keeps
// resetting plain HTTP connections. State persists as JSON across runs.
package domainmode

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/newsatlas/crawler/internal/common/configtypes"
	"github.com/newsatlas/crawler/internal/telemetry"
	"github.com/newsatlas/crawler/pkg/types"
)

// HostRecord is the persisted per-host entry.
type HostRecord struct {
	Tier      types.DomainTier `json:"tier"`
	LearnedAt time.Time        `json:"learned_at,omitempty"`
	Reason    string           `json:"reason,omitempty"`
}

type stateFile struct {
	Hosts map[string]HostRecord `json:"hosts"`
}

// Manager decides ShouldUseHeadless per host and learns new headless hosts
// from repeated connection resets.
type Manager struct {
	cfg     configtypes.DomainModeConfig
	emitter telemetry.Emitter
	logger  *zap.Logger

	mu       sync.Mutex
	hosts    map[string]HostRecord
	failures map[string][]time.Time
	clock    func() time.Time
}

// NewManager creates a Manager, loading persisted state when present and
// applying the manual host list from config.
func NewManager(cfg configtypes.DomainModeConfig, emitter telemetry.Emitter, logger *zap.Logger) (*Manager, error) {
	if emitter == nil {
		emitter = telemetry.NoopEmitter{}
	}
	m := &Manager{
		cfg:      cfg,
		emitter:  emitter,
		logger:   logger,
		hosts:    make(map[string]HostRecord),
		failures: make(map[string][]time.Time),
		clock:    time.Now,
	}

	if err := m.load(); err != nil {
		return nil, err
	}

	for _, host := range cfg.Manual {
		if existing, ok := m.hosts[host]; ok && existing.Tier.AtLeast(types.TierManual) {
			continue
		}
		m.hosts[host] = HostRecord{Tier: types.TierManual, Reason: "configured"}
	}

	return m, nil
}

// ShouldUseHeadless reports whether host must fetch through the browser
// pool. Pending hosts stay on plain HTTP until approved.
func (m *Manager) ShouldUseHeadless(host string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.hosts[host]
	return ok && rec.Tier.AtLeast(types.TierLearned)
}

// Tier returns the host's current tier.
func (m *Manager) Tier(host string) types.DomainTier {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hosts[host].Tier
}

// RecordConnectionReset records one connection-level failure for host.
// Reaching the auto-learn threshold inside the rolling window promotes the
// host to learned (auto-approve on) or pending (off).
func (m *Manager) RecordConnectionReset(host, detail string) {
	now := m.clock()
	window := m.window()
	threshold := m.threshold()

	m.mu.Lock()
	if rec, ok := m.hosts[host]; ok && rec.Tier.AtLeast(types.TierLearned) {
		m.mu.Unlock()
		return
	}

	recent := m.failures[host][:0]
	for _, ts := range m.failures[host] {
		if now.Sub(ts) <= window {
			recent = append(recent, ts)
		}
	}
	recent = append(recent, now)
	m.failures[host] = recent
	count := len(recent)

	promoted := false
	var tier types.DomainTier
	if count >= threshold {
		if m.cfg.AutoApprove {
			tier = types.TierLearned
		} else {
			tier = types.TierPending
		}
		m.hosts[host] = HostRecord{
			Tier:      tier,
			LearnedAt: now.UTC(),
			Reason:    fmt.Sprintf("%d connection resets in %s", count, window),
		}
		delete(m.failures, host)
		promoted = true
	}
	m.mu.Unlock()

	m.emitter.Emit(telemetry.Event{
		Type:     telemetry.EventFailureRecorded,
		Scope:    "host",
		Target:   host,
		Payload:  map[string]any{"detail": detail, "recent_failures": count},
		Severity: telemetry.SeverityInfo,
	})

	if promoted {
		eventType := telemetry.EventDomainPending
		if tier == types.TierLearned {
			eventType = telemetry.EventDomainLearned
		}
		m.emitter.Emit(telemetry.Event{
			Type:     eventType,
			Severity: telemetry.SeverityWarn,
			Scope:    "host",
			Target:   host,
			Payload:  map[string]any{"tier": string(tier), "failures": count},
		})
		m.logger.Warn("host promoted to headless tier",
			zap.String("host", host), zap.String("tier", string(tier)))
		if err := m.Save(); err != nil {
			m.logger.Error("failed to persist domain state", zap.Error(err))
		}
	}
}

// Approve moves a pending host to learned.
func (m *Manager) Approve(host string) error {
	m.mu.Lock()
	rec, ok := m.hosts[host]
	if !ok || rec.Tier != types.TierPending {
		m.mu.Unlock()
		return fmt.Errorf("host %s is not pending", host)
	}
	rec.Tier = types.TierLearned
	m.hosts[host] = rec
	m.mu.Unlock()

	m.emitter.Emit(telemetry.Event{
		Type:   telemetry.EventDomainLearned,
		Scope:  "host",
		Target: host,
		Payload: map[string]any{
			"tier":     string(types.TierLearned),
			"approved": true,
		},
	})
	return m.Save()
}

// Snapshot returns a copy of all host records, for status reporting.
func (m *Manager) Snapshot() map[string]HostRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]HostRecord, len(m.hosts))
	for host, rec := range m.hosts {
		out[host] = rec
	}
	return out
}

// Save persists the current state with a write-then-rename so a crash
// mid-write never corrupts the file.
func (m *Manager) Save() error {
	path := m.cfg.StatePath
	if path == "" {
		return nil
	}

	m.mu.Lock()
	state := stateFile{Hosts: make(map[string]HostRecord, len(m.hosts))}
	for host, rec := range m.hosts {
		state.Hosts[host] = rec
	}
	m.mu.Unlock()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("domainmode: marshal state: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("domainmode: create state dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("domainmode: write state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("domainmode: rename state: %w", err)
	}
	return nil
}

func (m *Manager) load() error {
	path := m.cfg.StatePath
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("domainmode: read state: %w", err)
	}

	var state stateFile
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("domainmode: parse state %s: %w", path, err)
	}
	for host, rec := range state.Hosts {
		m.hosts[host] = rec
	}
	return nil
}

func (m *Manager) threshold() int {
	if m.cfg.AutoLearnThreshold > 0 {
		return m.cfg.AutoLearnThreshold
	}
	return 3
}

func (m *Manager) window() time.Duration {
	if w := m.cfg.AutoLearnWindow.ToDuration(); w > 0 {
		return w
	}
	return 5 * time.Minute
}
