// Package proxy manages the upstream proxy rotation pool: selection
// strategies, ban bookkeeping, and a rotating http.RoundTripper that
// routes fetches through the chosen provider. A nil Manager means direct
// connections.
package proxy

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/newsatlas/crawler/internal/common/configtypes"
	"github.com/newsatlas/crawler/pkg/types"
)

// ErrNoProxyAvailable means every enabled provider is currently banned.
var ErrNoProxyAvailable = errors.New("no proxy available")

// Selector picks an upstream proxy for a request. The fetch pipeline holds
// this interface; a nil Selector means direct connections.
type Selector interface {
	// Select returns the provider to use for the next request.
	Select() (*Provider, error)
	// RecordResult reports the outcome of a request through the provider.
	RecordResult(name string, success bool)
}

// Provider is one upstream proxy with its runtime stats.
type Provider struct {
	Name     string
	Type     string // http or socks5
	Host     string
	Port     int
	Auth     string
	Priority int
	Tags     []string

	mu           sync.Mutex
	uses         int64
	failures     int
	bannedUntil  time.Time
	lastUsedAt   time.Time
	lastFailedAt time.Time
}

// URL returns the proxy URL string for transport configuration.
func (p *Provider) URL() string {
	if p.Auth != "" {
		return fmt.Sprintf("%s://%s@%s:%d", p.Type, p.Auth, p.Host, p.Port)
	}
	return fmt.Sprintf("%s://%s:%d", p.Type, p.Host, p.Port)
}

func (p *Provider) available(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return now.After(p.bannedUntil)
}

// Manager implements Selector over the configured provider list.
type Manager struct {
	mu        sync.Mutex
	providers []*Provider
	byName    map[string]*Provider
	strategy  string
	banAfter  int
	banFor    time.Duration
	rrCursor  int
	logger    *zap.Logger
	clock     func() time.Time
}

// NewManager builds a Manager from config. Disabled providers are skipped;
// an empty provider list is valid and yields ErrNoProxyAvailable on Select.
func NewManager(cfg *configtypes.ProxyConfig, logger *zap.Logger) *Manager {
	m := &Manager{
		byName:   make(map[string]*Provider),
		strategy: types.ProxyStrategyRoundRobin,
		banAfter: 3,
		banFor:   10 * time.Minute,
		logger:   logger,
		clock:    time.Now,
	}
	if cfg == nil {
		return m
	}
	if cfg.Strategy != "" {
		m.strategy = cfg.Strategy
	}
	if cfg.BanThresholdFailures > 0 {
		m.banAfter = cfg.BanThresholdFailures
	}
	if d := cfg.BanDuration.ToDuration(); d > 0 {
		m.banFor = d
	}
	for _, pc := range cfg.Providers {
		if !pc.Enabled {
			continue
		}
		p := &Provider{
			Name:     pc.Name,
			Type:     pc.Type,
			Host:     pc.Host,
			Port:     pc.Port,
			Auth:     pc.Auth,
			Priority: pc.Priority,
			Tags:     pc.Tags,
		}
		m.providers = append(m.providers, p)
		m.byName[p.Name] = p
	}
	return m
}

// Select picks the next provider according to the configured strategy.
func (m *Manager) Select() (*Provider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	var candidates []*Provider
	for _, p := range m.providers {
		if p.available(now) {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return nil, ErrNoProxyAvailable
	}

	var chosen *Provider
	switch m.strategy {
	case types.ProxyStrategyPriority:
		chosen = candidates[0]
		for _, p := range candidates[1:] {
			if p.Priority > chosen.Priority {
				chosen = p
			}
		}
	case types.ProxyStrategyRandom:
		chosen = candidates[rand.Intn(len(candidates))]
	case types.ProxyStrategyLeastUsed:
		chosen = candidates[0]
		for _, p := range candidates[1:] {
			if p.uses < chosen.uses {
				chosen = p
			}
		}
	default: // round-robin
		chosen = candidates[m.rrCursor%len(candidates)]
		m.rrCursor++
	}

	chosen.mu.Lock()
	chosen.uses++
	chosen.lastUsedAt = now
	chosen.mu.Unlock()
	return chosen, nil
}

// RecordResult updates failure stats; banAfter consecutive failures ban the
// provider for banFor.
func (m *Manager) RecordResult(name string, success bool) {
	m.mu.Lock()
	p, ok := m.byName[name]
	m.mu.Unlock()
	if !ok {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if success {
		p.failures = 0
		return
	}
	p.failures++
	p.lastFailedAt = m.clock()
	if p.failures >= m.banAfter {
		p.bannedUntil = m.clock().Add(m.banFor)
		p.failures = 0
		if m.logger != nil {
			m.logger.Warn("Proxy provider banned",
				zap.String("provider", p.Name),
				zap.Time("until", p.bannedUntil))
		}
	}
}

// Providers returns the enabled provider names, for status reporting.
func (m *Manager) Providers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.providers))
	for _, p := range m.providers {
		names = append(names, p.Name)
	}
	return names
}
