package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/newsatlas/crawler/internal/common/configtypes"
	"github.com/newsatlas/crawler/internal/common/yamlutil"
	"github.com/newsatlas/crawler/pkg/types"
)

// Type aliases so callers can stay on the config package
type (
	CrawlerConfig  = configtypes.CrawlerConfig
	LogConfig      = configtypes.LogConfig
	MetricsConfig  = configtypes.MetricsConfig
	HostConfig     = configtypes.HostConfig
	SequenceConfig = configtypes.SequenceConfig
)

// EnvConfigPath is the environment variable consulted when no --config flag
// is given and the conventional path does not exist.
const EnvConfigPath = "CRAWLER_CONFIG"

// DefaultConfigPath is the conventional run manifest location.
const DefaultConfigPath = "config/crawler.yaml"

// Manager loads, validates and serves the crawler configuration.
type Manager struct {
	config *CrawlerConfig
	byHost map[string]*configtypes.HostConfig
	bySeq  map[string]*configtypes.SequenceConfig
	path   string
	logger *zap.Logger
}

// ResolvePath resolves the run manifest path: explicit flag first, then the
// conventional location, then the environment variable.
func ResolvePath(flagPath string) (string, error) {
	if flagPath != "" {
		return flagPath, nil
	}
	if _, err := os.Stat(DefaultConfigPath); err == nil {
		return DefaultConfigPath, nil
	}
	if env := os.Getenv(EnvConfigPath); env != "" {
		return env, nil
	}
	return "", fmt.Errorf("no config found: pass --config, create %s, or set %s", DefaultConfigPath, EnvConfigPath)
}

// NewManager loads the configuration from path and applies defaults.
func NewManager(path string, logger *zap.Logger) (*Manager, error) {
	m := &Manager{path: path, logger: logger}
	if err := m.Load(); err != nil {
		return nil, err
	}
	return m, nil
}

// Load reads and validates the configuration file.
func (m *Manager) Load() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}

	var cfg CrawlerConfig
	if err := yamlutil.UnmarshalStrict(data, &cfg); err != nil {
		return fmt.Errorf("invalid config %s: %w", m.path, err)
	}

	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return fmt.Errorf("invalid config %s: %w", m.path, err)
	}

	m.config = &cfg
	m.rebuildIndexes()

	m.logger.Info("Loaded configuration",
		zap.String("path", m.path),
		zap.Int("hosts", len(cfg.Hosts)),
		zap.Int("sequences", len(cfg.Sequences)))
	return nil
}

// MergeOverrides applies a JSON overrides document on top of the loaded
// configuration. Only keys present in the document are replaced; JSON is
// parsed with the YAML decoder so field names and duration formats match the
// file syntax.
func (m *Manager) MergeOverrides(jsonDoc string) error {
	if strings.TrimSpace(jsonDoc) == "" {
		return nil
	}
	if err := yamlutil.UnmarshalStrict([]byte(jsonDoc), m.config); err != nil {
		return fmt.Errorf("invalid overrides: %w", err)
	}
	if err := validate(m.config); err != nil {
		return fmt.Errorf("invalid overrides: %w", err)
	}
	m.rebuildIndexes()
	return nil
}

// Config returns the loaded configuration.
func (m *Manager) Config() *CrawlerConfig {
	return m.config
}

// HostFor returns the per-host override block for a host, or nil.
// Lookup is case-insensitive.
func (m *Manager) HostFor(host string) *configtypes.HostConfig {
	return m.byHost[strings.ToLower(host)]
}

// Sequence returns the named crawl sequence, or nil.
func (m *Manager) Sequence(name string) *configtypes.SequenceConfig {
	return m.bySeq[name]
}

func (m *Manager) rebuildIndexes() {
	m.byHost = make(map[string]*configtypes.HostConfig, len(m.config.Hosts))
	for i := range m.config.Hosts {
		m.byHost[strings.ToLower(m.config.Hosts[i].Host)] = &m.config.Hosts[i]
	}
	m.bySeq = make(map[string]*configtypes.SequenceConfig, len(m.config.Sequences))
	for i := range m.config.Sequences {
		m.bySeq[m.config.Sequences[i].Name] = &m.config.Sequences[i]
	}
}

// applyDefaults fills unset fields with operational defaults.
func applyDefaults(cfg *CrawlerConfig) {
	if cfg.Database.Path == "" {
		cfg.Database.Path = "data/crawler.db"
	}
	if cfg.Database.BusyTimeout == 0 {
		cfg.Database.BusyTimeout = types.Duration(5 * time.Second)
	}
	if cfg.Storage.Compression == "" {
		cfg.Storage.Compression = types.CompressionSnappy
	}

	if cfg.Crawl.UserAgent == "" {
		cfg.Crawl.UserAgent = "Mozilla/5.0 (compatible; NewsAtlasBot/1.0; +https://newsatlas.io/bot)"
	}
	if cfg.Crawl.FetchTimeout == 0 {
		cfg.Crawl.FetchTimeout = types.Duration(30 * time.Second)
	}
	if cfg.Crawl.Workers == "" {
		cfg.Crawl.Workers = "auto"
	}
	if cfg.Crawl.MaxAgeHub == 0 {
		cfg.Crawl.MaxAgeHub = types.Duration(10 * time.Minute)
	}

	if cfg.Politeness.MinDelay == 0 {
		cfg.Politeness.MinDelay = types.Duration(2 * time.Second)
	}
	if cfg.Politeness.MaxDelay == 0 {
		cfg.Politeness.MaxDelay = types.Duration(5 * time.Minute)
	}
	if cfg.Politeness.BackoffFactor == 0 {
		cfg.Politeness.BackoffFactor = 2.0
	}
	if cfg.Politeness.RecoverySuccesses == 0 {
		cfg.Politeness.RecoverySuccesses = 5
	}
	if cfg.Politeness.PerHostConcurrency == 0 {
		cfg.Politeness.PerHostConcurrency = 1
	}

	if cfg.Resilience.FailureThreshold == 0 {
		cfg.Resilience.FailureThreshold = 5
	}
	if cfg.Resilience.RetryWindow == 0 {
		cfg.Resilience.RetryWindow = types.Duration(60 * time.Second)
	}
	if cfg.Resilience.MaxRetryWindow == 0 {
		cfg.Resilience.MaxRetryWindow = types.Duration(time.Hour)
	}
	if cfg.Resilience.StallTimeout == 0 {
		cfg.Resilience.StallTimeout = types.Duration(120 * time.Second)
	}
	if cfg.Resilience.HeartbeatInterval == 0 {
		cfg.Resilience.HeartbeatInterval = types.Duration(15 * time.Second)
	}

	if cfg.Validator.MinContentBytes == 0 {
		cfg.Validator.MinContentBytes = 500
	}

	if cfg.Browser.PoolSize == "" {
		cfg.Browser.PoolSize = "3"
	}
	if cfg.Browser.MaxPagesPerSession == 0 {
		cfg.Browser.MaxPagesPerSession = 50
	}
	if cfg.Browser.MaxSessionAge == 0 {
		cfg.Browser.MaxSessionAge = types.Duration(10 * time.Minute)
	}
	if cfg.Browser.HealthCheckInterval == 0 {
		cfg.Browser.HealthCheckInterval = types.Duration(30 * time.Second)
	}
	if cfg.Browser.AcquireTimeout == 0 {
		cfg.Browser.AcquireTimeout = types.Duration(30 * time.Second)
	}
	if cfg.Browser.PageTimeout == 0 {
		cfg.Browser.PageTimeout = types.Duration(45 * time.Second)
	}
	if cfg.Browser.WaitFor == "" {
		cfg.Browser.WaitFor = "networkIdle"
	}

	if cfg.Domains.StatePath == "" {
		cfg.Domains.StatePath = "data/domain-modes.json"
	}
	if cfg.Domains.AutoLearnThreshold == 0 {
		cfg.Domains.AutoLearnThreshold = 3
	}
	if cfg.Domains.AutoLearnWindow == 0 {
		cfg.Domains.AutoLearnWindow = types.Duration(5 * time.Minute)
	}

	if cfg.Queue.BasePriority == 0 {
		cfg.Queue.BasePriority = 10
	}
	if cfg.Queue.PopulationWeight == 0 {
		cfg.Queue.PopulationWeight = 2.0
	}
	if cfg.Queue.MinPredictedConfidence == 0 {
		cfg.Queue.MinPredictedConfidence = 0.8
	}

	if cfg.Discovery.ArchiveProbeCooldown == 0 {
		cfg.Discovery.ArchiveProbeCooldown = types.Duration(time.Hour)
	}
	if cfg.Discovery.LowQueueThreshold == 0 {
		cfg.Discovery.LowQueueThreshold = 10
	}
	if cfg.Discovery.MaxYearsBack == 0 {
		cfg.Discovery.MaxYearsBack = 2
	}
	if cfg.Discovery.MaxSpeculativePages == 0 {
		cfg.Discovery.MaxSpeculativePages = 3
	}
	if cfg.Discovery.SpeculativeTTL == 0 {
		cfg.Discovery.SpeculativeTTL = types.Duration(time.Hour)
	}

	if cfg.HubProbe.ProbeDelay == 0 {
		cfg.HubProbe.ProbeDelay = types.Duration(500 * time.Millisecond)
	}
	if cfg.HubProbe.DepthCeiling == 0 {
		cfg.HubProbe.DepthCeiling = 4096
	}
	if cfg.HubProbe.TimeTravelSlack == 0 {
		cfg.HubProbe.TimeTravelSlack = types.Duration(7 * 24 * time.Hour)
	}

	if cfg.Predictor.LearnerSchedule == "" {
		cfg.Predictor.LearnerSchedule = "@every 6h"
	}
	if cfg.Predictor.MinSamples == 0 {
		cfg.Predictor.MinSamples = 3
	}

	if cfg.Telemetry.BatchSize == 0 {
		cfg.Telemetry.BatchSize = 64
	}
	if cfg.Telemetry.FlushInterval == 0 {
		cfg.Telemetry.FlushInterval = types.Duration(2 * time.Second)
	}
	if cfg.Telemetry.QueueSize == 0 {
		cfg.Telemetry.QueueSize = 4096
	}

	if cfg.API.Listen == "" {
		cfg.API.Listen = "127.0.0.1:8787"
	}

	// If both log outputs are disabled (zero values), enable console by default
	if !cfg.Log.Console.Enabled && !cfg.Log.File.Enabled {
		cfg.Log.Console.Enabled = true
	}
	if cfg.Log.Console.Format == "" {
		cfg.Log.Console.Format = configtypes.LogFormatConsole
	}
	if cfg.Log.File.Format == "" {
		cfg.Log.File.Format = configtypes.LogFormatText
	}

	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = "127.0.0.1:9091"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = "crawler"
	}

	if cfg.Proxies != nil {
		if cfg.Proxies.Strategy == "" {
			cfg.Proxies.Strategy = types.ProxyStrategyRoundRobin
		}
		if cfg.Proxies.BanThresholdFailures == 0 {
			cfg.Proxies.BanThresholdFailures = 3
		}
		if cfg.Proxies.BanDuration == 0 {
			cfg.Proxies.BanDuration = types.Duration(10 * time.Minute)
		}
	}
}

// validate fails fast on configuration that would misbehave at runtime.
func validate(cfg *CrawlerConfig) error {
	if cfg.Politeness.BackoffFactor < 1.0 {
		return fmt.Errorf("politeness.backoff_factor must be >= 1.0, got %v", cfg.Politeness.BackoffFactor)
	}
	if cfg.Politeness.MinDelay > cfg.Politeness.MaxDelay {
		return fmt.Errorf("politeness.min_delay %s exceeds max_delay %s",
			cfg.Politeness.MinDelay, cfg.Politeness.MaxDelay)
	}
	if cfg.Resilience.FailureThreshold < 1 {
		return fmt.Errorf("resilience.failure_threshold must be >= 1, got %d", cfg.Resilience.FailureThreshold)
	}
	if cfg.Resilience.RetryWindow > cfg.Resilience.MaxRetryWindow {
		return fmt.Errorf("resilience.retry_window %s exceeds max_retry_window %s",
			cfg.Resilience.RetryWindow, cfg.Resilience.MaxRetryWindow)
	}

	switch cfg.Storage.Compression {
	case types.CompressionNone, types.CompressionSnappy, types.CompressionLZ4:
	default:
		return fmt.Errorf("storage.compression must be none, snappy or lz4, got %q", cfg.Storage.Compression)
	}

	if cfg.Crawl.Workers != "auto" {
		n, err := strconv.Atoi(cfg.Crawl.Workers)
		if err != nil || n < 1 {
			return fmt.Errorf("crawl.workers must be a positive number or \"auto\", got %q", cfg.Crawl.Workers)
		}
	}
	if cfg.Browser.PoolSize != "auto" {
		n, err := strconv.Atoi(cfg.Browser.PoolSize)
		if err != nil || n < 1 {
			return fmt.Errorf("browser.pool_size must be a positive number or \"auto\", got %q", cfg.Browser.PoolSize)
		}
	}

	switch cfg.Browser.WaitFor {
	case "DOMContentLoaded", "load", "networkIdle", "networkAlmostIdle":
	default:
		return fmt.Errorf("browser.wait_for must be a page lifecycle event, got %q", cfg.Browser.WaitFor)
	}

	if cfg.API.Enabled {
		if err := configtypes.ValidateListenAddress(cfg.API.Listen); err != nil {
			return fmt.Errorf("api.listen: %w", err)
		}
	}
	if cfg.Metrics.Enabled {
		if err := configtypes.ValidateListenAddress(cfg.Metrics.Listen); err != nil {
			return fmt.Errorf("metrics.listen: %w", err)
		}
	}

	if cfg.Proxies != nil {
		switch cfg.Proxies.Strategy {
		case types.ProxyStrategyRoundRobin, types.ProxyStrategyPriority,
			types.ProxyStrategyRandom, types.ProxyStrategyLeastUsed:
		default:
			return fmt.Errorf("proxies.strategy %q is not supported", cfg.Proxies.Strategy)
		}
		for i, p := range cfg.Proxies.Providers {
			if p.Name == "" || p.Host == "" || p.Port == 0 {
				return fmt.Errorf("proxies.providers[%d] needs name, host and port", i)
			}
		}
	}

	seen := make(map[string]bool, len(cfg.Hosts))
	for i := range cfg.Hosts {
		h := &cfg.Hosts[i]
		if h.Host == "" {
			return fmt.Errorf("hosts[%d].host must not be empty", i)
		}
		key := strings.ToLower(h.Host)
		if seen[key] {
			return fmt.Errorf("duplicate host override for %q", h.Host)
		}
		seen[key] = true
	}

	seqSeen := make(map[string]bool, len(cfg.Sequences))
	for i := range cfg.Sequences {
		s := &cfg.Sequences[i]
		if s.Name == "" {
			return fmt.Errorf("sequences[%d].name must not be empty", i)
		}
		if seqSeen[s.Name] {
			return fmt.Errorf("duplicate sequence %q", s.Name)
		}
		seqSeen[s.Name] = true
		if len(s.StartURLs) == 0 && len(s.SeedFromCache) == 0 {
			return fmt.Errorf("sequence %q has neither start_urls nor seed_from_cache", s.Name)
		}
	}

	return nil
}
