package configtypes

import (
	"github.com/newsatlas/crawler/pkg/types"
)

// Log level constants
const (
	LogLevelDebug  = "debug"
	LogLevelInfo   = "info"
	LogLevelWarn   = "warn"
	LogLevelError  = "error"
	LogLevelDPanic = "dpanic"
	LogLevelPanic  = "panic"
	LogLevelFatal  = "fatal"
)

// Log format constants
const (
	LogFormatJSON    = "json"
	LogFormatConsole = "console"
	LogFormatText    = "text"
)

// CrawlerConfig is the top-level configuration for the crawl engine and its
// subsystems. Loaded from YAML with strict field checking.
type CrawlerConfig struct {
	Database   DatabaseConfig   `yaml:"database"`
	Storage    StorageConfig    `yaml:"storage"`
	Crawl      CrawlConfig      `yaml:"crawl"`
	Politeness PolitenessConfig `yaml:"politeness"`
	Resilience ResilienceConfig `yaml:"resilience"`
	Validator  ValidatorConfig  `yaml:"validator"`
	Browser    BrowserConfig    `yaml:"browser"`
	Domains    DomainModeConfig `yaml:"domains"`
	Queue      QueueConfig      `yaml:"queue"`
	Discovery  DiscoveryConfig  `yaml:"discovery"`
	HubProbe   HubProbeConfig   `yaml:"hub_probe"`
	Predictor  PredictorConfig  `yaml:"predictor"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	API        APIConfig        `yaml:"api"`
	Log        LogConfig        `yaml:"log"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Proxies    *ProxyConfig     `yaml:"proxies,omitempty"`
	Hosts      []HostConfig     `yaml:"hosts,omitempty"`
	Sequences  []SequenceConfig `yaml:"sequences,omitempty"`
}

// DatabaseConfig configures the relational store.
type DatabaseConfig struct {
	Path        string         `yaml:"path"`
	BusyTimeout types.Duration `yaml:"busy_timeout,omitempty"`
}

// StorageConfig configures page body storage.
type StorageConfig struct {
	// Compression algorithm for stored bodies: none, snappy, lz4.
	Compression string `yaml:"compression,omitempty"`
}

// CrawlConfig configures the fetch pipeline and worker loop.
type CrawlConfig struct {
	UserAgent    string         `yaml:"user_agent"`
	FetchTimeout types.Duration `yaml:"fetch_timeout"`
	// Workers is a number or "auto" (sized from active domains).
	Workers string `yaml:"workers,omitempty"`
	// MaxAgeHub is the cache-freshness window for hub-kind URLs; a cached
	// body younger than this satisfies the fetch without a network attempt.
	MaxAgeHub types.Duration `yaml:"max_age_hub"`
	// Verbose re-enables per-step narration suppressed by default.
	Verbose bool `yaml:"verbose,omitempty"`
}

// PolitenessConfig configures the per-host rate limiter.
type PolitenessConfig struct {
	MinDelay           types.Duration `yaml:"min_delay"`
	MaxDelay           types.Duration `yaml:"max_delay"`
	BackoffFactor      float64        `yaml:"backoff_factor"`
	RecoverySuccesses  int            `yaml:"recovery_successes"`
	PerHostConcurrency int            `yaml:"per_host_concurrency"`
}

// ResilienceConfig configures circuit breakers and the stall detector.
type ResilienceConfig struct {
	FailureThreshold  int            `yaml:"failure_threshold"`
	RetryWindow       types.Duration `yaml:"retry_window"`
	MaxRetryWindow    types.Duration `yaml:"max_retry_window"`
	StallTimeout      types.Duration `yaml:"stall_timeout"`
	HeartbeatInterval types.Duration `yaml:"heartbeat_interval"`
}

// ValidatorConfig configures content validation.
type ValidatorConfig struct {
	MinContentBytes int `yaml:"min_content_bytes"`
	// ExtraChallengePatterns extends the built-in challenge-page signals.
	// Pattern syntax: exact, * wildcard, ~ regexp, ~* case-insensitive regexp.
	ExtraChallengePatterns []string `yaml:"extra_challenge_patterns,omitempty"`
}

// BrowserConfig configures the headless browser pool.
type BrowserConfig struct {
	// PoolSize is a number or "auto" (sized from available memory).
	PoolSize            string         `yaml:"pool_size"`
	MaxPagesPerSession  int            `yaml:"max_pages_per_session"`
	MaxSessionAge       types.Duration `yaml:"max_session_age"`
	HealthCheckInterval types.Duration `yaml:"health_check_interval"`
	AcquireTimeout      types.Duration `yaml:"acquire_timeout"`
	PageTimeout         types.Duration `yaml:"page_timeout"`
	// WaitFor is the page lifecycle event rendering waits for:
	// "DOMContentLoaded", "load", "networkIdle", "networkAlmostIdle".
	WaitFor string `yaml:"wait_for,omitempty"`
}

// DomainModeConfig configures headless-domain tracking and auto-learn.
type DomainModeConfig struct {
	StatePath          string         `yaml:"state_path"`
	AutoLearnThreshold int            `yaml:"auto_learn_threshold"`
	AutoLearnWindow    types.Duration `yaml:"auto_learn_window"`
	AutoApprove        bool           `yaml:"auto_approve"`
	// Manual lists hosts pinned to the headless path by the operator.
	Manual []string `yaml:"manual,omitempty"`
}

// QueueConfig configures URL admission and prioritization.
type QueueConfig struct {
	BasePriority float64 `yaml:"base_priority"`
	// PopulationWeight is the k in log10(population+1) * k.
	PopulationWeight float64 `yaml:"population_weight"`
	// MinPredictedConfidence rejects URLs whose predicted class is
	// low-value at or above this confidence.
	MinPredictedConfidence float64 `yaml:"min_predicted_confidence"`
	// BlockPrivateHosts rejects URLs whose host is a private or reserved
	// IP literal at admission. Keep off for local fixtures.
	BlockPrivateHosts bool `yaml:"block_private_hosts,omitempty"`
}

// DiscoveryConfig configures archive probing and pagination speculation.
type DiscoveryConfig struct {
	ArchiveProbeCooldown types.Duration `yaml:"archive_probe_cooldown"`
	LowQueueThreshold    int            `yaml:"low_queue_threshold"`
	MaxYearsBack         int            `yaml:"max_years_back"`
	MaxSpeculativePages  int            `yaml:"max_speculative_pages"`
	SpeculativeTTL       types.Duration `yaml:"speculative_ttl"`
}

// HubProbeConfig configures the hub depth prober.
type HubProbeConfig struct {
	ProbeDelay types.Duration `yaml:"probe_delay"`
	// DepthCeiling bounds the exponential search.
	DepthCeiling int `yaml:"depth_ceiling"`
	// TimeTravelSlack is how far forward the oldest-article date may move
	// between consecutive good pages before loopback is assumed.
	TimeTravelSlack types.Duration `yaml:"time_travel_slack"`
}

// PredictorConfig configures the URL-classification predictor and the
// pattern learner batch.
type PredictorConfig struct {
	// LearnerSchedule is a cron expression for the pattern learner batch.
	LearnerSchedule string `yaml:"learner_schedule,omitempty"`
	// MinSamples is the minimum verified URLs per structural signature.
	MinSamples int `yaml:"min_samples"`
}

// TelemetryConfig configures the batched event writer.
type TelemetryConfig struct {
	BatchSize     int            `yaml:"batch_size"`
	FlushInterval types.Duration `yaml:"flush_interval"`
	QueueSize     int            `yaml:"queue_size,omitempty"`
}

// APIConfig configures the hub-archive control API.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	AuthKey string `yaml:"auth_key,omitempty"`
}

type LogConfig struct {
	Level   string           `yaml:"level"`
	Console ConsoleLogConfig `yaml:"console"`
	File    FileLogConfig    `yaml:"file"`
}

type ConsoleLogConfig struct {
	Enabled bool   `yaml:"enabled"`
	Format  string `yaml:"format"`
	Level   string `yaml:"level,omitempty"`
}

type FileLogConfig struct {
	Enabled  bool           `yaml:"enabled"`
	Path     string         `yaml:"path"`
	Format   string         `yaml:"format"`
	Level    string         `yaml:"level,omitempty"`
	Rotation RotationConfig `yaml:"rotation"`
}

type RotationConfig struct {
	MaxSize    int  `yaml:"max_size"`
	MaxAge     int  `yaml:"max_age"`
	MaxBackups int  `yaml:"max_backups"`
	Compress   bool `yaml:"compress"`
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Listen    string `yaml:"listen"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// ProxyConfig configures proxy rotation for the fetch path.
type ProxyConfig struct {
	Providers []ProxyProvider `yaml:"providers"`
	// Strategy: round-robin, priority, random, least-used.
	Strategy             string         `yaml:"strategy"`
	BanThresholdFailures int            `yaml:"ban_threshold_failures"`
	BanDuration          types.Duration `yaml:"ban_duration"`
}

// ProxyProvider describes one upstream proxy.
type ProxyProvider struct {
	Name     string   `yaml:"name"`
	Type     string   `yaml:"type"` // http or socks5
	Host     string   `yaml:"host"`
	Port     int      `yaml:"port"`
	Auth     string   `yaml:"auth,omitempty"` // user:pass
	Priority int      `yaml:"priority,omitempty"`
	Enabled  bool     `yaml:"enabled"`
	Tags     []string `yaml:"tags,omitempty"`
}

// HostConfig carries per-host overrides.
type HostConfig struct {
	Host string `yaml:"host"`
	// MinDelay overrides the politeness floor for this host.
	MinDelay *types.Duration `yaml:"min_delay,omitempty"`
	// URLRules drive skip/headless/boost decisions for this host's URLs.
	URLRules types.URLRules `yaml:"url_rules,omitempty"`
}

// SequenceConfig is a named crawl sequence: a reusable start-URL set with
// optional per-run overrides.
type SequenceConfig struct {
	Name      string   `yaml:"name"`
	StartURLs []string `yaml:"start_urls"`
	// SeedFromCache lists hosts whose previously fetched hubs are replayed
	// as virtual queue entries.
	SeedFromCache []string `yaml:"seed_from_cache,omitempty"`
	MaxPages      int      `yaml:"max_pages,omitempty"`
}
