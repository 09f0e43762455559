package browser

import (
	"fmt"
	"strconv"
	"time"

	"github.com/shirou/gopsutil/v4/mem"

	"github.com/newsatlas/crawler/internal/common/configtypes"
)

// Config holds the resolved browser pool settings.
type Config struct {
	PoolSize            string // "auto" or integer string
	MaxPagesPerSession  int
	MaxSessionAge       time.Duration
	HealthCheckInterval time.Duration
	AcquireTimeout      time.Duration
	PageTimeout         time.Duration
	WaitFor             string
	UserAgent           string
}

// NewConfig resolves a Config from YAML config, applying defaults.
func NewConfig(cfg configtypes.BrowserConfig, userAgent string) *Config {
	c := &Config{
		PoolSize:            cfg.PoolSize,
		MaxPagesPerSession:  cfg.MaxPagesPerSession,
		MaxSessionAge:       cfg.MaxSessionAge.ToDuration(),
		HealthCheckInterval: cfg.HealthCheckInterval.ToDuration(),
		AcquireTimeout:      cfg.AcquireTimeout.ToDuration(),
		PageTimeout:         cfg.PageTimeout.ToDuration(),
		WaitFor:             cfg.WaitFor,
		UserAgent:           userAgent,
	}
	if c.PoolSize == "" {
		c.PoolSize = "3"
	}
	if c.MaxPagesPerSession <= 0 {
		c.MaxPagesPerSession = 50
	}
	if c.MaxSessionAge <= 0 {
		c.MaxSessionAge = 10 * time.Minute
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 30 * time.Second
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 30 * time.Second
	}
	if c.PageTimeout <= 0 {
		c.PageTimeout = 45 * time.Second
	}
	if c.WaitFor == "" {
		c.WaitFor = "networkAlmostIdle"
	}
	return c
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.PoolSize != "auto" {
		size, err := strconv.Atoi(c.PoolSize)
		if err != nil {
			return fmt.Errorf("pool size must be 'auto' or a valid integer")
		}
		if size <= 0 {
			return fmt.Errorf("pool size must be positive")
		}
	}
	if c.MaxPagesPerSession <= 0 {
		return fmt.Errorf("max pages per session must be positive")
	}
	if c.MaxSessionAge <= 0 {
		return fmt.Errorf("max session age must be positive")
	}
	switch c.WaitFor {
	case "DOMContentLoaded", "load", "networkIdle", "networkAlmostIdle":
	default:
		return fmt.Errorf("unknown wait_for event %q", c.WaitFor)
	}
	return nil
}

// CalculatePoolSize resolves the session count. "auto" derives from system
// RAM: (total - 2GB reserved) / 500MB per browser.
func (c *Config) CalculatePoolSize() int {
	if c.PoolSize == "auto" {
		return c.autoPoolSize()
	}
	size, err := strconv.Atoi(c.PoolSize)
	if err != nil || size <= 0 {
		return c.autoPoolSize()
	}
	return size
}

func (c *Config) autoPoolSize() int {
	v, err := mem.VirtualMemory()
	var totalRAMBytes int64
	if err != nil {
		totalRAMBytes = 8 * 1024 * 1024 * 1024
	} else {
		totalRAMBytes = int64(v.Total)
	}

	reservedBytes := int64(2 * 1024 * 1024 * 1024)
	perSessionBytes := int64(500 * 1024 * 1024)
	poolSize := int((totalRAMBytes - reservedBytes) / perSessionBytes)

	if poolSize < 1 {
		poolSize = 1
	}
	if poolSize > 16 {
		poolSize = 16
	}
	return poolSize
}
