package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "crawler.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const minimalConfig = `
database:
  path: ":memory:"
crawl:
  user_agent: "test-agent"
`

func TestManager_LoadsAndAppliesDefaults(t *testing.T) {
	path := writeConfig(t, minimalConfig)

	m, err := NewManager(path, zap.NewNop())
	require.NoError(t, err)

	cfg := m.Config()
	assert.Equal(t, "test-agent", cfg.Crawl.UserAgent)
	assert.Equal(t, 30*time.Second, cfg.Crawl.FetchTimeout.ToDuration())
	assert.Equal(t, 10*time.Minute, cfg.Crawl.MaxAgeHub.ToDuration())
	assert.Equal(t, 2*time.Second, cfg.Politeness.MinDelay.ToDuration())
	assert.Equal(t, 2.0, cfg.Politeness.BackoffFactor)
	assert.Equal(t, 5, cfg.Politeness.RecoverySuccesses)
	assert.Equal(t, 1, cfg.Politeness.PerHostConcurrency)
	assert.Equal(t, 5, cfg.Resilience.FailureThreshold)
	assert.Equal(t, 60*time.Second, cfg.Resilience.RetryWindow.ToDuration())
	assert.Equal(t, 500, cfg.Validator.MinContentBytes)
	assert.Equal(t, "3", cfg.Browser.PoolSize)
	assert.Equal(t, 50, cfg.Browser.MaxPagesPerSession)
	assert.Equal(t, 3, cfg.Domains.AutoLearnThreshold)
	assert.Equal(t, 5*time.Minute, cfg.Domains.AutoLearnWindow.ToDuration())
	assert.Equal(t, 500*time.Millisecond, cfg.HubProbe.ProbeDelay.ToDuration())
	assert.Equal(t, 7*24*time.Hour, cfg.HubProbe.TimeTravelSlack.ToDuration())
	assert.Equal(t, "snappy", cfg.Storage.Compression)
	assert.True(t, cfg.Log.Console.Enabled, "console logging enabled by default")
}

func TestManager_StrictFieldChecking(t *testing.T) {
	path := writeConfig(t, "crawl:\n  user_agnet: typo\n")

	_, err := NewManager(path, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown configuration field")
}

func TestManager_ValidationFailures(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantMsg string
	}{
		{
			name:    "backoff below one",
			yaml:    "politeness:\n  backoff_factor: 0.5\n",
			wantMsg: "backoff_factor",
		},
		{
			name:    "min delay above max",
			yaml:    "politeness:\n  min_delay: 10m\n  max_delay: 1s\n",
			wantMsg: "min_delay",
		},
		{
			name:    "bad compression",
			yaml:    "storage:\n  compression: zstd\n",
			wantMsg: "compression",
		},
		{
			name:    "bad workers",
			yaml:    "crawl:\n  workers: many\n",
			wantMsg: "workers",
		},
		{
			name:    "bad wait_for",
			yaml:    "browser:\n  wait_for: idle\n",
			wantMsg: "wait_for",
		},
		{
			name:    "duplicate hosts",
			yaml:    "hosts:\n  - host: example.com\n  - host: EXAMPLE.com\n",
			wantMsg: "duplicate host",
		},
		{
			name:    "sequence without urls",
			yaml:    "sequences:\n  - name: empty\n",
			wantMsg: "neither start_urls",
		},
		{
			name:    "bad proxy strategy",
			yaml:    "proxies:\n  strategy: sticky\n  providers: []\n",
			wantMsg: "strategy",
		},
		{
			name:    "bad api listen",
			yaml:    "api:\n  enabled: true\n  listen: \"nowhere\"\n",
			wantMsg: "api.listen",
		},
		{
			name:    "metrics listen port out of range",
			yaml:    "metrics:\n  enabled: true\n  listen: \":99999\"\n",
			wantMsg: "metrics.listen",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.yaml)
			_, err := NewManager(path, zap.NewNop())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestManager_HostLookupCaseInsensitive(t *testing.T) {
	path := writeConfig(t, `
hosts:
  - host: www.theguardian.com
    min_delay: 3s
    url_rules:
      - match: /tag/*
        action: skip
`)

	m, err := NewManager(path, zap.NewNop())
	require.NoError(t, err)

	h := m.HostFor("WWW.THEGUARDIAN.COM")
	require.NotNil(t, h)
	require.NotNil(t, h.MinDelay)
	assert.Equal(t, 3*time.Second, h.MinDelay.ToDuration())
	require.Len(t, h.URLRules, 1)
	assert.True(t, h.URLRules[0].Matches("/tag/politics"))

	assert.Nil(t, m.HostFor("other.example.com"))
}

func TestManager_Sequences(t *testing.T) {
	path := writeConfig(t, `
sequences:
  - name: world-hubs
    start_urls:
      - https://www.theguardian.com/world
    max_pages: 100
  - name: replay
    seed_from_cache: [www.theguardian.com]
`)

	m, err := NewManager(path, zap.NewNop())
	require.NoError(t, err)

	seq := m.Sequence("world-hubs")
	require.NotNil(t, seq)
	assert.Equal(t, 100, seq.MaxPages)
	assert.Len(t, seq.StartURLs, 1)

	replay := m.Sequence("replay")
	require.NotNil(t, replay)
	assert.Equal(t, []string{"www.theguardian.com"}, replay.SeedFromCache)

	assert.Nil(t, m.Sequence("missing"))
}

func TestManager_MergeOverrides(t *testing.T) {
	path := writeConfig(t, minimalConfig)

	m, err := NewManager(path, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, m.MergeOverrides(`{"politeness": {"min_delay": "1s"}, "crawl": {"verbose": true}}`))
	assert.Equal(t, time.Second, m.Config().Politeness.MinDelay.ToDuration())
	assert.True(t, m.Config().Crawl.Verbose)
	// untouched sections keep their values
	assert.Equal(t, "test-agent", m.Config().Crawl.UserAgent)

	// empty override is a no-op
	require.NoError(t, m.MergeOverrides("  "))

	// overrides are validated like file config
	err = m.MergeOverrides(`{"politeness": {"backoff_factor": 0.1}}`)
	require.Error(t, err)
}

func TestResolvePath(t *testing.T) {
	t.Run("flag wins", func(t *testing.T) {
		got, err := ResolvePath("/tmp/explicit.yaml")
		require.NoError(t, err)
		assert.Equal(t, "/tmp/explicit.yaml", got)
	})

	t.Run("env fallback", func(t *testing.T) {
		t.Setenv(EnvConfigPath, "/tmp/from-env.yaml")
		got, err := ResolvePath("")
		require.NoError(t, err)
		assert.Equal(t, "/tmp/from-env.yaml", got)
	})

	t.Run("nothing found", func(t *testing.T) {
		t.Setenv(EnvConfigPath, "")
		_, err := ResolvePath("")
		require.Error(t, err)
	})
}
