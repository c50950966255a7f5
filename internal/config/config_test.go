package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
pool:
  api_host: https://cloud.example.com
  api_token: tok
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://cloud.example.com", cfg.Pool.APIHost)
	assert.Equal(t, "tok", cfg.Pool.APIToken)
	assert.Equal(t, 1, cfg.Pool.NumBrowsers)
	assert.Equal(t, 100, cfg.Pool.PagesPerBrowser)
	assert.EqualValues(t, 10, cfg.Pool.StartConcurrency)
	assert.Equal(t, OrderingRandom, cfg.Pool.ProxyOrdering)
	assert.Equal(t, time.Minute, cfg.Pool.AllocateTimeout)
	assert.Equal(t, 10*time.Second, cfg.Pool.ConnectTimeout)
	assert.Equal(t, time.Minute, cfg.Pool.RequestTimeout)
	assert.Equal(t, 5*time.Second, cfg.Pool.HeartbeatInterval)

	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, "console", cfg.Logger.Format)
	assert.Equal(t, "cloudbrowser", cfg.Logger.ServiceName)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
logger:
  level: debug
  format: json
pool:
  api_host: https://cloud.example.com
  api_token: tok
  num_browsers: 8
  pages_per_browser: 0
  proxy_ordering: round-robin
  proxies:
    - http://proxy-1:3128
    - http://proxy-2:3128
  heartbeat_interval: 250ms
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.Equal(t, "json", cfg.Logger.Format)
	assert.Equal(t, 8, cfg.Pool.NumBrowsers)
	assert.Equal(t, 0, cfg.Pool.PagesPerBrowser)
	assert.Equal(t, OrderingRoundRobin, cfg.Pool.ProxyOrdering)
	assert.Equal(t, []string{"http://proxy-1:3128", "http://proxy-2:3128"}, cfg.Pool.Proxies)
	assert.Equal(t, 250*time.Millisecond, cfg.Pool.HeartbeatInterval)
}

func TestLoadFailsOnMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := PoolConfig{
		APIHost:          "https://cloud.example.com",
		APIToken:         "tok",
		NumBrowsers:      1,
		StartConcurrency: 1,
		ProxyOrdering:    OrderingRandom,
	}
	require.NoError(t, valid.Validate())

	cases := []struct {
		name   string
		mutate func(*PoolConfig)
	}{
		{"missing host", func(c *PoolConfig) { c.APIHost = "" }},
		{"missing token", func(c *PoolConfig) { c.APIToken = "" }},
		{"zero browsers", func(c *PoolConfig) { c.NumBrowsers = 0 }},
		{"negative quota", func(c *PoolConfig) { c.PagesPerBrowser = -1 }},
		{"zero start concurrency", func(c *PoolConfig) { c.StartConcurrency = 0 }},
		{"bad ordering", func(c *PoolConfig) { c.ProxyOrdering = "shuffled" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
