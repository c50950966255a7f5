// Package config defines the application configuration surface and its viper
// loading. The config file is YAML; every key can also be supplied through the
// environment with the CLOUDBROWSER_ prefix.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Proxy ordering modes understood by the selector.
const (
	OrderingRandom     = "random"
	OrderingRoundRobin = "round-robin"
)

// Config holds the entire application configuration.
type Config struct {
	Logger LoggerConfig `mapstructure:"logger" yaml:"logger"`
	Pool   PoolConfig   `mapstructure:"pool" yaml:"pool"`
}

// LoggerConfig controls the global zap logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"` // "console" or "json"
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"` // megabytes
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"` // days
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// PoolConfig configures the browser pool and everything a worker needs to
// bring a session up: the allocation endpoint, proxies, quotas and timeouts.
type PoolConfig struct {
	// APIHost is the base URL of the browser allocation service.
	APIHost string `mapstructure:"api_host" yaml:"api_host"`
	// APIToken is sent as the x-cloud-api-token header on allocation calls.
	APIToken string `mapstructure:"api_token" yaml:"api_token"`

	// NumBrowsers is the number of pool slots (concurrent browser sessions).
	NumBrowsers int `mapstructure:"num_browsers" yaml:"num_browsers"`
	// PagesPerBrowser caps pages served by one session before it is
	// recycled. Zero means unlimited.
	PagesPerBrowser int `mapstructure:"pages_per_browser" yaml:"pages_per_browser"`
	// StartConcurrency bounds how many allocation calls may run at once
	// across all workers.
	StartConcurrency int64 `mapstructure:"start_concurrency" yaml:"start_concurrency"`

	Proxies       []string `mapstructure:"proxies" yaml:"proxies"`
	ProxyOrdering string   `mapstructure:"proxy_ordering" yaml:"proxy_ordering"`

	// AllocateTimeout bounds the HTTP allocation call; ConnectTimeout bounds
	// the websocket dial + handshake; RequestTimeout bounds one page request.
	AllocateTimeout   time.Duration `mapstructure:"allocate_timeout" yaml:"allocate_timeout"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`

	// BrowserSettings and Fingerprint are forwarded verbatim to the
	// allocation service.
	BrowserSettings map[string]any `mapstructure:"browser_settings" yaml:"browser_settings"`
	Fingerprint     map[string]any `mapstructure:"fingerprint" yaml:"fingerprint"`
}

// SetDefaults registers every default on the given viper instance. Defaults
// match the original service deployment values.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.service_name", "cloudbrowser")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 28)

	v.SetDefault("pool.num_browsers", 1)
	v.SetDefault("pool.pages_per_browser", 100)
	v.SetDefault("pool.start_concurrency", 10)
	v.SetDefault("pool.proxy_ordering", OrderingRandom)
	v.SetDefault("pool.allocate_timeout", time.Minute)
	v.SetDefault("pool.connect_timeout", 10*time.Second)
	v.SetDefault("pool.request_timeout", time.Minute)
	v.SetDefault("pool.heartbeat_interval", 5*time.Second)
}

// Load reads the config file (optional) plus environment into a Config. An
// empty path falls back to ./config.yaml if present.
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("CLOUDBROWSER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// No config file; defaults and env vars carry the day.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the pool configuration for values the runtime cannot work
// around.
func (c *PoolConfig) Validate() error {
	if c.APIHost == "" {
		return fmt.Errorf("pool.api_host is required")
	}
	if c.APIToken == "" {
		return fmt.Errorf("pool.api_token is required")
	}
	if c.NumBrowsers < 1 {
		return fmt.Errorf("pool.num_browsers must be at least 1, got %d", c.NumBrowsers)
	}
	if c.PagesPerBrowser < 0 {
		return fmt.Errorf("pool.pages_per_browser must not be negative, got %d", c.PagesPerBrowser)
	}
	if c.StartConcurrency < 1 {
		return fmt.Errorf("pool.start_concurrency must be at least 1, got %d", c.StartConcurrency)
	}
	switch c.ProxyOrdering {
	case OrderingRandom, OrderingRoundRobin:
	default:
		return fmt.Errorf("pool.proxy_ordering must be %q or %q, got %q",
			OrderingRandom, OrderingRoundRobin, c.ProxyOrdering)
	}
	return nil
}
