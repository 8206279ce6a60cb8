// Package config loads the proxy's configuration from environment
// variables (spec.md §6's table), with an optional YAML file overlay for
// operators who prefer a file — following the teacher's config.Load idiom
// of expanding env vars inside the file before unmarshalling.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the fully resolved proxy configuration.
type Config struct {
	Listen   ListenConfig   `yaml:"listen"`
	Redis    RedisConfig    `yaml:"redis"`
	Limits   LimitsConfig   `yaml:"limits"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// UpstreamConfig controls the proxied REST API and its transport.
type UpstreamConfig struct {
	BaseURL              string        `yaml:"base_url"`
	Timeout              time.Duration `yaml:"timeout"`
	OverloadThreshold    time.Duration `yaml:"overload_threshold"`
	WatchdogWindowSize   int           `yaml:"watchdog_window_size"`
	WatchdogResetTimeout time.Duration `yaml:"watchdog_reset_timeout"`
	MaxDiscoveryRetries  int           `yaml:"max_discovery_retries"`
}

// ListenConfig controls the HTTP listener.
type ListenConfig struct {
	Host          string `yaml:"host"`
	Port          string `yaml:"port"`
	DisableHTTP2  bool   `yaml:"disable_http2"`
	EnableMetrics bool   `yaml:"enable_metrics"`
}

// RedisConfig controls the store connection (spec.md §6 REDIS_* vars).
type RedisConfig struct {
	Host            string `yaml:"host"`
	Port            string `yaml:"port"`
	User            string `yaml:"user"`
	Pass            string `yaml:"pass"`
	PoolSize        int    `yaml:"pool_size"`
	SentinelEnabled bool   `yaml:"sentinel"`
	SentinelMaster  string `yaml:"sentinel_master"`
}

// LimitsConfig controls the admission/overload knobs from spec.md §6.
type LimitsConfig struct {
	LockWaitTimeout        time.Duration `yaml:"lock_wait_timeout"`
	RatelimitAbortPeriod   time.Duration `yaml:"ratelimit_abort_period"`
	GlobalTimeSliceOffset  time.Duration `yaml:"global_time_slice_offset"`
	DisableGlobalRateLimit bool          `yaml:"disable_global_ratelimit"`
	BucketTTL              time.Duration `yaml:"bucket_ttl"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns spec.md §6's defaults, each overridable by its
// environment variable.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{
			Host:          getEnvOrDefault("HOST", "127.0.0.1"),
			Port:          getEnvOrDefault("PORT", "8080"),
			DisableHTTP2:  getBoolOrDefault("DISABLE_HTTP2", false),
			EnableMetrics: getBoolOrDefault("ENABLE_METRICS", true),
		},
		Redis: RedisConfig{
			Host:            getEnvOrDefault("REDIS_HOST", "127.0.0.1"),
			Port:            getEnvOrDefault("REDIS_PORT", "6379"),
			User:            os.Getenv("REDIS_USER"),
			Pass:            os.Getenv("REDIS_PASS"),
			PoolSize:        getIntOrDefault("REDIS_POOL_SIZE", 64),
			SentinelEnabled: getBoolOrDefault("REDIS_SENTINEL", false),
			SentinelMaster:  getEnvOrDefault("REDIS_SENTINEL_MASTER", "mymaster"),
		},
		Limits: LimitsConfig{
			LockWaitTimeout:        getMillisOrDefault("LOCK_WAIT_TIMEOUT", 500),
			RatelimitAbortPeriod:   getMillisOrDefault("RATELIMIT_ABORT_PERIOD", 1000),
			GlobalTimeSliceOffset:  getMillisOrDefault("GLOBAL_TIME_SLICE_OFFSET", 200),
			DisableGlobalRateLimit: getBoolOrDefault("DISABLE_GLOBAL_RATELIMIT", false),
			BucketTTL:              getMillisOrDefault("BUCKET_TTL", 86_400_000),
		},
		Upstream: UpstreamConfig{
			BaseURL:              getEnvOrDefault("UPSTREAM_BASE_URL", "https://discord.com"),
			Timeout:              getMillisOrDefault("UPSTREAM_TIMEOUT", 10_000),
			OverloadThreshold:    getMillisOrDefault("OVERLOAD_THRESHOLD", 250),
			WatchdogWindowSize:   getIntOrDefault("WATCHDOG_WINDOW_SIZE", 50),
			WatchdogResetTimeout: getMillisOrDefault("WATCHDOG_RESET_TIMEOUT", 5_000),
			MaxDiscoveryRetries:  getIntOrDefault("MAX_DISCOVERY_RETRIES", 20),
		},
		Logging: LoggingConfig{
			Level:  getEnvOrDefault("LOG_LEVEL", "info"),
			Format: getEnvOrDefault("LOG_FORMAT", "json"),
		},
	}
}

// Load starts from Default() and overlays a YAML file at path, if given.
// Env vars inside the file are expanded before parsing, same as the
// teacher's config.Load, so operators can write `port: ${PORT}`.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// Addr returns the listener's "host:port" address.
func (c *Config) Addr() string {
	return c.Listen.Host + ":" + c.Listen.Port
}

// RedisAddr returns the store's "host:port" address.
func (c *RedisConfig) RedisAddr() string {
	return c.Host + ":" + c.Port
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultValue
	}
	return b
}

func getIntOrDefault(key string, defaultValue int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultValue
	}
	return n
}

func getMillisOrDefault(key string, defaultMs int64) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return time.Duration(defaultMs) * time.Millisecond
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Duration(defaultMs) * time.Millisecond
	}
	return time.Duration(n) * time.Millisecond
}
