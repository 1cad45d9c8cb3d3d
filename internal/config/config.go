// Package config loads server configuration from defaults, an optional YAML
// file and the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Store kinds.
const (
	StoreMemory     = "memory"
	StorePostgres   = "postgres"
	StoreClickhouse = "clickhouse"
)

// Config is the full server configuration.
type Config struct {
	ListenAddr  string `yaml:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr"`

	Store         string `yaml:"store"`
	PostgresDSN   string `yaml:"postgres_dsn"`
	ClickhouseDSN string `yaml:"clickhouse_dsn"`

	DefaultTicker string   `yaml:"default_ticker"`
	Tickers       []string `yaml:"tickers"`

	BackfillTimeout      time.Duration `yaml:"backfill_timeout"`
	SubscribeTimeout     time.Duration `yaml:"subscribe_timeout"`
	PollInterval         time.Duration `yaml:"poll_interval"`
	ListenHealthInterval time.Duration `yaml:"listen_health_interval"`
	SubscriberBuffer     int           `yaml:"subscriber_buffer"`

	AllowedOrigins []string `yaml:"allowed_origins"`

	Log     LogConfig     `yaml:"log"`
	Breaker BreakerConfig `yaml:"breaker"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// BreakerConfig configures the circuit breaker around backfill reads.
type BreakerConfig struct {
	MaxRequests  uint32        `yaml:"max_requests"`
	Interval     time.Duration `yaml:"interval"`
	Timeout      time.Duration `yaml:"timeout"`
	MinRequests  uint32        `yaml:"min_requests"`
	FailureRatio float64       `yaml:"failure_ratio"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ListenAddr:           ":8080",
		MetricsAddr:          ":9090",
		Store:                StoreMemory,
		DefaultTicker:        "BTC-USD",
		Tickers:              []string{"BTC-USD"},
		BackfillTimeout:      10 * time.Second,
		SubscribeTimeout:     10 * time.Second,
		PollInterval:         500 * time.Millisecond,
		ListenHealthInterval: 15 * time.Second,
		SubscriberBuffer:     256,
		Log:                  LogConfig{Level: "info"},
		Breaker: BreakerConfig{
			MaxRequests:  3,
			Interval:     10 * time.Second,
			Timeout:      30 * time.Second,
			MinRequests:  3,
			FailureRatio: 0.6,
		},
	}
}

// Load returns the defaults overlaid with the YAML file at path (skipped when
// path is empty) and then with the process environment. It does not validate.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file %q: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadEnvFile loads variables from .env style files into the process
// environment without overriding variables already set. Missing files are
// ignored.
func LoadEnvFile(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load env file %q: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv overrides fields from environment variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("STREAM_LISTEN_ADDR", &c.ListenAddr)
	str("STREAM_METRICS_ADDR", &c.MetricsAddr)
	str("STREAM_STORE", &c.Store)
	str("POSTGRES_DSN", &c.PostgresDSN)
	str("CLICKHOUSE_DSN", &c.ClickhouseDSN)
	str("STREAM_DEFAULT_TICKER", &c.DefaultTicker)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FILE", &c.Log.File)

	if v, ok := lookup("STREAM_TICKERS"); ok && v != "" {
		c.Tickers = SplitList(v)
	}
	if v, ok := lookup("STREAM_ALLOWED_ORIGINS"); ok && v != "" {
		c.AllowedOrigins = SplitList(v)
	}
	if v, ok := lookup("STREAM_BACKFILL_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("STREAM_BACKFILL_TIMEOUT: %w", err)
		}
		c.BackfillTimeout = d
	}
	if v, ok := lookup("STREAM_SUBSCRIBE_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("STREAM_SUBSCRIBE_TIMEOUT: %w", err)
		}
		c.SubscribeTimeout = d
	}
	if v, ok := lookup("STREAM_SUBSCRIBER_BUFFER"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("STREAM_SUBSCRIBER_BUFFER: %w", err)
		}
		c.SubscriberBuffer = n
	}
	return nil
}

// SplitList splits a comma-separated list, dropping blanks.
func SplitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks the configuration for the selected store.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen_addr cannot be empty")
	}
	switch c.Store {
	case StoreMemory:
	case StorePostgres:
		if c.PostgresDSN == "" {
			return errors.New("postgres_dsn is required for the postgres store")
		}
	case StoreClickhouse:
		if c.ClickhouseDSN == "" {
			return errors.New("clickhouse_dsn is required for the clickhouse store")
		}
	default:
		return fmt.Errorf("unknown store %q (want memory, postgres or clickhouse)", c.Store)
	}

	if len(c.Tickers) == 0 {
		return errors.New("at least one ticker must be configured")
	}
	if c.DefaultTicker == "" {
		return errors.New("default_ticker cannot be empty")
	}
	found := false
	for _, t := range c.Tickers {
		if t == c.DefaultTicker {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("default_ticker %q is not in tickers", c.DefaultTicker)
	}

	if c.BackfillTimeout <= 0 {
		return errors.New("backfill_timeout must be greater than 0")
	}
	if c.SubscribeTimeout <= 0 {
		return errors.New("subscribe_timeout must be greater than 0")
	}
	if c.PollInterval <= 0 {
		return errors.New("poll_interval must be greater than 0")
	}
	if c.ListenHealthInterval <= 0 {
		return errors.New("listen_health_interval must be greater than 0")
	}
	if c.SubscriberBuffer <= 0 {
		return errors.New("subscriber_buffer must be greater than 0")
	}
	if c.Breaker.FailureRatio <= 0 || c.Breaker.FailureRatio > 1 {
		return fmt.Errorf("breaker.failure_ratio must be in (0, 1], got %v", c.Breaker.FailureRatio)
	}
	if c.Breaker.Timeout <= 0 {
		return errors.New("breaker.timeout must be greater than 0")
	}
	return nil
}
