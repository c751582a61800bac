// Package config defines the market engine configuration and its
// validation.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration. Fields are populated from an optional
// TOML file and then overridden by environment variables.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Redis    RedisConfig    `toml:"redis"`
	Market   MarketConfig   `toml:"market"`
	Trade    TradeConfig    `toml:"trade"`
	Log      LogConfig      `toml:"log"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port            int      `toml:"port"`
	ReadTimeout     duration `toml:"read_timeout"`
	WriteTimeout    duration `toml:"write_timeout"`
	IdleTimeout     duration `toml:"idle_timeout"`
	RequestTimeout  duration `toml:"request_timeout"`
	ShutdownTimeout duration `toml:"shutdown_timeout"`
	CORSOrigins     []string `toml:"cors_origins"`
	// RateLimit is the sustained requests per second allowed per client IP
	// on mutating routes. Zero disables limiting.
	RateLimit float64 `toml:"rate_limit"`
	RateBurst int     `toml:"rate_burst"`
}

// DatabaseConfig selects and configures the persistence backend.
type DatabaseConfig struct {
	// Driver is postgres, sqlite or memory. Empty means infer from URL.
	Driver       string `toml:"driver"`
	URL          string `toml:"url"`
	PoolMaxConns int    `toml:"pool_max_conns"`
	PoolMinConns int    `toml:"pool_min_conns"`
	Migrate      bool   `toml:"migrate"`
}

// RedisConfig enables the market cache and the distributed trade lock.
type RedisConfig struct {
	URL      string   `toml:"url"`
	CacheTTL duration `toml:"cache_ttl"`
}

// MarketConfig holds defaults for newly created markets.
type MarketConfig struct {
	DefaultB       float64 `toml:"default_b"`
	DefaultFeeRate float64 `toml:"default_fee_rate"`
}

// TradeConfig tunes trade execution.
type TradeConfig struct {
	MaxRetries    int      `toml:"max_retries"`
	RetryBackoff  duration `toml:"retry_backoff"`
	LockTTL       duration `toml:"lock_ttl"`
	CommitTimeout duration `toml:"commit_timeout"`
}

// LogConfig controls the process logger. An empty File logs to stdout only.
type LogConfig struct {
	Level      string `toml:"level"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding like "5s" or "250ms".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config with every field set to its built-in default.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     duration{10 * time.Second},
			WriteTimeout:    duration{10 * time.Second},
			IdleTimeout:     duration{60 * time.Second},
			RequestTimeout:  duration{30 * time.Second},
			ShutdownTimeout: duration{5 * time.Second},
			CORSOrigins:     []string{"*"},
			RateLimit:       20,
			RateBurst:       40,
		},
		Database: DatabaseConfig{
			PoolMaxConns: 10,
			PoolMinConns: 2,
			Migrate:      true,
		},
		Redis: RedisConfig{
			CacheTTL: duration{30 * time.Second},
		},
		Market: MarketConfig{
			DefaultB:       10,
			DefaultFeeRate: 0.01,
		},
		Trade: TradeConfig{
			MaxRetries:    5,
			RetryBackoff:  duration{10 * time.Millisecond},
			LockTTL:       duration{5 * time.Second},
			CommitTimeout: duration{5 * time.Second},
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Compress:   true,
		},
	}
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// DatabaseDriver returns the configured driver, inferring it from the URL
// scheme when unset.
func (c *Config) DatabaseDriver() string {
	if c.Database.Driver != "" {
		return strings.ToLower(c.Database.Driver)
	}
	switch u := c.Database.URL; {
	case u == "":
		return "memory"
	case strings.HasPrefix(u, "sqlite:"), strings.HasSuffix(u, ".db"):
		return "sqlite"
	default:
		return "postgres"
	}
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port %d out of range", c.Server.Port))
	}
	if c.Server.RateLimit < 0 {
		errs = append(errs, "server: rate_limit must not be negative")
	}
	if c.Server.RateLimit > 0 && c.Server.RateBurst < 1 {
		errs = append(errs, "server: rate_burst must be at least 1 when rate_limit is set")
	}

	switch c.DatabaseDriver() {
	case "memory":
	case "postgres", "sqlite":
		if c.Database.URL == "" {
			errs = append(errs, "database: url is required for driver "+c.DatabaseDriver())
		}
	default:
		errs = append(errs, fmt.Sprintf("database: unknown driver %q (valid: postgres, sqlite, memory)", c.Database.Driver))
	}
	if c.Database.PoolMaxConns < c.Database.PoolMinConns {
		errs = append(errs, "database: pool_max_conns must be >= pool_min_conns")
	}

	if c.Market.DefaultB <= 0 {
		errs = append(errs, "market: default_b must be positive")
	}
	if c.Market.DefaultFeeRate < 0 || c.Market.DefaultFeeRate >= 1 {
		errs = append(errs, "market: default_fee_rate must be in [0, 1)")
	}

	if c.Trade.MaxRetries < 0 {
		errs = append(errs, "trade: max_retries must not be negative")
	}
	if c.Trade.LockTTL.Duration <= 0 {
		errs = append(errs, "trade: lock_ttl must be positive")
	}

	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, fmt.Sprintf("log: unknown level %q (valid: debug, info, warn, error)", c.Log.Level))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
