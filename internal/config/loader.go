package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load builds the configuration: defaults, then the TOML file at path if it
// exists, then a .env file if present, then environment overrides. An
// empty path skips the file. The result has NOT been validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads MARKET_* variables, plus the short names older
// deployments set directly.
func applyEnvOverrides(cfg *Config) {
	// ── Legacy names ──
	setInt(&cfg.Server.Port, "PORT")
	setStr(&cfg.Database.URL, "DATABASE_URL")
	setStr(&cfg.Redis.URL, "REDIS_URL")
	setFloat64(&cfg.Market.DefaultFeeRate, "FEE_RATE")

	// ── Server ──
	setInt(&cfg.Server.Port, "MARKET_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "MARKET_SERVER_CORS_ORIGINS")
	setFloat64(&cfg.Server.RateLimit, "MARKET_SERVER_RATE_LIMIT")
	setInt(&cfg.Server.RateBurst, "MARKET_SERVER_RATE_BURST")
	setDuration(&cfg.Server.RequestTimeout, "MARKET_SERVER_REQUEST_TIMEOUT")

	// ── Database ──
	setStr(&cfg.Database.Driver, "MARKET_DATABASE_DRIVER")
	setStr(&cfg.Database.URL, "MARKET_DATABASE_URL")
	setInt(&cfg.Database.PoolMaxConns, "MARKET_DATABASE_POOL_MAX_CONNS")
	setInt(&cfg.Database.PoolMinConns, "MARKET_DATABASE_POOL_MIN_CONNS")
	setBool(&cfg.Database.Migrate, "MARKET_DATABASE_MIGRATE")

	// ── Redis ──
	setStr(&cfg.Redis.URL, "MARKET_REDIS_URL")
	setDuration(&cfg.Redis.CacheTTL, "MARKET_REDIS_CACHE_TTL")

	// ── Market ──
	setFloat64(&cfg.Market.DefaultB, "MARKET_DEFAULT_B")
	setFloat64(&cfg.Market.DefaultFeeRate, "MARKET_DEFAULT_FEE_RATE")

	// ── Trade ──
	setInt(&cfg.Trade.MaxRetries, "MARKET_TRADE_MAX_RETRIES")
	setDuration(&cfg.Trade.RetryBackoff, "MARKET_TRADE_RETRY_BACKOFF")
	setDuration(&cfg.Trade.LockTTL, "MARKET_TRADE_LOCK_TTL")
	setDuration(&cfg.Trade.CommitTimeout, "MARKET_TRADE_COMMIT_TIMEOUT")

	// ── Log ──
	setStr(&cfg.Log.Level, "MARKET_LOG_LEVEL")
	setStr(&cfg.Log.File, "MARKET_LOG_FILE")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
