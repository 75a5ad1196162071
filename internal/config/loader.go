package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Load merges, in order: the built-in defaults, the TOML file at path (when
// path is non-empty), a .env file in the working directory (when present)
// and environment variable overrides. The result has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known environment variables and overwrites the
// corresponding fields when a variable is set. The unprefixed PORT,
// DATABASE_URL and REDIS_URL are honoured first so that EXCHANGE_* wins.
func applyEnvOverrides(cfg *Config) {
	setInt(&cfg.Server.Port, "PORT")
	setStr(&cfg.Database.URL, "DATABASE_URL")
	setStr(&cfg.Redis.URL, "REDIS_URL")

	// ── Server ──
	setInt(&cfg.Server.Port, "EXCHANGE_SERVER_PORT")
	setDuration(&cfg.Server.ReadTimeout, "EXCHANGE_SERVER_READ_TIMEOUT")
	setDuration(&cfg.Server.WriteTimeout, "EXCHANGE_SERVER_WRITE_TIMEOUT")
	setDuration(&cfg.Server.IdleTimeout, "EXCHANGE_SERVER_IDLE_TIMEOUT")
	setDuration(&cfg.Server.RequestTimeout, "EXCHANGE_SERVER_REQUEST_TIMEOUT")
	setDuration(&cfg.Server.ShutdownTimeout, "EXCHANGE_SERVER_SHUTDOWN_TIMEOUT")
	setStringSlice(&cfg.Server.CORSOrigins, "EXCHANGE_SERVER_CORS_ORIGINS")

	// ── Database ──
	setStr(&cfg.Database.URL, "EXCHANGE_DATABASE_URL")
	setInt(&cfg.Database.MaxConns, "EXCHANGE_DATABASE_MAX_CONNS")
	setInt(&cfg.Database.MinConns, "EXCHANGE_DATABASE_MIN_CONNS")
	setBool(&cfg.Database.RunMigrations, "EXCHANGE_DATABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.URL, "EXCHANGE_REDIS_URL")
	setDuration(&cfg.Redis.CacheTTL, "EXCHANGE_REDIS_CACHE_TTL")
	setStr(&cfg.Redis.EventChannel, "EXCHANGE_REDIS_EVENT_CHANNEL")

	// ── Exchange ──
	setInt(&cfg.Exchange.MaxRetries, "EXCHANGE_MAX_RETRIES")
	setDuration(&cfg.Exchange.RetryBackoff, "EXCHANGE_RETRY_BACKOFF")
	setDecimal(&cfg.Exchange.InitialBalance, "EXCHANGE_INITIAL_BALANCE")
	setStr(&cfg.Exchange.SelfTradePolicy, "EXCHANGE_SELF_TRADE_POLICY")
	setInt64(&cfg.Exchange.MaxPositionPerMarket, "EXCHANGE_MAX_POSITION_PER_MARKET")

	// ── Top-level ──
	setStr(&cfg.LogLevel, "EXCHANGE_LOG_LEVEL")
}

// Typed env-var helpers. Each only mutates the target when the environment
// variable is present, non-empty and parses.

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

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
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

func setDecimal(dst *decimal.Decimal, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			*dst = d
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
