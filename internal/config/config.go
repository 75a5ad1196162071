// Package config defines the exchange server configuration and its
// validation rules.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config is the root configuration structure. Fields are populated from an
// optional TOML file and then overridden by environment variables.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Redis    RedisConfig    `toml:"redis"`
	Exchange ExchangeConfig `toml:"exchange"`
	LogLevel string         `toml:"log_level"`
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
}

// DatabaseConfig holds PostgreSQL connection settings. An empty URL selects
// the in-memory store.
type DatabaseConfig struct {
	URL           string `toml:"url"`
	MaxConns      int    `toml:"max_conns"`
	MinConns      int    `toml:"min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds the cache and event bus settings. An empty URL disables
// both.
type RedisConfig struct {
	URL          string   `toml:"url"`
	CacheTTL     duration `toml:"cache_ttl"`
	EventChannel string   `toml:"event_channel"`
}

// ExchangeConfig tunes matching and settlement.
type ExchangeConfig struct {
	MaxRetries           int             `toml:"max_retries"`
	RetryBackoff         duration        `toml:"retry_backoff"`
	InitialBalance       decimal.Decimal `toml:"initial_balance"`
	SelfTradePolicy      string          `toml:"self_trade_policy"`
	MaxPositionPerMarket int64           `toml:"max_position_per_market"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5s", "250ms").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with the values used when nothing else
// is configured.
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
		},
		Database: DatabaseConfig{
			MaxConns:      20,
			MinConns:      2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			CacheTTL:     duration{30 * time.Second},
			EventChannel: "exchange:events",
		},
		Exchange: ExchangeConfig{
			MaxRetries:      5,
			RetryBackoff:    duration{5 * time.Millisecond},
			InitialBalance:  decimal.Zero,
			SelfTradePolicy: "skip",
		},
		LogLevel: "info",
	}
}

var validLogLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

var validSelfTradePolicies = map[string]bool{
	"skip":  true,
	"allow": true,
}

// SlogLevel returns the configured log level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	if lvl, ok := validLogLevels[strings.ToLower(c.LogLevel)]; ok {
		return lvl
	}
	return slog.LevelInfo
}

// Validate checks Config for invalid values and returns a combined error
// describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if _, ok := validLogLevels[strings.ToLower(c.LogLevel)]; !ok {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Server.ReadTimeout.Duration <= 0 || c.Server.WriteTimeout.Duration <= 0 {
		errs = append(errs, "server: read_timeout and write_timeout must be positive")
	}

	if c.Database.URL != "" {
		if c.Database.MaxConns <= 0 {
			errs = append(errs, "database: max_conns must be positive")
		}
		if c.Database.MinConns < 0 || c.Database.MinConns > c.Database.MaxConns {
			errs = append(errs, "database: min_conns must be between 0 and max_conns")
		}
	}

	if c.Redis.URL != "" && c.Redis.CacheTTL.Duration <= 0 {
		errs = append(errs, "redis: cache_ttl must be positive")
	}

	if c.Exchange.MaxRetries < 0 {
		errs = append(errs, "exchange: max_retries must not be negative")
	}
	if c.Exchange.RetryBackoff.Duration < 0 {
		errs = append(errs, "exchange: retry_backoff must not be negative")
	}
	if c.Exchange.InitialBalance.IsNegative() {
		errs = append(errs, "exchange: initial_balance must not be negative")
	}
	if !validSelfTradePolicies[strings.ToLower(c.Exchange.SelfTradePolicy)] {
		errs = append(errs, fmt.Sprintf("exchange: unknown self_trade_policy %q (valid: skip, allow)", c.Exchange.SelfTradePolicy))
	}
	if c.Exchange.MaxPositionPerMarket < 0 {
		errs = append(errs, "exchange: max_position_per_market must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
