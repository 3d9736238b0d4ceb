// Package config defines the settlement engine's configuration: a TOML file
// merged over built-in defaults, with SETTLE_* environment overrides.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config is the root configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	Lock     LockConfig     `toml:"lock"`
	Limits   LimitsConfig   `toml:"limits"`
	S3       S3Config       `toml:"s3"`

	// HouseAccount is the counterparty that funds payouts. Empty disables
	// double-entry mirroring.
	HouseAccount string `toml:"house_account"`
	LogLevel     string `toml:"log_level"`
}

type ServerConfig struct {
	Port            int      `toml:"port"`
	RequestTimeout  duration `toml:"request_timeout"`
	ShutdownTimeout duration `toml:"shutdown_timeout"`
	CORSOrigins     []string `toml:"cors_origins"`
}

// PostgresConfig selects the PostgreSQL store. An empty DSN runs the
// in-memory store.
type PostgresConfig struct {
	DSN           string   `toml:"dsn"`
	MaxConns      int      `toml:"max_conns"`
	LockTimeout   duration `toml:"lock_timeout"`
	RunMigrations bool     `toml:"run_migrations"`
}

// RedisConfig enables the balance/market cache, the shared locker and the
// event channel. An empty URL disables all three.
type RedisConfig struct {
	URL      string   `toml:"url"`
	CacheTTL duration `toml:"cache_ttl"`
	Channel  string   `toml:"channel"`
}

type LockConfig struct {
	Wait duration `toml:"wait"`
	TTL  duration `toml:"ttl"`
}

// LimitsConfig caps open stake per user. Zero disables a cap.
type LimitsConfig struct {
	MaxPerMarket decimal.Decimal `toml:"max_per_market"`
	MaxOpenStake decimal.Decimal `toml:"max_open_stake"`
}

type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	Prefix         string `toml:"prefix"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// duration lets TOML carry Go duration strings such as "2s".
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

// Defaults returns a Config that runs a single in-memory instance.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			RequestTimeout:  duration{30 * time.Second},
			ShutdownTimeout: duration{5 * time.Second},
			CORSOrigins:     []string{"*"},
		},
		Postgres: PostgresConfig{
			MaxConns:      10,
			LockTimeout:   duration{2 * time.Second},
			RunMigrations: true,
		},
		Redis: RedisConfig{
			CacheTTL: duration{30 * time.Second},
			Channel:  "settlement:events",
		},
		Lock: LockConfig{
			Wait: duration{2 * time.Second},
			TTL:  duration{30 * time.Second},
		},
		S3: S3Config{
			Region: "us-east-1",
			Prefix: "settlements",
		},
		HouseAccount: "house",
		LogLevel:     "info",
	}
}

var validLogLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// SlogLevel maps LogLevel to a slog level; unknown values fall back to info.
func (c *Config) SlogLevel() slog.Level {
	if l, ok := validLogLevels[strings.ToLower(c.LogLevel)]; ok {
		return l
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
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port %d out of range", c.Server.Port))
	}
	if c.Server.RequestTimeout.Duration <= 0 {
		errs = append(errs, "server: request_timeout must be positive")
	}
	if c.Lock.Wait.Duration <= 0 {
		errs = append(errs, "lock: wait must be positive")
	}
	if c.Lock.TTL.Duration <= 0 {
		errs = append(errs, "lock: ttl must be positive")
	}
	if c.Postgres.DSN != "" && c.Postgres.MaxConns <= 0 {
		errs = append(errs, "postgres: max_conns must be positive")
	}
	if c.Redis.URL != "" && c.Redis.CacheTTL.Duration <= 0 {
		errs = append(errs, "redis: cache_ttl must be positive")
	}
	if c.Limits.MaxPerMarket.IsNegative() {
		errs = append(errs, "limits: max_per_market must not be negative")
	}
	if c.Limits.MaxOpenStake.IsNegative() {
		errs = append(errs, "limits: max_open_stake must not be negative")
	}
	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket is required when enabled")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region is required when enabled")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}
