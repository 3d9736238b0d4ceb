package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Load merges the TOML file at path (skipped when path is empty) over the
// defaults, then applies SETTLE_* environment overrides. A .env file in the
// working directory is loaded first if present. The result is not validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	// ── Server ──
	setInt(&cfg.Server.Port, "PORT")
	setInt(&cfg.Server.Port, "SETTLE_SERVER_PORT")
	setDuration(&cfg.Server.RequestTimeout, "SETTLE_SERVER_REQUEST_TIMEOUT")
	setDuration(&cfg.Server.ShutdownTimeout, "SETTLE_SERVER_SHUTDOWN_TIMEOUT")
	setStringSlice(&cfg.Server.CORSOrigins, "SETTLE_SERVER_CORS_ORIGINS")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.DSN, "SETTLE_POSTGRES_DSN")
	setInt(&cfg.Postgres.MaxConns, "SETTLE_POSTGRES_MAX_CONNS")
	setDuration(&cfg.Postgres.LockTimeout, "SETTLE_POSTGRES_LOCK_TIMEOUT")
	setBool(&cfg.Postgres.RunMigrations, "SETTLE_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.URL, "REDIS_URL") // compatibility alias
	setStr(&cfg.Redis.URL, "SETTLE_REDIS_URL")
	setDuration(&cfg.Redis.CacheTTL, "SETTLE_REDIS_CACHE_TTL")
	setStr(&cfg.Redis.Channel, "SETTLE_REDIS_CHANNEL")

	// ── Lock ──
	setDuration(&cfg.Lock.Wait, "SETTLE_LOCK_WAIT")
	setDuration(&cfg.Lock.TTL, "SETTLE_LOCK_TTL")

	// ── Limits ──
	setDecimal(&cfg.Limits.MaxPerMarket, "SETTLE_LIMITS_MAX_PER_MARKET")
	setDecimal(&cfg.Limits.MaxOpenStake, "SETTLE_LIMITS_MAX_OPEN_STAKE")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "SETTLE_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "SETTLE_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "SETTLE_S3_REGION")
	setStr(&cfg.S3.Bucket, "SETTLE_S3_BUCKET")
	setStr(&cfg.S3.Prefix, "SETTLE_S3_PREFIX")
	setStr(&cfg.S3.AccessKey, "SETTLE_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "SETTLE_S3_SECRET_KEY")
	setBool(&cfg.S3.ForcePathStyle, "SETTLE_S3_FORCE_PATH_STYLE")

	// ── Top-level ──
	// An explicitly empty value disables the house account.
	if v, ok := os.LookupEnv("SETTLE_HOUSE_ACCOUNT"); ok {
		cfg.HouseAccount = strings.TrimSpace(v)
	}
	setStr(&cfg.LogLevel, "SETTLE_LOG_LEVEL")
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
