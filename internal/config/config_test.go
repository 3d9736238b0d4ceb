package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func writeTOML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settle.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults must validate: %v", err)
	}
	if cfg.HouseAccount != "house" || cfg.Lock.Wait.Duration != 2*time.Second {
		t.Errorf("unexpected defaults %+v", cfg)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeTOML(t, `
log_level = "debug"
house_account = "treasury"

[server]
port = 9090

[lock]
wait = "500ms"

[limits]
max_per_market = "250.5"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 9090 || cfg.LogLevel != "debug" || cfg.HouseAccount != "treasury" {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.Lock.Wait.Duration != 500*time.Millisecond {
		t.Errorf("expected lock wait 500ms, got %s", cfg.Lock.Wait)
	}
	if cfg.Lock.TTL.Duration != 30*time.Second {
		t.Errorf("unset values keep defaults, got ttl %s", cfg.Lock.TTL)
	}
	if !cfg.Limits.MaxPerMarket.Equal(decimal.RequireFromString("250.5")) {
		t.Errorf("expected max_per_market 250.5, got %s", cfg.Limits.MaxPerMarket)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("SETTLE_SERVER_PORT", "7000")
	t.Setenv("SETTLE_LOCK_WAIT", "3s")
	t.Setenv("SETTLE_POSTGRES_DSN", "postgres://localhost/settle")
	t.Setenv("SETTLE_LIMITS_MAX_OPEN_STAKE", "1000")
	t.Setenv("SETTLE_SERVER_CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("SETTLE_S3_ENABLED", "true")
	t.Setenv("SETTLE_S3_BUCKET", "audit")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 7000 || cfg.Lock.Wait.Duration != 3*time.Second {
		t.Errorf("env overrides not applied: %+v", cfg)
	}
	if cfg.Postgres.DSN != "postgres://localhost/settle" {
		t.Errorf("unexpected dsn %q", cfg.Postgres.DSN)
	}
	if !cfg.Limits.MaxOpenStake.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("unexpected max_open_stake %s", cfg.Limits.MaxOpenStake)
	}
	if len(cfg.Server.CORSOrigins) != 2 || cfg.Server.CORSOrigins[1] != "https://b.example" {
		t.Errorf("unexpected cors origins %v", cfg.Server.CORSOrigins)
	}
	if !cfg.S3.Enabled || cfg.S3.Bucket != "audit" {
		t.Errorf("unexpected s3 config %+v", cfg.S3)
	}
}

func TestLoad_EmptyHouseAccountDisables(t *testing.T) {
	t.Setenv("SETTLE_HOUSE_ACCOUNT", "")
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HouseAccount != "" {
		t.Errorf("expected house account disabled, got %q", cfg.HouseAccount)
	}
}

func TestLoad_InvalidEnvIgnored(t *testing.T) {
	t.Setenv("SETTLE_SERVER_PORT", "not-a-number")
	t.Setenv("SETTLE_LOCK_WAIT", "soon")
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 8080 || cfg.Lock.Wait.Duration != 2*time.Second {
		t.Errorf("unparseable env values must be ignored: %+v", cfg)
	}
}

func TestValidate_CollectsErrors(t *testing.T) {
	cfg := Defaults()
	cfg.LogLevel = "loud"
	cfg.Server.Port = 0
	cfg.Lock.Wait = duration{}
	cfg.Limits.MaxPerMarket = decimal.NewFromInt(-1)
	cfg.S3.Enabled = true
	cfg.S3.Bucket = ""

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"log_level", "port", "lock: wait", "max_per_market", "s3: bucket"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected %q in %v", want, err)
		}
	}
}

func TestSlogLevel(t *testing.T) {
	cfg := Defaults()
	cfg.LogLevel = "WARN"
	if cfg.SlogLevel().String() != "WARN" {
		t.Errorf("expected WARN, got %s", cfg.SlogLevel())
	}
	cfg.LogLevel = "bogus"
	if cfg.SlogLevel().String() != "INFO" {
		t.Errorf("expected INFO fallback, got %s", cfg.SlogLevel())
	}
}
