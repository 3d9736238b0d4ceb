package config

import (
	"fmt"
	"testing"
	"time"

	"pgregory.net/rapid"
)

func genDurationString() *rapid.Generator[string] {
	return rapid.Custom(func(t *rapid.T) string {
		unit := rapid.SampledFrom([]string{"ms", "s", "m"}).Draw(t, "unit")
		val := rapid.IntRange(1, 600).Draw(t, "val")
		return fmt.Sprintf("%d%s", val, unit)
	})
}

// Any positive duration supplied through the environment is applied
// verbatim and keeps the config valid.
func TestProperty_LockDurationsFromEnv(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		wait := genDurationString().Draw(rt, "wait")
		ttl := genDurationString().Draw(rt, "ttl")

		t.Setenv("SETTLE_LOCK_WAIT", wait)
		t.Setenv("SETTLE_LOCK_TTL", ttl)

		cfg, err := Load("")
		if err != nil {
			rt.Fatalf("load: %v", err)
		}
		wantWait, _ := time.ParseDuration(wait)
		wantTTL, _ := time.ParseDuration(ttl)
		if cfg.Lock.Wait.Duration != wantWait || cfg.Lock.TTL.Duration != wantTTL {
			rt.Fatalf("expected %s/%s, got %s/%s", wantWait, wantTTL, cfg.Lock.Wait, cfg.Lock.TTL)
		}
		if err := cfg.Validate(); err != nil {
			rt.Fatalf("valid durations rejected: %v", err)
		}
	})
}
