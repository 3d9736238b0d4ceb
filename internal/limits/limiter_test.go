package limits

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestCheckLimit_WithinLimits(t *testing.T) {
	limiter := NewPositionLimiter(d(1000), d(5000))

	if err := limiter.CheckLimit("m1", d(100), nil); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckLimit_PerMarketExceeded(t *testing.T) {
	limiter := NewPositionLimiter(d(1000), d(5000))

	// Existing 950 + new 100 = 1050 > 1000.
	existing := map[string]decimal.Decimal{"m1": d(950)}

	err := limiter.CheckLimit("m1", d(100), existing)
	if err != ErrPerMarketLimitExceeded {
		t.Errorf("expected ErrPerMarketLimitExceeded, got %v", err)
	}
	if !errors.Is(err, model.ErrPositionLimit) {
		t.Error("limit errors must wrap model.ErrPositionLimit")
	}
}

func TestCheckLimit_AtLimitAllowed(t *testing.T) {
	limiter := NewPositionLimiter(d(1000), d(5000))
	existing := map[string]decimal.Decimal{"m1": d(900)}

	if err := limiter.CheckLimit("m1", d(100), existing); err != nil {
		t.Errorf("exactly at the cap should pass, got %v", err)
	}
}

func TestCheckLimit_OpenStakeExceeded(t *testing.T) {
	limiter := NewPositionLimiter(d(1000), d(2000))

	existing := map[string]decimal.Decimal{
		"m1": d(800),
		"m2": d(800),
		"m3": d(300),
	}

	// total = 200 + 800 + 800 + 300 = 2100 > 2000
	err := limiter.CheckLimit("m4", d(200), existing)
	if err != ErrOpenStakeLimitExceeded {
		t.Errorf("expected ErrOpenStakeLimitExceeded, got %v", err)
	}
}

func TestCheckLimit_ZeroDisables(t *testing.T) {
	limiter := NewPositionLimiter(decimal.Zero, decimal.Zero)
	existing := map[string]decimal.Decimal{"m1": d(1e9)}

	if err := limiter.CheckLimit("m1", d(1e9), existing); err != nil {
		t.Errorf("zero caps should disable limits, got %v", err)
	}
}

func TestCheckLimit_NilLimiter(t *testing.T) {
	var limiter *PositionLimiter
	if err := limiter.CheckLimit("m1", d(1), nil); err != nil {
		t.Errorf("nil limiter should allow everything, got %v", err)
	}
}
