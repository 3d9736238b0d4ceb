// Package limits caps how much open stake a single user may carry.
//
// Two caps apply to every trade, each disabled when zero:
//   - MaxPerMarket bounds the user's open stake on the traded market.
//   - MaxOpenStake bounds the user's open stake summed across all markets.
package limits

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
)

var (
	// ErrPerMarketLimitExceeded is returned when a trade would push the
	// user's open stake on one market beyond MaxPerMarket.
	ErrPerMarketLimitExceeded = fmt.Errorf("%w: per-market stake limit", model.ErrPositionLimit)

	// ErrOpenStakeLimitExceeded is returned when a trade would push the
	// user's total open stake beyond MaxOpenStake.
	ErrOpenStakeLimitExceeded = fmt.Errorf("%w: total open stake limit", model.ErrPositionLimit)
)

// PositionLimiter enforces stake caps. A nil limiter allows everything.
type PositionLimiter struct {
	MaxPerMarket decimal.Decimal
	MaxOpenStake decimal.Decimal
}

// NewPositionLimiter creates a limiter; pass zero to disable either cap.
func NewPositionLimiter(maxPerMarket, maxOpenStake decimal.Decimal) *PositionLimiter {
	return &PositionLimiter{
		MaxPerMarket: maxPerMarket,
		MaxOpenStake: maxOpenStake,
	}
}

// CheckLimit validates whether adding stake on marketID respects the caps,
// given the user's current open stake per market.
func (l *PositionLimiter) CheckLimit(
	marketID string,
	stake decimal.Decimal,
	openStakes map[string]decimal.Decimal,
) error {
	if l == nil {
		return nil
	}

	// 1. Per-market cap.
	inMarket := openStakes[marketID].Add(stake)
	if l.MaxPerMarket.IsPositive() && inMarket.GreaterThan(l.MaxPerMarket) {
		return ErrPerMarketLimitExceeded
	}

	// 2. Aggregate cap across markets.
	if l.MaxOpenStake.IsPositive() {
		total := stake
		for _, s := range openStakes {
			total = total.Add(s)
		}
		if total.GreaterThan(l.MaxOpenStake) {
			return ErrOpenStakeLimitExceeded
		}
	}

	return nil
}
