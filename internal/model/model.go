// Package model defines the core domain types shared across the settlement
// engine. All monetary values use shopspring/decimal; money is never float64.
package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// AmountScale is the number of decimal places payouts are truncated to.
const AmountScale int32 = 8

// Outcome is one side of a binary market.
type Outcome string

const (
	OutcomeYes   Outcome = "yes"
	OutcomeNo    Outcome = "no"
	OutcomeUnset Outcome = ""
)

// ParseOutcome normalises a client-supplied outcome. Only "yes" and "no"
// (any case, surrounding whitespace ignored) are accepted.
func ParseOutcome(s string) (Outcome, error) {
	switch Outcome(strings.ToLower(strings.TrimSpace(s))) {
	case OutcomeYes:
		return OutcomeYes, nil
	case OutcomeNo:
		return OutcomeNo, nil
	}
	return OutcomeUnset, ErrInvalidOutcome
}

// TradeStatus transitions only at resolution: open → won | lost.
type TradeStatus string

const (
	TradeOpen TradeStatus = "open"
	TradeWon  TradeStatus = "won"
	TradeLost TradeStatus = "lost"
)

// EntryKind classifies a balance-affecting ledger event.
type EntryKind string

const (
	EntryDeposit      EntryKind = "deposit"
	EntryWithdrawal   EntryKind = "withdrawal"
	EntryTradeDebit   EntryKind = "trade_debit"
	EntryPayoutCredit EntryKind = "payout_credit"
)

// Market is a binary-outcome question with a quoted yes/no price.
// Prices are fixed at creation; once resolved the market is immutable.
type Market struct {
	ID           string          `json:"id" db:"id"`
	Question     string          `json:"question" db:"question"`
	Description  string          `json:"description" db:"description"`
	PriceYes     decimal.Decimal `json:"price_yes" db:"price_yes"`
	PriceNo      decimal.Decimal `json:"price_no" db:"price_no"`
	IsResolved   bool            `json:"is_resolved" db:"is_resolved"`
	FinalOutcome Outcome         `json:"final_outcome" db:"final_outcome"` // "" until resolved
	CreatedBy    string          `json:"created_by" db:"created_by"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	ResolvedAt   *time.Time      `json:"resolved_at,omitempty" db:"resolved_at"`
}

// Price returns the quoted price for one side of the market.
func (m *Market) Price(o Outcome) decimal.Decimal {
	if o == OutcomeNo {
		return m.PriceNo
	}
	return m.PriceYes
}

// ValidatePrices checks 0 < yes < 1 and yes + no == 1 exactly.
func ValidatePrices(yes, no decimal.Decimal) error {
	one := decimal.NewFromInt(1)
	if !yes.IsPositive() || !yes.LessThan(one) || !no.IsPositive() || !no.LessThan(one) {
		return ErrInvalidPrice
	}
	if !yes.Add(no).Equal(one) {
		return ErrInvalidPrice
	}
	return nil
}

// Trade is a stake placed on one outcome. PriceAtExecution is copied from
// the market at placement and never recomputed.
type Trade struct {
	ID               string          `json:"id" db:"id"`
	UserID           string          `json:"user_id" db:"user_id"`
	MarketID         string          `json:"market_id" db:"market_id"`
	Outcome          Outcome         `json:"outcome" db:"outcome"`
	Amount           decimal.Decimal `json:"amount" db:"amount"`
	PriceAtExecution decimal.Decimal `json:"price_at_execution" db:"price_at_execution"`
	Status           TradeStatus     `json:"status" db:"status"`
	Payout           decimal.Decimal `json:"payout" db:"payout"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
	SettledAt        *time.Time      `json:"settled_at,omitempty" db:"settled_at"`
}

// Payout is the settlement credit for a winning trade: a share priced at p
// pays 1, so a stake of amount at p returns amount / p.
func Payout(amount, price decimal.Decimal) decimal.Decimal {
	return amount.Div(price).Truncate(AmountScale)
}

// LedgerEntry is an immutable, signed movement of money for one user.
// Once created, entries are never modified or deleted. A user's balance is
// the sum of their entries.
type LedgerEntry struct {
	ID            string          `json:"id" db:"id"`
	UserID        string          `json:"user_id" db:"user_id"`
	Amount        decimal.Decimal `json:"amount" db:"amount"` // signed: +credit, -debit
	Kind          EntryKind       `json:"kind" db:"kind"`
	CorrelationID string          `json:"correlation_id" db:"correlation_id"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// ResolutionSummary reports what a market resolution settled.
type ResolutionSummary struct {
	MarketID      string          `json:"market_id"`
	Outcome       Outcome         `json:"final_outcome"`
	TradesSettled int             `json:"trades_settled"`
	TradesWon     int             `json:"trades_won"`
	TotalStaked   decimal.Decimal `json:"total_staked"`
	TotalPaidOut  decimal.Decimal `json:"total_paid_out"`
	ResolvedAt    time.Time       `json:"resolved_at"`
}
