// Package stream fans settlement events out to WebSocket clients and to
// other services over Redis Pub/Sub.
package stream

import (
	"context"
	"time"

	"github.com/atmx/settlement-engine/internal/model"
)

// Event types.
const (
	TypeTradePlaced    = "trade_placed"
	TypeMarketResolved = "market_resolved"
)

// Event is a JSON message describing a committed state change.
type Event struct {
	Type      string    `json:"type"`
	MarketID  string    `json:"market_id"`
	Timestamp time.Time `json:"timestamp"`

	// trade_placed
	TradeID string        `json:"trade_id,omitempty"`
	UserID  string        `json:"user_id,omitempty"`
	Outcome model.Outcome `json:"outcome,omitempty"`
	Amount  string        `json:"amount,omitempty"`
	Price   string        `json:"price,omitempty"`

	// market_resolved
	FinalOutcome  model.Outcome `json:"final_outcome,omitempty"`
	TradesSettled int           `json:"trades_settled,omitempty"`
	TotalPaidOut  string        `json:"total_paid_out,omitempty"`
}

// TradePlaced builds the event for a committed trade.
func TradePlaced(t *model.Trade) Event {
	return Event{
		Type:      TypeTradePlaced,
		MarketID:  t.MarketID,
		Timestamp: t.CreatedAt,
		TradeID:   t.ID,
		UserID:    t.UserID,
		Outcome:   t.Outcome,
		Amount:    t.Amount.String(),
		Price:     t.PriceAtExecution.String(),
	}
}

// MarketResolved builds the event for a committed resolution.
func MarketResolved(s *model.ResolutionSummary) Event {
	return Event{
		Type:          TypeMarketResolved,
		MarketID:      s.MarketID,
		Timestamp:     s.ResolvedAt,
		FinalOutcome:  s.Outcome,
		TradesSettled: s.TradesSettled,
		TotalPaidOut:  s.TotalPaidOut.String(),
	}
}

// Publisher delivers events after commit. Publishing is best effort: an
// error is logged by the caller and never undoes the committed change.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Multi publishes to every publisher and returns the first error.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev Event) error {
	var first error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}
