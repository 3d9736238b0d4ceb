// Package market manages binary markets and their quoted prices.
//
// Pricing is static: a market is quoted at creation (0.5/0.5 unless the
// creator supplies a price) and trades never move the quote.
package market

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/store"
)

// DefaultPrice is the quote for both sides when the creator names none.
var DefaultPrice = decimal.RequireFromString("0.5")

// CreateRequest describes a new market. A nil price means "derive it".
type CreateRequest struct {
	Question    string
	Description string
	CreatedBy   string
	PriceYes    *decimal.Decimal
	PriceNo     *decimal.Decimal
}

// Service creates and reads markets.
type Service struct {
	store store.Store
}

// NewService creates a market service.
func NewService(st store.Store) *Service {
	return &Service{store: st}
}

// Create validates req and persists a new open market.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*model.Market, error) {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return nil, model.ErrQuestionRequired
	}
	creator := strings.TrimSpace(req.CreatedBy)
	if creator == "" {
		return nil, model.ErrUserRequired
	}

	yes, no, err := quote(req.PriceYes, req.PriceNo)
	if err != nil {
		return nil, err
	}

	m := &model.Market{
		ID:          uuid.New().String(),
		Question:    question,
		Description: strings.TrimSpace(req.Description),
		PriceYes:    yes,
		PriceNo:     no,
		CreatedBy:   creator,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.CreateMarket(ctx, m); err != nil {
		return nil, err
	}

	metrics.ActiveMarkets.Inc()
	slog.Info("market created",
		"id", m.ID,
		"creator", creator,
		"price_yes", yes.String(),
		"price_no", no.String(),
	)
	return m, nil
}

// quote resolves the pair of prices, deriving a missing side as 1 - other.
func quote(yes, no *decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	one := decimal.NewFromInt(1)

	var py, pn decimal.Decimal
	switch {
	case yes == nil && no == nil:
		py, pn = DefaultPrice, DefaultPrice
	case no == nil:
		py, pn = *yes, one.Sub(*yes)
	case yes == nil:
		py, pn = one.Sub(*no), *no
	default:
		py, pn = *yes, *no
	}

	if err := model.ValidatePrices(py, pn); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return py, pn, nil
}

// Get returns a market by id.
func (s *Service) Get(ctx context.Context, id string) (*model.Market, error) {
	return s.store.GetMarket(ctx, id)
}

// List returns markets, newest first. A nil resolved returns all of them.
func (s *Service) List(ctx context.Context, resolved *bool) ([]model.Market, error) {
	markets, err := s.store.ListMarkets(ctx, store.MarketFilter{Resolved: resolved})
	if err != nil {
		return nil, err
	}
	if markets == nil {
		markets = []model.Market{}
	}
	return markets, nil
}

// Trades returns every trade placed on a market.
func (s *Service) Trades(ctx context.Context, marketID string) ([]model.Trade, error) {
	if _, err := s.store.GetMarket(ctx, marketID); err != nil {
		return nil, err
	}
	trades, err := s.store.ListTradesByMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	return trades, nil
}
