// Package trade places stakes on open markets.
//
// A trade and the ledger debit that pays for it are written in one store
// transaction, under the market lock and then the account lock, so a trade
// either exists together with its debit or not at all.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/limits"
	"github.com/atmx/settlement-engine/internal/lock"
	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/store"
	"github.com/atmx/settlement-engine/internal/stream"
)

// PlaceTradeRequest is a stake of Amount on Outcome ("yes" or "no").
type PlaceTradeRequest struct {
	UserID   string
	MarketID string
	Outcome  string
	Amount   decimal.Decimal
}

// Service executes trades.
type Service struct {
	store     store.Store
	locker    lock.Locker
	limiter   *limits.PositionLimiter // nil disables position limits
	house     string                  // counterparty account; "" disables mirroring
	publisher stream.Publisher        // optional
}

// NewService creates a new trade service. limiter and publisher may be nil.
func NewService(
	st store.Store,
	locker lock.Locker,
	limiter *limits.PositionLimiter,
	house string,
	publisher stream.Publisher,
) *Service {
	return &Service{
		store:     st,
		locker:    locker,
		limiter:   limiter,
		house:     house,
		publisher: publisher,
	}
}

// PlaceTrade debits the stake from the user's balance and records an open
// trade at the market's current price. Nothing is written on any error.
func (s *Service) PlaceTrade(ctx context.Context, req PlaceTradeRequest) (*model.Trade, error) {
	start := time.Now()

	trade, err := s.placeTrade(ctx, req)
	if err != nil {
		s.reject(req, err)
		return nil, err
	}

	outcome := string(trade.Outcome)
	metrics.TradesTotal.WithLabelValues(outcome).Inc()
	metrics.TradeLatency.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	metrics.StakedTotal.Add(trade.Amount.InexactFloat64())
	metrics.LedgerEntries.WithLabelValues(string(model.EntryTradeDebit)).Inc()

	slog.Info("trade placed",
		"trade_id", trade.ID,
		"user", trade.UserID,
		"market_id", trade.MarketID,
		"outcome", outcome,
		"amount", trade.Amount.String(),
		"price", trade.PriceAtExecution.String(),
	)

	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, stream.TradePlaced(trade)); err != nil {
			slog.Warn("publish trade event failed", "trade_id", trade.ID, "err", err)
		}
	}
	return trade, nil
}

// Get returns a single trade by ID.
func (s *Service) Get(ctx context.Context, tradeID string) (*model.Trade, error) {
	return s.store.GetTrade(ctx, strings.TrimSpace(tradeID))
}

func (s *Service) placeTrade(ctx context.Context, req PlaceTradeRequest) (*model.Trade, error) {
	// --- Input validation ---
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return nil, model.ErrUserRequired
	}
	if s.house != "" && userID == s.house {
		return nil, model.ErrHouseAccount
	}
	if !req.Amount.IsPositive() {
		return nil, model.ErrInvalidAmount
	}
	outcome, err := model.ParseOutcome(req.Outcome)
	if err != nil {
		return nil, err
	}

	release, err := lock.AcquireAll(ctx, s.locker, lock.MarketKey(req.MarketID), lock.AccountKey(userID))
	if err != nil {
		return nil, err
	}
	defer release()

	var trade *model.Trade
	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		market, err := tx.GetMarketForUpdate(ctx, req.MarketID)
		if err != nil {
			return err
		}
		if market.IsResolved {
			return model.ErrMarketAlreadyResolved
		}

		if err := tx.LockAccount(ctx, userID); err != nil {
			return err
		}
		balance, err := tx.Balance(ctx, userID)
		if err != nil {
			return err
		}
		if balance.LessThan(req.Amount) {
			return model.ErrInsufficientBalance
		}

		if s.limiter != nil {
			open, err := tx.OpenStakes(ctx, userID)
			if err != nil {
				return err
			}
			if err := s.limiter.CheckLimit(market.ID, req.Amount, open); err != nil {
				return err
			}
		}

		now := time.Now().UTC()
		trade = &model.Trade{
			ID:               uuid.New().String(),
			UserID:           userID,
			MarketID:         market.ID,
			Outcome:          outcome,
			Amount:           req.Amount,
			PriceAtExecution: market.Price(outcome),
			Status:           model.TradeOpen,
			Payout:           decimal.Zero,
			CreatedAt:        now,
		}
		if err := tx.InsertTrade(ctx, trade); err != nil {
			return err
		}

		// Immutable ledger debit, mirrored to the house account.
		if err := tx.AppendLedgerEntry(ctx, &model.LedgerEntry{
			ID:            uuid.New().String(),
			UserID:        userID,
			Amount:        req.Amount.Neg(),
			Kind:          model.EntryTradeDebit,
			CorrelationID: trade.ID,
			CreatedAt:     now,
		}); err != nil {
			return err
		}
		if s.house != "" {
			return tx.AppendLedgerEntry(ctx, &model.LedgerEntry{
				ID:            uuid.New().String(),
				UserID:        s.house,
				Amount:        req.Amount,
				Kind:          model.EntryTradeDebit,
				CorrelationID: trade.ID,
				CreatedAt:     now,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("place trade on %s: %w", req.MarketID, err)
	}
	return trade, nil
}

func (s *Service) reject(req PlaceTradeRequest, err error) {
	metrics.TradeRejections.WithLabelValues(model.CodeOf(err)).Inc()
	switch {
	case errors.Is(err, model.ErrBusy):
		metrics.BusyRejections.WithLabelValues("place_trade").Inc()
	case errors.Is(err, model.ErrPositionLimit):
		metrics.PositionLimitRejections.Inc()
	}
	if model.KindOf(err) == model.KindInternal {
		slog.Error("trade failed",
			"user", req.UserID,
			"market_id", req.MarketID,
			"err", err,
		)
	}
}
