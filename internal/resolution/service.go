// Package resolution settles markets exactly once.
//
// Marking the market resolved and settling every open trade happen in the
// same store transaction, so either every trade is paid according to the
// final outcome or nothing is.
package resolution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/archive"
	"github.com/atmx/settlement-engine/internal/lock"
	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/store"
	"github.com/atmx/settlement-engine/internal/stream"
)

// archiveTimeout bounds the post-commit upload of a settlement report.
const archiveTimeout = 10 * time.Second

// Service resolves markets and pays out winning trades.
type Service struct {
	store     store.Store
	locker    lock.Locker
	house     string
	publisher stream.Publisher // optional
	archiver  archive.Archiver // optional
}

// NewService creates a resolution service. publisher and archiver may be nil.
func NewService(
	st store.Store,
	locker lock.Locker,
	house string,
	publisher stream.Publisher,
	archiver archive.Archiver,
) *Service {
	if archiver == nil {
		archiver = archive.Nop{}
	}
	return &Service{
		store:     st,
		locker:    locker,
		house:     house,
		publisher: publisher,
		archiver:  archiver,
	}
}

// ResolveMarket fixes the market's final outcome and settles all of its
// open trades: winners are credited amount / price_at_execution, losers
// receive nothing. A market can be resolved only once.
func (s *Service) ResolveMarket(ctx context.Context, marketID, outcome string) (*model.ResolutionSummary, error) {
	final, err := model.ParseOutcome(outcome)
	if err != nil {
		return nil, err
	}

	summary, market, settled, err := s.resolve(ctx, marketID, final)
	if err != nil {
		if errors.Is(err, model.ErrBusy) {
			metrics.BusyRejections.WithLabelValues("resolve_market").Inc()
		}
		return nil, err
	}

	// The market lock is released by now.
	s.afterCommit(ctx, summary, market, settled)
	return summary, nil
}

// resolve commits the resolution under the market lock.
func (s *Service) resolve(ctx context.Context, marketID string, final model.Outcome) (*model.ResolutionSummary, *model.Market, []model.Trade, error) {
	release, err := s.locker.Acquire(ctx, lock.MarketKey(marketID))
	if err != nil {
		return nil, nil, nil, err
	}
	defer release()

	var (
		summary *model.ResolutionSummary
		market  model.Market
		settled []model.Trade
	)
	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		m, err := tx.GetMarketForUpdate(ctx, marketID)
		if err != nil {
			return err
		}
		if m.IsResolved {
			return model.ErrMarketAlreadyResolved
		}
		if err := model.ValidatePrices(m.PriceYes, m.PriceNo); err != nil {
			return fmt.Errorf("market %s has corrupt prices: %w", m.ID, err)
		}

		now := time.Now().UTC()
		if err := tx.ResolveMarket(ctx, m.ID, final, now); err != nil {
			return err
		}

		open, err := tx.ListOpenTrades(ctx, m.ID)
		if err != nil {
			return err
		}
		if open == nil {
			open = []model.Trade{}
		}

		sum := &model.ResolutionSummary{
			MarketID:     m.ID,
			Outcome:      final,
			TotalStaked:  decimal.Zero,
			TotalPaidOut: decimal.Zero,
			ResolvedAt:   now,
		}
		for i := range open {
			t := &open[i]
			if err := s.settle(ctx, tx, t, final, now); err != nil {
				return err
			}
			sum.TradesSettled++
			sum.TotalStaked = sum.TotalStaked.Add(t.Amount)
			if t.Status == model.TradeWon {
				sum.TradesWon++
				sum.TotalPaidOut = sum.TotalPaidOut.Add(t.Payout)
			}
		}

		m.IsResolved = true
		m.FinalOutcome = final
		m.ResolvedAt = &now
		market, settled, summary = *m, open, sum
		return nil
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("resolve market %s: %w", marketID, err)
	}
	return summary, &market, settled, nil
}

// settle moves one open trade to won or lost and credits the payout.
func (s *Service) settle(ctx context.Context, tx store.Tx, t *model.Trade, final model.Outcome, at time.Time) error {
	if t.Outcome != final {
		t.Status, t.Payout, t.SettledAt = model.TradeLost, decimal.Zero, &at
		return tx.SettleTrade(ctx, t.ID, model.TradeLost, decimal.Zero, at)
	}

	payout := model.Payout(t.Amount, t.PriceAtExecution)
	if err := tx.SettleTrade(ctx, t.ID, model.TradeWon, payout, at); err != nil {
		return err
	}
	t.Status, t.Payout, t.SettledAt = model.TradeWon, payout, &at

	if err := tx.AppendLedgerEntry(ctx, &model.LedgerEntry{
		ID:            uuid.New().String(),
		UserID:        t.UserID,
		Amount:        payout,
		Kind:          model.EntryPayoutCredit,
		CorrelationID: t.ID,
		CreatedAt:     at,
	}); err != nil {
		return err
	}
	if s.house == "" {
		return nil
	}
	return tx.AppendLedgerEntry(ctx, &model.LedgerEntry{
		ID:            uuid.New().String(),
		UserID:        s.house,
		Amount:        payout.Neg(),
		Kind:          model.EntryPayoutCredit,
		CorrelationID: t.ID,
		CreatedAt:     at,
	})
}

// afterCommit reports a committed resolution. Nothing here can undo it.
func (s *Service) afterCommit(ctx context.Context, sum *model.ResolutionSummary, m *model.Market, settled []model.Trade) {
	metrics.ResolutionsTotal.WithLabelValues(string(sum.Outcome)).Inc()
	metrics.ActiveMarkets.Dec()
	metrics.TradesSettled.WithLabelValues(string(model.TradeWon)).Add(float64(sum.TradesWon))
	metrics.TradesSettled.WithLabelValues(string(model.TradeLost)).Add(float64(sum.TradesSettled - sum.TradesWon))
	metrics.PaidOutTotal.Add(sum.TotalPaidOut.InexactFloat64())
	metrics.LedgerEntries.WithLabelValues(string(model.EntryPayoutCredit)).Add(float64(sum.TradesWon))

	slog.Info("market resolved",
		"market_id", sum.MarketID,
		"outcome", string(sum.Outcome),
		"trades_settled", sum.TradesSettled,
		"trades_won", sum.TradesWon,
		"total_staked", sum.TotalStaked.String(),
		"total_paid_out", sum.TotalPaidOut.String(),
	)

	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, stream.MarketResolved(sum)); err != nil {
			slog.Warn("publish resolution event failed", "market_id", sum.MarketID, "err", err)
		}
	}

	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), archiveTimeout)
	defer cancel()
	report := &archive.Report{Summary: *sum, Market: *m, Trades: settled}
	if err := s.archiver.Archive(actx, report); err != nil {
		metrics.ArchiveFailures.Inc()
		slog.Error("archive settlement report failed", "market_id", sum.MarketID, "err", err)
	}
}
