// Package ledger owns the append-only record of money movements and the
// balance view derived from it.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/lock"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/store"
)

// Service handles deposits, withdrawals and balance queries.
type Service struct {
	store  store.Store
	locker lock.Locker
}

// NewService creates a ledger service.
func NewService(st store.Store, locker lock.Locker) *Service {
	return &Service{store: st, locker: locker}
}

// Deposit credits amount to userID. reference, when set, becomes the
// entry's correlation id (an external payment id, say); otherwise a fresh
// uuid is used.
func (s *Service) Deposit(ctx context.Context, userID string, amount decimal.Decimal, reference string) (*model.LedgerEntry, error) {
	return s.move(ctx, userID, amount, model.EntryDeposit, reference)
}

// Withdraw debits amount from userID. The balance may not go negative.
func (s *Service) Withdraw(ctx context.Context, userID string, amount decimal.Decimal, reference string) (*model.LedgerEntry, error) {
	return s.move(ctx, userID, amount, model.EntryWithdrawal, reference)
}

func (s *Service) move(ctx context.Context, userID string, amount decimal.Decimal, kind model.EntryKind, reference string) (*model.LedgerEntry, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, model.ErrUserRequired
	}
	if !amount.IsPositive() {
		return nil, model.ErrInvalidAmount
	}
	if reference == "" {
		reference = uuid.New().String()
	}

	release, err := s.locker.Acquire(ctx, lock.AccountKey(userID))
	if err != nil {
		return nil, err
	}
	defer release()

	signed := amount
	if kind == model.EntryWithdrawal {
		signed = amount.Neg()
	}
	entry := &model.LedgerEntry{
		ID:            uuid.New().String(),
		UserID:        userID,
		Amount:        signed,
		Kind:          kind,
		CorrelationID: reference,
		CreatedAt:     time.Now().UTC(),
	}

	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.LockAccount(ctx, userID); err != nil {
			return err
		}
		if kind == model.EntryWithdrawal {
			bal, err := tx.Balance(ctx, userID)
			if err != nil {
				return err
			}
			if bal.LessThan(amount) {
				return model.ErrInsufficientBalance
			}
		}
		return tx.AppendLedgerEntry(ctx, entry)
	})
	if err != nil {
		return nil, fmt.Errorf("%s for %s: %w", kind, userID, err)
	}

	slog.Info("ledger entry appended",
		"entry_id", entry.ID,
		"user", userID,
		"kind", string(kind),
		"amount", signed.String(),
		"correlation_id", reference,
	)
	return entry, nil
}

// Balance returns the user's balance as served by the store, which may be
// a cached view.
func (s *Service) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	return s.store.Balance(ctx, userID)
}

// Entries returns the user's ledger entries in insertion order.
func (s *Service) Entries(ctx context.Context, userID string) ([]model.LedgerEntry, error) {
	entries, err := s.store.ListLedgerEntries(ctx, userID)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	return entries, nil
}

// Trades returns every trade the user has placed.
func (s *Service) Trades(ctx context.Context, userID string) ([]model.Trade, error) {
	trades, err := s.store.ListTradesByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	return trades, nil
}

// Reconciliation compares the served balance with a fresh sum of entries.
type Reconciliation struct {
	UserID   string          `json:"user_id"`
	Served   decimal.Decimal `json:"served"`
	Computed decimal.Decimal `json:"computed"`
	Match    bool            `json:"match"`
}

// Reconcile recomputes the user's balance from raw ledger entries and
// reports whether it equals the served balance exactly.
func (s *Service) Reconcile(ctx context.Context, userID string) (*Reconciliation, error) {
	served, err := s.store.Balance(ctx, userID)
	if err != nil {
		return nil, err
	}
	entries, err := s.store.ListLedgerEntries(ctx, userID)
	if err != nil {
		return nil, err
	}
	computed := Sum(entries)

	rec := &Reconciliation{
		UserID:   userID,
		Served:   served,
		Computed: computed,
		Match:    served.Equal(computed),
	}
	if !rec.Match {
		slog.Warn("balance mismatch",
			"user", userID,
			"served", served.String(),
			"computed", computed.String(),
		)
	}
	return rec, nil
}

// Sum adds up the signed amounts of entries.
func Sum(entries []model.LedgerEntry) decimal.Decimal {
	total := decimal.Zero
	for _, e := range entries {
		total = total.Add(e.Amount)
	}
	return total
}
