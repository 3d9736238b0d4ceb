// Package store defines the persistence interface for the settlement engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and development).
package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
)

// MarketFilter narrows ListMarkets. A nil Resolved returns every market.
type MarketFilter struct {
	Resolved *bool
}

// Store is the persistence interface. Reads outside a transaction see
// committed state only; every write goes through WithTx.
type Store interface {
	// --- Markets ---

	// CreateMarket persists a new open market.
	CreateMarket(ctx context.Context, market *model.Market) error

	// GetMarket retrieves a market by its ID (model.ErrMarketNotFound).
	GetMarket(ctx context.Context, id string) (*model.Market, error)

	// ListMarkets returns markets, newest first.
	ListMarkets(ctx context.Context, filter MarketFilter) ([]model.Market, error)

	// --- Trades ---

	// GetTrade retrieves a trade by its ID (model.ErrTradeNotFound).
	GetTrade(ctx context.Context, id string) (*model.Trade, error)

	// ListTradesByMarket returns all trades placed on a market.
	ListTradesByMarket(ctx context.Context, marketID string) ([]model.Trade, error)

	// ListTradesByUser returns all trades placed by a user.
	ListTradesByUser(ctx context.Context, userID string) ([]model.Trade, error)

	// --- Immutable ledger ---

	// ListLedgerEntries returns a user's ledger entries in insertion order.
	ListLedgerEntries(ctx context.Context, userID string) ([]model.LedgerEntry, error)

	// Balance returns the sum of a user's ledger entries.
	Balance(ctx context.Context, userID string) (decimal.Decimal, error)

	// WithTx runs fn as one atomic unit of work. If fn returns an error, or
	// ctx is done before commit, nothing fn wrote is kept.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the write side of a single transaction. Reads through a Tx observe
// committed state plus the transaction's own writes.
type Tx interface {
	// GetMarketForUpdate loads a market and holds it exclusively until the
	// transaction ends.
	GetMarketForUpdate(ctx context.Context, id string) (*model.Market, error)

	// LockAccount holds a user's ledger exclusively until the transaction ends.
	LockAccount(ctx context.Context, userID string) error

	// Balance returns the user's balance as seen by this transaction.
	Balance(ctx context.Context, userID string) (decimal.Decimal, error)

	// OpenStakes returns the user's total open stake per market.
	OpenStakes(ctx context.Context, userID string) (map[string]decimal.Decimal, error)

	// InsertTrade records a new open trade.
	InsertTrade(ctx context.Context, trade *model.Trade) error

	// AppendLedgerEntry appends an immutable ledger entry.
	AppendLedgerEntry(ctx context.Context, entry *model.LedgerEntry) error

	// ListOpenTrades returns the open trades of a market, oldest first.
	ListOpenTrades(ctx context.Context, marketID string) ([]model.Trade, error)

	// SettleTrade moves an open trade to won or lost.
	SettleTrade(ctx context.Context, id string, status model.TradeStatus, payout decimal.Decimal, at time.Time) error

	// ResolveMarket marks a market resolved with its final outcome.
	ResolveMarket(ctx context.Context, id string, outcome model.Outcome, at time.Time) error
}

// Compile-time interface checks.
var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
	_ Store = (*CachedStore)(nil)
)
