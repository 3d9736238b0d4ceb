package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Transactions are serialized: a transaction buffers its writes and applies
// them in one step at commit, so an aborted transaction leaves no trace.
type MemoryStore struct {
	txMu sync.Mutex // one writer at a time

	mu       sync.RWMutex
	markets  map[string]*model.Market
	trades   map[string]*model.Trade
	tradeSeq []string // trade IDs in insertion order
	ledger   []model.LedgerEntry
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		markets: make(map[string]*model.Market),
		trades:  make(map[string]*model.Trade),
	}
}

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.markets[m.ID]; ok {
		return fmt.Errorf("%w: %s", model.ErrMarketExists, m.ID)
	}

	// Store a copy to avoid external mutation.
	cp := *m
	s.markets[m.ID] = &cp
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrMarketNotFound, id)
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) ListMarkets(_ context.Context, f MarketFilter) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		if f.Resolved != nil && m.IsResolved != *f.Resolved {
			continue
		}
		markets = append(markets, *m)
	}
	sort.Slice(markets, func(i, j int) bool {
		return markets[i].CreatedAt.After(markets[j].CreatedAt)
	})
	return markets, nil
}

func (s *MemoryStore) GetTrade(_ context.Context, id string) (*model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.trades[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrTradeNotFound, id)
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) ListTradesByMarket(_ context.Context, marketID string) ([]model.Trade, error) {
	return s.filterTrades(func(t *model.Trade) bool { return t.MarketID == marketID }), nil
}

func (s *MemoryStore) ListTradesByUser(_ context.Context, userID string) ([]model.Trade, error) {
	return s.filterTrades(func(t *model.Trade) bool { return t.UserID == userID }), nil
}

func (s *MemoryStore) filterTrades(keep func(*model.Trade) bool) []model.Trade {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for _, id := range s.tradeSeq {
		if t := s.trades[id]; keep(t) {
			result = append(result, *t)
		}
	}
	return result
}

func (s *MemoryStore) ListLedgerEntries(_ context.Context, userID string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for _, e := range s.ledger {
		if e.UserID == userID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) Balance(_ context.Context, userID string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.sumLocked(userID), nil
}

// sumLocked must be called with s.mu held.
func (s *MemoryStore) sumLocked(userID string) decimal.Decimal {
	sum := decimal.Zero
	for _, e := range s.ledger {
		if e.UserID == userID {
			sum = sum.Add(e.Amount)
		}
	}
	return sum
}

func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memoryTx{
		s:       s,
		markets: make(map[string]*model.Market),
		trades:  make(map[string]*model.Trade),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// memoryTx buffers writes until commit. Reads overlay the buffer on top of
// committed state.
type memoryTx struct {
	s         *MemoryStore
	markets   map[string]*model.Market
	trades    map[string]*model.Trade
	newTrades []string
	entries   []model.LedgerEntry
}

func (tx *memoryTx) commit() {
	s := tx.s
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, m := range tx.markets {
		s.markets[id] = m
	}
	for id, t := range tx.trades {
		s.trades[id] = t
	}
	s.tradeSeq = append(s.tradeSeq, tx.newTrades...)
	s.ledger = append(s.ledger, tx.entries...)
}

func (tx *memoryTx) market(id string) (*model.Market, error) {
	if m, ok := tx.markets[id]; ok {
		return m, nil
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()

	m, ok := tx.s.markets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrMarketNotFound, id)
	}
	cp := *m
	tx.markets[id] = &cp
	return &cp, nil
}

func (tx *memoryTx) trade(id string) (*model.Trade, error) {
	if t, ok := tx.trades[id]; ok {
		return t, nil
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()

	t, ok := tx.s.trades[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrTradeNotFound, id)
	}
	cp := *t
	tx.trades[id] = &cp
	return &cp, nil
}

// visibleTrades returns committed trades overlaid with this transaction's
// writes, in insertion order.
func (tx *memoryTx) visibleTrades(keep func(*model.Trade) bool) []model.Trade {
	tx.s.mu.RLock()
	ids := make([]string, 0, len(tx.s.tradeSeq)+len(tx.newTrades))
	ids = append(ids, tx.s.tradeSeq...)
	committed := make(map[string]model.Trade, len(tx.s.tradeSeq))
	for _, id := range tx.s.tradeSeq {
		committed[id] = *tx.s.trades[id]
	}
	tx.s.mu.RUnlock()
	ids = append(ids, tx.newTrades...)

	var result []model.Trade
	for _, id := range ids {
		t, ok := committed[id]
		if pending, dirty := tx.trades[id]; dirty {
			t, ok = *pending, true
		}
		if ok && keep(&t) {
			result = append(result, t)
		}
	}
	return result
}

func (tx *memoryTx) GetMarketForUpdate(_ context.Context, id string) (*model.Market, error) {
	m, err := tx.market(id)
	if err != nil {
		return nil, err
	}
	cp := *m
	return &cp, nil
}

// LockAccount is a no-op: memory transactions are already serialized.
func (tx *memoryTx) LockAccount(context.Context, string) error {
	return nil
}

func (tx *memoryTx) Balance(_ context.Context, userID string) (decimal.Decimal, error) {
	tx.s.mu.RLock()
	sum := tx.s.sumLocked(userID)
	tx.s.mu.RUnlock()

	for _, e := range tx.entries {
		if e.UserID == userID {
			sum = sum.Add(e.Amount)
		}
	}
	return sum, nil
}

func (tx *memoryTx) OpenStakes(_ context.Context, userID string) (map[string]decimal.Decimal, error) {
	stakes := make(map[string]decimal.Decimal)
	for _, t := range tx.visibleTrades(func(t *model.Trade) bool {
		return t.UserID == userID && t.Status == model.TradeOpen
	}) {
		stakes[t.MarketID] = stakes[t.MarketID].Add(t.Amount)
	}
	return stakes, nil
}

func (tx *memoryTx) InsertTrade(_ context.Context, t *model.Trade) error {
	if _, err := tx.trade(t.ID); err == nil {
		return fmt.Errorf("trade %s already exists", t.ID)
	}
	cp := *t
	tx.trades[t.ID] = &cp
	tx.newTrades = append(tx.newTrades, t.ID)
	return nil
}

func (tx *memoryTx) AppendLedgerEntry(_ context.Context, e *model.LedgerEntry) error {
	tx.entries = append(tx.entries, *e)
	return nil
}

func (tx *memoryTx) ListOpenTrades(_ context.Context, marketID string) ([]model.Trade, error) {
	return tx.visibleTrades(func(t *model.Trade) bool {
		return t.MarketID == marketID && t.Status == model.TradeOpen
	}), nil
}

func (tx *memoryTx) SettleTrade(_ context.Context, id string, status model.TradeStatus, payout decimal.Decimal, at time.Time) error {
	t, err := tx.trade(id)
	if err != nil {
		return err
	}
	if t.Status != model.TradeOpen {
		return fmt.Errorf("settle trade %s: already %s", id, t.Status)
	}
	t.Status = status
	t.Payout = payout
	t.SettledAt = &at
	return nil
}

func (tx *memoryTx) ResolveMarket(_ context.Context, id string, outcome model.Outcome, at time.Time) error {
	m, err := tx.market(id)
	if err != nil {
		return err
	}
	if m.IsResolved {
		return fmt.Errorf("%w: %s", model.ErrMarketAlreadyResolved, id)
	}
	m.IsResolved = true
	m.FinalOutcome = outcome
	m.ResolvedAt = &at
	return nil
}
