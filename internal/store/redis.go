package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
)

// fillLua stores a value read from the primary only if no commit has
// invalidated the key since the reader sampled its version.
const fillLua = `
local v = redis.call('GET', KEYS[2])
if (v or '0') ~= ARGV[1] then
    return 0
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache after
// commit; reads check Redis first then fall back to the primary.
//
// Every cached key has a version that invalidation bumps. A reader samples
// the version before reading the primary and fills the cache only if the
// version is unchanged, so a read that raced a commit never caches the
// pre-commit value.
//
// Reads inside a transaction always hit the primary, so balance checks
// never use a cached value.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
	fill    *redis.Script
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
		fill:    redis.NewScript(fillLua),
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.Market) error {
	ver, ok := s.version(ctx, marketKey(m.ID))
	if err := s.primary.CreateMarket(ctx, m); err != nil {
		return err
	}
	if ok {
		s.cacheMarket(ctx, m, ver)
	}
	return nil
}

func (s *CachedStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tracked := &cachedTx{}
	err := s.primary.WithTx(ctx, func(tx Tx) error {
		tracked.Tx = tx
		return fn(tracked)
	})
	if err != nil {
		return err
	}

	// Committed: drop every key the transaction could have changed.
	keys := make([]string, 0, len(tracked.markets)+len(tracked.users))
	for id := range tracked.markets {
		keys = append(keys, marketKey(id))
	}
	for uid := range tracked.users {
		keys = append(keys, balanceKey(uid))
	}
	if len(keys) > 0 {
		s.invalidate(context.WithoutCancel(ctx), keys)
	}
	return nil
}

// cachedTx records which markets and accounts a transaction touched.
type cachedTx struct {
	Tx
	markets map[string]struct{}
	users   map[string]struct{}
}

func (t *cachedTx) touchMarket(id string) {
	if t.markets == nil {
		t.markets = make(map[string]struct{})
	}
	t.markets[id] = struct{}{}
}

func (t *cachedTx) touchUser(id string) {
	if t.users == nil {
		t.users = make(map[string]struct{})
	}
	t.users[id] = struct{}{}
}

func (t *cachedTx) AppendLedgerEntry(ctx context.Context, e *model.LedgerEntry) error {
	t.touchUser(e.UserID)
	return t.Tx.AppendLedgerEntry(ctx, e)
}

func (t *cachedTx) ResolveMarket(ctx context.Context, id string, outcome model.Outcome, at time.Time) error {
	t.touchMarket(id)
	return t.Tx.ResolveMarket(ctx, id, outcome, at)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	key := marketKey(id)
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var m model.Market
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	// Cache miss: sample the version, then read from primary.
	ver, ok := s.version(ctx, key)
	m, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	if ok {
		s.cacheMarket(ctx, m, ver)
	}
	return m, nil
}

func (s *CachedStore) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	key := balanceKey(userID)
	if v, err := s.rdb.Get(ctx, key).Result(); err == nil {
		if bal, err := decimal.NewFromString(v); err == nil {
			return bal, nil
		}
	}

	ver, ok := s.version(ctx, key)
	bal, err := s.primary.Balance(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	if ok {
		s.fillKey(ctx, key, ver, bal.String())
	}
	return bal, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListMarkets(ctx context.Context, f MarketFilter) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx, f)
}

func (s *CachedStore) GetTrade(ctx context.Context, id string) (*model.Trade, error) {
	return s.primary.GetTrade(ctx, id)
}

func (s *CachedStore) ListTradesByMarket(ctx context.Context, marketID string) ([]model.Trade, error) {
	return s.primary.ListTradesByMarket(ctx, marketID)
}

func (s *CachedStore) ListTradesByUser(ctx context.Context, userID string) ([]model.Trade, error) {
	return s.primary.ListTradesByUser(ctx, userID)
}

func (s *CachedStore) ListLedgerEntries(ctx context.Context, userID string) ([]model.LedgerEntry, error) {
	return s.primary.ListLedgerEntries(ctx, userID)
}

// --- Cache helpers ---

func (s *CachedStore) cacheMarket(ctx context.Context, m *model.Market, ver string) {
	if data, err := json.Marshal(m); err == nil {
		s.fillKey(ctx, marketKey(m.ID), ver, string(data))
	}
}

// version samples a key's invalidation counter. ok is false when Redis is
// unreachable, in which case the caller must not fill the cache.
func (s *CachedStore) version(ctx context.Context, key string) (string, bool) {
	v, err := s.rdb.Get(ctx, versionKey(key)).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return "0", true
	case err != nil:
		return "", false
	}
	return v, true
}

// fillKey caches value under key unless key was invalidated after ver was
// sampled.
func (s *CachedStore) fillKey(ctx context.Context, key, ver, value string) {
	err := s.fill.Run(ctx, s.rdb, []string{key, versionKey(key)},
		ver, value, s.ttl.Milliseconds()).Err()
	if err != nil {
		slog.Debug("cache fill failed", "key", key, "err", err)
	}
}

// invalidate bumps the version of every key and drops the cached values in
// one MULTI, so in-flight fills of the old values are refused.
func (s *CachedStore) invalidate(ctx context.Context, keys []string) {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, k := range keys {
			pipe.Incr(ctx, versionKey(k))
		}
		pipe.Del(ctx, keys...)
		return nil
	})
	if err != nil {
		slog.Warn("cache invalidation failed", "keys", keys, "err", err)
	}
}

func marketKey(id string) string   { return fmt.Sprintf("market:%s", id) }
func balanceKey(uid string) string { return fmt.Sprintf("balance:%s", uid) }
func versionKey(key string) string { return "ver:" + key }
