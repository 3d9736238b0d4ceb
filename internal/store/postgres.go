package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// NewPostgresStore creates a new PostgreSQL-backed store. lockTimeout bounds
// how long a transaction waits on a row or advisory lock before failing
// with model.ErrBusy; zero leaves the server default.
func NewPostgresStore(pool *pgxpool.Pool, lockTimeout time.Duration) *PostgresStore {
	return &PostgresStore{pool: pool, lockTimeout: lockTimeout}
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const marketCols = `id, question, description, price_yes::TEXT, price_no::TEXT,
	is_resolved, final_outcome, created_by, created_at, resolved_at`

const tradeCols = `id, user_id, market_id, outcome, amount::TEXT,
	price_at_execution::TEXT, status, payout::TEXT, created_at, settled_at`

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO markets (id, question, description, price_yes, price_no,
		                      is_resolved, final_outcome, created_by, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6, $7, $8, $9)`,
		m.ID, m.Question, m.Description,
		m.PriceYes.String(), m.PriceNo.String(),
		m.IsResolved, string(m.FinalOutcome), m.CreatedBy, m.CreatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", model.ErrMarketExists, m.ID)
	}
	return err
}

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	return getMarket(ctx, s.pool, id, false)
}

func getMarket(ctx context.Context, q querier, id string, forUpdate bool) (*model.Market, error) {
	sql := `SELECT ` + marketCols + ` FROM markets WHERE id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	m, err := scanMarket(q.QueryRow(ctx, sql, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", model.ErrMarketNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get market %s: %w", id, err)
	}
	return m, nil
}

func (s *PostgresStore) ListMarkets(ctx context.Context, f MarketFilter) ([]model.Market, error) {
	sql := `SELECT ` + marketCols + ` FROM markets`
	var args []any
	if f.Resolved != nil {
		sql += ` WHERE is_resolved = $1`
		args = append(args, *f.Resolved)
	}
	sql += ` ORDER BY created_at DESC`

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

func (s *PostgresStore) GetTrade(ctx context.Context, id string) (*model.Trade, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+tradeCols+` FROM trades WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	trades, err := scanTrades(rows)
	if err != nil {
		return nil, err
	}
	if len(trades) == 0 {
		return nil, fmt.Errorf("%w: %s", model.ErrTradeNotFound, id)
	}
	return &trades[0], nil
}

func (s *PostgresStore) ListTradesByMarket(ctx context.Context, marketID string) ([]model.Trade, error) {
	return queryTrades(ctx, s.pool,
		`SELECT `+tradeCols+` FROM trades WHERE market_id = $1 ORDER BY seq`, marketID)
}

func (s *PostgresStore) ListTradesByUser(ctx context.Context, userID string) ([]model.Trade, error) {
	return queryTrades(ctx, s.pool,
		`SELECT `+tradeCols+` FROM trades WHERE user_id = $1 ORDER BY seq`, userID)
}

func (s *PostgresStore) ListLedgerEntries(ctx context.Context, userID string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, amount::TEXT, kind, correlation_id, created_at
		 FROM ledger_entries WHERE user_id = $1 ORDER BY seq`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var amountS, kind string
		if err := rows.Scan(&e.ID, &e.UserID, &amountS, &kind, &e.CorrelationID, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Amount, _ = decimal.NewFromString(amountS)
		e.Kind = model.EntryKind(kind)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	return balance(ctx, s.pool, userID)
}

func balance(ctx context.Context, q querier, userID string) (decimal.Decimal, error) {
	var sumS string
	err := q.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0)::TEXT FROM ledger_entries WHERE user_id = $1`,
		userID).Scan(&sumS)
	if err != nil {
		return decimal.Zero, fmt.Errorf("balance %s: %w", userID, err)
	}
	sum, _ := decimal.NewFromString(sumS)
	return sum, nil
}

// WithTx runs fn inside a READ COMMITTED transaction. Row locks taken with
// FOR UPDATE and advisory account locks serialize conflicting writers; lock
// waits beyond lockTimeout surface as model.ErrBusy.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", mapPgError(err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if s.lockTimeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("set lock_timeout: %w", mapPgError(err))
		}
	}

	if err := fn(&postgresTx{tx: tx}); err != nil {
		return mapPgError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", mapPgError(err))
	}
	return nil
}

// mapPgError turns lock contention into the retryable model.ErrBusy.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "55P03", // lock_not_available
		"40001", // serialization_failure
		"40P01": // deadlock_detected
		return fmt.Errorf("%w: %s", model.ErrBusy, pgErr.Message)
	}
	return err
}

type postgresTx struct {
	tx pgx.Tx
}

func (t *postgresTx) GetMarketForUpdate(ctx context.Context, id string) (*model.Market, error) {
	return getMarket(ctx, t.tx, id, true)
}

func (t *postgresTx) LockAccount(ctx context.Context, userID string) error {
	_, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "account:"+userID)
	if err != nil {
		return fmt.Errorf("lock account %s: %w", userID, err)
	}
	return nil
}

func (t *postgresTx) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	return balance(ctx, t.tx, userID)
}

func (t *postgresTx) OpenStakes(ctx context.Context, userID string) (map[string]decimal.Decimal, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT market_id, SUM(amount)::TEXT
		 FROM trades WHERE user_id = $1 AND status = 'open'
		 GROUP BY market_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stakes := make(map[string]decimal.Decimal)
	for rows.Next() {
		var marketID, sumS string
		if err := rows.Scan(&marketID, &sumS); err != nil {
			return nil, err
		}
		stakes[marketID], _ = decimal.NewFromString(sumS)
	}
	return stakes, rows.Err()
}

func (t *postgresTx) InsertTrade(ctx context.Context, tr *model.Trade) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO trades (id, user_id, market_id, outcome, amount, price_at_execution,
		                     status, payout, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8::NUMERIC, $9)`,
		tr.ID, tr.UserID, tr.MarketID, string(tr.Outcome),
		tr.Amount.String(), tr.PriceAtExecution.String(),
		string(tr.Status), tr.Payout.String(), tr.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert trade %s: %w", tr.ID, err)
	}
	return nil
}

func (t *postgresTx) AppendLedgerEntry(ctx context.Context, e *model.LedgerEntry) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO ledger_entries (id, user_id, amount, kind, correlation_id, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5, $6)`,
		e.ID, e.UserID, e.Amount.String(), string(e.Kind), e.CorrelationID, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append ledger entry %s: %w", e.ID, err)
	}
	return nil
}

func (t *postgresTx) ListOpenTrades(ctx context.Context, marketID string) ([]model.Trade, error) {
	return queryTrades(ctx, t.tx,
		`SELECT `+tradeCols+` FROM trades
		 WHERE market_id = $1 AND status = 'open'
		 ORDER BY seq FOR UPDATE`, marketID)
}

func (t *postgresTx) SettleTrade(ctx context.Context, id string, status model.TradeStatus, payout decimal.Decimal, at time.Time) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE trades SET status = $2, payout = $3::NUMERIC, settled_at = $4
		 WHERE id = $1 AND status = 'open'`,
		id, string(status), payout.String(), at)
	if err != nil {
		return fmt.Errorf("settle trade %s: %w", id, err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("settle trade %s: not open", id)
	}
	return nil
}

func (t *postgresTx) ResolveMarket(ctx context.Context, id string, outcome model.Outcome, at time.Time) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE markets SET is_resolved = TRUE, final_outcome = $2, resolved_at = $3
		 WHERE id = $1 AND NOT is_resolved`,
		id, string(outcome), at)
	if err != nil {
		return fmt.Errorf("resolve market %s: %w", id, err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("%w: %s", model.ErrMarketAlreadyResolved, id)
	}
	return nil
}

// --- scanning ---

func scanMarket(row pgx.Row) (*model.Market, error) {
	var m model.Market
	var priceYes, priceNo, outcome string
	if err := row.Scan(&m.ID, &m.Question, &m.Description, &priceYes, &priceNo,
		&m.IsResolved, &outcome, &m.CreatedBy, &m.CreatedAt, &m.ResolvedAt); err != nil {
		return nil, err
	}
	m.PriceYes, _ = decimal.NewFromString(priceYes)
	m.PriceNo, _ = decimal.NewFromString(priceNo)
	m.FinalOutcome = model.Outcome(outcome)
	return &m, nil
}

func queryTrades(ctx context.Context, q querier, sql string, args ...any) ([]model.Trade, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTrades(rows)
}

func scanTrades(rows pgx.Rows) ([]model.Trade, error) {
	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var outcome, status, amountS, priceS, payoutS string
		if err := rows.Scan(&t.ID, &t.UserID, &t.MarketID, &outcome, &amountS,
			&priceS, &status, &payoutS, &t.CreatedAt, &t.SettledAt); err != nil {
			return nil, err
		}
		t.Outcome = model.Outcome(outcome)
		t.Status = model.TradeStatus(status)
		t.Amount, _ = decimal.NewFromString(amountS)
		t.PriceAtExecution, _ = decimal.NewFromString(priceS)
		t.Payout, _ = decimal.NewFromString(payoutS)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}
