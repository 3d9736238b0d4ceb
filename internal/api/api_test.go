package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/api"
	"github.com/atmx/settlement-engine/internal/ledger"
	"github.com/atmx/settlement-engine/internal/lock"
	"github.com/atmx/settlement-engine/internal/market"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/resolution"
	"github.com/atmx/settlement-engine/internal/store"
	"github.com/atmx/settlement-engine/internal/trade"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type testEnv struct {
	router chi.Router
	store  *store.MemoryStore
	locker *lock.Local
}

// newTestEnv wires every service over an in-memory store.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	locker := lock.NewLocal(time.Second)
	h := api.NewHandler(
		market.NewService(ms),
		trade.NewService(ms, locker, nil, "house", nil),
		resolution.NewService(ms, locker, "house", nil, nil),
		ledger.NewService(ms, locker),
	)
	return &testEnv{
		router: api.NewRouter(h, api.RouterConfig{}),
		store:  ms,
		locker: locker,
	}
}

func (e *testEnv) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(api.UserHeader, user)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

type errBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (e *testEnv) createMarket(t *testing.T, yes string) string {
	t.Helper()
	w := e.do(t, "POST", "/api/v1/markets", "creator", map[string]any{
		"question":  "Will it rain?",
		"price_yes": yes,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create market: %d %s", w.Code, w.Body.String())
	}
	return decode[model.Market](t, w).ID
}

func (e *testEnv) deposit(t *testing.T, user, amount string) {
	t.Helper()
	w := e.do(t, "POST", "/api/v1/accounts/"+user+"/deposits", "", map[string]string{"amount": amount})
	if w.Code != http.StatusCreated {
		t.Fatalf("deposit: %d %s", w.Code, w.Body.String())
	}
}

// --- Happy path ---

func TestAPI_TradeAndResolveFlow(t *testing.T) {
	env := newTestEnv(t)
	id := env.createMarket(t, "0.4")
	env.deposit(t, "alice", "100")
	env.deposit(t, "bob", "50")

	w := env.do(t, "POST", "/api/v1/markets/"+id+"/trades", "alice", map[string]string{"outcome": "yes", "amount": "40"})
	if w.Code != http.StatusCreated {
		t.Fatalf("place trade: %d %s", w.Code, w.Body.String())
	}
	tr := decode[api.TradeResponse](t, w)
	if tr.TradeID == "" || tr.Status != model.TradeOpen || !tr.PriceAtExecution.Equal(d("0.4")) {
		t.Errorf("unexpected trade response %s", w.Body.String())
	}

	w = env.do(t, "GET", "/api/v1/trades/"+tr.TradeID, "", nil)
	if got := decode[model.Trade](t, w); w.Code != http.StatusOK || got.ID != tr.TradeID || got.UserID != "alice" {
		t.Errorf("get trade: %d %s", w.Code, w.Body.String())
	}

	w = env.do(t, "POST", "/api/v1/markets/"+id+"/trades", "bob", map[string]string{"outcome": "no", "amount": "20"})
	if w.Code != http.StatusCreated {
		t.Fatalf("place trade: %d %s", w.Code, w.Body.String())
	}

	w = env.do(t, "POST", "/api/v1/markets/"+id+"/resolve", "creator", map[string]string{"outcome": "yes"})
	if w.Code != http.StatusOK {
		t.Fatalf("resolve: %d %s", w.Code, w.Body.String())
	}
	sum := decode[model.ResolutionSummary](t, w)
	if sum.TradesSettled != 2 || !sum.TotalPaidOut.Equal(d("100")) {
		t.Errorf("unexpected summary %s", w.Body.String())
	}

	w = env.do(t, "GET", "/api/v1/balance", "alice", nil)
	bal := decode[api.BalanceResponse](t, w)
	if bal.UserID != "alice" || !bal.Balance.Equal(d("160")) {
		t.Errorf("expected alice at 160, got %s", w.Body.String())
	}

	w = env.do(t, "GET", "/api/v1/markets/"+id, "", nil)
	m := decode[model.Market](t, w)
	if !m.IsResolved || m.FinalOutcome != model.OutcomeYes {
		t.Errorf("unexpected market %s", w.Body.String())
	}

	w = env.do(t, "GET", "/api/v1/accounts/alice/reconcile", "", nil)
	rec := decode[ledger.Reconciliation](t, w)
	if !rec.Match {
		t.Errorf("expected reconciled balance, got %s", w.Body.String())
	}
}

func TestAPI_ListMarketsFilter(t *testing.T) {
	env := newTestEnv(t)
	open := env.createMarket(t, "0.5")
	closed := env.createMarket(t, "0.5")
	env.do(t, "POST", "/api/v1/markets/"+closed+"/resolve", "creator", map[string]string{"outcome": "no"})

	w := env.do(t, "GET", "/api/v1/markets?resolved=false", "", nil)
	list := decode[[]model.Market](t, w)
	if len(list) != 1 || list[0].ID != open {
		t.Errorf("expected only the open market, got %s", w.Body.String())
	}

	w = env.do(t, "GET", "/api/v1/markets", "", nil)
	if all := decode[[]model.Market](t, w); len(all) != 2 {
		t.Errorf("expected 2 markets, got %d", len(all))
	}

	w = env.do(t, "GET", "/api/v1/markets?resolved=maybe", "", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad filter, got %d", w.Code)
	}
}

func TestAPI_EmptyListsAreArrays(t *testing.T) {
	env := newTestEnv(t)
	for _, path := range []string{
		"/api/v1/markets",
		"/api/v1/accounts/nobody/ledger",
		"/api/v1/accounts/nobody/trades",
	} {
		w := env.do(t, "GET", path, "", nil)
		if got := bytes.TrimSpace(w.Body.Bytes()); string(got) != "[]" {
			t.Errorf("%s: expected [], got %s", path, got)
		}
	}
}

// --- Error mapping ---

func TestAPI_ErrorStatuses(t *testing.T) {
	env := newTestEnv(t)
	id := env.createMarket(t, "0.4")
	env.deposit(t, "alice", "10")

	tests := []struct {
		name       string
		method     string
		path       string
		user       string
		body       any
		wantStatus int
		wantCode   string
	}{
		{"no identity", "POST", "/api/v1/markets/" + id + "/trades", "", map[string]string{"outcome": "yes", "amount": "1"}, http.StatusUnauthorized, "unauthenticated"},
		{"bad outcome", "POST", "/api/v1/markets/" + id + "/trades", "alice", map[string]string{"outcome": "maybe", "amount": "1"}, http.StatusBadRequest, "invalid_outcome"},
		{"zero amount", "POST", "/api/v1/markets/" + id + "/trades", "alice", map[string]string{"outcome": "yes", "amount": "0"}, http.StatusBadRequest, "invalid_amount"},
		{"unknown market", "POST", "/api/v1/markets/nope/trades", "alice", map[string]string{"outcome": "yes", "amount": "1"}, http.StatusNotFound, "market_not_found"},
		{"insufficient funds", "POST", "/api/v1/markets/" + id + "/trades", "alice", map[string]string{"outcome": "yes", "amount": "11"}, http.StatusUnprocessableEntity, "insufficient_balance"},
		{"unknown field", "POST", "/api/v1/markets/" + id + "/trades", "alice", map[string]string{"side": "yes"}, http.StatusBadRequest, "invalid_request"},
		{"bad price", "POST", "/api/v1/markets", "creator", map[string]string{"question": "q", "price_yes": "0.4", "price_no": "0.4"}, http.StatusBadRequest, "invalid_price"},
		{"overdraw", "POST", "/api/v1/accounts/alice/withdrawals", "", map[string]string{"amount": "10.5"}, http.StatusUnprocessableEntity, "insufficient_balance"},
		{"missing market", "GET", "/api/v1/markets/nope", "", nil, http.StatusNotFound, "market_not_found"},
		{"missing trade", "GET", "/api/v1/trades/nope", "", nil, http.StatusNotFound, "trade_not_found"},
		{"house trades", "POST", "/api/v1/markets/" + id + "/trades", "house", map[string]string{"outcome": "yes", "amount": "1"}, http.StatusBadRequest, "house_account"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, tt.method, tt.path, tt.user, tt.body)
			if w.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tt.wantStatus, w.Code, w.Body.String())
			}
			if got := decode[errBody](t, w); got.Error != tt.wantCode {
				t.Errorf("expected code %s, got %s", tt.wantCode, got.Error)
			}
		})
	}

	if bal, _ := env.store.Balance(context.Background(), "alice"); !bal.Equal(d("10")) {
		t.Errorf("failed requests changed the balance to %s", bal)
	}
}

func TestAPI_DoubleResolveConflict(t *testing.T) {
	env := newTestEnv(t)
	id := env.createMarket(t, "0.5")

	if w := env.do(t, "POST", "/api/v1/markets/"+id+"/resolve", "op", map[string]string{"outcome": "yes"}); w.Code != http.StatusOK {
		t.Fatalf("first resolve: %d", w.Code)
	}
	w := env.do(t, "POST", "/api/v1/markets/"+id+"/resolve", "op", map[string]string{"outcome": "no"})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
	if got := decode[errBody](t, w); got.Error != "market_already_resolved" {
		t.Errorf("unexpected code %s", got.Error)
	}

	w = env.do(t, "POST", "/api/v1/markets/"+id+"/trades", "alice", map[string]string{"outcome": "yes", "amount": "1"})
	if w.Code != http.StatusConflict {
		t.Errorf("trade on resolved market: expected 409, got %d", w.Code)
	}
}

func TestAPI_BusySetsRetryAfter(t *testing.T) {
	ms := store.NewMemoryStore()
	locker := lock.NewLocal(10 * time.Millisecond)
	h := api.NewHandler(
		market.NewService(ms),
		trade.NewService(ms, locker, nil, "", nil),
		resolution.NewService(ms, locker, "", nil, nil),
		ledger.NewService(ms, locker),
	)
	env := &testEnv{router: api.NewRouter(h, api.RouterConfig{}), store: ms, locker: locker}
	id := env.createMarket(t, "0.5")

	release, _ := locker.Acquire(context.Background(), lock.MarketKey(id))
	defer release()

	w := env.do(t, "POST", "/api/v1/markets/"+id+"/resolve", "op", map[string]string{"outcome": "yes"})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header on busy")
	}
	if got := decode[errBody](t, w); got.Error != "busy" {
		t.Errorf("expected busy code, got %s", got.Error)
	}
}

func TestAPI_HealthAndCORS(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "GET", "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("health: %d", w.Code)
	}

	req := httptest.NewRequest("OPTIONS", "/api/v1/markets", nil)
	req.Header.Set("Origin", "https://app.example")
	rw := httptest.NewRecorder()
	env.router.ServeHTTP(rw, req)
	if rw.Code != http.StatusNoContent || rw.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("unexpected preflight response %d %v", rw.Code, rw.Header())
	}
}

func TestAPI_CanceledRequestIsNotInternal(t *testing.T) {
	env := newTestEnv(t)
	id := env.createMarket(t, "0.5")
	env.deposit(t, "alice", "10")

	release, err := env.locker.Acquire(context.Background(), lock.MarketKey(id))
	if err != nil {
		t.Fatal(err)
	}
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest("POST", "/api/v1/markets/"+id+"/trades",
		bytes.NewBufferString(`{"outcome":"yes","amount":"1"}`)).WithContext(ctx)
	req.Header.Set(api.UserHeader, "alice")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != 499 {
		t.Fatalf("expected 499, got %d: %s", w.Code, w.Body.String())
	}
	if got := decode[errBody](t, w); got.Error != "request_canceled" {
		t.Errorf("expected request_canceled, got %s", got.Error)
	}
}
