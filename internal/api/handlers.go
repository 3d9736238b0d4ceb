// Package api exposes the settlement engine's commands and queries over
// HTTP. Handlers decode, call one service method and encode; every rule
// lives in the services.
package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/ledger"
	"github.com/atmx/settlement-engine/internal/market"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/resolution"
	"github.com/atmx/settlement-engine/internal/trade"
)

// Handler holds the services behind the HTTP surface.
type Handler struct {
	markets  *market.Service
	trades   *trade.Service
	resolver *resolution.Service
	ledger   *ledger.Service
}

// NewHandler creates the HTTP handler set.
func NewHandler(
	markets *market.Service,
	trades *trade.Service,
	resolver *resolution.Service,
	ledgerSvc *ledger.Service,
) *Handler {
	return &Handler{
		markets:  markets,
		trades:   trades,
		resolver: resolver,
		ledger:   ledgerSvc,
	}
}

// --- Request/Response types ---

// CreateMarketRequest is the JSON body for POST /markets.
type CreateMarketRequest struct {
	Question    string           `json:"question"`
	Description string           `json:"description"`
	PriceYes    *decimal.Decimal `json:"price_yes,omitempty"`
	PriceNo     *decimal.Decimal `json:"price_no,omitempty"`
}

// PlaceTradeRequest is the JSON body for POST /markets/{marketID}/trades.
type PlaceTradeRequest struct {
	Outcome string          `json:"outcome"`
	Amount  decimal.Decimal `json:"amount"`
}

// TradeResponse is returned for a placed trade.
type TradeResponse struct {
	TradeID string `json:"trade_id"`
	*model.Trade
}

// ResolveRequest is the JSON body for POST /markets/{marketID}/resolve.
type ResolveRequest struct {
	Outcome string `json:"outcome"`
}

// MoneyRequest is the JSON body for deposits and withdrawals.
type MoneyRequest struct {
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference,omitempty"`
}

// BalanceResponse reports a user's balance.
type BalanceResponse struct {
	UserID  string          `json:"user_id"`
	Balance decimal.Decimal `json:"balance"`
}

// --- Markets ---

// CreateMarket handles POST /api/v1/markets
func (h *Handler) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req CreateMarketRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, err)
		return
	}

	m, err := h.markets.Create(r.Context(), market.CreateRequest{
		Question:    req.Question,
		Description: req.Description,
		CreatedBy:   UserID(r.Context()),
		PriceYes:    req.PriceYes,
		PriceNo:     req.PriceNo,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// ListMarkets handles GET /api/v1/markets?resolved=true|false
func (h *Handler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	var resolved *bool
	if v := r.URL.Query().Get("resolved"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "resolved must be true or false")
			return
		}
		resolved = &b
	}

	markets, err := h.markets.List(r.Context(), resolved)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, markets)
}

// GetMarket handles GET /api/v1/markets/{marketID}
func (h *Handler) GetMarket(w http.ResponseWriter, r *http.Request) {
	m, err := h.markets.Get(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// ListMarketTrades handles GET /api/v1/markets/{marketID}/trades
func (h *Handler) ListMarketTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := h.markets.Trades(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, trades)
}

// GetTrade handles GET /api/v1/trades/{tradeID}
func (h *Handler) GetTrade(w http.ResponseWriter, r *http.Request) {
	t, err := h.trades.Get(r.Context(), chi.URLParam(r, "tradeID"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// --- Commands ---

// PlaceTrade handles POST /api/v1/markets/{marketID}/trades
func (h *Handler) PlaceTrade(w http.ResponseWriter, r *http.Request) {
	var req PlaceTradeRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, err)
		return
	}

	t, err := h.trades.PlaceTrade(r.Context(), trade.PlaceTradeRequest{
		UserID:   UserID(r.Context()),
		MarketID: chi.URLParam(r, "marketID"),
		Outcome:  req.Outcome,
		Amount:   req.Amount,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, TradeResponse{TradeID: t.ID, Trade: t})
}

// ResolveMarket handles POST /api/v1/markets/{marketID}/resolve
func (h *Handler) ResolveMarket(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, err)
		return
	}

	sum, err := h.resolver.ResolveMarket(r.Context(), chi.URLParam(r, "marketID"), req.Outcome)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// Deposit handles POST /api/v1/accounts/{userID}/deposits
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	h.moveMoney(w, r, h.ledger.Deposit)
}

// Withdraw handles POST /api/v1/accounts/{userID}/withdrawals
func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	h.moveMoney(w, r, h.ledger.Withdraw)
}

type moneyFunc func(ctx context.Context, userID string, amount decimal.Decimal, reference string) (*model.LedgerEntry, error)

func (h *Handler) moveMoney(w http.ResponseWriter, r *http.Request, fn moneyFunc) {
	var req MoneyRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, err)
		return
	}

	entry, err := fn(r.Context(), chi.URLParam(r, "userID"), req.Amount, req.Reference)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

// --- Accounts ---

// MyBalance handles GET /api/v1/balance for the authenticated caller.
func (h *Handler) MyBalance(w http.ResponseWriter, r *http.Request) {
	h.writeBalance(w, r, UserID(r.Context()))
}

// GetBalance handles GET /api/v1/accounts/{userID}/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	h.writeBalance(w, r, chi.URLParam(r, "userID"))
}

func (h *Handler) writeBalance(w http.ResponseWriter, r *http.Request, userID string) {
	bal, err := h.ledger.Balance(r.Context(), userID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{UserID: userID, Balance: bal})
}

// GetLedger handles GET /api/v1/accounts/{userID}/ledger
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	entries, err := h.ledger.Entries(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// GetUserTrades handles GET /api/v1/accounts/{userID}/trades
func (h *Handler) GetUserTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := h.ledger.Trades(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, trades)
}

// Reconcile handles GET /api/v1/accounts/{userID}/reconcile
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	rec, err := h.ledger.Reconcile(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
