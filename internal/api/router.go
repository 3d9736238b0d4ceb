package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/atmx/settlement-engine/internal/metrics"
)

// Route is one entry of the HTTP surface.
type Route struct {
	Method  string
	Pattern string
	Handler http.HandlerFunc
	Auth    bool // requires X-User-ID
}

// Routes is the complete /api/v1 route table.
func Routes(h *Handler) []Route {
	return []Route{
		// Markets.
		{http.MethodPost, "/markets", h.CreateMarket, true},
		{http.MethodGet, "/markets", h.ListMarkets, false},
		{http.MethodGet, "/markets/{marketID}", h.GetMarket, false},
		{http.MethodGet, "/markets/{marketID}/trades", h.ListMarketTrades, false},
		{http.MethodGet, "/trades/{tradeID}", h.GetTrade, false},

		// Commands.
		{http.MethodPost, "/markets/{marketID}/trades", h.PlaceTrade, true},
		{http.MethodPost, "/markets/{marketID}/resolve", h.ResolveMarket, true},

		// Accounts.
		{http.MethodGet, "/balance", h.MyBalance, true},
		{http.MethodGet, "/accounts/{userID}/balance", h.GetBalance, false},
		{http.MethodGet, "/accounts/{userID}/ledger", h.GetLedger, false},
		{http.MethodGet, "/accounts/{userID}/trades", h.GetUserTrades, false},
		{http.MethodGet, "/accounts/{userID}/reconcile", h.Reconcile, false},
		{http.MethodPost, "/accounts/{userID}/deposits", h.Deposit, false},
		{http.MethodPost, "/accounts/{userID}/withdrawals", h.Withdraw, false},
	}
}

// RouterConfig tunes the middleware stack.
type RouterConfig struct {
	RequestTimeout time.Duration
	CORSOrigins    []string
	WS             http.HandlerFunc // optional GET /api/v1/ws
}

// NewRouter builds the chi router: middleware, /health, /metrics and the
// route table under /api/v1.
func NewRouter(h *Handler, cfg RouterConfig) chi.Router {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(cors(cfg.CORSOrigins))
	r.Use(Identity)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "settlement-engine"})
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket events; long-lived, so outside the request timeout.
		if cfg.WS != nil {
			r.Get("/ws", cfg.WS)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(cfg.RequestTimeout))
			for _, rt := range Routes(h) {
				fn := rt.Handler
				if rt.Auth {
					fn = requireUser(fn)
				}
				r.Method(rt.Method, rt.Pattern, fn)
			}
		})
	})

	return r
}

// cors allows cross-origin requests from the given origins ("*" for any).
func cors(origins []string) func(http.Handler) http.Handler {
	allowAll := len(origins) == 0
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			switch {
			case allowAll:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case origin != "" && allowed[origin]:
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", strings.Join([]string{"Content-Type", "Authorization", UserHeader}, ", "))
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
