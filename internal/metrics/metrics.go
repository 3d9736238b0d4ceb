// Package metrics provides Prometheus instrumentation for the settlement engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TradesTotal counts placed trades, partitioned by outcome.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_trades_total",
		Help: "Total number of trades placed",
	}, []string{"outcome"})

	// TradeLatency tracks PlaceTrade latency including lock wait.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settle_trade_latency_seconds",
		Help:    "Trade placement latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})

	// TradeRejections counts failed trade attempts by error code.
	TradeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_trade_rejections_total",
		Help: "Trades rejected, by error code",
	}, []string{"code"})

	// StakedTotal is the cumulative amount staked across all trades.
	StakedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settle_staked_amount_total",
		Help: "Cumulative amount staked",
	})

	// ResolutionsTotal counts resolved markets by final outcome.
	ResolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_resolutions_total",
		Help: "Total number of markets resolved",
	}, []string{"outcome"})

	// TradesSettled counts trades settled at resolution by result.
	TradesSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_trades_settled_total",
		Help: "Trades settled at resolution",
	}, []string{"status"})

	// PaidOutTotal is the cumulative amount credited to winners.
	PaidOutTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settle_paid_out_amount_total",
		Help: "Cumulative amount paid out to winning trades",
	})

	// LedgerEntries counts appended ledger entries by kind.
	LedgerEntries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_ledger_entries_total",
		Help: "Ledger entries appended, by kind",
	}, []string{"kind"})

	// BusyRejections counts commands rejected because an entity was locked.
	BusyRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_busy_rejections_total",
		Help: "Commands rejected on lock wait timeout",
	}, []string{"operation"})

	// PositionLimitRejections counts trades rejected by the position limiter.
	PositionLimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settle_position_limit_rejections_total",
		Help: "Trades rejected by position limiter",
	})

	// ArchiveFailures counts settlement reports that could not be archived.
	ArchiveFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settle_archive_failures_total",
		Help: "Settlement reports that failed to archive",
	})

	// ActiveMarkets tracks the number of unresolved markets.
	ActiveMarkets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "settle_active_markets",
		Help: "Number of currently unresolved markets",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "settle_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settle_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		path := routePattern(r)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// routePattern labels by chi route pattern so ids don't explode cardinality.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
