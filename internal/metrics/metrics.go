// Package metrics provides Prometheus instrumentation for the exchange.
package metrics

import (
	"bufio"
	"fmt"
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
	// OrdersPlaced counts accepted orders by side.
	OrdersPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_orders_placed_total",
		Help: "Total number of orders accepted",
	}, []string{"side"})

	// OrdersRejected counts rejected orders by reason.
	OrdersRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_orders_rejected_total",
		Help: "Total number of orders rejected",
	}, []string{"reason"})

	// OrdersCancelled counts successful cancellations.
	OrdersCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exchange_orders_cancelled_total",
		Help: "Total number of orders cancelled",
	})

	// TradesTotal counts executed trades, partitioned by taker side.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_trades_total",
		Help: "Total number of trades executed",
	}, []string{"taker_side"})

	// PlaceLatency tracks end-to-end order placement latency.
	PlaceLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "exchange_place_order_latency_seconds",
		Help:    "Order placement latency in seconds, matching included",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// MarketVolume tracks cumulative traded shares per market.
	MarketVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_market_volume_total",
		Help: "Cumulative trade volume in shares",
	}, []string{"market_id"})

	// ConflictRetries counts transactions retried after a concurrent update.
	ConflictRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_conflict_retries_total",
		Help: "Transactions retried after a concurrency conflict",
	}, []string{"op"})

	// SettlementFailures counts trades abandoned after a non-retryable error
	// or exhausted retries.
	SettlementFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exchange_settlement_failures_total",
		Help: "Trades abandoned during settlement",
	})

	// PositionLimitRejections counts orders rejected by the position limiter.
	PositionLimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exchange_position_limit_rejections_total",
		Help: "Orders rejected by position limiter",
	})

	// MarketsResolved counts resolutions and voids by outcome.
	MarketsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_markets_resolved_total",
		Help: "Markets resolved, by outcome (YES, NO or void)",
	}, []string{"outcome"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "exchange_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// CacheRequests counts cache lookups by entity and result.
	CacheRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_cache_requests_total",
		Help: "Cache lookups by entity and result (hit, miss, error)",
	}, []string{"entity", "result"})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "exchange_http_request_duration_seconds",
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

// routePattern returns the matched chi route (e.g. /api/v1/orders/{orderID})
// so that IDs do not explode label cardinality.
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("metrics: %T does not support hijacking", w.ResponseWriter)
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
