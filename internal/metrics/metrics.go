// Package metrics provides Prometheus instrumentation for the market engine.
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
	// OrdersTotal counts accepted order requests by side and outcome
	// (executed, partial, pending).
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "athlex_orders_total",
		Help: "Total number of order requests accepted",
	}, []string{"side", "outcome"})

	// OrderRejections counts order requests rejected, by side and error kind.
	OrderRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "athlex_order_rejections_total",
		Help: "Order requests rejected by error kind",
	}, []string{"side", "kind"})

	// OrderLatency tracks the full match-and-settle latency per request.
	OrderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "athlex_order_latency_seconds",
		Help:    "Order placement latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// FillsTotal counts executed fills by source (pool or order).
	FillsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "athlex_fills_total",
		Help: "Total number of executed fills",
	}, []string{"source"})

	// FilledUnits counts token units changing hands per athlete.
	FilledUnits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "athlex_filled_units_total",
		Help: "Cumulative token units filled",
	}, []string{"athlete_id"})

	// CancellationsTotal counts successful cancellations by side.
	CancellationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "athlex_cancellations_total",
		Help: "Pending orders cancelled by their owner",
	}, []string{"side"})

	// PendingOrders tracks resting orders per athlete and side.
	PendingOrders = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "athlex_pending_orders",
		Help: "Resting orders in the book",
	}, []string{"athlete_id", "side"})

	// ActivePools tracks the number of minted athlete pools.
	ActivePools = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "athlex_active_pools",
		Help: "Number of minted athlete pools",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "athlex_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "athlex_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "athlex_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})

	// RateLimited counts requests rejected by the per-user rate limiter.
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "athlex_rate_limited_total",
		Help: "Requests rejected by the per-user rate limiter",
	})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
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
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
