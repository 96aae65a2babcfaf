// Package metrics provides Prometheus instrumentation for the share ledger.
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
	// LedgerOps counts ledger operations by name and outcome kind.
	LedgerOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shareledger_operations_total",
		Help: "Ledger operations by operation and result",
	}, []string{"op", "result"})

	// LedgerOpLatency tracks how long each ledger operation takes end to end.
	LedgerOpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "shareledger_operation_latency_seconds",
		Help:    "Ledger operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// SharesMoved counts share volume per pool and movement type.
	SharesMoved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shareledger_shares_moved_total",
		Help: "Cumulative share volume by pool and movement",
	}, []string{"pool_id", "movement"})

	// SettlementFailures counts purchase settlement steps that failed and
	// left the order in processing.
	SettlementFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shareledger_settlement_failures_total",
		Help: "Purchase settlement step failures",
	}, []string{"step"})

	// SellingLimitRejections counts sell orders rejected by selling limits.
	SellingLimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shareledger_selling_limit_rejections_total",
		Help: "Sell orders rejected by selling limits",
	})

	// CommissionsRecorded counts referral commissions by status.
	CommissionsRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shareledger_commissions_total",
		Help: "Referral commissions recorded by status",
	}, []string{"status"})

	// OpenSellOrders tracks queue depth per pool after each queue mutation.
	OpenSellOrders = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "shareledger_open_sell_orders",
		Help: "Open sell orders waiting in the FIFO queue",
	}, []string{"pool_id"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shareledger_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shareledger_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "shareledger_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Observe records one ledger operation. result is "ok" or an error kind name.
func Observe(op, result string, start time.Time) {
	LedgerOps.WithLabelValues(op, result).Inc()
	LedgerOpLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

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
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if pattern := rc.RoutePattern(); pattern != "" {
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

// Hijack lets the WebSocket upgrade take over the connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
