// Package metrics provides Prometheus instrumentation for the trading engine.
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
	// TradesTotal counts executed trades by action and execution type.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockwise_trades_total",
		Help: "Total number of trades executed",
	}, []string{"action", "order_type"})

	// TradeFailures counts rejected trades by action and typed reason.
	TradeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockwise_trade_failures_total",
		Help: "Trades rejected, by reason",
	}, []string{"action", "reason"})

	// TradeLatency tracks end-to-end execution latency, quote fetch included.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stockwise_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"action"})

	// OrdersTotal counts conditional order lifecycle events.
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockwise_orders_total",
		Help: "Conditional order lifecycle events",
	}, []string{"order_type", "event"})

	// JobRuns counts background job runs by outcome (ok, error, skipped).
	JobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockwise_job_runs_total",
		Help: "Background job runs by outcome",
	}, []string{"job", "outcome"})

	// JobItems counts per-item results inside batch jobs.
	JobItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockwise_job_items_total",
		Help: "Batch job items by result",
	}, []string{"job", "result"})

	// JobDuration tracks how long each background job run takes.
	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stockwise_job_duration_seconds",
		Help:    "Background job run duration in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
	}, []string{"job"})

	// LeaderboardEntries tracks how many owners the last ranking wrote.
	LeaderboardEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stockwise_leaderboard_entries",
		Help: "Owners ranked by the last leaderboard run",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stockwise_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// EventsPublished counts events handed to each sink.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockwise_events_published_total",
		Help: "Events published, by sink and outcome",
	}, []string{"sink", "outcome"})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockwise_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stockwise_http_request_duration_seconds",
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
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
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

// Hijack lets the websocket upgrade take over the connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
