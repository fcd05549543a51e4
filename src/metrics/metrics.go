// Package metrics provides Prometheus instrumentation for the harness.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TicksTotal counts loop iterations per admitted gateway.
	TicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradeharness_ticks_total",
		Help: "Loop iterations recorded per gateway",
	}, []string{"gateway"})

	// OrderUpdatesTotal counts order updates by resulting status.
	OrderUpdatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradeharness_order_updates_total",
		Help: "Order updates observed, by status",
	}, []string{"gateway", "status"})

	// DealsTotal counts fills by direction.
	DealsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradeharness_deals_total",
		Help: "Fills observed, by direction",
	}, []string{"gateway", "direction"})

	// DealVolume tracks cumulative filled quantity per security.
	DealVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradeharness_deal_volume_total",
		Help: "Cumulative filled quantity",
	}, []string{"gateway", "code"})

	// PortfolioValue is the last recorded portfolio value.
	PortfolioValue = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tradeharness_portfolio_value",
		Help: "Portfolio value at the last tick",
	}, []string{"gateway"})

	// Cash is the last recorded cash balance.
	Cash = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tradeharness_cash",
		Help: "Cash balance at the last tick",
	}, []string{"gateway"})

	// OpenPositions is the number of position rows at the last tick.
	OpenPositions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tradeharness_open_positions",
		Help: "Position rows held at the last tick",
	}, []string{"gateway"})

	// TimestepOverflows counts live iterations slower than one step.
	TimestepOverflows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradeharness_timestep_overflows_total",
		Help: "Live iterations that took longer than TIME_STEP",
	}, []string{"gateway"})

	// HTTPRequestsTotal counts control requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradeharness_http_requests_total",
		Help: "Total control HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tradeharness_http_request_duration_seconds",
		Help:    "Control HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics. Routed
// requests are labelled with their chi pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
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
