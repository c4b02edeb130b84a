// Package metrics provides Prometheus instrumentation for the position engine.
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
	// PositionsOpened counts opened positions, partitioned by direction.
	PositionsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_positions_opened_total",
		Help: "Total number of positions opened",
	}, []string{"direction"})

	// PositionsClosed counts closed positions by outcome (profit or loss).
	PositionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_positions_closed_total",
		Help: "Total number of positions closed by their owner",
	}, []string{"outcome"})

	// Liquidations counts liquidated positions.
	Liquidations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "atmx_liquidations_total",
		Help: "Total number of positions liquidated",
	})

	// OperationLatency tracks ledger operation latency.
	OperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "atmx_ledger_operation_seconds",
		Help:    "Ledger operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	// OperationErrors counts failed ledger operations by error category.
	OperationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_ledger_operation_errors_total",
		Help: "Failed ledger operations by category",
	}, []string{"operation", "category"})

	// XPAwarded counts experience points granted, by activity.
	XPAwarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_xp_awarded_total",
		Help: "Experience points awarded",
	}, []string{"activity"})

	// LevelUps counts level increases.
	LevelUps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "atmx_level_ups_total",
		Help: "Number of user level increases",
	})

	// AchievementsUnlocked counts granted achievements by name.
	AchievementsUnlocked = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_achievements_unlocked_total",
		Help: "Achievements unlocked",
	}, []string{"achievement"})

	// ExposureLimitRejections counts opens rejected by the exposure limiter.
	ExposureLimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "atmx_exposure_limit_rejections_total",
		Help: "Opens rejected by the exposure limiter",
	})

	// EventsPublished counts events delivered to each sink.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_events_published_total",
		Help: "Events delivered per sink",
	}, []string{"sink"})

	// SinkFailures counts failed deliveries per sink.
	SinkFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_event_sink_failures_total",
		Help: "Failed event deliveries per sink",
	}, []string{"sink"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "atmx_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "atmx_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// ObserveOperation records the latency of a ledger operation and, on
// failure, its error category.
func ObserveOperation(operation string, start time.Time, category string) {
	OperationLatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	if category != "" {
		OperationErrors.WithLabelValues(operation, category).Inc()
	}
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
		return nil, nil, errors.New("metrics: response writer cannot be hijacked")
	}
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
