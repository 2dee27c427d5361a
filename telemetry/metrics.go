package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const unmatched = "unmatched"

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "verl_http_requests_total",
			Help: "Total number of HTTP requests to the monitor server.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "verl_http_request_duration_seconds",
			Help:    "Monitor server HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	engineOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "verl_engine_operations_total",
			Help: "Total number of engine operations, by outcome.",
		},
		[]string{"engine", "op", "status"},
	)

	engineOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "verl_engine_operation_duration_seconds",
			Help:    "Engine operation duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"engine", "op"},
	)

	engineGradientNorm = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "verl_engine_gradient_norm",
			Help: "Gradient norm reported by the most recent optimizer step.",
		},
		[]string{"engine"},
	)

	engineLearningRate = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "verl_engine_learning_rate",
			Help: "Learning rate per parameter group after the most recent scheduler step.",
		},
		[]string{"engine", "group"},
	)

	engineCheckpointBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "verl_engine_last_checkpoint_bytes",
			Help: "Size in bytes of the most recently saved checkpoint.",
		},
		[]string{"engine"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpRequestDuration)
	prometheus.MustRegister(engineOperationsTotal)
	prometheus.MustRegister(engineOperationDuration)
	prometheus.MustRegister(engineGradientNorm)
	prometheus.MustRegister(engineLearningRate)
	prometheus.MustRegister(engineCheckpointBytes)
}

// metricsMiddleware records request count and duration for every HTTP request.
// Uses the chi route pattern (not the raw path) to avoid unbounded cardinality.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		duration := time.Since(start).Seconds()
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		path := routePattern(r)
		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// routePattern extracts the matched chi route pattern, falling back to "unmatched".
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return unmatched
}

// metricsHandler returns the Prometheus metrics handler.
func metricsHandler() http.Handler {
	return promhttp.Handler()
}
