// Package metrics wires Operation Monitor transitions and HTTP Session
// Manager traffic into Prometheus, following the teacher's nil-safe
// pkg/observability.Metrics shape: every recording method tolerates a nil
// receiver so callers never need to guard metrics-disabled mode themselves.
package metrics

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ahma-mcp/ahma/internal/operation"
)

const namespace = "ahma"

// Metrics holds the process's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	operationsActive *prometheus.GaugeVec
	operationsTotal  *prometheus.CounterVec
	execDuration     *prometheus.HistogramVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New creates a Metrics instance with its own registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.operationsActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "operations_active",
		Help:      "Number of background operations currently pending or in progress.",
	}, []string{"tool_name"})

	m.operationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "operations_total",
		Help:      "Total number of background operations that reached a terminal state.",
	}, []string{"tool_name", "state"})

	m.execDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "exec_duration_seconds",
		Help:      "Child-process execution duration in seconds.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~82s
	}, []string{"tool_name", "mode"})

	m.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total number of HTTP requests served by the session manager.",
	}, []string{"method", "route", "status"})

	m.httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})

	m.registry.MustRegister(m.operationsActive, m.operationsTotal, m.execDuration, m.httpRequests, m.httpDuration)
	return m
}

// ObserveOperation is an operation.Monitor transition hook: it keeps the
// active gauge in step with Pending/InProgress operations and increments
// the terminal-state counter once an operation absorbs into history.
func (m *Metrics) ObserveOperation(op *operation.Operation) {
	if m == nil || op == nil {
		return
	}
	if !op.State.IsTerminal() {
		if op.State == operation.StatusPending {
			m.operationsActive.WithLabelValues(op.ToolName).Inc()
		}
		return
	}
	m.operationsActive.WithLabelValues(op.ToolName).Dec()
	m.operationsTotal.WithLabelValues(op.ToolName, op.State.String()).Inc()
	if op.EndTime != nil {
		m.execDuration.WithLabelValues(op.ToolName, "async").Observe(op.EndTime.Sub(op.StartTime).Seconds())
	}
}

// ObserveSyncExec records a synchronous Execution Adapter call's duration.
func (m *Metrics) ObserveSyncExec(toolName string, d time.Duration) {
	if m == nil {
		return
	}
	m.execDuration.WithLabelValues(toolName, "sync").Observe(d.Seconds())
}

// Handler serves the /metrics scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusServiceUnavailable) })
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// responseWriter wraps http.ResponseWriter to capture the final status
// code, teacher-grounded on pkg/transport's metricsMiddleware wrapper.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware records per-route HTTP request counts and latency using chi's
// RouteContext for the route label, so the metric cardinality stays bounded
// by route pattern rather than raw path.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		duration := time.Since(start)
		m.httpRequests.WithLabelValues(r.Method, route, http.StatusText(wrapped.statusCode)).Inc()
		m.httpDuration.WithLabelValues(r.Method, route).Observe(duration.Seconds())
	})
}
