package observability

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets       = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	transitionDurationBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5}
	bodySizeBuckets           = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for statusflow. It
// implements the recorder interfaces of the workflow, notify and capability
// packages.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Engine metrics
	EntitiesCreatedTotal    *prometheus.CounterVec
	TransitionsTotal        *prometheus.CounterVec
	TransitionFailuresTotal *prometheus.CounterVec
	TransitionDuration      *prometheus.HistogramVec
	StoreCircuitState       prometheus.Gauge

	// Notification metrics
	ActiveSubscriptions       prometheus.Gauge
	NotificationsTotal        *prometheus.CounterVec
	NotificationFailuresTotal *prometheus.CounterVec
	RelayMessagesTotal        *prometheus.CounterVec

	// Cache metrics
	CapabilityCacheHitsTotal   prometheus.Counter
	CapabilityCacheMissesTotal prometheus.Counter
	IdempotentReplaysTotal     *prometheus.CounterVec

	// System metrics
	DefinitionsLoaded prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "statusflow_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "statusflow_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "statusflow_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "statusflow_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Engine
		EntitiesCreatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "statusflow_entities_created_total",
			Help: "Total number of entities created.",
		}, []string{"entity_type"}),
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "statusflow_transitions_total",
			Help: "Total number of committed status transitions.",
		}, []string{"entity_type", "from", "to"}),
		TransitionFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "statusflow_transition_failures_total",
			Help: "Total number of rejected or failed transitions.",
		}, []string{"entity_type", "code"}),
		TransitionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "statusflow_transition_duration_seconds",
			Help:    "Time from lock acquisition request to commit.",
			Buckets: transitionDurationBuckets,
		}, []string{"entity_type"}),
		StoreCircuitState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "statusflow_store_circuit_breaker_state",
			Help: "Entity store circuit breaker state (0=closed, 1=open, 2=half-open).",
		}),

		// Notifications
		ActiveSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "statusflow_active_subscriptions",
			Help: "Number of live change subscriptions.",
		}),
		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "statusflow_notifications_delivered_total",
			Help: "Total number of changes delivered to subscribers.",
		}, []string{"entity_type"}),
		NotificationFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "statusflow_notification_failures_total",
			Help: "Total number of subscriber callbacks that failed or panicked.",
		}, []string{"entity_type"}),
		RelayMessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "statusflow_relay_messages_total",
			Help: "Total number of changes relayed between replicas.",
		}, []string{"direction", "status"}),

		// Cache
		CapabilityCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "statusflow_capability_cache_hits_total",
			Help: "Total capability cache hits.",
		}),
		CapabilityCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "statusflow_capability_cache_misses_total",
			Help: "Total capability cache misses.",
		}),
		IdempotentReplaysTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "statusflow_idempotent_replays_total",
			Help: "Total responses replayed from the idempotency store.",
		}, []string{"operation"}),

		// System
		DefinitionsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "statusflow_definitions_loaded",
			Help: "Number of registered entity types.",
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Engine
		m.EntitiesCreatedTotal,
		m.TransitionsTotal,
		m.TransitionFailuresTotal,
		m.TransitionDuration,
		m.StoreCircuitState,
		// Notifications
		m.ActiveSubscriptions,
		m.NotificationsTotal,
		m.NotificationFailuresTotal,
		m.RelayMessagesTotal,
		// Cache
		m.CapabilityCacheHitsTotal,
		m.CapabilityCacheMissesTotal,
		m.IdempotentReplaysTotal,
		// System
		m.DefinitionsLoaded,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordEntityCreated counts a created entity.
func (m *Metrics) RecordEntityCreated(entityType string) {
	m.EntitiesCreatedTotal.WithLabelValues(entityType).Inc()
}

// RecordTransition counts a committed transition and its latency.
func (m *Metrics) RecordTransition(entityType, from, to string, duration time.Duration) {
	m.TransitionsTotal.WithLabelValues(entityType, from, to).Inc()
	m.TransitionDuration.WithLabelValues(entityType).Observe(duration.Seconds())
}

// RecordTransitionFailure counts a transition that returned an error.
func (m *Metrics) RecordTransitionFailure(entityType, code string) {
	if entityType == "" {
		entityType = "unknown"
	}
	m.TransitionFailuresTotal.WithLabelValues(entityType, code).Inc()
}

// SetStoreCircuitState records the breaker state as reported by
// BreakerState's integer value.
func (m *Metrics) SetStoreCircuitState(state int) {
	m.StoreCircuitState.Set(float64(state))
}

// RecordNotification counts one callback invocation.
func (m *Metrics) RecordNotification(entityType string, failed bool) {
	if failed {
		m.NotificationFailuresTotal.WithLabelValues(entityType).Inc()
		return
	}
	m.NotificationsTotal.WithLabelValues(entityType).Inc()
}

// SetActiveSubscriptions sets the live subscription gauge.
func (m *Metrics) SetActiveSubscriptions(n int) {
	m.ActiveSubscriptions.Set(float64(n))
}

// RecordRelayMessage counts a change sent ("out") or received ("in") over
// the replica relay.
func (m *Metrics) RecordRelayMessage(direction string, failed bool) {
	status := "ok"
	if failed {
		status = "error"
	}
	m.RelayMessagesTotal.WithLabelValues(direction, status).Inc()
}

// RecordCapabilityCacheHit increments the capability cache hit counter.
func (m *Metrics) RecordCapabilityCacheHit() {
	m.CapabilityCacheHitsTotal.Inc()
}

// RecordCapabilityCacheMiss increments the capability cache miss counter.
func (m *Metrics) RecordCapabilityCacheMiss() {
	m.CapabilityCacheMissesTotal.Inc()
}

// RecordIdempotentReplay counts a response served from the idempotency store.
func (m *Metrics) RecordIdempotentReplay(operation string) {
	m.IdempotentReplaysTotal.WithLabelValues(operation).Inc()
}

// SetDefinitionsLoaded sets the registered entity type gauge.
func (m *Metrics) SetDefinitionsLoaded(count int) {
	m.DefinitionsLoaded.Set(float64(count))
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}
		m.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start), reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor returns a /metrics handler for a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	pattern = strings.ReplaceAll(pattern, "/*/", "/")
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// statusRecorder wraps http.ResponseWriter to capture status and bytes.
// Hijack is forwarded so WebSocket upgrades pass through.
type statusRecorder struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *statusRecorder) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusRecorder) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Hijack forwards to the underlying writer.
func (w *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("observability: response writer does not support hijacking")
	}
	w.written = true
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
