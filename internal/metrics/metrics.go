package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CacheOperation identifies the cache store method being instrumented.
type CacheOperation string

const (
	CacheOperationGet    CacheOperation = "get"
	CacheOperationGetRaw CacheOperation = "get_raw"
	CacheOperationSet    CacheOperation = "set"
	CacheOperationDelete CacheOperation = "delete"
	CacheOperationClear  CacheOperation = "clear"
)

// CacheResult captures the result of a cache store call.
type CacheResult string

const (
	// CacheHit indicates a fresh entry was returned.
	CacheHit CacheResult = "hit"
	// CacheMiss indicates no entry was present.
	CacheMiss CacheResult = "miss"
	// CacheExpired indicates a stale entry was found and evicted.
	CacheExpired CacheResult = "expired"
	// CacheStored indicates a write or delete reached the backend.
	CacheStored CacheResult = "stored"
	// CacheError indicates the backend or codec failed; the caller saw a miss.
	CacheError CacheResult = "error"
)

// RetryOutcome labels a retry attempt.
type RetryOutcome string

const (
	RetryScheduled RetryOutcome = "scheduled"
	RetryExhausted RetryOutcome = "exhausted"
	RetrySkipped   RetryOutcome = "skipped"
)

// Recorder publishes Prometheus metrics for client and cache activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	clientRequests *prometheus.CounterVec
	clientLatency  *prometheus.HistogramVec
	clientRetries  *prometheus.CounterVec

	cacheOperations *prometheus.CounterVec
	cacheLatency    *prometheus.HistogramVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	clientRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "watchcache",
		Subsystem: "client",
		Name:      "requests_total",
		Help:      "Total upstream API requests issued by the client.",
	}, []string{"method", "outcome", "status_code"})

	clientLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "watchcache",
		Subsystem: "client",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for upstream API requests.",
		Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 15},
	}, []string{"method", "outcome"})

	clientRetries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "watchcache",
		Subsystem: "client",
		Name:      "retries_total",
		Help:      "Retry decisions taken by the retrying request helper.",
	}, []string{"outcome"})

	cacheOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "watchcache",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Cache store operations.",
	}, []string{"operation", "result"})

	cacheLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "watchcache",
		Subsystem: "cache",
		Name:      "operation_duration_seconds",
		Help:      "Latency distribution for cache store operations.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	}, []string{"operation", "result"})

	reg.MustRegister(clientRequests, clientLatency, clientRetries, cacheOperations, cacheLatency)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:        reg,
		handler:         handler,
		clientRequests:  clientRequests,
		clientLatency:   clientLatency,
		clientRetries:   clientRetries,
		cacheOperations: cacheOperations,
		cacheLatency:    cacheLatency,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveRequest records the outcome and latency of one upstream request.
// outcome is "ok" or a failure kind.
func (r *Recorder) ObserveRequest(method, outcome string, statusCode int, duration time.Duration) {
	if r == nil {
		return
	}
	methodLabel := strings.ToUpper(normalizeLabel(method))
	outcomeLabel := normalizeLabel(outcome)
	statusLabel := strconv.Itoa(statusCode)
	if statusCode <= 0 {
		statusLabel = "none"
	}
	r.clientRequests.WithLabelValues(methodLabel, outcomeLabel, statusLabel).Inc()
	r.clientLatency.WithLabelValues(methodLabel, outcomeLabel).Observe(duration.Seconds())
}

// ObserveRetry counts a retry decision.
func (r *Recorder) ObserveRetry(outcome RetryOutcome) {
	if r == nil {
		return
	}
	r.clientRetries.WithLabelValues(normalizeLabel(string(outcome))).Inc()
}

// ObserveCache records the result of a cache store call.
func (r *Recorder) ObserveCache(operation CacheOperation, result CacheResult, duration time.Duration) {
	if r == nil {
		return
	}
	opLabel := string(operation)
	if opLabel == "" {
		opLabel = string(CacheOperationGet)
	}
	resLabel := string(result)
	if resLabel == "" {
		resLabel = string(CacheMiss)
	}
	r.cacheOperations.WithLabelValues(opLabel, resLabel).Inc()
	r.cacheLatency.WithLabelValues(opLabel, resLabel).Observe(duration.Seconds())
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
