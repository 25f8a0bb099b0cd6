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

// CacheOperation identifies the cache method being instrumented.
type CacheOperation string

const (
	// CacheOperationLookup records response cache lookup calls.
	CacheOperationLookup CacheOperation = "lookup"
	// CacheOperationStore records response cache store attempts.
	CacheOperationStore CacheOperation = "store"
)

// CacheLookupOutcome captures the result of a cache lookup.
type CacheLookupOutcome string

const (
	// CacheLookupHit indicates the lookup reused a cached response.
	CacheLookupHit CacheLookupOutcome = "hit"
	// CacheLookupMiss indicates no cached response was present.
	CacheLookupMiss CacheLookupOutcome = "miss"
	// CacheLookupError indicates the lookup failed due to an error.
	CacheLookupError CacheLookupOutcome = "error"
)

// CacheStoreOutcome captures the result of a cache store attempt.
type CacheStoreOutcome string

const (
	// CacheStoreStored indicates the response cache entry was persisted.
	CacheStoreStored CacheStoreOutcome = "stored"
	// CacheStoreError indicates the store operation failed.
	CacheStoreError CacheStoreOutcome = "error"
)

// RateLimitDecision captures how the limiter disposed of a request.
type RateLimitDecision string

const (
	// RateLimitAdmitted indicates the request fit inside the current window.
	RateLimitAdmitted RateLimitDecision = "admitted"
	// RateLimitQueued indicates the request waited for the next window.
	RateLimitQueued RateLimitDecision = "queued"
	// RateLimitRejected indicates the request was turned away.
	RateLimitRejected RateLimitDecision = "rejected"
	// RateLimitExempt indicates an exemption rule bypassed the limiter.
	RateLimitExempt RateLimitDecision = "exempt"
)

// UpstreamOutcome captures the result of a single backend attempt.
type UpstreamOutcome string

const (
	// UpstreamSuccess indicates the attempt produced a usable response.
	UpstreamSuccess UpstreamOutcome = "success"
	// UpstreamError indicates the attempt failed.
	UpstreamError UpstreamOutcome = "error"
)

// Recorder publishes Prometheus metrics for gateway activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	proxyRequests *prometheus.CounterVec
	proxyLatency  *prometheus.HistogramVec

	cacheOperations *prometheus.CounterVec
	cacheLatency    *prometheus.HistogramVec

	rateLimitDecisions *prometheus.CounterVec
	upstreamAttempts   *prometheus.CounterVec
	breakerState       prometheus.Gauge
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

	proxyRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ragproxy",
		Subsystem: "proxy",
		Name:      "requests_total",
		Help:      "Total gateway requests completed per route.",
	}, []string{"route", "method", "status_code", "from_cache"})

	proxyLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ragproxy",
		Subsystem: "proxy",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for completed gateway requests.",
		Buckets:   []float64{0.005, 0.025, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"route", "method"})

	cacheOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ragproxy",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Response cache operations executed by the gateway.",
	}, []string{"family", "operation", "result"})

	cacheLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ragproxy",
		Subsystem: "cache",
		Name:      "operation_duration_seconds",
		Help:      "Latency distribution for response cache operations.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	}, []string{"family", "operation", "result"})

	rateLimitDecisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ragproxy",
		Subsystem: "ratelimit",
		Name:      "decisions_total",
		Help:      "Admission decisions made by the request limiter.",
	}, []string{"decision"})

	upstreamAttempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ragproxy",
		Subsystem: "upstream",
		Name:      "attempts_total",
		Help:      "Individual backend call attempts, including retries.",
	}, []string{"route", "result"})

	breakerState := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ragproxy",
		Subsystem: "upstream",
		Name:      "breaker_state",
		Help:      "Circuit breaker state: 0 closed, 1 half-open, 2 open.",
	})

	reg.MustRegister(proxyRequests, proxyLatency, cacheOperations, cacheLatency, rateLimitDecisions, upstreamAttempts, breakerState)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:           reg,
		handler:            handler,
		proxyRequests:      proxyRequests,
		proxyLatency:       proxyLatency,
		cacheOperations:    cacheOperations,
		cacheLatency:       cacheLatency,
		rateLimitDecisions: rateLimitDecisions,
		upstreamAttempts:   upstreamAttempts,
		breakerState:       breakerState,
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

// ObserveRequest records the status and latency for a completed gateway request.
func (r *Recorder) ObserveRequest(route, method string, statusCode int, fromCache bool, duration time.Duration) {
	if r == nil {
		return
	}
	routeLabel := normalizeLabel(route)
	methodLabel := normalizeLabel(method)
	statusLabel := strconv.Itoa(statusCode)
	if statusCode <= 0 {
		statusLabel = "unknown"
	}
	cacheLabel := "false"
	if fromCache {
		cacheLabel = "true"
	}
	r.proxyRequests.WithLabelValues(routeLabel, methodLabel, statusLabel, cacheLabel).Inc()
	r.proxyLatency.WithLabelValues(routeLabel, methodLabel).Observe(duration.Seconds())
}

// ObserveCacheLookup records the result of a cache lookup.
func (r *Recorder) ObserveCacheLookup(family string, result CacheLookupOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	familyLabel := normalizeLabel(family)
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(CacheLookupMiss)
	}
	r.observeCache(familyLabel, CacheOperationLookup, resultLabel, duration)
}

// ObserveCacheStore records the result of a cache store attempt.
func (r *Recorder) ObserveCacheStore(family string, result CacheStoreOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	familyLabel := normalizeLabel(family)
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(CacheStoreError)
	}
	r.observeCache(familyLabel, CacheOperationStore, resultLabel, duration)
}

// ObserveRateLimit records a limiter admission decision.
func (r *Recorder) ObserveRateLimit(decision RateLimitDecision) {
	if r == nil {
		return
	}
	decisionLabel := string(decision)
	if decisionLabel == "" {
		decisionLabel = string(RateLimitAdmitted)
	}
	r.rateLimitDecisions.WithLabelValues(decisionLabel).Inc()
}

// ObserveUpstreamAttempt records one backend call attempt.
func (r *Recorder) ObserveUpstreamAttempt(route string, result UpstreamOutcome) {
	if r == nil {
		return
	}
	routeLabel := normalizeLabel(route)
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(UpstreamError)
	}
	r.upstreamAttempts.WithLabelValues(routeLabel, resultLabel).Inc()
}

// SetBreakerState publishes the current circuit breaker state.
func (r *Recorder) SetBreakerState(state string) {
	if r == nil {
		return
	}
	var value float64
	switch strings.ToLower(strings.TrimSpace(state)) {
	case "half-open":
		value = 1
	case "open":
		value = 2
	default:
		value = 0
	}
	r.breakerState.Set(value)
}

func (r *Recorder) observeCache(family string, operation CacheOperation, result string, duration time.Duration) {
	opLabel := string(operation)
	if opLabel == "" {
		opLabel = string(CacheOperationLookup)
	}
	resLabel := normalizeLabel(result)
	r.cacheOperations.WithLabelValues(family, opLabel, resLabel).Inc()
	r.cacheLatency.WithLabelValues(family, opLabel, resLabel).Observe(duration.Seconds())
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
