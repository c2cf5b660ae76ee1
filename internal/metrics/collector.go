// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector holds every Prometheus instrument the gateway emits.
type Collector struct {
	// HTTP surface
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Admission (auth + rate limit)
	admissionTotal *prometheus.CounterVec

	// Upstream calls
	upstreamRequestsTotal   *prometheus.CounterVec
	upstreamRequestDuration *prometheus.HistogramVec
	upstreamTokensUsed      *prometheus.CounterVec
	upstreamCost            *prometheus.CounterVec

	// Circuit breaker
	breakerState      *prometheus.GaugeVec
	breakerTransition *prometheus.CounterVec

	// Retry
	retryAttemptsTotal *prometheus.CounterVec

	// Failover
	failoverAttemptsTotal *prometheus.CounterVec

	// Overflow queue
	overflowEnqueuedTotal *prometheus.CounterVec
	overflowDrainedTotal  *prometheus.CounterVec
	overflowQueueDepth    prometheus.Gauge

	// Stream relay
	streamDuration *prometheus.HistogramVec
	streamBytes    *prometheus.CounterVec

	logger *zap.Logger
	mu     sync.RWMutex
}

// NewCollector creates and registers every gauge/counter/histogram under namespace.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.admissionTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_outcomes_total",
			Help:      "Admission middleware outcomes",
		},
		[]string{"outcome"}, // admitted, missing_auth, invalid_key, invalid_jwt, rate_limited, overflow_queued, overflow_{read,marshal,enqueue}_error
	)

	c.upstreamRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_requests_total",
			Help:      "Total number of upstream provider requests",
		},
		[]string{"provider", "model", "status"},
	)

	c.upstreamRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_request_duration_seconds",
			Help:      "Upstream provider request duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider", "model"},
	)

	c.upstreamTokensUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_tokens_used_total",
			Help:      "Total number of tokens used against upstream providers",
		},
		[]string{"provider", "model", "type"}, // type: prompt, completion
	)

	c.upstreamCost = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_cost_total",
			Help:      "Total estimated upstream cost in USD",
		},
		[]string{"provider", "model"},
	)

	c.breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=half_open, 2=open)",
		},
		[]string{"provider"},
	)

	c.breakerTransition = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_transitions_total",
			Help:      "Total number of circuit breaker state transitions",
		},
		[]string{"provider", "from", "to"},
	)

	c.retryAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_attempts_total",
			Help:      "Total number of retry attempts against upstream providers",
		},
		[]string{"provider", "outcome"}, // outcome: retried, exhausted, not_retryable
	)

	c.failoverAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failover_attempts_total",
			Help:      "Total number of failover attempts per provider",
		},
		[]string{"service", "provider", "result"},
	)

	c.overflowEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "overflow_enqueued_total",
			Help:      "Total number of requests enqueued to the overflow store",
		},
		[]string{"reason"},
	)

	c.overflowDrainedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "overflow_drained_total",
			Help:      "Total number of overflow items drained",
		},
		[]string{"outcome"}, // completed, retried, discarded
	)

	c.overflowQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "overflow_queue_depth",
			Help:      "Current number of pending items in the overflow store",
		},
	)

	c.streamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stream_session_duration_seconds",
			Help:      "Duration of SSE relay sessions",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"provider", "outcome"}, // outcome: done, error, client_disconnect, timeout
	)

	c.streamBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_session_bytes_total",
			Help:      "Total bytes relayed to clients over SSE sessions",
		},
		[]string{"provider"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// RecordHTTPRequest records one completed HTTP request.
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordAdmission records one admission-middleware outcome.
func (c *Collector) RecordAdmission(outcome string) {
	c.admissionTotal.WithLabelValues(outcome).Inc()
}

// RecordUpstreamRequest records one completed upstream provider call.
func (c *Collector) RecordUpstreamRequest(provider, model, status string, duration time.Duration, promptTokens, completionTokens int, cost float64) {
	c.upstreamRequestsTotal.WithLabelValues(provider, model, status).Inc()
	c.upstreamRequestDuration.WithLabelValues(provider, model).Observe(duration.Seconds())
	c.upstreamTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	c.upstreamTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	c.upstreamCost.WithLabelValues(provider, model).Add(cost)
}

// RecordBreakerState sets the current gauge for a provider's breaker.
func (c *Collector) RecordBreakerState(provider string, state int) {
	c.breakerState.WithLabelValues(provider).Set(float64(state))
}

// RecordBreakerTransition records a state machine transition.
func (c *Collector) RecordBreakerTransition(provider, from, to string) {
	c.breakerTransition.WithLabelValues(provider, from, to).Inc()
}

// RecordRetryAttempt records one retry decision.
func (c *Collector) RecordRetryAttempt(provider, outcome string) {
	c.retryAttemptsTotal.WithLabelValues(provider, outcome).Inc()
}

// RecordFailoverAttempt records one failover attempt against a group member.
func (c *Collector) RecordFailoverAttempt(service, provider, result string) {
	c.failoverAttemptsTotal.WithLabelValues(service, provider, result).Inc()
}

// RecordOverflowEnqueue records one overflow-store admission.
func (c *Collector) RecordOverflowEnqueue(reason string) {
	c.overflowEnqueuedTotal.WithLabelValues(reason).Inc()
}

// RecordOverflowDrain records one drainer outcome.
func (c *Collector) RecordOverflowDrain(outcome string) {
	c.overflowDrainedTotal.WithLabelValues(outcome).Inc()
}

// SetOverflowQueueDepth sets the current queue depth gauge.
func (c *Collector) SetOverflowQueueDepth(depth int) {
	c.overflowQueueDepth.Set(float64(depth))
}

// RecordStreamSession records one finished SSE relay session.
func (c *Collector) RecordStreamSession(provider, outcome string, duration time.Duration, bytes int) {
	c.streamDuration.WithLabelValues(provider, outcome).Observe(duration.Seconds())
	c.streamBytes.WithLabelValues(provider).Add(float64(bytes))
}

func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
