package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry         *prometheus.Registry
	requests         *prometheus.CounterVec // requests by terminal state
	requestDuration  prometheus.Histogram   // time to run one request
	steps            *prometheus.CounterVec // steps by action and outcome
	stepRetries      *prometheus.CounterVec // retried provider calls
	providerRequests *prometheus.CounterVec // provider requests
	lockWait         prometheus.Histogram   // time spent waiting for a domain
	storeRequests    *prometheus.CounterVec // local store requests
}

// Public interface for metrics operations
func (m *Metrics) IncRequest(state string) {
	if state == "" {
		return
	}
	m.requests.WithLabelValues(state).Inc()
}

func (m *Metrics) SetRequestDuration(duration time.Duration) {
	m.requestDuration.Observe(duration.Seconds())
}

func (m *Metrics) IncStep(action, outcome string) {
	if action == "" || !isValidOutcome(outcome) {
		return
	}
	m.steps.WithLabelValues(action, outcome).Inc()
}

func (m *Metrics) IncStepRetry(action string) {
	if action == "" {
		return
	}
	m.stepRetries.WithLabelValues(action).Inc()
}

func (m *Metrics) IncProviderRequest(provider, operation string, success bool) {
	if !isValidOperation(operation) || provider == "" {
		return
	}
	status := boolToResult(success)
	m.providerRequests.WithLabelValues(provider, operation, status).Inc()
}

func (m *Metrics) ObserveLockWait(duration time.Duration) {
	m.lockWait.Observe(duration.Seconds())
}

func (m *Metrics) IncStoreRequest(operation string, success bool) {
	if !isValidOperation(operation) {
		return
	}
	status := boolToResult(success)
	m.storeRequests.WithLabelValues(operation, status).Inc()
}

// Validation helpers
func boolToResult(b bool) string {
	if b {
		return "success"
	}
	return "failure"
}

func isValidOperation(op string) bool {
	switch op {
	case "create", "read", "update", "delete":
		return true
	}
	return false
}

func isValidOutcome(outcome string) bool {
	switch outcome {
	case "success", "failure", "skipped", "cancelled":
		return true
	}
	return false
}

func New(register bool) *Metrics {
	registry := prometheus.NewRegistry()
	namespace := "cdn_orchestrator"

	m := &Metrics{
		registry: registry,

		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total orchestration requests by terminal state",
		}, []string{"state"}),

		requestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Duration of orchestration requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}),

		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Total plan steps by action and outcome",
		}, []string{"action", "outcome"}),

		stepRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_retries_total",
			Help:      "Total retried provider calls by action",
		}, []string{"action"}),

		providerRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_requests_total",
			Help:      "Total CDN provider requests",
		}, []string{"provider", "operation", "status"}),

		lockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "domain_lock_wait_seconds",
			Help:      "Time spent waiting for another request on the same domain",
			Buckets:   prometheus.DefBuckets,
		}),

		storeRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "badgerdb_requests_total",
			Help:      "Total badgerdb requests",
		}, []string{"operation", "status"}),
	}

	if register {
		registry.MustRegister(
			m.requests,
			m.requestDuration,
			m.steps,
			m.stepRetries,
			m.providerRequests,
			m.lockWait,
			m.storeRequests,
		)
	}
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
