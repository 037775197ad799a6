package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ModuleMetrics records HTTP API activity segmented by route.
type ModuleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *ModuleMetrics
)

// Module returns the lazily-initialised registry bound to the default
// Prometheus registerer.
func Module() *ModuleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = NewModuleMetrics(prometheus.DefaultRegisterer)
	})
	return moduleRegistry
}

// NewModuleMetrics builds the collectors and registers them with reg.
func NewModuleMetrics(reg prometheus.Registerer) *ModuleMetrics {
	m := &ModuleMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "moneymarket",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total API requests segmented by route, method and outcome.",
		}, []string{"route", "method", "outcome"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "moneymarket",
			Subsystem: "http",
			Name:      "errors_total",
			Help:      "Total API errors segmented by route, method, and status code.",
		}, []string{"route", "method", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "moneymarket",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Latency distribution for API handlers.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
		throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "moneymarket",
			Subsystem: "http",
			Name:      "throttles_total",
			Help:      "Count of requests rejected due to throttling policies.",
		}, []string{"route", "reason"}),
	}
	if reg != nil {
		reg.MustRegister(m.requests, m.errors, m.latency, m.throttles)
	}
	return m
}

// Observe records the outcome of a request. The status code should be the
// HTTP status that was ultimately written to the response writer.
func (m *ModuleMetrics) Observe(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
		m.errors.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	}
	m.requests.WithLabelValues(route, method, outcome).Inc()
	m.latency.WithLabelValues(route, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied route and
// reason. Reasons should be stable strings such as "rate_limit".
func (m *ModuleMetrics) RecordThrottle(route, reason string) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(route, reason).Inc()
}
