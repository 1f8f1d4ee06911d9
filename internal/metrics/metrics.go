// Package metrics exposes Prometheus collectors for pattern executions, the
// pattern cache and the execution queue. A nil *Metrics is valid and records
// nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "secretary"

type Metrics struct {
	executions        *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	steps             *prometheus.CounterVec
	cacheLookups      *prometheus.CounterVec
	queueDepth        prometheus.Gauge
	httpRequests      *prometheus.CounterVec
}

// MustNew registers every collector on reg and panics on a registration
// conflict. Pass a fresh prometheus.NewRegistry() per process or test.
func MustNew(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Pattern executions by service and outcome.",
		}, []string{"service", "pattern", "status"}),
		executionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Wall time of pattern executions.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}, []string{"service", "status"}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Executed steps by step type and final status.",
		}, []string{"type", "status"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "library",
			Name:      "cache_lookups_total",
			Help:      "Pattern cache lookups by result.",
		}, []string{"result"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "runner",
			Name:      "queue_depth",
			Help:      "Executions waiting for a worker.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status code class.",
		}, []string{"route", "code"}),
	}
	reg.MustRegister(m.executions, m.executionDuration, m.steps, m.cacheLookups, m.queueDepth, m.httpRequests)
	return m
}

func (m *Metrics) ObserveExecution(service, pattern string, success bool, duration time.Duration) {
	if m == nil {
		return
	}
	status := statusLabel(success)
	m.executions.WithLabelValues(service, pattern, status).Inc()
	m.executionDuration.WithLabelValues(service, status).Observe(duration.Seconds())
}

func (m *Metrics) ObserveStep(stepType, status string) {
	if m == nil {
		return
	}
	m.steps.WithLabelValues(stepType, status).Inc()
}

func (m *Metrics) CacheHit() {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues("hit").Inc()
}

func (m *Metrics) CacheMiss() {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues("miss").Inc()
}

func (m *Metrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}

func (m *Metrics) ObserveHTTP(route string, code int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, codeClass(code)).Inc()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "failed"
}

func codeClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
