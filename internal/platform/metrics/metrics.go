// Package metrics exposes Prometheus counters for the workflow engine.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "clinical_workflow"

// Metrics holds the engine's collectors and the registry they live in.
type Metrics struct {
	registry *prometheus.Registry

	transitions  *prometheus.CounterVec
	rejections   *prometheus.CounterVec
	retries      *prometheus.CounterVec
	auditEntries *prometheus.CounterVec
	duration     *prometheus.HistogramVec
}

// New creates a registry with the engine collectors plus the Go runtime
// and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Committed state transitions by entity kind and edge.",
		}, []string{"kind", "from", "to"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejections_total",
			Help:      "Rejected mutations by operation and reason.",
		}, []string{"operation", "reason"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transaction_retries_total",
			Help:      "Transactions retried after transient contention.",
		}, []string{"operation"}),
		auditEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_entries_total",
			Help:      "Committed audit_log rows by table.",
		}, []string{"table"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of engine operations including the transaction.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation", "outcome"}),
	}
	m.registry.MustRegister(
		m.transitions, m.rejections, m.retries, m.auditEntries, m.duration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Transition counts one committed edge.
func (m *Metrics) Transition(kind, from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(kind, from, to).Inc()
}

// Rejection counts one rejected mutation.
func (m *Metrics) Rejection(operation, reason string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(operation, reason).Inc()
}

// Retry counts one transaction retry.
func (m *Metrics) Retry(operation string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(operation).Inc()
}

// AuditEntries adds n committed audit rows for table.
func (m *Metrics) AuditEntries(table string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.auditEntries.WithLabelValues(table).Add(float64(n))
}

// Observe records how long an operation took.
func (m *Metrics) Observe(operation string, start time.Time, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.duration.WithLabelValues(operation, outcome).Observe(time.Since(start).Seconds())
}
