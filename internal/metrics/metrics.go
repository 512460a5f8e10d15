// Package metrics exposes Prometheus collectors for the playbook manager.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kingrea/playbooks/internal/playbook"
)

const namespace = "playbooks"

// Metrics groups the manager's collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	operations   *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	started      *prometheus.CounterVec
	steps        *prometheus.CounterVec
	transitions  *prometheus.CounterVec
	cached       prometheus.Gauge
	feedSessions prometheus.Gauge
}

// New registers the collectors, plus the Go and process collectors, on a
// fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "manager_operations_total",
			Help:      "Manager operations by name and outcome kind.",
		}, []string{"operation", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "manager_operation_duration_seconds",
			Help:      "Manager operation latency including the store round trip.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		started: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_started_total",
			Help:      "Executions started per playbook.",
		}, []string{"playbook"}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_completed_total",
			Help:      "Step completions per playbook.",
		}, []string{"playbook"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_transitions_total",
			Help:      "Execution status transitions.",
		}, []string{"from", "to"}),
		cached: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cached_executions",
			Help:      "Executions held in the manager cache.",
		}),
		feedSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "feed_sessions",
			Help:      "Open change feed websocket sessions.",
		}),
	}
	reg.MustRegister(
		m.operations, m.duration, m.started, m.steps, m.transitions, m.cached, m.feedSessions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the registry for tests and custom exporters.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Observe records one manager operation. The outcome label is "ok" or the
// error kind.
func (m *Metrics) Observe(operation string, started time.Time, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = string(playbook.KindOf(err))
		if outcome == "" {
			outcome = "error"
		}
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
	m.duration.WithLabelValues(operation).Observe(time.Since(started).Seconds())
}

func (m *Metrics) ExecutionStarted(playbookID string) {
	if m == nil {
		return
	}
	m.started.WithLabelValues(playbookID).Inc()
}

func (m *Metrics) StepCompleted(playbookID string) {
	if m == nil {
		return
	}
	m.steps.WithLabelValues(playbookID).Inc()
}

func (m *Metrics) Transition(from, to playbook.Status) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(from), string(to)).Inc()
}

func (m *Metrics) SetCached(n int) {
	if m == nil {
		return
	}
	m.cached.Set(float64(n))
}

// FeedSessionOpened and FeedSessionClosed track websocket subscribers.
func (m *Metrics) FeedSessionOpened() {
	if m != nil {
		m.feedSessions.Inc()
	}
}

func (m *Metrics) FeedSessionClosed() {
	if m != nil {
		m.feedSessions.Dec()
	}
}
