package researchq

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for the orchestration core.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	submitted     *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	execDuration  *prometheus.HistogramVec
	executing     prometheus.Gauge
	redeliveries  prometheus.Counter
	duplicates    prometheus.Counter
	reaped        *prometheus.CounterVec
	artifactFails prometheus.Counter
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// DefaultMetrics returns collectors registered once with the global registry.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics registers the collectors with reg, reusing collectors that
// are already registered under the same name. Other registration errors panic.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "researchq", Name: "tasks_submitted_total",
			Help: "Tasks accepted by the dispatcher.",
		}, []string{"priority"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "researchq", Name: "task_transitions_total",
			Help: "Committed task state transitions by target state.",
		}, []string{"state"}),
		execDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "researchq", Name: "agent_execution_seconds",
			Help:    "Wall-clock duration of agent executions.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"outcome"}),
		executing: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "researchq", Name: "agent_executions_active",
			Help: "Agent executions currently in flight.",
		}),
		redeliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "researchq", Name: "task_redeliveries_total",
			Help: "Failed attempts handed back to the broker for redelivery.",
		}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "researchq", Name: "duplicate_deliveries_total",
			Help: "Deliveries acknowledged without work because the task was terminal or already claimed.",
		}),
		reaped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "researchq", Name: "tasks_reaped_total",
			Help: "Stalled tasks recovered by the reaper.",
		}, []string{"action"}),
		artifactFails: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "researchq", Name: "artifact_failures_total",
			Help: "Executions whose artifact generation failed.",
		}),
	}
	register := func(c prometheus.Collector) prometheus.Collector {
		if err := reg.Register(c); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				return already.ExistingCollector
			}
			panic(err)
		}
		return c
	}
	m.submitted = register(m.submitted).(*prometheus.CounterVec)
	m.transitions = register(m.transitions).(*prometheus.CounterVec)
	m.execDuration = register(m.execDuration).(*prometheus.HistogramVec)
	m.executing = register(m.executing).(prometheus.Gauge)
	m.redeliveries = register(m.redeliveries).(prometheus.Counter)
	m.duplicates = register(m.duplicates).(prometheus.Counter)
	m.reaped = register(m.reaped).(*prometheus.CounterVec)
	m.artifactFails = register(m.artifactFails).(prometheus.Counter)
	return m
}

func (m *Metrics) IncSubmitted(p Priority) {
	if m == nil {
		return
	}
	m.submitted.WithLabelValues(string(p)).Inc()
}

// Publish counts committed state changes, so Metrics can be attached to a
// NotifyingStore as an EventSink. Progress-only updates are ignored.
func (m *Metrics) Publish(_ context.Context, ev Event) {
	if m == nil || ev.From == ev.State {
		return
	}
	m.transitions.WithLabelValues(string(ev.State)).Inc()
}

func (m *Metrics) ObserveExecution(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.execDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *Metrics) IncExecuting() {
	if m == nil {
		return
	}
	m.executing.Inc()
}

func (m *Metrics) DecExecuting() {
	if m == nil {
		return
	}
	m.executing.Dec()
}

func (m *Metrics) IncRedelivery() {
	if m == nil {
		return
	}
	m.redeliveries.Inc()
}

func (m *Metrics) IncDuplicate() {
	if m == nil {
		return
	}
	m.duplicates.Inc()
}

func (m *Metrics) IncReaped(action string) {
	if m == nil {
		return
	}
	m.reaped.WithLabelValues(action).Inc()
}

func (m *Metrics) IncArtifactFailure() {
	if m == nil {
		return
	}
	m.artifactFails.Inc()
}
