package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the pipeline's process counters. Registration is optional;
// a nil Metrics is a no-op so tests need no registry.
type Metrics struct {
	tasksTotal    *prometheus.CounterVec
	phaseDuration *prometheus.HistogramVec
}

// NewMetrics builds and registers the pipeline metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		tasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "pipeline",
			Name:      "tasks_total",
			Help:      "Tasks by terminal outcome.",
		}, []string{"outcome"}),
		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "warden",
			Subsystem: "pipeline",
			Name:      "phase_duration_seconds",
			Help:      "Wall time per pipeline phase.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"phase"}),
	}
	if reg != nil {
		reg.MustRegister(m.tasksTotal, m.phaseDuration)
	}
	return m
}

func (m *Metrics) taskFinished(outcome string) {
	if m == nil {
		return
	}
	m.tasksTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) observePhase(phase string, seconds float64) {
	if m == nil {
		return
	}
	m.phaseDuration.WithLabelValues(phase).Observe(seconds)
}
