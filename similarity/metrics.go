package similarity

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are shared by every Engine of a process. A nil *Metrics records
// nothing.
type Metrics struct {
	ScoreDuration prometheus.Histogram
	StaleReplies  prometheus.Counter
	WorkerErrors  prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ScoreDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "embedsim_score_duration_seconds",
			Help:    "Duration of one similarity pass over a grid.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.3, 1, 3},
		}),
		StaleReplies: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "embedsim_stale_replies_total",
			Help: "Similarity replies discarded because a newer request was issued.",
		}),
		WorkerErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "embedsim_worker_errors_total",
			Help: "Similarity requests that failed on the worker.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.ScoreDuration, m.StaleReplies, m.WorkerErrors)
	}
	return m
}

func (m *Metrics) observeScore(seconds float64) {
	if m != nil {
		m.ScoreDuration.Observe(seconds)
	}
}

func (m *Metrics) stale() {
	if m != nil {
		m.StaleReplies.Inc()
	}
}

func (m *Metrics) workerError() {
	if m != nil {
		m.WorkerErrors.Inc()
	}
}
