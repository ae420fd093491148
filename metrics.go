package hyperband

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/thalesfsp/hyperband/trial"
)

// statuses lists every trial status exported by the trials gauge.
var statuses = []trial.Status{
	trial.Pending,
	trial.Running,
	trial.Paused,
	trial.Completed,
	trial.Stopped,
	trial.Failed,
}

// schedulerMetrics are the Prometheus collectors of one scheduler. Schedulers
// of the same kind registered on the same registry share collectors.
type schedulerMetrics struct {
	kind        string
	decisions   *prometheus.CounterVec
	suggestions *prometheus.CounterVec
	trials      *prometheus.GaugeVec
}

func newSchedulerMetrics(reg prometheus.Registerer, kind string) *schedulerMetrics {
	return &schedulerMetrics{
		kind: kind,
		decisions: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hyperband",
			Name:      "decisions_total",
			Help:      "Decisions returned for trial reports.",
		}, []string{"scheduler", "decision"})),
		suggestions: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hyperband",
			Name:      "suggestions_total",
			Help:      "Suggestions handed out, by kind (new or resume).",
		}, []string{"scheduler", "kind"})),
		trials: register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "hyperband",
			Name:      "trials",
			Help:      "Trials known to the scheduler, by status.",
		}, []string{"scheduler", "status"})),
	}
}

func (m *schedulerMetrics) decision(d Decision) {
	m.decisions.WithLabelValues(m.kind, string(d)).Inc()
}

func (m *schedulerMetrics) suggestion(s *Suggestion) {
	kind := "new"
	if !s.SpawnNewTrialID {
		kind = "resume"
	}

	m.suggestions.WithLabelValues(m.kind, kind).Inc()
}

// observe refreshes the trials gauge from the registry.
func (m *schedulerMetrics) observe(r *trial.Registry) {
	for _, s := range statuses {
		m.trials.WithLabelValues(m.kind, string(s)).Set(float64(r.Count(s)))
	}
}

// register registers c, returning the already registered collector when an
// equal one exists. A nil registerer leaves c unregistered.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if reg == nil {
		return c
	}

	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
	}

	return c
}
