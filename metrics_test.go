package hyperband

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thalesfsp/hyperband/trial"
)

func TestSchedulerMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()

	first := newASHA(t, func(c *HyperbandConfig) { c.Registerer = reg })
	second := newASHA(t, func(c *HyperbandConfig) { c.Registerer = reg })

	// Schedulers of the same kind share their collectors.
	assert.Same(t, first.metrics.decisions, second.metrics.decisions)

	for _, s := range []*HyperbandScheduler{first, second} {
		startTrial(t, s, 0)

		_, err := s.OnTrialResult(trial.Trial{ID: 0}, metricReport(1, 0))
		require.NoError(t, err)
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(first.metrics.decisions.WithLabelValues("asha", string(Continue))))
	assert.Equal(t, 2.0, testutil.ToFloat64(first.metrics.suggestions.WithLabelValues("asha", "new")))
	assert.Equal(t, 1.0, testutil.ToFloat64(first.metrics.trials.WithLabelValues("asha", string(trial.Running))))

	require.NoError(t, first.OnTrialError(trial.Trial{ID: 0}))
	assert.Equal(t, 1.0, testutil.ToFloat64(first.metrics.trials.WithLabelValues("asha", string(trial.Failed))))

	n, err := testutil.GatherAndCount(reg, "hyperband_decisions_total", "hyperband_suggestions_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestSynchronousMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()

	s := newSync(t, func(c *SynchronousConfig) { c.Registerer = reg })

	next := 0
	for _, id := range suggestBatch(t, s, &next, 4) {
		runUntilDecision(t, s, id, func(int) float64 { return float64(id) })
	}

	sug, err := s.Suggest(next)
	require.NoError(t, err)
	require.NotNil(t, sug)

	assert.Equal(t, 5.0, testutil.ToFloat64(s.metrics.suggestions.WithLabelValues(syncKind, "new")))
	assert.Equal(t, 4.0, testutil.ToFloat64(s.metrics.decisions.WithLabelValues(syncKind, string(Pause))))
}

func TestMetricsWithoutRegisterer(t *testing.T) {
	m := newSchedulerMetrics(nil, "asha")

	m.decision(Stop)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.decisions.WithLabelValues("asha", string(Stop))))
}
