package hyperband

import (
	"math"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thalesfsp/hyperband/space"
	"github.com/thalesfsp/hyperband/trial"
)

func testSpace() *space.ConfigSpace {
	return space.New().
		MustAdd("steps", space.Const(100)).
		MustAdd("x", space.RandInt(0, 20)).
		MustAdd("y", space.Uniform(0, 1)).
		MustAdd("z", space.Choice("a", "b", "c"))
}

func ashaConfig(t *testing.T) HyperbandConfig {
	t.Helper()

	cfg := DefaultHyperbandConfig()
	cfg.ConfigSpace = testSpace()
	cfg.Objectives = SingleObjective("metric", Min)
	cfg.MaxT = 10
	cfg.Seed = 42
	cfg.Logger = testr.New(t)

	return cfg
}

func newASHA(t *testing.T, mutate func(*HyperbandConfig)) *HyperbandScheduler {
	t.Helper()

	cfg := ashaConfig(t)
	if mutate != nil {
		mutate(&cfg)
	}

	s, err := NewHyperband(cfg)
	require.NoError(t, err)

	return s
}

// startTrial suggests and registers a new trial.
func startTrial(t *testing.T, s Scheduler, id int) *Suggestion {
	t.Helper()

	sug, err := s.Suggest(id)
	require.NoError(t, err)
	require.NotNil(t, sug)
	require.True(t, sug.SpawnNewTrialID)
	require.NoError(t, s.OnTrialAdd(trial.Trial{ID: id, Config: sug.Config, CreationTime: time.Now()}))

	return sug
}

func metricReport(resource int, v float64) trial.Report {
	return trial.Report{Resource: resource, Metrics: map[string]float64{"metric": v}}
}

func TestRungLevels(t *testing.T) {
	tests := []struct {
		grace, maxT int
		eta         float64
		want        []int
	}{
		{grace: 1, maxT: 10, eta: 3, want: []int{1, 3, 9, 10}},
		{grace: 1, maxT: 81, eta: 3, want: []int{1, 3, 9, 27, 81}},
		{grace: 1, maxT: 1, eta: 3, want: []int{1}},
		{grace: 2, maxT: 100, eta: 4, want: []int{2, 8, 32, 100}},
		{grace: 1, maxT: 16, eta: 2, want: []int{1, 2, 4, 8, 16}},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, rungLevels(tt.grace, tt.maxT, tt.eta))
	}
}

func TestQuota(t *testing.T) {
	assert.Equal(t, 0, quota(0, 3))
	assert.Equal(t, 1, quota(1, 3))
	assert.Equal(t, 1, quota(3, 3))
	assert.Equal(t, 2, quota(4, 3))
	assert.Equal(t, 3, quota(9, 3))
}

func TestOrderPutsNaNLastAndBreaksTiesByID(t *testing.T) {
	got := order([]scored{
		{id: 3, values: []float64{0.5}},
		{id: 1, values: []float64{math.NaN()}},
		{id: 2, values: []float64{0.5}},
		{id: 0, values: []float64{0.1}},
	})

	ids := make([]int, len(got))
	for i, s := range got {
		ids[i] = s.id
	}

	assert.Equal(t, []int{0, 2, 3, 1}, ids)
}

func TestNewHyperbandRejectsInvalidConfig(t *testing.T) {
	for name, mutate := range map[string]func(*HyperbandConfig){
		"no space":       func(c *HyperbandConfig) { c.ConfigSpace = nil },
		"no objective":   func(c *HyperbandConfig) { c.Objectives = nil },
		"bad mode":       func(c *HyperbandConfig) { c.Objectives = SingleObjective("metric", "up") },
		"eta too small":  func(c *HyperbandConfig) { c.ReductionFactor = 1 },
		"grace above t":  func(c *HyperbandConfig) { c.GracePeriod = 11 },
		"too many":       func(c *HyperbandConfig) { c.Brackets = 5 },
		"unknown type":   func(c *HyperbandConfig) { c.Type = "halving" },
		"point off grid": func(c *HyperbandConfig) { c.PointsToEvaluate = []space.Config{{"x": 50}} },
		"unknown attr":   func(c *HyperbandConfig) { c.MaxResourceAttr = "budget" },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := ashaConfig(t)
			mutate(&cfg)

			_, err := NewHyperband(cfg)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestSuggestContainsEveryKey(t *testing.T) {
	s := newASHA(t, nil)
	cs := testSpace()

	for id := 0; id < 50; id++ {
		sug := startTrial(t, s, id)

		assert.ElementsMatch(t, cs.Names(), sug.Config.Keys())
		assert.True(t, cs.Contains(sug.Config), "suggestion %v outside space", sug.Config)
	}
}

func TestMetricNamesAndModesAreStable(t *testing.T) {
	s := newASHA(t, nil)

	for i := 0; i < 3; i++ {
		assert.Equal(t, []string{"metric"}, s.MetricNames())
		assert.Equal(t, []Mode{Min}, s.MetricMode())
	}
}

func TestAsyncStoppingScenario(t *testing.T) {
	s := newASHA(t, nil)

	require.Equal(t, []int{1, 3, 9, 10}, s.RungLevels())

	stoppedAt := map[int]int{}

	for id := 0; id < 4; id++ {
		startTrial(t, s, id)

		for r := 1; r <= 10; r++ {
			d, err := s.OnTrialResult(trial.Trial{ID: id}, metricReport(r, float64(id)))
			require.NoError(t, err)
			require.Contains(t, []Decision{Continue, Pause, Stop}, d)

			if d == Stop {
				stoppedAt[id] = r

				break
			}
		}
	}

	// The two best trials run to the end; the others lose at the first rung
	// once it holds enough results.
	assert.Equal(t, map[int]int{0: 10, 1: 10, 2: 1, 3: 1}, stoppedAt)

	for id, want := range map[int]trial.Status{0: trial.Completed, 1: trial.Completed, 2: trial.Stopped, 3: trial.Stopped} {
		got, err := s.Registry().Get(id)
		require.NoError(t, err)
		assert.Equal(t, want, got.Status, "trial %d", id)
	}

	_, err := s.OnTrialResult(trial.Trial{ID: 2}, metricReport(2, 2))
	assert.ErrorIs(t, err, ErrTrialNotActive)
}

func TestMaxModeReversesRanking(t *testing.T) {
	s := newASHA(t, func(c *HyperbandConfig) { c.Objectives = SingleObjective("metric", Max) })

	decisions := map[int]Decision{}

	for id := 0; id < 3; id++ {
		startTrial(t, s, id)

		d, err := s.OnTrialResult(trial.Trial{ID: id}, metricReport(1, float64(10-id)))
		require.NoError(t, err)

		decisions[id] = d
	}

	assert.Equal(t, Stop, decisions[2])
}

func TestReportBelowRungContinues(t *testing.T) {
	s := newASHA(t, func(c *HyperbandConfig) { c.GracePeriod = 2 })

	for id := 0; id < 5; id++ {
		startTrial(t, s, id)

		d, err := s.OnTrialResult(trial.Trial{ID: id}, metricReport(1, float64(id)))
		require.NoError(t, err)
		assert.Equal(t, Continue, d)
	}
}

func TestNaNRanksWorst(t *testing.T) {
	s := newASHA(t, nil)

	for id, v := range []float64{math.NaN(), 5, 6} {
		startTrial(t, s, id)

		d, err := s.OnTrialResult(trial.Trial{ID: id}, metricReport(1, v))
		require.NoError(t, err)

		if id < 2 {
			assert.Equal(t, Continue, d)
		} else {
			// n = 3, quota 1: only trial 1 (5) passes.
			assert.Equal(t, Stop, d)
		}
	}

	rank, n := s.brackets[0][0].rank(0)
	assert.Equal(t, 2, rank)
	assert.Equal(t, 3, n)
}

func TestUnknownTrialFailsFast(t *testing.T) {
	s := newASHA(t, nil)

	_, err := s.OnTrialResult(trial.Trial{ID: 7}, metricReport(1, 0))
	assert.ErrorIs(t, err, ErrUnknownTrial)
	assert.ErrorIs(t, s.OnTrialError(trial.Trial{ID: 7}), ErrUnknownTrial)
	assert.ErrorIs(t, s.OnTrialRemove(trial.Trial{ID: 7}), ErrUnknownTrial)
	assert.ErrorIs(t, s.OnTrialComplete(trial.Trial{ID: 7}, metricReport(1, 0)), ErrUnknownTrial)
}

func TestDuplicateSuggestFails(t *testing.T) {
	s := newASHA(t, nil)

	_, err := s.Suggest(1)
	require.NoError(t, err)

	_, err = s.Suggest(1)
	assert.ErrorIs(t, err, ErrDuplicateTrial)
}

func TestDuplicateAddKeepsRandomState(t *testing.T) {
	s := newASHA(t, func(c *HyperbandConfig) { c.Brackets = 3 })

	config := space.Config{"steps": int64(100), "x": int64(3), "y": 0.5, "z": "a"}

	// Trial 4 was never suggested: adding it draws its bracket.
	require.NoError(t, s.OnTrialAdd(trial.Trial{ID: 4, Config: config}))

	before, err := s.src.MarshalBinary()
	require.NoError(t, err)

	err = s.OnTrialAdd(trial.Trial{ID: 4, Config: config})
	assert.ErrorIs(t, err, ErrDuplicateTrial)

	after, err := s.src.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestObjectivesAreCopied(t *testing.T) {
	objectives := []Objective{{Name: "loss", Mode: Min}, {Name: "accuracy", Mode: Max}}

	cfg := ashaConfig(t)
	cfg.Objectives = objectives

	s, err := NewMOASHA(cfg)
	require.NoError(t, err)

	objectives[0] = Objective{Name: "latency", Mode: Max}

	assert.Equal(t, []string{"loss", "accuracy"}, s.MetricNames())
	assert.Equal(t, []Mode{Min, Max}, s.MetricMode())
}

func TestFailedTrialLeavesRankings(t *testing.T) {
	s := newASHA(t, nil)

	for id := 0; id < 2; id++ {
		startTrial(t, s, id)

		_, err := s.OnTrialResult(trial.Trial{ID: id}, metricReport(1, float64(id)))
		require.NoError(t, err)
	}

	require.NoError(t, s.OnTrialError(trial.Trial{ID: 0}))

	startTrial(t, s, 2)

	// Only two valid results at the rung: below the minimum occupancy.
	d, err := s.OnTrialResult(trial.Trial{ID: 2}, metricReport(1, 2))
	require.NoError(t, err)
	assert.Equal(t, Continue, d)

	got, _ := s.Registry().Get(0)
	assert.Equal(t, trial.Failed, got.Status)
}

func TestRemovedTrialKeepsItsResults(t *testing.T) {
	s := newASHA(t, nil)

	for id := 0; id < 2; id++ {
		startTrial(t, s, id)

		_, err := s.OnTrialResult(trial.Trial{ID: id}, metricReport(1, float64(id)))
		require.NoError(t, err)
	}

	require.NoError(t, s.OnTrialRemove(trial.Trial{ID: 0}))
	require.NoError(t, s.OnTrialRemove(trial.Trial{ID: 0}))

	startTrial(t, s, 2)

	d, err := s.OnTrialResult(trial.Trial{ID: 2}, metricReport(1, 2))
	require.NoError(t, err)
	assert.Equal(t, Stop, d)
}

func TestOnTrialComplete(t *testing.T) {
	s := newASHA(t, nil)

	startTrial(t, s, 0)
	require.NoError(t, s.OnTrialComplete(trial.Trial{ID: 0}, metricReport(5, 0.3)))

	got, _ := s.Registry().Get(0)
	assert.Equal(t, trial.Completed, got.Status)

	// Completing again is a no-op.
	require.NoError(t, s.OnTrialComplete(trial.Trial{ID: 0}, metricReport(6, 0.3)))
}

func TestPromotionType(t *testing.T) {
	s := newASHA(t, func(c *HyperbandConfig) {
		c.Type = Promotion
		c.MaxResourceAttr = "steps"
	})

	for id := 0; id < 3; id++ {
		sug := startTrial(t, s, id)
		assert.Equal(t, int64(1), sug.Config["steps"])

		d, err := s.OnTrialResult(trial.Trial{ID: id}, metricReport(1, float64(id)))
		require.NoError(t, err)
		assert.Equal(t, Pause, d)
	}

	// Three results at the first rung: the best one is resumed.
	sug, err := s.Suggest(3)
	require.NoError(t, err)
	require.NotNil(t, sug)
	assert.False(t, sug.SpawnNewTrialID)
	require.NotNil(t, sug.CheckpointTrialID)
	assert.Equal(t, 0, *sug.CheckpointTrialID)
	assert.Equal(t, int64(3), sug.Config["steps"])

	got, _ := s.Registry().Get(0)
	assert.Equal(t, trial.Running, got.Status)

	// Trial 0 was promoted already; the others are outside the quota.
	sug = startTrial(t, s, 3)
	assert.Equal(t, int64(1), sug.Config["steps"])

	d, err := s.OnTrialResult(trial.Trial{ID: 0}, metricReport(3, 0))
	require.NoError(t, err)
	assert.Equal(t, Pause, d)

	// Below the minimum occupancy of the second rung: nothing to promote.
	sug, err = s.Suggest(4)
	require.NoError(t, err)
	assert.True(t, sug.SpawnNewTrialID)
}

func TestMaxTrialsBudget(t *testing.T) {
	s := newASHA(t, func(c *HyperbandConfig) { c.MaxTrials = 2 })

	startTrial(t, s, 0)
	startTrial(t, s, 1)

	sug, err := s.Suggest(2)
	assert.NoError(t, err)
	assert.Nil(t, sug)
}

func TestPointsToEvaluateComeFirst(t *testing.T) {
	s := newASHA(t, func(c *HyperbandConfig) {
		c.PointsToEvaluate = []space.Config{{"x": 5, "z": "c"}}
	})

	sug := startTrial(t, s, 0)
	assert.Equal(t, int64(5), sug.Config["x"])
	assert.Equal(t, "c", sug.Config["z"])
	assert.Contains(t, sug.Config, "y")
}

func TestBracketSampling(t *testing.T) {
	s := newASHA(t, func(c *HyperbandConfig) { c.Brackets = 3 })

	assert.InDelta(t, 1.0, s.weights[0]+s.weights[1]+s.weights[2], 1e-9)
	assert.Greater(t, s.weights[0], s.weights[1])
	assert.Greater(t, s.weights[1], s.weights[2])

	seen := map[int]bool{}

	for id := 0; id < 300; id++ {
		startTrial(t, s, id)

		b := s.bracketOf[id]
		require.GreaterOrEqual(t, b, 0)
		require.Less(t, b, 3)

		seen[b] = true
	}

	assert.Len(t, seen, 3)
}

func TestProgressUpdates(t *testing.T) {
	progress := make(chan ProgressUpdate, 1)

	s := newASHA(t, func(c *HyperbandConfig) { c.ProgressChan = progress })

	startTrial(t, s, 0)

	_, err := s.OnTrialResult(trial.Trial{ID: 0}, metricReport(1, 0))
	require.NoError(t, err)

	// The channel is full: this update is dropped rather than blocking.
	_, err = s.OnTrialResult(trial.Trial{ID: 0}, metricReport(2, 0))
	require.NoError(t, err)

	update := <-progress
	assert.Equal(t, ProgressUpdate{Scheduler: "asha", TrialID: 0, Resource: 1, Decision: Continue}, update)
}

// driveASHA runs a fixed workload and returns every suggestion and decision.
func driveASHA(t *testing.T, s Scheduler, from, to int) []any {
	t.Helper()

	var trace []any

	for id := from; id < to; id++ {
		sug, err := s.Suggest(id)
		require.NoError(t, err)

		trace = append(trace, sug.Config.String())

		require.NoError(t, s.OnTrialAdd(trial.Trial{ID: id, Config: sug.Config}))

		x, _ := space.ToFloat(sug.Config["x"])

		for r := 1; r <= 10; r++ {
			d, err := s.OnTrialResult(trial.Trial{ID: id}, metricReport(r, x/float64(r)))
			require.NoError(t, err)

			trace = append(trace, d)

			if d != Continue {
				break
			}
		}
	}

	return trace
}

func TestSnapshotRestoresIdenticalDecisions(t *testing.T) {
	for _, searcher := range []string{"random", "bayesopt"} {
		t.Run(searcher, func(t *testing.T) {
			build := func() *HyperbandScheduler {
				return newASHA(t, func(c *HyperbandConfig) {
					c.Brackets = 2

					sr, err := NewSearcher(searcher)
					require.NoError(t, err)

					c.Searcher = sr
				})
			}

			original := build()
			driveASHA(t, original, 0, 10)

			// A suggested but not yet added trial is part of the state.
			pending, err := original.Suggest(10)
			require.NoError(t, err)

			blob, err := original.MarshalBinary()
			require.NoError(t, err)

			restored := build()
			require.NoError(t, restored.UnmarshalBinary(blob))

			assert.Equal(t, original.Registry().IDs(), restored.Registry().IDs())

			require.NoError(t, original.OnTrialAdd(trial.Trial{ID: 10, Config: pending.Config}))
			require.NoError(t, restored.OnTrialAdd(trial.Trial{ID: 10, Config: pending.Config}))

			assert.Equal(t, driveASHA(t, original, 11, 25), driveASHA(t, restored, 11, 25))
		})
	}
}

func TestUnmarshalRejectsCorruptSnapshots(t *testing.T) {
	s := newASHA(t, nil)
	driveASHA(t, s, 0, 3)

	assert.ErrorIs(t, s.UnmarshalBinary([]byte("not a snapshot")), ErrCorruptSnapshot)

	// A snapshot of a different layout is refused.
	other := newASHA(t, func(c *HyperbandConfig) { c.Brackets = 2 })
	blob, err := other.MarshalBinary()
	require.NoError(t, err)
	assert.ErrorIs(t, s.UnmarshalBinary(blob), ErrCorruptSnapshot)

	// So is a snapshot of another scheduler kind.
	syncBlob, err := newSync(t, nil).MarshalBinary()
	require.NoError(t, err)
	assert.ErrorIs(t, s.UnmarshalBinary(syncBlob), ErrCorruptSnapshot)

	// The receiver is untouched.
	assert.Equal(t, 3, s.Registry().Len())
	startTrial(t, s, 3)
}
