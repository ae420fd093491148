// Package hyperband provides multi-fidelity trial schedulers for
// hyperparameter optimization. A scheduler decides, from the intermediate
// results trials report at increasing resource levels (epochs, steps,
// seconds), which trials keep running, which pause, and which stop, so that
// the compute budget goes to promising configurations.
//
// # Features
//
//   - Asynchronous Hyperband (ASHA): trials are judged at every rung against
//     the trials that reached it before them, so workers never wait. Both
//     the stopping type (continue or stop at rungs) and the promotion type
//     (pause at rungs, resume the best through Suggest) are available
//   - Synchronous geometric Hyperband: brackets fill rungs with a fixed
//     number of jobs and wait for all of them before promoting, behind a
//     batch barrier
//   - Multi-objective scheduling (MOASHA): rungs are ranked by Pareto depth
//   - Transfer learning: BoundingBox narrows the config space to the region
//     of the best configurations of related tasks
//   - Snapshots: every scheduler serializes its complete state, random
//     generator included, and a restored scheduler makes the same decisions
//   - Searchers: random search, or Bayesian optimization over a kernel
//     regression model with LCB, PI, EI or Thompson sampling acquisition
//
// # Rungs and brackets
//
// Rung levels are GracePeriod * ReductionFactor^k below MaxT, followed by
// MaxT. With MaxT = 10 and a reduction factor of 3 the levels are 1, 3, 9
// and 10. At a rung holding n results, the best ceil(n / ReductionFactor)
// trials go on. Bracket b starts at the b-th level.
//
// # Usage
//
//	cs := space.New().
//	    MustAdd("lr", space.LogUniform(1e-4, 1e-1)).
//	    MustAdd("layers", space.RandInt(1, 8))
//
//	cfg := hyperband.DefaultHyperbandConfig()
//	cfg.ConfigSpace = cs
//	cfg.Objectives = hyperband.SingleObjective("loss", hyperband.Min)
//	cfg.MaxT = 81
//
//	s, err := hyperband.NewHyperband(cfg)
//	if err != nil {
//	    return err
//	}
//
//	sug, _ := s.Suggest(id)
//	_ = s.OnTrialAdd(trial.Trial{ID: id, Config: sug.Config})
//
//	for epoch := 1; ; epoch++ {
//	    loss := train(sug.Config, epoch)
//
//	    d, _ := s.OnTrialResult(t, trial.Report{Resource: epoch, Metrics: map[string]float64{"loss": loss}})
//	    if d != hyperband.Continue {
//	        break
//	    }
//	}
//
// # Thread Safety
//
// Every scheduler call is an atomic state transition serialized by the
// scheduler's own mutex. No call blocks: the synchronous barrier refuses to
// advance with ErrBatchBarrier instead of waiting.
//
// # Observability
//
// Schedulers log through logr (Logger in their config), export Prometheus
// counters of decisions and suggestions when a Registerer is set, and send
// a ProgressUpdate per decision on an optional channel.
package hyperband
