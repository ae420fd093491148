package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/exp/rand"
	"golang.org/x/sync/errgroup"

	"github.com/thalesfsp/hyperband"
	"github.com/thalesfsp/hyperband/space"
	"github.com/thalesfsp/hyperband/trial"
)

//////
// Const, vars, types.
//////

// simulation hands scheduler suggestions to concurrent workers. Every
// suggestion and its registration happen under mu, so trial ids are
// allocated in order. Workers blocked by the synchronous batch barrier or by
// a drained budget wait on cond until another trial finishes.
type simulation struct {
	mu   sync.Mutex
	cond *sync.Cond

	sched     hyperband.Scheduler
	objective objective
	maxT      int
	budget    int
	failRate  float64
	log       logr.Logger

	next     int
	spawned  int
	inFlight int
	done     bool

	// orphans are trials restored from a snapshot while they were running.
	// They are run again before any new suggestion.
	orphans []int

	// progress is the last resource reported by every trial.
	progress map[int]int
}

// job is one unit of work handed to a worker.
type job struct {
	id     int
	config space.Config
}

//////
// Methods.
//////

// run starts workers and blocks until the budget is spent and no trial is
// left running, or ctx is done.
func (sim *simulation) run(ctx context.Context, workers int, seed uint64) error {
	g, ctx := errgroup.WithContext(ctx)

	// Wake up waiting workers on cancellation.
	stop := context.AfterFunc(ctx, func() {
		sim.mu.Lock()
		defer sim.mu.Unlock()

		sim.cond.Broadcast()
	})
	defer stop()

	for w := 0; w < workers; w++ {
		r := newRand(seed + uint64(w) + 1)

		g.Go(func() error {
			return sim.work(ctx, r)
		})
	}

	return g.Wait()
}

// work runs jobs until there is nothing left to do.
func (sim *simulation) work(ctx context.Context, r *rand.Rand) error {
	for {
		j, err := sim.acquire(ctx)
		if err != nil || j == nil {
			return err
		}

		err = sim.train(ctx, j, r)

		sim.release()

		if err != nil {
			return err
		}
	}
}

// acquire returns the next job, or nil when the simulation is over.
func (sim *simulation) acquire(ctx context.Context) (*job, error) {
	sim.mu.Lock()
	defer sim.mu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if sim.done {
			return nil, nil
		}

		if len(sim.orphans) > 0 {
			id := sim.orphans[0]
			sim.orphans = sim.orphans[1:]

			return sim.start(id, nil)
		}

		sug, err := sim.sched.Suggest(sim.next)

		switch {
		case errors.Is(err, hyperband.ErrBatchBarrier):
			sim.cond.Wait()

			continue
		case err != nil:
			return nil, err
		case sug != nil && !sug.SpawnNewTrialID:
			return sim.start(*sug.CheckpointTrialID, sug.Config)
		case sug != nil && sim.spawned < sim.budget:
			id := sim.next
			sim.next++
			sim.spawned++

			if err := sim.sched.OnTrialAdd(trial.Trial{ID: id, Config: sug.Config, CreationTime: time.Now()}); err != nil {
				return nil, err
			}

			return sim.start(id, sug.Config)
		case sug != nil:
			// Over budget: the scheduler already counts on this trial, so it
			// is registered and withdrawn at once.
			id := sim.next
			sim.next++

			if err := sim.sched.OnTrialAdd(trial.Trial{ID: id, Config: sug.Config, CreationTime: time.Now()}); err != nil {
				return nil, err
			}

			if err := sim.sched.OnTrialRemove(trial.Trial{ID: id}); err != nil {
				return nil, err
			}
		}

		// Nothing to hand out. Running trials may still unlock promotions.
		if sim.inFlight == 0 {
			sim.done = true
			sim.cond.Broadcast()

			return nil, nil
		}

		sim.cond.Wait()
	}
}

// start marks id as running. config is nil for orphans, whose configuration
// comes from the registry. Callers hold mu.
func (sim *simulation) start(id int, config space.Config) (*job, error) {
	if config == nil {
		reg := registryOf(sim.sched)
		if reg == nil {
			return nil, fmt.Errorf("trial %d: no registry to restore it from", id)
		}

		t, err := reg.Get(id)
		if err != nil {
			return nil, err
		}

		config = t.Config
	}

	sim.inFlight++

	return &job{id: id, config: config}, nil
}

// release marks a job as finished and wakes up waiting workers.
func (sim *simulation) release() {
	sim.mu.Lock()
	defer sim.mu.Unlock()

	sim.inFlight--
	sim.cond.Broadcast()
}

// train reports increasing resources until the scheduler decides otherwise.
func (sim *simulation) train(ctx context.Context, j *job, r *rand.Rand) error {
	t := trial.Trial{ID: j.id, Config: j.config}

	sim.mu.Lock()
	from := sim.progress[j.id] + 1
	sim.mu.Unlock()

	for resource := from; resource <= sim.maxT; resource++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		if sim.failRate > 0 && r.Float64() < sim.failRate {
			sim.log.V(1).Info("trial crashed", "trial", j.id, "resource", resource)

			return sim.sched.OnTrialError(t)
		}

		report := trial.Report{Resource: resource, Metrics: sim.objective(j.config, resource)}

		d, err := sim.sched.OnTrialResult(t, report)
		if err != nil {
			return fmt.Errorf("trial %d: %w", j.id, err)
		}

		sim.mu.Lock()
		sim.progress[j.id] = resource
		sim.mu.Unlock()

		if d != hyperband.Continue {
			return nil
		}

		if resource == sim.maxT {
			return sim.sched.OnTrialComplete(t, report)
		}
	}

	return nil
}

//////
// Factory.
//////

// newSimulation prepares a simulation. Trials found in the scheduler
// registry, restored from a snapshot, count toward the budget; the running
// ones are run again from their last report.
func newSimulation(
	sched hyperband.Scheduler,
	obj objective,
	maxT, budget int,
	failRate float64,
	log logr.Logger,
) (*simulation, error) {
	sim := &simulation{
		sched:     sched,
		objective: obj,
		maxT:      maxT,
		budget:    budget,
		failRate:  failRate,
		log:       log,
		progress:  make(map[int]int),
	}

	sim.cond = sync.NewCond(&sim.mu)

	reg := registryOf(sched)
	if reg == nil {
		return sim, nil
	}

	for _, id := range reg.IDs() {
		t, err := reg.Get(id)
		if err != nil {
			return nil, err
		}

		history, err := reg.History(id)
		if err != nil {
			return nil, err
		}

		if n := len(history); n > 0 {
			sim.progress[id] = history[n-1].Resource
		}

		if t.Status == trial.Running || t.Status == trial.Pending {
			sim.orphans = append(sim.orphans, id)
		}

		sim.next = max(sim.next, id+1)
		sim.spawned++
	}

	return sim, nil
}

//////
// Helpers.
//////

// registryOf returns the trial registry of the schedulers of this module,
// looking through the BoundingBox wrapper.
func registryOf(s hyperband.Scheduler) *trial.Registry {
	switch s := s.(type) {
	case interface{ Registry() *trial.Registry }:
		return s.Registry()
	case *hyperband.BoundingBox:
		return registryOf(s.Scheduler)
	}

	return nil
}
