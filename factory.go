package hyperband

import (
	"fmt"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/thalesfsp/hyperband/space"
)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

func init() {
	Register("asha", func(cs *space.ConfigSpace, objectives []Objective, opts Options) (Scheduler, error) {
		s, err := NewHyperband(hyperbandConfig(cs, objectives, opts, Stopping))
		if err != nil {
			return nil, err
		}

		return s, nil
	})

	Register("asha-promotion", func(cs *space.ConfigSpace, objectives []Objective, opts Options) (Scheduler, error) {
		s, err := NewHyperband(hyperbandConfig(cs, objectives, opts, Promotion))
		if err != nil {
			return nil, err
		}

		return s, nil
	})

	Register("moasha", func(cs *space.ConfigSpace, objectives []Objective, opts Options) (Scheduler, error) {
		s, err := NewMOASHA(hyperbandConfig(cs, objectives, opts, Stopping))
		if err != nil {
			return nil, err
		}

		return s, nil
	})

	Register("moasha-promotion", func(cs *space.ConfigSpace, objectives []Objective, opts Options) (Scheduler, error) {
		s, err := NewMOASHA(hyperbandConfig(cs, objectives, opts, Promotion))
		if err != nil {
			return nil, err
		}

		return s, nil
	})

	Register(syncKind, func(cs *space.ConfigSpace, objectives []Objective, opts Options) (Scheduler, error) {
		s, err := NewSynchronousHyperband(synchronousConfig(cs, objectives, opts))
		if err != nil {
			return nil, err
		}

		return s, nil
	})
}

// Register makes a scheduler factory available under name. Registering a
// name twice replaces the previous factory.
func Register(name string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()

	factories[name] = f
}

// New builds the scheduler registered under name.
func New(name string, cs *space.ConfigSpace, objectives []Objective, opts Options) (Scheduler, error) {
	factoriesMu.RLock()
	f, ok := factories[name]
	factoriesMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q, known: %v", ErrUnknownScheduler, name, Names())
	}

	return f(cs, objectives, opts)
}

// Names returns the registered scheduler names, sorted.
func Names() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()

	names := maps.Keys(factories)
	slices.Sort(names)

	return names
}

// hyperbandConfig applies opts over the asynchronous defaults.
func hyperbandConfig(cs *space.ConfigSpace, objectives []Objective, opts Options, typ SchedulerType) HyperbandConfig {
	cfg := DefaultHyperbandConfig()
	cfg.ConfigSpace = cs
	cfg.Objectives = objectives
	cfg.Type = typ
	cfg.Seed = opts.Seed
	cfg.MaxTrials = opts.MaxTrials
	cfg.MaxResourceAttr = opts.MaxResourceAttr
	cfg.PointsToEvaluate = opts.PointsToEvaluate
	cfg.Searcher = opts.Searcher
	cfg.Registerer = opts.Registerer
	cfg.ProgressChan = opts.ProgressChan

	if opts.MaxT > 0 {
		cfg.MaxT = opts.MaxT
	}

	if opts.GracePeriod > 0 {
		cfg.GracePeriod = opts.GracePeriod
	}

	if opts.ReductionFactor > 0 {
		cfg.ReductionFactor = opts.ReductionFactor
	}

	if opts.Brackets > 0 {
		cfg.Brackets = opts.Brackets
	}

	if opts.Logger.GetSink() != nil {
		cfg.Logger = opts.Logger
	}

	return cfg
}

// synchronousConfig applies opts over the synchronous defaults.
func synchronousConfig(cs *space.ConfigSpace, objectives []Objective, opts Options) SynchronousConfig {
	cfg := DefaultSynchronousConfig()
	cfg.ConfigSpace = cs
	cfg.Objectives = objectives
	cfg.Seed = opts.Seed
	cfg.Brackets = opts.Brackets
	cfg.MaxResourceAttr = opts.MaxResourceAttr
	cfg.PointsToEvaluate = opts.PointsToEvaluate
	cfg.Searcher = opts.Searcher
	cfg.Registerer = opts.Registerer
	cfg.ProgressChan = opts.ProgressChan

	if opts.MaxT > 0 {
		cfg.MaxT = opts.MaxT
	}

	if opts.GracePeriod > 0 {
		cfg.GracePeriod = opts.GracePeriod
	}

	if opts.ReductionFactor > 0 {
		cfg.ReductionFactor = opts.ReductionFactor
	}

	if opts.BatchSize > 0 {
		cfg.BatchSize = opts.BatchSize
	}

	if opts.Logger.GetSink() != nil {
		cfg.Logger = opts.Logger
	}

	return cfg
}
