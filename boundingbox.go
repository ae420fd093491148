package hyperband

import (
	"fmt"
	"math"

	"github.com/go-logr/logr"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/thalesfsp/hyperband/space"
)

//////
// Const, vars, types.
//////

// Evaluation is one prior result of a related task.
type Evaluation struct {
	Config     space.Config       `json:"config" yaml:"config"`
	Objectives map[string]float64 `json:"objectives" yaml:"objectives"`
}

// TaskEvaluations are the prior results of one task.
type TaskEvaluations struct {
	Evaluations []Evaluation `json:"evaluations" yaml:"evaluations"`
}

// BoundingBox narrows the config space to the region spanned by the best
// configurations of related tasks, then delegates every call to an inner
// scheduler built over the narrowed space.
type BoundingBox struct {
	Scheduler

	space *space.ConfigSpace
}

//////
// Methods.
//////

// ConfigSpace returns the narrowed space the inner scheduler searches.
func (b *BoundingBox) ConfigSpace() *space.ConfigSpace {
	return b.space
}

//////
// Factory.
//////

// NewBoundingBox builds the narrowed space and the inner scheduler.
//
// Usage example:
//
//	cfg := DefaultBoundingBoxConfig()
//	cfg.ConfigSpace = cs
//	cfg.Objectives = SingleObjective("loss", Min)
//	cfg.TransferLearningEvaluations = priors
//	bb, err := NewBoundingBox(cfg, func(cs *space.ConfigSpace, o []Objective, opts Options) (Scheduler, error) {
//	    return New("asha", cs, o, opts)
//	})
func NewBoundingBox(cfg BoundingBoxConfig, factory Factory) (*BoundingBox, error) {
	if cfg.ConfigSpace == nil || len(cfg.Objectives) == 0 || factory == nil {
		return nil, fmt.Errorf("%w: bounding box needs a config space, an objective and a factory", ErrInvalidConfig)
	}

	if cfg.NumHyperparametersPerTask < 1 {
		return nil, fmt.Errorf("%w: NumHyperparametersPerTask must be positive", ErrInvalidConfig)
	}

	log := cfg.Options.Logger.WithName("boundingbox")

	restricted, err := BoundingBoxSpace(
		cfg.ConfigSpace,
		cfg.Objectives[0],
		cfg.TransferLearningEvaluations,
		cfg.NumHyperparametersPerTask,
		log,
	)
	if err != nil {
		return nil, err
	}

	if size, finite := restricted.Size(); finite {
		log.Info("config space restricted", "size", size, "space", restricted.String())
	} else {
		log.Info("config space restricted", "size", "infinite", "space", restricted.String())
	}

	inner, err := factory(restricted, cfg.Objectives, cfg.Options)
	if err != nil {
		return nil, err
	}

	return &BoundingBox{Scheduler: inner, space: restricted}, nil
}

//////
// Exported functionalities.
//////

// BoundingBoxSpace returns cs narrowed to the best configurations of every
// task. Tasks are visited in name order, and each contributes its
// topPerTask best evaluations by objective (NaN results never qualify).
//
// Categorical hyperparameters keep the categories seen in the pool, sorted.
// Numeric ones are restricted to the pool's [min, max], intersected with the
// original bounds. A hyperparameter whose narrowed domain would be empty
// keeps its original domain, and a warning is logged. Constants are kept.
func BoundingBoxSpace(
	cs *space.ConfigSpace,
	objective Objective,
	evaluations map[string]TaskEvaluations,
	topPerTask int,
	log logr.Logger,
) (*space.ConfigSpace, error) {
	pool := topConfigs(objective, evaluations, topPerTask)
	if len(pool) == 0 {
		log.Info("no usable transfer learning evaluations, keeping the original space")

		return cs.Clone(), nil
	}

	out := space.New()

	var addErr error

	cs.Each(func(name string, d space.Domain) {
		if addErr != nil {
			return
		}

		values := make([]any, 0, len(pool))
		for _, c := range pool {
			if v, ok := c[name]; ok {
				values = append(values, v)
			}
		}

		narrowed, err := narrow(d, values)
		if err != nil {
			log.Info("bounding box is degenerate, keeping the original domain", "hyperparameter", name, "domain", d.String(), "reason", err.Error())

			narrowed = d
		}

		addErr = out.Add(name, narrowed)
	})

	if addErr != nil {
		return nil, addErr
	}

	return out, nil
}

//////
// Helpers.
//////

// topConfigs pools the best configurations of every task.
func topConfigs(objective Objective, evaluations map[string]TaskEvaluations, k int) []space.Config {
	tasks := maps.Keys(evaluations)
	slices.Sort(tasks)

	var pool []space.Config

	for _, task := range tasks {
		ranked := make([]Evaluation, 0, len(evaluations[task].Evaluations))

		for _, e := range evaluations[task].Evaluations {
			v, ok := e.Objectives[objective.Name]
			if ok && !math.IsNaN(v) {
				ranked = append(ranked, e)
			}
		}

		slices.SortStableFunc(ranked, func(a, b Evaluation) int {
			return compareScalar(
				a.Objectives[objective.Name]*objective.Mode.sign(),
				b.Objectives[objective.Name]*objective.Mode.sign(),
			)
		})

		for i := 0; i < k && i < len(ranked); i++ {
			pool = append(pool, ranked[i].Config)
		}
	}

	return pool
}

// narrow restricts d to the pooled values.
func narrow(d space.Domain, values []any) (space.Domain, error) {
	switch d := d.(type) {
	case space.Categorical:
		var kept []any

		for _, v := range space.UniqueValues(values) {
			if d.Contains(v) {
				kept = append(kept, v)
			}
		}

		if len(kept) == 0 {
			return nil, fmt.Errorf("%w: no pooled value among %s", space.ErrDegenerateBox, d)
		}

		return space.Choice(kept...), nil
	case space.Numeric:
		lower, upper := math.Inf(1), math.Inf(-1)

		for _, v := range values {
			if x, ok := space.ToFloat(v); ok && !math.IsNaN(x) {
				lower, upper = math.Min(lower, x), math.Max(upper, x)
			}
		}

		if lower > upper {
			return nil, fmt.Errorf("%w: no numeric pooled value", space.ErrDegenerateBox)
		}

		return space.Restrict(d, lower, upper)
	}

	return d, nil
}
