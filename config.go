package hyperband

import (
	"fmt"
	"math"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/exp/slices"

	"github.com/thalesfsp/hyperband/space"
)

//////
// Const, vars, types.
//////

// ProgressUpdate describes one decision. Schedulers send it on their
// ProgressChan without blocking.
type ProgressUpdate struct {
	// Scheduler is the scheduler kind, e.g. "asha" or "hyperband-sync".
	Scheduler string

	// TrialID is the trial the decision is about.
	TrialID int

	// Resource is the resource level of the report.
	Resource int

	// Decision is the decision returned to the runner.
	Decision Decision
}

// HyperbandConfig configures the asynchronous Hyperband scheduler and its
// multi-objective variant.
type HyperbandConfig struct {
	// ConfigSpace is the search space. Required.
	ConfigSpace *space.ConfigSpace

	// Objectives are the tracked metrics. ASHA uses exactly one, MOASHA two
	// or more.
	Objectives []Objective

	// Type selects stopping or promotion behavior at rungs.
	Type SchedulerType

	// MaxT is the maximum resource a trial may consume.
	MaxT int

	// GracePeriod is the resource level of the first rung.
	GracePeriod int

	// ReductionFactor (eta) sets both the rung spacing and the fraction of
	// trials kept at each rung. Must be greater than 1.
	ReductionFactor float64

	// Brackets is the number of brackets. Bracket b starts at the b-th rung.
	Brackets int

	// MinOccupancy is the number of results a rung needs before it judges
	// trials. Zero means ceil(ReductionFactor).
	MinOccupancy int

	// MaxTrials caps the number of new trials. Zero means unlimited.
	MaxTrials int

	// PointsToEvaluate are configurations tried first, in order. Missing
	// keys are sampled.
	PointsToEvaluate []space.Config

	// MaxResourceAttr, when set, is the config key receiving the resource
	// budget a suggested trial should run to.
	MaxResourceAttr string

	// Searcher proposes new configurations. Defaults to random search.
	Searcher Searcher

	// Seed seeds the scheduler's random generator.
	Seed uint64

	// Logger receives decision traces. Defaults to logr.Discard().
	Logger logr.Logger

	// Registerer, when set, receives the scheduler metrics.
	Registerer prometheus.Registerer

	// ProgressChan, when set, receives one update per decision. Updates are
	// dropped when the channel is full.
	ProgressChan chan<- ProgressUpdate
}

// SynchronousConfig configures the synchronous geometric Hyperband scheduler.
type SynchronousConfig struct {
	// ConfigSpace is the search space. Required.
	ConfigSpace *space.ConfigSpace

	// Objectives are the tracked metrics. Several objectives rank trials by
	// Pareto depth.
	Objectives []Objective

	// MaxT is the resource level of the last rung of every bracket.
	MaxT int

	// GracePeriod is the resource level of the first rung.
	GracePeriod int

	// ReductionFactor (eta) sets the rung spacing and the shrink factor of
	// rung sizes. Must be greater than 1.
	ReductionFactor float64

	// Brackets is the number of bracket types. Zero means one per rung
	// level.
	Brackets int

	// BatchSize is the number of suggestions per suggest phase.
	BatchSize int

	// PointsToEvaluate are configurations tried first, in order.
	PointsToEvaluate []space.Config

	// MaxResourceAttr, when set, is the config key receiving the rung level
	// a suggested job should run to.
	MaxResourceAttr string

	// Searcher proposes new configurations. Defaults to random search.
	Searcher Searcher

	// Seed seeds the scheduler's random generator.
	Seed uint64

	// Logger receives decision traces. Defaults to logr.Discard().
	Logger logr.Logger

	// Registerer, when set, receives the scheduler metrics.
	Registerer prometheus.Registerer

	// ProgressChan, when set, receives one update per decision.
	ProgressChan chan<- ProgressUpdate
}

// BoundingBoxConfig configures the transfer-learning wrapper.
type BoundingBoxConfig struct {
	// ConfigSpace is the original search space. Required.
	ConfigSpace *space.ConfigSpace

	// Objectives are the tracked metrics. The first one ranks prior
	// evaluations.
	Objectives []Objective

	// TransferLearningEvaluations are the prior results, by task name.
	TransferLearningEvaluations map[string]TaskEvaluations

	// NumHyperparametersPerTask is how many of the best configurations of
	// every task shape the box.
	NumHyperparametersPerTask int

	// Options are passed through to the inner scheduler factory.
	Options Options
}

//////
// Factory.
//////

// DefaultHyperbandConfig returns a default configuration for ASHA with the
// stopping type. ConfigSpace and Objectives must be set by the caller.
func DefaultHyperbandConfig() HyperbandConfig {
	return HyperbandConfig{
		Type:            Stopping,
		MaxT:            81,
		GracePeriod:     1,
		ReductionFactor: 3,
		Brackets:        1,
		Seed:            uint64(time.Now().UnixNano()),
		Logger:          logr.Discard(),
	}
}

// DefaultSynchronousConfig returns a default configuration. ConfigSpace and
// Objectives must be set by the caller.
func DefaultSynchronousConfig() SynchronousConfig {
	return SynchronousConfig{
		MaxT:            81,
		GracePeriod:     1,
		ReductionFactor: 3,
		BatchSize:       1,
		Seed:            uint64(time.Now().UnixNano()),
		Logger:          logr.Discard(),
	}
}

// DefaultBoundingBoxConfig returns a default configuration.
func DefaultBoundingBoxConfig() BoundingBoxConfig {
	return BoundingBoxConfig{
		NumHyperparametersPerTask: 1,
		Options: Options{
			Logger: logr.Discard(),
		},
	}
}

//////
// Helpers.
//////

// validate checks cfg and fills derived defaults.
func (cfg *HyperbandConfig) validate() error {
	if err := validateCommon(cfg.ConfigSpace, cfg.Objectives, cfg.MaxT, cfg.GracePeriod, cfg.ReductionFactor, cfg.MaxResourceAttr); err != nil {
		return err
	}

	cfg.Objectives = slices.Clone(cfg.Objectives)

	switch cfg.Type {
	case "":
		cfg.Type = Stopping
	case Stopping, Promotion:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidConfig, cfg.Type)
	}

	levels := rungLevels(cfg.GracePeriod, cfg.MaxT, cfg.ReductionFactor)

	if cfg.Brackets == 0 {
		cfg.Brackets = 1
	}

	if cfg.Brackets < 1 || cfg.Brackets > len(levels) {
		return fmt.Errorf("%w: Brackets must be within [1, %d]", ErrInvalidConfig, len(levels))
	}

	if cfg.MinOccupancy == 0 {
		cfg.MinOccupancy = int(math.Ceil(cfg.ReductionFactor))
	}

	if cfg.MinOccupancy < 1 || cfg.MaxTrials < 0 {
		return fmt.Errorf("%w: MinOccupancy and MaxTrials must not be negative", ErrInvalidConfig)
	}

	if err := validatePoints(cfg.ConfigSpace, cfg.PointsToEvaluate); err != nil {
		return err
	}

	if cfg.Searcher == nil {
		cfg.Searcher = NewRandomSearcher()
	}

	return nil
}

// validate checks cfg and fills derived defaults.
func (cfg *SynchronousConfig) validate() error {
	if err := validateCommon(cfg.ConfigSpace, cfg.Objectives, cfg.MaxT, cfg.GracePeriod, cfg.ReductionFactor, cfg.MaxResourceAttr); err != nil {
		return err
	}

	cfg.Objectives = slices.Clone(cfg.Objectives)

	levels := rungLevels(cfg.GracePeriod, cfg.MaxT, cfg.ReductionFactor)

	if cfg.Brackets == 0 {
		cfg.Brackets = len(levels)
	}

	if cfg.Brackets < 1 || cfg.Brackets > len(levels) {
		return fmt.Errorf("%w: Brackets must be within [1, %d]", ErrInvalidConfig, len(levels))
	}

	if cfg.BatchSize < 1 {
		return fmt.Errorf("%w: BatchSize must be positive", ErrInvalidConfig)
	}

	if err := validatePoints(cfg.ConfigSpace, cfg.PointsToEvaluate); err != nil {
		return err
	}

	if cfg.Searcher == nil {
		cfg.Searcher = NewRandomSearcher()
	}

	return nil
}

func validateCommon(cs *space.ConfigSpace, objectives []Objective, maxT, gracePeriod int, eta float64, maxResourceAttr string) error {
	if cs == nil {
		return fmt.Errorf("%w: ConfigSpace is required", ErrInvalidConfig)
	}

	if len(objectives) == 0 {
		return fmt.Errorf("%w: at least one objective is required", ErrInvalidConfig)
	}

	seen := make(map[string]bool, len(objectives))

	for _, o := range objectives {
		if o.Name == "" || seen[o.Name] {
			return fmt.Errorf("%w: objective names must be unique and non-empty", ErrInvalidConfig)
		}

		if !o.Mode.valid() {
			return fmt.Errorf("%w: objective %q has mode %q, want min or max", ErrInvalidConfig, o.Name, o.Mode)
		}

		seen[o.Name] = true
	}

	if maxT < 1 || gracePeriod < 1 || gracePeriod > maxT {
		return fmt.Errorf("%w: need 1 <= GracePeriod (%d) <= MaxT (%d)", ErrInvalidConfig, gracePeriod, maxT)
	}

	if !(eta > 1) {
		return fmt.Errorf("%w: ReductionFactor must be greater than 1, got %v", ErrInvalidConfig, eta)
	}

	if maxResourceAttr != "" {
		if _, ok := cs.Get(maxResourceAttr); !ok {
			return fmt.Errorf("%w: MaxResourceAttr %q is not a hyperparameter", ErrInvalidConfig, maxResourceAttr)
		}
	}

	return nil
}

func validatePoints(cs *space.ConfigSpace, points []space.Config) error {
	for i, p := range points {
		for _, k := range p.Keys() {
			d, ok := cs.Get(k)
			if !ok {
				return fmt.Errorf("%w: point %d sets unknown hyperparameter %q", ErrInvalidConfig, i, k)
			}

			v, err := space.Normalize(p[k])
			if err != nil || !d.Contains(v) {
				return fmt.Errorf("%w: point %d sets %q outside %s", ErrInvalidConfig, i, k, d)
			}
		}
	}

	return nil
}

func metricNames(objectives []Objective) []string {
	out := make([]string, len(objectives))
	for i, o := range objectives {
		out[i] = o.Name
	}

	return out
}

func metricModes(objectives []Objective) []Mode {
	out := make([]Mode, len(objectives))
	for i, o := range objectives {
		out[i] = o.Mode
	}

	return out
}
