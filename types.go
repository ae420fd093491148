package hyperband

import (
	"errors"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/thalesfsp/hyperband/internal/codec"
	"github.com/thalesfsp/hyperband/space"
	"github.com/thalesfsp/hyperband/trial"
)

//////
// Const, vars, types.
//////

// Mode is the optimization direction of one metric.
type Mode string

const (
	// Min means lower metric values are better.
	Min Mode = "min"

	// Max means higher metric values are better.
	Max Mode = "max"
)

// Decision is what the runner must do with a trial after a report.
type Decision string

const (
	// Continue means keep training.
	Continue Decision = "CONTINUE"

	// Pause means checkpoint and release the worker; the trial may be
	// resumed by a later suggestion.
	Pause Decision = "PAUSE"

	// Stop means kill the trial. It is terminal and never retried.
	Stop Decision = "STOP"
)

// SchedulerType selects how the asynchronous scheduler acts at a rung.
type SchedulerType string

const (
	// Stopping keeps good trials running and stops the others at each rung.
	Stopping SchedulerType = "stopping"

	// Promotion pauses every trial at each rung and resumes the best ones
	// through Suggest.
	Promotion SchedulerType = "promotion"
)

var (
	// ErrBatchBarrier is returned by the synchronous scheduler when a new
	// suggest phase is requested before the current batch was collected.
	ErrBatchBarrier = errors.New("batch barrier violated")

	// ErrInvalidConfig is returned by constructors for unusable settings.
	ErrInvalidConfig = errors.New("invalid scheduler config")

	// ErrNotSuggested is returned when a trial id was never issued by the
	// scheduler that is asked to schedule it.
	ErrNotSuggested = errors.New("trial was not suggested by this scheduler")

	// ErrUnknownScheduler is returned by New for unregistered names.
	ErrUnknownScheduler = errors.New("unknown scheduler")

	// ErrCorruptSnapshot is returned when a snapshot cannot be restored.
	ErrCorruptSnapshot = codec.ErrCorrupt

	// ErrUnknownTrial is returned for trial ids the scheduler never saw.
	ErrUnknownTrial = trial.ErrUnknownTrial

	// ErrDuplicateTrial is returned when a trial id is reused.
	ErrDuplicateTrial = trial.ErrDuplicateTrial

	// ErrTrialNotActive is returned for reports of paused or finished trials.
	ErrTrialNotActive = trial.ErrTrialNotActive
)

// Objective is one tracked metric and its direction.
type Objective struct {
	Name string `json:"name"`
	Mode Mode   `json:"mode"`
}

// Suggestion is what Suggest hands to the runner: either a configuration for
// a new trial, or a paused trial to resume.
type Suggestion struct {
	// Config is the configuration to run. For a resumed trial it is the
	// trial's own configuration, with the resource budget updated when the
	// scheduler is configured with a MaxResourceAttr.
	Config space.Config

	// SpawnNewTrialID is true when the runner must start a new trial under
	// the id passed to Suggest.
	SpawnNewTrialID bool

	// CheckpointTrialID is the paused trial to resume when SpawnNewTrialID
	// is false.
	CheckpointTrialID *int
}

// Scheduler is the contract between a trial runner and a scheduling
// algorithm. Calls are atomic state transitions; implementations serialize
// them internally, and none of them blocks.
//
// Usage example:
//
//	s, _ := NewHyperband(cfg)
//	sug, _ := s.Suggest(id)
//	if sug.SpawnNewTrialID {
//	    _ = s.OnTrialAdd(trial.Trial{ID: id, Config: sug.Config})
//	}
//	decision, _ := s.OnTrialResult(t, trial.Report{Resource: epoch, Metrics: m})
type Scheduler interface {
	// Suggest returns a new-trial or resume suggestion. A nil suggestion
	// with a nil error means the trial budget is exhausted.
	Suggest(trialID int) (*Suggestion, error)

	// OnTrialAdd registers a trial started from a suggestion.
	OnTrialAdd(t trial.Trial) error

	// OnTrialResult consumes a report and returns the decision.
	OnTrialResult(t trial.Trial, report trial.Report) (Decision, error)

	// OnTrialComplete notifies a trial that finished on its own.
	OnTrialComplete(t trial.Trial, report trial.Report) error

	// OnTrialError notifies a trial that failed. Its reports are dropped
	// from every ranking.
	OnTrialError(t trial.Trial) error

	// OnTrialRemove notifies a trial removed by the runner.
	OnTrialRemove(t trial.Trial) error

	// MetricNames returns the tracked metrics in order.
	MetricNames() []string

	// MetricMode returns the direction of every metric, aligned with
	// MetricNames.
	MetricMode() []Mode

	// MarshalBinary snapshots the complete scheduler state.
	MarshalBinary() ([]byte, error)

	// UnmarshalBinary restores a snapshot taken by a scheduler built with
	// the same configuration.
	UnmarshalBinary(data []byte) error
}

// Options carries the settings shared by the factories registered with
// Register. Zero values fall back to the scheduler defaults, except Seed
// which is always used.
type Options struct {
	MaxT             int
	GracePeriod      int
	ReductionFactor  float64
	Brackets         int
	BatchSize        int
	MaxTrials        int
	MaxResourceAttr  string
	PointsToEvaluate []space.Config
	Searcher         Searcher
	Seed             uint64
	Logger           logr.Logger
	Registerer       prometheus.Registerer
	ProgressChan     chan<- ProgressUpdate
}

// Factory builds a scheduler over a config space. It is how BoundingBox and
// the CLI build inner schedulers without knowing their type.
type Factory func(cs *space.ConfigSpace, objectives []Objective, opts Options) (Scheduler, error)

//////
// Methods.
//////

// sign maps a value to "lower is better".
func (m Mode) sign() float64 {
	if m == Max {
		return -1
	}

	return 1
}

func (m Mode) valid() bool {
	return m == Min || m == Max
}

//////
// Exported functionalities.
//////

// SingleObjective is a shorthand for a one-metric objective list.
func SingleObjective(metric string, mode Mode) []Objective {
	return []Objective{{Name: metric, Mode: mode}}
}

// NewTrialSuggestion builds a suggestion that spawns a new trial.
func NewTrialSuggestion(config space.Config) *Suggestion {
	return &Suggestion{Config: config, SpawnNewTrialID: true}
}

// ResumeSuggestion builds a suggestion that resumes a paused trial.
func ResumeSuggestion(trialID int, config space.Config) *Suggestion {
	id := trialID

	return &Suggestion{Config: config, CheckpointTrialID: &id}
}
