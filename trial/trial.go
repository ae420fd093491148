// Package trial tracks trial identity, configuration, status and the history
// of metric reports. The Registry is the single source of truth queried by
// every scheduler and is embedded verbatim in scheduler snapshots.
package trial

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/thalesfsp/hyperband/space"
)

//////
// Const, vars, types.
//////

// Status is the lifecycle state of a trial.
type Status string

const (
	Pending   Status = "PENDING"
	Running   Status = "RUNNING"
	Paused    Status = "PAUSED"
	Completed Status = "COMPLETED"
	Stopped   Status = "STOPPED"
	Failed    Status = "FAILED"
)

var (
	// ErrUnknownTrial is returned for ids the registry has never seen.
	ErrUnknownTrial = errors.New("unknown trial")

	// ErrDuplicateTrial is returned when an id is registered twice.
	ErrDuplicateTrial = errors.New("trial already registered")

	// ErrIllegalTransition is returned for a status change the lifecycle
	// does not allow.
	ErrIllegalTransition = errors.New("illegal status transition")

	// ErrTrialNotActive is returned when a report arrives for a trial that
	// is neither pending nor running.
	ErrTrialNotActive = errors.New("trial is not active")
)

// transitions lists the legal targets of every non-terminal status.
var transitions = map[Status][]Status{
	Pending: {Running, Stopped, Failed},
	Running: {Paused, Completed, Stopped, Failed},
	Paused:  {Running, Stopped, Failed},
}

// Trial is the identity record of one training run.
type Trial struct {
	ID           int          `json:"id"`
	Config       space.Config `json:"config"`
	CreationTime time.Time    `json:"creation_time"`
	Status       Status       `json:"status"`
}

// Report is one metric snapshot produced by the runner at a resource level
// (epoch, step, elapsed time...).
type Report struct {
	Resource int                `json:"resource"`
	Metrics  map[string]float64 `json:"metrics"`
}

//////
// Methods.
//////

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == Completed || s == Stopped || s == Failed
}

// CanTransition reports whether the lifecycle allows s -> to.
func (s Status) CanTransition(to Status) bool {
	if s == to {
		return true
	}

	for _, allowed := range transitions[s] {
		if allowed == to {
			return true
		}
	}

	return false
}

// Metric returns the named value, or NaN when the report lacks it.
func (r Report) Metric(name string) float64 {
	v, ok := r.Metrics[name]
	if !ok {
		return math.NaN()
	}

	return v
}

func (r Report) clone() Report {
	metrics := make(map[string]float64, len(r.Metrics))
	for k, v := range r.Metrics {
		metrics[k] = v
	}

	return Report{Resource: r.Resource, Metrics: metrics}
}

func (t Trial) String() string {
	return fmt.Sprintf("trial %d (%s) %s", t.ID, t.Status, t.Config)
}
