package trial

import (
	"fmt"
	"sync"

	"github.com/goccy/go-json"

	"github.com/thalesfsp/hyperband/internal/codec"
)

// Registry owns every trial a scheduler has seen. Trials are never removed,
// only transitioned.
type Registry struct {
	mu     sync.RWMutex
	trials map[int]*entry
	order  []int
}

type entry struct {
	trial   Trial
	history []Report
}

// registryState is the explicit snapshot layout of a Registry.
type registryState struct {
	Trials []entryState `json:"trials"`
}

type entryState struct {
	Trial   Trial         `json:"trial"`
	History []reportState `json:"history"`
}

type reportState struct {
	Resource int                    `json:"resource"`
	Metrics  map[string]codec.Float `json:"metrics"`
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{trials: make(map[int]*entry)}
}

// Add registers t as PENDING.
func (r *Registry) Add(t Trial) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.trials[t.ID]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicateTrial, t.ID)
	}

	t.Config = t.Config.Clone()
	t.Status = Pending

	r.trials[t.ID] = &entry{trial: t}
	r.order = append(r.order, t.ID)

	return nil
}

// Has reports whether id is registered.
func (r *Registry) Has(id int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.trials[id]

	return ok
}

// Get returns a copy of the trial record.
func (r *Registry) Get(id int) (Trial, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.trials[id]
	if !ok {
		return Trial{}, fmt.Errorf("%w: %d", ErrUnknownTrial, id)
	}

	t := e.trial
	t.Config = t.Config.Clone()

	return t, nil
}

// RecordReport appends a report to the trial's history. The trial must be
// PENDING or RUNNING; a PENDING trial becomes RUNNING.
func (r *Registry) RecordReport(id int, report Report) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.trials[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownTrial, id)
	}

	if e.trial.Status != Pending && e.trial.Status != Running {
		return fmt.Errorf("%w: trial %d is %s", ErrTrialNotActive, id, e.trial.Status)
	}

	e.trial.Status = Running
	e.history = append(e.history, report.clone())

	return nil
}

// SetStatus moves the trial to status, validating the transition.
func (r *Registry) SetStatus(id int, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.trials[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownTrial, id)
	}

	if !e.trial.Status.CanTransition(status) {
		return fmt.Errorf("%w: trial %d %s -> %s", ErrIllegalTransition, id, e.trial.Status, status)
	}

	e.trial.Status = status

	return nil
}

// History returns the reports of a trial in arrival order.
func (r *Registry) History(id int) ([]Report, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.trials[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTrial, id)
	}

	out := make([]Report, len(e.history))
	for i, report := range e.history {
		out[i] = report.clone()
	}

	return out, nil
}

// IDs returns the registered ids in registration order.
func (r *Registry) IDs() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]int(nil), r.order...)
}

// Len returns the number of registered trials.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.order)
}

// Count returns the number of trials currently in status.
func (r *Registry) Count(status Status) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0

	for _, e := range r.trials {
		if e.trial.Status == status {
			n++
		}
	}

	return n
}

// MarshalJSON writes the registry in registration order.
func (r *Registry) MarshalJSON() ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	state := registryState{Trials: make([]entryState, 0, len(r.order))}

	for _, id := range r.order {
		e := r.trials[id]
		es := entryState{Trial: e.trial, History: make([]reportState, len(e.history))}

		for i, report := range e.history {
			metrics := make(map[string]codec.Float, len(report.Metrics))
			for k, v := range report.Metrics {
				metrics[k] = codec.Float(v)
			}

			es.History[i] = reportState{Resource: report.Resource, Metrics: metrics}
		}

		state.Trials = append(state.Trials, es)
	}

	return json.Marshal(state)
}

// UnmarshalJSON replaces the registry content with a snapshot.
func (r *Registry) UnmarshalJSON(b []byte) error {
	var state registryState
	if err := json.Unmarshal(b, &state); err != nil {
		return err
	}

	trials := make(map[int]*entry, len(state.Trials))
	order := make([]int, 0, len(state.Trials))

	for _, es := range state.Trials {
		if _, dup := trials[es.Trial.ID]; dup {
			return fmt.Errorf("%w: trial %d appears twice", codec.ErrCorrupt, es.Trial.ID)
		}

		e := &entry{trial: es.Trial, history: make([]Report, len(es.History))}

		for i, rs := range es.History {
			metrics := make(map[string]float64, len(rs.Metrics))
			for k, v := range rs.Metrics {
				metrics[k] = float64(v)
			}

			e.history[i] = Report{Resource: rs.Resource, Metrics: metrics}
		}

		trials[es.Trial.ID] = e
		order = append(order, es.Trial.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.trials = trials
	r.order = order

	return nil
}
