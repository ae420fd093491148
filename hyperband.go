package hyperband

import (
	"fmt"
	"math"
	"sync"

	"github.com/go-logr/logr"
	"github.com/goccy/go-json"
	"golang.org/x/exp/rand"

	"github.com/thalesfsp/hyperband/internal/codec"
	"github.com/thalesfsp/hyperband/space"
	"github.com/thalesfsp/hyperband/trial"
)

//////
// Const, vars, types.
//////

// HyperbandScheduler is the asynchronous Hyperband scheduler (ASHA). Trials
// are assigned to a bracket when suggested and judged at every rung of that
// bracket against the trials that reached the same rung before them, so no
// call ever waits for other trials.
type HyperbandScheduler struct {
	mu sync.Mutex

	cfg     HyperbandConfig
	kind    string
	levels  []int
	weights []float64

	// brackets[b] holds the rungs of bracket b, lowest level first. The
	// last rung is always MaxT.
	brackets [][]*rung

	registry *trial.Registry
	rng      *rand.Rand
	src      *rand.PCGSource

	// bracketOf maps a registered trial to its bracket.
	bracketOf map[int]int

	// milestone is the index of the next rung a trial has to reach within
	// its bracket. A paused trial waits at rung milestone.
	milestone map[int]int

	// pending holds suggestions not yet added by the runner.
	pending map[int]pendingTrial

	numSuggested int
	pointsUsed   int

	log     logr.Logger
	metrics *schedulerMetrics
}

type pendingTrial struct {
	Bracket int          `json:"bracket"`
	Config  space.Config `json:"config"`
}

// hyperbandState is the snapshot layout of a HyperbandScheduler.
type hyperbandState struct {
	Registry     *trial.Registry      `json:"registry"`
	RNG          []byte               `json:"rng"`
	Brackets     [][]rungState        `json:"brackets"`
	BracketOf    map[int]int          `json:"bracket_of"`
	Milestone    map[int]int          `json:"milestone"`
	Pending      map[int]pendingTrial `json:"pending"`
	NumSuggested int                  `json:"num_suggested"`
	PointsUsed   int                  `json:"points_used"`
	Searcher     json.RawMessage      `json:"searcher"`
}

//////
// Methods.
//////

// Suggest implements Scheduler.
//
// With the promotion type, a paused trial ranked within the quota of its rung
// is resumed first, highest rungs first. Otherwise a new configuration is
// drawn, from PointsToEvaluate while any remain, then from the searcher, and
// assigned to a bracket sampled with Hyperband weights.
func (s *HyperbandScheduler) Suggest(trialID int) (*Suggestion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.Type == Promotion {
		sug, err := s.promote()
		if err != nil {
			return nil, err
		}

		if sug != nil {
			s.metrics.suggestion(sug)
			s.metrics.observe(s.registry)

			return sug, nil
		}
	}

	if _, ok := s.pending[trialID]; ok || s.registry.Has(trialID) {
		return nil, fmt.Errorf("%w: %d", ErrDuplicateTrial, trialID)
	}

	if s.cfg.MaxTrials > 0 && s.numSuggested >= s.cfg.MaxTrials {
		s.log.V(1).Info("trial budget exhausted", "maxTrials", s.cfg.MaxTrials)

		return nil, nil
	}

	config, err := s.nextConfig()
	if err != nil {
		return nil, err
	}

	b := s.sampleBracket()

	s.pending[trialID] = pendingTrial{Bracket: b, Config: config.Clone()}
	s.numSuggested++

	if s.cfg.MaxResourceAttr != "" {
		config[s.cfg.MaxResourceAttr] = int64(s.budget(b, 0))
	}

	sug := NewTrialSuggestion(config)

	s.metrics.suggestion(sug)
	s.log.V(1).Info("suggested new trial", "trial", trialID, "bracket", b)

	return sug, nil
}

// OnTrialAdd implements Scheduler. A trial that was not suggested by this
// scheduler is accepted and assigned a bracket on the spot.
func (s *HyperbandScheduler) OnTrialAdd(t trial.Trial) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.registry.Has(t.ID) {
		return fmt.Errorf("%w: %d", ErrDuplicateTrial, t.ID)
	}

	p, suggested := s.pending[t.ID]
	if !suggested {
		p.Bracket = s.sampleBracket()
	}

	if err := s.registry.Add(t); err != nil {
		return err
	}

	delete(s.pending, t.ID)

	s.bracketOf[t.ID] = p.Bracket
	s.milestone[t.ID] = 0

	s.metrics.observe(s.registry)

	return nil
}

// OnTrialResult implements Scheduler.
func (s *HyperbandScheduler) OnTrialResult(t trial.Trial, report trial.Report) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	decision, err := s.onResult(t.ID, report)
	if err != nil {
		return "", err
	}

	s.metrics.decision(decision)
	s.metrics.observe(s.registry)

	sendProgress(s.cfg.ProgressChan, ProgressUpdate{
		Scheduler: s.kind,
		TrialID:   t.ID,
		Resource:  report.Resource,
		Decision:  decision,
	})

	return decision, nil
}

// OnTrialComplete implements Scheduler. The final report is processed like
// any other; a trial still running afterwards is marked completed.
func (s *HyperbandScheduler) OnTrialComplete(t trial.Trial, report trial.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.registry.Get(t.ID)
	if err != nil {
		return err
	}

	if cur.Status.Terminal() || cur.Status == trial.Paused {
		return nil
	}

	if _, err := s.onResult(t.ID, report); err != nil {
		return err
	}

	if cur, _ = s.registry.Get(t.ID); cur.Status == trial.Running {
		if err := s.registry.SetStatus(t.ID, trial.Completed); err != nil {
			return err
		}
	}

	s.metrics.observe(s.registry)

	return nil
}

// OnTrialError implements Scheduler. The trial is removed from every rung.
func (s *HyperbandScheduler) OnTrialError(t trial.Trial) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.registry.SetStatus(t.ID, trial.Failed); err != nil {
		return err
	}

	for _, r := range s.brackets[s.bracketOf[t.ID]] {
		r.remove(t.ID)
	}

	s.metrics.observe(s.registry)
	s.log.V(1).Info("trial failed", "trial", t.ID)

	return nil
}

// OnTrialRemove implements Scheduler. The trial is stopped; its rung results
// keep counting for the others.
func (s *HyperbandScheduler) OnTrialRemove(t trial.Trial) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.registry.Get(t.ID)
	if err != nil {
		return err
	}

	if cur.Status.Terminal() {
		return nil
	}

	if err := s.registry.SetStatus(t.ID, trial.Stopped); err != nil {
		return err
	}

	s.metrics.observe(s.registry)

	return nil
}

// MetricNames implements Scheduler.
func (s *HyperbandScheduler) MetricNames() []string {
	return metricNames(s.cfg.Objectives)
}

// MetricMode implements Scheduler.
func (s *HyperbandScheduler) MetricMode() []Mode {
	return metricModes(s.cfg.Objectives)
}

// Registry returns the trial registry. It is safe for concurrent reads.
func (s *HyperbandScheduler) Registry() *trial.Registry {
	return s.registry
}

// RungLevels returns the resource levels of the first bracket.
func (s *HyperbandScheduler) RungLevels() []int {
	return append([]int(nil), s.levels...)
}

// MarshalBinary implements Scheduler.
func (s *HyperbandScheduler) MarshalBinary() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rng, err := s.src.MarshalBinary()
	if err != nil {
		return nil, err
	}

	searcher, err := s.cfg.Searcher.MarshalJSON()
	if err != nil {
		return nil, err
	}

	state := hyperbandState{
		Registry:     s.registry,
		RNG:          rng,
		Brackets:     make([][]rungState, len(s.brackets)),
		BracketOf:    s.bracketOf,
		Milestone:    s.milestone,
		Pending:      s.pending,
		NumSuggested: s.numSuggested,
		PointsUsed:   s.pointsUsed,
		Searcher:     searcher,
	}

	for b, rungs := range s.brackets {
		state.Brackets[b] = make([]rungState, len(rungs))
		for k, r := range rungs {
			state.Brackets[b][k] = r.state()
		}
	}

	return codec.Encode(s.kind, state)
}

// UnmarshalBinary implements Scheduler. The receiver is left untouched when
// the snapshot is corrupt or was taken with a different bracket layout.
func (s *HyperbandScheduler) UnmarshalBinary(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := hyperbandState{Registry: trial.NewRegistry()}
	if err := codec.Decode(data, s.kind, &state); err != nil {
		return err
	}

	if len(state.Brackets) != len(s.brackets) {
		return fmt.Errorf("%w: %d brackets, want %d", codec.ErrCorrupt, len(state.Brackets), len(s.brackets))
	}

	brackets := make([][]*rung, len(s.brackets))

	for b, rungs := range s.brackets {
		if len(state.Brackets[b]) != len(rungs) {
			return fmt.Errorf("%w: bracket %d has %d rungs, want %d", codec.ErrCorrupt, b, len(state.Brackets[b]), len(rungs))
		}

		brackets[b] = make([]*rung, len(rungs))

		for k, r := range rungs {
			brackets[b][k] = newRung(r.level)
			if err := brackets[b][k].restore(state.Brackets[b][k], len(s.cfg.Objectives)); err != nil {
				return err
			}
		}
	}

	for id, b := range state.BracketOf {
		m, ok := state.Milestone[id]
		if !ok || !state.Registry.Has(id) || b < 0 || b >= len(brackets) || m < 0 || m >= len(brackets[b]) {
			return fmt.Errorf("%w: inconsistent assignment of trial %d", codec.ErrCorrupt, id)
		}
	}

	for id, p := range state.Pending {
		if p.Bracket < 0 || p.Bracket >= len(brackets) || state.Registry.Has(id) {
			return fmt.Errorf("%w: inconsistent pending trial %d", codec.ErrCorrupt, id)
		}
	}

	src := &rand.PCGSource{}
	if err := src.UnmarshalBinary(state.RNG); err != nil {
		return fmt.Errorf("%w: %v", codec.ErrCorrupt, err)
	}

	if err := s.cfg.Searcher.UnmarshalJSON(state.Searcher); err != nil {
		return fmt.Errorf("%w: %v", codec.ErrCorrupt, err)
	}

	s.brackets = brackets
	s.registry = state.Registry
	s.src = src
	s.rng = rand.New(src)
	s.bracketOf = orEmpty(state.BracketOf)
	s.milestone = orEmpty(state.Milestone)
	s.pending = orEmpty(state.Pending)
	s.numSuggested = state.NumSuggested
	s.pointsUsed = state.PointsUsed

	s.metrics.observe(s.registry)

	return nil
}

// onResult records a report and decides. Callers hold the lock.
func (s *HyperbandScheduler) onResult(id int, report trial.Report) (Decision, error) {
	if err := s.registry.RecordReport(id, report); err != nil {
		return "", err
	}

	rungs := s.brackets[s.bracketOf[id]]
	values := objectiveVector(s.cfg.Objectives, report)
	top := len(rungs) - 1

	for k := s.milestone[id]; k < top && report.Resource >= rungs[k].level; k++ {
		rungs[k].record(id, values)
		s.observe(id, rungs[k].level, values)

		if s.cfg.Type == Promotion {
			s.milestone[id] = k

			return Pause, s.registry.SetStatus(id, trial.Paused)
		}

		s.milestone[id] = k + 1

		if s.judge(rungs[k], id) == Stop {
			s.log.V(1).Info("stopping trial", "trial", id, "rung", rungs[k].level)

			return Stop, s.registry.SetStatus(id, trial.Stopped)
		}
	}

	if report.Resource >= s.cfg.MaxT {
		rungs[top].record(id, values)
		s.observe(id, rungs[top].level, values)
		s.milestone[id] = top

		return Stop, s.registry.SetStatus(id, trial.Completed)
	}

	return Continue, nil
}

// judge applies the successive halving rule to a trial that just reached r.
func (s *HyperbandScheduler) judge(r *rung, id int) Decision {
	rank, n := r.rank(id)
	if n < s.cfg.MinOccupancy {
		return Continue
	}

	if rank < quota(n, s.cfg.ReductionFactor) {
		return Continue
	}

	return Stop
}

// promote resumes the best paused trial eligible for the next rung, if any.
func (s *HyperbandScheduler) promote() (*Suggestion, error) {
	for b, rungs := range s.brackets {
		for k := len(rungs) - 2; k >= 0; k-- {
			r := rungs[k]

			n := len(r.entries)
			if n < s.cfg.MinOccupancy {
				continue
			}

			for _, e := range r.ordered()[:quota(n, s.cfg.ReductionFactor)] {
				if r.promoted[e.id] || s.milestone[e.id] != k {
					continue
				}

				t, err := s.registry.Get(e.id)
				if err != nil {
					return nil, err
				}

				if t.Status != trial.Paused {
					continue
				}

				if err := s.registry.SetStatus(e.id, trial.Running); err != nil {
					return nil, err
				}

				r.promoted[e.id] = true
				s.milestone[e.id] = k + 1

				config := t.Config
				if s.cfg.MaxResourceAttr != "" {
					config[s.cfg.MaxResourceAttr] = int64(s.budget(b, k+1))
				}

				s.log.V(1).Info("promoting trial", "trial", e.id, "bracket", b, "rung", rungs[k+1].level)

				return ResumeSuggestion(e.id, config), nil
			}
		}
	}

	return nil, nil
}

// nextConfig draws the configuration of a new trial.
func (s *HyperbandScheduler) nextConfig() (space.Config, error) {
	if s.pointsUsed < len(s.cfg.PointsToEvaluate) {
		point := s.cfg.PointsToEvaluate[s.pointsUsed]
		s.pointsUsed++

		return s.cfg.ConfigSpace.Complete(point, s.rng), nil
	}

	return s.cfg.Searcher.Suggest(s.cfg.ConfigSpace, s.rng)
}

// sampleBracket draws a bracket with probability proportional to its weight.
func (s *HyperbandScheduler) sampleBracket() int {
	if len(s.weights) == 1 {
		return 0
	}

	u := s.rng.Float64()

	for b, w := range s.weights {
		if u < w {
			return b
		}

		u -= w
	}

	return len(s.weights) - 1
}

// budget is the resource a trial of bracket b should run to when it starts
// at rung k.
func (s *HyperbandScheduler) budget(b, k int) int {
	if s.cfg.Type == Stopping {
		return s.cfg.MaxT
	}

	return s.brackets[b][k].level
}

// observe feeds the searcher with the first objective.
func (s *HyperbandScheduler) observe(id, level int, values []float64) {
	t, err := s.registry.Get(id)
	if err != nil {
		return
	}

	s.cfg.Searcher.Observe(s.cfg.ConfigSpace, t.Config, float64(level)/float64(s.cfg.MaxT), values[0])
}

//////
// Factory.
//////

// NewHyperband returns an asynchronous Hyperband scheduler. With one
// objective trials are ranked by value, with several by Pareto depth.
//
// Usage example:
//
//	cfg := DefaultHyperbandConfig()
//	cfg.ConfigSpace = cs
//	cfg.Objectives = SingleObjective("loss", Min)
//	cfg.MaxT = 10
//	s, err := NewHyperband(cfg)
func NewHyperband(cfg HyperbandConfig) (*HyperbandScheduler, error) {
	kind := "asha"
	if len(cfg.Objectives) > 1 {
		kind = "moasha"
	}

	return newHyperband(cfg, kind)
}

func newHyperband(cfg HyperbandConfig, kind string) (*HyperbandScheduler, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	rng, src := newRNG(cfg.Seed)

	s := &HyperbandScheduler{
		cfg:       cfg,
		kind:      kind,
		levels:    rungLevels(cfg.GracePeriod, cfg.MaxT, cfg.ReductionFactor),
		registry:  trial.NewRegistry(),
		rng:       rng,
		src:       src,
		bracketOf: make(map[int]int),
		milestone: make(map[int]int),
		pending:   make(map[int]pendingTrial),
		log:       cfg.Logger.WithName(kind),
		metrics:   newSchedulerMetrics(cfg.Registerer, kind),
	}

	s.brackets = make([][]*rung, cfg.Brackets)
	s.weights = make([]float64, cfg.Brackets)

	var total float64

	for b := range s.brackets {
		levels := s.levels[b:]

		s.brackets[b] = make([]*rung, len(levels))
		for k, level := range levels {
			s.brackets[b][k] = newRung(level)
		}

		n := float64(len(levels))
		s.weights[b] = math.Pow(cfg.ReductionFactor, n-1) / n
		total += s.weights[b]
	}

	for b := range s.weights {
		s.weights[b] /= total
	}

	s.log.Info("scheduler ready", "type", cfg.Type, "levels", s.levels, "brackets", cfg.Brackets)

	return s, nil
}

//////
// Helpers.
//////

func orEmpty[K comparable, V any](m map[K]V) map[K]V {
	if m == nil {
		return make(map[K]V)
	}

	return m
}
