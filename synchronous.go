package hyperband

import (
	"fmt"
	"math"
	"sync"

	"github.com/go-logr/logr"
	"github.com/goccy/go-json"
	"golang.org/x/exp/rand"
	"golang.org/x/exp/slices"

	"github.com/thalesfsp/hyperband/internal/codec"
	"github.com/thalesfsp/hyperband/space"
	"github.com/thalesfsp/hyperband/trial"
)

//////
// Const, vars, types.
//////

// syncKind is the snapshot and metrics name of the synchronous scheduler.
const syncKind = "hyperband-sync"

// SynchronousHyperbandScheduler is the synchronous geometric Hyperband
// scheduler. Every bracket fills a rung with a fixed number of jobs, waits
// for all of them, then resumes the best ones at the next rung. Suggestions
// are handed out in batches of BatchSize, and a new batch is refused until
// every trial of the previous one reported a decision or failed.
type SynchronousHyperbandScheduler struct {
	mu sync.Mutex

	cfg    SynchronousConfig
	levels []int

	registry *trial.Registry
	rng      *rand.Rand
	src      *rand.PCGSource

	// brackets are the active bracket instances in creation order.
	brackets      []*syncBracket
	nextBracketID int
	started       int

	bracketOf map[int]int
	pending   map[int]space.Config

	issued      int
	outstanding map[int]bool
	pointsUsed  int

	log     logr.Logger
	metrics *schedulerMetrics
}

// syncBracket is one running instance of a bracket type. Only its current
// rung is materialized.
type syncBracket struct {
	id   int
	kind int
	rung int
	size int

	// queue lists the trials to resume at the current rung, best first.
	// Empty at the first rung, where every job is a new trial.
	queue []int

	// jobs are the trials handed out at the current rung.
	jobs []int

	results map[int][]float64
	failed  map[int]bool
}

type syncBracketState struct {
	ID      int          `json:"id"`
	Kind    int          `json:"kind"`
	Rung    int          `json:"rung"`
	Size    int          `json:"size"`
	Queue   []int        `json:"queue,omitempty"`
	Jobs    []int        `json:"jobs,omitempty"`
	Results []entryState `json:"results,omitempty"`
	Failed  []int        `json:"failed,omitempty"`
}

// synchronousState is the snapshot layout of a SynchronousHyperbandScheduler.
type synchronousState struct {
	Registry      *trial.Registry      `json:"registry"`
	RNG           []byte               `json:"rng"`
	Brackets      []syncBracketState   `json:"brackets"`
	NextBracketID int                  `json:"next_bracket_id"`
	Started       int                  `json:"started"`
	BracketOf     map[int]int          `json:"bracket_of"`
	Pending       map[int]space.Config `json:"pending"`
	Issued        int                  `json:"issued"`
	Outstanding   []int                `json:"outstanding,omitempty"`
	PointsUsed    int                  `json:"points_used"`
	Searcher      json.RawMessage      `json:"searcher"`
}

//////
// Methods.
//////

// Suggest implements Scheduler. The next job is taken from the oldest active
// bracket with an unassigned job at its current rung; when there is none, a
// new bracket is started, cycling through bracket types. It fails with
// ErrBatchBarrier when a full batch was issued and some of its trials have
// not been resolved yet.
func (s *SynchronousHyperbandScheduler) Suggest(trialID int) (*Suggestion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.issued == s.cfg.BatchSize {
		if len(s.outstanding) > 0 {
			return nil, fmt.Errorf("%w: %d trials of the current batch have not reported", ErrBatchBarrier, len(s.outstanding))
		}

		s.issued = 0
	}

	var b *syncBracket

	for _, active := range s.brackets {
		if len(active.jobs) < active.size {
			b = active

			break
		}
	}

	if b == nil {
		b = s.startBracket()
	}

	sug, err := s.handOut(b, trialID)
	if err != nil {
		return nil, err
	}

	s.issued++
	s.metrics.suggestion(sug)
	s.metrics.observe(s.registry)

	return sug, nil
}

// OnTrialAdd implements Scheduler. Only trials suggested by this scheduler
// can be added.
func (s *SynchronousHyperbandScheduler) OnTrialAdd(t trial.Trial) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pending[t.ID]; !ok {
		return fmt.Errorf("%w: %d", ErrNotSuggested, t.ID)
	}

	if err := s.registry.Add(t); err != nil {
		return err
	}

	delete(s.pending, t.ID)

	s.metrics.observe(s.registry)

	return nil
}

// OnTrialResult implements Scheduler.
//
// A report below the rung level yields CONTINUE. At the rung level, a trial
// of the last rung completes. The report closing a rung pauses the trial
// when it is promoted and stops it otherwise; an earlier report stops it
// when enough results already rank before it to fill the next rung, and
// pauses it if not.
func (s *SynchronousHyperbandScheduler) OnTrialResult(t trial.Trial, report trial.Report) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	decision, err := s.onResult(t.ID, report)
	if err != nil {
		return "", err
	}

	s.metrics.decision(decision)
	s.metrics.observe(s.registry)

	sendProgress(s.cfg.ProgressChan, ProgressUpdate{
		Scheduler: syncKind,
		TrialID:   t.ID,
		Resource:  report.Resource,
		Decision:  decision,
	})

	return decision, nil
}

// OnTrialComplete implements Scheduler. A trial that completes before its
// rung level is excluded from the rung like a failed one.
func (s *SynchronousHyperbandScheduler) OnTrialComplete(t trial.Trial, report trial.Report) error {
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

		s.exclude(t.ID)
	}

	s.metrics.observe(s.registry)

	return nil
}

// OnTrialError implements Scheduler. The trial is excluded from ranking and
// counts as resolved for the batch barrier.
func (s *SynchronousHyperbandScheduler) OnTrialError(t trial.Trial) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.registry.SetStatus(t.ID, trial.Failed); err != nil {
		return err
	}

	s.exclude(t.ID)
	s.metrics.observe(s.registry)
	s.log.V(1).Info("trial failed", "trial", t.ID)

	return nil
}

// OnTrialRemove implements Scheduler. The trial is stopped and excluded like
// a failed one.
func (s *SynchronousHyperbandScheduler) OnTrialRemove(t trial.Trial) error {
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

	s.exclude(t.ID)
	s.metrics.observe(s.registry)

	return nil
}

// MetricNames implements Scheduler.
func (s *SynchronousHyperbandScheduler) MetricNames() []string {
	return metricNames(s.cfg.Objectives)
}

// MetricMode implements Scheduler.
func (s *SynchronousHyperbandScheduler) MetricMode() []Mode {
	return metricModes(s.cfg.Objectives)
}

// Registry returns the trial registry. It is safe for concurrent reads.
func (s *SynchronousHyperbandScheduler) Registry() *trial.Registry {
	return s.registry
}

// RungSizes returns the number of jobs at every rung of bracket type kind.
func (s *SynchronousHyperbandScheduler) RungSizes(kind int) []int {
	levels := s.levels[kind:]

	sizes := make([]int, len(levels))
	for j := range levels {
		sizes[j] = s.nominal(kind, j)
	}

	return sizes
}

// MarshalBinary implements Scheduler.
func (s *SynchronousHyperbandScheduler) MarshalBinary() ([]byte, error) {
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

	state := synchronousState{
		Registry:      s.registry,
		RNG:           rng,
		Brackets:      make([]syncBracketState, len(s.brackets)),
		NextBracketID: s.nextBracketID,
		Started:       s.started,
		BracketOf:     s.bracketOf,
		Pending:       s.pending,
		Issued:        s.issued,
		Outstanding:   sortedKeys(s.outstanding),
		PointsUsed:    s.pointsUsed,
		Searcher:      searcher,
	}

	for i, b := range s.brackets {
		state.Brackets[i] = b.state()
	}

	return codec.Encode(syncKind, state)
}

// UnmarshalBinary implements Scheduler. The receiver is left untouched when
// the snapshot is corrupt or does not fit the configured levels.
func (s *SynchronousHyperbandScheduler) UnmarshalBinary(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := synchronousState{Registry: trial.NewRegistry()}
	if err := codec.Decode(data, syncKind, &state); err != nil {
		return err
	}

	ids := make(map[int]bool, len(state.Brackets))
	brackets := make([]*syncBracket, len(state.Brackets))

	for i, bs := range state.Brackets {
		if bs.Kind < 0 || bs.Kind >= s.cfg.Brackets || bs.Rung < 0 || bs.Rung >= len(s.levels)-bs.Kind || ids[bs.ID] {
			return fmt.Errorf("%w: bracket %d does not fit the configured levels", codec.ErrCorrupt, bs.ID)
		}

		b, err := restoreSyncBracket(bs, len(s.cfg.Objectives))
		if err != nil {
			return err
		}

		ids[bs.ID] = true
		brackets[i] = b
	}

	if state.Issued < 0 || state.Issued > s.cfg.BatchSize {
		return fmt.Errorf("%w: %d trials issued in a batch of %d", codec.ErrCorrupt, state.Issued, s.cfg.BatchSize)
	}

	src := &rand.PCGSource{}
	if err := src.UnmarshalBinary(state.RNG); err != nil {
		return fmt.Errorf("%w: %v", codec.ErrCorrupt, err)
	}

	if err := s.cfg.Searcher.UnmarshalJSON(state.Searcher); err != nil {
		return fmt.Errorf("%w: %v", codec.ErrCorrupt, err)
	}

	s.registry = state.Registry
	s.src = src
	s.rng = rand.New(src)
	s.brackets = brackets
	s.nextBracketID = state.NextBracketID
	s.started = state.Started
	s.bracketOf = orEmpty(state.BracketOf)
	s.pending = orEmpty(state.Pending)
	s.issued = state.Issued
	s.pointsUsed = state.PointsUsed

	s.outstanding = make(map[int]bool, len(state.Outstanding))
	for _, id := range state.Outstanding {
		s.outstanding[id] = true
	}

	s.metrics.observe(s.registry)

	return nil
}

// onResult records a report and decides. Callers hold the lock.
func (s *SynchronousHyperbandScheduler) onResult(id int, report trial.Report) (Decision, error) {
	if err := s.registry.RecordReport(id, report); err != nil {
		return "", err
	}

	// Every running trial holds a job at the current rung of its bracket.
	b := s.bracket(id)
	if b == nil || !slices.Contains(b.jobs, id) {
		return "", fmt.Errorf("%w: trial %d has no job at a current rung", ErrNotSuggested, id)
	}

	level := s.levels[b.kind+b.rung]
	if report.Resource < level {
		return Continue, nil
	}

	values := objectiveVector(s.cfg.Objectives, report)

	b.results[id] = values
	delete(s.outstanding, id)
	s.observe(id, level, values)

	last := b.rung == len(s.levels)-b.kind-1
	closing := !last && b.collected()

	decision, status := Pause, trial.Paused

	switch {
	case last:
		decision, status = Stop, trial.Completed
	case closing:
		// This report closes the rung, so the promotion queue decides.
		s.advance(b)

		if !slices.Contains(b.queue, id) {
			decision, status = Stop, trial.Stopped
		}
	case s.ahead(b, id) >= s.nominal(b.kind, b.rung+1):
		decision, status = Stop, trial.Stopped
	}

	if err := s.registry.SetStatus(id, status); err != nil {
		return "", err
	}

	if !closing {
		s.advance(b)
	}

	return decision, nil
}

// ahead counts the results of the current rung that rank before id and keep
// doing so as more results arrive. With one objective these are the better values
// and the equal ones of a lower id. With several they are the results
// dominating id, each of which sits on a shallower Pareto front.
func (s *SynchronousHyperbandScheduler) ahead(b *syncBracket, id int) int {
	mine := b.results[id]

	n := 0

	for other, values := range b.results {
		if other == id {
			continue
		}

		if len(mine) > 1 {
			if dominates(values, mine) {
				n++
			}

			continue
		}

		if c := compareScalar(values[0], mine[0]); c < 0 || (c == 0 && other < id) {
			n++
		}
	}

	return n
}

// handOut assigns the next job of b's current rung.
func (s *SynchronousHyperbandScheduler) handOut(b *syncBracket, trialID int) (*Suggestion, error) {
	level := s.levels[b.kind+b.rung]

	if b.rung > 0 {
		id := b.queue[len(b.jobs)]

		t, err := s.registry.Get(id)
		if err != nil {
			return nil, err
		}

		if err := s.registry.SetStatus(id, trial.Running); err != nil {
			return nil, err
		}

		b.jobs = append(b.jobs, id)
		s.outstanding[id] = true

		config := t.Config
		if s.cfg.MaxResourceAttr != "" {
			config[s.cfg.MaxResourceAttr] = int64(level)
		}

		s.log.V(1).Info("resuming trial", "trial", id, "bracket", b.id, "rung", level)

		return ResumeSuggestion(id, config), nil
	}

	if _, ok := s.pending[trialID]; ok || s.registry.Has(trialID) {
		return nil, fmt.Errorf("%w: %d", ErrDuplicateTrial, trialID)
	}

	config, err := s.nextConfig()
	if err != nil {
		return nil, err
	}

	s.pending[trialID] = config.Clone()
	s.bracketOf[trialID] = b.id
	b.jobs = append(b.jobs, trialID)
	s.outstanding[trialID] = true

	if s.cfg.MaxResourceAttr != "" {
		config[s.cfg.MaxResourceAttr] = int64(level)
	}

	s.log.V(1).Info("suggested new trial", "trial", trialID, "bracket", b.id, "rung", level)

	return NewTrialSuggestion(config), nil
}

// advance closes the current rung of b once all its jobs are resolved, and
// drops b when its last rung closed or nobody is left to promote.
func (s *SynchronousHyperbandScheduler) advance(b *syncBracket) {
	if !b.collected() {
		return
	}

	last := len(s.levels) - b.kind - 1
	if b.rung == last {
		s.drop(b)

		return
	}

	ranked := make([]scored, 0, len(b.results))
	for id, values := range b.results {
		ranked = append(ranked, scored{id: id, values: values})
	}

	ranked = order(ranked)

	next := min(s.nominal(b.kind, b.rung+1), len(ranked))

	queue := make([]int, 0, next)
	for i, e := range ranked {
		if i < next {
			queue = append(queue, e.id)

			continue
		}

		if t, err := s.registry.Get(e.id); err == nil && t.Status == trial.Paused {
			_ = s.registry.SetStatus(e.id, trial.Stopped)
		}
	}

	s.log.V(1).Info("rung closed", "bracket", b.id, "rung", s.levels[b.kind+b.rung], "promoted", queue)

	b.rung++
	b.size = next
	b.queue = queue
	b.jobs = nil
	b.results = make(map[int][]float64)
	b.failed = make(map[int]bool)

	if next == 0 {
		s.drop(b)
	}
}

// exclude removes a failed or removed trial from its bracket.
func (s *SynchronousHyperbandScheduler) exclude(id int) {
	delete(s.outstanding, id)

	b := s.bracket(id)
	if b == nil {
		return
	}

	switch {
	case slices.Contains(b.jobs, id):
		delete(b.results, id)
		b.failed[id] = true
	default:
		if i := slices.Index(b.queue, id); i >= len(b.jobs) {
			b.queue = slices.Delete(b.queue, i, i+1)
			b.size--
		}
	}

	s.advance(b)
}

func (s *SynchronousHyperbandScheduler) startBracket() *syncBracket {
	kind := s.started % s.cfg.Brackets

	b := &syncBracket{
		id:      s.nextBracketID,
		kind:    kind,
		size:    s.nominal(kind, 0),
		results: make(map[int][]float64),
		failed:  make(map[int]bool),
	}

	s.nextBracketID++
	s.started++
	s.brackets = append(s.brackets, b)

	s.log.V(1).Info("bracket started", "bracket", b.id, "kind", kind, "sizes", s.RungSizes(kind))

	return b
}

func (s *SynchronousHyperbandScheduler) drop(b *syncBracket) {
	s.brackets = slices.DeleteFunc(s.brackets, func(other *syncBracket) bool {
		return other.id == b.id
	})
}

// bracket returns the active bracket of a trial, or nil.
func (s *SynchronousHyperbandScheduler) bracket(id int) *syncBracket {
	bid, ok := s.bracketOf[id]
	if !ok {
		return nil
	}

	for _, b := range s.brackets {
		if b.id == bid {
			return b
		}
	}

	return nil
}

// nominal is the number of jobs at rung j of bracket type kind.
func (s *SynchronousHyperbandScheduler) nominal(kind, j int) int {
	rungs := len(s.levels) - kind

	return int(math.Ceil(math.Pow(s.cfg.ReductionFactor, float64(rungs-1-j))))
}

func (s *SynchronousHyperbandScheduler) nextConfig() (space.Config, error) {
	if s.pointsUsed < len(s.cfg.PointsToEvaluate) {
		point := s.cfg.PointsToEvaluate[s.pointsUsed]
		s.pointsUsed++

		return s.cfg.ConfigSpace.Complete(point, s.rng), nil
	}

	return s.cfg.Searcher.Suggest(s.cfg.ConfigSpace, s.rng)
}

func (s *SynchronousHyperbandScheduler) observe(id, level int, values []float64) {
	t, err := s.registry.Get(id)
	if err != nil {
		return
	}

	s.cfg.Searcher.Observe(s.cfg.ConfigSpace, t.Config, float64(level)/float64(s.cfg.MaxT), values[0])
}

// collected reports whether every job of the current rung was handed out
// and resolved.
func (b *syncBracket) collected() bool {
	return len(b.jobs) >= b.size && len(b.results)+len(b.failed) >= b.size
}

func (b *syncBracket) state() syncBracketState {
	st := syncBracketState{
		ID:     b.id,
		Kind:   b.kind,
		Rung:   b.rung,
		Size:   b.size,
		Queue:  b.queue,
		Jobs:   b.jobs,
		Failed: sortedKeys(b.failed),
	}

	ids := make([]int, 0, len(b.results))
	for id := range b.results {
		ids = append(ids, id)
	}

	slices.Sort(ids)

	for _, id := range ids {
		st.Results = append(st.Results, entryState{TrialID: id, Values: codec.Floats(b.results[id])})
	}

	return st
}

//////
// Factory.
//////

// NewSynchronousHyperband returns a synchronous Hyperband scheduler.
//
// Usage example:
//
//	cfg := DefaultSynchronousConfig()
//	cfg.ConfigSpace = cs
//	cfg.Objectives = SingleObjective("loss", Min)
//	cfg.MaxT = 27
//	cfg.BatchSize = 4
//	s, err := NewSynchronousHyperband(cfg)
func NewSynchronousHyperband(cfg SynchronousConfig) (*SynchronousHyperbandScheduler, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	rng, src := newRNG(cfg.Seed)

	s := &SynchronousHyperbandScheduler{
		cfg:         cfg,
		levels:      rungLevels(cfg.GracePeriod, cfg.MaxT, cfg.ReductionFactor),
		registry:    trial.NewRegistry(),
		rng:         rng,
		src:         src,
		bracketOf:   make(map[int]int),
		pending:     make(map[int]space.Config),
		outstanding: make(map[int]bool),
		log:         cfg.Logger.WithName(syncKind),
		metrics:     newSchedulerMetrics(cfg.Registerer, syncKind),
	}

	s.log.Info("scheduler ready", "levels", s.levels, "brackets", cfg.Brackets, "batchSize", cfg.BatchSize)

	return s, nil
}

//////
// Helpers.
//////

func restoreSyncBracket(st syncBracketState, width int) (*syncBracket, error) {
	if st.Size < 0 || len(st.Jobs) > st.Size || (st.Rung > 0 && len(st.Queue) != st.Size) {
		return nil, fmt.Errorf("%w: bracket %d has inconsistent jobs", codec.ErrCorrupt, st.ID)
	}

	b := &syncBracket{
		id:      st.ID,
		kind:    st.Kind,
		rung:    st.Rung,
		size:    st.Size,
		queue:   st.Queue,
		jobs:    st.Jobs,
		results: make(map[int][]float64, len(st.Results)),
		failed:  make(map[int]bool, len(st.Failed)),
	}

	for _, e := range st.Results {
		if len(e.Values) != width || !slices.Contains(b.jobs, e.TrialID) {
			return nil, fmt.Errorf("%w: bracket %d has an invalid result for trial %d", codec.ErrCorrupt, st.ID, e.TrialID)
		}

		b.results[e.TrialID] = codec.Float64s(e.Values)
	}

	for _, id := range st.Failed {
		b.failed[id] = true
	}

	return b, nil
}
