package hyperband

import (
	"fmt"
	"math"

	"golang.org/x/exp/slices"

	"github.com/thalesfsp/hyperband/internal/codec"
	"github.com/thalesfsp/hyperband/trial"
)

//////
// Const, vars, types.
//////

// scored is one trial's normalized objective vector at a rung. Every
// component is lower-is-better; NaN marks a missing or invalid metric.
type scored struct {
	id     int
	values []float64
}

// rung is one resource milestone of an asynchronous bracket. It keeps the
// first report of every trial that reached the level, and which of those
// trials were already promoted to the next rung.
type rung struct {
	level    int
	entries  map[int][]float64
	promoted map[int]bool
}

type rungState struct {
	Level    int          `json:"level"`
	Entries  []entryState `json:"entries"`
	Promoted []int        `json:"promoted,omitempty"`
}

type entryState struct {
	TrialID int           `json:"trial_id"`
	Values  []codec.Float `json:"values"`
}

//////
// Methods.
//////

// record stores the first report of id at this rung. It returns false when
// id was already recorded.
func (r *rung) record(id int, values []float64) bool {
	if _, ok := r.entries[id]; ok {
		return false
	}

	r.entries[id] = values

	return true
}

// remove drops every trace of id, used when the trial failed.
func (r *rung) remove(id int) {
	delete(r.entries, id)
	delete(r.promoted, id)
}

// ordered returns the rung's entries best first.
func (r *rung) ordered() []scored {
	out := make([]scored, 0, len(r.entries))
	for id, values := range r.entries {
		out = append(out, scored{id: id, values: values})
	}

	return order(out)
}

// rank returns the 0-based position of id and the occupancy of the rung.
func (r *rung) rank(id int) (int, int) {
	for i, s := range r.ordered() {
		if s.id == id {
			return i, len(r.entries)
		}
	}

	return -1, len(r.entries)
}

func (r *rung) state() rungState {
	st := rungState{Level: r.level, Entries: make([]entryState, 0, len(r.entries))}

	// Deterministic output keeps snapshots byte-stable.
	for _, s := range r.ordered() {
		st.Entries = append(st.Entries, entryState{TrialID: s.id, Values: codec.Floats(s.values)})
	}

	st.Promoted = sortedKeys(r.promoted)

	return st
}

func (r *rung) restore(st rungState, width int) error {
	if st.Level != r.level {
		return fmt.Errorf("%w: rung level %d, want %d", codec.ErrCorrupt, st.Level, r.level)
	}

	fresh := newRung(r.level)

	for _, e := range st.Entries {
		if len(e.Values) != width {
			return fmt.Errorf("%w: trial %d has %d objective values, want %d", codec.ErrCorrupt, e.TrialID, len(e.Values), width)
		}

		if !fresh.record(e.TrialID, codec.Float64s(e.Values)) {
			return fmt.Errorf("%w: trial %d recorded twice at rung %d", codec.ErrCorrupt, e.TrialID, r.level)
		}
	}

	for _, id := range st.Promoted {
		fresh.promoted[id] = true
	}

	*r = *fresh

	return nil
}

//////
// Factory.
//////

func newRung(level int) *rung {
	return &rung{
		level:    level,
		entries:  make(map[int][]float64),
		promoted: make(map[int]bool),
	}
}

//////
// Helpers.
//////

// rungLevels returns the milestones r_min * eta^k below maxT, followed by
// maxT itself.
func rungLevels(gracePeriod, maxT int, eta float64) []int {
	var levels []int

	for k := 0; ; k++ {
		level := int(math.Round(float64(gracePeriod) * math.Pow(eta, float64(k))))
		if level >= maxT {
			break
		}

		if len(levels) == 0 || level > levels[len(levels)-1] {
			levels = append(levels, level)
		}
	}

	return append(levels, maxT)
}

// quota is the number of trials allowed through a rung holding n entries.
func quota(n int, eta float64) int {
	return int(math.Ceil(float64(n) / eta))
}

// objectiveVector extracts and normalizes the tracked metrics of a report.
func objectiveVector(objectives []Objective, report trial.Report) []float64 {
	out := make([]float64, len(objectives))
	for i, o := range objectives {
		out[i] = report.Metric(o.Name) * o.Mode.sign()
	}

	return out
}

// order sorts entries best first. A single objective is compared directly,
// NaN last; several objectives are ordered by non-dominated depth. Ties go to
// the lower trial id.
func order(entries []scored) []scored {
	if len(entries) == 0 {
		return entries
	}

	if len(entries[0].values) > 1 {
		return paretoOrder(entries)
	}

	slices.SortFunc(entries, func(a, b scored) int {
		if c := compareScalar(a.values[0], b.values[0]); c != 0 {
			return c
		}

		return a.id - b.id
	})

	return entries
}

// compareScalar orders two lower-is-better values with NaN worst.
func compareScalar(a, b float64) int {
	aNaN, bNaN := math.IsNaN(a), math.IsNaN(b)

	switch {
	case aNaN && bNaN:
		return 0
	case aNaN:
		return 1
	case bNaN:
		return -1
	case a < b:
		return -1
	case a > b:
		return 1
	}

	return 0
}

func sortedKeys(m map[int]bool) []int {
	out := make([]int, 0, len(m))
	for k, ok := range m {
		if ok {
			out = append(out, k)
		}
	}

	slices.Sort(out)

	return out
}
