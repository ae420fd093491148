package hyperband

import (
	"fmt"
	"math"

	"golang.org/x/exp/slices"
)

// dominates reports whether a Pareto-dominates b: no worse in every
// objective and strictly better in at least one. Values are lower-is-better
// and NaN counts as +Inf.
func dominates(a, b []float64) bool {
	strictly := false

	for i := range a {
		x, y := nanToInf(a[i]), nanToInf(b[i])

		if x > y {
			return false
		}

		if x < y {
			strictly = true
		}
	}

	return strictly
}

// paretoDepths returns, for every entry, the index of the non-dominated front
// it belongs to. Front 0 holds the entries no other entry dominates.
func paretoDepths(entries []scored) []int {
	depths := make([]int, len(entries))
	remaining := make([]int, len(entries))

	for i := range entries {
		remaining[i] = i
	}

	for depth := 0; len(remaining) > 0; depth++ {
		var front, rest []int

		for _, i := range remaining {
			dominated := false

			for _, j := range remaining {
				if i != j && dominates(entries[j].values, entries[i].values) {
					dominated = true

					break
				}
			}

			if dominated {
				rest = append(rest, i)
			} else {
				front = append(front, i)
			}
		}

		for _, i := range front {
			depths[i] = depth
		}

		remaining = rest
	}

	return depths
}

// paretoOrder sorts entries by front, then by trial id.
func paretoOrder(entries []scored) []scored {
	depths := paretoDepths(entries)

	depthOf := make(map[int]int, len(entries))
	for i, e := range entries {
		depthOf[e.id] = depths[i]
	}

	slices.SortFunc(entries, func(a, b scored) int {
		if d := depthOf[a.id] - depthOf[b.id]; d != 0 {
			return d
		}

		return a.id - b.id
	})

	return entries
}

func nanToInf(x float64) float64 {
	if math.IsNaN(x) {
		return math.Inf(1)
	}

	return x
}

// NewMOASHA returns an asynchronous successive halving scheduler that ranks
// trials at every rung by Pareto depth over several objectives.
func NewMOASHA(cfg HyperbandConfig) (*HyperbandScheduler, error) {
	if len(cfg.Objectives) < 2 {
		return nil, fmt.Errorf("%w: multi-objective scheduling needs at least two objectives", ErrInvalidConfig)
	}

	return newHyperband(cfg, "moasha")
}
