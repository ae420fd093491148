package main

import (
	"math"

	"golang.org/x/exp/rand"

	"github.com/thalesfsp/hyperband/space"
)

// objective computes the metrics a simulated trial reports at a resource
// level.
type objective func(config space.Config, resource int) map[string]float64

// syntheticObjective returns a deterministic objective over cs. Metric i is
// the squared distance of the configuration, mapped to the unit cube, to a
// target that differs per metric, plus a learning-curve term that decays
// with the resource. Several metrics therefore conflict, which gives
// multi-objective schedulers a real Pareto front.
func syntheticObjective(cs *space.ConfigSpace, metrics []string) objective {
	return func(config space.Config, resource int) map[string]float64 {
		coords := unitCoordinates(cs, config)
		out := make(map[string]float64, len(metrics))

		for i, name := range metrics {
			target := float64(i+1) / float64(len(metrics)+1)

			var dist float64
			for _, c := range coords {
				dist += (c - target) * (c - target)
			}

			if len(coords) > 0 {
				dist /= float64(len(coords))
			}

			out[name] = dist + 1/math.Sqrt(float64(resource))
		}

		return out
	}
}

// unitCoordinates maps every non-constant hyperparameter of config into
// [0, 1]: numbers by their position in the bounds (log scaled when the
// domain is), categories by their index.
func unitCoordinates(cs *space.ConfigSpace, config space.Config) []float64 {
	var out []float64

	cs.Each(func(name string, d space.Domain) {
		switch d := d.(type) {
		case space.Numeric:
			x, ok := space.ToFloat(config[name])
			if !ok {
				return
			}

			lower, upper := d.Bounds()
			if d.IsLog() {
				lower, upper, x = math.Log(lower), math.Log(upper), math.Log(x)
			}

			if upper > lower {
				out = append(out, (x-lower)/(upper-lower))
			}
		case space.Categorical:
			if len(d.Categories) < 2 {
				return
			}

			for i, c := range d.Categories {
				if space.Equal(c, config[name]) {
					out = append(out, float64(i)/float64(len(d.Categories)-1))
				}
			}
		}
	})

	return out
}

// newRand returns a generator seeded with seed.
func newRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewSource(seed))
}
