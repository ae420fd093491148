package hyperband

import (
	"math"
	"sync"

	"github.com/goccy/go-json"

	"github.com/thalesfsp/hyperband/internal/codec"
)

//////
// Const, vars, types.
//////

// minVariance keeps acquisition functions away from a zero denominator at
// already observed points.
const minVariance = 1e-9

// gaussianProcess is a thread-safe kernel regression model used by the
// Bayesian searcher to predict the metric of untested configurations from the
// reports seen so far.
//
// Fields:
// - mu: RWMutex for thread-safe access to all fields
// - X: Observed input points (encoded configuration plus resource fraction)
// - Y: Observed metric values, lower is better
// - sigma: Kernel width parameter controlling the smoothness of interpolation
//
// Memory usage:
// - O(n) where n is the number of observations.
type gaussianProcess struct {
	// mu protects access to all fields
	mu sync.RWMutex

	// X stores the input points. Length of inner slices must be consistent.
	X [][]float64

	// Y stores the observed values at each point in X.
	Y []float64

	// sigma is the kernel width parameter.
	sigma float64
}

// gaussianProcessState is the snapshot layout of a gaussianProcess.
type gaussianProcessState struct {
	X     [][]float64   `json:"x"`
	Y     []codec.Float `json:"y"`
	Sigma float64       `json:"sigma"`
}

//////
// Methods.
//////

// RBFKernel implements the Radial Basis Function (also known as Gaussian)
// kernel. It measures the similarity between two points in the input space,
// decreasing exponentially with distance.
//
// Mathematical formula:
//
//	k(x1, x2) = exp(-sum((x1 - x2)^2) / (2 * sigma^2))
//
// Important notes:
// - Panics if input vectors have different lengths
// - Returns 1.0 for identical points.
func (gp *gaussianProcess) RBFKernel(x1, x2 []float64) float64 {
	gp.mu.RLock()
	sigma := gp.sigma
	gp.mu.RUnlock()

	return rbf(x1, x2, sigma)
}

// Predict estimates the metric and its uncertainty at x.
//
// The mean is the kernel-weighted average of the observations. The variance
// is 1 minus the similarity to the closest observation, scaled to the spread
// of Y, so it vanishes at observed points and grows with distance.
//
// Returns (0, 1) if no observations exist.
//
// Usage example:
//
//	gp := newGaussianProcess()
//	gp.Update([]float64{0.1, 0.5}, 0.93)
//	mean, variance := gp.Predict([]float64{0.2, 0.5})
func (gp *gaussianProcess) Predict(x []float64) (mean, variance float64) {
	gp.mu.RLock()
	defer gp.mu.RUnlock()

	if len(gp.X) == 0 {
		return 0, 1
	}

	center, scale := standardization(gp.Y)

	var weighted, total, nearest float64

	for i := range gp.X {
		k := rbf(x, gp.X[i], gp.sigma)

		weighted += k * (gp.Y[i] - center) / scale
		total += k

		if k > nearest {
			nearest = k
		}
	}

	standardized := 0.0
	if total > 0 {
		standardized = weighted / total
	}

	variance = math.Max(1-nearest, minVariance) * scale * scale

	return center + standardized*scale, variance
}

// Update adds a new observation point to the model. A deep copy of x is
// stored. Non-finite values are ignored.
func (gp *gaussianProcess) Update(x []float64, y float64) {
	if math.IsNaN(y) || math.IsInf(y, 0) {
		return
	}

	gp.mu.Lock()
	defer gp.mu.Unlock()

	newX := make([]float64, len(x))
	copy(newX, x)

	gp.X = append(gp.X, newX)
	gp.Y = append(gp.Y, y)
}

// Len returns the number of observations.
func (gp *gaussianProcess) Len() int {
	gp.mu.RLock()
	defer gp.mu.RUnlock()

	return len(gp.X)
}

// Best returns the lowest observed value, or +Inf without observations.
func (gp *gaussianProcess) Best() float64 {
	gp.mu.RLock()
	defer gp.mu.RUnlock()

	best := math.Inf(1)

	for _, y := range gp.Y {
		best = math.Min(best, y)
	}

	return best
}

// SetSigma updates the kernel width parameter. Larger values mean smoother
// interpolation, smaller values more local influence.
func (gp *gaussianProcess) SetSigma(sigma float64) {
	gp.mu.Lock()
	defer gp.mu.Unlock()

	gp.sigma = sigma
}

// GetSigma returns the current kernel width parameter.
func (gp *gaussianProcess) GetSigma() float64 {
	gp.mu.RLock()
	defer gp.mu.RUnlock()

	return gp.sigma
}

// MarshalJSON implements json.Marshaler.
func (gp *gaussianProcess) MarshalJSON() ([]byte, error) {
	gp.mu.RLock()
	defer gp.mu.RUnlock()

	return json.Marshal(gaussianProcessState{X: gp.X, Y: codec.Floats(gp.Y), Sigma: gp.sigma})
}

// UnmarshalJSON implements json.Unmarshaler.
func (gp *gaussianProcess) UnmarshalJSON(b []byte) error {
	var state gaussianProcessState
	if err := json.Unmarshal(b, &state); err != nil {
		return err
	}

	if len(state.X) != len(state.Y) {
		return codec.ErrCorrupt
	}

	gp.mu.Lock()
	defer gp.mu.Unlock()

	gp.X = state.X
	gp.Y = codec.Float64s(state.Y)
	gp.sigma = state.Sigma

	return nil
}

//////
// Factory.
//////

// newGaussianProcess creates a model with sigma = 1.0, suitable for inputs
// normalized to the unit cube.
func newGaussianProcess() *gaussianProcess {
	return &gaussianProcess{
		sigma: 1.0,
	}
}

//////
// Helpers.
//////

func rbf(x1, x2 []float64, sigma float64) float64 {
	if len(x1) != len(x2) {
		panic("input vectors must have the same length")
	}

	var sum float64

	for i := range x1 {
		diff := x1[i] - x2[i]

		sum += diff * diff
	}

	return math.Exp(-sum / (2 * sigma * sigma))
}

// standardization returns the mean and standard deviation of ys. The
// deviation is 1 when ys is constant.
func standardization(ys []float64) (center, scale float64) {
	for _, y := range ys {
		center += y
	}

	center /= float64(len(ys))

	for _, y := range ys {
		scale += (y - center) * (y - center)
	}

	scale = math.Sqrt(scale / float64(len(ys)))
	if scale == 0 {
		scale = 1
	}

	return center, scale
}
