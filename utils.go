package hyperband

import (
	"math"

	"golang.org/x/exp/rand"
)

//////
// Helper functions.
//////

// Helper function used by PI and EI to compute the cumulative distribution
// function of the standard normal distribution.
//
// Returns:
// - Probability that a standard normal random variable is less than x.
func normalCDF(x float64) float64 {
	return 0.5 * (1.0 + math.Erf(x/math.Sqrt2))
}

// Helper function used by EI to compute the probability density function
// of the standard normal distribution.
//
// Returns:
// - Value of the standard normal PDF at x.
func normalPDF(x float64) float64 {
	return math.Exp(-x*x/2.0) / math.Sqrt(2.0*math.Pi)
}

func clampUnit(x float64) float64 {
	return math.Min(1, math.Max(0, x))
}

// newRNG returns a generator together with its source, which is what
// snapshots serialize.
//
// Important notes:
// - The PCG source state is 16 bytes and fully determines the sequence
// - The returned Rand is not safe for concurrent use; schedulers only touch
// it under their own lock.
func newRNG(seed uint64) (*rand.Rand, *rand.PCGSource) {
	src := &rand.PCGSource{}
	src.Seed(seed)

	return rand.New(src), src
}

// sendProgress forwards an update without ever blocking the scheduler. The
// update is dropped when the channel is full.
func sendProgress(ch chan<- ProgressUpdate, update ProgressUpdate) {
	if ch == nil {
		return
	}

	select {
	case ch <- update:
	default:
		// Skip update if channel is full.
	}
}
