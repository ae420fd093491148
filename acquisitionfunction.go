package hyperband

import (
	"math"

	"golang.org/x/exp/rand"
)

//////
// Available acquisition functions for the Bayesian searcher.
// Each one scores a candidate from the model prediction, balancing
// exploration (uncertain areas) and exploitation (known good areas).
// Lower scores are better: the searcher picks the minimum.
//////

// AcquisitionFunc scores a candidate from its predicted mean and variance.
type AcquisitionFunc func(mean, variance float64, params AcquisitionParams) float64

// AcquisitionParams holds the knobs of the acquisition functions.
type AcquisitionParams struct {
	// BestSoFar is the lowest value observed so far.
	BestSoFar float64

	// Beta is the exploration weight of LCB.
	Beta float64

	// Xi is the minimum improvement PI and EI look for.
	Xi float64

	// RandomState feeds ThompsonSampling.
	RandomState *rand.Rand
}

// LCB implements the Lower Confidence Bound acquisition function, the
// minimization form of UCB.
//
// How it works:
// - Combines the predicted mean with the uncertainty
// - The Beta parameter controls the trade-off between exploration and
// exploitation
//
// Example:
//
//	params := AcquisitionParams{Beta: 2.0}
//	score := LCB(0.5, 0.2, params)
func LCB(mean, variance float64, params AcquisitionParams) float64 {
	return mean - params.Beta*math.Sqrt(variance)
}

// ProbabilityOfImprovement scores a candidate by the negated probability that
// it improves on BestSoFar by at least Xi.
//
// When to use:
// - When you want to be conservative in exploring new points
// - When "probably better" matters more than "how much better"
func ProbabilityOfImprovement(mean, variance float64, params AcquisitionParams) float64 {
	z := (params.BestSoFar - params.Xi - mean) / math.Sqrt(variance)

	return -normalCDF(z)
}

// ExpectedImprovement scores a candidate by the negated expected improvement
// over BestSoFar. It weighs both how likely and how large the improvement
// might be, and is the most commonly used function.
func ExpectedImprovement(mean, variance float64, params AcquisitionParams) float64 {
	sigma := math.Sqrt(variance)
	improvement := params.BestSoFar - params.Xi - mean

	z := improvement / sigma

	return -(improvement*normalCDF(z) + sigma*normalPDF(z))
}

// ThompsonSampling draws one sample from the predictive distribution.
//
// Warning:
// - RandomState must be set. The searcher sets it to the scheduler's
// generator so draws stay reproducible.
func ThompsonSampling(mean, variance float64, params AcquisitionParams) float64 {
	return mean + math.Sqrt(variance)*params.RandomState.NormFloat64()
}

// acquisitionFuncs maps names, as used by the CLI and snapshots, to functions.
var acquisitionFuncs = map[string]AcquisitionFunc{
	"lcb":      LCB,
	"pi":       ProbabilityOfImprovement,
	"ei":       ExpectedImprovement,
	"thompson": ThompsonSampling,
}
