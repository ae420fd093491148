package hyperband

import (
	"fmt"
	"math"
	"strings"

	"github.com/goccy/go-json"
	"golang.org/x/exp/rand"

	"github.com/thalesfsp/hyperband/space"
)

//////
// Const, vars, types.
//////

// Searcher proposes configurations for new trials. Schedulers decide when
// trials run; searchers decide what they run. A searcher holds state, so each
// scheduler needs its own instance.
type Searcher interface {
	// Suggest draws a complete configuration from cs. All randomness must
	// come from r so schedulers stay reproducible.
	Suggest(cs *space.ConfigSpace, r *rand.Rand) (space.Config, error)

	// Observe feeds back a lower-is-better value reached by config at the
	// given fraction of the maximum resource.
	Observe(cs *space.ConfigSpace, config space.Config, fidelity, value float64)

	json.Marshaler
	json.Unmarshaler
}

// RandomSearcher samples every hyperparameter independently.
type RandomSearcher struct{}

// BayesOptConfig configures a BayesOptSearcher.
type BayesOptConfig struct {
	// InitialSamples is the number of observations before the model is
	// used. Until then configurations are sampled at random.
	InitialSamples int

	// NumCandidates is the number of random candidates scored per
	// suggestion.
	NumCandidates int

	// Acquisition is one of "lcb", "pi", "ei" or "thompson".
	Acquisition string

	// AcqParams holds Beta and Xi. BestSoFar and RandomState are managed by
	// the searcher.
	AcqParams AcquisitionParams
}

// BayesOptSearcher scores random candidates with a kernel regression model
// of the reports seen so far and picks the best according to an acquisition
// function. Candidates are evaluated at the full resource.
type BayesOptSearcher struct {
	cfg BayesOptConfig
	acq AcquisitionFunc
	gp  *gaussianProcess
}

type bayesOptState struct {
	Model *gaussianProcess `json:"model"`
}

//////
// Methods.
//////

// Suggest implements Searcher.
func (s *RandomSearcher) Suggest(cs *space.ConfigSpace, r *rand.Rand) (space.Config, error) {
	return cs.Sample(r), nil
}

// Observe implements Searcher. Random search ignores feedback.
func (s *RandomSearcher) Observe(*space.ConfigSpace, space.Config, float64, float64) {}

// MarshalJSON implements json.Marshaler.
func (s *RandomSearcher) MarshalJSON() ([]byte, error) {
	return []byte("{}"), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *RandomSearcher) UnmarshalJSON([]byte) error {
	return nil
}

// Suggest implements Searcher.
//
// How it works:
// 1. Takes InitialSamples random samples to build an initial model
// 2. Then, for each suggestion:
//   - Generates NumCandidates random candidates
//   - Predicts each candidate's value at the full resource
//   - Returns the candidate with the lowest acquisition score
func (s *BayesOptSearcher) Suggest(cs *space.ConfigSpace, r *rand.Rand) (space.Config, error) {
	if s.gp.Len() < s.cfg.InitialSamples {
		return cs.Sample(r), nil
	}

	params := s.cfg.AcqParams
	params.BestSoFar = s.gp.Best()
	params.RandomState = r

	var next space.Config

	bestAcquisition := math.Inf(1)

	for j := 0; j < s.cfg.NumCandidates; j++ {
		candidate := cs.Sample(r)

		mean, variance := s.gp.Predict(features(cs, candidate, 1))

		acquisition := s.acq(mean, variance, params)
		if next == nil || acquisition < bestAcquisition {
			bestAcquisition = acquisition
			next = candidate
		}
	}

	return next, nil
}

// Observe implements Searcher.
func (s *BayesOptSearcher) Observe(cs *space.ConfigSpace, config space.Config, fidelity, value float64) {
	s.gp.Update(features(cs, config, fidelity), value)
}

// MarshalJSON implements json.Marshaler.
func (s *BayesOptSearcher) MarshalJSON() ([]byte, error) {
	return json.Marshal(bayesOptState{Model: s.gp})
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *BayesOptSearcher) UnmarshalJSON(b []byte) error {
	state := bayesOptState{Model: newGaussianProcess()}
	if err := json.Unmarshal(b, &state); err != nil {
		return err
	}

	s.gp = state.Model

	return nil
}

//////
// Factory.
//////

// DefaultBayesOptConfig returns a default configuration.
func DefaultBayesOptConfig() BayesOptConfig {
	return BayesOptConfig{
		InitialSamples: 5,
		NumCandidates:  50,
		Acquisition:    "lcb",
		AcqParams: AcquisitionParams{
			Beta: 2.0,
			Xi:   0.01,
		},
	}
}

// NewRandomSearcher returns a random searcher.
func NewRandomSearcher() *RandomSearcher {
	return &RandomSearcher{}
}

// NewBayesOptSearcher returns a model-based searcher.
func NewBayesOptSearcher(cfg BayesOptConfig) (*BayesOptSearcher, error) {
	acq, ok := acquisitionFuncs[cfg.Acquisition]
	if !ok {
		return nil, fmt.Errorf("%w: unknown acquisition function %q", ErrInvalidConfig, cfg.Acquisition)
	}

	if cfg.NumCandidates < 1 {
		return nil, fmt.Errorf("%w: NumCandidates must be positive", ErrInvalidConfig)
	}

	return &BayesOptSearcher{cfg: cfg, acq: acq, gp: newGaussianProcess()}, nil
}

// NewSearcher builds a searcher by name: "random" or "bayesopt". The
// acquisition function of "bayesopt" can be chosen with a suffix, as in
// "bayesopt-ei".
func NewSearcher(name string) (Searcher, error) {
	if name == "" || name == "random" {
		return NewRandomSearcher(), nil
	}

	cfg := DefaultBayesOptConfig()

	switch {
	case name == "bayesopt":
	case strings.HasPrefix(name, "bayesopt-"):
		cfg.Acquisition = strings.TrimPrefix(name, "bayesopt-")
	default:
		return nil, fmt.Errorf("%w: unknown searcher %q", ErrInvalidConfig, name)
	}

	return NewBayesOptSearcher(cfg)
}

//////
// Helpers.
//////

// features encodes config into the unit cube, one coordinate per
// non-constant hyperparameter in space order, followed by the fidelity.
func features(cs *space.ConfigSpace, config space.Config, fidelity float64) []float64 {
	out := make([]float64, 0, cs.Len()+1)

	cs.Each(func(name string, d space.Domain) {
		switch d := d.(type) {
		case space.Numeric:
			out = append(out, unitScale(d, config[name]))
		case space.Categorical:
			out = append(out, categoryPosition(d, config[name]))
		}
	})

	return append(out, fidelity)
}

func unitScale(d space.Numeric, v any) float64 {
	x, ok := space.ToFloat(v)
	if !ok {
		return 0.5
	}

	lower, upper := d.Bounds()
	if d.IsLog() {
		lower, upper, x = math.Log(lower), math.Log(upper), math.Log(x)
	}

	if upper <= lower {
		return 0.5
	}

	return clampUnit((x - lower) / (upper - lower))
}

func categoryPosition(d space.Categorical, v any) float64 {
	if len(d.Categories) < 2 {
		return 0
	}

	for i, c := range d.Categories {
		if space.Equal(c, v) {
			return float64(i) / float64(len(d.Categories)-1)
		}
	}

	return 0.5
}
