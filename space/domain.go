package space

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"golang.org/x/exp/constraints"
	"golang.org/x/exp/rand"
)

//////
// Const, vars, types.
//////

var (
	// ErrDegenerateBox is returned when a restriction leaves an empty range.
	ErrDegenerateBox = errors.New("degenerate bounding box")

	// ErrNotNumeric is returned when restricting a domain without bounds.
	ErrNotNumeric = errors.New("domain is not numeric")

	// ErrInvalidDomain is returned by validation of a malformed domain.
	ErrInvalidDomain = errors.New("invalid domain")
)

// Domain is the sampling specification of one hyperparameter.
type Domain interface {
	// Sample draws one value. Values are int64, float64, string or bool.
	Sample(r *rand.Rand) any

	// Cardinality returns the number of distinct values and whether that
	// number is finite.
	Cardinality() (n int, finite bool)

	// Contains reports whether v is a value this domain can produce.
	Contains(v any) bool

	String() string
}

// Numeric is a Domain with lower and upper bounds that can be narrowed.
type Numeric interface {
	Domain

	// Bounds returns the inclusive range as float64.
	Bounds() (lower, upper float64)

	// IsLog reports whether values are sampled on a log scale.
	IsLog() bool

	restrict(lower, upper float64) (Domain, error)
}

// Categorical is a finite ordered set of opaque values.
type Categorical struct {
	Categories []any
}

// FloatRange is a continuous interval [Lower, Upper].
type FloatRange struct {
	Lower float64
	Upper float64
	Log   bool
}

// IntRange is the integer interval [Lower, Upper], both inclusive.
type IntRange struct {
	Lower int64
	Upper int64
	Log   bool
}

// Constant always yields Value.
type Constant struct {
	Value any
}

//////
// Factory.
//////

// Choice declares a categorical domain. Go integer and float32 values are
// widened to int64 and float64.
func Choice(values ...any) Categorical {
	categories := make([]any, len(values))
	for i, v := range values {
		if n, err := Normalize(v); err == nil {
			categories[i] = n
		} else {
			categories[i] = v
		}
	}

	return Categorical{Categories: categories}
}

// Uniform declares a continuous range sampled uniformly.
func Uniform(lower, upper float64) FloatRange {
	return FloatRange{Lower: lower, Upper: upper}
}

// LogUniform declares a continuous range sampled uniformly in log space.
func LogUniform(lower, upper float64) FloatRange {
	return FloatRange{Lower: lower, Upper: upper, Log: true}
}

// RandInt declares an integer range, both ends inclusive.
func RandInt(lower, upper int64) IntRange {
	return IntRange{Lower: lower, Upper: upper}
}

// LogRandInt declares an integer range sampled uniformly in log space.
func LogRandInt(lower, upper int64) IntRange {
	return IntRange{Lower: lower, Upper: upper, Log: true}
}

// Const declares a fixed value.
func Const(v any) Constant {
	if n, err := Normalize(v); err == nil {
		return Constant{Value: n}
	}

	return Constant{Value: v}
}

//////
// Categorical.
//////

func (c Categorical) Sample(r *rand.Rand) any {
	return c.Categories[r.Intn(len(c.Categories))]
}

func (c Categorical) Cardinality() (int, bool) { return len(c.Categories), true }

func (c Categorical) Contains(v any) bool {
	for _, category := range c.Categories {
		if Equal(category, v) {
			return true
		}
	}

	return false
}

func (c Categorical) String() string {
	parts := make([]string, len(c.Categories))
	for i, v := range c.Categories {
		parts[i] = fmt.Sprint(v)
	}

	return "choice(" + strings.Join(parts, ", ") + ")"
}

//////
// FloatRange.
//////

func (f FloatRange) Sample(r *rand.Rand) any {
	if f.Lower == f.Upper {
		return f.Lower
	}

	if f.Log {
		lo, hi := math.Log(f.Lower), math.Log(f.Upper)

		return clamp(math.Exp(lo+r.Float64()*(hi-lo)), f.Lower, f.Upper)
	}

	return clamp(f.Lower+r.Float64()*(f.Upper-f.Lower), f.Lower, f.Upper)
}

func (f FloatRange) Cardinality() (int, bool) {
	if f.Lower == f.Upper {
		return 1, true
	}

	return 0, false
}

func (f FloatRange) Contains(v any) bool {
	x, ok := ToFloat(v)

	return ok && x >= f.Lower && x <= f.Upper
}

func (f FloatRange) Bounds() (float64, float64) { return f.Lower, f.Upper }

func (f FloatRange) IsLog() bool { return f.Log }

func (f FloatRange) String() string {
	if f.Log {
		return fmt.Sprintf("loguniform(%g, %g)", f.Lower, f.Upper)
	}

	return fmt.Sprintf("uniform(%g, %g)", f.Lower, f.Upper)
}

func (f FloatRange) restrict(lower, upper float64) (Domain, error) {
	lower = math.Max(lower, f.Lower)
	upper = math.Min(upper, f.Upper)

	if math.IsNaN(lower) || math.IsNaN(upper) || lower > upper {
		return nil, fmt.Errorf("%w: [%g, %g] within %s", ErrDegenerateBox, lower, upper, f)
	}

	return FloatRange{Lower: lower, Upper: upper, Log: f.Log}, nil
}

//////
// IntRange.
//////

func (i IntRange) Sample(r *rand.Rand) any {
	if i.Log {
		lo, hi := math.Log(float64(i.Lower)), math.Log(float64(i.Upper)+1)

		f := math.Floor(math.Exp(lo + r.Float64()*(hi-lo)))
		if f >= math.MaxInt64 {
			return i.Upper
		}

		return clamp(int64(f), i.Lower, i.Upper)
	}

	// Offsets wrap around, so the full int64 range is sampled as well.
	width := i.width()
	if width == 0 {
		return int64(r.Uint64())
	}

	return i.Lower + int64(r.Uint64n(width))
}

// Cardinality reports a range too wide for an int as infinite.
func (i IntRange) Cardinality() (int, bool) {
	width := i.width()
	if width == 0 || width > math.MaxInt {
		return 0, false
	}

	return int(width), true
}

// width is the number of values in the range, 0 when it spans every int64.
func (i IntRange) width() uint64 {
	return uint64(i.Upper) - uint64(i.Lower) + 1
}

func (i IntRange) Contains(v any) bool {
	x, ok := v.(int64)

	return ok && x >= i.Lower && x <= i.Upper
}

func (i IntRange) Bounds() (float64, float64) { return float64(i.Lower), float64(i.Upper) }

func (i IntRange) IsLog() bool { return i.Log }

func (i IntRange) String() string {
	if i.Log {
		return fmt.Sprintf("lograndint(%d, %d)", i.Lower, i.Upper)
	}

	return fmt.Sprintf("randint(%d, %d)", i.Lower, i.Upper)
}

func (i IntRange) restrict(lower, upper float64) (Domain, error) {
	if math.IsNaN(lower) || math.IsNaN(upper) {
		return nil, fmt.Errorf("%w: NaN bound within %s", ErrDegenerateBox, i)
	}

	lo := max(int64(math.Ceil(lower)), i.Lower)
	hi := min(int64(math.Floor(upper)), i.Upper)

	if lo > hi {
		return nil, fmt.Errorf("%w: [%d, %d] within %s", ErrDegenerateBox, lo, hi, i)
	}

	return IntRange{Lower: lo, Upper: hi, Log: i.Log}, nil
}

//////
// Constant.
//////

func (c Constant) Sample(*rand.Rand) any { return c.Value }

func (c Constant) Cardinality() (int, bool) { return 1, true }

func (c Constant) Contains(v any) bool { return Equal(c.Value, v) }

func (c Constant) String() string { return fmt.Sprint(c.Value) }

//////
// Exported functionalities.
//////

// Restrict narrows a numeric domain to [lower, upper] intersected with its
// current bounds, keeping the log-scale flag. It fails with ErrNotNumeric for
// categorical or constant domains and with ErrDegenerateBox when the result
// is empty; callers are expected to keep the original domain in that case.
func Restrict(d Domain, lower, upper float64) (Domain, error) {
	n, ok := d.(Numeric)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotNumeric, d)
	}

	return n.restrict(lower, upper)
}

// Validate checks that a domain can be sampled.
func Validate(d Domain) error {
	switch v := d.(type) {
	case Categorical:
		if len(v.Categories) == 0 {
			return fmt.Errorf("%w: empty choice", ErrInvalidDomain)
		}

		for _, c := range v.Categories {
			if _, err := Normalize(c); err != nil {
				return err
			}
		}
	case FloatRange:
		if math.IsNaN(v.Lower) || math.IsNaN(v.Upper) || v.Lower > v.Upper {
			return fmt.Errorf("%w: %s", ErrInvalidDomain, v)
		}

		if v.Log && v.Lower <= 0 {
			return fmt.Errorf("%w: %s needs a positive lower bound", ErrInvalidDomain, v)
		}
	case IntRange:
		if v.Lower > v.Upper {
			return fmt.Errorf("%w: %s", ErrInvalidDomain, v)
		}

		if v.Log && v.Lower <= 0 {
			return fmt.Errorf("%w: %s needs a positive lower bound", ErrInvalidDomain, v)
		}
	case Constant:
		if _, err := Normalize(v.Value); err != nil {
			return err
		}
	case nil:
		return fmt.Errorf("%w: nil domain", ErrInvalidDomain)
	}

	return nil
}

//////
// Helpers.
//////

func clamp[T constraints.Integer | constraints.Float](v, lower, upper T) T {
	return min(max(v, lower), upper)
}
