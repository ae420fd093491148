package space

import (
	"cmp"
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/thalesfsp/hyperband/internal/codec"
)

// ErrUnsupportedValue is returned for hyperparameter values outside int64,
// float64, string and bool.
var ErrUnsupportedValue = errors.New("unsupported hyperparameter value")

// Config assigns a value to every parameter of a ConfigSpace.
type Config map[string]any

// taggedValue keeps the Go type of a value across JSON, so an int64 never
// comes back as float64.
type taggedValue struct {
	Int   *int64       `json:"i,omitempty"`
	Float *codec.Float `json:"f,omitempty"`
	Str   *string      `json:"s,omitempty"`
	Bool  *bool        `json:"b,omitempty"`
}

//////
// Config.
//////

// Clone returns a shallow copy; values are immutable scalars.
func (c Config) Clone() Config {
	if c == nil {
		return nil
	}

	out := make(Config, len(c))
	for k, v := range c {
		out[k] = v
	}

	return out
}

// Keys returns the parameter names in sorted order.
func (c Config) Keys() []string {
	keys := maps.Keys(c)
	slices.Sort(keys)

	return keys
}

func (c Config) String() string {
	parts := make([]string, 0, len(c))
	for _, k := range c.Keys() {
		parts = append(parts, fmt.Sprintf("%s=%v", k, c[k]))
	}

	return "{" + strings.Join(parts, ", ") + "}"
}

// MarshalJSON writes every value with its type tag.
func (c Config) MarshalJSON() ([]byte, error) {
	tagged := make(map[string]taggedValue, len(c))

	for k, v := range c {
		n, err := Normalize(v)
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", k, err)
		}

		var tv taggedValue

		switch x := n.(type) {
		case int64:
			tv.Int = &x
		case float64:
			f := codec.Float(x)
			tv.Float = &f
		case string:
			tv.Str = &x
		case bool:
			tv.Bool = &x
		}

		tagged[k] = tv
	}

	return json.Marshal(tagged)
}

// UnmarshalJSON reads the form written by MarshalJSON.
func (c *Config) UnmarshalJSON(b []byte) error {
	var tagged map[string]taggedValue
	if err := json.Unmarshal(b, &tagged); err != nil {
		return err
	}

	if tagged == nil {
		*c = nil

		return nil
	}

	out := make(Config, len(tagged))

	for k, tv := range tagged {
		switch {
		case tv.Int != nil:
			out[k] = *tv.Int
		case tv.Float != nil:
			out[k] = float64(*tv.Float)
		case tv.Str != nil:
			out[k] = *tv.Str
		case tv.Bool != nil:
			out[k] = *tv.Bool
		default:
			return fmt.Errorf("%w: parameter %q has no value", codec.ErrCorrupt, k)
		}
	}

	*c = out

	return nil
}

//////
// Exported functionalities.
//////

// Normalize widens Go scalars to the four value types used in configs.
func Normalize(v any) (any, error) {
	switch x := v.(type) {
	case int64, float64, string, bool:
		return x, nil
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case float32:
		return float64(x), nil
	}

	return nil, fmt.Errorf("%w: %T", ErrUnsupportedValue, v)
}

// ToFloat converts a numeric value to float64.
func ToFloat(v any) (float64, bool) {
	n, err := Normalize(v)
	if err != nil {
		return 0, false
	}

	switch x := n.(type) {
	case int64:
		return float64(x), true
	case float64:
		return x, true
	}

	return 0, false
}

// Compare orders values: booleans first, then numbers, then strings.
func Compare(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return cmp.Compare(ra, rb)
	}

	switch ra {
	case 0:
		return cmp.Compare(boolInt(a.(bool)), boolInt(b.(bool)))
	case 1:
		fa, _ := ToFloat(a)
		fb, _ := ToFloat(b)

		return cmp.Compare(fa, fb)
	case 2:
		return cmp.Compare(a.(string), b.(string))
	}

	return cmp.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

// Equal reports whether two values are the same hyperparameter value.
func Equal(a, b any) bool {
	na, errA := Normalize(a)
	nb, errB := Normalize(b)

	if errA != nil || errB != nil {
		return a == b
	}

	return na == nb
}

// UniqueValues returns the distinct values of samples in ascending order.
func UniqueValues(samples []any) []any {
	out := make([]any, 0, len(samples))

	for _, s := range samples {
		if n, err := Normalize(s); err == nil {
			s = n
		}

		if !slices.ContainsFunc(out, func(v any) bool { return Equal(v, s) }) {
			out = append(out, s)
		}
	}

	slices.SortStableFunc(out, Compare)

	return out
}

//////
// Helpers.
//////

func rank(v any) int {
	n, err := Normalize(v)
	if err != nil {
		return 3
	}

	switch n.(type) {
	case bool:
		return 0
	case int64, float64:
		return 1
	default:
		return 2
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}

	return 0
}
