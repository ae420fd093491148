// Package codec holds the snapshot wire helpers shared by the registry and the
// schedulers: a JSON envelope tagged with the producing kind, snappy framing,
// and a float type that survives NaN and infinities.
package codec

import (
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/golang/snappy"
)

//////
// Const, vars, types.
//////

// Version is the snapshot layout version written into every envelope.
const Version = 1

// ErrCorrupt is returned when a snapshot cannot be decoded.
var ErrCorrupt = errors.New("corrupt snapshot")

// Float is a float64 whose JSON form keeps NaN and infinities.
type Float float64

type envelope struct {
	Kind    string          `json:"kind"`
	Version int             `json:"version"`
	State   json.RawMessage `json:"state"`
}

//////
// Methods.
//////

// MarshalJSON writes finite values as numbers and the rest as strings.
func (f Float) MarshalJSON() ([]byte, error) {
	v := float64(f)

	switch {
	case math.IsNaN(v):
		return []byte(`"NaN"`), nil
	case math.IsInf(v, 1):
		return []byte(`"+Inf"`), nil
	case math.IsInf(v, -1):
		return []byte(`"-Inf"`), nil
	}

	return strconv.AppendFloat(nil, v, 'g', -1, 64), nil
}

// UnmarshalJSON reads either representation written by MarshalJSON.
func (f *Float) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}

		switch s {
		case "NaN":
			*f = Float(math.NaN())
		case "+Inf":
			*f = Float(math.Inf(1))
		case "-Inf":
			*f = Float(math.Inf(-1))
		default:
			return fmt.Errorf("%w: invalid float %q", ErrCorrupt, s)
		}

		return nil
	}

	v, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	*f = Float(v)

	return nil
}

//////
// Exported functionalities.
//////

// Floats converts a float64 slice to its snapshot form.
func Floats(in []float64) []Float {
	out := make([]Float, len(in))
	for i, v := range in {
		out[i] = Float(v)
	}

	return out
}

// Float64s converts a snapshot slice back to float64.
func Float64s(in []Float) []float64 {
	out := make([]float64, len(in))
	for i, v := range in {
		out[i] = float64(v)
	}

	return out
}

// Encode serializes state inside an envelope for kind and compresses it.
func Encode(kind string, state any) ([]byte, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("encode %s state: %w", kind, err)
	}

	b, err := json.Marshal(envelope{Kind: kind, Version: Version, State: raw})
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", kind, err)
	}

	return snappy.Encode(nil, b), nil
}

// Decode reverses Encode. Any failure, including a kind or version mismatch,
// is reported as ErrCorrupt and leaves state in an unspecified but unused
// condition: callers decode into a fresh value and swap on success.
func Decode(data []byte, kind string, state any) error {
	b, err := snappy.Decode(nil, data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	if env.Kind != kind {
		return fmt.Errorf("%w: snapshot of %q cannot restore %q", ErrCorrupt, env.Kind, kind)
	}

	if env.Version != Version {
		return fmt.Errorf("%w: unsupported version %d", ErrCorrupt, env.Version)
	}

	if err := json.Unmarshal(env.State, state); err != nil {
		if errors.Is(err, ErrCorrupt) {
			return err
		}

		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	return nil
}
