// Package space declares hyperparameter search spaces: the domain of every
// parameter, sampling of complete configurations, restriction of numeric
// ranges and the YAML declaration format.
package space

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/elliotchance/orderedmap/v2"
	"golang.org/x/exp/rand"
)

// ErrDuplicateParameter is returned when a parameter is declared twice.
var ErrDuplicateParameter = errors.New("duplicate parameter")

// ConfigSpace maps parameter names to domains in declaration order. The
// order matters: sampling draws from the RNG one parameter at a time, so a
// fixed order keeps samples reproducible for a given seed.
type ConfigSpace struct {
	params *orderedmap.OrderedMap[string, Domain]
}

// New creates an empty ConfigSpace.
func New() *ConfigSpace {
	return &ConfigSpace{params: orderedmap.NewOrderedMap[string, Domain]()}
}

// Add declares a parameter.
func (cs *ConfigSpace) Add(name string, d Domain) error {
	if name == "" {
		return fmt.Errorf("%w: empty parameter name", ErrInvalidDomain)
	}

	if _, ok := cs.params.Get(name); ok {
		return fmt.Errorf("%w: %q", ErrDuplicateParameter, name)
	}

	if err := Validate(d); err != nil {
		return fmt.Errorf("parameter %q: %w", name, err)
	}

	cs.params.Set(name, d)

	return nil
}

// MustAdd is Add for static declarations; it panics on error.
func (cs *ConfigSpace) MustAdd(name string, d Domain) *ConfigSpace {
	if err := cs.Add(name, d); err != nil {
		panic(err)
	}

	return cs
}

// Get returns the domain of a parameter.
func (cs *ConfigSpace) Get(name string) (Domain, bool) {
	return cs.params.Get(name)
}

// Names returns the parameter names in declaration order.
func (cs *ConfigSpace) Names() []string {
	return cs.params.Keys()
}

// Len returns the number of parameters.
func (cs *ConfigSpace) Len() int {
	return cs.params.Len()
}

// Each calls fn for every parameter in declaration order.
func (cs *ConfigSpace) Each(fn func(name string, d Domain)) {
	for el := cs.params.Front(); el != nil; el = el.Next() {
		fn(el.Key, el.Value)
	}
}

// Sample draws a complete configuration.
func (cs *ConfigSpace) Sample(r *rand.Rand) Config {
	return cs.Complete(nil, r)
}

// Complete fills the parameters missing from partial by sampling them. The
// values already present are kept.
func (cs *ConfigSpace) Complete(partial Config, r *rand.Rand) Config {
	out := make(Config, cs.Len())

	cs.Each(func(name string, d Domain) {
		if v, ok := partial[name]; ok {
			if n, err := Normalize(v); err == nil {
				v = n
			}

			out[name] = v

			return
		}

		out[name] = d.Sample(r)
	})

	return out
}

// Contains reports whether c assigns an in-domain value to every parameter.
func (cs *ConfigSpace) Contains(c Config) bool {
	ok := true

	cs.Each(func(name string, d Domain) {
		v, present := c[name]
		if !present || !d.Contains(v) {
			ok = false
		}
	})

	return ok
}

// Size returns the number of distinct configurations, and false when it is
// infinite or does not fit in an int.
func (cs *ConfigSpace) Size() (int, bool) {
	size := 1
	finite := true

	cs.Each(func(_ string, d Domain) {
		if !finite {
			return
		}

		n, ok := d.Cardinality()
		if !ok || (n > 0 && size > math.MaxInt/n) {
			finite = false

			return
		}

		size *= n
	})

	if !finite {
		return 0, false
	}

	return size, true
}

// Clone copies the parameter table.
func (cs *ConfigSpace) Clone() *ConfigSpace {
	return &ConfigSpace{params: cs.params.Copy()}
}

func (cs *ConfigSpace) String() string {
	parts := make([]string, 0, cs.Len())

	cs.Each(func(name string, d Domain) {
		parts = append(parts, name+": "+d.String())
	})

	return "{" + strings.Join(parts, ", ") + "}"
}
