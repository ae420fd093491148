package space

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// domainSpec is the YAML form of one parameter:
//
//	learning_rate:
//	  type: loguniform
//	  lower: 0.0001
//	  upper: 0.1
//	optimizer:
//	  type: choice
//	  values: [adam, sgd]
//	epochs:
//	  type: const
//	  value: 100
type domainSpec struct {
	Type   string   `yaml:"type"`
	Lower  *float64 `yaml:"lower,omitempty"`
	Upper  *float64 `yaml:"upper,omitempty"`
	Values []any    `yaml:"values,omitempty"`
	Value  any      `yaml:"value,omitempty"`
}

// LoadFile reads a YAML config-space declaration from disk.
func LoadFile(path string) (*ConfigSpace, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cs, err := ParseYAML(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return cs, nil
}

// ParseYAML decodes a config-space declaration. Parameters keep the order in
// which they appear in the document.
func ParseYAML(b []byte) (*ConfigSpace, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, err
	}

	cs := New()

	if len(doc.Content) == 0 {
		return cs, nil
	}

	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: config space must be a mapping", ErrInvalidDomain)
	}

	for i := 0; i+1 < len(root.Content); i += 2 {
		name := root.Content[i].Value
		node := root.Content[i+1]

		var d Domain

		if node.Kind == yaml.ScalarNode {
			var v any
			if err := node.Decode(&v); err != nil {
				return nil, fmt.Errorf("parameter %q: %w", name, err)
			}

			d = Const(v)
		} else {
			var spec domainSpec
			if err := node.Decode(&spec); err != nil {
				return nil, fmt.Errorf("parameter %q: %w", name, err)
			}

			var err error
			if d, err = spec.domain(); err != nil {
				return nil, fmt.Errorf("parameter %q: %w", name, err)
			}
		}

		if err := cs.Add(name, d); err != nil {
			return nil, err
		}
	}

	return cs, nil
}

// MarshalYAML writes the declaration form read by ParseYAML.
func (cs *ConfigSpace) MarshalYAML() (any, error) {
	root := &yaml.Node{Kind: yaml.MappingNode}

	var err error

	cs.Each(func(name string, d Domain) {
		if err != nil {
			return
		}

		spec, specErr := specOf(d)
		if specErr != nil {
			err = fmt.Errorf("parameter %q: %w", name, specErr)

			return
		}

		value := &yaml.Node{}
		if err = value.Encode(spec); err != nil {
			return
		}

		root.Content = append(root.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: name}, value)
	})

	if err != nil {
		return nil, err
	}

	return root, nil
}

func (s domainSpec) bounds() (float64, float64, error) {
	if s.Lower == nil || s.Upper == nil {
		return 0, 0, fmt.Errorf("%w: %s needs lower and upper", ErrInvalidDomain, s.Type)
	}

	return *s.Lower, *s.Upper, nil
}

func (s domainSpec) domain() (Domain, error) {
	switch s.Type {
	case "choice", "categorical":
		return Choice(s.Values...), nil
	case "const", "constant":
		return Const(s.Value), nil
	case "uniform", "loguniform":
		lower, upper, err := s.bounds()
		if err != nil {
			return nil, err
		}

		return FloatRange{Lower: lower, Upper: upper, Log: s.Type == "loguniform"}, nil
	case "randint", "lograndint":
		lower, upper, err := s.bounds()
		if err != nil {
			return nil, err
		}

		if lower != math.Trunc(lower) || upper != math.Trunc(upper) {
			return nil, fmt.Errorf("%w: %s bounds must be integers", ErrInvalidDomain, s.Type)
		}

		return IntRange{Lower: int64(lower), Upper: int64(upper), Log: s.Type == "lograndint"}, nil
	}

	return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidDomain, s.Type)
}

func specOf(d Domain) (domainSpec, error) {
	switch v := d.(type) {
	case Categorical:
		return domainSpec{Type: "choice", Values: v.Categories}, nil
	case Constant:
		return domainSpec{Type: "const", Value: v.Value}, nil
	case FloatRange:
		spec := domainSpec{Type: "uniform", Lower: &v.Lower, Upper: &v.Upper}
		if v.Log {
			spec.Type = "loguniform"
		}

		return spec, nil
	case IntRange:
		lower, upper := float64(v.Lower), float64(v.Upper)
		spec := domainSpec{Type: "randint", Lower: &lower, Upper: &upper}

		if v.Log {
			spec.Type = "lograndint"
		}

		return spec, nil
	}

	return domainSpec{}, fmt.Errorf("%w: %T has no declaration form", ErrInvalidDomain, d)
}
