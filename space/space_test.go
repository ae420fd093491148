package space

import (
	"math"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
	"gopkg.in/yaml.v3"
)

func testSpace() *ConfigSpace {
	return New().
		MustAdd("steps", Const(100)).
		MustAdd("x", RandInt(0, 20)).
		MustAdd("y", Uniform(0, 1)).
		MustAdd("z", Choice("a", "b", "c"))
}

func TestSampleContainsEveryKey(t *testing.T) {
	cs := testSpace()
	r := rand.New(rand.NewSource(7))

	for i := 0; i < 200; i++ {
		c := cs.Sample(r)
		assert.Len(t, c, 4)
		assert.True(t, cs.Contains(c), "sample %v outside space", c)
	}
}

func TestSampleIsReproducible(t *testing.T) {
	cs := testSpace()

	a := cs.Sample(rand.New(rand.NewSource(42)))
	b := cs.Sample(rand.New(rand.NewSource(42)))

	assert.Equal(t, a, b)
}

func TestLogDomainsStayInBounds(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	lf := LogUniform(1e-4, 1e-1)
	li := LogRandInt(1, 1024)

	for i := 0; i < 500; i++ {
		assert.True(t, lf.Contains(lf.Sample(r)))
		assert.True(t, li.Contains(li.Sample(r)))
	}
}

func TestCardinalityAndSize(t *testing.T) {
	n, finite := RandInt(0, 20).Cardinality()
	assert.True(t, finite)
	assert.Equal(t, 21, n)

	_, finite = Uniform(0, 1).Cardinality()
	assert.False(t, finite)

	n, finite = Uniform(2, 2).Cardinality()
	assert.True(t, finite)
	assert.Equal(t, 1, n)

	_, finite = testSpace().Size()
	assert.False(t, finite)

	cs := New().MustAdd("x", RandInt(0, 20)).MustAdd("z", Choice("a", "b", "c")).MustAdd("c", Const("k"))
	size, finite := cs.Size()
	assert.True(t, finite)
	assert.Equal(t, 63, size)
}

func TestWideIntRanges(t *testing.T) {
	r := rand.New(rand.NewSource(3))

	for _, d := range []IntRange{
		RandInt(0, math.MaxInt64),
		RandInt(math.MinInt64, math.MaxInt64),
		RandInt(math.MinInt64, 0),
		LogRandInt(1, math.MaxInt64),
	} {
		cs := New()
		require.NoError(t, cs.Add("n", d), d)

		for i := 0; i < 100; i++ {
			c := cs.Sample(r)
			assert.True(t, cs.Contains(c), "%s sampled %v", d, c)
		}
	}

	// Wider than an int counts as infinite.
	for _, d := range []IntRange{RandInt(0, math.MaxInt64), RandInt(math.MinInt64, math.MaxInt64)} {
		_, finite := d.Cardinality()
		assert.False(t, finite, d)

		_, finite = New().MustAdd("n", d).Size()
		assert.False(t, finite, d)
	}

	n, finite := RandInt(math.MaxInt64-1, math.MaxInt64).Cardinality()
	assert.True(t, finite)
	assert.Equal(t, 2, n)
}

func TestRestrict(t *testing.T) {
	tests := []struct {
		name    string
		domain  Domain
		lower   float64
		upper   float64
		want    Domain
		wantErr error
	}{
		{name: "float", domain: Uniform(0, 1), lower: 0.2, upper: 0.5, want: Uniform(0.2, 0.5)},
		{name: "log kept", domain: LogUniform(1e-4, 1), lower: 1e-3, upper: 1e-2, want: LogUniform(1e-3, 1e-2)},
		{name: "int rounds inward", domain: RandInt(0, 20), lower: 2.5, upper: 7.5, want: RandInt(3, 7)},
		{name: "intersects original", domain: RandInt(0, 20), lower: -5, upper: 50, want: RandInt(0, 20)},
		{name: "degenerate float", domain: Uniform(0, 1), lower: 0.7, upper: 0.3, wantErr: ErrDegenerateBox},
		{name: "degenerate int", domain: RandInt(0, 20), lower: 3.2, upper: 3.8, wantErr: ErrDegenerateBox},
		{name: "categorical", domain: Choice("a"), lower: 0, upper: 1, wantErr: ErrNotNumeric},
		{name: "constant", domain: Const(3), lower: 0, upper: 1, wantErr: ErrNotNumeric},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Restrict(tt.domain, tt.lower, tt.upper)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRestrictedSamplesStayInBox(t *testing.T) {
	d, err := Restrict(Uniform(0, 10), 2, 3)
	require.NoError(t, err)

	r := rand.New(rand.NewSource(3))
	for i := 0; i < 500; i++ {
		v := d.Sample(r).(float64)
		assert.GreaterOrEqual(t, v, 2.0)
		assert.LessOrEqual(t, v, 3.0)
	}
}

func TestUniqueValues(t *testing.T) {
	assert.Equal(t, []any{"a", "b", "c"}, UniqueValues([]any{"c", "a", "b", "a"}))
	assert.Equal(t, []any{int64(1), int64(3)}, UniqueValues([]any{3, 1, int64(3)}))
	assert.Equal(t, []any{true, 2.5, "x"}, UniqueValues([]any{"x", 2.5, true}))
}

func TestAddRejectsDuplicatesAndInvalid(t *testing.T) {
	cs := New()
	require.NoError(t, cs.Add("x", Uniform(0, 1)))
	assert.ErrorIs(t, cs.Add("x", Uniform(0, 1)), ErrDuplicateParameter)
	assert.ErrorIs(t, cs.Add("y", Uniform(1, 0)), ErrInvalidDomain)
	assert.ErrorIs(t, cs.Add("z", LogUniform(0, 1)), ErrInvalidDomain)
	assert.ErrorIs(t, cs.Add("w", Choice()), ErrInvalidDomain)
	assert.ErrorIs(t, cs.Add("v", Choice(struct{}{})), ErrUnsupportedValue)
	assert.Equal(t, []string{"x"}, cs.Names())
}

func TestComplete(t *testing.T) {
	cs := testSpace()
	c := cs.Complete(Config{"x": 5, "z": "c"}, rand.New(rand.NewSource(1)))

	assert.Equal(t, int64(5), c["x"])
	assert.Equal(t, "c", c["z"])
	assert.True(t, cs.Contains(c))
}

func TestConfigJSONKeepsTypes(t *testing.T) {
	in := Config{"x": int64(3), "y": 0.25, "z": "b", "flag": true, "bad": math.NaN()}

	b, err := json.Marshal(in)
	require.NoError(t, err)

	var out Config
	require.NoError(t, json.Unmarshal(b, &out))

	assert.Equal(t, int64(3), out["x"])
	assert.Equal(t, 0.25, out["y"])
	assert.Equal(t, "b", out["z"])
	assert.Equal(t, true, out["flag"])
	assert.True(t, math.IsNaN(out["bad"].(float64)))
}

func TestParseYAML(t *testing.T) {
	doc := `
steps: 100
x:
  type: randint
  lower: 0
  upper: 20
y:
  type: uniform
  lower: 0
  upper: 1
lr:
  type: loguniform
  lower: 0.0001
  upper: 0.1
z:
  type: choice
  values: [a, b, c]
`
	cs, err := ParseYAML([]byte(doc))
	require.NoError(t, err)

	assert.Equal(t, []string{"steps", "x", "y", "lr", "z"}, cs.Names())

	steps, _ := cs.Get("steps")
	assert.Equal(t, Const(int64(100)), steps)

	x, _ := cs.Get("x")
	assert.Equal(t, RandInt(0, 20), x)

	lr, _ := cs.Get("lr")
	assert.Equal(t, LogUniform(0.0001, 0.1), lr)

	z, _ := cs.Get("z")
	assert.Equal(t, Choice("a", "b", "c"), z)
}

func TestParseYAMLErrors(t *testing.T) {
	for name, doc := range map[string]string{
		"not a mapping":   "- a\n- b\n",
		"unknown type":    "x: {type: normal}\n",
		"missing bounds":  "x: {type: uniform, lower: 1}\n",
		"fractional int":  "x: {type: randint, lower: 0.5, upper: 3}\n",
		"inverted bounds": "x: {type: uniform, lower: 3, upper: 1}\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestMarshalYAMLRoundTrip(t *testing.T) {
	cs := testSpace()

	b, err := yaml.Marshal(cs)
	require.NoError(t, err)

	back, err := ParseYAML(b)
	require.NoError(t, err)
	assert.Equal(t, cs.String(), back.String())
	assert.Equal(t, cs.Names(), back.Names())
}
