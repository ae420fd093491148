package main

import (
	"bytes"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thalesfsp/hyperband/space"
)

const testSpaceYAML = `lr:
  type: loguniform
  lower: 0.0001
  upper: 0.1
layers:
  type: randint
  lower: 1
  upper: 8
act:
  type: choice
  values: [relu, tanh]
steps:
  type: const
  value: 100
`

const testPriorsYAML = `mnist:
  evaluations:
    - config: {lr: 0.001, layers: 2, act: relu}
      objectives: {loss: 0.1}
    - config: {lr: 0.05, layers: 7, act: tanh}
      objectives: {loss: 0.9}
cifar:
  evaluations:
    - config: {lr: 0.003, layers: 4, act: relu}
      objectives: {loss: 0.2}
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

// execute runs the command tree with args and returns its standard output
// and standard error.
func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()

	var out, errOut bytes.Buffer

	cmd := NewRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)

	err := cmd.Execute()

	return out.String(), errOut.String(), err
}

var trialsLine = regexp.MustCompile(`trials: (\d+)`)

func trialCount(t *testing.T, out string) int {
	t.Helper()

	m := trialsLine.FindStringSubmatch(out)
	require.Len(t, m, 2, out)

	n, err := strconv.Atoi(m[1])
	require.NoError(t, err)

	return n
}

func TestSpaceCommand(t *testing.T) {
	path := writeFile(t, "space.yaml", testSpaceYAML)

	out, _, err := execute(t, "space", "-f", path, "--sample", "2")
	require.NoError(t, err)

	assert.Contains(t, out, "type: loguniform")
	assert.Contains(t, out, "# size: infinite")
	assert.Contains(t, out, "# sample 0: {")
	assert.Contains(t, out, "# sample 1: {")

	// The printed declaration parses back to the same space.
	cs, err := space.ParseYAML([]byte(out))
	require.NoError(t, err)
	assert.Equal(t, []string{"lr", "layers", "act", "steps"}, cs.Names())
}

func TestSpaceCommandRequiresFile(t *testing.T) {
	_, _, err := execute(t, "space")
	assert.Error(t, err)
}

func TestSimulate(t *testing.T) {
	path := writeFile(t, "space.yaml", testSpaceYAML)

	tests := []struct {
		name string
		args []string
	}{
		{name: "asha", args: []string{"--scheduler", "asha"}},
		{name: "asha-promotion", args: []string{"--scheduler", "asha-promotion", "--max-resource-attr", "steps"}},
		{name: "moasha", args: []string{"--scheduler", "moasha", "--metrics", "loss,cost"}},
		{name: "hyperband-sync", args: []string{"--scheduler", "hyperband-sync", "--batch-size", "4", "--max-resource-attr", "steps"}},
		{name: "bayesopt", args: []string{"--scheduler", "asha", "--searcher", "bayesopt-ei", "--brackets", "3"}},
		{name: "failures", args: []string{"--scheduler", "hyperband-sync", "--failure-rate", "0.05"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{
				"simulate", "-f", path,
				"--max-t", "9",
				"--trials", "20",
				"--workers", "3",
				"--timeout", "30s",
			}, tt.args...)

			out, _, err := execute(t, args...)
			require.NoError(t, err)

			assert.GreaterOrEqual(t, trialCount(t, out), 20)
			assert.Contains(t, out, "best loss:")
			assert.Contains(t, out, "decisions stop:")
		})
	}
}

func TestSimulateSnapshotRoundTrip(t *testing.T) {
	path := writeFile(t, "space.yaml", testSpaceYAML)
	snapshot := filepath.Join(t.TempDir(), "state.bin")

	base := []string{"simulate", "-f", path, "--scheduler", "asha-promotion", "--max-t", "27", "--trials", "15", "--timeout", "30s"}

	out, _, err := execute(t, append(base, "--snapshot-out", snapshot)...)
	require.NoError(t, err)

	first := trialCount(t, out)

	info, err := os.Stat(snapshot)
	require.NoError(t, err)
	assert.Positive(t, info.Size())

	// The budget is spent: the restored run only finishes pending promotions.
	out, _, err = execute(t, append(base, "--snapshot-in", snapshot)...)
	require.NoError(t, err)
	assert.Equal(t, first, trialCount(t, out))

	// A snapshot of another scheduler kind is refused.
	_, _, err = execute(t, "simulate", "-f", path, "--scheduler", "hyperband-sync", "--snapshot-in", snapshot)
	assert.Error(t, err)
}

func TestSimulateTransferLearning(t *testing.T) {
	path := writeFile(t, "space.yaml", testSpaceYAML)
	priors := writeFile(t, "priors.yaml", testPriorsYAML)

	out, errOut, err := execute(t,
		"simulate", "-f", path,
		"--transfer-learning", priors,
		"--max-t", "9",
		"--trials", "10",
		"--timeout", "30s",
	)
	require.NoError(t, err)

	assert.Equal(t, 10, trialCount(t, out))
	assert.Contains(t, errOut, "config space restricted")
	assert.Contains(t, out, "act=relu")
	assert.NotContains(t, out, "act=tanh")
}

func TestSimulateErrors(t *testing.T) {
	path := writeFile(t, "space.yaml", testSpaceYAML)

	for name, args := range map[string][]string{
		"unknown scheduler": {"--scheduler", "bohb"},
		"unknown searcher":  {"--searcher", "grid"},
		"no workers":        {"--workers", "0"},
		"moasha one metric": {"--scheduler", "moasha"},
	} {
		_, _, err := execute(t, append([]string{"simulate", "-f", path}, args...)...)
		assert.Error(t, err, name)
	}
}

func TestSyntheticObjective(t *testing.T) {
	cs, err := space.ParseYAML([]byte(testSpaceYAML))
	require.NoError(t, err)

	obj := syntheticObjective(cs, []string{"loss", "cost"})
	config := space.Config{"lr": 0.01, "layers": int64(3), "act": "tanh", "steps": int64(100)}

	early, late := obj(config, 1), obj(config, 9)

	assert.Less(t, late["loss"], early["loss"])
	assert.NotEqual(t, late["loss"], late["cost"])
	assert.Equal(t, early, obj(config, 1))
	assert.Len(t, unitCoordinates(cs, config), 3)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer

	log := newLogger(&buf, 1)
	log.V(1).Info("shown")
	log.V(2).Info("hidden")

	assert.Contains(t, buf.String(), "shown")
	assert.NotContains(t, buf.String(), "hidden")
}
