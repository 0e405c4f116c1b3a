package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/rsimle/cmd/cli/commands"
	"github.com/inferloop/rsimle/internal/generators/rsimle"
)

// Integration tests for CLI commands
// These tests run the actual CLI commands against a file weight store

func writeTestConfig(t *testing.T, dir string) string {
	t.Helper()
	body := fmt.Sprintf(`
model:
  noise_size: 2
  num_generator_layers: 1
  num_generator_neurons: 8
training:
  batch_size: 16
  sample_factor: 2
  max_iterations: 20
  seed: 3
  shape_name: ring
storage:
  type: file
  path: %s
log:
  level: error
`, filepath.Join(dir, "weights"))

	path := filepath.Join(dir, "rsimle.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer

	rootCmd := commands.NewRootCmd()
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs(args)

	err := rootCmd.Execute()
	return stdout.String() + stderr.String(), err
}

func TestCLIIntegrationWorkflow(t *testing.T) {
	dir := t.TempDir()
	cfg := writeTestConfig(t, dir)
	weightsFile := filepath.Join(dir, "ring.json")
	samplesFile := filepath.Join(dir, "samples.csv")

	t.Run("train", func(t *testing.T) {
		output, err := execute(t, "train", "--config", cfg,
			"--iterations", "10",
			"--log-every", "5",
			"--output", weightsFile,
			"--save", "--run-id", "run1",
			"--samples", samplesFile, "--sample-count", "50")
		require.NoError(t, err, output)

		assert.Contains(t, output, "Training run run1")
		assert.Contains(t, output, "Target: ring")
		assert.Contains(t, output, "iter      5")
		assert.Contains(t, output, "iter     10")
		assert.Contains(t, output, "Finished at iteration 10")
		assert.Contains(t, output, "Wrote weights to "+weightsFile)
		assert.Contains(t, output, "Saved weights to ")
		assert.Contains(t, output, "Wrote 50 samples")

		f, err := os.Open(weightsFile)
		require.NoError(t, err)
		defer f.Close()
		wf, err := rsimle.DecodeWeightFile(f)
		require.NoError(t, err)
		assert.Equal(t, 10, wf.Topology.IterCount)
		assert.Equal(t, "ring", wf.Topology.ShapeName)

		data, err := os.ReadFile(samplesFile)
		require.NoError(t, err)
		assert.Equal(t, 51, strings.Count(string(data), "\n"))
	})

	t.Run("inspect file", func(t *testing.T) {
		output, err := execute(t, "inspect", "--config", cfg, "--weights", weightsFile)
		require.NoError(t, err, output)
		assert.Contains(t, output, "Shape: ring")
		assert.Contains(t, output, "Iterations: 10")
		assert.Contains(t, output, "Parameters: 114")
		assert.Contains(t, output, "g-5")
	})

	t.Run("inspect store as json", func(t *testing.T) {
		output, err := execute(t, "inspect", "--config", cfg, "--run-id", "run1", "--format", "json")
		require.NoError(t, err, output)

		var body struct {
			Parameters int                  `json:"parameters"`
			Tensors    []commands.TensorInfo `json:"tensors"`
		}
		require.NoError(t, json.Unmarshal([]byte(output), &body))
		assert.Equal(t, 114, body.Parameters)
		require.Len(t, body.Tensors, 6)
		assert.Equal(t, "g-0", body.Tensors[0].Name)
		assert.Equal(t, []int{2, 8}, body.Tensors[0].Shape)
	})

	t.Run("sample", func(t *testing.T) {
		output, err := execute(t, "sample", "--config", cfg, "--run-id", "run1", "--count", "7", "--seed", "9")
		require.NoError(t, err, output)
		lines := strings.Split(strings.TrimSpace(output), "\n")
		require.Len(t, lines, 8)
		assert.Equal(t, "x,y", lines[0])

		again, err := execute(t, "sample", "--config", cfg, "--weights", weightsFile, "--count", "7", "--seed", "9")
		require.NoError(t, err)
		assert.Equal(t, output, again, "file and stored weights are identical")
	})

	t.Run("weights list and delete", func(t *testing.T) {
		output, err := execute(t, "weights", "list", "--config", cfg, "run1")
		require.NoError(t, err, output)
		versions := strings.Fields(output)
		require.Len(t, versions, 1)

		output, err = execute(t, "weights", "delete", "--config", cfg, "run1", versions[0])
		require.NoError(t, err, output)
		assert.Contains(t, output, "Deleted run1/"+versions[0])

		output, err = execute(t, "weights", "list", "--config", cfg, "run1")
		require.NoError(t, err)
		assert.Contains(t, output, "No weights stored")
	})

	t.Run("resume", func(t *testing.T) {
		output, err := execute(t, "train", "--config", cfg,
			"--init-weights", weightsFile,
			"--iterations", "12",
			"--log-every", "1")
		require.NoError(t, err, output)
		assert.Contains(t, output, "iter     11")
		assert.Contains(t, output, "Finished at iteration 12")
		assert.NotContains(t, output, "iter      1 ")
	})
}

func TestCLIIntegrationShapes(t *testing.T) {
	output, err := execute(t, "shapes")
	require.NoError(t, err)
	for _, name := range []string{"gaussians", "ring", "spiral"} {
		assert.Contains(t, output, name)
	}
}

func TestCLIIntegrationHelp(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		contains []string
	}{
		{"root", []string{"--help"}, []string{"train", "sample", "inspect", "weights", "shapes"}},
		{"train", []string{"train", "--help"}, []string{"--iterations", "--save", "--samples"}},
		{"sample", []string{"sample", "--help"}, []string{"--weights", "--run-id", "--count"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			output, err := execute(t, tt.args...)
			require.NoError(t, err)
			for _, s := range tt.contains {
				assert.Contains(t, output, s)
			}
		})
	}
}

func TestCLIIntegrationErrorHandling(t *testing.T) {
	dir := t.TempDir()
	cfg := writeTestConfig(t, dir)

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"sample without weights", []string{"sample", "--config", cfg}, "one of --weights or --run-id"},
		{"unknown shape", []string{"train", "--config", cfg, "--shape", "nope"}, "shape_name"},
		{"missing weight file", []string{"inspect", "--config", cfg, "--weights", filepath.Join(dir, "absent.json")}, "failed to open weights"},
		{"missing run", []string{"sample", "--config", cfg, "--run-id", "ghost"}, "WEIGHTS_NOT_FOUND"},
		{"list needs run", []string{"weights", "list", "--config", cfg}, "accepts 1 arg"},
		{"missing config", []string{"shapes", "--config", filepath.Join(dir, "absent.yaml")}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, tt.args...)
			if tt.want == "" {
				// shapes does not read the config
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
