package rsimle

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/rsimle/pkg/errors"
)

func TestExportLoadRoundTrip(t *testing.T) {
	src, err := NewGenerator(testArch(), testRand(40))
	require.NoError(t, err)
	dst, err := NewGenerator(testArch(), testRand(41))
	require.NoError(t, err)

	require.NoError(t, dst.LoadWeights(src.ExportWeights()))

	latents := randomMatrix(testRand(42), 10, 3, 1)
	a, err := src.Forward(latents)
	require.NoError(t, err)
	b, err := dst.Forward(latents)
	require.NoError(t, err)
	assert.Equal(t, a.RawMatrix().Data, b.RawMatrix().Data)
}

func TestExportDoesNotAlias(t *testing.T) {
	g, err := NewGenerator(testArch(), testRand(43))
	require.NoError(t, err)

	exported := g.ExportWeights()
	exported["g-0"].Data[0] += 100
	assert.NotEqual(t, exported["g-0"].Data[0], g.Parameters()[0].Data[0])
}

func TestLoadWeightsRejectsMismatch(t *testing.T) {
	g, err := NewGenerator(testArch(), testRand(44))
	require.NoError(t, err)
	before := g.ExportWeights()

	wider := testArch()
	wider.NumGeneratorNeurons = 16
	other, err := NewGenerator(wider, testRand(45))
	require.NoError(t, err)

	deeper := testArch()
	deeper.NumGeneratorLayers = 3
	more, err := NewGenerator(deeper, testRand(46))
	require.NoError(t, err)

	missing := g.ExportWeights()
	delete(missing, "g-3")

	truncated := g.ExportWeights()
	last := paramName(g.NumParameters() - 1)
	truncated[last] = Tensor{Shape: truncated[last].Shape, Data: truncated[last].Data[:1]}

	extra := g.ExportWeights()
	extra["g-99"] = Tensor{Shape: []int{1}, Data: []float64{1}}

	tests := []struct {
		name  string
		named map[string]Tensor
		want  error
	}{
		{"different width", other.ExportWeights(), errors.ErrShapeMismatch},
		{"different depth", more.ExportWeights(), errors.ErrShapeMismatch},
		{"missing tensor", missing, errors.ErrMissingTensor},
		{"truncated data", truncated, errors.ErrShapeMismatch},
		{"extra tensor", extra, errors.ErrShapeMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := g.LoadWeights(tt.named)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, before, g.ExportWeights())
		})
	}
}

func TestLoadWeightsUninitialized(t *testing.T) {
	var g Generator
	err := g.LoadWeights(map[string]Tensor{})
	assert.ErrorIs(t, err, errors.ErrNotInitialized)
}

func TestWeightFileEncoding(t *testing.T) {
	g, err := NewGenerator(testArch(), testRand(47))
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Architecture = testArch()
	wf := &WeightFile{
		Topology: Topology{ShapeName: "ring", IterCount: 12, Config: cfg},
		Weights:  g.ExportWeights(),
	}

	var buf bytes.Buffer
	require.NoError(t, wf.Encode(&buf))

	var raw map[string]map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(buf.Bytes(), &raw))
	assert.Contains(t, raw["topology"], "shape_name")
	assert.Contains(t, raw["topology"], "iter_count")
	assert.Contains(t, raw["weights"], "g-0")

	decoded, err := DecodeWeightFile(&buf)
	require.NoError(t, err)
	assert.Equal(t, "ring", decoded.Topology.ShapeName)
	assert.Equal(t, 12, decoded.Topology.IterCount)
	assert.Equal(t, cfg.Architecture, decoded.Topology.Config.Architecture)
	assert.Equal(t, wf.Weights, decoded.Weights)
}

func TestDecodeWeightFileErrors(t *testing.T) {
	_, err := DecodeWeightFile(strings.NewReader("{not json"))
	assert.True(t, errors.IsType(err, errors.ErrorTypeStorage))

	_, err = DecodeWeightFile(strings.NewReader(`{"topology":{}}`))
	assert.ErrorIs(t, err, errors.ErrMissingTensor)
}
