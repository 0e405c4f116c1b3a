package rsimle

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"

	"github.com/inferloop/rsimle/pkg/errors"
)

// Tensor is one named parameter in the interchange format.
type Tensor struct {
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
}

// Topology describes the run that produced a set of weights.
type Topology struct {
	ShapeName string  `json:"shape_name"`
	IterCount int     `json:"iter_count"`
	Config    *Config `json:"config"`
}

// WeightFile is the serialised form of a trained generator: tensors keyed
// "g-{index}" plus the topology they were trained under.
type WeightFile struct {
	Topology Topology          `json:"topology"`
	Weights  map[string]Tensor `json:"weights"`
}

// ExportWeights snapshots the parameters into the interchange mapping.
// The returned tensors do not alias the generator.
func (g *Generator) ExportWeights() map[string]Tensor {
	out := make(map[string]Tensor, g.NumParameters())
	for _, p := range g.Parameters() {
		out[p.Name] = Tensor{
			Shape: slices.Clone(p.Shape),
			Data:  slices.Clone(p.Data),
		}
	}
	return out
}

// LoadWeights assigns every parameter from named tensors. All tensors are
// checked before any is copied, so a failed load leaves the generator
// untouched. Shape mismatches mean the weights belong to another
// architecture; the caller must reinitialise rather than coerce.
func (g *Generator) LoadWeights(named map[string]Tensor) error {
	params := g.Parameters()
	if len(params) == 0 {
		return errors.WrapError(errors.ErrNotInitialized, errors.ErrorTypeShape, errors.CodeNotInitialized, "Generator has no parameters")
	}

	for _, p := range params {
		t, ok := named[p.Name]
		if !ok {
			return errors.WrapError(errors.ErrMissingTensor, errors.ErrorTypeShape, errors.CodeMissingTensor, "Weight tensor missing").
				WithContext("name", p.Name)
		}
		if !slices.Equal(t.Shape, p.Shape) || len(t.Data) != len(p.Data) {
			return errors.NewShapeError(errors.CodeShapeMismatch, "Weight tensor shape does not match architecture").
				WithContext("name", p.Name).
				WithDetails(fmt.Sprintf("file %v (%d values), model %v", t.Shape, len(t.Data), p.Shape))
		}
	}
	if len(named) != len(params) {
		return errors.NewShapeError(errors.CodeShapeMismatch, "Weight file has a different number of tensors").
			WithDetails(fmt.Sprintf("file %d, model %d", len(named), len(params)))
	}

	for _, p := range params {
		copy(p.Data, named[p.Name].Data)
	}
	return nil
}

// Encode writes wf as JSON
func (wf *WeightFile) Encode(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(wf)
}

// DecodeWeightFile reads a JSON weight file
func DecodeWeightFile(r io.Reader) (*WeightFile, error) {
	var wf WeightFile
	if err := json.NewDecoder(r).Decode(&wf); err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeDecodeFailed, "Failed to decode weight file")
	}
	if wf.Weights == nil {
		return nil, errors.WrapError(errors.ErrMissingTensor, errors.ErrorTypeShape, errors.CodeMissingTensor, "Weight file has no tensors")
	}
	return &wf, nil
}
