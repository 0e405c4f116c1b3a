package rsimle

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/inferloop/rsimle/pkg/errors"
)

// OutputDim is the dimensionality of generated points.
const OutputDim = 2

// Layer is one affine layer of the generator. Weights are [fanIn, fanOut],
// Bias is [fanOut].
type Layer struct {
	Weights *mat.Dense
	Bias    *mat.VecDense
}

// FanIn returns the input width of the layer
func (l *Layer) FanIn() int {
	r, _ := l.Weights.Dims()
	return r
}

// FanOut returns the output width of the layer
func (l *Layer) FanOut() int {
	_, c := l.Weights.Dims()
	return c
}

// Parameter is a flat view over one parameter tensor. Data aliases the
// backing storage of the layer, so writes update the network in place.
type Parameter struct {
	Name  string
	Shape []int
	Data  []float64
}

// Generator maps latent vectors to 2-D points.
type Generator struct {
	arch   Architecture
	layers []*Layer
}

// NewGenerator creates a generator and initialises its parameters.
func NewGenerator(arch Architecture, rng *rand.Rand) (*Generator, error) {
	g := &Generator{}
	if err := g.Initialize(arch, rng); err != nil {
		return nil, err
	}
	return g, nil
}

// Initialize (re)allocates all parameters for arch. The previous layers are
// dropped before the new ones are built.
func (g *Generator) Initialize(arch Architecture, rng *rand.Rand) error {
	if err := arch.Validate(); err != nil {
		return fmt.Errorf("invalid generator architecture: %w", err)
	}

	g.release()
	g.arch = arch

	widths := make([]int, 0, arch.NumGeneratorLayers+3)
	widths = append(widths, arch.NoiseSize)
	for i := 0; i <= arch.NumGeneratorLayers; i++ {
		widths = append(widths, arch.NumGeneratorNeurons)
	}
	widths = append(widths, OutputDim)

	layers := make([]*Layer, len(widths)-1)
	for i := range layers {
		fanIn, fanOut := widths[i], widths[i+1]
		layers[i] = &Layer{
			Weights: randomWeights(fanIn, fanOut, initStdDev(arch.Init, fanIn, fanOut), rng),
			Bias:    mat.NewVecDense(fanOut, nil),
		}
	}
	g.layers = layers

	return nil
}

func (g *Generator) release() {
	for i := range g.layers {
		g.layers[i] = nil
	}
	g.layers = nil
}

func initStdDev(scheme InitScheme, fanIn, fanOut int) float64 {
	if scheme == InitGlorot {
		return math.Sqrt(2.0 / float64(fanIn+fanOut))
	}
	return 1.0 / math.Sqrt(float64(fanIn))
}

func randomWeights(rows, cols int, std float64, rng *rand.Rand) *mat.Dense {
	normal := distuv.Normal{Mu: 0, Sigma: std, Src: rng}
	data := make([]float64, rows*cols)
	for i := range data {
		data[i] = normal.Rand()
	}
	return mat.NewDense(rows, cols, data)
}

// Architecture returns the topology the parameters were built for
func (g *Generator) Architecture() Architecture {
	return g.arch
}

// Layers returns the ordered layer records
func (g *Generator) Layers() []*Layer {
	return g.layers
}

// Parameters returns the flattened parameter sequence: weights then bias for
// every layer in order, named "g-{index}".
func (g *Generator) Parameters() []Parameter {
	params := make([]Parameter, 0, 2*len(g.layers))
	for _, l := range g.layers {
		r, c := l.Weights.Dims()
		params = append(params, Parameter{
			Name:  paramName(len(params)),
			Shape: []int{r, c},
			Data:  l.Weights.RawMatrix().Data,
		})
		params = append(params, Parameter{
			Name:  paramName(len(params)),
			Shape: []int{l.Bias.Len()},
			Data:  l.Bias.RawVector().Data,
		})
	}
	return params
}

// NumParameters returns the length of the parameter sequence
func (g *Generator) NumParameters() int {
	return 2 * len(g.layers)
}

func paramName(index int) string {
	return fmt.Sprintf("g-%d", index)
}

// forwardPass keeps the per-layer inputs and pre-activations for backprop.
type forwardPass struct {
	inputs []*mat.Dense // input to layer i
	pre    []*mat.Dense // affine output of layer i
	output *mat.Dense
}

// Forward maps latents [n, noiseSize] to points [n, 2].
func (g *Generator) Forward(latents mat.Matrix) (*mat.Dense, error) {
	fp, err := g.forward(latents)
	if err != nil {
		return nil, err
	}
	return fp.output, nil
}

func (g *Generator) forward(latents mat.Matrix) (*forwardPass, error) {
	if len(g.layers) == 0 {
		return nil, errors.WrapError(errors.ErrNotInitialized, errors.ErrorTypeShape, errors.CodeNotInitialized, "Generator has no parameters")
	}

	rows, cols := latents.Dims()
	if rows == 0 {
		return nil, errors.WrapError(errors.ErrEmptyBatch, errors.ErrorTypeShape, errors.CodeEmptyBatch, "Latent batch is empty")
	}
	if cols != g.arch.NoiseSize {
		return nil, errors.NewShapeError(errors.CodeShapeMismatch, "Latent width does not match generator input").
			WithDetails(fmt.Sprintf("got [%d,%d], want [*,%d]", rows, cols, g.arch.NoiseSize))
	}

	fp := &forwardPass{
		inputs: make([]*mat.Dense, len(g.layers)),
		pre:    make([]*mat.Dense, len(g.layers)),
	}

	activation := mat.DenseCopyOf(latents)
	last := len(g.layers) - 1
	for i, l := range g.layers {
		fp.inputs[i] = activation

		z := mat.NewDense(rows, l.FanOut(), nil)
		z.Mul(activation, l.Weights)
		bias := l.Bias.RawVector().Data
		z.Apply(func(_, j int, v float64) float64 {
			return v + bias[j]
		}, z)
		fp.pre[i] = z

		out := mat.NewDense(rows, l.FanOut(), nil)
		if i < last {
			out.Apply(g.hiddenActivation, z)
		} else {
			out.Apply(g.outputSquash, z)
		}
		activation = out
	}
	fp.output = activation

	return fp, nil
}

func (g *Generator) hiddenActivation(_, _ int, v float64) float64 {
	if v > 0 {
		return v
	}
	if g.arch.Activation == ActivationLeakyReLU {
		return leakySlope * v
	}
	return 0
}

func (g *Generator) hiddenDerivative(v float64) float64 {
	if v > 0 {
		return 1
	}
	if g.arch.Activation == ActivationLeakyReLU {
		return leakySlope
	}
	return 0
}

func (g *Generator) outputSquash(_, _ int, v float64) float64 {
	if g.arch.Output == OutputShiftedTanh {
		return math.Tanh(v) + 0.5
	}
	return math.Tanh(v)
}

// backward propagates dOutput (gradient of the loss w.r.t. the generator
// output) and returns gradients aligned with Parameters().
func (g *Generator) backward(fp *forwardPass, dOutput *mat.Dense) [][]float64 {
	grads := make([][]float64, 2*len(g.layers))

	// d/dz tanh(z) = 1 - tanh(z)^2; the +0.5 shift does not change it.
	delta := mat.NewDense(dOutput.RawMatrix().Rows, dOutput.RawMatrix().Cols, nil)
	last := len(g.layers) - 1
	delta.Apply(func(i, j int, v float64) float64 {
		t := math.Tanh(fp.pre[last].At(i, j))
		return v * (1 - t*t)
	}, dOutput)

	for i := last; i >= 0; i-- {
		l := g.layers[i]

		dW := mat.NewDense(l.FanIn(), l.FanOut(), nil)
		dW.Mul(fp.inputs[i].T(), delta)
		grads[2*i] = dW.RawMatrix().Data

		rows, cols := delta.Dims()
		db := make([]float64, cols)
		for r := 0; r < rows; r++ {
			for c := 0; c < cols; c++ {
				db[c] += delta.At(r, c)
			}
		}
		grads[2*i+1] = db

		if i == 0 {
			break
		}

		dA := mat.NewDense(rows, l.FanIn(), nil)
		dA.Mul(delta, l.Weights.T())
		prev := fp.pre[i-1]
		dA.Apply(func(r, c int, v float64) float64 {
			return v * g.hiddenDerivative(prev.At(r, c))
		}, dA)
		delta = dA
	}

	return grads
}
