package providers

import (
	"math"
	"math/rand/v2"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/inferloop/rsimle/pkg/errors"
)

// pointSampler draws one 2-D point.
type pointSampler func(rng *rand.Rand) (x, y float64)

// Target shapes live in the unit square centred on (0.5, 0.5).
var shapes = map[string]pointSampler{
	"gaussians": sampleGaussians,
	"ring":      sampleRing,
	"spiral":    sampleSpiral,
	"moons":     sampleMoons,
	"grid":      sampleGrid,
	"line":      sampleLine,
}

// Shapes returns the registered target shape names in sorted order
func Shapes() []string {
	names := make([]string, 0, len(shapes))
	for name := range shapes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasShape reports whether name is a registered shape
func HasShape(name string) bool {
	_, ok := shapes[name]
	return ok
}

// ShapeProvider samples real points from a named 2-D target distribution.
type ShapeProvider struct {
	name   string
	sample pointSampler
	rng    *rand.Rand
}

// NewShapeProvider creates a provider for the named shape
func NewShapeProvider(name string, rng *rand.Rand) (*ShapeProvider, error) {
	sample, ok := shapes[name]
	if !ok {
		return nil, errors.NewConfigurationError(errors.CodeInvalidInput, "Unknown target shape").
			WithContext("shape", name).
			WithContext("available", Shapes())
	}
	return &ShapeProvider{name: name, sample: sample, rng: rng}, nil
}

// NextBatch returns n points as an [n, 2] matrix
func (p *ShapeProvider) NextBatch(n int) (*mat.Dense, error) {
	if err := checkBatchSize(n); err != nil {
		return nil, err
	}
	out := mat.NewDense(n, 2, nil)
	for i := 0; i < n; i++ {
		x, y := p.sample(p.rng)
		out.Set(i, 0, x)
		out.Set(i, 1, y)
	}
	return out, nil
}

// Dim always returns 2
func (p *ShapeProvider) Dim() int {
	return 2
}

// Name returns the shape name
func (p *ShapeProvider) Name() string {
	return p.name
}

func sampleGaussians(rng *rand.Rand) (float64, float64) {
	const modes = 8
	k := rng.IntN(modes)
	theta := 2 * math.Pi * float64(k) / modes
	return 0.5 + 0.35*math.Cos(theta) + 0.03*rng.NormFloat64(),
		0.5 + 0.35*math.Sin(theta) + 0.03*rng.NormFloat64()
}

func sampleRing(rng *rand.Rand) (float64, float64) {
	theta := 2 * math.Pi * rng.Float64()
	r := 0.35 + 0.02*rng.NormFloat64()
	return 0.5 + r*math.Cos(theta), 0.5 + r*math.Sin(theta)
}

func sampleSpiral(rng *rand.Rand) (float64, float64) {
	t := rng.Float64()
	theta := 3 * math.Pi * t
	r := 0.05 + 0.35*t
	return 0.5 + r*math.Cos(theta) + 0.01*rng.NormFloat64(),
		0.5 + r*math.Sin(theta) + 0.01*rng.NormFloat64()
}

func sampleMoons(rng *rand.Rand) (float64, float64) {
	theta := math.Pi * rng.Float64()
	x, y := math.Cos(theta), math.Sin(theta)
	if rng.IntN(2) == 1 {
		x, y = 1-x, 0.5-y
	}
	// raw range is x in [-1, 2], y in [-0.5, 1]
	return 0.1 + 0.8*(x+1)/3 + 0.01*rng.NormFloat64(),
		0.2 + 0.6*(y+0.5)/1.5 + 0.01*rng.NormFloat64()
}

var gridCenters = []float64{0.1, 0.3, 0.5, 0.7, 0.9}

func sampleGrid(rng *rand.Rand) (float64, float64) {
	return gridCenters[rng.IntN(len(gridCenters))] + 0.015*rng.NormFloat64(),
		gridCenters[rng.IntN(len(gridCenters))] + 0.015*rng.NormFloat64()
}

func sampleLine(rng *rand.Rand) (float64, float64) {
	x := 0.1 + 0.8*rng.Float64()
	return x, x + 0.01*rng.NormFloat64()
}

// ResampleProvider draws rows of a point set uniformly with replacement.
type ResampleProvider struct {
	points *mat.Dense
	rng    *rand.Rand
}

// NewResampleProvider creates a provider over points
func NewResampleProvider(points *mat.Dense, rng *rand.Rand) (*ResampleProvider, error) {
	if points == nil || points.IsEmpty() {
		return nil, errors.WrapError(errors.ErrEmptyBatch, errors.ErrorTypeShape, errors.CodeEmptyBatch, "Resample provider needs at least one point")
	}
	return &ResampleProvider{points: points, rng: rng}, nil
}

// NextBatch returns n rows drawn with replacement
func (p *ResampleProvider) NextBatch(n int) (*mat.Dense, error) {
	if err := checkBatchSize(n); err != nil {
		return nil, err
	}
	rows, cols := p.points.Dims()
	out := mat.NewDense(n, cols, nil)
	for i := 0; i < n; i++ {
		out.SetRow(i, p.points.RawRowView(p.rng.IntN(rows)))
	}
	return out, nil
}

// Dim returns the point width
func (p *ResampleProvider) Dim() int {
	_, c := p.points.Dims()
	return c
}
