package providers

import (
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/inferloop/rsimle/pkg/errors"
)

// NewRand returns a PCG-backed generator. A zero seed draws a random one.
func NewRand(seed uint64) *rand.Rand {
	if seed == 0 {
		return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return rand.New(rand.NewPCG(seed, seed>>1|1))
}

// GaussianProvider draws latent vectors from an isotropic standard normal.
type GaussianProvider struct {
	dim    int
	normal distuv.Normal
}

// NewGaussianProvider creates a latent noise provider of width dim
func NewGaussianProvider(dim int, rng *rand.Rand) (*GaussianProvider, error) {
	if dim < 1 {
		return nil, errors.NewConfigurationError(errors.CodeOutOfRange, "Noise dimension must be at least 1").
			WithContext("dim", dim)
	}
	return &GaussianProvider{
		dim:    dim,
		normal: distuv.Normal{Mu: 0, Sigma: 1, Src: rng},
	}, nil
}

// NextBatch returns an [n, dim] matrix of standard normal samples
func (p *GaussianProvider) NextBatch(n int) (*mat.Dense, error) {
	if err := checkBatchSize(n); err != nil {
		return nil, err
	}
	data := make([]float64, n*p.dim)
	for i := range data {
		data[i] = p.normal.Rand()
	}
	return mat.NewDense(n, p.dim, data), nil
}

// Dim returns the latent width
func (p *GaussianProvider) Dim() int {
	return p.dim
}

func checkBatchSize(n int) error {
	if n < 1 {
		return errors.WrapError(errors.ErrEmptyBatch, errors.ErrorTypeShape, errors.CodeEmptyBatch, fmt.Sprintf("Batch size %d is not positive", n))
	}
	return nil
}
