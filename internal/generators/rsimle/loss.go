package rsimle

import (
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/inferloop/rsimle/pkg/errors"
)

// LossFunc evaluates the loss and its gradients w.r.t. the generator
// parameters, aligned with Generator.Parameters().
type LossFunc func() (float64, [][]float64, error)

// LossComputer evaluates the perturbed IMLE reconstruction loss.
type LossComputer struct {
	generator        *Generator
	noiseCoefficient float64
	noise            distuv.Normal
}

// NewLossComputer creates a loss computer over generator
func NewLossComputer(generator *Generator, noiseCoefficient float64, rng *rand.Rand) *LossComputer {
	return &LossComputer{
		generator:        generator,
		noiseCoefficient: noiseCoefficient,
		noise:            distuv.Normal{Mu: 0, Sigma: 1, Src: rng},
	}
}

// Compute perturbs matchedLatents with fresh Gaussian noise scaled by the
// noise coefficient, regenerates, and returns mean((real - generated)^2)
// together with its parameter gradients.
func (lc *LossComputer) Compute(reals, matchedLatents mat.Matrix) (float64, [][]float64, error) {
	rb, rc := reals.Dims()
	lb, lcols := matchedLatents.Dims()
	if rb != lb || rc != OutputDim {
		return 0, nil, errors.NewShapeError(errors.CodeShapeMismatch, "Real batch does not line up with matched latents").
			WithDetails(fmt.Sprintf("real [%d,%d], latents [%d,%d]", rb, rc, lb, lcols))
	}

	perturbed := mat.DenseCopyOf(matchedLatents)
	if lc.noiseCoefficient != 0 {
		perturbed.Apply(func(_, _ int, v float64) float64 {
			return v + lc.noiseCoefficient*lc.noise.Rand()
		}, perturbed)
	}

	fp, err := lc.generator.forward(perturbed)
	if err != nil {
		return 0, nil, err
	}

	residual := mat.NewDense(rb, rc, nil)
	residual.Sub(fp.output, reals)

	r := residual.RawMatrix().Data
	n := float64(len(r))
	loss := floats.Dot(r, r) / n

	// dL/dgenerated = 2 (generated - real) / n
	residual.Scale(2/n, residual)
	grads := lc.generator.backward(fp, residual)

	return loss, grads, nil
}

// Bind fixes the inputs and returns a LossFunc. Every call re-draws the
// perturbation.
func (lc *LossComputer) Bind(reals, matchedLatents mat.Matrix) LossFunc {
	return func() (float64, [][]float64, error) {
		return lc.Compute(reals, matchedLatents)
	}
}
