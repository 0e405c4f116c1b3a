package rsimle

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/inferloop/rsimle/pkg/errors"
)

const (
	// barrierLambda scales the reciprocal penalty of the Barrier metric.
	barrierLambda = 1e-3
	// barrierEpsilon keeps the reciprocal penalty finite at zero distance.
	barrierEpsilon = 1e-8
)

// PairwiseDistances returns the [B, P] dissimilarity matrix between real
// points [B, d] and candidates [P, d] under metric.
func PairwiseDistances(reals, candidates mat.Matrix, metric DistanceType) (*mat.Dense, error) {
	b, dr := reals.Dims()
	p, dc := candidates.Dims()
	if b == 0 || p == 0 {
		return nil, errors.WrapError(errors.ErrEmptyBatch, errors.ErrorTypeShape, errors.CodeEmptyBatch, "Distance inputs must be non-empty")
	}
	if dr != dc {
		return nil, errors.NewShapeError(errors.CodeShapeMismatch, "Point dimensionality differs").
			WithDetails(fmt.Sprintf("real [%d,%d] vs candidates [%d,%d]", b, dr, p, dc))
	}

	reduce := reducerFor(metric)
	out := mat.NewDense(b, p, nil)
	diff := make([]float64, dr)
	for i := 0; i < b; i++ {
		for j := 0; j < p; j++ {
			for k := 0; k < dr; k++ {
				diff[k] = reals.At(i, k) - candidates.At(j, k)
			}
			out.Set(i, j, reduce(diff))
		}
	}

	return out, nil
}

func reducerFor(metric DistanceType) func([]float64) float64 {
	switch metric {
	case DistanceL1:
		return l1
	case DistanceBarrier:
		return barrier
	default:
		return squaredL2
	}
}

func l1(diff []float64) float64 {
	var s float64
	for _, d := range diff {
		s += math.Abs(d)
	}
	return s
}

// squaredL2 skips the square root; its gradient is unstable near zero.
func squaredL2(diff []float64) float64 {
	var s float64
	for _, d := range diff {
		s += d * d
	}
	return s
}

func barrier(diff []float64) float64 {
	r := math.Sqrt(squaredL2(diff))
	return r + barrierLambda/(r+barrierEpsilon)
}
