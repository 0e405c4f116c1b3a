package rsimle

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"

	"github.com/inferloop/rsimle/pkg/errors"
)

func flatten(params []Parameter) []float64 {
	var out []float64
	for _, p := range params {
		out = append(out, p.Data...)
	}
	return out
}

func assign(params []Parameter, x []float64) {
	offset := 0
	for _, p := range params {
		copy(p.Data, x[offset:offset+len(p.Data)])
		offset += len(p.Data)
	}
}

func TestLossMatchesMeanSquaredError(t *testing.T) {
	rng := testRand(20)
	g, err := NewGenerator(testArch(), rng)
	require.NoError(t, err)

	latents := randomMatrix(rng, 6, 3, 1)
	reals := randomMatrix(rng, 6, 2, 0.5)

	lc := NewLossComputer(g, 0, rng)
	loss, _, err := lc.Compute(reals, latents)
	require.NoError(t, err)

	out, err := g.Forward(latents)
	require.NoError(t, err)
	var want float64
	for i := 0; i < 6; i++ {
		for j := 0; j < 2; j++ {
			d := reals.At(i, j) - out.At(i, j)
			want += d * d
		}
	}
	assert.InDelta(t, want/12, loss, 1e-12)
}

func TestLossGradientsMatchFiniteDifferences(t *testing.T) {
	for _, act := range []Activation{ActivationReLU, ActivationLeakyReLU} {
		for _, output := range []OutputSquash{OutputTanh, OutputShiftedTanh} {
			t.Run(string(act)+"/"+string(output), func(t *testing.T) {
				rng := testRand(21)
				arch := testArch()
				arch.Activation = act
				arch.Output = output
				g, err := NewGenerator(arch, rng)
				require.NoError(t, err)

				latents := randomMatrix(rng, 5, arch.NoiseSize, 1)
				reals := randomMatrix(rng, 5, 2, 0.5)
				lc := NewLossComputer(g, 0, rng)

				params := g.Parameters()
				x0 := flatten(params)

				_, grads, err := lc.Compute(reals, latents)
				require.NoError(t, err)
				analytic := flatten(gradsAsParams(params, grads))

				numeric := fd.Gradient(nil, func(x []float64) float64 {
					assign(params, x)
					loss, _, err := lc.Compute(reals, latents)
					require.NoError(t, err)
					return loss
				}, x0, &fd.Settings{Formula: fd.Central, Step: 1e-6})
				assign(params, x0)

				require.Len(t, analytic, len(numeric))
				for i := range numeric {
					assert.InDelta(t, numeric[i], analytic[i], 1e-6, "parameter %d", i)
				}
			})
		}
	}
}

func gradsAsParams(params []Parameter, grads [][]float64) []Parameter {
	out := make([]Parameter, len(params))
	for i, p := range params {
		out[i] = Parameter{Name: p.Name, Shape: p.Shape, Data: grads[i]}
	}
	return out
}

func TestLossPerturbationRedrawsEachCall(t *testing.T) {
	rng := testRand(22)
	g, err := NewGenerator(testArch(), rng)
	require.NoError(t, err)

	latents := randomMatrix(rng, 4, 3, 1)
	reals := randomMatrix(rng, 4, 2, 0.5)

	lossFn := NewLossComputer(g, 0.5, rng).Bind(reals, latents)
	a, _, err := lossFn()
	require.NoError(t, err)
	b, _, err := lossFn()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	deterministic := NewLossComputer(g, 0, rng).Bind(reals, latents)
	c, _, err := deterministic()
	require.NoError(t, err)
	d, _, err := deterministic()
	require.NoError(t, err)
	assert.Equal(t, c, d)
}

func TestLossWithNearCoincidentBarrierMatchIsFinite(t *testing.T) {
	rng := testRand(23)
	g, err := NewGenerator(testArch(), rng)
	require.NoError(t, err)

	latents := randomMatrix(rng, 2, 3, 1)
	out, err := g.Forward(latents)
	require.NoError(t, err)

	// Real points sit 1e-9 from the generated ones.
	reals := mat.DenseCopyOf(out)
	reals.Apply(func(_, _ int, v float64) float64 { return v + 1e-9 }, reals)

	d, err := PairwiseDistances(reals, out, DistanceBarrier)
	require.NoError(t, err)
	m, err := MatchCandidates(d, 0)
	require.NoError(t, err)

	loss, grads, err := NewLossComputer(g, 0, rng).Compute(reals, gatherRows(latents, m.Indices))
	require.NoError(t, err)
	assert.False(t, math.IsNaN(loss) || math.IsInf(loss, 0))
	for _, gr := range grads {
		for _, v := range gr {
			assert.False(t, math.IsNaN(v) || math.IsInf(v, 0))
		}
	}
}

func TestLossShapeMismatch(t *testing.T) {
	rng := testRand(24)
	g, err := NewGenerator(testArch(), rng)
	require.NoError(t, err)

	_, _, err = NewLossComputer(g, 0, rng).Compute(mat.NewDense(3, 2, nil), mat.NewDense(2, 3, nil))
	assert.ErrorIs(t, err, errors.ErrShapeMismatch)
}
