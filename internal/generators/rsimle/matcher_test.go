package rsimle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestMatchCoincidentCandidatesRejected(t *testing.T) {
	reals := mat.NewDense(2, 2, []float64{0, 0, 1, 1})
	candidates := mat.NewDense(3, 2, []float64{0, 0, 1, 1, 0.5, 0.5})

	d, err := PairwiseDistances(reals, candidates, DistanceL2)
	require.NoError(t, err)

	m, err := MatchCandidates(d, 0.1)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2}, m.Indices)
	assert.Equal(t, []bool{false, false, true}, m.KeepMask)
	assert.InDeltaSlice(t, []float64{0, 0, 0.5}, m.MinDistToReal, 1e-12)
	assert.Equal(t, 1, m.KeptCount())
}

func TestMatchForceKeepsFarthest(t *testing.T) {
	reals := mat.NewDense(2, 2, []float64{0, 0, 1, 1})
	candidates := mat.NewDense(3, 2, []float64{0, 0, 1, 1, 0.5, 0.5})

	d, err := PairwiseDistances(reals, candidates, DistanceL2)
	require.NoError(t, err)

	m, err := MatchCandidates(d, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, m.Forced)
	assert.Equal(t, []bool{false, false, true}, m.KeepMask)
	assert.Equal(t, []int{2, 2}, m.Indices)
}

func TestMatchForceKeepTieTakesLowestIndex(t *testing.T) {
	d := mat.NewDense(1, 4, []float64{0.2, 0.7, 0.7, 0.1})
	m, err := MatchCandidates(d, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Forced)
	assert.Equal(t, []int{1}, m.Indices)
}

func TestMatchTieTakesLowestIndex(t *testing.T) {
	d := mat.NewDense(2, 4, []float64{
		0.5, 0.3, 0.3, 0.9,
		0.4, 0.4, 0.8, 0.4,
	})
	m, err := MatchCandidates(d, 0)
	require.NoError(t, err)
	assert.Equal(t, -1, m.Forced)
	assert.Equal(t, []int{1, 0}, m.Indices)
}

func TestMatchZeroEpsilonDropsExactHits(t *testing.T) {
	d := mat.NewDense(1, 3, []float64{0, 0.2, 0.1})
	m, err := MatchCandidates(d, 0)
	require.NoError(t, err)
	assert.Equal(t, []bool{false, true, true}, m.KeepMask)
	assert.Equal(t, []int{2}, m.Indices)
}

func TestMatchProperties(t *testing.T) {
	rng := testRand(12)
	for trial := 0; trial < 50; trial++ {
		b := 1 + rng.IntN(8)
		p := 1 + rng.IntN(32)
		reals := randomMatrix(rng, b, 2, 1)
		candidates := randomMatrix(rng, p, 2, 1)
		epsilon := rng.Float64() * 2

		d, err := PairwiseDistances(reals, candidates, DistanceL2)
		require.NoError(t, err)
		m, err := MatchCandidates(d, epsilon)
		require.NoError(t, err)

		assert.GreaterOrEqual(t, m.KeptCount(), 1)
		require.Len(t, m.Indices, b)
		for i, idx := range m.Indices {
			require.True(t, idx >= 0 && idx < p)
			assert.True(t, m.KeepMask[idx])

			// No kept candidate is strictly closer than the chosen one.
			for j := 0; j < p; j++ {
				if m.KeepMask[j] {
					assert.GreaterOrEqual(t, d.At(i, j), d.At(i, idx))
				}
			}
		}
	}
}

func TestMatchEmpty(t *testing.T) {
	_, err := MatchCandidates(&mat.Dense{}, 0)
	require.Error(t, err)
}
