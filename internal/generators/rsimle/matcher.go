package rsimle

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/inferloop/rsimle/pkg/errors"
)

// rejectedPenalty is added to the distance column of every rejected candidate.
const rejectedPenalty = 1e9

// Match is the outcome of one RS-IMLE selection.
type Match struct {
	// Indices holds, per real point, the chosen candidate in [0, poolSize).
	Indices []int
	// KeepMask reports which candidates survived the rejection filter.
	KeepMask []bool
	// MinDistToReal is each candidate's distance to its nearest real point.
	MinDistToReal []float64
	// Forced is the force-kept candidate, or -1 when the filter kept at least one.
	Forced int
}

// KeptCount returns how many candidates are eligible for matching
func (m *Match) KeptCount() int {
	n := 0
	for _, k := range m.KeepMask {
		if k {
			n++
		}
	}
	return n
}

// MatchCandidates runs the rejection filter and masked nearest-neighbour
// assignment over a [B, P] distance matrix.
//
// A candidate is kept when its distance to the nearest real point exceeds
// epsilon. If nothing survives, the candidate farthest from every real
// point is force-kept. Ties resolve to the lowest index.
func MatchCandidates(distances mat.Matrix, epsilon float64) (*Match, error) {
	b, p := distances.Dims()
	if b == 0 || p == 0 {
		return nil, errors.WrapError(errors.ErrEmptyBatch, errors.ErrorTypeShape, errors.CodeEmptyBatch, "Distance matrix is empty")
	}

	m := &Match{
		Indices:       make([]int, b),
		KeepMask:      make([]bool, p),
		MinDistToReal: columnMin(distances),
		Forced:        -1,
	}

	anyKept := false
	for j, d := range m.MinDistToReal {
		m.KeepMask[j] = d > epsilon
		anyKept = anyKept || m.KeepMask[j]
	}
	if !anyKept {
		m.Forced = floats.MaxIdx(m.MinDistToReal)
		m.KeepMask[m.Forced] = true
	}

	row := make([]float64, p)
	for i := 0; i < b; i++ {
		for j := 0; j < p; j++ {
			row[j] = distances.At(i, j)
			if !m.KeepMask[j] {
				row[j] += rejectedPenalty
			}
		}
		m.Indices[i] = floats.MinIdx(row)
	}

	return m, nil
}

func columnMin(distances mat.Matrix) []float64 {
	b, p := distances.Dims()
	out := make([]float64, p)
	for j := 0; j < p; j++ {
		out[j] = math.Inf(1)
		for i := 0; i < b; i++ {
			if v := distances.At(i, j); v < out[j] {
				out[j] = v
			}
		}
	}
	return out
}

// gatherRows returns the rows of src at indices, in order.
func gatherRows(src mat.Matrix, indices []int) *mat.Dense {
	_, cols := src.Dims()
	out := mat.NewDense(len(indices), cols, nil)
	for i, idx := range indices {
		for c := 0; c < cols; c++ {
			out.Set(i, c, src.At(idx, c))
		}
	}
	return out
}
