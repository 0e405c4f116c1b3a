package interfaces

import (
	"gonum.org/v1/gonum/mat"
)

// BatchProvider supplies batches of points or latent vectors.
type BatchProvider interface {
	// NextBatch returns an [n, Dim()] matrix
	NextBatch(n int) (*mat.Dense, error)

	// Dim returns the width of every row
	Dim() int
}
