package providers

import (
	"fmt"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/inferloop/rsimle/pkg/errors"
	"github.com/inferloop/rsimle/pkg/interfaces"
)

// FixedProvider draws one batch from an underlying provider and replays it
// on every call, so visualisations see a stable latent pool across
// iterations. It is independent of the training sampler.
type FixedProvider struct {
	source interfaces.BatchProvider
	batch  *mat.Dense
	mu     sync.Mutex
}

// NewFixedProvider wraps source
func NewFixedProvider(source interfaces.BatchProvider) *FixedProvider {
	return &FixedProvider{source: source}
}

// NextBatch returns a copy of the pinned batch. The pool is redrawn only
// when n differs from the pinned size.
func (p *FixedProvider) NextBatch(n int) (*mat.Dense, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.batch == nil || p.batch.RawMatrix().Rows != n {
		batch, err := p.source.NextBatch(n)
		if err != nil {
			return nil, err
		}
		p.batch = batch
	}
	return mat.DenseCopyOf(p.batch), nil
}

// Dim returns the width of the underlying provider
func (p *FixedProvider) Dim() int {
	return p.source.Dim()
}

// Release drops the pinned batch; the next call draws a new one.
func (p *FixedProvider) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batch = nil
}

// MatrixProvider serves rows of a fixed matrix in order, wrapping around.
type MatrixProvider struct {
	data   *mat.Dense
	cursor int
	mu     sync.Mutex
}

// NewMatrixProvider creates a provider over data
func NewMatrixProvider(data *mat.Dense) (*MatrixProvider, error) {
	if data == nil || data.IsEmpty() {
		return nil, errors.WrapError(errors.ErrEmptyBatch, errors.ErrorTypeShape, errors.CodeEmptyBatch, "Matrix provider needs at least one row")
	}
	return &MatrixProvider{data: data}, nil
}

// NextBatch returns the next n rows, cycling through the matrix
func (p *MatrixProvider) NextBatch(n int) (*mat.Dense, error) {
	if err := checkBatchSize(n); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	rows, cols := p.data.Dims()
	out := mat.NewDense(n, cols, nil)
	for i := 0; i < n; i++ {
		out.SetRow(i, p.data.RawRowView(p.cursor))
		p.cursor = (p.cursor + 1) % rows
	}
	return out, nil
}

// Dim returns the number of columns
func (p *MatrixProvider) Dim() int {
	_, c := p.data.Dims()
	return c
}

func (p *MatrixProvider) String() string {
	r, c := p.data.Dims()
	return fmt.Sprintf("MatrixProvider[%dx%d]", r, c)
}
