package providers

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/inferloop/rsimle/pkg/errors"
)

func TestGaussianProvider(t *testing.T) {
	p, err := NewGaussianProvider(3, NewRand(7))
	require.NoError(t, err)
	assert.Equal(t, 3, p.Dim())

	batch, err := p.NextBatch(4000)
	require.NoError(t, err)
	rows, cols := batch.Dims()
	assert.Equal(t, 4000, rows)
	assert.Equal(t, 3, cols)

	col := mat.Col(nil, 0, batch)
	assert.InDelta(t, 0.0, stat.Mean(col, nil), 0.1)
	assert.InDelta(t, 1.0, stat.StdDev(col, nil), 0.1)
}

func TestGaussianProviderInvalid(t *testing.T) {
	_, err := NewGaussianProvider(0, NewRand(1))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfiguration))

	p, err := NewGaussianProvider(2, NewRand(1))
	require.NoError(t, err)
	_, err = p.NextBatch(0)
	assert.ErrorIs(t, err, errors.ErrEmptyBatch)
}

func TestSeededProvidersRepeat(t *testing.T) {
	a, err := NewGaussianProvider(2, NewRand(42))
	require.NoError(t, err)
	b, err := NewGaussianProvider(2, NewRand(42))
	require.NoError(t, err)

	ba, err := a.NextBatch(16)
	require.NoError(t, err)
	bb, err := b.NextBatch(16)
	require.NoError(t, err)
	assert.True(t, mat.Equal(ba, bb))
}

func TestFixedProviderReplays(t *testing.T) {
	source, err := NewGaussianProvider(2, NewRand(3))
	require.NoError(t, err)
	fixed := NewFixedProvider(source)
	assert.Equal(t, 2, fixed.Dim())

	first, err := fixed.NextBatch(8)
	require.NoError(t, err)
	second, err := fixed.NextBatch(8)
	require.NoError(t, err)
	assert.True(t, mat.Equal(first, second))

	// Callers cannot mutate the pinned pool through the returned copy.
	first.Set(0, 0, 99)
	third, err := fixed.NextBatch(8)
	require.NoError(t, err)
	assert.True(t, mat.Equal(second, third))

	fixed.Release()
	fourth, err := fixed.NextBatch(8)
	require.NoError(t, err)
	assert.False(t, mat.Equal(second, fourth))
}

func TestMatrixProviderCycles(t *testing.T) {
	data := mat.NewDense(3, 2, []float64{0, 0, 1, 1, 2, 2})
	p, err := NewMatrixProvider(data)
	require.NoError(t, err)

	batch, err := p.NextBatch(4)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0, 1, 1, 2, 2, 0, 0}, batch.RawMatrix().Data)

	batch, err = p.NextBatch(2)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 1, 2, 2}, batch.RawMatrix().Data)
}

func TestShapeProviders(t *testing.T) {
	for _, name := range Shapes() {
		t.Run(name, func(t *testing.T) {
			p, err := NewShapeProvider(name, NewRand(11))
			require.NoError(t, err)
			assert.Equal(t, name, p.Name())
			assert.Equal(t, 2, p.Dim())

			batch, err := p.NextBatch(500)
			require.NoError(t, err)
			for _, v := range batch.RawMatrix().Data {
				assert.True(t, v > -0.5 && v < 1.5, "value %v out of range", v)
			}
		})
	}
}

func TestUnknownShape(t *testing.T) {
	assert.False(t, HasShape("teapot"))
	_, err := NewShapeProvider("teapot", NewRand(1))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidConfiguration)
}

func TestResampleProvider(t *testing.T) {
	points := mat.NewDense(2, 2, []float64{0, 0, 1, 1})
	p, err := NewResampleProvider(points, NewRand(5))
	require.NoError(t, err)

	batch, err := p.NextBatch(50)
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		row := batch.RawRowView(i)
		assert.Equal(t, row[0], row[1])
	}
}

func TestPointsCSVRoundTrip(t *testing.T) {
	points := mat.NewDense(3, 2, []float64{0.1, 0.2, 0.3, 0.4, -0.5, 1.5})

	var buf bytes.Buffer
	require.NoError(t, WritePointsCSV(&buf, points))
	assert.True(t, strings.HasPrefix(buf.String(), "x,y\n"))

	read, err := ReadPointsCSV(&buf)
	require.NoError(t, err)
	assert.True(t, mat.Equal(points, read))
}

func TestReadPointsCSVErrors(t *testing.T) {
	_, err := ReadPointsCSV(strings.NewReader("x,y\n"))
	assert.ErrorIs(t, err, errors.ErrEmptyBatch)

	_, err = ReadPointsCSV(strings.NewReader("1,2\n3\n"))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	_, err = ReadPointsCSV(strings.NewReader("1,2\nfoo,bar\n"))
	require.Error(t, err)
}
