package providers

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/inferloop/rsimle/pkg/errors"
)

// ReadPointsCSV parses x,y rows into an [n, 2] matrix. A non-numeric first
// row is treated as a header.
func ReadPointsCSV(r io.Reader) (*mat.Dense, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	var data []float64
	line := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read points: %w", err)
		}
		line++

		if len(record) < 2 {
			return nil, errors.NewValidationError(errors.CodeInvalidInput, "Point row needs two columns").
				WithContext("line", line)
		}

		x, errX := strconv.ParseFloat(strings.TrimSpace(record[0]), 64)
		y, errY := strconv.ParseFloat(strings.TrimSpace(record[1]), 64)
		if errX != nil || errY != nil {
			if line == 1 {
				continue
			}
			return nil, errors.NewValidationError(errors.CodeInvalidInput, "Point row is not numeric").
				WithContext("line", line)
		}
		data = append(data, x, y)
	}

	if len(data) == 0 {
		return nil, errors.WrapError(errors.ErrEmptyBatch, errors.ErrorTypeShape, errors.CodeEmptyBatch, "No points found")
	}
	return mat.NewDense(len(data)/2, 2, data), nil
}

// WritePointsCSV writes an [n, 2] matrix as x,y rows with a header
func WritePointsCSV(w io.Writer, points mat.Matrix) error {
	writer := csv.NewWriter(w)
	if err := writer.Write([]string{"x", "y"}); err != nil {
		return err
	}
	rows, _ := points.Dims()
	for i := 0; i < rows; i++ {
		record := []string{
			strconv.FormatFloat(points.At(i, 0), 'g', -1, 64),
			strconv.FormatFloat(points.At(i, 1), 'g', -1, 64),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}
