package server

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/inferloop/rsimle/pkg/errors"
)

// ValidationErrorResponse carries field-level validation failures
type ValidationErrorResponse struct {
	Error     *errors.ValidationErrors `json:"error"`
	Timestamp string                   `json:"timestamp"`
	Path      string                   `json:"path,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

// writeError maps err onto a JSON error body with the status attached to
// its AppError, or 500 for untyped errors.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	timestamp := time.Now().UTC().Format(time.RFC3339)

	var ve *errors.ValidationErrors
	if stderrors.As(err, &ve) {
		s.writeJSON(w, http.StatusBadRequest, ValidationErrorResponse{
			Error:     ve,
			Timestamp: timestamp,
			Path:      r.URL.Path,
		})
		return
	}

	var appErr *errors.AppError
	switch {
	case stderrors.As(err, &appErr):
	case stderrors.Is(err, context.Canceled), stderrors.Is(err, context.DeadlineExceeded):
		appErr = errors.WrapError(err, errors.ErrorTypeInternal, errors.CodeInternalError, "Request cancelled")
		appErr.HTTPStatus = http.StatusServiceUnavailable
	default:
		appErr = errors.WrapError(err, errors.ErrorTypeInternal, errors.CodeInternalError, err.Error())
	}

	status := appErr.HTTPStatus
	if status == 0 {
		status = errors.HTTPStatus(err)
	}
	if status >= http.StatusInternalServerError {
		s.logger.WithError(err).WithField("path", r.URL.Path).Error("Request failed")
	}

	s.writeJSON(w, status, errors.ErrorResponse{
		Error:     appErr,
		Timestamp: timestamp,
		Path:      r.URL.Path,
	})
}

func conflict(message string) *errors.AppError {
	err := errors.NewValidationError(errors.CodeInvalidInput, message)
	err.HTTPStatus = http.StatusConflict
	return err
}

func notFound(message string) *errors.AppError {
	err := errors.NewValidationError(errors.CodeInvalidInput, message)
	err.HTTPStatus = http.StatusNotFound
	return err
}

// toPoints converts matrix rows into JSON-friendly slices
func toPoints(m mat.Matrix) [][]float64 {
	if m == nil {
		return nil
	}
	rows, _ := m.Dims()
	points := make([][]float64, rows)
	for i := range points {
		points[i] = mat.Row(nil, i, m)
	}
	return points
}
