package storage

import (
	"fmt"
	"net/http"
	"regexp"
	"slices"

	"github.com/google/uuid"

	"github.com/inferloop/rsimle/pkg/errors"
)

// Weight files are JSON regardless of backend.
const weightFileExt = ".json"

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// NewRunID returns a fresh run identifier
func NewRunID() string {
	return uuid.NewString()
}

// NewVersion returns a version identifier that sorts after every version
// generated before it.
func NewVersion() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func validateKey(field, value string) error {
	if !keyPattern.MatchString(value) {
		return errors.NewValidationError(errors.CodeInvalidInput, fmt.Sprintf("Invalid %s", field)).
			WithContext(field, value)
	}
	return nil
}

func validateRef(runID, version string) error {
	if err := validateKey("run_id", runID); err != nil {
		return err
	}
	if version == "" {
		return nil
	}
	return validateKey("version", version)
}

// latest picks the greatest version; versions compare lexicographically.
func latest(versions []string) (string, bool) {
	if len(versions) == 0 {
		return "", false
	}
	return slices.Max(versions), true
}

func notFound(runID, version string) error {
	return errors.WrapError(errors.ErrWeightsNotFound, errors.ErrorTypeStorage, errors.CodeWeightsNotFound, "Weights not found").
		WithContext("run_id", runID).
		WithContext("version", version)
}

func notConnected(backend string) error {
	e := errors.WrapError(errors.ErrStorageClosed, errors.ErrorTypeStorage, errors.CodeConnectionFailed, fmt.Sprintf("%s not connected", backend))
	e.HTTPStatus = http.StatusServiceUnavailable
	return e
}

func writeFailed(err error, message string) error {
	e := errors.WrapError(fmt.Errorf("%w: %w", errors.ErrStorageWriteFailed, err), errors.ErrorTypeStorage, errors.CodeWriteFailed, message)
	e.HTTPStatus = http.StatusInternalServerError
	return e
}

func readFailed(err error, message string) error {
	e := errors.WrapError(fmt.Errorf("%w: %w", errors.ErrStorageReadFailed, err), errors.ErrorTypeStorage, errors.CodeReadFailed, message)
	e.HTTPStatus = http.StatusInternalServerError
	return e
}
