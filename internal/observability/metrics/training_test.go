package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/rsimle/internal/generators/rsimle"
	"github.com/inferloop/rsimle/pkg/errors"
)

func newTestMetrics(t *testing.T) *TrainingMetrics {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	tm, err := NewTrainingMetrics(nil, logger)
	require.NoError(t, err)
	return tm
}

func TestObserveStep(t *testing.T) {
	tm := newTestMetrics(t)

	tm.ObserveStep(&rsimle.StepResult{Iteration: 1, Loss: 0.5, KeptCount: 64, Forced: -1, Duration: 2 * time.Millisecond})
	tm.ObserveStep(&rsimle.StepResult{Iteration: 2, Loss: 0.25, KeptCount: 1, Forced: 9, Duration: 3 * time.Millisecond})

	assert.Equal(t, 2.0, testutil.ToFloat64(tm.iterationsTotal))
	assert.Equal(t, 0.25, testutil.ToFloat64(tm.loss))
	assert.Equal(t, 1.0, testutil.ToFloat64(tm.keptCandidates))
	assert.Equal(t, 1.0, testutil.ToFloat64(tm.forcedKeepsTotal))
	assert.Equal(t, 1, testutil.CollectAndCount(tm.stepDuration))
}

func TestRecordStepError(t *testing.T) {
	tm := newTestMetrics(t)

	tm.RecordStepError(errors.NewNumericalError(errors.CodeNonFiniteLoss, "nan"))
	tm.RecordStepError(errors.NewShapeError(errors.CodeShapeMismatch, "shape"))
	tm.RecordStepError(io.ErrUnexpectedEOF)

	assert.Equal(t, 1.0, testutil.ToFloat64(tm.stepErrorsTotal.WithLabelValues("numerical")))
	assert.Equal(t, 1.0, testutil.ToFloat64(tm.stepErrorsTotal.WithLabelValues("shape")))
	assert.Equal(t, 1.0, testutil.ToFloat64(tm.stepErrorsTotal.WithLabelValues("internal")))
}

func TestActiveAndOperations(t *testing.T) {
	tm := newTestMetrics(t)

	tm.SetActive(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(tm.trainingActive))
	tm.SetActive(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(tm.trainingActive))

	tm.RecordWeightOperation("file", "save", nil)
	tm.RecordWeightOperation("file", "load", errors.ErrWeightsNotFound)
	assert.Equal(t, 1.0, testutil.ToFloat64(tm.weightOperationsTotal.WithLabelValues("file", "save", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(tm.weightOperationsTotal.WithLabelValues("file", "load", "error")))

	tm.RecordHTTPRequest("POST", "/api/v1/step", "200", 5*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(tm.httpRequestsTotal.WithLabelValues("POST", "/api/v1/step", "200")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	tm := newTestMetrics(t)
	tm.ObserveStep(&rsimle.StepResult{Iteration: 1, Loss: 0.5, Forced: -1})

	rec := httptest.NewRecorder()
	tm.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "rsimle_trainer_iterations_total 1"))
	assert.Contains(t, body, "rsimle_trainer_loss 0.5")
}

func TestStartDisabled(t *testing.T) {
	config := DefaultConfig()
	config.Enabled = false

	tm, err := NewTrainingMetrics(config, nil)
	require.NoError(t, err)
	require.NoError(t, tm.Start(t.Context()))
	assert.Nil(t, tm.server)
	assert.NoError(t, tm.Stop(t.Context()))
}
