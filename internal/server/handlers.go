package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/rsimle/internal/generators/rsimle"
	"github.com/inferloop/rsimle/internal/storage"
	"github.com/inferloop/rsimle/internal/storage/influxdb"
	"github.com/inferloop/rsimle/pkg/errors"
)

// latestVersion selects the newest stored version in weight routes
const latestVersion = "latest"

// HealthStatus is the body of /health
type HealthStatus struct {
	Status     string    `json:"status"`
	Timestamp  time.Time `json:"timestamp"`
	Version    string    `json:"version"`
	Uptime     string    `json:"uptime"`
	RunID      string    `json:"run_id"`
	Goroutines int       `json:"goroutines"`
	Storage    Check     `json:"storage"`
}

// Check is the outcome of one dependency check
type Check struct {
	Name         string        `json:"name"`
	Status       string        `json:"status"`
	ResponseTime time.Duration `json:"response_time"`
	Details      string        `json:"details,omitempty"`
}

// StateResponse describes the live training state
type StateResponse struct {
	RunID         string             `json:"run_id"`
	Playing       bool               `json:"playing"`
	Phase         rsimle.Phase       `json:"phase"`
	Iteration     int                `json:"iteration"`
	MaxIterations int                `json:"max_iterations"`
	Config        rsimle.Config      `json:"config"`
	Last          *rsimle.StepResult `json:"last,omitempty"`
	LastError     string             `json:"last_error,omitempty"`
}

// PointsResponse carries generated points for the preview pool
type PointsResponse struct {
	Iteration int         `json:"iteration"`
	Points    [][]float64 `json:"points"`
}

// BatchResponse carries the point sets of the most recent step
type BatchResponse struct {
	Iteration    int         `json:"iteration"`
	Real         [][]float64 `json:"real"`
	Generated    [][]float64 `json:"generated"`
	Matched      [][]float64 `json:"matched"`
	MatchIndices []int       `json:"match_indices"`
}

// WeightsResponse describes a stored weight file
type WeightsResponse struct {
	RunID     string `json:"run_id"`
	Version   string `json:"version"`
	Key       string `json:"key,omitempty"`
	ShapeName string `json:"shape_name"`
	IterCount int    `json:"iter_count"`
}

// VersionsResponse lists the stored versions of a run
type VersionsResponse struct {
	RunID    string   `json:"run_id"`
	Versions []string `json:"versions"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	check := Check{Name: s.storeType, Status: "healthy"}
	if err := s.store.Ping(r.Context()); err != nil {
		check.Status = "unhealthy"
		check.Details = err.Error()
	}
	check.ResponseTime = time.Since(start)

	status := HealthStatus{
		Status:     check.Status,
		Timestamp:  time.Now(),
		Version:    s.version,
		Uptime:     time.Since(s.startTime).Round(time.Second).String(),
		RunID:      s.runID,
		Goroutines: runtime.NumGoroutine(),
		Storage:    check,
	}

	code := http.StatusOK
	if check.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, status)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"version":    s.version,
		"go_version": runtime.Version(),
	})
}

func (s *Server) handlePlay(w http.ResponseWriter, r *http.Request) {
	if s.atCeiling() {
		s.writeError(w, r, conflict("Iteration ceiling reached; reset or raise max iterations"))
		return
	}
	s.Play()
	s.writeJSON(w, http.StatusOK, s.state())
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.Pause()
	s.writeJSON(w, http.StatusOK, s.state())
}

func (s *Server) handleStep(w http.ResponseWriter, r *http.Request) {
	if s.Playing() {
		s.writeError(w, r, conflict("Training is running; pause before stepping"))
		return
	}
	if s.atCeiling() {
		s.writeError(w, r, conflict("Iteration ceiling reached; reset or raise max iterations"))
		return
	}

	result, err := s.step(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.trainer.Reset(); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.clearLast()
	s.logger.WithField("run_id", s.runID).Info("Generator reset")
	s.writeJSON(w, http.StatusOK, s.state())
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.state())
}

func (s *Server) state() StateResponse {
	cfg := s.trainer.Config()
	last, lastErr := s.lastStep()

	state := StateResponse{
		RunID:         s.runID,
		Playing:       s.Playing(),
		Phase:         s.trainer.Phase(),
		Iteration:     s.trainer.Iteration(),
		MaxIterations: cfg.MaxIterations,
		Config:        cfg,
		Last:          last,
	}
	if lastErr != nil {
		state.LastError = lastErr.Error()
	}
	return state
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.trainer.Config())
}

// handleUpdateConfig applies a partial config over the active one. An
// architecture change reinitialises the generator; a new shape, seed or
// noise size also rebuilds the samplers. A rejected config changes nothing.
func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	cfg := s.trainer.Config()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		s.writeError(w, r, errors.WrapError(err, errors.ErrorTypeValidation, errors.CodeInvalidInput, "Invalid config body").
			WithDetails(err.Error()))
		return
	}

	if err := s.trainer.Reconfigure(&cfg); err != nil {
		s.writeError(w, r, err)
		return
	}

	s.logger.WithFields(logrus.Fields{
		"optimizer": cfg.Optimizer(),
		"distance":  cfg.Distance(),
	}).Info("Training reconfigured")

	s.writeJSON(w, http.StatusOK, s.trainer.Config())
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	pool, err := s.previewPool(s.trainer.Config().NoiseSize)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	latents, err := pool.NextBatch(s.config.PreviewSize)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	points, err := s.trainer.Preview(latents)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, PointsResponse{
		Iteration: s.trainer.Iteration(),
		Points:    toPoints(points),
	})
}

func (s *Server) handleLastBatch(w http.ResponseWriter, r *http.Request) {
	last, _ := s.lastStep()
	if last == nil {
		s.writeError(w, r, notFound("No completed step yet"))
		return
	}

	s.writeJSON(w, http.StatusOK, BatchResponse{
		Iteration:    last.Iteration,
		Real:         toPoints(last.Real),
		Generated:    toPoints(last.Generated),
		Matched:      toPoints(last.Matched),
		MatchIndices: last.MatchIndices,
	})
}

// HistoryResponse carries the recorded loss of the live run
type HistoryResponse struct {
	RunID  string               `json:"run_id"`
	Points []influxdb.LossPoint `json:"points"`
}

// handleHistory returns the recorded loss, oldest first. lookback is a Go
// duration (default 1h); limit keeps only the newest points.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, r, notFound("Loss history is not enabled"))
		return
	}

	query := r.URL.Query()
	lookback := time.Hour
	if v := query.Get("lookback"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			s.writeError(w, r, errors.NewValidationError(errors.CodeInvalidInput, "lookback must be a positive duration").
				WithContext("lookback", v))
			return
		}
		lookback = d
	}
	limit := 0
	if v := query.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, r, errors.NewValidationError(errors.CodeInvalidInput, "limit must be a non-negative integer").
				WithContext("limit", v))
			return
		}
		limit = n
	}

	// Points from the latest steps may still be buffered
	s.history.Flush()
	points, err := s.history.History(r.Context(), lookback, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if points == nil {
		points = []influxdb.LossPoint{}
	}

	s.writeJSON(w, http.StatusOK, HistoryResponse{RunID: s.runID, Points: points})
}

// requestRunID returns the run named by the query, defaulting to the live run
func (s *Server) requestRunID(r *http.Request) string {
	if id := r.URL.Query().Get("run_id"); id != "" {
		return id
	}
	return s.runID
}

func requestVersion(r *http.Request) string {
	version := mux.Vars(r)["version"]
	if version == latestVersion {
		return ""
	}
	return version
}

func (s *Server) recordWeightOperation(operation string, err error) {
	if s.metrics != nil {
		s.metrics.RecordWeightOperation(s.storeType, operation, err)
	}
}

func (s *Server) handleListWeights(w http.ResponseWriter, r *http.Request) {
	runID := s.requestRunID(r)
	versions, err := s.store.ListVersions(r.Context(), runID)
	s.recordWeightOperation("list", err)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if versions == nil {
		versions = []string{}
	}
	s.writeJSON(w, http.StatusOK, VersionsResponse{RunID: runID, Versions: versions})
}

func (s *Server) handleSaveWeights(w http.ResponseWriter, r *http.Request) {
	wf := s.trainer.Export()

	var buf bytes.Buffer
	if err := wf.Encode(&buf); err != nil {
		s.writeError(w, r, errors.WrapError(err, errors.ErrorTypeInternal, errors.CodeInternalError, "Failed to encode weights"))
		return
	}

	version := storage.NewVersion()
	key, err := s.store.Save(r.Context(), s.runID, version, buf.Bytes())
	s.recordWeightOperation("save", err)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.logger.WithFields(logrus.Fields{
		"run_id":     s.runID,
		"version":    version,
		"key":        key,
		"iter_count": wf.Topology.IterCount,
	}).Info("Saved generator weights")

	s.writeJSON(w, http.StatusCreated, WeightsResponse{
		RunID:     s.runID,
		Version:   version,
		Key:       key,
		ShapeName: wf.Topology.ShapeName,
		IterCount: wf.Topology.IterCount,
	})
}

func (s *Server) handleDownloadWeights(w http.ResponseWriter, r *http.Request) {
	data, err := s.store.Load(r.Context(), s.requestRunID(r), requestVersion(r))
	s.recordWeightOperation("load", err)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		s.logger.WithError(err).Error("Failed to write weights")
	}
}

// handleLoadWeights assigns stored weights to the live generator. With
// reconfigure=true the file's own config is restored along with them, so
// weights of another architecture can be loaded; otherwise the shapes must
// match. A failed load leaves the live generator as it was.
func (s *Server) handleLoadWeights(w http.ResponseWriter, r *http.Request) {
	runID := s.requestRunID(r)

	data, err := s.store.Load(r.Context(), runID, requestVersion(r))
	s.recordWeightOperation("load", err)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	wf, err := rsimle.DecodeWeightFile(bytes.NewReader(data))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	load := s.trainer.Load
	if r.URL.Query().Get("reconfigure") == "true" {
		load = s.trainer.Restore
	}
	if err := load(wf); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.clearLast()

	s.writeJSON(w, http.StatusOK, WeightsResponse{
		RunID:     runID,
		Version:   mux.Vars(r)["version"],
		ShapeName: wf.Topology.ShapeName,
		IterCount: wf.Topology.IterCount,
	})
}

func (s *Server) handleDeleteWeights(w http.ResponseWriter, r *http.Request) {
	version := mux.Vars(r)["version"]
	err := s.store.Delete(r.Context(), s.requestRunID(r), version)
	s.recordWeightOperation("delete", err)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	s.writeError(w, r, notFound("Route not found"))
}

func (s *Server) handleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	err := errors.NewValidationError(errors.CodeInvalidInput, "Method not allowed").
		WithContext("method", r.Method)
	err.HTTPStatus = http.StatusMethodNotAllowed
	s.writeError(w, r, err)
}
