package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/rsimle/internal/config"
	"github.com/inferloop/rsimle/internal/generators/rsimle"
	"github.com/inferloop/rsimle/internal/observability/metrics"
	"github.com/inferloop/rsimle/internal/providers"
	"github.com/inferloop/rsimle/internal/storage/influxdb"
	"github.com/inferloop/rsimle/pkg/errors"
	"github.com/inferloop/rsimle/pkg/interfaces"
)

// Options wires the server to its collaborators
type Options struct {
	Config    config.ServerConfig
	Trainer   *rsimle.Trainer
	Store     interfaces.WeightStore
	StoreType string
	Metrics   *metrics.TrainingMetrics
	// PreviewNoise builds the source of the fixed latent pool shown by
	// /preview for a given noise size
	PreviewNoise func(noiseSize int) (interfaces.BatchProvider, error)
	// History serves /history; nil when loss history is not recorded
	History LossHistory
	RunID   string
	Version string
	Logger  *logrus.Logger
}

// LossHistory reads back the per-iteration loss recorded for the live run
type LossHistory interface {
	Flush()
	History(ctx context.Context, lookback time.Duration, limit int) ([]influxdb.LossPoint, error)
}

// Server drives a trainer from a background loop and exposes an HTTP
// control surface over it.
type Server struct {
	config    config.ServerConfig
	logger    *logrus.Logger
	trainer   *rsimle.Trainer
	store     interfaces.WeightStore
	storeType string
	metrics   *metrics.TrainingMetrics
	history   LossHistory
	runID     string
	version   string
	startTime time.Time

	router     *mux.Router
	httpServer *http.Server

	playing atomic.Bool
	wake    chan struct{}

	mu      sync.RWMutex
	last    *rsimle.StepResult
	lastErr error

	previewMu    sync.Mutex
	previewNoise func(noiseSize int) (interfaces.BatchProvider, error)
	preview      *providers.FixedProvider
}

// New creates a server. The trainer is registered with the metrics
// collector so every completed step is counted exactly once.
func New(opts Options) (*Server, error) {
	if opts.Trainer == nil {
		return nil, errors.NewConfigurationError(errors.CodeInvalidConfig, "Trainer is required")
	}
	if opts.Store == nil {
		return nil, errors.NewConfigurationError(errors.CodeInvalidConfig, "Weight store is required")
	}
	if opts.PreviewNoise == nil {
		return nil, errors.NewConfigurationError(errors.CodeInvalidConfig, "Preview noise source is required")
	}
	if opts.Config.PreviewSize < 1 {
		return nil, errors.NewConfigurationError(errors.CodeInvalidConfig, "Preview size must be positive").
			WithContext("preview_size", opts.Config.PreviewSize)
	}

	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}

	s := &Server{
		config:    opts.Config,
		logger:    logger,
		trainer:   opts.Trainer,
		store:     opts.Store,
		storeType: opts.StoreType,
		metrics:   opts.Metrics,
		history:   opts.History,
		runID:     opts.RunID,
		version:   opts.Version,
		startTime: time.Now(),
		wake:      make(chan struct{}, 1),

		previewNoise: opts.PreviewNoise,
	}

	if _, err := s.previewPool(opts.Trainer.Config().NoiseSize); err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.trainer.AddObserver(s.metrics)
	}

	s.router = s.setupRoutes()
	s.httpServer = &http.Server{
		Addr:         s.config.Addr(),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	return s, nil
}

// Handler returns the routed handler with middleware applied
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run starts the training loop and the HTTP listener and blocks until ctx
// is cancelled or the listener fails. The listener is shut down gracefully.
func (s *Server) Run(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.runLoop(loopCtx)
	}()

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithFields(logrus.Fields{
			"address": s.httpServer.Addr,
			"run_id":  s.runID,
		}).Info("Starting control server")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err, ok := <-errCh:
		if ok {
			runErr = fmt.Errorf("control server failed: %w", err)
		}
	}

	s.Pause()
	cancel()
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer shutdownCancel()

	s.logger.Info("Shutting down control server...")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = fmt.Errorf("control server shutdown failed: %w", err)
	}

	return runErr
}

// Play resumes the training loop
func (s *Server) Play() {
	if s.playing.CompareAndSwap(false, true) {
		s.setActive(true)
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
}

// Pause stops the training loop after the current iteration
func (s *Server) Pause() {
	if s.playing.CompareAndSwap(true, false) {
		s.setActive(false)
	}
}

// Playing reports whether the loop is running
func (s *Server) Playing() bool {
	return s.playing.Load()
}

func (s *Server) setActive(active bool) {
	if s.metrics != nil {
		s.metrics.SetActive(active)
	}
}

// runLoop steps the trainer while playing. It pauses itself at the
// iteration ceiling and after any failed step.
func (s *Server) runLoop(ctx context.Context) {
	for {
		if !s.playing.Load() {
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
				continue
			}
		}
		if ctx.Err() != nil {
			return
		}

		if s.atCeiling() {
			s.logger.WithField("iteration", s.trainer.Iteration()).Info("Reached max iterations, pausing")
			s.Pause()
			continue
		}

		if _, err := s.step(ctx); err != nil {
			s.Pause()
			continue
		}

		if s.config.StepInterval > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.config.StepInterval):
			}
		}
	}
}

func (s *Server) atCeiling() bool {
	limit := s.trainer.Config().MaxIterations
	return limit > 0 && s.trainer.Iteration() >= limit
}

// step runs one iteration and records its outcome for /state
func (s *Server) step(ctx context.Context) (*rsimle.StepResult, error) {
	result, err := s.trainer.Step(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		s.lastErr = err
		if s.metrics != nil {
			s.metrics.RecordStepError(err)
		}
		s.logger.WithError(err).WithField("iteration", s.trainer.Iteration()).Error("Training step failed")
		return nil, err
	}

	s.last = result
	s.lastErr = nil
	return result, nil
}

func (s *Server) lastStep() (*rsimle.StepResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last, s.lastErr
}

func (s *Server) clearLast() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = nil
	s.lastErr = nil
}

// previewPool returns the fixed latent pool for noiseSize, drawing a new
// one when the generator's noise size changed.
func (s *Server) previewPool(noiseSize int) (*providers.FixedProvider, error) {
	s.previewMu.Lock()
	defer s.previewMu.Unlock()

	if s.preview != nil && s.preview.Dim() == noiseSize {
		return s.preview, nil
	}
	source, err := s.previewNoise(noiseSize)
	if err != nil {
		return nil, fmt.Errorf("failed to build preview noise: %w", err)
	}
	s.preview = providers.NewFixedProvider(source)
	return s.preview, nil
}
