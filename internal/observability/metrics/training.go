package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/rsimle/internal/generators/rsimle"
	"github.com/inferloop/rsimle/pkg/errors"
)

// Config configures Prometheus metrics
type Config struct {
	Enabled   bool              `json:"enabled" mapstructure:"enabled"`
	Port      int               `json:"port" mapstructure:"port"`
	Path      string            `json:"path" mapstructure:"path"`
	Namespace string            `json:"namespace" mapstructure:"namespace"`
	Subsystem string            `json:"subsystem" mapstructure:"subsystem"`
	Labels    map[string]string `json:"labels" mapstructure:"labels"`
}

// DefaultConfig returns the metrics defaults
func DefaultConfig() *Config {
	return &Config{
		Enabled:   true,
		Port:      9090,
		Path:      "/metrics",
		Namespace: "rsimle",
		Subsystem: "trainer",
		Labels:    make(map[string]string),
	}
}

// TrainingMetrics exports training progress to Prometheus. It implements
// rsimle.StepObserver.
type TrainingMetrics struct {
	logger   *logrus.Logger
	registry *prometheus.Registry
	server   *http.Server
	config   *Config

	iterationsTotal  prometheus.Counter
	loss             prometheus.Gauge
	stepDuration     prometheus.Histogram
	keptCandidates   prometheus.Gauge
	forcedKeepsTotal prometheus.Counter
	stepErrorsTotal  *prometheus.CounterVec
	trainingActive   prometheus.Gauge

	weightOperationsTotal *prometheus.CounterVec
	httpRequestsTotal     *prometheus.CounterVec
	httpRequestDuration   *prometheus.HistogramVec
}

// NewTrainingMetrics creates the metrics on a private registry
func NewTrainingMetrics(config *Config, logger *logrus.Logger) (*TrainingMetrics, error) {
	if config == nil {
		config = DefaultConfig()
	}

	if logger == nil {
		logger = logrus.New()
	}

	tm := &TrainingMetrics{
		logger:   logger,
		registry: prometheus.NewRegistry(),
		config:   config,
	}

	tm.initializeMetrics()

	if err := tm.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	return tm, nil
}

func (tm *TrainingMetrics) initializeMetrics() {
	namespace := tm.config.Namespace
	subsystem := tm.config.Subsystem
	labels := prometheus.Labels(tm.config.Labels)

	tm.iterationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   namespace,
		Subsystem:   subsystem,
		Name:        "iterations_total",
		Help:        "Total number of completed training iterations",
		ConstLabels: labels,
	})

	tm.loss = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   namespace,
		Subsystem:   subsystem,
		Name:        "loss",
		Help:        "Reconstruction loss of the last optimizer update",
		ConstLabels: labels,
	})

	tm.stepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace:   namespace,
		Subsystem:   subsystem,
		Name:        "step_duration_seconds",
		Help:        "Duration of one training iteration in seconds",
		Buckets:     prometheus.ExponentialBuckets(0.0005, 2, 14),
		ConstLabels: labels,
	})

	tm.keptCandidates = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   namespace,
		Subsystem:   subsystem,
		Name:        "kept_candidates",
		Help:        "Candidates that survived rejection sampling in the last iteration",
		ConstLabels: labels,
	})

	tm.forcedKeepsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   namespace,
		Subsystem:   subsystem,
		Name:        "forced_keeps_total",
		Help:        "Iterations in which every candidate was rejected and one was force-kept",
		ConstLabels: labels,
	})

	tm.stepErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   namespace,
		Subsystem:   subsystem,
		Name:        "step_errors_total",
		Help:        "Aborted training iterations by error type",
		ConstLabels: labels,
	}, []string{"type"})

	tm.trainingActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   namespace,
		Subsystem:   subsystem,
		Name:        "active",
		Help:        "1 while the training loop is playing",
		ConstLabels: labels,
	})

	tm.weightOperationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   namespace,
		Subsystem:   "storage",
		Name:        "weight_operations_total",
		Help:        "Weight store operations",
		ConstLabels: labels,
	}, []string{"backend", "operation", "status"})

	tm.httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   namespace,
		Subsystem:   "http",
		Name:        "requests_total",
		Help:        "Total number of HTTP requests",
		ConstLabels: labels,
	}, []string{"method", "path", "status"})

	tm.httpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   namespace,
		Subsystem:   "http",
		Name:        "request_duration_seconds",
		Help:        "HTTP request duration in seconds",
		Buckets:     prometheus.DefBuckets,
		ConstLabels: labels,
	}, []string{"method", "path"})
}

func (tm *TrainingMetrics) registerMetrics() error {
	metrics := []prometheus.Collector{
		tm.iterationsTotal,
		tm.loss,
		tm.stepDuration,
		tm.keptCandidates,
		tm.forcedKeepsTotal,
		tm.stepErrorsTotal,
		tm.trainingActive,
		tm.weightOperationsTotal,
		tm.httpRequestsTotal,
		tm.httpRequestDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	}

	for _, metric := range metrics {
		if err := tm.registry.Register(metric); err != nil {
			return fmt.Errorf("failed to register metric: %w", err)
		}
	}

	return nil
}

// ObserveStep records one completed iteration
func (tm *TrainingMetrics) ObserveStep(result *rsimle.StepResult) {
	tm.iterationsTotal.Inc()
	tm.loss.Set(result.Loss)
	tm.stepDuration.Observe(result.Duration.Seconds())
	tm.keptCandidates.Set(float64(result.KeptCount))
	if result.Forced >= 0 {
		tm.forcedKeepsTotal.Inc()
	}
}

// RecordStepError counts an aborted iteration by its error type
func (tm *TrainingMetrics) RecordStepError(err error) {
	tm.stepErrorsTotal.WithLabelValues(errorType(err)).Inc()
}

func errorType(err error) string {
	for _, t := range []errors.ErrorType{
		errors.ErrorTypeNumerical,
		errors.ErrorTypeShape,
		errors.ErrorTypeStorage,
		errors.ErrorTypeConfiguration,
		errors.ErrorTypeValidation,
	} {
		if errors.IsType(err, t) {
			return string(t)
		}
	}
	return string(errors.ErrorTypeInternal)
}

// SetActive reports whether the training loop is playing
func (tm *TrainingMetrics) SetActive(active bool) {
	if active {
		tm.trainingActive.Set(1)
	} else {
		tm.trainingActive.Set(0)
	}
}

// RecordWeightOperation counts one weight store call
func (tm *TrainingMetrics) RecordWeightOperation(backend, operation string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	tm.weightOperationsTotal.WithLabelValues(backend, operation, status).Inc()
}

// RecordHTTPRequest records one served request
func (tm *TrainingMetrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	tm.httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	tm.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// Handler serves the registry in the Prometheus exposition format
func (tm *TrainingMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(tm.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Start serves the metrics on their own port. It is a no-op when disabled.
func (tm *TrainingMetrics) Start(ctx context.Context) error {
	if !tm.config.Enabled {
		tm.logger.Info("Prometheus metrics disabled")
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(tm.config.Path, tm.Handler())

	tm.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", tm.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	tm.logger.WithFields(logrus.Fields{
		"port": tm.config.Port,
		"path": tm.config.Path,
	}).Info("Starting Prometheus metrics server")

	go func() {
		if err := tm.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			tm.logger.WithError(err).Error("Prometheus metrics server error")
		}
	}()

	return nil
}

// Stop stops the metrics server
func (tm *TrainingMetrics) Stop(ctx context.Context) error {
	if tm.server == nil {
		return nil
	}

	tm.logger.Info("Stopping Prometheus metrics server")
	return tm.server.Shutdown(ctx)
}

// GetRegistry returns the Prometheus registry
func (tm *TrainingMetrics) GetRegistry() *prometheus.Registry {
	return tm.registry
}
