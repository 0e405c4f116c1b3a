package influxdb

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/rsimle/internal/generators/rsimle"
	"github.com/inferloop/rsimle/pkg/errors"
)

const measurement = "rsimle_step"

// Config contains configuration for the loss history sink
type Config struct {
	URL          string        `json:"url" mapstructure:"url"`
	Token        string        `json:"token" mapstructure:"token"`
	Organization string        `json:"organization" mapstructure:"organization"`
	Bucket       string        `json:"bucket" mapstructure:"bucket"`
	Timeout      time.Duration `json:"timeout" mapstructure:"timeout"`
	BatchSize    int           `json:"batch_size" mapstructure:"batch_size"`
	UseGZip      bool          `json:"use_gzip" mapstructure:"use_gzip"`
}

// LossPoint is one stored iteration
type LossPoint struct {
	Time      time.Time `json:"time"`
	Iteration int64     `json:"iteration"`
	Loss      float64   `json:"loss"`
}

// LossRecorder writes one point per completed training iteration. Writes are
// asynchronous and batched so recording never blocks a step; write errors
// are logged.
type LossRecorder struct {
	config    *Config
	runID     string
	shapeName string
	client    influxdb2.Client
	writeAPI  api.WriteAPI
	queryAPI  api.QueryAPI
	logger    *logrus.Logger
	connected bool
	mu        sync.RWMutex
	done      chan struct{}
}

// NewLossRecorder creates a recorder tagging every point with runID.
// shapeName tags points whose step result does not name its target.
func NewLossRecorder(config *Config, runID, shapeName string, logger *logrus.Logger) (*LossRecorder, error) {
	if config == nil {
		return nil, errors.NewConfigurationError(errors.CodeInvalidConfig, "InfluxDB config cannot be nil")
	}
	if config.URL == "" || config.Bucket == "" {
		return nil, errors.NewConfigurationError(errors.CodeInvalidConfig, "InfluxDB url and bucket are required")
	}

	if logger == nil {
		logger = logrus.New()
	}

	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.BatchSize == 0 {
		config.BatchSize = 100
	}

	return &LossRecorder{
		config:    config,
		runID:     runID,
		shapeName: shapeName,
		logger:    logger,
	}, nil
}

// Connect establishes connection to InfluxDB
func (r *LossRecorder) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.connected {
		return nil
	}

	options := influxdb2.DefaultOptions()
	options.SetBatchSize(uint(r.config.BatchSize))
	options.SetUseGZip(r.config.UseGZip)
	options.SetHTTPRequestTimeout(uint(r.config.Timeout.Seconds()))
	options.SetPrecision(time.Millisecond)

	client := influxdb2.NewClientWithOptions(r.config.URL, r.config.Token, options)

	ok, err := client.Ping(ctx)
	if err != nil || !ok {
		client.Close()
		if err == nil {
			err = fmt.Errorf("ping returned false")
		}
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeConnectionFailed, "Failed to connect to InfluxDB")
	}

	r.client = client
	r.writeAPI = client.WriteAPI(r.config.Organization, r.config.Bucket)
	r.queryAPI = client.QueryAPI(r.config.Organization)
	r.done = make(chan struct{})
	r.connected = true

	go r.drainErrors(r.writeAPI.Errors(), r.done)

	r.logger.WithFields(logrus.Fields{
		"url":          r.config.URL,
		"organization": r.config.Organization,
		"bucket":       r.config.Bucket,
		"run_id":       r.runID,
	}).Info("Connected to InfluxDB")

	return nil
}

func (r *LossRecorder) drainErrors(errs <-chan error, done <-chan struct{}) {
	for {
		select {
		case err, ok := <-errs:
			if !ok {
				return
			}
			r.logger.WithError(err).Warn("Failed to write loss point to InfluxDB")
		case <-done:
			return
		}
	}
}

// Close flushes pending points and closes the connection
func (r *LossRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.connected {
		return nil
	}

	r.writeAPI.Flush()
	close(r.done)
	r.client.Close()
	r.connected = false

	r.logger.Info("Disconnected from InfluxDB")
	return nil
}

// ObserveStep queues one point for result
func (r *LossRecorder) ObserveStep(result *rsimle.StepResult) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.connected {
		return
	}
	r.writeAPI.WritePoint(newStepPoint(r.runID, r.shapeName, result, time.Now()))
}

// Flush forces pending points to be sent
func (r *LossRecorder) Flush() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.connected {
		r.writeAPI.Flush()
	}
}

// History returns the recorded loss of the run over the lookback window,
// oldest first. limit <= 0 returns every point.
func (r *LossRecorder) History(ctx context.Context, lookback time.Duration, limit int) ([]LossPoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.connected {
		return nil, errors.WrapError(errors.ErrStorageClosed, errors.ErrorTypeStorage, errors.CodeConnectionFailed, "Not connected to InfluxDB")
	}

	result, err := r.queryAPI.Query(ctx, r.buildHistoryQuery(lookback, limit))
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "Failed to query loss history")
	}
	defer result.Close()

	var points []LossPoint
	for result.Next() {
		rec := result.Record()
		p := LossPoint{Time: rec.Time()}
		if v, ok := rec.ValueByKey("loss").(float64); ok {
			p.Loss = v
		}
		if v, ok := rec.ValueByKey("iteration").(int64); ok {
			p.Iteration = v
		}
		points = append(points, p)
	}
	if result.Err() != nil {
		return nil, errors.WrapError(result.Err(), errors.ErrorTypeStorage, errors.CodeReadFailed, "Error reading loss history")
	}

	return points, nil
}

func (r *LossRecorder) buildHistoryQuery(lookback time.Duration, limit int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, `from(bucket: "%s")`, r.config.Bucket)
	fmt.Fprintf(&sb, ` |> range(start: -%s)`, lookback)
	fmt.Fprintf(&sb, ` |> filter(fn: (r) => r._measurement == "%s" and r.run_id == "%s")`, measurement, r.runID)
	sb.WriteString(` |> filter(fn: (r) => r._field == "loss" or r._field == "iteration")`)
	sb.WriteString(` |> pivot(rowKey: ["_time"], columnKey: ["_field"], valueColumn: "_value")`)
	sb.WriteString(` |> sort(columns: ["_time"])`)
	if limit > 0 {
		fmt.Fprintf(&sb, ` |> tail(n: %d)`, limit)
	}
	return sb.String()
}

func newStepPoint(runID, shapeName string, result *rsimle.StepResult, ts time.Time) *write.Point {
	if result.ShapeName != "" {
		shapeName = result.ShapeName
	}
	return influxdb2.NewPointWithMeasurement(measurement).
		AddTag("run_id", runID).
		AddTag("shape", shapeName).
		AddTag("distance", string(result.Distance)).
		AddTag("optimizer", string(result.Optimizer)).
		AddField("iteration", result.Iteration).
		AddField("loss", result.Loss).
		AddField("kept_count", result.KeptCount).
		AddField("forced", result.Forced >= 0).
		AddField("duration_ms", float64(result.Duration.Microseconds())/1000).
		SetTime(ts)
}
