package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/inferloop/rsimle/internal/config"
	"github.com/inferloop/rsimle/internal/observability/metrics"
	"github.com/inferloop/rsimle/internal/server"
	"github.com/inferloop/rsimle/internal/storage"
	"github.com/inferloop/rsimle/internal/storage/influxdb"
)

func main() {
	flags := ParseFlags()

	cfg, err := config.Load(flags.ConfigFile)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	if err := flags.Apply(cfg); err != nil {
		logrus.WithError(err).Fatal("Invalid command-line overrides")
	}

	logger := config.NewLogger(cfg.Log)
	logger.WithFields(logrus.Fields{
		"version":   Version,
		"commit":    GitCommit,
		"buildDate": BuildDate,
	}).Info("Starting RS-IMLE training server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, flags.Play, logger); err != nil {
		logger.WithError(err).Error("Server failed")
		os.Exit(1)
	}
	logger.Info("Server stopped")
}

func run(ctx context.Context, cfg *config.Config, play bool, logger *logrus.Logger) error {
	trainer, _, err := cfg.NewTrainer(logger)
	if err != nil {
		return err
	}

	store, err := storage.NewFactory(logger).CreateStorage(&cfg.Storage)
	if err != nil {
		return err
	}
	if err := store.Connect(ctx); err != nil {
		return err
	}
	defer store.Close()

	var tm *metrics.TrainingMetrics
	if cfg.Metrics.Enabled {
		tm, err = metrics.NewTrainingMetrics(&cfg.Metrics, logger)
		if err != nil {
			return err
		}
	}

	runID := storage.NewRunID()

	var history server.LossHistory
	if cfg.InfluxDB.Enabled {
		recorder, err := influxdb.NewLossRecorder(&cfg.InfluxDB.Config, runID, cfg.Training.ShapeName, logger)
		if err != nil {
			return err
		}
		if err := recorder.Connect(ctx); err != nil {
			// Loss history is optional; keep training without it.
			logger.WithError(err).Warn("InfluxDB unavailable, loss history disabled")
		} else {
			defer recorder.Close()
			trainer.AddObserver(recorder)
			history = recorder
		}
	}

	srv, err := server.New(server.Options{
		Config:       cfg.Server,
		Trainer:      trainer,
		Store:        store,
		StoreType:    cfg.Storage.Type,
		Metrics:      tm,
		PreviewNoise: cfg.PreviewNoise,
		History:      history,
		RunID:        runID,
		Version:      GetBuildInfo().String(),
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	if play {
		srv.Play()
	}

	return srv.Run(ctx)
}
