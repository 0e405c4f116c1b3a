package commands

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/inferloop/rsimle/internal/config"
	"github.com/inferloop/rsimle/internal/generators/rsimle"
	"github.com/inferloop/rsimle/internal/observability/metrics"
	"github.com/inferloop/rsimle/internal/providers"
	"github.com/inferloop/rsimle/internal/storage"
	"github.com/inferloop/rsimle/internal/storage/influxdb"
)

type TrainOptions struct {
	Iterations  int
	Shape       string
	DataFile    string
	Optimizer   string
	Distance    string
	Seed        uint64
	InitWeights string
	Output      string
	Save        bool
	RunID       string
	Samples     string
	SampleCount int
	LogEvery    int
	Metrics     bool
}

func NewTrainCmd(global *GlobalOptions) *cobra.Command {
	opts := &TrainOptions{}

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a generator headlessly",
		Long: `Run RS-IMLE training iterations until the iteration ceiling is reached or
the process is interrupted, then write the trained weights.`,
		Example: `  # Train on the ring for 2000 iterations and keep the weights
  rsimle train --shape ring --iterations 2000 --output ring.json

  # Train from a CSV of points and store the result in the configured backend
  rsimle train --data points.csv --save --samples samples.csv`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrain(cmd, global, opts)
		},
	}

	cmd.Flags().IntVarP(&opts.Iterations, "iterations", "n", 0, "Iteration ceiling (overrides training.max_iterations)")
	cmd.Flags().StringVar(&opts.Shape, "shape", "", "Target shape (overrides training.shape_name)")
	cmd.Flags().StringVar(&opts.DataFile, "data", "", "CSV of x,y points to train on instead of a shape")
	cmd.Flags().StringVar(&opts.Optimizer, "optimizer", "", "Optimizer (SGD, Adam, Adagrad, RMSProp)")
	cmd.Flags().StringVar(&opts.Distance, "distance", "", "Matching distance (L1, L2, Barrier)")
	cmd.Flags().Uint64Var(&opts.Seed, "seed", 0, "Random seed (0 keeps the configured seed)")
	cmd.Flags().StringVar(&opts.InitWeights, "init-weights", "", "Weight file to resume from")
	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "Write the trained weights to this file")
	cmd.Flags().BoolVar(&opts.Save, "save", false, "Save the trained weights to the configured store")
	cmd.Flags().StringVar(&opts.RunID, "run-id", "", "Run ID for stored weights (default generated)")
	cmd.Flags().StringVar(&opts.Samples, "samples", "", "Write generated points to this CSV file after training")
	cmd.Flags().IntVar(&opts.SampleCount, "sample-count", 1000, "Number of points written by --samples")
	cmd.Flags().IntVar(&opts.LogEvery, "log-every", 100, "Print progress every N iterations")
	cmd.Flags().BoolVar(&opts.Metrics, "metrics", false, "Serve Prometheus metrics while training")

	return cmd
}

func (o *TrainOptions) apply(cfg *config.Config) error {
	if o.Iterations > 0 {
		cfg.Training.MaxIterations = o.Iterations
	}
	if o.Shape != "" {
		cfg.Training.ShapeName = o.Shape
	}
	if o.DataFile != "" {
		cfg.Training.DataFile = o.DataFile
	}
	if o.Optimizer != "" {
		cfg.Training.OptimizerType = o.Optimizer
	}
	if o.Distance != "" {
		cfg.Training.DistanceType = o.Distance
	}
	if o.Seed != 0 {
		cfg.Training.Seed = o.Seed
	}
	if o.LogEvery < 1 {
		o.LogEvery = 1
	}
	return cfg.Validate()
}

func runTrain(cmd *cobra.Command, global *GlobalOptions, opts *TrainOptions) error {
	cfg, logger, err := global.load(cmd)
	if err != nil {
		return err
	}
	if err := opts.apply(cfg); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	trainer, sources, err := cfg.NewTrainer(logger)
	if err != nil {
		return err
	}

	if opts.InitWeights != "" {
		ws := &WeightSource{File: opts.InitWeights}
		wf, err := ws.load(ctx, cfg, logger)
		if err != nil {
			return err
		}
		if err := trainer.Load(wf); err != nil {
			return err
		}
	}

	runID := opts.RunID
	if runID == "" {
		runID = storage.NewRunID()
	}

	if opts.Metrics {
		tm, err := metrics.NewTrainingMetrics(&cfg.Metrics, logger)
		if err != nil {
			return err
		}
		if err := tm.Start(ctx); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			tm.Stop(shutdownCtx)
		}()
		trainer.AddObserver(tm)
		tm.SetActive(true)
		defer tm.SetActive(false)
	}

	if cfg.InfluxDB.Enabled {
		recorder, err := influxdb.NewLossRecorder(&cfg.InfluxDB.Config, runID, cfg.Training.ShapeName, logger)
		if err != nil {
			return err
		}
		if err := recorder.Connect(ctx); err != nil {
			logger.WithError(err).Warn("InfluxDB unavailable, loss history disabled")
		} else {
			defer recorder.Close()
			trainer.AddObserver(recorder)
		}
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Training run %s\n", runID)
	fmt.Fprintf(out, "Target: %s\n", targetName(cfg))
	fmt.Fprintf(out, "Optimizer: %s, distance: %s, max iterations: %d\n",
		cfg.Trainer().Optimizer(), cfg.Trainer().Distance(), cfg.Training.MaxIterations)

	start := time.Now()
	var last *rsimle.StepResult
	for result, err := range trainer.Iterate(ctx) {
		if err != nil {
			return fmt.Errorf("training failed after %d iterations: %w", trainer.Iteration(), err)
		}
		last = result
		if result.Iteration%opts.LogEvery == 0 {
			fmt.Fprintf(out, "iter %6d  loss %.6f  kept %d  forced %d\n",
				result.Iteration, result.Loss, result.KeptCount, result.Forced)
		}
	}
	if ctx.Err() != nil {
		logger.Warn("Training interrupted, writing current weights")
	}

	logger.WithFields(logrus.Fields{
		"iterations": trainer.Iteration(),
		"elapsed":    time.Since(start).Round(time.Millisecond),
	}).Info("Training finished")
	if last != nil {
		fmt.Fprintf(out, "Finished at iteration %d with loss %.6f\n", last.Iteration, last.Loss)
	}

	wf := trainer.Export()

	if opts.Output != "" {
		if err := writeTo(opts.Output, out, wf.Encode); err != nil {
			return fmt.Errorf("failed to write weights: %w", err)
		}
		fmt.Fprintf(out, "Wrote weights to %s\n", opts.Output)
	}

	if opts.Save {
		// Saving must survive an interrupted run
		saveCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := saveToStore(saveCtx, cfg, logger, runID, wf, out); err != nil {
			return err
		}
	}

	if opts.Samples != "" {
		latents, err := sources.Preview.NextBatch(opts.SampleCount)
		if err != nil {
			return err
		}
		points, err := trainer.Preview(latents)
		if err != nil {
			return err
		}
		if err := writeTo(opts.Samples, out, func(w io.Writer) error {
			return providers.WritePointsCSV(w, points)
		}); err != nil {
			return fmt.Errorf("failed to write samples: %w", err)
		}
		fmt.Fprintf(out, "Wrote %d samples to %s\n", opts.SampleCount, opts.Samples)
	}

	return nil
}

func targetName(cfg *config.Config) string {
	if cfg.Training.DataFile != "" {
		return cfg.Training.DataFile
	}
	return cfg.Training.ShapeName
}

func saveToStore(ctx context.Context, cfg *config.Config, logger *logrus.Logger, runID string, wf *rsimle.WeightFile, out io.Writer) error {
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	var buf bytes.Buffer
	if err := wf.Encode(&buf); err != nil {
		return fmt.Errorf("failed to encode weights: %w", err)
	}

	version := storage.NewVersion()
	key, err := store.Save(ctx, runID, version, buf.Bytes())
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Saved weights to %s (run %s, version %s)\n", key, runID, version)
	return nil
}
