package config

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/inferloop/rsimle/internal/generators/rsimle"
	"github.com/inferloop/rsimle/internal/providers"
	"github.com/inferloop/rsimle/pkg/interfaces"
)

// Sources are the batch providers a trainer and its viewers draw from
type Sources struct {
	Real    interfaces.BatchProvider
	Noise   interfaces.BatchProvider
	Preview interfaces.BatchProvider
}

// seedFor derives a per-source seed so the streams are independent but
// still reproducible. A zero base seed stays random.
func (c *Config) seedFor(offset uint64) uint64 {
	if c.Training.Seed == 0 {
		return 0
	}
	return c.Training.Seed + offset
}

// NewSources builds the real-data sampler, the training noise and the
// preview noise.
func (c *Config) NewSources() (*Sources, error) {
	var target interfaces.BatchProvider
	if c.Training.DataFile != "" {
		f, err := os.Open(c.Training.DataFile)
		if err != nil {
			return nil, fmt.Errorf("failed to open data file: %w", err)
		}
		defer f.Close()

		points, err := providers.ReadPointsCSV(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read data file %s: %w", c.Training.DataFile, err)
		}
		target, err = providers.NewResampleProvider(points, providers.NewRand(c.seedFor(1)))
		if err != nil {
			return nil, err
		}
	} else {
		shape, err := providers.NewShapeProvider(c.Training.ShapeName, providers.NewRand(c.seedFor(1)))
		if err != nil {
			return nil, err
		}
		target = shape
	}

	noise, err := providers.NewGaussianProvider(c.Model.NoiseSize, providers.NewRand(c.seedFor(2)))
	if err != nil {
		return nil, err
	}
	preview, err := c.PreviewNoise(c.Model.NoiseSize)
	if err != nil {
		return nil, err
	}

	return &Sources{Real: target, Noise: noise, Preview: preview}, nil
}

// PreviewNoise builds the latent source for preview pools of the given width
func (c *Config) PreviewNoise(noiseSize int) (interfaces.BatchProvider, error) {
	return providers.NewGaussianProvider(noiseSize, providers.NewRand(c.seedFor(3)))
}

// withTrainer returns a copy of c carrying the model and training settings
// of tc. Choosing another shape drops the data file.
func (c *Config) withTrainer(tc *rsimle.Config) *Config {
	next := *c
	next.Model = tc.Architecture
	next.Training.BatchSize = tc.BatchSize
	next.Training.SampleFactor = tc.SampleFactor
	next.Training.NoiseCoefficient = tc.NoiseCoefficient
	next.Training.DistanceType = tc.DistanceType
	next.Training.Epsilon = tc.Epsilon
	next.Training.OptimizerType = tc.OptimizerType
	next.Training.LearningRate = tc.LearningRate
	next.Training.KGSteps = tc.KGSteps
	next.Training.MaxIterations = tc.MaxIterations
	next.Training.Seed = tc.Seed
	if tc.ShapeName != c.Training.ShapeName {
		next.Training.ShapeName = tc.ShapeName
		next.Training.DataFile = ""
	}
	return &next
}

// Samplers rebuilds the trainer's samplers when its config changes
func (c *Config) Samplers() rsimle.SamplerFactory {
	return func(tc *rsimle.Config) (*rsimle.Samplers, error) {
		sources, err := c.withTrainer(tc).NewSources()
		if err != nil {
			return nil, err
		}
		return &rsimle.Samplers{Real: sources.Real, Noise: sources.Noise}, nil
	}
}

// NewTrainer builds the sources and a trainer over them
func (c *Config) NewTrainer(logger *logrus.Logger) (*rsimle.Trainer, *Sources, error) {
	sources, err := c.NewSources()
	if err != nil {
		return nil, nil, err
	}
	trainer, err := rsimle.NewTrainer(c.Trainer(), sources.Real, sources.Noise, logger)
	if err != nil {
		return nil, nil, err
	}
	trainer.SetSamplerFactory(c.Samplers())
	return trainer, sources, nil
}
