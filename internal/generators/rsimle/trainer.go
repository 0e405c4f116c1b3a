package rsimle

import (
	"context"
	"fmt"
	"iter"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"github.com/inferloop/rsimle/pkg/errors"
	"github.com/inferloop/rsimle/pkg/interfaces"
)

// Phase is the stage a training iteration is in.
type Phase string

const (
	PhaseIdle       Phase = "IDLE"
	PhaseSampling   Phase = "SAMPLING"
	PhaseGenerating Phase = "GENERATING"
	PhaseMatching   Phase = "MATCHING"
	PhaseOptimizing Phase = "OPTIMIZING"
)

// StepResult is everything one iteration produces for display.
type StepResult struct {
	Iteration    int           `json:"iteration"`
	ShapeName    string        `json:"shape_name"`
	Loss         float64       `json:"loss"`
	Losses       []float64     `json:"losses"`
	MatchIndices []int         `json:"match_indices"`
	KeptCount    int           `json:"kept_count"`
	Forced       int           `json:"forced"`
	Distance     DistanceType  `json:"distance"`
	Optimizer    OptimizerType `json:"optimizer"`
	Duration     time.Duration `json:"duration"`

	Real      *mat.Dense `json:"-"`
	Generated *mat.Dense `json:"-"`
	Matched   *mat.Dense `json:"-"`
}

// StepObserver is notified after every completed iteration.
type StepObserver interface {
	ObserveStep(result *StepResult)
}

// Samplers are the real-data and latent providers a trainer draws from.
type Samplers struct {
	Real  interfaces.BatchProvider
	Noise interfaces.BatchProvider
}

// SamplerFactory builds the samplers for a configuration. The trainer calls
// it when a new configuration changes the noise size, target shape or seed.
type SamplerFactory func(config *Config) (*Samplers, error)

// Trainer runs RS-IMLE training iterations over a generator.
type Trainer struct {
	logger *logrus.Logger
	config *Config
	rng    *rand.Rand

	generator *Generator
	optimizer Optimizer
	loss      *LossComputer

	realProvider  interfaces.BatchProvider
	noiseProvider interfaces.BatchProvider
	samplers      SamplerFactory
	observers     []StepObserver

	iteration int
	phase     atomic.Value
	mu        sync.Mutex
}

// NewTrainer creates a trainer and initialises a fresh generator.
func NewTrainer(config *Config, realProvider, noiseProvider interfaces.BatchProvider, logger *logrus.Logger) (*Trainer, error) {
	if config == nil {
		config = DefaultConfig()
	}

	if logger == nil {
		logger = logrus.New()
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid training config: %w", err)
	}

	if realProvider == nil || noiseProvider == nil {
		return nil, errors.NewConfigurationError(errors.CodeInvalidConfig, "Real and noise providers are required")
	}
	if err := checkSamplers(config, realProvider, noiseProvider); err != nil {
		return nil, err
	}

	t := &Trainer{
		logger:        logger,
		config:        config,
		rng:           newRand(config.Seed),
		realProvider:  realProvider,
		noiseProvider: noiseProvider,
	}
	t.setPhase(PhaseIdle)

	t.warnFallbacks()

	if err := t.initialize(); err != nil {
		return nil, err
	}

	return t, nil
}

func checkSamplers(config *Config, realProvider, noiseProvider interfaces.BatchProvider) error {
	if realProvider.Dim() != OutputDim {
		return errors.NewShapeError(errors.CodeShapeMismatch, "Real provider must produce 2-D points").
			WithContext("dim", realProvider.Dim())
	}
	if noiseProvider.Dim() != config.NoiseSize {
		return errors.NewShapeError(errors.CodeShapeMismatch, "Noise provider width does not match noise size").
			WithContext("dim", noiseProvider.Dim()).
			WithContext("noise_size", config.NoiseSize)
	}
	return nil
}

// SetSamplerFactory lets Reconfigure and Restore rebuild the samplers.
// Without one, changes to the target shape or noise size are rejected.
func (t *Trainer) SetSamplerFactory(f SamplerFactory) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.samplers = f
}

func newRand(seed uint64) *rand.Rand {
	if seed == 0 {
		return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

func (t *Trainer) warnFallbacks() {
	if _, ok := ParseDistanceType(t.config.DistanceType); !ok {
		t.logger.WithField("distance_type", t.config.DistanceType).Warn("Unknown distance type, using L2")
	}
	if _, ok := ParseOptimizerType(t.config.OptimizerType); !ok {
		t.logger.WithField("optimizer_type", t.config.OptimizerType).Warn("Unknown optimizer type, using SGD")
	}
}

func (t *Trainer) initialize() error {
	if t.generator == nil {
		g, err := NewGenerator(t.config.Architecture, t.rng)
		if err != nil {
			return err
		}
		t.generator = g
	} else if err := t.generator.Initialize(t.config.Architecture, t.rng); err != nil {
		return err
	}

	t.optimizer = NewOptimizer(t.config.Optimizer(), t.config.LearningRate)
	t.loss = NewLossComputer(t.generator, t.config.NoiseCoefficient, t.rng)
	t.iteration = 0

	t.logger.WithFields(logrus.Fields{
		"noise_size": t.config.NoiseSize,
		"layers":     t.config.NumGeneratorLayers,
		"neurons":    t.config.NumGeneratorNeurons,
		"parameters": t.generator.NumParameters(),
		"optimizer":  t.optimizer.Type(),
		"distance":   t.config.Distance(),
		"pool_size":  t.config.PoolSize(),
	}).Info("Initialized generator")

	return nil
}

// AddObserver registers an observer for completed iterations
func (t *Trainer) AddObserver(o StepObserver) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observers = append(t.observers, o)
}

// Step runs one full iteration: sample, generate, match, then apply
// KGSteps optimizer updates. Each update re-evaluates the loss, so each
// draws a fresh perturbation over the same matched latents. On failure the
// parameters and optimizer state are restored to where they were before
// the iteration.
func (t *Trainer) Step(ctx context.Context) (*StepResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	defer t.setPhase(PhaseIdle)

	start := time.Now()
	cfg := t.config

	t.setPhase(PhaseSampling)
	latents, err := t.noiseProvider.NextBatch(cfg.PoolSize())
	if err != nil {
		return nil, fmt.Errorf("failed to sample latents: %w", err)
	}
	reals, err := t.realProvider.NextBatch(cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to sample real batch: %w", err)
	}

	t.setPhase(PhaseGenerating)
	candidates, err := t.generator.Forward(latents)
	if err != nil {
		return nil, fmt.Errorf("failed to generate candidates: %w", err)
	}

	t.setPhase(PhaseMatching)
	distances, err := PairwiseDistances(reals, candidates, cfg.Distance())
	if err != nil {
		return nil, fmt.Errorf("failed to compute distances: %w", err)
	}
	match, err := MatchCandidates(distances, cfg.Epsilon)
	if err != nil {
		return nil, fmt.Errorf("failed to match candidates: %w", err)
	}
	matchedLatents := gatherRows(latents, match.Indices)

	t.setPhase(PhaseOptimizing)
	lossFn := t.loss.Bind(reals, matchedLatents)
	losses, err := t.optimize(lossFn, cfg.KGSteps)
	if err != nil {
		return nil, err
	}

	t.iteration++
	result := &StepResult{
		Iteration:    t.iteration,
		ShapeName:    cfg.ShapeName,
		Loss:         losses[len(losses)-1],
		Losses:       losses,
		MatchIndices: match.Indices,
		KeptCount:    match.KeptCount(),
		Forced:       match.Forced,
		Distance:     cfg.Distance(),
		Optimizer:    t.optimizer.Type(),
		Duration:     time.Since(start),
		Real:         reals,
		Generated:    candidates,
		Matched:      gatherRows(candidates, match.Indices),
	}

	t.logger.WithFields(logrus.Fields{
		"iteration": result.Iteration,
		"loss":      result.Loss,
		"kept":      result.KeptCount,
		"forced":    result.Forced,
		"duration":  result.Duration,
	}).Debug("Completed training step")

	for _, o := range t.observers {
		o.ObserveStep(result)
	}

	return result, nil
}

func (t *Trainer) optimize(lossFn LossFunc, steps int) ([]float64, error) {
	if steps == 0 {
		loss, _, err := lossFn()
		if err != nil {
			return nil, fmt.Errorf("failed to evaluate loss: %w", err)
		}
		return []float64{loss}, nil
	}

	snapshot := t.generator.ExportWeights()
	state := t.optimizer.GetState()
	losses := make([]float64, 0, steps)
	for k := 0; k < steps; k++ {
		loss, err := Minimize(t.optimizer, t.generator, lossFn)
		if err != nil {
			if restoreErr := t.generator.LoadWeights(snapshot); restoreErr != nil {
				t.logger.WithError(restoreErr).Error("Failed to restore parameters after aborted step")
			}
			if restoreErr := t.optimizer.LoadState(state); restoreErr != nil {
				t.logger.WithError(restoreErr).Error("Failed to restore optimizer state after aborted step")
			}
			return nil, fmt.Errorf("optimizer step %d failed: %w", k+1, err)
		}
		losses = append(losses, loss)
	}
	return losses, nil
}

func (t *Trainer) setPhase(p Phase) {
	t.phase.Store(p)
}

// Iterate yields one StepResult per iteration until MaxIterations is reached
// (0 means unbounded), ctx is cancelled, or a step fails. Cancellation is only
// observed between iterations.
func (t *Trainer) Iterate(ctx context.Context) iter.Seq2[*StepResult, error] {
	return func(yield func(*StepResult, error) bool) {
		for {
			if limit := t.Config().MaxIterations; limit > 0 && t.Iteration() >= limit {
				return
			}
			if ctx.Err() != nil {
				return
			}
			result, err := t.Step(ctx)
			if !yield(result, err) || err != nil {
				return
			}
		}
	}
}

// Preview generates points for a caller-owned latent pool without touching
// the parameters.
func (t *Trainer) Preview(latents mat.Matrix) (*mat.Dense, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.generator.Forward(latents)
}

// Reset reinitialises the parameters and optimizer state.
func (t *Trainer) Reset() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.initialize()
}

// replacement is trainer state built off to the side, so a failed
// reconfiguration leaves the running trainer untouched.
type replacement struct {
	config    *Config
	rng       *rand.Rand
	generator *Generator
	real      interfaces.BatchProvider
	noise     interfaces.BatchProvider
	rebuilt   bool
}

// prepare builds everything config needs without touching t. A new
// generator is drawn when the architecture changed or fresh is set.
func (t *Trainer) prepare(config *Config, fresh bool) (*replacement, error) {
	if config == nil {
		return nil, errors.NewConfigurationError(errors.CodeInvalidConfig, "Config cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid training config: %w", err)
	}
	owned := *config
	config = &owned

	cur := t.config
	next := &replacement{
		config: config,
		rng:    t.rng,
		real:   t.realProvider,
		noise:  t.noiseProvider,
	}

	seedChanged := config.Seed != cur.Seed
	shapeChanged := config.ShapeName != cur.ShapeName
	widthChanged := config.NoiseSize != cur.NoiseSize
	if seedChanged {
		next.rng = newRand(config.Seed)
	}

	if seedChanged || shapeChanged || widthChanged {
		if t.samplers != nil {
			built, err := t.samplers(config)
			if err != nil {
				return nil, fmt.Errorf("failed to build samplers: %w", err)
			}
			if shapeChanged || seedChanged {
				next.real = built.Real
			}
			if widthChanged || seedChanged {
				next.noise = built.Noise
			}
		} else if shapeChanged {
			return nil, errors.NewConfigurationError(errors.CodeInvalidConfig, "Target shape cannot change on this trainer").
				WithContext("shape_name", config.ShapeName)
		}
		if err := checkSamplers(config, next.real, next.noise); err != nil {
			return nil, err
		}
	}

	if fresh || config.Architecture != cur.Architecture {
		initRng := next.rng
		if fresh {
			// overwritten by the caller; keep the training stream untouched
			initRng = newRand(1)
		}
		g, err := NewGenerator(config.Architecture, initRng)
		if err != nil {
			return nil, err
		}
		next.generator = g
		next.rebuilt = true
	} else {
		next.generator = t.generator
	}

	return next, nil
}

// commit swaps next in. The optimizer is rebuilt in every case; the
// iteration count restarts only with new parameters.
func (t *Trainer) commit(next *replacement) {
	if next.generator != t.generator {
		t.generator.release()
	}

	t.config = next.config
	t.rng = next.rng
	t.generator = next.generator
	t.realProvider = next.real
	t.noiseProvider = next.noise
	t.optimizer = NewOptimizer(next.config.Optimizer(), next.config.LearningRate)
	t.loss = NewLossComputer(next.generator, next.config.NoiseCoefficient, next.rng)
	if next.rebuilt {
		t.iteration = 0
	}
	t.warnFallbacks()
}

// Reconfigure swaps in config. Parameters are reinitialised when the
// architecture changed; the optimizer is rebuilt in every case. On error
// the trainer keeps its previous state.
func (t *Trainer) Reconfigure(config *Config) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	next, err := t.prepare(config, false)
	if err != nil {
		return err
	}
	t.commit(next)

	if next.rebuilt {
		t.logger.WithFields(logrus.Fields{
			"noise_size": config.NoiseSize,
			"layers":     config.NumGeneratorLayers,
			"neurons":    config.NumGeneratorNeurons,
			"parameters": t.generator.NumParameters(),
		}).Info("Reinitialized generator for new architecture")
	}
	return nil
}

// Restore applies the configuration recorded in wf and loads its weights,
// whatever architecture they were trained with. The weights are checked
// against a scratch generator first, so on error nothing changes.
func (t *Trainer) Restore(wf *WeightFile) error {
	if wf.Topology.Config == nil {
		return t.Load(wf)
	}
	cfg := *wf.Topology.Config

	t.mu.Lock()
	defer t.mu.Unlock()

	next, err := t.prepare(&cfg, true)
	if err != nil {
		return err
	}
	if err := next.generator.LoadWeights(wf.Weights); err != nil {
		next.generator.release()
		return fmt.Errorf("failed to load weights: %w", err)
	}
	t.commit(next)
	t.iteration = wf.Topology.IterCount

	t.logger.WithFields(logrus.Fields{
		"shape_name": wf.Topology.ShapeName,
		"iter_count": wf.Topology.IterCount,
		"parameters": t.generator.NumParameters(),
	}).Info("Restored generator weights and config")

	return nil
}

// Export snapshots the generator into the interchange format.
func (t *Trainer) Export() *WeightFile {
	t.mu.Lock()
	defer t.mu.Unlock()

	cfg := *t.config
	return &WeightFile{
		Topology: Topology{
			ShapeName: cfg.ShapeName,
			IterCount: t.iteration,
			Config:    &cfg,
		},
		Weights: t.generator.ExportWeights(),
	}
}

// Load assigns weights from wf. The file must match the current
// architecture; optimizer state is reset on success.
func (t *Trainer) Load(wf *WeightFile) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.generator.LoadWeights(wf.Weights); err != nil {
		return fmt.Errorf("failed to load weights: %w", err)
	}

	t.optimizer.Reset()
	t.iteration = wf.Topology.IterCount

	t.logger.WithFields(logrus.Fields{
		"shape_name": wf.Topology.ShapeName,
		"iter_count": wf.Topology.IterCount,
	}).Info("Loaded generator weights")

	return nil
}

// Iteration returns the number of completed iterations
func (t *Trainer) Iteration() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.iteration
}

// Phase returns the current iteration stage
func (t *Trainer) Phase() Phase {
	return t.phase.Load().(Phase)
}

// Config returns a copy of the active configuration
func (t *Trainer) Config() Config {
	t.mu.Lock()
	defer t.mu.Unlock()
	return *t.config
}

// Generator exposes the generator for read-only use
func (t *Trainer) Generator() *Generator {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.generator
}
