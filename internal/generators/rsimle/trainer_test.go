package rsimle

import (
	"context"
	stderrors "errors"
	"io"
	"math"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/inferloop/rsimle/internal/providers"
	"github.com/inferloop/rsimle/pkg/errors"
	"github.com/inferloop/rsimle/pkg/interfaces"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.Architecture = testArch()
	cfg.BatchSize = 16
	cfg.SampleFactor = 4
	cfg.Seed = 7
	cfg.MaxIterations = 5
	return cfg
}

func newTestTrainer(t *testing.T, cfg *Config) *Trainer {
	t.Helper()
	rng := providers.NewRand(cfg.Seed + 100)
	points, err := providers.NewShapeProvider(cfg.ShapeName, rng)
	require.NoError(t, err)
	noise, err := providers.NewGaussianProvider(cfg.NoiseSize, rng)
	require.NoError(t, err)

	trainer, err := NewTrainer(cfg, points, noise, quietLogger())
	require.NoError(t, err)
	return trainer
}

// failingProvider succeeds for the first ok calls and then fails.
type failingProvider struct {
	inner interfaces.BatchProvider
	ok    int
	calls int
}

var errProviderDown = stderrors.New("provider down")

func (p *failingProvider) NextBatch(n int) (*mat.Dense, error) {
	p.calls++
	if p.calls > p.ok {
		return nil, errProviderDown
	}
	return p.inner.NextBatch(n)
}

func (p *failingProvider) Dim() int { return p.inner.Dim() }

// shapeSamplers builds shape and Gaussian samplers and counts the builds.
type shapeSamplers struct {
	builds int
	fail   error
}

func (f *shapeSamplers) build(cfg *Config) (*Samplers, error) {
	f.builds++
	if f.fail != nil {
		return nil, f.fail
	}
	points, err := providers.NewShapeProvider(cfg.ShapeName, providers.NewRand(cfg.Seed+1))
	if err != nil {
		return nil, err
	}
	noise, err := providers.NewGaussianProvider(cfg.NoiseSize, providers.NewRand(cfg.Seed+2))
	if err != nil {
		return nil, err
	}
	return &Samplers{Real: points, Noise: noise}, nil
}

type recordingObserver struct {
	results []*StepResult
}

func (o *recordingObserver) ObserveStep(r *StepResult) {
	o.results = append(o.results, r)
}

func TestNewTrainerValidation(t *testing.T) {
	rng := providers.NewRand(1)
	points, err := providers.NewShapeProvider("ring", rng)
	require.NoError(t, err)
	noise, err := providers.NewGaussianProvider(3, rng)
	require.NoError(t, err)

	bad := testConfig()
	bad.BatchSize = 0
	_, err = NewTrainer(bad, points, noise, quietLogger())
	assert.ErrorIs(t, err, errors.ErrInvalidConfiguration)

	_, err = NewTrainer(testConfig(), nil, noise, quietLogger())
	assert.ErrorIs(t, err, errors.ErrInvalidConfiguration)

	wrongNoise, err := providers.NewGaussianProvider(5, rng)
	require.NoError(t, err)
	_, err = NewTrainer(testConfig(), points, wrongNoise, quietLogger())
	assert.ErrorIs(t, err, errors.ErrShapeMismatch)

	_, err = NewTrainer(testConfig(), noise, noise, quietLogger())
	assert.ErrorIs(t, err, errors.ErrShapeMismatch)
}

func TestStepProducesShapes(t *testing.T) {
	cfg := testConfig()
	cfg.KGSteps = 3
	trainer := newTestTrainer(t, cfg)

	result, err := trainer.Step(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Iteration)
	assert.Len(t, result.Losses, 3)
	assert.Equal(t, result.Losses[2], result.Loss)
	assert.Len(t, result.MatchIndices, cfg.BatchSize)
	for _, idx := range result.MatchIndices {
		assert.True(t, idx >= 0 && idx < cfg.PoolSize())
	}

	r, c := result.Real.Dims()
	assert.Equal(t, []int{cfg.BatchSize, 2}, []int{r, c})
	r, c = result.Generated.Dims()
	assert.Equal(t, []int{cfg.PoolSize(), 2}, []int{r, c})
	r, c = result.Matched.Dims()
	assert.Equal(t, []int{cfg.BatchSize, 2}, []int{r, c})

	assert.Equal(t, cfg.PoolSize(), result.KeptCount)
	assert.Equal(t, -1, result.Forced)
	assert.Equal(t, DistanceL2, result.Distance)
	assert.Equal(t, OptimizerAdam, result.Optimizer)
	assert.Equal(t, PhaseIdle, trainer.Phase())
}

func TestIterateStopsAtMaxIterations(t *testing.T) {
	trainer := newTestTrainer(t, testConfig())

	count := 0
	for result, err := range trainer.Iterate(context.Background()) {
		require.NoError(t, err)
		count++
		assert.Equal(t, count, result.Iteration)
	}
	assert.Equal(t, 5, count)
	assert.Equal(t, 5, trainer.Iteration())

	// Already at the ceiling: nothing more runs.
	for range trainer.Iterate(context.Background()) {
		t.Fatal("unexpected iteration past the ceiling")
	}
}

func TestIterateHonoursCancellation(t *testing.T) {
	cfg := testConfig()
	cfg.MaxIterations = 0
	trainer := newTestTrainer(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	count := 0
	for _, err := range trainer.Iterate(ctx) {
		require.NoError(t, err)
		count++
		if count == 3 {
			cancel()
		}
	}
	assert.Equal(t, 3, count)

	_, err := trainer.Step(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStepFailureLeavesParameters(t *testing.T) {
	cfg := testConfig()
	rng := providers.NewRand(3)
	ring, err := providers.NewShapeProvider("ring", rng)
	require.NoError(t, err)
	noise, err := providers.NewGaussianProvider(cfg.NoiseSize, rng)
	require.NoError(t, err)

	points := &failingProvider{inner: ring, ok: 1}
	trainer, err := NewTrainer(cfg, points, noise, quietLogger())
	require.NoError(t, err)

	_, err = trainer.Step(context.Background())
	require.NoError(t, err)
	before := trainer.Generator().ExportWeights()

	_, err = trainer.Step(context.Background())
	assert.ErrorIs(t, err, errProviderDown)
	assert.Equal(t, 1, trainer.Iteration())
	assert.Equal(t, before, trainer.Generator().ExportWeights())
	assert.Equal(t, PhaseIdle, trainer.Phase())
}

func TestOptimizeFailureRestoresParameters(t *testing.T) {
	trainer := newTestTrainer(t, testConfig())
	before := trainer.Generator().ExportWeights()

	calls := 0
	good := trainer.loss.Bind(randomMatrix(testRand(50), 4, 2, 0.3), randomMatrix(testRand(51), 4, 3, 1))
	lossFn := func() (float64, [][]float64, error) {
		calls++
		loss, grads, err := good()
		if calls == 2 {
			return math.NaN(), grads, err
		}
		return loss, grads, err
	}

	_, err := trainer.optimize(lossFn, 3)
	assert.ErrorIs(t, err, errors.ErrNonFiniteLoss)
	assert.Equal(t, before, trainer.Generator().ExportWeights())
}

func TestOptimizeFailureRestoresOptimizerState(t *testing.T) {
	cfg := testConfig()
	cfg.OptimizerType = string(OptimizerAdam)
	cfg.KGSteps = 3
	trainer := newTestTrainer(t, cfg)

	_, err := trainer.Step(context.Background())
	require.NoError(t, err)
	before := trainer.optimizer.GetState()
	require.Equal(t, 3, before.TimeStep)

	calls := 0
	good := trainer.loss.Bind(randomMatrix(testRand(60), 4, 2, 0.3), randomMatrix(testRand(61), 4, 3, 1))
	lossFn := func() (float64, [][]float64, error) {
		calls++
		loss, grads, err := good()
		if calls == 3 {
			return math.NaN(), grads, err
		}
		return loss, grads, err
	}

	_, err = trainer.optimize(lossFn, 3)
	assert.ErrorIs(t, err, errors.ErrNonFiniteLoss)
	assert.Equal(t, 3, trainer.optimizer.GetTimeStep())
	assert.Equal(t, before, trainer.optimizer.GetState())
}

func TestZeroKGStepsOnlyEvaluates(t *testing.T) {
	cfg := testConfig()
	cfg.KGSteps = 0
	trainer := newTestTrainer(t, cfg)
	before := trainer.Generator().ExportWeights()

	result, err := trainer.Step(context.Background())
	require.NoError(t, err)
	assert.Len(t, result.Losses, 1)
	assert.False(t, math.IsNaN(result.Loss))
	assert.Equal(t, before, trainer.Generator().ExportWeights())
	assert.Equal(t, 1, trainer.Iteration())
}

func TestTrainingCollapsesOntoSinglePoint(t *testing.T) {
	cfg := testConfig()
	cfg.NoiseCoefficient = 0
	cfg.LearningRate = 0.01
	cfg.MaxIterations = 200

	target, err := providers.NewMatrixProvider(mat.NewDense(1, 2, []float64{0.3, 0.2}))
	require.NoError(t, err)
	noise, err := providers.NewGaussianProvider(cfg.NoiseSize, providers.NewRand(9))
	require.NoError(t, err)

	trainer, err := NewTrainer(cfg, target, noise, quietLogger())
	require.NoError(t, err)

	latents := randomMatrix(testRand(55), 64, cfg.NoiseSize, 1)
	spread := func() float64 {
		out, err := trainer.Preview(latents)
		require.NoError(t, err)
		var sum float64
		for i := 0; i < 64; i++ {
			dx, dy := out.At(i, 0)-0.3, out.At(i, 1)-0.2
			sum += dx*dx + dy*dy
		}
		return sum / 64
	}

	before := spread()
	for _, err := range trainer.Iterate(context.Background()) {
		require.NoError(t, err)
	}
	assert.Less(t, spread(), before/2)
}

func TestBarrierTrainingIsFinite(t *testing.T) {
	cfg := testConfig()
	cfg.DistanceType = string(DistanceBarrier)
	cfg.Epsilon = 0.05
	trainer := newTestTrainer(t, cfg)

	for result, err := range trainer.Iterate(context.Background()) {
		require.NoError(t, err)
		assert.Equal(t, DistanceBarrier, result.Distance)
		assert.False(t, math.IsNaN(result.Loss) || math.IsInf(result.Loss, 0))
		assert.GreaterOrEqual(t, result.KeptCount, 1)
	}
}

func TestUnknownOptimizerTrainsLikeSGD(t *testing.T) {
	foo := testConfig()
	foo.OptimizerType = "Foo"
	sgd := testConfig()
	sgd.OptimizerType = string(OptimizerSGD)

	a := newTestTrainer(t, foo)
	b := newTestTrainer(t, sgd)

	for i := 0; i < 3; i++ {
		ra, err := a.Step(context.Background())
		require.NoError(t, err)
		rb, err := b.Step(context.Background())
		require.NoError(t, err)
		assert.Equal(t, OptimizerSGD, ra.Optimizer)
		assert.Equal(t, rb.Loss, ra.Loss)
	}
	assert.Equal(t, b.Generator().ExportWeights(), a.Generator().ExportWeights())
}

func TestObserversReceiveSteps(t *testing.T) {
	trainer := newTestTrainer(t, testConfig())
	obs := &recordingObserver{}
	trainer.AddObserver(obs)

	_, err := trainer.Step(context.Background())
	require.NoError(t, err)
	_, err = trainer.Step(context.Background())
	require.NoError(t, err)

	require.Len(t, obs.results, 2)
	assert.Equal(t, 2, obs.results[1].Iteration)
}

func TestResetAndReconfigure(t *testing.T) {
	trainer := newTestTrainer(t, testConfig())
	_, err := trainer.Step(context.Background())
	require.NoError(t, err)
	trained := trainer.Generator().ExportWeights()

	require.NoError(t, trainer.Reset())
	assert.Equal(t, 0, trainer.Iteration())
	assert.NotEqual(t, trained, trainer.Generator().ExportWeights())

	// Same architecture: parameters survive, optimizer is rebuilt.
	kept := trainer.Generator().ExportWeights()
	cfg := testConfig()
	cfg.OptimizerType = string(OptimizerRMSProp)
	cfg.LearningRate = 0.02
	require.NoError(t, trainer.Reconfigure(cfg))
	assert.Equal(t, kept, trainer.Generator().ExportWeights())
	assert.Equal(t, OptimizerRMSProp, trainer.optimizer.Type())

	// Changed architecture: parameters are rebuilt to the new widths.
	cfg = testConfig()
	cfg.NumGeneratorNeurons = 12
	require.NoError(t, trainer.Reconfigure(cfg))
	assert.Equal(t, []int{3, 12}, trainer.Generator().Parameters()[0].Shape)

	bad := testConfig()
	bad.NoiseSize = 4
	assert.ErrorIs(t, trainer.Reconfigure(bad), errors.ErrShapeMismatch)
	assert.ErrorIs(t, trainer.Reconfigure(nil), errors.ErrInvalidConfiguration)
}

func TestExportAndLoad(t *testing.T) {
	src := newTestTrainer(t, testConfig())
	for range 3 {
		_, err := src.Step(context.Background())
		require.NoError(t, err)
	}
	wf := src.Export()
	assert.Equal(t, 3, wf.Topology.IterCount)
	assert.Equal(t, "gaussians", wf.Topology.ShapeName)

	dstCfg := testConfig()
	dstCfg.Seed = 99
	dst := newTestTrainer(t, dstCfg)
	require.NoError(t, dst.Load(wf))
	assert.Equal(t, 3, dst.Iteration())
	assert.Equal(t, 0, dst.optimizer.GetTimeStep())

	latents := randomMatrix(testRand(60), 8, 3, 1)
	a, err := src.Preview(latents)
	require.NoError(t, err)
	b, err := dst.Preview(latents)
	require.NoError(t, err)
	assert.Equal(t, a.RawMatrix().Data, b.RawMatrix().Data)

	wider := testConfig()
	wider.NumGeneratorNeurons = 4
	mismatched := newTestTrainer(t, wider)
	before := mismatched.Generator().ExportWeights()
	assert.ErrorIs(t, mismatched.Load(wf), errors.ErrShapeMismatch)
	assert.Equal(t, before, mismatched.Generator().ExportWeights())
	assert.Equal(t, 0, mismatched.Iteration())
}

func TestReconfigureShapeNeedsSamplerFactory(t *testing.T) {
	trainer := newTestTrainer(t, testConfig())
	realBefore := trainer.realProvider

	cfg := testConfig()
	cfg.ShapeName = "line"
	assert.ErrorIs(t, trainer.Reconfigure(cfg), errors.ErrInvalidConfiguration)
	assert.Equal(t, "gaussians", trainer.Config().ShapeName)
	assert.Same(t, realBefore, trainer.realProvider)
}

func TestReconfigureRebuildsSamplers(t *testing.T) {
	trainer := newTestTrainer(t, testConfig())
	factory := &shapeSamplers{}
	trainer.SetSamplerFactory(factory.build)
	noiseBefore := trainer.noiseProvider

	// Shape change swaps the real sampler only
	cfg := testConfig()
	cfg.ShapeName = "line"
	require.NoError(t, trainer.Reconfigure(cfg))
	assert.Equal(t, 1, factory.builds)
	shape, ok := trainer.realProvider.(*providers.ShapeProvider)
	require.True(t, ok)
	assert.Equal(t, "line", shape.Name())
	assert.Same(t, noiseBefore, trainer.noiseProvider)
	assert.Equal(t, "line", trainer.Export().Topology.ShapeName)

	// Optimizer-only change does not rebuild
	cfg2 := *cfg
	cfg2.LearningRate = 0.02
	require.NoError(t, trainer.Reconfigure(&cfg2))
	assert.Equal(t, 1, factory.builds)

	// Seed change draws new streams
	rngBefore := trainer.rng
	cfg3 := cfg2
	cfg3.Seed = 42
	require.NoError(t, trainer.Reconfigure(&cfg3))
	assert.Equal(t, 2, factory.builds)
	assert.NotSame(t, rngBefore, trainer.rng)
	assert.NotSame(t, noiseBefore, trainer.noiseProvider)
}

func TestReconfigureNoiseSize(t *testing.T) {
	trainer := newTestTrainer(t, testConfig())
	trainer.SetSamplerFactory((&shapeSamplers{}).build)
	_, err := trainer.Step(context.Background())
	require.NoError(t, err)

	cfg := testConfig()
	cfg.NoiseSize = 5
	require.NoError(t, trainer.Reconfigure(cfg))
	assert.Equal(t, 5, trainer.noiseProvider.Dim())
	assert.Equal(t, []int{5, 8}, trainer.Generator().Parameters()[0].Shape)
	assert.Equal(t, 0, trainer.Iteration())

	result, err := trainer.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Iteration)
}

func TestReconfigureFailureKeepsState(t *testing.T) {
	trainer := newTestTrainer(t, testConfig())
	_, err := trainer.Step(context.Background())
	require.NoError(t, err)
	trainer.SetSamplerFactory((&shapeSamplers{fail: errProviderDown}).build)

	weights := trainer.Generator().ExportWeights()
	cfg := testConfig()
	cfg.NoiseSize = 4
	cfg.NumGeneratorNeurons = 12

	assert.ErrorIs(t, trainer.Reconfigure(cfg), errProviderDown)
	assert.Equal(t, testConfig().Architecture, trainer.Config().Architecture)
	assert.Equal(t, weights, trainer.Generator().ExportWeights())
	assert.Equal(t, 1, trainer.Iteration())
}

func TestRestore(t *testing.T) {
	srcCfg := testConfig()
	srcCfg.NumGeneratorNeurons = 12
	srcCfg.NoiseSize = 4
	src := newTestTrainer(t, srcCfg)
	for range 2 {
		_, err := src.Step(context.Background())
		require.NoError(t, err)
	}
	wf := src.Export()

	dst := newTestTrainer(t, testConfig())
	dst.SetSamplerFactory((&shapeSamplers{}).build)
	_, err := dst.Step(context.Background())
	require.NoError(t, err)
	trained := dst.Generator().ExportWeights()

	t.Run("damaged file leaves trainer untouched", func(t *testing.T) {
		damaged := src.Export()
		delete(damaged.Weights, "g-3")

		assert.ErrorIs(t, dst.Restore(damaged), errors.ErrMissingTensor)
		assert.Equal(t, trained, dst.Generator().ExportWeights())
		assert.Equal(t, 1, dst.Iteration())
		assert.Equal(t, 8, dst.Config().NumGeneratorNeurons)
		assert.Equal(t, 3, dst.noiseProvider.Dim())
	})

	t.Run("other architecture", func(t *testing.T) {
		require.NoError(t, dst.Restore(wf))
		assert.Equal(t, wf.Weights, dst.Generator().ExportWeights())
		assert.Equal(t, 2, dst.Iteration())
		assert.Equal(t, 12, dst.Config().NumGeneratorNeurons)
		assert.Equal(t, 4, dst.noiseProvider.Dim())

		result, err := dst.Step(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 3, result.Iteration)
	})
}
