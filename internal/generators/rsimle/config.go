package rsimle

import (
	"strings"

	"github.com/inferloop/rsimle/pkg/errors"
)

// DistanceType selects the pairwise dissimilarity used for matching.
type DistanceType string

const (
	DistanceL1      DistanceType = "L1"
	DistanceL2      DistanceType = "L2"
	DistanceBarrier DistanceType = "Barrier"
)

// ParseDistanceType resolves a metric name case-insensitively. Unknown names
// fall back to L2; ok reports whether the name was recognised.
func ParseDistanceType(name string) (DistanceType, bool) {
	for _, d := range []DistanceType{DistanceL1, DistanceL2, DistanceBarrier} {
		if strings.EqualFold(name, string(d)) {
			return d, true
		}
	}
	return DistanceL2, false
}

// OptimizerType selects the first-order optimizer.
type OptimizerType string

const (
	OptimizerSGD     OptimizerType = "SGD"
	OptimizerAdam    OptimizerType = "Adam"
	OptimizerAdagrad OptimizerType = "Adagrad"
	OptimizerRMSProp OptimizerType = "RMSProp"
)

// ParseOptimizerType resolves an optimizer name case-insensitively. Unknown
// names fall back to SGD; ok reports whether the name was recognised.
func ParseOptimizerType(name string) (OptimizerType, bool) {
	for _, o := range []OptimizerType{OptimizerSGD, OptimizerAdam, OptimizerAdagrad, OptimizerRMSProp} {
		if strings.EqualFold(name, string(o)) {
			return o, true
		}
	}
	return OptimizerSGD, false
}

// Activation is the hidden-layer nonlinearity.
type Activation string

const (
	ActivationReLU      Activation = "relu"
	ActivationLeakyReLU Activation = "leaky_relu"
)

// OutputSquash is the nonlinearity applied on the final layer.
type OutputSquash string

const (
	// OutputTanh maps into [-1, 1].
	OutputTanh OutputSquash = "tanh"
	// OutputShiftedTanh maps into [-0.5, 1.5].
	OutputShiftedTanh OutputSquash = "shifted_tanh"
)

// Range returns the closed interval the squashing function maps into.
func (o OutputSquash) Range() (lo, hi float64) {
	if o == OutputShiftedTanh {
		return -0.5, 1.5
	}
	return -1, 1
}

// InitScheme selects the weight initialisation standard deviation.
type InitScheme string

const (
	// InitLegacy draws weights with std 1/sqrt(fanIn).
	InitLegacy InitScheme = "legacy"
	// InitGlorot draws weights with std sqrt(2/(fanIn+fanOut)).
	InitGlorot InitScheme = "glorot"
)

const (
	MaxGeneratorLayers  = 5
	MaxGeneratorNeurons = 100
	MaxKGSteps          = 10

	leakySlope = 0.01
)

// Architecture describes the generator topology. Any change requires
// reinitialising the parameters.
type Architecture struct {
	NoiseSize           int          `json:"noiseSize" mapstructure:"noise_size"`
	NumGeneratorLayers  int          `json:"numGeneratorLayers" mapstructure:"num_generator_layers"`
	NumGeneratorNeurons int          `json:"numGeneratorNeurons" mapstructure:"num_generator_neurons"`
	Activation          Activation   `json:"activation" mapstructure:"activation"`
	Output              OutputSquash `json:"output" mapstructure:"output"`
	Init                InitScheme   `json:"init" mapstructure:"init"`
}

// Config holds the model and training hyperparameters.
type Config struct {
	Architecture `mapstructure:",squash"`

	BatchSize        int     `json:"batchSize" mapstructure:"batch_size"`
	SampleFactor     int     `json:"sampleFactor" mapstructure:"sample_factor"`
	NoiseCoefficient float64 `json:"noiseCoefficient" mapstructure:"noise_coefficient"`
	DistanceType     string  `json:"distanceType" mapstructure:"distance_type"`
	Epsilon          float64 `json:"epsilon" mapstructure:"epsilon"`
	OptimizerType    string  `json:"optimizerType" mapstructure:"optimizer_type"`
	LearningRate     float64 `json:"learningRate" mapstructure:"learning_rate"`
	KGSteps          int     `json:"kGSteps" mapstructure:"k_g_steps"`
	MaxIterations    int     `json:"maxIterations" mapstructure:"max_iterations"`
	Seed             uint64  `json:"seed" mapstructure:"seed"`
	ShapeName        string  `json:"shapeName" mapstructure:"shape_name"`
}

// DefaultConfig returns the default training configuration
func DefaultConfig() *Config {
	return &Config{
		Architecture: Architecture{
			NoiseSize:           2,
			NumGeneratorLayers:  2,
			NumGeneratorNeurons: 32,
			Activation:          ActivationLeakyReLU,
			Output:              OutputShiftedTanh,
			Init:                InitGlorot,
		},
		BatchSize:        64,
		SampleFactor:     8,
		NoiseCoefficient: 0.01,
		DistanceType:     string(DistanceL2),
		Epsilon:          0.0,
		OptimizerType:    string(OptimizerAdam),
		LearningRate:     0.005,
		KGSteps:          1,
		MaxIterations:    10000,
		ShapeName:        "gaussians",
	}
}

// PoolSize is the size of the oversampled candidate pool.
func (c *Config) PoolSize() int {
	return c.BatchSize * c.SampleFactor
}

// Distance resolves the configured metric, falling back to L2.
func (c *Config) Distance() DistanceType {
	d, _ := ParseDistanceType(c.DistanceType)
	return d
}

// Optimizer resolves the configured optimizer, falling back to SGD.
func (c *Config) Optimizer() OptimizerType {
	o, _ := ParseOptimizerType(c.OptimizerType)
	return o
}

// Validate checks the architecture ranges.
func (a *Architecture) Validate() error {
	ve := errors.NewValidationErrors()
	a.validateInto(ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func (a *Architecture) validateInto(ve *errors.ValidationErrors) {
	if a.NoiseSize < 1 {
		ve.Add("noise_size", errors.CodeOutOfRange, "must be at least 1", a.NoiseSize)
	}
	if a.NumGeneratorLayers < 0 || a.NumGeneratorLayers > MaxGeneratorLayers {
		ve.Add("num_generator_layers", errors.CodeOutOfRange, "must be between 0 and 5", a.NumGeneratorLayers)
	}
	if a.NumGeneratorNeurons < 1 || a.NumGeneratorNeurons > MaxGeneratorNeurons {
		ve.Add("num_generator_neurons", errors.CodeOutOfRange, "must be between 1 and 100", a.NumGeneratorNeurons)
	}
	switch a.Activation {
	case ActivationReLU, ActivationLeakyReLU:
	default:
		ve.Add("activation", errors.CodeInvalidInput, "must be relu or leaky_relu", a.Activation)
	}
	switch a.Output {
	case OutputTanh, OutputShiftedTanh:
	default:
		ve.Add("output", errors.CodeInvalidInput, "must be tanh or shifted_tanh", a.Output)
	}
	switch a.Init {
	case InitLegacy, InitGlorot:
	default:
		ve.Add("init", errors.CodeInvalidInput, "must be legacy or glorot", a.Init)
	}
}

// Validate checks every field of the configuration surface. Unknown metric
// and optimizer names are not errors; they fall back to L2 and SGD.
func (c *Config) Validate() error {
	ve := errors.NewValidationErrors()
	c.Architecture.validateInto(ve)

	if c.BatchSize < 1 {
		ve.Add("batch_size", errors.CodeOutOfRange, "must be at least 1", c.BatchSize)
	}
	if c.SampleFactor < 1 {
		ve.Add("sample_factor", errors.CodeOutOfRange, "must be at least 1", c.SampleFactor)
	}
	if c.NoiseCoefficient < 0 {
		ve.Add("noise_coefficient", errors.CodeOutOfRange, "must not be negative", c.NoiseCoefficient)
	}
	if c.Epsilon < 0 {
		ve.Add("epsilon", errors.CodeOutOfRange, "must not be negative", c.Epsilon)
	}
	if c.LearningRate <= 0 {
		ve.Add("learning_rate", errors.CodeOutOfRange, "must be positive", c.LearningRate)
	}
	if c.KGSteps < 0 || c.KGSteps > MaxKGSteps {
		ve.Add("k_g_steps", errors.CodeOutOfRange, "must be between 0 and 10", c.KGSteps)
	}
	if c.MaxIterations < 0 {
		ve.Add("max_iterations", errors.CodeOutOfRange, "must not be negative", c.MaxIterations)
	}

	if ve.HasErrors() {
		return ve
	}
	return nil
}
