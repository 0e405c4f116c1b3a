package rsimle

import (
	"fmt"
	"math"
	"slices"

	"github.com/inferloop/rsimle/pkg/errors"
)

// Optimizer applies one first-order update to a parameter sequence.
type Optimizer interface {
	// Type returns the algorithm this optimizer implements
	Type() OptimizerType
	// Apply updates params in place from grads, aligned by index.
	Apply(params []Parameter, grads [][]float64) error
	// GetLearningRate returns the learning rate
	GetLearningRate() float64
	// GetTimeStep returns the number of updates applied so far
	GetTimeStep() int
	// Reset clears the accumulated state
	Reset()
	// GetState returns a deep copy of the accumulated state
	GetState() *OptimizerState
	// LoadState replaces the accumulated state with a copy of state
	LoadState(state *OptimizerState) error
}

// OptimizerState is a detached copy of an optimizer's time step and
// per-parameter slots, keyed by slot name.
type OptimizerState struct {
	Type     OptimizerType          `json:"type"`
	TimeStep int                    `json:"time_step"`
	Slots    map[string][][]float64 `json:"slots,omitempty"`
}

func copySlots(state [][]float64) [][]float64 {
	if state == nil {
		return nil
	}
	out := make([][]float64, len(state))
	for i := range state {
		out[i] = slices.Clone(state[i])
	}
	return out
}

func checkStateType(kind OptimizerType, state *OptimizerState) error {
	if state == nil {
		return errors.NewConfigurationError(errors.CodeInvalidConfig, "Optimizer state cannot be nil")
	}
	if state.Type != kind {
		return errors.NewConfigurationError(errors.CodeInvalidConfig, "Optimizer state type mismatch").
			WithContext("expected", kind).
			WithContext("got", state.Type)
	}
	return nil
}

// NewOptimizer builds the optimizer for kind. Unknown kinds behave as SGD.
func NewOptimizer(kind OptimizerType, learningRate float64) Optimizer {
	switch kind {
	case OptimizerAdam:
		return NewAdamOptimizer(learningRate)
	case OptimizerAdagrad:
		return NewAdagradOptimizer(learningRate)
	case OptimizerRMSProp:
		return NewRMSPropOptimizer(learningRate)
	default:
		return NewSGDOptimizer(learningRate)
	}
}

func checkAligned(params []Parameter, grads [][]float64) error {
	if len(params) != len(grads) {
		return errors.NewShapeError(errors.CodeShapeMismatch, "Gradient count does not match parameter count").
			WithDetails(fmt.Sprintf("%d params, %d grads", len(params), len(grads)))
	}
	for i, p := range params {
		if len(p.Data) != len(grads[i]) {
			return errors.NewShapeError(errors.CodeShapeMismatch, "Gradient size does not match parameter").
				WithContext("param", p.Name)
		}
	}
	return nil
}

// slots allocates zeroed per-parameter state the first time, or after the
// parameter layout changed.
func slots(state [][]float64, params []Parameter, initial float64) [][]float64 {
	if len(state) == len(params) {
		same := true
		for i, p := range params {
			if len(state[i]) != len(p.Data) {
				same = false
				break
			}
		}
		if same {
			return state
		}
	}
	state = make([][]float64, len(params))
	for i, p := range params {
		state[i] = make([]float64, len(p.Data))
		if initial != 0 {
			for j := range state[i] {
				state[i][j] = initial
			}
		}
	}
	return state
}

// SGDOptimizer implements plain stochastic gradient descent
type SGDOptimizer struct {
	learningRate float64
	t            int
}

// NewSGDOptimizer creates a new SGD optimizer
func NewSGDOptimizer(learningRate float64) *SGDOptimizer {
	return &SGDOptimizer{learningRate: learningRate}
}

func (opt *SGDOptimizer) Type() OptimizerType { return OptimizerSGD }

// Apply performs w -= lr * g
func (opt *SGDOptimizer) Apply(params []Parameter, grads [][]float64) error {
	if err := checkAligned(params, grads); err != nil {
		return err
	}
	opt.t++
	for i, p := range params {
		for j, g := range grads[i] {
			p.Data[j] -= opt.learningRate * g
		}
	}
	return nil
}

func (opt *SGDOptimizer) GetLearningRate() float64 { return opt.learningRate }
func (opt *SGDOptimizer) GetTimeStep() int          { return opt.t }
func (opt *SGDOptimizer) Reset()                    { opt.t = 0 }

func (opt *SGDOptimizer) GetState() *OptimizerState {
	return &OptimizerState{Type: OptimizerSGD, TimeStep: opt.t}
}

func (opt *SGDOptimizer) LoadState(state *OptimizerState) error {
	if err := checkStateType(OptimizerSGD, state); err != nil {
		return err
	}
	opt.t = state.TimeStep
	return nil
}

// AdamOptimizer implements the Adam optimization algorithm
type AdamOptimizer struct {
	learningRate float64
	beta1        float64
	beta2        float64
	epsilon      float64
	t            int         // time step
	m            [][]float64 // first moment estimate
	v            [][]float64 // second moment estimate
}

// NewAdamOptimizer creates a new Adam optimizer
func NewAdamOptimizer(learningRate float64) *AdamOptimizer {
	return &AdamOptimizer{
		learningRate: learningRate,
		beta1:        0.9,
		beta2:        0.999,
		epsilon:      1e-8,
	}
}

func (opt *AdamOptimizer) Type() OptimizerType { return OptimizerAdam }

// Apply updates parameters using bias-corrected moment estimates
func (opt *AdamOptimizer) Apply(params []Parameter, grads [][]float64) error {
	if err := checkAligned(params, grads); err != nil {
		return err
	}
	opt.m = slots(opt.m, params, 0)
	opt.v = slots(opt.v, params, 0)
	opt.t++

	beta1Correction := 1 - math.Pow(opt.beta1, float64(opt.t))
	beta2Correction := 1 - math.Pow(opt.beta2, float64(opt.t))

	for i, p := range params {
		m, v := opt.m[i], opt.v[i]
		for j, g := range grads[i] {
			m[j] = opt.beta1*m[j] + (1-opt.beta1)*g
			v[j] = opt.beta2*v[j] + (1-opt.beta2)*g*g
			mHat := m[j] / beta1Correction
			vHat := v[j] / beta2Correction
			p.Data[j] -= opt.learningRate * mHat / (math.Sqrt(vHat) + opt.epsilon)
		}
	}
	return nil
}

func (opt *AdamOptimizer) GetLearningRate() float64 { return opt.learningRate }
func (opt *AdamOptimizer) GetTimeStep() int          { return opt.t }

// Reset resets the optimizer state
func (opt *AdamOptimizer) Reset() {
	opt.t = 0
	opt.m = nil
	opt.v = nil
}

func (opt *AdamOptimizer) GetState() *OptimizerState {
	return &OptimizerState{
		Type:     OptimizerAdam,
		TimeStep: opt.t,
		Slots:    map[string][][]float64{"m": copySlots(opt.m), "v": copySlots(opt.v)},
	}
}

func (opt *AdamOptimizer) LoadState(state *OptimizerState) error {
	if err := checkStateType(OptimizerAdam, state); err != nil {
		return err
	}
	opt.t = state.TimeStep
	opt.m = copySlots(state.Slots["m"])
	opt.v = copySlots(state.Slots["v"])
	return nil
}

// AdagradOptimizer accumulates squared gradients per parameter.
type AdagradOptimizer struct {
	learningRate       float64
	initialAccumulator float64
	epsilon            float64
	t                  int
	accum              [][]float64
}

// NewAdagradOptimizer creates a new Adagrad optimizer
func NewAdagradOptimizer(learningRate float64) *AdagradOptimizer {
	return &AdagradOptimizer{
		learningRate:       learningRate,
		initialAccumulator: 0.1,
		epsilon:            1e-8,
	}
}

func (opt *AdagradOptimizer) Type() OptimizerType { return OptimizerAdagrad }

// Apply performs accum += g^2; w -= lr * g / sqrt(accum + eps)
func (opt *AdagradOptimizer) Apply(params []Parameter, grads [][]float64) error {
	if err := checkAligned(params, grads); err != nil {
		return err
	}
	opt.accum = slots(opt.accum, params, opt.initialAccumulator)
	opt.t++

	for i, p := range params {
		acc := opt.accum[i]
		for j, g := range grads[i] {
			acc[j] += g * g
			p.Data[j] -= opt.learningRate * g / math.Sqrt(acc[j]+opt.epsilon)
		}
	}
	return nil
}

func (opt *AdagradOptimizer) GetLearningRate() float64 { return opt.learningRate }
func (opt *AdagradOptimizer) GetTimeStep() int          { return opt.t }

// Reset resets the optimizer state
func (opt *AdagradOptimizer) Reset() {
	opt.t = 0
	opt.accum = nil
}

func (opt *AdagradOptimizer) GetState() *OptimizerState {
	return &OptimizerState{
		Type:     OptimizerAdagrad,
		TimeStep: opt.t,
		Slots:    map[string][][]float64{"accum": copySlots(opt.accum)},
	}
}

func (opt *AdagradOptimizer) LoadState(state *OptimizerState) error {
	if err := checkStateType(OptimizerAdagrad, state); err != nil {
		return err
	}
	opt.t = state.TimeStep
	opt.accum = copySlots(state.Slots["accum"])
	return nil
}

// RMSPropOptimizer implements non-centered RMSProp with optional momentum.
type RMSPropOptimizer struct {
	learningRate float64
	decay        float64
	momentum     float64
	epsilon      float64
	centered     bool
	t            int
	meanSquare   [][]float64
	meanGrad     [][]float64
	moment       [][]float64
}

// NewRMSPropOptimizer creates an RMSProp optimizer with decay 0.9, no
// momentum and no centering.
func NewRMSPropOptimizer(learningRate float64) *RMSPropOptimizer {
	return &RMSPropOptimizer{
		learningRate: learningRate,
		decay:        0.9,
		momentum:     0.0,
		epsilon:      1e-8,
		centered:     false,
	}
}

func (opt *RMSPropOptimizer) Type() OptimizerType { return OptimizerRMSProp }

// Apply updates parameters from the running mean of squared gradients
func (opt *RMSPropOptimizer) Apply(params []Parameter, grads [][]float64) error {
	if err := checkAligned(params, grads); err != nil {
		return err
	}
	opt.meanSquare = slots(opt.meanSquare, params, 0)
	opt.moment = slots(opt.moment, params, 0)
	if opt.centered {
		opt.meanGrad = slots(opt.meanGrad, params, 0)
	}
	opt.t++

	for i, p := range params {
		ms, mom := opt.meanSquare[i], opt.moment[i]
		for j, g := range grads[i] {
			ms[j] = opt.decay*ms[j] + (1-opt.decay)*g*g
			denom := ms[j]
			if opt.centered {
				mg := opt.meanGrad[i]
				mg[j] = opt.decay*mg[j] + (1-opt.decay)*g
				denom -= mg[j] * mg[j]
			}
			mom[j] = opt.momentum*mom[j] + opt.learningRate*g/math.Sqrt(denom+opt.epsilon)
			p.Data[j] -= mom[j]
		}
	}
	return nil
}

func (opt *RMSPropOptimizer) GetLearningRate() float64 { return opt.learningRate }
func (opt *RMSPropOptimizer) GetTimeStep() int          { return opt.t }

// Reset resets the optimizer state
func (opt *RMSPropOptimizer) Reset() {
	opt.t = 0
	opt.meanSquare = nil
	opt.meanGrad = nil
	opt.moment = nil
}

func (opt *RMSPropOptimizer) GetState() *OptimizerState {
	return &OptimizerState{
		Type:     OptimizerRMSProp,
		TimeStep: opt.t,
		Slots: map[string][][]float64{
			"mean_square": copySlots(opt.meanSquare),
			"mean_grad":   copySlots(opt.meanGrad),
			"moment":      copySlots(opt.moment),
		},
	}
}

func (opt *RMSPropOptimizer) LoadState(state *OptimizerState) error {
	if err := checkStateType(OptimizerRMSProp, state); err != nil {
		return err
	}
	opt.t = state.TimeStep
	opt.meanSquare = copySlots(state.Slots["mean_square"])
	opt.meanGrad = copySlots(state.Slots["mean_grad"])
	opt.moment = copySlots(state.Slots["moment"])
	return nil
}

// Minimize evaluates lossFn once and applies one update of opt to the
// generator parameters. It returns the loss before the update.
func Minimize(opt Optimizer, generator *Generator, lossFn LossFunc) (float64, error) {
	loss, grads, err := lossFn()
	if err != nil {
		return 0, err
	}
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return loss, errors.NewNumericalError(errors.CodeNonFiniteLoss, "Loss is not finite").
			WithContext("loss", loss)
	}
	if err := opt.Apply(generator.Parameters(), grads); err != nil {
		return loss, err
	}
	return loss, nil
}
