package nn

import (
	"fmt"
	"math"
)

// Optimizer updates a fixed set of parameters from their accumulated gradients.
type Optimizer interface {
	// ZeroGrad clears every parameter gradient.
	ZeroGrad()

	// Step applies the accumulated gradients at the current learning rate.
	Step()

	// LearningRate returns the current learning rate.
	LearningRate() float32

	// SetLearningRate replaces the learning rate; schedulers call it.
	SetLearningRate(lr float32)

	// State returns optimizer state for serialization
	State() OptimizerState

	// LoadState restores optimizer state from serialization
	LoadState(state OptimizerState) error

	// Name returns the optimizer name
	Name() string
}

// OptimizerState is the serializable form of an optimizer, including its
// per-parameter buffers keyed "<buffer>/<param name>".
type OptimizerState struct {
	Type    string             `json:"type"`
	LR      float32            `json:"lr"`
	Step    int                `json:"step"`
	Hyper   map[string]float32 `json:"hyper,omitempty"`
	Buffers StateDict          `json:"buffers,omitempty"`
}

type optimizerBase struct {
	params []*Param
	lr     float32
}

func (o *optimizerBase) ZeroGrad() {
	for _, p := range o.params {
		clear(p.Grad)
	}
}

func (o *optimizerBase) LearningRate() float32 { return o.lr }

func (o *optimizerBase) SetLearningRate(lr float32) { o.lr = lr }

func bufferKey(buffer string, p *Param) string {
	return buffer + "/" + p.Name
}

// saveBuffers copies every non-nil buffer into sd.
func saveBuffers(sd StateDict, buffer string, params []*Param, bufs map[string][]float32) {
	for _, p := range params {
		if b := bufs[p.Name]; b != nil {
			sd[bufferKey(buffer, p)] = append([]float32(nil), b...)
		}
	}
}

// loadBuffers restores buffers from sd, rejecting mismatched lengths.
func loadBuffers(sd StateDict, buffer string, params []*Param) (map[string][]float32, error) {
	bufs := make(map[string][]float32)
	for _, p := range params {
		b, ok := sd[bufferKey(buffer, p)]
		if !ok {
			continue
		}
		if len(b) != len(p.Data) {
			return nil, fmt.Errorf("%s buffer for %q: size mismatch, got %d want %d", buffer, p.Name, len(b), len(p.Data))
		}
		bufs[p.Name] = append([]float32(nil), b...)
	}
	return bufs, nil
}

func checkType(state OptimizerState, want string) error {
	if state.Type != want {
		return fmt.Errorf("invalid optimizer type: expected %s, got %q", want, state.Type)
	}
	return nil
}

// ============================================================================
// SGD Optimizer (Stochastic Gradient Descent with optional momentum)
// ============================================================================

type SGDOptimizer struct {
	optimizerBase
	momentum    float32
	dampening   float32
	nesterov    bool
	weightDecay float32
	velocities  map[string][]float32 // Momentum buffers
}

// NewSGDOptimizer creates plain SGD over params.
func NewSGDOptimizer(params []*Param, lr float32) *SGDOptimizer {
	return NewSGDOptimizerWithMomentum(params, lr, 0, 0, false, 0)
}

func NewSGDOptimizerWithMomentum(params []*Param, lr, momentum, dampening float32, nesterov bool, weightDecay float32) *SGDOptimizer {
	return &SGDOptimizer{
		optimizerBase: optimizerBase{params: params, lr: lr},
		momentum:      momentum,
		dampening:     dampening,
		nesterov:      nesterov,
		weightDecay:   weightDecay,
		velocities:    make(map[string][]float32),
	}
}

func (opt *SGDOptimizer) Step() {
	for _, p := range opt.params {
		var v []float32
		if opt.momentum != 0 {
			// Initialize velocity if needed
			v = opt.velocities[p.Name]
			if v == nil {
				v = make([]float32, len(p.Data))
				opt.velocities[p.Name] = v
			}
		}

		for j := range p.Data {
			grad := p.Grad[j] + opt.weightDecay*p.Data[j]
			if v == nil {
				// w = w - lr * grad
				p.Data[j] -= opt.lr * grad
				continue
			}

			// v = momentum * v + (1 - dampening) * grad
			// w = w - lr * v (or w - lr * (grad + momentum * v) for Nesterov)
			v[j] = opt.momentum*v[j] + (1-opt.dampening)*grad
			if opt.nesterov {
				p.Data[j] -= opt.lr * (grad + opt.momentum*v[j])
			} else {
				p.Data[j] -= opt.lr * v[j]
			}
		}
	}
}

func (opt *SGDOptimizer) State() OptimizerState {
	nesterov := float32(0)
	if opt.nesterov {
		nesterov = 1
	}
	sd := make(StateDict)
	saveBuffers(sd, "momentum", opt.params, opt.velocities)
	return OptimizerState{
		Type: "sgd",
		LR:   opt.lr,
		Hyper: map[string]float32{
			"momentum":     opt.momentum,
			"dampening":    opt.dampening,
			"nesterov":     nesterov,
			"weight_decay": opt.weightDecay,
		},
		Buffers: sd,
	}
}

func (opt *SGDOptimizer) LoadState(state OptimizerState) error {
	if err := checkType(state, "sgd"); err != nil {
		return err
	}
	bufs, err := loadBuffers(state.Buffers, "momentum", opt.params)
	if err != nil {
		return err
	}

	opt.lr = state.LR
	if m, ok := state.Hyper["momentum"]; ok {
		opt.momentum = m
	}
	if d, ok := state.Hyper["dampening"]; ok {
		opt.dampening = d
	}
	if n, ok := state.Hyper["nesterov"]; ok {
		opt.nesterov = n != 0
	}
	if wd, ok := state.Hyper["weight_decay"]; ok {
		opt.weightDecay = wd
	}
	opt.velocities = bufs
	return nil
}

func (opt *SGDOptimizer) Name() string {
	if opt.momentum > 0 {
		if opt.nesterov {
			return "SGD (Nesterov momentum)"
		}
		return "SGD (momentum)"
	}
	return "SGD"
}

// ============================================================================
// AdamW Optimizer (Adam with decoupled weight decay)
// ============================================================================

type AdamWOptimizer struct {
	optimizerBase
	beta1       float32
	beta2       float32
	epsilon     float32
	weightDecay float32
	step        int

	// First moment estimates (momentum)
	m map[string][]float32

	// Second moment estimates (variance)
	v map[string][]float32
}

func NewAdamWOptimizer(params []*Param, lr, beta1, beta2, epsilon, weightDecay float32) *AdamWOptimizer {
	return &AdamWOptimizer{
		optimizerBase: optimizerBase{params: params, lr: lr},
		beta1:         beta1,
		beta2:         beta2,
		epsilon:       epsilon,
		weightDecay:   weightDecay,
		m:             make(map[string][]float32),
		v:             make(map[string][]float32),
	}
}

func NewAdamWOptimizerDefault(params []*Param, lr float32) *AdamWOptimizer {
	return NewAdamWOptimizer(params, lr, 0.9, 0.999, 1e-8, 0.01)
}

func (opt *AdamWOptimizer) Step() {
	opt.step++

	// Bias correction factors
	biasCorrection1 := 1.0 - float32(math.Pow(float64(opt.beta1), float64(opt.step)))
	biasCorrection2 := 1.0 - float32(math.Pow(float64(opt.beta2), float64(opt.step)))

	for _, p := range opt.params {
		m, v := opt.m[p.Name], opt.v[p.Name]
		if m == nil {
			m = make([]float32, len(p.Data))
			v = make([]float32, len(p.Data))
			opt.m[p.Name], opt.v[p.Name] = m, v
		}

		for j := range p.Data {
			grad := p.Grad[j]

			m[j] = opt.beta1*m[j] + (1-opt.beta1)*grad
			v[j] = opt.beta2*v[j] + (1-opt.beta2)*grad*grad

			mHat := m[j] / biasCorrection1
			vHat := v[j] / biasCorrection2

			// decoupled weight decay
			p.Data[j] -= opt.lr * (mHat/(float32(math.Sqrt(float64(vHat)))+opt.epsilon) + opt.weightDecay*p.Data[j])
		}
	}
}

func (opt *AdamWOptimizer) State() OptimizerState {
	sd := make(StateDict)
	saveBuffers(sd, "exp_avg", opt.params, opt.m)
	saveBuffers(sd, "exp_avg_sq", opt.params, opt.v)
	return OptimizerState{
		Type: "adamw",
		LR:   opt.lr,
		Step: opt.step,
		Hyper: map[string]float32{
			"beta1":        opt.beta1,
			"beta2":        opt.beta2,
			"epsilon":      opt.epsilon,
			"weight_decay": opt.weightDecay,
		},
		Buffers: sd,
	}
}

func (opt *AdamWOptimizer) LoadState(state OptimizerState) error {
	if err := checkType(state, "adamw"); err != nil {
		return err
	}
	m, err := loadBuffers(state.Buffers, "exp_avg", opt.params)
	if err != nil {
		return err
	}
	v, err := loadBuffers(state.Buffers, "exp_avg_sq", opt.params)
	if err != nil {
		return err
	}
	for name := range m {
		if v[name] == nil {
			return fmt.Errorf("adamw state for %q has exp_avg without exp_avg_sq", name)
		}
	}

	opt.lr = state.LR
	opt.step = state.Step
	if b1, ok := state.Hyper["beta1"]; ok {
		opt.beta1 = b1
	}
	if b2, ok := state.Hyper["beta2"]; ok {
		opt.beta2 = b2
	}
	if eps, ok := state.Hyper["epsilon"]; ok {
		opt.epsilon = eps
	}
	if wd, ok := state.Hyper["weight_decay"]; ok {
		opt.weightDecay = wd
	}
	opt.m, opt.v = m, v
	return nil
}

func (opt *AdamWOptimizer) Name() string {
	return "AdamW"
}

// ============================================================================
// RMSprop Optimizer
// ============================================================================

type RMSpropOptimizer struct {
	optimizerBase
	alpha       float32 // Decay rate
	epsilon     float32
	momentum    float32
	weightDecay float32

	// Running average of squared gradients
	v map[string][]float32

	// Momentum buffer (if momentum > 0)
	buf map[string][]float32
}

func NewRMSpropOptimizer(params []*Param, lr, alpha, epsilon, momentum, weightDecay float32) *RMSpropOptimizer {
	return &RMSpropOptimizer{
		optimizerBase: optimizerBase{params: params, lr: lr},
		alpha:         alpha,
		epsilon:       epsilon,
		momentum:      momentum,
		weightDecay:   weightDecay,
		v:             make(map[string][]float32),
		buf:           make(map[string][]float32),
	}
}

func NewRMSpropOptimizerDefault(params []*Param, lr float32) *RMSpropOptimizer {
	return NewRMSpropOptimizer(params, lr, 0.99, 1e-8, 0, 0)
}

func (opt *RMSpropOptimizer) Step() {
	for _, p := range opt.params {
		v := opt.v[p.Name]
		if v == nil {
			v = make([]float32, len(p.Data))
			opt.v[p.Name] = v
		}
		var buf []float32
		if opt.momentum > 0 {
			buf = opt.buf[p.Name]
			if buf == nil {
				buf = make([]float32, len(p.Data))
				opt.buf[p.Name] = buf
			}
		}

		for j := range p.Data {
			grad := p.Grad[j] + opt.weightDecay*p.Data[j]

			// v = alpha * v + (1 - alpha) * grad^2
			v[j] = opt.alpha*v[j] + (1-opt.alpha)*grad*grad
			step := grad / float32(math.Sqrt(float64(v[j]+opt.epsilon)))

			if buf != nil {
				buf[j] = opt.momentum*buf[j] + step
				step = buf[j]
			}
			p.Data[j] -= opt.lr * step
		}
	}
}

func (opt *RMSpropOptimizer) State() OptimizerState {
	sd := make(StateDict)
	saveBuffers(sd, "square_avg", opt.params, opt.v)
	saveBuffers(sd, "momentum", opt.params, opt.buf)
	return OptimizerState{
		Type: "rmsprop",
		LR:   opt.lr,
		Hyper: map[string]float32{
			"alpha":        opt.alpha,
			"epsilon":      opt.epsilon,
			"momentum":     opt.momentum,
			"weight_decay": opt.weightDecay,
		},
		Buffers: sd,
	}
}

func (opt *RMSpropOptimizer) LoadState(state OptimizerState) error {
	if err := checkType(state, "rmsprop"); err != nil {
		return err
	}
	v, err := loadBuffers(state.Buffers, "square_avg", opt.params)
	if err != nil {
		return err
	}
	buf, err := loadBuffers(state.Buffers, "momentum", opt.params)
	if err != nil {
		return err
	}

	opt.lr = state.LR
	if a, ok := state.Hyper["alpha"]; ok {
		opt.alpha = a
	}
	if eps, ok := state.Hyper["epsilon"]; ok {
		opt.epsilon = eps
	}
	if m, ok := state.Hyper["momentum"]; ok {
		opt.momentum = m
	}
	if wd, ok := state.Hyper["weight_decay"]; ok {
		opt.weightDecay = wd
	}
	opt.v, opt.buf = v, buf
	return nil
}

func (opt *RMSpropOptimizer) Name() string {
	return "RMSprop"
}
