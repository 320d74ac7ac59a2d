package nn

import (
	"errors"
	"fmt"
	"math/rand"
)

// NetworkConfig describes a multi-layer perceptron.
type NetworkConfig struct {
	InputSize  int
	Hidden     []int
	NumClasses int
	Activation ActivationType // hidden layers; the output layer is always linear
}

// Network is a stack of dense layers sharing one set of full-precision
// parameters across every precision level. Forward quantizes on the fly and
// never writes to stored weights.
//
// A Network is not safe for concurrent Forward or Backward calls.
type Network struct {
	cfg    NetworkConfig
	layers []*denseLayer
}

// NewNetwork builds a network with He-initialized weights drawn from rng.
func NewNetwork(cfg NetworkConfig, rng *rand.Rand) (*Network, error) {
	if cfg.InputSize <= 0 {
		return nil, fmt.Errorf("input size must be positive, got %d", cfg.InputSize)
	}
	if cfg.NumClasses <= 0 {
		return nil, fmt.Errorf("number of classes must be positive, got %d", cfg.NumClasses)
	}
	for i, h := range cfg.Hidden {
		if h <= 0 {
			return nil, fmt.Errorf("hidden layer %d: width must be positive, got %d", i, h)
		}
	}
	if rng == nil {
		return nil, errors.New("random source is required")
	}

	n := &Network{cfg: cfg}
	in := cfg.InputSize
	for i, h := range cfg.Hidden {
		n.layers = append(n.layers, initDenseLayer(rng, i, in, h, cfg.Activation))
		in = h
	}
	n.layers = append(n.layers, initDenseLayer(rng, len(cfg.Hidden), in, cfg.NumClasses, ActivationLinear))
	return n, nil
}

// Config returns the configuration the network was built with.
func (n *Network) Config() NetworkConfig { return n.cfg }

// NumLayers returns the number of layers, which is also the length of
// Pass.Activations when activations are requested.
func (n *Network) NumLayers() int { return len(n.layers) }

// NumClasses returns the width of the output layer.
func (n *Network) NumClasses() int { return n.cfg.NumClasses }

// InputSize returns the number of input features.
func (n *Network) InputSize() int { return n.cfg.InputSize }

// Params returns every learnable tensor in layer order.
func (n *Network) Params() []*Param {
	params := make([]*Param, 0, 2*len(n.layers))
	for _, l := range n.layers {
		params = append(params, l.weight, l.bias)
	}
	return params
}

// Forward runs the network at precision p.
//
// Weights are quantized at p.WBit and every hidden-layer output at p.ABit;
// the logits are never quantized. Unless opts.NoGrad is set, the returned pass
// carries a tape that a later Backward consumes.
func (n *Network) Forward(input []float32, batchSize int, p Precision, opts ForwardOptions) (*Pass, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	if len(input) != batchSize*n.cfg.InputSize {
		return nil, fmt.Errorf("input length %d does not match batch %d x %d features",
			len(input), batchSize, n.cfg.InputSize)
	}

	pass := &Pass{Precision: p, BatchSize: batchSize}
	var t *tape
	if !opts.NoGrad {
		t = &tape{
			owner:   n,
			inputs:  make([][]float32, len(n.layers)),
			preActs: make([][]float32, len(n.layers)),
			weights: make([][]float32, len(n.layers)),
		}
	}
	if opts.Activations {
		pass.Activations = make([][]float32, 0, len(n.layers))
	}

	x := input
	if t != nil {
		// the caller may reuse its batch buffer before Backward
		x = append([]float32(nil), input...)
	}
	last := len(n.layers) - 1
	for i, l := range n.layers {
		w := l.weight.Data
		if p.WBit < FullPrecision {
			w = QuantizeSymmetric(w, p.WBit)
		}

		pre, post := denseForwardCPU(x, w, l.bias.Data, l, batchSize)
		if i < last && p.ABit < FullPrecision {
			post = QuantizeActivations(post, p.ABit)
		}

		if t != nil {
			t.inputs[i] = x
			t.preActs[i] = pre
			t.weights[i] = w
		}
		if opts.Activations {
			pass.Activations = append(pass.Activations, post)
		}
		x = post
	}

	pass.Output = x
	pass.tape = t
	return pass, nil
}

// Backward back-propagates gradOutput (dLoss/dLogits) through the graph
// recorded by pass and accumulates into every Param.Grad. Quantizers are
// treated as identity (straight-through estimator).
//
// Backward consumes the pass: calling it twice returns ErrGraphConsumed.
func (n *Network) Backward(pass *Pass, gradOutput []float32) error {
	if pass == nil || pass.tape == nil {
		return ErrNoGraph
	}
	t := pass.tape
	if t.consumed {
		return ErrGraphConsumed
	}
	if t.owner != n {
		return errors.New("pass was recorded by a different network")
	}
	if want := pass.BatchSize * n.cfg.NumClasses; len(gradOutput) != want {
		return fmt.Errorf("gradient length %d does not match output length %d", len(gradOutput), want)
	}
	t.consumed = true

	grad := gradOutput
	for i := len(n.layers) - 1; i >= 0; i-- {
		grad = denseBackwardCPU(grad, t.inputs[i], t.preActs[i], t.weights[i], n.layers[i], pass.BatchSize)
	}

	// release the graph
	t.inputs, t.preActs, t.weights = nil, nil, nil
	return nil
}

// StateDict returns a copy of every parameter keyed by name.
func (n *Network) StateDict() StateDict {
	sd := make(StateDict, 2*len(n.layers))
	for _, p := range n.Params() {
		sd[p.Name] = append([]float32(nil), p.Data...)
	}
	return sd
}

// LoadStateDict copies matching tensors from sd into the network.
//
// In strict mode every parameter must be present with the right length and sd
// may not carry unknown keys. Otherwise missing or mis-shaped entries are
// skipped; the number of loaded tensors is reported by LoadedCount.
func (n *Network) LoadStateDict(sd StateDict, strict bool) error {
	_, err := n.loadStateDict(sd, strict)
	return err
}

// LoadedCount loads sd non-strictly and returns how many tensors matched.
func (n *Network) LoadedCount(sd StateDict) int {
	count, _ := n.loadStateDict(sd, false)
	return count
}

func (n *Network) loadStateDict(sd StateDict, strict bool) (int, error) {
	params := n.Params()
	if strict {
		known := make(map[string]struct{}, len(params))
		for _, p := range params {
			known[p.Name] = struct{}{}
			v, ok := sd[p.Name]
			if !ok {
				return 0, fmt.Errorf("missing parameter %q", p.Name)
			}
			if len(v) != len(p.Data) {
				return 0, fmt.Errorf("parameter %q: size mismatch, got %d want %d", p.Name, len(v), len(p.Data))
			}
		}
		for name := range sd {
			if _, ok := known[name]; !ok {
				return 0, fmt.Errorf("unexpected parameter %q", name)
			}
		}
	}

	loaded := 0
	for _, p := range params {
		v, ok := sd[p.Name]
		if !ok || len(v) != len(p.Data) {
			continue
		}
		copy(p.Data, v)
		loaded++
	}
	return loaded, nil
}
