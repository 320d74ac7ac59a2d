package nn

import (
	"errors"
	"fmt"
)

// FullPrecision is the bit-width that disables quantization. It is the
// reference level every multi-precision schedule is evaluated against.
const FullPrecision = 32

// ActivationType defines the activation function used in a layer
type ActivationType int

const (
	ActivationScaledReLU ActivationType = 0 // v * 1.1, then ReLU
	ActivationSigmoid    ActivationType = 1 // 1 / (1 + exp(-v))
	ActivationTanh       ActivationType = 2 // tanh(v)
	ActivationSoftplus   ActivationType = 3 // log(1 + exp(v))
	ActivationLeakyReLU  ActivationType = 4 // v if v >= 0, else v * 0.1
	ActivationLinear     ActivationType = 5 // identity (output layer)
)

var (
	// ErrNoGraph is returned by Backward for a pass recorded without gradients.
	ErrNoGraph = errors.New("pass was recorded without a gradient graph")

	// ErrGraphConsumed is returned by a second Backward on the same pass.
	ErrGraphConsumed = errors.New("gradient graph of this pass was already consumed")
)

// Precision selects how weights and activations are quantized for one
// forward call. It is passed explicitly to every Forward; a network holds no
// "current precision" of its own.
type Precision struct {
	WBit int // weight bit-width
	ABit int // activation bit-width
}

// Bits returns a Precision using the same bit-width for weights and activations.
func Bits(b int) Precision {
	return Precision{WBit: b, ABit: b}
}

// IsFull reports whether neither weights nor activations are quantized.
func (p Precision) IsFull() bool {
	return p.WBit >= FullPrecision && p.ABit >= FullPrecision
}

// Validate checks both bit-widths are in [1, FullPrecision].
func (p Precision) Validate() error {
	if p.WBit < 1 || p.WBit > FullPrecision {
		return fmt.Errorf("weight bit-width %d out of range [1, %d]", p.WBit, FullPrecision)
	}
	if p.ABit < 1 || p.ABit > FullPrecision {
		return fmt.Errorf("activation bit-width %d out of range [1, %d]", p.ABit, FullPrecision)
	}
	return nil
}

func (p Precision) String() string {
	if p.WBit == p.ABit {
		return fmt.Sprintf("%dbit", p.WBit)
	}
	return fmt.Sprintf("w%da%d", p.WBit, p.ABit)
}

// ForwardOptions controls what a forward call records.
type ForwardOptions struct {
	Activations bool // keep every layer's output in Pass.Activations
	NoGrad      bool // skip the gradient tape; the pass cannot be back-propagated
}

// Pass is the result of one forward call at one precision.
//
// Activations holds one entry per layer (the last one is the logits) when
// requested. Output and Activations alias the network's working buffers of
// this call only and must be treated as read-only.
type Pass struct {
	Precision   Precision
	BatchSize   int
	Output      []float32 // logits [BatchSize * NumClasses]
	Activations [][]float32

	tape *tape
}

// HasGraph reports whether the pass can still be back-propagated.
func (p *Pass) HasGraph() bool {
	return p != nil && p.tape != nil && !p.tape.consumed
}

// tape holds what Backward needs from a single forward call.
type tape struct {
	owner    *Network
	inputs  [][]float32 // input of layer i
	preActs  [][]float32 // pre-activation of layer i
	weights  [][]float32 // (quantized) weights used by layer i
	consumed bool
}

// Param is a learnable tensor and its gradient buffer.
// Grad has the same length as Data and accumulates across Backward calls
// until an optimizer zeroes it.
type Param struct {
	Name string
	Data []float32
	Grad []float32
}

// ParamCount returns the total number of scalars in params.
func ParamCount(params []*Param) int {
	total := 0
	for _, p := range params {
		total += len(p.Data)
	}
	return total
}

func activationToString(a ActivationType) string {
	switch a {
	case ActivationScaledReLU:
		return "relu"
	case ActivationSigmoid:
		return "sigmoid"
	case ActivationTanh:
		return "tanh"
	case ActivationSoftplus:
		return "softplus"
	case ActivationLeakyReLU:
		return "leaky_relu"
	default:
		return "linear"
	}
}

// String returns the configuration name of the activation.
func (a ActivationType) String() string {
	return activationToString(a)
}

// ParseActivation maps a configuration name to an ActivationType.
func ParseActivation(s string) (ActivationType, error) {
	switch s {
	case "relu", "":
		return ActivationScaledReLU, nil
	case "sigmoid":
		return ActivationSigmoid, nil
	case "tanh":
		return ActivationTanh, nil
	case "softplus":
		return ActivationSoftplus, nil
	case "leaky_relu":
		return ActivationLeakyReLU, nil
	case "linear":
		return ActivationLinear, nil
	default:
		return 0, fmt.Errorf("unknown activation %q", s)
	}
}
