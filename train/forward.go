package train

import (
	"fmt"

	"github.com/openfluke/multibit/data"
	"github.com/openfluke/multibit/nn"
)

// RunForward evaluates model on one batch at the given bit-width.
//
// With training set the pass carries a gradient graph for exactly one
// Backward; otherwise no graph is recorded and parameters are not touched.
// With activations set the pass holds one tensor per layer, logits last.
func RunForward(model Model, b data.Batch, bits int, activations, training bool) (*nn.Pass, error) {
	pass, err := model.Forward(b.Input, b.Size, nn.Bits(bits), nn.ForwardOptions{
		Activations: activations,
		NoGrad:      !training,
	})
	if err != nil {
		return nil, fmt.Errorf("forward at %d bits: %w", bits, err)
	}
	if want := b.Size * model.NumClasses(); len(pass.Output) != want {
		return nil, fmt.Errorf("forward at %d bits: output has %d values, want %d", bits, len(pass.Output), want)
	}
	if activations && len(pass.Activations) != model.NumLayers() {
		return nil, fmt.Errorf("forward at %d bits: %d activation tensors for %d layers",
			bits, len(pass.Activations), model.NumLayers())
	}
	return pass, nil
}
