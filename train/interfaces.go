// Package train implements multi-precision quantization-aware training with
// recursive self-distillation.
//
// Each batch is trained at the full-precision reference against hard labels
// and then at every lower level against the softened output of the level
// directly above it. Gradients of every level accumulate into the shared
// parameters before a single optimizer step. A separate no-grad evaluation
// pass measures per-level loss and accuracy and, optionally, per-layer slack
// against the full-precision activations.
package train

import (
	"context"

	"github.com/openfluke/multibit/checkpoint"
	"github.com/openfluke/multibit/data"
	"github.com/openfluke/multibit/nn"
)

// Model is a quantizable network evaluated at an explicit precision per call.
// *nn.Network satisfies it.
type Model interface {
	Forward(input []float32, batchSize int, p nn.Precision, opts nn.ForwardOptions) (*nn.Pass, error)
	Backward(pass *nn.Pass, gradOutput []float32) error
	NumLayers() int
	NumClasses() int
	StateDict() nn.StateDict
	LoadStateDict(sd nn.StateDict, strict bool) error
}

// Optimizer owns the parameter update.
type Optimizer interface {
	ZeroGrad()
	Step()
	State() nn.OptimizerState
	LoadState(state nn.OptimizerState) error
}

// Scheduler advances the learning rate once per epoch. valLoss is the
// reference-level validation loss; epoch-based schedules ignore it.
type Scheduler interface {
	Step(valLoss float64)
}

// DataSource yields the batches of one epoch in order.
type DataSource interface {
	NumBatches() int
	Each(ctx context.Context, epoch int, fn func(i int, b data.Batch) error) error
}

// CheckpointSink persists one record per epoch.
type CheckpointSink interface {
	Save(ctx context.Context, rec *checkpoint.Record, isBest bool) error
}

// Tracker receives per-epoch metrics. Failures are logged, never fatal.
type Tracker interface {
	Log(ctx context.Context, epoch int, metrics map[string]float64) error
}

// HardLossFunc is a hard-label loss returning the batch-mean loss and its
// gradient with respect to the logits.
type HardLossFunc func(logits []float32, labels []int, classes int) (float64, []float32, error)

// SoftLossFunc is a soft-label loss against a constant target distribution.
type SoftLossFunc func(logits, target []float32, classes int) (float64, []float32, error)

// DeviationFunc measures the distance between a quantized and a reference
// activation tensor.
type DeviationFunc func(a, b []float32) (float64, error)
