package train

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfluke/multibit/data"
	"github.com/openfluke/multibit/nn"
)

// Evaluator measures every precision level without recording gradients.
//
// Constraint enables per-layer slack: Deviation(act_p, act_ref) minus the
// calibrated Epsilon for that level and layer, sign preserved. Distill enables
// the output slot: soft loss of each level against the reference softmax.
// The two diagnostics are independent.
type Evaluator struct {
	Model    Model
	Schedule Schedule

	// HardLoss defaults to nn.CrossEntropy, SoftLoss to nn.SoftCrossEntropy.
	HardLoss HardLossFunc
	SoftLoss SoftLossFunc

	Constraint bool
	Distill    bool
	Epsilon    Epsilon

	// Deviation defaults to nn.MeanSquaredDeviation.
	Deviation DeviationFunc
	Logger    *slog.Logger
}

// ErrEmptyPass is returned when an evaluation source yields no batch.
var ErrEmptyPass = errors.New("evaluation pass saw no batches")

func (e *Evaluator) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// SlackSlots returns the number of slack meters per level: one per layer
// plus the output-distillation slot.
func (e *Evaluator) SlackSlots() int {
	return e.Model.NumLayers() + 1
}

// EvalBatch evaluates b at every level of Schedule.Eval, ascending.
// levels must come from NewLevels(Schedule.Eval, SlackSlots()).
func (e *Evaluator) EvalBatch(b data.Batch, levels []*Level) error {
	if err := checkLevels(e.Schedule, levels); err != nil {
		return err
	}
	layers := e.Model.NumLayers()
	for _, lv := range levels {
		if len(lv.Slack) != layers+1 {
			return fmt.Errorf("level %d has %d slack slots, want %d", lv.Bits, len(lv.Slack), layers+1)
		}
	}

	hard := e.HardLoss
	if hard == nil {
		hard = nn.CrossEntropy
	}
	soft := e.SoftLoss
	if soft == nil {
		soft = nn.SoftCrossEntropy
	}
	deviation := e.Deviation
	if deviation == nil {
		deviation = nn.MeanSquaredDeviation
	}
	classes := e.Model.NumClasses()
	weight := float64(b.Size)

	ref, err := RunForward(e.Model, b, e.Schedule.Reference(), e.Constraint, false)
	if err != nil {
		return err
	}
	var refActs [][]float32
	if e.Constraint {
		refActs = make([][]float32, len(ref.Activations))
		for l, a := range ref.Activations {
			refActs[l] = append([]float32(nil), a...)
		}
	}
	refTarget := nn.Softmax(ref.Output, classes)

	for _, lv := range levels {
		pass, err := RunForward(e.Model, b, lv.Bits, e.Constraint, false)
		if err != nil {
			return err
		}
		loss, _, err := hard(pass.Output, b.Labels, classes)
		if err != nil {
			return fmt.Errorf("hard loss at %d bits: %w", lv.Bits, err)
		}
		if err := checkFinite(loss, lv.Bits); err != nil {
			return err
		}
		lv.record(loss, nn.TopK(pass.Output, b.Labels, classes, 1), nn.TopK(pass.Output, b.Labels, classes, 5), weight)

		if e.Constraint {
			for l := 0; l < layers; l++ {
				d, err := deviation(pass.Activations[l], refActs[l])
				if err != nil {
					return fmt.Errorf("deviation at %d bits, layer %d: %w", lv.Bits, l, err)
				}
				lv.Slack[l].Update(d-e.Epsilon.At(lv.Bits, l), weight)
			}
		}
		if e.Distill {
			s, _, err := soft(pass.Output, refTarget, classes)
			if err != nil {
				return fmt.Errorf("soft loss at %d bits: %w", lv.Bits, err)
			}
			lv.Slack[layers].Update(s, weight)
		}
	}
	return nil
}

// EvalEpoch evaluates every batch of src. An empty source is an error since
// its averages would be undefined.
func (e *Evaluator) EvalEpoch(ctx context.Context, epoch int, src DataSource) (*PassReport, error) {
	ctx, span := tracer.Start(ctx, "evaluator.epoch",
		trace.WithAttributes(
			attribute.Int("epoch", epoch),
			attribute.Bool("constraint", e.Constraint),
			attribute.Bool("distill", e.Distill),
		),
	)
	defer span.End()

	levels := NewLevels(e.Schedule.Eval, e.SlackSlots())
	batches := 0
	err := src.Each(ctx, epoch, func(i int, b data.Batch) error {
		start := time.Now()
		if err := e.EvalBatch(b, levels); err != nil {
			return fmt.Errorf("epoch %d, batch %d: %w", epoch, i, err)
		}
		batchDuration.WithLabelValues("eval").Observe(time.Since(start).Seconds())
		batches++
		return nil
	})
	if err == nil && batches == 0 {
		err = ErrEmptyPass
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "evaluation pass failed")
		return nil, err
	}

	e.logger().Debug("evaluation pass complete",
		slog.Int("epoch", epoch),
		slog.Int("batches", batches),
	)
	return newPassReport(epoch, batches, levels, e.Constraint), nil
}
