package train

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfluke/multibit/data"
	"github.com/openfluke/multibit/nn"
)

// Trainer runs recursive self-distillation over one shared model.
type Trainer struct {
	Model     Model
	Optimizer Optimizer
	Schedule  Schedule

	// HardLoss defaults to nn.CrossEntropy, SoftLoss to nn.SoftCrossEntropy.
	HardLoss HardLossFunc
	SoftLoss SoftLossFunc

	// PrintFreq logs a progress line every PrintFreq batches; 0 disables.
	PrintFreq int
	Logger    *slog.Logger
}

func (t *Trainer) logger() *slog.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return slog.Default()
}

func (t *Trainer) losses() (HardLossFunc, SoftLossFunc) {
	hard, soft := t.HardLoss, t.SoftLoss
	if hard == nil {
		hard = nn.CrossEntropy
	}
	if soft == nil {
		soft = nn.SoftCrossEntropy
	}
	return hard, soft
}

// TrainBatch performs one optimizer update on b.
//
// levels must hold one entry per element of Schedule.Eval, in order. The
// reference level is trained on hard labels; every other level, from the
// highest down to the lowest, is trained on the softmax of the detached output
// of the level directly above it. Each level's backward accumulates into the
// shared gradients and the optimizer steps exactly once, after the last one.
func (t *Trainer) TrainBatch(b data.Batch, levels []*Level) error {
	if err := checkLevels(t.Schedule, levels); err != nil {
		return err
	}
	hard, soft := t.losses()
	classes := t.Model.NumClasses()
	weight := float64(b.Size)

	t.Optimizer.ZeroGrad()

	ref := levels[len(levels)-1]
	pass, err := RunForward(t.Model, b, ref.Bits, false, true)
	if err != nil {
		return err
	}
	loss, grad, err := hard(pass.Output, b.Labels, classes)
	if err != nil {
		return fmt.Errorf("hard loss at %d bits: %w", ref.Bits, err)
	}
	if err := checkFinite(loss, ref.Bits); err != nil {
		return err
	}
	if err := t.backward(pass, grad, ref.Bits); err != nil {
		return err
	}
	ref.record(loss, nn.TopK(pass.Output, b.Labels, classes, 1), nn.TopK(pass.Output, b.Labels, classes, 5), weight)

	// Softmax allocates, so the target never aliases a pass buffer.
	target := nn.Softmax(pass.Output, classes)

	for i := len(levels) - 2; i >= 0; i-- {
		lv := levels[i]
		pass, err := RunForward(t.Model, b, lv.Bits, false, true)
		if err != nil {
			return err
		}
		loss, grad, err := soft(pass.Output, target, classes)
		if err != nil {
			return fmt.Errorf("soft loss at %d bits: %w", lv.Bits, err)
		}
		if err := checkFinite(loss, lv.Bits); err != nil {
			return err
		}
		if err := t.backward(pass, grad, lv.Bits); err != nil {
			return err
		}

		// recursive supervision
		target = nn.Softmax(pass.Output, classes)
		lv.record(loss, nn.TopK(pass.Output, b.Labels, classes, 1), nn.TopK(pass.Output, b.Labels, classes, 5), weight)
	}

	t.Optimizer.Step()
	optimizerStepsTotal.Inc()
	return nil
}

func (t *Trainer) backward(pass *nn.Pass, grad []float32, bits int) error {
	if err := t.Model.Backward(pass, grad); err != nil {
		return fmt.Errorf("backward at %d bits: %w", bits, err)
	}
	backwardCallsTotal.WithLabelValues(strconv.Itoa(bits)).Inc()
	return nil
}

// TrainEpoch trains on every batch of src and returns the per-level averages.
func (t *Trainer) TrainEpoch(ctx context.Context, epoch int, src DataSource) (*PassReport, error) {
	ctx, span := tracer.Start(ctx, "trainer.epoch",
		trace.WithAttributes(
			attribute.Int("epoch", epoch),
			attribute.String("schedule", t.Schedule.String()),
		),
	)
	defer span.End()

	levels := NewLevels(t.Schedule.Eval, 0)
	ref := levels[len(levels)-1]
	total := src.NumBatches()
	log := t.logger()

	batches := 0
	err := src.Each(ctx, epoch, func(i int, b data.Batch) error {
		start := time.Now()
		if err := t.TrainBatch(b, levels); err != nil {
			return fmt.Errorf("epoch %d, batch %d: %w", epoch, i, err)
		}
		batchDuration.WithLabelValues("train").Observe(time.Since(start).Seconds())
		trainBatchesTotal.Inc()
		batches++

		if t.PrintFreq > 0 && i%t.PrintFreq == 0 {
			log.Info("training progress",
				slog.Int("epoch", epoch),
				slog.Int("iter", i),
				slog.Int("batches", total),
				slog.Int("bits", ref.Bits),
				slog.Float64("loss", ref.Loss.Latest()),
				slog.Float64("prec1", ref.Top1.Latest()),
				slog.Float64("prec5", ref.Top5.Latest()),
			)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "train pass failed")
		return nil, err
	}

	span.SetAttributes(attribute.Int("batches", batches))
	return newPassReport(epoch, batches, levels, false), nil
}

func checkLevels(s Schedule, levels []*Level) error {
	if len(s.Eval) == 0 {
		return configError("schedule", "evaluation schedule is empty")
	}
	if len(levels) != len(s.Eval) {
		return fmt.Errorf("got %d levels for schedule %s", len(levels), s)
	}
	for i, lv := range levels {
		if lv.Bits != s.Eval[i] {
			return fmt.Errorf("level %d is %d bits, schedule expects %d", i, lv.Bits, s.Eval[i])
		}
	}
	return nil
}

func checkFinite(loss float64, bits int) error {
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return fmt.Errorf("%w at %d bits: %v", ErrNonFiniteLoss, bits, loss)
	}
	return nil
}
