package train

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfluke/multibit/checkpoint"
)

// TrainPass runs the training pass of one epoch. *Trainer implements it.
type TrainPass interface {
	TrainEpoch(ctx context.Context, epoch int, src DataSource) (*PassReport, error)
}

// EvalPass runs an evaluation pass of one epoch. *Evaluator implements it.
type EvalPass interface {
	EvalEpoch(ctx context.Context, epoch int, src DataSource) (*PassReport, error)
}

// Orchestrator drives the epoch loop: train, evaluate on the training set and
// on the validation set, step the learning-rate schedule, track the best
// reference-level validation top-1 and checkpoint.
type Orchestrator struct {
	Model     Model
	Optimizer Optimizer
	Scheduler Scheduler // optional

	Trainer   TrainPass
	Evaluator EvalPass

	Train     DataSource // shuffled training split
	TrainEval DataSource // training split in fixed order
	Val       DataSource

	Checkpoints CheckpointSink // optional
	Tracker     Tracker        // optional

	Epochs     int
	StartEpoch int
	Best       *float64 // best reference val top-1 so far; nil before the first epoch

	ModelName string
	RunID     string
	Logger    *slog.Logger
}

// EpochResult is what one completed epoch produced.
type EpochResult struct {
	Epoch   int
	Train   *PassReport // training pass
	OnTrain *PassReport // evaluation on the training split
	Val     *PassReport // evaluation on the validation split
	IsBest  bool
	Best    float64
}

func (o *Orchestrator) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

// Resume restores weights (strictly), optimizer state, the epoch counter and
// the best score from rec. Training continues at rec.Epoch.
func (o *Orchestrator) Resume(rec *checkpoint.Record) error {
	if rec == nil {
		return errors.New("resume: nil checkpoint record")
	}
	if err := o.Model.LoadStateDict(rec.StateDict, true); err != nil {
		return fmt.Errorf("resume: load weights: %w", err)
	}
	if err := o.Optimizer.LoadState(rec.Optimizer); err != nil {
		return fmt.Errorf("resume: load optimizer: %w", err)
	}
	o.StartEpoch = rec.Epoch
	o.Best = nil
	if rec.BestPrec1 != nil {
		best := *rec.BestPrec1
		o.Best = &best
	}

	attrs := []any{slog.Int("epoch", rec.Epoch), slog.String("model", rec.Model)}
	if o.Best != nil {
		attrs = append(attrs, slog.Float64("best_prec1", *o.Best))
	}
	o.logger().Info("loaded checkpoint", attrs...)
	return nil
}

// Pretrain loads the weights of rec that match the model and ignores the
// rest. The epoch counter, best score and optimizer are untouched.
func (o *Orchestrator) Pretrain(rec *checkpoint.Record) error {
	if rec == nil {
		return errors.New("pretrain: nil checkpoint record")
	}
	if err := o.Model.LoadStateDict(rec.StateDict, false); err != nil {
		return fmt.Errorf("pretrain: load weights: %w", err)
	}
	o.logger().Info("loaded pretrained weights", slog.String("model", rec.Model), slog.Int("tensors", len(rec.StateDict)))
	return nil
}

// Run executes epochs StartEpoch..Epochs-1. Checkpoint failures abort the
// run; tracker failures are logged and ignored.
func (o *Orchestrator) Run(ctx context.Context) ([]EpochResult, error) {
	var results []EpochResult
	for epoch := o.StartEpoch; epoch < o.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res, err := o.RunEpoch(ctx, epoch)
		if err != nil {
			return results, fmt.Errorf("epoch %d: %w", epoch, err)
		}
		results = append(results, *res)
	}
	return results, nil
}

// RunEpoch executes a single epoch.
func (o *Orchestrator) RunEpoch(ctx context.Context, epoch int) (*EpochResult, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.epoch",
		trace.WithAttributes(attribute.Int("epoch", epoch)),
	)
	defer span.End()
	start := time.Now()

	res, err := o.runEpoch(ctx, epoch)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "epoch failed")
		return nil, err
	}

	span.SetAttributes(
		attribute.Bool("is_best", res.IsBest),
		attribute.Float64("best_prec1", res.Best),
		attribute.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return res, nil
}

func (o *Orchestrator) runEpoch(ctx context.Context, epoch int) (*EpochResult, error) {
	trainRep, err := o.Trainer.TrainEpoch(ctx, epoch, o.Train)
	if err != nil {
		return nil, fmt.Errorf("train pass: %w", err)
	}
	onTrain, err := o.Evaluator.EvalEpoch(ctx, epoch, o.TrainEval)
	if err != nil {
		return nil, fmt.Errorf("eval on train: %w", err)
	}
	val, err := o.Evaluator.EvalEpoch(ctx, epoch, o.Val)
	if err != nil {
		return nil, fmt.Errorf("eval on val: %w", err)
	}

	ref := val.Reference()
	if o.Scheduler != nil {
		o.Scheduler.Step(ref.Loss)
	}
	if math.IsNaN(ref.Top1) {
		return nil, fmt.Errorf("reference val top-1 is undefined")
	}

	best, isBest := bestScore(o.Best, ref.Top1)
	o.Best = &best

	if o.Checkpoints != nil {
		bestCopy := best
		rec := &checkpoint.Record{
			Epoch:     epoch + 1,
			Model:     o.ModelName,
			StateDict: o.Model.StateDict(),
			BestPrec1: &bestCopy,
			Optimizer: o.Optimizer.State(),
			RunID:     o.RunID,
			CreatedAt: time.Now().UTC(),
		}
		if err := o.Checkpoints.Save(ctx, rec, isBest); err != nil {
			return nil, fmt.Errorf("save checkpoint: %w", err)
		}
	}

	log := o.logger()
	if o.Tracker != nil {
		if err := o.Tracker.Log(ctx, epoch, EpochMetrics(onTrain, val)); err != nil {
			log.Warn("tracking failed", slog.Int("epoch", epoch), slog.String("error", err.Error()))
		}
	}

	trainRef := onTrain.Reference()
	log.Info(fmt.Sprintf("Epoch %d: train loss %.2f, train prec1 %.2f, train prec5 %.2f, val loss %.2f, val prec1 %.2f, val prec5 %.2f",
		epoch, trainRef.Loss, trainRef.Top1, trainRef.Top5, ref.Loss, ref.Top1, ref.Top5),
		slog.Int("epoch", epoch),
		slog.Bool("is_best", isBest),
		slog.Float64("best_prec1", best),
	)

	return &EpochResult{
		Epoch:   epoch,
		Train:   trainRep,
		OnTrain: onTrain,
		Val:     val,
		IsBest:  isBest,
		Best:    best,
	}, nil
}

// bestScore folds score into the running best. The first score is always best;
// afterwards only a strict improvement is.
func bestScore(prev *float64, score float64) (best float64, isBest bool) {
	if prev == nil {
		return score, true
	}
	if score > *prev {
		return score, true
	}
	return *prev, false
}

// EpochMetrics flattens the two evaluation reports of an epoch into tracker
// metric names, keyed by bit-width. Undefined values are omitted.
func EpochMetrics(onTrain, val *PassReport) map[string]float64 {
	m := make(map[string]float64)
	put := func(name string, v float64) {
		if !math.IsNaN(v) {
			m[name] = v
		}
	}
	for prefix, rep := range map[string]*PassReport{"train": onTrain, "test": val} {
		if rep == nil {
			continue
		}
		for _, lr := range rep.Levels {
			put(fmt.Sprintf("%s_loss_%d", prefix, lr.Bits), lr.Loss)
			put(fmt.Sprintf("%s_acc_%d", prefix, lr.Bits), lr.Top1)
			put(fmt.Sprintf("%s_acc5_%d", prefix, lr.Bits), lr.Top5)
			put(fmt.Sprintf("%s_CE_%d", prefix, lr.Bits), lr.OutputSlack)
			for l, s := range lr.Slack {
				put(fmt.Sprintf("%s_l2_layer_%d_bw_%d", prefix, l, lr.Bits), s)
			}
		}
	}
	return m
}
