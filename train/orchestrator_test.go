package train

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfluke/multibit/checkpoint"
	"github.com/openfluke/multibit/nn"
)

func newScriptedOrchestrator(scores []float64) (*Orchestrator, *scriptedEval, *fakeSink) {
	val := newSource(1, 2, 5, 3)
	eval := &scriptedEval{val: val, scores: scores}
	sink := &fakeSink{}
	o := &Orchestrator{
		Model:       newFakeModel(2, 3),
		Optimizer:   &fakeOptimizer{},
		Trainer:     &fakeTrainPass{},
		Evaluator:   eval,
		Train:       newSource(1, 2, 5, 3),
		TrainEval:   newSource(1, 2, 5, 3),
		Val:         val,
		Checkpoints: sink,
		Epochs:      len(scores),
		ModelName:   "mlp",
		RunID:       "run-1",
	}
	return o, eval, sink
}

func TestRunTracksBest(t *testing.T) {
	o, _, sink := newScriptedOrchestrator([]float64{70, 72.5, 71})
	sched := &fakeScheduler{}
	o.Scheduler = sched

	results, err := o.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, []savedRecord{
		{epoch: 1, best: 70, isBest: true},
		{epoch: 2, best: 72.5, isBest: true},
		{epoch: 3, best: 72.5, isBest: false},
	}, sink.saved)
	assert.Equal(t, []bool{true, true, false}, []bool{results[0].IsBest, results[1].IsBest, results[2].IsBest})
	require.NotNil(t, o.Best)
	assert.Equal(t, 72.5, *o.Best)

	// scheduler sees the reference val loss once per epoch
	assert.Equal(t, []float64{30, 27.5, 29}, sched.losses)
}

func TestRunEqualScoreIsNotBest(t *testing.T) {
	o, _, sink := newScriptedOrchestrator([]float64{70, 70})
	_, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, sink.saved[0].isBest)
	assert.False(t, sink.saved[1].isBest)
}

func TestRunIgnoresTrackerErrors(t *testing.T) {
	o, _, _ := newScriptedOrchestrator([]float64{70, 71})
	tracker := &fakeTracker{err: errors.New("tracker down")}
	o.Tracker = tracker

	results, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.Equal(t, []int{0, 1}, tracker.epochs)
}

func TestRunAbortsOnCheckpointError(t *testing.T) {
	o, _, sink := newScriptedOrchestrator([]float64{70, 71})
	boom := errors.New("disk full")
	sink.err = boom

	results, err := o.Run(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, results)
}

func TestRunRejectsUndefinedReferenceScore(t *testing.T) {
	o, _, _ := newScriptedOrchestrator([]float64{math.NaN()})
	_, err := o.Run(context.Background())
	assert.Error(t, err)
}

func TestResumeContinuesFromRecord(t *testing.T) {
	o, eval, sink := newScriptedOrchestrator([]float64{71})
	o.Epochs = 3
	model := o.Model.(*fakeModel)
	opt := o.Optimizer.(*fakeOptimizer)
	trainer := o.Trainer.(*fakeTrainPass)

	best := 72.5
	rec := &checkpoint.Record{
		Epoch:     2,
		Model:     "mlp",
		StateDict: nn.StateDict{"w": {9, 9, 9}},
		BestPrec1: &best,
		Optimizer: nn.OptimizerState{Type: "fake", Step: 40},
	}
	require.NoError(t, o.Resume(rec))
	assert.Equal(t, 2, o.StartEpoch)
	assert.Equal(t, []bool{true}, model.strict, "resume loads strictly")
	require.NotNil(t, opt.loaded)
	assert.Equal(t, 40, opt.loaded.Step)

	results, err := o.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 2, results[0].Epoch)
	assert.Equal(t, []int{2}, trainer.epochs)
	assert.Equal(t, 1, eval.calls)
	assert.Equal(t, []savedRecord{{epoch: 3, best: 72.5, isBest: false}}, sink.saved)

	best = 0
	assert.Equal(t, 72.5, *o.Best, "best is copied out of the record")
}

func TestPretrainLoadsWeightsOnly(t *testing.T) {
	o, _, _ := newScriptedOrchestrator([]float64{71})
	model := o.Model.(*fakeModel)
	opt := o.Optimizer.(*fakeOptimizer)

	best := 99.0
	require.NoError(t, o.Pretrain(&checkpoint.Record{Epoch: 7, BestPrec1: &best, StateDict: nn.StateDict{"w": {5}}}))
	assert.Equal(t, []bool{false}, model.strict)
	assert.Equal(t, []float32{5}, model.sd["w"])
	assert.Zero(t, o.StartEpoch)
	assert.Nil(t, o.Best)
	assert.Nil(t, opt.loaded)

	assert.Error(t, o.Pretrain(nil))
	assert.Error(t, o.Resume(nil))
}

func TestRunFullStack(t *testing.T) {
	model := newFakeModel(2, 3)
	opt := &fakeOptimizer{}
	s := mustSchedule(t, "4,8")
	sink := &fakeSink{}
	o := &Orchestrator{
		Model:       model,
		Optimizer:   opt,
		Trainer:     &Trainer{Model: model, Optimizer: opt, Schedule: s, PrintFreq: 1},
		Evaluator:   &Evaluator{Model: model, Schedule: s, Distill: true},
		Train:       newSource(2, 2, 5, 3),
		TrainEval:   newSource(2, 2, 5, 3),
		Val:         newSource(1, 2, 5, 3),
		Checkpoints: sink,
		Epochs:      2,
	}
	results, err := o.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, 4, opt.steps)
	assert.Len(t, model.backwards, 4*3)
	assert.Len(t, sink.saved, 2)
	assert.Len(t, results[1].Val.Levels, 3)
}

func TestEpochMetrics(t *testing.T) {
	onTrain := &PassReport{Levels: []LevelReport{
		{Bits: 4, Loss: 1.5, Top1: 40, Top5: 90, Slack: []float64{0.1, -0.2}, OutputSlack: 0.7},
		{Bits: 32, Loss: 1.0, Top1: 60, Top5: 95, Slack: []float64{0, 0}, OutputSlack: 0.5},
	}}
	val := &PassReport{Levels: []LevelReport{
		{Bits: 4, Loss: 1.6, Top1: 38, Top5: 88, OutputSlack: math.NaN()},
		{Bits: 32, Loss: 1.1, Top1: math.NaN(), Top5: 94, OutputSlack: math.NaN()},
	}}

	m := EpochMetrics(onTrain, val)
	assert.Equal(t, 1.5, m["train_loss_4"])
	assert.Equal(t, 40.0, m["train_acc_4"])
	assert.Equal(t, 90.0, m["train_acc5_4"])
	assert.Equal(t, 0.7, m["train_CE_4"])
	assert.Equal(t, -0.2, m["train_l2_layer_1_bw_4"])
	assert.Equal(t, 1.6, m["test_loss_4"])
	assert.Equal(t, 1.1, m["test_loss_32"])

	assert.NotContains(t, m, "test_acc_32", "undefined values are omitted")
	assert.NotContains(t, m, "test_CE_4")
	assert.NotContains(t, m, "test_l2_layer_0_bw_4")
	assert.Len(t, m, 17)
}
