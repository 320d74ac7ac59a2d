package train

import (
	"context"
	"errors"
	"math"

	"github.com/openfluke/multibit/checkpoint"
	"github.com/openfluke/multibit/data"
	"github.com/openfluke/multibit/nn"
)

// fakeModel produces fixed logits and activations per bit-width and records
// every call it sees.
type fakeModel struct {
	layers  int
	classes int

	forwards  []nn.ForwardOptions
	backwards []int // bit-width of every Backward, in call order
	training  map[*nn.Pass]bool
	strict    []bool
	sd        nn.StateDict
}

func newFakeModel(layers, classes int) *fakeModel {
	return &fakeModel{
		layers:   layers,
		classes:  classes,
		training: make(map[*nn.Pass]bool),
		sd:       nn.StateDict{"w": {1, 2, 3}},
	}
}

// fakeLogits is distinct for every bit-width the tests use.
func fakeLogits(bits, batch, classes int) []float32 {
	out := make([]float32, batch*classes)
	for i := range out {
		c := i % classes
		out[i] = float32(c*bits%5)*0.3 + float32(bits)*0.01
	}
	return out
}

// fakeActivation at layer l is (32-bits)*(l+1) everywhere, so the reference
// activations are zero.
func fakeActivation(bits, l, size int) []float32 {
	a := make([]float32, size)
	for i := range a {
		a[i] = float32(nn.FullPrecision-bits) * float32(l+1)
	}
	return a
}

func (m *fakeModel) Forward(input []float32, batchSize int, p nn.Precision, opts nn.ForwardOptions) (*nn.Pass, error) {
	m.forwards = append(m.forwards, opts)
	pass := &nn.Pass{
		Precision: p,
		BatchSize: batchSize,
		Output:    fakeLogits(p.WBit, batchSize, m.classes),
	}
	if opts.Activations {
		for l := 0; l < m.layers; l++ {
			pass.Activations = append(pass.Activations, fakeActivation(p.WBit, l, batchSize*4))
		}
	}
	m.training[pass] = !opts.NoGrad
	return pass, nil
}

func (m *fakeModel) Backward(pass *nn.Pass, grad []float32) error {
	if pass == nil || !m.training[pass] {
		return nn.ErrNoGraph
	}
	if len(grad) != len(pass.Output) {
		return errors.New("gradient length mismatch")
	}
	m.training[pass] = false
	m.backwards = append(m.backwards, pass.Precision.WBit)
	return nil
}

func (m *fakeModel) NumLayers() int          { return m.layers }
func (m *fakeModel) NumClasses() int         { return m.classes }
func (m *fakeModel) StateDict() nn.StateDict { return m.sd.Clone() }

func (m *fakeModel) LoadStateDict(sd nn.StateDict, strict bool) error {
	m.strict = append(m.strict, strict)
	m.sd = sd.Clone()
	return nil
}

type fakeOptimizer struct {
	zeroGrads int
	steps     int
	loaded    *nn.OptimizerState
}

func (o *fakeOptimizer) ZeroGrad() { o.zeroGrads++ }
func (o *fakeOptimizer) Step()     { o.steps++ }

func (o *fakeOptimizer) State() nn.OptimizerState {
	return nn.OptimizerState{Type: "fake", Step: o.steps}
}

func (o *fakeOptimizer) LoadState(s nn.OptimizerState) error {
	o.loaded = &s
	o.steps = s.Step
	return nil
}

// sliceSource replays fixed batches in order every epoch.
type sliceSource struct {
	batches []data.Batch
}

func (s *sliceSource) NumBatches() int { return len(s.batches) }

func (s *sliceSource) Each(ctx context.Context, _ int, fn func(int, data.Batch) error) error {
	for i, b := range s.batches {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(i, b); err != nil {
			return err
		}
	}
	return nil
}

// fakeBatch returns a batch of size samples with labels cycling over classes.
func fakeBatch(size, features, classes int) data.Batch {
	b := data.Batch{
		Input:    make([]float32, size*features),
		Labels:   make([]int, size),
		Size:     size,
		Features: features,
	}
	for i := range b.Input {
		b.Input[i] = float32(i%7) * 0.1
	}
	for i := range b.Labels {
		b.Labels[i] = i % classes
	}
	return b
}

func newSource(batches, size, features, classes int) *sliceSource {
	s := &sliceSource{}
	for i := 0; i < batches; i++ {
		s.batches = append(s.batches, fakeBatch(size, features, classes))
	}
	return s
}

// reportWithTop1 is a one-level pass report with the given reference score.
func reportWithTop1(epoch int, top1 float64) *PassReport {
	return &PassReport{
		Epoch:   epoch,
		Batches: 1,
		Levels: []LevelReport{{
			Bits:        nn.FullPrecision,
			Loss:        100 - top1,
			Top1:        top1,
			Top5:        100,
			OutputSlack: math.NaN(),
		}},
	}
}

type fakeTrainPass struct{ epochs []int }

func (f *fakeTrainPass) TrainEpoch(_ context.Context, epoch int, _ DataSource) (*PassReport, error) {
	f.epochs = append(f.epochs, epoch)
	return reportWithTop1(epoch, 50), nil
}

// scriptedEval returns the next scripted val score for val and a constant
// report for any other source.
type scriptedEval struct {
	val    DataSource
	scores []float64
	calls  int
}

func (s *scriptedEval) EvalEpoch(_ context.Context, epoch int, src DataSource) (*PassReport, error) {
	if src != s.val {
		return reportWithTop1(epoch, 60), nil
	}
	score := s.scores[s.calls]
	s.calls++
	return reportWithTop1(epoch, score), nil
}

type savedRecord struct {
	epoch  int
	best   float64
	isBest bool
}

type fakeSink struct {
	saved []savedRecord
	err   error
}

func (f *fakeSink) Save(_ context.Context, rec *checkpoint.Record, isBest bool) error {
	if f.err != nil {
		return f.err
	}
	f.saved = append(f.saved, savedRecord{epoch: rec.Epoch, best: *rec.BestPrec1, isBest: isBest})
	return nil
}

type fakeTracker struct {
	epochs []int
	err    error
}

func (f *fakeTracker) Log(_ context.Context, epoch int, _ map[string]float64) error {
	f.epochs = append(f.epochs, epoch)
	return f.err
}

type fakeScheduler struct{ losses []float64 }

func (f *fakeScheduler) Step(loss float64) { f.losses = append(f.losses, loss) }
