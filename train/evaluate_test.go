package train

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfluke/multibit/nn"
)

// firstDiff is a signed deviation so the sign of slack is observable.
func firstDiff(a, b []float32) (float64, error) {
	return float64(a[0] - b[0]), nil
}

func TestEvalSlackSubtractsEpsilon(t *testing.T) {
	model := newFakeModel(2, 3)
	e := &Evaluator{
		Model:      model,
		Schedule:   mustSchedule(t, "4,8"),
		Constraint: true,
		Epsilon:    Epsilon{4: {10, 100}},
		Deviation:  firstDiff,
	}
	rep, err := e.EvalEpoch(context.Background(), 0, newSource(2, 4, 5, 3))
	require.NoError(t, err)

	// deviation at layer l is (32-bits)*(l+1)
	lv4, ok := rep.Level(4)
	require.True(t, ok)
	assert.InDeltaSlice(t, []float64{28 - 10, 56 - 100}, lv4.Slack, 1e-9)
	assert.Less(t, lv4.Slack[1], 0.0, "negative slack is kept")

	lv8, _ := rep.Level(8)
	assert.InDeltaSlice(t, []float64{24, 48}, lv8.Slack, 1e-9, "no epsilon means raw deviation")

	ref := rep.Reference()
	assert.InDeltaSlice(t, []float64{0, 0}, ref.Slack, 1e-9)
	assert.True(t, math.IsNaN(ref.OutputSlack), "distill is off")
}

func TestEvalTogglesAreIndependent(t *testing.T) {
	tests := []struct {
		name       string
		constraint bool
		distill    bool
	}{
		{"neither", false, false},
		{"constraint only", true, false},
		{"distill only", false, true},
		{"both", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			model := newFakeModel(2, 3)
			e := &Evaluator{
				Model:      model,
				Schedule:   mustSchedule(t, "4"),
				Constraint: tt.constraint,
				Distill:    tt.distill,
			}
			rep, err := e.EvalEpoch(context.Background(), 0, newSource(1, 4, 5, 3))
			require.NoError(t, err)

			for _, f := range model.forwards {
				assert.True(t, f.NoGrad, "evaluation never records a graph")
				assert.Equal(t, tt.constraint, f.Activations, "activations only for slack")
			}
			for _, lr := range rep.Levels {
				if tt.constraint {
					assert.Len(t, lr.Slack, 2)
				} else {
					assert.Nil(t, lr.Slack)
				}
				assert.Equal(t, tt.distill, !math.IsNaN(lr.OutputSlack))
				assert.False(t, math.IsNaN(lr.Loss))
			}
			assert.Empty(t, model.backwards)
		})
	}
}

func TestEvalDistillMeasuresAgainstReference(t *testing.T) {
	const classes = 3
	var targets [][]float32
	e := &Evaluator{
		Model:    newFakeModel(2, classes),
		Schedule: mustSchedule(t, "4,8"),
		Distill:  true,
		SoftLoss: func(logits, target []float32, c int) (float64, []float32, error) {
			targets = append(targets, target)
			return nn.SoftCrossEntropy(logits, target, c)
		},
	}
	_, err := e.EvalEpoch(context.Background(), 0, newSource(1, 2, 5, classes))
	require.NoError(t, err)

	want := nn.Softmax(fakeLogits(32, 2, classes), classes)
	require.Len(t, targets, 3, "every level including the reference")
	for _, got := range targets {
		assert.InDeltaSlice(t, want, got, 1e-7)
	}
}

func TestEvalLeavesNetworkUntouched(t *testing.T) {
	net, err := nn.NewNetwork(nn.NetworkConfig{InputSize: 5, Hidden: []int{6, 4}, NumClasses: 3, Activation: nn.ActivationScaledReLU}, rand.New(rand.NewSource(7)))
	require.NoError(t, err)
	before := net.StateDict()

	e := &Evaluator{Model: net, Schedule: mustSchedule(t, "2,4"), Constraint: true, Distill: true}
	rep, err := e.EvalEpoch(context.Background(), 0, newSource(3, 4, 5, 3))
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Batches)

	assert.Equal(t, before, net.StateDict(), "parameters are bit-identical")
	for _, p := range net.Params() {
		for _, g := range p.Grad {
			require.Zero(t, g, "no gradient accumulated in %s", p.Name)
		}
	}

	ref := rep.Reference()
	for l, s := range ref.Slack {
		assert.InDelta(t, 0, s, 1e-12, "reference slack at layer %d", l)
	}
	assert.GreaterOrEqual(t, rep.Levels[0].Slack[0], 0.0)
}

func TestEvalEmptySource(t *testing.T) {
	e := &Evaluator{Model: newFakeModel(2, 3), Schedule: mustSchedule(t, "4")}
	_, err := e.EvalEpoch(context.Background(), 0, &sliceSource{})
	assert.ErrorIs(t, err, ErrEmptyPass)
}

func TestCalibrate(t *testing.T) {
	model := newFakeModel(2, 3)
	s := mustSchedule(t, "4,8")
	eps, err := Calibrate(context.Background(), model, s, newSource(2, 4, 5, 3), firstDiff, 0.5)
	require.NoError(t, err)

	assert.InDeltaSlice(t, []float64{14, 28}, eps[4], 1e-9)
	assert.InDeltaSlice(t, []float64{12, 24}, eps[8], 1e-9)
	assert.InDeltaSlice(t, []float64{0, 0}, eps[32], 1e-9)
	assert.Equal(t, 14.0, eps.At(4, 0))
	assert.Zero(t, eps.At(2, 0), "missing level")
	assert.Zero(t, eps.At(4, 9), "missing layer")

	// calibrated thresholds cancel the deviation they were measured from
	e := &Evaluator{Model: model, Schedule: s, Constraint: true, Deviation: firstDiff}
	e.Epsilon, err = Calibrate(context.Background(), model, s, newSource(1, 4, 5, 3), firstDiff, 1)
	require.NoError(t, err)
	rep, err := e.EvalEpoch(context.Background(), 0, newSource(1, 4, 5, 3))
	require.NoError(t, err)
	for _, lr := range rep.Levels {
		assert.InDeltaSlice(t, []float64{0, 0}, lr.Slack, 1e-9)
	}

	_, err = Calibrate(context.Background(), model, s, &sliceSource{}, nil, 1)
	assert.ErrorIs(t, err, ErrEmptyPass)
}
