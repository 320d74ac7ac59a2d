package nn

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testParams() []*Param {
	return []*Param{
		{Name: "w", Data: []float32{1, -2}, Grad: []float32{0.5, 0.25}},
		{Name: "b", Data: []float32{0}, Grad: []float32{-1}},
	}
}

func TestSGDStep(t *testing.T) {
	params := testParams()
	opt := NewSGDOptimizer(params, 0.1)
	opt.Step()
	assert.InDeltaSlice(t, []float32{0.95, -2.025}, params[0].Data, 1e-6)
	assert.InDeltaSlice(t, []float32{0.1}, params[1].Data, 1e-6)

	opt.ZeroGrad()
	for _, p := range params {
		for _, g := range p.Grad {
			assert.Zero(t, g)
		}
	}
	assert.Equal(t, "SGD", opt.Name())
}

func TestSGDMomentumAndWeightDecay(t *testing.T) {
	params := testParams()
	opt := NewSGDOptimizerWithMomentum(params, 0.1, 0.9, 0, false, 0.1)

	// g = 0.5 + 0.1*1 = 0.6; v = 0.6; w = 1 - 0.06
	opt.Step()
	assert.InDelta(t, 0.94, params[0].Data[0], 1e-6)

	// g = 0.5 + 0.094 = 0.594; v = 0.54 + 0.594 = 1.134; w = 0.94 - 0.1134
	opt.Step()
	assert.InDelta(t, 0.8266, params[0].Data[0], 1e-5)
	assert.Equal(t, "SGD (momentum)", opt.Name())
}

// An optimizer restored from State continues exactly like the original.
func TestOptimizerStateRoundTrip(t *testing.T) {
	cases := map[string]func([]*Param) Optimizer{
		"sgd": func(p []*Param) Optimizer {
			return NewSGDOptimizerWithMomentum(p, 0.1, 0.9, 0.1, true, 1e-3)
		},
		"adamw":   func(p []*Param) Optimizer { return NewAdamWOptimizerDefault(p, 0.01) },
		"rmsprop": func(p []*Param) Optimizer { return NewRMSpropOptimizer(p, 0.01, 0.9, 1e-8, 0.5, 0) },
	}
	for name, build := range cases {
		t.Run(name, func(t *testing.T) {
			a := testParams()
			optA := build(a)
			optA.Step()

			raw, err := json.Marshal(optA.State())
			require.NoError(t, err)
			var state OptimizerState
			require.NoError(t, json.Unmarshal(raw, &state))
			assert.Equal(t, name, state.Type)

			b := testParams()
			for i := range b {
				copy(b[i].Data, a[i].Data)
			}
			optB := build(b)
			optB.SetLearningRate(99)
			require.NoError(t, optB.LoadState(state))
			assert.InDelta(t, optA.LearningRate(), optB.LearningRate(), 1e-9)

			optA.Step()
			optB.Step()
			for i := range a {
				assert.Equal(t, a[i].Data, b[i].Data)
			}
		})
	}
}

func TestOptimizerLoadStateRejectsMismatch(t *testing.T) {
	opt := NewSGDOptimizer(testParams(), 0.1)
	assert.Error(t, opt.LoadState(OptimizerState{Type: "adamw"}))

	err := opt.LoadState(OptimizerState{
		Type:    "sgd",
		Buffers: StateDict{"momentum/w": {1, 2, 3}},
	})
	assert.Error(t, err)
}
