package nn

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMultiStepScheduler(t *testing.T) {
	s := NewMultiStepScheduler(0.1, []int{150, 100, 180}, 0.1)
	tests := []struct {
		epoch int
		want  float64
	}{
		{0, 0.1},
		{99, 0.1},
		{100, 0.01},
		{149, 0.01},
		{150, 0.001},
		{180, 0.0001},
		{199, 0.0001},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, s.GetLR(tt.epoch), 1e-7, "epoch %d", tt.epoch)
	}
}

func TestCosineAnnealingScheduler(t *testing.T) {
	s := NewCosineAnnealingScheduler(1, 0, 10)
	assert.InDelta(t, 1, s.GetLR(0), 1e-6)
	assert.InDelta(t, 0.5, s.GetLR(5), 1e-6)
	assert.InDelta(t, 0, s.GetLR(10), 1e-6)
	assert.InDelta(t, 0, s.GetLR(20), 1e-6)
}

func TestEpochSchedulerDrivesOptimizer(t *testing.T) {
	opt := NewSGDOptimizer(testParams(), 0.1)

	s := NewEpochScheduler(opt, NewMultiStepScheduler(0.1, []int{2}, 0.1), 0)
	assert.InDelta(t, 0.1, opt.LearningRate(), 1e-7)
	s.Step(math.NaN())
	assert.InDelta(t, 0.1, opt.LearningRate(), 1e-7)
	s.Step(0)
	assert.InDelta(t, 0.01, opt.LearningRate(), 1e-7)
	assert.Equal(t, 2, s.Epoch())

	// a resumed run starts on the decayed part of the curve
	NewEpochScheduler(opt, NewMultiStepScheduler(0.1, []int{2}, 0.1), 3)
	assert.InDelta(t, 0.01, opt.LearningRate(), 1e-7)
}

func TestReduceLROnPlateau(t *testing.T) {
	opt := NewSGDOptimizer(testParams(), 1)
	s := NewReduceLROnPlateau(opt, 0.5, 1, 0, 0.2)

	s.Step(1.0) // best
	s.Step(0.9) // improved
	s.Step(0.9) // bad 1
	assert.InDelta(t, 1, opt.LearningRate(), 1e-7)
	s.Step(0.95) // bad 2 > patience
	assert.InDelta(t, 0.5, opt.LearningRate(), 1e-7)
	s.Step(1)
	s.Step(1)
	assert.InDelta(t, 0.25, opt.LearningRate(), 1e-7)
	s.Step(1)
	s.Step(1)
	assert.InDelta(t, 0.2, opt.LearningRate(), 1e-7)
}

func TestStateDictJSON(t *testing.T) {
	sd := StateDict{
		"a": {1.5, -2, float32(math.Inf(1))},
		"b": {},
	}
	raw, err := json.Marshal(sd)
	require.NoError(t, err)

	var back StateDict
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, sd, back)

	assert.Error(t, json.Unmarshal([]byte(`{"a":"AAA="}`), &back))
	assert.Error(t, json.Unmarshal([]byte(`{"a":"***"}`), &back))
}
