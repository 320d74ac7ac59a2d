package gpu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfluke/multibit/nn"
)

func TestDeviationMatchesCPU(t *testing.T) {
	dev, err := NewDeviation()
	if err != nil {
		t.Skipf("no WebGPU device: %v", err)
	}
	defer dev.Release()

	a := make([]float32, 1000)
	b := make([]float32, 1000)
	for i := range a {
		a[i] = float32(i%17) * 0.25
		b[i] = float32(i%5) * 0.5
	}

	got, err := dev.Mean(a, b)
	require.NoError(t, err)
	want, err := nn.MeanSquaredDeviation(a, b)
	require.NoError(t, err)
	assert.InDelta(t, want, got, 1e-4)

	_, err = dev.Mean(a, b[:10])
	assert.Error(t, err)
	_, err = dev.Mean(nil, nil)
	assert.Error(t, err)
}
