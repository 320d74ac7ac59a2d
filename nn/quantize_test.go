package nn

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func distinct(x []float32) map[float32]struct{} {
	set := make(map[float32]struct{})
	for _, v := range x {
		set[v] = struct{}{}
	}
	return set
}

func TestQuantizeSymmetric(t *testing.T) {
	x := []float32{-1.0, -0.4, -0.1, 0, 0.2, 0.55, 0.9, 1.0}

	t.Run("full precision is a copy", func(t *testing.T) {
		q := QuantizeSymmetric(x, FullPrecision)
		assert.Equal(t, x, q)
		q[0] = 5
		assert.Equal(t, float32(-1.0), x[0])
	})

	t.Run("2 bits uses three levels", func(t *testing.T) {
		q := QuantizeSymmetric(x, 2)
		assert.LessOrEqual(t, len(distinct(q)), 3)
		for _, v := range q {
			assert.Contains(t, []float32{-1, 0, 1}, v)
		}
	})

	t.Run("error shrinks with bits", func(t *testing.T) {
		prev := math.Inf(1)
		for _, b := range []int{2, 4, 8} {
			mse, err := MeanSquaredDeviation(QuantizeSymmetric(x, b), x)
			assert.NoError(t, err)
			assert.LessOrEqual(t, mse, prev)
			prev = mse
		}
	})

	t.Run("1 bit is sign times mean magnitude", func(t *testing.T) {
		q := QuantizeSymmetric([]float32{-2, 1, 0, 3}, 1)
		assert.Equal(t, []float32{-1.5, 1.5, 0, 1.5}, q)
	})

	t.Run("zeros stay zero", func(t *testing.T) {
		assert.Equal(t, []float32{0, 0, 0}, QuantizeSymmetric([]float32{0, 0, 0}, 4))
		assert.Empty(t, QuantizeSymmetric(nil, 1))
	})
}

func TestQuantizeActivations(t *testing.T) {
	relu := []float32{0, 0.1, 0.5, 0.7, 1.5}
	q := QuantizeActivations(relu, 2)
	// unsigned 2-bit range has 4 levels: 0, 0.5, 1.0, 1.5
	for _, v := range q {
		assert.Contains(t, []float32{0, 0.5, 1.0, 1.5}, v)
	}
	assert.Equal(t, float32(1.5), q[4])

	signed := []float32{-1, 0.3, 1}
	assert.Equal(t, QuantizeSymmetric(signed, 3), QuantizeActivations(signed, 3))
	assert.Equal(t, relu, QuantizeActivations(relu, 32))
}
