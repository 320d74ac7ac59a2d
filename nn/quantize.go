package nn

import (
	"math"
)

// QuantizeSymmetric fake-quantizes x to a signed grid of the given bit-width.
//
// The scale is max|x| / (2^(bits-1) - 1); each value is rounded to the nearest
// grid point and clamped. bits == 1 maps every value to sign(x) * mean|x|.
// bits >= FullPrecision returns an unmodified copy. The result is always a new
// slice; x is never written.
func QuantizeSymmetric(x []float32, bits int) []float32 {
	out := make([]float32, len(x))
	if bits >= FullPrecision {
		copy(out, x)
		return out
	}

	if bits <= 1 {
		var sum float64
		for _, v := range x {
			sum += math.Abs(float64(v))
		}
		if len(x) == 0 {
			return out
		}
		mean := float32(sum / float64(len(x)))
		for i, v := range x {
			switch {
			case v > 0:
				out[i] = mean
			case v < 0:
				out[i] = -mean
			}
		}
		return out
	}

	maxAbs := float32(0)
	for _, v := range x {
		if a := float32(math.Abs(float64(v))); a > maxAbs {
			maxAbs = a
		}
	}
	if maxAbs == 0 {
		return out
	}

	levels := float32(int64(1)<<(bits-1) - 1)
	scale := maxAbs / levels
	for i, v := range x {
		q := float32(math.Round(float64(v / scale)))
		if q > levels {
			q = levels
		} else if q < -levels {
			q = -levels
		}
		out[i] = q * scale
	}
	return out
}

// QuantizeActivations fake-quantizes a layer output. Non-negative tensors
// (ReLU, sigmoid, softplus outputs) use the unsigned range [0, 2^bits - 1];
// anything else falls back to QuantizeSymmetric.
func QuantizeActivations(x []float32, bits int) []float32 {
	if bits >= FullPrecision {
		out := make([]float32, len(x))
		copy(out, x)
		return out
	}

	maxVal := float32(0)
	for _, v := range x {
		if v < 0 {
			return QuantizeSymmetric(x, bits)
		}
		if v > maxVal {
			maxVal = v
		}
	}

	out := make([]float32, len(x))
	if maxVal == 0 {
		return out
	}

	levels := float32(int64(1)<<bits - 1)
	scale := maxVal / levels
	for i, v := range x {
		q := float32(math.Round(float64(v / scale)))
		if q > levels {
			q = levels
		}
		out[i] = q * scale
	}
	return out
}
