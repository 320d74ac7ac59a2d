package nn

import (
	"fmt"
	"math"
	"sort"
)

// Softmax returns the row-wise softmax of logits [batch * classes].
// The input slice is not modified.
func Softmax(logits []float32, classes int) []float32 {
	out := make([]float32, len(logits))
	if classes <= 0 {
		return out
	}
	for start := 0; start+classes <= len(logits); start += classes {
		row := logits[start : start+classes]
		maxVal := row[0]
		for _, v := range row[1:] {
			if v > maxVal {
				maxVal = v
			}
		}
		var sum float64
		for j, v := range row {
			e := math.Exp(float64(v - maxVal))
			out[start+j] = float32(e)
			sum += e
		}
		for j := range row {
			out[start+j] = float32(float64(out[start+j]) / sum)
		}
	}
	return out
}

// LogSoftmax returns the row-wise log-softmax of logits in float64.
func LogSoftmax(logits []float32, classes int) []float64 {
	out := make([]float64, len(logits))
	if classes <= 0 {
		return out
	}
	for start := 0; start+classes <= len(logits); start += classes {
		row := logits[start : start+classes]
		maxVal := float64(row[0])
		for _, v := range row[1:] {
			if float64(v) > maxVal {
				maxVal = float64(v)
			}
		}
		var sum float64
		for _, v := range row {
			sum += math.Exp(float64(v) - maxVal)
		}
		logSum := maxVal + math.Log(sum)
		for j, v := range row {
			out[start+j] = float64(v) - logSum
		}
	}
	return out
}

// CrossEntropy computes the mean hard-label cross-entropy over the batch and
// its gradient with respect to the logits: (softmax - onehot) / batch.
func CrossEntropy(logits []float32, labels []int, classes int) (float64, []float32, error) {
	batch := len(labels)
	if batch == 0 || classes <= 0 || len(logits) != batch*classes {
		return 0, nil, fmt.Errorf("cross entropy: %d logits for %d labels x %d classes", len(logits), batch, classes)
	}

	logp := LogSoftmax(logits, classes)
	grad := Softmax(logits, classes)
	invB := 1.0 / float32(batch)

	var loss float64
	for b, y := range labels {
		if y < 0 || y >= classes {
			return 0, nil, fmt.Errorf("cross entropy: label %d out of range [0, %d)", y, classes)
		}
		loss -= logp[b*classes+y]
		grad[b*classes+y] -= 1
	}
	for i := range grad {
		grad[i] *= invB
	}
	return loss / float64(batch), grad, nil
}

// SoftCrossEntropy computes mean(-sum(target * log_softmax(logits))) over the
// batch and its gradient: (softmax - target) / batch. target must hold a
// probability distribution per row and is treated as a constant.
func SoftCrossEntropy(logits, target []float32, classes int) (float64, []float32, error) {
	if classes <= 0 || len(logits) == 0 || len(logits)%classes != 0 || len(target) != len(logits) {
		return 0, nil, fmt.Errorf("soft cross entropy: %d logits, %d targets, %d classes", len(logits), len(target), classes)
	}
	batch := len(logits) / classes

	logp := LogSoftmax(logits, classes)
	grad := Softmax(logits, classes)
	invB := 1.0 / float32(batch)

	var loss float64
	for i, t := range target {
		loss -= float64(t) * logp[i]
		grad[i] = (grad[i] - t) * invB
	}
	return loss / float64(batch), grad, nil
}

// TopK returns the percentage of rows whose label is among the k highest
// logits. k is capped at classes. Ties are broken by the lower class index.
func TopK(logits []float32, labels []int, classes, k int) float64 {
	batch := len(labels)
	if batch == 0 || classes <= 0 || len(logits) < batch*classes {
		return 0
	}
	if k > classes {
		k = classes
	}
	if k <= 0 {
		return 0
	}

	idx := make([]int, classes)
	correct := 0
	for b, y := range labels {
		row := logits[b*classes : (b+1)*classes]
		for j := range idx {
			idx[j] = j
		}
		sort.SliceStable(idx, func(i, j int) bool { return row[idx[i]] > row[idx[j]] })
		for _, j := range idx[:k] {
			if j == y {
				correct++
				break
			}
		}
	}
	return 100 * float64(correct) / float64(batch)
}

// MeanSquaredDeviation returns mean((a - b)^2).
func MeanSquaredDeviation(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("deviation: length mismatch %d vs %d", len(a), len(b))
	}
	if len(a) == 0 {
		return 0, fmt.Errorf("deviation: empty tensors")
	}
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return sum / float64(len(a)), nil
}
