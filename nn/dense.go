package nn

import (
	"fmt"
	"math"
	"math/rand"
)

// denseLayer is a fully-connected layer whose weights are stored at full
// precision and quantized per forward call.
type denseLayer struct {
	inputSize  int
	outputSize int
	activation ActivationType
	weight     *Param // [inputSize * outputSize], indexed i*outputSize + o
	bias       *Param // [outputSize]
}

// initDenseLayer initializes a dense (fully-connected) layer
func initDenseLayer(rng *rand.Rand, index, inputSize, outputSize int, activation ActivationType) *denseLayer {
	// He initialization for weights
	stddev := float32(math.Sqrt(2.0 / float64(inputSize)))

	weights := make([]float32, inputSize*outputSize)
	for i := range weights {
		weights[i] = float32(rng.NormFloat64()) * stddev
	}

	// Biases initialized to zero
	bias := make([]float32, outputSize)

	return &denseLayer{
		inputSize:  inputSize,
		outputSize: outputSize,
		activation: activation,
		weight: &Param{
			Name: fmt.Sprintf("layers.%d.weight", index),
			Data: weights,
			Grad: make([]float32, len(weights)),
		},
		bias: &Param{
			Name: fmt.Sprintf("layers.%d.bias", index),
			Data: bias,
			Grad: make([]float32, len(bias)),
		},
	}
}

// denseForwardCPU performs forward pass for dense layer
// input: [batchSize * inputSize]
// weights: [inputSize * outputSize]
// output: [batchSize * outputSize]
func denseForwardCPU(input, weights, bias []float32, l *denseLayer, batchSize int) ([]float32, []float32) {
	inputSize := l.inputSize
	outputSize := l.outputSize

	preAct := make([]float32, batchSize*outputSize)
	postAct := make([]float32, batchSize*outputSize)

	// Matrix multiplication: output = input @ weights + bias
	for b := 0; b < batchSize; b++ {
		for o := 0; o < outputSize; o++ {
			sum := float32(0)
			for i := 0; i < inputSize; i++ {
				sum += input[b*inputSize+i] * weights[i*outputSize+o]
			}
			sum += bias[o]

			outIdx := b*outputSize + o
			preAct[outIdx] = sum
			postAct[outIdx] = activateCPU(sum, l.activation)
		}
	}

	return preAct, postAct
}

// denseBackwardCPU performs backward pass for dense layer.
// weights are the (possibly quantized) weights used by the forward call.
// Weight and bias gradients are accumulated into l.weight.Grad and l.bias.Grad.
func denseBackwardCPU(gradOutput, input, preAct, weights []float32, l *denseLayer, batchSize int) []float32 {
	inputSize := l.inputSize
	outputSize := l.outputSize

	gradInput := make([]float32, batchSize*inputSize)
	gradWeights := l.weight.Grad
	gradBias := l.bias.Grad

	for b := 0; b < batchSize; b++ {
		for o := 0; o < outputSize; o++ {
			outIdx := b*outputSize + o
			grad := gradOutput[outIdx] * activateDerivativeCPU(preAct[outIdx], l.activation)
			if grad == 0 {
				continue
			}

			gradBias[o] += grad

			for i := 0; i < inputSize; i++ {
				inputIdx := b*inputSize + i
				weightIdx := i*outputSize + o

				gradWeights[weightIdx] += input[inputIdx] * grad
				gradInput[inputIdx] += weights[weightIdx] * grad
			}
		}
	}

	return gradInput
}
