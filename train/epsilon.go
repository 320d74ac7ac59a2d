package train

import (
	"context"
	"fmt"

	"github.com/openfluke/multibit/data"
	"github.com/openfluke/multibit/nn"
)

// Epsilon holds the calibrated per-layer deviation budget of each level.
type Epsilon map[int][]float64

// At returns the budget of a layer at bits, 0 when none was calibrated.
func (e Epsilon) At(bits, layer int) float64 {
	row, ok := e[bits]
	if !ok || layer < 0 || layer >= len(row) {
		return 0
	}
	return row[layer]
}

// Calibrate measures the mean per-layer deviation of every level of s from
// the reference over one no-grad pass of src, scaled by scale.
func Calibrate(ctx context.Context, model Model, s Schedule, src DataSource, deviation DeviationFunc, scale float64) (Epsilon, error) {
	if deviation == nil {
		deviation = nn.MeanSquaredDeviation
	}
	layers := model.NumLayers()
	levels := NewLevels(s.Eval, layers)

	batches := 0
	err := src.Each(ctx, 0, func(i int, b data.Batch) error {
		ref, err := RunForward(model, b, s.Reference(), true, false)
		if err != nil {
			return err
		}
		refActs := make([][]float32, layers)
		for l, a := range ref.Activations {
			refActs[l] = append([]float32(nil), a...)
		}

		for _, lv := range levels {
			pass, err := RunForward(model, b, lv.Bits, true, false)
			if err != nil {
				return err
			}
			for l := 0; l < layers; l++ {
				d, err := deviation(pass.Activations[l], refActs[l])
				if err != nil {
					return fmt.Errorf("deviation at %d bits, layer %d: %w", lv.Bits, l, err)
				}
				lv.Slack[l].Update(d, float64(b.Size))
			}
		}
		batches++
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("calibrate: %w", err)
	}
	if batches == 0 {
		return nil, fmt.Errorf("calibrate: %w", ErrEmptyPass)
	}

	eps := make(Epsilon, len(levels))
	for _, lv := range levels {
		row := make([]float64, layers)
		for l := range row {
			avg, _ := lv.Slack[l].Average()
			row[l] = avg * scale
		}
		eps[lv.Bits] = row
	}
	return eps, nil
}
