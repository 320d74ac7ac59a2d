package train

import (
	"math"
)

// Level is one precision level of a pass together with its accumulators.
//
// Slack is only allocated for evaluation passes: one meter per layer followed
// by the output-distillation slot.
type Level struct {
	Bits  int
	Loss  *Meter
	Top1  *Meter
	Top5  *Meter
	Slack []*Meter
}

// NewLevels creates fresh accumulators for every bit-width, in order.
// slackSlots is the number of slack meters per level, 0 for none.
func NewLevels(bits []int, slackSlots int) []*Level {
	levels := make([]*Level, len(bits))
	for i, b := range bits {
		lv := &Level{Bits: b, Loss: NewMeter(), Top1: NewMeter(), Top5: NewMeter()}
		if slackSlots > 0 {
			lv.Slack = make([]*Meter, slackSlots)
			for s := range lv.Slack {
				lv.Slack[s] = NewMeter()
			}
		}
		levels[i] = lv
	}
	return levels
}

func (lv *Level) record(loss, top1, top5, weight float64) {
	lv.Loss.Update(loss, weight)
	lv.Top1.Update(top1, weight)
	lv.Top5.Update(top5, weight)
}

// LevelReport holds the averages of one level. Undefined averages are NaN.
type LevelReport struct {
	Bits        int
	Loss        float64
	Top1        float64
	Top5        float64
	Slack       []float64 // per layer; nil when slack was not measured
	OutputSlack float64   // soft loss against the reference output; NaN when off
}

// PassReport summarizes one pass over a data source.
type PassReport struct {
	Epoch   int
	Batches int
	Levels  []LevelReport
}

// Reference returns the report of the last (full-precision) level.
func (r *PassReport) Reference() LevelReport {
	return r.Levels[len(r.Levels)-1]
}

// Level returns the report for bits.
func (r *PassReport) Level(bits int) (LevelReport, bool) {
	for _, lr := range r.Levels {
		if lr.Bits == bits {
			return lr, true
		}
	}
	return LevelReport{}, false
}

func average(m *Meter) float64 {
	if avg, ok := m.Average(); ok {
		return avg
	}
	return math.NaN()
}

func newPassReport(epoch, batches int, levels []*Level, layerSlack bool) *PassReport {
	r := &PassReport{Epoch: epoch, Batches: batches, Levels: make([]LevelReport, len(levels))}
	for i, lv := range levels {
		lr := LevelReport{
			Bits:        lv.Bits,
			Loss:        average(lv.Loss),
			Top1:        average(lv.Top1),
			Top5:        average(lv.Top5),
			OutputSlack: math.NaN(),
		}
		if n := len(lv.Slack); n > 0 {
			if layerSlack {
				lr.Slack = make([]float64, n-1)
				for l := range lr.Slack {
					lr.Slack[l] = average(lv.Slack[l])
				}
			}
			lr.OutputSlack = average(lv.Slack[n-1])
		}
		r.Levels[i] = lr
	}
	return r
}
