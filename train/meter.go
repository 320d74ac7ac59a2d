package train

// Meter is a running weighted average of a scalar.
type Meter struct {
	sum    float64
	count  float64
	latest float64
}

// NewMeter returns an empty meter.
func NewMeter() *Meter { return &Meter{} }

// Update adds value with the given weight (usually the batch size).
// A zero or negative weight is ignored.
func (m *Meter) Update(value, weight float64) {
	if weight <= 0 {
		return
	}
	m.sum += value * weight
	m.count += weight
	m.latest = value
}

// Average returns sum/count. ok is false when nothing was recorded; the
// average of an empty meter is undefined, not zero.
func (m *Meter) Average() (avg float64, ok bool) {
	if m.count == 0 {
		return 0, false
	}
	return m.sum / m.count, true
}

// Latest returns the most recently recorded value.
func (m *Meter) Latest() float64 { return m.latest }

// Count returns the accumulated weight.
func (m *Meter) Count() float64 { return m.count }

// Reset clears the meter.
func (m *Meter) Reset() { *m = Meter{} }
