package tracking

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusSink exposes the latest value of every epoch metric as a gauge.
type PrometheusSink struct {
	runID  string
	epoch  *prometheus.GaugeVec
	metric *prometheus.GaugeVec
}

// NewPrometheusSink registers its gauges with reg.
func NewPrometheusSink(reg prometheus.Registerer, runID string) *PrometheusSink {
	factory := promauto.With(reg)
	return &PrometheusSink{
		runID: runID,
		epoch: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "multibit_epoch",
			Help: "Last completed epoch",
		}, []string{"run"}),
		metric: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "multibit_epoch_metric",
			Help: "Latest per-epoch training metric by name",
		}, []string{"run", "metric"}),
	}
}

func (s *PrometheusSink) Log(_ context.Context, epoch int, metrics map[string]float64) error {
	s.epoch.WithLabelValues(s.runID).Set(float64(epoch))
	for k, v := range metrics {
		s.metric.WithLabelValues(s.runID, k).Set(v)
	}
	return nil
}
