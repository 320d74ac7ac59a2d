package train

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("github.com/openfluke/multibit/train")

var (
	// trainBatchesTotal counts completed training batches
	trainBatchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "multibit_train_batches_total",
		Help: "Total training batches completed",
	})

	// backwardCallsTotal counts backward calls by bit-width
	backwardCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "multibit_backward_calls_total",
		Help: "Total backward calls by precision level",
	}, []string{"bits"})

	// optimizerStepsTotal counts optimizer steps
	optimizerStepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "multibit_optimizer_steps_total",
		Help: "Total optimizer steps",
	})

	// batchDuration tracks per-batch latency of train and eval passes
	batchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "multibit_batch_duration_seconds",
		Help:    "Batch duration in seconds by phase",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
	}, []string{"phase"})
)
