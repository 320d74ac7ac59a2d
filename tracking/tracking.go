// Package tracking publishes per-epoch training metrics to experiment
// tracking backends. Every sink is best-effort: the training loop logs a
// failed write and continues.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"
)

// Sink receives the metrics of one epoch.
type Sink interface {
	Log(ctx context.Context, epoch int, metrics map[string]float64) error
}

// sortedKeys returns the metric names in a stable order.
func sortedKeys(metrics map[string]float64) []string {
	keys := make([]string, 0, len(metrics))
	for k := range metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// LogSink writes metrics as one structured log line per epoch.
type LogSink struct {
	Logger *slog.Logger
	Level  slog.Level
}

func (s *LogSink) Log(ctx context.Context, epoch int, metrics map[string]float64) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := make([]slog.Attr, 0, len(metrics)+1)
	attrs = append(attrs, slog.Int("epoch", epoch))
	for _, k := range sortedKeys(metrics) {
		attrs = append(attrs, slog.Float64(k, metrics[k]))
	}
	logger.LogAttrs(ctx, s.Level, "epoch metrics", attrs...)
	return nil
}

// Multi fans one epoch out to every sink concurrently. All sinks are written
// even when some fail; the failures are joined into the returned error.
type Multi struct {
	Sinks []Sink
}

// NewMulti drops nil sinks.
func NewMulti(sinks ...Sink) *Multi {
	m := &Multi{}
	for _, s := range sinks {
		if s != nil {
			m.Sinks = append(m.Sinks, s)
		}
	}
	return m
}

func (m *Multi) Log(ctx context.Context, epoch int, metrics map[string]float64) error {
	errs := make([]error, len(m.Sinks))
	var g errgroup.Group
	for i, s := range m.Sinks {
		g.Go(func() error {
			if err := s.Log(ctx, epoch, metrics); err != nil {
				errs[i] = fmt.Errorf("sink %d (%T): %w", i, s, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
