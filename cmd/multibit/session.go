package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/openfluke/multibit/checkpoint"
	"github.com/openfluke/multibit/config"
	"github.com/openfluke/multibit/data"
	"github.com/openfluke/multibit/gpu"
	"github.com/openfluke/multibit/nn"
	"github.com/openfluke/multibit/train"
)

// session holds what every command builds from a validated configuration:
// the schedule, the data, the model and, for gpu runs, the deviation kernel.
type session struct {
	cfg      config.Config
	log      *slog.Logger
	schedule train.Schedule

	trainSet, valSet       *data.Dataset
	trainL, trainEval, val *data.Loader

	net       *nn.Network
	deviation train.DeviationFunc

	closers []func()
}

func newSession(cfg config.Config, log *slog.Logger) (*session, error) {
	s := &session{cfg: cfg, log: log}
	var err error
	if s.schedule, err = cfg.BuildSchedule(); err != nil {
		return nil, err
	}
	if s.trainSet, s.valSet, err = cfg.BuildDatasets(); err != nil {
		return nil, fmt.Errorf("build datasets: %w", err)
	}
	if s.trainL, s.trainEval, s.val, err = cfg.BuildLoaders(s.trainSet, s.valSet); err != nil {
		return nil, fmt.Errorf("build loaders: %w", err)
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	if s.net, err = cfg.BuildNetwork(s.trainSet.Features(), s.trainSet.Classes, rng); err != nil {
		return nil, fmt.Errorf("build model: %w", err)
	}
	log.Info("number of parameters", slog.Int("params", nn.ParamCount(s.net.Params())))
	for _, l := range nn.ExtractNetworkBlueprint(s.net, cfg.Model).Layers {
		log.Debug("layer",
			slog.Int("index", l.Index),
			slog.String("type", l.Type),
			slog.String("activation", l.Activation),
			slog.Any("input", l.InputShape),
			slog.Any("output", l.OutputShape),
			slog.Int("params", l.Parameters),
		)
	}

	if cfg.Device == "gpu" {
		gpu.Logger = log
		dev, err := gpu.NewDeviation()
		if err != nil {
			return nil, fmt.Errorf("gpu deviation: %w", err)
		}
		s.deviation = dev.Mean
		s.closers = append(s.closers, dev.Release)
	}

	log.Info("session ready",
		slog.String("schedule", s.schedule.String()),
		slog.Int("train_samples", s.trainSet.Len()),
		slog.Int("val_samples", s.valSet.Len()),
		slog.String("device", cfg.Device),
	)
	return s, nil
}

func (s *session) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// readRecord resolves a resume or pretrain path. With the badger backend the
// names "latest" and "best" select a record of store.
func readRecord(ctx context.Context, path string, store *checkpoint.BadgerStore) (*checkpoint.Record, error) {
	if store != nil {
		switch checkpoint.Which(path) {
		case checkpoint.Latest, checkpoint.Best:
			return store.Load(ctx, checkpoint.Which(path))
		}
	}
	return checkpoint.Load(path)
}

// openCheckpoints returns the configured checkpoint sink. The badger store is
// also returned so resume can read from it.
func openCheckpoints(cfg config.Config, log *slog.Logger) (train.CheckpointSink, *checkpoint.BadgerStore, func(), error) {
	switch cfg.Checkpoint.Backend {
	case "badger":
		dir := filepath.Join(cfg.ResultsDir, "ckpt.badger")
		store, err := checkpoint.OpenBadgerStore(checkpoint.BadgerConfig{
			Path:       dir,
			SyncWrites: true,
			Logger:     log,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		closeFn := func() {
			if err := store.Close(); err != nil {
				log.Warn("close checkpoint store", slog.String("error", err.Error()))
			}
		}
		return store, store, closeFn, nil
	default:
		store, err := checkpoint.NewFileStore(filepath.Join(cfg.ResultsDir, "ckpt"), log)
		if err != nil {
			return nil, nil, nil, err
		}
		return store, nil, func() {}, nil
	}
}

func ensureDir(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil && !errors.Is(err, os.ErrExist) {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	return nil
}
