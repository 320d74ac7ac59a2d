package main

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/openfluke/multibit/config"
	"github.com/openfluke/multibit/train"
)

var (
	calibrateFlags = config.Default()
	calibrateScale float64
	calibrateOut   string

	calibrateCmd = &cobra.Command{
		Use:   "calibrate",
		Short: "Measure per-layer deviation of every bit-width and write the epsilon table",
		Long: `calibrate runs one no-grad pass over the training split, measures the mean
deviation of every layer at every bit-width from the full-precision activations
and writes the result, multiplied by --scale, as the epsilon table consumed by
train --eval-constraint --epsilon.`,
		Args: cobra.NoArgs,
		RunE: runCalibrate,
	}
)

func init() {
	bindRunFlags(calibrateCmd, &calibrateFlags)
	calibrateCmd.Flags().Float64Var(&calibrateScale, "scale", 1.0, "multiplier applied to every measured deviation")
	calibrateCmd.Flags().StringVarP(&calibrateOut, "out", "o", "", "output file (default <results-dir>/epsilon.yaml)")
}

func runCalibrate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(func(cfg *config.Config) {
		applyRunFlags(cmd, &calibrateFlags, cfg)
	})
	if err != nil {
		return err
	}
	if calibrateScale <= 0 {
		return &train.ConfigurationError{Field: "scale", Reason: "must be positive"}
	}
	log := slog.Default()
	ctx := cmd.Context()

	s, err := newSession(cfg, log)
	if err != nil {
		return err
	}
	defer s.Close()

	// weights come from a finished run when given
	path := cfg.ResumePath()
	if path == "" {
		path = cfg.PretrainPath()
	}
	if path != "" {
		rec, err := readRecord(ctx, path, nil)
		if err != nil {
			return fmt.Errorf("load weights %s: %w", path, err)
		}
		if err := s.net.LoadStateDict(rec.StateDict, false); err != nil {
			return fmt.Errorf("load weights %s: %w", path, err)
		}
		log.Info("calibrating checkpoint", slog.String("path", path), slog.Int("epoch", rec.Epoch))
	}

	eps, err := train.Calibrate(ctx, s.net, s.schedule, s.trainEval, s.deviation, calibrateScale)
	if err != nil {
		return err
	}

	out := calibrateOut
	if out == "" {
		if err := ensureDir(cfg.ResultsDir); err != nil {
			return err
		}
		out = filepath.Join(cfg.ResultsDir, "epsilon.yaml")
	}
	if err := config.SaveEpsilon(out, eps); err != nil {
		return err
	}
	for _, bits := range s.schedule.Eval {
		log.Info("epsilon", slog.Int("bits", bits), slog.Any("layers", eps[bits]))
	}
	log.Info("wrote epsilon table", slog.String("path", out), slog.Float64("scale", calibrateScale))
	return nil
}
