package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/openfluke/multibit/checkpoint"
	"github.com/openfluke/multibit/config"
	"github.com/openfluke/multibit/tracking"
	"github.com/openfluke/multibit/train"
)

var (
	trainFlags = config.Default()

	trainCmd = &cobra.Command{
		Use:   "train",
		Short: "Train every bit-width of the list with recursive self-distillation",
		Args:  cobra.NoArgs,
		RunE:  runTrain,
	}
)

// bindRunFlags registers the flags shared by train and calibrate on cmd,
// writing into f.
func bindRunFlags(cmd *cobra.Command, f *config.Config) {
	fs := cmd.Flags()
	fs.StringVar(&f.ResultsDir, "results-dir", f.ResultsDir, "results directory")
	fs.StringVar(&f.Dataset, "dataset", f.Dataset, "dataset name")
	fs.StringVar(&f.TrainSplit, "train-split", f.TrainSplit, "split to train on (train or val)")
	fs.StringVar(&f.Model, "model", f.Model, "model architecture")
	fs.IntSliceVar(&f.Hidden, "hidden", f.Hidden, "hidden layer widths")
	fs.StringVar(&f.Activation, "activation", f.Activation, "hidden activation")
	fs.IntVarP(&f.Workers, "workers", "j", f.Workers, "number of data prefetch workers")
	fs.IntVarP(&f.BatchSize, "batch-size", "b", f.BatchSize, "mini-batch size")
	fs.StringVar(&f.Pretrain, "pretrain", f.Pretrain, "path to a pretrained checkpoint")
	fs.StringVar(&f.Resume, "resume", f.Resume, "path to the checkpoint to resume from")
	fs.StringVar(&f.BitWidthList, "bit-width-list", f.BitWidthList, "comma-separated bit-widths")
	fs.Int64Var(&f.Seed, "seed", f.Seed, "random seed")
	fs.StringVar(&f.Device, "device", f.Device, "cpu or gpu")
	fs.StringVar(&f.Checkpoint.Backend, "checkpoint-backend", f.Checkpoint.Backend, "file or badger")
}

// applyRunFlags copies every flag given on cmd from f into cfg.
func applyRunFlags(cmd *cobra.Command, f, cfg *config.Config) {
	setIfChanged(cmd, "results-dir", &cfg.ResultsDir, f.ResultsDir)
	setIfChanged(cmd, "dataset", &cfg.Dataset, f.Dataset)
	setIfChanged(cmd, "train-split", &cfg.TrainSplit, f.TrainSplit)
	setIfChanged(cmd, "model", &cfg.Model, f.Model)
	setIfChanged(cmd, "hidden", &cfg.Hidden, f.Hidden)
	setIfChanged(cmd, "activation", &cfg.Activation, f.Activation)
	setIfChanged(cmd, "workers", &cfg.Workers, f.Workers)
	setIfChanged(cmd, "batch-size", &cfg.BatchSize, f.BatchSize)
	setIfChanged(cmd, "pretrain", &cfg.Pretrain, f.Pretrain)
	setIfChanged(cmd, "resume", &cfg.Resume, f.Resume)
	setIfChanged(cmd, "bit-width-list", &cfg.BitWidthList, f.BitWidthList)
	setIfChanged(cmd, "seed", &cfg.Seed, f.Seed)
	setIfChanged(cmd, "device", &cfg.Device, f.Device)
	setIfChanged(cmd, "checkpoint-backend", &cfg.Checkpoint.Backend, f.Checkpoint.Backend)
}

func init() {
	f := &trainFlags
	bindRunFlags(trainCmd, f)
	fs := trainCmd.Flags()
	fs.IntVar(&f.Epochs, "epochs", f.Epochs, "number of total epochs to run")
	fs.IntVar(&f.StartEpoch, "start-epoch", f.StartEpoch, "manual epoch number (useful on restarts)")
	fs.StringVar(&f.Optimizer, "optimizer", f.Optimizer, "sgd, adam, adamw or rmsprop")
	fs.Float64Var(&f.LR, "lr", f.LR, "initial learning rate")
	fs.StringVar(&f.LRDecay, "lr-decay", f.LRDecay, "comma-separated epochs at which the learning rate decays by 10")
	fs.StringVar(&f.LRScheduler, "lr-scheduler", f.LRScheduler, "multistep, cosine, plateau or constant")
	fs.Float64Var(&f.WeightDecay, "weight-decay", f.WeightDecay, "weight decay")
	fs.Float64Var(&f.Momentum, "momentum", f.Momentum, "momentum")
	fs.IntVar(&f.PrintFreq, "print-freq", f.PrintFreq, "print frequency in batches")
	fs.BoolVar(&f.EvalConstraint, "eval-constraint", f.EvalConstraint, "measure per-layer slack during evaluation")
	fs.BoolVar(&f.EvalDistill, "eval-distill", f.EvalDistill, "measure output distillation loss during evaluation")
	fs.StringVar(&f.EpsilonPath, "epsilon", f.EpsilonPath, "calibrated epsilon table (YAML)")
	fs.StringVar(&f.Tracking.Project, "project", f.Tracking.Project, "experiment tracking project")
	fs.StringVar(&f.Tracking.PrometheusAddr, "prometheus-addr", f.Tracking.PrometheusAddr, "serve /metrics on this address")
	fs.StringVar(&f.TraceExporter, "trace-exporter", f.TraceExporter, "none or stdout")
}

func trainConfig(cmd *cobra.Command) (config.Config, error) {
	f := &trainFlags
	return loadConfig(func(cfg *config.Config) {
		applyRunFlags(cmd, f, cfg)
		setIfChanged(cmd, "epochs", &cfg.Epochs, f.Epochs)
		setIfChanged(cmd, "start-epoch", &cfg.StartEpoch, f.StartEpoch)
		setIfChanged(cmd, "optimizer", &cfg.Optimizer, f.Optimizer)
		setIfChanged(cmd, "lr", &cfg.LR, f.LR)
		setIfChanged(cmd, "lr-decay", &cfg.LRDecay, f.LRDecay)
		setIfChanged(cmd, "lr-scheduler", &cfg.LRScheduler, f.LRScheduler)
		setIfChanged(cmd, "weight-decay", &cfg.WeightDecay, f.WeightDecay)
		setIfChanged(cmd, "momentum", &cfg.Momentum, f.Momentum)
		setIfChanged(cmd, "print-freq", &cfg.PrintFreq, f.PrintFreq)
		setIfChanged(cmd, "eval-constraint", &cfg.EvalConstraint, f.EvalConstraint)
		setIfChanged(cmd, "eval-distill", &cfg.EvalDistill, f.EvalDistill)
		setIfChanged(cmd, "epsilon", &cfg.EpsilonPath, f.EpsilonPath)
		setIfChanged(cmd, "project", &cfg.Tracking.Project, f.Tracking.Project)
		setIfChanged(cmd, "prometheus-addr", &cfg.Tracking.PrometheusAddr, f.Tracking.PrometheusAddr)
		setIfChanged(cmd, "trace-exporter", &cfg.TraceExporter, f.TraceExporter)
	})
}

func runTrain(cmd *cobra.Command, _ []string) error {
	cfg, err := trainConfig(cmd)
	if err != nil {
		return err
	}
	log := slog.Default()
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := ensureDir(cfg.ResultsDir); err != nil {
		return err
	}
	runID := uuid.NewString()
	log = log.With(slog.String("run", runID))

	shutdownTracing, err := initTracing(cfg.TraceExporter, runID)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			log.Warn("trace shutdown", slog.String("error", err.Error()))
		}
	}()

	s, err := newSession(cfg, log)
	if err != nil {
		return err
	}
	defer s.Close()

	opt, err := cfg.BuildOptimizer(s.net.Params())
	if err != nil {
		return err
	}

	sink, badgerStore, closeSink, err := openCheckpoints(cfg, log)
	if err != nil {
		return fmt.Errorf("open checkpoint store: %w", err)
	}
	defer closeSink()

	evaluator := &train.Evaluator{
		Model:      s.net,
		Schedule:   s.schedule,
		Constraint: cfg.EvalConstraint,
		Distill:    cfg.EvalDistill,
		Deviation:  s.deviation,
		Logger:     log,
	}
	if cfg.EpsilonPath != "" {
		if evaluator.Epsilon, err = config.LoadEpsilon(cfg.EpsilonPath); err != nil {
			return err
		}
	} else if cfg.EvalConstraint {
		log.Warn("eval_constraint without an epsilon table; slack is the raw deviation")
	}

	orch := &train.Orchestrator{
		Model:     s.net,
		Optimizer: opt,
		Trainer: &train.Trainer{
			Model:     s.net,
			Optimizer: opt,
			Schedule:  s.schedule,
			PrintFreq: cfg.PrintFreq,
			Logger:    log,
		},
		Evaluator:   evaluator,
		Train:       s.trainL,
		TrainEval:   s.trainEval,
		Val:         s.val,
		Checkpoints: sink,
		Epochs:      cfg.Epochs,
		StartEpoch:  cfg.StartEpoch,
		ModelName:   cfg.Model,
		RunID:       runID,
		Logger:      log,
	}

	// resume wins over pretrain
	if p := cfg.ResumePath(); p != "" {
		if cfg.PretrainPath() != "" {
			log.Warn("both resume and pretrain set, ignoring pretrain", slog.String("pretrain", cfg.PretrainPath()))
		}
		rec, err := readRecord(ctx, p, badgerStore)
		if errors.Is(err, checkpoint.ErrNotFound) {
			return fmt.Errorf("no checkpoint found at %s: %w", p, err)
		}
		if err != nil {
			return fmt.Errorf("resume %s: %w", p, err)
		}
		if err := orch.Resume(rec); err != nil {
			return err
		}
	} else if p := cfg.PretrainPath(); p != "" {
		rec, err := readRecord(ctx, p, badgerStore)
		if err != nil {
			return fmt.Errorf("pretrain %s: %w", p, err)
		}
		if err := orch.Pretrain(rec); err != nil {
			return err
		}
	}

	if orch.Scheduler, err = cfg.BuildScheduler(opt, orch.StartEpoch); err != nil {
		return err
	}

	tracker, stopMetrics, err := openTrackers(cfg, runID, log)
	if err != nil {
		return err
	}
	defer stopMetrics()
	orch.Tracker = tracker

	log.Info("starting training",
		slog.Int("start_epoch", orch.StartEpoch),
		slog.Int("epochs", cfg.Epochs),
		slog.String("optimizer", cfg.Optimizer),
		slog.String("lr_scheduler", cfg.LRScheduler),
	)
	results, err := orch.Run(ctx)
	if err != nil {
		return err
	}
	if orch.Best != nil {
		log.Info("training finished", slog.Int("epochs_run", len(results)), slog.Float64("best_prec1", *orch.Best))
	}
	return nil
}

// openTrackers builds the tracker fan-out and starts the /metrics server
// when configured. The returned stop is always safe to call.
func openTrackers(cfg config.Config, runID string, log *slog.Logger) (train.Tracker, func(), error) {
	var (
		sinks []tracking.Sink
		stops []func()
	)
	stop := func() {
		for i := len(stops) - 1; i >= 0; i-- {
			stops[i]()
		}
	}

	if cfg.Tracking.Log {
		sinks = append(sinks, &tracking.LogSink{Logger: log})
	}
	if in := cfg.Tracking.Influx; in.URL != "" {
		s, err := tracking.NewInfluxSink(tracking.InfluxConfig{
			URL:    in.URL,
			Token:  in.Token,
			Org:    in.Org,
			Bucket: in.Bucket,
		}, runID, cfg.Tracking.Project)
		if err != nil {
			return nil, stop, fmt.Errorf("influx tracker: %w", err)
		}
		sinks = append(sinks, s)
		stops = append(stops, s.Close)
	}
	if addr := cfg.Tracking.PrometheusAddr; addr != "" {
		sinks = append(sinks, tracking.NewPrometheusSink(prometheus.DefaultRegisterer, runID))

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server", slog.String("error", err.Error()))
			}
		}()
		log.Info("serving metrics", slog.String("addr", addr))
		stops = append(stops, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		})
	}

	if len(sinks) == 0 {
		return nil, stop, nil
	}
	return tracking.NewMulti(sinks...), stop, nil
}
