package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v3"
	"go.opentelemetry.io/otel"

	"github.com/tsawler/embedtrain/config"
	"github.com/tsawler/embedtrain/data"
	"github.com/tsawler/embedtrain/device"
	"github.com/tsawler/embedtrain/model"
	"github.com/tsawler/embedtrain/optimizer"
	"github.com/tsawler/embedtrain/summary"
	"github.com/tsawler/embedtrain/tensor"
	"github.com/tsawler/embedtrain/training"
)

// session is everything a training command needs, built from flags and
// configuration.
type session struct {
	cfg     *config.Config
	logger  *slog.Logger
	opts    training.Options
	closers []func(context.Context) error
}

func newSession(cmd *cli.Command) (*session, error) {
	cfg, err := config.Load(cmd.String("config"), cmd.String("env"))
	if err != nil {
		return nil, err
	}
	if err := applyFlags(cfg, cmd); err != nil {
		return nil, err
	}

	logger := newLogger(cfg.Log, os.Stderr)
	slog.SetDefault(logger)

	opts, err := cfg.TrainingOptions()
	if err != nil {
		return nil, err
	}
	opts.Logger = logger
	if cmd.Bool("progress") {
		opts.Progress = os.Stderr
	}

	s := &session{cfg: cfg, logger: logger, opts: opts}
	if cfg.Metrics.Listen != "" {
		if err := s.serveMetrics(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func applyFlags(cfg *config.Config, cmd *cli.Command) error {
	if cmd.IsSet("name") {
		cfg.Run.Name = cmd.String("name")
	}
	if cmd.IsSet("epochs") {
		cfg.Run.Epochs = cmd.Int("epochs")
	}
	if cmd.IsSet("warmup") {
		cfg.Run.WarmupSteps = cmd.Int("warmup")
	}
	if cmd.IsSet("workers") {
		cfg.Distributed.WorldSize = cmd.Int("workers")
	}
	if cmd.IsSet("metrics-listen") {
		cfg.Metrics.Listen = cmd.String("metrics-listen")
	}
	return config.Validate(cfg)
}

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	handlerOpts := &slog.HandlerOptions{Level: cfg.Level.Level()}
	if cfg.Format == config.LogJSON {
		return slog.New(slog.NewJSONHandler(w, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(w, handlerOpts))
}

// serveMetrics exposes /metrics and makes every run's metric stream feed the
// OpenTelemetry gauges as well as the scalars file.
func (s *session) serveMetrics() error {
	handler, shutdown, err := summary.InitPrometheus(version)
	if err != nil {
		return fmt.Errorf("init prometheus: %w", err)
	}
	s.closers = append(s.closers, shutdown)

	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{
		Addr:              s.cfg.Metrics.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server stopped", "err", err)
		}
	}()
	s.closers = append(s.closers, srv.Shutdown)
	s.logger.Info("serving metrics", "addr", s.cfg.Metrics.Listen)

	runsDir := s.opts.RunsDir
	s.opts.NewWriter = func(name string) (summary.Writer, error) {
		file, err := summary.NewFileWriter(filepath.Join(runsDir, name))
		if err != nil {
			return nil, err
		}
		gauges, err := summary.NewOTelWriter(otel.GetMeterProvider(), name)
		if err != nil {
			return nil, errors.Join(err, file.Close())
		}
		return summary.Multi(file, gauges), nil
	}
	return nil
}

func (s *session) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i](ctx))
	}
	return errors.Join(errs...)
}

// experiment builds two synthetic datasets trained round-robin: a generic
// overlap corpus and the stsb benchmark whose validation split is scored
// after every validated dataset-epoch.
func (s *session) experiment() (*training.Experiment, error) {
	d := s.cfg.Data
	mgr := data.NewManager()

	for i, name := range []string{"overlap", "stsb"} {
		for j, split := range []string{"train", "validation"} {
			pairs := d.TrainPairs
			if split == "validation" {
				pairs = d.ValidationPairs
			}
			seed := d.Seed + uint64(2*i+j)
			ds, err := data.SyntheticPairs(data.SyntheticConfig{
				Pairs:     pairs,
				SeqLen:    d.SeqLen,
				VocabSize: d.VocabSize,
				Seed:      seed,
			})
			if err != nil {
				return nil, fmt.Errorf("generate %s/%s: %w", name, split, err)
			}
			loader, err := data.NewLoader(ds, data.LoaderConfig{
				BatchSize: d.BatchSize,
				Shuffle:   split == "train",
				Seed:      seed,
				Prefetch:  d.Prefetch,
			})
			if err != nil {
				return nil, fmt.Errorf("loader %s/%s: %w", name, split, err)
			}
			mgr.Add(name, split, loader)
		}
	}

	return &training.Experiment{
		Data:          mgr,
		TrainDatasets: []string{"overlap", "stsb"},
		NumEpochs:     s.cfg.Run.Epochs,
		WarmupSteps:   s.cfg.Run.WarmupSteps,
		Device:        device.CPU(0),
		Benchmark:     training.DefaultBenchmark(),
	}, nil
}

func (s *session) model() (*model.Bag, optimizer.Optimizer, error) {
	bag, err := model.NewBag(model.BagConfig{
		VocabSize:     s.cfg.Data.VocabSize,
		Dim:           s.cfg.Model.Dim,
		ProjectionDim: s.cfg.Model.ProjectionDim,
		Seed:          s.cfg.Model.Seed,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("build model: %w", err)
	}
	opt, err := s.cfg.NewOptimizer(bag.Parameters())
	if err != nil {
		return nil, nil, fmt.Errorf("build optimizer: %w", err)
	}
	return bag, opt, nil
}

func (s *session) prepare() (*training.Experiment, *model.Bag, optimizer.Optimizer, error) {
	exp, err := s.experiment()
	if err != nil {
		return nil, nil, nil, err
	}
	bag, opt, err := s.model()
	if err != nil {
		return nil, nil, nil, err
	}
	s.logger.Info("prepared run",
		"run", s.cfg.Run.Name,
		"host", device.Describe(),
		"parameters", tensor.NumElements(bag.Parameters()),
		"optimizer", opt.Name(),
		"total_steps", exp.TotalSteps(),
	)
	return exp, bag, opt, nil
}

func trainAction(ctx context.Context, cmd *cli.Command) (err error) {
	s, err := newSession(cmd)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, s.Close()) }()

	exp, bag, opt, err := s.prepare()
	if err != nil {
		return err
	}
	if _, err := training.Train(ctx, bag, opt, exp, s.cfg.Run.Name, s.opts); err != nil {
		return fmt.Errorf("train: %w", err)
	}
	s.logger.Info("training complete", "run", s.cfg.Run.Name)
	return nil
}

func trainDDPAction(ctx context.Context, cmd *cli.Command) (err error) {
	s, err := newSession(cmd)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, s.Close()) }()

	exp, bag, opt, err := s.prepare()
	if err != nil {
		return err
	}
	if err := training.TrainDDP(ctx, bag, opt, exp, s.cfg.Run.Name, s.opts); err != nil {
		return fmt.Errorf("train-ddp: %w", err)
	}
	s.logger.Info("training complete", "run", s.cfg.Run.Name)
	return nil
}
