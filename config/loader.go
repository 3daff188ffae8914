package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/tsawler/embedtrain/amp"
	"github.com/tsawler/embedtrain/checkpoints"
	"github.com/tsawler/embedtrain/distributed"
	"github.com/tsawler/embedtrain/optimizer"
	"github.com/tsawler/embedtrain/tensor"
	"github.com/tsawler/embedtrain/training"
)

// Environment variables that override the file.
const (
	EnvRunName          = "EMBEDTRAIN_RUN_NAME"
	EnvWeightsDir       = "EMBEDTRAIN_WEIGHTS_DIR"
	EnvRunsDir          = "EMBEDTRAIN_RUNS_DIR"
	EnvCheckpointFormat = "EMBEDTRAIN_CHECKPOINT_FORMAT"
	EnvSchedule         = "EMBEDTRAIN_SCHEDULE"
	EnvMixedPrecision   = "EMBEDTRAIN_MIXED_PRECISION"
	EnvWorldSize        = "EMBEDTRAIN_WORLD_SIZE"
	EnvMasterAddr       = "MASTER_ADDR"
	EnvMasterPort       = "MASTER_PORT"
	EnvLogLevel         = "EMBEDTRAIN_LOG_LEVEL"
	EnvLogFormat        = "EMBEDTRAIN_LOG_FORMAT"
	EnvPrefetch         = "EMBEDTRAIN_PREFETCH"
	EnvMetricsListen    = "EMBEDTRAIN_METRICS_LISTEN"
)

// Load builds the configuration: defaults, then the YAML file at path (if
// any), then variables from envFile (if it exists) and the process
// environment. The result is validated.
func Load(path, envFile string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		}
		defer f.Close()
		if err := decode(f, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: load env file %q: %w", envFile, err)
		}
	}
	if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r over the defaults and validates
// the result. Environment variables are not consulted.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decode(r, cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config: decode yaml: %w", err)
	}
	return nil
}

// ApplyEnv overrides cfg with the variables lookup finds. Malformed numbers
// and booleans are reported together.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	var errs []error

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s=%q is not an integer", key, v))
				return
			}
			*dst = n
		}
	}

	str(EnvRunName, &cfg.Run.Name)
	str(EnvWeightsDir, &cfg.Run.WeightsDir)
	str(EnvRunsDir, &cfg.Run.RunsDir)
	str(EnvCheckpointFormat, &cfg.Run.CheckpointFormat)
	str(EnvSchedule, &cfg.Run.Schedule)
	num(EnvWorldSize, &cfg.Distributed.WorldSize)
	str(EnvMasterAddr, &cfg.Distributed.Addr)
	num(EnvMasterPort, &cfg.Distributed.Port)
	num(EnvPrefetch, &cfg.Data.Prefetch)
	str(EnvMetricsListen, &cfg.Metrics.Listen)

	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		cfg.Log.Level = LogLevel(v)
	}
	if v, ok := lookup(EnvLogFormat); ok && v != "" {
		cfg.Log.Format = LogFormat(v)
	}
	if v, ok := lookup(EnvMixedPrecision); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s=%q is not a boolean", EnvMixedPrecision, v))
		} else {
			cfg.Precision.Mixed = b
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: environment: %w", errors.Join(errs...))
	}
	return nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Run
	if cfg.Run.Name == "" {
		errs = append(errs, errors.New("run.name is required"))
	}
	if _, err := checkpoints.ParseFormat(cfg.Run.CheckpointFormat); err != nil {
		errs = append(errs, fmt.Errorf("run.checkpoint_format: %w", err))
	}
	if _, err := training.ParseScheduleKind(cfg.Run.Schedule); err != nil {
		errs = append(errs, fmt.Errorf("run.schedule: %w", err))
	}
	if cfg.Run.Epochs <= 0 {
		errs = append(errs, fmt.Errorf("run.epochs must be positive, got %d", cfg.Run.Epochs))
	}
	if cfg.Run.WarmupSteps < 0 {
		errs = append(errs, fmt.Errorf("run.warmup_steps cannot be negative, got %d", cfg.Run.WarmupSteps))
	}
	if cfg.Run.LearningRate <= 0 {
		errs = append(errs, fmt.Errorf("run.learning_rate must be positive, got %g", cfg.Run.LearningRate))
	}
	switch cfg.Run.Optimizer {
	case "sgd", "adam", "adamw":
	default:
		errs = append(errs, fmt.Errorf("run.optimizer %q is invalid; valid values: sgd, adam, adamw", cfg.Run.Optimizer))
	}

	// Model and data
	if cfg.Model.Dim <= 0 {
		errs = append(errs, fmt.Errorf("model.dim must be positive, got %d", cfg.Model.Dim))
	}
	if cfg.Model.ProjectionDim < 0 {
		errs = append(errs, fmt.Errorf("model.projection_dim cannot be negative, got %d", cfg.Model.ProjectionDim))
	}
	if cfg.Data.TrainPairs <= 0 || cfg.Data.ValidationPairs < 2 {
		errs = append(errs, fmt.Errorf("data needs train pairs and at least 2 validation pairs, got %d and %d", cfg.Data.TrainPairs, cfg.Data.ValidationPairs))
	}
	if cfg.Data.SeqLen <= 0 {
		errs = append(errs, fmt.Errorf("data.seq_len must be positive, got %d", cfg.Data.SeqLen))
	}
	if cfg.Data.VocabSize < 2 {
		errs = append(errs, fmt.Errorf("data.vocab_size must be at least 2, got %d", cfg.Data.VocabSize))
	}
	if cfg.Data.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("data.batch_size must be positive, got %d", cfg.Data.BatchSize))
	}
	if cfg.Data.Prefetch < 0 {
		errs = append(errs, fmt.Errorf("data.prefetch cannot be negative, got %d", cfg.Data.Prefetch))
	}

	// Precision
	if _, err := amp.NewGradScaler(cfg.scalerConfig()); err != nil {
		errs = append(errs, fmt.Errorf("precision: %w", err))
	}

	// Distributed
	if cfg.Distributed.WorldSize < 0 {
		errs = append(errs, fmt.Errorf("distributed.world_size cannot be negative, got %d", cfg.Distributed.WorldSize))
	}
	if cfg.Distributed.Port < 0 || cfg.Distributed.Port > 65535 {
		errs = append(errs, fmt.Errorf("distributed.port %d is out of range", cfg.Distributed.Port))
	}

	// Logging
	if !cfg.Log.Level.IsValid() {
		errs = append(errs, fmt.Errorf("log.level %q is invalid; valid values: debug, info, warn, error", cfg.Log.Level))
	}
	if cfg.Log.Format != LogText && cfg.Log.Format != LogJSON {
		errs = append(errs, fmt.Errorf("log.format %q is invalid; valid values: text, json", cfg.Log.Format))
	}

	return errors.Join(errs...)
}

func (c *Config) scalerConfig() amp.ScalerConfig {
	return amp.ScalerConfig{
		Enabled:        c.Precision.Mixed,
		InitScale:      c.Precision.InitScale,
		GrowthFactor:   c.Precision.GrowthFactor,
		BackoffFactor:  c.Precision.BackoffFactor,
		GrowthInterval: c.Precision.GrowthInterval,
	}
}

// TrainingOptions converts the runtime options into training.Options. The
// logger, output writers and metric stream are left for the caller.
func (c *Config) TrainingOptions() (training.Options, error) {
	format, err := checkpoints.ParseFormat(c.Run.CheckpointFormat)
	if err != nil {
		return training.Options{}, err
	}
	schedule, err := training.ParseScheduleKind(c.Run.Schedule)
	if err != nil {
		return training.Options{}, err
	}

	precision := amp.Float32
	if c.Precision.Mixed {
		precision = amp.Float16
	}

	return training.Options{
		WeightsDir:       c.Run.WeightsDir,
		RunsDir:          c.Run.RunsDir,
		CheckpointFormat: format,
		Precision:        precision,
		Scaler:           c.scalerConfig(),
		Schedule:         schedule,
		WorldSize:        c.Distributed.WorldSize,
		Rendezvous:       distributed.Config{Addr: c.Distributed.Addr, Port: c.Distributed.Port},
		Seed:             c.Distributed.Seed,
	}, nil
}

// NewOptimizer builds the configured optimizer over params.
func (c *Config) NewOptimizer(params []*tensor.Parameter) (optimizer.Optimizer, error) {
	return optimizer.New(c.Run.Optimizer, params, c.Run.LearningRate)
}
