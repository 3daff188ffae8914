// Package config holds the runtime options of the embedtrain CLI: a YAML file
// layered over built-in defaults, with environment overrides on top.
package config

import (
	"log/slog"

	"github.com/tsawler/embedtrain/distributed"
	"github.com/tsawler/embedtrain/training"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level converts l to a slog level. Unknown levels map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogFormat selects the slog handler.
type LogFormat string

const (
	LogText LogFormat = "text"
	LogJSON LogFormat = "json"
)

// Config is the root configuration.
type Config struct {
	Run         RunConfig         `yaml:"run"`
	Model       ModelConfig       `yaml:"model"`
	Data        DataConfig        `yaml:"data"`
	Precision   PrecisionConfig   `yaml:"precision"`
	Distributed DistributedConfig `yaml:"distributed"`
	Log         LogConfig         `yaml:"log"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// RunConfig names the run and where its artifacts go.
type RunConfig struct {
	Name             string  `yaml:"name"`
	WeightsDir       string  `yaml:"weights_dir"`
	RunsDir          string  `yaml:"runs_dir"`
	CheckpointFormat string  `yaml:"checkpoint_format"`
	Schedule         string  `yaml:"schedule"`
	Epochs           int     `yaml:"epochs"`
	WarmupSteps      int     `yaml:"warmup_steps"`
	Optimizer        string  `yaml:"optimizer"`
	LearningRate     float64 `yaml:"learning_rate"`
}

// ModelConfig shapes the bag-of-embeddings encoder.
type ModelConfig struct {
	Dim           int    `yaml:"dim"`
	ProjectionDim int    `yaml:"projection_dim"`
	Seed          uint64 `yaml:"seed"`
}

// DataConfig shapes the synthetic corpus and its loaders.
type DataConfig struct {
	TrainPairs      int    `yaml:"train_pairs"`
	ValidationPairs int    `yaml:"validation_pairs"`
	SeqLen          int    `yaml:"seq_len"`
	VocabSize       int    `yaml:"vocab_size"`
	BatchSize       int    `yaml:"batch_size"`
	Prefetch        int    `yaml:"prefetch"`
	Seed            uint64 `yaml:"seed"`
}

// PrecisionConfig controls autocast and dynamic loss scaling.
type PrecisionConfig struct {
	Mixed          bool    `yaml:"mixed"`
	InitScale      float64 `yaml:"init_scale"`
	GrowthFactor   float64 `yaml:"growth_factor"`
	BackoffFactor  float64 `yaml:"backoff_factor"`
	GrowthInterval int     `yaml:"growth_interval"`
}

// DistributedConfig is used by train-ddp only. WorldSize 0 means one worker
// per device.
type DistributedConfig struct {
	WorldSize int    `yaml:"world_size"`
	Addr      string `yaml:"addr"`
	Port      int    `yaml:"port"`
	Seed      uint64 `yaml:"seed"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  LogLevel  `yaml:"level"`
	Format LogFormat `yaml:"format"`
}

// MetricsConfig enables the Prometheus endpoint when Listen is set.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Run: RunConfig{
			Name:             "bag",
			WeightsDir:       training.DefaultWeightsDir,
			RunsDir:          training.DefaultRunsDir,
			CheckpointFormat: "json",
			Schedule:         string(training.ScheduleLinear),
			Epochs:           3,
			WarmupSteps:      100,
			Optimizer:        "adamw",
			LearningRate:     2e-3,
		},
		Model: ModelConfig{
			Dim:           64,
			ProjectionDim: 32,
			Seed:          42,
		},
		Data: DataConfig{
			TrainPairs:      2048,
			ValidationPairs: 256,
			SeqLen:          16,
			VocabSize:       1000,
			BatchSize:       32,
			Prefetch:        2,
			Seed:            7,
		},
		Precision: PrecisionConfig{
			Mixed:          true,
			InitScale:      65536,
			GrowthFactor:   2,
			BackoffFactor:  0.5,
			GrowthInterval: 2000,
		},
		Distributed: DistributedConfig{
			Addr: distributed.DefaultAddr,
			Port: distributed.DefaultPort,
		},
		Log: LogConfig{
			Level:  LogInfo,
			Format: LogText,
		},
	}
}
