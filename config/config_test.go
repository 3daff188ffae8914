package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/embedtrain/amp"
	"github.com/tsawler/embedtrain/checkpoints"
	"github.com/tsawler/embedtrain/tensor"
	"github.com/tsawler/embedtrain/training"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Validate(Default()))
}

func TestLoadFromReaderOverridesDefaults(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(`
run:
  name: sts-bag
  checkpoint_format: onnx
  schedule: cosine
  epochs: 5
precision:
  mixed: false
distributed:
  world_size: 4
  port: 29600
log:
  level: debug
  format: json
`))
	require.NoError(t, err)

	assert.Equal(t, "sts-bag", cfg.Run.Name)
	assert.Equal(t, 5, cfg.Run.Epochs)
	assert.Equal(t, 100, cfg.Run.WarmupSteps, "unset fields keep their defaults")
	assert.Equal(t, 4, cfg.Distributed.WorldSize)
	assert.Equal(t, "localhost", cfg.Distributed.Addr)
	assert.Equal(t, LogJSON, cfg.Log.Format)
	assert.Equal(t, slog.LevelDebug, cfg.Log.Level.Level())

	opts, err := cfg.TrainingOptions()
	require.NoError(t, err)
	assert.Equal(t, checkpoints.FormatONNX, opts.CheckpointFormat)
	assert.Equal(t, training.ScheduleCosine, opts.Schedule)
	assert.Equal(t, amp.Float32, opts.Precision)
	assert.False(t, opts.Scaler.Enabled)
	assert.Equal(t, 4, opts.WorldSize)
	assert.Equal(t, "localhost:29600", opts.Rendezvous.Address())
}

func TestLoadFromReaderRejectsUnknownFields(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader("run:\n  epochz: 3\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "epochz")
}

func TestLoadFromReaderEmptyDocument(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestValidateJoinsAllProblems(t *testing.T) {
	cfg := Default()
	cfg.Run.Epochs = 0
	cfg.Run.Schedule = "polynomial"
	cfg.Run.Optimizer = "lion"
	cfg.Precision.BackoffFactor = 2
	cfg.Log.Level = "trace"

	err := Validate(cfg)
	require.Error(t, err)
	for _, want := range []string{"run.epochs", "run.schedule", "run.optimizer", "precision", "log.level"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		EnvRunName:        "from-env",
		EnvWorldSize:      "2",
		EnvMasterAddr:     "10.0.0.1",
		EnvMasterPort:     "12355",
		EnvMixedPrecision: "false",
		EnvLogLevel:       "warn",
		EnvMetricsListen:  ":9090",
		EnvRunsDir:        "",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	require.NoError(t, ApplyEnv(cfg, lookup))
	assert.Equal(t, "from-env", cfg.Run.Name)
	assert.Equal(t, 2, cfg.Distributed.WorldSize)
	assert.Equal(t, "10.0.0.1", cfg.Distributed.Addr)
	assert.Equal(t, 12355, cfg.Distributed.Port)
	assert.False(t, cfg.Precision.Mixed)
	assert.Equal(t, LogWarn, cfg.Log.Level)
	assert.Equal(t, ":9090", cfg.Metrics.Listen)
	assert.Equal(t, training.DefaultRunsDir, cfg.Run.RunsDir, "empty values do not override")
}

func TestApplyEnvReportsMalformedValues(t *testing.T) {
	env := map[string]string{EnvWorldSize: "two", EnvMixedPrecision: "maybe"}
	err := ApplyEnv(Default(), func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), EnvWorldSize)
	assert.Contains(t, err.Error(), EnvMixedPrecision)
}

func TestLoadReadsFileAndEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "embedtrain.yaml")
	require.NoError(t, os.WriteFile(path, []byte("run:\n  name: file-run\n  epochs: 2\n"), 0o644))

	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("EMBEDTRAIN_SCHEDULE=constant\n"), 0o644))
	// godotenv never overrides variables that are already set.
	t.Setenv(EnvSchedule, "")
	os.Unsetenv(EnvSchedule)

	cfg, err := Load(path, envFile)
	require.NoError(t, err)
	assert.Equal(t, "file-run", cfg.Run.Name)
	assert.Equal(t, 2, cfg.Run.Epochs)
	assert.Equal(t, "constant", cfg.Run.Schedule)

	_, err = Load(filepath.Join(dir, "missing.yaml"), "")
	assert.Error(t, err)

	_, err = Load("", filepath.Join(dir, "missing.env"))
	assert.NoError(t, err, "a missing env file is not an error")
}

func TestNewOptimizer(t *testing.T) {
	p, err := tensor.NewParameter("w", []int{1}, []float32{1})
	require.NoError(t, err)

	cfg := Default()
	opt, err := cfg.NewOptimizer([]*tensor.Parameter{p})
	require.NoError(t, err)
	assert.Equal(t, "AdamW", opt.Name())
	assert.InDelta(t, cfg.Run.LearningRate, opt.GetLR(), 1e-12)
}
