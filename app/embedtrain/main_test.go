package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/embedtrain/config"
	"github.com/tsawler/embedtrain/summary"
)

func writeConfig(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "embedtrain.yaml")
	yaml := fmt.Sprintf(`
run:
  name: tiny
  weights_dir: %s
  runs_dir: %s
  epochs: 1
  warmup_steps: 2
model:
  dim: 8
  projection_dim: 4
data:
  train_pairs: 16
  validation_pairs: 8
  seq_len: 5
  vocab_size: 30
  batch_size: 4
  prefetch: 1
distributed:
  port: 29511
log:
  level: error
`, filepath.Join(dir, "weights"), filepath.Join(dir, "runs"))
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	return path, dir
}

func TestTrainCommand(t *testing.T) {
	path, dir := writeConfig(t)

	err := newCommand().Run(context.Background(), []string{"embedtrain", "train", "--config", path, "--env", "", "--epochs", "2"})
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(dir, "weights", "tiny.json"))

	events, err := summary.ReadEvents(filepath.Join(dir, "runs", "tiny", summary.ScalarsFile))
	require.NoError(t, err)
	trainSteps := 0
	for _, e := range events {
		if strings.HasSuffix(e.Tag, "/train_loss") {
			trainSteps++
		}
	}
	// Two datasets of 4 batches each, for 2 epochs.
	assert.Equal(t, 16, trainSteps)
}

func TestTrainDDPCommand(t *testing.T) {
	path, dir := writeConfig(t)

	err := newCommand().Run(context.Background(), []string{"embedtrain", "train-ddp", "--config", path, "--env", "", "--workers", "2", "--name", "ddp"})
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, "weights", "ddp.json"))
}

func TestTrainCommandRejectsBadFlags(t *testing.T) {
	path, _ := writeConfig(t)

	err := newCommand().Run(context.Background(), []string{"embedtrain", "train", "--config", path, "--env", "", "--epochs", "0"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run.epochs")
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(config.LogConfig{Level: config.LogWarn, Format: config.LogJSON}, &buf)
	logger.Info("hidden")
	logger.Warn("shown", "rank", 0)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"shown"`)
	assert.Contains(t, out, `"rank":0`)
}
