package training

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/embedtrain/summary"
)

func TestProgressBar(t *testing.T) {
	var buf bytes.Buffer
	pb := NewProgressBar(&buf, "stsb [1]", 4)

	pb.Update(2, map[string]float64{"loss": 0.5, "lr": 0.001})
	line := buf.String()
	assert.True(t, strings.HasPrefix(line, "\rstsb [1]:  50%|"), line)
	assert.Contains(t, line, "| 2/4 [")
	assert.Contains(t, line, ", loss=0.5000, lr=0.0010]")

	buf.Reset()
	pb.Finish()
	assert.Contains(t, buf.String(), "100%")
	assert.Contains(t, buf.String(), "4/4")
	assert.True(t, strings.HasSuffix(buf.String(), "]\n"))
}

func TestProgressBarEmptyTotal(t *testing.T) {
	var buf bytes.Buffer
	pb := NewProgressBar(&buf, "empty", 0)
	pb.Finish()
	assert.Contains(t, buf.String(), "100%")
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "00:00", formatDuration(0))
	assert.Equal(t, "01:05", formatDuration(65*time.Second))
	assert.Equal(t, "61:01", formatDuration(time.Hour+61*time.Second))
}

func TestLogMetricGate(t *testing.T) {
	require.NoError(t, LogMetric(nil, "stsb", "train_loss", 1, 1))

	var typedNil *summary.FileWriter
	require.NoError(t, LogMetric(typedNil, "stsb", "train_loss", 1, 1))

	w := &recordingWriter{}
	require.NoError(t, LogMetric(w, "stsb", "val_loss", 0.25, 7))
	assert.Equal(t, []scalar{{"stsb/val_loss", 0.25, 7}}, w.scalars)
}
