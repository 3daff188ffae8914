package summary

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestFileWriter(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "runs", "exp")
	w, err := NewFileWriter(dir)
	require.NoError(t, err)
	w.now = func() time.Time { return time.Unix(100, 500_000_000) }

	require.NoError(t, w.AddScalar("nli/train_loss", 0.25, 1))
	require.NoError(t, w.AddScalar("stsb/pearsonr", math.NaN(), 2))
	require.NoError(t, w.Close())
	require.NoError(t, w.Close(), "close is idempotent")
	assert.Error(t, w.AddScalar("late", 1, 3))

	events, err := ReadEvents(filepath.Join(dir, ScalarsFile))
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, Event{Tag: "nli/train_loss", Value: 0.25, Step: 1, WallTime: 100.5}, events[0])
	assert.True(t, math.IsNaN(float64(events[1].Value)))
	assert.Equal(t, dir, w.Dir())
}

func TestFileWriterAppends(t *testing.T) {
	dir := t.TempDir()
	for step := 1; step <= 2; step++ {
		w, err := NewFileWriter(dir)
		require.NoError(t, err)
		require.NoError(t, w.AddScalar("loss", float64(step), step))
		require.NoError(t, w.Close())
	}
	events, err := ReadEvents(filepath.Join(dir, ScalarsFile))
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestNilFileWriter(t *testing.T) {
	var w *FileWriter
	assert.NoError(t, w.AddScalar("x", 1, 1))
	assert.NoError(t, w.Close())
	assert.Empty(t, w.Dir())
}

type failingWriter struct{ closed bool }

func (f *failingWriter) AddScalar(string, float64, int) error {
	return errors.New("add failed")
}

func (f *failingWriter) Close() error {
	f.closed = true
	return nil
}

func TestMulti(t *testing.T) {
	dir := t.TempDir()
	fw, err := NewFileWriter(dir)
	require.NoError(t, err)
	bad := &failingWriter{}

	w := Multi(fw, nil, bad)
	assert.Error(t, w.AddScalar("loss", 1, 1), "errors are joined")
	require.NoError(t, w.Close())
	assert.True(t, bad.closed)

	events, err := ReadEvents(filepath.Join(dir, ScalarsFile))
	require.NoError(t, err)
	assert.Len(t, events, 1, "a failing writer does not stop the others")
}

func TestOTelWriter(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	w, err := NewOTelWriter(mp, "exp")
	require.NoError(t, err)
	require.NoError(t, w.AddScalar("stsb/spearmanr", 0.75, 8))
	require.NoError(t, w.AddScalar("stsb/pearsonr", 0.5, 8))
	require.NoError(t, w.Close())

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	values := map[string]float64{}
	var step int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Gauge[float64]:
				for _, dp := range data.DataPoints {
					tag, ok := dp.Attributes.Value(attribute.Key("tag"))
					require.True(t, ok)
					run, _ := dp.Attributes.Value(attribute.Key("run"))
					assert.Equal(t, "exp", run.AsString())
					values[tag.AsString()] = dp.Value
				}
			case metricdata.Gauge[int64]:
				require.Len(t, data.DataPoints, 1)
				step = data.DataPoints[0].Value
			}
		}
	}
	assert.Equal(t, map[string]float64{"stsb/spearmanr": 0.75, "stsb/pearsonr": 0.5}, values)
	assert.Equal(t, int64(8), step)
}
