package summary

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for training metrics.
const meterName = "github.com/tsawler/embedtrain"

// OTelWriter records each scalar on an OpenTelemetry gauge labelled with its
// tag and run, and the latest global step on a second gauge.
type OTelWriter struct {
	run    attribute.KeyValue
	scalar metric.Float64Gauge
	step   metric.Int64Gauge
}

// NewOTelWriter creates the gauges on mp. A nil mp uses the global provider.
func NewOTelWriter(mp metric.MeterProvider, run string) (*OTelWriter, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(meterName)

	scalar, err := meter.Float64Gauge("embedtrain.scalar",
		metric.WithDescription("Latest value of a training scalar, by tag."),
	)
	if err != nil {
		return nil, fmt.Errorf("create scalar gauge: %w", err)
	}
	step, err := meter.Int64Gauge("embedtrain.global_step",
		metric.WithDescription("Global step of the latest recorded scalar."),
	)
	if err != nil {
		return nil, fmt.Errorf("create step gauge: %w", err)
	}
	return &OTelWriter{run: attribute.String("run", run), scalar: scalar, step: step}, nil
}

func (w *OTelWriter) AddScalar(tag string, value float64, step int) error {
	ctx := context.Background()
	w.scalar.Record(ctx, value, metric.WithAttributes(w.run, attribute.String("tag", tag)))
	w.step.Record(ctx, int64(step), metric.WithAttributes(w.run))
	return nil
}

// Close is a no-op; the meter provider owns export and shutdown.
func (w *OTelWriter) Close() error {
	return nil
}
