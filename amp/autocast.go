// Package amp implements automatic mixed precision: an autocast region in which
// forward activations are rounded through IEEE binary16, and a dynamic gradient
// scaler that keeps half-precision gradients from underflowing.
package amp

import (
	"context"

	"github.com/x448/float16"
)

// Precision is the arithmetic mode of an autocast region.
type Precision int

const (
	Float32 Precision = iota
	Float16
)

func (p Precision) String() string {
	switch p {
	case Float32:
		return "float32"
	case Float16:
		return "float16"
	default:
		return "unknown"
	}
}

type autocastKey struct{}

// WithAutocast returns a context whose forward computations run in precision p.
func WithAutocast(ctx context.Context, p Precision) context.Context {
	return context.WithValue(ctx, autocastKey{}, p)
}

// PrecisionFrom reports the autocast precision carried by ctx.
// Outside any region the result is Float32.
func PrecisionFrom(ctx context.Context) Precision {
	if p, ok := ctx.Value(autocastKey{}).(Precision); ok {
		return p
	}
	return Float32
}

// Enabled reports whether ctx is inside a reduced-precision region.
func Enabled(ctx context.Context) bool {
	return PrecisionFrom(ctx) == Float16
}

// Half rounds v to the nearest binary16 value. Values beyond the half range
// become ±Inf, as they would on hardware.
func Half(v float32) float32 {
	return float16.Fromfloat32(v).Float32()
}

// Round rounds xs in place through binary16 when ctx is inside a
// reduced-precision region and leaves it untouched otherwise.
// Accumulations done by callers stay in float32.
func Round(ctx context.Context, xs []float32) {
	if !Enabled(ctx) {
		return
	}
	for i, v := range xs {
		xs[i] = Half(v)
	}
}
