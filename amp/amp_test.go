package amp

import (
	"context"
	"math"
	"testing"

	"github.com/tsawler/embedtrain/tensor"
)

type countingOptimizer struct {
	params []*tensor.Parameter
	steps  int
}

func (o *countingOptimizer) Step() error {
	o.steps++
	return nil
}

func (o *countingOptimizer) Parameters() []*tensor.Parameter { return o.params }

func newOptimizer(t *testing.T, grads ...float32) *countingOptimizer {
	t.Helper()
	p, err := tensor.NewParameter("w", []int{len(grads)}, nil)
	if err != nil {
		t.Fatal(err)
	}
	copy(p.Grad, grads)
	return &countingOptimizer{params: []*tensor.Parameter{p}}
}

func TestRoundOnlyInsideAutocast(t *testing.T) {
	x := []float32{0.1}
	Round(context.Background(), x)
	if x[0] != 0.1 {
		t.Errorf("value changed outside autocast: %v", x[0])
	}

	ctx := WithAutocast(context.Background(), Float16)
	if !Enabled(ctx) {
		t.Fatal("expected autocast to be enabled")
	}
	Round(ctx, x)
	if x[0] == 0.1 {
		t.Error("expected binary16 rounding inside autocast")
	}
	if math.Abs(float64(x[0])-0.1) > 1e-3 {
		t.Errorf("rounded value too far from input: %v", x[0])
	}
	if !math.IsInf(float64(Half(1e6)), 1) {
		t.Error("values beyond the half range should overflow to +Inf")
	}
}

func TestScalerUnscalesAndSteps(t *testing.T) {
	s, err := NewGradScaler(DefaultScalerConfig())
	if err != nil {
		t.Fatal(err)
	}
	scale := s.Scale()
	if scale != 65536 {
		t.Fatalf("expected initial scale 65536, got %v", scale)
	}

	opt := newOptimizer(t, 2*scale, -scale)
	stepped, err := s.Step(opt)
	if err != nil {
		t.Fatal(err)
	}
	s.Update()

	if !stepped || opt.steps != 1 {
		t.Fatalf("expected one optimizer step, stepped=%v steps=%d", stepped, opt.steps)
	}
	g := opt.params[0].Grad
	if g[0] != 2 || g[1] != -1 {
		t.Errorf("gradients not unscaled: %v", g)
	}
}

func TestScalerSkipsOverflowAndBacksOff(t *testing.T) {
	s, _ := NewGradScaler(DefaultScalerConfig())
	opt := newOptimizer(t, float32(math.Inf(1)), 1)

	stepped, err := s.Step(opt)
	if err != nil {
		t.Fatal(err)
	}
	s.Update()

	if stepped || opt.steps != 0 {
		t.Fatal("optimizer step should be skipped on overflow")
	}
	state := s.State()
	if state.Scale != 32768 {
		t.Errorf("expected scale to halve to 32768, got %v", state.Scale)
	}
	if state.SkippedSteps != 1 {
		t.Errorf("expected 1 skipped step, got %d", state.SkippedSteps)
	}

	nan := newOptimizer(t, float32(math.NaN()))
	if stepped, _ := s.Step(nan); stepped {
		t.Error("NaN gradients should skip the step")
	}
}

func TestScalerGrowth(t *testing.T) {
	s, _ := NewGradScaler(ScalerConfig{Enabled: true, InitScale: 4, GrowthInterval: 3})
	for i := 0; i < 3; i++ {
		opt := newOptimizer(t, 1)
		if _, err := s.Step(opt); err != nil {
			t.Fatal(err)
		}
		s.Update()
	}
	if got := s.State().Scale; got != 8 {
		t.Errorf("expected scale to double to 8 after 3 clean steps, got %v", got)
	}
	if got := s.State().GrowthTracker; got != 0 {
		t.Errorf("growth tracker should reset, got %d", got)
	}
}

func TestDisabledScalerPassesThrough(t *testing.T) {
	s, _ := NewGradScaler(ScalerConfig{Enabled: false})
	if s.Scale() != 1 {
		t.Errorf("disabled scaler should scale by 1, got %v", s.Scale())
	}
	opt := newOptimizer(t, 3)
	stepped, _ := s.Step(opt)
	s.Update()
	if !stepped || opt.params[0].Grad[0] != 3 {
		t.Error("disabled scaler must not touch gradients")
	}
}

func TestScalerConfigValidation(t *testing.T) {
	tests := []ScalerConfig{
		{Enabled: true, InitScale: -1},
		{Enabled: true, GrowthFactor: 0.5},
		{Enabled: true, BackoffFactor: 1.5},
		{Enabled: true, GrowthInterval: -2},
	}
	for _, cfg := range tests {
		if _, err := NewGradScaler(cfg); err == nil {
			t.Errorf("expected error for config %+v", cfg)
		}
	}
}
