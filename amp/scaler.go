package amp

import (
	"fmt"
	"math"
	"sync"

	"github.com/tsawler/embedtrain/tensor"
)

// Stepper is the part of an optimizer the scaler drives.
type Stepper interface {
	Step() error
	Parameters() []*tensor.Parameter
}

// ScalerConfig configures dynamic loss scaling.
type ScalerConfig struct {
	Enabled        bool
	InitScale      float64
	GrowthFactor   float64
	BackoffFactor  float64
	GrowthInterval int
}

// DefaultScalerConfig returns the standard dynamic loss scaling policy.
func DefaultScalerConfig() ScalerConfig {
	return ScalerConfig{
		Enabled:        true,
		InitScale:      65536.0,
		GrowthFactor:   2.0,
		BackoffFactor:  0.5,
		GrowthInterval: 2000,
	}
}

// GradScaler multiplies the loss before backpropagation and removes the factor
// from the gradients before the optimizer sees them. A step whose gradients
// contain Inf or NaN is skipped and the scale shrinks; a run of clean steps
// grows it again.
//
// Each training step must call Scale, Step and Update in that order.
type GradScaler struct {
	config        ScalerConfig
	scale         float64
	growthTracker int
	foundInf      bool
	stepped       bool
	skipped       int
	mutex         sync.Mutex
}

// NewGradScaler creates a scaler, filling unset fields from DefaultScalerConfig.
func NewGradScaler(config ScalerConfig) (*GradScaler, error) {
	defaults := DefaultScalerConfig()
	if config.InitScale == 0 {
		config.InitScale = defaults.InitScale
	}
	if config.GrowthFactor == 0 {
		config.GrowthFactor = defaults.GrowthFactor
	}
	if config.BackoffFactor == 0 {
		config.BackoffFactor = defaults.BackoffFactor
	}
	if config.GrowthInterval == 0 {
		config.GrowthInterval = defaults.GrowthInterval
	}

	if config.InitScale < 0 {
		return nil, fmt.Errorf("init scale cannot be negative: %f", config.InitScale)
	}
	if config.GrowthFactor <= 1.0 {
		return nil, fmt.Errorf("growth factor must be greater than 1: %f", config.GrowthFactor)
	}
	if config.BackoffFactor <= 0 || config.BackoffFactor >= 1.0 {
		return nil, fmt.Errorf("backoff factor must be in (0, 1): %f", config.BackoffFactor)
	}
	if config.GrowthInterval < 0 {
		return nil, fmt.Errorf("growth interval cannot be negative: %d", config.GrowthInterval)
	}

	return &GradScaler{config: config, scale: config.InitScale}, nil
}

// Scale returns the factor to multiply the loss by before backward.
// A disabled scaler always returns 1.
func (s *GradScaler) Scale() float32 {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if !s.config.Enabled {
		return 1
	}
	return float32(s.scale)
}

// Step unscales the gradients of opt's parameters and applies the optimizer
// step unless an overflow was found. It reports whether the step ran.
func (s *GradScaler) Step(opt Stepper) (bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if !s.config.Enabled {
		s.stepped = true
		return true, opt.Step()
	}

	inv := float32(1.0 / s.scale)
	s.foundInf = false
	for _, p := range opt.Parameters() {
		for i, g := range p.Grad {
			g *= inv
			if math.IsInf(float64(g), 0) || math.IsNaN(float64(g)) {
				s.foundInf = true
			}
			p.Grad[i] = g
		}
	}

	s.stepped = true
	if s.foundInf {
		s.skipped++
		return false, nil
	}
	return true, opt.Step()
}

// Update adjusts the scale after a step: back off on overflow, grow after
// GrowthInterval consecutive clean steps.
func (s *GradScaler) Update() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if !s.config.Enabled || !s.stepped {
		return
	}
	s.stepped = false

	if s.foundInf {
		s.scale *= s.config.BackoffFactor
		s.growthTracker = 0
		return
	}

	s.growthTracker++
	if s.growthTracker >= s.config.GrowthInterval {
		s.scale *= s.config.GrowthFactor
		s.growthTracker = 0
	}
}

// ScalerState is a snapshot for logging.
type ScalerState struct {
	Scale         float64
	GrowthTracker int
	SkippedSteps  int
}

// State returns the current scale and counters.
func (s *GradScaler) State() ScalerState {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return ScalerState{Scale: s.scale, GrowthTracker: s.growthTracker, SkippedSteps: s.skipped}
}
