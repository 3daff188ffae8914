package optimizer

import (
	"fmt"
	"math"
	"sync"

	"github.com/tsawler/embedtrain/tensor"
)

// AdamConfig holds configuration for the Adam family of optimizers
type AdamConfig struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WeightDecay  float64

	// Decoupled applies weight decay directly to the weights (AdamW) instead
	// of folding it into the gradient (L2-regularized Adam).
	Decoupled bool
}

// DefaultAdamConfig returns default Adam configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// DefaultAdamWConfig returns default AdamW configuration
func DefaultAdamWConfig() AdamConfig {
	cfg := DefaultAdamConfig()
	cfg.WeightDecay = 0.01
	cfg.Decoupled = true
	return cfg
}

// Adam implements the Adam optimizer, or AdamW when the config is decoupled
type Adam struct {
	config     AdamConfig
	parameters []*tensor.Parameter
	m          [][]float32 // First moment estimates
	v          [][]float32 // Second moment estimates
	stepCount  uint64
	mutex      sync.RWMutex
}

// NewAdam creates a new Adam optimizer
func NewAdam(params []*tensor.Parameter, config AdamConfig) (*Adam, error) {
	if err := validateParameters(params); err != nil {
		return nil, err
	}
	if config.LearningRate < 0 {
		return nil, fmt.Errorf("learning rate cannot be negative: %f", config.LearningRate)
	}
	if config.Beta1 < 0 || config.Beta1 >= 1 {
		return nil, fmt.Errorf("beta1 must be in [0, 1): %f", config.Beta1)
	}
	if config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, fmt.Errorf("beta2 must be in [0, 1): %f", config.Beta2)
	}
	if config.Epsilon <= 0 {
		return nil, fmt.Errorf("epsilon must be positive: %g", config.Epsilon)
	}
	if config.WeightDecay < 0 {
		return nil, fmt.Errorf("weight decay cannot be negative: %f", config.WeightDecay)
	}

	adam := &Adam{
		config:     config,
		parameters: params,
		m:          make([][]float32, len(params)),
		v:          make([][]float32, len(params)),
	}
	for i, p := range params {
		adam.m[i] = make([]float32, len(p.Data))
		adam.v[i] = make([]float32, len(p.Data))
	}
	return adam, nil
}

// NewAdamW creates an Adam optimizer with decoupled weight decay
func NewAdamW(params []*tensor.Parameter, config AdamConfig) (*Adam, error) {
	config.Decoupled = true
	return NewAdam(params, config)
}

// Step performs a single optimization step
func (adam *Adam) Step() error {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()

	adam.stepCount++
	cfg := adam.config

	// Bias correction
	bc1 := 1.0 - math.Pow(cfg.Beta1, float64(adam.stepCount))
	bc2 := 1.0 - math.Pow(cfg.Beta2, float64(adam.stepCount))
	stepSize := float32(cfg.LearningRate / bc1)
	bc2Sqrt := math.Sqrt(bc2)

	beta1, beta2 := float32(cfg.Beta1), float32(cfg.Beta2)
	wd := float32(cfg.WeightDecay)
	decay := float32(1.0 - cfg.LearningRate*cfg.WeightDecay)

	for pi, p := range adam.parameters {
		m, v := adam.m[pi], adam.v[pi]
		for i := range p.Data {
			g := p.Grad[i]
			if wd > 0 {
				if cfg.Decoupled {
					p.Data[i] *= decay
				} else {
					g += wd * p.Data[i]
				}
			}

			// m = beta1 * m + (1 - beta1) * grad
			m[i] = beta1*m[i] + (1-beta1)*g
			// v = beta2 * v + (1 - beta2) * grad^2
			v[i] = beta2*v[i] + (1-beta2)*g*g

			denom := float32(math.Sqrt(float64(v[i]))/bc2Sqrt + cfg.Epsilon)
			p.Data[i] -= stepSize * m[i] / denom
		}
	}
	return nil
}

// ZeroGrad resets gradients to zero for all parameters
func (adam *Adam) ZeroGrad() {
	tensor.ZeroGrad(adam.parameters)
}

// GetLR returns the current learning rate
func (adam *Adam) GetLR() float64 {
	adam.mutex.RLock()
	defer adam.mutex.RUnlock()
	return adam.config.LearningRate
}

// SetLR sets the learning rate
func (adam *Adam) SetLR(lr float64) {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()
	adam.config.LearningRate = lr
}

func (adam *Adam) Parameters() []*tensor.Parameter {
	return adam.parameters
}

func (adam *Adam) Clone(params []*tensor.Parameter) Optimizer {
	adam.mutex.RLock()
	config := adam.config
	adam.mutex.RUnlock()

	clone, err := NewAdam(params, config)
	if err != nil {
		panic(fmt.Sprintf("optimizer: clone %s: %v", adam.Name(), err))
	}
	return clone
}

func (adam *Adam) Name() string {
	if adam.config.Decoupled {
		return "AdamW"
	}
	return "Adam"
}

// StepCount returns the number of applied steps
func (adam *Adam) StepCount() uint64 {
	adam.mutex.RLock()
	defer adam.mutex.RUnlock()
	return adam.stepCount
}
