package optimizer

import (
	"fmt"
	"sync"

	"github.com/tsawler/embedtrain/tensor"
)

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float64
	Momentum     float64
	Dampening    float64
	WeightDecay  float64
	Nesterov     bool
}

// SGD implements Stochastic Gradient Descent with optional momentum
type SGD struct {
	config     SGDConfig
	parameters []*tensor.Parameter
	velocities [][]float32
	stepCount  uint64
	mutex      sync.RWMutex
}

// NewSGD creates a new SGD optimizer
func NewSGD(params []*tensor.Parameter, config SGDConfig) (*SGD, error) {
	if err := validateParameters(params); err != nil {
		return nil, err
	}
	if config.LearningRate < 0 {
		return nil, fmt.Errorf("learning rate cannot be negative: %f", config.LearningRate)
	}
	if config.Momentum < 0 || config.Momentum > 1.0 {
		return nil, fmt.Errorf("momentum must be in [0, 1]: %f", config.Momentum)
	}
	if config.WeightDecay < 0 {
		return nil, fmt.Errorf("weight decay cannot be negative: %f", config.WeightDecay)
	}
	if config.Nesterov && (config.Momentum == 0 || config.Dampening != 0) {
		return nil, fmt.Errorf("nesterov momentum requires a momentum and zero dampening")
	}

	sgd := &SGD{config: config, parameters: params}

	// Only allocate momentum buffers if momentum > 0
	if config.Momentum > 0 {
		sgd.velocities = make([][]float32, len(params))
		for i, p := range params {
			sgd.velocities[i] = make([]float32, len(p.Data))
		}
	}
	return sgd, nil
}

// Step performs a single optimization step
func (sgd *SGD) Step() error {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()

	lr := float32(sgd.config.LearningRate)
	wd := float32(sgd.config.WeightDecay)
	mom := float32(sgd.config.Momentum)
	damp := float32(sgd.config.Dampening)

	for pi, p := range sgd.parameters {
		for i := range p.Data {
			g := p.Grad[i]

			// grad = grad + weight_decay * param
			if wd > 0 {
				g += wd * p.Data[i]
			}

			if mom > 0 {
				v := sgd.velocities[pi]
				// the first step seeds the buffer with the raw gradient
				if sgd.stepCount == 0 {
					v[i] = g
				} else {
					v[i] = mom*v[i] + (1-damp)*g
				}
				if sgd.config.Nesterov {
					g += mom * v[i]
				} else {
					g = v[i]
				}
			}

			p.Data[i] -= lr * g
		}
	}

	sgd.stepCount++
	return nil
}

// ZeroGrad resets gradients to zero for all parameters
func (sgd *SGD) ZeroGrad() {
	tensor.ZeroGrad(sgd.parameters)
}

// GetLR returns the current learning rate
func (sgd *SGD) GetLR() float64 {
	sgd.mutex.RLock()
	defer sgd.mutex.RUnlock()
	return sgd.config.LearningRate
}

// SetLR sets the learning rate
func (sgd *SGD) SetLR(lr float64) {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()
	sgd.config.LearningRate = lr
}

func (sgd *SGD) Parameters() []*tensor.Parameter {
	return sgd.parameters
}

func (sgd *SGD) Clone(params []*tensor.Parameter) Optimizer {
	sgd.mutex.RLock()
	config := sgd.config
	sgd.mutex.RUnlock()

	clone, err := NewSGD(params, config)
	if err != nil {
		// the config was already validated; only params can be wrong here
		panic(fmt.Sprintf("optimizer: clone SGD: %v", err))
	}
	return clone
}

func (sgd *SGD) Name() string {
	return "SGD"
}

// StepCount returns the number of applied steps
func (sgd *SGD) StepCount() uint64 {
	sgd.mutex.RLock()
	defer sgd.mutex.RUnlock()
	return sgd.stepCount
}
