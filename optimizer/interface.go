// Package optimizer provides first-order optimizers over tensor.Parameter values.
// Optimizers own the update rule and any per-parameter state; gradients are
// read from Parameter.Grad and written by the model's backward pass.
package optimizer

import (
	"fmt"

	"github.com/tsawler/embedtrain/tensor"
)

// Optimizer defines the common interface for all optimizers
type Optimizer interface {
	// Step applies one update to every parameter using its accumulated gradient
	Step() error

	// ZeroGrad resets gradients to zero for all parameters
	ZeroGrad()

	// GetLR returns the current learning rate
	GetLR() float64

	// SetLR updates the learning rate; schedules call this once per step
	SetLR(lr float64)

	// Parameters returns the parameters this optimizer updates
	Parameters() []*tensor.Parameter

	// Clone returns a fresh optimizer with identical hyperparameters bound to
	// params. State such as moments is not copied.
	Clone(params []*tensor.Parameter) Optimizer

	// Name returns the optimizer name for logging
	Name() string
}

// New constructs an optimizer by name with its default hyperparameters.
func New(name string, params []*tensor.Parameter, lr float64) (Optimizer, error) {
	switch name {
	case "sgd", "SGD":
		return NewSGD(params, SGDConfig{LearningRate: lr})
	case "adam", "Adam":
		cfg := DefaultAdamConfig()
		cfg.LearningRate = lr
		return NewAdam(params, cfg)
	case "adamw", "AdamW":
		cfg := DefaultAdamWConfig()
		cfg.LearningRate = lr
		return NewAdam(params, cfg)
	default:
		return nil, fmt.Errorf("unknown optimizer %q", name)
	}
}

func validateParameters(params []*tensor.Parameter) error {
	if len(params) == 0 {
		return fmt.Errorf("no parameters provided")
	}
	for i, p := range params {
		if p == nil {
			return fmt.Errorf("parameter %d is nil", i)
		}
		if len(p.Grad) != len(p.Data) {
			return fmt.Errorf("parameter %s: gradient size %d does not match data size %d", p.Name, len(p.Grad), len(p.Data))
		}
	}
	return nil
}
