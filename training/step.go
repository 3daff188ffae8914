package training

import (
	"context"
	"fmt"

	"github.com/tsawler/embedtrain/amp"
	"github.com/tsawler/embedtrain/data"
	"github.com/tsawler/embedtrain/model"
	"github.com/tsawler/embedtrain/optimizer"
)

// StepExecutor performs one mixed-precision optimizer update per batch.
type StepExecutor struct {
	Model     model.Embedder
	Optimizer optimizer.Optimizer
	Scaler    *amp.GradScaler
	Schedule  *Schedule
	Precision amp.Precision
}

// Step runs forward under autocast, backpropagates the scaled loss, lets the
// scaler decide whether the optimizer steps, and advances the schedule. The
// schedule advances even when an overflow skipped the update.
func (e *StepExecutor) Step(ctx context.Context, batch data.Batch) (float32, error) {
	e.Optimizer.ZeroGrad()

	loss, err := e.Model.Loss(amp.WithAutocast(ctx, e.Precision), batch)
	if err != nil {
		return 0, fmt.Errorf("forward: %w", err)
	}
	if err := loss.Backward(e.Scaler.Scale()); err != nil {
		return 0, fmt.Errorf("backward: %w", err)
	}
	if _, err := e.Scaler.Step(e.Optimizer); err != nil {
		return 0, fmt.Errorf("optimizer step: %w", err)
	}
	e.Scaler.Update()
	e.Schedule.Step()

	return loss.Value(), nil
}
