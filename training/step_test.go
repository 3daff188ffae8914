package training

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/embedtrain/amp"
	"github.com/tsawler/embedtrain/data"
	"github.com/tsawler/embedtrain/model"
	"github.com/tsawler/embedtrain/optimizer"
)

func firstBatch(t *testing.T) data.Batch {
	t.Helper()
	for batch, err := range pairLoader(t, 4, 4, 5).All(context.Background()) {
		require.NoError(t, err)
		return batch
	}
	t.Fatal("loader produced no batches")
	return nil
}

func newExecutor(t *testing.T, scaler amp.ScalerConfig) (*StepExecutor, *model.Bag) {
	t.Helper()
	bag, err := model.NewBag(model.BagConfig{VocabSize: 20, Dim: 8, ProjectionDim: 4, Seed: 2})
	require.NoError(t, err)
	opt, err := optimizer.NewSGD(bag.Parameters(), optimizer.SGDConfig{LearningRate: 0.5})
	require.NoError(t, err)
	schedule, err := PlanSchedule(opt, 0, 10, ScheduleConstant)
	require.NoError(t, err)
	s, err := amp.NewGradScaler(scaler)
	require.NoError(t, err)
	bag.Train()
	return &StepExecutor{Model: bag, Optimizer: opt, Scaler: s, Schedule: schedule, Precision: amp.Float16}, bag
}

func TestStepExecutorUpdatesParameters(t *testing.T) {
	exec, bag := newExecutor(t, amp.DefaultScalerConfig())
	before := snapshot(bag.Parameters())

	loss, err := exec.Step(context.Background(), firstBatch(t))
	require.NoError(t, err)
	assert.False(t, math.IsNaN(float64(loss)))
	assert.GreaterOrEqual(t, loss, float32(0))

	assert.NotEqual(t, before, snapshot(bag.Parameters()))
	assert.Equal(t, 1, exec.Schedule.StepCount())
	assert.Zero(t, exec.Scaler.State().SkippedSteps)
}

func TestStepExecutorSkipsOverflowButAdvancesSchedule(t *testing.T) {
	cfg := amp.DefaultScalerConfig()
	cfg.InitScale = 1e39 // beyond float32: the scaled loss overflows
	exec, bag := newExecutor(t, cfg)
	before := snapshot(bag.Parameters())

	_, err := exec.Step(context.Background(), firstBatch(t))
	require.NoError(t, err)

	assert.Equal(t, before, snapshot(bag.Parameters()), "an overflowed step must not touch the weights")
	assert.Equal(t, 1, exec.Schedule.StepCount())

	state := exec.Scaler.State()
	assert.Equal(t, 1, state.SkippedSteps)
	assert.InDelta(t, 5e38, state.Scale, 1e30)
}

func TestStepExecutorRequiresTrainingMode(t *testing.T) {
	exec, bag := newExecutor(t, amp.DefaultScalerConfig())
	bag.Eval()

	_, err := exec.Step(context.Background(), firstBatch(t))
	assert.Error(t, err)
	assert.Zero(t, exec.Schedule.StepCount())
}
