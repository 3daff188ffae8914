package training

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/tsawler/embedtrain/amp"
	"github.com/tsawler/embedtrain/checkpoints"
	"github.com/tsawler/embedtrain/data"
	"github.com/tsawler/embedtrain/distributed"
	"github.com/tsawler/embedtrain/evaluation"
	"github.com/tsawler/embedtrain/model"
	"github.com/tsawler/embedtrain/optimizer"
	"github.com/tsawler/embedtrain/summary"
)

// Trainer runs the epoch loop of one worker. In single-worker mode Group is
// nil and Rank is 0. Writer and Selector are only set on the coordinator.
type Trainer struct {
	Model      model.Embedder
	Optimizer  optimizer.Optimizer
	Experiment *Experiment
	Name       string
	Options    Options

	Rank  int
	Group *distributed.Group

	Writer   summary.Writer
	Selector *checkpoints.Selector
}

// Result is what a finished run leaves behind.
type Result struct {
	Model      model.Embedder
	GlobalStep int
	TotalSteps int
	BestScore  float64
	// Checkpoint is the path of the best saved model, empty if none was saved.
	Checkpoint string
}

// runState is owned by a single Run call.
type runState struct {
	exec       *StepExecutor
	best       float64
	globalStep int
	totalSteps int
	checkpoint string
	epoch      int
}

func (t *Trainer) coordinator() bool { return t.Rank == 0 }
func (t *Trainer) distributed() bool { return t.Group != nil }

// Run trains every dataset of the experiment for NumEpochs epochs, round-robin
// per epoch, validating and checkpointing after each dataset.
func (t *Trainer) Run(ctx context.Context) (*Result, error) {
	opts := t.Options.withDefaults()
	t.Options = opts

	total := opts.TotalSteps
	if total == 0 {
		total = t.Experiment.TotalSteps()
	}

	schedule, err := PlanSchedule(t.Optimizer, t.Experiment.WarmupSteps, total, opts.Schedule)
	if err != nil {
		return nil, err
	}
	scaler, err := amp.NewGradScaler(opts.Scaler)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	state := &runState{
		exec: &StepExecutor{
			Model:     t.Model,
			Optimizer: t.Optimizer,
			Scaler:    scaler,
			Schedule:  schedule,
			Precision: opts.Precision,
		},
		best:       math.Inf(-1),
		totalSteps: total,
	}

	logger := opts.Logger.With("rank", t.Rank)
	logger.Info("training started",
		"run", t.Name,
		"epochs", t.Experiment.NumEpochs,
		"total_steps", total,
		"warmup_steps", t.Experiment.WarmupSteps,
		"schedule", schedule.Name(),
		"precision", opts.Precision.String(),
		"device", t.Experiment.Device.String(),
	)

	for epoch := range t.Experiment.NumEpochs {
		state.epoch = epoch
		if t.coordinator() {
			fmt.Fprintf(opts.Output, "Epoch [%d/%d]\n", epoch+1, t.Experiment.NumEpochs)
		}

		for _, name := range t.Experiment.TrainDatasets {
			if err := t.runDataset(ctx, logger.With("dataset", name, "epoch", epoch), state, name); err != nil {
				return nil, fmt.Errorf("epoch %d, dataset %s: %w", epoch, name, err)
			}
		}

		if t.coordinator() {
			fmt.Fprintln(opts.Output)
		}
	}

	logger.Info("training finished", "global_step", state.globalStep, "best_score", state.best,
		"skipped_steps", scaler.State().SkippedSteps)

	return &Result{
		Model:      t.Model,
		GlobalStep: state.globalStep,
		TotalSteps: state.totalSteps,
		BestScore:  state.best,
		Checkpoint: state.checkpoint,
	}, nil
}

func (t *Trainer) runDataset(ctx context.Context, logger *slog.Logger, state *runState, name string) error {
	splits, ok := t.Experiment.Data.Splits(name)
	if !ok {
		return fmt.Errorf("%w: unknown dataset", ErrConfig)
	}
	train, ok := splits.Get("train")
	if !ok {
		logger.Debug("dataset has no train split, skipping")
		return nil
	}

	if t.distributed() {
		train.SetEpoch(state.epoch)
	}

	avgTrain, err := t.trainEpoch(ctx, state, name, train)
	if err != nil {
		return err
	}

	_, val, ok := splits.Find("validation")
	if !ok {
		if t.coordinator() {
			fmt.Fprintf(t.Options.Output, "%s Train Loss: %.4f, No validation data for %s.\n", name, avgTrain, name)
		}
		return nil
	}

	if t.distributed() {
		val, err = distributed.ShardLoader(val, t.Rank, t.Group.WorldSize(), false, t.Options.Seed)
		if err != nil {
			return fmt.Errorf("shard validation split: %w", err)
		}
	}

	avgVal, err := t.validate(ctx, val)
	if err != nil {
		return err
	}

	if !t.coordinator() {
		return nil
	}

	fmt.Fprintf(t.Options.Output, "%s Train Loss: %.4f, %s Validation Loss: %.4f\n", name, avgTrain, name, avgVal)
	t.logMetric(logger, name, "val_loss", avgVal, state.globalStep)

	return t.evaluate(ctx, logger, state, name)
}

func (t *Trainer) trainEpoch(ctx context.Context, state *runState, name string, train *data.Loader) (float64, error) {
	t.Model.Train()

	var bar *ProgressBar
	if t.coordinator() && t.Options.Progress != nil {
		bar = NewProgressBar(t.Options.Progress, fmt.Sprintf("%s [%d]", name, state.epoch+1), train.Len())
	}

	total := 0.0
	n := 0
	for batch, err := range train.All(ctx) {
		if err != nil {
			return 0, fmt.Errorf("load train batch: %w", err)
		}

		loss, err := state.exec.Step(ctx, batch)
		if err != nil {
			return 0, fmt.Errorf("step %d: %w", state.globalStep, err)
		}

		total += float64(loss)
		state.globalStep++
		n++

		if t.coordinator() {
			t.logMetric(t.Options.Logger, name, "train_loss", float64(loss), state.globalStep)
		}
		if bar != nil {
			bar.Update(n, map[string]float64{"loss": float64(loss), "lr": state.exec.Schedule.LR()})
		}
	}
	if bar != nil {
		bar.Finish()
	}

	if train.Len() == 0 {
		return 0, nil
	}
	return total / float64(train.Len()), nil
}

// validate returns the mean validation loss. Across a group the loss sum and
// batch count are reduced first so every rank reports the global mean.
func (t *Trainer) validate(ctx context.Context, val *data.Loader) (float64, error) {
	t.Model.Eval()
	fwd := amp.WithAutocast(ctx, t.Options.Precision)

	sum := 0.0
	batches := 0
	for batch, err := range val.All(ctx) {
		if err != nil {
			return 0, fmt.Errorf("load validation batch: %w", err)
		}
		loss, err := t.Model.Loss(fwd, batch)
		if err != nil {
			return 0, fmt.Errorf("validation forward: %w", err)
		}
		sum += float64(loss.Value())
		batches++
	}

	if t.distributed() {
		buf := []float32{float32(sum), float32(batches)}
		if err := t.Group.AllReduceSum(ctx, buf); err != nil {
			return 0, fmt.Errorf("reduce validation loss: %w", err)
		}
		sum, batches = float64(buf[0]), int(buf[1])
	}

	return sum / (float64(batches) + 1e-6), nil
}

// evaluate scores the unwrapped model on the benchmark split and keeps the
// checkpoint if the score improved.
func (t *Trainer) evaluate(ctx context.Context, logger *slog.Logger, state *runState, name string) error {
	b := t.Experiment.benchmark()
	bench, ok := t.Experiment.Data.Loader(b.Dataset, b.Split)
	if !ok {
		return fmt.Errorf("%w: benchmark split %s/%s not found", ErrConfig, b.Dataset, b.Split)
	}

	res, err := evaluation.Evaluate(ctx, t.Model.Unwrap(), bench)
	if err != nil {
		return fmt.Errorf("evaluate %s/%s: %w", b.Dataset, b.Split, err)
	}

	fmt.Fprintf(t.Options.Output, "%s STSB Validation: [%.4f, %.4f]\n", name, res.Pearson, res.Spearman)
	t.logMetric(logger, name, "pearsonr", res.Pearson, state.globalStep)
	t.logMetric(logger, name, "spearmanr", res.Spearman, state.globalStep)

	if t.Selector == nil {
		return nil
	}

	best, saved, err := t.Selector.MaybeSave(t.Model, t.Name, res.Score(), state.best, checkpoints.TrainingState{
		Epoch:        state.epoch,
		Step:         state.globalStep,
		TotalSteps:   state.totalSteps,
		LearningRate: state.exec.Schedule.LR(),
		Dataset:      name,
	})
	if err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	state.best = best
	if saved {
		state.checkpoint = t.Selector.Path(t.Name)
	}
	return nil
}

// logMetric writes through the gate and keeps training when the stream
// fails.
func (t *Trainer) logMetric(logger *slog.Logger, dataset, metric string, value float64, step int) {
	if err := LogMetric(t.Writer, dataset, metric, value, step); err != nil {
		logger.Warn("failed to record metric", "metric", metric, "step", step, "err", err)
	}
}
