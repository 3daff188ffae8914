package training

import (
	"context"
	"errors"
	"fmt"

	"github.com/tsawler/embedtrain/checkpoints"
	"github.com/tsawler/embedtrain/device"
	"github.com/tsawler/embedtrain/distributed"
	"github.com/tsawler/embedtrain/model"
	"github.com/tsawler/embedtrain/optimizer"
	"github.com/tsawler/embedtrain/summary"
)

type replica struct {
	model     model.Embedder
	optimizer optimizer.Optimizer
}

// TrainDDP runs the experiment data-parallel across Options.WorldSize workers
// (device.Count() when unset) and blocks until all of them return. Rank 0
// trains the caller's model and optimizer in place; the other ranks train
// replicas that are synchronised with it.
func TrainDDP(ctx context.Context, m model.Embedder, opt optimizer.Optimizer, exp *Experiment, name string, opts Options) error {
	opts = opts.withDefaults()

	world := opts.WorldSize
	if world == 0 {
		world = device.Count()
	}
	if world < 1 {
		return fmt.Errorf("%w: world size %d", ErrNoDevices, world)
	}

	if err := exp.Validate(); err != nil {
		return err
	}
	if opts.TotalSteps == 0 {
		opts.TotalSteps = exp.TotalSteps()
	}
	if err := checkBudget(exp.WarmupSteps, opts.TotalSteps); err != nil {
		return err
	}

	replicas := make([]replica, world)
	replicas[0] = replica{model: m, optimizer: opt}
	for rank := 1; rank < world; rank++ {
		rm, err := m.Replicate()
		if err != nil {
			return fmt.Errorf("replicate model for rank %d: %w", rank, err)
		}
		replicas[rank] = replica{model: rm, optimizer: opt.Clone(rm.Parameters())}
	}

	opts.Logger.Info("starting distributed training", "world_size", world, "rendezvous", opts.Rendezvous.Address())

	return distributed.Spawn(ctx, world, func(ctx context.Context, rank int) error {
		return runWorker(ctx, rank, world, replicas[rank], exp.Clone(), name, opts)
	})
}

func runWorker(ctx context.Context, rank, world int, r replica, exp *Experiment, name string, opts Options) (err error) {
	logger := opts.Logger.With("rank", rank)

	group, err := distributed.Join(ctx, opts.Rendezvous, rank, world)
	if err != nil {
		return fmt.Errorf("rank %d: %w", rank, err)
	}
	defer group.Close()
	defer func() {
		if err != nil {
			group.Abort(err)
		}
	}()

	dev, release, err := device.Bind(rank)
	if err != nil {
		return fmt.Errorf("rank %d: %w", rank, err)
	}
	defer release()
	exp.Device = dev

	ddp, err := distributed.NewDataParallel(ctx, r.model, group)
	if err != nil {
		return fmt.Errorf("rank %d: wrap model: %w", rank, err)
	}

	for _, ds := range exp.TrainDatasets {
		train, ok := exp.Data.Loader(ds, "train")
		if !ok {
			continue
		}
		sharded, err := distributed.ShardLoader(train, rank, world, true, opts.Seed)
		if err != nil {
			return fmt.Errorf("rank %d: shard %s: %w", rank, ds, err)
		}
		exp.Data.Add(ds, "train", sharded)
	}

	t := &Trainer{
		Model:      ddp,
		Optimizer:  r.optimizer,
		Experiment: exp,
		Name:       name,
		Options:    opts,
		Rank:       rank,
		Group:      group,
	}

	if rank == 0 {
		var writer summary.Writer
		writer, err = opts.NewWriter(name)
		if err != nil {
			return fmt.Errorf("rank %d: %w", rank, err)
		}
		defer func() {
			if cerr := writer.Close(); cerr != nil {
				err = errors.Join(err, fmt.Errorf("close metric stream: %w", cerr))
			}
		}()
		t.Writer = writer
		t.Selector = checkpoints.NewSelector(opts.WeightsDir, opts.CheckpointFormat, opts.Logger)
	}

	logger.Debug("worker ready", "device", dev.String())
	if _, err := t.Run(ctx); err != nil {
		return fmt.Errorf("rank %d: %w", rank, err)
	}
	return nil
}
