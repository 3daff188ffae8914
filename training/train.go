package training

import (
	"context"
	"errors"
	"fmt"

	"github.com/tsawler/embedtrain/checkpoints"
	"github.com/tsawler/embedtrain/model"
	"github.com/tsawler/embedtrain/optimizer"
)

// Train runs the experiment on a single worker and returns the trained model.
// The metric stream is opened before the first step and closed on return.
func Train(ctx context.Context, m model.Embedder, opt optimizer.Optimizer, exp *Experiment, name string, opts Options) (_ model.Embedder, err error) {
	if err := exp.Validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	writer, err := opts.NewWriter(name)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := writer.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close metric stream: %w", cerr))
		}
	}()

	t := &Trainer{
		Model:      m,
		Optimizer:  opt,
		Experiment: exp,
		Name:       name,
		Options:    opts,
		Writer:     writer,
		Selector:   checkpoints.NewSelector(opts.WeightsDir, opts.CheckpointFormat, opts.Logger),
	}

	res, err := t.Run(ctx)
	if err != nil {
		return nil, err
	}
	return res.Model, nil
}
