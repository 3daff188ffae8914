package distributed

import (
	"context"
	"fmt"

	"github.com/tsawler/embedtrain/data"
	"github.com/tsawler/embedtrain/model"
	"github.com/tsawler/embedtrain/tensor"
)

// DataParallel wraps a model so that every backward pass leaves the
// group-wide mean gradient in each parameter.
type DataParallel struct {
	module model.Embedder
	group  *Group
	pool   *tensor.BufferPool
}

var _ model.Embedder = (*DataParallel)(nil)

// NewDataParallel broadcasts rank 0's parameters to every rank and returns
// the wrapped model. Every rank must call it.
func NewDataParallel(ctx context.Context, m model.Embedder, g *Group) (*DataParallel, error) {
	params := m.Parameters()
	flat := tensor.FlattenData(params)
	if err := g.Broadcast(ctx, flat, 0); err != nil {
		return nil, fmt.Errorf("broadcast parameters: %w", err)
	}
	if err := tensor.UnflattenData(params, flat); err != nil {
		return nil, err
	}
	return &DataParallel{module: m, group: g, pool: tensor.NewBufferPool()}, nil
}

func (d *DataParallel) Loss(ctx context.Context, batch data.Batch) (model.Loss, error) {
	l, err := d.module.Loss(ctx, batch)
	if err != nil {
		return nil, err
	}
	return &syncedLoss{Loss: l, ctx: ctx, group: d.group, pool: d.pool, params: d.module.Parameters()}, nil
}

func (d *DataParallel) Embed(ctx context.Context, ids, mask *tensor.Tensor) (*tensor.Tensor, error) {
	return d.module.Embed(ctx, ids, mask)
}

func (d *DataParallel) Parameters() []*tensor.Parameter { return d.module.Parameters() }
func (d *DataParallel) Train()                          { d.module.Train() }
func (d *DataParallel) Eval()                           { d.module.Eval() }

// Unwrap returns the wrapped model.
func (d *DataParallel) Unwrap() model.Embedder { return d.module }

// Replicate copies the wrapped model; the copy is not attached to the group.
func (d *DataParallel) Replicate() (model.Embedder, error) {
	return d.module.Replicate()
}

// syncedLoss averages gradients across the group after the local backward pass.
type syncedLoss struct {
	model.Loss
	ctx    context.Context
	group  *Group
	pool   *tensor.BufferPool
	params []*tensor.Parameter
}

func (l *syncedLoss) Backward(scale float32) error {
	if err := l.Loss.Backward(scale); err != nil {
		return err
	}
	buf := l.pool.Get(tensor.NumElements(l.params))
	defer l.pool.Put(buf)

	grads := tensor.FlattenGradsInto(l.params, buf)
	if err := l.group.AllReduceMean(l.ctx, grads); err != nil {
		return fmt.Errorf("all-reduce gradients: %w", err)
	}
	return tensor.UnflattenGrads(l.params, grads)
}
