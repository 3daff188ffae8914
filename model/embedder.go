// Package model defines the contract between the trainer and the embedding
// model, and ships Bag, a small reference embedder.
package model

import (
	"context"

	"github.com/tsawler/embedtrain/data"
	"github.com/tsawler/embedtrain/tensor"
)

// Loss is a scalar training loss that can propagate gradients.
type Loss interface {
	Value() float32

	// Backward accumulates scale times the gradient of the loss into the
	// Grad buffer of every parameter.
	Backward(scale float32) error
}

// Embedder is a trainable sentence-embedding model.
type Embedder interface {
	// Loss runs the training forward pass over a batch.
	Loss(ctx context.Context, batch data.Batch) (Loss, error)

	// Embed returns one embedding row per example, shape [batch, dim].
	Embed(ctx context.Context, ids, mask *tensor.Tensor) (*tensor.Tensor, error)

	Parameters() []*tensor.Parameter

	// Train and Eval switch between training and inference mode.
	Train()
	Eval()

	// Unwrap returns the base model under any wrappers. A plain model
	// returns itself.
	Unwrap() Embedder

	// Replicate returns an independent deep copy with identical parameters.
	Replicate() (Embedder, error)
}
