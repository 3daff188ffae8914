package data

import (
	"context"
	"fmt"
	"iter"

	"github.com/tsawler/embedtrain/tensor"
)

// LoaderConfig holds configuration for a Loader
type LoaderConfig struct {
	BatchSize int
	Shuffle   bool    // Use a RandomSampler when Sampler is nil
	Seed      uint64  // Seed for the RandomSampler
	DropLast  bool    // Drop a trailing partial batch
	Prefetch  int     // Number of batches to assemble ahead of the consumer (0: synchronous)
	Sampler   Sampler // Explicit index order; overrides Shuffle
}

// Loader provides batching and optional background prefetching over a dataset
type Loader struct {
	dataset   Dataset
	sampler   Sampler
	batchSize int
	dropLast  bool
	prefetch  int
}

// NewLoader creates a new Loader
func NewLoader(dataset Dataset, config LoaderConfig) (*Loader, error) {
	if dataset == nil {
		return nil, fmt.Errorf("dataset cannot be nil")
	}
	if config.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", config.BatchSize)
	}
	if config.Prefetch < 0 {
		return nil, fmt.Errorf("prefetch depth cannot be negative, got %d", config.Prefetch)
	}

	sampler := config.Sampler
	if sampler == nil {
		if config.Shuffle {
			sampler = NewRandomSampler(dataset.Len(), config.Seed)
		} else {
			sampler = NewSequentialSampler(dataset.Len())
		}
	}

	return &Loader{
		dataset:   dataset,
		sampler:   sampler,
		batchSize: config.BatchSize,
		dropLast:  config.DropLast,
		prefetch:  config.Prefetch,
	}, nil
}

// Len returns the number of batches in an epoch
func (l *Loader) Len() int {
	n := l.sampler.Len()
	if l.dropLast {
		return n / l.batchSize
	}
	return (n + l.batchSize - 1) / l.batchSize
}

func (l *Loader) BatchSize() int   { return l.batchSize }
func (l *Loader) Dataset() Dataset { return l.dataset }
func (l *Loader) Sampler() Sampler { return l.sampler }
func (l *Loader) DropLast() bool   { return l.dropLast }
func (l *Loader) Prefetch() int    { return l.prefetch }

// SetEpoch forwards the epoch to the sampler if it depends on one.
func (l *Loader) SetEpoch(epoch int) {
	if s, ok := l.sampler.(EpochSetter); ok {
		s.SetEpoch(epoch)
	}
}

// All iterates one epoch of batches in sampler order. Iteration stops at the
// first error, which is yielded with a nil batch.
func (l *Loader) All(ctx context.Context) iter.Seq2[Batch, error] {
	if l.prefetch > 0 {
		return l.prefetched(ctx)
	}
	return func(yield func(Batch, error) bool) {
		indices := l.sampler.Indices()
		for b := 0; b < l.Len(); b++ {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			batch, err := l.loadBatch(l.batchIndices(indices, b))
			if !yield(batch, err) || err != nil {
				return
			}
		}
	}
}

type loadResult struct {
	batch Batch
	err   error
}

// prefetched assembles batches on a background goroutine, at most
// l.prefetch ahead of the consumer.
func (l *Loader) prefetched(ctx context.Context) iter.Seq2[Batch, error] {
	return func(yield func(Batch, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		results := make(chan loadResult, l.prefetch)
		done := make(chan struct{})

		go func() {
			defer close(done)
			defer close(results)

			indices := l.sampler.Indices()
			for b := 0; b < l.Len(); b++ {
				batch, err := l.loadBatch(l.batchIndices(indices, b))
				select {
				case results <- loadResult{batch, err}:
				case <-ctx.Done():
					return
				}
				if err != nil {
					return
				}
			}
		}()

		// Stop the producer before returning, even on early break
		defer func() {
			cancel()
			<-done
		}()

		for {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			select {
			case r, ok := <-results:
				if !ok {
					return
				}
				if !yield(r.batch, r.err) || r.err != nil {
					return
				}
			case <-ctx.Done():
				yield(nil, ctx.Err())
				return
			}
		}
	}
}

func (l *Loader) batchIndices(indices []int, b int) []int {
	start := b * l.batchSize
	end := min(start+l.batchSize, len(indices))
	return indices[start:end]
}

// loadBatch loads a batch of samples and combines them into batched tensors
func (l *Loader) loadBatch(indices []int) (Batch, error) {
	if len(indices) == 0 {
		return nil, fmt.Errorf("empty batch indices")
	}

	examples := make([]Example, len(indices))
	for i, idx := range indices {
		ex, err := l.dataset.Get(idx)
		if err != nil {
			return nil, fmt.Errorf("failed to load sample %d: %w", idx, err)
		}
		if i > 0 && len(ex) != len(examples[0]) {
			return nil, fmt.Errorf("sample %d has %d tensors, expected %d", idx, len(ex), len(examples[0]))
		}
		examples[i] = ex
	}

	batch := make(Batch, len(examples[0]))
	for pos := range batch {
		items := make([]*tensor.Tensor, len(examples))
		for i, ex := range examples {
			items[i] = ex[pos]
		}
		stacked, err := tensor.Stack(items)
		if err != nil {
			return nil, fmt.Errorf("failed to collate field %d: %w", pos, err)
		}
		batch[pos] = stacked
	}
	return batch, nil
}
