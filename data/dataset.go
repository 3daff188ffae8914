// Package data holds the datasets, samplers and batch loaders the trainer
// iterates, plus the Manager that maps dataset names to their splits.
package data

import (
	"fmt"

	"github.com/tsawler/embedtrain/tensor"
)

// Example is one dataset item: an ordered tuple of per-example tensors.
type Example []*tensor.Tensor

// Batch is an ordered, fixed-arity tuple of batched tensors. Element i holds
// the stacked element i of every example in the batch.
type Batch []*tensor.Tensor

// Size is the number of examples in the batch.
func (b Batch) Size() int {
	if len(b) == 0 {
		return 0
	}
	return b[0].Rows()
}

// Dataset interface defines methods that all datasets must implement
type Dataset interface {
	Len() int                     // Total number of samples
	Get(idx int) (Example, error) // Returns a single sample
}

// SimpleDataset serves pre-built examples from memory.
type SimpleDataset struct {
	examples []Example
}

// NewSimpleDataset creates a dataset over examples. All examples must share arity.
func NewSimpleDataset(examples []Example) (*SimpleDataset, error) {
	for i, ex := range examples {
		if len(ex) != len(examples[0]) {
			return nil, fmt.Errorf("example %d has %d tensors, expected %d", i, len(ex), len(examples[0]))
		}
	}
	return &SimpleDataset{examples: examples}, nil
}

func (d *SimpleDataset) Len() int {
	return len(d.examples)
}

func (d *SimpleDataset) Get(idx int) (Example, error) {
	if idx < 0 || idx >= len(d.examples) {
		return nil, fmt.Errorf("index %d out of range [0, %d)", idx, len(d.examples))
	}
	return d.examples[idx], nil
}

// SubsetDataset wraps a dataset to only expose a subset of samples
type SubsetDataset struct {
	baseDataset Dataset
	indices     []int
}

// NewSubsetDataset creates a new subset dataset
func NewSubsetDataset(baseDataset Dataset, indices []int) *SubsetDataset {
	return &SubsetDataset{
		baseDataset: baseDataset,
		indices:     indices,
	}
}

// Len returns the number of samples in the subset
func (sd *SubsetDataset) Len() int {
	return len(sd.indices)
}

// Get returns a sample from the subset
func (sd *SubsetDataset) Get(idx int) (Example, error) {
	if idx < 0 || idx >= len(sd.indices) {
		return nil, fmt.Errorf("index %d out of range [0, %d)", idx, len(sd.indices))
	}
	return sd.baseDataset.Get(sd.indices[idx])
}

// PairDataset holds sentence pairs with a similarity label. Every sequence is
// padded to the same length; masks mark real tokens with 1.
//
// Get returns the evaluation layout (ids_a, mask_a, ids_b, mask_b, label).
type PairDataset struct {
	IDsA, MaskA [][]int32
	IDsB, MaskB [][]int32
	Labels      []float32
	seqLen      int
}

// NewPairDataset validates the columns and returns the dataset.
func NewPairDataset(idsA, maskA, idsB, maskB [][]int32, labels []float32) (*PairDataset, error) {
	n := len(labels)
	for name, col := range map[string][][]int32{"ids_a": idsA, "mask_a": maskA, "ids_b": idsB, "mask_b": maskB} {
		if len(col) != n {
			return nil, fmt.Errorf("column %s has %d rows, expected %d", name, len(col), n)
		}
	}
	if n == 0 {
		return &PairDataset{}, nil
	}

	seqLen := len(idsA[0])
	if seqLen == 0 {
		return nil, fmt.Errorf("sequences must not be empty")
	}
	for i := 0; i < n; i++ {
		for _, row := range [][]int32{idsA[i], maskA[i], idsB[i], maskB[i]} {
			if len(row) != seqLen {
				return nil, fmt.Errorf("row %d has length %d, expected %d", i, len(row), seqLen)
			}
		}
	}

	return &PairDataset{
		IDsA: idsA, MaskA: maskA,
		IDsB: idsB, MaskB: maskB,
		Labels: labels,
		seqLen: seqLen,
	}, nil
}

func (d *PairDataset) Len() int {
	return len(d.Labels)
}

// SeqLen is the padded sequence length.
func (d *PairDataset) SeqLen() int {
	return d.seqLen
}

func (d *PairDataset) Get(idx int) (Example, error) {
	if idx < 0 || idx >= len(d.Labels) {
		return nil, fmt.Errorf("index %d out of range [0, %d)", idx, len(d.Labels))
	}
	shape := []int{d.seqLen}
	return Example{
		tensor.FromInts(shape, d.IDsA[idx]),
		tensor.FromInts(shape, d.MaskA[idx]),
		tensor.FromInts(shape, d.IDsB[idx]),
		tensor.FromInts(shape, d.MaskB[idx]),
		tensor.FromFloats(nil, []float32{d.Labels[idx]}),
	}, nil
}
