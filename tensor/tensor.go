package tensor

import (
	"fmt"
)

type DType int

const (
	Float32 DType = iota
	Int32
)

func (d DType) String() string {
	switch d {
	case Float32:
		return "Float32"
	case Int32:
		return "Int32"
	default:
		return "Unknown"
	}
}

// Tensor is a dense row-major array living in host memory.
// Data holds a []float32 for Float32 tensors and a []int32 for Int32 tensors.
type Tensor struct {
	Shape    []int
	Strides  []int
	DType    DType
	Data     interface{}
	NumElems int
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, dtype=%s, elements=%d)", t.Shape, t.DType, t.NumElems)
}

// Floats returns the float32 payload, or nil for non-float tensors.
func (t *Tensor) Floats() []float32 {
	d, _ := t.Data.([]float32)
	return d
}

// Ints returns the int32 payload, or nil for non-integer tensors.
func (t *Tensor) Ints() []int32 {
	d, _ := t.Data.([]int32)
	return d
}

// Rows is the size of the leading axis. Scalars have one row.
func (t *Tensor) Rows() int {
	if len(t.Shape) == 0 {
		return 1
	}
	return t.Shape[0]
}

// RowSize is the number of elements in one slice along the leading axis.
func (t *Tensor) RowSize() int {
	if len(t.Shape) == 0 {
		return 1
	}
	return calculateNumElements(t.Shape[1:])
}

// Row returns a copy of row i as a tensor with the leading axis removed.
func (t *Tensor) Row(i int) (*Tensor, error) {
	if i < 0 || i >= t.Rows() {
		return nil, fmt.Errorf("row %d out of range [0, %d)", i, t.Rows())
	}
	n := t.RowSize()
	var shape []int
	if len(t.Shape) > 0 {
		shape = append([]int(nil), t.Shape[1:]...)
	}
	switch t.DType {
	case Float32:
		return NewTensor(shape, Float32, append([]float32(nil), t.Floats()[i*n:(i+1)*n]...))
	case Int32:
		return NewTensor(shape, Int32, append([]int32(nil), t.Ints()[i*n:(i+1)*n]...))
	default:
		return nil, fmt.Errorf("unsupported dtype: %s", t.DType)
	}
}

// Stack joins same-shaped tensors along a new leading axis.
func Stack(items []*Tensor) (*Tensor, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("cannot stack zero tensors")
	}
	first := items[0]
	shape := append([]int{len(items)}, first.Shape...)
	out, err := Zeros(shape, first.DType)
	if err != nil {
		return nil, err
	}
	for i, item := range items {
		if err := out.copyInto(item, i); err != nil {
			return nil, fmt.Errorf("stack item %d: %w", i, err)
		}
	}
	return out, nil
}

// copyInto copies a sample tensor into a specific position along the leading axis
func (t *Tensor) copyInto(sample *Tensor, index int) error {
	if t.DType != sample.DType {
		return fmt.Errorf("dtype mismatch: batch %s, sample %s", t.DType, sample.DType)
	}
	if !shapesEqual(t.Shape[1:], sample.Shape) {
		return fmt.Errorf("shape mismatch: batch row %v, sample %v", t.Shape[1:], sample.Shape)
	}

	size := sample.NumElems
	offset := index * size

	switch t.DType {
	case Float32:
		copy(t.Floats()[offset:offset+size], sample.Floats())
	case Int32:
		copy(t.Ints()[offset:offset+size], sample.Ints())
	default:
		return fmt.Errorf("unsupported dtype for batch copying: %s", t.DType)
	}
	return nil
}

func calculateStrides(shape []int) []int {
	if len(shape) == 0 {
		return []int{}
	}

	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func calculateNumElements(shape []int) int {
	elements := 1
	for _, dim := range shape {
		elements *= dim
	}
	return elements
}

func validateShape(shape []int) error {
	for i, dim := range shape {
		if dim <= 0 {
			return fmt.Errorf("invalid shape: dimension %d has size %d, must be positive", i, dim)
		}
	}
	return nil
}

func shapesEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
