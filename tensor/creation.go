package tensor

import (
	"fmt"
)

func NewTensor(shape []int, dtype DType, data interface{}) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	tensor := &Tensor{
		Shape:    shape,
		Strides:  calculateStrides(shape),
		DType:    dtype,
		NumElems: calculateNumElements(shape),
	}

	if data != nil {
		if err := tensor.setData(data); err != nil {
			return nil, err
		}
	}

	return tensor, nil
}

func (t *Tensor) setData(data interface{}) error {
	switch t.DType {
	case Float32:
		switch d := data.(type) {
		case []float32:
			if len(d) != t.NumElems {
				return fmt.Errorf("data length %d does not match tensor size %d", len(d), t.NumElems)
			}
			t.Data = d
		case float32:
			slice := make([]float32, t.NumElems)
			for i := range slice {
				slice[i] = d
			}
			t.Data = slice
		default:
			return fmt.Errorf("unsupported data type for Float32 tensor: %T", data)
		}
	case Int32:
		switch d := data.(type) {
		case []int32:
			if len(d) != t.NumElems {
				return fmt.Errorf("data length %d does not match tensor size %d", len(d), t.NumElems)
			}
			t.Data = d
		case int32:
			slice := make([]int32, t.NumElems)
			for i := range slice {
				slice[i] = d
			}
			t.Data = slice
		default:
			return fmt.Errorf("unsupported data type for Int32 tensor: %T", data)
		}
	default:
		return fmt.Errorf("unsupported dtype: %s", t.DType)
	}
	return nil
}

func Zeros(shape []int, dtype DType) (*Tensor, error) {
	switch dtype {
	case Float32:
		return NewTensor(shape, dtype, float32(0))
	case Int32:
		return NewTensor(shape, dtype, int32(0))
	default:
		return nil, fmt.Errorf("unsupported dtype: %s", dtype)
	}
}

// FromFloats builds a Float32 tensor, panicking on a shape/data mismatch.
// Intended for literals in tests and fixtures.
func FromFloats(shape []int, data []float32) *Tensor {
	t, err := NewTensor(shape, Float32, data)
	if err != nil {
		panic(err)
	}
	return t
}

// FromInts builds an Int32 tensor, panicking on a shape/data mismatch.
func FromInts(shape []int, data []int32) *Tensor {
	t, err := NewTensor(shape, Int32, data)
	if err != nil {
		panic(err)
	}
	return t
}
