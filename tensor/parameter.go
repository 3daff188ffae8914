package tensor

import (
	"fmt"
)

// Parameter is a named learnable float32 tensor with an accumulated gradient.
type Parameter struct {
	Name  string
	Shape []int
	Data  []float32
	Grad  []float32
}

// NewParameter allocates a parameter of the given shape. A nil data slice is zero-filled.
func NewParameter(name string, shape []int, data []float32) (*Parameter, error) {
	if err := validateShape(shape); err != nil {
		return nil, fmt.Errorf("parameter %s: %w", name, err)
	}
	n := calculateNumElements(shape)
	if data == nil {
		data = make([]float32, n)
	}
	if len(data) != n {
		return nil, fmt.Errorf("parameter %s: data length %d does not match shape %v", name, len(data), shape)
	}
	return &Parameter{
		Name:  name,
		Shape: append([]int(nil), shape...),
		Data:  data,
		Grad:  make([]float32, n),
	}, nil
}

// Size is the number of elements.
func (p *Parameter) Size() int {
	return len(p.Data)
}

// Clone returns a deep copy with a zeroed gradient.
func (p *Parameter) Clone() *Parameter {
	return &Parameter{
		Name:  p.Name,
		Shape: append([]int(nil), p.Shape...),
		Data:  append([]float32(nil), p.Data...),
		Grad:  make([]float32, len(p.Data)),
	}
}

// ZeroGrad resets gradients to zero for all parameters
func ZeroGrad(params []*Parameter) {
	for _, p := range params {
		clear(p.Grad)
	}
}

// NumElements is the total element count across params.
func NumElements(params []*Parameter) int {
	n := 0
	for _, p := range params {
		n += len(p.Data)
	}
	return n
}

// FlattenGrads concatenates every gradient into one buffer, in parameter order.
func FlattenGrads(params []*Parameter) []float32 {
	return FlattenGradsInto(params, make([]float32, NumElements(params)))
}

// FlattenGradsInto is FlattenGrads writing into dst, which must hold
// exactly NumElements(params) values.
func FlattenGradsInto(params []*Parameter, dst []float32) []float32 {
	offset := 0
	for _, p := range params {
		offset += copy(dst[offset:], p.Grad)
	}
	return dst[:offset]
}

// UnflattenGrads is the inverse of FlattenGrads.
func UnflattenGrads(params []*Parameter, flat []float32) error {
	return unflatten(params, flat, func(p *Parameter) []float32 { return p.Grad })
}

// FlattenData concatenates every parameter value into one buffer, in parameter order.
func FlattenData(params []*Parameter) []float32 {
	out := make([]float32, 0, NumElements(params))
	for _, p := range params {
		out = append(out, p.Data...)
	}
	return out
}

// UnflattenData is the inverse of FlattenData.
func UnflattenData(params []*Parameter, flat []float32) error {
	return unflatten(params, flat, func(p *Parameter) []float32 { return p.Data })
}

func unflatten(params []*Parameter, flat []float32, field func(*Parameter) []float32) error {
	if want := NumElements(params); len(flat) != want {
		return fmt.Errorf("flat buffer has %d elements, parameters need %d", len(flat), want)
	}
	offset := 0
	for _, p := range params {
		dst := field(p)
		copy(dst, flat[offset:offset+len(dst)])
		offset += len(dst)
	}
	return nil
}
