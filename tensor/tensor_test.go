package tensor

import (
	"testing"
)

func TestNewTensor(t *testing.T) {
	tests := []struct {
		name    string
		shape   []int
		dtype   DType
		data    interface{}
		wantErr bool
	}{
		{"float matrix", []int{2, 3}, Float32, []float32{1, 2, 3, 4, 5, 6}, false},
		{"int vector", []int{4}, Int32, []int32{1, 2, 3, 4}, false},
		{"scalar", []int{}, Float32, []float32{0.5}, false},
		{"fill value", []int{3}, Int32, int32(7), false},
		{"length mismatch", []int{2, 2}, Float32, []float32{1, 2, 3}, true},
		{"wrong payload type", []int{2}, Float32, []int32{1, 2}, true},
		{"zero dimension", []int{0, 2}, Float32, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTensor(tt.shape, tt.dtype, tt.data)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewTensor() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestStackAndRow(t *testing.T) {
	a := FromInts([]int{3}, []int32{1, 2, 3})
	b := FromInts([]int{3}, []int32{4, 5, 6})

	batch, err := Stack([]*Tensor{a, b})
	if err != nil {
		t.Fatalf("Stack failed: %v", err)
	}
	if batch.Rows() != 2 || batch.RowSize() != 3 {
		t.Fatalf("expected 2x3 batch, got %v", batch.Shape)
	}
	want := []int32{1, 2, 3, 4, 5, 6}
	for i, v := range batch.Ints() {
		if v != want[i] {
			t.Errorf("element %d: expected %d, got %d", i, want[i], v)
		}
	}

	row, err := batch.Row(1)
	if err != nil {
		t.Fatalf("Row failed: %v", err)
	}
	if row.Ints()[0] != 4 {
		t.Errorf("expected row to start with 4, got %d", row.Ints()[0])
	}

	if _, err := batch.Row(2); err == nil {
		t.Error("expected out of range error")
	}
}

func TestStackScalars(t *testing.T) {
	labels := []*Tensor{FromFloats(nil, []float32{0.25}), FromFloats(nil, []float32{0.75})}
	batch, err := Stack(labels)
	if err != nil {
		t.Fatalf("Stack failed: %v", err)
	}
	if len(batch.Shape) != 1 || batch.Shape[0] != 2 {
		t.Fatalf("expected shape [2], got %v", batch.Shape)
	}
}

func TestStackRejectsMismatch(t *testing.T) {
	a := FromFloats([]int{2}, []float32{1, 2})
	b := FromFloats([]int{3}, []float32{1, 2, 3})
	if _, err := Stack([]*Tensor{a, b}); err == nil {
		t.Fatal("expected shape mismatch error")
	}
	c := FromInts([]int{2}, []int32{1, 2})
	if _, err := Stack([]*Tensor{a, c}); err == nil {
		t.Fatal("expected dtype mismatch error")
	}
}

func TestFlattenRoundTrip(t *testing.T) {
	p1, _ := NewParameter("w", []int{2, 2}, []float32{1, 2, 3, 4})
	p2, _ := NewParameter("b", []int{2}, []float32{5, 6})
	params := []*Parameter{p1, p2}

	copy(p1.Grad, []float32{0.1, 0.2, 0.3, 0.4})
	copy(p2.Grad, []float32{0.5, 0.6})

	flat := FlattenGrads(params)
	if len(flat) != 6 {
		t.Fatalf("expected 6 elements, got %d", len(flat))
	}
	ZeroGrad(params)
	if p1.Grad[0] != 0 || p2.Grad[1] != 0 {
		t.Fatal("ZeroGrad did not clear gradients")
	}
	if err := UnflattenGrads(params, flat); err != nil {
		t.Fatalf("UnflattenGrads failed: %v", err)
	}
	if p2.Grad[1] != 0.6 {
		t.Errorf("expected 0.6, got %f", p2.Grad[1])
	}

	if err := UnflattenData(params, []float32{1}); err == nil {
		t.Error("expected size mismatch error")
	}
}

func TestParameterClone(t *testing.T) {
	p, _ := NewParameter("w", []int{2}, []float32{1, 2})
	p.Grad[0] = 3
	c := p.Clone()
	c.Data[0] = 9
	if p.Data[0] != 1 {
		t.Error("clone shares data with the original")
	}
	if c.Grad[0] != 0 {
		t.Error("clone should start with a zero gradient")
	}
}
