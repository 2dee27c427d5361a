package batch

import "fmt"

// Tensor is a dense row-major float32 array. The first dimension is the row
// (sample) dimension that all tensors in a Batch are aligned on. Tensor is a
// boundary type: engines move data in and out through it, but all numeric
// computation on it belongs to the backend's runtime.
type Tensor struct {
	Shape []int
	Data  []float32
}

// NewTensor creates a tensor with the given shape, validating that the shape
// is non-empty, has no negative dimensions, and matches len(data).
func NewTensor(shape []int, data []float32) (*Tensor, error) {
	if len(shape) == 0 {
		return nil, fmt.Errorf("tensor shape is empty")
	}
	n := 1
	for _, d := range shape {
		if d < 0 {
			return nil, fmt.Errorf("tensor shape %v has negative dimension", shape)
		}
		n *= d
	}
	if n != len(data) {
		return nil, fmt.Errorf("tensor shape %v needs %d values, got %d", shape, n, len(data))
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: append([]float32(nil), data...)}, nil
}

// Rows returns the size of the first (row) dimension.
func (t *Tensor) Rows() int {
	return t.Shape[0]
}

// RowSize returns the number of values per row, the product of all
// dimensions after the first.
func (t *Tensor) RowSize() int {
	n := 1
	for _, d := range t.Shape[1:] {
		n *= d
	}
	return n
}

// Row returns the values of row i as a copy.
func (t *Tensor) Row(i int) []float32 {
	rs := t.RowSize()
	return append([]float32(nil), t.Data[i*rs:(i+1)*rs]...)
}

// Clone returns an independently owned deep copy.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		Shape: append([]int(nil), t.Shape...),
		Data:  append([]float32(nil), t.Data...),
	}
}

// Equal reports whether two tensors have identical shape and values.
func (t *Tensor) Equal(o *Tensor) bool {
	if o == nil || len(t.Shape) != len(o.Shape) || len(t.Data) != len(o.Data) {
		return false
	}
	for i, d := range t.Shape {
		if o.Shape[i] != d {
			return false
		}
	}
	for i, v := range t.Data {
		if o.Data[i] != v {
			return false
		}
	}
	return true
}

// slice returns rows [i, j) as a deep copy.
func (t *Tensor) slice(i, j int) *Tensor {
	rs := t.RowSize()
	shape := append([]int(nil), t.Shape...)
	shape[0] = j - i
	return &Tensor{
		Shape: shape,
		Data:  append([]float32(nil), t.Data[i*rs:j*rs]...),
	}
}

// ConcatTensors concatenates tensors along the row dimension. All inputs must
// share the trailing dimensions. The result is independently owned.
func ConcatTensors(ts []*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, fmt.Errorf("concat of zero tensors")
	}
	first := ts[0]
	rows := 0
	for i, t := range ts {
		if len(t.Shape) != len(first.Shape) {
			return nil, fmt.Errorf("concat: tensor %d has rank %d, want %d", i, len(t.Shape), len(first.Shape))
		}
		for d := 1; d < len(first.Shape); d++ {
			if t.Shape[d] != first.Shape[d] {
				return nil, fmt.Errorf("concat: tensor %d has shape %v, want trailing dims of %v", i, t.Shape, first.Shape)
			}
		}
		rows += t.Rows()
	}
	shape := append([]int(nil), first.Shape...)
	shape[0] = rows
	data := make([]float32, 0, rows*first.RowSize())
	for _, t := range ts {
		data = append(data, t.Data...)
	}
	return &Tensor{Shape: shape, Data: data}, nil
}
