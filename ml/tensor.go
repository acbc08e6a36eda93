package ml

import (
	"fmt"
	"log/slog"
	"slices"
)

// Tensor is a dense, row-major float32 tensor. The first dimension is the
// outermost one, so a tensor of shape [tokens, heads, headDim] stores the
// head vectors of each token contiguously.
type Tensor struct {
	shape []int
	data  []float32
}

func shapeSize(shape []int) int {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return n
}

// NewTensor wraps data without copying it.
func NewTensor(data []float32, shape ...int) (*Tensor, error) {
	for _, s := range shape {
		if s < 0 {
			return nil, fmt.Errorf("negative dimension in shape %v", shape)
		}
	}

	if n := shapeSize(shape); n != len(data) {
		return nil, fmt.Errorf("data length %d does not match shape %v (%d elements)", len(data), shape, n)
	}

	return &Tensor{shape: slices.Clone(shape), data: data}, nil
}

func Zeros(shape ...int) *Tensor {
	return &Tensor{shape: slices.Clone(shape), data: make([]float32, shapeSize(shape))}
}

// Dim returns the size of dimension n, or 1 for dimensions beyond the rank
func (t *Tensor) Dim(n int) int {
	if n >= len(t.shape) {
		return 1
	}
	return t.shape[n]
}

func (t *Tensor) Rank() int {
	return len(t.shape)
}

func (t *Tensor) Shape() []int {
	return slices.Clone(t.shape)
}

func (t *Tensor) Len() int {
	return len(t.data)
}

func (t *Tensor) DType() DType {
	return DTypeF32
}

// Floats returns a copy of the tensor contents
func (t *Tensor) Floats() []float32 {
	return slices.Clone(t.data)
}

// Data returns the backing slice. Writes are visible through the tensor.
func (t *Tensor) Data() []float32 {
	return t.data
}

// Reshape returns a tensor sharing the same data with a new shape.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	return NewTensor(t.data, shape...)
}

// Row returns a view of the i-th element along the first dimension.
func (t *Tensor) Row(i int) []float32 {
	if len(t.shape) == 0 {
		return t.data
	}

	stride := len(t.data) / max(t.shape[0], 1)
	return t.data[i*stride : (i+1)*stride]
}

func (t *Tensor) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Any("shape", t.shape),
		slog.String("dtype", t.DType().String()),
	)
}

func (t *Tensor) String() string {
	return Dump(t)
}
