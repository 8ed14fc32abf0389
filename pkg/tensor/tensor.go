package tensor

import (
	"fmt"

	"github.com/pkg/errors"
)

// Tensor is a dense row-major float32 array with an explicit shape.
// Tensors handed to an inference session are treated as read-only.
type Tensor struct {
	shape []int
	data  []float32
}

// NamedTensor pairs a tensor with the network buffer name it feeds or came from.
type NamedTensor struct {
	Name   string
	Tensor *Tensor
}

// New creates a tensor of the given shape backed by data.
// The data slice is not copied.
func New(shape []int, data []float32) (*Tensor, error) {
	count, err := ElementCount(shape)
	if err != nil {
		return nil, err
	}
	if len(data) != count {
		return nil, errors.Errorf("data length mismatch: got %d elements, expected %d for shape %v", len(data), count, shape)
	}
	return &Tensor{shape: cloneShape(shape), data: data}, nil
}

// Zeros allocates a zero-filled tensor. It panics on a negative dimension.
func Zeros(shape ...int) *Tensor {
	count, err := ElementCount(shape)
	if err != nil {
		panic(err)
	}
	return &Tensor{shape: cloneShape(shape), data: make([]float32, count)}
}

// ElementCount returns the number of elements described by shape.
func ElementCount(shape []int) (int, error) {
	maxInt := int(^uint(0) >> 1)

	count := 1
	for i, dim := range shape {
		if dim < 0 {
			return 0, errors.Errorf("invalid shape dimension at index %d: %d (must be >= 0)", i, dim)
		}
		if dim == 0 {
			count = 0
			continue
		}
		if count == 0 {
			continue
		}
		if count > maxInt/dim {
			return 0, errors.Errorf("shape %v exceeds maximum supported element count", shape)
		}
		count *= dim
	}
	return count, nil
}

// Shape returns a copy of the tensor's shape.
func (t *Tensor) Shape() []int {
	if t == nil {
		return nil
	}
	return cloneShape(t.shape)
}

// Dims returns the rank.
func (t *Tensor) Dims() int {
	if t == nil {
		return 0
	}
	return len(t.shape)
}

// DimSize returns the size of dimension i, or 0 when i is out of range.
func (t *Tensor) DimSize(i int) int {
	if t == nil || i < 0 || i >= len(t.shape) {
		return 0
	}
	return t.shape[i]
}

// NumElements returns the flat element count.
func (t *Tensor) NumElements() int {
	if t == nil {
		return 0
	}
	return len(t.data)
}

// Data returns the flat backing slice. Callers must not modify it.
func (t *Tensor) Data() []float32 {
	if t == nil {
		return nil
	}
	return t.data
}

// rowSize is the element count of one leading-dimension slice.
func (t *Tensor) rowSize() int {
	if len(t.shape) == 0 || t.shape[0] == 0 {
		return 0
	}
	return len(t.data) / t.shape[0]
}

// ConcatRows joins tensors along dimension 0. Every tensor needs rank >= 1 and
// identical trailing dimensions.
func ConcatRows(ts []*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, errors.New("no tensors to concatenate")
	}
	for i, t := range ts {
		if t == nil {
			return nil, errors.Errorf("tensor %d is nil", i)
		}
	}
	first := ts[0]
	if first.Dims() < 1 {
		return nil, errors.New("cannot concatenate scalar tensors")
	}

	rows, total := 0, 0
	for i, t := range ts {
		if !sameTrailing(first.shape, t.shape) {
			return nil, errors.Errorf("tensor %d has shape %v, incompatible with %v", i, t.shape, first.shape)
		}
		rows += t.shape[0]
		total += len(t.data)
	}

	data := make([]float32, 0, total)
	for _, t := range ts {
		data = append(data, t.data...)
	}
	shape := cloneShape(first.shape)
	shape[0] = rows
	return &Tensor{shape: shape, data: data}, nil
}

// SliceRows copies rows [start, end) of the leading dimension into a new tensor.
func (t *Tensor) SliceRows(start, end int) (*Tensor, error) {
	if t.Dims() < 1 {
		return nil, errors.New("cannot slice a scalar tensor")
	}
	if start < 0 || end > t.shape[0] || start > end {
		return nil, errors.Errorf("row range [%d, %d) out of bounds for leading dimension %d", start, end, t.shape[0])
	}
	row := t.rowSize()
	data := make([]float32, (end-start)*row)
	copy(data, t.data[start*row:end*row])

	shape := cloneShape(t.shape)
	shape[0] = end - start
	return &Tensor{shape: shape, data: data}, nil
}

func (t *Tensor) String() string {
	if t == nil {
		return "Tensor(nil)"
	}
	return fmt.Sprintf("Tensor(shape=%v)", t.shape)
}

func sameTrailing(a, b []int) bool {
	if len(a) != len(b) || len(b) == 0 {
		return false
	}
	for i := 1; i < len(a); i++ {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func cloneShape(shape []int) []int {
	if len(shape) == 0 {
		// Keep scalars as a non-nil rank-0 shape.
		return []int{}
	}
	out := make([]int, len(shape))
	copy(out, shape)
	return out
}
