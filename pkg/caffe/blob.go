package caffe

import (
	"fmt"

	"github.com/pkg/errors"
)

// Blob is a named, shaped block of float storage owned by a Net. Storage is
// reused across reshapes and only grows when the new shape needs more room.
type Blob struct {
	shape []int
	count int
	data  []float32
}

// NewBlob allocates a blob of the given shape.
func NewBlob(shape []int) (*Blob, error) {
	b := &Blob{}
	if err := b.Reshape(shape); err != nil {
		return nil, err
	}
	return b, nil
}

// Reshape changes the blob's dimensions. Existing values are kept in place
// but their layout is not remapped.
func (b *Blob) Reshape(shape []int) error {
	count := 1
	for i, d := range shape {
		if d < 0 {
			return errors.Errorf("blob dimension %d is negative: %v", i, shape)
		}
		if d > 0 && count > maxBlobCount/d {
			return errors.Errorf("blob shape %v is too large", shape)
		}
		count *= d
	}
	b.shape = append(b.shape[:0], shape...)
	b.count = count
	if count > cap(b.data) {
		grown := make([]float32, count)
		copy(grown, b.data)
		b.data = grown
	}
	b.data = b.data[:count]
	return nil
}

const maxBlobCount = int(^uint32(0) >> 1)

// ReshapeLike gives b the shape of other.
func (b *Blob) ReshapeLike(other *Blob) error {
	return b.Reshape(other.shape)
}

// Shape returns a copy of the dimensions.
func (b *Blob) Shape() []int {
	out := make([]int, len(b.shape))
	copy(out, b.shape)
	return out
}

// ShapeAt returns dimension i; negative indices count from the end.
func (b *Blob) ShapeAt(i int) int {
	return b.shape[b.CanonicalAxisIndex(i)]
}

// NumAxes returns the rank.
func (b *Blob) NumAxes() int { return len(b.shape) }

// Count returns the number of elements.
func (b *Blob) Count() int { return b.count }

// CountRange returns the product of dimensions [start, end).
func (b *Blob) CountRange(start, end int) int {
	count := 1
	for i := start; i < end; i++ {
		count *= b.shape[i]
	}
	return count
}

// CountFrom returns the product of dimensions from start to the last axis.
func (b *Blob) CountFrom(start int) int {
	return b.CountRange(start, len(b.shape))
}

// CanonicalAxisIndex maps a possibly negative axis into [0, NumAxes).
// It panics on an out of range axis; layers validate axes during setup.
func (b *Blob) CanonicalAxisIndex(axis int) int {
	n := len(b.shape)
	if axis < -n || axis >= n {
		panic(fmt.Sprintf("axis %d out of range for blob with %d axes", axis, n))
	}
	if axis < 0 {
		return axis + n
	}
	return axis
}

// Channels is the legacy per-sample feature count: dimension 1, or 1 when
// the blob has fewer than two axes.
func (b *Blob) Channels() int {
	if len(b.shape) < 2 {
		return 1
	}
	return b.shape[1]
}

// Num is the legacy leading dimension, or 1 for a scalar blob.
func (b *Blob) Num() int {
	if len(b.shape) < 1 {
		return 1
	}
	return b.shape[0]
}

// CPUData returns the blob's values. Callers must not write to it.
func (b *Blob) CPUData() []float32 { return b.data }

// MutableCPUData returns the blob's values for writing.
func (b *Blob) MutableCPUData() []float32 { return b.data }

// ShapeEquals reports whether the blob matches a serialized blob's shape.
// Legacy 4-D shapes match when they agree after padding the blob's shape
// with leading ones.
func (b *Blob) ShapeEquals(p *BlobProto) bool {
	if p.Shape != nil {
		if len(p.Shape.Dim) != len(b.shape) {
			return false
		}
		for i, d := range p.Shape.Dim {
			if int64(b.shape[i]) != d {
				return false
			}
		}
		return true
	}
	if len(b.shape) > 4 {
		return false
	}
	legacy := [4]int{1, 1, 1, 1}
	copy(legacy[4-len(b.shape):], b.shape)
	return legacy == [4]int{int(p.Num), int(p.Channels), int(p.Height), int(p.Width)}
}

// FromProto copies values out of a serialized blob. The shapes must already
// agree.
func (b *Blob) FromProto(p *BlobProto) error {
	if len(p.Data) != b.count {
		return errors.Errorf("blob holds %d values, serialized blob has %d", b.count, len(p.Data))
	}
	copy(b.data, p.Data)
	return nil
}

// ToProto serializes the blob's shape and values.
func (b *Blob) ToProto() *BlobProto {
	dims := make([]int64, len(b.shape))
	for i, d := range b.shape {
		dims[i] = int64(d)
	}
	data := make([]float32, b.count)
	copy(data, b.data)
	return &BlobProto{Shape: &BlobShape{Dim: dims}, Data: data}
}

// protoShape converts a serialized shape into blob dimensions.
func protoShape(p *BlobProto) []int {
	if p.Shape != nil {
		return shapeOf(p.Shape)
	}
	return []int{int(p.Num), int(p.Channels), int(p.Height), int(p.Width)}
}

func shapeOf(s *BlobShape) []int {
	out := make([]int, len(s.Dim))
	for i, d := range s.Dim {
		out[i] = int(d)
	}
	return out
}
