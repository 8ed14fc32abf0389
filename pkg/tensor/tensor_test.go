package tensor

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestElementCount(t *testing.T) {
	tests := []struct {
		name      string
		shape     []int
		wantCount int
		wantErr   string
	}{
		{name: "scalar shape", shape: []int{}, wantCount: 1},
		{name: "standard shape", shape: []int{2, 3, 4}, wantCount: 24},
		{name: "zero dimension", shape: []int{2, 0, 4}, wantCount: 0},
		{name: "negative dimension", shape: []int{2, -1}, wantErr: "must be >= 0"},
		{name: "overflow", shape: []int{int(^uint(0) >> 1), 2}, wantErr: "exceeds maximum"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ElementCount(tt.shape)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantCount, got)
		})
	}
}

func TestNewValidatesDataLength(t *testing.T) {
	_, err := New([]int{2, 3}, make([]float32, 5))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "data length mismatch")

	tt, err := New([]int{2, 3}, make([]float32, 6))
	require.NoError(t, err)
	assert.Equal(t, 2, tt.Dims())
	assert.Equal(t, 2, tt.DimSize(0))
	assert.Equal(t, 3, tt.DimSize(1))
	assert.Equal(t, 0, tt.DimSize(2))
	assert.Equal(t, 6, tt.NumElements())
}

func TestShapeIsCopied(t *testing.T) {
	shape := []int{2, 2}
	tt, err := New(shape, make([]float32, 4))
	require.NoError(t, err)

	shape[0] = 9
	assert.Empty(t, cmp.Diff([]int{2, 2}, tt.Shape()))

	got := tt.Shape()
	got[1] = 7
	assert.Empty(t, cmp.Diff([]int{2, 2}, tt.Shape()))
}

func TestConcatAndSliceRows(t *testing.T) {
	a, err := New([]int{1, 3}, []float32{1, 2, 3})
	require.NoError(t, err)
	b, err := New([]int{2, 3}, []float32{4, 5, 6, 7, 8, 9})
	require.NoError(t, err)

	joined, err := ConcatRows([]*Tensor{a, b})
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff([]int{3, 3}, joined.Shape()))
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6, 7, 8, 9}, joined.Data())

	tail, err := joined.SliceRows(1, 3)
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff([]int{2, 3}, tail.Shape()))
	assert.Equal(t, b.Data(), tail.Data())

	_, err = joined.SliceRows(2, 4)
	require.Error(t, err)
}

func TestConcatRowsRejectsMismatchedTrailingDims(t *testing.T) {
	a := Zeros(1, 3)
	b := Zeros(1, 4)
	_, err := ConcatRows([]*Tensor{a, b})
	require.Error(t, err)

	_, err = ConcatRows(nil)
	require.Error(t, err)

	_, err = ConcatRows([]*Tensor{Zeros()})
	require.Error(t, err)
}

func TestConcatRowsRejectsNilTensors(t *testing.T) {
	_, err := ConcatRows([]*Tensor{Zeros(1, 3), nil})
	require.ErrorContains(t, err, "tensor 1 is nil")

	_, err = ConcatRows([]*Tensor{nil, Zeros(1, 3)})
	require.ErrorContains(t, err, "tensor 0 is nil")
}
