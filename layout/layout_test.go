package layout

import (
	"testing"

	"github.com/gomlx/fusepass/ir"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTranspose2D(t *testing.T) {
	// [2, 3] -> [3, 2]
	in := tensors.FromFlatDataAndDimensions([]float32{
		1, 2, 3,
		4, 5, 6}, 2, 3)
	out := Transpose2D(in)
	assert.Equal(t, []int{3, 2}, out.Shape().Dimensions)
	assert.Equal(t, []float32{
		1, 4,
		2, 5,
		3, 6}, tensors.MustCopyFlatData[float32](out))

	// Twice is the identity on data and dims.
	back := Transpose2D(out)
	assert.Equal(t, []int{2, 3}, back.Shape().Dimensions)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, tensors.MustCopyFlatData[float32](back))

	// Works on any dtype size.
	in64 := tensors.FromFlatDataAndDimensions([]int64{1, 2, 3, 4, 5, 6}, 3, 2)
	assert.Equal(t, []int64{1, 3, 5, 2, 4, 6}, tensors.MustCopyFlatData[int64](Transpose2D(in64)))

	// Degenerate dims.
	row := tensors.FromFlatDataAndDimensions([]float64{7, 8, 9}, 1, 3)
	col := Transpose2D(row)
	assert.Equal(t, []int{3, 1}, col.Shape().Dimensions)
	assert.Equal(t, []float64{7, 8, 9}, tensors.MustCopyFlatData[float64](col))

	assert.Panics(t, func() { Transpose2D(tensors.FromFlatDataAndDimensions([]float32{1, 2}, 2)) })
	assert.Panics(t, func() { Transpose2D(tensors.FromFlatDataAndDimensions(make([]float32, 8), 2, 2, 2)) })
}

func TestTransform(t *testing.T) {
	w := must.M1(ir.NewWeight("w", []float32{1, 2, 3, 4, 5, 6}, 2, 3))
	k, n := LogicalDims(w)
	assert.Equal(t, 2, k)
	assert.Equal(t, 3, n)

	applied, err := Transform(w)
	require.NoError(t, err)
	require.True(t, applied)
	assert.Equal(t, ir.LayoutTransposed, w.Layout)
	assert.Equal(t, []int{3, 2}, w.Dims)
	require.NoError(t, w.CheckData())
	want := []float32{1, 4, 2, 5, 3, 6}
	assert.Equal(t, want, tensors.MustCopyFlatData[float32](w.Data))

	// Logical dims are unchanged.
	k, n = LogicalDims(w)
	assert.Equal(t, 2, k)
	assert.Equal(t, 3, n)

	// Second call is a no-op.
	applied, err = Transform(w)
	require.NoError(t, err)
	require.False(t, applied)
	assert.Equal(t, []int{3, 2}, w.Dims)
	assert.Equal(t, want, tensors.MustCopyFlatData[float32](w.Data))
}

func TestTransformErrors(t *testing.T) {
	// Contract violation: wrong rank.
	w1 := must.M1(ir.NewWeight("w1", []float32{1, 2, 3}, 3))
	assert.Panics(t, func() { _, _ = Transform(w1) })
	w3 := must.M1(ir.NewWeight("w3", make([]float32, 8), 2, 2, 2))
	assert.Panics(t, func() { _, _ = Transform(w3) })
	assert.Panics(t, func() { LogicalDims(w3) })

	// Not a weight.
	x := ir.NewVar("x", w1.DType, 2, 2)
	_, err := Transform(x)
	require.Error(t, err)

	// Dims out of sync with data.
	w := must.M1(ir.NewWeight("w", []float32{1, 2, 3, 4, 5, 6}, 2, 3))
	w.Dims = []int{3, 2}
	_, err = Transform(w)
	require.Error(t, err)
	assert.Equal(t, ir.LayoutRowMajor, w.Layout)
}
