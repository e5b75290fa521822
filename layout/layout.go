// Package layout re-lays-out 2D weights into the order the fused kernels expect.
//
// Graph weights are stored row-major with logical shape [K, N] (K is the contracting dimension).
// The fused fc kernels read the weight as [N, K], so Transform transposes the data once and tags
// the var with ir.LayoutTransposed. The tag is the only thing that distinguishes a transposed
// weight from a row-major one, so Transform refuses to run twice on the same var.
package layout

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/fusepass/ir"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Transpose2D returns a new tensor with the transposed data of the rank-2 tensor t: an input
// shaped [rows, cols] yields [cols, rows]. It works on raw bytes, so any dtype is supported.
//
// It panics (with exceptions.Panicf) if t is not rank-2.
func Transpose2D(t *tensors.Tensor) *tensors.Tensor {
	shape := t.Shape()
	if shape.Rank() != 2 {
		exceptions.Panicf("layout.Transpose2D requires a rank-2 tensor, got shape %s", shape)
	}
	rows, cols := shape.Dimensions[0], shape.Dimensions[1]
	elemSize := int(shape.DType.Size())
	if elemSize <= 0 {
		exceptions.Panicf("layout.Transpose2D doesn't support dtype %s", shape.DType)
	}
	out := tensors.FromShape(shapes.Make(shape.DType, cols, rows))
	t.ConstBytes(func(src []byte) {
		out.MutableBytes(func(dst []byte) {
			for r := range rows {
				srcRow := src[r*cols*elemSize : (r+1)*cols*elemSize]
				for c := range cols {
					dstPos := (c*rows + r) * elemSize
					copy(dst[dstPos:dstPos+elemSize], srcRow[c*elemSize:(c+1)*elemSize])
				}
			}
		})
	})
	return out
}

// Transform transposes the data of the 2D weight v from [K, N] to [N, K] and tags it as
// ir.LayoutTransposed. v.Dims is updated to the new physical shape.
//
// If v is already tagged as transposed it does nothing and returns false.
// It returns an error if v is not a weight with data, and it panics if v is not rank-2: callers
// are expected to have checked the rank before.
func Transform(v *ir.Var) (applied bool, err error) {
	if v.Layout == ir.LayoutTransposed {
		return false, nil
	}
	if v.Layout != ir.LayoutRowMajor {
		return false, errors.Errorf("var %q has unknown layout %s", v.Name, v.Layout)
	}
	if v.Rank() != 2 {
		exceptions.Panicf("layout.Transform(%q): weight must be rank-2, got dims %v", v.Name, v.Dims)
	}
	if !v.Persistable || v.Data == nil {
		return false, errors.Errorf("layout.Transform(%q): only weights with data can be transformed", v.Name)
	}
	if err = v.CheckData(); err != nil {
		return false, errors.WithMessage(err, "layout.Transform")
	}
	v.SetData(Transpose2D(v.Data))
	v.Layout = ir.LayoutTransposed
	return true, nil
}

// LogicalDims returns the logical [K, N] dimensions of the 2D weight v, regardless of its
// layout.
func LogicalDims(v *ir.Var) (k, n int) {
	if v.Rank() != 2 {
		exceptions.Panicf("layout.LogicalDims(%q): weight must be rank-2, got dims %v", v.Name, v.Dims)
	}
	if v.Layout == ir.LayoutTransposed {
		return v.Dims[1], v.Dims[0]
	}
	return v.Dims[0], v.Dims[1]
}
