package ir

import (
	"slices"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// NewWeight creates a persistable var holding the given row-major flat data.
func NewWeight[T interface {
	float32 | float64 | int32 | int64
}](name string, flat []T, dims ...int) (*Var, error) {
	shape := shapes.Make(dtypes.FromGenericsType[T](), dims...)
	if len(flat) != shape.Size() {
		return nil, errors.Errorf("weight %q shaped %s has size %d, but %d values were given", name, shape, shape.Size(), len(flat))
	}
	return &Var{
		Name:        name,
		Dims:        slices.Clone(dims),
		DType:       shape.DType,
		Persistable: true,
		Data:        tensors.FromFlatDataAndDimensions[T](slices.Clone(flat), dims...),
	}, nil
}

// Shape returns the GoMLX shape described by the var's dtype and dims.
// Unknown (negative) dimensions are kept as is, so the shape is only usable for allocation if
// all dimensions are known.
func (v *Var) Shape() shapes.Shape {
	return shapes.Make(v.DType, v.Dims...)
}

// HasKnownDims returns whether all dimensions are known.
func (v *Var) HasKnownDims() bool {
	for _, d := range v.Dims {
		if d < 0 {
			return false
		}
	}
	return true
}

// SetData replaces the var's data, updating its dtype and dims to match.
func (v *Var) SetData(t *tensors.Tensor) {
	v.Data = t
	shape := t.Shape()
	v.DType = shape.DType
	v.Dims = slices.Clone(shape.Dimensions)
}

// CheckData verifies that a persistable var's data agrees with its declared dtype and dims.
func (v *Var) CheckData() error {
	if v.Data == nil {
		if v.Persistable {
			return errors.Errorf("persistable var %q has no data", v.Name)
		}
		return nil
	}
	shape := v.Data.Shape()
	if shape.DType != v.DType {
		return errors.Errorf("var %q declared as %s but its data is %s", v.Name, v.DType, shape.DType)
	}
	if !slices.Equal(shape.Dimensions, v.Dims) {
		return errors.Errorf("var %q declared with dims %v but its data is shaped %s", v.Name, v.Dims, shape)
	}
	return nil
}

// DataBytes returns a copy of the raw (row-major, little-endian) bytes of the var's data,
// or nil if it has none.
func (v *Var) DataBytes() []byte {
	if v.Data == nil {
		return nil
	}
	var out []byte
	v.Data.ConstBytes(func(data []byte) {
		out = slices.Clone(data)
	})
	return out
}

// CloneData returns a copy of the var's data, or nil if it has none. Executors use it so the
// graph keeps sole ownership of its weights.
func (v *Var) CloneData() *tensors.Tensor {
	if v.Data == nil {
		return nil
	}
	c := tensors.FromShape(v.Data.Shape())
	v.Data.ConstBytes(func(src []byte) {
		c.MutableBytes(func(dst []byte) {
			copy(dst, src)
		})
	})
	return c
}

// tensorFromBytes creates a tensor shaped as shape from raw bytes, checking their size.
func tensorFromBytes(name string, shape shapes.Shape, raw []byte) (t *tensors.Tensor, err error) {
	t = tensors.FromShape(shape)
	t.MutableBytes(func(data []byte) {
		if len(data) != len(raw) {
			err = errors.Errorf("tensor %q shaped %s uses %d bytes, but %d bytes of raw-data were given",
				name, shape, len(data), len(raw))
			return
		}
		copy(data, raw)
	})
	if err != nil {
		t.FinalizeAll()
		return nil, err
	}
	return t, nil
}

// readExternalTensor allocates a tensor shaped as shape and fills it directly from the
// external data file.
func readExternalTensor(name string, shape shapes.Shape, info *ExternalData, reader *ExternalDataReader) (t *tensors.Tensor, err error) {
	t = tensors.FromShape(shape)
	t.MutableBytes(func(data []byte) {
		err = reader.ReadInto(info, data)
	})
	if err != nil {
		t.FinalizeAll()
		return nil, errors.WithMessagef(err, "while reading external data of tensor %q", name)
	}
	return t, nil
}
