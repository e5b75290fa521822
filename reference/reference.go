// Package reference is a slow, straightforward float32 interpreter for ir.Graph.
//
// It implements the semantics of every operator the passes produce or consume, fused or not,
// and serves as the numeric oracle for the fusion passes and the GoMLX backend.
package reference

import (
	"slices"

	"github.com/chewxy/math32"
	"github.com/gomlx/fusepass/ir"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// value is a materialized float32 tensor.
type value struct {
	dims []int
	data []float32
}

func (v *value) size() int {
	size := 1
	for _, d := range v.dims {
		size *= d
	}
	return size
}

// Execute runs g on the given inputs (keyed by var name) and returns the graph outputs
// (keyed by var name). Only float32 graphs are supported.
func Execute(g *ir.Graph, inputs map[string]*tensors.Tensor) (map[string]*tensors.Tensor, error) {
	values := make(map[*ir.Var]*value)
	for _, v := range g.Inputs() {
		t, found := inputs[v.Name]
		if !found {
			return nil, errors.Errorf("missing value for graph input %q", v.Name)
		}
		val, err := fromTensor(v.Name, t)
		if err != nil {
			return nil, err
		}
		values[v] = val
	}
	for _, v := range g.Vars() {
		if v.Data == nil {
			continue
		}
		val, err := fromTensor(v.Name, v.Data)
		if err != nil {
			return nil, err
		}
		values[v] = val
	}

	ops, err := g.SortedOps()
	if err != nil {
		return nil, err
	}
	for _, op := range ops {
		args := make(map[string]*value, len(op.Inputs))
		for _, s := range op.Inputs {
			val, found := values[s.Var]
			if !found {
				return nil, errors.Errorf("op %q reads %q, which has no value", op.Name, s.Var.Name)
			}
			args[s.Name] = val
		}
		out, err := execOp(op, args)
		if err != nil {
			return nil, errors.WithMessagef(err, "reference: while executing op %v", op)
		}
		values[op.Outputs[0].Var] = out
	}

	results := make(map[string]*tensors.Tensor, len(g.Outputs()))
	for _, v := range g.Outputs() {
		val, found := values[v]
		if !found {
			return nil, errors.Errorf("graph output %q was never computed", v.Name)
		}
		results[v.Name] = tensors.FromFlatDataAndDimensions(val.data, val.dims...)
	}
	return results, nil
}

func fromTensor(name string, t *tensors.Tensor) (*value, error) {
	if t.DType() != dtypes.Float32 {
		return nil, errors.Errorf("reference only supports float32, %q is %s", name, t.DType())
	}
	return &value{
		dims: slices.Clone(t.Shape().Dimensions),
		data: tensors.MustCopyFlatData[float32](t),
	}, nil
}

func execOp(op *ir.Op, args map[string]*value) (*value, error) {
	switch op.Type {
	case ir.OpMatMul:
		return matMul(args["X"], args["Y"],
			op.BoolAttrOr(ir.AttrTransposeX, false),
			op.BoolAttrOr(ir.AttrTransposeY, false),
			float32(op.FloatAttrOr(ir.AttrAlpha, 1.0)))
	case ir.OpElementwiseAdd:
		return add(args["X"], args["Y"], op.IntAttrOr(ir.AttrAxis, -1))
	case ir.OpActivation:
		return activation(op.StringAttrOr(ir.AttrKind, ""), args["X"])
	case ir.OpFC:
		return fc(op, args)
	}
	return nil, errors.Errorf("unsupported op type %q", op.Type)
}

// toMatrix views v as a [rows, dims[-1]] matrix, flattening the leading axes.
func toMatrix(v *value) *mat.Dense {
	cols := v.dims[len(v.dims)-1]
	rows := v.size() / cols
	data := make([]float64, len(v.data))
	for ii, f := range v.data {
		data[ii] = float64(f)
	}
	return mat.NewDense(rows, cols, data)
}

func fromMatrix(m *mat.Dense, dims []int) *value {
	raw := m.RawMatrix()
	out := &value{dims: dims, data: make([]float32, raw.Rows*raw.Cols)}
	for r := range raw.Rows {
		for c := range raw.Cols {
			out.data[r*raw.Cols+c] = float32(raw.Data[r*raw.Stride+c])
		}
	}
	return out
}

// matMul multiplies x [..., K] by the 2D y [K, N]. Transposes are only supported for rank-2 x.
func matMul(x, y *value, transposeX, transposeY bool, alpha float32) (*value, error) {
	if x == nil || y == nil {
		return nil, errors.New("matmul requires inputs X and Y")
	}
	if len(y.dims) != 2 || len(x.dims) < 1 {
		return nil, errors.Errorf("matmul of %v by %v not supported", x.dims, y.dims)
	}
	if transposeX && len(x.dims) != 2 {
		return nil, errors.Errorf("matmul with transpose_x requires a rank-2 X, got %v", x.dims)
	}
	var xm, ym mat.Matrix = toMatrix(x), toMatrix(y)
	if transposeX {
		xm = xm.T()
	}
	if transposeY {
		ym = ym.T()
	}
	return product(xm, ym, x.dims, alpha)
}

// product computes alpha * (lhs · rhs). The output keeps the leading dims of lhsDims, with the
// last one replaced by the number of columns of rhs.
func product(lhs, rhs mat.Matrix, lhsDims []int, alpha float32) (*value, error) {
	lhsRows, k := lhs.Dims()
	rhsK, n := rhs.Dims()
	if k != rhsK {
		return nil, errors.Errorf("matmul contracting dimensions don't match: [%d, %d] · [%d, %d]", lhsRows, k, rhsK, n)
	}
	var out mat.Dense
	out.Mul(lhs, rhs)
	if alpha != 1 {
		out.Scale(float64(alpha), &out)
	}
	dims := slices.Clone(lhsDims)
	if len(dims) == 2 {
		dims[0] = lhsRows
	}
	dims[len(dims)-1] = n
	return fromMatrix(&out, dims), nil
}

// add computes x + y, broadcasting the smaller operand. y's axes are aligned with x's starting
// at axis (-1 aligns the trailing axes).
func add(x, y *value, axis int) (*value, error) {
	if x == nil || y == nil {
		return nil, errors.New("elementwise_add requires inputs X and Y")
	}
	if len(x.dims) < len(y.dims) {
		x, y = y, x
		axis = -1
	}
	if axis < 0 {
		axis = len(x.dims) - len(y.dims)
	}
	if axis+len(y.dims) > len(x.dims) {
		return nil, errors.Errorf("can't add %v to %v at axis %d", y.dims, x.dims, axis)
	}
	for ii, d := range y.dims {
		if d != 1 && d != x.dims[axis+ii] {
			return nil, errors.Errorf("can't broadcast %v to %v at axis %d", y.dims, x.dims, axis)
		}
	}

	out := &value{dims: slices.Clone(x.dims), data: make([]float32, len(x.data))}
	xIdx := make([]int, len(x.dims))
	for flat := range x.data {
		yFlat := 0
		for ii, d := range y.dims {
			yFlat *= d
			if d != 1 {
				yFlat += xIdx[axis+ii]
			}
		}
		out.data[flat] = x.data[flat] + y.data[yFlat]

		// Increment the multi-dimensional index.
		for ii := len(xIdx) - 1; ii >= 0; ii-- {
			xIdx[ii]++
			if xIdx[ii] < x.dims[ii] {
				break
			}
			xIdx[ii] = 0
		}
	}
	return out, nil
}

// activationFns maps activation kinds to their float32 implementations.
var activationFns = map[string]func(float32) float32{
	"relu": func(x float32) float32 { return math32.Max(x, 0) },
	"gelu": func(x float32) float32 {
		return 0.5 * x * (1 + math32.Erf(x/math32.Sqrt2))
	},
	"tanh":    math32.Tanh,
	"sigmoid": func(x float32) float32 { return 1 / (1 + math32.Exp(-x)) },
}

func activation(kind string, x *value) (*value, error) {
	if x == nil {
		return nil, errors.New("activation requires input X")
	}
	fn, found := activationFns[kind]
	if !found {
		return nil, errors.Errorf("unknown activation kind %q", kind)
	}
	out := &value{dims: slices.Clone(x.dims), data: make([]float32, len(x.data))}
	for ii, f := range x.data {
		out.data[ii] = fn(f)
	}
	return out, nil
}

// fc computes act(Input · W + Bias [+ ResidualData]), reading W as [N, K] if it is tagged as
// transposed.
func fc(op *ir.Op, args map[string]*value) (*value, error) {
	x, w, bias := args[ir.FCInput], args[ir.FCWeight], args[ir.FCBias]
	if x == nil || w == nil || bias == nil {
		return nil, errors.Errorf("fc requires inputs %s, %s and %s", ir.FCInput, ir.FCWeight, ir.FCBias)
	}
	if len(w.dims) != 2 {
		return nil, errors.Errorf("fc weight must be rank-2, got %v", w.dims)
	}
	var wm mat.Matrix = toMatrix(w)
	if op.BoolAttrOr(ir.AttrWeightTransposed, false) {
		wm = wm.T()
	}
	out, err := product(toMatrix(x), wm, x.dims, 1)
	if err != nil {
		return nil, err
	}
	if out, err = add(out, bias, -1); err != nil {
		return nil, err
	}
	if residual := args[ir.FCResidualData]; residual != nil {
		if out, err = add(out, residual, -1); err != nil {
			return nil, err
		}
	}
	if kind := op.StringAttrOr(ir.AttrActivationType, ""); kind != "" {
		return activation(kind, out)
	}
	return out, nil
}
