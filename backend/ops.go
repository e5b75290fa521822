package backend

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/fusepass/ir"
	. "github.com/gomlx/gomlx/pkg/core/graph" //nolint
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/nn"
)

// activationTypes maps the graph activation kinds to GoMLX activations.
var activationTypes = map[string]activations.Type{
	"relu":    activations.TypeRelu,
	"gelu":    activations.TypeGelu,
	"tanh":    activations.TypeTanh,
	"sigmoid": activations.TypeSigmoid,
}

// activationType converts kind, with "" meaning no activation.
func activationType(kind string) activations.Type {
	if kind == "" {
		return activations.TypeNone
	}
	act, found := activationTypes[kind]
	if !found {
		exceptions.Panicf("unsupported activation kind %q", kind)
	}
	return act
}

// convertOp converts op and stores the node of its output in converted.
func convertOp(gg *Graph, op *ir.Op, converted map[*ir.Var]*Node) {
	args := make(map[string]*Node, len(op.Inputs))
	for _, s := range op.Inputs {
		node, found := converted[s.Var]
		if !found {
			exceptions.Panicf("input %q (%s) of op %q has not been computed", s.Name, s.Var.Name, op.Name)
		}
		args[s.Name] = node
	}
	var result *Node
	switch op.Type {
	case ir.OpMatMul:
		result = convertMatMul(op, args["X"], args["Y"])
	case ir.OpElementwiseAdd:
		result = convertElementwiseAdd(args["X"], args["Y"], op.IntAttrOr(ir.AttrAxis, -1))
	case ir.OpActivation:
		result = activations.Apply(activationType(op.StringAttrOr(ir.AttrKind, "")), args["X"])
	case ir.OpFC:
		result = convertFC(op, args)
	default:
		exceptions.Panicf("unsupported op type %q", op.Type)
	}
	if len(op.Outputs) != 1 {
		exceptions.Panicf("op %q has %d outputs, expected 1", op.Name, len(op.Outputs))
	}
	converted[op.Outputs[0].Var] = result
}

// convertMatMul multiplies x [..., K] by the 2D y [K, N].
func convertMatMul(op *ir.Op, x, y *Node) *Node {
	if x == nil || y == nil {
		exceptions.Panicf("matmul requires inputs X and Y")
	}
	if y.Rank() != 2 {
		exceptions.Panicf("matmul Y must be rank-2, got %s", y.Shape())
	}
	xContract := x.Rank() - 1
	if op.BoolAttrOr(ir.AttrTransposeX, false) {
		if x.Rank() != 2 {
			exceptions.Panicf("matmul with transpose_x requires a rank-2 X, got %s", x.Shape())
		}
		xContract = 0
	}
	yContract := 0
	if op.BoolAttrOr(ir.AttrTransposeY, false) {
		yContract = 1
	}
	result := DotGeneral(x, []int{xContract}, nil, y, []int{yContract}, nil)
	if alpha := op.FloatAttrOr(ir.AttrAlpha, 1.0); alpha != 1.0 {
		result = MulScalar(result, alpha)
	}
	return result
}

// convertElementwiseAdd adds x and y, aligning y's axes with x's starting at axis (-1 aligns
// the trailing axes). The lower ranked operand is reshaped to x's rank, so it broadcasts over
// the dimensions it doesn't have.
func convertElementwiseAdd(x, y *Node, axis int) *Node {
	if x == nil || y == nil {
		exceptions.Panicf("elementwise_add requires inputs X and Y")
	}
	if x.Rank() < y.Rank() {
		x, y = y, x
		axis = -1
	}
	if x.Rank() == y.Rank() {
		return Add(x, y)
	}
	if axis < 0 {
		axis = x.Rank() - y.Rank()
	}
	if axis+y.Rank() > x.Rank() {
		exceptions.Panicf("can't add %s to %s at axis %d", y.Shape(), x.Shape(), axis)
	}
	dims := make([]int, x.Rank())
	for ii := range dims {
		dims[ii] = 1
	}
	copy(dims[axis:], y.Shape().Dimensions)
	return Add(x, Reshape(y, dims...))
}

// convertFC converts the fused fully-connected op: act(Input · W + Bias [+ ResidualData]).
//
// Without residual it maps to nn.Dense, which uses the backend's fused implementation when
// available.
func convertFC(op *ir.Op, args map[string]*Node) *Node {
	x, w, bias := args[ir.FCInput], args[ir.FCWeight], args[ir.FCBias]
	if x == nil || w == nil || bias == nil {
		exceptions.Panicf("fc requires inputs %s, %s and %s", ir.FCInput, ir.FCWeight, ir.FCBias)
	}
	if w.Rank() != 2 {
		exceptions.Panicf("fc weight must be rank-2, got %s", w.Shape())
	}
	if op.BoolAttrOr(ir.AttrWeightTransposed, false) {
		// Stored as [N, K].
		w = Transpose(w, 0, 1)
	}
	act := activationType(op.StringAttrOr(ir.AttrActivationType, ""))
	residual := args[ir.FCResidualData]
	if residual == nil {
		return nn.Dense(x, w, bias, act)
	}
	result := Add(nn.Dense(x, w, bias), residual)
	if act != activations.TypeNone {
		result = activations.Apply(act, result)
	}
	return result
}
