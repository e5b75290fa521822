package fusion

import (
	"fmt"
	"runtime"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/fusepass/ir"
	"github.com/gomlx/fusepass/layout"
	"github.com/gomlx/fusepass/pattern"
	"github.com/pkg/errors"
)

// fcRewrite is a validated match, with everything needed to build the fused op.
type fcRewrite struct {
	variant FCVariant

	x, w, bias, residual, out *ir.Var
	activation                string

	// ops of the match in pattern order (matmul first), and the intermediate vars to delete.
	ops           []*ir.Op
	intermediates []*ir.Var
}

// rejection describes why a match was left unfused.
type rejection struct {
	reason string
}

func reject(format string, args ...any) *rejection {
	return &rejection{reason: fmt.Sprintf(format, args...)}
}

// validateFC checks the semantic preconditions the pattern can't express. It returns either a
// rewrite plan or the reason the match is rejected. It never modifies the graph.
func validateFC(variant FCVariant, m pattern.Match, fuseResidual bool) (plan *fcRewrite, rej *rejection) {
	// Malformed attributes (wrong types) panic in the ir accessors: that is a rejection too.
	// Runtime errors are bugs in the validation itself, and are re-raised.
	err := exceptions.TryCatch[error](func() {
		plan, rej = validateFCImpl(variant, m, fuseResidual)
	})
	if err != nil {
		var runtimeErr runtime.Error
		if errors.As(err, &runtimeErr) {
			panic(err)
		}
		return nil, reject("invalid attributes: %v", err)
	}
	return
}

func validateFCImpl(variant FCVariant, m pattern.Match, fuseResidual bool) (*fcRewrite, *rejection) {
	if variant.HasResidual() && !fuseResidual {
		return nil, reject("residual connection fusion is disabled")
	}
	r := &fcRewrite{
		variant:       variant,
		x:             m.Var(nodeX),
		w:             m.Var(nodeW),
		bias:          m.Var(nodeBias),
		residual:      m.Var(nodeResidual),
		out:           m.Var(outNodeID(variant)),
		ops:           m.Ops(),
		intermediates: m.VarsWithRole(pattern.RoleIntermediate),
	}

	// Weight: rank-2 [K, N] (or [N, K] if already transposed by an earlier run).
	w := r.w
	if w.Rank() != 2 {
		return nil, reject("weight %q must be rank-2, got dims %v", w.Name, w.Dims)
	}
	if w.Data == nil {
		return nil, reject("weight %q has no data", w.Name)
	}
	if err := w.CheckData(); err != nil {
		return nil, reject("weight %q: %v", w.Name, err)
	}
	if !w.DType.IsFloat() {
		return nil, reject("weight %q has non-float dtype %s", w.Name, w.DType)
	}
	k, n := layout.LogicalDims(w)

	// Bias: rank-1 [N].
	bias := r.bias
	if bias.Rank() != 1 || bias.Dims[0] != n {
		return nil, reject("bias %q must be shaped [%d] to match weight %q dims %v, got %v", bias.Name, n, w.Name, w.Dims, bias.Dims)
	}
	if bias.DType != w.DType {
		return nil, reject("bias %q dtype %s doesn't match weight dtype %s", bias.Name, bias.DType, w.DType)
	}
	if err := bias.CheckData(); err != nil {
		return nil, reject("bias %q: %v", bias.Name, err)
	}

	// MatMul: plain X·W, with X shaped [..., K].
	matmul := m.Op(nodeMatMul)
	if matmul.BoolAttrOr(ir.AttrTransposeX, false) || matmul.BoolAttrOr(ir.AttrTransposeY, false) {
		return nil, reject("matmul %q transposes its operands", matmul.Name)
	}
	if alpha := matmul.FloatAttrOr(ir.AttrAlpha, 1.0); alpha != 1.0 {
		return nil, reject("matmul %q has alpha=%g", matmul.Name, alpha)
	}
	x := r.x
	if x.Rank() < 2 {
		return nil, reject("input %q must have rank >= 2, got dims %v", x.Name, x.Dims)
	}
	if last := x.Dim(-1); last >= 0 && last != k {
		return nil, reject("input %q last dimension %d doesn't match weight %q contracting dimension %d", x.Name, last, w.Name, k)
	}
	if x.DType != w.DType {
		return nil, reject("input %q dtype %s doesn't match weight dtype %s", x.Name, x.DType, w.DType)
	}

	// Bias add: bias aligned with the last axis of Y1.
	biasAdd := m.Op(nodeBiasAdd)
	y1 := m.Var(nodeY1)
	if axis := biasAdd.IntAttrOr(ir.AttrAxis, -1); axis != -1 && axis != y1.Rank()-1 {
		return nil, reject("bias add %q uses axis %d, only the last axis is supported", biasAdd.Name, axis)
	}

	if variant.HasResidual() {
		y2 := m.Var(nodeY2)
		residual := r.residual
		if residual.DType != w.DType {
			return nil, reject("residual %q dtype %s doesn't match weight dtype %s", residual.Name, residual.DType, w.DType)
		}
		if !sameDims(residual.Dims, y2.Dims) {
			return nil, reject("residual %q dims %v don't match fc output dims %v", residual.Name, residual.Dims, y2.Dims)
		}
		residualAdd := m.Op(nodeResidualAdd)
		if axis := residualAdd.IntAttrOr(ir.AttrAxis, -1); axis != -1 && axis != 0 {
			return nil, reject("residual add %q uses axis %d", residualAdd.Name, axis)
		}
	}

	if variant.HasActivation() {
		activation := m.Op(nodeActivation)
		r.activation = activation.StringAttrOr(ir.AttrKind, "")
		if !slices.Contains(ir.ActivationKinds, r.activation) {
			return nil, reject("activation %q of kind %q is not supported", activation.Name, r.activation)
		}
	}
	return r, nil
}

// sameDims compares dims with equal rank, treating unknown (negative) dimensions as wildcards.
func sameDims(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for ii := range a {
		if a[ii] >= 0 && b[ii] >= 0 && a[ii] != b[ii] {
			return false
		}
	}
	return true
}
