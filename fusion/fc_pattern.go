package fusion

import (
	"github.com/gomlx/fusepass/ir"
	"github.com/gomlx/fusepass/pattern"
)

// FCVariant enumerates the shapes of subgraph fused into an fc op.
type FCVariant int

const (
	// FCPlain: matmul(X, W) → add(·, Bias).
	FCPlain FCVariant = iota

	// FCActivation: matmul(X, W) → add(·, Bias) → activation.
	FCActivation

	// FCResidual: matmul(X, W) → add(·, Bias) → add(·, Residual).
	FCResidual

	// FCResidualActivation: matmul(X, W) → add(·, Bias) → add(·, Residual) → activation.
	FCResidualActivation

	numFCVariants
)

// fcVariantsOrder is the order variants are detected in: largest subgraph first, so a
// smaller variant never claims the head of a chain a larger one could fuse.
var fcVariantsOrder = []FCVariant{FCResidualActivation, FCResidual, FCActivation, FCPlain}

// String implements fmt.Stringer.
func (v FCVariant) String() string {
	switch v {
	case FCPlain:
		return "fc"
	case FCActivation:
		return "fc_act"
	case FCResidual:
		return "fc_residual"
	case FCResidualActivation:
		return "fc_residual_act"
	}
	return "invalid"
}

// HasResidual returns whether the variant includes the residual add.
func (v FCVariant) HasResidual() bool {
	return v == FCResidual || v == FCResidualActivation
}

// HasActivation returns whether the variant includes the trailing activation.
func (v FCVariant) HasActivation() bool {
	return v == FCActivation || v == FCResidualActivation
}

// Ids of the pattern nodes.
const (
	nodeMatMul      = "matmul"
	nodeX           = "x"
	nodeW           = "w"
	nodeY1          = "y1"
	nodeBiasAdd     = "bias_add"
	nodeBias        = "bias"
	nodeY2          = "y2"
	nodeResidualAdd = "residual_add"
	nodeResidual    = "residual"
	nodeY3          = "y3"
	nodeActivation  = "activation"
	nodeOut         = "out"
)

// fcPattern builds the pattern for the variant:
//
//	matmul(X, W) -> Y1
//	elementwise_add(Y1, Bias) -> Y2
//	[elementwise_add(Y2, Residual) -> Y3]
//	[activation(Y3 or Y2) -> Out]
//
// W and Bias are weights read only by this subgraph, so their data can be re-laid-out in place.
// Every intermediate has a single consumer. Ranks, sizes and attributes are checked later by
// validateFC, so rejected matches can be reported.
func fcPattern(variant FCVariant) *pattern.Pattern {
	p := pattern.New(variant.String())
	matmul := p.NewOp(nodeMatMul, ir.OpMatMul)
	x := p.NewVar(nodeX).AsInput()
	w := p.NewVar(nodeW).AsInput().Persistable().ConsumerCount(1)
	y1 := p.NewVar(nodeY1).AsIntermediate().ConsumerCount(1)
	p.Link(x, matmul, "X").Link(w, matmul, "Y").Link(matmul, y1, "Out")

	biasAdd := p.NewOp(nodeBiasAdd, ir.OpElementwiseAdd)
	bias := p.NewVar(nodeBias).AsInput().Persistable().ConsumerCount(1)
	y2 := p.NewVar(nodeY2)
	p.Link(y1, biasAdd).Link(bias, biasAdd).Link(biasAdd, y2, "Out")
	last := y2

	if variant.HasResidual() {
		last.AsIntermediate().ConsumerCount(1)
		residualAdd := p.NewOp(nodeResidualAdd, ir.OpElementwiseAdd)
		residual := p.NewVar(nodeResidual).AsInput()
		y3 := p.NewVar(nodeY3)
		p.Link(last, residualAdd).Link(residual, residualAdd).Link(residualAdd, y3, "Out")
		last = y3
	}
	if variant.HasActivation() {
		last.AsIntermediate().ConsumerCount(1)
		activation := p.NewOp(nodeActivation, ir.OpActivation)
		out := p.NewVar(nodeOut)
		p.Link(last, activation, "X").Link(activation, out, "Out")
		last = out
	}
	last.AsOutput()
	return p
}

// outNodeID returns the id of the pattern node holding the final output of the variant.
func outNodeID(variant FCVariant) string {
	switch {
	case variant.HasActivation():
		return nodeOut
	case variant.HasResidual():
		return nodeY3
	default:
		return nodeY2
	}
}
