package pass

import (
	"github.com/gomlx/fusepass/ir"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DeadCodePassName is the name of DeadCodePass in pipeline configurations.
const DeadCodePassName = "dead_code"

// DeadCodePass removes operators whose outputs are neither read nor graph outputs, and vars
// left without producer nor consumers (unused weights included). Graph inputs and outputs
// are always kept.
type DeadCodePass struct{}

// NewDeadCodePass creates a DeadCodePass.
func NewDeadCodePass() *DeadCodePass {
	return &DeadCodePass{}
}

// Name implements Pass.
func (p *DeadCodePass) Name() string {
	return DeadCodePassName
}

// Apply implements Pass. It returns the number of ops and vars removed.
func (p *DeadCodePass) Apply(g *ir.Graph) (int, error) {
	isInput := make(map[*ir.Var]bool)
	for _, v := range g.Inputs() {
		isInput[v] = true
	}
	removed := 0

	// Ops are visited in reverse topological order, so removing a consumer is seen before its
	// producer is checked.
	sorted, err := g.SortedOps()
	if err != nil {
		return 0, err
	}
	for ii := len(sorted) - 1; ii >= 0; ii-- {
		op := sorted[ii]
		if !isDead(g, op) {
			continue
		}
		if err = g.RemoveOp(op); err != nil {
			return removed, errors.WithMessage(err, "while removing dead op")
		}
		klog.V(2).Infof("%s: removed op %v", DeadCodePassName, op)
		removed++
	}

	for _, v := range g.Vars() {
		if isInput[v] || g.IsOutput(v) || g.Producer(v) != nil || g.NumConsumers(v) > 0 {
			continue
		}
		if err = g.RemoveVar(v); err != nil {
			return removed, errors.WithMessage(err, "while removing dead var")
		}
		klog.V(2).Infof("%s: removed var %v", DeadCodePassName, v)
		removed++
	}
	return removed, nil
}

func isDead(g *ir.Graph, op *ir.Op) bool {
	for _, v := range op.OutputVars() {
		if g.IsOutput(v) || g.NumConsumers(v) > 0 {
			return false
		}
	}
	return true
}
