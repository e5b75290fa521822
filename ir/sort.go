package ir

import (
	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/pkg/errors"
)

// SortedOps returns the operators in a topological (DAG) order: every op comes after the
// producers of all its inputs. Ties are broken by insertion order, so the result is
// deterministic.
//
// Vars without a producer (inputs, weights) are available from the start.
// It returns an error if the graph has a cycle.
func (g *Graph) SortedOps() ([]*Op, error) {
	sorted := make([]*Op, 0, len(g.ops))
	doneVars := sets.Make[*Var]()
	for _, v := range g.varsOrder {
		if g.producer[v] == nil {
			doneVars.Insert(v)
		}
	}
	isReady := func(op *Op) bool {
		for _, v := range op.InputVars() {
			if !doneVars.Has(v) {
				return false
			}
		}
		return true
	}

	// Ops are released in waves, each wave scanning in insertion order.
	doneOps := sets.Make[*Op]()
	for len(sorted) < len(g.ops) {
		progress := false
		for _, op := range g.ops {
			if doneOps.Has(op) || !isReady(op) {
				continue
			}
			doneOps.Insert(op)
			sorted = append(sorted, op)
			for _, v := range op.OutputVars() {
				doneVars.Insert(v)
			}
			progress = true
		}
		if !progress {
			var stuck []string
			for _, op := range g.ops {
				if !doneOps.Has(op) {
					stuck = append(stuck, op.Name)
				}
			}
			return nil, errors.Errorf("sorting graph %q failed: %d out of %d ops are part of a cycle: %q",
				g.Name, len(stuck), len(g.ops), stuck)
		}
	}
	return sorted, nil
}
