package ir

import (
	"slices"

	"github.com/pkg/errors"
)

// Validate checks the structural invariants of the graph:
//
//   - every var referenced by an op belongs to the graph;
//   - every var has at most one producer, and the producer index matches the ops;
//   - the consumer index matches the ops;
//   - graph inputs and persistable vars have no producer;
//   - every other var read by an op has a producer;
//   - the graph is acyclic.
//
// Passes call it after rewriting, so a defect in a rewrite surfaces as an error instead of a
// silently corrupted graph.
func (g *Graph) Validate() error {
	wantProducer := make(map[*Var]*Op)
	wantConsumers := make(map[*Var][]*Op)
	for _, op := range g.ops {
		for _, s := range op.Inputs {
			if !g.HasVar(s.Var) {
				return errors.Errorf("op %q reads dangling var %v", op.Name, s.Var)
			}
			if !slices.Contains(wantConsumers[s.Var], op) {
				wantConsumers[s.Var] = append(wantConsumers[s.Var], op)
			}
		}
		for _, s := range op.Outputs {
			if !g.HasVar(s.Var) {
				return errors.Errorf("op %q writes dangling var %v", op.Name, s.Var)
			}
			if other := wantProducer[s.Var]; other != nil {
				return errors.Errorf("var %q has two producers: %q and %q", s.Var.Name, other.Name, op.Name)
			}
			if s.Var.Persistable {
				return errors.Errorf("persistable var %q is written by op %q", s.Var.Name, op.Name)
			}
			wantProducer[s.Var] = op
		}
	}
	if len(wantProducer) != len(g.producer) {
		return errors.Errorf("producer index of graph %q is out of sync: %d entries, want %d",
			g.Name, len(g.producer), len(wantProducer))
	}
	for v, op := range wantProducer {
		if g.producer[v] != op {
			return errors.Errorf("producer index of graph %q is out of sync for var %q", g.Name, v.Name)
		}
	}
	if len(wantConsumers) != len(g.consumers) {
		return errors.Errorf("consumer index of graph %q is out of sync: %d entries, want %d",
			g.Name, len(g.consumers), len(wantConsumers))
	}
	for v, ops := range wantConsumers {
		got := g.consumers[v]
		if len(got) != len(ops) {
			return errors.Errorf("consumer index of graph %q is out of sync for var %q", g.Name, v.Name)
		}
		for _, op := range ops {
			if !slices.Contains(got, op) {
				return errors.Errorf("consumer index of graph %q is missing op %q for var %q", g.Name, op.Name, v.Name)
			}
		}
	}
	for _, v := range g.inputs {
		if p := wantProducer[v]; p != nil {
			return errors.Errorf("graph input %q is written by op %q", v.Name, p.Name)
		}
	}
	for v, consumers := range wantConsumers {
		if v.Persistable || wantProducer[v] != nil || slices.Contains(g.inputs, v) {
			continue
		}
		return errors.Errorf("var %q is read by op %q but has no producer", v.Name, consumers[0].Name)
	}
	for _, v := range g.outputs {
		if !g.HasVar(v) {
			return errors.Errorf("graph output %q is not part of the graph", v.Name)
		}
	}
	if _, err := g.SortedOps(); err != nil {
		return err
	}
	return nil
}
