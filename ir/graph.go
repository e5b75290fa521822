package ir

import (
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Graph is a mutable DAG of operators and tensors.
//
// Every tensor has at most one producing operator. The graph is not safe for concurrent use:
// callers (typically a pass pipeline) must own it exclusively while mutating it.
type Graph struct {
	Name string

	// ID uniquely identifies this graph instance in logs.
	ID string

	ops       []*Op
	vars      map[string]*Var
	varsOrder []*Var
	inputs    []*Var
	outputs   []*Var

	producer  map[*Var]*Op
	consumers map[*Var][]*Op

	nextOpID int
}

// New creates an empty graph.
func New(name string) *Graph {
	return &Graph{
		Name:      name,
		ID:        uuid.NewString(),
		vars:      make(map[string]*Var),
		producer:  make(map[*Var]*Op),
		consumers: make(map[*Var][]*Op),
	}
}

// AddVar adds a tensor to the graph. Names must be unique.
func (g *Graph) AddVar(v *Var) error {
	if v == nil || v.Name == "" {
		return errors.New("cannot add a nil or unnamed var to the graph")
	}
	if _, found := g.vars[v.Name]; found {
		return errors.Errorf("var %q already exists in graph %q", v.Name, g.Name)
	}
	g.vars[v.Name] = v
	g.varsOrder = append(g.varsOrder, v)
	return nil
}

// AddInput adds v (if not yet in the graph) and marks it as a graph input (fed at execution time).
func (g *Graph) AddInput(v *Var) error {
	if !g.HasVar(v) {
		if err := g.AddVar(v); err != nil {
			return err
		}
	}
	if slices.Contains(g.inputs, v) {
		return nil
	}
	if v.Persistable {
		return errors.Errorf("persistable var %q cannot be a graph input", v.Name)
	}
	g.inputs = append(g.inputs, v)
	return nil
}

// MarkOutput marks v as a graph output (fetched at execution time).
// Passes must never remove a graph output.
func (g *Graph) MarkOutput(v *Var) error {
	if !g.HasVar(v) {
		return errors.Errorf("var %q is not part of graph %q", v.Name, g.Name)
	}
	if !slices.Contains(g.outputs, v) {
		g.outputs = append(g.outputs, v)
	}
	return nil
}

// Var returns the var with the given name, or nil.
func (g *Graph) Var(name string) *Var {
	return g.vars[name]
}

// HasVar returns whether this exact var belongs to the graph.
func (g *Graph) HasVar(v *Var) bool {
	return v != nil && g.vars[v.Name] == v
}

// Vars returns all vars in insertion order.
func (g *Graph) Vars() []*Var {
	return slices.Clone(g.varsOrder)
}

// Inputs returns the graph inputs, in order.
func (g *Graph) Inputs() []*Var {
	return slices.Clone(g.inputs)
}

// Outputs returns the graph outputs, in order.
func (g *Graph) Outputs() []*Var {
	return slices.Clone(g.outputs)
}

// IsOutput returns whether v is a graph output.
func (g *Graph) IsOutput(v *Var) bool {
	return slices.Contains(g.outputs, v)
}

// Ops returns all operators in insertion order.
func (g *Graph) Ops() []*Op {
	return slices.Clone(g.ops)
}

// NumOps returns the number of operators.
func (g *Graph) NumOps() int {
	return len(g.ops)
}

// HasOp returns whether op belongs to the graph.
func (g *Graph) HasOp(op *Op) bool {
	return slices.Contains(g.ops, op)
}

// OpsOfType returns the operators with the given type, in insertion order.
func (g *Graph) OpsOfType(opType string) []*Op {
	var out []*Op
	for _, op := range g.ops {
		if op.Type == opType {
			out = append(out, op)
		}
	}
	return out
}

// Producer returns the operator that writes v, or nil for inputs and weights.
func (g *Graph) Producer(v *Var) *Op {
	return g.producer[v]
}

// Consumers returns the operators that read v. An operator reading v in two slots is listed once.
func (g *Graph) Consumers(v *Var) []*Op {
	return slices.Clone(g.consumers[v])
}

// NumConsumers returns len(g.Consumers(v)) without copying.
func (g *Graph) NumConsumers(v *Var) int {
	return len(g.consumers[v])
}

// AddOp inserts op into the graph, assigning its ID (and a name, if it has none).
//
// All vars referenced by op must already be in the graph, and none of its outputs may already
// have a producer.
func (g *Graph) AddOp(op *Op) error {
	if op == nil {
		return errors.New("cannot add a nil op")
	}
	if g.HasOp(op) {
		return errors.Errorf("op %q already in graph %q", op.Name, g.Name)
	}
	if len(op.Outputs) == 0 {
		return errors.Errorf("op %q (%s) has no outputs", op.Name, op.Type)
	}
	for _, s := range op.Inputs {
		if !g.HasVar(s.Var) {
			return errors.Errorf("op %q (%s) input %q references a var not in graph %q", op.Name, op.Type, s.Name, g.Name)
		}
	}
	for ii, s := range op.Outputs {
		if !g.HasVar(s.Var) {
			return errors.Errorf("op %q (%s) output %q references a var not in graph %q", op.Name, op.Type, s.Name, g.Name)
		}
		if p := g.producer[s.Var]; p != nil {
			return errors.Errorf("op %q (%s) output %q: var %q is already produced by op %q", op.Name, op.Type, s.Name, s.Var.Name, p.Name)
		}
		if s.Var.Persistable {
			return errors.Errorf("op %q (%s) cannot write to persistable var %q", op.Name, op.Type, s.Var.Name)
		}
		if slices.Contains(g.inputs, s.Var) {
			return errors.Errorf("op %q (%s) cannot write to graph input %q", op.Name, op.Type, s.Var.Name)
		}
		for _, other := range op.Outputs[:ii] {
			if other.Var == s.Var {
				return errors.Errorf("op %q (%s) writes var %q twice", op.Name, op.Type, s.Var.Name)
			}
		}
	}

	op.ID = g.nextOpID
	g.nextOpID++
	if op.Name == "" {
		op.Name = fmt.Sprintf("%s.%d", op.Type, op.ID)
	}
	if op.Attrs == nil {
		op.Attrs = make(map[string]any)
	}
	g.ops = append(g.ops, op)
	for _, v := range op.OutputVars() {
		g.producer[v] = op
	}
	for _, v := range op.InputVars() {
		if !slices.Contains(g.consumers[v], op) {
			g.consumers[v] = append(g.consumers[v], op)
		}
	}
	return nil
}

// RemoveOp removes op from the graph. Its input and output vars are left in place.
func (g *Graph) RemoveOp(op *Op) error {
	idx := slices.Index(g.ops, op)
	if idx < 0 {
		return errors.Errorf("op %v not in graph %q", op, g.Name)
	}
	g.ops = slices.Delete(g.ops, idx, idx+1)
	for _, v := range op.OutputVars() {
		if g.producer[v] == op {
			delete(g.producer, v)
		}
	}
	for _, v := range op.InputVars() {
		g.dropConsumer(v, op)
	}
	return nil
}

func (g *Graph) dropConsumer(v *Var, op *Op) {
	list := g.consumers[v]
	idx := slices.Index(list, op)
	if idx < 0 {
		return
	}
	list = slices.Delete(list, idx, idx+1)
	if len(list) == 0 {
		delete(g.consumers, v)
	} else {
		g.consumers[v] = list
	}
}

// RemoveVar removes a var that is no longer referenced by any operator.
// Graph inputs and outputs cannot be removed.
func (g *Graph) RemoveVar(v *Var) error {
	if !g.HasVar(v) {
		return errors.Errorf("var %q not in graph %q", v.Name, g.Name)
	}
	if p := g.producer[v]; p != nil {
		return errors.Errorf("var %q is still produced by op %q", v.Name, p.Name)
	}
	if n := len(g.consumers[v]); n > 0 {
		return errors.Errorf("var %q is still consumed by %d op(s)", v.Name, n)
	}
	if slices.Contains(g.inputs, v) || slices.Contains(g.outputs, v) {
		return errors.Errorf("var %q is a graph input/output and cannot be removed", v.Name)
	}
	delete(g.vars, v.Name)
	g.varsOrder = slices.DeleteFunc(g.varsOrder, func(e *Var) bool { return e == v })
	return nil
}

// ReplaceInput rewires every input slot of op that reads oldVar to read newVar instead.
// It returns the number of slots rewired.
func (g *Graph) ReplaceInput(op *Op, oldVar, newVar *Var) (int, error) {
	if !g.HasOp(op) {
		return 0, errors.Errorf("op %v not in graph %q", op, g.Name)
	}
	if !g.HasVar(newVar) {
		return 0, errors.Errorf("var %q not in graph %q", newVar.Name, g.Name)
	}
	if g.producer[newVar] == op {
		return 0, errors.Errorf("rewiring op %q to read its own output %q would create a cycle", op.Name, newVar.Name)
	}
	count := 0
	for ii := range op.Inputs {
		if op.Inputs[ii].Var == oldVar {
			op.Inputs[ii].Var = newVar
			count++
		}
	}
	if count == 0 {
		return 0, nil
	}
	g.dropConsumer(oldVar, op)
	if !slices.Contains(g.consumers[newVar], op) {
		g.consumers[newVar] = append(g.consumers[newVar], op)
	}
	return count, nil
}
