// Package pattern implements a declarative subgraph matcher over an ir.Graph.
//
// A Pattern is a small graph of placeholder nodes: op nodes (matched by operator type) and var
// nodes, connected by edges that mirror the host graph's input/output slots. Each node may
// carry predicates. Detect returns every node-disjoint occurrence of the pattern.
//
// Example, a matmul whose output feeds an add:
//
//	p := pattern.New("matmul_add")
//	x := p.NewVar("x").AsInput()
//	w := p.NewVar("w").AsInput().Persistable()
//	mm := p.NewOp("mm", ir.OpMatMul)
//	y1 := p.NewVar("y1").AsIntermediate()
//	p.Link(x, mm, "X").Link(w, mm, "Y").Link(mm, y1, "Out")
//	...
//	matches, err := pattern.Detect(g, p)
package pattern

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/fusepass/ir"
	"github.com/pkg/errors"
)

// Role of a var node within the matched subgraph.
type Role int

const (
	// RoleAny places no constraint on the var.
	RoleAny Role = iota

	// RoleInput vars are read by the matched subgraph but not produced by it. They may be
	// shared with other matches.
	RoleInput

	// RoleIntermediate vars are produced and consumed only inside the matched subgraph. They
	// may not be graph outputs, and all their consumers must be part of the match.
	RoleIntermediate

	// RoleOutput vars are produced by the matched subgraph and may be consumed outside of it.
	RoleOutput
)

// String implements fmt.Stringer.
func (r Role) String() string {
	switch r {
	case RoleAny:
		return "any"
	case RoleInput:
		return "input"
	case RoleIntermediate:
		return "intermediate"
	case RoleOutput:
		return "output"
	}
	return fmt.Sprintf("Role(%d)", int(r))
}

// VarPredicate is a constraint on a var matched to a pattern node.
type VarPredicate func(g *ir.Graph, v *ir.Var) bool

// OpPredicate is a constraint on an op matched to a pattern node.
type OpPredicate func(g *ir.Graph, op *ir.Op) bool

// Node is a placeholder in a Pattern. It matches either an operator or a var.
type Node struct {
	id      string
	index   int
	isOp    bool
	opType  string
	role    Role
	varPred []VarPredicate
	opPred  []OpPredicate
}

// ID returns the node's id, used to look up its binding in a Match.
func (n *Node) ID() string { return n.id }

// IsOp returns whether the node matches operators (as opposed to vars).
func (n *Node) IsOp() bool { return n.isOp }

// String implements fmt.Stringer.
func (n *Node) String() string {
	if n.isOp {
		return fmt.Sprintf("op %q (%s)", n.id, n.opType)
	}
	return fmt.Sprintf("var %q (%s)", n.id, n.role)
}

func (n *Node) mustBeVar(method string) {
	if n.isOp {
		exceptions.Panicf("pattern: %s can only be used on var nodes, %s is an op node", method, n)
	}
}

func (n *Node) setRole(role Role) *Node {
	n.mustBeVar("As" + role.String())
	n.role = role
	return n
}

// AsInput marks the var as read by, but not produced in, the match.
func (n *Node) AsInput() *Node { return n.setRole(RoleInput) }

// AsIntermediate marks the var as internal to the match. See RoleIntermediate.
func (n *Node) AsIntermediate() *Node { return n.setRole(RoleIntermediate) }

// AsOutput marks the var as produced by the match and visible outside of it.
func (n *Node) AsOutput() *Node { return n.setRole(RoleOutput) }

// Persistable requires the var to be a weight.
func (n *Node) Persistable() *Node {
	n.mustBeVar("Persistable")
	n.varPred = append(n.varPred, func(_ *ir.Graph, v *ir.Var) bool { return v.Persistable })
	return n
}

// NotPersistable requires the var not to be a weight.
func (n *Node) NotPersistable() *Node {
	n.mustBeVar("NotPersistable")
	n.varPred = append(n.varPred, func(_ *ir.Graph, v *ir.Var) bool { return !v.Persistable })
	return n
}

// ConsumerCount requires the var to be read by exactly count operators.
func (n *Node) ConsumerCount(count int) *Node {
	n.mustBeVar("ConsumerCount")
	n.varPred = append(n.varPred, func(g *ir.Graph, v *ir.Var) bool { return g.NumConsumers(v) == count })
	return n
}

// Rank requires the var to have exactly rank dimensions.
func (n *Node) Rank(rank int) *Node {
	n.mustBeVar("Rank")
	n.varPred = append(n.varPred, func(_ *ir.Graph, v *ir.Var) bool { return v.Rank() == rank })
	return n
}

// Assert adds an arbitrary constraint. pred must be a VarPredicate for var nodes or an
// OpPredicate for op nodes.
func (n *Node) Assert(pred any) *Node {
	switch p := pred.(type) {
	case VarPredicate:
		n.mustBeVar("Assert(VarPredicate)")
		n.varPred = append(n.varPred, p)
	case func(*ir.Graph, *ir.Var) bool:
		n.mustBeVar("Assert(VarPredicate)")
		n.varPred = append(n.varPred, p)
	case OpPredicate:
		if !n.isOp {
			exceptions.Panicf("pattern: Assert(OpPredicate) used on %s", n)
		}
		n.opPred = append(n.opPred, p)
	case func(*ir.Graph, *ir.Op) bool:
		if !n.isOp {
			exceptions.Panicf("pattern: Assert(OpPredicate) used on %s", n)
		}
		n.opPred = append(n.opPred, p)
	default:
		exceptions.Panicf("pattern: Assert given %T, want a VarPredicate or an OpPredicate", pred)
	}
	return n
}

// edge connects a var node to an op node. If input is true the op reads the var, otherwise it
// writes it. An empty slot matches any slot.
type edge struct {
	varNode, opNode *Node
	input           bool
	slot            string
}

// Pattern is a declarative subgraph description. Build it with New, NewOp, NewVar and Link.
type Pattern struct {
	Name  string
	nodes []*Node
	byID  map[string]*Node
	edges []edge
}

// New creates an empty pattern.
func New(name string) *Pattern {
	return &Pattern{Name: name, byID: make(map[string]*Node)}
}

func (p *Pattern) addNode(n *Node) *Node {
	if _, found := p.byID[n.id]; found {
		exceptions.Panicf("pattern %q: duplicate node id %q", p.Name, n.id)
	}
	n.index = len(p.nodes)
	p.nodes = append(p.nodes, n)
	p.byID[n.id] = n
	return n
}

// NewOp adds an op node matching operators of the given type.
func (p *Pattern) NewOp(id, opType string) *Node {
	return p.addNode(&Node{id: id, isOp: true, opType: opType})
}

// NewVar adds a var node.
func (p *Pattern) NewVar(id string) *Node {
	return p.addNode(&Node{id: id})
}

// Node returns the node with the given id, or nil.
func (p *Pattern) Node(id string) *Node {
	return p.byID[id]
}

// Link adds an edge. If from is a var and to an op, the op must read the var (in the given slot,
// if one is given). If from is an op and to a var, the op must write the var.
// It returns the pattern, for chaining.
func (p *Pattern) Link(from, to *Node, slot ...string) *Pattern {
	if len(slot) > 1 {
		exceptions.Panicf("pattern %q: Link(%s, %s) given %d slots, at most one is allowed", p.Name, from, to, len(slot))
	}
	e := edge{}
	if len(slot) == 1 {
		e.slot = slot[0]
	}
	switch {
	case !from.isOp && to.isOp:
		e.varNode, e.opNode, e.input = from, to, true
	case from.isOp && !to.isOp:
		e.varNode, e.opNode, e.input = to, from, false
	default:
		exceptions.Panicf("pattern %q: Link(%s, %s) must connect a var to an op or an op to a var", p.Name, from, to)
	}
	p.edges = append(p.edges, e)
	return p
}

// check verifies the pattern is usable: it has at least one op, all nodes belong to it and it is
// connected.
func (p *Pattern) check() error {
	if len(p.nodes) == 0 || !p.nodes[0].isOp {
		return errors.Errorf("pattern %q must start with an op node", p.Name)
	}
	for _, e := range p.edges {
		if p.byID[e.varNode.id] != e.varNode || p.byID[e.opNode.id] != e.opNode {
			return errors.Errorf("pattern %q has an edge to a node of another pattern", p.Name)
		}
	}
	order := p.searchOrder()
	if len(order) != len(p.nodes) {
		return errors.Errorf("pattern %q is not connected: only %d out of %d nodes are reachable from %s",
			p.Name, len(order), len(p.nodes), p.nodes[0])
	}
	return nil
}

// searchOrder returns the nodes in breadth-first order from the anchor (the first node), so every
// node after the anchor is adjacent to some earlier node.
func (p *Pattern) searchOrder() []*Node {
	visited := make([]bool, len(p.nodes))
	order := []*Node{p.nodes[0]}
	visited[0] = true
	for ii := 0; ii < len(order); ii++ {
		n := order[ii]
		for _, e := range p.edges {
			var other *Node
			switch n {
			case e.varNode:
				other = e.opNode
			case e.opNode:
				other = e.varNode
			default:
				continue
			}
			if !visited[other.index] {
				visited[other.index] = true
				order = append(order, other)
			}
		}
	}
	return order
}
