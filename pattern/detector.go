package pattern

import (
	"slices"

	"github.com/gomlx/fusepass/ir"
	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/pkg/errors"
)

// Match binds the nodes of a Pattern to concrete graph elements.
// It is only valid until the graph is modified.
type Match struct {
	Pattern *Pattern
	ops     []*ir.Op
	vars    []*ir.Var
}

// Op returns the operator bound to the pattern node id. It returns nil if id is not an op node.
func (m Match) Op(id string) *ir.Op {
	n := m.Pattern.byID[id]
	if n == nil || !n.isOp {
		return nil
	}
	return m.ops[n.index]
}

// Var returns the var bound to the pattern node id. It returns nil if id is not a var node.
func (m Match) Var(id string) *ir.Var {
	n := m.Pattern.byID[id]
	if n == nil || n.isOp {
		return nil
	}
	return m.vars[n.index]
}

// Ops returns the matched operators, in the order their nodes were declared in the pattern.
func (m Match) Ops() []*ir.Op {
	var ops []*ir.Op
	for _, op := range m.ops {
		if op != nil {
			ops = append(ops, op)
		}
	}
	return ops
}

// VarsWithRole returns the vars bound to var nodes with the given role, in declaration order.
func (m Match) VarsWithRole(role Role) []*ir.Var {
	var vars []*ir.Var
	for _, n := range m.Pattern.nodes {
		if !n.isOp && n.role == role {
			vars = append(vars, m.vars[n.index])
		}
	}
	return vars
}

// Detect returns all node-disjoint occurrences of p in g.
//
// Candidates are anchored on p's first node (an op), tried in topological order of the graph,
// and the first occurrence found for an anchor wins. Matches never share operators nor
// intermediate vars (see RoleIntermediate), but they may share input vars.
//
// Within a match, ops and non-input vars are bound injectively. Input vars may be bound to more
// than one input node. Every input and output slot of a matched op must be bound by an edge of
// the pattern.
//
// An error is returned if the pattern is malformed or the graph can't be sorted.
func Detect(g *ir.Graph, p *Pattern) ([]Match, error) {
	if err := p.check(); err != nil {
		return nil, err
	}
	sorted, err := g.SortedOps()
	if err != nil {
		return nil, errors.WithMessagef(err, "while detecting pattern %q", p.Name)
	}
	d := &detector{
		g:           g,
		p:           p,
		order:       p.searchOrder(),
		claimedOps:  sets.Make[*ir.Op](),
		claimedVars: sets.Make[*ir.Var](),
	}
	anchor := p.nodes[0]
	var matches []Match
	for _, op := range sorted {
		if op.Type != anchor.opType || d.claimedOps.Has(op) {
			continue
		}
		m, found := d.matchAt(op)
		if !found {
			continue
		}
		d.claim(m)
		matches = append(matches, m)
	}
	return matches, nil
}

// detector holds the state of one Detect call.
type detector struct {
	g     *ir.Graph
	p     *Pattern
	order []*Node

	// Elements owned by already accepted matches.
	claimedOps  sets.Set[*ir.Op]
	claimedVars sets.Set[*ir.Var]

	// Bindings of the search in progress, indexed by Node.index.
	ops  []*ir.Op
	vars []*ir.Var
}

func (d *detector) matchAt(anchor *ir.Op) (Match, bool) {
	d.ops = make([]*ir.Op, len(d.p.nodes))
	d.vars = make([]*ir.Var, len(d.p.nodes))
	if !d.acceptOp(d.order[0], anchor) {
		return Match{}, false
	}
	d.ops[d.order[0].index] = anchor
	if !d.extend(1) {
		return Match{}, false
	}
	return Match{Pattern: d.p, ops: d.ops, vars: d.vars}, true
}

func (d *detector) claim(m Match) {
	for _, op := range m.ops {
		if op != nil {
			d.claimedOps.Insert(op)
		}
	}
	for _, v := range m.VarsWithRole(RoleIntermediate) {
		d.claimedVars.Insert(v)
	}
}

func (d *detector) isBound(n *Node) bool {
	if n.isOp {
		return d.ops[n.index] != nil
	}
	return d.vars[n.index] != nil
}

// extend binds d.order[k:], backtracking on failure.
func (d *detector) extend(k int) bool {
	if k == len(d.order) {
		return d.checkSlots() && d.checkIntermediates()
	}
	n := d.order[k]
	if n.isOp {
		for _, op := range d.opCandidates(n) {
			if !d.acceptOp(n, op) {
				continue
			}
			d.ops[n.index] = op
			if d.extend(k + 1) {
				return true
			}
			d.ops[n.index] = nil
		}
		return false
	}
	for _, v := range d.varCandidates(n) {
		if !d.acceptVar(n, v) {
			continue
		}
		d.vars[n.index] = v
		if d.extend(k + 1) {
			return true
		}
		d.vars[n.index] = nil
	}
	return false
}

// varCandidates lists the vars reachable through the first edge connecting n to a bound op.
func (d *detector) varCandidates(n *Node) []*ir.Var {
	for _, e := range d.p.edges {
		if e.varNode != n || !d.isBound(e.opNode) {
			continue
		}
		op := d.ops[e.opNode.index]
		slots := op.Outputs
		if e.input {
			slots = op.Inputs
		}
		var candidates []*ir.Var
		for _, s := range slots {
			if (e.slot == "" || e.slot == s.Name) && !slices.Contains(candidates, s.Var) {
				candidates = append(candidates, s.Var)
			}
		}
		return candidates
	}
	return nil
}

// opCandidates lists the ops reachable through the first edge connecting n to a bound var.
func (d *detector) opCandidates(n *Node) []*ir.Op {
	for _, e := range d.p.edges {
		if e.opNode != n || !d.isBound(e.varNode) {
			continue
		}
		v := d.vars[e.varNode.index]
		if e.input {
			return d.g.Consumers(v)
		}
		if producer := d.g.Producer(v); producer != nil {
			return []*ir.Op{producer}
		}
		return nil
	}
	return nil
}

func (d *detector) acceptOp(n *Node, op *ir.Op) bool {
	if op.Type != n.opType || d.claimedOps.Has(op) || slices.Contains(d.ops, op) {
		return false
	}
	for _, pred := range n.opPred {
		if !pred(d.g, op) {
			return false
		}
	}
	for _, e := range d.p.edges {
		if e.opNode == n && d.isBound(e.varNode) && !edgeHolds(e, op, d.vars[e.varNode.index]) {
			return false
		}
	}
	return true
}

// boundElsewhere returns whether v is already bound to another var node. Two input nodes may
// share a var (e.g. a residual add reading the same x as the matmul).
func (d *detector) boundElsewhere(n *Node, v *ir.Var) bool {
	for _, other := range d.p.nodes {
		if other.isOp || other == n || d.vars[other.index] != v {
			continue
		}
		if n.role == RoleInput && other.role == RoleInput {
			continue
		}
		return true
	}
	return false
}

func (d *detector) acceptVar(n *Node, v *ir.Var) bool {
	if d.boundElsewhere(n, v) {
		return false
	}
	switch n.role {
	case RoleIntermediate:
		if d.claimedVars.Has(v) || d.g.IsOutput(v) || d.g.Producer(v) == nil {
			return false
		}
	case RoleOutput:
		if d.g.Producer(v) == nil {
			return false
		}
	}
	for _, pred := range n.varPred {
		if !pred(d.g, v) {
			return false
		}
	}
	for _, e := range d.p.edges {
		if e.varNode == n && d.isBound(e.opNode) && !edgeHolds(e, d.ops[e.opNode.index], v) {
			return false
		}
	}
	return true
}

// checkSlots verifies, on a complete binding, that every input and output slot of the matched
// ops is bound by an edge of the pattern. An op writing a var the pattern doesn't know about
// can't be replaced without leaving that var with no producer.
func (d *detector) checkSlots() bool {
	for _, n := range d.p.nodes {
		if !n.isOp {
			continue
		}
		op := d.ops[n.index]
		for _, s := range op.Inputs {
			if !d.slotBound(n, true, s) {
				return false
			}
		}
		for _, s := range op.Outputs {
			if !d.slotBound(n, false, s) {
				return false
			}
		}
	}
	return true
}

func (d *detector) slotBound(n *Node, input bool, s ir.Slot) bool {
	for _, e := range d.p.edges {
		if e.opNode == n && e.input == input && d.vars[e.varNode.index] == s.Var && (e.slot == "" || e.slot == s.Name) {
			return true
		}
	}
	return false
}

// checkIntermediates verifies, on a complete binding, that intermediate vars are only consumed
// within the match.
func (d *detector) checkIntermediates() bool {
	for _, n := range d.p.nodes {
		if n.isOp || n.role != RoleIntermediate {
			continue
		}
		for _, consumer := range d.g.Consumers(d.vars[n.index]) {
			if !slices.Contains(d.ops, consumer) {
				return false
			}
		}
	}
	return true
}

// edgeHolds returns whether op reads (or writes) v in the slot required by e.
func edgeHolds(e edge, op *ir.Op, v *ir.Var) bool {
	slots := op.Outputs
	if e.input {
		slots = op.Inputs
	}
	for _, s := range slots {
		if s.Var == v && (e.slot == "" || e.slot == s.Name) {
			return true
		}
	}
	return false
}
