// Package backend executes an ir.Graph with GoMLX, including the fused ops created by the
// passes.
//
// The graph weights are uploaded to a GoMLX context (see VariablesToContext), and CallGraph
// builds the GoMLX computation. Execute is a convenience that does both and runs it once.
package backend

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/fusepass/ir"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/backends/simplego"
	. "github.com/gomlx/gomlx/pkg/core/graph" //nolint
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// ModelScope is the context scope where the graph weights are stored.
var ModelScope = "fusepass"

// SafeVarName converts a graph var name to a GoMLX variable name, replacing the scope separator
// with a "|".
func SafeVarName(name string) string {
	return strings.ReplaceAll(name, context.ScopeSeparator, "|")
}

// VariablesToContext creates a variable in ctx (within ModelScope) for each weight of g.
// The values are copies, so later changes to the graph's weights are not seen by ctx.
func VariablesToContext(ctx *context.Context, g *ir.Graph) error {
	ctx = ctx.In(ModelScope).Checked(false)
	for _, v := range g.Vars() {
		if !v.Persistable {
			continue
		}
		if err := v.CheckData(); err != nil {
			return errors.WithMessage(err, "backend.VariablesToContext()")
		}
		ctx.VariableWithValue(SafeVarName(v.Name), v.CloneData())
	}
	return nil
}

// CallGraph builds the computation of g in the GoMLX graph gg, given the nodes of the graph
// inputs (by var name), and returns the nodes of the graph outputs, in order.
//
// The weights must have been uploaded with VariablesToContext. As in GoMLX graph functions, it
// panics (throws exceptions) in case of errors.
func CallGraph(ctx *context.Context, gg *Graph, g *ir.Graph, inputs map[string]*Node) []*Node {
	ctx = ctx.In(ModelScope).Checked(false)
	converted := make(map[*ir.Var]*Node)
	var missing []string
	for _, v := range g.Inputs() {
		node, found := inputs[v.Name]
		if !found {
			missing = append(missing, v.Name)
			continue
		}
		converted[v] = node
	}
	if len(missing) > 0 {
		exceptions.Panicf("backend.CallGraph(): missing inputs %q", missing)
	}
	for _, v := range g.Vars() {
		if !v.Persistable {
			continue
		}
		variable := ctx.InspectVariableInScope(SafeVarName(v.Name))
		if variable == nil {
			exceptions.Panicf("weight %q has not been uploaded to the context, did you forget to call backend.VariablesToContext?", v.Name)
		}
		converted[v] = variable.ValueGraph(gg)
	}

	sorted, err := g.SortedOps()
	if err != nil {
		panic(err)
	}
	for ii, op := range sorted {
		err := exceptions.TryCatch[error](func() { convertOp(gg, op, converted) })
		if err != nil {
			panic(errors.WithMessagef(err, "while converting op %d out of %d: %v", ii, len(sorted), op))
		}
	}

	outputs := make([]*Node, 0, len(g.Outputs()))
	for _, v := range g.Outputs() {
		node, found := converted[v]
		if !found {
			exceptions.Panicf("graph output %q is never computed", v.Name)
		}
		outputs = append(outputs, node)
	}
	return outputs
}

// Executor runs graphs on a GoMLX backend.
type Executor struct {
	Backend backends.Backend
}

// New creates an Executor on the pure Go backend (simplego).
func New() (*Executor, error) {
	backend, err := simplego.New("")
	if err != nil {
		return nil, errors.Wrap(err, "failed to create the simplego backend")
	}
	return &Executor{Backend: backend}, nil
}

// Execute runs g once, with the inputs given by var name, and returns the graph outputs by var
// name.
func (e *Executor) Execute(g *ir.Graph, inputs map[string]*tensors.Tensor) (results map[string]*tensors.Tensor, err error) {
	ctx := context.New()
	if err = VariablesToContext(ctx, g); err != nil {
		return nil, err
	}
	for name := range inputs {
		if v := g.Var(name); v == nil || !containsVar(g.Inputs(), v) {
			return nil, errors.Errorf("%q is not an input of graph %q", name, g.Name)
		}
	}
	err = exceptions.TryCatch[error](func() {
		outputs := context.MustExecOnceN(e.Backend, ctx, func(ctx *context.Context, gg *Graph) []*Node {
			nodes := make(map[string]*Node, len(inputs))
			for name, t := range inputs {
				nodes[name] = Const(gg, t)
			}
			return CallGraph(ctx, gg, g, nodes)
		})
		results = make(map[string]*tensors.Tensor, len(outputs))
		for ii, v := range g.Outputs() {
			results[v.Name] = outputs[ii]
		}
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "while executing graph %q", g.Name)
	}
	return results, nil
}

func containsVar(vars []*ir.Var, v *ir.Var) bool {
	for _, e := range vars {
		if e == v {
			return true
		}
	}
	return false
}

// String implements fmt.Stringer.
func (e *Executor) String() string {
	return fmt.Sprintf("backend.Executor(%s)", e.Backend.Name())
}
