// Package ir holds the in-memory computation graph that graph-rewriting passes operate on.
//
//   - Graph: mutable container of operator nodes (Op) and tensor nodes (Var), with a producer and
//     consumer index kept in sync by every mutation.
//   - Var: a tensor. Persistable vars are weights and carry their data as a GoMLX tensor.
//   - Op: an operator with ordered, named input and output slots and typed attributes.
//
// Graphs can be serialized to JSON (see Encode and Decode), with weights either embedded or
// stored in an external raw data file.
package ir

import (
	"fmt"
	"slices"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Operator type tags understood by the passes and the execution backends.
const (
	OpMatMul         = "matmul"
	OpElementwiseAdd = "elementwise_add"
	OpActivation     = "activation"

	// OpFC is the fused fully-connected operator: Out = act(Input·W + Bias [+ ResidualData]).
	OpFC = "fc"
)

// Attributes of the unfused operators.
const (
	AttrTransposeX = "transpose_x" // OpMatMul
	AttrTransposeY = "transpose_y" // OpMatMul
	AttrAlpha      = "alpha"       // OpMatMul, scales the product.
	AttrAxis       = "axis"        // OpElementwiseAdd, axis of X where Y is aligned, -1 for trailing.
	AttrKind       = "kind"        // OpActivation: one of ActivationKinds.
)

// ActivationKinds lists the values of AttrKind understood by the passes and the backends.
var ActivationKinds = []string{"relu", "gelu", "tanh", "sigmoid"}

// Attributes and slots of the fused OpFC operator, read by the execution backends to select
// the kernel variant.
const (
	FCInput        = "Input"
	FCWeight       = "W"
	FCBias         = "Bias"
	FCResidualData = "ResidualData"
	FCOut          = "Out"

	AttrInNumColDims           = "in_num_col_dims"
	AttrActivationType         = "activation_type"
	AttrFuseResidualConnection = "fuse_residual_connection"
	AttrWeightTransposed       = "weight_transposed"
	AttrFusedFrom              = "fused_from"
)

// Layout tags the memory layout of a persistable 2D weight.
type Layout int

const (
	// LayoutRowMajor is the canonical storage order: logical shape [K, N], row-major.
	LayoutRowMajor Layout = iota

	// LayoutTransposed marks a weight already re-laid-out to [N, K] for the fused kernels.
	// A weight with this tag must never be transformed again.
	LayoutTransposed
)

// String implements fmt.Stringer.
func (l Layout) String() string {
	switch l {
	case LayoutRowMajor:
		return "row_major"
	case LayoutTransposed:
		return "transposed"
	default:
		return "invalid"
	}
}

// ParseLayout converts the name returned by Layout.String back to a Layout.
// The empty string maps to LayoutRowMajor.
func ParseLayout(name string) (Layout, error) {
	switch name {
	case "", "row_major":
		return LayoutRowMajor, nil
	case "transposed":
		return LayoutTransposed, nil
	}
	return LayoutRowMajor, errors.Errorf("unknown layout %q", name)
}

// Var is a tensor node.
type Var struct {
	Name string

	// Dims holds the dimensions, with -1 for unknown ones (e.g. batch size).
	Dims []int

	DType dtypes.DType

	// Persistable vars are weights. Only they carry Data.
	Persistable bool

	// Data is the materialized value of a persistable var. It may be nil for intermediate
	// activations and graph inputs.
	Data *tensors.Tensor

	// Layout of Data. See Layout.
	Layout Layout

	// External, if set, is where Data was loaded from (or is to be saved to) when serialized.
	External *ExternalData
}

// NewVar creates a non-persistable var.
func NewVar(name string, dtype dtypes.DType, dims ...int) *Var {
	return &Var{Name: name, DType: dtype, Dims: slices.Clone(dims)}
}

// Rank returns the number of dimensions.
func (v *Var) Rank() int {
	return len(v.Dims)
}

// Dim returns the dimension of the given axis. Negative axes count from the end.
func (v *Var) Dim(axis int) int {
	if axis < 0 {
		axis += len(v.Dims)
	}
	return v.Dims[axis]
}

// String implements fmt.Stringer.
func (v *Var) String() string {
	kind := ""
	if v.Persistable {
		kind = " persistable"
		if v.Layout != LayoutRowMajor {
			kind += "," + v.Layout.String()
		}
	}
	return fmt.Sprintf("%s(%s%v%s)", v.Name, v.DType, v.Dims, kind)
}

// Slot is a named argument of an Op.
type Slot struct {
	Name string
	Var  *Var
}

// Op is an operator node.
type Op struct {
	// ID is assigned by Graph.AddOp, and is unique within the graph.
	ID   int
	Name string
	Type string

	Inputs  []Slot
	Outputs []Slot

	Attrs map[string]any
}

// NewOp creates an operator with the given type. Use In, Out and SetAttr to complete it.
func NewOp(opType string) *Op {
	return &Op{Type: opType, Attrs: make(map[string]any)}
}

// In appends an input slot and returns the op, for chaining.
func (op *Op) In(slot string, v *Var) *Op {
	op.Inputs = append(op.Inputs, Slot{Name: slot, Var: v})
	return op
}

// Out appends an output slot and returns the op, for chaining.
func (op *Op) Out(slot string, v *Var) *Op {
	op.Outputs = append(op.Outputs, Slot{Name: slot, Var: v})
	return op
}

// SetAttr sets an attribute and returns the op, for chaining.
func (op *Op) SetAttr(name string, value any) *Op {
	if op.Attrs == nil {
		op.Attrs = make(map[string]any)
	}
	op.Attrs[name] = value
	return op
}

// Input returns the var of the first input slot with the given name, or nil.
func (op *Op) Input(slot string) *Var {
	for _, s := range op.Inputs {
		if s.Name == slot {
			return s.Var
		}
	}
	return nil
}

// Output returns the var of the first output slot with the given name, or nil.
func (op *Op) Output(slot string) *Var {
	for _, s := range op.Outputs {
		if s.Name == slot {
			return s.Var
		}
	}
	return nil
}

// InputVars returns the vars of all input slots, in order.
func (op *Op) InputVars() []*Var {
	return slotVars(op.Inputs)
}

// OutputVars returns the vars of all output slots, in order.
func (op *Op) OutputVars() []*Var {
	return slotVars(op.Outputs)
}

func slotVars(slots []Slot) []*Var {
	vars := make([]*Var, len(slots))
	for ii, s := range slots {
		vars[ii] = s.Var
	}
	return vars
}

// String implements fmt.Stringer.
func (op *Op) String() string {
	names := func(slots []Slot) []string {
		out := make([]string, len(slots))
		for ii, s := range slots {
			out[ii] = s.Name + "=" + s.Var.Name
		}
		return out
	}
	return fmt.Sprintf("%s#%d[%s](%v) -> %v", op.Name, op.ID, op.Type, names(op.Inputs), names(op.Outputs))
}
