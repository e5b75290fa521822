package ir

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// makeLinearGraph builds x[-1,3] @ w[3,2] -> y; y + b -> out.
func makeLinearGraph(t *testing.T) *Graph {
	t.Helper()
	g := New("linear")
	x := NewVar("x", dtypes.Float32, -1, 3)
	w := must.M1(NewWeight("w", []float32{1, 2, 3, 4, 5, 6}, 3, 2))
	b := must.M1(NewWeight("b", []float32{0.5, -0.5}, 2))
	y := NewVar("y", dtypes.Float32, -1, 2)
	out := NewVar("out", dtypes.Float32, -1, 2)
	require.NoError(t, g.AddInput(x))
	for _, v := range []*Var{w, b, y, out} {
		require.NoError(t, g.AddVar(v))
	}
	require.NoError(t, g.AddOp(NewOp(OpMatMul).In("X", x).In("Y", w).Out("Out", y)))
	require.NoError(t, g.AddOp(NewOp(OpElementwiseAdd).In("X", y).In("Y", b).Out("Out", out).SetAttr("axis", -1)))
	require.NoError(t, g.MarkOutput(out))
	return g
}

func TestGraphIndices(t *testing.T) {
	g := makeLinearGraph(t)
	require.NoError(t, g.Validate())
	require.Equal(t, 2, g.NumOps())

	matmul := g.OpsOfType(OpMatMul)[0]
	add := g.OpsOfType(OpElementwiseAdd)[0]
	assert.Equal(t, "matmul.0", matmul.Name)
	assert.Equal(t, "elementwise_add.1", add.Name)
	assert.Equal(t, matmul, g.Producer(g.Var("y")))
	assert.Nil(t, g.Producer(g.Var("x")))
	assert.Equal(t, []*Op{add}, g.Consumers(g.Var("y")))
	assert.Equal(t, 1, g.NumConsumers(g.Var("w")))
	assert.True(t, g.IsOutput(g.Var("out")))
	assert.Equal(t, -1, add.IntAttrOr("axis", 0))
}

func TestGraphAddOpErrors(t *testing.T) {
	g := makeLinearGraph(t)

	// Second producer for "y".
	err := g.AddOp(NewOp(OpActivation).In("X", g.Var("x")).Out("Out", g.Var("y")))
	require.Error(t, err)
	require.Contains(t, err.Error(), "already produced")

	// Var not in the graph.
	err = g.AddOp(NewOp(OpActivation).In("X", NewVar("ghost", dtypes.Float32, 2)).Out("Out", NewVar("z", dtypes.Float32, 2)))
	require.Error(t, err)

	// Writing a weight.
	z := NewVar("z", dtypes.Float32, 2)
	require.NoError(t, g.AddVar(z))
	err = g.AddOp(NewOp(OpActivation).In("X", z).Out("Out", g.Var("w")))
	require.Error(t, err)
	require.Contains(t, err.Error(), "persistable")

	// Duplicate var name.
	require.Error(t, g.AddVar(NewVar("z", dtypes.Float32, 3)))
	require.NoError(t, g.Validate())
}

func TestGraphRemove(t *testing.T) {
	g := makeLinearGraph(t)
	add := g.OpsOfType(OpElementwiseAdd)[0]
	y := g.Var("y")

	// Can't remove a var still in use.
	require.Error(t, g.RemoveVar(y))

	require.NoError(t, g.RemoveOp(add))
	assert.Equal(t, 0, g.NumConsumers(y))
	assert.Nil(t, g.Producer(g.Var("out")))
	require.Error(t, g.RemoveOp(add), "op removed twice")

	// Graph outputs can never be removed.
	require.Error(t, g.RemoveVar(g.Var("out")))
	require.NoError(t, g.RemoveVar(g.Var("b")))
	assert.Nil(t, g.Var("b"))
	require.NoError(t, g.Validate())
}

func TestValidateMissingProducer(t *testing.T) {
	g := makeLinearGraph(t)
	require.NoError(t, g.RemoveOp(g.OpsOfType(OpMatMul)[0]))
	err := g.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `var "y" is read by op "elementwise_add.1" but has no producer`)
}

func TestGraphReplaceInput(t *testing.T) {
	g := makeLinearGraph(t)
	add := g.OpsOfType(OpElementwiseAdd)[0]
	b2 := must.M1(NewWeight("b2", []float32{1, 1}, 2))
	require.NoError(t, g.AddVar(b2))

	n, err := g.ReplaceInput(add, g.Var("b"), b2)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, b2, add.Input("Y"))
	assert.Equal(t, 0, g.NumConsumers(g.Var("b")))
	assert.Equal(t, []*Op{add}, g.Consumers(b2))
	require.NoError(t, g.Validate())

	// Reading its own output is rejected.
	_, err = g.ReplaceInput(add, g.Var("y"), g.Var("out"))
	require.Error(t, err)
}

func TestSortedOps(t *testing.T) {
	g := New("sort")
	x := NewVar("x", dtypes.Float32, 2)
	a := NewVar("a", dtypes.Float32, 2)
	b := NewVar("b", dtypes.Float32, 2)
	c := NewVar("c", dtypes.Float32, 2)
	require.NoError(t, g.AddInput(x))
	for _, v := range []*Var{a, b, c} {
		require.NoError(t, g.AddVar(v))
	}
	// Inserted out of order: c = a + b is added before a and b are produced.
	opC := NewOp(OpElementwiseAdd).In("X", a).In("Y", b).Out("Out", c)
	opB := NewOp(OpActivation).In("X", a).Out("Out", b).SetAttr("kind", "relu")
	opA := NewOp(OpActivation).In("X", x).Out("Out", a).SetAttr("kind", "relu")
	require.NoError(t, g.AddOp(opC))
	require.NoError(t, g.AddOp(opB))
	require.NoError(t, g.AddOp(opA))

	sorted, err := g.SortedOps()
	require.NoError(t, err)
	require.Equal(t, []*Op{opA, opB, opC}, sorted)

	// Rewiring opA to read c creates a cycle a -> b -> c -> a.
	_, err = g.ReplaceInput(opA, x, c)
	require.NoError(t, err)
	_, err = g.SortedOps()
	require.Error(t, err)
	require.Error(t, g.Validate())
}

func TestAttributeAccessors(t *testing.T) {
	op := NewOp(OpFC).
		SetAttr(AttrInNumColDims, float64(1)). // As decoded from JSON.
		SetAttr(AttrActivationType, "relu").
		SetAttr(AttrFuseResidualConnection, true).
		SetAttr(AttrFusedFrom, []any{"a", "b"})
	assert.Equal(t, 1, op.IntAttrOr(AttrInNumColDims, 0))
	assert.Equal(t, "relu", op.StringAttrOr(AttrActivationType, ""))
	assert.True(t, op.BoolAttrOr(AttrFuseResidualConnection, false))
	assert.False(t, op.BoolAttrOr(AttrWeightTransposed, false))
	assert.Equal(t, []string{"a", "b"}, op.StringsAttr(AttrFusedFrom))
	assert.Equal(t, 1.0, op.FloatAttrOr("alpha", 1.0))
	assert.Panics(t, func() { op.IntAttrOr(AttrActivationType, 0) })
}

func TestGraphString(t *testing.T) {
	g := makeLinearGraph(t)
	s := g.String()
	assert.Contains(t, s, `Graph "linear"`)
	assert.Contains(t, s, "elementwise_add=1, matmul=1")
	assert.Contains(t, s, "2 persistable, 32 bytes, 0 transposed")
	assert.Contains(t, g.Dump(), "matmul.0#0[matmul]")
}

func TestParseLayout(t *testing.T) {
	for _, l := range []Layout{LayoutRowMajor, LayoutTransposed} {
		assert.Equal(t, l, must.M1(ParseLayout(l.String())))
	}
	assert.Equal(t, LayoutRowMajor, must.M1(ParseLayout("")))
	_, err := ParseLayout("diagonal")
	require.ErrorContains(t, err, `unknown layout "diagonal"`)
}
