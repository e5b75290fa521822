package ir

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireSameGraph(t *testing.T, want, got *Graph) {
	t.Helper()
	require.Equal(t, want.Name, got.Name)
	require.Equal(t, want.NumOps(), got.NumOps())
	wantVars, gotVars := want.Vars(), got.Vars()
	require.Len(t, gotVars, len(wantVars))
	for ii, wv := range wantVars {
		gv := gotVars[ii]
		assert.Equal(t, wv.Name, gv.Name)
		assert.Equal(t, wv.DType, gv.DType)
		assert.Equal(t, wv.Dims, gv.Dims)
		assert.Equal(t, wv.Persistable, gv.Persistable)
		assert.Equal(t, wv.Layout, gv.Layout)
		assert.Equal(t, wv.DataBytes(), gv.DataBytes(), "data of var %q", wv.Name)
	}
	for ii, wop := range want.Ops() {
		gop := got.Ops()[ii]
		assert.Equal(t, wop.Name, gop.Name)
		assert.Equal(t, wop.Type, gop.Type)
		assert.Equal(t, len(wop.Inputs), len(gop.Inputs))
		for jj, s := range wop.Inputs {
			assert.Equal(t, s.Name, gop.Inputs[jj].Name)
			assert.Equal(t, s.Var.Name, gop.Inputs[jj].Var.Name)
		}
	}
	require.Len(t, got.Inputs(), len(want.Inputs()))
	require.Len(t, got.Outputs(), len(want.Outputs()))
}

func TestEncodeDecode(t *testing.T) {
	g := makeLinearGraph(t)
	g.Var("w").Layout = LayoutTransposed
	contents, err := Encode(g)
	require.NoError(t, err)
	assert.Contains(t, string(contents), `"layout": "transposed"`)

	g2, err := Decode(contents)
	require.NoError(t, err)
	requireSameGraph(t, g, g2)

	// Decoded numeric attributes are float64, but read back as integers.
	add := g2.OpsOfType(OpElementwiseAdd)[0]
	assert.Equal(t, -1, add.IntAttrOr("axis", 0))
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, tensors.MustCopyFlatData[float32](g2.Var("w").Data))
}

func TestDecodeErrors(t *testing.T) {
	for name, contents := range map[string]string{
		"bad json":     `{"name": `,
		"bad dtype":    `{"name": "g", "vars": [{"name": "x", "dtype": "complex7", "dims": [2]}]}`,
		"bad layout":   `{"name": "g", "vars": [{"name": "x", "dtype": "float32", "dims": [2], "layout": "diagonal"}]}`,
		"no data":      `{"name": "g", "vars": [{"name": "w", "dtype": "float32", "dims": [2], "persistable": true}]}`,
		"short data":   `{"name": "g", "vars": [{"name": "w", "dtype": "float32", "dims": [2], "persistable": true, "data": "AAAAAA=="}]}`,
		"unknown var":  `{"name": "g", "vars": [], "inputs": ["x"]}`,
		"needs reader": `{"name": "g", "vars": [{"name": "w", "dtype": "float32", "dims": [1], "persistable": true, "external": {"location": "w.data"}}]}`,
		"two producers": `{"name": "g",
			"vars": [{"name": "x", "dtype": "float32", "dims": [2]}, {"name": "y", "dtype": "float32", "dims": [2]}],
			"inputs": ["x"],
			"ops": [
				{"type": "activation", "inputs": [{"slot": "X", "var": "x"}], "outputs": [{"slot": "Out", "var": "y"}]},
				{"type": "activation", "inputs": [{"slot": "X", "var": "x"}], "outputs": [{"slot": "Out", "var": "y"}]}
			]}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(contents))
			require.Error(t, err)
		})
	}
}

func TestSaveLoadExternalData(t *testing.T) {
	g := makeLinearGraph(t)
	g.Var("w").Layout = LayoutTransposed
	dir := t.TempDir()
	graphPath := filepath.Join(dir, "linear.json")
	require.NoError(t, Save(g, graphPath, true))

	// Weights are not embedded.
	contents, err := os.ReadFile(graphPath)
	require.NoError(t, err)
	assert.NotContains(t, string(contents), `"data"`)
	assert.Contains(t, string(contents), `"location": "linear.json.data"`)
	info, err := os.Stat(graphPath + ".data")
	require.NoError(t, err)
	assert.Equal(t, int64(8*4), info.Size())
	require.NotNil(t, g.Var("b").External)
	assert.Equal(t, int64(6*4), g.Var("b").External.Offset)

	g2, err := Load(graphPath)
	require.NoError(t, err)
	requireSameGraph(t, g, g2)
	assert.Equal(t, LayoutTransposed, g2.Var("w").Layout)
	assert.Equal(t, []float32{0.5, -0.5}, tensors.MustCopyFlatData[float32](g2.Var("b").Data))

	// Decoding without a reader must fail.
	_, err = Decode(contents)
	require.Error(t, err)
}

func TestNewWeight(t *testing.T) {
	_, err := NewWeight("w", []float32{1, 2, 3}, 2, 2)
	require.Error(t, err)

	w, err := NewWeight("w", []float64{1, 2, 3, 4}, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, dtypes.Float64, w.DType)
	assert.True(t, w.Persistable)
	require.NoError(t, w.CheckData())
	w.Dims = []int{4}
	require.Error(t, w.CheckData())
}
