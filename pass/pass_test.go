package pass

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/fusepass/fusion"
	"github.com/gomlx/fusepass/ir"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedPass returns the given counts, one per call, then zeros.
type scriptedPass struct {
	name   string
	counts []int
	calls  int
}

func (p *scriptedPass) Name() string { return p.name }

func (p *scriptedPass) Apply(_ *ir.Graph) (int, error) {
	p.calls++
	if len(p.counts) == 0 {
		return 0, nil
	}
	n := p.counts[0]
	p.counts = p.counts[1:]
	return n, nil
}

type failingPass struct {
	panics bool
}

func (p *failingPass) Name() string { return "failing" }

func (p *failingPass) Apply(_ *ir.Graph) (int, error) {
	if p.panics {
		exceptions.Panicf("broken invariant")
	}
	return 0, errors.New("failed")
}

// fcGraph builds x[-1,3] -> matmul(w[3,4]) -> add(b[4]) -> out, plus an unused weight and a dead
// activation reading x.
func fcGraph(t *testing.T) *ir.Graph {
	g := ir.New("fc")
	x := ir.NewVar("x", dtypes.Float32, -1, 3)
	w := must.M1(ir.NewWeight("w", make([]float32, 12), 3, 4))
	b := must.M1(ir.NewWeight("b", make([]float32, 4), 4))
	unused := must.M1(ir.NewWeight("unused", make([]float32, 4), 4))
	y1 := ir.NewVar("y1", dtypes.Float32, -1, 4)
	out := ir.NewVar("out", dtypes.Float32, -1, 4)
	dead := ir.NewVar("dead", dtypes.Float32, -1, 3)
	require.NoError(t, g.AddInput(x))
	for _, v := range []*ir.Var{w, b, unused, y1, out, dead} {
		require.NoError(t, g.AddVar(v))
	}
	require.NoError(t, g.AddOp(ir.NewOp(ir.OpMatMul).In("X", x).In("Y", w).Out("Out", y1)))
	require.NoError(t, g.AddOp(ir.NewOp(ir.OpElementwiseAdd).In("X", y1).In("Y", b).Out("Out", out)))
	require.NoError(t, g.AddOp(ir.NewOp(ir.OpActivation).In("X", x).Out("Out", dead).SetAttr(ir.AttrKind, "relu")))
	require.NoError(t, g.MarkOutput(out))
	return g
}

func TestPipelineSingleShot(t *testing.T) {
	a := &scriptedPass{name: "a", counts: []int{2, 2}}
	b := &scriptedPass{name: "b"}
	report, err := NewPipelineOf(a, b).Run(fcGraph(t))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Iterations)
	assert.Equal(t, 2, report.Rewrites)
	assert.True(t, report.Converged)
	require.Len(t, report.Passes, 2)
	assert.Equal(t, "a", report.Passes[0].Name)
	assert.Equal(t, 2, report.Passes[0].Rewrites)
	assert.Equal(t, 1, a.calls)
	assert.Equal(t, 1, b.calls)
}

func TestPipelineFixedPoint(t *testing.T) {
	a := &scriptedPass{name: "a", counts: []int{3, 1}}
	b := &scriptedPass{name: "b", counts: []int{1}}
	p := &Pipeline{Passes: []Pass{a, b}, FixedPoint: true}
	report, err := p.Run(fcGraph(t))
	require.NoError(t, err)
	// Iterations: (3+1), (1+0), (0+0) -> stops after the iteration with zero rewrites.
	assert.Equal(t, 3, report.Iterations)
	assert.Equal(t, 5, report.Rewrites)
	assert.True(t, report.Converged)
	assert.Equal(t, 3, a.calls)

	// Bounded by MaxIterations.
	a = &scriptedPass{name: "a", counts: []int{1, 1, 1, 1}}
	p = &Pipeline{Passes: []Pass{a}, FixedPoint: true, MaxIterations: 2}
	report, err = p.Run(fcGraph(t))
	require.NoError(t, err)
	assert.Equal(t, 2, report.Iterations)
	assert.False(t, report.Converged)
}

func TestPipelineErrors(t *testing.T) {
	_, err := NewPipelineOf(&failingPass{}).Run(fcGraph(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `pass "failing" failed`)

	_, err = NewPipelineOf(&failingPass{panics: true}).Run(fcGraph(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken invariant")
}

func TestPipelineFCAndDeadCode(t *testing.T) {
	g := fcGraph(t)
	p, err := NewPipeline(Config{FixedPoint: true, Passes: []string{fusion.FCPassName, DeadCodePassName}})
	require.NoError(t, err)
	report, err := p.Run(g)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Passes[0].Rewrites)
	// Dead activation, its output and the unused weight.
	assert.Equal(t, 3, report.Passes[1].Rewrites)
	assert.Equal(t, 2, report.Iterations)
	assert.True(t, report.Converged)

	require.Equal(t, 1, g.NumOps())
	assert.Equal(t, ir.OpFC, g.Ops()[0].Type)
	assert.Nil(t, g.Var("unused"))
	assert.Nil(t, g.Var("dead"))
	assert.NotNil(t, g.Var("x"), "graph inputs are kept even if unused")
}

func TestDeadCodeChain(t *testing.T) {
	// a -> b -> c, none of them outputs: all removed in one Apply.
	g := ir.New("chain")
	x := ir.NewVar("x", dtypes.Float32, 2)
	require.NoError(t, g.AddInput(x))
	prev := x
	for _, name := range []string{"a", "b", "c"} {
		v := ir.NewVar(name, dtypes.Float32, 2)
		require.NoError(t, g.AddVar(v))
		require.NoError(t, g.AddOp(ir.NewOp(ir.OpActivation).In("X", prev).Out("Out", v).SetAttr(ir.AttrKind, "tanh")))
		prev = v
	}
	count, err := NewDeadCodePass().Apply(g)
	require.NoError(t, err)
	assert.Equal(t, 6, count)
	assert.Zero(t, g.NumOps())
	assert.Len(t, g.Vars(), 1)
	require.NoError(t, g.Validate())
}

func TestConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(""))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)

	cfg, err = ParseConfig([]byte("fuse_residual: true\nfixed_point: true\nmax_iterations: 3\npasses: [fc_fuse]\n"))
	require.NoError(t, err)
	assert.True(t, cfg.FuseResidual)
	assert.True(t, cfg.FixedPoint)
	assert.Equal(t, 3, cfg.MaxIterations)
	assert.Equal(t, []string{fusion.FCPassName}, cfg.Passes)

	p, err := NewPipeline(cfg)
	require.NoError(t, err)
	require.Len(t, p.Passes, 1)
	fcPass, ok := p.Passes[0].(*fusion.FCPass)
	require.True(t, ok)
	assert.True(t, fcPass.FuseResidual)
	assert.Equal(t, 3, p.MaxIterations)

	_, err = ParseConfig([]byte("fuse_residuals: true\n"))
	require.Error(t, err, "unknown field")

	_, err = NewPipeline(Config{Passes: []string{"constant_folding"}})
	require.Error(t, err)
	_, err = NewPipeline(Config{MaxIterations: -1})
	require.Error(t, err)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte("passes:\n  - dead_code\n"), 0644))
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, []string{DeadCodePassName}, cfg.Passes)
	assert.False(t, cfg.FuseResidual)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
