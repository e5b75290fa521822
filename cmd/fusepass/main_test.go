package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/fusepass/ir"
	"github.com/gomlx/fusepass/pass"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v3"
)

func parsePipelineFlags(t *testing.T, args ...string) pass.Config {
	t.Helper()
	var (
		opts pipelineOptions
		cfg  pass.Config
	)
	cmd := &cli.Command{
		Name:  "test",
		Flags: opts.flags(),
		Action: func(ctx context.Context, cmd *cli.Command) (err error) {
			cfg, err = opts.config(cmd)
			return err
		},
	}
	require.NoError(t, cmd.Run(context.Background(), append([]string{"test"}, args...)))
	return cfg
}

func TestPipelineConfigPrecedence(t *testing.T) {
	assert.Equal(t, pass.DefaultConfig(), parsePipelineFlags(t))

	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte("fuse_residual: true\nmax_iterations: 3\n"), 0644))

	cfg := parsePipelineFlags(t, "--config", path)
	assert.True(t, cfg.FuseResidual)
	assert.Equal(t, 3, cfg.MaxIterations)

	// Flags given explicitly win over the file, the others keep the file values.
	cfg = parsePipelineFlags(t, "--config", path, "--fuse-residual=false", "--passes", pass.DeadCodePassName)
	assert.False(t, cfg.FuseResidual)
	assert.Equal(t, 3, cfg.MaxIterations)
	assert.Equal(t, []string{pass.DeadCodePassName}, cfg.Passes)

	cfg = parsePipelineFlags(t, "--fixed-point", "--max-iterations", "4")
	assert.True(t, cfg.FixedPoint)
	assert.Equal(t, 4, cfg.MaxIterations)
}

func TestRunCommand(t *testing.T) {
	g := ir.New("mlp")
	x := ir.NewVar("x", dtypes.Float32, -1, 2)
	w := must.M1(ir.NewWeight("w", []float32{1, -2, 3, 4, 0.5, -1}, 2, 3))
	b := must.M1(ir.NewWeight("b", []float32{0.1, 0.2, 0.3}, 3))
	y1 := ir.NewVar("y1", dtypes.Float32, -1, 3)
	y2 := ir.NewVar("y2", dtypes.Float32, -1, 3)
	out := ir.NewVar("out", dtypes.Float32, -1, 3)
	require.NoError(t, g.AddInput(x))
	for _, v := range []*ir.Var{w, b, y1, y2, out} {
		require.NoError(t, g.AddVar(v))
	}
	require.NoError(t, g.AddOp(ir.NewOp(ir.OpMatMul).In("X", x).In("Y", w).Out("Out", y1)))
	require.NoError(t, g.AddOp(ir.NewOp(ir.OpElementwiseAdd).In("X", y1).In("Y", b).Out("Out", y2)))
	require.NoError(t, g.AddOp(ir.NewOp(ir.OpActivation).In("X", y2).Out("Out", out).SetAttr(ir.AttrKind, "sigmoid")))
	require.NoError(t, g.MarkOutput(out))

	dir := t.TempDir()
	inPath, outPath := filepath.Join(dir, "mlp.json"), filepath.Join(dir, "fused.json")
	require.NoError(t, ir.Save(g, inPath, false))

	args := []string{"run", "--in", inPath, "--out", outPath, "--external-data", "--verify"}
	require.NoError(t, runCmd().Run(context.Background(), args))

	fused, err := ir.Load(outPath)
	require.NoError(t, err)
	require.Equal(t, 1, fused.NumOps())
	op := fused.Ops()[0]
	assert.Equal(t, ir.OpFC, op.Type)
	assert.Equal(t, "sigmoid", op.StringAttrOr(ir.AttrActivationType, ""))
	assert.Equal(t, ir.LayoutTransposed, fused.Var("w").Layout)
	assert.FileExists(t, outPath+".data")

	// Running again on the fused graph is a no-op, and the weight is not transposed twice.
	again := filepath.Join(dir, "again.json")
	require.NoError(t, runCmd().Run(context.Background(), []string{"run", "-i", outPath, "-o", again}))
	reloaded, err := ir.Load(again)
	require.NoError(t, err)
	assert.Equal(t, fused.Var("w").DataBytes(), reloaded.Var("w").DataBytes())
}
