package main

import (
	"context"
	"math/rand/v2"
	"os"
	"slices"

	"github.com/chewxy/math32"
	"github.com/goccy/go-json"
	"github.com/gomlx/fusepass/backend"
	"github.com/gomlx/fusepass/ir"
	"github.com/gomlx/fusepass/pass"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v3"
	"k8s.io/klog/v2"
)

func runCmd() *cli.Command {
	var (
		opts         pipelineOptions
		inPath       string
		outPath      string
		externalData bool
		reportJSON   bool
		verify       bool
		verifyBatch  int64
		tolerance    float64
	)

	return &cli.Command{
		Name:  "run",
		Usage: "Run the pass pipeline on a graph file and save the rewritten graph",
		Flags: append(opts.flags(),
			&cli.StringFlag{
				Name:        "in",
				Aliases:     []string{"i"},
				Usage:       "input graph file",
				Required:    true,
				Destination: &inPath,
			},
			&cli.StringFlag{
				Name:        "out",
				Aliases:     []string{"o"},
				Usage:       "output graph file",
				Required:    true,
				Destination: &outPath,
			},
			&cli.BoolFlag{
				Name:        "external-data",
				Usage:       "save the weights to <out>.data instead of embedding them",
				Destination: &externalData,
			},
			&cli.BoolFlag{
				Name:        "report-json",
				Usage:       "print the pipeline report as JSON to stdout",
				Destination: &reportJSON,
			},
			&cli.BoolFlag{
				Name:        "verify",
				Usage:       "execute the graph before and after the pipeline on random inputs and compare the outputs",
				Destination: &verify,
			},
			&cli.Int64Flag{
				Name:        "verify-batch",
				Usage:       "value used for unknown dimensions of the inputs when verifying",
				Value:       2,
				Destination: &verifyBatch,
			},
			&cli.Float64Flag{
				Name:        "tolerance",
				Usage:       "largest absolute difference accepted when verifying",
				Value:       1e-3,
				Destination: &tolerance,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := opts.config(cmd)
			if err != nil {
				return err
			}
			pipeline, err := pass.NewPipeline(cfg)
			if err != nil {
				return err
			}
			g, err := ir.Load(inPath)
			if err != nil {
				return err
			}
			klog.Infof("loaded %s", g)

			var original *ir.Graph
			if verify {
				if original, err = cloneGraph(g); err != nil {
					return err
				}
			}

			report, err := pipeline.Run(g)
			if err != nil {
				return err
			}
			klog.Infof("%d rewrites in %d iterations: %s", report.Rewrites, report.Iterations, g)

			if verify {
				maxDiff, err := compareOutputs(original, g, int(verifyBatch))
				if err != nil {
					return err
				}
				if float64(maxDiff) > tolerance {
					return errors.Errorf("rewritten graph outputs differ by %g, more than the tolerance %g", maxDiff, tolerance)
				}
				klog.Infof("verified: largest output difference is %g", maxDiff)
			}

			if err = ir.Save(g, outPath, externalData); err != nil {
				return err
			}
			if reportJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			return nil
		},
	}
}

// cloneGraph deep-copies g, weights included, through its serialized form.
func cloneGraph(g *ir.Graph) (*ir.Graph, error) {
	encoded, err := ir.Encode(g)
	if err != nil {
		return nil, err
	}
	return ir.Decode(encoded)
}

// randomInputs creates uniform [-1, 1) values for the float32 inputs of g, using batchSize for
// unknown dimensions.
func randomInputs(g *ir.Graph, batchSize int, rng *rand.Rand) (map[string]*tensors.Tensor, error) {
	inputs := make(map[string]*tensors.Tensor)
	for _, v := range g.Inputs() {
		if v.DType != dtypes.Float32 {
			return nil, errors.Errorf("can only verify float32 inputs, %q is %s", v.Name, v.DType)
		}
		dims := slices.Clone(v.Dims)
		size := 1
		for ii, d := range dims {
			if d < 0 {
				dims[ii] = batchSize
			}
			size *= dims[ii]
		}
		data := make([]float32, size)
		for ii := range data {
			data[ii] = rng.Float32()*2 - 1
		}
		inputs[v.Name] = tensors.FromFlatDataAndDimensions(data, dims...)
	}
	return inputs, nil
}

// compareOutputs executes both graphs with the same random inputs and returns the largest
// absolute difference between their outputs.
func compareOutputs(want, got *ir.Graph, batchSize int) (float32, error) {
	exec, err := backend.New()
	if err != nil {
		return 0, err
	}
	inputs, err := randomInputs(want, batchSize, rand.New(rand.NewPCG(1, 1)))
	if err != nil {
		return 0, err
	}
	wantOutputs, err := exec.Execute(want, inputs)
	if err != nil {
		return 0, errors.WithMessage(err, "original graph")
	}
	gotOutputs, err := exec.Execute(got, inputs)
	if err != nil {
		return 0, errors.WithMessage(err, "rewritten graph")
	}
	var maxDiff float32
	for name, wantT := range wantOutputs {
		gotT, found := gotOutputs[name]
		if !found {
			return 0, errors.Errorf("output %q missing from the rewritten graph", name)
		}
		if !slices.Equal(wantT.Shape().Dimensions, gotT.Shape().Dimensions) {
			return 0, errors.Errorf("output %q changed shape from %s to %s", name, wantT.Shape(), gotT.Shape())
		}
		wantFlat, gotFlat := tensors.MustCopyFlatData[float32](wantT), tensors.MustCopyFlatData[float32](gotT)
		for ii := range wantFlat {
			maxDiff = math32.Max(maxDiff, math32.Abs(wantFlat[ii]-gotFlat[ii]))
		}
	}
	return maxDiff, nil
}
