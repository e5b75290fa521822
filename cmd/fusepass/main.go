// fusepass rewrites inference graphs with the fc fusion pass pipeline.
//
// Commands:
//
//	fusepass run --in model.json --out fused.json [--fuse-residual] [--config pipeline.yaml]
//	fusepass inspect model.json
//	fusepass serve --addr 127.0.0.1:8080
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/urfave/cli/v3"
	"k8s.io/klog/v2"
)

var verbosity int64

func main() {
	app := &cli.Command{
		Name:  "fusepass",
		Usage: "Fuse matmul+bias(+residual)(+activation) chains of inference graphs into fc ops",
		Flags: []cli.Flag{
			&cli.Int64Flag{
				Name:        "v",
				Usage:       "log verbosity: 1 logs each rewrite, 2 each rejected match",
				Destination: &verbosity,
			},
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			return ctx, initLogging(verbosity)
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			runCmd(),
			inspectCmd(),
			serveCmd(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		klog.Flush()
		os.Exit(1)
	}
	klog.Flush()
}

// initLogging configures klog, whose flags live in a private flag set so they don't leak into
// the CLI.
func initLogging(v int64) error {
	fs := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(fs)
	if err := fs.Set("v", strconv.FormatInt(v, 10)); err != nil {
		return err
	}
	return fs.Set("logtostderr", "true")
}
