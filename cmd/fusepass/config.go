package main

import (
	"github.com/gomlx/fusepass/pass"
	"github.com/urfave/cli/v3"
)

// pipelineOptions holds the flags that configure the pass pipeline. Flags explicitly given
// override the values of the --config file, which in turn override pass.DefaultConfig.
type pipelineOptions struct {
	configPath    string
	fuseResidual  bool
	fixedPoint    bool
	maxIterations int64
	passes        []string
}

func (o *pipelineOptions) flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "pipeline configuration YAML file",
			Destination: &o.configPath,
		},
		&cli.BoolFlag{
			Name:        "fuse-residual",
			Usage:       "also fuse a residual add following the bias add",
			Destination: &o.fuseResidual,
		},
		&cli.BoolFlag{
			Name:        "fixed-point",
			Usage:       "repeat the passes until no more rewrites happen",
			Destination: &o.fixedPoint,
		},
		&cli.Int64Flag{
			Name:        "max-iterations",
			Usage:       "bound on the fixed-point iterations",
			Value:       pass.DefaultMaxIterations,
			Destination: &o.maxIterations,
		},
		&cli.StringSliceFlag{
			Name:        "passes",
			Usage:       "passes to run, in order (fc_fuse, dead_code)",
			Destination: &o.passes,
		},
	}
}

// config loads the --config file, if given, and applies the flags set in cmd.
func (o *pipelineOptions) config(cmd *cli.Command) (pass.Config, error) {
	cfg := pass.DefaultConfig()
	if o.configPath != "" {
		var err error
		cfg, err = pass.LoadConfig(o.configPath)
		if err != nil {
			return cfg, err
		}
	}
	if cmd.IsSet("fuse-residual") {
		cfg.FuseResidual = o.fuseResidual
	}
	if cmd.IsSet("fixed-point") {
		cfg.FixedPoint = o.fixedPoint
	}
	if cmd.IsSet("max-iterations") {
		cfg.MaxIterations = int(o.maxIterations)
	}
	if cmd.IsSet("passes") {
		cfg.Passes = o.passes
	}
	return cfg, nil
}
