package main

import (
	"context"
	"fmt"

	"github.com/gomlx/fusepass/ir"
	"github.com/urfave/cli/v3"
)

func inspectCmd() *cli.Command {
	var dump bool
	return &cli.Command{
		Name:      "inspect",
		Usage:     "Print a summary of a graph file",
		ArgsUsage: "<graph.json>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "dump", Usage: "list every var and op", Destination: &dump},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 1 {
				return cli.Exit("error: inspect takes exactly one graph file", 1)
			}
			g, err := ir.Load(cmd.Args().First())
			if err != nil {
				return err
			}
			if dump {
				fmt.Print(g.Dump())
			} else {
				fmt.Print(g.String())
			}
			return nil
		},
	}
}
