package main

import (
	"context"
	"net/http"
	"time"

	"github.com/gomlx/fusepass/internal/server"
	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"
	"k8s.io/klog/v2"
)

func serveCmd() *cli.Command {
	var (
		opts         pipelineOptions
		addr         string
		readTimeout  time.Duration
		maxBodyBytes int64
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the pipeline over HTTP (POST /v1/fuse)",
		Flags: append(opts.flags(),
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read header timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
			&cli.Int64Flag{
				Name:        "max-body-bytes",
				Usage:       "largest graph accepted, weights included",
				Value:       server.DefaultMaxBodyBytes,
				Destination: &maxBodyBytes,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := opts.config(cmd)
			if err != nil {
				return err
			}
			srv := server.New(cfg)
			srv.MaxBodyBytes = maxBodyBytes

			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			srv.Register(e)
			klog.Infof("serving on %s, passes %q", addr, cfg.Passes)
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(s *http.Server) error {
					s.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
