package main

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/samcharles93/scfdev/internal/api"
	"github.com/samcharles93/scfdev/internal/logger"
	"github.com/urfave/cli/v3"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
		maxBodyMiB  int64
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the offload facade over HTTP",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8790",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read header timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
			&cli.Int64Flag{
				Name:        "max-body-mib",
				Usage:       "largest decoded request body",
				Value:       api.DefaultBodyLimit >> 20,
				Destination: &maxBodyMiB,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			if fileConfig.ServerAddress != "" && !cmd.IsSet("addr") {
				addr = fileConfig.ServerAddress
			}

			f, err := openFacade(ctx)
			if err != nil {
				return err
			}
			defer func() {
				if err := f.Close(); err != nil {
					log.Error("release devices", "error", err)
				}
			}()

			server := api.NewServer(f, log, api.WithBodyLimit(maxBodyMiB<<20))
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			log.Info("starting server", "address", addr, "devices", f.DeviceCount(), "backend", f.Stats().Backend)
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
