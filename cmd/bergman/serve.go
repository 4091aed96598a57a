package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/bergman/internal/api"
	"github.com/samcharles93/bergman/internal/encoding"
	"github.com/samcharles93/bergman/internal/logger"
)

func serveCmd() *cli.Command {
	var (
		params        string
		addr          string
		readTimeout   time.Duration
		workers       int64
		storeCapacity int64
		maxBody       int64
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the encoding REST API",
		Flags: []cli.Flag{
			encoderFileFlag(&params),
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
			workersFlag(&workers),
			&cli.Int64Flag{
				Name:        "store-capacity",
				Usage:       "encodings retained for GET /v1/encodings/:id",
				Value:       api.DefaultStoreCapacity,
				Destination: &storeCapacity,
			},
			&cli.Int64Flag{
				Name:        "max-body",
				Usage:       "maximum request body in bytes",
				Value:       api.DefaultMaxBodyBytes,
				Destination: &maxBody,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)

			cfg, err := LoadConfig(configFile)
			if err != nil {
				return err
			}
			applyServeConfig(cmd, cfg, &params, &addr, &workers, &storeCapacity)
			if params == "" {
				return errors.New("--params is required (or set params in config.yaml)")
			}
			enc, err := encoding.LoadCheckpoint(params)
			if err != nil {
				return err
			}

			service := encoding.NewService(enc, int(workers))
			server := api.NewServer(
				api.NewEncodingStore(int(storeCapacity)),
				service,
				api.WithLogger(log),
				api.WithMaxBodyBytes(maxBody),
			)
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			c := enc.Config()
			log.Info("starting server",
				"address", addr,
				"params", params,
				"hidden_dim", c.HiddenDim,
				"output_dim", c.OutputDim,
			)
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
