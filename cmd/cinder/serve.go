package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/cinder/internal/api"
	"github.com/samcharles93/cinder/internal/inference"
	"github.com/samcharles93/cinder/internal/logger"
	"github.com/samcharles93/cinder/internal/metrics"
	"github.com/samcharles93/cinder/internal/webui"
)

func serveCmd() *cli.Command {
	var (
		addr           string
		readTimeout    time.Duration
		requestTimeout time.Duration
		maxSessions    int64
		webUI          bool
		emissionMode   string
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve generation over HTTP with server-sent events",
		Flags: append(commonModelFlags(),
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
			&cli.DurationFlag{
				Name:        "request-timeout",
				Usage:       "upper bound on one generation (0 = until the client leaves)",
				Value:       5 * time.Minute,
				Destination: &requestTimeout,
			},
			&cli.Int64Flag{
				Name:        "max-sessions",
				Usage:       "sessions decoding at once (0 = unlimited)",
				Value:       4,
				Destination: &maxSessions,
			},
			&cli.BoolFlag{
				Name:        "web-ui",
				Usage:       "serve the browser playground at /",
				Value:       true,
				Destination: &webUI,
			},
			&cli.StringFlag{
				Name:        "emission-mode",
				Aliases:     []string{"mode"},
				Usage:       "mode for requests without emission_mode (backpressure, drop; empty = required)",
				Value:       "backpressure",
				Destination: &emissionMode,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyServeConfig(cmd, fileConfig, &addr, &requestTimeout, &maxSessions)
			if fileConfig.EmissionMode != "" && !cmd.IsSet("emission-mode") {
				emissionMode = fileConfig.EmissionMode
			}
			var mode inference.EmissionMode
			if emissionMode != "" {
				m, err := inference.ParseEmissionMode(emissionMode)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
				mode = m
			}

			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
			met, err := metrics.Register(reg)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: register metrics: %v", err), 1)
			}

			engine, loaded, err := loadEngine(cmd, log,
				inference.WithMetrics(met),
				inference.WithMaxSessions(int(maxSessions)),
			)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load model: %v", err), 1)
			}
			var ui http.Handler
			if webUI {
				ui = webui.Handler()
			}
			server, err := api.NewServer(api.ServerConfig{
				Engine:         engine,
				Tokenizer:      loaded.Tokenizer,
				Defaults:       loaded.GenerationDefaults,
				Logger:         log,
				RequestTimeout: requestTimeout,
				Gatherer:       reg,
				WebUI:          ui,
				Mode:           mode,
			})
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			log.Info("starting server", "address", addr, "max_sessions", maxSessions, "default_mode", emissionMode)
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

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c *cli.Command, cfg Config, addr *string, requestTimeout *time.Duration, maxSessions *int64) {
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
	if cfg.RequestTimeout != nil && !c.IsSet("request-timeout") {
		*requestTimeout = *cfg.RequestTimeout
	}
	if cfg.MaxSessions != nil && !c.IsSet("max-sessions") {
		*maxSessions = *cfg.MaxSessions
	}
}
