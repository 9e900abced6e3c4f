package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"feedsentinel/internal/app"
	"feedsentinel/internal/config"
	"feedsentinel/internal/logging"
	"feedsentinel/internal/server"
)

func main() {
	logger := logging.NewLoggerWithService("feedsentinel")
	if err := rootApp(logger).Run(os.Args); err != nil {
		logger.WithError(err).Fatal("feedsentinel exited")
	}
}

func rootApp(logger logging.Logger) *cli.App {
	return &cli.App{
		Name:  "feedsentinel",
		Usage: "Aggregate threat intelligence feeds and keep them fresh",
		Description: `Fetches security news, vulnerability, regulatory and forum feeds on a
fixed interval, correlates items against MITRE ATT&CK and serves the latest
snapshot over HTTP and an admin gRPC service.

Settings come from a TOML file and can be overridden with FS_* environment
variables, e.g. FS_HTTP_ADDR=:8080 or FS_REFRESH_INTERVAL=10m.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the TOML config file",
				EnvVars: []string{"FS_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			serveCmd(logger),
		},
		Action: func(ctx *cli.Context) error {
			return cli.ShowAppHelp(ctx)
		},
	}
}

func serveCmd(logger logging.Logger) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the refresh scheduler and the API servers",
		Action: func(c *cli.Context) error {
			config.LoadEnv(logger)
			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return err
			}
			a, err := app.Build(cfg, logger)
			if err != nil {
				return err
			}
			return serve(c.Context, a)
		},
	}
}

func serve(parent context.Context, a *app.App) error {
	cfg, logger := a.Config, a.Logger

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New(server.Config{
		Registry:  a.Registry,
		Cache:     a.Cache,
		Scheduler: a.Scheduler,
		Engine:    a.Engine,
		Forums:    forumsOrNil(a),
		Logger:    logger,
	})

	metricsSrv := srv.StartMetrics(cfg.Server.MetricsAddr)
	httpSrv := srv.HTTPServer(cfg.Server.HTTPAddr)
	go func() {
		logger.WithField("addr", cfg.Server.HTTPAddr).Info("Listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("HTTP server error")
			stop()
		}
	}()
	if cfg.Server.GRPCAddr != "" {
		go func() {
			if err := srv.StartGRPC(cfg.Server.GRPCAddr); err != nil {
				logger.WithError(err).Error("gRPC server error")
				stop()
			}
		}()
	}

	// The scheduler outlives the signal context so Stop can apply its grace.
	if err := a.Scheduler.Start(context.WithoutCancel(parent)); err != nil {
		return err
	}
	if a.Forums != nil {
		go func() {
			if err := a.Forums.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.WithError(err).Warn("Forum discovery loop ended")
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case <-a.Scheduler.Done():
		logger.WithError(a.Scheduler.Err()).Error("Refresh scheduler terminated")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Refresh.StopGrace.Duration+5*time.Second)
	defer cancel()

	schedErr := a.Scheduler.Stop(shutdownCtx)
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("HTTP shutdown incomplete")
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Metrics shutdown incomplete")
	}
	srv.StopGRPC()
	return schedErr
}

// forumsOrNil keeps a nil *forum.Directory from becoming a non-nil interface.
func forumsOrNil(a *app.App) server.Forums {
	if a.Forums == nil {
		return nil
	}
	return a.Forums
}
