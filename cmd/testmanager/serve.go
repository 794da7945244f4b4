package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/quan-xiao/testmanager/internal/api"
	"github.com/quan-xiao/testmanager/internal/dispatch"
	"github.com/quan-xiao/testmanager/internal/events"
	"github.com/quan-xiao/testmanager/internal/exitcode"
	"github.com/quan-xiao/testmanager/internal/lock"
	"github.com/quan-xiao/testmanager/internal/log"
	"github.com/quan-xiao/testmanager/internal/storage"
	"github.com/quan-xiao/testmanager/internal/telemetry"
)

const eventBufferSize = 256

func (c *cli) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runServe(cmd.Context())
		},
	}
}

func (c *cli) runServe(parent context.Context) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return withCode(exitcode.Init, err)
	}

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("testmanager starting", "version", version, "config_dir", cfg.ConfigDir, "driver", cfg.State.Driver)

	// SQLite must have exactly one coordinator; Postgres relies on the
	// conditional updates alone.
	if storage.Dialect(cfg.State.Driver) == storage.SQLite && cfg.Service.PIDFile != "" {
		pidLock, err := lock.AcquirePIDLock(cfg.Service.PIDFile)
		if err != nil {
			logger.Error("failed to acquire PID lock (another instance may be running)", "path", cfg.Service.PIDFile, "error", err)
			return withCode(exitcode.Init, err)
		}
		defer pidLock.Release()
		logger.Info("acquired PID lock", "path", pidLock.Path())
	}

	diag, err := log.OpenDiagnostic(cfg.Service.DiagnosticLog)
	if err != nil {
		return withCode(exitcode.Init, err)
	}
	defer diag.Close()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mp, shutdownMetrics, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName: cfg.Service.Name,
		Exporter:    cfg.Telemetry.Exporter,
		Interval:    cfg.Telemetry.Interval,
	})
	if err != nil {
		return withCode(exitcode.Init, err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			logger.Warn("metrics shutdown failed", "error", err)
		}
	}()
	metrics, err := telemetry.New(mp)
	if err != nil {
		return withCode(exitcode.Init, err)
	}

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error("failed to open task store", "driver", cfg.State.Driver, "error", err)
		return withCode(exitcode.Init, err)
	}
	defer closeStore()
	logger.Info("task store opened", "driver", cfg.State.Driver)

	hub := events.NewHub(eventBufferSize)
	comp := wire(cfg, st, hub, metrics, log.Get())
	boundary := dispatch.NewBoundary(comp.engine, diag.Logger, log.WithComponent("boundary"), metrics)

	// Recovery has to finish before the API accepts testbox requests.
	if cfg.Sweep.Enabled {
		if err := comp.scheduler.Start(ctx); err != nil {
			return withCode(exitcode.Init, err)
		}
	} else {
		if err := comp.scheduler.Recover(ctx); err != nil {
			return withCode(exitcode.Init, fmt.Errorf("crash recovery failed: %w", err))
		}
		logger.Warn("periodic sweep disabled; use POST /sweep or `testmanager sweep`")
	}

	srv := api.New(api.Config{
		Listen:      cfg.API.Listen,
		APIKey:      cfg.API.Auth.APIKey,
		MaxAttempts: cfg.Dispatch.MaxAttempts,
	}, boundary, st, comp.engine, comp.scheduler, hub, log.WithComponent("api"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		comp.scheduler.Stop()
		return nil
	})

	logger.Info("testmanager running (press Ctrl+C to stop)", "listen", cfg.API.Listen)
	if err := g.Wait(); err != nil {
		logger.Error("component failed", "error", err)
		return withCode(exitcode.Failure, err)
	}
	logger.Info("testmanager stopped")
	return nil
}
