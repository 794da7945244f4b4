package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/quan-xiao/testmanager/internal/assign"
	"github.com/quan-xiao/testmanager/internal/config"
	"github.com/quan-xiao/testmanager/internal/dispatch"
	"github.com/quan-xiao/testmanager/internal/events"
	"github.com/quan-xiao/testmanager/internal/exitcode"
	"github.com/quan-xiao/testmanager/internal/scheduler"
	"github.com/quan-xiao/testmanager/internal/storage"
	"github.com/quan-xiao/testmanager/internal/store"
	"github.com/quan-xiao/testmanager/internal/telemetry"
)

const configEnvVar = "TESTMANAGER_CONFIG"

func (c *cli) resolveConfigPath() string {
	if c.configPath != "" {
		return c.configPath
	}
	if env := os.Getenv(configEnvVar); env != "" {
		return env
	}
	return "."
}

func (c *cli) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(c.resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// toolLogger keeps one-shot commands quiet on stdout; only warnings reach
// stderr.
func toolLogger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func openStore(ctx context.Context, cfg *config.Config) (*store.SQLStore, func(), error) {
	var (
		db      *sql.DB
		dialect storage.Dialect
		err     error
	)
	switch storage.Dialect(cfg.State.Driver) {
	case storage.Postgres:
		dialect = storage.Postgres
		db, err = storage.OpenPostgres(ctx, cfg.State.DSN)
	default:
		dialect = storage.SQLite
		db, err = storage.OpenSQLite(ctx, cfg.State.Path)
	}
	if err != nil {
		return nil, nil, err
	}
	return store.New(db, dialect), func() { _ = db.Close() }, nil
}

// components are the dispatch pieces shared by serve and the one-shot
// commands that mutate the store.
type components struct {
	store     *store.SQLStore
	engine    *dispatch.Engine
	scheduler *scheduler.Scheduler
}

func wire(cfg *config.Config, st *store.SQLStore, pub events.Publisher, metrics *telemetry.Metrics, logger *slog.Logger) *components {
	policy := assign.NewPolicy(st, logger.With("component", "assign"),
		assign.WithBatch(cfg.Dispatch.CandidateBatch),
		assign.WithRounds(cfg.Dispatch.MaxClaimRounds),
	)
	engine := dispatch.NewEngine(st, policy, dispatch.Options{
		ProgressGrace:  cfg.Dispatch.ProgressGrace,
		EnforceAddress: cfg.Dispatch.EnforceAddress,
		RedirectTo:     cfg.Dispatch.RedirectTo,
	}, logger.With("component", "dispatch"),
		dispatch.WithEvents(pub),
		dispatch.WithMetrics(metrics),
	)
	sched := scheduler.New(scheduler.Config{
		Schedule:        cfg.Sweep.Schedule,
		LivenessTimeout: cfg.Dispatch.LivenessTimeout,
	}, st, engine, pub, metrics, logger)
	return &components{store: st, engine: engine, scheduler: sched}
}

// withStore loads config, opens the store and wires the components for a
// one-shot command. Events from one-shot commands are not published.
func (c *cli) withStore(ctx context.Context, fn func(cfg *config.Config, comp *components) error) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return withCode(exitcode.Init, err)
	}
	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return withCode(exitcode.Init, err)
	}
	defer closeStore()
	return fn(cfg, wire(cfg, st, events.Discard, nil, toolLogger(c.stderr)))
}
