package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"qms/hospital-queue/internal/config"
	"qms/hospital-queue/internal/logging"
	"qms/hospital-queue/internal/queue"
	"qms/hospital-queue/internal/store"
	"qms/hospital-queue/internal/store/postgres"
	"qms/hospital-queue/internal/store/sqlite"
)

// app is the shared setup every subcommand starts from.
type app struct {
	cfg       config.Config
	logger    *slog.Logger
	tickets   store.TicketStore
	directory store.DirectoryStore
	closers   []func()
}

func newApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger, logCloser := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile})
	slog.SetDefault(logger)

	a := &app{cfg: cfg, logger: logger}
	a.closers = append(a.closers, func() { _ = logCloser.Close() })
	if err := a.openStore(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	switch a.cfg.StoreDriver {
	case "sqlite":
		st, err := sqlite.Open(ctx, a.cfg.SQLitePath)
		if err != nil {
			return fmt.Errorf("open sqlite store: %w", err)
		}
		a.tickets, a.directory = st, st
		a.closers = append(a.closers, func() { _ = st.Close() })
	default:
		pool, err := pgxpool.New(ctx, a.cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("db connect: %w", err)
		}
		st := postgres.NewStore(pool)
		a.tickets, a.directory = st, st
		a.closers = append(a.closers, pool.Close)
	}
	a.logger.Info("store opened", "driver", a.cfg.StoreDriver)
	return nil
}

func (a *app) service() (*queue.Service, error) {
	loc, err := a.cfg.Location()
	if err != nil {
		return nil, err
	}
	return queue.NewService(a.tickets, queue.RealClock(), queue.Options{
		AverageServiceMinutes:  a.cfg.AverageServiceMinutes,
		AllocationAttempts:     a.cfg.AllocationAttempts,
		SingleActivePerCounter: a.cfg.SingleActivePerCounter,
		Location:               loc,
		Logger:                 a.logger,
	}), nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
