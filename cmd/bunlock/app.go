package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/kartikbazzad/bunbase/bunlock/internal/config"
	"github.com/kartikbazzad/bunbase/bunlock/internal/conversation"
	"github.com/kartikbazzad/bunbase/bunlock/internal/lock"
	"github.com/kartikbazzad/bunbase/bunlock/internal/logger"
	"github.com/kartikbazzad/bunbase/bunlock/internal/record"
	"github.com/kartikbazzad/bunbase/bunlock/internal/session"
	"github.com/kartikbazzad/bunbase/bunlock/internal/store"
	"github.com/kartikbazzad/bunbase/bunlock/internal/store/memstore"
	"github.com/kartikbazzad/bunbase/bunlock/internal/store/pgstore"
	"github.com/kartikbazzad/bunbase/bunlock/internal/store/sqlstore"
)

// demoGuides are inserted into an empty store.
var demoGuides = []record.Guide{
	{StaffID: "2000MO10789", Name: "Mike Lawson", Salary: 1000},
	{StaffID: "2000IM10901", Name: "Ian Lamb", Salary: 2000},
	{StaffID: "2000DO10777", Name: "David Crow", Salary: 3000},
}

// app holds the process-wide handles every command shares.
type app struct {
	cfg     *config.Config
	log     *slog.Logger
	factory *session.Factory
	coord   *conversation.Coordinator
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case config.DriverSQLite:
		if dir := filepath.Dir(cfg.Store.Path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create data directory: %w", err)
			}
		}
		return sqlstore.Open(cfg.Store.Path, sqlstore.WithLockTimeout(cfg.Lock.Timeout))
	case config.DriverPostgres:
		return pgstore.Open(ctx, cfg.Store.DSN, pgstore.WithLockTimeout(cfg.Lock.Timeout))
	default:
		return memstore.New(memstore.WithLockTimeout(cfg.Lock.Timeout)), nil
	}
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger.Init(cfg.Log)
	log := logger.Get()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	log.Debug("Store opened", "driver", cfg.Store.Driver)

	f := session.NewFactory(st, session.WithLogger(log))
	return &app{
		cfg:     cfg,
		log:     log,
		factory: f,
		coord:   conversation.NewCoordinator(f, log),
	}, nil
}

func (a *app) Close() error {
	return a.factory.Close()
}

// seed inserts the demo guides if the store has none and returns how many it added.
func (a *app) seed(ctx context.Context) (int, error) {
	s := a.factory.Open()
	if err := s.Begin(ctx); err != nil {
		return 0, err
	}
	n, err := s.Aggregate(ctx, store.All(), store.Count)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		return 0, s.Close(ctx)
	}
	for _, g := range demoGuides {
		g := g
		if err := s.Insert(ctx, &g); err != nil {
			s.Rollback(ctx)
			return 0, err
		}
	}
	return len(demoGuides), s.Commit(ctx)
}

// firstGuide returns the lowest identity, the guide the demos work on.
func (a *app) firstGuide(ctx context.Context) (int64, error) {
	s := a.factory.Open()
	if err := s.Begin(ctx); err != nil {
		return 0, err
	}
	defer s.Close(ctx)
	guides, err := s.BulkRead(ctx, store.All(), lock.None)
	if err != nil {
		return 0, err
	}
	if len(guides) == 0 {
		return 0, fmt.Errorf("no guides stored, run seed first")
	}
	return guides[0].ID, nil
}
