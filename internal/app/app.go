// Package app wires storage, the ledger store, the engine and the task
// queue from one configuration.
package app

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"rulegate/internal/config"
	"rulegate/internal/db"
	"rulegate/internal/domain"
	"rulegate/internal/engine"
	"rulegate/internal/migrate"
	"rulegate/internal/pipeline"
	"rulegate/internal/queue"
	"rulegate/internal/repo"
	"rulegate/internal/store"
)

type App struct {
	Config  *config.Config
	Backend db.Backend
	DB      *sqlx.DB
	Repo    *repo.Repo
	Store   *store.Store
	Engine  engine.Engine
	Queue   *queue.TaskQueue
	Log     logrus.FieldLogger
}

type Options struct {
	Executor pipeline.Executor
	// Inline runs submitted tasks before SubmitTask returns instead of
	// queueing them.
	Inline bool
	// SkipSeed leaves an empty ledger without an initial active ruleset.
	SkipSeed bool
}

// Bootstrap opens the configured backend, migrates it, hydrates the ledger
// from it and builds the engine.
func Bootstrap(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger, opts Options) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	backend, err := db.ParseBackend(cfg.Storage.Backend)
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Backend: backend, Log: logger}

	var mirror store.Mirror
	if backend != db.BackendNone {
		conn, err := db.Open(db.Config{Backend: backend, DSN: cfg.Storage.DSN, Workspace: cfg.Storage.Workspace})
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", backend, err)
		}
		if err := migrate.Migrate(conn); err != nil {
			conn.Close()
			return nil, fmt.Errorf("migrate %s: %w", backend, err)
		}
		a.DB = conn
		a.Repo = &repo.Repo{DB: conn}
		mirror = *a.Repo
	}
	a.Store = store.New(mirror)
	if err := a.Store.Load(ctx); err != nil {
		a.closeDB()
		return nil, err
	}

	engOpts := []engine.Option{engine.WithLogger(logger)}
	if opts.Executor != nil {
		engOpts = append(engOpts, engine.WithExecutor(opts.Executor))
	}
	a.Engine = engine.New(a.Store, cfg, engOpts...)
	if !opts.Inline {
		a.Queue = queue.New(nil, logger,
			queue.WithWorkers(cfg.Queue.Workers),
			queue.WithQueueSize(cfg.Queue.Size),
			queue.WithProcessTimeout(cfg.Queue.ProcessTimeout),
		)
		a.Engine.Dispatcher = a.Queue
		a.Queue.SetRunner(a.Engine)
	}

	if !opts.SkipSeed {
		th := domain.Thresholds{TLow: cfg.Thresholds.TLow, THigh: cfg.Thresholds.THigh}
		if _, _, err := a.Engine.SeedRuleset(ctx, "v1", th); err != nil {
			a.Close(ctx)
			return nil, fmt.Errorf("seed ruleset: %w", err)
		}
	}
	logger.WithFields(logrus.Fields{
		"backend":  backend.String(),
		"tasks":    countOf(a.Store, func(r store.Reader) int { return len(r.Tasks()) }),
		"rulesets": countOf(a.Store, func(r store.Reader) int { return len(r.Rulesets()) }),
		"events":   a.Store.Audit().Len(),
	}).Info("ledger ready")
	return a, nil
}

func countOf(st *store.Store, fn func(store.Reader) int) int {
	n := 0
	_ = st.View(func(r store.Reader) error {
		n = fn(r)
		return nil
	})
	return n
}

// Close drains the queue and closes the database.
func (a *App) Close(ctx context.Context) {
	if a.Queue != nil {
		a.Queue.Shutdown(ctx)
	}
	a.closeDB()
}

func (a *App) closeDB() {
	if a.DB != nil {
		a.DB.Close()
		a.DB = nil
	}
}
