package app

import (
	"context"
	"database/sql"
	"fmt"

	"skyplan/internal/backend"
	"skyplan/internal/batch"
	"skyplan/internal/commit"
	"skyplan/internal/config"
	"skyplan/internal/db"
	"skyplan/internal/events"
	"skyplan/internal/inbox"
	"skyplan/internal/migrate"
	"skyplan/internal/ordercache"
)

// App wires the client together: config, local store, backend client and
// the engines on top of them.
type App struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Events    *events.Writer
	Backend   *backend.Client
	Cache     *ordercache.Store
	Commit    *commit.Engine
	Batches   *batch.Manager
	Inbox     *inbox.View
}

// Open loads skyplan.yml from the workspace, opens and migrates the local
// database and wires the engines. The caller must Close.
func Open(ctx context.Context, workspace string) (*App, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	cache, err := ordercache.Open(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open order cache: %w", err)
	}

	ev := &events.Writer{DB: conn}
	bc := backend.New(cfg.Backend.BaseURL, cfg.Workspace.ID)
	bc.BearerToken = cfg.Backend.Token

	eng := commit.New(bc, cache)
	eng.Events = ev
	eng.LockLevel = cfg.Commit.DefaultLockLevel

	mgr := batch.NewManager(bc)
	mgr.Events = ev
	mgr.DefaultPolicy = cfg.Planning.DefaultPolicy

	view := inbox.NewView(bc)
	view.Events = ev

	return &App{
		Workspace: workspace,
		Config:    cfg,
		DB:        conn,
		Events:    ev,
		Backend:   bc,
		Cache:     cache,
		Commit:    eng,
		Batches:   mgr,
		Inbox:     view,
	}, nil
}

func (a *App) Close() error {
	if a.DB != nil {
		return a.DB.Close()
	}
	return nil
}

// DefaultInboxFilters come from skyplan.yml; CLI flags override them.
func (a *App) DefaultInboxFilters() backend.InboxFilters {
	return backend.InboxFilters{
		PriorityMin:    a.Config.Inbox.PriorityMin,
		DueWithinHours: a.Config.Inbox.DueWithinHours,
	}
}
