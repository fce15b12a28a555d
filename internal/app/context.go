package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"fleetinspect/internal/cache"
	"fleetinspect/internal/config"
	"fleetinspect/internal/db"
	"fleetinspect/internal/engine"
	"fleetinspect/internal/events"
	"fleetinspect/internal/migrate"
	"fleetinspect/internal/remote"
	"fleetinspect/internal/syncq"
	"fleetinspect/pkg/log"
)

// Context holds every component of one process, wired around a workspace.
type Context struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Cache     *cache.Cache
	Remote    remote.Service
	Queue     *syncq.Queue
	Journal   events.Journal
	Engine    *engine.Engine
	Log       log.Logger
}

type Options struct {
	Workspace string
	// Config is loaded from the workspace when nil.
	Config *config.Config
	// Service replaces the JSON-RPC client.
	Service remote.Service
	Logger  log.Logger
	// Restore reinstates a cached session and cached company settings.
	Restore bool
}

// Open builds the session context: database, cache, remote client, sync
// queue, journal and engine.
func Open(ctx context.Context, opts Options) (*Context, error) {
	cfg := opts.Config
	if cfg == nil {
		var err error
		if cfg, err = config.LoadOptional(opts.Workspace); err != nil {
			return nil, err
		}
	}
	logger := opts.Logger
	if logger == nil {
		l, err := log.NewLogger(&cfg.Log)
		if err != nil {
			return nil, err
		}
		logger = l
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	svc := opts.Service
	if svc == nil {
		client, err := remote.New(cfg.Remote, logger)
		if err != nil {
			conn.Close()
			return nil, err
		}
		svc = client
	}
	store := cache.New(conn, cfg.Cache, logger)
	q := syncq.New(store, svc, logger)
	q.DrainTimeout = cfg.Remote.Timeout * 4
	journal := events.Journal{DB: conn}
	eng := engine.New(engine.Options{
		Store:   store,
		Service: svc,
		Queue:   q,
		Journal: journal,
		Config:  cfg,
		Logger:  logger,
	})
	c := &Context{
		Workspace: opts.Workspace,
		Config:    cfg,
		DB:        conn,
		Cache:     store,
		Remote:    svc,
		Queue:     q,
		Journal:   journal,
		Engine:    eng,
		Log:       logger,
	}
	if opts.Restore {
		if err := c.restore(ctx); err != nil {
			c.Close()
			return nil, err
		}
	}
	return c, nil
}

func (c *Context) restore(ctx context.Context) error {
	if _, err := c.Engine.LoadCachedSettings(ctx); err != nil {
		c.Log.Warn("cached settings unreadable", "error", err.Error())
	}
	ok, err := c.Engine.RestoreFromCache(ctx)
	if err != nil && !errors.Is(err, engine.ErrSessionInProgress) {
		return fmt.Errorf("restore session: %w", err)
	}
	if ok {
		c.Log.Debug("session restored from cache")
	}
	return nil
}

// Close waits for background drains and releases the database.
func (c *Context) Close() error {
	c.Engine.Close()
	c.Queue.Wait()
	_ = c.Log.Sync()
	return c.DB.Close()
}
