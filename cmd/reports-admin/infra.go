package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/target/mmk-report-api/config"
	"github.com/target/mmk-report-api/internal/bootstrap"
)

type infraOptions struct {
	Logger *slog.Logger
	// WantServices also wires the job service and its queue.
	WantServices bool
}

// infra is the set of connections and stores a command works against.
type infra struct {
	Config   *config.AppConfig
	DB       *sql.DB
	Redis    redis.UniversalClient
	Store    bootstrap.Store
	Services bootstrap.ServiceContainer
}

func (i *infra) Close() error {
	var closeErr error
	if i.DB != nil {
		if err := i.DB.Close(); err != nil {
			closeErr = errors.Join(closeErr, fmt.Errorf("close db: %w", err))
		}
	}
	if i.Redis != nil {
		if err := i.Redis.Close(); err != nil {
			closeErr = errors.Join(closeErr, fmt.Errorf("close redis: %w", err))
		}
	}
	return closeErr
}

// connectInfra opens the backends the configured store needs and builds the store on top.
func connectInfra(ctx context.Context, cfg *config.AppConfig, opts infraOptions) (*infra, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dbCfg := bootstrap.DatabaseConfig{DBConfig: cfg.Postgres, RedisConfig: cfg.Redis, Logger: logger}
	out := &infra{}

	if cfg.NeedsPostgres() {
		db, err := bootstrap.ConnectDB(dbCfg)
		if err != nil {
			return nil, fmt.Errorf("connect db: %w", err)
		}
		out.DB = db
	}
	if cfg.NeedsRedis() {
		client, err := bootstrap.ConnectRedis(dbCfg)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("connect redis: %w", err), out.Close())
		}
		out.Redis = client
	}

	deps := bootstrap.StoreDeps{Config: cfg, DB: out.DB, RedisClient: out.Redis, Logger: logger}
	store, err := bootstrap.BuildStore(deps)
	if err != nil {
		return nil, errors.Join(err, out.Close())
	}
	out.Store = store

	if !opts.WantServices {
		return out, nil
	}
	queue, err := bootstrap.BuildQueue(deps)
	if err != nil {
		return nil, errors.Join(err, out.Close())
	}
	services, err := bootstrap.NewServices(&bootstrap.ServiceDeps{
		Config: cfg,
		Store:  store,
		Queue:  queue,
		Logger: logger,
	})
	if err != nil {
		return nil, errors.Join(err, out.Close())
	}
	out.Services = services
	logger.DebugContext(ctx, "admin infrastructure ready", "store", store.Backend)
	return out, nil
}

// withInfra opens infrastructure for the duration of fn.
func (a *app) withInfra(ctx context.Context, opts infraOptions, fn func(*infra) error) (err error) {
	cfg, err := a.config()
	if err != nil {
		return err
	}
	if opts.Logger == nil {
		opts.Logger = a.logger
	}
	in, err := a.openInfra(ctx, cfg, opts)
	if err != nil {
		return err
	}
	if in.Config == nil {
		in.Config = cfg
	}
	defer func() {
		if cerr := in.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()
	return fn(in)
}
