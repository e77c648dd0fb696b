package bootstrap

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/target/mmk-report-api/config"
	"github.com/target/mmk-report-api/internal/adapters/queue"
	"github.com/target/mmk-report-api/internal/core"
	"github.com/target/mmk-report-api/internal/data"
)

// Store is the selected job/report persistence backend.
type Store struct {
	Jobs    core.JobRepository
	Reports core.ReportRepository
	Backend config.StoreBackend
}

// StoreDeps groups what BuildStore and BuildQueue may need.
type StoreDeps struct {
	Config      *config.AppConfig
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
}

// BuildStore picks the job/report store named by the configuration.
func BuildStore(deps StoreDeps) (Store, error) {
	if deps.Config == nil {
		return Store{}, errors.New("config is required")
	}
	backend := deps.Config.Store.Backend

	switch backend {
	case config.StoreBackendPostgres:
		if deps.DB == nil {
			return Store{}, errors.New("postgres store requires a database connection")
		}
		return Store{
			Jobs:    data.NewJobRepo(deps.DB, data.RepoConfig{Logger: deps.Logger}),
			Reports: data.NewReportRepo(deps.DB),
			Backend: backend,
		}, nil

	case config.StoreBackendRedis:
		if deps.RedisClient == nil {
			return Store{}, errors.New("redis store requires a redis connection")
		}
		rs := data.NewRedisStore(deps.RedisClient, data.RedisStoreConfig{
			Prefix:       deps.Config.Store.RedisPrefix,
			SweepLockTTL: deps.Config.Sweeper.Interval * 4,
			Logger:       deps.Logger,
		})
		return Store{Jobs: rs.Jobs(), Reports: rs.Reports(), Backend: backend}, nil

	case config.StoreBackendMemory:
		if deps.Logger != nil {
			deps.Logger.Warn("using in-memory job store; jobs and reports are lost on restart")
		}
		ms := data.NewMemoryStore(nil)
		return Store{Jobs: ms.Jobs(), Reports: ms.Reports(), Backend: backend}, nil
	}
	return Store{}, fmt.Errorf("unknown store backend %q", backend)
}

// BuildQueue picks the dispatch queue named by the configuration.
//
//nolint:ireturn // the queue backend is chosen at runtime.
func BuildQueue(deps StoreDeps) (core.JobQueue, error) {
	if deps.Config == nil {
		return nil, errors.New("config is required")
	}
	rc := deps.Config.ReportRunner

	switch rc.Queue {
	case config.QueueBackendRedis:
		if deps.RedisClient == nil {
			return nil, errors.New("redis queue requires a redis connection")
		}
		return queue.NewRedis(deps.RedisClient, queue.RedisOptions{Key: rc.QueueKey, Capacity: rc.QueueSize}), nil
	case config.QueueBackendMemory:
		return queue.NewMemory(rc.QueueSize), nil
	}
	return nil, fmt.Errorf("unknown queue backend %q", rc.Queue)
}
