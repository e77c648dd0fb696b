package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/target/mmk-report-api/config"
	"github.com/target/mmk-report-api/internal/adapters/jobrunner"
	"github.com/target/mmk-report-api/internal/adapters/sweeper"
	"github.com/target/mmk-report-api/internal/core"
	"github.com/target/mmk-report-api/internal/observability/statsd"
	"github.com/target/mmk-report-api/internal/service"
)

// ReportRunnerConfig contains configuration for the report worker pool.
type ReportRunnerConfig struct {
	Queue       core.JobQueue
	Jobs        *service.JobService
	Logger      *slog.Logger
	Concurrency int
	JobTimeout  time.Duration
	Metrics     statsd.Sink
}

// RunReportRunner starts the report worker pool and blocks until ctx is done.
func RunReportRunner(ctx context.Context, cfg ReportRunnerConfig) error {
	opts := jobrunner.RunnerOptions{
		Queue:       cfg.Queue,
		Logger:      cfg.Logger,
		Concurrency: cfg.Concurrency,
		JobTimeout:  cfg.JobTimeout,
		Metrics:     cfg.Metrics,
	}
	if cfg.Jobs != nil {
		opts.Jobs = cfg.Jobs
	}
	runner, err := jobrunner.NewRunner(opts)
	if err != nil {
		return fmt.Errorf("create report runner: %w", err)
	}
	if runErr := runner.Run(ctx); runErr != nil {
		return fmt.Errorf("run report runner: %w", runErr)
	}
	return nil
}

// SweeperConfig contains configuration for the sweeper.
type SweeperConfig struct {
	Repo    core.JobRepository
	Jobs    *service.JobService
	Logger  *slog.Logger
	Config  config.SweeperConfig
	Metrics statsd.Sink
}

// RunSweeper starts the sweeper loop.
func RunSweeper(ctx context.Context, cfg SweeperConfig) error {
	runner, err := sweeper.NewRunner(sweeper.RunnerOptions{
		Repo:    cfg.Repo,
		Jobs:    cfg.Jobs,
		Config:  cfg.Config,
		Logger:  cfg.Logger,
		Metrics: cfg.Metrics,
	})
	if err != nil {
		return fmt.Errorf("create sweeper runner: %w", err)
	}
	return runner.Run(ctx)
}
