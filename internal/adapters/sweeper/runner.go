// Package sweeper provides the adapter that runs the stale-job sweeper loop.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/target/mmk-report-api/config"
	"github.com/target/mmk-report-api/internal/core"
	"github.com/target/mmk-report-api/internal/observability/statsd"
	"github.com/target/mmk-report-api/internal/service"
)

// Runner wires and runs a SweeperService.
type Runner struct {
	sweeper *service.SweeperService
	logger  *slog.Logger
}

// RunnerOptions holds the dependencies for creating a Runner.
type RunnerOptions struct {
	Repo   core.JobRepository
	Jobs   *service.JobService
	Config config.SweeperConfig
	Logger *slog.Logger

	Metrics statsd.Sink
}

// NewRunner creates a new sweeper runner with the given options.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Repo == nil {
		return nil, errors.New("job repository is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	svc, err := service.NewSweeperService(service.SweeperServiceOptions{
		Repo:    opts.Repo,
		Jobs:    opts.Jobs,
		Config:  opts.Config,
		Logger:  opts.Logger,
		Metrics: opts.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("wire sweeper service: %w", err)
	}

	return &Runner{sweeper: svc, logger: opts.Logger}, nil
}

// Run starts the sweeper loop and runs until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting sweeper runner")
	return r.sweeper.Run(ctx)
}

// RunOnce performs a single pass, for operators and the admin CLI.
func (r *Runner) RunOnce(ctx context.Context) (service.SweepResult, error) {
	return r.sweeper.RunOnce(ctx)
}
