// Package jobrunner runs report jobs pulled from the dispatch queue on a fixed pool of workers.
package jobrunner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/target/mmk-report-api/internal/core"
	obserrors "github.com/target/mmk-report-api/internal/observability/errors"
	"github.com/target/mmk-report-api/internal/observability/statsd"
	"golang.org/x/sync/errgroup"
)

// JobExecutor runs one job to a terminal state.
type JobExecutor interface {
	RunJob(ctx context.Context, jobID string) error
}

const (
	defaultJobTimeout     = 2 * time.Minute
	defaultDequeueBackoff = time.Second
)

// RunnerOptions configures the job runner adapter.
type RunnerOptions struct {
	Queue  core.JobQueue
	Jobs   JobExecutor
	Logger *slog.Logger

	Concurrency int           // number of worker goroutines; defaults to 1
	JobTimeout  time.Duration // budget for one job; defaults to 2m

	// DequeueBackoff is the pause after a failed dequeue; defaults to 1s.
	DequeueBackoff time.Duration

	Metrics statsd.Sink
}

// Runner pulls job ids from the queue and executes them.
type Runner struct {
	queue          core.JobQueue
	jobs           JobExecutor
	logger         *slog.Logger
	workers        int
	jobTimeout     time.Duration
	dequeueBackoff time.Duration
	metrics        statsd.Sink
}

// NewRunner constructs a Runner.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Queue == nil {
		return nil, errors.New("job queue is required")
	}
	if opts.Jobs == nil {
		return nil, errors.New("job executor is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	workers := opts.Concurrency
	if workers <= 0 {
		workers = 1
	}
	timeout := opts.JobTimeout
	if timeout <= 0 {
		timeout = defaultJobTimeout
	}
	backoff := opts.DequeueBackoff
	if backoff <= 0 {
		backoff = defaultDequeueBackoff
	}

	return &Runner{
		queue:          opts.Queue,
		jobs:           opts.Jobs,
		logger:         logger.With("component", "job_runner"),
		workers:        workers,
		jobTimeout:     timeout,
		dequeueBackoff: backoff,
		metrics:        opts.Metrics,
	}, nil
}

// Run starts the workers and blocks until ctx is cancelled and every in-flight
// job has finished. Jobs already dequeued run to completion on their own budget.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting job runner", "workers", r.workers, "job_timeout", r.jobTimeout)

	g, gctx := errgroup.WithContext(ctx)
	for worker := range r.workers {
		g.Go(func() error {
			return r.workerLoop(gctx, worker)
		})
	}

	err := g.Wait()
	r.logger.InfoContext(ctx, "job runner stopped")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (r *Runner) workerLoop(ctx context.Context, worker int) error {
	for {
		jobID, err := r.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.ErrorContext(ctx, "dequeue job", "worker", worker, "error", err)
			r.count("runner.dequeue_error", map[string]string{"error_class": obserrors.Classify(err)})
			if !r.sleep(ctx, r.dequeueBackoff) {
				return ctx.Err()
			}
			continue
		}
		r.processJob(ctx, worker, jobID)
	}
}

// processJob runs one job on a context detached from shutdown so a stop request
// drains the job instead of abandoning it in the running state.
func (r *Runner) processJob(ctx context.Context, worker int, jobID string) {
	jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.jobTimeout)
	defer cancel()

	start := time.Now()
	err := r.runSafely(jctx, jobID)
	result := "success"
	if err != nil {
		result = "error"
		r.logger.ErrorContext(ctx, "run job", "worker", worker, "job_id", jobID, "error", err)
	}
	if r.metrics != nil {
		r.metrics.Timing("runner.job", time.Since(start), map[string]string{"result": result})
	}
}

func (r *Runner) runSafely(ctx context.Context, jobID string) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("job %s panicked: %v", jobID, p)
		}
	}()
	return r.jobs.RunJob(ctx, jobID)
}

func (r *Runner) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (r *Runner) count(name string, tags map[string]string) {
	if r.metrics != nil {
		r.metrics.Count(name, 1, tags)
	}
}
