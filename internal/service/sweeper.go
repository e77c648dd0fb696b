package service

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/target/mmk-report-api/config"
	"github.com/target/mmk-report-api/internal/core"
	"github.com/target/mmk-report-api/internal/domain/model"
	obserrors "github.com/target/mmk-report-api/internal/observability/errors"
	"github.com/target/mmk-report-api/internal/observability/metrics"
	"github.com/target/mmk-report-api/internal/observability/statsd"
)

// SweeperServiceOptions groups dependencies for SweeperService.
type SweeperServiceOptions struct {
	Repo    core.JobRepository   // Required: job store scanned for stale jobs
	Jobs    *JobService          // Required: orchestrator used to redispatch and interrupt jobs
	Config  config.SweeperConfig // Required: sweeper configuration
	Logger  *slog.Logger         // Optional: structured logger
	Metrics statsd.Sink          // Optional: metrics sink (StatsD-compatible)
	Now     func() time.Time     // Optional: clock override for tests
}

// SweeperService recovers jobs the queue lost track of.
//
// Each pass:
// - redispatches queued jobs that have waited longer than QueuedRedispatchAge.
// - fails running jobs older than RunningMaxAge as interrupted.
//
// It never deletes jobs or reports and never moves a job backwards.
type SweeperService struct {
	repo    core.JobRepository
	jobs    *JobService
	config  config.SweeperConfig
	logger  *slog.Logger
	metrics statsd.Sink
	now     func() time.Time
}

// SweepResult counts what one pass changed.
type SweepResult struct {
	Redispatched int64
	Interrupted  int64
	// Skipped is true when another process held the sweep lock.
	Skipped bool
}

// NewSweeperService constructs a new SweeperService.
func NewSweeperService(opts SweeperServiceOptions) (*SweeperService, error) {
	if opts.Repo == nil {
		return nil, errors.New("JobRepository is required")
	}
	if opts.Jobs == nil {
		return nil, errors.New("JobService is required")
	}
	if opts.Config.Interval <= 0 {
		return nil, errors.New("sweeper interval must be positive")
	}
	if opts.Config.BatchSize <= 0 {
		return nil, errors.New("sweeper batch size must be positive")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "sweeper_service")
	logger.Debug("SweeperService initialized",
		"interval", opts.Config.Interval,
		"queued_redispatch_age", opts.Config.QueuedRedispatchAge,
		"running_max_age", opts.Config.RunningMaxAge,
	)

	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	return &SweeperService{
		repo:    opts.Repo,
		jobs:    opts.Jobs,
		config:  opts.Config,
		logger:  logger,
		metrics: opts.Metrics,
		now:     now,
	}, nil
}

// Run starts the sweep loop and runs until the context is cancelled.
// Returns nil on graceful shutdown (context.Canceled), error otherwise.
func (s *SweeperService) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "starting sweeper service", "interval", s.config.Interval)

	// Jitter keeps replicas started together from sweeping in lockstep.
	s.waitWithJitter(ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	if _, err := s.RunOnce(ctx); err != nil {
		s.logSweepError(ctx, err, "initial sweep")
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "sweeper service stopping", "reason", ctx.Err())
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()

		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				s.logSweepError(ctx, err, "sweep")
			}
		}
	}
}

// waitWithJitter adds a random delay up to 10% of the interval.
func (s *SweeperService) waitWithJitter(ctx context.Context) {
	maxJitter := int64(s.config.Interval / 10)
	if maxJitter <= 0 {
		return
	}

	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		s.logger.WarnContext(ctx, "failed to generate jitter, skipping", "error", err)
		return
	}

	jitterNanos := binary.BigEndian.Uint64(buf[:]) % uint64(maxJitter)
	jitter := time.Duration(int64(jitterNanos)) // #nosec G115 - bounded by maxJitter which is int64

	timer := time.NewTimer(jitter)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// RunOnce performs a single sweep pass. When the store supports it, the pass runs
// under a lock shared with every other sweeper on the same store.
func (s *SweeperService) RunOnce(ctx context.Context) (SweepResult, error) {
	locker, ok := s.repo.(core.SweepLocker)
	if !ok {
		return s.sweep(ctx)
	}

	var res SweepResult
	acquired, err := locker.WithSweepLock(ctx, func(lctx context.Context) error {
		var sweepErr error
		res, sweepErr = s.sweep(lctx)
		return sweepErr
	})
	if err != nil {
		return res, err
	}
	if !acquired {
		s.logger.DebugContext(ctx, "sweep lock held elsewhere; skipping pass")
		s.emitPass(passMetrics{skipped: true})
		return SweepResult{Skipped: true}, nil
	}
	return res, nil
}

func (s *SweeperService) sweep(ctx context.Context) (SweepResult, error) {
	start := time.Now()
	var res SweepResult

	redispatched, redispatchErr := s.redispatchQueued(ctx)
	res.Redispatched = redispatched
	s.emitOperation("redispatch_queued", redispatched, redispatchErr)

	interrupted, interruptErr := s.interruptRunning(ctx)
	res.Interrupted = interrupted
	s.emitOperation("interrupt_running", interrupted, interruptErr)

	var errs []error
	if redispatchErr != nil {
		errs = append(errs, fmt.Errorf("redispatch queued jobs: %w", redispatchErr))
	}
	if interruptErr != nil {
		errs = append(errs, fmt.Errorf("interrupt running jobs: %w", interruptErr))
	}
	err := errors.Join(errs...)

	s.emitPass(passMetrics{
		count:   redispatched + interrupted,
		err:     err,
		elapsed: time.Since(start),
	})
	if err != nil {
		return res, fmt.Errorf("sweep failed: %w", err)
	}
	return res, nil
}

// redispatchQueued offers one batch of stale queued jobs back to the queue and
// touches each one, so the next pass waits another QueuedRedispatchAge before
// offering it again and older jobs beyond the batch get their turn.
func (s *SweeperService) redispatchQueued(ctx context.Context) (int64, error) {
	if s.config.QueuedRedispatchAge <= 0 {
		return 0, nil
	}
	stale, err := s.repo.ListStale(ctx, core.ListStaleJobsParams{
		State:     model.JobStateQueued,
		OlderThan: s.now().Add(-s.config.QueuedRedispatchAge),
		Limit:     s.config.BatchSize,
	})
	if err != nil {
		return 0, err
	}

	var count int64
	for _, job := range stale {
		if err := s.jobs.Dispatch(ctx, job.ID, DispatchSourceSweeper); err != nil {
			if errors.Is(err, model.ErrQueueFull) {
				s.logger.WarnContext(ctx, "job queue full; redispatch deferred", "remaining", len(stale)-int(count))
				break
			}
			return count, err
		}
		count++
		if _, err := s.repo.Touch(ctx, job.ID, model.JobStateQueued); err != nil {
			s.logger.WarnContext(ctx, "touch redispatched job", "job_id", job.ID, "error", err)
		}
	}

	if count > 0 {
		s.logger.InfoContext(ctx, "redispatched stale queued jobs",
			"count", count,
			"max_age", s.config.QueuedRedispatchAge,
		)
	}
	return count, nil
}

// interruptRunning fails running jobs past RunningMaxAge, batch by batch.
func (s *SweeperService) interruptRunning(ctx context.Context) (int64, error) {
	if s.config.RunningMaxAge <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-s.config.RunningMaxAge)

	var total int64
	for {
		stale, err := s.repo.ListStale(ctx, core.ListStaleJobsParams{
			State:     model.JobStateRunning,
			OlderThan: cutoff,
			Limit:     s.config.BatchSize,
		})
		if err != nil {
			return total, err
		}

		for _, job := range stale {
			failed, ierr := s.jobs.Interrupt(ctx, job)
			if ierr != nil {
				return total, ierr
			}
			if failed {
				total++
			}
		}

		if len(stale) < s.config.BatchSize {
			break
		}
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
	}

	if total > 0 {
		s.logger.WarnContext(ctx, "interrupted stale running jobs",
			"count", total,
			"max_age", s.config.RunningMaxAge,
		)
	}
	return total, nil
}

type passMetrics struct {
	count   int64
	err     error
	elapsed time.Duration
	skipped bool
}

func (s *SweeperService) emitPass(m passMetrics) {
	if s.metrics == nil {
		return
	}

	result := metrics.ResultSuccess
	switch {
	case m.err != nil:
		result = metrics.ResultError
	case m.skipped, m.count == 0:
		result = metrics.ResultNoop
	}

	tags := map[string]string{"result": result}
	if m.err != nil && !isContextCancellation(m.err) {
		if class := obserrors.Classify(m.err); class != "" {
			tags["error_class"] = class
		}
	}

	s.metrics.Count("sweeper.pass", 1, tags)
	if m.elapsed > 0 {
		s.metrics.Timing("sweeper.pass_duration", m.elapsed, maps.Clone(tags))
	}
	if m.err == nil && !m.skipped {
		s.metrics.Gauge("sweeper.last_success_epoch", float64(time.Now().Unix()), nil)
	}
}

func (s *SweeperService) emitOperation(operation string, count int64, err error) {
	if s.metrics == nil {
		return
	}

	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
	} else if count == 0 {
		result = metrics.ResultNoop
	}

	tags := map[string]string{
		"operation": operation,
		"result":    result,
	}
	if err != nil {
		if class := obserrors.Classify(err); class != "" {
			tags["error_class"] = class
		}
	}

	s.metrics.Count("sweeper.operation", 1, tags)
	if err == nil && count > 0 {
		s.metrics.Count("sweeper.jobs_processed", count, maps.Clone(tags))
	}
}

func (s *SweeperService) logSweepError(ctx context.Context, err error, label string) {
	if isContextCancellation(err) {
		s.logger.DebugContext(ctx, label+" cancelled by context", "error", err)
		return
	}
	s.logger.ErrorContext(ctx, label+" failed", "error", err)
}

func isContextCancellation(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
