package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/target/mmk-report-api/internal/core"
	"github.com/target/mmk-report-api/internal/domain/model"
	"github.com/target/mmk-report-api/internal/domain/pipeline"
	apperrors "github.com/target/mmk-report-api/internal/errors"
	obserrors "github.com/target/mmk-report-api/internal/observability/errors"
	"github.com/target/mmk-report-api/internal/observability/metrics"
	"github.com/target/mmk-report-api/internal/observability/notify"
	"github.com/target/mmk-report-api/internal/observability/statsd"
	"github.com/target/mmk-report-api/internal/service/failurenotifier"
)

// Dispatch sources, used as the queue.rejected metric tag.
const (
	DispatchSourceCreate  = "create"
	DispatchSourceTrigger = "trigger"
	DispatchSourceSweeper = "sweeper"
)

// Job failure messages written to job state when no stage message applies.
const (
	MsgGenerationFailed      = "report generation failed"
	MsgGenerationTimedOut    = "report generation timed out"
	MsgGenerationCanceled    = "report generation canceled"
	MsgGenerationInterrupted = "report generation interrupted"
)

const defaultFinalizeTimeout = 10 * time.Second

// JobServiceOptions groups dependencies for JobService.
type JobServiceOptions struct {
	Jobs            core.JobRepository       // Required: job store
	Reports         core.ReportRepository    // Required: report store
	Queue           core.JobQueue            // Optional: dispatch target; without it jobs wait for the sweeper
	Builder         core.ReportBuilder       // Optional: required only by processes that call RunJob
	Logger          *slog.Logger             // Optional: structured logger
	Metrics         statsd.Sink              // Optional: metrics sink (StatsD-compatible)
	FailureNotifier *failurenotifier.Service // Optional: failure notification fan-out
	FinalizeTimeout time.Duration            // Optional: budget for writing a job's final state
	Now             func() time.Time         // Optional: clock override for tests
	NewID           func() string            // Optional: job id generator override for tests
}

// JobService is the report job orchestrator.
//
// It creates jobs, offers them to the work queue and drives each one through
// queued → running → {done | error}. Every state change is a compare-and-swap
// against the store, so duplicate dispatches and sweeper races resolve to
// exactly one winner.
type JobService struct {
	jobs            core.JobRepository
	reports         core.ReportRepository
	queue           core.JobQueue
	builder         core.ReportBuilder
	logger          *slog.Logger
	metrics         statsd.Sink
	failureNotifier *failurenotifier.Service
	finalizeTimeout time.Duration
	now             func() time.Time
	newID           func() string
}

// NewJobService constructs a new JobService.
func NewJobService(opts JobServiceOptions) (*JobService, error) {
	if opts.Jobs == nil {
		return nil, errors.New("JobRepository is required")
	}
	if opts.Reports == nil {
		return nil, errors.New("ReportRepository is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	finalize := opts.FinalizeTimeout
	if finalize <= 0 {
		finalize = defaultFinalizeTimeout
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}

	return &JobService{
		jobs:            opts.Jobs,
		reports:         opts.Reports,
		queue:           opts.Queue,
		builder:         opts.Builder,
		logger:          logger.With("component", "job_service"),
		metrics:         opts.Metrics,
		failureNotifier: opts.FailureNotifier,
		finalizeTimeout: finalize,
		now:             now,
		newID:           newID,
	}, nil
}

// MustNewJobService constructs a new JobService and panics on error.
// Use this when you're certain the options are valid (e.g., in main.go).
func MustNewJobService(opts JobServiceOptions) *JobService {
	svc, err := NewJobService(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create JobService: %v", err))
	}
	return svc
}

// CreateJob validates req, stores a queued job and offers it to the queue.
// A full queue does not fail the call; the job stays queued until redispatched.
func (s *JobService) CreateJob(ctx context.Context, req model.CreateJobRequest) (*model.Job, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	job := s.newJob(req)
	job.EventID = nil
	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	s.logger.DebugContext(ctx, "job created", "job_id", job.ID)
	metrics.EmitJobLifecycle(s.metrics, metrics.JobMetric{Transition: "created", Result: metrics.ResultSuccess})

	s.dispatchQuietly(ctx, job.ID, DispatchSourceCreate)
	return job, nil
}

// CreateJobOnce is CreateJob keyed by req.EventID: every call carrying the same
// event id returns the same job, and only the call that created it dispatches it.
// A replay of a known event needs only the event id; address and email are
// validated only when a job would be created.
func (s *JobService) CreateJobOnce(ctx context.Context, req model.CreateJobRequest) (*model.Job, bool, error) {
	req.Normalize()
	if req.EventID == "" {
		return nil, false, apperrors.ValidationField("event_id", "event id is required")
	}
	if err := req.Validate(); err != nil {
		existing, lookupErr := s.jobs.GetByEventID(ctx, req.EventID)
		switch {
		case lookupErr == nil:
			s.logger.DebugContext(ctx, "event already has a job", "job_id", existing.ID)
			return existing, false, nil
		case apperrors.IsNotFound(lookupErr):
			return nil, false, err
		default:
			return nil, false, fmt.Errorf("look up job for event: %w", lookupErr)
		}
	}

	job, created, err := s.jobs.CreateOnce(ctx, s.newJob(req))
	if err != nil {
		return nil, false, fmt.Errorf("create job for event: %w", err)
	}
	if !created {
		s.logger.DebugContext(ctx, "event already has a job", "job_id", job.ID)
		return job, false, nil
	}

	s.logger.DebugContext(ctx, "job created for event", "job_id", job.ID)
	metrics.EmitJobLifecycle(s.metrics, metrics.JobMetric{Transition: "created", Result: metrics.ResultSuccess})
	s.dispatchQuietly(ctx, job.ID, DispatchSourceTrigger)
	return job, true, nil
}

func (s *JobService) newJob(req model.CreateJobRequest) *model.Job {
	job := &model.Job{
		ID:      s.newID(),
		State:   model.JobStateQueued,
		Address: req.Address,
		Email:   req.Email,
	}
	if req.EventID != "" {
		eventID := req.EventID
		job.EventID = &eventID
	}
	return job
}

// GetStatus returns the polling view of a job.
func (s *JobService) GetStatus(ctx context.Context, id string) (model.JobStatus, error) {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return model.JobStatus{}, err
	}
	return job.Status(), nil
}

// GetJob returns the full job record.
func (s *JobService) GetJob(ctx context.Context, id string) (*model.Job, error) {
	job, err := s.jobs.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

// GetReport returns a stored report.
func (s *JobService) GetReport(ctx context.Context, id string) (*model.Report, error) {
	report, err := s.reports.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get report %s: %w", id, err)
	}
	return report, nil
}

// Dispatch offers a queued job to the work queue. It returns model.ErrQueueFull
// when the queue is saturated.
func (s *JobService) Dispatch(ctx context.Context, jobID, source string) error {
	if s.queue == nil {
		return nil
	}
	if err := s.queue.Enqueue(ctx, jobID); err != nil {
		if errors.Is(err, model.ErrQueueFull) {
			metrics.EmitQueueRejected(s.metrics, source)
		}
		return fmt.Errorf("enqueue job %s: %w", jobID, err)
	}
	return nil
}

// dispatchQuietly dispatches a freshly stored job. Failures are logged only: the job
// is durable and the sweeper redispatches it.
func (s *JobService) dispatchQuietly(ctx context.Context, jobID, source string) {
	err := s.Dispatch(ctx, jobID, source)
	switch {
	case err == nil:
	case errors.Is(err, model.ErrQueueFull):
		s.logger.WarnContext(ctx, "job queue full; job left queued", "job_id", jobID, "source", source)
	default:
		s.logger.ErrorContext(ctx, "dispatch job", "job_id", jobID, "source", source, "error", err)
	}
}

// RunJob claims a queued job, builds its report and records the outcome.
//
// A job that is no longer queued is left alone and RunJob returns nil. Report
// generation failures end the job in the error state and also return nil; the
// returned error reports only store failures.
func (s *JobService) RunJob(ctx context.Context, jobID string) error {
	if s.builder == nil {
		return errors.New("job service has no report builder")
	}

	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	if job.State != model.JobStateQueued {
		s.logger.DebugContext(ctx, "job not queued; skipping", "job_id", jobID, "state", job.State)
		return nil
	}

	startedAt := s.now()
	claimed, err := s.jobs.Transition(ctx, model.JobTransition{
		JobID: jobID,
		From:  model.JobStateQueued,
		To:    model.JobStateRunning,
		At:    startedAt,
	})
	if err != nil {
		return fmt.Errorf("claim job %s: %w", jobID, err)
	}
	if !claimed {
		s.logger.DebugContext(ctx, "job claimed elsewhere", "job_id", jobID)
		metrics.EmitJobLifecycle(s.metrics, metrics.JobMetric{Transition: "queued_running", Result: metrics.ResultNoop})
		return nil
	}
	metrics.EmitJobLifecycle(s.metrics, metrics.JobMetric{Transition: "queued_running", Result: metrics.ResultSuccess})
	s.logger.InfoContext(ctx, "job running", "job_id", jobID)

	report, buildErr := s.builder.BuildReport(ctx, job.Address, job.Email)

	// The final state must land even when the run's own deadline has passed.
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.finalizeTimeout)
	defer cancel()

	if buildErr != nil {
		return s.failRunning(fctx, job, startedAt, buildErr)
	}
	return s.complete(fctx, job, startedAt, report)
}

func (s *JobService) complete(ctx context.Context, job *model.Job, startedAt time.Time, report *model.Report) error {
	report.JobID = job.ID
	finishedAt := s.now()
	done, err := s.jobs.Complete(ctx, core.CompleteJobParams{Report: report, At: finishedAt})
	if err != nil {
		metrics.EmitJobLifecycle(s.metrics, metrics.JobMetric{Transition: "running_done", Result: metrics.ResultError, Err: err})
		return fmt.Errorf("complete job %s: %w", job.ID, err)
	}
	if !done {
		s.logger.WarnContext(ctx, "job left running before completion; report discarded", "job_id", job.ID)
		metrics.EmitJobLifecycle(s.metrics, metrics.JobMetric{Transition: "running_done", Result: metrics.ResultNoop})
		return nil
	}

	s.logger.InfoContext(ctx, "job done", "job_id", job.ID, "report_id", report.ID, "duration", finishedAt.Sub(startedAt))
	metrics.EmitJobLifecycle(s.metrics, metrics.JobMetric{
		Transition: "running_done",
		Result:     metrics.ResultSuccess,
		Duration:   finishedAt.Sub(startedAt),
	})
	return nil
}

func (s *JobService) failRunning(ctx context.Context, job *model.Job, startedAt time.Time, cause error) error {
	msg, stage := failureMessage(cause)
	failed, err := s.fail(ctx, failure{
		job:       job,
		message:   msg,
		stage:     stage,
		cause:     cause,
		startedAt: startedAt,
		severity:  notify.SeverityCritical,
	})
	if err != nil {
		return err
	}
	if failed {
		s.logger.WarnContext(ctx, "job failed", "job_id", job.ID, "stage", stage, "error", cause)
	}
	return nil
}

// Interrupt fails a job abandoned in the running state. It returns false when the
// job already left running.
func (s *JobService) Interrupt(ctx context.Context, job *model.Job) (bool, error) {
	var startedAt time.Time
	if job.StartedAt != nil {
		startedAt = *job.StartedAt
	}
	return s.fail(ctx, failure{
		job:       job,
		message:   MsgGenerationInterrupted,
		stage:     "sweeper",
		cause:     errJobInterrupted,
		startedAt: startedAt,
		severity:  notify.SeverityWarning,
	})
}

var errJobInterrupted = apperrors.Unavailable(MsgGenerationInterrupted)

type failure struct {
	job       *model.Job
	message   string
	stage     string
	cause     error
	startedAt time.Time
	severity  string
}

func (s *JobService) fail(ctx context.Context, f failure) (bool, error) {
	finishedAt := s.now()
	failed, err := s.jobs.Transition(ctx, model.JobTransition{
		JobID: f.job.ID,
		From:  model.JobStateRunning,
		To:    model.JobStateError,
		Error: f.message,
		At:    finishedAt,
	})
	if err != nil {
		metrics.EmitJobLifecycle(s.metrics, metrics.JobMetric{Transition: "running_error", Result: metrics.ResultError, Err: err})
		return false, fmt.Errorf("fail job %s: %w", f.job.ID, err)
	}
	if !failed {
		metrics.EmitJobLifecycle(s.metrics, metrics.JobMetric{Transition: "running_error", Result: metrics.ResultNoop})
		return false, nil
	}

	var elapsed time.Duration
	if !f.startedAt.IsZero() {
		elapsed = finishedAt.Sub(f.startedAt)
	}
	metrics.EmitJobLifecycle(s.metrics, metrics.JobMetric{
		Transition: "running_error",
		Result:     metrics.ResultError,
		Duration:   elapsed,
		Err:        f.cause,
	})

	if s.failureNotifier.Enabled() {
		s.failureNotifier.NotifyJobFailure(ctx, notify.JobFailurePayload{
			JobID:      f.job.ID,
			Stage:      f.stage,
			Error:      f.message,
			ErrorClass: obserrors.Classify(f.cause),
			Severity:   f.severity,
			OccurredAt: finishedAt,
			Metadata:   map[string]string{"state": string(model.JobStateError)},
		})
	}
	return true, nil
}

// failureMessage picks the text stored on a failed job and the stage to blame.
// Provider error details never reach job state.
func failureMessage(err error) (string, string) {
	if se, ok := pipeline.AsStageError(err); ok {
		return se.Message, string(se.Stage)
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return MsgGenerationTimedOut, ""
	case errors.Is(err, context.Canceled):
		return MsgGenerationCanceled, ""
	default:
		return MsgGenerationFailed, ""
	}
}
