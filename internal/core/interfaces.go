// Package core defines the ports between the report pipeline services and their storage,
// queueing and provider adapters.
package core

import (
	"context"
	"time"

	"github.com/target/mmk-report-api/internal/domain/model"
)

// JobRepository persists report jobs and their state transitions.
//
// Implementations must make every method safe for concurrent use and must never hand
// out aliases of stored records.
type JobRepository interface {
	// Create stores a new job. The job must carry an ID and be in the queued state.
	Create(ctx context.Context, job *model.Job) error
	// CreateOnce stores job unless a job already exists for job.EventID.
	// It returns the job bound to the event and whether it was created by this call.
	CreateOnce(ctx context.Context, job *model.Job) (*model.Job, bool, error)
	// GetByID returns the job or a not_found AppError.
	GetByID(ctx context.Context, id string) (*model.Job, error)
	// GetByEventID returns the job bound to a payment event or a not_found AppError.
	GetByEventID(ctx context.Context, eventID string) (*model.Job, error)
	// Transition applies t only if the job is currently in t.From.
	// It returns false when the job is in any other state.
	Transition(ctx context.Context, t model.JobTransition) (bool, error)
	// Complete stores the report and moves its job from running to done in one step.
	Complete(ctx context.Context, params CompleteJobParams) (bool, error)
	// Touch bumps updated_at of a job that is still in state, leaving everything else
	// as is. It returns false when the job has moved on.
	Touch(ctx context.Context, id string, state model.JobState) (bool, error)
	// ListStale returns jobs in a state whose last update is older than a cutoff.
	ListStale(ctx context.Context, params ListStaleJobsParams) ([]*model.Job, error)
}

// ReportRepository reads stored reports.
type ReportRepository interface {
	GetByID(ctx context.Context, id string) (*model.Report, error)
}

// CompleteJobParams groups parameters for JobRepository.Complete.
type CompleteJobParams struct {
	Report *model.Report
	At     time.Time
}

// ListStaleJobsParams groups parameters for JobRepository.ListStale.
type ListStaleJobsParams struct {
	State     model.JobState
	OlderThan time.Time
	Limit     int
}

// JobQueue hands job ids from producers to the runner's workers.
type JobQueue interface {
	// Enqueue offers a job id without blocking. It returns model.ErrQueueFull when
	// the queue is at capacity.
	Enqueue(ctx context.Context, jobID string) error
	// Dequeue blocks until a job id is available or ctx is done.
	Dequeue(ctx context.Context) (string, error)
}

// WebhookVerifier authenticates an inbound payment webhook and decodes its event.
type WebhookVerifier interface {
	Verify(ctx context.Context, payload []byte, signature string) (*WebhookEvent, error)
}

// WebhookEvent is a verified payment-provider event. ID identifies the confirmed
// payment and is the idempotency key for the job it triggers.
type WebhookEvent struct {
	ID      string
	Type    string
	Address string
	Email   string
}

// SweepLocker serializes sweeper passes across processes sharing one store.
// WithSweepLock reports false without calling fn when another holder is active.
type SweepLocker interface {
	WithSweepLock(ctx context.Context, fn func(context.Context) error) (bool, error)
}

// ReportBuilder runs the provider stages for one address and assembles its report.
type ReportBuilder interface {
	BuildReport(ctx context.Context, address, email string) (*model.Report, error)
}
