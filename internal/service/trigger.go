package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/target/mmk-report-api/internal/core"
	"github.com/target/mmk-report-api/internal/domain/model"
	apperrors "github.com/target/mmk-report-api/internal/errors"
	"github.com/target/mmk-report-api/internal/observability/metrics"
	"github.com/target/mmk-report-api/internal/observability/statsd"
)

// EventCheckoutCompleted is the only webhook event type that starts a report.
const EventCheckoutCompleted = "checkout.session.completed"

// TriggerServiceOptions groups dependencies for TriggerService.
type TriggerServiceOptions struct {
	Jobs     *JobService          // Required: orchestrator that owns job creation
	Verifier core.WebhookVerifier // Optional: without it webhooks are acknowledged and skipped
	Logger   *slog.Logger         // Optional: structured logger
	Metrics  statsd.Sink          // Optional: metrics sink
}

// TriggerService turns payment confirmations into report jobs. Every entry point
// converges on OnPaymentConfirmed so redelivered events map to one job.
type TriggerService struct {
	jobs     *JobService
	verifier core.WebhookVerifier
	logger   *slog.Logger
	sink     statsd.Sink
}

// NewTriggerService constructs a TriggerService.
func NewTriggerService(opts TriggerServiceOptions) (*TriggerService, error) {
	if opts.Jobs == nil {
		return nil, errors.New("JobService is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &TriggerService{
		jobs:     opts.Jobs,
		verifier: opts.Verifier,
		logger:   logger.With("component", "trigger_service"),
		sink:     opts.Metrics,
	}, nil
}

// OnPaymentConfirmed returns the job for evt, creating and dispatching it the first
// time the event id is seen.
func (s *TriggerService) OnPaymentConfirmed(ctx context.Context, evt model.PaymentConfirmedEvent) (string, error) {
	job, created, err := s.jobs.CreateJobOnce(ctx, evt.Request())
	if err != nil {
		return "", err
	}
	if created {
		s.logger.InfoContext(ctx, "payment confirmed; job created", "job_id", job.ID)
	} else {
		s.logger.InfoContext(ctx, "payment redelivered; existing job returned", "job_id", job.ID, "state", job.State)
	}
	return job.ID, nil
}

// WebhookOutcome describes how an inbound webhook was handled.
type WebhookOutcome struct {
	// JobID is set when the event triggered (or had already triggered) a job.
	JobID string
	// Skipped explains why the payload was acknowledged without triggering a job.
	Skipped string
}

// Enabled reports whether webhooks are verified and processed.
func (s *TriggerService) Enabled() bool {
	return s.verifier != nil
}

// HandleWebhook verifies a payment webhook and triggers a job for completed checkouts.
// Other event types are acknowledged without effect. Only a failed signature check is
// an error: a verified checkout missing its id, address or email is acknowledged with
// a Skipped reason, since the provider would otherwise redeliver it indefinitely.
func (s *TriggerService) HandleWebhook(ctx context.Context, payload []byte, signature string) (WebhookOutcome, error) {
	if s.verifier == nil {
		return WebhookOutcome{Skipped: "no webhook verifier configured"}, nil
	}

	evt, err := s.verifier.Verify(ctx, payload, signature)
	if err != nil {
		s.logger.WarnContext(ctx, "webhook verification failed", "error", err)
		metrics.EmitWebhook(s.sink, metrics.WebhookRejected)
		return WebhookOutcome{}, apperrors.Wrap(err, apperrors.ErrCodeValidation,
			fmt.Sprintf("webhook signature verification failed: %v", err))
	}
	if evt.Type != EventCheckoutCompleted {
		s.logger.DebugContext(ctx, "ignoring webhook event", "event_type", evt.Type)
		metrics.EmitWebhook(s.sink, metrics.WebhookIgnored)
		return WebhookOutcome{}, nil
	}

	jobID, err := s.OnPaymentConfirmed(ctx, model.PaymentConfirmedEvent{
		EventID: evt.ID,
		Address: evt.Address,
		Email:   evt.Email,
	})
	if apperrors.IsValidation(err) {
		s.logger.WarnContext(ctx, "checkout event incomplete; acknowledged without a job",
			"event_id", evt.ID, "field", apperrors.GetField(err))
		metrics.EmitWebhook(s.sink, metrics.WebhookSkipped)
		return WebhookOutcome{Skipped: "incomplete checkout event: " + apperrors.PublicMessage(err, "invalid event")}, nil
	}
	if err != nil {
		return WebhookOutcome{}, err
	}
	metrics.EmitWebhook(s.sink, metrics.WebhookTriggered)
	return WebhookOutcome{JobID: jobID}, nil
}
