// Package metrics holds the report pipeline's metric names and tag conventions.
package metrics

import (
	"maps"
	"time"

	obserrors "github.com/target/mmk-report-api/internal/observability/errors"
	"github.com/target/mmk-report-api/internal/observability/statsd"
)

// Result constants for metric tagging.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultNoop    = "noop"
)

// Stage outcomes.
const (
	OutcomeOK          = "ok"
	OutcomeFallback    = "fallback"
	OutcomeUnavailable = "unavailable"
	OutcomeFatal       = "fatal"
	OutcomeSkipped     = "skipped"
)

// JobMetric captures a job state transition for metric emission.
type JobMetric struct {
	Transition string
	Result     string
	Duration   time.Duration
	Err        error
}

// EmitJobLifecycle emits job.transition and, when a duration is known, job.duration.
func EmitJobLifecycle(sink statsd.Sink, in JobMetric) {
	if sink == nil {
		return
	}

	tags := map[string]string{
		"transition": in.Transition,
		"result":     in.Result,
	}
	if in.Err != nil && in.Result == ResultError {
		if class := obserrors.Classify(in.Err); class != "" {
			tags["error_class"] = class
		}
	}

	sink.Count("job.transition", 1, tags)
	if in.Duration > 0 {
		sink.Timing("job.duration", in.Duration, maps.Clone(tags))
	}
}

// StageMetric captures one aggregator stage run.
type StageMetric struct {
	Stage    string
	Outcome  string
	Duration time.Duration
	Err      error
}

// EmitStage emits report.stage and report.stage.duration.
func EmitStage(sink statsd.Sink, in StageMetric) {
	if sink == nil {
		return
	}

	tags := map[string]string{"stage": in.Stage, "outcome": in.Outcome}
	if in.Err != nil {
		if class := obserrors.Classify(in.Err); class != "" {
			tags["error_class"] = class
		}
	}
	sink.Count("report.stage", 1, tags)
	if in.Duration > 0 {
		sink.Timing("report.stage.duration", in.Duration, maps.Clone(tags))
	}
}

// EmitQueueRejected counts a dispatch refused by a full queue.
func EmitQueueRejected(sink statsd.Sink, source string) {
	if sink == nil {
		return
	}
	sink.Count("queue.rejected", 1, map[string]string{"source": source})
}

// Webhook outcomes.
const (
	WebhookTriggered = "triggered"
	WebhookIgnored   = "ignored"
	WebhookSkipped   = "skipped"
	WebhookRejected  = "rejected"
)

// EmitWebhook counts a handled payment webhook by outcome.
func EmitWebhook(sink statsd.Sink, outcome string) {
	if sink == nil {
		return
	}
	sink.Count("webhook.event", 1, map[string]string{"outcome": outcome})
}
