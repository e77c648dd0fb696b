package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/mmk-report-api/internal/core"
	"github.com/target/mmk-report-api/internal/observability/statsd"
)

func TestEmitJobLifecycle(t *testing.T) {
	var rec statsd.Recorder
	EmitJobLifecycle(&rec, JobMetric{
		Transition: "running_error",
		Result:     ResultError,
		Duration:   2 * time.Second,
		Err:        &core.ProviderError{Provider: "census", Kind: core.ProviderTimeout},
	})

	counts := rec.Find("job.transition", map[string]string{"transition": "running_error"})
	require.Len(t, counts, 1)
	assert.Equal(t, "provider_timeout", counts[0].Tags["error_class"])
	require.Len(t, rec.Find("job.duration", nil), 1)
}

func TestEmitJobLifecycleSkipsClassOnSuccess(t *testing.T) {
	var rec statsd.Recorder
	EmitJobLifecycle(&rec, JobMetric{Transition: "queued_running", Result: ResultSuccess, Err: errors.New("ignored")})

	counts := rec.Find("job.transition", nil)
	require.Len(t, counts, 1)
	assert.NotContains(t, counts[0].Tags, "error_class")
	assert.Empty(t, rec.Find("job.duration", nil))
}

func TestEmitStageAndQueue(t *testing.T) {
	var rec statsd.Recorder
	EmitStage(&rec, StageMetric{Stage: "property", Outcome: OutcomeFallback, Duration: time.Millisecond})
	EmitQueueRejected(&rec, "dispatch")
	EmitStage(nil, StageMetric{})

	assert.Len(t, rec.Find("report.stage", map[string]string{"stage": "property", "outcome": "fallback"}), 1)
	assert.Len(t, rec.Find("report.stage.duration", nil), 1)
	assert.Len(t, rec.Find("queue.rejected", map[string]string{"source": "dispatch"}), 1)
}

func TestEmitWebhook(t *testing.T) {
	var rec statsd.Recorder
	EmitWebhook(&rec, WebhookSkipped)
	EmitWebhook(&rec, WebhookTriggered)
	EmitWebhook(nil, WebhookRejected)

	assert.Len(t, rec.Find("webhook.event", map[string]string{"outcome": "skipped"}), 1)
	assert.Len(t, rec.Find("webhook.event", nil), 2)
}
