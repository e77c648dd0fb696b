package failurenotifier

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/mmk-report-api/internal/observability/notify"
)

func TestServiceNotifyJobFailure(t *testing.T) {
	var (
		mu       sync.Mutex
		received []notify.JobFailurePayload
	)
	capture := notify.SinkFunc(func(_ context.Context, payload notify.JobFailurePayload) error {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, payload)
		return nil
	})
	svc := NewService(Options{
		Sinks: []SinkRegistration{
			{Name: "a", Sink: capture},
			{Name: "b", Sink: capture},
			{Name: "nil"},
		},
	})
	require.True(t, svc.Enabled())

	svc.NotifyJobFailure(context.Background(), notify.JobFailurePayload{JobID: "123", Stage: "geocode"})

	require.Len(t, received, 2)
	for _, p := range received {
		assert.Equal(t, "123", p.JobID)
		assert.Equal(t, notify.SeverityCritical, p.Severity, "severity defaults to critical")
	}
}

func TestServiceKeepsExplicitSeverity(t *testing.T) {
	var got notify.JobFailurePayload
	svc := NewService(Options{Sinks: []SinkRegistration{{
		Sink: notify.SinkFunc(func(_ context.Context, p notify.JobFailurePayload) error {
			got = p
			return nil
		}),
	}}})

	svc.NotifyJobFailure(context.Background(), notify.JobFailurePayload{JobID: "1", Severity: notify.SeverityWarning})
	assert.Equal(t, notify.SeverityWarning, got.Severity)
}

func TestServiceDisabled(t *testing.T) {
	svc := NewService(Options{})
	assert.False(t, svc.Enabled())
	svc.NotifyJobFailure(context.Background(), notify.JobFailurePayload{JobID: "1"})

	var nilSvc *Service
	assert.False(t, nilSvc.Enabled())
	nilSvc.NotifyJobFailure(context.Background(), notify.JobFailurePayload{JobID: "1"})
}

func TestServiceLogsErrors(t *testing.T) {
	okCalled := false
	svc := NewService(Options{
		Sinks: []SinkRegistration{
			{Name: "fail", Sink: notify.SinkFunc(func(context.Context, notify.JobFailurePayload) error {
				return errors.New("boom")
			})},
			{Name: "ok", Sink: notify.SinkFunc(func(context.Context, notify.JobFailurePayload) error {
				okCalled = true
				return nil
			})},
		},
	})

	svc.NotifyJobFailure(context.Background(), notify.JobFailurePayload{JobID: "123"})
	assert.True(t, okCalled, "one failing sink must not block the others")
}
