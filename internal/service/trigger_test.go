package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/mmk-report-api/internal/adapters/queue"
	"github.com/target/mmk-report-api/internal/core"
	"github.com/target/mmk-report-api/internal/data"
	"github.com/target/mmk-report-api/internal/domain/model"
	apperrors "github.com/target/mmk-report-api/internal/errors"
	"github.com/target/mmk-report-api/internal/mocks"
	"github.com/target/mmk-report-api/internal/observability/statsd"
	"go.uber.org/mock/gomock"
)

func newMemoryTrigger(t *testing.T, verifier core.WebhookVerifier) (*TriggerService, *queue.Memory, *data.MemoryStore) {
	t.Helper()
	store := data.NewMemoryStore(nil)
	q := queue.NewMemory(64)
	jobs := MustNewJobService(JobServiceOptions{
		Jobs:    store.Jobs(),
		Reports: store.Reports(),
		Queue:   q,
	})
	trigger, err := NewTriggerService(TriggerServiceOptions{Jobs: jobs, Verifier: verifier})
	require.NoError(t, err)
	return trigger, q, store
}

func TestNewTriggerService(t *testing.T) {
	_, err := NewTriggerService(TriggerServiceOptions{})
	require.Error(t, err)
}

func TestTriggerService_OnPaymentConfirmed(t *testing.T) {
	ctx := context.Background()
	evt := model.PaymentConfirmedEvent{EventID: "cs_test_1", Address: "1 Main St", Email: "a@example.com"}

	t.Run("redelivery returns the same job and dispatches once", func(t *testing.T) {
		trigger, q, store := newMemoryTrigger(t, nil)

		first, err := trigger.OnPaymentConfirmed(ctx, evt)
		require.NoError(t, err)
		second, err := trigger.OnPaymentConfirmed(ctx, evt)
		require.NoError(t, err)

		assert.Equal(t, first, second)
		assert.Equal(t, 1, q.Len())

		job, err := store.Jobs().GetByID(ctx, first)
		require.NoError(t, err)
		assert.Equal(t, model.JobStateQueued, job.State)
	})

	t.Run("concurrent deliveries converge on one job", func(t *testing.T) {
		trigger, q, _ := newMemoryTrigger(t, nil)

		const deliveries = 16
		ids := make([]string, deliveries)
		var wg sync.WaitGroup
		for i := range deliveries {
			wg.Add(1)
			go func() {
				defer wg.Done()
				id, err := trigger.OnPaymentConfirmed(ctx, evt)
				assert.NoError(t, err)
				ids[i] = id
			}()
		}
		wg.Wait()

		for _, id := range ids {
			assert.Equal(t, ids[0], id)
		}
		assert.Equal(t, 1, q.Len())
	})

	t.Run("redelivery with a different address keeps the stored job", func(t *testing.T) {
		trigger, q, store := newMemoryTrigger(t, nil)

		first, err := trigger.OnPaymentConfirmed(ctx, evt)
		require.NoError(t, err)
		altered := evt
		altered.Address = "99 Other Rd"
		second, err := trigger.OnPaymentConfirmed(ctx, altered)
		require.NoError(t, err)

		assert.Equal(t, first, second)
		assert.Equal(t, 1, q.Len())
		job, err := store.Jobs().GetByID(ctx, first)
		require.NoError(t, err)
		assert.Equal(t, "1 Main St", job.Address)
	})

	t.Run("redelivery without address or email returns the stored job", func(t *testing.T) {
		trigger, q, _ := newMemoryTrigger(t, nil)

		first, err := trigger.OnPaymentConfirmed(ctx, evt)
		require.NoError(t, err)
		second, err := trigger.OnPaymentConfirmed(ctx, model.PaymentConfirmedEvent{EventID: evt.EventID})
		require.NoError(t, err)

		assert.Equal(t, first, second)
		assert.Equal(t, 1, q.Len())
	})

	t.Run("missing event id is a validation error", func(t *testing.T) {
		trigger, _, _ := newMemoryTrigger(t, nil)
		_, err := trigger.OnPaymentConfirmed(ctx, model.PaymentConfirmedEvent{Address: "1 Main St", Email: "a@example.com"})
		assert.True(t, apperrors.IsValidation(err))
	})
}

func TestTriggerService_HandleWebhook(t *testing.T) {
	ctx := context.Background()
	payload := []byte(`{"id":"evt_1"}`)

	t.Run("no verifier acknowledges and skips", func(t *testing.T) {
		trigger, q, _ := newMemoryTrigger(t, nil)
		assert.False(t, trigger.Enabled())

		out, err := trigger.HandleWebhook(ctx, payload, "sig")
		require.NoError(t, err)
		assert.Equal(t, "no webhook verifier configured", out.Skipped)
		assert.Zero(t, q.Len())
	})

	t.Run("bad signature is a validation error", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		verifier := mocks.NewMockWebhookVerifier(ctrl)
		verifier.EXPECT().Verify(gomock.Any(), payload, "bad").Return(nil, errors.New("signature mismatch"))
		trigger, _, _ := newMemoryTrigger(t, verifier)

		_, err := trigger.HandleWebhook(ctx, payload, "bad")
		require.Error(t, err)
		assert.True(t, apperrors.IsValidation(err))
	})

	t.Run("other event types are acknowledged without a job", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		verifier := mocks.NewMockWebhookVerifier(ctrl)
		verifier.EXPECT().Verify(gomock.Any(), payload, "sig").Return(&core.WebhookEvent{ID: "cs_1", Type: "payment_intent.created"}, nil)
		trigger, q, _ := newMemoryTrigger(t, verifier)

		out, err := trigger.HandleWebhook(ctx, payload, "sig")
		require.NoError(t, err)
		assert.Empty(t, out.JobID)
		assert.Empty(t, out.Skipped)
		assert.Zero(t, q.Len())
	})

	t.Run("completed checkout triggers once per payment", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		verifier := mocks.NewMockWebhookVerifier(ctrl)
		verifier.EXPECT().Verify(gomock.Any(), payload, "sig").Return(&core.WebhookEvent{
			ID:      "cs_1",
			Type:    EventCheckoutCompleted,
			Address: "1 Main St",
			Email:   "a@example.com",
		}, nil).Times(2)
		trigger, q, _ := newMemoryTrigger(t, verifier)
		require.True(t, trigger.Enabled())

		first, err := trigger.HandleWebhook(ctx, payload, "sig")
		require.NoError(t, err)
		require.NotEmpty(t, first.JobID)

		second, err := trigger.HandleWebhook(ctx, payload, "sig")
		require.NoError(t, err)
		assert.Equal(t, first.JobID, second.JobID)
		assert.Equal(t, 1, q.Len())
	})

	t.Run("incomplete checkout is acknowledged and skipped", func(t *testing.T) {
		tests := []struct {
			name  string
			event core.WebhookEvent
			field string
		}{
			{name: "missing address", event: core.WebhookEvent{ID: "cs_2", Email: "a@example.com"}, field: "address"},
			{name: "missing email", event: core.WebhookEvent{ID: "cs_3", Address: "1 Main St"}, field: "email"},
			{name: "missing id", event: core.WebhookEvent{Address: "1 Main St", Email: "a@example.com"}, field: "event id"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				ctrl := gomock.NewController(t)
				verifier := mocks.NewMockWebhookVerifier(ctrl)
				evt := tt.event
				evt.Type = EventCheckoutCompleted
				verifier.EXPECT().Verify(gomock.Any(), payload, "sig").Return(&evt, nil)

				store := data.NewMemoryStore(nil)
				q := queue.NewMemory(8)
				var rec statsd.Recorder
				trigger, err := NewTriggerService(TriggerServiceOptions{
					Jobs:     MustNewJobService(JobServiceOptions{Jobs: store.Jobs(), Reports: store.Reports(), Queue: q}),
					Verifier: verifier,
					Metrics:  &rec,
				})
				require.NoError(t, err)

				out, err := trigger.HandleWebhook(ctx, payload, "sig")
				require.NoError(t, err)
				assert.Empty(t, out.JobID)
				assert.Contains(t, out.Skipped, tt.field)
				assert.Zero(t, q.Len())
				assert.Len(t, rec.Find("webhook.event", map[string]string{"outcome": "skipped"}), 1)
			})
		}
	})
}
