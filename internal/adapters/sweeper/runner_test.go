package sweeper

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/mmk-report-api/config"
	"github.com/target/mmk-report-api/internal/adapters/queue"
	"github.com/target/mmk-report-api/internal/data"
	"github.com/target/mmk-report-api/internal/service"
	"github.com/target/mmk-report-api/internal/testutil"
)

func TestNewRunnerValidates(t *testing.T) {
	_, err := NewRunner(RunnerOptions{})
	require.Error(t, err)

	store := data.NewMemoryStore(nil)
	_, err = NewRunner(RunnerOptions{Repo: store.Jobs(), Config: config.SweeperConfig{Interval: time.Second, BatchSize: 10}})
	require.Error(t, err, "job service is required")
}

func TestRunnerRunOnce(t *testing.T) {
	ctx := context.Background()
	store := data.NewMemoryStore(nil)
	q := queue.NewMemory(4)
	jobs := service.MustNewJobService(service.JobServiceOptions{
		Jobs:    store.Jobs(),
		Reports: store.Reports(),
		Queue:   q,
	})

	stale := testutil.NewJob().WithID("stale").UpdatedAt(time.Now().Add(-time.Hour)).Build()
	require.NoError(t, store.Jobs().Create(ctx, stale))

	r, err := NewRunner(RunnerOptions{
		Repo: store.Jobs(),
		Jobs: jobs,
		Config: config.SweeperConfig{
			Interval:            time.Minute,
			QueuedRedispatchAge: time.Minute,
			RunningMaxAge:       10 * time.Minute,
			BatchSize:           10,
		},
	})
	require.NoError(t, err)

	res, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Redispatched)
	assert.Equal(t, 1, q.Len())
}
