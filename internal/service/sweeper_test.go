package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/mmk-report-api/config"
	"github.com/target/mmk-report-api/internal/adapters/queue"
	"github.com/target/mmk-report-api/internal/core"
	"github.com/target/mmk-report-api/internal/data"
	"github.com/target/mmk-report-api/internal/domain/model"
	"github.com/target/mmk-report-api/internal/mocks"
	"github.com/target/mmk-report-api/internal/observability/statsd"
	"github.com/target/mmk-report-api/internal/testutil"
	"go.uber.org/mock/gomock"
)

var testSweeperConfig = config.SweeperConfig{
	Interval:            time.Minute,
	QueuedRedispatchAge: 2 * time.Minute,
	RunningMaxAge:       10 * time.Minute,
	BatchSize:           2,
}

type sweeperFixture struct {
	sweeper *SweeperService
	repo    *data.MemoryJobRepo
	queue   *queue.Memory
	metrics *statsd.Recorder
}

func newSweeperFixture(t *testing.T, repo core.JobRepository, queueSize int) sweeperFixture {
	t.Helper()
	store := data.NewMemoryStore(data.NewFixedTimeProvider(testutil.TestTime()))
	if repo == nil {
		repo = store.Jobs()
	}
	q := queue.NewMemory(queueSize)
	rec := &statsd.Recorder{}
	jobs := MustNewJobService(JobServiceOptions{
		Jobs:    repo,
		Reports: store.Reports(),
		Queue:   q,
		Metrics: rec,
		Now:     testutil.TestTime,
	})
	sweeper, err := NewSweeperService(SweeperServiceOptions{
		Repo:    repo,
		Jobs:    jobs,
		Config:  testSweeperConfig,
		Metrics: rec,
		Now:     testutil.TestTime,
	})
	require.NoError(t, err)
	return sweeperFixture{sweeper: sweeper, repo: store.Jobs(), queue: q, metrics: rec}
}

func seedQueued(t *testing.T, repo core.JobRepository, id string, age time.Duration) {
	t.Helper()
	job := testutil.NewJob().WithID(id).UpdatedAt(testutil.TestTime().Add(-age)).Build()
	require.NoError(t, repo.Create(context.Background(), job))
}

func seedRunning(t *testing.T, repo core.JobRepository, id string, age time.Duration) {
	t.Helper()
	seedQueued(t, repo, id, age)
	ok, err := repo.Transition(context.Background(), model.JobTransition{
		JobID: id,
		From:  model.JobStateQueued,
		To:    model.JobStateRunning,
		At:    testutil.TestTime().Add(-age),
	})
	require.NoError(t, err)
	require.True(t, ok)
}

func drain(q *queue.Memory) []string {
	var ids []string
	for q.Len() > 0 {
		id, _ := q.Dequeue(context.Background())
		ids = append(ids, id)
	}
	return ids
}

func TestNewSweeperService(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockJobRepository(ctrl)
	jobs := MustNewJobService(JobServiceOptions{Jobs: repo, Reports: mocks.NewMockReportRepository(ctrl)})

	tests := []struct {
		name string
		opts SweeperServiceOptions
	}{
		{name: "missing repo", opts: SweeperServiceOptions{Jobs: jobs, Config: testSweeperConfig}},
		{name: "missing job service", opts: SweeperServiceOptions{Repo: repo, Config: testSweeperConfig}},
		{name: "zero interval", opts: SweeperServiceOptions{Repo: repo, Jobs: jobs, Config: config.SweeperConfig{BatchSize: 1}}},
		{name: "zero batch", opts: SweeperServiceOptions{Repo: repo, Jobs: jobs, Config: config.SweeperConfig{Interval: time.Second}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSweeperService(tt.opts)
			require.Error(t, err)
		})
	}
}

func TestSweeper_RedispatchesStaleQueuedJobs(t *testing.T) {
	f := newSweeperFixture(t, nil, 16)
	seedQueued(t, f.repo, "stale", 5*time.Minute)
	seedQueued(t, f.repo, "fresh", 30*time.Second)

	res, err := f.sweeper.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(1), res.Redispatched)
	assert.Equal(t, []string{"stale"}, drain(f.queue))

	job, err := f.repo.GetByID(context.Background(), "stale")
	require.NoError(t, err)
	assert.Equal(t, model.JobStateQueued, job.State, "redispatch never changes state")
}

func TestSweeper_RedispatchedJobWaitsForNextAge(t *testing.T) {
	f := newSweeperFixture(t, nil, 16)
	seedQueued(t, f.repo, "a", 9*time.Minute)
	seedQueued(t, f.repo, "b", 8*time.Minute)
	seedQueued(t, f.repo, "c", 7*time.Minute)
	ctx := context.Background()

	first, err := f.sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), first.Redispatched)
	assert.Equal(t, []string{"a", "b"}, drain(f.queue))

	job, err := f.repo.GetByID(ctx, "a")
	require.NoError(t, err)
	assert.True(t, job.UpdatedAt.Equal(testutil.TestTime()), "redispatch bumps updated_at")

	second, err := f.sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), second.Redispatched)
	assert.Equal(t, []string{"c"}, drain(f.queue))

	third, err := f.sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, third.Redispatched)
	assert.Zero(t, f.queue.Len())
}

func TestSweeper_FullQueueDefersRedispatch(t *testing.T) {
	f := newSweeperFixture(t, nil, 1)
	seedQueued(t, f.repo, "a", 5*time.Minute)
	seedQueued(t, f.repo, "b", 4*time.Minute)

	res, err := f.sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Redispatched)
	assert.Equal(t, []string{"a"}, drain(f.queue))
	assert.Len(t, f.metrics.Find("queue.rejected", map[string]string{"source": DispatchSourceSweeper}), 1)
}

func TestSweeper_InterruptsStaleRunningJobsInBatches(t *testing.T) {
	f := newSweeperFixture(t, nil, 16)
	seedRunning(t, f.repo, "r1", 30*time.Minute)
	seedRunning(t, f.repo, "r2", 20*time.Minute)
	seedRunning(t, f.repo, "r3", 15*time.Minute)
	seedRunning(t, f.repo, "live", time.Minute)

	res, err := f.sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Interrupted)

	ctx := context.Background()
	for _, id := range []string{"r1", "r2", "r3"} {
		job, err := f.repo.GetByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.JobStateError, job.State, id)
		require.NotNil(t, job.Error)
		assert.Equal(t, MsgGenerationInterrupted, *job.Error)
	}
	live, err := f.repo.GetByID(ctx, "live")
	require.NoError(t, err)
	assert.Equal(t, model.JobStateRunning, live.State)
	assert.Empty(t, drain(f.queue), "running jobs are never requeued")

	processed := f.metrics.Find("sweeper.jobs_processed", map[string]string{"operation": "interrupt_running"})
	require.Len(t, processed, 1)
	assert.InDelta(t, 3, processed[0].Value, 0)
}

func TestSweeper_NothingToDo(t *testing.T) {
	f := newSweeperFixture(t, nil, 4)

	res, err := f.sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, res)
	assert.Len(t, f.metrics.Find("sweeper.pass", map[string]string{"result": "noop"}), 1)
}

// lockingRepo adds a controllable sweep lock to the memory repository.
type lockingRepo struct {
	*data.MemoryJobRepo
	held  bool
	calls atomic.Int32
}

func (r *lockingRepo) WithSweepLock(ctx context.Context, fn func(context.Context) error) (bool, error) {
	r.calls.Add(1)
	if r.held {
		return false, nil
	}
	return true, fn(ctx)
}

func TestSweeper_SweepLock(t *testing.T) {
	t.Run("skips the pass when held elsewhere", func(t *testing.T) {
		store := data.NewMemoryStore(nil)
		repo := &lockingRepo{MemoryJobRepo: store.Jobs(), held: true}
		f := newSweeperFixture(t, repo, 4)
		seedQueued(t, repo, "stale", time.Hour)

		res, err := f.sweeper.RunOnce(context.Background())
		require.NoError(t, err)
		assert.True(t, res.Skipped)
		assert.Equal(t, int32(1), repo.calls.Load())
		assert.Zero(t, f.queue.Len())
	})

	t.Run("sweeps under the lock", func(t *testing.T) {
		store := data.NewMemoryStore(nil)
		repo := &lockingRepo{MemoryJobRepo: store.Jobs()}
		f := newSweeperFixture(t, repo, 4)
		seedQueued(t, repo, "stale", time.Hour)

		res, err := f.sweeper.RunOnce(context.Background())
		require.NoError(t, err)
		assert.False(t, res.Skipped)
		assert.Equal(t, int64(1), res.Redispatched)
		assert.Equal(t, 1, f.queue.Len())
	})
}

func TestSweeper_ListFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockJobRepository(ctrl)
	repo.EXPECT().ListStale(gomock.Any(), gomock.Any()).Return(nil, errors.New("db down")).Times(2)
	f := newSweeperFixture(t, repo, 4)

	_, err := f.sweeper.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redispatch queued jobs")
	assert.Contains(t, err.Error(), "interrupt running jobs")
	assert.Len(t, f.metrics.Find("sweeper.pass", map[string]string{"result": "error"}), 1)
}

func TestSweeper_RunStopsOnCancel(t *testing.T) {
	f := newSweeperFixture(t, nil, 4)
	cfg := testSweeperConfig
	cfg.Interval = 10 * time.Millisecond
	f.sweeper.config = cfg

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.sweeper.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(f.metrics.Find("sweeper.pass", nil)) >= 2
	}, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
