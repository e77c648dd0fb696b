package jobrunner

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/mmk-report-api/internal/adapters/queue"
	"github.com/target/mmk-report-api/internal/data"
	"github.com/target/mmk-report-api/internal/domain/model"
	"github.com/target/mmk-report-api/internal/observability/statsd"
	"github.com/target/mmk-report-api/internal/service"
	"github.com/target/mmk-report-api/internal/testutil"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type executorFunc func(ctx context.Context, jobID string) error

func (f executorFunc) RunJob(ctx context.Context, jobID string) error { return f(ctx, jobID) }

// startRunner runs r in the background and returns a stop function that cancels
// it and waits for Run to return.
func startRunner(t *testing.T, r *Runner) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	return func() error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(5 * time.Second):
			return errors.New("runner did not stop")
		}
	}
}

func TestNewRunner(t *testing.T) {
	_, err := NewRunner(RunnerOptions{Jobs: executorFunc(func(context.Context, string) error { return nil })})
	require.Error(t, err)

	_, err = NewRunner(RunnerOptions{Queue: queue.NewMemory(1)})
	require.Error(t, err)

	r, err := NewRunner(RunnerOptions{Queue: queue.NewMemory(1), Jobs: executorFunc(func(context.Context, string) error { return nil })})
	require.NoError(t, err)
	assert.Equal(t, 1, r.workers)
	assert.Equal(t, defaultJobTimeout, r.jobTimeout)
}

func TestRunner_ProcessesQueuedJobs(t *testing.T) {
	q := queue.NewMemory(16)
	var (
		mu   sync.Mutex
		seen []string
	)
	r, err := NewRunner(RunnerOptions{
		Queue:       q,
		Concurrency: 3,
		Jobs: executorFunc(func(_ context.Context, id string) error {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, id)
			return nil
		}),
	})
	require.NoError(t, err)

	stop := startRunner(t, r)
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, q.Enqueue(context.Background(), id))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 5
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, stop())
	assert.ElementsMatch(t, []string{"a", "b", "c", "d", "e"}, seen)
}

func TestRunner_ShutdownDrainsInFlightJob(t *testing.T) {
	q := queue.NewMemory(4)
	started := make(chan struct{})
	release := make(chan struct{})
	var ctxAlive atomic.Bool

	r, err := NewRunner(RunnerOptions{
		Queue: q,
		Jobs: executorFunc(func(ctx context.Context, _ string) error {
			close(started)
			<-release
			ctxAlive.Store(ctx.Err() == nil)
			return nil
		}),
	})
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(context.Background(), "job-1"))

	stop := startRunner(t, r)
	<-started

	stopped := make(chan error, 1)
	go func() { stopped <- stop() }()

	select {
	case <-stopped:
		t.Fatal("runner returned before its in-flight job finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-stopped)
	assert.True(t, ctxAlive.Load(), "job context must survive shutdown")
}

func TestRunner_JobTimeout(t *testing.T) {
	q := queue.NewMemory(4)
	got := make(chan error, 1)
	r, err := NewRunner(RunnerOptions{
		Queue:      q,
		JobTimeout: 20 * time.Millisecond,
		Jobs: executorFunc(func(ctx context.Context, _ string) error {
			<-ctx.Done()
			got <- ctx.Err()
			return ctx.Err()
		}),
	})
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(context.Background(), "slow"))

	stop := startRunner(t, r)
	select {
	case err := <-got:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(2 * time.Second):
		t.Fatal("job timeout not applied")
	}
	require.NoError(t, stop())
}

// flakyQueue fails its first Dequeue and then serves from an in-memory queue.
type flakyQueue struct {
	*queue.Memory
	failed atomic.Bool
}

func (q *flakyQueue) Dequeue(ctx context.Context) (string, error) {
	if q.failed.CompareAndSwap(false, true) {
		return "", errors.New("connection reset")
	}
	return q.Memory.Dequeue(ctx)
}

func TestRunner_DequeueErrorBacksOff(t *testing.T) {
	q := &flakyQueue{Memory: queue.NewMemory(4)}
	rec := &statsd.Recorder{}
	ran := make(chan string, 1)
	r, err := NewRunner(RunnerOptions{
		Queue:          q,
		Metrics:        rec,
		DequeueBackoff: 10 * time.Millisecond,
		Jobs: executorFunc(func(_ context.Context, id string) error {
			ran <- id
			return nil
		}),
	})
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(context.Background(), "job-1"))

	stop := startRunner(t, r)
	select {
	case id := <-ran:
		assert.Equal(t, "job-1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not recover from dequeue error")
	}
	require.NoError(t, stop())
	assert.Len(t, rec.Find("runner.dequeue_error", nil), 1)
}

func TestRunner_RecoversFromPanickingJob(t *testing.T) {
	q := queue.NewMemory(4)
	rec := &statsd.Recorder{}
	var calls atomic.Int32
	r, err := NewRunner(RunnerOptions{
		Queue:   q,
		Metrics: rec,
		Jobs: executorFunc(func(_ context.Context, id string) error {
			calls.Add(1)
			if id == "boom" {
				panic("nil map")
			}
			return nil
		}),
	})
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(context.Background(), "boom"))
	require.NoError(t, q.Enqueue(context.Background(), "fine"))

	stop := startRunner(t, r)
	require.Eventually(t, func() bool { return calls.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, stop())

	assert.Len(t, rec.Find("runner.job", map[string]string{"result": "error"}), 1)
	assert.Len(t, rec.Find("runner.job", map[string]string{"result": "success"}), 1)
}

type reportBuilderFunc func(ctx context.Context, address, email string) (*model.Report, error)

func (f reportBuilderFunc) BuildReport(ctx context.Context, address, email string) (*model.Report, error) {
	return f(ctx, address, email)
}

func TestRunner_EndToEndWithMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := data.NewMemoryStore(nil)
	q := queue.NewMemory(8)
	jobs := service.MustNewJobService(service.JobServiceOptions{
		Jobs:    store.Jobs(),
		Reports: store.Reports(),
		Queue:   q,
		Builder: reportBuilderFunc(func(_ context.Context, address, email string) (*model.Report, error) {
			rep := testutil.NewReport("")
			rep.Address = address
			rep.Email = email
			return rep, nil
		}),
	})
	r, err := NewRunner(RunnerOptions{Queue: q, Jobs: jobs, Concurrency: 2})
	require.NoError(t, err)
	stop := startRunner(t, r)

	job, err := jobs.CreateJob(ctx, model.CreateJobRequest{Address: "1 Main St", Email: "a@example.com"})
	require.NoError(t, err)

	var status model.JobStatus
	require.Eventually(t, func() bool {
		status, err = jobs.GetStatus(ctx, job.ID)
		return err == nil && status.State == model.JobStateDone
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, stop())

	require.NotNil(t, status.ReportID)
	report, err := jobs.GetReport(ctx, *status.ReportID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, report.JobID)
	assert.Equal(t, "1 Main St", report.Address)
}
