package data

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/mmk-report-api/internal/core"
	"github.com/target/mmk-report-api/internal/domain/model"
	apperrors "github.com/target/mmk-report-api/internal/errors"
	"github.com/target/mmk-report-api/internal/testutil"
)

// storeFactory returns fresh, empty repositories for one subtest.
type storeFactory func(t *testing.T) (core.JobRepository, core.ReportRepository)

// runStoreContract exercises the behaviour every job/report backend must share.
func runStoreContract(t *testing.T, newStore storeFactory) {
	t.Helper()
	ctx := context.Background()
	now := testutil.TestTime()

	t.Run("create and get", func(t *testing.T) {
		jobs, _ := newStore(t)
		job := testutil.NewJob().Build()
		require.NoError(t, jobs.Create(ctx, job))

		got, err := jobs.GetByID(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, job.ID, got.ID)
		assert.Equal(t, model.JobStateQueued, got.State)
		assert.Equal(t, job.Address, got.Address)
		assert.True(t, job.CreatedAt.Equal(got.CreatedAt))
	})

	t.Run("duplicate id conflicts", func(t *testing.T) {
		jobs, _ := newStore(t)
		job := testutil.NewJob().Build()
		require.NoError(t, jobs.Create(ctx, job))
		err := jobs.Create(ctx, testutil.NewJob().WithID(job.ID).Build())
		assert.True(t, apperrors.IsConflict(err), "got %v", err)
	})

	t.Run("create rejects non-queued jobs", func(t *testing.T) {
		jobs, _ := newStore(t)
		job := testutil.NewJob().Build()
		job.State = model.JobStateRunning
		assert.True(t, apperrors.IsValidation(jobs.Create(ctx, job)))
	})

	t.Run("unknown id is not found", func(t *testing.T) {
		jobs, reports := newStore(t)
		_, err := jobs.GetByID(ctx, "missing")
		assert.True(t, apperrors.IsNotFound(err), "got %v", err)
		_, err = reports.GetByID(ctx, "missing")
		assert.True(t, apperrors.IsNotFound(err), "got %v", err)
		_, err = jobs.Transition(ctx, model.JobTransition{
			JobID: "missing", From: model.JobStateQueued, To: model.JobStateRunning, At: now,
		})
		assert.True(t, apperrors.IsNotFound(err), "got %v", err)
	})

	t.Run("returned jobs are copies", func(t *testing.T) {
		jobs, _ := newStore(t)
		job := testutil.NewJob().Build()
		require.NoError(t, jobs.Create(ctx, job))
		got, err := jobs.GetByID(ctx, job.ID)
		require.NoError(t, err)
		got.State = model.JobStateError
		again, err := jobs.GetByID(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStateQueued, again.State)
	})

	t.Run("transition is compare and swap", func(t *testing.T) {
		jobs, _ := newStore(t)
		job := testutil.NewJob().Build()
		require.NoError(t, jobs.Create(ctx, job))

		start := model.JobTransition{JobID: job.ID, From: model.JobStateQueued, To: model.JobStateRunning, At: now.Add(time.Second)}
		ok, err := jobs.Transition(ctx, start)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = jobs.Transition(ctx, start)
		require.NoError(t, err)
		assert.False(t, ok, "second claim must lose")

		got, err := jobs.GetByID(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStateRunning, got.State)
		require.NotNil(t, got.StartedAt)
		assert.True(t, got.StartedAt.Equal(start.At))
	})

	t.Run("illegal transition is rejected", func(t *testing.T) {
		jobs, _ := newStore(t)
		job := testutil.NewJob().Build()
		require.NoError(t, jobs.Create(ctx, job))
		_, err := jobs.Transition(ctx, model.JobTransition{
			JobID: job.ID, From: model.JobStateQueued, To: model.JobStateDone, ReportID: testutil.StringPtr("r"), At: now,
		})
		assert.True(t, apperrors.IsValidation(err))
	})

	t.Run("concurrent claims have one winner", func(t *testing.T) {
		jobs, _ := newStore(t)
		job := testutil.NewJob().Build()
		require.NoError(t, jobs.Create(ctx, job))

		const workers = 8
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := jobs.Transition(ctx, model.JobTransition{
					JobID: job.ID, From: model.JobStateQueued, To: model.JobStateRunning, At: now,
				})
				if err != nil && !apperrors.IsConflict(err) {
					t.Errorf("transition: %v", err)
					return
				}
				if ok {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})

	t.Run("fail records error", func(t *testing.T) {
		jobs, reports := newStore(t)
		job := testutil.NewJob().Build()
		require.NoError(t, jobs.Create(ctx, job))
		claim(t, jobs, job.ID, now)

		ok, err := jobs.Transition(ctx, model.JobTransition{
			JobID: job.ID, From: model.JobStateRunning, To: model.JobStateError, Error: "address resolution failed", At: now,
		})
		require.NoError(t, err)
		require.True(t, ok)

		got, err := jobs.GetByID(ctx, job.ID)
		require.NoError(t, err)
		st := got.Status()
		assert.Equal(t, model.JobStateError, st.State)
		require.NotNil(t, st.Error)
		assert.Equal(t, "address resolution failed", *st.Error)
		assert.Nil(t, st.ReportID)
		assert.Nil(t, got.ReportID)

		// Terminal: completing afterwards is a lost race and writes no report.
		rep := testutil.NewReport(job.ID)
		done, err := jobs.Complete(ctx, core.CompleteJobParams{Report: rep, At: now})
		require.NoError(t, err)
		assert.False(t, done)
		_, err = reports.GetByID(ctx, rep.ID)
		assert.True(t, apperrors.IsNotFound(err))
	})

	t.Run("complete stores report and marks done", func(t *testing.T) {
		jobs, reports := newStore(t)
		job := testutil.NewJob().Build()
		require.NoError(t, jobs.Create(ctx, job))
		claim(t, jobs, job.ID, now)

		rep := testutil.NewReport(job.ID)
		done, err := jobs.Complete(ctx, core.CompleteJobParams{Report: rep, At: now.Add(time.Minute)})
		require.NoError(t, err)
		require.True(t, done)

		got, err := jobs.GetByID(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStateDone, got.State)
		require.NotNil(t, got.ReportID)
		assert.Equal(t, rep.ID, *got.ReportID)
		require.NotNil(t, got.FinishedAt)

		stored, err := reports.GetByID(ctx, rep.ID)
		require.NoError(t, err)
		assert.Equal(t, rep.JobID, stored.JobID)
		assert.Equal(t, rep.Sections.Geo.Tract.GEOID(), stored.Sections.Geo.Tract.GEOID())
		assert.Equal(t, model.QualityLive, stored.SourceQuality[model.SectionGeo])

		again, err := jobs.Complete(ctx, core.CompleteJobParams{Report: testutil.NewReport(job.ID), At: now})
		require.NoError(t, err)
		assert.False(t, again, "done is terminal")
	})

	t.Run("complete requires a running job", func(t *testing.T) {
		jobs, _ := newStore(t)
		job := testutil.NewJob().Build()
		require.NoError(t, jobs.Create(ctx, job))
		done, err := jobs.Complete(ctx, core.CompleteJobParams{Report: testutil.NewReport(job.ID), At: now})
		require.NoError(t, err)
		assert.False(t, done)
	})

	t.Run("create once binds one job per event", func(t *testing.T) {
		jobs, _ := newStore(t)
		first := testutil.NewJob().WithEvent("evt_1").Build()
		got, created, err := jobs.CreateOnce(ctx, first)
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, first.ID, got.ID)

		second := testutil.NewJob().WithEvent("evt_1").Build()
		got, created, err = jobs.CreateOnce(ctx, second)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, first.ID, got.ID)

		_, err = jobs.GetByID(ctx, second.ID)
		assert.True(t, apperrors.IsNotFound(err), "duplicate delivery must not create a job")

		bound, err := jobs.GetByEventID(ctx, "evt_1")
		require.NoError(t, err)
		assert.Equal(t, first.ID, bound.ID)
	})

	t.Run("get by event id of an unknown event is not found", func(t *testing.T) {
		jobs, _ := newStore(t)
		require.NoError(t, jobs.Create(ctx, testutil.NewJob().Build()))
		_, err := jobs.GetByEventID(ctx, "evt_unknown")
		assert.True(t, apperrors.IsNotFound(err))
	})

	t.Run("concurrent create once creates one job", func(t *testing.T) {
		jobs, _ := newStore(t)
		const deliveries = 6
		ids := make(chan string, deliveries)
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			created int
		)
		for range deliveries {
			wg.Add(1)
			go func() {
				defer wg.Done()
				got, ok, err := jobs.CreateOnce(ctx, testutil.NewJob().WithEvent("evt_race").Build())
				if err != nil {
					if !apperrors.IsConflict(err) {
						t.Errorf("create once: %v", err)
					}
					return
				}
				ids <- got.ID
				if ok {
					mu.Lock()
					created++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		close(ids)
		assert.Equal(t, 1, created)
		seen := map[string]bool{}
		for id := range ids {
			seen[id] = true
		}
		assert.Len(t, seen, 1, "every delivery must see the same job")
	})

	t.Run("create once requires event id", func(t *testing.T) {
		jobs, _ := newStore(t)
		_, _, err := jobs.CreateOnce(ctx, testutil.NewJob().Build())
		assert.True(t, apperrors.IsValidation(err))
	})

	t.Run("list stale filters by state and age", func(t *testing.T) {
		jobs, _ := newStore(t)
		var old []string
		for i := range 3 {
			j := testutil.NewJob().WithID(fmt.Sprintf("old-%d", i)).UpdatedAt(now.Add(-time.Duration(10-i) * time.Minute)).Build()
			require.NoError(t, jobs.Create(ctx, j))
			old = append(old, j.ID)
		}
		fresh := testutil.NewJob().UpdatedAt(now).Build()
		require.NoError(t, jobs.Create(ctx, fresh))
		running := testutil.NewJob().UpdatedAt(now.Add(-time.Hour)).Build()
		require.NoError(t, jobs.Create(ctx, running))
		claim(t, jobs, running.ID, now.Add(-30*time.Minute))

		got, err := jobs.ListStale(ctx, core.ListStaleJobsParams{
			State: model.JobStateQueued, OlderThan: now.Add(-time.Minute), Limit: 10,
		})
		require.NoError(t, err)
		assert.Equal(t, old, jobIDs(got))

		got, err = jobs.ListStale(ctx, core.ListStaleJobsParams{
			State: model.JobStateQueued, OlderThan: now.Add(-time.Minute), Limit: 2,
		})
		require.NoError(t, err)
		assert.Equal(t, old[:2], jobIDs(got))

		got, err = jobs.ListStale(ctx, core.ListStaleJobsParams{
			State: model.JobStateRunning, OlderThan: now, Limit: 10,
		})
		require.NoError(t, err)
		assert.Equal(t, []string{running.ID}, jobIDs(got))
	})

	t.Run("touch moves a queued job out of the stale window", func(t *testing.T) {
		jobs, _ := newStore(t)
		a := testutil.NewJob().WithID("touch-a").UpdatedAt(now.Add(-10 * time.Minute)).Build()
		b := testutil.NewJob().WithID("touch-b").UpdatedAt(now.Add(-9 * time.Minute)).Build()
		require.NoError(t, jobs.Create(ctx, a))
		require.NoError(t, jobs.Create(ctx, b))

		touched, err := jobs.Touch(ctx, a.ID, model.JobStateQueued)
		require.NoError(t, err)
		assert.True(t, touched)

		got, err := jobs.GetByID(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStateQueued, got.State)
		assert.False(t, got.UpdatedAt.Before(now))

		stale, err := jobs.ListStale(ctx, core.ListStaleJobsParams{
			State: model.JobStateQueued, OlderThan: now.Add(-time.Minute), Limit: 10,
		})
		require.NoError(t, err)
		assert.Equal(t, []string{b.ID}, jobIDs(stale))

		claim(t, jobs, b.ID, now)
		touched, err = jobs.Touch(ctx, b.ID, model.JobStateQueued)
		require.NoError(t, err)
		assert.False(t, touched, "job is no longer queued")

		_, err = jobs.Touch(ctx, "missing", model.JobStateQueued)
		assert.True(t, apperrors.IsNotFound(err))
	})

	t.Run("list stale validates params", func(t *testing.T) {
		jobs, _ := newStore(t)
		_, err := jobs.ListStale(ctx, core.ListStaleJobsParams{State: "bogus", Limit: 1})
		assert.True(t, apperrors.IsValidation(err))
		_, err = jobs.ListStale(ctx, core.ListStaleJobsParams{State: model.JobStateQueued})
		assert.True(t, apperrors.IsValidation(err))
	})
}

func claim(t *testing.T, jobs core.JobRepository, id string, at time.Time) {
	t.Helper()
	ok, err := jobs.Transition(context.Background(), model.JobTransition{
		JobID: id, From: model.JobStateQueued, To: model.JobStateRunning, At: at,
	})
	require.NoError(t, err)
	require.True(t, ok)
}

func jobIDs(jobs []*model.Job) []string {
	out := make([]string, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.ID)
	}
	return out
}

// runSweepLockContract checks that a second holder is refused while the first runs.
func runSweepLockContract(t *testing.T, locker core.SweepLocker) {
	t.Helper()
	ctx := context.Background()

	ran, err := locker.WithSweepLock(ctx, func(ctx context.Context) error {
		inner, err := locker.WithSweepLock(ctx, func(context.Context) error {
			t.Error("nested holder must not run")
			return nil
		})
		require.NoError(t, err)
		assert.False(t, inner)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)

	ran, err = locker.WithSweepLock(ctx, func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.True(t, ran, "lock must be released after the first holder returns")
}
