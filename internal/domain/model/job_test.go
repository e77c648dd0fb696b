package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	apperrors "github.com/target/mmk-report-api/internal/errors"
)

func TestCanTransition(t *testing.T) {
	states := []JobState{JobStateQueued, JobStateRunning, JobStateDone, JobStateError}
	allowed := map[[2]JobState]bool{
		{JobStateQueued, JobStateRunning}: true,
		{JobStateRunning, JobStateDone}:   true,
		{JobStateRunning, JobStateError}:  true,
	}

	for _, from := range states {
		for _, to := range states {
			assert.Equal(t, allowed[[2]JobState{from, to}], CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestJobState_UnmarshalText(t *testing.T) {
	var s JobState
	require.NoError(t, s.UnmarshalText([]byte(" Running ")))
	assert.Equal(t, JobStateRunning, s)
	assert.Error(t, s.UnmarshalText([]byte("pending")))
	assert.True(t, JobStateDone.Terminal())
	assert.False(t, JobStateQueued.Terminal())
}

func TestJob_ApplyAndStatus(t *testing.T) {
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	job := &Job{ID: "j-1", State: JobStateQueued, CreatedAt: at, UpdatedAt: at}

	job.Apply(JobTransition{JobID: "j-1", From: JobStateQueued, To: JobStateRunning, At: at.Add(time.Second)})
	require.NotNil(t, job.StartedAt)
	assert.Equal(t, JobStateRunning, job.State)
	assert.Nil(t, job.Status().ReportID)

	reportID := "r-1"
	job.Apply(JobTransition{
		JobID: "j-1", From: JobStateRunning, To: JobStateDone, ReportID: &reportID, At: at.Add(2 * time.Second),
	})
	st := job.Status()
	assert.Equal(t, JobStateDone, st.State)
	require.NotNil(t, st.ReportID)
	assert.Equal(t, "r-1", *st.ReportID)
	assert.Nil(t, st.Error)

	reportID = "mutated"
	assert.Equal(t, "r-1", *job.ReportID)
}

func TestJob_StatusHidesErrorUnlessFailed(t *testing.T) {
	msg := "address resolution failed"
	job := &Job{ID: "j", State: JobStateError, Error: &msg}
	require.NotNil(t, job.Status().Error)
	assert.Equal(t, msg, *job.Status().Error)

	job.State = JobStateRunning
	assert.Nil(t, job.Status().Error)
}

func TestJob_CloneIsDeep(t *testing.T) {
	ev := "evt_1"
	now := time.Now()
	job := &Job{ID: "j", EventID: &ev, StartedAt: &now}

	cp := job.Clone()
	*cp.EventID = "evt_2"
	*cp.StartedAt = now.Add(time.Hour)

	assert.Equal(t, "evt_1", *job.EventID)
	assert.Equal(t, now, *job.StartedAt)
	assert.Nil(t, (*Job)(nil).Clone())
}

func TestJobTransition_Validate(t *testing.T) {
	rid := "r"
	tests := []struct {
		name  string
		tr    JobTransition
		field string
		ok    bool
	}{
		{name: "start", tr: JobTransition{JobID: "j", From: JobStateQueued, To: JobStateRunning}, ok: true},
		{name: "done", tr: JobTransition{JobID: "j", From: JobStateRunning, To: JobStateDone, ReportID: &rid}, ok: true},
		{name: "done without report", tr: JobTransition{JobID: "j", From: JobStateRunning, To: JobStateDone}, field: "report_id"},
		{name: "error without message", tr: JobTransition{JobID: "j", From: JobStateRunning, To: JobStateError}, field: "error"},
		{name: "backwards", tr: JobTransition{JobID: "j", From: JobStateDone, To: JobStateQueued}},
		{name: "missing id", tr: JobTransition{From: JobStateQueued, To: JobStateRunning}, field: "job_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.tr.Validate()
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, apperrors.IsValidation(err))
			assert.Equal(t, tt.field, apperrors.GetField(err))
		})
	}
}

func TestCreateJobRequest_Validate(t *testing.T) {
	tests := []struct {
		name  string
		req   CreateJobRequest
		field string
	}{
		{name: "valid", req: CreateJobRequest{Address: " 1 Main St, Springfield ", Email: " a@example.com "}},
		{name: "missing address", req: CreateJobRequest{Address: "  ", Email: "a@example.com"}, field: "address"},
		{name: "missing email", req: CreateJobRequest{Address: "1 Main St"}, field: "email"},
		{name: "bad email", req: CreateJobRequest{Address: "1 Main St", Email: "not-an-email"}, field: "email"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.req
			req.Normalize()
			err := req.Validate()
			if tt.field == "" {
				require.NoError(t, err)
				assert.Equal(t, "1 Main St, Springfield", req.Address)
				return
			}
			assert.Equal(t, tt.field, apperrors.GetField(err))
		})
	}
}
