// Package model defines the data types shared by the report pipeline: jobs, reports and their sections.
package model

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	apperrors "github.com/target/mmk-report-api/internal/errors"
)

// JobState is the lifecycle state of a report job.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type JobState string

const (
	// JobStateQueued indicates a job is waiting for a worker.
	JobStateQueued JobState = "queued"
	// JobStateRunning indicates a worker is building the job's report.
	JobStateRunning JobState = "running"
	// JobStateDone indicates the report was produced and stored.
	JobStateDone JobState = "done"
	// JobStateError indicates a load-bearing stage failed; no report exists.
	JobStateError JobState = "error"
)

const maxAddressLength = 512

// ErrQueueFull is returned by a job queue that cannot accept more work.
var ErrQueueFull = errors.New("job queue is full")

// Valid returns true if the JobState is one of the known states.
func (s JobState) Valid() bool {
	switch s {
	case JobStateQueued, JobStateRunning, JobStateDone, JobStateError:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transitions are allowed from s.
func (s JobState) Terminal() bool {
	return s == JobStateDone || s == JobStateError
}

// UnmarshalText implements encoding.TextUnmarshaler so states parse from flags and env.
func (s *JobState) UnmarshalText(text []byte) error {
	v := JobState(strings.ToLower(strings.TrimSpace(string(text))))
	if !v.Valid() {
		return fmt.Errorf("invalid JobState: %q", string(text))
	}
	*s = v
	return nil
}

// CanTransition reports whether from → to is an edge of the job state machine
// queued → running → {done | error}.
func CanTransition(from, to JobState) bool {
	switch from {
	case JobStateQueued:
		return to == JobStateRunning
	case JobStateRunning:
		return to == JobStateDone || to == JobStateError
	default:
		return false
	}
}

// Job is a tracked unit of asynchronous report generation.
type Job struct {
	ID         string     `json:"id"`
	State      JobState   `json:"state"`
	Address    string     `json:"address"`
	Email      string     `json:"email"`
	ReportID   *string    `json:"report_id,omitempty"`
	Error      *string    `json:"error,omitempty"`
	EventID    *string    `json:"event_id,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Clone returns a deep copy so stores never hand out aliases of their records.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	cp.ReportID = cloneString(j.ReportID)
	cp.Error = cloneString(j.Error)
	cp.EventID = cloneString(j.EventID)
	cp.StartedAt = cloneTime(j.StartedAt)
	cp.FinishedAt = cloneTime(j.FinishedAt)
	return &cp
}

// Status projects the externally visible job status.
func (j *Job) Status() JobStatus {
	st := JobStatus{JobID: j.ID, State: j.State}
	if j.State == JobStateDone {
		st.ReportID = cloneString(j.ReportID)
	}
	if j.State == JobStateError {
		st.Error = cloneString(j.Error)
	}
	return st
}

// Apply mutates j according to a validated transition.
func (j *Job) Apply(t JobTransition) {
	j.State = t.To
	j.UpdatedAt = t.At
	switch t.To {
	case JobStateRunning:
		j.StartedAt = cloneTime(&t.At)
	case JobStateDone:
		j.FinishedAt = cloneTime(&t.At)
		j.ReportID = cloneString(t.ReportID)
	case JobStateError:
		j.FinishedAt = cloneTime(&t.At)
		msg := t.Error
		j.Error = &msg
	case JobStateQueued:
	}
}

// JobStatus is the polling view of a job: state plus report id or error.
type JobStatus struct {
	JobID    string   `json:"job_id"`
	State    JobState `json:"state"`
	ReportID *string  `json:"report_id,omitempty"`
	Error    *string  `json:"error,omitempty"`
}

// JobTransition describes a compare-and-swap state change.
type JobTransition struct {
	JobID    string
	From     JobState
	To       JobState
	ReportID *string
	Error    string
	At       time.Time
}

// Validate checks that the transition is a legal edge with the fields it needs.
func (t JobTransition) Validate() error {
	if strings.TrimSpace(t.JobID) == "" {
		return apperrors.ValidationField("job_id", "job id is required")
	}
	if !CanTransition(t.From, t.To) {
		return apperrors.Validation(fmt.Sprintf("illegal job transition %s -> %s", t.From, t.To))
	}
	if t.To == JobStateDone && (t.ReportID == nil || *t.ReportID == "") {
		return apperrors.ValidationField("report_id", "report id is required to complete a job")
	}
	if t.To == JobStateError && strings.TrimSpace(t.Error) == "" {
		return apperrors.ValidationField("error", "error message is required to fail a job")
	}
	return nil
}

// CreateJobRequest carries the inputs captured when a job is created.
type CreateJobRequest struct {
	Address string `json:"address"`
	Email   string `json:"email"`
	// EventID is the optional idempotency key of the triggering payment event.
	EventID string `json:"event_id,omitempty"`
}

// Normalize trims whitespace from all fields.
func (r *CreateJobRequest) Normalize() {
	r.Address = strings.TrimSpace(r.Address)
	r.Email = strings.TrimSpace(r.Email)
	r.EventID = strings.TrimSpace(r.EventID)
}

// Validate checks the request after normalisation.
func (r *CreateJobRequest) Validate() error {
	if r.Address == "" {
		return apperrors.ValidationField("address", "address is required")
	}
	if len(r.Address) > maxAddressLength {
		return apperrors.ValidationField("address", fmt.Sprintf("address cannot exceed %d characters", maxAddressLength))
	}
	if r.Email == "" {
		return apperrors.ValidationField("email", "email is required")
	}
	if _, err := mail.ParseAddress(r.Email); err != nil {
		return apperrors.ValidationField("email", "email must be a valid address")
	}
	return nil
}

// PaymentConfirmedEvent is an already-verified payment confirmation.
type PaymentConfirmedEvent struct {
	EventID string
	Address string
	Email   string
}

// Request converts the event to a job creation request.
func (e PaymentConfirmedEvent) Request() CreateJobRequest {
	return CreateJobRequest{Address: e.Address, Email: e.Email, EventID: e.EventID}
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
