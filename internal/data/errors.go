package data

import (
	"errors"
	"strings"

	"github.com/target/mmk-report-api/internal/core"
	"github.com/target/mmk-report-api/internal/domain/model"
	apperrors "github.com/target/mmk-report-api/internal/errors"
)

var (
	// ErrJobRequired is returned when a nil job is passed to a repository.
	ErrJobRequired = errors.New("job is required")
	// ErrReportRequired is returned when completing a job without a report.
	ErrReportRequired = errors.New("report is required")
)

func validateNewJob(job *model.Job) error {
	if job == nil {
		return ErrJobRequired
	}
	if strings.TrimSpace(job.ID) == "" {
		return apperrors.ValidationField("id", "job id is required")
	}
	if job.State != model.JobStateQueued {
		return apperrors.ValidationField("state", "new jobs must be queued")
	}
	return nil
}

func validateCreateOnce(job *model.Job) error {
	if err := validateNewJob(job); err != nil {
		return err
	}
	if job.EventID == nil || strings.TrimSpace(*job.EventID) == "" {
		return apperrors.ValidationField("event_id", "event id is required")
	}
	return nil
}

// completeTransition validates params and derives the running → done transition.
func completeTransition(params core.CompleteJobParams) (model.JobTransition, error) {
	if params.Report == nil {
		return model.JobTransition{}, ErrReportRequired
	}
	if strings.TrimSpace(params.Report.ID) == "" {
		return model.JobTransition{}, apperrors.ValidationField("report_id", "report id is required")
	}
	reportID := params.Report.ID
	t := model.JobTransition{
		JobID:    params.Report.JobID,
		From:     model.JobStateRunning,
		To:       model.JobStateDone,
		ReportID: &reportID,
		At:       params.At,
	}
	return t, t.Validate()
}

func validateListStale(params core.ListStaleJobsParams) error {
	if !params.State.Valid() {
		return apperrors.ValidationField("state", "invalid job state")
	}
	if params.Limit <= 0 {
		return apperrors.ValidationField("limit", "limit must be greater than zero")
	}
	return nil
}

func jobNotFound(id string) error {
	return apperrors.NotFoundf("job %s not found", id)
}

func eventNotFound(eventID string) error {
	return apperrors.NotFoundf("no job for event %s", eventID)
}

func reportNotFound(id string) error {
	return apperrors.NotFoundf("report %s not found", id)
}
