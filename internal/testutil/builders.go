package testutil

import (
	"time"

	"github.com/google/uuid"
	"github.com/target/mmk-report-api/internal/domain/model"
)

// JobBuilder builds model.Job values for tests.
type JobBuilder struct {
	job model.Job
}

// NewJob returns a builder for a queued job with a fresh id.
func NewJob() *JobBuilder {
	now := TestTime()
	return &JobBuilder{job: model.Job{
		ID:        uuid.NewString(),
		State:     model.JobStateQueued,
		Address:   "4600 Silver Hill Rd, Washington, DC 20233",
		Email:     "buyer@example.com",
		CreatedAt: now,
		UpdatedAt: now,
	}}
}

// WithID sets the job id.
func (b *JobBuilder) WithID(id string) *JobBuilder {
	b.job.ID = id
	return b
}

// WithEvent sets the triggering payment event id.
func (b *JobBuilder) WithEvent(eventID string) *JobBuilder {
	b.job.EventID = &eventID
	return b
}

// WithAddress sets the job address.
func (b *JobBuilder) WithAddress(address string) *JobBuilder {
	b.job.Address = address
	return b
}

// UpdatedAt sets both timestamps.
func (b *JobBuilder) UpdatedAt(t time.Time) *JobBuilder {
	b.job.CreatedAt = t
	b.job.UpdatedAt = t
	return b
}

// Build returns a copy of the built job.
func (b *JobBuilder) Build() *model.Job {
	return b.job.Clone()
}

// NewReport returns a minimal live report for jobID.
func NewReport(jobID string) *model.Report {
	return &model.Report{
		ID:          uuid.NewString(),
		JobID:       jobID,
		Address:     "4600 Silver Hill Rd, Washington, DC 20233",
		Email:       "buyer@example.com",
		GeneratedAt: TestTime(),
		Sections: model.ReportSections{
			Geo: &model.GeoSection{
				GeoPoint: model.GeoPoint{Lat: 38.846, Lng: -76.927, FormattedAddress: "4600 SILVER HILL RD, WASHINGTON, DC, 20233"},
				Tract:    &model.Tract{State: "24", County: "033", Tract: "802405"},
			},
		},
		SourceQuality: map[model.SectionName]model.SourceQuality{
			model.SectionGeo: model.QualityLive,
		},
	}
}
