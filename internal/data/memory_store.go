package data

import (
	"context"
	"hash/fnv"
	"slices"
	"strings"
	"sync"

	"github.com/target/mmk-report-api/internal/core"
	"github.com/target/mmk-report-api/internal/domain/model"
	apperrors "github.com/target/mmk-report-api/internal/errors"
)

const memoryShards = 32

type jobShard struct {
	mu   sync.RWMutex
	jobs map[string]*model.Job
}

type reportShard struct {
	mu      sync.RWMutex
	reports map[string]*model.Report
}

// MemoryStore keeps jobs and reports in process memory. Records are sharded by id
// so unrelated jobs never contend on the same lock; values are cloned on the way
// in and out.
type MemoryStore struct {
	jobShards    [memoryShards]*jobShard
	reportShards [memoryShards]*reportShard

	// eventsMu serializes CreateOnce so the event → job binding is checked and
	// written atomically.
	eventsMu sync.Mutex
	events   map[string]string

	timeProvider TimeProvider
}

// NewMemoryStore creates an empty store. A nil TimeProvider uses the system clock.
func NewMemoryStore(tp TimeProvider) *MemoryStore {
	if tp == nil {
		tp = RealTimeProvider{}
	}
	s := &MemoryStore{events: make(map[string]string), timeProvider: tp}
	for i := range memoryShards {
		s.jobShards[i] = &jobShard{jobs: make(map[string]*model.Job)}
		s.reportShards[i] = &reportShard{reports: make(map[string]*model.Report)}
	}
	return s
}

// Jobs returns the store's job repository.
func (s *MemoryStore) Jobs() *MemoryJobRepo { return &MemoryJobRepo{s: s} }

// Reports returns the store's report repository.
func (s *MemoryStore) Reports() *MemoryReportRepo { return &MemoryReportRepo{s: s} }

func shardIndex(id string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return int(h.Sum32() % memoryShards)
}

func (s *MemoryStore) jobShard(id string) *jobShard       { return s.jobShards[shardIndex(id)] }
func (s *MemoryStore) reportShard(id string) *reportShard { return s.reportShards[shardIndex(id)] }

// MemoryJobRepo implements core.JobRepository on a MemoryStore.
type MemoryJobRepo struct {
	s *MemoryStore
}

var _ core.JobRepository = (*MemoryJobRepo)(nil)

// Create stores a new queued job.
func (r *MemoryJobRepo) Create(ctx context.Context, job *model.Job) error {
	if err := ctx.Err(); err != nil {
		return apperrors.MapDBError(err)
	}
	if err := validateNewJob(job); err != nil {
		return err
	}
	return r.insert(job)
}

func (r *MemoryJobRepo) insert(job *model.Job) error {
	stamped := stampJob(job, r.s.timeProvider)
	sh := r.s.jobShard(job.ID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.jobs[job.ID]; ok {
		return apperrors.Conflict("job " + job.ID + " already exists")
	}
	sh.jobs[job.ID] = stamped
	*job = *stamped.Clone()
	return nil
}

// CreateOnce stores job unless its event already produced one.
func (r *MemoryJobRepo) CreateOnce(ctx context.Context, job *model.Job) (*model.Job, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, apperrors.MapDBError(err)
	}
	if err := validateCreateOnce(job); err != nil {
		return nil, false, err
	}

	r.s.eventsMu.Lock()
	defer r.s.eventsMu.Unlock()

	if existingID, ok := r.s.events[*job.EventID]; ok {
		existing, err := r.GetByID(ctx, existingID)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	if err := r.insert(job); err != nil {
		return nil, false, err
	}
	r.s.events[*job.EventID] = job.ID
	return job.Clone(), true, nil
}

// GetByID returns a copy of the job.
func (r *MemoryJobRepo) GetByID(ctx context.Context, id string) (*model.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.MapDBError(err)
	}
	sh := r.s.jobShard(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	job, ok := sh.jobs[id]
	if !ok {
		return nil, jobNotFound(id)
	}
	return job.Clone(), nil
}

// GetByEventID returns a copy of the job bound to eventID.
func (r *MemoryJobRepo) GetByEventID(ctx context.Context, eventID string) (*model.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.MapDBError(err)
	}
	r.s.eventsMu.Lock()
	id, ok := r.s.events[eventID]
	r.s.eventsMu.Unlock()
	if !ok {
		return nil, eventNotFound(eventID)
	}
	return r.GetByID(ctx, id)
}

// Transition applies t when the job is still in t.From.
func (r *MemoryJobRepo) Transition(ctx context.Context, t model.JobTransition) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, apperrors.MapDBError(err)
	}
	if err := t.Validate(); err != nil {
		return false, err
	}
	if t.At.IsZero() {
		t.At = r.s.timeProvider.Now()
	}
	sh := r.s.jobShard(t.JobID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	job, ok := sh.jobs[t.JobID]
	if !ok {
		return false, jobNotFound(t.JobID)
	}
	if job.State != t.From {
		return false, nil
	}
	job.Apply(t)
	return true, nil
}

// Complete stores the report and marks its job done while holding the job's lock,
// so a concurrent transition can never observe the report without the done state.
func (r *MemoryJobRepo) Complete(ctx context.Context, params core.CompleteJobParams) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, apperrors.MapDBError(err)
	}
	t, err := completeTransition(params)
	if err != nil {
		return false, err
	}
	if t.At.IsZero() {
		t.At = r.s.timeProvider.Now()
	}

	sh := r.s.jobShard(t.JobID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	job, ok := sh.jobs[t.JobID]
	if !ok {
		return false, jobNotFound(t.JobID)
	}
	if job.State != t.From {
		return false, nil
	}

	rs := r.s.reportShard(params.Report.ID)
	rs.mu.Lock()
	if _, exists := rs.reports[params.Report.ID]; exists {
		rs.mu.Unlock()
		return false, apperrors.Conflict("report " + params.Report.ID + " already exists")
	}
	rs.reports[params.Report.ID] = params.Report.Clone()
	rs.mu.Unlock()

	job.Apply(t)
	return true, nil
}

// Touch sets UpdatedAt to now when the job is still in state.
func (r *MemoryJobRepo) Touch(ctx context.Context, id string, state model.JobState) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, apperrors.MapDBError(err)
	}
	sh := r.s.jobShard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	job, ok := sh.jobs[id]
	if !ok {
		return false, jobNotFound(id)
	}
	if job.State != state {
		return false, nil
	}
	job.UpdatedAt = r.s.timeProvider.Now()
	return true, nil
}

// ListStale returns up to Limit jobs in State last updated before OlderThan, oldest first.
func (r *MemoryJobRepo) ListStale(ctx context.Context, params core.ListStaleJobsParams) ([]*model.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.MapDBError(err)
	}
	if err := validateListStale(params); err != nil {
		return nil, err
	}

	var out []*model.Job
	for _, sh := range r.s.jobShards {
		sh.mu.RLock()
		for _, job := range sh.jobs {
			if job.State == params.State && job.UpdatedAt.Before(params.OlderThan) {
				out = append(out, job.Clone())
			}
		}
		sh.mu.RUnlock()
	}
	slices.SortFunc(out, func(a, b *model.Job) int {
		if c := a.UpdatedAt.Compare(b.UpdatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	if len(out) > params.Limit {
		out = out[:params.Limit]
	}
	return out, nil
}

// MemoryReportRepo implements core.ReportRepository on a MemoryStore.
type MemoryReportRepo struct {
	s *MemoryStore
}

var _ core.ReportRepository = (*MemoryReportRepo)(nil)

// GetByID returns a copy of the report.
func (r *MemoryReportRepo) GetByID(ctx context.Context, id string) (*model.Report, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.MapDBError(err)
	}
	sh := r.s.reportShard(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	rep, ok := sh.reports[id]
	if !ok {
		return nil, reportNotFound(id)
	}
	return rep.Clone(), nil
}

// stampJob returns a copy of job with unset timestamps filled from tp.
func stampJob(job *model.Job, tp TimeProvider) *model.Job {
	cp := job.Clone()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = tp.Now()
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = cp.CreatedAt
	}
	return cp
}
