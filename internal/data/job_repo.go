package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/target/mmk-report-api/internal/core"
	"github.com/target/mmk-report-api/internal/data/pgxutil"
	"github.com/target/mmk-report-api/internal/domain/model"
	apperrors "github.com/target/mmk-report-api/internal/errors"
)

// Advisory lock namespace for sweeper passes. Major key 2000 is reserved for the
// report pipeline.
var sweepLock = pgxutil.AdvisoryLock{Major: 2000, Minor: 1}

// RepoConfig holds configuration options for the Postgres repositories.
type RepoConfig struct {
	Logger       *slog.Logger
	TimeProvider TimeProvider
}

// JobRepo stores report jobs in PostgreSQL.
type JobRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
	logger       *slog.Logger
}

var (
	_ core.JobRepository = (*JobRepo)(nil)
	_ core.SweepLocker   = (*JobRepo)(nil)
)

// NewJobRepo creates a JobRepo on db.
func NewJobRepo(db *sql.DB, cfg RepoConfig) *JobRepo {
	tp := cfg.TimeProvider
	if tp == nil {
		tp = RealTimeProvider{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &JobRepo{DB: db, timeProvider: tp, logger: logger.With("component", "job_repo")}
}

const jobColumns = `id, state, address, email, report_id, error, event_id, created_at, updated_at, started_at, finished_at`

const insertJobSQL = `
	INSERT INTO report_jobs (id, state, address, email, event_id, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)`

// rowScanner is satisfied by *sql.Row, *sql.Rows and pgx.Row.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*model.Job, error) {
	var (
		j     model.Job
		state string
	)
	if err := row.Scan(
		&j.ID, &state, &j.Address, &j.Email,
		&j.ReportID, &j.Error, &j.EventID,
		&j.CreatedAt, &j.UpdatedAt, &j.StartedAt, &j.FinishedAt,
	); err != nil {
		return nil, err
	}
	j.State = model.JobState(state)
	return &j, nil
}

func insertArgs(j *model.Job) []any {
	return []any{j.ID, string(j.State), j.Address, j.Email, j.EventID, j.CreatedAt.UTC(), j.UpdatedAt.UTC()}
}

// Create inserts a new queued job.
func (r *JobRepo) Create(ctx context.Context, job *model.Job) error {
	if err := validateNewJob(job); err != nil {
		return err
	}
	stamped := stampJob(job, r.timeProvider)
	if _, err := r.DB.ExecContext(ctx, insertJobSQL, insertArgs(stamped)...); err != nil {
		return apperrors.MapDBError(fmt.Errorf("insert job: %w", err))
	}
	*job = *stamped
	return nil
}

// CreateOnce inserts job unless a job already exists for its event id. The unique
// constraint on event_id arbitrates concurrent deliveries; the loser reads the
// winner's row in the same transaction.
func (r *JobRepo) CreateOnce(ctx context.Context, job *model.Job) (*model.Job, bool, error) {
	if err := validateCreateOnce(job); err != nil {
		return nil, false, err
	}
	stamped := stampJob(job, r.timeProvider)

	var (
		out     *model.Job
		created bool
	)
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			tag, err := tx.Exec(ctx, insertJobSQL+` ON CONFLICT (event_id) DO NOTHING`, insertArgs(stamped)...)
			if err != nil {
				return fmt.Errorf("insert job once: %w", err)
			}
			created = tag.RowsAffected() == 1

			row := tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM report_jobs WHERE event_id = $1`, *stamped.EventID)
			out, err = scanJob(row)
			if err != nil {
				return fmt.Errorf("load job for event: %w", err)
			}
			return nil
		},
	})
	if err != nil {
		return nil, false, apperrors.MapDBError(err)
	}
	if created {
		*job = *out.Clone()
	}
	return out, created, nil
}

// GetByID returns the job or a not_found error.
func (r *JobRepo) GetByID(ctx context.Context, id string) (*model.Job, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM report_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, jobNotFound(id)
	}
	if err != nil {
		return nil, apperrors.MapDBError(fmt.Errorf("get job: %w", err))
	}
	return job, nil
}

// GetByEventID returns the job bound to eventID or a not_found error.
func (r *JobRepo) GetByEventID(ctx context.Context, eventID string) (*model.Job, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM report_jobs WHERE event_id = $1`, eventID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eventNotFound(eventID)
	}
	if err != nil {
		return nil, apperrors.MapDBError(fmt.Errorf("get job by event: %w", err))
	}
	return job, nil
}

// Transition applies t with a conditional update on the current state.
func (r *JobRepo) Transition(ctx context.Context, t model.JobTransition) (bool, error) {
	if err := t.Validate(); err != nil {
		return false, err
	}
	if t.At.IsZero() {
		t.At = r.timeProvider.Now()
	}

	var errMsg *string
	if t.To == model.JobStateError {
		errMsg = &t.Error
	}
	res, err := r.DB.ExecContext(ctx, `
		UPDATE report_jobs
		SET state = $3,
		    updated_at = $4,
		    started_at = CASE WHEN $3 = 'running' THEN $4 ELSE started_at END,
		    finished_at = CASE WHEN $3 IN ('done', 'error') THEN $4 ELSE finished_at END,
		    report_id = COALESCE($5, report_id),
		    error = COALESCE($6, error)
		WHERE id = $1 AND state = $2`,
		t.JobID, string(t.From), string(t.To), t.At.UTC(), t.ReportID, errMsg,
	)
	if err != nil {
		return false, apperrors.MapDBError(fmt.Errorf("transition job: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if n == 1 {
		return true, nil
	}
	// Distinguish a lost race from an unknown id.
	if _, getErr := r.GetByID(ctx, t.JobID); getErr != nil {
		return false, getErr
	}
	return false, nil
}

// Complete inserts the report and moves its job to done in one transaction.
// Nothing is written when the job is no longer running.
func (r *JobRepo) Complete(ctx context.Context, params core.CompleteJobParams) (bool, error) {
	t, err := completeTransition(params)
	if err != nil {
		return false, err
	}
	if t.At.IsZero() {
		t.At = r.timeProvider.Now()
	}
	body, err := json.Marshal(params.Report)
	if err != nil {
		return false, fmt.Errorf("marshal report: %w", err)
	}

	var (
		done    bool
		missing bool
	)
	err = pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			tag, err := tx.Exec(ctx, `
				UPDATE report_jobs
				SET state = 'done', report_id = $2, finished_at = $3, updated_at = $3
				WHERE id = $1 AND state = 'running'`,
				t.JobID, *t.ReportID, t.At.UTC(),
			)
			if err != nil {
				return fmt.Errorf("complete job: %w", err)
			}
			if tag.RowsAffected() == 0 {
				var exists bool
				if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM report_jobs WHERE id = $1)`, t.JobID).Scan(&exists); err != nil {
					return fmt.Errorf("check job: %w", err)
				}
				missing = !exists
				return nil
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO reports (id, job_id, generated_at, body)
				VALUES ($1, $2, $3, $4::jsonb)`,
				params.Report.ID, t.JobID, params.Report.GeneratedAt.UTC(), string(body),
			); err != nil {
				return fmt.Errorf("insert report: %w", err)
			}
			done = true
			return nil
		},
	})
	if err != nil {
		return false, apperrors.MapDBError(err)
	}
	if missing {
		return false, jobNotFound(t.JobID)
	}
	return done, nil
}

// Touch bumps updated_at with a conditional update on the current state.
func (r *JobRepo) Touch(ctx context.Context, id string, state model.JobState) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE report_jobs SET updated_at = $3
		WHERE id = $1 AND state = $2`,
		id, string(state), r.timeProvider.Now().UTC(),
	)
	if err != nil {
		return false, apperrors.MapDBError(fmt.Errorf("touch job: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if n == 1 {
		return true, nil
	}
	if _, getErr := r.GetByID(ctx, id); getErr != nil {
		return false, getErr
	}
	return false, nil
}

// ListStale returns up to Limit jobs in State whose updated_at is before OlderThan, oldest first.
func (r *JobRepo) ListStale(ctx context.Context, params core.ListStaleJobsParams) ([]*model.Job, error) {
	if err := validateListStale(params); err != nil {
		return nil, err
	}
	rows, err := r.DB.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM report_jobs
		WHERE state = $1 AND updated_at < $2
		ORDER BY updated_at, id
		LIMIT $3`,
		string(params.State), params.OlderThan.UTC(), params.Limit,
	)
	if err != nil {
		return nil, apperrors.MapDBError(fmt.Errorf("list stale jobs: %w", err))
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			r.logger.WarnContext(ctx, "close stale job rows", "error", cerr)
		}
	}()

	var out []*model.Job
	for rows.Next() {
		job, scanErr := scanJob(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan job: %w", scanErr)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.MapDBError(fmt.Errorf("iterate stale jobs: %w", err))
	}
	return out, nil
}

// WithSweepLock runs fn under a session advisory lock shared by all sweepers.
func (r *JobRepo) WithSweepLock(ctx context.Context, fn func(context.Context) error) (bool, error) {
	return pgxutil.WithAdvisoryLock(ctx, r.DB, sweepLock, fn)
}
