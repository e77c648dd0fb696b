package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/target/mmk-report-api/internal/core"
	"github.com/target/mmk-report-api/internal/domain/model"
	apperrors "github.com/target/mmk-report-api/internal/errors"
)

const (
	maxWatchRetries     = 8
	defaultSweepLockTTL = 5 * time.Minute
)

// RedisStoreConfig configures a RedisStore.
type RedisStoreConfig struct {
	// Prefix namespaces every key. Use a cluster hash tag such as "{reports}:" so
	// the keys one operation watches share a slot.
	Prefix       string
	SweepLockTTL time.Duration
	TimeProvider TimeProvider
	Logger       *slog.Logger
}

// RedisStore keeps jobs and reports as JSON values in Redis. Each state has a
// sorted set of job ids scored by last update, which backs ListStale. Every
// mutation is an optimistic WATCH/MULTI transaction on the job key.
type RedisStore struct {
	client       redis.UniversalClient
	prefix       string
	lockTTL      time.Duration
	timeProvider TimeProvider
	logger       *slog.Logger
}

// NewRedisStore creates a RedisStore on client.
func NewRedisStore(client redis.UniversalClient, cfg RedisStoreConfig) *RedisStore {
	tp := cfg.TimeProvider
	if tp == nil {
		tp = RealTimeProvider{}
	}
	ttl := cfg.SweepLockTTL
	if ttl <= 0 {
		ttl = defaultSweepLockTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStore{
		client:       client,
		prefix:       cfg.Prefix,
		lockTTL:      ttl,
		timeProvider: tp,
		logger:       logger.With("component", "redis_store"),
	}
}

// Jobs returns the store's job repository.
func (s *RedisStore) Jobs() *RedisJobRepo { return &RedisJobRepo{s: s} }

// Reports returns the store's report repository.
func (s *RedisStore) Reports() *RedisReportRepo { return &RedisReportRepo{s: s} }

func (s *RedisStore) jobKey(id string) string           { return s.prefix + "job:" + id }
func (s *RedisStore) reportKey(id string) string        { return s.prefix + "report:" + id }
func (s *RedisStore) eventKey(id string) string         { return s.prefix + "event:" + id }
func (s *RedisStore) stateKey(st model.JobState) string { return s.prefix + "jobs:" + string(st) }
func (s *RedisStore) sweepLockKey() string              { return s.prefix + "sweep-lock" }

func score(t time.Time) float64 { return float64(t.UnixMilli()) }

// watch runs fn in an optimistic transaction on keys, retrying when a watched key
// changes before EXEC.
func (s *RedisStore) watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	for range maxWatchRetries {
		err := s.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return apperrors.Conflict("Concurrent update detected. Please try again.")
}

type redisGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) loadJob(ctx context.Context, c redisGetter, id string) (*model.Job, error) {
	raw, err := c.Get(ctx, s.jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, jobNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	var job model.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, nil
}

// RedisJobRepo implements core.JobRepository on a RedisStore.
type RedisJobRepo struct {
	s *RedisStore
}

var (
	_ core.JobRepository = (*RedisJobRepo)(nil)
	_ core.SweepLocker   = (*RedisJobRepo)(nil)
)

// Create stores a new queued job.
func (r *RedisJobRepo) Create(ctx context.Context, job *model.Job) error {
	if err := validateNewJob(job); err != nil {
		return err
	}
	stamped := stampJob(job, r.s.timeProvider)
	key := r.s.jobKey(stamped.ID)

	err := r.s.watch(ctx, func(tx *redis.Tx) error {
		return r.insert(ctx, tx, stamped)
	}, key)
	if err != nil {
		return apperrors.MapDBError(err)
	}
	*job = *stamped
	return nil
}

func (r *RedisJobRepo) insert(ctx context.Context, tx *redis.Tx, job *model.Job) error {
	n, err := tx.Exists(ctx, r.s.jobKey(job.ID)).Result()
	if err != nil {
		return fmt.Errorf("redis exists: %w", err)
	}
	if n > 0 {
		return apperrors.Conflict("job " + job.ID + " already exists")
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.s.jobKey(job.ID), raw, 0)
		pipe.ZAdd(ctx, r.s.stateKey(job.State), redis.Z{Score: score(job.UpdatedAt), Member: job.ID})
		if job.EventID != nil {
			pipe.Set(ctx, r.s.eventKey(*job.EventID), job.ID, 0)
		}
		return nil
	})
	return err
}

// CreateOnce stores job unless its event is already bound to a job.
func (r *RedisJobRepo) CreateOnce(ctx context.Context, job *model.Job) (*model.Job, bool, error) {
	if err := validateCreateOnce(job); err != nil {
		return nil, false, err
	}
	stamped := stampJob(job, r.s.timeProvider)
	evKey := r.s.eventKey(*stamped.EventID)

	var (
		out     *model.Job
		created bool
	)
	err := r.s.watch(ctx, func(tx *redis.Tx) error {
		out, created = nil, false
		existingID, err := tx.Get(ctx, evKey).Result()
		switch {
		case err == nil:
			out, err = r.s.loadJob(ctx, tx, existingID)
			return err
		case !errors.Is(err, redis.Nil):
			return fmt.Errorf("redis get: %w", err)
		}
		if err := r.insert(ctx, tx, stamped); err != nil {
			return err
		}
		out, created = stamped.Clone(), true
		return nil
	}, evKey, r.s.jobKey(stamped.ID))
	if err != nil {
		return nil, false, apperrors.MapDBError(err)
	}
	if created {
		*job = *stamped
	}
	return out, created, nil
}

// GetByID returns the job or a not_found error.
func (r *RedisJobRepo) GetByID(ctx context.Context, id string) (*model.Job, error) {
	job, err := r.s.loadJob(ctx, r.s.client, id)
	if err != nil {
		return nil, apperrors.MapDBError(err)
	}
	return job, nil
}

// GetByEventID resolves the event key and returns the bound job.
func (r *RedisJobRepo) GetByEventID(ctx context.Context, eventID string) (*model.Job, error) {
	id, err := r.s.client.Get(ctx, r.s.eventKey(eventID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, eventNotFound(eventID)
	}
	if err != nil {
		return nil, apperrors.MapDBError(fmt.Errorf("redis get: %w", err))
	}
	return r.GetByID(ctx, id)
}

// Transition applies t when the stored job is still in t.From.
func (r *RedisJobRepo) Transition(ctx context.Context, t model.JobTransition) (bool, error) {
	if err := t.Validate(); err != nil {
		return false, err
	}
	if t.At.IsZero() {
		t.At = r.s.timeProvider.Now()
	}

	var applied bool
	err := r.s.watch(ctx, func(tx *redis.Tx) error {
		applied = false
		job, err := r.s.loadJob(ctx, tx, t.JobID)
		if err != nil {
			return err
		}
		if job.State != t.From {
			return nil
		}
		job.Apply(t)
		if err := r.save(ctx, tx, job, t.From, nil); err != nil {
			return err
		}
		applied = true
		return nil
	}, r.s.jobKey(t.JobID))
	if err != nil {
		return false, apperrors.MapDBError(err)
	}
	return applied, nil
}

// save queues the job write, its index move and an optional report write in one MULTI.
func (r *RedisJobRepo) save(ctx context.Context, tx *redis.Tx, job *model.Job, from model.JobState, report []byte) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if report != nil {
			pipe.Set(ctx, r.s.reportKey(*job.ReportID), report, 0)
		}
		pipe.Set(ctx, r.s.jobKey(job.ID), raw, 0)
		pipe.ZRem(ctx, r.s.stateKey(from), job.ID)
		pipe.ZAdd(ctx, r.s.stateKey(job.State), redis.Z{Score: score(job.UpdatedAt), Member: job.ID})
		return nil
	})
	return err
}

// Complete writes the report and the done state in one MULTI guarded by WATCH on the job.
func (r *RedisJobRepo) Complete(ctx context.Context, params core.CompleteJobParams) (bool, error) {
	t, err := completeTransition(params)
	if err != nil {
		return false, err
	}
	if t.At.IsZero() {
		t.At = r.s.timeProvider.Now()
	}
	body, err := json.Marshal(params.Report)
	if err != nil {
		return false, fmt.Errorf("encode report: %w", err)
	}

	var done bool
	err = r.s.watch(ctx, func(tx *redis.Tx) error {
		done = false
		job, err := r.s.loadJob(ctx, tx, t.JobID)
		if err != nil {
			return err
		}
		if job.State != t.From {
			return nil
		}
		n, err := tx.Exists(ctx, r.s.reportKey(params.Report.ID)).Result()
		if err != nil {
			return fmt.Errorf("redis exists: %w", err)
		}
		if n > 0 {
			return apperrors.Conflict("report " + params.Report.ID + " already exists")
		}
		job.Apply(t)
		if err := r.save(ctx, tx, job, t.From, body); err != nil {
			return err
		}
		done = true
		return nil
	}, r.s.jobKey(t.JobID), r.s.reportKey(params.Report.ID))
	if err != nil {
		return false, apperrors.MapDBError(err)
	}
	return done, nil
}

// Touch rescores the job in its state index when it is still in state.
func (r *RedisJobRepo) Touch(ctx context.Context, id string, state model.JobState) (bool, error) {
	var touched bool
	err := r.s.watch(ctx, func(tx *redis.Tx) error {
		touched = false
		job, err := r.s.loadJob(ctx, tx, id)
		if err != nil {
			return err
		}
		if job.State != state {
			return nil
		}
		job.UpdatedAt = r.s.timeProvider.Now()
		if err := r.save(ctx, tx, job, state, nil); err != nil {
			return err
		}
		touched = true
		return nil
	}, r.s.jobKey(id))
	if err != nil {
		return false, apperrors.MapDBError(err)
	}
	return touched, nil
}

// ListStale reads the state index for ids scored before OlderThan and loads them.
func (r *RedisJobRepo) ListStale(ctx context.Context, params core.ListStaleJobsParams) ([]*model.Job, error) {
	if err := validateListStale(params); err != nil {
		return nil, err
	}
	ids, err := r.s.client.ZRangeByScore(ctx, r.s.stateKey(params.State), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   "(" + strconv.FormatInt(params.OlderThan.UnixMilli(), 10),
		Count: int64(params.Limit),
	}).Result()
	if err != nil {
		return nil, apperrors.MapDBError(fmt.Errorf("redis zrangebyscore: %w", err))
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.s.jobKey(id)
	}
	vals, err := r.s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, apperrors.MapDBError(fmt.Errorf("redis mget: %w", err))
	}

	out := make([]*model.Job, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			r.s.logger.WarnContext(ctx, "state index points at missing job", "job_id", ids[i], "state", params.State)
			continue
		}
		var job model.Job
		if err := json.Unmarshal([]byte(s), &job); err != nil {
			return nil, fmt.Errorf("decode job %s: %w", ids[i], err)
		}
		if job.State != params.State || !job.UpdatedAt.Before(params.OlderThan) {
			continue
		}
		out = append(out, &job)
	}
	return out, nil
}

// WithSweepLock runs fn while holding a TTL-bounded lock key. The key is released
// only if it still carries this holder's token.
func (r *RedisJobRepo) WithSweepLock(ctx context.Context, fn func(context.Context) error) (bool, error) {
	key := r.s.sweepLockKey()
	token := uuid.NewString()

	status, err := r.s.client.SetArgs(ctx, key, token, redis.SetArgs{Mode: "NX", TTL: r.s.lockTTL}).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis SET NX: %w", err)
	}
	if status != "OK" {
		return false, nil
	}

	fnErr := fn(ctx)

	releaseCtx := context.WithoutCancel(ctx)
	relErr := r.s.watch(releaseCtx, func(tx *redis.Tx) error {
		cur, err := tx.Get(releaseCtx, key).Result()
		if errors.Is(err, redis.Nil) || (err == nil && cur != token) {
			return nil
		}
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(releaseCtx, func(pipe redis.Pipeliner) error {
			pipe.Del(releaseCtx, key)
			return nil
		})
		return err
	}, key)
	if relErr != nil {
		relErr = fmt.Errorf("release sweep lock: %w", relErr)
	}
	return true, errors.Join(fnErr, relErr)
}

// RedisReportRepo implements core.ReportRepository on a RedisStore.
type RedisReportRepo struct {
	s *RedisStore
}

var _ core.ReportRepository = (*RedisReportRepo)(nil)

// GetByID returns the report or a not_found error.
func (r *RedisReportRepo) GetByID(ctx context.Context, id string) (*model.Report, error) {
	raw, err := r.s.client.Get(ctx, r.s.reportKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, reportNotFound(id)
	}
	if err != nil {
		return nil, apperrors.MapDBError(fmt.Errorf("redis get: %w", err))
	}
	var rep model.Report
	if err := json.Unmarshal(raw, &rep); err != nil {
		return nil, fmt.Errorf("decode report %s: %w", id, err)
	}
	return &rep, nil
}
