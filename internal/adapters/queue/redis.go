package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/target/mmk-report-api/internal/core"
	"github.com/target/mmk-report-api/internal/domain/model"
)

const defaultBlockTimeout = time.Second

// pushCapped pushes ARGV[2] onto KEYS[1] unless the list already holds ARGV[1] items.
var pushCapped = redis.NewScript(`
if redis.call('LLEN', KEYS[1]) >= tonumber(ARGV[1]) then
  return 0
end
redis.call('LPUSH', KEYS[1], ARGV[2])
return 1
`)

// RedisOptions configures a Redis queue.
type RedisOptions struct {
	Key      string
	Capacity int
	// BlockTimeout bounds each BRPOP so cancellation is noticed promptly.
	BlockTimeout time.Duration
}

// Redis is a length-capped Redis list shared by every process dispatching to or
// consuming from Key. Producers LPUSH, consumers BRPOP, so ids leave in FIFO order.
type Redis struct {
	client       redis.UniversalClient
	key          string
	capacity     int
	blockTimeout time.Duration
}

var _ core.JobQueue = (*Redis)(nil)

// NewRedis creates a Redis-backed queue.
func NewRedis(client redis.UniversalClient, opts RedisOptions) *Redis {
	bt := opts.BlockTimeout
	if bt <= 0 {
		bt = defaultBlockTimeout
	}
	return &Redis{
		client:       client,
		key:          opts.Key,
		capacity:     max(opts.Capacity, 1),
		blockTimeout: bt,
	}
}

// Enqueue pushes jobID unless the list is at capacity.
func (q *Redis) Enqueue(ctx context.Context, jobID string) error {
	pushed, err := pushCapped.Run(ctx, q.client, []string{q.key}, q.capacity, jobID).Int()
	if err != nil {
		return fmt.Errorf("redis enqueue: %w", err)
	}
	if pushed == 0 {
		return model.ErrQueueFull
	}
	return nil
}

// Dequeue pops the oldest id, polling in BlockTimeout slices until one arrives or ctx is done.
func (q *Redis) Dequeue(ctx context.Context) (string, error) {
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		res, err := q.client.BRPop(ctx, q.blockTimeout, q.key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			return "", fmt.Errorf("redis dequeue: %w", err)
		}
		// BRPOP replies [key, value].
		if len(res) != 2 {
			return "", fmt.Errorf("redis dequeue: unexpected reply %v", res)
		}
		return res[1], nil
	}
}

// Len returns the number of waiting ids.
func (q *Redis) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis llen: %w", err)
	}
	return n, nil
}
