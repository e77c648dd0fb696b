// Package queue provides the job dispatch queues the report runner consumes.
package queue

import (
	"context"

	"github.com/target/mmk-report-api/internal/core"
	"github.com/target/mmk-report-api/internal/domain/model"
)

// Memory is a bounded in-process queue backed by a buffered channel.
type Memory struct {
	ch chan string
}

var _ core.JobQueue = (*Memory)(nil)

// NewMemory creates a queue holding at most size ids.
func NewMemory(size int) *Memory {
	return &Memory{ch: make(chan string, max(size, 1))}
}

// Enqueue offers jobID without blocking.
func (q *Memory) Enqueue(ctx context.Context, jobID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case q.ch <- jobID:
		return nil
	default:
		return model.ErrQueueFull
	}
}

// Dequeue blocks until an id is available or ctx is done.
func (q *Memory) Dequeue(ctx context.Context) (string, error) {
	select {
	case id := <-q.ch:
		return id, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Len returns the number of waiting ids.
func (q *Memory) Len() int { return len(q.ch) }
