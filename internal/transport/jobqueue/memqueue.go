package jobqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// MemQueue is a channel-backed queue for tests and single-process
// deployments. Jobs are not durable; the in-flight count mirrors the Redis
// implementation's lease semantics closely enough for the metrics sampler.
type MemQueue struct {
	jobs     chan *Job
	inflight atomic.Int64

	mu     sync.Mutex
	closed bool
}

// NewMemQueue creates an in-memory queue with the given capacity.
func NewMemQueue(capacity int) *MemQueue {
	if capacity <= 0 {
		capacity = 256
	}
	return &MemQueue{jobs: make(chan *Job, capacity)}
}

func (q *MemQueue) Enqueue(ctx context.Context, job *Job) error {
	// The lock is held across the send so Close cannot close the channel
	// between the closed check and the send. The send never blocks.
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errors.New("queue closed")
	}

	select {
	case q.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return errors.New("queue full")
	}
}

func (q *MemQueue) Dequeue(ctx context.Context, wait time.Duration) (*Job, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case job, ok := <-q.jobs:
		if !ok {
			return nil, errors.New("queue closed")
		}
		q.inflight.Add(1)
		return job, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *MemQueue) Ack(ctx context.Context, job *Job) error {
	q.inflight.Add(-1)
	return nil
}

func (q *MemQueue) Depth(ctx context.Context) (int64, error) {
	return int64(len(q.jobs)), nil
}

func (q *MemQueue) InFlight(ctx context.Context) (int64, error) {
	return q.inflight.Load(), nil
}

func (q *MemQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	return nil
}
