// Package jobqueue is the durable transport of last resort: the request is
// enqueued as a job in the shared Redis queue, executed at-least-once by
// the bot-side worker pool, and observed to completion through the state
// store. This path survives a restart of either process.
package jobqueue

import (
	"context"
	"time"

	"github.com/guildworks/guildrelay/internal/domain"
)

// DefaultQueueName is the queue consumed by the bot worker pool.
const DefaultQueueName = "bot-commands"

// Job is the durable unit of work: the full normalized request plus
// delivery bookkeeping.
type Job struct {
	Request    *domain.NormalizedRequest `json:"request"`
	Attempt    int                       `json:"attempt"`
	EnqueuedAt time.Time                 `json:"enqueued_at"`

	// raw is the serialized form the job was dequeued as, needed to
	// acknowledge it. Backend-private.
	raw string
}

// Queue is the durable job queue port. Implementations: redis (production)
// and memory (tests, single-process deployments).
//
// Delivery is at-least-once: a job moves to an in-flight holding area on
// Dequeue and is only removed by Ack, so a worker crash re-delivers it.
// Idempotency under redelivery is provided by the operation-key dedup
// layer above, not the queue.
type Queue interface {
	Enqueue(ctx context.Context, job *Job) error
	// Dequeue blocks up to wait for a job; (nil, nil) means the wait
	// elapsed with the queue empty.
	Dequeue(ctx context.Context, wait time.Duration) (*Job, error)
	Ack(ctx context.Context, job *Job) error
	Depth(ctx context.Context) (int64, error)
	InFlight(ctx context.Context) (int64, error)
	Close() error
}
