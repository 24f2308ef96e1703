package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue is the production queue: a Redis list per queue name with a
// companion processing list for in-flight jobs. BLMOVE gives the blocking
// pop and the lease in one step; Ack removes the leased entry.
type RedisQueue struct {
	client     redis.UniversalClient
	key        string
	processing string
}

// NewRedisQueue wraps an existing Redis client for the named queue.
func NewRedisQueue(client redis.UniversalClient, name string) *RedisQueue {
	if name == "" {
		name = DefaultQueueName
	}
	key := "guildrelay:queue:" + name
	return &RedisQueue{
		client:     client,
		key:        key,
		processing: key + ":processing",
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, job *Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, raw).Err(); err != nil {
		return fmt.Errorf("enqueue %s: %w", job.Request.ID, err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context, wait time.Duration) (*Job, error) {
	raw, err := q.client.BLMove(ctx, q.key, q.processing, "RIGHT", "LEFT", wait).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}

	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		// Poison entry: drop it from the processing list rather than
		// redelivering forever.
		q.client.LRem(ctx, q.processing, 1, raw)
		return nil, fmt.Errorf("decode job: %w", err)
	}
	job.raw = raw
	return &job, nil
}

func (q *RedisQueue) Ack(ctx context.Context, job *Job) error {
	if job.raw == "" {
		return nil
	}
	if err := q.client.LRem(ctx, q.processing, 1, job.raw).Err(); err != nil {
		return fmt.Errorf("ack %s: %w", job.Request.ID, err)
	}
	return nil
}

func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}

func (q *RedisQueue) InFlight(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.processing).Result()
}

// Close is a no-op; the Redis client is shared with the state store and
// closed by its owner.
func (q *RedisQueue) Close() error { return nil }
