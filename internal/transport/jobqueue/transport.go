package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/guildworks/guildrelay/internal/domain"
	"github.com/guildworks/guildrelay/internal/state"
	"github.com/guildworks/guildrelay/internal/transport"
)

const (
	pollInitial = 50 * time.Millisecond
	pollMax     = time.Second
)

// Transport enqueues the request as a durable job and observes completion
// by polling the state store: the worker, on finishing, transitions the
// operation to its terminal status.
type Transport struct {
	queue Queue
	store state.Store
}

var _ transport.Transport = (*Transport)(nil)

// NewTransport creates the queue transport.
func NewTransport(queue Queue, store state.Store) *Transport {
	return &Transport{queue: queue, store: store}
}

func (t *Transport) Name() domain.Protocol { return domain.ProtocolQueue }

func (t *Transport) Execute(ctx context.Context, req *domain.NormalizedRequest) (*domain.UnifiedResponse, error) {
	start := time.Now()

	job := &Job{Request: req, EnqueuedAt: start.UTC()}
	if err := t.queue.Enqueue(ctx, job); err != nil {
		return nil, fmt.Errorf("enqueue: %w", err)
	}

	// Poll with backoff until the worker writes a terminal status. A
	// worker-side failure after its own retries exhaust is final; the
	// coordinator does not re-attempt the queue path.
	interval := pollInitial
	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("await job %s: %w", req.ID, ctx.Err())
		case <-time.After(interval):
		}

		op, err := t.store.Get(ctx, req.ID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				// Entry expired mid-flight; keep waiting out the deadline.
				continue
			}
			return nil, fmt.Errorf("poll job %s: %w", req.ID, err)
		}

		switch op.Status {
		case domain.StatusCompleted:
			resp := op.Result
			if resp == nil {
				resp = &domain.UnifiedResponse{
					Success:   true,
					RequestID: req.ID,
					Timestamp: time.Now().UTC(),
				}
			}
			resp.Method = domain.ProtocolQueue
			resp.ExecutionTimeMS = time.Since(start).Milliseconds()
			return resp, nil
		case domain.StatusFailed:
			return nil, fmt.Errorf("job %s failed after %d retries: %s", req.ID, op.RetryCount, op.Error)
		}

		if interval < pollMax {
			interval = interval * 3 / 2
		}
	}
}
