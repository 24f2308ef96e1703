package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/guildworks/guildrelay/internal/domain"
	"github.com/guildworks/guildrelay/internal/state"
	"github.com/guildworks/guildrelay/internal/transport"
)

// PoolConfig tunes the bot-side worker pool.
type PoolConfig struct {
	Concurrency    int
	MaxRetries     int
	DequeueWait    time.Duration
	HandlerTimeout time.Duration
}

// Pool consumes the job queue on the bot process, dispatches into the
// handler registry, and records results through the state store. Between
// failed attempts the operation passes through retrying, so concurrent
// duplicates keep observing an in-flight operation.
type Pool struct {
	queue    Queue
	store    state.Store
	registry *transport.Registry
	logger   *slog.Logger
	cfg      PoolConfig

	size int

	completed atomic.Int64
	failed    atomic.Int64
}

// NewPool creates a worker pool.
func NewPool(queue Queue, store state.Store, registry *transport.Registry, cfg PoolConfig, logger *slog.Logger) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.DequeueWait <= 0 {
		cfg.DequeueWait = time.Second
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		queue:    queue,
		store:    store,
		registry: registry,
		logger:   logger,
		cfg:      cfg,
		size:     cfg.Concurrency,
	}
}

// Size returns the configured worker count, for the metrics sampler.
func (p *Pool) Size() int { return p.size }

// Completed returns the cumulative count of jobs that finished successfully.
func (p *Pool) Completed() int64 { return p.completed.Load() }

// Failed returns the cumulative count of jobs that exhausted their retries.
func (p *Pool) Failed() int64 { return p.failed.Load() }

// Run blocks consuming jobs until the context is canceled.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			p.loop(ctx, worker)
		}(i)
	}
	wg.Wait()
}

func (p *Pool) loop(ctx context.Context, worker int) {
	for {
		if ctx.Err() != nil {
			return
		}

		job, err := p.queue.Dequeue(ctx, p.cfg.DequeueWait)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("dequeue failed",
				slog.Int("worker", worker),
				slog.String("error", err.Error()))
			continue
		}
		if job == nil {
			continue
		}

		p.process(ctx, job)
	}
}

func (p *Pool) process(ctx context.Context, job *Job) {
	req := job.Request
	log := p.logger.With(
		slog.String("request_id", req.ID),
		slog.String("type", req.Type),
		slog.Int("attempt", job.Attempt))

	op, err := p.store.Get(ctx, req.ID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		// The retention window closed while the job sat in the queue (or
		// the job was enqueued outside the coordinator). Execute anyway;
		// there is nowhere to record the result.
		op = nil
	case err != nil:
		log.Error("state lookup failed", slog.String("error", err.Error()))
		p.ack(ctx, job, log)
		return
	case op.Status.Terminal():
		// Redelivered after completion; the dedup layer already owns the
		// result. Drop it.
		p.ack(ctx, job, log)
		return
	}

	if op != nil && (op.Status == domain.StatusPending || op.Status == domain.StatusRetrying) {
		if err := p.store.Transition(ctx, req.ID, domain.StatusProcessing, state.Patch{}); err != nil {
			log.Warn("transition to processing failed", slog.String("error", err.Error()))
		}
	}

	timeout := p.cfg.HandlerTimeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	data, execErr := p.registry.Dispatch(execCtx, req)
	cancel()

	if execErr == nil {
		if op != nil {
			result := &domain.UnifiedResponse{
				Success:   true,
				RequestID: req.ID,
				Data:      data,
				Method:    domain.ProtocolQueue,
				Timestamp: time.Now().UTC(),
			}
			if err := p.store.Transition(ctx, req.ID, domain.StatusCompleted, state.Patch{Result: result}); err != nil {
				log.Error("record completion failed", slog.String("error", err.Error()))
			}
		}
		p.completed.Add(1)
		p.ack(ctx, job, log)
		return
	}

	log.Warn("job handler failed", slog.String("error", execErr.Error()))

	if job.Attempt < p.cfg.MaxRetries {
		if op != nil {
			retries := job.Attempt + 1
			if err := p.store.Transition(ctx, req.ID, domain.StatusRetrying, state.Patch{
				RetryCount: &retries,
				Error:      execErr.Error(),
			}); err != nil {
				log.Warn("transition to retrying failed", slog.String("error", err.Error()))
			}
		}
		retry := &Job{Request: req, Attempt: job.Attempt + 1, EnqueuedAt: time.Now().UTC()}
		if err := p.queue.Enqueue(ctx, retry); err != nil {
			log.Error("re-enqueue failed", slog.String("error", err.Error()))
			p.fail(ctx, req.ID, op, fmt.Sprintf("%s (re-enqueue failed)", execErr), log)
		}
		p.ack(ctx, job, log)
		return
	}

	p.fail(ctx, req.ID, op, execErr.Error(), log)
	p.ack(ctx, job, log)
}

func (p *Pool) fail(ctx context.Context, id string, op *domain.OperationState, msg string, log *slog.Logger) {
	p.failed.Add(1)
	if op == nil {
		return
	}
	// Duplicates arriving within the dedup window replay this response.
	result := &domain.UnifiedResponse{
		Success:   false,
		RequestID: id,
		Error:     msg,
		ErrorCode: domain.CodeInternal,
		Method:    domain.ProtocolQueue,
		Timestamp: time.Now().UTC(),
	}
	if err := p.store.Transition(ctx, id, domain.StatusFailed, state.Patch{Result: result, Error: msg}); err != nil {
		log.Error("record failure failed", slog.String("error", err.Error()))
	}
}

func (p *Pool) ack(ctx context.Context, job *Job, log *slog.Logger) {
	if err := p.queue.Ack(ctx, job); err != nil {
		log.Warn("ack failed", slog.String("error", err.Error()))
	}
}
