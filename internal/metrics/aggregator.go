// Package metrics periodically samples queue depth, worker counts, and
// per-protocol health into a snapshot for the health endpoint. Read-only:
// nothing here feeds back into routing decisions.
package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/guildworks/guildrelay/internal/domain"
	"github.com/guildworks/guildrelay/internal/health"
	"github.com/guildworks/guildrelay/internal/transport/jobqueue"
)

// QueueMetrics is the subset of the queue surface the sampler reads.
type QueueMetrics interface {
	Depth(ctx context.Context) (int64, error)
	InFlight(ctx context.Context) (int64, error)
}

// Snapshot is one aggregated sample.
type Snapshot struct {
	Timestamp time.Time                     `json:"timestamp"`
	Queue     QueueSnapshot                 `json:"queue"`
	Protocols []domain.ProtocolHealthStatus `json:"protocols"`
}

// QueueSnapshot summarizes the job queue.
type QueueSnapshot struct {
	Depth     int64 `json:"depth"`
	InFlight  int64 `json:"in_flight"`
	Workers   int   `json:"workers"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// WorkerStats reports cumulative job outcomes from the local worker pool.
type WorkerStats interface {
	Completed() int64
	Failed() int64
}

// Aggregator samples on a fixed interval and serves the latest snapshot.
type Aggregator struct {
	tracker  *health.Tracker
	queue    QueueMetrics
	pool     WorkerStats
	workers  int
	interval time.Duration
	logger   *slog.Logger

	mu   sync.RWMutex
	last Snapshot
}

// New creates an aggregator. queue may be nil on processes without a queue
// attachment; workers is the local pool size (0 on the API process).
func New(tracker *health.Tracker, queue QueueMetrics, workers int, interval time.Duration, logger *slog.Logger) *Aggregator {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		tracker:  tracker,
		queue:    queue,
		workers:  workers,
		interval: interval,
		logger:   logger,
	}
}

var _ QueueMetrics = (*jobqueue.RedisQueue)(nil)
var _ WorkerStats = (*jobqueue.Pool)(nil)

// AttachWorkerStats wires the local worker pool's outcome counters into
// future samples. Call before Run.
func (a *Aggregator) AttachWorkerStats(pool WorkerStats) {
	a.pool = pool
}

// Run samples until the context is canceled.
func (a *Aggregator) Run(ctx context.Context) {
	a.sample(ctx)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sample(ctx)
		}
	}
}

// Snapshot returns the most recent sample, taking one on demand if Run has
// not produced any yet.
func (a *Aggregator) Snapshot(ctx context.Context) Snapshot {
	a.mu.RLock()
	last := a.last
	a.mu.RUnlock()

	if last.Timestamp.IsZero() {
		a.sample(ctx)
		a.mu.RLock()
		last = a.last
		a.mu.RUnlock()
	}
	return last
}

func (a *Aggregator) sample(ctx context.Context) {
	snap := Snapshot{
		Timestamp: time.Now().UTC(),
		Queue:     QueueSnapshot{Workers: a.workers},
		Protocols: a.tracker.Statuses(),
	}

	if a.pool != nil {
		snap.Queue.Completed = a.pool.Completed()
		snap.Queue.Failed = a.pool.Failed()
	}

	if a.queue != nil {
		sampleCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()

		if depth, err := a.queue.Depth(sampleCtx); err == nil {
			snap.Queue.Depth = depth
		} else {
			a.logger.Warn("queue depth sample failed", slog.String("error", err.Error()))
		}
		if inflight, err := a.queue.InFlight(sampleCtx); err == nil {
			snap.Queue.InFlight = inflight
		}
	}

	a.mu.Lock()
	a.last = snap
	a.mu.Unlock()
}
