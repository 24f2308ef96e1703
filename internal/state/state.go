// Package state defines the durable operation-state store: the shared
// record of in-flight and recently-completed operations that every
// coordinator and worker process reads through.
//
// TryAcquire is the linearization point of the whole coordination layer:
// for a given operation key, exactly one caller acquires and proceeds to
// execution; everyone else observes either the finished result or a
// conflict.
package state

import (
	"context"
	"time"

	"github.com/guildworks/guildrelay/internal/domain"
)

// Patch carries the optional field updates applied alongside a status
// transition. Nil pointers leave the stored value untouched.
type Patch struct {
	Progress   *int
	Result     *domain.UnifiedResponse
	Error      string
	RetryCount *int
}

// AcquireMeta is the request context recorded on the pending entry created
// by TryAcquire. Informational only; dedup is driven by the key.
type AcquireMeta struct {
	Type       string
	GuildID    string
	MaxRetries int
}

// Store is the operation-state port. Implementations: redis (production,
// shared across processes) and memory (tests, single-process deployments).
type Store interface {
	// TryAcquire atomically checks the operation key for a live entry and,
	// if none exists, inserts a pending OperationState under id. A live
	// entry in a terminal status yields an idempotent-replay result; a live
	// entry still in flight yields a conflict. The check and the insert are
	// one atomic step against the backing store.
	TryAcquire(ctx context.Context, key, id string, ttl time.Duration, meta AcquireMeta) (*domain.DeduplicationResult, error)

	// Transition moves the operation through its state machine, applying
	// the patch. Returns an error for transitions outside the allowed set
	// and domain.ErrNotFound for unknown or expired ids.
	Transition(ctx context.Context, id string, to domain.OperationStatus, patch Patch) error

	// Get returns the operation state, or domain.ErrNotFound when the id is
	// unknown or the entry has expired.
	Get(ctx context.Context, id string) (*domain.OperationState, error)

	Close() error
}
