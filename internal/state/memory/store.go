// Package memory is an in-process implementation of the state store. It
// backs tests and single-process deployments where the coordinator and the
// bot share an event loop; production deployments use the redis store.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/guildworks/guildrelay/internal/domain"
	"github.com/guildworks/guildrelay/internal/state"
)

type entry struct {
	op        *domain.OperationState
	ttl       time.Duration
	expiresAt time.Time
}

// Store is an in-memory state store. The mutex held across the
// check-and-set in TryAcquire provides the atomicity the port requires.
type Store struct {
	mu   sync.Mutex
	ops  map[string]*entry // operation id -> record
	keys map[string]string // operation key -> most recent operation id
	now  func() time.Time
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		ops:  make(map[string]*entry),
		keys: make(map[string]string),
		now:  time.Now,
	}
}

// SetClock replaces the time source. Test hook.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) TryAcquire(ctx context.Context, key, id string, ttl time.Duration, meta state.AcquireMeta) (*domain.DeduplicationResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	if existingID, ok := s.keys[key]; ok {
		if e, live := s.live(existingID, now); live {
			if e.op.Status.Terminal() {
				return &domain.DeduplicationResult{
					IsDuplicate:    true,
					ExistingID:     existingID,
					ExistingResult: e.op.ReplayResponse(),
				}, nil
			}
			return &domain.DeduplicationResult{
				IsDuplicate:    true,
				ExistingID:     existingID,
				ConflictReason: fmt.Sprintf("operation %s for this key", e.op.Status),
			}, nil
		}
	}

	s.ops[id] = &entry{
		op: &domain.OperationState{
			ID:         id,
			Key:        key,
			Type:       meta.Type,
			GuildID:    meta.GuildID,
			Status:     domain.StatusPending,
			StartTime:  now,
			MaxRetries: meta.MaxRetries,
		},
		ttl:       ttl,
		expiresAt: now.Add(ttl),
	}
	s.keys[key] = id

	return &domain.DeduplicationResult{IsDuplicate: false}, nil
}

func (s *Store) Transition(ctx context.Context, id string, to domain.OperationStatus, patch state.Patch) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e, live := s.live(id, now)
	if !live {
		return domain.ErrNotFound
	}

	if !domain.ValidTransition(e.op.Status, to) {
		return fmt.Errorf("invalid transition %s -> %s for operation %s", e.op.Status, to, id)
	}

	e.op.Status = to
	if patch.Progress != nil {
		e.op.Progress = *patch.Progress
	}
	if patch.Result != nil {
		e.op.Result = patch.Result
	}
	if patch.Error != "" {
		e.op.Error = patch.Error
	}
	if patch.RetryCount != nil {
		e.op.RetryCount = *patch.RetryCount
	}
	if to.Terminal() {
		e.op.EndTime = now
	}
	// Each write refreshes the retention window.
	e.expiresAt = now.Add(e.ttl)
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*domain.OperationState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, live := s.live(id, s.now())
	if !live {
		return nil, domain.ErrNotFound
	}

	cp := *e.op
	return &cp, nil
}

func (s *Store) Close() error { return nil }

// live returns the entry for id when present and unexpired, dropping
// expired entries lazily. Caller holds the mutex.
func (s *Store) live(id string, now time.Time) (*entry, bool) {
	e, ok := s.ops[id]
	if !ok {
		return nil, false
	}
	if now.After(e.expiresAt) {
		delete(s.ops, id)
		if s.keys[e.op.Key] == id {
			delete(s.keys, e.op.Key)
		}
		return nil, false
	}
	return e, true
}
