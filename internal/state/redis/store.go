// Package redis is the production state store, backed by the Redis
// instance shared between the API and bot processes. The key index
// (guildrelay:opkey:<key> -> operation id) and the operation records
// (guildrelay:op:<id> -> JSON) live side by side; TryAcquire evaluates a
// Lua script so the index lookup, the status inspection, and the
// conditional insert are a single atomic round trip.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/guildworks/guildrelay/internal/domain"
	"github.com/guildworks/guildrelay/internal/state"
)

const (
	keyPrefix = "guildrelay:opkey:"
	opPrefix  = "guildrelay:op:"
)

// acquireScript: KEYS[1] = key index, KEYS[2] = new operation record key.
// ARGV[1] = new operation id, ARGV[2] = ttl millis, ARGV[3] = pending record
// JSON, ARGV[4] = operation record prefix.
//
// Returns {1, existing id, existing record JSON} on duplicate, {0} after a
// fresh insert. A dangling index (record expired, index not yet) is treated
// as absent and overwritten.
var acquireScript = redis.NewScript(`
local existing = redis.call('GET', KEYS[1])
if existing then
  local rec = redis.call('GET', ARGV[4] .. existing)
  if rec then
    return {1, existing, rec}
  end
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
redis.call('SET', KEYS[2], ARGV[3], 'PX', ARGV[2])
return {0}
`)

// Store is the Redis-backed state store.
type Store struct {
	client redis.UniversalClient
}

// New wraps an existing Redis client. The caller owns the client's
// lifecycle when sharing it with the job queue; Close here closes it.
func New(client redis.UniversalClient) *Store {
	return &Store{client: client}
}

func (s *Store) TryAcquire(ctx context.Context, key, id string, ttl time.Duration, meta state.AcquireMeta) (*domain.DeduplicationResult, error) {
	pending := &domain.OperationState{
		ID:         id,
		Key:        key,
		Type:       meta.Type,
		GuildID:    meta.GuildID,
		Status:     domain.StatusPending,
		StartTime:  time.Now().UTC(),
		MaxRetries: meta.MaxRetries,
	}
	raw, err := json.Marshal(pending)
	if err != nil {
		return nil, fmt.Errorf("marshal pending state: %w", err)
	}

	res, err := acquireScript.Run(ctx, s.client,
		[]string{keyPrefix + key, opPrefix + id},
		id, ttl.Milliseconds(), string(raw), opPrefix,
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("acquire %q: %w", key, err)
	}

	dup, _ := res[0].(int64)
	if dup == 0 {
		return &domain.DeduplicationResult{IsDuplicate: false}, nil
	}

	existingID, _ := res[1].(string)
	recJSON, _ := res[2].(string)

	var existing domain.OperationState
	if err := json.Unmarshal([]byte(recJSON), &existing); err != nil {
		return nil, fmt.Errorf("decode existing state for %q: %w", key, err)
	}

	if existing.Status.Terminal() {
		return &domain.DeduplicationResult{
			IsDuplicate:    true,
			ExistingID:     existingID,
			ExistingResult: existing.ReplayResponse(),
		}, nil
	}
	return &domain.DeduplicationResult{
		IsDuplicate:    true,
		ExistingID:     existingID,
		ConflictReason: fmt.Sprintf("operation %s for this key", existing.Status),
	}, nil
}

// transitionScript rewrites a record only while its status matches the one
// the caller validated against. KEYS[1] = operation record key, ARGV[1] =
// expected current status, ARGV[2] = replacement record JSON. Returns 1 on
// write, 0 when the record is gone, -1 when the status moved.
var transitionScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
  return 0
end
local rec = cjson.decode(raw)
if rec['status'] ~= ARGV[1] then
  return -1
end
redis.call('SET', KEYS[1], ARGV[2], 'KEEPTTL')
return 1
`)

// Transition validates the move against a fresh read, then writes through a
// compare-and-swap on the status field. The coordinator and a queue worker
// can race on the same record; whichever write loses the swap re-validates,
// so a terminal status written by the other side is never overwritten.
func (s *Store) Transition(ctx context.Context, id string, to domain.OperationStatus, patch state.Patch) error {
	for attempt := 0; attempt < 4; attempt++ {
		op, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		from := op.Status

		if !domain.ValidTransition(from, to) {
			return fmt.Errorf("invalid transition %s -> %s for operation %s", from, to, id)
		}

		op.Status = to
		if patch.Progress != nil {
			op.Progress = *patch.Progress
		}
		if patch.Result != nil {
			op.Result = patch.Result
		}
		if patch.Error != "" {
			op.Error = patch.Error
		}
		if patch.RetryCount != nil {
			op.RetryCount = *patch.RetryCount
		}
		if to.Terminal() {
			op.EndTime = time.Now().UTC()
		}

		raw, err := json.Marshal(op)
		if err != nil {
			return fmt.Errorf("marshal state: %w", err)
		}

		res, err := transitionScript.Run(ctx, s.client,
			[]string{opPrefix + id}, string(from), string(raw),
		).Int()
		if err != nil {
			return fmt.Errorf("write state %s: %w", id, err)
		}
		switch res {
		case 1:
			return nil
		case 0:
			return domain.ErrNotFound
		}
		// Status moved under us; re-read and re-validate.
	}
	return fmt.Errorf("transition operation %s: too many concurrent writes", id)
}

func (s *Store) Get(ctx context.Context, id string) (*domain.OperationState, error) {
	raw, err := s.client.Get(ctx, opPrefix+id).Bytes()
	if err == redis.Nil {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read state %s: %w", id, err)
	}

	var op domain.OperationState
	if err := json.Unmarshal(raw, &op); err != nil {
		return nil, fmt.Errorf("decode state %s: %w", id, err)
	}
	return &op, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}
