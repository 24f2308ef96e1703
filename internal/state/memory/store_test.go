package memory

import (
	"context"
	"testing"
	"time"

	"github.com/guildworks/guildrelay/internal/domain"
	"github.com/guildworks/guildrelay/internal/state"
)

func TestTryAcquire_Fresh(t *testing.T) {
	s := New()
	ctx := context.Background()

	dedup, err := s.TryAcquire(ctx, "music.pause:G1", "op-1", time.Minute, state.AcquireMeta{Type: "music.pause", GuildID: "G1"})
	if err != nil {
		t.Fatalf("TryAcquire() error = %v", err)
	}
	if dedup.IsDuplicate {
		t.Fatal("fresh acquire reported duplicate")
	}

	op, err := s.Get(ctx, "op-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if op.Status != domain.StatusPending {
		t.Errorf("status = %s, want pending", op.Status)
	}
	if op.Key != "music.pause:G1" {
		t.Errorf("key = %q", op.Key)
	}
}

func TestTryAcquire_InFlightConflict(t *testing.T) {
	s := New()
	ctx := context.Background()

	if _, err := s.TryAcquire(ctx, "k", "op-1", time.Minute, state.AcquireMeta{}); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	dedup, err := s.TryAcquire(ctx, "k", "op-2", time.Minute, state.AcquireMeta{})
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if !dedup.IsDuplicate {
		t.Fatal("concurrent acquire not reported duplicate")
	}
	if dedup.ConflictReason == "" {
		t.Error("in-flight duplicate missing conflict reason")
	}
	if dedup.ExistingResult != nil {
		t.Error("in-flight duplicate should not carry a result")
	}
	if dedup.ExistingID != "op-1" {
		t.Errorf("existing id = %q, want op-1", dedup.ExistingID)
	}

	// The losing id must not have created a record.
	if _, err := s.Get(ctx, "op-2"); err == nil {
		t.Error("losing acquire created a record")
	}
}

func TestTryAcquire_CompletedReplay(t *testing.T) {
	s := New()
	ctx := context.Background()

	s.TryAcquire(ctx, "k", "op-1", time.Minute, state.AcquireMeta{})
	s.Transition(ctx, "op-1", domain.StatusProcessing, state.Patch{})

	result := &domain.UnifiedResponse{Success: true, RequestID: "op-1", Method: domain.ProtocolWebSocket}
	if err := s.Transition(ctx, "op-1", domain.StatusCompleted, state.Patch{Result: result}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	dedup, err := s.TryAcquire(ctx, "k", "op-2", time.Minute, state.AcquireMeta{})
	if err != nil {
		t.Fatalf("replay acquire: %v", err)
	}
	if !dedup.IsDuplicate {
		t.Fatal("completed duplicate not detected")
	}
	if dedup.ConflictReason != "" {
		t.Errorf("completed replay should not conflict, got %q", dedup.ConflictReason)
	}
	if dedup.ExistingResult == nil || dedup.ExistingResult.Method != domain.ProtocolWebSocket {
		t.Errorf("replay result = %+v, want original websocket result", dedup.ExistingResult)
	}
}

func TestTryAcquire_ExpiredEntryIsAbsent(t *testing.T) {
	s := New()
	ctx := context.Background()

	now := time.Now()
	s.SetClock(func() time.Time { return now })

	s.TryAcquire(ctx, "k", "op-1", time.Minute, state.AcquireMeta{})

	// Advance past the TTL; the old entry must be treated as absent.
	now = now.Add(2 * time.Minute)

	dedup, err := s.TryAcquire(ctx, "k", "op-2", time.Minute, state.AcquireMeta{})
	if err != nil {
		t.Fatalf("TryAcquire() error = %v", err)
	}
	if dedup.IsDuplicate {
		t.Error("expired entry still deduplicating")
	}
	if _, err := s.Get(ctx, "op-1"); err == nil {
		t.Error("expired entry still readable")
	}
}

func TestTransition_StateMachine(t *testing.T) {
	tests := []struct {
		name    string
		path    []domain.OperationStatus
		wantErr bool
	}{
		{"happy path", []domain.OperationStatus{domain.StatusProcessing, domain.StatusCompleted}, false},
		{"failure path", []domain.OperationStatus{domain.StatusProcessing, domain.StatusFailed}, false},
		{"retry cycle", []domain.OperationStatus{domain.StatusProcessing, domain.StatusRetrying, domain.StatusProcessing, domain.StatusCompleted}, false},
		{"skip processing", []domain.OperationStatus{domain.StatusCompleted}, true},
		{"reopen completed", []domain.OperationStatus{domain.StatusProcessing, domain.StatusCompleted, domain.StatusProcessing}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New()
			ctx := context.Background()
			s.TryAcquire(ctx, "k", "op-1", time.Minute, state.AcquireMeta{})

			var err error
			for _, status := range tt.path {
				if err = s.Transition(ctx, "op-1", status, state.Patch{}); err != nil {
					break
				}
			}
			if (err != nil) != tt.wantErr {
				t.Errorf("transition chain error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestTransition_NotFound(t *testing.T) {
	s := New()
	err := s.Transition(context.Background(), "missing", domain.StatusProcessing, state.Patch{})
	if err != domain.ErrNotFound {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestTransition_Patch(t *testing.T) {
	s := New()
	ctx := context.Background()
	s.TryAcquire(ctx, "k", "op-1", time.Minute, state.AcquireMeta{MaxRetries: 3})
	s.Transition(ctx, "op-1", domain.StatusProcessing, state.Patch{})

	retries := 2
	progress := 50
	s.Transition(ctx, "op-1", domain.StatusRetrying, state.Patch{
		RetryCount: &retries,
		Progress:   &progress,
		Error:      "transient",
	})

	op, err := s.Get(ctx, "op-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if op.RetryCount != 2 || op.Progress != 50 || op.Error != "transient" {
		t.Errorf("patch not applied: %+v", op)
	}
	if op.MaxRetries != 3 {
		t.Errorf("max retries = %d, want 3", op.MaxRetries)
	}
}

func TestTryAcquire_FailedReplay(t *testing.T) {
	s := New()
	ctx := context.Background()

	if _, err := s.TryAcquire(ctx, "music.pause:G1", "op-1", time.Minute, state.AcquireMeta{Type: "music.pause"}); err != nil {
		t.Fatalf("TryAcquire() error = %v", err)
	}
	s.Transition(ctx, "op-1", domain.StatusProcessing, state.Patch{})
	if err := s.Transition(ctx, "op-1", domain.StatusFailed, state.Patch{Error: "bot offline"}); err != nil {
		t.Fatalf("Transition() error = %v", err)
	}

	dedup, err := s.TryAcquire(ctx, "music.pause:G1", "op-2", time.Minute, state.AcquireMeta{Type: "music.pause"})
	if err != nil {
		t.Fatalf("TryAcquire() error = %v", err)
	}
	if !dedup.IsDuplicate {
		t.Fatal("failed entry within its window not reported as duplicate")
	}
	if dedup.ExistingResult == nil {
		t.Fatal("failed duplicate carries no replayable result")
	}
	if dedup.ExistingResult.Success {
		t.Error("replayed result reports success for a failed operation")
	}
	if dedup.ExistingResult.Error != "bot offline" {
		t.Errorf("replayed error = %q, want %q", dedup.ExistingResult.Error, "bot offline")
	}
	if dedup.ConflictReason != "" {
		t.Errorf("terminal duplicate flagged as conflict: %q", dedup.ConflictReason)
	}
}
