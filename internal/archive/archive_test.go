package archive

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/guildworks/guildrelay/internal/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "archive.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func finishedOp(id, opType, guild string, status domain.OperationStatus) *domain.OperationState {
	start := time.Now().UTC().Add(-time.Second)
	return &domain.OperationState{
		ID:        id,
		Key:       opType + ":" + guild,
		Type:      opType,
		GuildID:   guild,
		Status:    status,
		StartTime: start,
		EndTime:   start.Add(500 * time.Millisecond),
		Result: &domain.UnifiedResponse{
			Success:   status == domain.StatusCompleted,
			RequestID: id,
			Method:    domain.ProtocolDirect,
		},
	}
}

func TestRecordAndList(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Record(ctx, finishedOp("op-1", "music.pause", "G1", domain.StatusCompleted)); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := s.Record(ctx, finishedOp("op-2", "moderation.ban", "G2", domain.StatusCompleted)); err != nil {
		t.Fatalf("record: %v", err)
	}

	records, err := s.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}

	rec := records[0]
	if rec.Method != "direct" {
		t.Errorf("method = %s", rec.Method)
	}
	if rec.FinishedAt == nil || rec.DurationMS == nil || *rec.DurationMS != 500 {
		t.Errorf("finish bookkeeping = %+v", rec)
	}
}

func TestListFilters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.Record(ctx, finishedOp("op-1", "music.pause", "G1", domain.StatusCompleted))
	s.Record(ctx, finishedOp("op-2", "music.pause", "G2", domain.StatusCompleted))
	s.Record(ctx, finishedOp("op-3", "moderation.ban", "G1", domain.StatusFailed))

	byGuild, err := s.List(ctx, ListOptions{GuildID: "G1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(byGuild) != 2 {
		t.Errorf("guild filter = %d records, want 2", len(byGuild))
	}

	byType, err := s.List(ctx, ListOptions{GuildID: "G1", Type: "moderation.ban"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(byType) != 1 || byType[0].ID != "op-3" {
		t.Errorf("type filter = %+v", byType)
	}
}

func TestRecordUpsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	op := finishedOp("op-1", "music.pause", "G1", domain.StatusCompleted)
	if err := s.Record(ctx, op); err != nil {
		t.Fatalf("record: %v", err)
	}

	op.Status = domain.StatusFailed
	op.Error = "late failure"
	if err := s.Record(ctx, op); err != nil {
		t.Fatalf("re-record: %v", err)
	}

	records, err := s.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1 after upsert", len(records))
	}
	if records[0].Status != "failed" || records[0].Error != "late failure" {
		t.Errorf("record = %+v", records[0])
	}
}
