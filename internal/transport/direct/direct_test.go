package direct

import (
	"context"
	"errors"
	"testing"

	"github.com/guildworks/guildrelay/internal/domain"
	"github.com/guildworks/guildrelay/internal/transport"
)

func TestExecute(t *testing.T) {
	registry := transport.NewRegistry()
	registry.Register("music.pause", func(ctx context.Context, req *domain.NormalizedRequest) (any, error) {
		return map[string]any{"paused": true, "guild": req.GuildID}, nil
	})

	tr := New(registry)
	resp, err := tr.Execute(context.Background(), &domain.NormalizedRequest{
		ID:      "req-1",
		Type:    "music.pause",
		GuildID: "G1",
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !resp.Success {
		t.Error("response not marked successful")
	}
	if resp.Method != domain.ProtocolDirect {
		t.Errorf("method = %s, want direct", resp.Method)
	}
	if resp.RequestID != "req-1" {
		t.Errorf("request id = %s", resp.RequestID)
	}
	data, ok := resp.Data.(map[string]any)
	if !ok || data["guild"] != "G1" {
		t.Errorf("data = %#v", resp.Data)
	}
}

func TestExecute_NoHandler(t *testing.T) {
	tr := New(transport.NewRegistry())
	_, err := tr.Execute(context.Background(), &domain.NormalizedRequest{
		ID:   "req-2",
		Type: "music.skip",
	})
	if !errors.Is(err, transport.ErrNoHandler) {
		t.Fatalf("err = %v, want ErrNoHandler", err)
	}
}

func TestExecute_HandlerError(t *testing.T) {
	boom := errors.New("voice channel empty")
	registry := transport.NewRegistry()
	registry.Register("music.pause", func(ctx context.Context, req *domain.NormalizedRequest) (any, error) {
		return nil, boom
	})

	tr := New(registry)
	_, err := tr.Execute(context.Background(), &domain.NormalizedRequest{ID: "req-3", Type: "music.pause"})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want handler error", err)
	}
}
