package opkey

import (
	"testing"
	"time"

	"github.com/guildworks/guildrelay/internal/domain"
)

func TestDerive_GuildScoped(t *testing.T) {
	req := &domain.NormalizedRequest{Type: "music.pause", GuildID: "G123"}

	key, err := Derive(req)
	if err != nil {
		t.Fatalf("Derive() error = %v", err)
	}
	if key != "music.pause:G123" {
		t.Errorf("key = %q, want %q", key, "music.pause:G123")
	}
}

func TestDerive_TargetFields(t *testing.T) {
	req := &domain.NormalizedRequest{
		Type:    "moderation.ban",
		GuildID: "G123",
		Data:    map[string]any{"target_user_id": "U9", "reason": "spam"},
	}

	key, err := Derive(req)
	if err != nil {
		t.Fatalf("Derive() error = %v", err)
	}
	if key != "moderation.ban:G123:target_user_id=U9" {
		t.Errorf("key = %q", key)
	}
}

func TestDerive_ExcludesActorAndTimestamp(t *testing.T) {
	a := &domain.NormalizedRequest{
		ID:        "req-1",
		Type:      "moderation.ban",
		GuildID:   "G123",
		UserID:    "moderator-A",
		Timestamp: time.Now(),
		Data:      map[string]any{"target_user_id": "U9"},
	}
	b := &domain.NormalizedRequest{
		ID:        "req-2",
		Type:      "moderation.ban",
		GuildID:   "G123",
		UserID:    "moderator-B",
		Timestamp: time.Now().Add(time.Second),
		Data:      map[string]any{"target_user_id": "U9"},
	}

	keyA, err := Derive(a)
	if err != nil {
		t.Fatalf("Derive(a) error = %v", err)
	}
	keyB, err := Derive(b)
	if err != nil {
		t.Fatalf("Derive(b) error = %v", err)
	}
	if keyA != keyB {
		t.Errorf("different actors produced different keys: %q vs %q", keyA, keyB)
	}
}

func TestDerive_SortedMultipleFields(t *testing.T) {
	req := &domain.NormalizedRequest{
		Type:    "role.assign",
		GuildID: "G1",
		Data:    map[string]any{"role_id": "R2", "target_user_id": "U1"},
	}

	key, err := Derive(req)
	if err != nil {
		t.Fatalf("Derive() error = %v", err)
	}
	want := "role.assign:G1:role_id=R2:target_user_id=U1"
	if key != want {
		t.Errorf("key = %q, want %q", key, want)
	}
}

func TestDerive_UnknownTypeDegradesToGuildScope(t *testing.T) {
	req := &domain.NormalizedRequest{
		Type:    "custom.thing",
		GuildID: "G5",
		Data:    map[string]any{"anything": "ignored"},
	}

	key, err := Derive(req)
	if err != nil {
		t.Fatalf("Derive() error = %v", err)
	}
	if key != "custom.thing:G5" {
		t.Errorf("key = %q, want %q", key, "custom.thing:G5")
	}
}

func TestDerive_MissingDeclaredField(t *testing.T) {
	with := &domain.NormalizedRequest{
		Type:    "ticket.close",
		GuildID: "G1",
		Data:    map[string]any{"ticket_id": "T7"},
	}
	without := &domain.NormalizedRequest{
		Type:    "ticket.close",
		GuildID: "G1",
	}

	keyWith, _ := Derive(with)
	keyWithout, _ := Derive(without)
	if keyWith == keyWithout {
		t.Errorf("requests with and without the identifying field collided on %q", keyWith)
	}
}

func TestDerive_Validation(t *testing.T) {
	tests := []struct {
		name string
		req  *domain.NormalizedRequest
	}{
		{"missing type", &domain.NormalizedRequest{GuildID: "G1"}},
		{"missing guild", &domain.NormalizedRequest{Type: "music.pause"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Derive(tt.req); err == nil {
				t.Error("Derive() expected validation error, got nil")
			}
		})
	}
}

func TestRegister(t *testing.T) {
	Register("custom.purge", Policy{DataFields: []string{"channel_id"}})

	req := &domain.NormalizedRequest{
		Type:    "custom.purge",
		GuildID: "G1",
		Data:    map[string]any{"channel_id": "C3"},
	}
	key, err := Derive(req)
	if err != nil {
		t.Fatalf("Derive() error = %v", err)
	}
	if key != "custom.purge:G1:channel_id=C3" {
		t.Errorf("key = %q", key)
	}
}
