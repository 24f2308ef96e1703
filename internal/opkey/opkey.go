// Package opkey derives the deduplication key for an operation.
//
// The key identifies "the same logical action on the same target": two
// requests with the same key collapse even when issued by different actors
// in quick succession, which is what prevents duplicate side effects such
// as double-banning. The actor's user id, the request id, and the timestamp
// are therefore never part of the key.
package opkey

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/guildworks/guildrelay/internal/domain"
)

// Policy names the request data fields that identify the target of one
// operation type. Types with no identifying fields dedup at guild scope:
// at most one such operation per guild may be in flight at a time.
type Policy struct {
	DataFields []string
}

var (
	mu       sync.RWMutex
	policies = map[string]Policy{
		// Moderation acts on a target member.
		"moderation.ban":     {DataFields: []string{"target_user_id"}},
		"moderation.unban":   {DataFields: []string{"target_user_id"}},
		"moderation.kick":    {DataFields: []string{"target_user_id"}},
		"moderation.timeout": {DataFields: []string{"target_user_id"}},
		"moderation.warn":    {DataFields: []string{"target_user_id"}},

		// Player control is guild-wide.
		"music.pause":  {},
		"music.resume": {},
		"music.skip":   {},
		"music.stop":   {},
		"music.play":   {DataFields: []string{"track_url"}},

		"ticket.close":    {DataFields: []string{"ticket_id"}},
		"ticket.claim":    {DataFields: []string{"ticket_id"}},
		"role.assign":     {DataFields: []string{"target_user_id", "role_id"}},
		"role.remove":     {DataFields: []string{"target_user_id", "role_id"}},
		"settings.update": {DataFields: []string{"section"}},

		"system.ping": {},
	}
)

// Register installs the dedup policy for an operation type. Intended for
// bot-side wiring at startup, before any request flows.
func Register(opType string, p Policy) {
	mu.Lock()
	defer mu.Unlock()
	policies[opType] = p
}

// Lookup returns the policy for an operation type and whether one is
// registered. Unregistered types degrade to guild-scoped keys.
func Lookup(opType string) (Policy, bool) {
	mu.RLock()
	defer mu.RUnlock()
	p, ok := policies[opType]
	return p, ok
}

// Derive computes the operation key for a normalized request. Pure and
// deterministic: the same type, guild, and identifying data fields always
// produce the same key. Identifying fields are emitted in sorted order with
// a stable separator.
func Derive(req *domain.NormalizedRequest) (string, error) {
	if req.Type == "" {
		return "", &domain.ValidationError{Field: "type", Reason: "is required"}
	}
	if req.GuildID == "" {
		return "", &domain.ValidationError{Field: "guild_id", Reason: "is required"}
	}

	policy, _ := Lookup(req.Type)

	var sb strings.Builder
	sb.WriteString(req.Type)
	sb.WriteByte(':')
	sb.WriteString(req.GuildID)

	if len(policy.DataFields) == 0 {
		return sb.String(), nil
	}

	fields := make([]string, len(policy.DataFields))
	copy(fields, policy.DataFields)
	sort.Strings(fields)

	for _, f := range fields {
		v, ok := req.Data[f]
		if !ok {
			// A declared identifying field that is absent still contributes
			// to the key so that requests with and without it never collide.
			v = ""
		}
		fmt.Fprintf(&sb, ":%s=%v", f, v)
	}

	return sb.String(), nil
}
