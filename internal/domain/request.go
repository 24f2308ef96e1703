// Package domain defines the request, response, and operation-state types
// shared by every layer of the coordination system.
package domain

import "time"

// Protocol identifies one of the delivery transports.
type Protocol string

const (
	ProtocolDirect    Protocol = "direct"
	ProtocolWebSocket Protocol = "websocket"
	ProtocolQueue     Protocol = "queue"
)

// Source tags where a request entered the system.
type Source string

const (
	SourceREST      Source = "rest"
	SourceWebSocket Source = "websocket"
	SourceQueue     Source = "queue"
	SourceInternal  Source = "internal"
)

// Priority orders requests relative to each other. It is advisory: the
// coordinator passes it through to transports and the queue, it does not
// reorder in-flight work.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// ValidPriority reports whether p is one of the defined priority levels.
func ValidPriority(p Priority) bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// UnifiedRequest is the caller-supplied intent handed to the coordinator.
// It is immutable once handed over; the coordinator works on the normalized
// form instead.
type UnifiedRequest struct {
	ID                  string            `json:"id,omitempty"`
	Type                string            `json:"type"`
	Data                map[string]any    `json:"data,omitempty"`
	Source              Source            `json:"source,omitempty"`
	UserID              string            `json:"user_id,omitempty"`
	GuildID             string            `json:"guild_id"`
	Timestamp           time.Time         `json:"timestamp,omitempty"`
	Priority            Priority          `json:"priority,omitempty"`
	RequiresRealTime    bool              `json:"requires_real_time,omitempty"`
	RequiresReliability bool              `json:"requires_reliability,omitempty"`
	TimeoutMS           int64             `json:"timeout_ms,omitempty"`
	Metadata            map[string]string `json:"metadata,omitempty"`
}

// NormalizedRequest is a UnifiedRequest with every optional field resolved
// to a concrete value and the operation key derived. It is the payload that
// crosses process boundaries (WebSocket envelope, queue job), so it carries
// JSON tags. Never mutated after normalization.
type NormalizedRequest struct {
	ID                  string            `json:"id"`
	Type                string            `json:"type"`
	Data                map[string]any    `json:"data,omitempty"`
	Source              Source            `json:"source"`
	UserID              string            `json:"user_id,omitempty"`
	GuildID             string            `json:"guild_id"`
	Timestamp           time.Time         `json:"timestamp"`
	Priority            Priority          `json:"priority"`
	RequiresRealTime    bool              `json:"requires_real_time,omitempty"`
	RequiresReliability bool              `json:"requires_reliability,omitempty"`
	Timeout             time.Duration     `json:"timeout_ns"`
	Metadata            map[string]string `json:"metadata,omitempty"`
	OperationKey        string            `json:"operation_key"`
}
