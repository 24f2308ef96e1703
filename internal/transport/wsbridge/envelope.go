// Package wsbridge is the WebSocket transport: a persistent authenticated
// connection between the API process and the bot process, carrying
// correlated request/reply envelopes. The client half lives in the API
// process; the server half runs in the bot process and dispatches into the
// handler registry.
package wsbridge

// Envelope is the request frame pushed to the bot process.
type Envelope struct {
	RequestID string         `json:"request_id"`
	Type      string         `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	GuildID   string         `json:"guild_id,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
}

// Reply is the response frame correlated back by request id.
type Reply struct {
	RequestID string `json:"request_id"`
	Success   bool   `json:"success"`
	Data      any    `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
}

// AuthHeader carries the shared bridge token on the upgrade request.
const AuthHeader = "X-Bridge-Token"
