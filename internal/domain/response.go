package domain

import "time"

// UnifiedResponse is the caller-visible result of one coordinated request.
// Constructed once and never mutated after return. Method names the
// transport that actually served the request; for an idempotent replay it
// reflects the transport that served the original request.
type UnifiedResponse struct {
	Success         bool      `json:"success"`
	RequestID       string    `json:"request_id"`
	Data            any       `json:"data,omitempty"`
	Error           string    `json:"error,omitempty"`
	ErrorCode       string    `json:"error_code,omitempty"`
	ExecutionTimeMS int64     `json:"execution_time_ms"`
	Method          Protocol  `json:"method,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// Error codes carried on failure responses. The HTTP layer maps these to
// status codes; other callers can switch on them without parsing messages.
const (
	CodeValidation          = "validation_error"
	CodeConflict            = "conflict"
	CodeAllTransportsFailed = "all_transports_failed"
	CodeInternal            = "internal_error"
)
