package domain

import "time"

// OperationStatus is the lifecycle state of one operation attempt.
type OperationStatus string

const (
	StatusPending    OperationStatus = "pending"
	StatusProcessing OperationStatus = "processing"
	StatusCompleted  OperationStatus = "completed"
	StatusFailed     OperationStatus = "failed"
	StatusRetrying   OperationStatus = "retrying"
)

// Terminal reports whether s is an end state.
func (s OperationStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// allowedTransitions is the linear state machine for operations. The only
// cycle is retrying back to processing, used by queue workers between
// attempts.
var allowedTransitions = map[OperationStatus][]OperationStatus{
	StatusPending:    {StatusProcessing, StatusFailed},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusRetrying},
	StatusRetrying:   {StatusProcessing, StatusFailed},
}

// ValidTransition reports whether moving from one status to another is
// permitted by the operation state machine.
func ValidTransition(from, to OperationStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// OperationState is the durable record of one operation attempt, owned by
// the state store. Created on first acquisition for an operation id;
// transitions are the only permitted mutations afterwards.
type OperationState struct {
	ID         string           `json:"id"`
	Key        string           `json:"key"`
	Type       string           `json:"type"`
	GuildID    string           `json:"guild_id,omitempty"`
	Status     OperationStatus  `json:"status"`
	Progress   int              `json:"progress,omitempty"`
	Result     *UnifiedResponse `json:"result,omitempty"`
	Error      string           `json:"error,omitempty"`
	StartTime  time.Time        `json:"start_time"`
	EndTime    time.Time        `json:"end_time,omitzero"`
	RetryCount int              `json:"retry_count"`
	MaxRetries int              `json:"max_retries"`
}

// ReplayResponse returns the response an idempotent duplicate of a terminal
// operation receives. Writers attach the serialized response at transition
// time; records persisted without one fall back to a response built from the
// stored error.
func (op *OperationState) ReplayResponse() *UnifiedResponse {
	if op.Result != nil {
		return op.Result
	}
	resp := &UnifiedResponse{
		Success:   op.Status == StatusCompleted,
		RequestID: op.ID,
		Timestamp: op.EndTime,
	}
	if !resp.Success {
		resp.Error = op.Error
		resp.ErrorCode = CodeInternal
	}
	return resp
}

// DeduplicationResult is the outcome of a state-store acquisition attempt.
// Ephemeral: computed per call, never persisted.
type DeduplicationResult struct {
	IsDuplicate    bool
	ExistingID     string
	ExistingResult *UnifiedResponse
	ConflictReason string
}
