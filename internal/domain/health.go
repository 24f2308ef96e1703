package domain

import "time"

// CircuitState is the breaker position for one transport.
type CircuitState string

const (
	CircuitClosed   CircuitState = "CLOSED"
	CircuitOpen     CircuitState = "OPEN"
	CircuitHalfOpen CircuitState = "HALF_OPEN"
)

// ProtocolHealthStatus is the live health snapshot for one transport.
// Process-local and reset on restart; a liveness heuristic, not
// correctness-critical state.
type ProtocolHealthStatus struct {
	Protocol     Protocol      `json:"protocol"`
	Healthy      bool          `json:"healthy"`
	Latency      time.Duration `json:"latency_ns"`
	LastCheck    time.Time     `json:"last_check"`
	ErrorRate    float64       `json:"error_rate"`
	CircuitState CircuitState  `json:"circuit_breaker_state"`
}
