package core

// CircuitStatus represents the state of a per-operation circuit.
type CircuitStatus string

const (
	CircuitClosed   CircuitStatus = "closed"
	CircuitOpen     CircuitStatus = "open"
	CircuitHalfOpen CircuitStatus = "half_open"
)

// CanTransitionTo reports whether moving from s to next is a legal circuit
// transition. An open circuit may only move to half-open; a half-open circuit
// may close on success or re-open on failure; a closed circuit may only open.
func (s CircuitStatus) CanTransitionTo(next CircuitStatus) bool {
	switch s {
	case CircuitClosed:
		return next == CircuitOpen
	case CircuitOpen:
		return next == CircuitHalfOpen
	case CircuitHalfOpen:
		return next == CircuitClosed || next == CircuitOpen
	}
	return false
}

// IdempotencyStatus represents the lifecycle state of an idempotency record.
type IdempotencyStatus string

const (
	IdempotencyPending   IdempotencyStatus = "pending"
	IdempotencyCompleted IdempotencyStatus = "completed"
	IdempotencyFailed    IdempotencyStatus = "failed"
)

// Terminal reports whether the record has reached a final state.
// A record transitions out of pending exactly once.
func (s IdempotencyStatus) Terminal() bool {
	return s == IdempotencyCompleted || s == IdempotencyFailed
}

// EngineStatus represents one enrichment engine's progress for an entity.
type EngineStatus string

const (
	EnginePending  EngineStatus = "pending"
	EngineComplete EngineStatus = "complete"
	EngineError    EngineStatus = "error"
)

// OverallStatus represents the waterfall monitor's aggregate state for an entity.
type OverallStatus string

const (
	OverallMonitoring OverallStatus = "monitoring"
	OverallCompleted  OverallStatus = "completed"
	OverallFailed     OverallStatus = "failed"
	OverallTimeout    OverallStatus = "timeout"
)

// Terminal reports whether the waterfall has stopped for this entity.
func (s OverallStatus) Terminal() bool {
	return s != OverallMonitoring
}
