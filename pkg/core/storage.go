package core

import (
	"context"
	"time"
)

// Storage defines the persistence layer for all coordination state. The
// shared store is the only cluster-wide source of truth; every in-memory
// structure layered above it is a best-effort cache.
type Storage interface {
	// Migrate creates the necessary database tables.
	Migrate(ctx context.Context) error

	// Circuit audit log
	RecordCircuitCall(ctx context.Context, call *CircuitCall) error
	CountCircuitCalls(ctx context.Context, operationKey string, window time.Duration) (int64, error)
	PruneCircuitCalls(ctx context.Context, olderThan time.Duration) (int64, error)

	// Idempotency records
	CreateIdempotencyRecord(ctx context.Context, rec *IdempotencyRecord) error
	GetIdempotencyRecord(ctx context.Context, key string) (*IdempotencyRecord, error)
	CompleteIdempotencyRecord(ctx context.Context, key string, result []byte) error
	FailIdempotencyRecord(ctx context.Context, key string, errMsg string) error
	DeleteIdempotencyRecord(ctx context.Context, key string) error
	DeleteExpiredIdempotencyRecords(ctx context.Context) (int64, error)

	// Kill switches
	GetKillSwitch(ctx context.Context, name string) (*KillSwitch, error)
	SaveKillSwitch(ctx context.Context, sw *KillSwitch) error
	ListKillSwitches(ctx context.Context) ([]*KillSwitch, error)
	DeactivateExpiredKillSwitches(ctx context.Context) (int64, error)

	// Execution locks
	AcquireLock(ctx context.Context, lock *ExecutionLock) error
	ReleaseLock(ctx context.Context, entityID, lockType, owner string) error
	GetLock(ctx context.Context, entityID, lockType string) (*ExecutionLock, error)
	DeleteExpiredLocks(ctx context.Context) (int64, error)

	// Rate limits
	GetRateLimit(ctx context.Context, entityID string) (*RateLimitRecord, error)
	SaveRateLimit(ctx context.Context, rec *RateLimitRecord) error

	// Waterfall tracking
	GetEngineTracking(ctx context.Context, entityID string) (*EngineTracking, error)
	CreateEngineTracking(ctx context.Context, tracking *EngineTracking) error
	SaveEngineTracking(ctx context.Context, tracking *EngineTracking) error

	// Engine results (read-only from the monitor's point of view)
	GetEngineResult(ctx context.Context, engine, entityID string) (*EngineResult, error)
	SaveEngineResult(ctx context.Context, res *EngineResult) error
}
