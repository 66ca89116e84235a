package core

import (
	"encoding/json"
	"fmt"
	"time"
)

// DefaultEngines enumerates the fan-out enrichment engines. Each engine is an
// independent external producer writing into its own result rows; the
// waterfall monitor only observes them.
var DefaultEngines = []string{"market", "financials", "team", "competition", "risk"}

// Kill switch naming. Switches gate classes of work, not individual entities.
const (
	GlobalAnalysisSwitch = "global_analysis"
	QueueProcessorSwitch = "queue_processor"
)

// EngineSwitch returns the kill switch name for a single engine.
func EngineSwitch(engine string) string {
	return fmt.Sprintf("engine_%s", engine)
}

// LockTypeAnalysis is the lock type used for entity analysis runs.
const LockTypeAnalysis = "analysis"

// CircuitCall is an audit row for a single circuit-protected call attempt.
// Rows feed the sliding-window call budget and external observability; they
// are advisory and pruned after 24h.
type CircuitCall struct {
	ID           string    `gorm:"primaryKey;size:36"`
	OperationKey string    `gorm:"index;size:255;not null"`
	Success      bool      `gorm:"default:false"`
	Rejected     bool      `gorm:"default:false"` // fast-failed without invoking the operation
	Error        string    `gorm:"type:text"`
	CalledAt     time.Time `gorm:"index;autoCreateTime"`
}

// IdempotencyRecord deduplicates operation invocations by caller-supplied key.
// At most one non-expired record exists per key, enforced by the unique index.
type IdempotencyRecord struct {
	ID          string            `gorm:"primaryKey;size:36"`
	Key         string            `gorm:"uniqueIndex;size:255;not null"`
	Status      IdempotencyStatus `gorm:"size:20;default:'pending'"`
	Result      []byte            `gorm:"type:bytes"`
	Error       string            `gorm:"type:text"`
	CreatedAt   time.Time         `gorm:"autoCreateTime"`
	CompletedAt *time.Time
	ExpiresAt   time.Time `gorm:"index;not null"`
}

// Expired reports whether the record's TTL has lapsed at t.
func (r *IdempotencyRecord) Expired(t time.Time) bool {
	return t.After(r.ExpiresAt)
}

// KillSwitch is a named boolean gate. An expired switch is treated as
// inactive regardless of the stored IsActive value.
type KillSwitch struct {
	Name        string `gorm:"primaryKey;size:255"`
	IsActive    bool   `gorm:"default:false"`
	Reason      string `gorm:"type:text"`
	ActivatedBy string `gorm:"size:255"`
	ActivatedAt *time.Time
	ExpiresAt   *time.Time `gorm:"index"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime"`
}

// ActiveAt reports whether the switch blocks work at t.
func (k *KillSwitch) ActiveAt(t time.Time) bool {
	if !k.IsActive {
		return false
	}
	if k.ExpiresAt != nil && t.After(*k.ExpiresAt) {
		return false
	}
	return true
}

// ExecutionLock is a uniqueness-constrained row acting as a distributed mutex
// for one entity's protected operation. A lock past ExpiresAt is stale and
// may be cleared by any process.
type ExecutionLock struct {
	ID         string    `gorm:"primaryKey;size:36"`
	EntityID   string    `gorm:"uniqueIndex:idx_entity_lock;size:255;not null"`
	LockType   string    `gorm:"uniqueIndex:idx_entity_lock;size:64;not null"`
	LockedBy   string    `gorm:"size:255;not null"`
	Metadata   string    `gorm:"type:text"`
	AcquiredAt time.Time `gorm:"autoCreateTime"`
	ExpiresAt  time.Time `gorm:"index;not null"`
}

// Stale reports whether the lock's crash-safety TTL has lapsed at t.
func (l *ExecutionLock) Stale(t time.Time) bool {
	return t.After(l.ExpiresAt)
}

// RateLimitRecord holds per-entity counters gating how frequently analysis
// may run. Its circuit is coarser than the per-operation breaker: three
// consecutive failures open it for a fixed cool-down.
type RateLimitRecord struct {
	EntityID            string `gorm:"primaryKey;size:255"`
	LastAnalysisAt      *time.Time
	ConsecutiveFailures int  `gorm:"default:0"`
	IsCircuitOpen       bool `gorm:"default:false"`
	CircuitOpenedAt     *time.Time
	ResetDate           *time.Time
	UpdatedAt           time.Time `gorm:"autoUpdateTime"`
}

// EngineTracking records waterfall convergence for one entity. Statuses holds
// a JSON map of engine name to EngineStatus.
type EngineTracking struct {
	EntityID        string        `gorm:"primaryKey;size:255"`
	Statuses        []byte        `gorm:"type:bytes"`
	CompletedCount  int           `gorm:"default:0"`
	FailedCount     int           `gorm:"default:0"`
	TotalCount      int           `gorm:"not null"`
	OverallStatus   OverallStatus `gorm:"size:20;default:'monitoring'"`
	TimeoutAt       time.Time     `gorm:"index;not null"`
	CreatedAt       time.Time     `gorm:"autoCreateTime"`
	UpdatedAt       time.Time     `gorm:"autoUpdateTime"`
	CompletedAtTime *time.Time
}

// EngineStatuses decodes the per-engine status map. A nil Statuses blob
// yields an empty map.
func (t *EngineTracking) EngineStatuses() (map[string]EngineStatus, error) {
	statuses := make(map[string]EngineStatus)
	if len(t.Statuses) == 0 {
		return statuses, nil
	}
	if err := json.Unmarshal(t.Statuses, &statuses); err != nil {
		return nil, fmt.Errorf("dealpipe: corrupt engine status map for %s: %w", t.EntityID, err)
	}
	return statuses, nil
}

// SetEngineStatuses encodes the per-engine status map and refreshes the
// derived counts.
func (t *EngineTracking) SetEngineStatuses(statuses map[string]EngineStatus) error {
	data, err := json.Marshal(statuses)
	if err != nil {
		return fmt.Errorf("dealpipe: failed to encode engine status map for %s: %w", t.EntityID, err)
	}
	t.Statuses = data

	completed, failed := 0, 0
	for _, st := range statuses {
		switch st {
		case EngineComplete:
			completed++
		case EngineError:
			failed++
		}
	}
	t.CompletedCount = completed
	t.FailedCount = failed
	return nil
}

// EngineResult is an enrichment engine's output row for an entity. In
// production each engine writes its own table; this shared table with an
// engine column is the default probe target for embedded deployments.
type EngineResult struct {
	ID        string       `gorm:"primaryKey;size:36"`
	Engine    string       `gorm:"uniqueIndex:idx_engine_entity;size:64;not null"`
	EntityID  string       `gorm:"uniqueIndex:idx_engine_entity;size:255;not null"`
	Status    EngineStatus `gorm:"size:20;default:'pending'"`
	Payload   []byte       `gorm:"type:bytes"`
	Error     string       `gorm:"type:text"`
	CreatedAt time.Time    `gorm:"autoCreateTime"`
	UpdatedAt time.Time    `gorm:"autoUpdateTime"`
}
