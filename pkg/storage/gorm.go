package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/capstack/dealpipe/pkg/core"
)

// GormStorage implements core.Storage using GORM.
type GormStorage struct {
	db *gorm.DB
}

// NewGormStorage creates a new GORM-backed storage.
func NewGormStorage(db *gorm.DB) *GormStorage {
	return &GormStorage{db: db}
}

// Open connects to the coordination store, selecting the driver from the DSN.
// DSNs starting with "postgres://" or containing "host=" use PostgreSQL;
// anything else is treated as a SQLite path.
func Open(dsn string, opts ...PoolOption) (*GormStorage, error) {
	var dialector gorm.Dialector
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		dialector = postgres.Open(dsn)
	} else {
		dialector = sqlite.Open(dsn)
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, err
	}

	if err := ConfigurePool(db, opts...); err != nil {
		return nil, err
	}
	return NewGormStorage(db), nil
}

// DB returns the underlying *gorm.DB.
func (s *GormStorage) DB() *gorm.DB {
	return s.db
}

// IsSQLite reports whether the backing database is SQLite.
func (s *GormStorage) IsSQLite() bool {
	if s.db == nil {
		return false
	}
	return s.db.Dialector.Name() == "sqlite"
}

// Migrate creates the necessary tables.
func (s *GormStorage) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(
		&core.CircuitCall{},
		&core.IdempotencyRecord{},
		&core.KillSwitch{},
		&core.ExecutionLock{},
		&core.RateLimitRecord{},
		&core.EngineTracking{},
		&core.EngineResult{},
	)
}

// isDuplicateKey detects unique-constraint violations across dialects.
func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || // sqlite
		strings.Contains(msg, "duplicate key value") // postgres
}

// ─── Circuit audit log ───────────────────────────────────────────────────────

// RecordCircuitCall appends a call-attempt audit row.
func (s *GormStorage) RecordCircuitCall(ctx context.Context, call *core.CircuitCall) error {
	if call.ID == "" {
		call.ID = uuid.New().String()
	}
	call.Error = core.SanitizeErrorMessage(call.Error)
	return s.db.WithContext(ctx).Create(call).Error
}

// CountCircuitCalls counts audit rows for a key within the trailing window.
func (s *GormStorage) CountCircuitCalls(ctx context.Context, operationKey string, window time.Duration) (int64, error) {
	var count int64
	cutoff := time.Now().Add(-window)
	err := s.db.WithContext(ctx).
		Model(&core.CircuitCall{}).
		Where("operation_key = ?", operationKey).
		Where("called_at >= ?", cutoff).
		Count(&count).Error
	return count, err
}

// PruneCircuitCalls deletes audit rows older than the retention period.
func (s *GormStorage) PruneCircuitCalls(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	result := s.db.WithContext(ctx).
		Where("called_at < ?", cutoff).
		Delete(&core.CircuitCall{})
	return result.RowsAffected, result.Error
}

// ─── Idempotency records ─────────────────────────────────────────────────────

// CreateIdempotencyRecord inserts a pending record. The unique index on the
// key column makes this the deduplication point: a concurrent duplicate
// insert fails with core.ErrDuplicateRun.
func (s *GormStorage) CreateIdempotencyRecord(ctx context.Context, rec *core.IdempotencyRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Status == "" {
		rec.Status = core.IdempotencyPending
	}
	err := s.db.WithContext(ctx).Create(rec).Error
	if isDuplicateKey(err) {
		return core.ErrDuplicateRun
	}
	return err
}

// GetIdempotencyRecord returns the record for a key, or nil if none exists.
func (s *GormStorage) GetIdempotencyRecord(ctx context.Context, key string) (*core.IdempotencyRecord, error) {
	var rec core.IdempotencyRecord
	err := s.db.WithContext(ctx).First(&rec, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// CompleteIdempotencyRecord transitions pending → completed. The conditional
// update guarantees the transition happens exactly once.
func (s *GormStorage) CompleteIdempotencyRecord(ctx context.Context, key string, result []byte) error {
	now := time.Now()
	res := s.db.WithContext(ctx).
		Model(&core.IdempotencyRecord{}).
		Where("key = ? AND status = ?", key, core.IdempotencyPending).
		Updates(map[string]any{
			"status":       core.IdempotencyCompleted,
			"result":       result,
			"completed_at": now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return core.ErrRecordNotPending
	}
	return nil
}

// FailIdempotencyRecord transitions pending → failed.
func (s *GormStorage) FailIdempotencyRecord(ctx context.Context, key string, errMsg string) error {
	now := time.Now()
	res := s.db.WithContext(ctx).
		Model(&core.IdempotencyRecord{}).
		Where("key = ? AND status = ?", key, core.IdempotencyPending).
		Updates(map[string]any{
			"status":       core.IdempotencyFailed,
			"error":        core.SanitizeErrorMessage(errMsg),
			"completed_at": now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return core.ErrRecordNotPending
	}
	return nil
}

// DeleteIdempotencyRecord removes a record so a key can be reused.
func (s *GormStorage) DeleteIdempotencyRecord(ctx context.Context, key string) error {
	return s.db.WithContext(ctx).
		Where("key = ?", key).
		Delete(&core.IdempotencyRecord{}).Error
}

// DeleteExpiredIdempotencyRecords removes records past their TTL.
func (s *GormStorage) DeleteExpiredIdempotencyRecords(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("expires_at < ?", time.Now()).
		Delete(&core.IdempotencyRecord{})
	return result.RowsAffected, result.Error
}

// ─── Kill switches ───────────────────────────────────────────────────────────

// GetKillSwitch returns a switch by name, or nil if it has never been set.
func (s *GormStorage) GetKillSwitch(ctx context.Context, name string) (*core.KillSwitch, error) {
	var sw core.KillSwitch
	err := s.db.WithContext(ctx).First(&sw, "name = ?", name).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sw, nil
}

// SaveKillSwitch upserts a switch row.
func (s *GormStorage) SaveKillSwitch(ctx context.Context, sw *core.KillSwitch) error {
	return s.db.WithContext(ctx).Save(sw).Error
}

// ListKillSwitches returns every switch row.
func (s *GormStorage) ListKillSwitches(ctx context.Context) ([]*core.KillSwitch, error) {
	var switches []*core.KillSwitch
	err := s.db.WithContext(ctx).Order("name ASC").Find(&switches).Error
	return switches, err
}

// DeactivateExpiredKillSwitches flips expired-but-active switches off so
// stored state matches observed behavior.
func (s *GormStorage) DeactivateExpiredKillSwitches(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).
		Model(&core.KillSwitch{}).
		Where("is_active = ?", true).
		Where("expires_at IS NOT NULL AND expires_at < ?", time.Now()).
		Update("is_active", false)
	return result.RowsAffected, result.Error
}

// ─── Execution locks ─────────────────────────────────────────────────────────

// AcquireLock inserts a lock row. The composite unique index on
// (entity_id, lock_type) makes the insert the mutual-exclusion point: a
// conflict means another run holds the lock, returned as core.ErrLockHeld.
// A stale holder (past its TTL) is cleared first so a crashed run cannot
// poison the entity beyond the TTL.
func (s *GormStorage) AcquireLock(ctx context.Context, lock *core.ExecutionLock) error {
	if lock.ID == "" {
		lock.ID = uuid.New().String()
	}

	// Clear a stale holder, if any. Scoped to expired rows only so a live
	// lock is never touched.
	err := s.db.WithContext(ctx).
		Where("entity_id = ? AND lock_type = ?", lock.EntityID, lock.LockType).
		Where("expires_at < ?", time.Now()).
		Delete(&core.ExecutionLock{}).Error
	if err != nil {
		return err
	}

	err = s.db.WithContext(ctx).Create(lock).Error
	if isDuplicateKey(err) {
		return core.ErrLockHeld
	}
	return err
}

// ReleaseLock deletes the lock row if owned by the given holder.
func (s *GormStorage) ReleaseLock(ctx context.Context, entityID, lockType, owner string) error {
	return s.db.WithContext(ctx).
		Where("entity_id = ? AND lock_type = ? AND locked_by = ?", entityID, lockType, owner).
		Delete(&core.ExecutionLock{}).Error
}

// GetLock returns the current lock row for (entityID, lockType), or nil.
func (s *GormStorage) GetLock(ctx context.Context, entityID, lockType string) (*core.ExecutionLock, error) {
	var lock core.ExecutionLock
	err := s.db.WithContext(ctx).
		First(&lock, "entity_id = ? AND lock_type = ?", entityID, lockType).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &lock, nil
}

// DeleteExpiredLocks clears locks whose crash-safety TTL has lapsed.
func (s *GormStorage) DeleteExpiredLocks(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("expires_at < ?", time.Now()).
		Delete(&core.ExecutionLock{})
	return result.RowsAffected, result.Error
}

// ─── Rate limits ─────────────────────────────────────────────────────────────

// GetRateLimit returns the rate-limit row for an entity, or nil if none.
func (s *GormStorage) GetRateLimit(ctx context.Context, entityID string) (*core.RateLimitRecord, error) {
	var rec core.RateLimitRecord
	err := s.db.WithContext(ctx).First(&rec, "entity_id = ?", entityID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// SaveRateLimit upserts an entity's rate-limit row. Only the process holding
// the execution lock updates this row, so no additional locking is needed.
func (s *GormStorage) SaveRateLimit(ctx context.Context, rec *core.RateLimitRecord) error {
	return s.db.WithContext(ctx).Save(rec).Error
}

// ─── Waterfall tracking ──────────────────────────────────────────────────────

// GetEngineTracking returns the tracking row for an entity, or nil.
func (s *GormStorage) GetEngineTracking(ctx context.Context, entityID string) (*core.EngineTracking, error) {
	var tracking core.EngineTracking
	err := s.db.WithContext(ctx).First(&tracking, "entity_id = ?", entityID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &tracking, nil
}

// CreateEngineTracking inserts a tracking row; a concurrent create for the
// same entity maps to core.ErrDuplicateRun.
func (s *GormStorage) CreateEngineTracking(ctx context.Context, tracking *core.EngineTracking) error {
	if tracking.OverallStatus == "" {
		tracking.OverallStatus = core.OverallMonitoring
	}
	err := s.db.WithContext(ctx).Create(tracking).Error
	if isDuplicateKey(err) {
		return core.ErrDuplicateRun
	}
	return err
}

// SaveEngineTracking persists the monitor's latest view of engine progress.
func (s *GormStorage) SaveEngineTracking(ctx context.Context, tracking *core.EngineTracking) error {
	return s.db.WithContext(ctx).Save(tracking).Error
}

// ─── Engine results ──────────────────────────────────────────────────────────

// GetEngineResult returns one engine's result row for an entity, or nil if
// the engine has not written anything yet.
func (s *GormStorage) GetEngineResult(ctx context.Context, engine, entityID string) (*core.EngineResult, error) {
	var res core.EngineResult
	err := s.db.WithContext(ctx).
		First(&res, "engine = ? AND entity_id = ?", engine, entityID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// SaveEngineResult upserts an engine result row. Engines own their rows; the
// monitor never writes them. Exposed for engine-side integrations and tests.
func (s *GormStorage) SaveEngineResult(ctx context.Context, res *core.EngineResult) error {
	if res.ID == "" {
		res.ID = uuid.New().String()
	}
	return s.db.WithContext(ctx).Save(res).Error
}
