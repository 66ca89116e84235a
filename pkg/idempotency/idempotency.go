package idempotency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/capstack/dealpipe/pkg/core"
)

// FailureCooldown is how long a failed record blocks a fresh attempt.
const FailureCooldown = 5 * time.Minute

// DefaultTTL is the record lifetime when the caller does not specify one.
const DefaultTTL = 60 * time.Minute

// KeyFor derives a deterministic idempotency key from an entity, operation,
// actor, and a day-granularity time bucket. Repeated manual triggers by the
// same actor on the same day collapse to one key; a new day opens a fresh
// window.
func KeyFor(entityID, operation, actorID string, t time.Time) string {
	return fmt.Sprintf("%s:%s:%s:%s", operation, entityID, actorID, t.UTC().Format("2006-01-02"))
}

// Check is the outcome of a key lookup.
type Check struct {
	// Exists reports whether a live record was found for the key.
	Exists bool

	// CanProceed reports whether the caller may execute the operation.
	CanProceed bool

	// Status is the live record's lifecycle state, if one exists.
	Status core.IdempotencyStatus

	// Result is the memoized payload of a completed record.
	Result []byte

	// Error is the stored message of a failed record still in cool-down.
	Error string
}

// Manager deduplicates operation invocations through the shared store.
type Manager struct {
	storage core.Storage
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger used for advisory failures.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithClock overrides the time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// New creates a Manager over the given storage.
func New(storage core.Storage, opts ...Option) *Manager {
	m := &Manager{
		storage: storage,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CheckKey looks up the key and claims it when no live record blocks
// execution. Exactly one of several concurrent callers receives
// CanProceed=true: the claim is a unique-constrained insert, so the store
// decides the winner.
//
// Storage errors fail open with CanProceed=true — the guard is a duplicate
// suppressor, never a gate that can deny all service.
func (m *Manager) CheckKey(ctx context.Context, key string, ttl time.Duration) Check {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := m.now()

	rec, err := m.storage.GetIdempotencyRecord(ctx, key)
	if err != nil {
		m.logger.Warn("idempotency check unavailable, proceeding", "key", key, "error", err)
		return Check{CanProceed: true}
	}

	if rec != nil && !rec.Expired(now) {
		switch rec.Status {
		case core.IdempotencyCompleted:
			return Check{Exists: true, CanProceed: false, Status: rec.Status, Result: rec.Result}
		case core.IdempotencyPending:
			return Check{Exists: true, CanProceed: false, Status: rec.Status}
		case core.IdempotencyFailed:
			failedAt := rec.CreatedAt
			if rec.CompletedAt != nil {
				failedAt = *rec.CompletedAt
			}
			if now.Sub(failedAt) < FailureCooldown {
				return Check{Exists: true, CanProceed: false, Status: rec.Status, Error: rec.Error}
			}
			// Cool-down elapsed: supersede the failed record with a fresh
			// pending claim.
			if err := m.storage.DeleteIdempotencyRecord(ctx, key); err != nil {
				m.logger.Warn("failed to supersede failed idempotency record, proceeding", "key", key, "error", err)
				return Check{Exists: true, CanProceed: true, Status: rec.Status}
			}
		}
	} else if rec != nil {
		// Expired record: clear it so the key can be claimed again.
		if err := m.storage.DeleteIdempotencyRecord(ctx, key); err != nil {
			m.logger.Warn("failed to clear expired idempotency record, proceeding", "key", key, "error", err)
			return Check{CanProceed: true}
		}
	}

	claim := &core.IdempotencyRecord{
		Key:       key,
		Status:    core.IdempotencyPending,
		ExpiresAt: now.Add(ttl),
	}
	if err := m.storage.CreateIdempotencyRecord(ctx, claim); err != nil {
		if errors.Is(err, core.ErrDuplicateRun) {
			// Lost the race: another caller claimed the key first.
			return Check{Exists: true, CanProceed: false, Status: core.IdempotencyPending}
		}
		m.logger.Warn("idempotency claim unavailable, proceeding", "key", key, "error", err)
		return Check{CanProceed: true}
	}

	return Check{CanProceed: true}
}

// MarkCompleted transitions the key's pending record to completed with a
// memoized result.
func (m *Manager) MarkCompleted(ctx context.Context, key string, result []byte) error {
	return m.storage.CompleteIdempotencyRecord(ctx, key, result)
}

// MarkFailed transitions the key's pending record to failed. The key becomes
// claimable again after FailureCooldown.
func (m *Manager) MarkFailed(ctx context.Context, key string, opErr error) error {
	msg := ""
	if opErr != nil {
		msg = opErr.Error()
	}
	return m.storage.FailIdempotencyRecord(ctx, key, msg)
}
