package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/capstack/dealpipe/pkg/core"
	"github.com/capstack/dealpipe/pkg/storage"
)

func newTestStorage(t *testing.T) *storage.GormStorage {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	s := storage.NewGormStorage(db)
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

// fakeClock is a mutable time source shared between the breaker and the test.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// failingAuditStorage wraps a working store but refuses audit operations, to
// exercise the fail-open path.
type failingAuditStorage struct {
	core.Storage
}

func (s *failingAuditStorage) RecordCircuitCall(ctx context.Context, call *core.CircuitCall) error {
	return errors.New("audit store down")
}

func (s *failingAuditStorage) CountCircuitCalls(ctx context.Context, key string, window time.Duration) (int64, error) {
	return 0, errors.New("audit store down")
}

func noBudget() Config {
	cfg := DefaultConfig()
	cfg.CallBudget = 0
	return cfg
}

// ──────────────────────────────────────────────────────────────────────────────
// Basic execution
// ──────────────────────────────────────────────────────────────────────────────

func TestExecute_SuccessPassesResultThrough(t *testing.T) {
	ctx := context.Background()
	b := New(newTestStorage(t))

	out := Execute(ctx, b, "market:deal-1", noBudget(), func(ctx context.Context) (int, error) {
		return 42, nil
	})

	assert.True(t, out.Success)
	assert.Equal(t, 42, out.Result)
	assert.NoError(t, out.Err)

	st, ok := b.StateOf("market:deal-1")
	require.True(t, ok)
	assert.Equal(t, core.CircuitClosed, st.Status)
	assert.Equal(t, 1, st.SuccessCount)
	assert.Equal(t, 1, st.TotalCalls)
}

func TestExecute_FailurePropagatesError(t *testing.T) {
	ctx := context.Background()
	b := New(newTestStorage(t))

	opErr := errors.New("engine unavailable")
	out := Execute(ctx, b, "market:deal-1", noBudget(), func(ctx context.Context) (int, error) {
		return 0, opErr
	})

	assert.False(t, out.Success)
	assert.ErrorIs(t, out.Err, opErr)
	assert.True(t, out.ShouldRetry, "a single failure should still be retryable")
}

// ──────────────────────────────────────────────────────────────────────────────
// Trip and recovery
// ──────────────────────────────────────────────────────────────────────────────

func TestExecute_TripsAtFailureThreshold(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	b := New(newTestStorage(t), WithClock(clock.Now))

	cfg := noBudget()
	cfg.FailureThreshold = 5
	cfg.RecoveryTimeout = 5 * time.Minute

	for i := 0; i < 5; i++ {
		out := Execute(ctx, b, "op:D1", cfg, func(ctx context.Context) (any, error) {
			return nil, errors.New("boom")
		})
		assert.False(t, out.Success)
	}

	st, ok := b.StateOf("op:D1")
	require.True(t, ok)
	assert.Equal(t, core.CircuitOpen, st.Status)
	assert.Equal(t, 5, st.FailureCount)
	require.NotNil(t, st.NextRetryTime)
	assert.True(t, st.NextRetryTime.After(clock.Now()), "retry time must be in the future")
}

func TestExecute_OpenCircuitFailsFastWithoutInvoking(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	b := New(newTestStorage(t), WithClock(clock.Now))

	cfg := noBudget()
	cfg.FailureThreshold = 5
	cfg.RecoveryTimeout = 5 * time.Minute

	for i := 0; i < 5; i++ {
		Execute(ctx, b, "op:D1", cfg, func(ctx context.Context) (any, error) {
			return nil, errors.New("boom")
		})
	}

	// 6th call within 1 minute: rejected without invoking op.
	clock.Advance(time.Minute)
	invoked := false
	out := Execute(ctx, b, "op:D1", cfg, func(ctx context.Context) (any, error) {
		invoked = true
		return nil, nil
	})

	assert.False(t, invoked, "open circuit must not invoke the operation")
	assert.ErrorIs(t, out.Err, core.ErrCircuitOpen)
	assert.False(t, out.ShouldRetry)
}

func TestExecute_HalfOpenSuccessClosesCircuit(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	b := New(newTestStorage(t), WithClock(clock.Now))

	cfg := noBudget()
	cfg.FailureThreshold = 5
	cfg.RecoveryTimeout = 5 * time.Minute

	for i := 0; i < 5; i++ {
		Execute(ctx, b, "op:D1", cfg, func(ctx context.Context) (any, error) {
			return nil, errors.New("boom")
		})
	}

	// After the retry time the next call is allowed and, on success, closes
	// the circuit.
	clock.Advance(6 * time.Minute)
	out := Execute(ctx, b, "op:D1", cfg, func(ctx context.Context) (any, error) {
		return "ok", nil
	})

	assert.True(t, out.Success)
	st, _ := b.StateOf("op:D1")
	assert.Equal(t, core.CircuitClosed, st.Status)
	assert.Nil(t, st.NextRetryTime)
	assert.GreaterOrEqual(t, st.FailureCount, 0, "failure count never goes below zero")
}

func TestExecute_HalfOpenFailureReopens(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	b := New(newTestStorage(t), WithClock(clock.Now))

	cfg := noBudget()
	cfg.FailureThreshold = 3
	cfg.RecoveryTimeout = 5 * time.Minute

	for i := 0; i < 3; i++ {
		Execute(ctx, b, "op:D1", cfg, func(ctx context.Context) (any, error) {
			return nil, errors.New("boom")
		})
	}

	clock.Advance(6 * time.Minute)
	out := Execute(ctx, b, "op:D1", cfg, func(ctx context.Context) (any, error) {
		return nil, errors.New("still broken")
	})

	assert.False(t, out.Success)
	assert.False(t, out.ShouldRetry, "re-opened circuit tells the caller to stop")
	st, _ := b.StateOf("op:D1")
	assert.Equal(t, core.CircuitOpen, st.Status)
}

func TestExecute_SuccessDecrementsFailureCountFlooredAtZero(t *testing.T) {
	ctx := context.Background()
	b := New(newTestStorage(t))

	for i := 0; i < 3; i++ {
		out := Execute(ctx, b, "op:D1", noBudget(), func(ctx context.Context) (any, error) {
			return nil, nil
		})
		require.True(t, out.Success)
	}

	st, _ := b.StateOf("op:D1")
	assert.Equal(t, 0, st.FailureCount)
	assert.Equal(t, 3, st.SuccessCount)
}

func TestTripBackoff_StaircaseCapped(t *testing.T) {
	assert.Equal(t, time.Minute, tripBackoff(5, 5, time.Hour))
	assert.Equal(t, 5*time.Minute, tripBackoff(6, 5, time.Hour))
	assert.Equal(t, 15*time.Minute, tripBackoff(7, 5, time.Hour))
	assert.Equal(t, 60*time.Minute, tripBackoff(8, 5, time.Hour))
	assert.Equal(t, 60*time.Minute, tripBackoff(20, 5, time.Hour), "staircase is capped, not doubling")
	assert.Equal(t, 10*time.Minute, tripBackoff(8, 5, 10*time.Minute), "recovery timeout caps the wait")
}

// ──────────────────────────────────────────────────────────────────────────────
// Call budget
// ──────────────────────────────────────────────────────────────────────────────

func TestExecute_CallBudgetExceededFailsFastRetryable(t *testing.T) {
	ctx := context.Background()
	b := New(newTestStorage(t))

	cfg := DefaultConfig()
	cfg.CallBudget = 2
	cfg.BudgetWindow = time.Minute

	for i := 0; i < 2; i++ {
		out := Execute(ctx, b, "op:D1", cfg, func(ctx context.Context) (any, error) {
			return nil, nil
		})
		require.True(t, out.Success)
	}

	invoked := false
	out := Execute(ctx, b, "op:D1", cfg, func(ctx context.Context) (any, error) {
		invoked = true
		return nil, nil
	})

	assert.False(t, invoked)
	assert.ErrorIs(t, out.Err, core.ErrCallBudgetExceeded)
	assert.True(t, out.ShouldRetry, "budget exhaustion means back off, not abandon")
}

func TestExecute_AuditStoreDownFailsOpen(t *testing.T) {
	ctx := context.Background()
	base := newTestStorage(t)
	b := New(&failingAuditStorage{Storage: base})

	cfg := DefaultConfig()
	cfg.CallBudget = 1

	// The budget source is unavailable; execution must proceed anyway.
	out := Execute(ctx, b, "op:D1", cfg, func(ctx context.Context) (any, error) {
		return "ran", nil
	})
	assert.True(t, out.Success)
	assert.Equal(t, "ran", out.Result)
}

// ──────────────────────────────────────────────────────────────────────────────
// Reset and snapshots
// ──────────────────────────────────────────────────────────────────────────────

func TestReset_ClosesOpenCircuit(t *testing.T) {
	ctx := context.Background()
	b := New(newTestStorage(t))

	cfg := noBudget()
	cfg.FailureThreshold = 1
	Execute(ctx, b, "op:D1", cfg, func(ctx context.Context) (any, error) {
		return nil, errors.New("boom")
	})

	st, _ := b.StateOf("op:D1")
	require.Equal(t, core.CircuitOpen, st.Status)

	b.Reset("op:D1")
	st, _ = b.StateOf("op:D1")
	assert.Equal(t, core.CircuitClosed, st.Status)
	assert.Equal(t, 0, st.FailureCount)
}

func TestSnapshot_CopiesAllCircuits(t *testing.T) {
	ctx := context.Background()
	b := New(newTestStorage(t))

	Execute(ctx, b, "a", noBudget(), func(ctx context.Context) (any, error) { return nil, nil })
	Execute(ctx, b, "b", noBudget(), func(ctx context.Context) (any, error) { return nil, errors.New("x") })

	snap := b.Snapshot()
	assert.Len(t, snap, 2)
	assert.Equal(t, core.CircuitClosed, snap["a"].Status)
	assert.Equal(t, 1, snap["b"].FailureCount)
}

func TestStateOf_UnknownKey(t *testing.T) {
	b := New(newTestStorage(t))
	_, ok := b.StateOf("nope")
	assert.False(t, ok)
}
