package idempotency

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

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
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

// brokenStorage refuses every idempotency read to exercise fail-open.
type brokenStorage struct {
	core.Storage
}

func (s *brokenStorage) GetIdempotencyRecord(ctx context.Context, key string) (*core.IdempotencyRecord, error) {
	return nil, errors.New("store down")
}

// ──────────────────────────────────────────────────────────────────────────────
// Key derivation
// ──────────────────────────────────────────────────────────────────────────────

func TestKeyFor_DayGranularity(t *testing.T) {
	morning := time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)
	evening := time.Date(2025, 6, 2, 22, 30, 0, 0, time.UTC)
	nextDay := time.Date(2025, 6, 3, 8, 0, 0, 0, time.UTC)

	assert.Equal(t, KeyFor("deal-1", "analyze", "user-9", morning),
		KeyFor("deal-1", "analyze", "user-9", evening),
		"same actor and day collapse to one key")
	assert.NotEqual(t, KeyFor("deal-1", "analyze", "user-9", morning),
		KeyFor("deal-1", "analyze", "user-9", nextDay),
		"a new day opens a fresh window")
	assert.NotEqual(t, KeyFor("deal-1", "analyze", "user-9", morning),
		KeyFor("deal-1", "analyze", "user-8", morning),
		"different actors get different keys")
}

func TestKeyFor_NormalizesToUTC(t *testing.T) {
	loc := time.FixedZone("late", -10*60*60)
	// 20:00 -10:00 is 06:00 UTC the next day.
	local := time.Date(2025, 6, 2, 20, 0, 0, 0, loc)
	utc := time.Date(2025, 6, 3, 6, 0, 0, 0, time.UTC)
	assert.Equal(t, KeyFor("d", "op", "a", utc), KeyFor("d", "op", "a", local))
}

// ──────────────────────────────────────────────────────────────────────────────
// Claim lifecycle
// ──────────────────────────────────────────────────────────────────────────────

func TestCheckKey_FirstCallerProceeds(t *testing.T) {
	ctx := context.Background()
	m := New(newTestStorage(t))

	chk := m.CheckKey(ctx, "analyze:deal-1:u1:2025-06-02", 0)
	assert.True(t, chk.CanProceed)
	assert.False(t, chk.Exists)
}

func TestCheckKey_SecondCallerBlockedWhilePending(t *testing.T) {
	ctx := context.Background()
	m := New(newTestStorage(t))

	key := "analyze:deal-1:u1:2025-06-02"
	require.True(t, m.CheckKey(ctx, key, 0).CanProceed)

	chk := m.CheckKey(ctx, key, 0)
	assert.False(t, chk.CanProceed)
	assert.True(t, chk.Exists)
	assert.Equal(t, core.IdempotencyPending, chk.Status)
}

func TestCheckKey_CompletedRecordReturnsMemoizedResult(t *testing.T) {
	ctx := context.Background()
	m := New(newTestStorage(t))

	key := "analyze:deal-1:u1:2025-06-02"
	require.True(t, m.CheckKey(ctx, key, 0).CanProceed)
	require.NoError(t, m.MarkCompleted(ctx, key, []byte(`{"score":87}`)))

	chk := m.CheckKey(ctx, key, 0)
	assert.False(t, chk.CanProceed)
	assert.Equal(t, core.IdempotencyCompleted, chk.Status)
	assert.Equal(t, []byte(`{"score":87}`), chk.Result)
}

func TestCheckKey_FailedRecordBlocksDuringCooldown(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Now()}
	m := New(newTestStorage(t), WithClock(clock.Now))

	key := "analyze:deal-1:u1:2025-06-02"
	require.True(t, m.CheckKey(ctx, key, 0).CanProceed)
	require.NoError(t, m.MarkFailed(ctx, key, errors.New("engine timeout")))

	clock.Advance(time.Minute)
	chk := m.CheckKey(ctx, key, 0)
	assert.False(t, chk.CanProceed)
	assert.Equal(t, core.IdempotencyFailed, chk.Status)
	assert.Equal(t, "engine timeout", chk.Error)
}

func TestCheckKey_FailedRecordSupersededAfterCooldown(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Now()}
	m := New(newTestStorage(t), WithClock(clock.Now))

	key := "analyze:deal-1:u1:2025-06-02"
	require.True(t, m.CheckKey(ctx, key, 0).CanProceed)
	require.NoError(t, m.MarkFailed(ctx, key, errors.New("engine timeout")))

	clock.Advance(FailureCooldown + time.Minute)
	chk := m.CheckKey(ctx, key, 0)
	assert.True(t, chk.CanProceed, "cooled-down failure yields to a retry")

	// The retry holds a fresh pending claim.
	blocked := m.CheckKey(ctx, key, 0)
	assert.False(t, blocked.CanProceed)
	assert.Equal(t, core.IdempotencyPending, blocked.Status)
}

func TestCheckKey_ExpiredRecordReplaced(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Now()}
	m := New(newTestStorage(t), WithClock(clock.Now))

	key := "analyze:deal-1:u1:2025-06-02"
	require.True(t, m.CheckKey(ctx, key, 10*time.Minute).CanProceed)

	clock.Advance(11 * time.Minute)
	chk := m.CheckKey(ctx, key, 10*time.Minute)
	assert.True(t, chk.CanProceed, "an expired claim no longer blocks")
}

func TestCheckKey_StorageErrorFailsOpen(t *testing.T) {
	ctx := context.Background()
	m := New(&brokenStorage{Storage: newTestStorage(t)})

	chk := m.CheckKey(ctx, "analyze:deal-1:u1:2025-06-02", 0)
	assert.True(t, chk.CanProceed, "a store outage must not deny all service")
	assert.False(t, chk.Exists)
}

// ──────────────────────────────────────────────────────────────────────────────
// Settlement
// ──────────────────────────────────────────────────────────────────────────────

func TestMarkCompleted_RequiresPendingRecord(t *testing.T) {
	ctx := context.Background()
	m := New(newTestStorage(t))

	err := m.MarkCompleted(ctx, "never-claimed", nil)
	assert.ErrorIs(t, err, core.ErrRecordNotPending)
}

func TestMarkCompleted_TransitionsOnce(t *testing.T) {
	ctx := context.Background()
	m := New(newTestStorage(t))

	key := "analyze:deal-1:u1:2025-06-02"
	require.True(t, m.CheckKey(ctx, key, 0).CanProceed)
	require.NoError(t, m.MarkCompleted(ctx, key, []byte("first")))

	err := m.MarkCompleted(ctx, key, []byte("second"))
	assert.ErrorIs(t, err, core.ErrRecordNotPending)

	chk := m.CheckKey(ctx, key, 0)
	assert.Equal(t, []byte("first"), chk.Result, "first settlement wins")
}

func TestMarkFailed_NilErrorStoresEmptyMessage(t *testing.T) {
	ctx := context.Background()
	m := New(newTestStorage(t))

	key := "analyze:deal-1:u1:2025-06-02"
	require.True(t, m.CheckKey(ctx, key, 0).CanProceed)
	require.NoError(t, m.MarkFailed(ctx, key, nil))

	chk := m.CheckKey(ctx, key, 0)
	assert.Equal(t, core.IdempotencyFailed, chk.Status)
	assert.Empty(t, chk.Error)
}
