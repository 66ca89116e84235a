package admin

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/capstack/dealpipe/pkg/breaker"
	"github.com/capstack/dealpipe/pkg/core"
	"github.com/capstack/dealpipe/pkg/killswitch"
	"github.com/capstack/dealpipe/pkg/storage"
)

func newTestService(t *testing.T) (*Service, *storage.GormStorage, *breaker.Breaker) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	store := storage.NewGormStorage(db)
	require.NoError(t, store.Migrate(context.Background()))

	switches := killswitch.New(store)
	brk := breaker.New(store)
	return New(store, switches, brk), store, brk
}

func tripCircuit(ctx context.Context, brk *breaker.Breaker, key string) {
	cfg := breaker.DefaultConfig()
	cfg.FailureThreshold = 1
	cfg.CallBudget = 0
	breaker.Execute(ctx, brk, key, cfg, func(ctx context.Context) (any, error) {
		return nil, errors.New("boom")
	})
}

func TestHealth_CleanSystemHealthy(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	h, err := svc.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, Healthy, h.Level)
	assert.Empty(t, h.ActiveSwitches)
	assert.Empty(t, h.OpenCircuits)
	assert.False(t, h.CheckedAt.IsZero())
}

func TestHealth_EngineSwitchDegrades(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	require.NoError(t, svc.ActivateSwitch(ctx, core.EngineSwitch("market"), "bad upstream", "ops", 0))

	h, err := svc.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, Degraded, h.Level)
	assert.Equal(t, []string{core.EngineSwitch("market")}, h.ActiveSwitches)
}

func TestHealth_GlobalSwitchCritical(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	require.NoError(t, svc.ActivateSwitch(ctx, core.EngineSwitch("market"), "bad upstream", "ops", 0))
	require.NoError(t, svc.ActivateSwitch(ctx, core.GlobalAnalysisSwitch, "incident", "ops", 0))

	h, err := svc.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, Critical, h.Level, "the global switch outranks degraded findings")
	assert.Len(t, h.ActiveSwitches, 2)
}

func TestHealth_DeactivatedSwitchNotCounted(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	require.NoError(t, svc.ActivateSwitch(ctx, core.EngineSwitch("market"), "bad upstream", "ops", 0))
	require.NoError(t, svc.DeactivateSwitch(ctx, core.EngineSwitch("market"), "ops"))

	h, err := svc.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, Healthy, h.Level)
	assert.Empty(t, h.ActiveSwitches)
}

func TestHealth_ExpiredSwitchNotCounted(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t)

	past := time.Now().Add(-time.Hour)
	expiry := time.Now().Add(-time.Minute)
	require.NoError(t, store.SaveKillSwitch(ctx, &core.KillSwitch{
		Name:        core.EngineSwitch("market"),
		IsActive:    true,
		ActivatedAt: &past,
		ExpiresAt:   &expiry,
	}))

	h, err := svc.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, Healthy, h.Level)
}

func TestHealth_OpenCircuitDegrades(t *testing.T) {
	ctx := context.Background()
	svc, _, brk := newTestService(t)
	tripCircuit(ctx, brk, "market:deal-1")

	h, err := svc.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, Degraded, h.Level)
	assert.Equal(t, []string{"market:deal-1"}, h.OpenCircuits)
}

func TestHealth_OpenCircuitDoesNotDowngradeCritical(t *testing.T) {
	ctx := context.Background()
	svc, _, brk := newTestService(t)
	require.NoError(t, svc.ActivateSwitch(ctx, core.GlobalAnalysisSwitch, "incident", "ops", 0))
	tripCircuit(ctx, brk, "market:deal-1")

	h, err := svc.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, Critical, h.Level)
	assert.Len(t, h.OpenCircuits, 1)
}

func TestResetBreaker_ClearsOpenCircuit(t *testing.T) {
	ctx := context.Background()
	svc, _, brk := newTestService(t)
	tripCircuit(ctx, brk, "market:deal-1")

	svc.ResetBreaker("market:deal-1")

	h, err := svc.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, Healthy, h.Level)
	assert.Empty(t, h.OpenCircuits)
}

func TestEmergencyShutdown_DrivesHealthCritical(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	report := svc.EmergencyShutdown(ctx, "data corruption", "oncall")
	require.True(t, report.Complete())

	h, err := svc.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, Critical, h.Level)
	assert.Len(t, h.ActiveSwitches, 2+len(core.DefaultEngines))
}
