// Package dealpipe provides the resilience and orchestration layer for an
// asynchronous, multi-stage deal-analysis pipeline.
//
// This is the main package users should import. It re-exports the public
// types from the internal pkg/ packages for a clean API surface.
//
// Basic usage:
//
//	// Open the shared coordination store
//	store, _ := dealpipe.Open("coordination.db")
//	store.Migrate(context.Background())
//
//	// Wire the resilience components
//	switches := dealpipe.NewKillSwitchManager(store)
//	brk := dealpipe.NewBreaker(store)
//	idem := dealpipe.NewIdempotencyManager(store)
//	orch := dealpipe.NewOrchestrator(store, switches, brk, idem)
//
//	// Run an analysis operation for one deal
//	res := orch.ExecuteAnalysis(ctx, "market", dealID, userID, analyzeMarket)
//	if res.Skipped {
//	    log.Printf("skipped: %s", res.SkipReason)
//	}
package dealpipe

import (
	"time"

	"gorm.io/gorm"

	"github.com/capstack/dealpipe/pkg/admin"
	"github.com/capstack/dealpipe/pkg/breaker"
	"github.com/capstack/dealpipe/pkg/core"
	"github.com/capstack/dealpipe/pkg/idempotency"
	"github.com/capstack/dealpipe/pkg/killswitch"
	"github.com/capstack/dealpipe/pkg/maintenance"
	"github.com/capstack/dealpipe/pkg/orchestrator"
	"github.com/capstack/dealpipe/pkg/storage"
	"github.com/capstack/dealpipe/pkg/waterfall"
)

// Type aliases for the public API
type (
	// Storage defines the persistence layer for coordination state.
	Storage = core.Storage

	// GormStorage implements Storage using GORM.
	GormStorage = storage.GormStorage

	// CircuitCall is an audit row for a circuit-protected call attempt.
	CircuitCall = core.CircuitCall

	// IdempotencyRecord deduplicates operation invocations by key.
	IdempotencyRecord = core.IdempotencyRecord

	// KillSwitch is a named boolean gate over a class of work.
	KillSwitch = core.KillSwitch

	// ExecutionLock is a uniqueness-constrained row acting as a distributed
	// mutex for one entity's protected operation.
	ExecutionLock = core.ExecutionLock

	// RateLimitRecord holds per-entity pacing counters.
	RateLimitRecord = core.RateLimitRecord

	// EngineTracking records waterfall convergence for one entity.
	EngineTracking = core.EngineTracking

	// EngineResult is an enrichment engine's output row for an entity.
	EngineResult = core.EngineResult

	// Breaker tracks per-operation circuit state.
	Breaker = breaker.Breaker

	// BreakerConfig holds circuit breaker tuning.
	BreakerConfig = breaker.Config

	// IdempotencyManager deduplicates operation invocations.
	IdempotencyManager = idempotency.Manager

	// IdempotencyCheck is the outcome of an idempotency key lookup.
	IdempotencyCheck = idempotency.Check

	// KillSwitchManager reads and writes named kill switches.
	KillSwitchManager = killswitch.Manager

	// ShutdownReport lists the outcome of an emergency shutdown.
	ShutdownReport = killswitch.ShutdownReport

	// Orchestrator sequences the resilience gates for analysis operations.
	Orchestrator = orchestrator.Orchestrator

	// Result is the outcome of an orchestrated operation.
	Result = orchestrator.Result

	// SkipReason identifies which gate rejected a run.
	SkipReason = orchestrator.SkipReason

	// CallOption modifies per-call orchestration configuration.
	CallOption = orchestrator.CallOption

	// CompletionCheck is the caller-supplied already-complete gate.
	CompletionCheck = orchestrator.CompletionCheck

	// Monitor polls engine result stores until a waterfall converges.
	Monitor = waterfall.Monitor

	// Probe reports one engine's terminal status for an entity.
	Probe = waterfall.Probe

	// WaterfallSummary is the monitor's terminal report.
	WaterfallSummary = waterfall.Summary

	// AdminService exposes operator surfaces.
	AdminService = admin.Service

	// Health describes the system's aggregate condition.
	Health = admin.Health

	// Sweeper runs the periodic cleanup passes.
	Sweeper = maintenance.Sweeper

	// SweepReport holds row counts from one maintenance pass.
	SweepReport = maintenance.SweepReport
)

// Circuit status constants
const (
	CircuitClosed   = core.CircuitClosed
	CircuitOpen     = core.CircuitOpen
	CircuitHalfOpen = core.CircuitHalfOpen
)

// Idempotency status constants
const (
	IdempotencyPending   = core.IdempotencyPending
	IdempotencyCompleted = core.IdempotencyCompleted
	IdempotencyFailed    = core.IdempotencyFailed
)

// Waterfall status constants
const (
	EnginePending  = core.EnginePending
	EngineComplete = core.EngineComplete
	EngineError    = core.EngineError

	OverallMonitoring = core.OverallMonitoring
	OverallCompleted  = core.OverallCompleted
	OverallFailed     = core.OverallFailed
	OverallTimeout    = core.OverallTimeout
)

// Skip reason constants
const (
	SkipGlobalSwitch      = orchestrator.SkipGlobalSwitch
	SkipEngineSwitch      = orchestrator.SkipEngineSwitch
	SkipAlreadyComplete   = orchestrator.SkipAlreadyComplete
	SkipLockHeld          = orchestrator.SkipLockHeld
	SkipEntityCircuitOpen = orchestrator.SkipEntityCircuitOpen
	SkipRateLimited       = orchestrator.SkipRateLimited
	SkipDuplicate         = orchestrator.SkipDuplicate
)

// Health level constants
const (
	Healthy  = admin.Healthy
	Degraded = admin.Degraded
	Critical = admin.Critical
)

// Kill switch names
const (
	GlobalAnalysisSwitch = core.GlobalAnalysisSwitch
	QueueProcessorSwitch = core.QueueProcessorSwitch
)

// Error variables
var (
	ErrLockHeld           = core.ErrLockHeld
	ErrDuplicateRun       = core.ErrDuplicateRun
	ErrCircuitOpen        = core.ErrCircuitOpen
	ErrCallBudgetExceeded = core.ErrCallBudgetExceeded
	ErrInvalidName        = core.ErrInvalidName
	ErrUnknownSwitch      = core.ErrUnknownSwitch
)

// DefaultEngines enumerates the fan-out enrichment engines.
var DefaultEngines = core.DefaultEngines

// EngineSwitch returns the kill switch name for an engine.
func EngineSwitch(engine string) string {
	return core.EngineSwitch(engine)
}

// Open connects to the coordination store, selecting the driver from the DSN.
func Open(dsn string, opts ...storage.PoolOption) (*GormStorage, error) {
	return storage.Open(dsn, opts...)
}

// NewGormStorage creates a new GORM-backed storage.
func NewGormStorage(db *gorm.DB) *GormStorage {
	return storage.NewGormStorage(db)
}

// NewBreaker creates a circuit breaker over the given storage.
func NewBreaker(s Storage, opts ...breaker.Option) *Breaker {
	return breaker.New(s, opts...)
}

// DefaultBreakerConfig returns the default circuit configuration.
func DefaultBreakerConfig() BreakerConfig {
	return breaker.DefaultConfig()
}

// NewIdempotencyManager creates an idempotency manager over the given storage.
func NewIdempotencyManager(s Storage, opts ...idempotency.Option) *IdempotencyManager {
	return idempotency.New(s, opts...)
}

// IdempotencyKeyFor derives the key for (entity, operation, actor, day).
func IdempotencyKeyFor(entityID, operation, actorID string, t time.Time) string {
	return idempotency.KeyFor(entityID, operation, actorID, t)
}

// NewKillSwitchManager creates a kill switch manager over the given storage.
func NewKillSwitchManager(s Storage, opts ...killswitch.Option) *KillSwitchManager {
	return killswitch.New(s, opts...)
}

// NewOrchestrator creates an orchestrator over the given components.
func NewOrchestrator(s Storage, switches *KillSwitchManager, brk *Breaker, idem *IdempotencyManager, opts ...orchestrator.Option) *Orchestrator {
	return orchestrator.New(s, switches, brk, idem, opts...)
}

// NewMonitor creates a waterfall completion monitor.
func NewMonitor(s Storage, opts ...waterfall.Option) *Monitor {
	return waterfall.New(s, opts...)
}

// NewAdminService creates the operator surface.
func NewAdminService(s Storage, switches *KillSwitchManager, brk *Breaker, opts ...admin.Option) *AdminService {
	return admin.New(s, switches, brk, opts...)
}

// NewSweeper creates the periodic cleanup sweeper.
func NewSweeper(s Storage, opts ...maintenance.Option) *Sweeper {
	return maintenance.New(s, opts...)
}

// Call option functions

// WithoutIdempotency disables the idempotency gate for a call.
func WithoutIdempotency() CallOption {
	return orchestrator.WithoutIdempotency()
}

// WithBreakerConfig sets the circuit configuration for a call.
func WithBreakerConfig(cfg BreakerConfig) CallOption {
	return orchestrator.WithBreakerConfig(cfg)
}

// WithCompletionCheck sets the already-complete gate for a call.
func WithCompletionCheck(check CompletionCheck) CallOption {
	return orchestrator.WithCompletionCheck(check)
}

// WithIdempotencyTTL sets the idempotency claim lifetime for a call.
func WithIdempotencyTTL(d time.Duration) CallOption {
	return orchestrator.WithIdempotencyTTL(d)
}

// WithLockTTL sets the execution lock's crash-safety expiry for a call.
func WithLockTTL(d time.Duration) CallOption {
	return orchestrator.WithLockTTL(d)
}
