package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/capstack/dealpipe/pkg/breaker"
	"github.com/capstack/dealpipe/pkg/core"
	"github.com/capstack/dealpipe/pkg/idempotency"
	"github.com/capstack/dealpipe/pkg/killswitch"
)

// Entity-level pacing. These are coarser than the per-operation breaker: the
// entity circuit opens after three consecutive failed runs regardless of
// which operation failed.
const (
	MinAnalysisInterval    = time.Hour
	EntityCircuitCooldown  = 30 * time.Minute
	EntityFailureThreshold = 3
)

// SkipReason identifies which gate rejected a run.
type SkipReason string

const (
	SkipGlobalSwitch      SkipReason = "global_kill_switch"
	SkipEngineSwitch      SkipReason = "engine_kill_switch"
	SkipAlreadyComplete   SkipReason = "already_complete"
	SkipLockHeld          SkipReason = "lock_held"
	SkipEntityCircuitOpen SkipReason = "entity_circuit_open"
	SkipRateLimited       SkipReason = "rate_limited"
	SkipDuplicate         SkipReason = "duplicate"
)

// Result is the outcome of an orchestrated operation. Skipped results are
// gate rejections, not failures, and are never retried by the orchestrator.
type Result struct {
	Success    bool
	Skipped    bool
	SkipReason SkipReason
	Value      any
	Err        error
}

// Orchestrator sequences the resilience gates for analysis operations.
type Orchestrator struct {
	storage  core.Storage
	switches *killswitch.Manager
	breaker  *breaker.Breaker
	idem     *idempotency.Manager
	logger   *slog.Logger
	now      func() time.Time

	// ownerID identifies this process as a lock holder.
	ownerID string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger used for gate decisions and advisory failures.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithOwnerID overrides the lock-holder identity. Defaults to a random UUID
// per Orchestrator.
func WithOwnerID(id string) Option {
	return func(o *Orchestrator) { o.ownerID = id }
}

// WithClock overrides the time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an Orchestrator over the given components.
func New(storage core.Storage, switches *killswitch.Manager, brk *breaker.Breaker, idem *idempotency.Manager, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		storage:  storage,
		switches: switches,
		breaker:  brk,
		idem:     idem,
		logger:   slog.Default(),
		now:      time.Now,
		ownerID:  uuid.New().String(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// OwnerID returns the identity this orchestrator locks under.
func (o *Orchestrator) OwnerID() string {
	return o.ownerID
}

// ExecuteAnalysis runs op for one entity through the full gate pipeline.
// name is the operation (typically the engine) being run; actorID identifies
// who triggered it, for idempotency scoping.
func (o *Orchestrator) ExecuteAnalysis(ctx context.Context, name, entityID, actorID string, op func(context.Context) (any, error), opts ...CallOption) Result {
	if err := core.ValidateName(name); err != nil {
		return Result{Err: err}
	}
	if err := core.ValidateName(entityID); err != nil {
		return Result{Err: err}
	}

	cfg := DefaultCallConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	// Gate 1-2: kill switches. Cheapest checks first; nothing is locked yet.
	if o.switches.IsActive(ctx, core.GlobalAnalysisSwitch) {
		o.logger.Info("analysis skipped: global kill switch active", "entity", entityID, "operation", name)
		return Result{Skipped: true, SkipReason: SkipGlobalSwitch}
	}
	if o.switches.IsActive(ctx, core.EngineSwitch(name)) {
		o.logger.Info("analysis skipped: engine kill switch active", "entity", entityID, "operation", name)
		return Result{Skipped: true, SkipReason: SkipEngineSwitch}
	}

	// Gate 3: persisted completion state. Distinct from idempotency — this is
	// keyed on what has already been produced, not on who asked.
	if cfg.Completion != nil {
		done, marker, err := cfg.Completion(ctx)
		if err != nil {
			o.logger.Warn("completion check failed, proceeding", "entity", entityID, "error", err)
		} else if done {
			return Result{Success: true, Skipped: true, SkipReason: SkipAlreadyComplete, Value: marker}
		}
	}

	// Gate 4: distributed lock. A conflict means another run is in flight;
	// losers skip, they never queue. The TTL is a crash-safety valve — a dead
	// holder only poisons the entity until it lapses.
	lock := &core.ExecutionLock{
		EntityID:  entityID,
		LockType:  core.LockTypeAnalysis,
		LockedBy:  o.ownerID,
		Metadata:  name,
		ExpiresAt: o.now().Add(cfg.LockTTL),
	}
	if err := o.storage.AcquireLock(ctx, lock); err != nil {
		if errors.Is(err, core.ErrLockHeld) {
			o.logger.Info("analysis skipped: lock held", "entity", entityID, "operation", name)
			return Result{Skipped: true, SkipReason: SkipLockHeld}
		}
		// The lock is the one gate that is correctness, not advisory:
		// running without it could violate at-most-one execution.
		return Result{Err: fmt.Errorf("dealpipe: lock acquisition failed: %w", err)}
	}

	// Release must run on every exit path, including panics from op or any
	// bookkeeping step. A failed release is logged, never propagated: the
	// lock self-heals via its TTL.
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := o.storage.ReleaseLock(releaseCtx, entityID, core.LockTypeAnalysis, o.ownerID); err != nil {
			o.logger.Error("failed to release execution lock", "entity", entityID, "error", err)
		}
	}()

	// Gate 5: entity-level rate limit.
	if res, blocked := o.checkRateLimit(ctx, entityID, name); blocked {
		return res
	}

	// Gate 6: idempotency.
	var idemKey string
	if cfg.UseIdempotency {
		idemKey = idempotency.KeyFor(entityID, name, actorID, o.now())
		chk := o.idem.CheckKey(ctx, idemKey, cfg.IdempotencyTTL)
		if !chk.CanProceed {
			return duplicateResult(chk)
		}
	}

	// Step 7: the real work, under circuit protection.
	opKey := fmt.Sprintf("%s:%s", name, entityID)
	outcome := breaker.Execute(ctx, o.breaker, opKey, cfg.Breaker, op)

	// Steps 8-9 are bookkeeping: best-effort writes that must never mask the
	// operation's own outcome. A breaker rejection never invoked the
	// operation, so it is not an analysis attempt: no pacing stamp, no
	// consecutive-failure count, no engine status.
	if !rejectedOutcome(outcome.Err) {
		o.recordOutcome(ctx, name, entityID, outcome.Success)
	}
	if cfg.UseIdempotency {
		o.settleIdempotency(ctx, idemKey, outcome)
	}

	return Result{Success: outcome.Success, Value: outcome.Result, Err: outcome.Err}
}

// ExecuteSimple runs op under kill-switch and circuit protection only, with
// no locking, idempotency, or rate limiting. For operations not tied to a
// single business entity.
func (o *Orchestrator) ExecuteSimple(ctx context.Context, name string, op func(context.Context) (any, error), opts ...CallOption) Result {
	if err := core.ValidateName(name); err != nil {
		return Result{Err: err}
	}

	cfg := DefaultCallConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	if o.switches.IsActive(ctx, core.GlobalAnalysisSwitch) {
		return Result{Skipped: true, SkipReason: SkipGlobalSwitch}
	}
	if o.switches.IsActive(ctx, core.EngineSwitch(name)) {
		return Result{Skipped: true, SkipReason: SkipEngineSwitch}
	}

	outcome := breaker.Execute(ctx, o.breaker, name, cfg.Breaker, op)
	return Result{Success: outcome.Success, Value: outcome.Result, Err: outcome.Err}
}

// rejectedOutcome reports whether the breaker fast-failed the call without
// invoking the operation.
func rejectedOutcome(err error) bool {
	return errors.Is(err, core.ErrCircuitOpen) || errors.Is(err, core.ErrCallBudgetExceeded)
}

// checkRateLimit evaluates the entity-level pacing rules. Read failures are
// advisory and fail open.
func (o *Orchestrator) checkRateLimit(ctx context.Context, entityID, name string) (Result, bool) {
	rec, err := o.storage.GetRateLimit(ctx, entityID)
	if err != nil {
		o.logger.Warn("rate limit read failed, proceeding", "entity", entityID, "error", err)
		return Result{}, false
	}
	if rec == nil {
		return Result{}, false
	}

	now := o.now()
	if rec.IsCircuitOpen && rec.CircuitOpenedAt != nil && now.Sub(*rec.CircuitOpenedAt) < EntityCircuitCooldown {
		o.logger.Info("analysis skipped: entity circuit open", "entity", entityID, "operation", name)
		return Result{Skipped: true, SkipReason: SkipEntityCircuitOpen}, true
	}
	if rec.LastAnalysisAt != nil && now.Sub(*rec.LastAnalysisAt) < MinAnalysisInterval {
		o.logger.Info("analysis skipped: ran recently", "entity", entityID, "operation", name, "last_run", *rec.LastAnalysisAt)
		return Result{Skipped: true, SkipReason: SkipRateLimited}, true
	}
	return Result{}, false
}

// recordOutcome updates the entity rate-limit row and, when the operation is
// a tracked engine, the waterfall tracking row. Both writes are advisory.
func (o *Orchestrator) recordOutcome(ctx context.Context, name, entityID string, success bool) {
	now := o.now()

	rec, err := o.storage.GetRateLimit(ctx, entityID)
	if err != nil {
		o.logger.Warn("rate limit read failed, outcome not recorded", "entity", entityID, "error", err)
		rec = nil
	}
	if rec == nil {
		rec = &core.RateLimitRecord{EntityID: entityID}
	}

	rec.LastAnalysisAt = &now
	if success {
		rec.ConsecutiveFailures = 0
		rec.IsCircuitOpen = false
		rec.CircuitOpenedAt = nil
	} else {
		rec.ConsecutiveFailures++
		if rec.ConsecutiveFailures >= EntityFailureThreshold && !rec.IsCircuitOpen {
			rec.IsCircuitOpen = true
			rec.CircuitOpenedAt = &now
		}
	}
	if err := o.storage.SaveRateLimit(ctx, rec); err != nil {
		o.logger.Warn("failed to save rate limit", "entity", entityID, "error", err)
	}

	o.recordEngineStatus(ctx, name, entityID, success)
}

// recordEngineStatus marks this operation's engine in the waterfall tracking
// row, if one exists and tracks it.
func (o *Orchestrator) recordEngineStatus(ctx context.Context, name, entityID string, success bool) {
	tracking, err := o.storage.GetEngineTracking(ctx, entityID)
	if err != nil {
		o.logger.Warn("engine tracking read failed", "entity", entityID, "error", err)
		return
	}
	if tracking == nil || tracking.OverallStatus.Terminal() {
		return
	}

	statuses, err := tracking.EngineStatuses()
	if err != nil {
		o.logger.Warn("engine tracking decode failed", "entity", entityID, "error", err)
		return
	}
	if _, tracked := statuses[name]; !tracked {
		return
	}

	if success {
		statuses[name] = core.EngineComplete
	} else {
		statuses[name] = core.EngineError
	}
	if err := tracking.SetEngineStatuses(statuses); err != nil {
		o.logger.Warn("engine tracking encode failed", "entity", entityID, "error", err)
		return
	}
	if err := o.storage.SaveEngineTracking(ctx, tracking); err != nil {
		o.logger.Warn("failed to save engine tracking", "entity", entityID, "error", err)
	}
}

// settleIdempotency records the operation outcome against the claim made in
// gate 6. Advisory: a failed write is logged and swallowed.
func (o *Orchestrator) settleIdempotency(ctx context.Context, key string, outcome breaker.Outcome[any]) {
	if outcome.Success {
		payload, err := json.Marshal(outcome.Result)
		if err != nil {
			o.logger.Warn("failed to encode idempotency result", "key", key, "error", err)
			payload = nil
		}
		if err := o.idem.MarkCompleted(ctx, key, payload); err != nil {
			o.logger.Warn("failed to mark idempotency record completed", "key", key, "error", err)
		}
		return
	}
	if err := o.idem.MarkFailed(ctx, key, outcome.Err); err != nil {
		o.logger.Warn("failed to mark idempotency record failed", "key", key, "error", err)
	}
}

// duplicateResult translates an idempotency rejection into a Result.
func duplicateResult(chk idempotency.Check) Result {
	res := Result{Skipped: true, SkipReason: SkipDuplicate}
	switch chk.Status {
	case core.IdempotencyCompleted:
		res.Success = true
		if len(chk.Result) > 0 {
			var value any
			if err := json.Unmarshal(chk.Result, &value); err == nil {
				res.Value = value
			}
		}
	case core.IdempotencyFailed:
		res.Err = errors.New(chk.Error)
	}
	return res
}
