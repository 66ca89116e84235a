package breaker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/capstack/dealpipe/pkg/core"
)

// Config holds circuit breaker tuning for one operation key.
type Config struct {
	// FailureThreshold is the consecutive-failure count that opens the circuit.
	// Default: 5
	FailureThreshold int

	// RecoveryTimeout caps how long an open circuit waits before allowing a
	// half-open probe. Default: 60 minutes
	RecoveryTimeout time.Duration

	// CallBudget is the maximum number of calls allowed per BudgetWindow.
	// 0 disables the budget check. Default: 10
	CallBudget int

	// BudgetWindow is the sliding window for the call budget.
	// Default: 1 minute
	BudgetWindow time.Duration
}

// DefaultConfig returns the default breaker configuration.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Minute,
		CallBudget:       10,
		BudgetWindow:     time.Minute,
	}
}

// backoffSteps is the trip staircase: repeat offenders wait longer, but the
// wait never grows unbounded the way naive doubling would.
var backoffSteps = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	60 * time.Minute,
}

// tripBackoff returns the open-circuit wait for a given failure count.
func tripBackoff(failureCount, threshold int, limit time.Duration) time.Duration {
	idx := failureCount - threshold
	if idx < 0 {
		idx = 0
	}
	if idx >= len(backoffSteps) {
		idx = len(backoffSteps) - 1
	}
	d := backoffSteps[idx]
	if limit > 0 && d > limit {
		d = limit
	}
	return d
}

// State is a snapshot of one operation key's circuit.
type State struct {
	Status          core.CircuitStatus
	FailureCount    int
	SuccessCount    int
	TotalCalls      int
	LastFailureTime *time.Time
	LastSuccessTime *time.Time
	NextRetryTime   *time.Time
}

// Outcome is the result of a breaker-protected call.
type Outcome[T any] struct {
	Success bool
	Result  T
	Err     error

	// ShouldRetry distinguishes "back off and try again later" (budget
	// exceeded, transient failure) from "stop calling" (circuit open).
	ShouldRetry bool
}

// Breaker tracks circuit state per operation key. State is per-process and
// best-effort; the persisted audit log is what other processes observe.
type Breaker struct {
	storage core.Storage
	logger  *slog.Logger
	now     func() time.Time

	mu     sync.Mutex
	states map[string]*State
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithLogger sets the logger used for advisory failures.
func WithLogger(l *slog.Logger) Option {
	return func(b *Breaker) { b.logger = l }
}

// WithClock overrides the time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// New creates a Breaker over the given storage.
func New(storage core.Storage, opts ...Option) *Breaker {
	b := &Breaker{
		storage: storage,
		logger:  slog.Default(),
		now:     time.Now,
		states:  make(map[string]*State),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Execute runs op under circuit protection for the given key.
//
// An open circuit whose retry time has not elapsed fails fast without
// invoking op. An elapsed open circuit moves to half-open and proceeds. The
// sliding-window call budget is consulted before invocation; exceeding it
// fails fast with ShouldRetry=true. Success closes a half-open circuit;
// failure at the configured threshold opens the circuit with a staircase
// backoff.
func Execute[T any](ctx context.Context, b *Breaker, key string, cfg Config, op func(context.Context) (T, error)) Outcome[T] {
	var zero T
	now := b.now()

	b.mu.Lock()
	st, ok := b.states[key]
	if !ok {
		st = &State{Status: core.CircuitClosed}
		b.states[key] = st
	}

	if st.Status == core.CircuitOpen {
		if st.NextRetryTime != nil && now.Before(*st.NextRetryTime) {
			b.mu.Unlock()
			b.audit(ctx, key, false, true, core.ErrCircuitOpen.Error())
			return Outcome[T]{Result: zero, Err: core.ErrCircuitOpen, ShouldRetry: false}
		}
		// Retry time elapsed: the only legal exit from open is half-open.
		st.Status = core.CircuitHalfOpen
	}
	b.mu.Unlock()

	if cfg.CallBudget > 0 {
		count, err := b.storage.CountCircuitCalls(ctx, key, cfg.BudgetWindow)
		if err != nil {
			// Budget is advisory. A store outage must not block execution.
			b.logger.Warn("circuit call count unavailable, proceeding", "key", key, "error", err)
			count = 0
		}
		if count >= int64(cfg.CallBudget) {
			b.audit(ctx, key, false, true, core.ErrCallBudgetExceeded.Error())
			return Outcome[T]{Result: zero, Err: core.ErrCallBudgetExceeded, ShouldRetry: true}
		}
	}

	result, opErr := op(ctx)

	b.mu.Lock()
	st.TotalCalls++
	if opErr == nil {
		t := b.now()
		st.SuccessCount++
		st.LastSuccessTime = &t
		if st.FailureCount > 0 {
			st.FailureCount--
		}
		if st.Status == core.CircuitHalfOpen {
			st.Status = core.CircuitClosed
			st.NextRetryTime = nil
		}
		b.mu.Unlock()

		b.audit(ctx, key, true, false, "")
		return Outcome[T]{Success: true, Result: result}
	}

	t := b.now()
	st.FailureCount++
	st.LastFailureTime = &t
	shouldRetry := true
	if st.FailureCount >= cfg.FailureThreshold || st.Status == core.CircuitHalfOpen {
		retryAt := t.Add(tripBackoff(st.FailureCount, cfg.FailureThreshold, cfg.RecoveryTimeout))
		st.Status = core.CircuitOpen
		st.NextRetryTime = &retryAt
		shouldRetry = false
	}
	b.mu.Unlock()

	b.audit(ctx, key, false, false, opErr.Error())
	return Outcome[T]{Result: zero, Err: opErr, ShouldRetry: shouldRetry}
}

// audit appends a call-attempt row; failures are logged and swallowed.
func (b *Breaker) audit(ctx context.Context, key string, success, rejected bool, errMsg string) {
	call := &core.CircuitCall{
		OperationKey: key,
		Success:      success,
		Rejected:     rejected,
		Error:        errMsg,
		CalledAt:     b.now(),
	}
	if err := b.storage.RecordCircuitCall(ctx, call); err != nil {
		b.logger.Warn("failed to record circuit call", "key", key, "error", err)
	}
}

// Reset manually closes the circuit for a key and clears its counters.
func (b *Breaker) Reset(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.states[key] = &State{Status: core.CircuitClosed}
}

// StateOf returns a copy of the circuit state for a key. The second return
// is false if the key has never been called.
func (b *Breaker) StateOf(key string) (State, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.states[key]
	if !ok {
		return State{}, false
	}
	return *st, true
}

// Snapshot returns a copy of every tracked circuit, keyed by operation.
func (b *Breaker) Snapshot() map[string]State {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]State, len(b.states))
	for k, st := range b.states {
		out[k] = *st
	}
	return out
}
