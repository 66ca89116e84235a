package orchestrator

import (
	"context"
	"time"

	"github.com/capstack/dealpipe/pkg/breaker"
)

// CompletionCheck reports whether an entity's analysis is already complete.
// When it returns done=true the orchestrator skips real work and returns the
// marker value. The persisted completion state it consults is business-entity
// schema, so the check is caller-supplied.
type CompletionCheck func(ctx context.Context) (done bool, marker any, err error)

// CallConfig holds per-call configuration for ExecuteAnalysis.
type CallConfig struct {
	// UseIdempotency controls whether the idempotency gate runs.
	// Default: true
	UseIdempotency bool

	// IdempotencyTTL is the lifetime of the idempotency claim.
	// Default: 60 minutes
	IdempotencyTTL time.Duration

	// LockTTL is the crash-safety expiry on the execution lock.
	// Default: 2 hours
	LockTTL time.Duration

	// Breaker is the circuit configuration for the wrapped operation.
	Breaker breaker.Config

	// Completion is the optional already-complete gate.
	Completion CompletionCheck
}

// DefaultCallConfig returns the default per-call configuration.
func DefaultCallConfig() CallConfig {
	return CallConfig{
		UseIdempotency: true,
		IdempotencyTTL: 60 * time.Minute,
		LockTTL:        2 * time.Hour,
		Breaker:        breaker.DefaultConfig(),
	}
}

// CallOption modifies a CallConfig.
type CallOption func(*CallConfig)

// WithoutIdempotency disables the idempotency gate for this call.
func WithoutIdempotency() CallOption {
	return func(c *CallConfig) { c.UseIdempotency = false }
}

// WithIdempotencyTTL sets the idempotency claim lifetime.
func WithIdempotencyTTL(d time.Duration) CallOption {
	return func(c *CallConfig) { c.IdempotencyTTL = d }
}

// WithLockTTL sets the execution lock's crash-safety expiry.
func WithLockTTL(d time.Duration) CallOption {
	return func(c *CallConfig) { c.LockTTL = d }
}

// WithBreakerConfig sets the circuit configuration for the wrapped operation.
func WithBreakerConfig(cfg breaker.Config) CallOption {
	return func(c *CallConfig) { c.Breaker = cfg }
}

// WithCompletionCheck sets the already-complete gate.
func WithCompletionCheck(check CompletionCheck) CallOption {
	return func(c *CallConfig) { c.Completion = check }
}
