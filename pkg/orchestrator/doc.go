// Package orchestrator composes the resilience components into a fixed-order
// gate pipeline for a single analysis operation tied to a business entity.
//
// Gate order: kill switches, completion check, distributed lock, entity rate
// limit, idempotency, then circuit-breaker-wrapped execution. Each gate can
// short-circuit the remainder; gate rejections surface as skips, never as
// failures. The execution lock is released on every exit path.
//
// Most users should import the root package github.com/capstack/dealpipe
// which re-exports the orchestrator types.
package orchestrator
