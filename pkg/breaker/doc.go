// Package breaker provides a per-operation circuit breaker.
//
// Circuit state lives in process memory; call-attempt audit rows are
// persisted through the shared store so other processes and operators can
// observe them. The audit log is advisory: if the store is unreachable the
// breaker fails open rather than blocking execution.
//
// Most users should import the root package github.com/capstack/dealpipe
// which re-exports the breaker types.
package breaker
