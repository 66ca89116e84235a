// Package idempotency suppresses duplicate operation invocations using
// caller-supplied keys with a pending/completed/failed lifecycle and TTL
// expiry.
//
// The guard is best-effort: any storage error on the check path fails open
// so the idempotency store can never become a hard dependency for forward
// progress.
package idempotency
