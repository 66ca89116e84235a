// Package killswitch provides global and per-engine boolean gates checked
// before expensive work begins.
//
// Reads are served from a short-lived in-process cache to bound store load on
// the hot path; cache entries are re-validated against their stored expiry so
// an expired-but-cached switch still reports inactive. Read failures fail
// open — a kill switch must never become a denial-of-service vector against
// itself.
package killswitch
