// Package waterfall monitors the convergence of independent enrichment
// engines for one entity.
//
// The monitor never invokes engines; it only probes their result stores on a
// fixed interval and decides when downstream aggregation may proceed: when
// every engine finished, when too many failed, or when the timeout elapsed —
// timeout is a deliberate "good enough" escape hatch, not a failure, so one
// slow engine never blocks the pipeline indefinitely.
package waterfall
