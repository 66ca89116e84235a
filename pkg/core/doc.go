// Package core provides the fundamental types and interfaces for the dealpipe module.
//
// This package contains:
//   - Coordination row models with GORM annotations (locks, kill switches,
//     idempotency records, rate limits, circuit audit rows, engine tracking)
//   - Status enums with explicit transition rules
//   - Storage interface defining the persistence contract
//   - Error values shared across the resilience components
//
// Most users should import the root package github.com/capstack/dealpipe
// instead of this package directly.
package core
