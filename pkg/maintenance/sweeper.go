// Package maintenance provides the periodic cleanup surface: expired
// idempotency records, stale circuit audit rows, expired kill switches, and
// expired execution locks.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/capstack/dealpipe/pkg/core"
)

// AuditRetention is how long circuit audit rows are kept.
const AuditRetention = 24 * time.Hour

// DefaultSchedule is the sweep cadence when none is configured.
const DefaultSchedule = "@every 1h"

// SweepReport holds row counts from one maintenance pass.
type SweepReport struct {
	ExpiredIdempotencyRecords int64
	PrunedCircuitCalls        int64
	ExpiredKillSwitches       int64
	ExpiredLocks              int64
}

// Sweeper runs the cleanup passes against the shared store.
type Sweeper struct {
	storage  core.Storage
	logger   *slog.Logger
	schedule string
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sweeper) { s.logger = l }
}

// WithSchedule sets the cron spec for Start. Accepts standard five-field
// cron expressions and @every descriptors.
func WithSchedule(spec string) Option {
	return func(s *Sweeper) { s.schedule = spec }
}

// New creates a Sweeper over the given storage.
func New(storage core.Storage, opts ...Option) *Sweeper {
	s := &Sweeper{
		storage:  storage,
		logger:   slog.Default(),
		schedule: DefaultSchedule,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sweep runs every cleanup pass once. Passes are independent: one failing
// pass does not stop the others, and the error returned is the first one
// encountered.
func (s *Sweeper) Sweep(ctx context.Context) (*SweepReport, error) {
	report := &SweepReport{}
	var firstErr error

	n, err := s.storage.DeleteExpiredIdempotencyRecords(ctx)
	if err != nil {
		s.logger.Error("failed to expire idempotency records", "error", err)
		firstErr = err
	}
	report.ExpiredIdempotencyRecords = n

	n, err = s.storage.PruneCircuitCalls(ctx, AuditRetention)
	if err != nil {
		s.logger.Error("failed to prune circuit audit rows", "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}
	report.PrunedCircuitCalls = n

	n, err = s.storage.DeactivateExpiredKillSwitches(ctx)
	if err != nil {
		s.logger.Error("failed to deactivate expired kill switches", "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}
	report.ExpiredKillSwitches = n

	n, err = s.storage.DeleteExpiredLocks(ctx)
	if err != nil {
		s.logger.Error("failed to clear expired locks", "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}
	report.ExpiredLocks = n

	s.logger.Info("maintenance sweep finished",
		"idempotency_expired", report.ExpiredIdempotencyRecords,
		"audit_pruned", report.PrunedCircuitCalls,
		"switches_expired", report.ExpiredKillSwitches,
		"locks_expired", report.ExpiredLocks)

	return report, firstErr
}

// Start schedules Sweep on the configured cadence and blocks until ctx is
// cancelled.
func (s *Sweeper) Start(ctx context.Context) error {
	c := cron.New()
	_, err := c.AddFunc(s.schedule, func() {
		if _, err := s.Sweep(ctx); err != nil {
			s.logger.Error("maintenance sweep incomplete", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("dealpipe: invalid sweep schedule %q: %w", s.schedule, err)
	}

	c.Start()
	<-ctx.Done()

	stopCtx := c.Stop()
	<-stopCtx.Done()
	return ctx.Err()
}
