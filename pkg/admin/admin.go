// Package admin provides the operator surface: kill switch control,
// emergency shutdown, circuit resets, and aggregate system health.
package admin

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/capstack/dealpipe/pkg/breaker"
	"github.com/capstack/dealpipe/pkg/core"
	"github.com/capstack/dealpipe/pkg/killswitch"
)

// HealthLevel is the aggregate system condition.
type HealthLevel string

const (
	Healthy  HealthLevel = "healthy"
	Degraded HealthLevel = "degraded"
	Critical HealthLevel = "critical"
)

// Health describes the system's current condition with the findings that
// produced it.
type Health struct {
	Level          HealthLevel
	ActiveSwitches []string
	OpenCircuits   []string
	CheckedAt      time.Time
}

// Service exposes administrative operations over the resilience components.
type Service struct {
	storage  core.Storage
	switches *killswitch.Manager
	breaker  *breaker.Breaker
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock overrides the time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates a Service over the given components.
func New(storage core.Storage, switches *killswitch.Manager, brk *breaker.Breaker, opts ...Option) *Service {
	s := &Service{
		storage:  storage,
		switches: switches,
		breaker:  brk,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ActivateSwitch turns a named kill switch on.
func (s *Service) ActivateSwitch(ctx context.Context, name, reason, by string, ttl time.Duration) error {
	s.logger.Info("kill switch activated", "name", name, "by", by, "reason", reason)
	return s.switches.Activate(ctx, name, reason, by, ttl)
}

// DeactivateSwitch turns a named kill switch off.
func (s *Service) DeactivateSwitch(ctx context.Context, name, by string) error {
	s.logger.Info("kill switch deactivated", "name", name, "by", by)
	return s.switches.Deactivate(ctx, name, by)
}

// EmergencyShutdown activates the full switch set, time-boxed. Partial
// success is reported, not treated as an error.
func (s *Service) EmergencyShutdown(ctx context.Context, reason, by string) *killswitch.ShutdownReport {
	s.logger.Error("emergency shutdown triggered", "by", by, "reason", reason)
	return s.switches.EmergencyShutdown(ctx, reason, by)
}

// ResetBreaker manually closes the circuit for an operation key.
func (s *Service) ResetBreaker(key string) {
	s.logger.Info("circuit breaker reset", "key", key)
	s.breaker.Reset(key)
}

// Health derives the aggregate condition: any active kill switch means at
// least degraded, the global switch means critical, any open circuit means
// degraded.
func (s *Service) Health(ctx context.Context) (*Health, error) {
	now := s.now()
	h := &Health{Level: Healthy, CheckedAt: now}

	switches, err := s.storage.ListKillSwitches(ctx)
	if err != nil {
		return nil, fmt.Errorf("dealpipe: failed to list kill switches: %w", err)
	}
	for _, sw := range switches {
		if !sw.ActiveAt(now) {
			continue
		}
		h.ActiveSwitches = append(h.ActiveSwitches, sw.Name)
		if sw.Name == core.GlobalAnalysisSwitch {
			h.Level = Critical
		} else if h.Level == Healthy {
			h.Level = Degraded
		}
	}

	for key, st := range s.breaker.Snapshot() {
		if st.Status == core.CircuitOpen {
			h.OpenCircuits = append(h.OpenCircuits, key)
			if h.Level == Healthy {
				h.Level = Degraded
			}
		}
	}

	return h, nil
}
