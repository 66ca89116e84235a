package waterfall

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/capstack/dealpipe/pkg/core"
)

// Probe reports one engine's terminal status for an entity. Implementations
// read the engine's own result store; they never trigger work.
type Probe interface {
	Status(ctx context.Context, entityID string) (core.EngineStatus, error)
}

// ProbeFunc adapts a function to the Probe interface.
type ProbeFunc func(ctx context.Context, entityID string) (core.EngineStatus, error)

// Status calls f.
func (f ProbeFunc) Status(ctx context.Context, entityID string) (core.EngineStatus, error) {
	return f(ctx, entityID)
}

// StorageProbe reads an engine's rows from the shared store's engine result
// table. The default probe for embedded deployments.
func StorageProbe(storage core.Storage, engine string) Probe {
	return ProbeFunc(func(ctx context.Context, entityID string) (core.EngineStatus, error) {
		res, err := storage.GetEngineResult(ctx, engine, entityID)
		if err != nil {
			return core.EnginePending, err
		}
		if res == nil {
			return core.EnginePending, nil
		}
		return res.Status, nil
	})
}

// Config holds monitor tuning.
type Config struct {
	// Engines maps engine name to its probe.
	Engines map[string]Probe

	// Timeout bounds how long an entity is monitored before proceeding with
	// partial data. Default: 5 minutes
	Timeout time.Duration

	// PollInterval is the delay between probe rounds. Default: 60 seconds
	PollInterval time.Duration

	// FailureThreshold is the fraction of tracked engines whose failure
	// marks the waterfall failed. Default: 0.5
	FailureThreshold float64
}

// Monitor polls engine result stores until an entity's waterfall converges.
type Monitor struct {
	storage core.Storage
	config  Config
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// WithTimeout overrides the monitoring deadline for new tracking rows.
func WithTimeout(d time.Duration) Option {
	return func(m *Monitor) { m.config.Timeout = d }
}

// WithPollInterval overrides the delay between probe rounds.
func WithPollInterval(d time.Duration) Option {
	return func(m *Monitor) { m.config.PollInterval = d }
}

// WithFailureThreshold overrides the failed-engine fraction that marks the
// waterfall failed. Whether this should vary by fund type or engine
// criticality is a caller policy; 0.5 preserves the historical behavior.
func WithFailureThreshold(fraction float64) Option {
	return func(m *Monitor) { m.config.FailureThreshold = fraction }
}

// WithEngines replaces the probed engine set.
func WithEngines(engines map[string]Probe) Option {
	return func(m *Monitor) { m.config.Engines = engines }
}

// WithClock overrides the time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// New creates a Monitor. Without WithEngines it probes core.DefaultEngines
// through the shared store's engine result table.
func New(storage core.Storage, opts ...Option) *Monitor {
	m := &Monitor{
		storage: storage,
		config: Config{
			Timeout:          5 * time.Minute,
			PollInterval:     60 * time.Second,
			FailureThreshold: 0.5,
		},
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.config.Engines == nil {
		engines := make(map[string]Probe, len(core.DefaultEngines))
		for _, name := range core.DefaultEngines {
			engines[name] = StorageProbe(storage, name)
		}
		m.config.Engines = engines
	}
	return m
}

// Summary is the monitor's terminal report for an entity.
type Summary struct {
	EntityID       string
	Status         core.OverallStatus
	CompletedCount int
	FailedCount    int
	TotalCount     int
	CompletedAt    time.Time
	EngineStatuses map[string]core.EngineStatus
}

// Watch monitors an entity until its waterfall converges, fails, or times
// out. It blocks between probe rounds and always terminates: by terminal
// status, by the tracking row's deadline, or by ctx cancellation.
func (m *Monitor) Watch(ctx context.Context, entityID string) (*Summary, error) {
	tracking, err := m.ensureTracking(ctx, entityID)
	if err != nil {
		return nil, err
	}
	if tracking.OverallStatus.Terminal() {
		return m.summarize(tracking), nil
	}

	// First round runs immediately; completion already present in the store
	// should be detected without waiting out a tick.
	ticker := time.NewTicker(m.config.PollInterval)
	defer ticker.Stop()

	for {
		tracking, err = m.pollOnce(ctx, tracking)
		if err != nil {
			return nil, err
		}
		if tracking.OverallStatus.Terminal() {
			return m.summarize(tracking), nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ensureTracking loads or creates the tracking row for an entity. A creation
// race is benign: the loser reloads the winner's row.
func (m *Monitor) ensureTracking(ctx context.Context, entityID string) (*core.EngineTracking, error) {
	tracking, err := m.storage.GetEngineTracking(ctx, entityID)
	if err != nil {
		return nil, fmt.Errorf("dealpipe: failed to load engine tracking: %w", err)
	}
	if tracking != nil {
		return tracking, nil
	}

	statuses := make(map[string]core.EngineStatus, len(m.config.Engines))
	for name := range m.config.Engines {
		statuses[name] = core.EnginePending
	}

	tracking = &core.EngineTracking{
		EntityID:      entityID,
		TotalCount:    len(m.config.Engines),
		OverallStatus: core.OverallMonitoring,
		TimeoutAt:     m.now().Add(m.config.Timeout),
	}
	if err := tracking.SetEngineStatuses(statuses); err != nil {
		return nil, err
	}

	if err := m.storage.CreateEngineTracking(ctx, tracking); err != nil {
		if errors.Is(err, core.ErrDuplicateRun) {
			return m.storage.GetEngineTracking(ctx, entityID)
		}
		return nil, fmt.Errorf("dealpipe: failed to create engine tracking: %w", err)
	}
	return tracking, nil
}

// pollOnce probes every engine, persists progress, and evaluates the
// terminal rules. Probes are independent: one engine's error never aborts
// the others — it leaves that engine pending for the round.
func (m *Monitor) pollOnce(ctx context.Context, tracking *core.EngineTracking) (*core.EngineTracking, error) {
	statuses, err := tracking.EngineStatuses()
	if err != nil {
		return nil, err
	}

	for name, probe := range m.config.Engines {
		if statuses[name] == core.EngineComplete || statuses[name] == core.EngineError {
			continue
		}
		status, probeErr := probe.Status(ctx, tracking.EntityID)
		if probeErr != nil {
			m.logger.Warn("engine probe failed", "entity", tracking.EntityID, "engine", name, "error", probeErr)
			continue
		}
		statuses[name] = status
	}

	if err := tracking.SetEngineStatuses(statuses); err != nil {
		return nil, err
	}

	// Round up: "half of 5" means 3 failed engines, not 2.
	now := m.now()
	failLimit := int(math.Ceil(float64(tracking.TotalCount) * m.config.FailureThreshold))
	if failLimit < 1 {
		failLimit = 1
	}

	switch {
	case tracking.CompletedCount >= tracking.TotalCount:
		tracking.OverallStatus = core.OverallCompleted
		tracking.CompletedAtTime = &now
	case tracking.FailedCount >= failLimit:
		tracking.OverallStatus = core.OverallFailed
		tracking.CompletedAtTime = &now
		m.logger.Error("waterfall failed", "entity", tracking.EntityID,
			"failed", tracking.FailedCount, "total", tracking.TotalCount)
	case now.After(tracking.TimeoutAt):
		// Not a failure: proceed with whatever partial data exists.
		tracking.OverallStatus = core.OverallTimeout
		tracking.CompletedAtTime = &now
		m.logger.Warn("waterfall timed out, proceeding with partial data", "entity", tracking.EntityID,
			"completed", tracking.CompletedCount, "total", tracking.TotalCount)
	}

	if err := m.storage.SaveEngineTracking(ctx, tracking); err != nil {
		return nil, fmt.Errorf("dealpipe: failed to save engine tracking: %w", err)
	}
	return tracking, nil
}

func (m *Monitor) summarize(tracking *core.EngineTracking) *Summary {
	statuses, err := tracking.EngineStatuses()
	if err != nil {
		m.logger.Warn("engine tracking decode failed", "entity", tracking.EntityID, "error", err)
		statuses = nil
	}
	s := &Summary{
		EntityID:       tracking.EntityID,
		Status:         tracking.OverallStatus,
		CompletedCount: tracking.CompletedCount,
		FailedCount:    tracking.FailedCount,
		TotalCount:     tracking.TotalCount,
		EngineStatuses: statuses,
	}
	if tracking.CompletedAtTime != nil {
		s.CompletedAt = *tracking.CompletedAtTime
	}
	return s
}
