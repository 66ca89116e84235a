package killswitch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/capstack/dealpipe/pkg/core"
)

// CacheTTL bounds how stale a cached switch read may be.
const CacheTTL = 30 * time.Second

// EmergencyExpiry time-boxes an emergency shutdown so it cannot be forgotten
// and left on indefinitely.
const EmergencyExpiry = 24 * time.Hour

// cacheEntry holds a fetched switch plus when the cache line itself goes
// stale. The switch's own ExpiresAt is re-checked on every read.
type cacheEntry struct {
	sw        *core.KillSwitch // nil means the switch row does not exist
	fetchedAt time.Time
}

// Manager reads and writes named kill switches through the shared store.
type Manager struct {
	storage core.Storage
	logger  *slog.Logger
	now     func() time.Time
	engines []string

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger used for advisory failures.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithEngines overrides the engine set covered by EmergencyShutdown.
func WithEngines(engines []string) Option {
	return func(m *Manager) { m.engines = engines }
}

// WithClock overrides the time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// New creates a Manager over the given storage.
func New(storage core.Storage, opts ...Option) *Manager {
	m := &Manager{
		storage: storage,
		logger:  slog.Default(),
		now:     time.Now,
		engines: core.DefaultEngines,
		cache:   make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// IsActive reports whether the named switch currently blocks work. Cached
// reads are re-validated against "now" so an expired switch reports inactive
// even while cached. Store errors fail open (inactive).
func (m *Manager) IsActive(ctx context.Context, name string) bool {
	now := m.now()

	m.mu.Lock()
	entry, ok := m.cache[name]
	m.mu.Unlock()

	if ok && now.Sub(entry.fetchedAt) < CacheTTL {
		return entry.sw != nil && entry.sw.ActiveAt(now)
	}

	sw, err := m.storage.GetKillSwitch(ctx, name)
	if err != nil {
		m.logger.Warn("kill switch read failed, treating as inactive", "name", name, "error", err)
		return false
	}

	m.mu.Lock()
	m.cache[name] = cacheEntry{sw: sw, fetchedAt: now}
	m.mu.Unlock()

	return sw != nil && sw.ActiveAt(now)
}

// Activate turns a switch on. A ttl of 0 leaves the switch on until
// explicitly deactivated.
func (m *Manager) Activate(ctx context.Context, name, reason, by string, ttl time.Duration) error {
	now := m.now()
	sw := &core.KillSwitch{
		Name:        name,
		IsActive:    true,
		Reason:      reason,
		ActivatedBy: by,
		ActivatedAt: &now,
	}
	if ttl > 0 {
		expires := now.Add(ttl)
		sw.ExpiresAt = &expires
	}
	if err := m.storage.SaveKillSwitch(ctx, sw); err != nil {
		return fmt.Errorf("dealpipe: failed to activate kill switch %q: %w", name, err)
	}
	m.invalidate(name)
	return nil
}

// Deactivate turns a switch off.
func (m *Manager) Deactivate(ctx context.Context, name, by string) error {
	sw, err := m.storage.GetKillSwitch(ctx, name)
	if err != nil {
		return fmt.Errorf("dealpipe: failed to read kill switch %q: %w", name, err)
	}
	if sw == nil {
		return core.ErrUnknownSwitch
	}
	sw.IsActive = false
	sw.ActivatedBy = by
	sw.ExpiresAt = nil
	if err := m.storage.SaveKillSwitch(ctx, sw); err != nil {
		return fmt.Errorf("dealpipe: failed to deactivate kill switch %q: %w", name, err)
	}
	m.invalidate(name)
	return nil
}

// ShutdownReport lists the outcome of an emergency shutdown. Failed holds
// per-switch errors; an emergency stop reports partial success rather than
// aborting on the first failure.
type ShutdownReport struct {
	Activated []string
	Failed    map[string]error
}

// Complete reports whether every switch was activated.
func (r *ShutdownReport) Complete() bool {
	return len(r.Failed) == 0
}

// EmergencyShutdown activates the global switch, every engine switch, and
// the queue processor switch, each time-boxed to EmergencyExpiry.
func (m *Manager) EmergencyShutdown(ctx context.Context, reason, by string) *ShutdownReport {
	names := []string{core.GlobalAnalysisSwitch, core.QueueProcessorSwitch}
	for _, engine := range m.engines {
		names = append(names, core.EngineSwitch(engine))
	}

	report := &ShutdownReport{Failed: make(map[string]error)}
	for _, name := range names {
		if err := m.Activate(ctx, name, reason, by, EmergencyExpiry); err != nil {
			m.logger.Error("emergency shutdown: switch activation failed", "name", name, "error", err)
			report.Failed[name] = err
			continue
		}
		report.Activated = append(report.Activated, name)
	}
	return report
}

func (m *Manager) invalidate(name string) {
	m.mu.Lock()
	delete(m.cache, name)
	m.mu.Unlock()
}
