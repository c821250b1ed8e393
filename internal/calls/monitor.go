package calls

import (
	"context"
	"log/slog"
	"time"
)

// Terminator issues the outbound hang-up command to the telephony provider.
// Implementations must treat an already-ended call ("not found") as success.
type Terminator interface {
	TerminateCall(ctx context.Context, callSID string) error
}

const ErrCodeInactivityTimeout = "inactivity-timeout"

// MonitorConfig controls the stalled-call sweep.
type MonitorConfig struct {
	// Interval between sweeps.
	Interval time.Duration
	// InactivityThreshold is how long a non-terminal call may go without an
	// activity signal before it is force-terminated.
	InactivityThreshold time.Duration
	// TerminalRetention bounds how long terminal calls stay in memory.
	TerminalRetention time.Duration
}

func (c MonitorConfig) withDefaults() MonitorConfig {
	out := c
	if out.Interval <= 0 {
		out.Interval = 5 * time.Second
	}
	if out.InactivityThreshold <= 0 {
		out.InactivityThreshold = 60 * time.Second
	}
	if out.TerminalRetention <= 0 {
		out.TerminalRetention = 5 * time.Minute
	}
	return out
}

// Monitor sweeps the registry on a fixed interval and force-terminates calls
// that stopped producing activity signals while still non-terminal. The
// synthetic termination goes through the same Upsert funnel as provider
// callbacks, so fan-out and write-through behave identically.
type Monitor struct {
	registry   *Registry
	terminator Terminator
	cfg        MonitorConfig
	clock      func() time.Time
	log        *slog.Logger
}

func NewMonitor(registry *Registry, terminator Terminator, cfg MonitorConfig, log *slog.Logger) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{
		registry:   registry,
		terminator: terminator,
		cfg:        cfg.withDefaults(),
		clock:      time.Now,
		log:        log,
	}
}

// SetClock overrides the time source for deterministic tests.
func (m *Monitor) SetClock(clock func() time.Time) { m.clock = clock }

// Run loops until ctx is canceled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick runs one sweep and reports how many calls were reaped. Idempotent:
// a call already driven terminal by a previous tick (or by a racing webhook)
// is excluded by the non-terminal filter, and the registry's terminal
// invariant guards the upsert regardless.
func (m *Monitor) Tick(ctx context.Context) int {
	now := m.clock().UTC()
	reaped := 0

	for _, c := range m.registry.ListActive(nil) {
		idle := now.Sub(c.LastActivityAt)
		if idle <= m.cfg.InactivityThreshold {
			continue
		}

		m.log.Warn("terminating inactive call",
			"call_sid", c.SID, "status", string(c.Status), "idle", idle.String())

		// Provider command first, outside any registry lock. Failure does
		// not stop the local transition: the registry must not diverge from
		// reality indefinitely just because the hang-up command failed.
		if m.terminator != nil {
			if err := m.terminator.TerminateCall(ctx, c.SID); err != nil {
				m.log.Error("provider terminate failed", "call_sid", c.SID, "err", err)
			}
		}

		failed := StatusFailed
		end := now
		if _, err := m.registry.Upsert(c.SID, Patch{
			Status:       &failed,
			EndedAt:      &end,
			ErrorCode:    String(ErrCodeInactivityTimeout),
			ErrorMessage: String("no activity for " + idle.Truncate(time.Second).String()),
		}); err != nil {
			m.log.Error("inactivity upsert failed", "call_sid", c.SID, "err", err)
			continue
		}
		reaped++
	}

	if n := m.registry.EvictTerminal(m.cfg.TerminalRetention); n > 0 {
		m.log.Debug("evicted terminal calls", "count", n)
	}
	return reaped
}
