// Package usage tracks daily token and cost consumption per time-of-day
// mode and exposes the active mode's threshold bundle.
package usage

import (
	"log/slog"
	"sync"
	"time"

	"github.com/basket/nightshift/internal/bus"
	"github.com/basket/nightshift/internal/config"
)

// Mode names a period of the day with its own capacity threshold and
// per-task resource limits.
type Mode string

const (
	ModeDay      Mode = "day"
	ModeNight    Mode = "night"
	ModeOffHours Mode = "off-hours"
)

// Thresholds is the resolved limit bundle for one mode.
type Thresholds struct {
	MaxTokensPerTask   int
	MaxCostPerTask     float64
	MaxConcurrentTasks int
	DailyCostBudget    float64
	CapacityThreshold  float64
}

// Totals accumulates consumption for one mode within the current
// calendar day.
type Totals struct {
	Tokens         int64
	Cost           float64
	TasksStarted   int
	TasksCompleted int
}

// Manager classifies the current moment into a mode and tracks running
// daily totals. All methods are synchronous and perform no I/O, so they are
// safe to call from the runner's poll tick.
type Manager struct {
	cfgMu sync.RWMutex
	cfg   config.TimeBasedUsageConfig

	bus    *bus.Bus
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	epochDay string
	lastMode Mode
	totals   map[Mode]*Totals
}

// New creates a Manager. The clock is injectable for tests; nil uses
// time.Now.
func New(cfg config.TimeBasedUsageConfig, b *bus.Bus, logger *slog.Logger, now func() time.Time) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	m := &Manager{
		cfg:    cfg,
		bus:    b,
		logger: logger,
		now:    now,
		totals: make(map[Mode]*Totals),
	}
	t := now()
	m.epochDay = dayKey(t)
	m.lastMode = m.Classify(t)
	return m
}

// SetConfig swaps in a reloaded time-based usage configuration. Threshold
// and mode-hour changes take effect on the next query; accumulated daily
// totals are kept.
func (m *Manager) SetConfig(cfg config.TimeBasedUsageConfig) {
	m.cfgMu.Lock()
	m.cfg = cfg
	m.cfgMu.Unlock()
	m.logger.Info("usage configuration reloaded", "enabled", cfg.Enabled)
}

func (m *Manager) config() config.TimeBasedUsageConfig {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.cfg
}

// Classify returns the mode for the given instant. It is pure: no counters
// move and no notifications fire. Disabled time-based usage always
// classifies as off-hours.
func (m *Manager) Classify(t time.Time) Mode {
	cfg := m.config()
	if !cfg.Enabled {
		return ModeOffHours
	}
	hour := t.Hour()
	for _, h := range cfg.DayModeHours {
		if h == hour {
			return ModeDay
		}
	}
	for _, h := range cfg.NightModeHours {
		if h == hour {
			return ModeNight
		}
	}
	return ModeOffHours
}

// Mode returns the current mode, detecting mode transitions lazily. A
// transition fires one mode-changed notification, regardless of how many
// queries observe it.
func (m *Manager) Mode() Mode {
	t := m.now()

	m.mu.Lock()
	m.rolloverLocked(t)
	mode := m.Classify(t)
	prev := m.lastMode
	changed := mode != prev
	if changed {
		m.lastMode = mode
	}
	m.mu.Unlock()

	if changed {
		m.logger.Info("time-of-day mode changed", "previous", string(prev), "current", string(mode))
		if m.bus != nil {
			m.bus.Publish(bus.TopicModeChanged, bus.ModeChangedEvent{
				Previous: string(prev),
				Current:  string(mode),
			})
		}
	}
	return mode
}

// Thresholds returns the active mode's threshold bundle.
func (m *Manager) Thresholds() Thresholds {
	return m.ThresholdsFor(m.Mode())
}

// ThresholdsFor returns the threshold bundle for the given mode. When
// time-based usage is disabled the fallback bundle applies for every mode.
func (m *Manager) ThresholdsFor(mode Mode) Thresholds {
	cfg := m.config()
	if !cfg.Enabled {
		return m.bundle(cfg.FallbackThresholds, cfg.OffHoursCapacityThreshold)
	}
	switch mode {
	case ModeDay:
		return m.bundle(cfg.DayModeThresholds, cfg.DayModeCapacityThreshold)
	case ModeNight:
		return m.bundle(cfg.NightModeThresholds, cfg.NightModeCapacityThreshold)
	default:
		return m.bundle(cfg.FallbackThresholds, cfg.OffHoursCapacityThreshold)
	}
}

func (m *Manager) bundle(t config.ModeThresholds, capacity float64) Thresholds {
	return Thresholds{
		MaxTokensPerTask:   t.MaxTokensPerTask,
		MaxCostPerTask:     t.MaxCostPerTask,
		MaxConcurrentTasks: t.MaxConcurrentTasks,
		DailyCostBudget:    t.DailyCostBudget,
		CapacityThreshold:  capacity,
	}
}

// TrackTaskStart records an admission's estimated consumption against the
// current mode. Values are recorded as-is; callers validate estimates.
func (m *Manager) TrackTaskStart(tokens int64, cost float64) {
	t := m.now()
	mode := m.Mode()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.rolloverLocked(t)
	tot := m.totalsLocked(mode)
	tot.Tokens += tokens
	tot.Cost += cost
	tot.TasksStarted++
}

// TrackTaskCompletion records a finished task's actual consumption against
// the current mode. Values are recorded as-is, including negative
// corrections.
func (m *Manager) TrackTaskCompletion(tokens int64, cost float64) {
	t := m.now()
	mode := m.Mode()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.rolloverLocked(t)
	tot := m.totalsLocked(mode)
	tot.Tokens += tokens
	tot.Cost += cost
	tot.TasksCompleted++
}

// Record adds per-stage consumption against the current mode without
// touching the task counters. Values are recorded as-is.
func (m *Manager) Record(tokens int64, cost float64) {
	t := m.now()
	mode := m.Mode()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.rolloverLocked(t)
	tot := m.totalsLocked(mode)
	tot.Tokens += tokens
	tot.Cost += cost
}

// DailyTotals returns a copy of today's per-mode totals.
func (m *Manager) DailyTotals() map[Mode]Totals {
	t := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.rolloverLocked(t)
	out := make(map[Mode]Totals, len(m.totals))
	for mode, tot := range m.totals {
		out[mode] = *tot
	}
	return out
}

// DailyCost returns today's total cost across all modes.
func (m *Manager) DailyCost() float64 {
	t := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.rolloverLocked(t)
	var sum float64
	for _, tot := range m.totals {
		sum += tot.Cost
	}
	return sum
}

// DailyTokens returns today's total token consumption across all modes.
func (m *Manager) DailyTokens() int64 {
	t := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.rolloverLocked(t)
	var sum int64
	for _, tot := range m.totals {
		sum += tot.Tokens
	}
	return sum
}

// EpochDay returns the calendar-day key the current totals belong to.
// The scheduler's monitor compares it across checks to detect budget
// epoch rollover.
func (m *Manager) EpochDay() string {
	t := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.rolloverLocked(t)
	return m.epochDay
}

// Enabled reports whether time-based usage classification is active.
func (m *Manager) Enabled() bool {
	return m.config().Enabled
}

func (m *Manager) totalsLocked(mode Mode) *Totals {
	tot, ok := m.totals[mode]
	if !ok {
		tot = &Totals{}
		m.totals[mode] = tot
	}
	return tot
}

// rolloverLocked resets daily totals when the calendar day changes.
func (m *Manager) rolloverLocked(t time.Time) {
	key := dayKey(t)
	if key == m.epochDay {
		return
	}
	m.epochDay = key
	m.totals = make(map[Mode]*Totals)
}

func dayKey(t time.Time) string {
	return t.Format("2006-01-02")
}
