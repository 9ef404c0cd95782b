package usage

import (
	"testing"
	"time"

	"github.com/basket/nightshift/internal/bus"
	"github.com/basket/nightshift/internal/config"
)

func testConfig() config.TimeBasedUsageConfig {
	return config.TimeBasedUsageConfig{
		Enabled:                    true,
		DayModeHours:               []int{9, 10, 11, 12, 13, 14, 15, 16, 17},
		NightModeHours:             []int{18, 19, 20, 21, 22, 23, 0, 1, 2, 3, 4, 5, 6, 7, 8},
		DayModeCapacityThreshold:   0.90,
		NightModeCapacityThreshold: 0.96,
		OffHoursCapacityThreshold:  1.0,
		DayModeThresholds: config.ModeThresholds{
			MaxTokensPerTask: 50_000, MaxCostPerTask: 2.0, MaxConcurrentTasks: 2, DailyCostBudget: 20,
		},
		NightModeThresholds: config.ModeThresholds{
			MaxTokensPerTask: 200_000, MaxCostPerTask: 10.0, MaxConcurrentTasks: 5, DailyCostBudget: 50,
		},
		FallbackThresholds: config.ModeThresholds{
			MaxTokensPerTask: 100_000, MaxCostPerTask: 5.0, MaxConcurrentTasks: 3, DailyCostBudget: 30,
		},
	}
}

// fakeClock returns a now func pinned to a settable instant.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func at(hour, min int) time.Time {
	return time.Date(2026, 3, 14, hour, min, 0, 0, time.UTC)
}

func TestClassify(t *testing.T) {
	m := New(testConfig(), nil, nil, func() time.Time { return at(12, 0) })

	tests := []struct {
		hour int
		want Mode
	}{
		{9, ModeDay},
		{17, ModeDay},
		{18, ModeNight},
		{23, ModeNight},
		{0, ModeNight},
		{8, ModeNight},
	}
	for _, tt := range tests {
		if got := m.Classify(at(tt.hour, 30)); got != tt.want {
			t.Errorf("Classify(hour=%d) = %s, want %s", tt.hour, got, tt.want)
		}
	}
}

func TestClassify_DisabledAlwaysOffHours(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	m := New(cfg, nil, nil, func() time.Time { return at(12, 0) })

	if got := m.Classify(at(12, 0)); got != ModeOffHours {
		t.Errorf("Classify() = %s, want %s when disabled", got, ModeOffHours)
	}
	th := m.Thresholds()
	if th.MaxTokensPerTask != 100_000 {
		t.Errorf("disabled thresholds: MaxTokensPerTask = %d, want fallback 100000", th.MaxTokensPerTask)
	}
}

func TestThresholdsFor(t *testing.T) {
	m := New(testConfig(), nil, nil, func() time.Time { return at(12, 0) })

	day := m.ThresholdsFor(ModeDay)
	if day.CapacityThreshold != 0.90 {
		t.Errorf("day CapacityThreshold = %v, want 0.90", day.CapacityThreshold)
	}
	night := m.ThresholdsFor(ModeNight)
	if night.CapacityThreshold != 0.96 {
		t.Errorf("night CapacityThreshold = %v, want 0.96", night.CapacityThreshold)
	}
	if night.MaxConcurrentTasks != 5 {
		t.Errorf("night MaxConcurrentTasks = %d, want 5", night.MaxConcurrentTasks)
	}
}

func TestSetConfig_AppliesNewThresholds(t *testing.T) {
	m := New(testConfig(), nil, nil, func() time.Time { return at(12, 0) })

	cfg := testConfig()
	cfg.DayModeThresholds.MaxTokensPerTask = 75_000
	cfg.DayModeCapacityThreshold = 0.80
	m.SetConfig(cfg)

	day := m.ThresholdsFor(ModeDay)
	if day.MaxTokensPerTask != 75_000 {
		t.Errorf("day MaxTokensPerTask after reload = %d, want 75000", day.MaxTokensPerTask)
	}
	if day.CapacityThreshold != 0.80 {
		t.Errorf("day CapacityThreshold after reload = %v, want 0.80", day.CapacityThreshold)
	}

	// Disabling via reload pins classification to off-hours.
	cfg.Enabled = false
	m.SetConfig(cfg)
	if got := m.Classify(at(12, 0)); got != ModeOffHours {
		t.Errorf("Classify() = %s, want %s after disabling", got, ModeOffHours)
	}
}

func TestMode_TransitionFiresExactlyOnce(t *testing.T) {
	clock := &fakeClock{t: at(12, 0)}
	b := bus.New(nil)
	m := New(testConfig(), b, nil, clock.now)

	var changes []bus.ModeChangedEvent
	b.Subscribe(bus.TopicModeChanged, func(e bus.Event) {
		changes = append(changes, e.Payload.(bus.ModeChangedEvent))
	})

	// Repeated queries inside the same window: no notifications.
	m.Mode()
	m.Mode()
	if len(changes) != 0 {
		t.Fatalf("got %d mode-changed events inside one window, want 0", len(changes))
	}

	// Cross into night: exactly one notification, however many queries.
	clock.t = at(18, 5)
	m.Mode()
	m.Mode()
	m.Mode()
	if len(changes) != 1 {
		t.Fatalf("got %d mode-changed events after one transition, want 1", len(changes))
	}
	if changes[0].Previous != "day" || changes[0].Current != "night" {
		t.Errorf("mode-changed = %+v, want day -> night", changes[0])
	}
}

func TestTracking_AccumulatesPerMode(t *testing.T) {
	clock := &fakeClock{t: at(12, 0)}
	m := New(testConfig(), nil, nil, clock.now)

	m.TrackTaskStart(1000, 0.5)
	m.TrackTaskCompletion(2000, 1.5)

	clock.t = at(19, 0)
	m.TrackTaskCompletion(500, 0.25)

	totals := m.DailyTotals()
	if got := totals[ModeDay]; got.Tokens != 3000 || got.Cost != 2.0 {
		t.Errorf("day totals = %+v, want tokens=3000 cost=2.0", got)
	}
	if got := totals[ModeNight]; got.Tokens != 500 || got.Cost != 0.25 {
		t.Errorf("night totals = %+v, want tokens=500 cost=0.25", got)
	}
	if got := m.DailyCost(); got != 2.25 {
		t.Errorf("DailyCost() = %v, want 2.25", got)
	}
}

func TestTracking_AcceptsExtremeInputs(t *testing.T) {
	m := New(testConfig(), nil, nil, func() time.Time { return at(12, 0) })

	// Negative and absurd values are recorded as-is, never rejected.
	m.TrackTaskStart(-500, -1.0)
	m.TrackTaskCompletion(1<<40, 1e12)

	totals := m.DailyTotals()[ModeDay]
	if totals.Tokens != 1<<40-500 {
		t.Errorf("tokens = %d, want %d", totals.Tokens, int64(1<<40-500))
	}
}

func TestDailyRollover_ResetsTotals(t *testing.T) {
	clock := &fakeClock{t: at(12, 0)}
	m := New(testConfig(), nil, nil, clock.now)

	m.TrackTaskCompletion(1000, 1.0)
	if m.DailyCost() != 1.0 {
		t.Fatalf("DailyCost() = %v, want 1.0", m.DailyCost())
	}
	firstEpoch := m.EpochDay()

	// Next calendar day: totals reset, epoch key changes.
	clock.t = clock.t.Add(24 * time.Hour)
	if m.DailyCost() != 0 {
		t.Errorf("DailyCost() after rollover = %v, want 0", m.DailyCost())
	}
	if m.EpochDay() == firstEpoch {
		t.Error("EpochDay() unchanged across midnight")
	}
}
