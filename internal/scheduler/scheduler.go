// Package scheduler decides whether new or resumed task execution is
// admissible under the active time-of-day mode's capacity budget, and
// detects when capacity is restored after a pause.
package scheduler

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/nightshift/internal/usage"
)

// Capacity is the consumption ratio that backed a decision.
type Capacity struct {
	CurrentPercentage float64
	Threshold         float64
}

// TimeWindow describes the active mode at decision time.
type TimeWindow struct {
	Mode         usage.Mode
	NextSwitchIn time.Duration
}

// Decision is the result of one admission query. It is produced fresh on
// every call and never persisted.
type Decision struct {
	ShouldPause     bool
	Reason          string
	Capacity        Capacity
	TimeWindow      TimeWindow
	Recommendations []string
}

// RestoredReason tags what ended a capacity pause.
type RestoredReason string

const (
	RestoredModeSwitch      RestoredReason = "mode_switch"
	RestoredBudgetReset     RestoredReason = "budget_reset"
	RestoredCapacityDropped RestoredReason = "capacity_dropped"
)

// CapacityRestoredEvent is fired at most once per transition when the
// monitor observes restored capacity.
type CapacityRestoredEvent struct {
	Reason          RestoredReason
	PreviousMode    usage.Mode
	CurrentCapacity float64
}

// Scheduler computes admission decisions from the usage manager's state.
// Queries are synchronous and perform no I/O so they are safe on every
// poll tick. The restoration monitor runs its own timer, independent of
// the runner's poll loop.
type Scheduler struct {
	usage    *usage.Manager
	logger   *slog.Logger
	now      func() time.Time
	interval time.Duration

	mu        sync.Mutex
	listeners []func(CapacityRestoredEvent)
	stop      chan struct{}
	done      chan struct{}

	// Monitor state: last observed snapshot, used to detect transitions.
	lastMode   usage.Mode
	lastEpoch  string
	overBudget bool
}

// New creates a Scheduler. monitorInterval controls the restoration check
// cadence; the clock is injectable for tests.
func New(um *usage.Manager, monitorInterval time.Duration, logger *slog.Logger, now func() time.Time) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	if monitorInterval <= 0 {
		monitorInterval = time.Minute
	}
	return &Scheduler{
		usage:    um,
		logger:   logger,
		now:      now,
		interval: monitorInterval,
	}
}

// ShouldPauseTasks computes a fresh admission decision: pause exactly when
// the current consumption percentage meets or exceeds the active mode's
// capacity threshold.
func (s *Scheduler) ShouldPauseTasks() Decision {
	mode := s.usage.Mode()
	th := s.usage.ThresholdsFor(mode)
	pct := s.percentage(th)

	switchIn, _ := s.TimeUntilModeSwitch()
	d := Decision{
		Capacity: Capacity{
			CurrentPercentage: pct,
			Threshold:         th.CapacityThreshold,
		},
		TimeWindow: TimeWindow{
			Mode:         mode,
			NextSwitchIn: switchIn,
		},
	}

	if pct >= th.CapacityThreshold {
		d.ShouldPause = true
		d.Reason = fmt.Sprintf("capacity %.1f%% of daily budget meets %s-mode threshold %.1f%%",
			pct*100, mode, th.CapacityThreshold*100)
		d.Recommendations = s.recommendations(switchIn)
		return d
	}

	d.Reason = fmt.Sprintf("capacity %.1f%% under %s-mode threshold %.1f%%",
		pct*100, mode, th.CapacityThreshold*100)
	return d
}

func (s *Scheduler) percentage(th usage.Thresholds) float64 {
	if th.DailyCostBudget <= 0 {
		return 0
	}
	return s.usage.DailyCost() / th.DailyCostBudget
}

func (s *Scheduler) recommendations(switchIn time.Duration) []string {
	recs := []string{
		fmt.Sprintf("daily budget resets in %s", s.TimeUntilBudgetReset().Round(time.Minute)),
	}
	if switchIn > 0 {
		recs = append(recs, fmt.Sprintf("next mode switch in %s", switchIn.Round(time.Minute)))
	}
	return recs
}

// TimeUntilModeSwitch returns the duration until the next hour boundary
// whose classification differs from the current mode. The scan wraps past
// midnight, so hour 23 with day mode starting at hour 9 yields a duration
// crossing into the next day. The bool is false when no boundary within
// 48 hours changes the mode (time-based usage disabled, or a single mode
// covers every hour).
func (s *Scheduler) TimeUntilModeSwitch() (time.Duration, bool) {
	now := s.now()
	current := s.usage.Classify(now)

	boundary := now.Truncate(time.Hour)
	for i := 1; i <= 48; i++ {
		at := boundary.Add(time.Duration(i) * time.Hour)
		if s.usage.Classify(at) != current {
			return at.Sub(now), true
		}
	}
	return 0, false
}

// TimeUntilMode returns the duration until the given mode's window next
// opens. Already being in the target window yields zero.
func (s *Scheduler) TimeUntilMode(target usage.Mode) time.Duration {
	now := s.now()
	if s.usage.Classify(now) == target {
		return 0
	}
	boundary := now.Truncate(time.Hour)
	for i := 1; i <= 48; i++ {
		at := boundary.Add(time.Duration(i) * time.Hour)
		if s.usage.Classify(at) == target {
			return at.Sub(now)
		}
	}
	return 0
}

// TimeUntilBudgetReset returns the duration until the next local midnight,
// when the daily budget epoch rolls over. Calendar arithmetic via time.Date
// keeps month ends, leap days, and DST transitions correct.
func (s *Scheduler) TimeUntilBudgetReset() time.Duration {
	now := s.now()
	next := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, now.Location())
	return next.Sub(now)
}

// OnCapacityRestored registers a listener for capacity-restored events and
// starts the monitor timer if it is not already running.
func (s *Scheduler) OnCapacityRestored(fn func(CapacityRestoredEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.listeners = append(s.listeners, fn)
	if s.stop != nil {
		return
	}

	s.lastMode = s.usage.Mode()
	s.lastEpoch = s.usage.EpochDay()
	th := s.usage.ThresholdsFor(s.lastMode)
	s.overBudget = s.percentage(th) >= th.CapacityThreshold

	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.monitor(s.stop, s.done)
	s.logger.Info("capacity restoration monitor started", "interval", s.interval)
}

func (s *Scheduler) monitor(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.check()
		}
	}
}

// check re-evaluates the three independent restoration conditions: a
// scheduled mode switch occurred, the daily budget epoch rolled over, or
// the percentage dropped back under threshold with no mode or day change.
func (s *Scheduler) check() {
	mode := s.usage.Mode()
	epoch := s.usage.EpochDay()
	th := s.usage.ThresholdsFor(mode)
	pct := s.percentage(th)
	over := pct >= th.CapacityThreshold

	s.mu.Lock()
	var event *CapacityRestoredEvent
	switch {
	case mode != s.lastMode:
		event = &CapacityRestoredEvent{
			Reason:          RestoredModeSwitch,
			PreviousMode:    s.lastMode,
			CurrentCapacity: pct,
		}
	case epoch != s.lastEpoch:
		event = &CapacityRestoredEvent{
			Reason:          RestoredBudgetReset,
			PreviousMode:    s.lastMode,
			CurrentCapacity: pct,
		}
	case s.overBudget && !over:
		event = &CapacityRestoredEvent{
			Reason:          RestoredCapacityDropped,
			PreviousMode:    s.lastMode,
			CurrentCapacity: pct,
		}
	}
	s.lastMode = mode
	s.lastEpoch = epoch
	s.overBudget = over
	listeners := make([]func(CapacityRestoredEvent), len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	if event == nil {
		return
	}
	s.logger.Info("capacity restored",
		"reason", string(event.Reason),
		"previous_mode", string(event.PreviousMode),
		"capacity", event.CurrentCapacity,
	)
	for _, fn := range listeners {
		s.invoke(fn, *event)
	}
}

func (s *Scheduler) invoke(fn func(CapacityRestoredEvent), ev CapacityRestoredEvent) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("capacity-restored listener panicked", "panic", r)
		}
	}()
	fn(ev)
}

// Stop cancels the monitor timer and releases all listeners. It is
// idempotent, so repeated start/stop cycles never leak timers.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	stop := s.stop
	done := s.done
	s.stop = nil
	s.done = nil
	s.listeners = nil
	s.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
	s.logger.Info("capacity restoration monitor stopped")
}
