// Package runner drives new-work admission: a fixed-interval poll loop that
// consults the scheduler, fetches queued tasks when capacity allows, and
// tracks in-flight executions with per-task cancellation.
package runner

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/nightshift/internal/bus"
	"github.com/basket/nightshift/internal/config"
	"github.com/basket/nightshift/internal/persistence"
	"github.com/basket/nightshift/internal/scheduler"
	"github.com/basket/nightshift/internal/usage"
)

// Admitter answers whether task admission should pause right now.
type Admitter interface {
	ShouldPauseTasks() scheduler.Decision
}

// Executor runs one task to a terminal or paused state.
type Executor interface {
	ExecuteTask(ctx context.Context, taskID string) error
}

type handle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Runner is the sole initiator of task starts.
type Runner struct {
	store  *persistence.Store
	sched  Admitter
	exec   Executor
	usage  *usage.Manager
	bus    *bus.Bus
	cfg    *config.Holder
	logger *slog.Logger

	interval time.Duration

	mu               sync.Mutex
	running          map[string]*handle
	pausedByCapacity bool
	started          bool
	baseCtx          context.Context
	stop             chan struct{}
	done             chan struct{}
}

// New creates a runner. sched may be nil, in which case admission is never
// paused. usage may be nil, in which case the static concurrency cap applies.
func New(store *persistence.Store, sched Admitter, exec Executor, um *usage.Manager, b *bus.Bus, cfg *config.Holder, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		store:    store,
		sched:    sched,
		exec:     exec,
		usage:    um,
		bus:      b,
		cfg:      cfg,
		logger:   logger,
		interval: time.Duration(cfg.Load().PollIntervalMs) * time.Millisecond,
		running:  make(map[string]*handle),
	}
}

// Start begins the poll loop. Calling Start on a running runner is a no-op.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.baseCtx = ctx
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	stop, done := r.stop, r.done
	r.mu.Unlock()

	r.logger.Info("runner started", "poll_interval", r.interval)
	go func() {
		defer close(done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.tick(ctx)
			}
		}
	}()
}

// Stop halts the poll loop without touching in-flight tasks. Idempotent.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	stop, done := r.stop, r.done
	r.mu.Unlock()

	close(stop)
	<-done
	r.logger.Info("runner stopped")
}

// Shutdown cancels every in-flight task and waits for them to settle or for
// ctx to expire.
func (r *Runner) Shutdown(ctx context.Context) {
	r.Stop()

	r.mu.Lock()
	handles := make([]*handle, 0, len(r.running))
	for _, h := range r.running {
		h.cancel()
		handles = append(handles, h)
	}
	r.mu.Unlock()

	for _, h := range handles {
		select {
		case <-h.done:
		case <-ctx.Done():
			return
		}
	}
}

// tick runs one admission pass.
func (r *Runner) tick(ctx context.Context) {
	decision, ok := r.admissionDecision()
	if ok {
		if decision.ShouldPause {
			r.mu.Lock()
			wasPaused := r.pausedByCapacity
			r.pausedByCapacity = true
			r.mu.Unlock()
			if !wasPaused {
				r.logger.Info("task admission paused", "reason", decision.Reason,
					"capacity_pct", decision.Capacity.CurrentPercentage, "threshold", decision.Capacity.Threshold)
				if r.bus != nil {
					r.bus.Publish(bus.TopicCapacityPaused, decision)
				}
			}
			return
		}
		r.mu.Lock()
		wasPaused := r.pausedByCapacity
		r.pausedByCapacity = false
		r.mu.Unlock()
		if wasPaused {
			r.logger.Info("task admission resumed", "mode", string(decision.TimeWindow.Mode))
			if r.bus != nil {
				r.bus.Publish(bus.TopicCapacityResumed, decision)
			}
		}
	}

	slots := r.availableSlots()
	if slots <= 0 {
		return
	}
	tasks, err := r.store.NextQueuedTasks(ctx, slots)
	if err != nil {
		r.logger.Warn("fetch queued tasks failed", "error", err)
		return
	}
	for _, task := range tasks {
		r.startTask(ctx, task)
	}
}

// admissionDecision queries the scheduler. A panicking scheduler is logged
// and treated as "proceed" so a scheduling bug cannot wedge the daemon.
func (r *Runner) admissionDecision() (decision scheduler.Decision, ok bool) {
	if r.sched == nil {
		return scheduler.Decision{}, false
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("scheduler check failed, proceeding without admission gate", "panic", rec)
			decision, ok = scheduler.Decision{}, false
		}
	}()
	return r.sched.ShouldPauseTasks(), true
}

func (r *Runner) availableSlots() int {
	maxConcurrent := r.cfg.Load().MaxConcurrentTasks
	if r.usage != nil {
		if th := r.usage.Thresholds(); th.MaxConcurrentTasks > 0 {
			maxConcurrent = th.MaxConcurrentTasks
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return maxConcurrent - len(r.running)
}

// startTask begins background execution. Duplicate starts for a task already
// running are ignored, so racing fetches stay idempotent.
func (r *Runner) startTask(ctx context.Context, task *persistence.Task) {
	r.mu.Lock()
	if _, exists := r.running[task.ID]; exists {
		r.mu.Unlock()
		return
	}
	taskCtx, cancel := context.WithCancel(ctx)
	h := &handle{cancel: cancel, done: make(chan struct{})}
	r.running[task.ID] = h
	r.mu.Unlock()

	r.logger.Info("starting task", "task_id", task.ID, "workflow", task.Workflow, "priority", task.Priority)
	go func() {
		defer func() {
			cancel()
			r.mu.Lock()
			delete(r.running, task.ID)
			r.mu.Unlock()
			close(h.done)
		}()
		if err := r.exec.ExecuteTask(taskCtx, task.ID); err != nil {
			r.logger.Warn("task execution ended with error", "task_id", task.ID, "error", err)
		}
	}()
}

// Launch dispatches a task for background execution outside the poll cycle.
// It implements the orchestrator's launcher hook for resumed tasks.
func (r *Runner) Launch(task *persistence.Task) {
	r.mu.Lock()
	ctx := r.baseCtx
	r.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	r.startTask(ctx, task)
}

// Cancel aborts a running task. Unknown IDs are a no-op.
func (r *Runner) Cancel(taskID string) {
	r.mu.Lock()
	h, ok := r.running[taskID]
	r.mu.Unlock()
	if ok {
		h.cancel()
	}
}

// RunningCount reports how many tasks are currently in flight.
func (r *Runner) RunningCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.running)
}
