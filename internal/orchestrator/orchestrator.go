// Package orchestrator owns the task state machine: stage execution with
// per-stage checkpoints, pause/resume with a bounded retry guard, and the
// workspace cleanup/preservation policy on terminal transitions.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/nightshift/internal/agent"
	"github.com/basket/nightshift/internal/bus"
	"github.com/basket/nightshift/internal/config"
	"github.com/basket/nightshift/internal/persistence"
	"github.com/basket/nightshift/internal/usage"
	"github.com/basket/nightshift/internal/workspace"
)

// sessionLimitCooldown gates how soon a task paused on its per-task token
// limit may be auto-resumed.
const sessionLimitCooldown = 30 * time.Minute

// WorkspaceManager provisions and tears down task workspaces.
type WorkspaceManager interface {
	CreateWorkspace(ctx context.Context, task *persistence.Task) (workspace.Info, error)
	CleanupWorkspace(ctx context.Context, taskID string) error
}

// Summarizer condenses conversation history into a resume context block.
type Summarizer func(history []persistence.ConversationEntry) string

// Launcher dispatches a task for background execution. The runner
// implements this; when nil, resumed tasks execute synchronously.
type Launcher interface {
	Launch(task *persistence.Task)
}

// Orchestrator drives tasks through their workflow stages.
type Orchestrator struct {
	store      *persistence.Store
	workspaces WorkspaceManager
	backend    agent.Backend
	usage      *usage.Manager
	bus        *bus.Bus
	cfg        *config.Holder
	logger     *slog.Logger
	summarize  Summarizer
	launcher   Launcher
	now        func() time.Time
}

// New creates an orchestrator. now may be nil for wall-clock time and
// summarize may be nil to disable history-derived resume context.
func New(store *persistence.Store, workspaces WorkspaceManager, backend agent.Backend, um *usage.Manager, b *bus.Bus, cfg *config.Holder, logger *slog.Logger, summarize Summarizer, now func() time.Time) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Orchestrator{
		store:      store,
		workspaces: workspaces,
		backend:    backend,
		usage:      um,
		bus:        b,
		cfg:        cfg,
		logger:     logger,
		summarize:  summarize,
		now:        now,
	}
}

// SetLauncher wires the background launcher. Called once during startup
// after the runner is constructed.
func (o *Orchestrator) SetLauncher(l Launcher) {
	o.launcher = l
}

// ExecuteTask runs a task's stages from its recorded resume point. It is
// the entry point for both fresh starts and post-resume continuation.
func (o *Orchestrator) ExecuteTask(ctx context.Context, taskID string) error {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}
	if task.Status.IsTerminal() {
		return fmt.Errorf("task %s already %s", taskID, task.Status)
	}

	if task.Workspace.Strategy != persistence.WorkspaceNone && task.Workspace.Strategy != "" && task.Workspace.Path == "" {
		info, err := o.workspaces.CreateWorkspace(ctx, task)
		if err != nil {
			return o.failTask(ctx, task, fmt.Errorf("create workspace: %w", err))
		}
		task.Workspace.Path = info.Path
		if err := o.store.UpdateTask(ctx, task.ID, persistence.TaskUpdate{WorkspacePath: &info.Path}); err != nil {
			return fmt.Errorf("record workspace path: %w", err)
		}
	}

	startIndex := 0
	resumeContext := ""
	fresh := true
	if task.SessionData != nil && task.SessionData.ResumePoint != "" {
		startIndex = resumePointIndex(task)
		resumeContext = task.SessionData.ContextSummary
		fresh = false
	}

	inProgress := persistence.TaskStatusInProgress
	if err := o.store.UpdateTask(ctx, task.ID, persistence.TaskUpdate{Status: &inProgress}); err != nil {
		return fmt.Errorf("mark in-progress: %w", err)
	}
	task.Status = inProgress

	// Continuations after resume or approval already announced themselves
	// via the session-resumed event; only fresh starts count here.
	if fresh {
		if o.usage != nil {
			o.usage.TrackTaskStart(0, 0)
		}
		if o.bus != nil {
			o.bus.Publish(bus.TopicTaskStarted, bus.TaskStartedEvent{TaskID: task.ID, Workflow: task.Workflow})
		}
	}

	return o.runStages(ctx, task, startIndex, resumeContext)
}

// runStages executes stages from startIndex onward. resumeContext is
// injected into the first stage only and dropped afterwards.
func (o *Orchestrator) runStages(ctx context.Context, task *persistence.Task, startIndex int, resumeContext string) error {
	thresholds := o.currentThresholds()

	for i := startIndex; i < len(task.Stages); i++ {
		stage := task.Stages[i]

		if ctx.Err() != nil {
			return o.pauseTask(ctx, task, stage, i, persistence.PauseReasonShutdown, nil)
		}
		if thresholds.MaxTokensPerTask > 0 && task.TokensUsed >= int64(thresholds.MaxTokensPerTask) {
			after := o.now().Add(sessionLimitCooldown)
			return o.pauseTask(ctx, task, stage, i, persistence.PauseReasonSessionLimit, &after)
		}
		if thresholds.MaxCostPerTask > 0 && task.CostUSD >= thresholds.MaxCostPerTask {
			return o.pauseTask(ctx, task, stage, i, persistence.PauseReasonBudget, nil)
		}

		result, err := o.backend.RunStage(ctx, agent.Request{
			TaskID:        task.ID,
			Stage:         stage,
			Prompt:        stagePrompt(task, stage),
			WorkspacePath: task.Workspace.Path,
			ResumeContext: resumeContext,
			History:       conversationHistory(task),
		})
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return o.pauseTask(ctx, task, stage, i, persistence.PauseReasonShutdown, nil)
			}
			return o.failTask(ctx, task, fmt.Errorf("stage %q: %w", stage, err))
		}
		resumeContext = ""

		task.TokensUsed += result.TokensUsed
		task.CostUSD += result.CostUSD
		if o.usage != nil {
			o.usage.Record(result.TokensUsed, result.CostUSD)
		}

		sd := sessionData(task)
		sd.ConversationHistory = append(sd.ConversationHistory, result.Conversation...)
		if sd.StageState == nil {
			sd.StageState = make(map[string]string)
		}
		sd.StageState[stage] = "done"

		cpID, err := o.saveCheckpoint(ctx, task, stage, i+1)
		if err != nil {
			o.logger.Warn("checkpoint save failed", "task_id", task.ID, "stage", stage, "error", err)
		} else {
			sd.LastCheckpoint = cpID
		}
		sd.ResumePoint = ""
		sd.ContextSummary = ""

		if err := o.store.UpdateTask(ctx, task.ID, persistence.TaskUpdate{
			SessionData: sd,
			AddTokens:   result.TokensUsed,
			AddCost:     result.CostUSD,
		}); err != nil {
			o.logger.Warn("persist stage progress failed", "task_id", task.ID, "stage", stage, "error", err)
		}
		o.addLog(ctx, task.ID, "info", fmt.Sprintf("stage %q finished (%d tokens, $%.4f)", stage, result.TokensUsed, result.CostUSD))

		if result.NeedsApproval {
			waiting := persistence.TaskStatusWaitingApproval
			if err := o.store.UpdateTask(ctx, task.ID, persistence.TaskUpdate{Status: &waiting}); err != nil {
				return fmt.Errorf("mark waiting-approval: %w", err)
			}
			o.logger.Info("task waiting for approval", "task_id", task.ID, "stage", stage)
			return nil
		}
	}

	return o.completeTask(ctx, task)
}

// Approve releases a waiting-approval task back into execution.
func (o *Orchestrator) Approve(ctx context.Context, taskID string) error {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != persistence.TaskStatusWaitingApproval {
		return fmt.Errorf("task %s is %s, not waiting for approval", taskID, task.Status)
	}

	cp, err := o.store.LatestCheckpoint(ctx, taskID)
	if err != nil && !errors.Is(err, persistence.ErrNoCheckpoint) {
		return err
	}

	// Checkpoints record the completed stage with stageIndex pointing at the
	// next one; the resume point must name that next stage, not the approved
	// stage, or it would run twice.
	start := 0
	sd := sessionData(task)
	sd.ResumePoint = ""
	if cp != nil {
		start = cp.StageIndex
		if start < len(task.Stages) {
			sd.ResumePoint = task.Stages[start]
		}
	}

	inProgress := persistence.TaskStatusInProgress
	if err := o.store.UpdateTask(ctx, taskID, persistence.TaskUpdate{Status: &inProgress, SessionData: sd}); err != nil {
		return err
	}
	task.Status = inProgress

	if start >= len(task.Stages) {
		// The approved stage was the last one; nothing is left to run.
		return o.completeTask(ctx, task)
	}
	if o.launcher != nil {
		o.launcher.Launch(task)
		return nil
	}
	return o.runStages(ctx, task, start, "")
}

// CancelTask transitions a task to cancelled and applies the workspace
// policy. The runner is responsible for aborting in-flight execution.
func (o *Orchestrator) CancelTask(ctx context.Context, taskID string) error {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status.IsTerminal() {
		return nil
	}
	cancelled := persistence.TaskStatusCancelled
	if err := o.store.UpdateTask(ctx, taskID, persistence.TaskUpdate{Status: &cancelled}); err != nil {
		return err
	}
	task.Status = cancelled
	o.addLog(ctx, taskID, "info", "task cancelled")
	o.finalizeWorkspace(ctx, task)
	return nil
}

// RecoverInterrupted pauses tasks that were mid-flight when the daemon last
// stopped and relaunches them. Called once at startup before the runner's
// poll loop begins.
func (o *Orchestrator) RecoverInterrupted(ctx context.Context) error {
	var interrupted []*persistence.Task
	for _, status := range []persistence.TaskStatus{persistence.TaskStatusInProgress, persistence.TaskStatusPlanning} {
		tasks, err := o.store.TasksByStatus(ctx, status)
		if err != nil {
			return err
		}
		interrupted = append(interrupted, tasks...)
	}

	for _, task := range interrupted {
		paused := persistence.TaskStatusPaused
		reason := persistence.PauseReasonShutdown
		pausedAt := o.now()
		if err := o.store.UpdateTask(ctx, task.ID, persistence.TaskUpdate{
			Status:      &paused,
			PauseReason: &reason,
			PausedAt:    &pausedAt,
		}); err != nil {
			o.logger.Warn("mark interrupted task paused failed", "task_id", task.ID, "error", err)
			continue
		}
		o.logger.Info("recovering interrupted task", "task_id", task.ID, "previous_status", string(task.Status))
		if err := o.Resume(ctx, task.ID); err != nil {
			o.logger.Warn("interrupted task resume failed", "task_id", task.ID, "error", err)
		}
	}

	// Tasks the previous process paused on shutdown but never restarted.
	pausedTasks, err := o.store.TasksByStatus(ctx, persistence.TaskStatusPaused)
	if err != nil {
		return err
	}
	for _, task := range pausedTasks {
		if task.PauseReason != persistence.PauseReasonShutdown {
			continue
		}
		if err := o.Resume(ctx, task.ID); err != nil {
			o.logger.Warn("shutdown-paused task resume failed", "task_id", task.ID, "error", err)
		}
	}
	return nil
}

// pauseTask checkpoints the task at the given stage and transitions it to
// paused. resumeAfter, when set, gates the earliest auto-resume.
func (o *Orchestrator) pauseTask(ctx context.Context, task *persistence.Task, stage string, stageIndex int, reason string, resumeAfter *time.Time) error {
	// The pause may be triggered by the very cancellation we are handling;
	// the state writes must still go through.
	ctx = context.WithoutCancel(ctx)

	cpID, err := o.saveCheckpoint(ctx, task, stage, stageIndex)
	if err != nil {
		o.logger.Warn("checkpoint save failed during pause", "task_id", task.ID, "error", err)
	}

	sd := sessionData(task)
	if cpID != "" {
		sd.LastCheckpoint = cpID
	}
	sd.ResumePoint = stage

	paused := persistence.TaskStatusPaused
	pausedAt := o.now()
	if err := o.store.UpdateTask(ctx, task.ID, persistence.TaskUpdate{
		Status:      &paused,
		PauseReason: &reason,
		PausedAt:    &pausedAt,
		ResumeAfter: resumeAfter,
		SessionData: sd,
	}); err != nil {
		return fmt.Errorf("mark paused: %w", err)
	}
	task.Status = paused
	task.PauseReason = reason

	o.logger.Info("task paused", "task_id", task.ID, "stage", stage, "reason", reason)
	o.addLog(ctx, task.ID, "info", fmt.Sprintf("paused at stage %q: %s", stage, reason))
	if o.bus != nil {
		o.bus.Publish(bus.TopicTaskPaused, bus.TaskPausedEvent{TaskID: task.ID, Reason: reason})
	}
	return nil
}

func (o *Orchestrator) completeTask(ctx context.Context, task *persistence.Task) error {
	completed := persistence.TaskStatusCompleted
	zero := 0
	if err := o.store.UpdateTask(ctx, task.ID, persistence.TaskUpdate{
		Status:          &completed,
		ResumeAttempts:  &zero,
		ClearPauseState: true,
	}); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	task.Status = completed
	task.ResumeAttempts = 0

	if o.usage != nil {
		o.usage.TrackTaskCompletion(0, 0)
	}
	o.logger.Info("task completed", "task_id", task.ID, "workflow", task.Workflow,
		"tokens_used", task.TokensUsed, "cost_usd", task.CostUSD)
	o.addLog(ctx, task.ID, "info", "task completed")
	if o.bus != nil {
		o.bus.Publish(bus.TopicTaskCompleted, bus.TaskCompletedEvent{
			TaskID:     task.ID,
			Workflow:   task.Workflow,
			TokensUsed: task.TokensUsed,
		})
	}
	o.finalizeWorkspace(ctx, task)
	return nil
}

func (o *Orchestrator) failTask(ctx context.Context, task *persistence.Task, cause error) error {
	ctx = context.WithoutCancel(ctx)
	failed := persistence.TaskStatusFailed
	if err := o.store.UpdateTask(ctx, task.ID, persistence.TaskUpdate{Status: &failed}); err != nil {
		o.logger.Error("mark failed errored", "task_id", task.ID, "error", err)
	}
	task.Status = failed

	o.logger.Error("task failed", "task_id", task.ID, "error", cause)
	o.addLog(ctx, task.ID, "error", cause.Error())
	if o.bus != nil {
		o.bus.Publish(bus.TopicTaskFailed, bus.TaskFailedEvent{TaskID: task.ID, Error: cause.Error()})
	}
	o.finalizeWorkspace(ctx, task)
	return cause
}

// saveCheckpoint persists a snapshot at the given stage position.
func (o *Orchestrator) saveCheckpoint(ctx context.Context, task *persistence.Task, stage string, stageIndex int) (string, error) {
	return o.store.SaveCheckpoint(ctx, persistence.Checkpoint{
		TaskID:            task.ID,
		Stage:             stage,
		StageIndex:        stageIndex,
		ConversationState: conversationHistory(task),
		Metadata: map[string]string{
			"workflow": task.Workflow,
		},
	})
}

func (o *Orchestrator) addLog(ctx context.Context, taskID, level, message string) {
	err := o.store.AddLog(ctx, persistence.LogEntry{
		TaskID:    taskID,
		Level:     level,
		Message:   message,
		Component: "orchestrator",
		Timestamp: o.now(),
	})
	if err != nil {
		o.logger.Warn("task log write failed", "task_id", taskID, "error", err)
	}
}

func (o *Orchestrator) currentThresholds() usage.Thresholds {
	if o.usage == nil {
		return usage.Thresholds{}
	}
	return o.usage.Thresholds()
}

func sessionData(task *persistence.Task) *persistence.SessionData {
	if task.SessionData == nil {
		task.SessionData = &persistence.SessionData{}
	}
	return task.SessionData
}

func conversationHistory(task *persistence.Task) []persistence.ConversationEntry {
	if task.SessionData == nil {
		return nil
	}
	return task.SessionData.ConversationHistory
}

// resumePointIndex maps a stored resume-point stage name back to its index.
// Unknown stage names restart from the beginning rather than failing.
func resumePointIndex(task *persistence.Task) int {
	for i, s := range task.Stages {
		if s == task.SessionData.ResumePoint {
			return i
		}
	}
	return 0
}

func stagePrompt(task *persistence.Task, stage string) string {
	return fmt.Sprintf("Task: %s\nWorkflow: %s\nCurrent stage: %s", task.Description, task.Workflow, stage)
}
