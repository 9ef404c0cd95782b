package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/basket/nightshift/internal/bus"
	"github.com/basket/nightshift/internal/persistence"
	"github.com/basket/nightshift/internal/scheduler"
)

// ErrResumeExhausted reports that a task used up its resume budget.
var ErrResumeExhausted = errors.New("max resume attempts exceeded")

// descPreviewLen caps task description previews in the aggregate summary.
const descPreviewLen = 80

// Resume transitions a paused task back to in-progress and re-executes its
// remaining stages from the latest checkpoint.
//
// The retry guard increments first and checks second: the attempt counter is
// bumped unconditionally, then compared with strict "attempts > max". A task
// therefore gets exactly maxResumeAttempts resumes before the next attempt
// fails it. On the failure path the checkpoint and pause fields are kept for
// post-mortem inspection.
func (o *Orchestrator) Resume(ctx context.Context, taskID string) error {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != persistence.TaskStatusPaused {
		return fmt.Errorf("task %s is %s, not paused", taskID, task.Status)
	}

	attempts := task.ResumeAttempts + 1
	if err := o.store.UpdateTask(ctx, taskID, persistence.TaskUpdate{ResumeAttempts: &attempts}); err != nil {
		return fmt.Errorf("record resume attempt: %w", err)
	}
	task.ResumeAttempts = attempts

	maxAttempts := o.cfg.Load().MaxResumeAttempts()
	if attempts > maxAttempts {
		msg := fmt.Sprintf(
			"resume attempt %d exceeds the limit of %d; task will not be retried automatically. "+
				"Inspect the preserved checkpoint and workspace, fix the underlying issue, then resubmit the task or raise session_recovery.max_resume_attempts.",
			attempts, maxAttempts)
		o.logger.Error("resume attempts exhausted", "task_id", taskID,
			"attempts", attempts, "max_attempts", maxAttempts, "pause_reason", task.PauseReason)
		o.addLog(ctx, taskID, "error", msg)

		failed := persistence.TaskStatusFailed
		if err := o.store.UpdateTask(ctx, taskID, persistence.TaskUpdate{Status: &failed}); err != nil {
			o.logger.Error("mark failed errored", "task_id", taskID, "error", err)
		}
		task.Status = failed
		if o.bus != nil {
			o.bus.Publish(bus.TopicTaskFailed, bus.TaskFailedEvent{TaskID: taskID, Error: msg})
		}
		o.finalizeWorkspace(ctx, task)
		return fmt.Errorf("%w: task %s attempt %d of %d", ErrResumeExhausted, taskID, attempts, maxAttempts)
	}

	cp, err := o.store.LatestCheckpoint(ctx, taskID)
	if err != nil && !errors.Is(err, persistence.ErrNoCheckpoint) {
		return fmt.Errorf("load checkpoint: %w", err)
	}

	previousStatus := string(persistence.TaskStatusPaused)
	summary := o.resumeSummary(task, cp)

	sd := sessionData(task)
	sd.ContextSummary = summary
	if cp != nil && cp.StageIndex < len(task.Stages) {
		sd.ResumePoint = task.Stages[cp.StageIndex]
	} else {
		sd.ResumePoint = ""
	}

	inProgress := persistence.TaskStatusInProgress
	if err := o.store.UpdateTask(ctx, taskID, persistence.TaskUpdate{
		Status:          &inProgress,
		ClearPauseState: true,
		SessionData:     sd,
	}); err != nil {
		return fmt.Errorf("mark resumed: %w", err)
	}
	task.Status = inProgress
	task.PauseReason = ""
	task.PausedAt = nil
	task.ResumeAfter = nil

	o.logger.Info("task resumed", "task_id", taskID, "attempt", attempts, "max_attempts", maxAttempts)
	o.addLog(ctx, taskID, "info", fmt.Sprintf("resumed (attempt %d of %d)", attempts, maxAttempts))
	if o.bus != nil {
		o.bus.Publish(bus.TopicTaskSessionResumed, bus.SessionResumedEvent{
			TaskID:         taskID,
			PreviousStatus: previousStatus,
			ContextSummary: summary,
			ResumedAt:      o.now(),
		})
	}

	if o.launcher != nil {
		o.launcher.Launch(task)
		return nil
	}
	start := 0
	if cp != nil {
		start = cp.StageIndex
	}
	return o.runStages(ctx, task, start, summary)
}

// resumeSummary builds the context block injected into the first stage after
// resume. Preference order: stored session summary, derived from
// conversation history, generic fallback.
func (o *Orchestrator) resumeSummary(task *persistence.Task, cp *persistence.Checkpoint) string {
	if task.SessionData != nil && task.SessionData.ContextSummary != "" {
		return task.SessionData.ContextSummary
	}
	if o.summarize != nil {
		var history []persistence.ConversationEntry
		if cp != nil {
			history = cp.ConversationState
		}
		if len(history) == 0 {
			history = conversationHistory(task)
		}
		if s := o.summarize(history); s != "" {
			return s
		}
	}
	lastStage := "unknown"
	if cp != nil && cp.Stage != "" {
		lastStage = cp.Stage
	}
	return fmt.Sprintf("Resuming task %q after an interruption. Last known stage: %s. Review the workspace state before continuing.", task.Description, lastStage)
}

// HandleCapacityRestored resumes paused tasks after the scheduler reports
// capacity is back. Parents go first so their subtasks can be considered,
// then each resumed parent's eligible subtasks, then the remaining paused
// tasks by priority. A failure in one task never aborts the rest of the
// batch. The aggregate event at the end is observability only.
func (o *Orchestrator) HandleCapacityRestored(ctx context.Context, event scheduler.CapacityRestoredEvent) {
	o.logger.Info("capacity restored, starting batch resume",
		"reason", string(event.Reason), "previous_mode", string(event.PreviousMode), "capacity", event.CurrentCapacity)

	var (
		attempted int
		succeeded []*persistence.Task
		failures  []bus.ResumeFailure
		handled   = make(map[string]bool)
	)

	tryResume := func(task *persistence.Task) bool {
		if handled[task.ID] {
			return false
		}
		handled[task.ID] = true
		attempted++
		if err := o.resumeIsolated(ctx, task.ID); err != nil {
			failures = append(failures, bus.ResumeFailure{TaskID: task.ID, Reason: err.Error()})
			o.logger.Warn("batch resume: task failed", "task_id", task.ID, "error", err)
			return false
		}
		succeeded = append(succeeded, task)
		return true
	}

	parents, err := o.store.PausedParentTasks(ctx)
	if err != nil {
		o.logger.Warn("batch resume: list parents failed", "error", err)
	}
	for _, parent := range parents {
		if !o.resumableNow(parent) {
			continue
		}
		if !tryResume(parent) {
			continue
		}
		subtasks, err := o.store.Subtasks(ctx, parent.ID)
		if err != nil {
			o.logger.Warn("batch resume: list subtasks failed", "task_id", parent.ID, "error", err)
			continue
		}
		for _, sub := range subtasks {
			if sub.Status == persistence.TaskStatusPaused && o.resumableNow(sub) {
				tryResume(sub)
			}
		}
	}

	rest, err := o.store.PausedTasksForResume(ctx)
	if err != nil {
		o.logger.Warn("batch resume: list paused tasks failed", "error", err)
	}
	for _, task := range rest {
		if o.resumableNow(task) {
			tryResume(task)
		}
	}

	agg := bus.AutoResumedEvent{
		Attempted: attempted,
		Succeeded: len(succeeded),
		Failed:    len(failures),
		Failures:  failures,
		Context:   aggregateContext(succeeded, failures),
	}
	o.logger.Info("batch resume finished",
		"attempted", agg.Attempted, "succeeded", agg.Succeeded, "failed", agg.Failed)
	if o.bus != nil {
		o.bus.Publish(bus.TopicTasksAutoResumed, agg)
	}
}

// resumeIsolated runs a single resume and converts panics into errors so a
// misbehaving task cannot take down the batch.
func (o *Orchestrator) resumeIsolated(ctx context.Context, taskID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("resume panicked: %v", r)
		}
	}()
	return o.Resume(ctx, taskID)
}

// resumableNow reports whether a paused task may be auto-resumed: its pause
// reason must be one the sweep recognizes and its resumeAfter gate, if set,
// must have elapsed. Manual and shutdown pauses are excluded here; those go
// through explicit resume paths.
func (o *Orchestrator) resumableNow(task *persistence.Task) bool {
	switch task.PauseReason {
	case persistence.PauseReasonSessionLimit, persistence.PauseReasonBudget, persistence.PauseReasonCapacity:
	default:
		return false
	}
	if task.ResumeAfter != nil && task.ResumeAfter.After(o.now()) {
		return false
	}
	return true
}

// aggregateContext renders a human-readable batch summary grouped by
// workflow with capped previews.
func aggregateContext(succeeded []*persistence.Task, failures []bus.ResumeFailure) string {
	if len(succeeded) == 0 && len(failures) == 0 {
		return "no paused tasks were eligible for resume"
	}

	byWorkflow := make(map[string][]string)
	for _, t := range succeeded {
		byWorkflow[t.Workflow] = append(byWorkflow[t.Workflow], preview(t.Description, descPreviewLen))
	}
	workflows := make([]string, 0, len(byWorkflow))
	for wf := range byWorkflow {
		workflows = append(workflows, wf)
	}
	sort.Strings(workflows)

	var sb strings.Builder
	for _, wf := range workflows {
		fmt.Fprintf(&sb, "%s: %s\n", wf, strings.Join(byWorkflow[wf], "; "))
	}
	for _, f := range failures {
		fmt.Fprintf(&sb, "failed %s: %s\n", f.TaskID, preview(f.Reason, descPreviewLen))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func preview(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
