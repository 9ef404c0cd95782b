package bus

import "time"

// Daemon capacity transition topics. Published by the runner when the
// scheduler's admission decision flips; the payload is the decision that
// caused the transition.
const (
	TopicCapacityPaused  = "daemon.capacity_paused"
	TopicCapacityResumed = "daemon.capacity_resumed"
)

// Task lifecycle topics.
const (
	TopicTaskStarted        = "task.started"
	TopicTaskCompleted      = "task.completed"
	TopicTaskFailed         = "task.failed"
	TopicTaskPaused         = "task.paused"
	TopicTaskSessionResumed = "task.session_resumed"
	TopicTasksAutoResumed   = "tasks.auto_resumed"
)

// Workspace topics.
const (
	TopicWorkspaceCleanupFailed = "workspace.cleanup_failed"
)

// Usage mode topic. Fired once per mode transition, not once per query.
const (
	TopicModeChanged = "usage.mode_changed"
)

// TaskStartedEvent is published when a task begins a fresh run. Resume and
// approval continuations are announced via SessionResumedEvent instead.
type TaskStartedEvent struct {
	TaskID   string
	Workflow string
}

// TaskCompletedEvent is published when a task reaches completed.
type TaskCompletedEvent struct {
	TaskID     string
	Workflow   string
	TokensUsed int64
}

// WorkspaceCleanupFailedEvent is published when a terminal-transition
// cleanup attempt errors. Cleanup failures are never fatal to the task.
type WorkspaceCleanupFailedEvent struct {
	TaskID   string
	Strategy string
	Error    string
}

// TaskFailedEvent is published when a task reaches failed.
type TaskFailedEvent struct {
	TaskID string
	Error  string
}

// TaskPausedEvent is published when a task is paused.
type TaskPausedEvent struct {
	TaskID string
	Reason string
}

// SessionResumedEvent is published per task successfully resumed during a
// capacity-restored batch.
type SessionResumedEvent struct {
	TaskID         string
	PreviousStatus string
	ContextSummary string
	ResumedAt      time.Time
}

// ResumeFailure records one task that could not be resumed in a batch.
type ResumeFailure struct {
	TaskID string
	Reason string
}

// AutoResumedEvent is the aggregate summary published after a
// capacity-restored batch completes. It exists for observability only and
// must never drive control decisions.
type AutoResumedEvent struct {
	Attempted int
	Succeeded int
	Failed    int
	Failures  []ResumeFailure
	Context   string
}

// ModeChangedEvent is published when the usage manager detects a
// time-of-day mode transition.
type ModeChangedEvent struct {
	Previous string
	Current  string
}
