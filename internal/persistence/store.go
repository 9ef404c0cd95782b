// Package persistence is the SQLite-backed task store: task records,
// checkpoints, per-task logs, and recurring schedules.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// TaskStatus is the closed set of task lifecycle states.
type TaskStatus string

const (
	TaskStatusPending         TaskStatus = "pending"
	TaskStatusPlanning        TaskStatus = "planning"
	TaskStatusInProgress      TaskStatus = "in-progress"
	TaskStatusWaitingApproval TaskStatus = "waiting-approval"
	TaskStatusPaused          TaskStatus = "paused"
	TaskStatusCompleted       TaskStatus = "completed"
	TaskStatusFailed          TaskStatus = "failed"
	TaskStatusCancelled       TaskStatus = "cancelled"
)

// IsTerminal reports whether the status ends a task's lifecycle.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// Pause reasons with defined resume semantics. PauseReason is free-form;
// these are the values the batch-resume sweep recognizes as resumable.
const (
	PauseReasonSessionLimit = "session_limit"
	PauseReasonBudget       = "budget"
	PauseReasonCapacity     = "capacity"
	PauseReasonManual       = "manual"
	PauseReasonShutdown     = "shutdown"
)

// WorkspaceStrategy names how a task's working directory is provisioned.
type WorkspaceStrategy string

const (
	WorkspaceWorktree  WorkspaceStrategy = "worktree"
	WorkspaceContainer WorkspaceStrategy = "container"
	WorkspaceDirectory WorkspaceStrategy = "directory"
	WorkspaceNone      WorkspaceStrategy = "none"
)

// WorkspaceSpec describes a task's workspace and its cleanup policy.
// PreserveOnFailure is tri-state: nil defers to global settings, an
// explicit value wins outright.
type WorkspaceSpec struct {
	Strategy          WorkspaceStrategy `json:"strategy"`
	Cleanup           bool              `json:"cleanup"`
	PreserveOnFailure *bool             `json:"preserve_on_failure,omitempty"`
	Path              string            `json:"path,omitempty"`
}

// ConversationEntry is one turn of agent conversation history.
type ConversationEntry struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionData carries everything needed to rebuild context after a pause.
type SessionData struct {
	LastCheckpoint      string              `json:"last_checkpoint,omitempty"`
	ContextSummary      string              `json:"context_summary,omitempty"`
	ConversationHistory []ConversationEntry `json:"conversation_history,omitempty"`
	StageState          map[string]string   `json:"stage_state,omitempty"`
	ResumePoint         string              `json:"resume_point,omitempty"`
}

// Task is a unit of multi-stage agent-executed work.
type Task struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	Workflow    string     `json:"workflow"`
	Stages      []string   `json:"stages"`
	Status      TaskStatus `json:"status"`
	Priority    int        `json:"priority"`
	ParentID    string     `json:"parent_id,omitempty"`
	SubtaskIDs  []string   `json:"subtask_ids,omitempty"`

	Workspace WorkspaceSpec `json:"workspace"`

	PauseReason    string     `json:"pause_reason,omitempty"`
	PausedAt       *time.Time `json:"paused_at,omitempty"`
	ResumeAfter    *time.Time `json:"resume_after,omitempty"`
	ResumeAttempts int        `json:"resume_attempts"`

	TokensUsed int64   `json:"tokens_used"`
	CostUSD    float64 `json:"cost_usd"`

	SessionData *SessionData `json:"session_data,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsParent reports whether the task owns subtasks.
func (t *Task) IsParent() bool {
	return len(t.SubtaskIDs) > 0
}

// Checkpoint is an immutable snapshot of a task's stage position and
// conversation state, used to resume work after a pause.
type Checkpoint struct {
	CheckpointID      string              `json:"checkpoint_id"`
	TaskID            string              `json:"task_id"`
	Stage             string              `json:"stage"`
	StageIndex        int                 `json:"stage_index"`
	ConversationState []ConversationEntry `json:"conversation_state,omitempty"`
	Metadata          map[string]string   `json:"metadata,omitempty"`
	CreatedAt         time.Time           `json:"created_at"`
}

// LogEntry is one per-task log record.
type LogEntry struct {
	TaskID    string    `json:"task_id"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Component string    `json:"component"`
	Timestamp time.Time `json:"timestamp"`
}

// Schedule is a recurring task template fired by the cron loop.
type Schedule struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	CronExpr    string     `json:"cron_expr"`
	Workflow    string     `json:"workflow"`
	Description string     `json:"description"`
	Priority    int        `json:"priority"`
	LastRunAt   *time.Time `json:"last_run_at,omitempty"`
	NextRunAt   time.Time  `json:"next_run_at"`
}

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and migrates the schema.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	statements := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			description TEXT NOT NULL DEFAULT '',
			workflow TEXT NOT NULL DEFAULT '',
			stages TEXT NOT NULL DEFAULT '[]',
			status TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			parent_id TEXT NOT NULL DEFAULT '',
			strategy TEXT NOT NULL DEFAULT 'none',
			cleanup INTEGER NOT NULL DEFAULT 1,
			preserve_on_failure INTEGER,
			workspace_path TEXT NOT NULL DEFAULT '',
			pause_reason TEXT NOT NULL DEFAULT '',
			paused_at TIMESTAMP,
			resume_after TIMESTAMP,
			resume_attempts INTEGER NOT NULL DEFAULT 0,
			tokens_used INTEGER NOT NULL DEFAULT 0,
			cost_usd REAL NOT NULL DEFAULT 0,
			session_data TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status, priority DESC, created_at ASC);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_id);`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			checkpoint_id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			stage TEXT NOT NULL DEFAULT '',
			stage_index INTEGER NOT NULL DEFAULT 0,
			conversation_state TEXT,
			metadata TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_task ON checkpoints(task_id, created_at DESC);`,
		`CREATE TABLE IF NOT EXISTS task_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL,
			level TEXT NOT NULL,
			message TEXT NOT NULL,
			component TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_task_logs_task ON task_logs(task_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS schedules (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			cron_expr TEXT NOT NULL,
			workflow TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			priority INTEGER NOT NULL DEFAULT 0,
			last_run_at TIMESTAMP,
			next_run_at TIMESTAMP NOT NULL
		);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return tx.Commit()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using
// exponential backoff with bounded jitter on top of the driver's
// busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}
