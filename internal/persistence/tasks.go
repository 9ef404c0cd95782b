package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrTaskNotFound is returned when a task ID does not exist.
var ErrTaskNotFound = errors.New("task not found")

// NewTask describes a task to create.
type NewTask struct {
	Description string
	Workflow    string
	Stages      []string
	Priority    int
	ParentID    string
	Workspace   WorkspaceSpec
}

// TaskUpdate is a partial update: nil fields are left untouched.
// ClearPauseState resets pause_reason, paused_at, and resume_after together.
type TaskUpdate struct {
	Status          *TaskStatus
	PauseReason     *string
	PausedAt        *time.Time
	ResumeAfter     *time.Time
	ClearPauseState bool
	ResumeAttempts  *int
	SessionData     *SessionData
	WorkspacePath   *string
	AddTokens       int64
	AddCost         float64
}

// CreateTask inserts a new pending task and returns its ID.
func (s *Store) CreateTask(ctx context.Context, nt NewTask) (string, error) {
	taskID := uuid.NewString()
	stages, err := json.Marshal(nt.Stages)
	if err != nil {
		return "", fmt.Errorf("marshal stages: %w", err)
	}
	strategy := nt.Workspace.Strategy
	if strategy == "" {
		strategy = WorkspaceNone
	}
	switch strategy {
	case WorkspaceWorktree, WorkspaceContainer, WorkspaceDirectory, WorkspaceNone:
	default:
		return "", fmt.Errorf("unknown workspace strategy %q", strategy)
	}
	// Any real workspace is cleanup-eligible; preservation is decided at
	// terminal transition time, not at creation.
	cleanup := nt.Workspace.Cleanup || strategy != WorkspaceNone

	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tasks (
				id, description, workflow, stages, status, priority, parent_id,
				strategy, cleanup, preserve_on_failure, workspace_path,
				created_at, updated_at
			)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, taskID, nt.Description, nt.Workflow, string(stages), TaskStatusPending,
			nt.Priority, nt.ParentID, strategy, boolToInt(cleanup),
			nullableBool(nt.Workspace.PreserveOnFailure), nt.Workspace.Path)
		if err != nil {
			return fmt.Errorf("create task: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return taskID, nil
}

// GetTask loads one task, including its subtask IDs.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, taskSelect+` WHERE id = ?;`, id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	if err := s.loadSubtaskIDs(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// UpdateTask applies a partial update. Unknown IDs return ErrTaskNotFound.
func (s *Store) UpdateTask(ctx context.Context, id string, u TaskUpdate) error {
	sets := []string{"updated_at = CURRENT_TIMESTAMP"}
	var args []interface{}

	if u.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*u.Status))
	}
	if u.ClearPauseState {
		sets = append(sets, "pause_reason = ''", "paused_at = NULL", "resume_after = NULL")
	} else {
		if u.PauseReason != nil {
			sets = append(sets, "pause_reason = ?")
			args = append(args, *u.PauseReason)
		}
		if u.PausedAt != nil {
			sets = append(sets, "paused_at = ?")
			args = append(args, u.PausedAt.UTC())
		}
		if u.ResumeAfter != nil {
			sets = append(sets, "resume_after = ?")
			args = append(args, u.ResumeAfter.UTC())
		}
	}
	if u.ResumeAttempts != nil {
		sets = append(sets, "resume_attempts = ?")
		args = append(args, *u.ResumeAttempts)
	}
	if u.SessionData != nil {
		data, err := json.Marshal(u.SessionData)
		if err != nil {
			return fmt.Errorf("marshal session data: %w", err)
		}
		sets = append(sets, "session_data = ?")
		args = append(args, string(data))
	}
	if u.WorkspacePath != nil {
		sets = append(sets, "workspace_path = ?")
		args = append(args, *u.WorkspacePath)
	}
	if u.AddTokens != 0 {
		sets = append(sets, "tokens_used = tokens_used + ?")
		args = append(args, u.AddTokens)
	}
	if u.AddCost != 0 {
		sets = append(sets, "cost_usd = cost_usd + ?")
		args = append(args, u.AddCost)
	}

	query := fmt.Sprintf("UPDATE tasks SET %s WHERE id = ?;", strings.Join(sets, ", "))
	args = append(args, id)

	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("update task %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update task %s: %w", id, err)
		}
		if n == 0 {
			return ErrTaskNotFound
		}
		return nil
	})
}

// NextQueuedTasks returns up to limit pending tasks, highest priority first,
// oldest first within a priority.
func (s *Store) NextQueuedTasks(ctx context.Context, limit int) ([]*Task, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, taskSelect+`
		WHERE status = ?
		ORDER BY priority DESC, created_at ASC
		LIMIT ?;
	`, TaskStatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("next queued tasks: %w", err)
	}
	return s.collectTasks(ctx, rows)
}

// PausedParentTasks returns paused tasks that own at least one subtask,
// highest priority first.
func (s *Store) PausedParentTasks(ctx context.Context) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, taskSelect+`
		WHERE status = ?
		AND EXISTS (SELECT 1 FROM tasks c WHERE c.parent_id = tasks.id)
		ORDER BY priority DESC, created_at ASC;
	`, TaskStatusPaused)
	if err != nil {
		return nil, fmt.Errorf("paused parent tasks: %w", err)
	}
	return s.collectTasks(ctx, rows)
}

// PausedTasksForResume returns every paused task, highest priority first.
func (s *Store) PausedTasksForResume(ctx context.Context) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, taskSelect+`
		WHERE status = ?
		ORDER BY priority DESC, created_at ASC;
	`, TaskStatusPaused)
	if err != nil {
		return nil, fmt.Errorf("paused tasks for resume: %w", err)
	}
	return s.collectTasks(ctx, rows)
}

// TasksByStatus returns every task in the given status, oldest first.
func (s *Store) TasksByStatus(ctx context.Context, status TaskStatus) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, taskSelect+`
		WHERE status = ?
		ORDER BY created_at ASC;
	`, status)
	if err != nil {
		return nil, fmt.Errorf("tasks by status %s: %w", status, err)
	}
	return s.collectTasks(ctx, rows)
}

// Subtasks returns the ordered children of a parent task.
func (s *Store) Subtasks(ctx context.Context, parentID string) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, taskSelect+`
		WHERE parent_id = ?
		ORDER BY created_at ASC;
	`, parentID)
	if err != nil {
		return nil, fmt.Errorf("subtasks of %s: %w", parentID, err)
	}
	return s.collectTasks(ctx, rows)
}

const taskSelect = `
	SELECT id, description, workflow, stages, status, priority, parent_id,
		strategy, cleanup, preserve_on_failure, workspace_path,
		pause_reason, paused_at, resume_after, resume_attempts,
		tokens_used, cost_usd, session_data, created_at, updated_at
	FROM tasks`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		t           Task
		stages      string
		preserve    sql.NullBool
		pausedAt    sql.NullTime
		resumeAfter sql.NullTime
		sessionData sql.NullString
	)
	err := row.Scan(
		&t.ID, &t.Description, &t.Workflow, &stages, &t.Status, &t.Priority,
		&t.ParentID, &t.Workspace.Strategy, &t.Workspace.Cleanup, &preserve,
		&t.Workspace.Path, &t.PauseReason, &pausedAt, &resumeAfter,
		&t.ResumeAttempts, &t.TokensUsed, &t.CostUSD, &sessionData,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(stages), &t.Stages); err != nil {
		return nil, fmt.Errorf("unmarshal stages for task %s: %w", t.ID, err)
	}
	if preserve.Valid {
		v := preserve.Bool
		t.Workspace.PreserveOnFailure = &v
	}
	if pausedAt.Valid {
		v := pausedAt.Time
		t.PausedAt = &v
	}
	if resumeAfter.Valid {
		v := resumeAfter.Time
		t.ResumeAfter = &v
	}
	if sessionData.Valid && sessionData.String != "" {
		var sd SessionData
		if err := json.Unmarshal([]byte(sessionData.String), &sd); err != nil {
			return nil, fmt.Errorf("unmarshal session data for task %s: %w", t.ID, err)
		}
		t.SessionData = &sd
	}
	return &t, nil
}

func (s *Store) collectTasks(ctx context.Context, rows *sql.Rows) ([]*Task, error) {
	defer rows.Close()
	var out []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task rows: %w", err)
	}
	for _, task := range out {
		if err := s.loadSubtaskIDs(ctx, task); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) loadSubtaskIDs(ctx context.Context, t *Task) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM tasks WHERE parent_id = ? ORDER BY created_at ASC;
	`, t.ID)
	if err != nil {
		return fmt.Errorf("load subtask ids for %s: %w", t.ID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("scan subtask id: %w", err)
		}
		t.SubtaskIDs = append(t.SubtaskIDs, id)
	}
	return rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableBool(b *bool) interface{} {
	if b == nil {
		return nil
	}
	return boolToInt(*b)
}
