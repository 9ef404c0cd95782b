package persistence

import (
	"context"
	"fmt"
	"time"
)

// AddLog appends one per-task log record.
func (s *Store) AddLog(ctx context.Context, entry LogEntry) error {
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO task_logs (task_id, level, message, component, created_at)
			VALUES (?, ?, ?, ?, ?);
		`, entry.TaskID, entry.Level, entry.Message, entry.Component, ts)
		if err != nil {
			return fmt.Errorf("add log for %s: %w", entry.TaskID, err)
		}
		return nil
	})
}

// TaskLogs returns a task's log records, oldest first.
func (s *Store) TaskLogs(ctx context.Context, taskID string) ([]LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, level, message, component, created_at
		FROM task_logs
		WHERE task_id = ?
		ORDER BY created_at ASC, id ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("task logs for %s: %w", taskID, err)
	}
	defer rows.Close()

	var out []LogEntry
	for rows.Next() {
		var e LogEntry
		if err := rows.Scan(&e.TaskID, &e.Level, &e.Message, &e.Component, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
