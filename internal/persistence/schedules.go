package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// UpsertSchedule creates or updates a schedule by name and returns its ID.
func (s *Store) UpsertSchedule(ctx context.Context, sched Schedule) (string, error) {
	var id string
	err := retryOnBusy(ctx, 5, func() error {
		row := s.db.QueryRowContext(ctx, `SELECT id FROM schedules WHERE name = ?;`, sched.Name)
		switch err := row.Scan(&id); err {
		case nil:
			_, err := s.db.ExecContext(ctx, `
				UPDATE schedules
				SET cron_expr = ?, workflow = ?, description = ?, priority = ?, next_run_at = ?
				WHERE id = ?;
			`, sched.CronExpr, sched.Workflow, sched.Description, sched.Priority, sched.NextRunAt.UTC(), id)
			if err != nil {
				return fmt.Errorf("update schedule %s: %w", sched.Name, err)
			}
			return nil
		case sql.ErrNoRows:
			id = uuid.NewString()
			_, err := s.db.ExecContext(ctx, `
				INSERT INTO schedules (id, name, cron_expr, workflow, description, priority, next_run_at)
				VALUES (?, ?, ?, ?, ?, ?, ?);
			`, id, sched.Name, sched.CronExpr, sched.Workflow, sched.Description, sched.Priority, sched.NextRunAt.UTC())
			if err != nil {
				return fmt.Errorf("insert schedule %s: %w", sched.Name, err)
			}
			return nil
		default:
			return fmt.Errorf("lookup schedule %s: %w", sched.Name, err)
		}
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// DueSchedules returns schedules whose next run is at or before now.
func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, cron_expr, workflow, description, priority, last_run_at, next_run_at
		FROM schedules
		WHERE next_run_at <= ?
		ORDER BY next_run_at ASC;
	`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("due schedules: %w", err)
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		var (
			sched   Schedule
			lastRun sql.NullTime
		)
		if err := rows.Scan(&sched.ID, &sched.Name, &sched.CronExpr, &sched.Workflow,
			&sched.Description, &sched.Priority, &lastRun, &sched.NextRunAt); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		if lastRun.Valid {
			v := lastRun.Time
			sched.LastRunAt = &v
		}
		out = append(out, sched)
	}
	return out, rows.Err()
}

// MarkScheduleRun records a schedule firing and its next run time.
func (s *Store) MarkScheduleRun(ctx context.Context, id string, ranAt, nextRun time.Time) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE schedules SET last_run_at = ?, next_run_at = ? WHERE id = ?;
		`, ranAt.UTC(), nextRun.UTC(), id)
		if err != nil {
			return fmt.Errorf("mark schedule run %s: %w", id, err)
		}
		return nil
	})
}
