package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNoCheckpoint is returned when a task has no saved checkpoint.
var ErrNoCheckpoint = errors.New("no checkpoint for task")

// SaveCheckpoint writes an immutable checkpoint and returns its ID. IDs are
// random UUIDs, so concurrent saves for the same task never collide (stage
// execution may checkpoint concurrently with the session-limit watchdog).
func (s *Store) SaveCheckpoint(ctx context.Context, cp Checkpoint) (string, error) {
	checkpointID := fmt.Sprintf("%s-%s", cp.TaskID, uuid.NewString())

	var conversation, metadata interface{}
	if cp.ConversationState != nil {
		data, err := json.Marshal(cp.ConversationState)
		if err != nil {
			return "", fmt.Errorf("marshal conversation state: %w", err)
		}
		conversation = string(data)
	}
	if cp.Metadata != nil {
		data, err := json.Marshal(cp.Metadata)
		if err != nil {
			return "", fmt.Errorf("marshal checkpoint metadata: %w", err)
		}
		metadata = string(data)
	}

	createdAt := cp.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO checkpoints (checkpoint_id, task_id, stage, stage_index, conversation_state, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, checkpointID, cp.TaskID, cp.Stage, cp.StageIndex, conversation, metadata, createdAt)
		if err != nil {
			return fmt.Errorf("save checkpoint for %s: %w", cp.TaskID, err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return checkpointID, nil
}

// LatestCheckpoint returns the most recent checkpoint for a task.
func (s *Store) LatestCheckpoint(ctx context.Context, taskID string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, checkpointSelect+`
		WHERE task_id = ?
		ORDER BY created_at DESC, checkpoint_id DESC
		LIMIT 1;
	`, taskID)
	cp, err := scanCheckpoint(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoCheckpoint
		}
		return nil, err
	}
	return cp, nil
}

// ListCheckpoints returns all checkpoints for a task, most recent first.
func (s *Store) ListCheckpoints(ctx context.Context, taskID string) ([]*Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, checkpointSelect+`
		WHERE task_id = ?
		ORDER BY created_at DESC, checkpoint_id DESC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints for %s: %w", taskID, err)
	}
	defer rows.Close()

	var out []*Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

const checkpointSelect = `
	SELECT checkpoint_id, task_id, stage, stage_index, conversation_state, metadata, created_at
	FROM checkpoints`

func scanCheckpoint(row rowScanner) (*Checkpoint, error) {
	var (
		cp           Checkpoint
		conversation sql.NullString
		metadata     sql.NullString
	)
	err := row.Scan(&cp.CheckpointID, &cp.TaskID, &cp.Stage, &cp.StageIndex, &conversation, &metadata, &cp.CreatedAt)
	if err != nil {
		return nil, err
	}
	if conversation.Valid && conversation.String != "" {
		if err := json.Unmarshal([]byte(conversation.String), &cp.ConversationState); err != nil {
			return nil, fmt.Errorf("unmarshal conversation state: %w", err)
		}
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &cp.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal checkpoint metadata: %w", err)
		}
	}
	return &cp, nil
}
