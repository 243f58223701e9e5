package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// CheckpointRecord is an opaque graph snapshot: the position (next node)
// and the serialized pipeline state at suspension time.
type CheckpointRecord struct {
	WorkflowID string          `json:"workflow_id"`
	ThreadID   string          `json:"thread_id"`
	Position   string          `json:"position"`
	State      json.RawMessage `json:"state"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// PutCheckpoint upserts the checkpoint for (workflow_id, thread_id).
func (s *Store) PutCheckpoint(ctx context.Context, cp *CheckpointRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (workflow_id, thread_id, position, state, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (workflow_id, thread_id) DO UPDATE SET position = $3, state = $4, updated_at = $5`,
		cp.WorkflowID, cp.ThreadID, cp.Position, string(cp.State), encodeTime(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("put checkpoint: %w", err)
	}
	return nil
}

// GetCheckpoint loads the checkpoint for (workflow_id, thread_id).
func (s *Store) GetCheckpoint(ctx context.Context, workflowID, threadID string) (*CheckpointRecord, error) {
	var (
		cp        CheckpointRecord
		state     string
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT workflow_id, thread_id, position, state, updated_at
		 FROM checkpoints WHERE workflow_id = $1 AND thread_id = $2`,
		workflowID, threadID,
	).Scan(&cp.WorkflowID, &cp.ThreadID, &cp.Position, &state, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	cp.State = []byte(state)
	cp.UpdatedAt = decodeTime(updatedAt)
	return &cp, nil
}

// DeleteCheckpointsForWorkflow removes all checkpoints for a workflow,
// called when the workflow reaches a terminal state.
func (s *Store) DeleteCheckpointsForWorkflow(ctx context.Context, workflowID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE workflow_id = $1`, workflowID)
	if err != nil {
		return fmt.Errorf("delete checkpoints: %w", err)
	}
	return nil
}
