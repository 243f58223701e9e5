package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/amelia-dev/amelia/pkg/store"
)

// CheckpointStore is the slice of the store the checkpointer needs.
type CheckpointStore interface {
	PutCheckpoint(ctx context.Context, cp *store.CheckpointRecord) error
	GetCheckpoint(ctx context.Context, workflowID, threadID string) (*store.CheckpointRecord, error)
	DeleteCheckpointsForWorkflow(ctx context.Context, workflowID string) error
}

// StoreCheckpointer persists graph checkpoints through the store. The
// thread id doubles as the workflow id.
type StoreCheckpointer struct {
	store CheckpointStore
}

// NewStoreCheckpointer builds a checkpointer over the store.
func NewStoreCheckpointer(s CheckpointStore) *StoreCheckpointer {
	return &StoreCheckpointer{store: s}
}

// Save serializes the pipeline state and upserts the checkpoint row.
func (c *StoreCheckpointer) Save(ctx context.Context, threadID, position string, state PipelineState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal checkpoint state: %w", err)
	}
	return c.store.PutCheckpoint(ctx, &store.CheckpointRecord{
		WorkflowID: threadID,
		ThreadID:   threadID,
		Position:   position,
		State:      raw,
	})
}

// Load restores the checkpointed position and state. ok is false when no
// checkpoint exists for the thread.
func (c *StoreCheckpointer) Load(ctx context.Context, threadID string) (string, PipelineState, bool, error) {
	var zero PipelineState
	rec, err := c.store.GetCheckpoint(ctx, threadID, threadID)
	if errors.Is(err, store.ErrNotFound) {
		return "", zero, false, nil
	}
	if err != nil {
		return "", zero, false, err
	}
	var state PipelineState
	if err := json.Unmarshal(rec.State, &state); err != nil {
		return "", zero, false, fmt.Errorf("unmarshal checkpoint state: %w", err)
	}
	return rec.Position, state, true, nil
}

// Delete removes the thread's checkpoints after a terminal run.
func (c *StoreCheckpointer) Delete(ctx context.Context, threadID string) error {
	return c.store.DeleteCheckpointsForWorkflow(ctx, threadID)
}
