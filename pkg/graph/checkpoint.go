package graph

import (
	"context"
	"sync"
)

// Checkpointer persists the graph position and state at interrupt points,
// keyed by thread id.
type Checkpointer[S any] interface {
	Save(ctx context.Context, threadID, position string, state S) error
	// Load returns the saved position and state; ok is false when no
	// checkpoint exists for the thread.
	Load(ctx context.Context, threadID string) (position string, state S, ok bool, err error)
	Delete(ctx context.Context, threadID string) error
}

// MemCheckpointer is an in-memory Checkpointer for tests and ephemeral
// runs.
type MemCheckpointer[S any] struct {
	mu   sync.Mutex
	data map[string]memCheckpoint[S]
}

type memCheckpoint[S any] struct {
	position string
	state    S
}

// NewMemCheckpointer returns an empty in-memory checkpointer.
func NewMemCheckpointer[S any]() *MemCheckpointer[S] {
	return &MemCheckpointer[S]{data: make(map[string]memCheckpoint[S])}
}

// Save implements Checkpointer.
func (m *MemCheckpointer[S]) Save(_ context.Context, threadID, position string, state S) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[threadID] = memCheckpoint[S]{position: position, state: state}
	return nil
}

// Load implements Checkpointer.
func (m *MemCheckpointer[S]) Load(_ context.Context, threadID string) (string, S, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.data[threadID]
	return cp.position, cp.state, ok, nil
}

// Delete implements Checkpointer.
func (m *MemCheckpointer[S]) Delete(_ context.Context, threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, threadID)
	return nil
}
