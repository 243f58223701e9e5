// Package graph is a small workflow engine: named nodes return sparse state
// updates that a reducer merges, conditional edges route between nodes, and
// declared interrupt points suspend execution through a checkpointer until
// an explicit resume supplies the resolved value.
package graph

import (
	"context"
	"errors"
	"fmt"
)

// Reducer merges a sparse delta into the previous state. It must be pure;
// list fields append, scalar fields replace when set.
type Reducer[S any] func(prev, delta S) S

// Predicate gates a conditional edge.
type Predicate[S any] func(state S) bool

// Next is a node's explicit routing decision. The zero value defers to the
// declared edges.
type Next struct {
	To       string
	Terminal bool
}

// Stop ends the workflow after this node.
func Stop() Next { return Next{Terminal: true} }

// Goto routes directly to the named node, bypassing edge evaluation.
func Goto(node string) Next { return Next{To: node} }

// NodeResult is the outcome of one node execution.
type NodeResult[S any] struct {
	// Delta is the sparse update merged into state by the reducer.
	Delta S
	// Route optionally overrides edge-based routing.
	Route Next
	Err   error
}

// Node is one unit of work in the graph.
type Node[S any] interface {
	Run(ctx context.Context, state S) NodeResult[S]
}

// NodeFunc adapts a function to the Node interface.
type NodeFunc[S any] func(ctx context.Context, state S) NodeResult[S]

// Run implements Node.
func (f NodeFunc[S]) Run(ctx context.Context, state S) NodeResult[S] { return f(ctx, state) }

// Edge is a directed, optionally conditional transition. Edges are
// evaluated in declaration order; the first match wins and a nil predicate
// always matches.
type Edge[S any] struct {
	From string
	To   string
	When Predicate[S]
}

// ChunkKind discriminates stream chunks.
type ChunkKind string

// Stream chunk kinds.
const (
	// ChunkTask announces a node about to run.
	ChunkTask ChunkKind = "task"
	// ChunkUpdate carries a node's state delta after it ran.
	ChunkUpdate ChunkKind = "update"
	// ChunkInterrupt marks suspension at an interrupt point. The checkpoint
	// is persisted before the chunk is delivered.
	ChunkInterrupt ChunkKind = "interrupt"
	// ChunkError terminates the stream with the run's error.
	ChunkError ChunkKind = "error"
)

// Chunk is one element of a graph execution stream.
type Chunk[S any] struct {
	Kind ChunkKind
	Node string
	// Update is set on ChunkUpdate chunks.
	Update S
	// State is the merged state at the time of the chunk; set on interrupt
	// chunks so callers can expose it without reloading the checkpoint.
	State S
	Err   error
}

// Config is the per-invocation configuration the runner injects into node
// contexts.
type Config struct {
	// ThreadID keys the checkpoint; the orchestrator uses the workflow id.
	ThreadID      string
	ExecutionMode string
	// Profile is the resolved profile for this invocation. Required.
	Profile any
	// Repository is the remote under work, when one is configured.
	Repository string
	// Prompts maps prompt ids to resolved content.
	Prompts map[string]string
	// Emitter receives live progress from inside nodes. Its concrete type
	// is owned by the caller; nodes assert it.
	Emitter any
}

// Validate reports fatal configuration errors.
func (c *Config) Validate() error {
	if c.ThreadID == "" {
		return fmt.Errorf("%w: thread_id is required", ErrInvalidConfig)
	}
	if c.Profile == nil {
		return fmt.Errorf("%w: profile is required", ErrInvalidConfig)
	}
	return nil
}

// Engine construction and execution errors.
var (
	ErrInvalidConfig = errors.New("invalid graph config")
	ErrNoRoute       = errors.New("no route from node")
	ErrMaxSteps      = errors.New("max steps exceeded")
	ErrNoCheckpoint  = errors.New("no checkpoint to resume from")
)

type contextKey string

const (
	configKey   contextKey = "graph.config"
	resolvedKey contextKey = "graph.resolved"
)

// ConfigFromContext returns the invocation config inside a node.
func ConfigFromContext(ctx context.Context) *Config {
	cfg, _ := ctx.Value(configKey).(*Config)
	return cfg
}

// ResolvedFromContext returns the value supplied to Resume. Only the
// interrupt node being resumed observes a non-nil value.
func ResolvedFromContext(ctx context.Context) any {
	return ctx.Value(resolvedKey)
}
