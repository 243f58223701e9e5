package graph

import (
	"context"
	"fmt"
	"log/slog"
)

// defaultMaxSteps bounds a run so a misconfigured revision loop cannot spin
// forever.
const defaultMaxSteps = 200

// Engine holds the graph topology. Build it with Add/StartAt/Connect/
// Interrupt, then Compile into a Runner.
type Engine[S any] struct {
	reducer    Reducer[S]
	nodes      map[string]Node[S]
	edges      []Edge[S]
	startNode  string
	interrupts map[string]bool
	maxSteps   int
}

// New creates an engine around a reducer.
func New[S any](reducer Reducer[S]) *Engine[S] {
	return &Engine[S]{
		reducer:    reducer,
		nodes:      make(map[string]Node[S]),
		interrupts: make(map[string]bool),
		maxSteps:   defaultMaxSteps,
	}
}

// Add registers a node under a unique name.
func (e *Engine[S]) Add(name string, node Node[S]) error {
	if name == "" {
		return fmt.Errorf("node name cannot be empty")
	}
	if node == nil {
		return fmt.Errorf("node %q cannot be nil", name)
	}
	if _, exists := e.nodes[name]; exists {
		return fmt.Errorf("duplicate node %q", name)
	}
	e.nodes[name] = node
	return nil
}

// StartAt sets the entry node.
func (e *Engine[S]) StartAt(name string) error {
	if _, exists := e.nodes[name]; !exists {
		return fmt.Errorf("start node %q does not exist", name)
	}
	e.startNode = name
	return nil
}

// Connect declares an edge. A nil predicate is unconditional. Edges are
// evaluated in declaration order.
func (e *Engine[S]) Connect(from, to string, when Predicate[S]) {
	e.edges = append(e.edges, Edge[S]{From: from, To: to, When: when})
}

// Interrupt declares an interrupt point: execution suspends before the
// named node runs when a checkpointer is attached.
func (e *Engine[S]) Interrupt(name string) {
	e.interrupts[name] = true
}

// SetMaxSteps overrides the step bound.
func (e *Engine[S]) SetMaxSteps(n int) {
	if n > 0 {
		e.maxSteps = n
	}
}

// Compile validates the topology and binds an optional checkpointer.
func (e *Engine[S]) Compile(cp Checkpointer[S]) (*Runner[S], error) {
	if e.reducer == nil {
		return nil, fmt.Errorf("reducer is required")
	}
	if e.startNode == "" {
		return nil, fmt.Errorf("start node not set")
	}
	for _, edge := range e.edges {
		if _, ok := e.nodes[edge.From]; !ok {
			return nil, fmt.Errorf("edge from unknown node %q", edge.From)
		}
		if _, ok := e.nodes[edge.To]; !ok {
			return nil, fmt.Errorf("edge to unknown node %q", edge.To)
		}
	}
	for name := range e.interrupts {
		if _, ok := e.nodes[name]; !ok {
			return nil, fmt.Errorf("interrupt on unknown node %q", name)
		}
	}
	return &Runner[S]{engine: e, cp: cp}, nil
}

// Runner executes a compiled graph.
type Runner[S any] struct {
	engine *Engine[S]
	cp     Checkpointer[S]
}

// Stream starts a run from the initial state and returns its chunk
// stream. The channel closes when the run completes, suspends at an
// interrupt, or fails with a ChunkError.
func (r *Runner[S]) Stream(ctx context.Context, cfg *Config, initial S) (<-chan Chunk[S], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	out := make(chan Chunk[S])
	go r.run(ctx, cfg, initial, r.engine.startNode, false, nil, out)
	return out, nil
}

// Resume re-enters a suspended run at its interrupt node. resolved is
// delivered to that node via ResolvedFromContext.
func (r *Runner[S]) Resume(ctx context.Context, cfg *Config, resolved any) (<-chan Chunk[S], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if r.cp == nil {
		return nil, ErrNoCheckpoint
	}
	position, state, ok, err := r.cp.Load(ctx, cfg.ThreadID)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: thread %s", ErrNoCheckpoint, cfg.ThreadID)
	}
	out := make(chan Chunk[S])
	go r.run(ctx, cfg, state, position, true, resolved, out)
	return out, nil
}

// run walks the graph from startAt. When resuming, the first node executed
// is the interrupt node itself and it observes resolved via
// ResolvedFromContext.
func (r *Runner[S]) run(ctx context.Context, cfg *Config, state S, startAt string, resuming bool, resolved any, out chan<- Chunk[S]) {
	defer close(out)

	ctx = context.WithValue(ctx, configKey, cfg)

	current := startAt
	for step := 0; ; step++ {
		if step >= r.engine.maxSteps {
			r.fail(ctx, out, current, fmt.Errorf("%w (%d)", ErrMaxSteps, r.engine.maxSteps))
			return
		}
		if ctx.Err() != nil {
			r.fail(ctx, out, current, ctx.Err())
			return
		}

		node, ok := r.engine.nodes[current]
		if !ok {
			r.fail(ctx, out, current, fmt.Errorf("node %q not found", current))
			return
		}

		// Suspend before an interrupt node unless this entry is the resume
		// for it.
		if r.engine.interrupts[current] && !resuming {
			if r.cp != nil {
				if err := r.cp.Save(ctx, cfg.ThreadID, current, state); err != nil {
					r.fail(ctx, out, current, fmt.Errorf("save checkpoint: %w", err))
					return
				}
			}
			if !send(ctx, out, Chunk[S]{Kind: ChunkInterrupt, Node: current, State: state}) {
				return
			}
			return
		}

		if !send(ctx, out, Chunk[S]{Kind: ChunkTask, Node: current}) {
			return
		}

		nodeCtx := ctx
		if resuming {
			nodeCtx = context.WithValue(ctx, resolvedKey, resolved)
			resuming = false
		}

		result := node.Run(nodeCtx, state)
		if result.Err != nil {
			r.fail(ctx, out, current, result.Err)
			return
		}

		state = r.engine.reducer(state, result.Delta)
		if !send(ctx, out, Chunk[S]{Kind: ChunkUpdate, Node: current, Update: result.Delta, State: state}) {
			return
		}

		if result.Route.Terminal {
			r.finish(ctx, cfg)
			return
		}
		next := result.Route.To
		if next == "" {
			next = r.evaluateEdges(current, state)
		}
		if next == "" {
			r.fail(ctx, out, current, fmt.Errorf("%w: %s", ErrNoRoute, current))
			return
		}
		current = next
	}
}

// finish drops the thread's checkpoint after a natural completion.
func (r *Runner[S]) finish(ctx context.Context, cfg *Config) {
	if r.cp == nil {
		return
	}
	if err := r.cp.Delete(ctx, cfg.ThreadID); err != nil {
		slog.Warn("Failed to delete checkpoint after completion",
			"thread_id", cfg.ThreadID, "error", err)
	}
}

func (r *Runner[S]) fail(ctx context.Context, out chan<- Chunk[S], node string, err error) {
	send(ctx, out, Chunk[S]{Kind: ChunkError, Node: node, Err: err})
}

// evaluateEdges returns the first matching edge target, or empty.
func (r *Runner[S]) evaluateEdges(from string, state S) string {
	for _, edge := range r.engine.edges {
		if edge.From != from {
			continue
		}
		if edge.When == nil || edge.When(state) {
			return edge.To
		}
	}
	return ""
}

// send delivers a chunk unless the consumer's context is gone.
func send[S any](ctx context.Context, out chan<- Chunk[S], c Chunk[S]) bool {
	select {
	case out <- c:
		return true
	case <-ctx.Done():
		return false
	}
}
