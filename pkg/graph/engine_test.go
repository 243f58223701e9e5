package graph

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testState exercises both reducer behaviors: Log appends, Value replaces
// when set.
type testState struct {
	Value string
	Count int
	Log   []string
}

func testReducer(prev, delta testState) testState {
	if delta.Value != "" {
		prev.Value = delta.Value
	}
	prev.Count += delta.Count
	prev.Log = append(prev.Log, delta.Log...)
	return prev
}

func testConfig(thread string) *Config {
	return &Config{ThreadID: thread, ExecutionMode: "server", Profile: "test-profile"}
}

func record(name, next string) NodeFunc[testState] {
	return func(_ context.Context, _ testState) NodeResult[testState] {
		res := NodeResult[testState]{Delta: testState{Log: []string{name}, Count: 1}}
		if next == "" {
			res.Route = Stop()
		} else {
			res.Route = Goto(next)
		}
		return res
	}
}

func collect[S any](t *testing.T, ch <-chan Chunk[S]) []Chunk[S] {
	t.Helper()
	var out []Chunk[S]
	for c := range ch {
		out = append(out, c)
	}
	return out
}

func TestLinearRun(t *testing.T) {
	e := New(testReducer)
	require.NoError(t, e.Add("a", record("a", "b")))
	require.NoError(t, e.Add("b", record("b", "")))
	require.NoError(t, e.StartAt("a"))

	r, err := e.Compile(nil)
	require.NoError(t, err)

	ch, err := r.Stream(context.Background(), testConfig("t1"), testState{})
	require.NoError(t, err)
	chunks := collect(t, ch)

	require.Len(t, chunks, 4) // task a, update a, task b, update b
	assert.Equal(t, ChunkTask, chunks[0].Kind)
	assert.Equal(t, "a", chunks[0].Node)
	assert.Equal(t, ChunkUpdate, chunks[1].Kind)
	assert.Equal(t, []string{"a"}, chunks[1].Update.Log)
	assert.Equal(t, []string{"a", "b"}, chunks[3].State.Log)
	assert.Equal(t, 2, chunks[3].State.Count)
}

func TestConditionalEdges(t *testing.T) {
	passthrough := NodeFunc[testState](func(_ context.Context, _ testState) NodeResult[testState] {
		return NodeResult[testState]{Delta: testState{Value: "routed"}}
	})
	e := New(testReducer)
	require.NoError(t, e.Add("router", passthrough))
	require.NoError(t, e.Add("high", record("high", "")))
	require.NoError(t, e.Add("low", record("low", "")))
	require.NoError(t, e.StartAt("router"))
	e.Connect("router", "high", func(s testState) bool { return s.Value == "other" })
	e.Connect("router", "low", nil)

	r, err := e.Compile(nil)
	require.NoError(t, err)

	ch, err := r.Stream(context.Background(), testConfig("t2"), testState{})
	require.NoError(t, err)
	chunks := collect(t, ch)

	last := chunks[len(chunks)-1]
	assert.Equal(t, ChunkUpdate, last.Kind)
	assert.Equal(t, "low", last.Node, "first matching edge wins, nil predicate matches")
}

func TestNoRouteFails(t *testing.T) {
	dangling := NodeFunc[testState](func(_ context.Context, _ testState) NodeResult[testState] {
		return NodeResult[testState]{}
	})
	e := New(testReducer)
	require.NoError(t, e.Add("a", dangling))
	require.NoError(t, e.StartAt("a"))

	r, err := e.Compile(nil)
	require.NoError(t, err)

	ch, err := r.Stream(context.Background(), testConfig("t3"), testState{})
	require.NoError(t, err)
	chunks := collect(t, ch)

	last := chunks[len(chunks)-1]
	require.Equal(t, ChunkError, last.Kind)
	assert.ErrorIs(t, last.Err, ErrNoRoute)
}

func TestMaxStepsBoundsLoops(t *testing.T) {
	e := New(testReducer)
	require.NoError(t, e.Add("spin", record("spin", "spin")))
	require.NoError(t, e.StartAt("spin"))
	e.SetMaxSteps(5)

	r, err := e.Compile(nil)
	require.NoError(t, err)

	ch, err := r.Stream(context.Background(), testConfig("t4"), testState{})
	require.NoError(t, err)
	chunks := collect(t, ch)

	last := chunks[len(chunks)-1]
	require.Equal(t, ChunkError, last.Kind)
	assert.ErrorIs(t, last.Err, ErrMaxSteps)
}

func TestNodeErrorSurfaces(t *testing.T) {
	boom := errors.New("node exploded")
	e := New(testReducer)
	require.NoError(t, e.Add("bad", NodeFunc[testState](func(_ context.Context, _ testState) NodeResult[testState] {
		return NodeResult[testState]{Err: boom}
	})))
	require.NoError(t, e.StartAt("bad"))

	r, err := e.Compile(nil)
	require.NoError(t, err)

	ch, err := r.Stream(context.Background(), testConfig("t5"), testState{})
	require.NoError(t, err)
	chunks := collect(t, ch)

	require.Len(t, chunks, 2)
	assert.Equal(t, ChunkError, chunks[1].Kind)
	assert.ErrorIs(t, chunks[1].Err, boom)
}

func TestInterruptAndResume(t *testing.T) {
	var approvalSaw any
	approval := NodeFunc[testState](func(ctx context.Context, _ testState) NodeResult[testState] {
		approvalSaw = ResolvedFromContext(ctx)
		return NodeResult[testState]{Delta: testState{Log: []string{"approval"}}, Route: Goto("after")}
	})

	e := New(testReducer)
	require.NoError(t, e.Add("before", record("before", "approval")))
	require.NoError(t, e.Add("approval", approval))
	require.NoError(t, e.Add("after", record("after", "")))
	require.NoError(t, e.StartAt("before"))
	e.Interrupt("approval")

	cp := NewMemCheckpointer[testState]()
	r, err := e.Compile(cp)
	require.NoError(t, err)

	cfg := testConfig("wf-1")

	ch, err := r.Stream(context.Background(), cfg, testState{})
	require.NoError(t, err)
	chunks := collect(t, ch)

	last := chunks[len(chunks)-1]
	require.Equal(t, ChunkInterrupt, last.Kind)
	assert.Equal(t, "approval", last.Node)
	assert.Equal(t, []string{"before"}, last.State.Log, "state up to the interrupt is exposed")

	// Checkpoint was persisted before the interrupt surfaced.
	pos, saved, ok, err := cp.Load(context.Background(), "wf-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "approval", pos)
	assert.Equal(t, []string{"before"}, saved.Log)

	// Resume re-enters at the interrupt node with the resolved value.
	ch, err = r.Resume(context.Background(), cfg, map[string]any{"decision": "approve"})
	require.NoError(t, err)
	chunks = collect(t, ch)

	assert.Equal(t, map[string]any{"decision": "approve"}, approvalSaw)
	last = chunks[len(chunks)-1]
	require.Equal(t, ChunkUpdate, last.Kind)
	assert.Equal(t, "after", last.Node)
	assert.Equal(t, []string{"before", "approval", "after"}, last.State.Log)

	// Natural completion dropped the checkpoint.
	_, _, ok, err = cp.Load(context.Background(), "wf-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestResumeWithoutCheckpoint(t *testing.T) {
	e := New(testReducer)
	require.NoError(t, e.Add("a", record("a", "")))
	require.NoError(t, e.StartAt("a"))

	r, err := e.Compile(NewMemCheckpointer[testState]())
	require.NoError(t, err)

	_, err = r.Resume(context.Background(), testConfig("missing"), nil)
	assert.ErrorIs(t, err, ErrNoCheckpoint)
}

func TestConfigValidation(t *testing.T) {
	e := New(testReducer)
	require.NoError(t, e.Add("a", record("a", "")))
	require.NoError(t, e.StartAt("a"))
	r, err := e.Compile(nil)
	require.NoError(t, err)

	_, err = r.Stream(context.Background(), &Config{Profile: "p"}, testState{})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = r.Stream(context.Background(), &Config{ThreadID: "t"}, testState{})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestCompileValidation(t *testing.T) {
	e := New(testReducer)
	require.NoError(t, e.Add("a", record("a", "")))

	_, err := e.Compile(nil)
	assert.ErrorContains(t, err, "start node not set")

	require.NoError(t, e.StartAt("a"))
	e.Connect("a", "ghost", nil)
	_, err = e.Compile(nil)
	assert.ErrorContains(t, err, "unknown node")
}

func TestConfigReachesNodes(t *testing.T) {
	var got *Config
	e := New(testReducer)
	require.NoError(t, e.Add("a", NodeFunc[testState](func(ctx context.Context, _ testState) NodeResult[testState] {
		got = ConfigFromContext(ctx)
		return NodeResult[testState]{Route: Stop()}
	})))
	require.NoError(t, e.StartAt("a"))
	r, err := e.Compile(nil)
	require.NoError(t, err)

	cfg := testConfig("t9")
	cfg.Prompts = map[string]string{"architect": "plan it"}
	ch, err := r.Stream(context.Background(), cfg, testState{})
	require.NoError(t, err)
	collect(t, ch)

	require.NotNil(t, got)
	assert.Equal(t, "t9", got.ThreadID)
	assert.Equal(t, "plan it", got.Prompts["architect"])
}
