package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amelia-dev/amelia/pkg/bus"
	"github.com/amelia-dev/amelia/pkg/driver"
	"github.com/amelia-dev/amelia/pkg/graph"
	"github.com/amelia-dev/amelia/pkg/models"
	"github.com/amelia-dev/amelia/pkg/pipeline"
	"github.com/amelia-dev/amelia/pkg/store"
)

type fixture struct {
	store *store.Store
	bus   *bus.Bus
	orch  *Orchestrator
}

func setup(t *testing.T, cfg Config) *fixture {
	t.Helper()
	s, err := store.Open(context.Background(), store.Config{
		Backend: store.BackendSQLite,
		DSN:     filepath.Join(t.TempDir(), "orch.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	b := bus.New(s)
	f := &fixture{store: s, bus: b, orch: New(s, b, cfg)}

	profile := &models.Profile{
		ID:         uuid.New().String(),
		Name:       "test",
		Tracker:    "noop",
		WorkingDir: t.TempDir(),
	}
	require.NoError(t, f.store.CreateProfile(context.Background(), profile))
	require.NoError(t, f.store.SetActiveProfile(context.Background(), profile.ID))
	return f
}

func (f *fixture) create(t *testing.T, worktree string) *models.Workflow {
	t.Helper()
	wf, err := f.orch.Create(context.Background(), CreateRequest{
		TaskTitle:    "implement the widget",
		WorktreePath: worktree,
	})
	require.NoError(t, err)
	return wf
}

// nodeRunner builds a single-node runner whose behavior is scripted.
func nodeRunner(t *testing.T, fn graph.NodeFunc[pipeline.PipelineState], interrupt bool) RunnerFactory {
	t.Helper()
	return func(_ pipeline.Deps, cp graph.Checkpointer[pipeline.PipelineState]) (*graph.Runner[pipeline.PipelineState], error) {
		e := graph.New(pipeline.Reduce)
		if err := e.Add("work", fn); err != nil {
			return nil, err
		}
		if err := e.StartAt("work"); err != nil {
			return nil, err
		}
		if interrupt {
			e.Interrupt("work")
		}
		return e.Compile(cp)
	}
}

func finishNode(_ context.Context, _ pipeline.PipelineState) graph.NodeResult[pipeline.PipelineState] {
	return graph.NodeResult[pipeline.PipelineState]{
		Delta: pipeline.PipelineState{WorkflowStatus: string(models.WorkflowStatusCompleted)},
		Route: graph.Stop(),
	}
}

func waitForStatus(t *testing.T, f *fixture, id string, want models.WorkflowStatus) *models.Workflow {
	t.Helper()
	var wf *models.Workflow
	require.Eventually(t, func() bool {
		var err error
		wf, err = f.store.GetWorkflow(context.Background(), id)
		return err == nil && wf.Status == want
	}, 5*time.Second, 10*time.Millisecond, "workflow never reached %s", want)
	return wf
}

func TestStartRunsToCompletion(t *testing.T) {
	f := setup(t, Config{})
	f.orch.SetRunnerFactory(nodeRunner(t, finishNode, false))

	wf := f.create(t, filepath.Join(t.TempDir(), "wt"))
	require.NoError(t, f.orch.Start(context.Background(), wf.ID))

	got := waitForStatus(t, f, wf.ID, models.WorkflowStatusCompleted)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.CompletedAt)
	assert.Zero(t, f.orch.ActiveCount())

	events, err := f.store.ListEvents(context.Background(), wf.ID, 0)
	require.NoError(t, err)
	types := make([]models.EventType, 0, len(events))
	for _, e := range events {
		types = append(types, e.Type)
	}
	assert.Equal(t, []models.EventType{
		models.EventWorkflowStarted,
		models.EventStageStarted,
		models.EventStageCompleted,
		models.EventWorkflowCompleted,
	}, types)
}

func TestCreateConflictsOnHeldWorktree(t *testing.T) {
	f := setup(t, Config{})
	wt := filepath.Join(t.TempDir(), "wt")
	first := f.create(t, wt)

	_, err := f.orch.Create(context.Background(), CreateRequest{TaskTitle: "another", WorktreePath: wt})
	var conflict *WorkflowConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, first.ID, conflict.ExistingID)
}

func TestCapacityLimit(t *testing.T) {
	f := setup(t, Config{MaxConcurrent: 1})
	releaseFirst := make(chan struct{})
	f.orch.SetRunnerFactory(nodeRunner(t, func(ctx context.Context, _ pipeline.PipelineState) graph.NodeResult[pipeline.PipelineState] {
		select {
		case <-releaseFirst:
		case <-ctx.Done():
		}
		return finishNode(ctx, pipeline.PipelineState{})
	}, false))

	a := f.create(t, filepath.Join(t.TempDir(), "wt-a"))
	b := f.create(t, filepath.Join(t.TempDir(), "wt-b"))

	require.NoError(t, f.orch.Start(context.Background(), a.ID))
	require.Eventually(t, func() bool { return f.orch.ActiveCount() == 1 }, time.Second, 5*time.Millisecond)

	err := f.orch.Start(context.Background(), b.ID)
	assert.ErrorIs(t, err, ErrAtCapacity)

	close(releaseFirst)
	waitForStatus(t, f, a.ID, models.WorkflowStatusCompleted)

	require.NoError(t, f.orch.Start(context.Background(), b.ID))
	waitForStatus(t, f, b.ID, models.WorkflowStatusCompleted)
}

func TestApprovalFlow(t *testing.T) {
	f := setup(t, Config{})
	f.orch.SetRunnerFactory(nodeRunner(t, func(ctx context.Context, _ pipeline.PipelineState) graph.NodeResult[pipeline.PipelineState] {
		decision, _ := graph.ResolvedFromContext(ctx).(pipeline.Decision)
		if decision.Action != pipeline.DecisionApprove {
			return graph.NodeResult[pipeline.PipelineState]{Err: errors.New("expected an approval decision")}
		}
		return finishNode(ctx, pipeline.PipelineState{})
	}, true))

	wf := f.create(t, filepath.Join(t.TempDir(), "wt"))
	require.NoError(t, f.orch.Start(context.Background(), wf.ID))
	waitForStatus(t, f, wf.ID, models.WorkflowStatusBlocked)

	// The slot is free while blocked, and approving from a non-blocked
	// state is rejected.
	assert.Zero(t, f.orch.ActiveCount())
	assert.ErrorIs(t, f.orch.Reject(context.Background(), uuid.New().String(), ""), store.ErrNotFound)

	require.NoError(t, f.orch.Approve(context.Background(), wf.ID, "looks good"))
	waitForStatus(t, f, wf.ID, models.WorkflowStatusCompleted)

	events, err := f.store.ListEvents(context.Background(), wf.ID, 0)
	require.NoError(t, err)
	var sawRequired, sawGranted bool
	for _, e := range events {
		sawRequired = sawRequired || e.Type == models.EventApprovalRequired
		sawGranted = sawGranted || e.Type == models.EventApprovalGranted
	}
	assert.True(t, sawRequired)
	assert.True(t, sawGranted)
}

func TestApproveRequiresBlocked(t *testing.T) {
	f := setup(t, Config{})
	wf := f.create(t, filepath.Join(t.TempDir(), "wt"))
	err := f.orch.Approve(context.Background(), wf.ID, "")
	assert.ErrorIs(t, err, ErrNotBlocked)
}

func TestCancelRunningWorkflow(t *testing.T) {
	f := setup(t, Config{})
	started := make(chan struct{})
	f.orch.SetRunnerFactory(nodeRunner(t, func(ctx context.Context, _ pipeline.PipelineState) graph.NodeResult[pipeline.PipelineState] {
		close(started)
		<-ctx.Done()
		return graph.NodeResult[pipeline.PipelineState]{Err: ctx.Err()}
	}, false))

	wf := f.create(t, filepath.Join(t.TempDir(), "wt"))
	require.NoError(t, f.orch.Start(context.Background(), wf.ID))
	<-started

	require.NoError(t, f.orch.Cancel(context.Background(), wf.ID, ""))
	got := waitForStatus(t, f, wf.ID, models.WorkflowStatusCancelled)
	assert.Equal(t, "cancelled", got.FailureReason)

	events, err := f.store.ListEvents(context.Background(), wf.ID, 0)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, models.EventWorkflowCancelled, last.Type)
	assert.Equal(t, models.LevelInfo, last.Level)
	assert.Equal(t, "cancelled", last.Message)
}

func TestCancelPendingWorkflow(t *testing.T) {
	f := setup(t, Config{})
	wf := f.create(t, filepath.Join(t.TempDir(), "wt"))

	require.NoError(t, f.orch.Cancel(context.Background(), wf.ID, "not needed"))
	got, err := f.store.GetWorkflow(context.Background(), wf.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusCancelled, got.Status)
	assert.Equal(t, "not needed", got.FailureReason)
}

func TestTransientFailureIsRetried(t *testing.T) {
	f := setup(t, Config{MaxRetries: 2, RetryBackoff: time.Millisecond})
	attempts := 0
	f.orch.SetRunnerFactory(nodeRunner(t, func(ctx context.Context, _ pipeline.PipelineState) graph.NodeResult[pipeline.PipelineState] {
		attempts++
		if attempts == 1 {
			return graph.NodeResult[pipeline.PipelineState]{Err: &driver.ProviderError{Driver: "claude", Reason: "rate limited"}}
		}
		return finishNode(ctx, pipeline.PipelineState{})
	}, false))

	wf := f.create(t, filepath.Join(t.TempDir(), "wt"))
	require.NoError(t, f.orch.Start(context.Background(), wf.ID))
	waitForStatus(t, f, wf.ID, models.WorkflowStatusCompleted)
	assert.Equal(t, 2, attempts)

	events, err := f.store.ListEvents(context.Background(), wf.ID, 0)
	require.NoError(t, err)
	var sawRetry bool
	for _, e := range events {
		sawRetry = sawRetry || e.Type == models.EventWorkflowRetry
	}
	assert.True(t, sawRetry)
}

func TestFatalFailureIsNotRetried(t *testing.T) {
	f := setup(t, Config{MaxRetries: 3, RetryBackoff: time.Millisecond})
	attempts := 0
	f.orch.SetRunnerFactory(nodeRunner(t, func(_ context.Context, _ pipeline.PipelineState) graph.NodeResult[pipeline.PipelineState] {
		attempts++
		return graph.NodeResult[pipeline.PipelineState]{Err: &driver.SchemaValidationError{Detail: "bad output"}}
	}, false))

	wf := f.create(t, filepath.Join(t.TempDir(), "wt"))
	require.NoError(t, f.orch.Start(context.Background(), wf.ID))
	got := waitForStatus(t, f, wf.ID, models.WorkflowStatusFailed)
	assert.Equal(t, 1, attempts)
	assert.Contains(t, got.FailureReason, "schema validation failed")
}

func TestCleanupOrphans(t *testing.T) {
	f := setup(t, Config{})
	wf := f.create(t, filepath.Join(t.TempDir(), "wt"))
	require.NoError(t, f.store.SetWorkflowStatus(context.Background(), wf.ID, models.WorkflowStatusInProgress, ""))

	require.NoError(t, f.orch.CleanupOrphans(context.Background()))
	got, err := f.store.GetWorkflow(context.Background(), wf.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusFailed, got.Status)
	assert.Equal(t, "server restart", got.FailureReason)
}

func TestShutdownWaitsForRunning(t *testing.T) {
	f := setup(t, Config{ShutdownGrace: 2 * time.Second})
	started := make(chan struct{})
	f.orch.SetRunnerFactory(nodeRunner(t, func(ctx context.Context, _ pipeline.PipelineState) graph.NodeResult[pipeline.PipelineState] {
		close(started)
		<-ctx.Done()
		return graph.NodeResult[pipeline.PipelineState]{Err: ctx.Err()}
	}, false))

	wf := f.create(t, filepath.Join(t.TempDir(), "wt"))
	require.NoError(t, f.orch.Start(context.Background(), wf.ID))
	<-started

	require.NoError(t, f.orch.Shutdown(context.Background()))
	assert.Zero(t, f.orch.ActiveCount())
	waitForStatus(t, f, wf.ID, models.WorkflowStatusCancelled)
}

func TestRunTimeoutFailsWorkflow(t *testing.T) {
	f := setup(t, Config{RunTimeout: 50 * time.Millisecond})
	f.orch.SetRunnerFactory(nodeRunner(t, func(ctx context.Context, _ pipeline.PipelineState) graph.NodeResult[pipeline.PipelineState] {
		<-ctx.Done()
		return graph.NodeResult[pipeline.PipelineState]{Err: ctx.Err()}
	}, false))

	wf := f.create(t, filepath.Join(t.TempDir(), "wt"))
	require.NoError(t, f.orch.Start(context.Background(), wf.ID))

	got := waitForStatus(t, f, wf.ID, models.WorkflowStatusFailed)
	assert.Contains(t, got.FailureReason, "timed out")
}

type fakeWorkspaces struct {
	mu       sync.Mutex
	path     string
	err      error
	prepared []string
	finished map[string]bool
}

func (w *fakeWorkspaces) Prepare(_ context.Context, workflowID string, _ *models.Profile) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return "", w.err
	}
	w.prepared = append(w.prepared, workflowID)
	return w.path, nil
}

func (w *fakeWorkspaces) Finish(_ context.Context, workflowID string, completed bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.finished == nil {
		w.finished = make(map[string]bool)
	}
	w.finished[workflowID] = completed
}

func (w *fakeWorkspaces) snapshot() ([]string, map[string]bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	finished := make(map[string]bool, len(w.finished))
	for k, v := range w.finished {
		finished[k] = v
	}
	return append([]string(nil), w.prepared...), finished
}

func TestManagedWorktreeLifecycle(t *testing.T) {
	f := setup(t, Config{})
	f.orch.SetRunnerFactory(nodeRunner(t, finishNode, false))
	ws := &fakeWorkspaces{path: "/workspace/worktrees/managed"}
	f.orch.SetWorkspaceManager(ws)

	wf := f.create(t, filepath.Join(t.TempDir(), "wt"))
	require.NoError(t, f.orch.Start(context.Background(), wf.ID))

	got := waitForStatus(t, f, wf.ID, models.WorkflowStatusCompleted)
	assert.Equal(t, "/workspace/worktrees/managed", got.WorktreePath)

	prepared, finished := ws.snapshot()
	assert.Equal(t, []string{wf.ID}, prepared)
	assert.True(t, finished[wf.ID])
}

func TestWorkspacePrepareFailureFailsWorkflow(t *testing.T) {
	f := setup(t, Config{})
	f.orch.SetRunnerFactory(nodeRunner(t, finishNode, false))
	ws := &fakeWorkspaces{err: errors.New("clone failed: no route to host")}
	f.orch.SetWorkspaceManager(ws)

	wf := f.create(t, filepath.Join(t.TempDir(), "wt"))
	require.NoError(t, f.orch.Start(context.Background(), wf.ID))

	got := waitForStatus(t, f, wf.ID, models.WorkflowStatusFailed)
	assert.Contains(t, got.FailureReason, "clone failed")

	_, finished := ws.snapshot()
	completed, called := finished[wf.ID]
	assert.True(t, called)
	assert.False(t, completed)
}
