// Package orchestrator schedules workflow runs: admission under a global
// capacity limit with per-worktree mutual exclusion, the stream loop that
// turns graph chunks into sequenced events, human approval resume,
// cancellation, transient-fault retry, and bounded shutdown.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/amelia-dev/amelia/pkg/agents"
	"github.com/amelia-dev/amelia/pkg/bus"
	"github.com/amelia-dev/amelia/pkg/driver"
	"github.com/amelia-dev/amelia/pkg/graph"
	"github.com/amelia-dev/amelia/pkg/models"
	"github.com/amelia-dev/amelia/pkg/pipeline"
	"github.com/amelia-dev/amelia/pkg/store"
)

// Agent names with prompt and driver configuration.
var agentNames = []string{"architect", "developer", "reviewer", "evaluator", "oracle"}

// Config tunes the scheduler.
type Config struct {
	// MaxConcurrent bounds simultaneously running workflows.
	MaxConcurrent int
	// MaxRetries bounds re-attempts after a transient driver fault.
	MaxRetries int
	// RetryBackoff is the base backoff, jittered and scaled per attempt.
	RetryBackoff time.Duration
	// ShutdownGrace bounds how long Shutdown waits for running workflows.
	ShutdownGrace time.Duration
	// RunTimeout bounds a single admitted run from start to its next
	// resting point. Zero disables the bound.
	RunTimeout time.Duration
	// Repository is the remote under work, forwarded into graph invocations
	// and used by the workspace manager's bare clone.
	Repository string
}

func (c *Config) applyDefaults() {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 3
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 2 * time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 15 * time.Second
	}
}

// RunnerFactory compiles a pipeline for one workflow. Tests substitute
// scripted runners.
type RunnerFactory func(deps pipeline.Deps, cp graph.Checkpointer[pipeline.PipelineState]) (*graph.Runner[pipeline.PipelineState], error)

// SandboxFactory provides the sandbox for a profile running in container
// mode, or nil for unsandboxed profiles.
type SandboxFactory func(profile *models.Profile) driver.Sandbox

// WorkspaceManager provisions and retires per-workflow worktrees for
// sandboxed profiles. Prepare returns the worktree path, or "" when the
// profile does not use managed worktrees. Finish runs once per terminal
// transition; completed reports whether the workflow succeeded.
type WorkspaceManager interface {
	Prepare(ctx context.Context, workflowID string, profile *models.Profile) (string, error)
	Finish(ctx context.Context, workflowID string, completed bool)
}

// activeTask is the in-memory record of a running workflow.
type activeTask struct {
	workflowID string
	worktree   string
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
}

// Orchestrator owns all process-wide mutable scheduling state.
type Orchestrator struct {
	store *store.Store
	bus   *bus.Bus
	cfg   Config
	log   *slog.Logger

	buildRunner RunnerFactory
	sandboxFor  SandboxFactory
	workspaces  WorkspaceManager

	// startMu makes admission atomic: capacity check, worktree exclusion
	// check, and registration happen under it.
	startMu sync.Mutex
	active  map[string]*activeTask // keyed by worktree path
	byID    map[string]*activeTask
}

// New builds an orchestrator over the store and bus.
func New(st *store.Store, b *bus.Bus, cfg Config) *Orchestrator {
	cfg.applyDefaults()
	return &Orchestrator{
		store:       st,
		bus:         b,
		cfg:         cfg,
		log:         slog.Default().With("component", "orchestrator"),
		buildRunner: pipeline.Build,
		active:      make(map[string]*activeTask),
		byID:        make(map[string]*activeTask),
	}
}

// SetRunnerFactory replaces the pipeline builder. Used by tests.
func (o *Orchestrator) SetRunnerFactory(f RunnerFactory) { o.buildRunner = f }

// SetSandboxFactory installs the sandbox provider lookup.
func (o *Orchestrator) SetSandboxFactory(f SandboxFactory) { o.sandboxFor = f }

// SetWorkspaceManager installs the worktree lifecycle hooks.
func (o *Orchestrator) SetWorkspaceManager(w WorkspaceManager) { o.workspaces = w }

// CreateRequest describes a new workflow. The inline title and description
// form the issue; no external tracker is consulted.
type CreateRequest struct {
	TaskTitle       string              `json:"task_title"`
	TaskDescription string              `json:"task_description,omitempty"`
	WorktreePath    string              `json:"worktree_path,omitempty"`
	ProfileID       string              `json:"profile_id,omitempty"`
	WorkflowType    models.WorkflowType `json:"workflow_type,omitempty"`
	AutoApprove     bool                `json:"auto_approve,omitempty"`
}

// Create registers a pending workflow. The worktree defaults to the
// profile's working directory; an active workflow on the same worktree is
// a conflict.
func (o *Orchestrator) Create(ctx context.Context, req CreateRequest) (*models.Workflow, error) {
	if req.TaskTitle == "" {
		return nil, &driver.UserInputError{Reason: "task_title is required"}
	}

	profile, err := o.resolveProfile(ctx, req.ProfileID)
	if err != nil {
		return nil, err
	}

	worktree := req.WorktreePath
	if worktree == "" {
		worktree = profile.WorkingDir
	}
	if worktree == "" {
		return nil, &driver.UserInputError{Reason: "no worktree path given and the profile has no working_dir"}
	}

	if existing, err := o.store.GetActiveWorkflowByWorktree(ctx, worktree); err == nil {
		return nil, &WorkflowConflictError{WorktreePath: worktree, ExistingID: existing.ID}
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	wfType := req.WorkflowType
	if wfType == "" {
		wfType = models.WorkflowTypeFull
	}

	issue := issuePayload{Title: req.TaskTitle, Description: req.TaskDescription, AutoApprove: req.AutoApprove}
	issueCache, err := json.Marshal(issue)
	if err != nil {
		return nil, fmt.Errorf("marshal issue: %w", err)
	}

	wf := &models.Workflow{
		ID:           uuid.New().String(),
		IssueID:      req.TaskTitle,
		WorktreePath: worktree,
		ProfileID:    profile.ID,
		Status:       models.WorkflowStatusPending,
		WorkflowType: wfType,
		IssueCache:   issueCache,
	}
	if err := o.store.CreateWorkflow(ctx, wf); err != nil {
		return nil, err
	}
	return wf, nil
}

// issuePayload is the inline issue cached on the workflow record.
type issuePayload struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	AutoApprove bool   `json:"auto_approve,omitempty"`
}

// Start admits a pending workflow and launches its run.
func (o *Orchestrator) Start(ctx context.Context, id string) error {
	wf, err := o.store.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	if wf.Status != models.WorkflowStatusPending {
		return fmt.Errorf("%w: status is %s", ErrNotStartable, wf.Status)
	}

	profile, err := o.store.GetProfile(ctx, wf.ProfileID)
	if err != nil {
		return err
	}

	task, err := o.admit(wf)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	inProgress := models.WorkflowStatusInProgress
	if err := o.store.UpdateWorkflow(ctx, wf.ID, models.WorkflowUpdate{Status: &inProgress, StartedAt: &now}); err != nil {
		o.release(task)
		return err
	}

	o.recordPromptVersions(ctx, wf.ID)
	go o.run(task, wf, profile, nil)
	return nil
}

// Approve resumes a blocked workflow with an approval decision.
func (o *Orchestrator) Approve(ctx context.Context, id, message string) error {
	return o.decide(ctx, id, pipeline.Decision{Action: pipeline.DecisionApprove, Message: message})
}

// Reject resumes a blocked workflow with a rejection.
func (o *Orchestrator) Reject(ctx context.Context, id, message string) error {
	return o.decide(ctx, id, pipeline.Decision{Action: pipeline.DecisionReject, Message: message})
}

func (o *Orchestrator) decide(ctx context.Context, id string, decision pipeline.Decision) error {
	wf, err := o.store.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	if wf.Status != models.WorkflowStatusBlocked {
		return fmt.Errorf("%w: status is %s", ErrNotBlocked, wf.Status)
	}

	profile, err := o.store.GetProfile(ctx, wf.ProfileID)
	if err != nil {
		return err
	}

	task, err := o.admit(wf)
	if err != nil {
		return err
	}

	inProgress := models.WorkflowStatusInProgress
	if err := o.store.UpdateWorkflow(ctx, wf.ID, models.WorkflowUpdate{Status: &inProgress}); err != nil {
		o.release(task)
		return err
	}

	evType := models.EventApprovalGranted
	if decision.Action == pipeline.DecisionReject {
		evType = models.EventApprovalRejected
	}
	o.emit(ctx, wf.ID, evType, models.LevelInfo, "human", decision.Message, nil, false)

	d := decision
	go o.run(task, wf, profile, &d)
	return nil
}

// Cancel stops a workflow. A running workflow is cancelled via its
// context; a pending or blocked one is finalized directly.
func (o *Orchestrator) Cancel(ctx context.Context, id, reason string) error {
	wf, err := o.store.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	if wf.Status.IsTerminal() {
		return fmt.Errorf("%w: status is %s", ErrNotStartable, wf.Status)
	}

	o.startMu.Lock()
	task := o.byID[id]
	o.startMu.Unlock()
	if task != nil {
		task.cancel()
		return nil
	}

	if reason == "" {
		reason = "cancelled by user"
	}
	return o.finalize(ctx, wf.ID, models.WorkflowStatusCancelled, reason)
}

// ActiveCount returns the number of running workflows.
func (o *Orchestrator) ActiveCount() int {
	o.startMu.Lock()
	defer o.startMu.Unlock()
	return len(o.active)
}

// CleanupOrphans fails workflows left in_progress by a previous process.
// Blocked workflows survive restarts; their checkpoints make them
// resumable.
func (o *Orchestrator) CleanupOrphans(ctx context.Context) error {
	wfs, err := o.store.ListActiveWorkflows(ctx)
	if err != nil {
		return err
	}
	for _, wf := range wfs {
		if wf.Status != models.WorkflowStatusInProgress {
			continue
		}
		o.log.Warn("failing orphaned workflow", "workflow_id", wf.ID)
		if err := o.finalize(ctx, wf.ID, models.WorkflowStatusFailed, "server restart"); err != nil {
			return err
		}
	}
	return nil
}

// Shutdown cancels running workflows and waits for them, bounded by the
// configured grace period and ctx.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.startMu.Lock()
	tasks := make([]*activeTask, 0, len(o.active))
	for _, t := range o.active {
		t.cancel()
		tasks = append(tasks, t)
	}
	o.startMu.Unlock()

	deadline := time.NewTimer(o.cfg.ShutdownGrace)
	defer deadline.Stop()
	for _, t := range tasks {
		select {
		case <-t.done:
		case <-deadline.C:
			return fmt.Errorf("shutdown timed out with workflow %s still running", t.workflowID)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// admit reserves a concurrency slot and the workflow's worktree.
func (o *Orchestrator) admit(wf *models.Workflow) (*activeTask, error) {
	o.startMu.Lock()
	defer o.startMu.Unlock()

	if len(o.active) >= o.cfg.MaxConcurrent {
		return nil, ErrAtCapacity
	}
	if holder, ok := o.active[wf.WorktreePath]; ok {
		return nil, &WorkflowConflictError{WorktreePath: wf.WorktreePath, ExistingID: holder.workflowID}
	}

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if o.cfg.RunTimeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), o.cfg.RunTimeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	task := &activeTask{
		workflowID: wf.ID,
		worktree:   wf.WorktreePath,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	o.active[wf.WorktreePath] = task
	o.byID[wf.ID] = task
	return task, nil
}

func (o *Orchestrator) release(task *activeTask) {
	o.startMu.Lock()
	delete(o.active, task.worktree)
	delete(o.byID, task.workflowID)
	o.startMu.Unlock()
	close(task.done)
}

func (o *Orchestrator) resolveProfile(ctx context.Context, id string) (*models.Profile, error) {
	if id != "" {
		return o.store.GetProfile(ctx, id)
	}
	return o.store.GetActiveProfile(ctx)
}

// recordPromptVersions snapshots the active prompt versions used by this
// workflow. Missing prompts are not an error; agents fall back to built-in
// instructions.
func (o *Orchestrator) recordPromptVersions(ctx context.Context, workflowID string) {
	for _, name := range agentNames {
		id, err := o.store.UpsertPrompt(ctx, name)
		if err != nil {
			continue
		}
		pv, err := o.store.LatestPromptVersion(ctx, id)
		if err != nil {
			continue
		}
		if err := o.store.RecordWorkflowPromptVersion(ctx, workflowID, id, pv.VersionNumber); err != nil {
			o.log.Warn("record prompt version", "workflow_id", workflowID, "prompt", name, "err", err)
		}
	}
}

// prompts resolves the latest prompt contents for the agent roles.
func (o *Orchestrator) prompts(ctx context.Context) map[string]string {
	out := make(map[string]string, len(agentNames))
	for _, name := range agentNames {
		id, err := o.store.UpsertPrompt(ctx, name)
		if err != nil {
			continue
		}
		pv, err := o.store.LatestPromptVersion(ctx, id)
		if err != nil {
			continue
		}
		out[name] = pv.Content
	}
	return out
}

// driverFactory builds per-agent drivers for a profile.
func (o *Orchestrator) driverFactory(profile *models.Profile) pipeline.DriverFactory {
	var sb driver.Sandbox
	if o.sandboxFor != nil {
		sb = o.sandboxFor(profile)
	}
	return func(agent string) (driver.Driver, error) {
		return agents.NewDriver(profile.AgentFor(agent), sb)
	}
}
