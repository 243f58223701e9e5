package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/amelia-dev/amelia/pkg/agents"
	"github.com/amelia-dev/amelia/pkg/driver"
	"github.com/amelia-dev/amelia/pkg/graph"
	"github.com/amelia-dev/amelia/pkg/models"
	"github.com/amelia-dev/amelia/pkg/pipeline"
)

// runOutcome summarizes one pass over the graph stream.
type runOutcome struct {
	state       pipeline.PipelineState
	interrupted bool
	err         error
}

// run drives one workflow to its next resting point: terminal state,
// blocked on approval, or failure. decision is non-nil when resuming from
// a checkpoint.
func (o *Orchestrator) run(task *activeTask, wf *models.Workflow, profile *models.Profile, decision *pipeline.Decision) {
	defer o.release(task)

	// Finalization writes use a background context so a cancelled run can
	// still record its terminal state.
	bg := context.Background()

	// Fresh runs may get a managed worktree inside the sandbox; resumed runs
	// keep the one provisioned before they blocked.
	if o.workspaces != nil && decision == nil {
		path, err := o.workspaces.Prepare(task.ctx, wf.ID, profile)
		if err != nil {
			o.fail(bg, wf.ID, err)
			return
		}
		if path != "" {
			wf.WorktreePath = path
			if err := o.store.UpdateWorkflow(bg, wf.ID, models.WorkflowUpdate{WorktreePath: &path}); err != nil {
				o.log.Error("record worktree path", "workflow_id", wf.ID, "err", err)
			}
		}
	}

	runner, err := o.buildRunner(pipeline.Deps{
		Profile:    profile,
		Drivers:    o.driverFactory(profile),
		WorkingDir: wf.WorktreePath,
		PlanDir:    profile.PlanOutput,
	}, pipeline.NewStoreCheckpointer(o.store))
	if err != nil {
		o.fail(bg, wf.ID, err)
		return
	}

	cfg := &graph.Config{
		ThreadID:      wf.ID,
		ExecutionMode: "server",
		Profile:       profile,
		Repository:    o.cfg.Repository,
		Prompts:       o.prompts(bg),
		Emitter:       o.sinkFor(wf.ID),
	}

	if decision == nil {
		o.emitOnce(bg, wf.ID, "workflow_started", models.EventWorkflowStarted, models.LevelInfo, "", "workflow started", nil)
	}

	for attempt := 0; ; attempt++ {
		var (
			ch     <-chan graph.Chunk[pipeline.PipelineState]
			runErr error
		)
		if decision != nil {
			ch, runErr = runner.Resume(task.ctx, cfg, *decision)
		} else {
			issue := o.issueFrom(wf)
			ch, runErr = runner.Stream(task.ctx, cfg, pipeline.NewInitialState(
				wf.ID, wf.WorkflowType, profile, issue.Title+"\n\n"+issue.Description, "", issue.Title, issue.AutoApprove))
		}
		if runErr != nil {
			o.fail(bg, wf.ID, runErr)
			return
		}

		out := o.consume(bg, wf, ch)

		switch {
		case out.interrupted:
			if out.state.AutoApprove {
				// No human in the loop; grant immediately and continue in
				// the same slot.
				o.emit(bg, wf.ID, models.EventApprovalGranted, models.LevelInfo, "human", "auto-approved", nil, false)
				d := pipeline.Decision{Action: pipeline.DecisionApprove, Message: "auto-approved"}
				decision = &d
				continue
			}
			o.block(bg, wf, out.state)
			return

		case out.err == nil:
			o.complete(bg, wf.ID, out.state)
			return

		case task.ctx.Err() != nil:
			if errors.Is(task.ctx.Err(), context.DeadlineExceeded) {
				o.fail(bg, wf.ID, fmt.Errorf("workflow timed out after %s", o.cfg.RunTimeout))
				return
			}
			o.emit(bg, wf.ID, models.EventWorkflowCancelled, models.LevelInfo, "", "cancelled", nil, false)
			if err := o.finalize(bg, wf.ID, models.WorkflowStatusCancelled, "cancelled"); err != nil {
				o.log.Error("finalize cancelled workflow", "workflow_id", wf.ID, "err", err)
			}
			return

		case driver.IsTransient(out.err) && attempt < o.cfg.MaxRetries:
			backoff := o.backoff(attempt)
			o.emit(bg, wf.ID, models.EventWorkflowRetry, models.LevelWarning, "",
				out.err.Error(), mustJSON(map[string]any{"attempt": attempt + 1, "backoff_ms": backoff.Milliseconds()}), false)
			select {
			case <-time.After(backoff):
			case <-task.ctx.Done():
			}

		default:
			o.fail(bg, wf.ID, out.err)
			return
		}
	}
}

// consume translates graph chunks into sequenced stage events.
func (o *Orchestrator) consume(ctx context.Context, wf *models.Workflow, ch <-chan graph.Chunk[pipeline.PipelineState]) runOutcome {
	var out runOutcome
	for chunk := range ch {
		switch chunk.Kind {
		case graph.ChunkTask:
			o.emit(ctx, wf.ID, models.EventStageStarted, models.LevelInfo, chunk.Node, chunk.Node, nil, false)

		case graph.ChunkUpdate:
			out.state = chunk.State
			o.emit(ctx, wf.ID, models.EventStageCompleted, models.LevelInfo, chunk.Node, chunk.Node, nil, false)
			if chunk.Update.PlanMarkdown != "" {
				o.syncPlanCache(ctx, wf.ID, chunk.State, true)
			}

		case graph.ChunkInterrupt:
			out.state = chunk.State
			out.interrupted = true
			return out

		case graph.ChunkError:
			out.err = chunk.Err
			return out
		}
	}
	return out
}

// block parks the workflow pending approval: plan cache synced for REST
// visibility, status blocked, approval event emitted last so a subscriber
// that reacts to it already sees the blocked record.
func (o *Orchestrator) block(ctx context.Context, wf *models.Workflow, state pipeline.PipelineState) {
	o.syncPlanCache(ctx, wf.ID, state, false)

	blocked := models.WorkflowStatusBlocked
	if err := o.store.UpdateWorkflow(ctx, wf.ID, models.WorkflowUpdate{Status: &blocked}); err != nil {
		o.log.Error("mark workflow blocked", "workflow_id", wf.ID, "err", err)
	}

	msg := "plan ready for review"
	level := models.LevelInfo
	if state.EscalationWarning != "" {
		msg = state.EscalationWarning
		level = models.LevelWarning
	}
	// Keyed by revision so a retried block cannot duplicate the approval
	// prompt, while each re-planned revision still announces itself.
	o.emitOnce(ctx, wf.ID, "approval_required:"+strconv.Itoa(state.PlanRevisionCount),
		models.EventApprovalRequired, level, "", msg,
		mustJSON(map[string]any{"total_tasks": state.TotalTasks, "plan_path": state.PlanPath}))
}

func (o *Orchestrator) complete(ctx context.Context, workflowID string, state pipeline.PipelineState) {
	status := models.WorkflowStatus(state.WorkflowStatus)
	if !status.IsTerminal() {
		status = models.WorkflowStatusCompleted
	}

	switch status {
	case models.WorkflowStatusCancelled:
		o.emit(ctx, workflowID, models.EventWorkflowCancelled, models.LevelInfo, "", "plan rejected", nil, false)
		if err := o.finalize(ctx, workflowID, status, state.UserMessage); err != nil {
			o.log.Error("finalize rejected workflow", "workflow_id", workflowID, "err", err)
		}
	default:
		var data json.RawMessage
		if state.EvaluationResult != nil {
			data = mustJSON(state.EvaluationResult)
		}
		o.emit(ctx, workflowID, models.EventWorkflowCompleted, models.LevelInfo, "", "workflow completed", data, false)
		if err := o.finalize(ctx, workflowID, models.WorkflowStatusCompleted, ""); err != nil {
			o.log.Error("finalize completed workflow", "workflow_id", workflowID, "err", err)
		}
	}
}

func (o *Orchestrator) fail(ctx context.Context, workflowID string, cause error) {
	o.emit(ctx, workflowID, models.EventWorkflowFailed, models.LevelError, "", cause.Error(), nil, true)
	if err := o.finalize(ctx, workflowID, models.WorkflowStatusFailed, cause.Error()); err != nil {
		o.log.Error("finalize failed workflow", "workflow_id", workflowID, "err", err)
	}
}

// finalize writes a terminal status and drops the workflow's checkpoints
// and sequencer cache.
func (o *Orchestrator) finalize(ctx context.Context, workflowID string, status models.WorkflowStatus, reason string) error {
	if err := o.store.SetWorkflowStatus(ctx, workflowID, status, reason); err != nil {
		return err
	}
	if o.workspaces != nil {
		o.workspaces.Finish(ctx, workflowID, status == models.WorkflowStatusCompleted)
	}
	if err := o.store.DeleteCheckpointsForWorkflow(ctx, workflowID); err != nil {
		o.log.Warn("delete checkpoints", "workflow_id", workflowID, "err", err)
	}
	o.bus.Forget(workflowID)
	return nil
}

// syncPlanCache mirrors the plan onto the workflow record so REST readers
// see it without touching pipeline state.
func (o *Orchestrator) syncPlanCache(ctx context.Context, workflowID string, state pipeline.PipelineState, planned bool) {
	cache := mustJSON(map[string]any{
		"plan_markdown":       state.PlanMarkdown,
		"plan_path":           state.PlanPath,
		"total_tasks":         state.TotalTasks,
		"plan_revision_count": state.PlanRevisionCount,
		"escalation_warning":  state.EscalationWarning,
	})
	upd := models.WorkflowUpdate{PlanCache: cache}
	if planned {
		now := time.Now().UTC()
		upd.PlannedAt = &now
	}
	if err := o.store.UpdateWorkflow(ctx, workflowID, upd); err != nil {
		o.log.Warn("sync plan cache", "workflow_id", workflowID, "err", err)
	}
}

// sinkFor translates live driver messages into sequenced events and
// persists usage samples.
func (o *Orchestrator) sinkFor(workflowID string) agents.Sink {
	return func(agent string, m driver.Message) {
		ctx := context.Background()
		switch m.Kind {
		case driver.KindThinking:
			o.emit(ctx, workflowID, models.EventAgentThinking, models.LevelDebug, agent, m.Thinking, nil, false)

		case driver.KindToolCall:
			o.emit(ctx, workflowID, models.EventToolCall, models.LevelInfo, agent, m.ToolName,
				mustJSON(map[string]any{"call_id": m.CallID, "input": m.Input}), false)

		case driver.KindToolResult:
			level := models.LevelDebug
			if m.IsError {
				level = models.LevelWarning
			}
			o.emit(ctx, workflowID, models.EventToolResult, level, agent, m.ToolName,
				mustJSON(map[string]any{"call_id": m.CallID, "output": clip(m.Output, 4096)}), m.IsError)

		case driver.KindResult:
			o.emit(ctx, workflowID, models.EventAgentResponse, models.LevelInfo, agent, clip(m.Content, 8192), nil, false)

		case driver.KindUsage:
			if m.Usage == nil {
				return
			}
			u := m.Usage
			if err := o.store.SaveTokenUsage(ctx, &models.TokenUsage{
				WorkflowID:          workflowID,
				Agent:               agent,
				Model:               u.Model,
				InputTokens:         u.InputTokens,
				OutputTokens:        u.OutputTokens,
				CacheReadTokens:     u.CacheReadTokens,
				CacheCreationTokens: u.CacheCreationTokens,
				CostUSD:             u.CostUSD,
				DurationMS:          u.DurationMS,
				NumTurns:            u.NumTurns,
			}); err != nil {
				o.log.Warn("save token usage", "workflow_id", workflowID, "err", err)
			}
			o.emit(ctx, workflowID, models.EventTokenUsage, models.LevelTrace, agent, "usage", mustJSON(u), false)
		}
	}
}

func (o *Orchestrator) emitOnce(ctx context.Context, workflowID, key string, t models.EventType, level models.EventLevel, agent, msg string, data json.RawMessage) {
	e := &models.Event{
		WorkflowID: workflowID,
		Level:      level,
		Type:       t,
		Agent:      agent,
		Message:    msg,
		Data:       data,
	}
	if err := o.bus.EmitOnce(ctx, key, e); err != nil {
		o.log.Error("emit event", "workflow_id", workflowID, "type", t, "err", err)
	}
}

func (o *Orchestrator) emit(ctx context.Context, workflowID string, t models.EventType, level models.EventLevel, agent, msg string, data json.RawMessage, isErr bool) {
	e := &models.Event{
		WorkflowID: workflowID,
		Level:      level,
		Type:       t,
		Agent:      agent,
		Message:    msg,
		Data:       data,
		IsError:    isErr,
	}
	if err := o.bus.Emit(ctx, e); err != nil {
		o.log.Error("emit event", "workflow_id", workflowID, "type", t, "err", err)
	}
}

func (o *Orchestrator) issueFrom(wf *models.Workflow) issuePayload {
	var issue issuePayload
	if len(wf.IssueCache) > 0 {
		_ = json.Unmarshal(wf.IssueCache, &issue)
	}
	if issue.Title == "" {
		issue.Title = wf.IssueID
	}
	return issue
}

// backoff returns the jittered delay before retry attempt+1.
func (o *Orchestrator) backoff(attempt int) time.Duration {
	base := o.cfg.RetryBackoff << attempt
	jitter := time.Duration(rand.Int63n(int64(base)/2 + 1))
	return base + jitter
}

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n... (truncated)"
}
