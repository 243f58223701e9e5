package pipeline

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/amelia-dev/amelia/pkg/agents"
	"github.com/amelia-dev/amelia/pkg/driver"
	"github.com/amelia-dev/amelia/pkg/graph"
	"github.com/amelia-dev/amelia/pkg/models"
)

// Node names of the implementation pipeline.
const (
	NodeArchitect     = "architect_node"
	NodePlanValidator = "plan_validator_node"
	NodeHumanApproval = "human_approval_node"
	NodeDeveloper     = "developer_node"
	NodeReviewer      = "reviewer_node"
	NodeNextTask      = "next_task_node"
	NodeEvaluator     = "evaluator_node"
)

// Decision is the resolved value an approve or reject call supplies to the
// suspended human_approval_node.
type Decision struct {
	Action  string `json:"action"`
	Message string `json:"message,omitempty"`
}

// Decision actions.
const (
	DecisionApprove = "approve"
	DecisionReject  = "reject"
)

// DriverFactory builds the execution driver for a named agent.
type DriverFactory func(agent string) (driver.Driver, error)

// Deps wires the pipeline's collaborators.
type Deps struct {
	Profile *models.Profile
	Drivers DriverFactory
	// WorkingDir is the checkout the developer and reviewer operate in.
	WorkingDir string
	// PlanDir receives the architect's plan markdown.
	PlanDir string
}

// Build compiles the implementation pipeline over the given checkpointer.
func Build(deps Deps, cp graph.Checkpointer[PipelineState]) (*graph.Runner[PipelineState], error) {
	if deps.Profile == nil {
		return nil, fmt.Errorf("pipeline: profile is required")
	}
	if deps.Drivers == nil {
		return nil, fmt.Errorf("pipeline: driver factory is required")
	}

	e := graph.New(Reduce)
	for name, node := range map[string]graph.Node[PipelineState]{
		NodeArchitect:     graph.NodeFunc[PipelineState](deps.architectNode),
		NodePlanValidator: graph.NodeFunc[PipelineState](deps.planValidatorNode),
		NodeHumanApproval: graph.NodeFunc[PipelineState](deps.humanApprovalNode),
		NodeDeveloper:     graph.NodeFunc[PipelineState](deps.developerNode),
		NodeReviewer:      graph.NodeFunc[PipelineState](deps.reviewerNode),
		NodeNextTask:      graph.NodeFunc[PipelineState](deps.nextTaskNode),
		NodeEvaluator:     graph.NodeFunc[PipelineState](deps.evaluatorNode),
	} {
		if err := e.Add(name, node); err != nil {
			return nil, err
		}
	}
	if err := e.StartAt(NodeArchitect); err != nil {
		return nil, err
	}

	e.Connect(NodeArchitect, NodePlanValidator, nil)
	e.Connect(NodePlanValidator, NodeHumanApproval, func(s PipelineState) bool {
		return s.ValidationResult != nil && s.ValidationResult.Valid
	})
	e.Connect(NodePlanValidator, NodeArchitect, func(s PipelineState) bool {
		return s.PlanRevisionCount < s.MaxPlanRevisions
	})
	// Revision budget exhausted: escalate to the human with the warning the
	// validator left on state.
	e.Connect(NodePlanValidator, NodeHumanApproval, nil)
	e.Connect(NodeDeveloper, NodeReviewer, nil)
	e.Connect(NodeNextTask, NodeDeveloper, nil)

	e.Interrupt(NodeHumanApproval)

	return e.Compile(cp)
}

// sink returns the live message emitter from the invocation config.
func sink(ctx context.Context) agents.Sink {
	cfg := graph.ConfigFromContext(ctx)
	if cfg == nil {
		return nil
	}
	s, _ := cfg.Emitter.(agents.Sink)
	return s
}

func prompt(ctx context.Context, agent string) string {
	if cfg := graph.ConfigFromContext(ctx); cfg != nil {
		return cfg.Prompts[agent]
	}
	return ""
}

func (d Deps) architectNode(ctx context.Context, s PipelineState) graph.NodeResult[PipelineState] {
	drv, err := d.Drivers("architect")
	if err != nil {
		return fail(err)
	}
	arch := &agents.Architect{Driver: drv, Instructions: prompt(ctx, "architect"), Sink: sink(ctx)}

	var feedback []string
	if s.ValidationResult != nil && !s.ValidationResult.Valid {
		feedback = s.ValidationResult.Issues
	}

	res, err := arch.Run(ctx, agents.ArchitectInput{
		Issue:     s.Issue,
		Design:    s.Design,
		Goal:      s.Goal,
		Feedback:  feedback,
		SessionID: s.DriverSessionID,
		PlanPath:  filepath.Join(d.PlanDir, s.WorkflowID+".md"),
		CWD:       d.WorkingDir,
	})
	if err != nil {
		return fail(err)
	}

	delta := PipelineState{
		PlanMarkdown:    res.PlanMarkdown,
		PlanPath:        res.PlanPath,
		TotalTasks:      res.TaskCount,
		DriverSessionID: res.SessionID,
		ToolCalls:       res.ToolCalls,
		ToolResults:     res.ToolResults,
		History: []HistoryEntry{entry("architect", "plan_produced",
			fmt.Sprintf("%d tasks", res.TaskCount), usageTokens(res.Usage))},
	}
	if len(feedback) > 0 {
		// This run consumed one revision of the budget.
		delta.PlanRevisionCount = s.PlanRevisionCount + 1
	}
	return graph.NodeResult[PipelineState]{Delta: delta}
}

func (d Deps) planValidatorNode(_ context.Context, s PipelineState) graph.NodeResult[PipelineState] {
	res := agents.PlanValidator{}.Validate(s.PlanMarkdown, s.Goal)

	delta := PipelineState{ValidationResult: &res}
	if res.Valid {
		delta.History = []HistoryEntry{entry("plan_validator", "plan_valid", "", 0)}
		return graph.NodeResult[PipelineState]{Delta: delta}
	}

	if s.PlanRevisionCount >= s.MaxPlanRevisions {
		delta.EscalationWarning = fmt.Sprintf(
			"plan failed validation after %d revisions; review carefully before approving", s.PlanRevisionCount)
	}
	delta.History = []HistoryEntry{entry("plan_validator", "plan_invalid",
		fmt.Sprintf("%d issues", len(res.Issues)), 0)}
	return graph.NodeResult[PipelineState]{Delta: delta}
}

func (d Deps) humanApprovalNode(ctx context.Context, s PipelineState) graph.NodeResult[PipelineState] {
	decision, _ := graph.ResolvedFromContext(ctx).(Decision)
	if s.AutoApprove && decision.Action == "" {
		decision = Decision{Action: DecisionApprove, Message: "auto-approved"}
	}

	switch decision.Action {
	case DecisionApprove:
		delta := PipelineState{
			UserDecision:  DecisionApprove,
			UserMessage:   decision.Message,
			ApprovedItems: []string{"plan"},
			History:       []HistoryEntry{entry("human", "plan_approved", decision.Message, 0)},
		}
		if s.PipelineType == string(models.WorkflowTypePlanOnly) {
			delta.WorkflowStatus = string(models.WorkflowStatusCompleted)
			return graph.NodeResult[PipelineState]{Delta: delta, Route: graph.Stop()}
		}
		return graph.NodeResult[PipelineState]{Delta: delta, Route: graph.Goto(NodeDeveloper)}

	case DecisionReject:
		delta := PipelineState{
			UserDecision:   DecisionReject,
			UserMessage:    decision.Message,
			WorkflowStatus: string(models.WorkflowStatusCancelled),
			AgenticStatus:  AgenticCompleted,
			History:        []HistoryEntry{entry("human", "plan_rejected", decision.Message, 0)},
		}
		return graph.NodeResult[PipelineState]{Delta: delta, Route: graph.Stop()}

	default:
		return fail(fmt.Errorf("human approval resumed without a decision"))
	}
}

func (d Deps) developerNode(ctx context.Context, s PipelineState) graph.NodeResult[PipelineState] {
	drv, err := d.Drivers("developer")
	if err != nil {
		return fail(err)
	}
	dev := &agents.Developer{Driver: drv, Instructions: prompt(ctx, "developer"), Sink: sink(ctx)}

	var comments []string
	if s.StructuredReview != nil && !s.StructuredReview.Approved {
		comments = s.StructuredReview.Comments
	}

	res, err := dev.Run(ctx, agents.DeveloperInput{
		PlanMarkdown:     s.PlanMarkdown,
		CurrentTaskIndex: s.CurrentTaskIndex,
		TotalTasks:       s.TotalTasks,
		ReviewComments:   comments,
		SessionID:        s.DriverSessionID,
		CWD:              d.WorkingDir,
	})
	if err != nil {
		return fail(err)
	}

	delta := PipelineState{
		FinalResponse:   res.FinalResponse,
		DriverSessionID: res.SessionID,
		ToolCalls:       res.ToolCalls,
		ToolResults:     res.ToolResults,
		History: []HistoryEntry{entry("developer", "task_implemented",
			fmt.Sprintf("task %d/%d", s.CurrentTaskIndex+1, s.TotalTasks), usageTokens(res.Usage))},
	}
	return graph.NodeResult[PipelineState]{Delta: delta}
}

func (d Deps) reviewerNode(ctx context.Context, s PipelineState) graph.NodeResult[PipelineState] {
	drv, err := d.Drivers("reviewer")
	if err != nil {
		return fail(err)
	}
	rev := &agents.Reviewer{Driver: drv, Instructions: prompt(ctx, "reviewer"), Sink: sink(ctx)}

	res, err := rev.Run(ctx, agents.ReviewerInput{
		PlanMarkdown:      s.PlanMarkdown,
		CurrentTaskIndex:  s.CurrentTaskIndex,
		TotalTasks:        s.TotalTasks,
		DeveloperResponse: s.FinalResponse,
		CWD:               d.WorkingDir,
	})
	if err != nil {
		return fail(err)
	}

	delta := PipelineState{
		StructuredReview: &res.Review,
		ReviewIteration:  s.ReviewIteration + 1,
		ToolCalls:        res.ToolCalls,
		ToolResults:      res.ToolResults,
	}

	lastTask := s.CurrentTaskIndex+1 >= s.TotalTasks

	if !res.Review.Approved {
		if s.TaskReviewIteration+1 < s.MaxReviewPasses {
			delta.TaskReviewIteration = s.TaskReviewIteration + 1
			delta.History = []HistoryEntry{entry("reviewer", "changes_requested",
				fmt.Sprintf("%d comments", len(res.Review.Comments)), usageTokens(res.Usage))}
			return graph.NodeResult[PipelineState]{Delta: delta, Route: graph.Goto(NodeDeveloper)}
		}
		// Review budget spent; move on rather than loop forever, and leave
		// the unresolved review on state for the final evaluation.
		delta.History = []HistoryEntry{entry("reviewer", "review_budget_exhausted",
			fmt.Sprintf("task %d/%d", s.CurrentTaskIndex+1, s.TotalTasks), usageTokens(res.Usage))}
	} else {
		delta.History = []HistoryEntry{entry("reviewer", "task_approved",
			fmt.Sprintf("task %d/%d", s.CurrentTaskIndex+1, s.TotalTasks), usageTokens(res.Usage))}
	}

	if lastTask {
		return graph.NodeResult[PipelineState]{Delta: delta, Route: graph.Goto(NodeEvaluator)}
	}
	return graph.NodeResult[PipelineState]{Delta: delta, Route: graph.Goto(NodeNextTask)}
}

func (d Deps) nextTaskNode(_ context.Context, s PipelineState) graph.NodeResult[PipelineState] {
	delta := PipelineState{
		CurrentTaskIndex: s.CurrentTaskIndex + 1,
		History: []HistoryEntry{entry("pipeline", "task_advanced",
			fmt.Sprintf("task %d/%d", s.CurrentTaskIndex+2, s.TotalTasks), 0)},
	}
	return graph.NodeResult[PipelineState]{Delta: delta}
}

func (d Deps) evaluatorNode(ctx context.Context, s PipelineState) graph.NodeResult[PipelineState] {
	drv, err := d.Drivers("evaluator")
	if err != nil {
		return fail(err)
	}
	ev := &agents.Evaluator{Driver: drv, Instructions: prompt(ctx, "evaluator")}

	verdict, usage, err := ev.Run(ctx, agents.EvaluatorInput{
		Goal:          s.Goal,
		PlanMarkdown:  s.PlanMarkdown,
		FinalResponse: s.FinalResponse,
	})
	if err != nil {
		return fail(err)
	}

	delta := PipelineState{
		EvaluationResult: verdict,
		AgenticStatus:    AgenticCompleted,
		WorkflowStatus:   string(models.WorkflowStatusCompleted),
		History: []HistoryEntry{entry("evaluator", "evaluated",
			verdict.Verdict, usageTokens(usage))},
	}
	return graph.NodeResult[PipelineState]{Delta: delta, Route: graph.Stop()}
}

func fail(err error) graph.NodeResult[PipelineState] {
	return graph.NodeResult[PipelineState]{Err: err}
}

func usageTokens(u *driver.Usage) int64 {
	if u == nil {
		return 0
	}
	return u.InputTokens + u.OutputTokens
}
