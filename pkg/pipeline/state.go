// Package pipeline defines the implementation pipeline: the typed state
// the graph threads through its nodes, the reducer that merges node deltas,
// and the wiring of agents into the architect, validation, approval,
// develop and review stages.
package pipeline

import (
	"time"

	"github.com/amelia-dev/amelia/pkg/agents"
	"github.com/amelia-dev/amelia/pkg/driver"
	"github.com/amelia-dev/amelia/pkg/models"
)

// AgenticStatus values for the state's agentic_status field.
const (
	AgenticRunning   = "running"
	AgenticPaused    = "paused"
	AgenticCompleted = "completed"
	AgenticFailed    = "failed"
)

// Default iteration budgets, used when the profile does not set them.
const (
	DefaultMaxPlanRevisions = 3
	DefaultMaxReviewPasses  = 3
)

// HistoryEntry is one observability record on the state.
type HistoryEntry struct {
	Ts         time.Time `json:"ts"`
	Actor      string    `json:"actor"`
	Event      string    `json:"event"`
	Detail     string    `json:"detail,omitempty"`
	TokensUsed int64     `json:"tokens_used,omitempty"`
}

// OracleConsultation records one oracle exchange on the state.
type OracleConsultation struct {
	Ts      time.Time `json:"ts"`
	Problem string    `json:"problem"`
	Advice  string    `json:"advice"`
}

// PipelineState is the frozen state the graph carries between nodes. Nodes
// never mutate it; they return sparse deltas merged by Reduce.
type PipelineState struct {
	// Identity, set once at initialization.
	WorkflowID   string `json:"workflow_id"`
	PipelineType string `json:"pipeline_type"`
	ProfileID    string `json:"profile_id"`

	// Observability, append-only.
	History []HistoryEntry `json:"history,omitempty"`

	// Human interaction.
	PendingUserInput bool   `json:"pending_user_input,omitempty"`
	UserDecision     string `json:"user_decision,omitempty"`
	UserMessage      string `json:"user_message,omitempty"`

	// Agentic execution.
	ToolCalls       []driver.Message `json:"tool_calls,omitempty"`
	ToolResults     []driver.Message `json:"tool_results,omitempty"`
	AgenticStatus   string           `json:"agentic_status,omitempty"`
	DriverSessionID string           `json:"driver_session_id,omitempty"`
	FinalResponse   string           `json:"final_response,omitempty"`
	Error           string           `json:"error,omitempty"`

	// Implementation pipeline.
	Issue             string                       `json:"issue,omitempty"`
	Design            string                       `json:"design,omitempty"`
	Goal              string                       `json:"goal,omitempty"`
	PlanMarkdown      string                       `json:"plan_markdown,omitempty"`
	PlanPath          string                       `json:"plan_path,omitempty"`
	PlanRevisionCount int                          `json:"plan_revision_count,omitempty"`
	ValidationResult  *agents.PlanValidationResult `json:"validation_result,omitempty"`
	EscalationWarning string                       `json:"escalation_warning,omitempty"`

	TotalTasks          int                       `json:"total_tasks,omitempty"`
	CurrentTaskIndex    int                       `json:"current_task_index,omitempty"`
	TaskReviewIteration int                       `json:"task_review_iteration,omitempty"`
	ReviewIteration     int                       `json:"review_iteration,omitempty"`
	StructuredReview    *agents.ReviewResult      `json:"structured_review,omitempty"`
	EvaluationResult    *agents.EvaluationResult  `json:"evaluation_result,omitempty"`

	ApprovedItems []string `json:"approved_items,omitempty"`
	AutoApprove   bool     `json:"auto_approve,omitempty"`

	MaxPlanRevisions int `json:"max_plan_revisions,omitempty"`
	MaxReviewPasses  int `json:"max_review_passes,omitempty"`

	WorkflowStatus string `json:"workflow_status,omitempty"`

	OracleConsultations []OracleConsultation `json:"oracle_consultations,omitempty"`
}

// NewInitialState builds the state for a fresh workflow run.
func NewInitialState(workflowID string, wfType models.WorkflowType, profile *models.Profile, issue, design, goal string, autoApprove bool) PipelineState {
	maxPasses := profile.MaxReviewIterations
	if maxPasses <= 0 {
		maxPasses = DefaultMaxReviewPasses
	}
	return PipelineState{
		WorkflowID:       workflowID,
		PipelineType:     string(wfType),
		ProfileID:        profile.ID,
		Issue:            issue,
		Design:           design,
		Goal:             goal,
		AutoApprove:      autoApprove,
		MaxPlanRevisions: DefaultMaxPlanRevisions,
		MaxReviewPasses:  maxPasses,
		AgenticStatus:    AgenticRunning,
		WorkflowStatus:   string(models.WorkflowStatusInProgress),
	}
}

// Reduce merges a sparse delta into the previous state. List fields append;
// scalars replace when the delta sets them. Two domain rules: a delta that
// advances CurrentTaskIndex also resets the per-task review iteration and
// clears the previous task's review, and a delta carrying a UserDecision
// clears PendingUserInput and the planning-phase driver session.
func Reduce(prev, delta PipelineState) PipelineState {
	out := prev

	out.History = append(out.History, delta.History...)
	out.ToolCalls = append(out.ToolCalls, delta.ToolCalls...)
	out.ToolResults = append(out.ToolResults, delta.ToolResults...)
	out.ApprovedItems = append(out.ApprovedItems, delta.ApprovedItems...)
	out.OracleConsultations = append(out.OracleConsultations, delta.OracleConsultations...)

	replaceStr(&out.AgenticStatus, delta.AgenticStatus)
	replaceStr(&out.DriverSessionID, delta.DriverSessionID)
	replaceStr(&out.FinalResponse, delta.FinalResponse)
	replaceStr(&out.Error, delta.Error)
	replaceStr(&out.Issue, delta.Issue)
	replaceStr(&out.Design, delta.Design)
	replaceStr(&out.Goal, delta.Goal)
	replaceStr(&out.PlanMarkdown, delta.PlanMarkdown)
	replaceStr(&out.PlanPath, delta.PlanPath)
	replaceStr(&out.EscalationWarning, delta.EscalationWarning)
	replaceStr(&out.WorkflowStatus, delta.WorkflowStatus)
	replaceStr(&out.UserMessage, delta.UserMessage)

	if delta.PlanRevisionCount > out.PlanRevisionCount {
		out.PlanRevisionCount = delta.PlanRevisionCount
	}
	if delta.TotalTasks != 0 {
		out.TotalTasks = delta.TotalTasks
	}
	if delta.ReviewIteration > out.ReviewIteration {
		out.ReviewIteration = delta.ReviewIteration
	}
	if delta.TaskReviewIteration > out.TaskReviewIteration {
		out.TaskReviewIteration = delta.TaskReviewIteration
	}
	if delta.CurrentTaskIndex > out.CurrentTaskIndex {
		out.CurrentTaskIndex = delta.CurrentTaskIndex
		out.TaskReviewIteration = 0
		out.StructuredReview = nil
	}

	if delta.ValidationResult != nil {
		out.ValidationResult = delta.ValidationResult
	}
	if delta.StructuredReview != nil {
		out.StructuredReview = delta.StructuredReview
	}
	if delta.EvaluationResult != nil {
		out.EvaluationResult = delta.EvaluationResult
	}

	if delta.PendingUserInput {
		out.PendingUserInput = true
	}
	if delta.UserDecision != "" {
		out.UserDecision = delta.UserDecision
		out.PendingUserInput = false
		// The decision ends the planning phase; the architect's driver
		// session must not carry into implementation.
		out.DriverSessionID = ""
	}

	return out
}

func replaceStr(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func entry(actor, event, detail string, tokens int64) HistoryEntry {
	return HistoryEntry{Ts: time.Now().UTC(), Actor: actor, Event: event, Detail: detail, TokensUsed: tokens}
}
