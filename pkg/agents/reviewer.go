package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/amelia-dev/amelia/pkg/driver"
)

// reviewSchema constrains the reviewer's final response.
var reviewSchema = json.RawMessage(`{
	"type": "object",
	"required": ["approved", "summary"],
	"properties": {
		"approved": {"type": "boolean"},
		"summary": {"type": "string"},
		"comments": {"type": "array", "items": {"type": "string"}}
	}
}`)

// ReviewResult is the reviewer's structured verdict on one task.
type ReviewResult struct {
	Approved bool     `json:"approved"`
	Summary  string   `json:"summary"`
	Comments []string `json:"comments,omitempty"`
}

// Reviewer checks the developer's work for the current task.
type Reviewer struct {
	Driver       driver.Driver
	Instructions string
	Sink         Sink
}

// ReviewerInput mirrors the developer's view of the plan so both agents
// talk about the same task section.
type ReviewerInput struct {
	PlanMarkdown     string
	CurrentTaskIndex int
	TotalTasks       int

	// DeveloperResponse is the developer's final message for this
	// iteration, included for review context.
	DeveloperResponse string
	SessionID         string
	CWD               string
}

// ReviewerOutcome pairs the structured verdict with run bookkeeping.
type ReviewerOutcome struct {
	Review      ReviewResult
	SessionID   string
	ToolCalls   []driver.Message
	ToolResults []driver.Message
	Usage       *driver.Usage
}

// Run reviews the current task's implementation agentically and returns a
// schema-validated verdict.
func (r *Reviewer) Run(ctx context.Context, in ReviewerInput) (*ReviewerOutcome, error) {
	if strings.TrimSpace(in.PlanMarkdown) == "" {
		return nil, fmt.Errorf("reviewer: no plan markdown on state")
	}
	task, err := TaskAt(in.PlanMarkdown, in.CurrentTaskIndex)
	if err != nil {
		return nil, fmt.Errorf("reviewer: %w", err)
	}

	out, err := collectAgentic(ctx, r.Driver, "reviewer", driver.AgenticRequest{
		Prompt:       r.buildPrompt(in, task),
		CWD:          in.CWD,
		SessionID:    in.SessionID,
		Instructions: r.Instructions,
		Schema:       reviewSchema,
	}, r.Sink)
	if err != nil {
		return nil, err
	}

	var review ReviewResult
	if err := json.Unmarshal([]byte(driver.ExtractJSON(out.Final)), &review); err != nil {
		return nil, fmt.Errorf("reviewer: parse verdict: %w", err)
	}

	return &ReviewerOutcome{
		Review:      review,
		SessionID:   out.SessionID,
		ToolCalls:   out.ToolCalls,
		ToolResults: out.ToolResults,
		Usage:       out.Usage,
	}, nil
}

func (r *Reviewer) buildPrompt(in ReviewerInput, task TaskSection) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Current Task (%d/%d)\n\n", in.CurrentTaskIndex+1, in.TotalTasks)
	b.WriteString(task.Body)
	b.WriteString("\n")
	if in.DeveloperResponse != "" {
		b.WriteString("\n# Developer's report\n\n")
		b.WriteString(in.DeveloperResponse)
		b.WriteString("\n")
	}
	b.WriteString("\nReview the changes in the working tree against this task. ")
	b.WriteString("Respond with JSON: {\"approved\": bool, \"summary\": string, \"comments\": [string]}. ")
	b.WriteString("List a comment for every change you require.\n")
	return b.String()
}
