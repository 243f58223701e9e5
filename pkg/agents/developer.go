package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/amelia-dev/amelia/pkg/driver"
)

// Developer implements one plan task at a time in the working tree.
type Developer struct {
	Driver       driver.Driver
	Instructions string
	Sink         Sink
}

// DeveloperInput selects the current task and carries any review feedback
// from the previous iteration.
type DeveloperInput struct {
	PlanMarkdown     string
	CurrentTaskIndex int
	TotalTasks       int

	// ReviewComments are requested changes from the reviewer; non-empty on
	// re-runs of the same task.
	ReviewComments []string
	SessionID      string
	CWD            string
}

// DeveloperResult is the outcome of one development iteration.
type DeveloperResult struct {
	FinalResponse string
	SessionID     string
	ToolCalls     []driver.Message
	ToolResults   []driver.Message
	Usage         *driver.Usage
}

// Run executes the developer on the current task. The stored plan is read,
// never modified; the current task section is extracted here at
// prompt-building time.
func (d *Developer) Run(ctx context.Context, in DeveloperInput) (*DeveloperResult, error) {
	if strings.TrimSpace(in.PlanMarkdown) == "" {
		return nil, fmt.Errorf("developer: no plan markdown on state; the architect stage must run first")
	}
	task, err := TaskAt(in.PlanMarkdown, in.CurrentTaskIndex)
	if err != nil {
		return nil, fmt.Errorf("developer: %w", err)
	}

	out, err := collectAgentic(ctx, d.Driver, "developer", driver.AgenticRequest{
		Prompt:       d.buildPrompt(in, task),
		CWD:          in.CWD,
		SessionID:    in.SessionID,
		Instructions: d.Instructions,
	}, d.Sink)
	if err != nil {
		return nil, err
	}

	return &DeveloperResult{
		FinalResponse: out.Final,
		SessionID:     out.SessionID,
		ToolCalls:     out.ToolCalls,
		ToolResults:   out.ToolResults,
		Usage:         out.Usage,
	}, nil
}

func (d *Developer) buildPrompt(in DeveloperInput, task TaskSection) string {
	var b strings.Builder
	b.WriteString(progressBreadcrumb(in.CurrentTaskIndex, in.TotalTasks))
	b.WriteString("\n\n")
	b.WriteString(task.Body)
	b.WriteString("\n")
	if len(in.ReviewComments) > 0 {
		b.WriteString("\n# Requested changes from review\n\n")
		b.WriteString("Address every item before finishing.\n\n")
		for _, c := range in.ReviewComments {
			b.WriteString("- ")
			b.WriteString(c)
			b.WriteString("\n")
		}
	}
	b.WriteString("\nImplement this task. Stay within its scope; later tasks will be handled separately.\n")
	return b.String()
}
