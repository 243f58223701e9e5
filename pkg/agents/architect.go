package agents

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/amelia-dev/amelia/pkg/driver"
)

// Architect turns an issue into a markdown implementation plan.
type Architect struct {
	Driver driver.Driver
	// Instructions is the resolved architect prompt.
	Instructions string
	Sink         Sink
}

// ArchitectInput carries the issue context and, on revision runs, the
// validator feedback from the previous attempt.
type ArchitectInput struct {
	Issue  string
	Design string
	Goal   string

	// Feedback holds validator issues; when non-empty this is a revision
	// run and SessionID continues the prior driver session.
	Feedback  []string
	SessionID string

	// PlanPath is where the plan markdown is written.
	PlanPath string
	CWD      string
}

// ArchitectResult is the plan plus a structural summary derived from it.
type ArchitectResult struct {
	PlanMarkdown string
	PlanPath     string
	TaskCount    int
	TaskTitles   []string
	SessionID    string
	ToolCalls    []driver.Message
	ToolResults  []driver.Message
	Usage        *driver.Usage
}

// Run executes the architect agentically and writes the resulting plan to
// disk.
func (a *Architect) Run(ctx context.Context, in ArchitectInput) (*ArchitectResult, error) {
	if strings.TrimSpace(in.Issue) == "" {
		return nil, fmt.Errorf("architect: issue is empty")
	}

	out, err := collectAgentic(ctx, a.Driver, "architect", driver.AgenticRequest{
		Prompt:       a.buildPrompt(in),
		CWD:          in.CWD,
		SessionID:    in.SessionID,
		Instructions: a.Instructions,
	}, a.Sink)
	if err != nil {
		return nil, err
	}

	plan := strings.TrimSpace(out.Final)
	if plan == "" {
		return nil, fmt.Errorf("architect: driver returned an empty plan")
	}

	path := in.PlanPath
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("architect: create plan directory: %w", err)
		}
		if err := os.WriteFile(path, []byte(plan+"\n"), 0o644); err != nil {
			return nil, fmt.Errorf("architect: write plan: %w", err)
		}
	}

	sections := Tasks(plan)
	titles := make([]string, 0, len(sections))
	for _, s := range sections {
		titles = append(titles, s.Title)
	}

	return &ArchitectResult{
		PlanMarkdown: plan,
		PlanPath:     path,
		TaskCount:    len(sections),
		TaskTitles:   titles,
		SessionID:    out.SessionID,
		ToolCalls:    out.ToolCalls,
		ToolResults:  out.ToolResults,
		Usage:        out.Usage,
	}, nil
}

func (a *Architect) buildPrompt(in ArchitectInput) string {
	var b strings.Builder
	b.WriteString("# Issue\n\n")
	b.WriteString(in.Issue)
	b.WriteString("\n")
	if in.Design != "" {
		b.WriteString("\n# Design\n\n")
		b.WriteString(in.Design)
		b.WriteString("\n")
	}
	if in.Goal != "" {
		b.WriteString("\n# Goal\n\n")
		b.WriteString(in.Goal)
		b.WriteString("\n")
	}
	if len(in.Feedback) > 0 {
		b.WriteString("\n# Validation feedback on your previous plan\n\n")
		b.WriteString("Revise the plan to address every issue below. ")
		b.WriteString("Keep the same overall structure where it was not flagged.\n\n")
		for _, f := range in.Feedback {
			b.WriteString("- ")
			b.WriteString(f)
			b.WriteString("\n")
		}
	}
	b.WriteString("\nProduce the full implementation plan as markdown. ")
	b.WriteString("Break the work into sections headed \"### Task N: title\".\n")
	return b.String()
}
