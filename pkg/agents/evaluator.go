package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/amelia-dev/amelia/pkg/driver"
)

var evaluationSchema = json.RawMessage(`{
	"type": "object",
	"required": ["verdict", "reasoning"],
	"properties": {
		"verdict": {"type": "string", "enum": ["pass", "fail"]},
		"reasoning": {"type": "string"}
	}
}`)

// EvaluationResult is the evaluator's verdict on the whole workflow.
type EvaluationResult struct {
	Verdict   string `json:"verdict"`
	Reasoning string `json:"reasoning"`
}

// Pass reports whether the evaluation succeeded.
func (e EvaluationResult) Pass() bool { return e.Verdict == "pass" }

// Evaluator issues a single-turn structured verdict over the completed
// work. It never uses tools.
type Evaluator struct {
	Driver       driver.Driver
	Instructions string
}

// EvaluatorInput summarizes the workflow for judgment.
type EvaluatorInput struct {
	Goal          string
	PlanMarkdown  string
	FinalResponse string
}

// Run performs the evaluation call.
func (e *Evaluator) Run(ctx context.Context, in EvaluatorInput) (*EvaluationResult, *driver.Usage, error) {
	var b strings.Builder
	b.WriteString("# Goal\n\n")
	b.WriteString(in.Goal)
	b.WriteString("\n\n# Plan\n\n")
	b.WriteString(in.PlanMarkdown)
	if in.FinalResponse != "" {
		b.WriteString("\n\n# Final developer report\n\n")
		b.WriteString(in.FinalResponse)
	}
	b.WriteString("\n\nJudge whether the goal was met. Respond with JSON: ")
	b.WriteString("{\"verdict\": \"pass\"|\"fail\", \"reasoning\": string}.\n")

	res, err := e.Driver.Generate(ctx, driver.GenerateRequest{
		Prompt: b.String(),
		System: e.Instructions,
		Schema: evaluationSchema,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("evaluator: %w", err)
	}

	var verdict EvaluationResult
	if err := json.Unmarshal(res.Value, &verdict); err != nil {
		return nil, nil, fmt.Errorf("evaluator: parse verdict: %w", err)
	}
	return &verdict, e.Driver.Usage(), nil
}
