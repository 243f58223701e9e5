package agents

import (
	"fmt"
	"strings"
)

// Plan validation thresholds.
const (
	minPlanLength = 200
	minGoalLength = 10
)

// Severity grades a validation outcome.
type Severity string

// Severities, mildest first.
const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// PlanValidationResult is the structured verdict on a plan document.
type PlanValidationResult struct {
	Valid    bool     `json:"valid"`
	Issues   []string `json:"issues,omitempty"`
	Severity Severity `json:"severity"`
}

// PlanValidator applies deterministic structural checks to a plan. It needs
// no driver; the checks are pure.
type PlanValidator struct{}

// Validate checks the plan's structure: at least one task header, a
// non-empty goal, and a minimum overall length.
func (PlanValidator) Validate(plan, goal string) PlanValidationResult {
	var issues []string

	if n := TaskCount(plan); n == 0 {
		issues = append(issues, `plan has no "### Task N:" sections`)
	} else {
		for i, s := range Tasks(plan) {
			if s.Title == "" {
				issues = append(issues, fmt.Sprintf("task %d has an empty title", i+1))
			}
		}
	}

	if len(strings.TrimSpace(goal)) < minGoalLength {
		issues = append(issues, "goal is empty or too short to be actionable")
	}

	if len(strings.TrimSpace(plan)) < minPlanLength {
		issues = append(issues, fmt.Sprintf("plan is shorter than %d characters", minPlanLength))
	}

	res := PlanValidationResult{Valid: len(issues) == 0, Issues: issues, Severity: SeverityInfo}
	if !res.Valid {
		res.Severity = SeverityError
	}
	return res
}
