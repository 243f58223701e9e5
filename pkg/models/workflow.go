// Package models defines the persisted entities and the request/response
// types shared across the store, orchestrator, and API layers.
package models

import (
	"encoding/json"
	"time"
)

// WorkflowStatus represents the lifecycle state of a workflow.
type WorkflowStatus string

// Workflow lifecycle states. Transitions are monotonic except the
// blocked ↔ in_progress loop around human approval.
const (
	WorkflowStatusPending    WorkflowStatus = "pending"
	WorkflowStatusInProgress WorkflowStatus = "in_progress"
	WorkflowStatusBlocked    WorkflowStatus = "blocked"
	WorkflowStatusCompleted  WorkflowStatus = "completed"
	WorkflowStatusFailed     WorkflowStatus = "failed"
	WorkflowStatusCancelled  WorkflowStatus = "cancelled"
)

// IsTerminal reports whether the status ends the workflow lifecycle.
func (s WorkflowStatus) IsTerminal() bool {
	switch s {
	case WorkflowStatusCompleted, WorkflowStatusFailed, WorkflowStatusCancelled:
		return true
	}
	return false
}

// IsActive reports whether a workflow in this status holds its worktree.
// At most one workflow per worktree_path may be in an active status.
func (s WorkflowStatus) IsActive() bool {
	switch s {
	case WorkflowStatusPending, WorkflowStatusInProgress, WorkflowStatusBlocked:
		return true
	}
	return false
}

// ValidWorkflowStatus reports whether s is a known status value.
func ValidWorkflowStatus(s string) bool {
	switch WorkflowStatus(s) {
	case WorkflowStatusPending, WorkflowStatusInProgress, WorkflowStatusBlocked,
		WorkflowStatusCompleted, WorkflowStatusFailed, WorkflowStatusCancelled:
		return true
	}
	return false
}

// WorkflowType selects which pipeline a workflow runs.
type WorkflowType string

// Workflow types.
const (
	WorkflowTypeFull       WorkflowType = "full"
	WorkflowTypePlanOnly   WorkflowType = "plan-only"
	WorkflowTypeReviewOnly WorkflowType = "review-only"
)

// Workflow is a single run of a pipeline for one issue, bound to a worktree.
type Workflow struct {
	ID           string         `json:"workflow_id"`
	IssueID      string         `json:"issue_id"`
	WorktreePath string         `json:"worktree_path"`
	ProfileID    string         `json:"profile_id"`
	Status       WorkflowStatus `json:"status"`
	WorkflowType WorkflowType   `json:"workflow_type"`

	// FailureReason is set when Status is failed or cancelled.
	FailureReason string `json:"failure_reason,omitempty"`

	// Cached views served by the REST surface while the workflow is blocked.
	PlanCache  json.RawMessage `json:"plan_cache,omitempty"`
	IssueCache json.RawMessage `json:"issue_cache,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	PlannedAt   *time.Time `json:"planned_at,omitempty"`
}

// WorkflowUpdate carries optional field updates for a workflow record.
// Nil fields are left untouched.
type WorkflowUpdate struct {
	Status        *WorkflowStatus
	FailureReason *string
	WorktreePath  *string
	PlanCache     json.RawMessage
	IssueCache    json.RawMessage
	StartedAt     *time.Time
	CompletedAt   *time.Time
	PlannedAt     *time.Time
}

// WorkflowFilters narrows workflow list queries.
type WorkflowFilters struct {
	Status       string
	WorktreePath string
	IssueID      string
	Limit        int
	Offset       int
}
