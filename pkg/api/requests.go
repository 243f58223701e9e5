package api

// CreateWorkflowRequest is the HTTP request body for POST /workflows.
type CreateWorkflowRequest struct {
	IssueID         string `json:"issue_id,omitempty"`
	TaskTitle       string `json:"task_title,omitempty"`
	TaskDescription string `json:"task_description,omitempty"`
	WorktreePath    string `json:"worktree_path,omitempty"`
	Profile         string `json:"profile,omitempty"`
	Start           *bool  `json:"start,omitempty"`
	PlanNow         bool   `json:"plan_now,omitempty"`
	AutoApprove     bool   `json:"auto_approve,omitempty"`
}

// StartBatchRequest is the HTTP request body for POST /workflows/start-batch.
type StartBatchRequest struct {
	WorkflowIDs  []string `json:"workflow_ids,omitempty"`
	WorktreePath string   `json:"worktree_path,omitempty"`
}

// DecisionRequest carries the optional human message on approve and reject.
type DecisionRequest struct {
	Message string `json:"message,omitempty"`
}

// CancelRequest carries the optional cancellation reason.
type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

// OracleConsultRequest is the HTTP request body for POST /api/oracle/consult.
type OracleConsultRequest struct {
	Problem    string   `json:"problem"`
	WorkingDir string   `json:"working_dir"`
	Files      []string `json:"files,omitempty"`
	Model      string   `json:"model,omitempty"`
	ProfileID  string   `json:"profile_id,omitempty"`
}
