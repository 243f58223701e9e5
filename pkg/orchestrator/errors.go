package orchestrator

import (
	"errors"
	"fmt"
)

// ErrAtCapacity is returned when the global concurrency limit is reached.
var ErrAtCapacity = errors.New("orchestrator at capacity")

// ErrNotBlocked is returned when approve or reject is called on a workflow
// that is not waiting for input.
var ErrNotBlocked = errors.New("workflow is not blocked on approval")

// ErrNotStartable is returned when start is called on a workflow that is
// not pending.
var ErrNotStartable = errors.New("workflow is not in a startable state")

// WorkflowConflictError reports that the target worktree is already held
// by an active workflow.
type WorkflowConflictError struct {
	WorktreePath string
	ExistingID   string
}

func (e *WorkflowConflictError) Error() string {
	return fmt.Sprintf("worktree %s is held by active workflow %s", e.WorktreePath, e.ExistingID)
}
