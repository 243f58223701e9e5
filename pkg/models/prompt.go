package models

import "time"

// Prompt is versioned prompt content addressable by (prompt_id, version).
type Prompt struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// PromptVersion is one immutable revision of a prompt's content.
type PromptVersion struct {
	ID            string    `json:"id"`
	PromptID      string    `json:"prompt_id"`
	VersionNumber int       `json:"version_number"`
	Content       string    `json:"content"`
	CreatedAt     time.Time `json:"created_at"`
}

// WorkflowPromptVersion records which prompt version a workflow used,
// pinning it for deterministic replay.
type WorkflowPromptVersion struct {
	WorkflowID    string `json:"workflow_id"`
	PromptID      string `json:"prompt_id"`
	VersionNumber int    `json:"version_number"`
}

// BrainstormSession groups free-form brainstorm messages, optionally
// attached to a workflow.
type BrainstormSession struct {
	ID         string    `json:"id"`
	WorkflowID string    `json:"workflow_id,omitempty"`
	Topic      string    `json:"topic"`
	CreatedAt  time.Time `json:"created_at"`
}

// BrainstormMessage is a single message in a brainstorm session.
type BrainstormMessage struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// BrainstormArtifact is a file or structured blob produced during a
// brainstorm session.
type BrainstormArtifact struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Kind      string    `json:"kind"`
	Path      string    `json:"path,omitempty"`
	Data      string    `json:"data,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
