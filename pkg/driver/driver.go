package driver

import (
	"context"
	"encoding/json"
)

// GenerateRequest is a single-turn, non-agentic call.
type GenerateRequest struct {
	Prompt string
	System string
	// Schema, when set, requests structured output validated against this
	// JSON Schema document. The result value is the raw validated JSON.
	Schema json.RawMessage
	// SessionID resumes a prior driver session when the backend supports it.
	SessionID string
}

// GenerateResult is the outcome of a Generate call.
type GenerateResult struct {
	// Text is the plain response when no schema was requested.
	Text string
	// Value is the validated structured output when a schema was requested.
	Value json.RawMessage
	// SessionID identifies the driver session for later continuation, when
	// the backend supports sessions.
	SessionID string
}

// AgenticRequest is a streaming, tool-using, potentially multi-turn call.
type AgenticRequest struct {
	Prompt       string
	CWD          string
	SessionID    string
	Instructions string
	// Schema requests schema-validated final output.
	Schema json.RawMessage
	// AllowedTools, when non-nil, restricts the agent to this subset of
	// canonical tool names. Unknown canonical names are dropped. Nil means
	// no restriction.
	AllowedTools []string
}

// Driver executes agent prompts on one backend.
type Driver interface {
	// Generate performs a single-turn call.
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error)

	// ExecuteAgentic starts an agentic run and returns its message stream.
	// Cancelling ctx releases the underlying subprocess or container exec.
	ExecuteAgentic(ctx context.Context, req AgenticRequest) (*Stream, error)

	// CleanupSession discards backend session state. Returns false when the
	// session was unknown or the backend keeps no sessions.
	CleanupSession(ctx context.Context, sessionID string) bool

	// Usage returns accumulated totals from the most recent call, or nil
	// before the first call.
	Usage() *Usage
}
