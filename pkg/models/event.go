package models

import (
	"encoding/json"
	"time"
)

// EventLevel is the severity of a workflow event.
type EventLevel string

// Event severity levels.
const (
	LevelInfo    EventLevel = "info"
	LevelWarning EventLevel = "warning"
	LevelError   EventLevel = "error"
	LevelDebug   EventLevel = "debug"
	LevelTrace   EventLevel = "trace"
)

// EventType identifies what happened. The enumeration is fixed and grouped
// by domain. Stage events are emitted only by the orchestrator stream loop
// so node retries never double-emit them.
type EventType string

// Workflow domain events.
const (
	EventWorkflowStarted   EventType = "workflow_started"
	EventWorkflowCompleted EventType = "workflow_completed"
	EventWorkflowFailed    EventType = "workflow_failed"
	EventWorkflowCancelled EventType = "workflow_cancelled"
	EventWorkflowRetry     EventType = "workflow_retry"
)

// Stage domain events.
const (
	EventStageStarted   EventType = "stage_started"
	EventStageCompleted EventType = "stage_completed"
)

// Agent domain events.
const (
	EventAgentThinking EventType = "agent_thinking"
	EventAgentResponse EventType = "agent_response"
	EventAgentError    EventType = "agent_error"
)

// Tool domain events.
const (
	EventToolCall   EventType = "tool_call"
	EventToolResult EventType = "tool_result"
)

// Oracle domain events.
const (
	EventOracleConsulted EventType = "oracle_consulted"
)

// Brainstorm domain events.
const (
	EventBrainstormMessage EventType = "brainstorm_message"
)

// Approval domain events.
const (
	EventApprovalRequired EventType = "approval_required"
	EventApprovalGranted  EventType = "approval_granted"
	EventApprovalRejected EventType = "approval_rejected"
)

// Token usage domain events.
const (
	EventTokenUsage EventType = "token_usage"
)

// Event is one entry in a workflow's sequenced event log.
// Sequence is 1-indexed, strictly increasing, and gap-free per workflow.
type Event struct {
	ID         string          `json:"id"`
	WorkflowID string          `json:"workflow_id"`
	Sequence   int64           `json:"sequence"`
	Timestamp  time.Time       `json:"timestamp"`
	Level      EventLevel      `json:"level"`
	Type       EventType       `json:"event_type"`
	Agent      string          `json:"agent,omitempty"`
	Message    string          `json:"message"`
	Data       json.RawMessage `json:"data,omitempty"`
	IsError    bool            `json:"is_error"`
}
