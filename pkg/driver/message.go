// Package driver provides a uniform abstraction over agent execution
// backends: CLI subprocesses (claude, codex), the Anthropic provider API,
// and a container wrapper that runs either inside a sandbox. Every backend
// yields the same lazy sequence of typed messages, so callers never branch
// on the execution mode.
package driver

import (
	"encoding/json"
	"fmt"
)

// MessageKind discriminates the message sum type.
type MessageKind string

// Message kinds, in the order a typical agentic run produces them.
const (
	KindThinking   MessageKind = "thinking"
	KindToolCall   MessageKind = "tool_call"
	KindToolResult MessageKind = "tool_result"
	KindResult     MessageKind = "result"
	KindUsage      MessageKind = "usage"
)

// Message is one element of an agentic execution stream. Exactly the
// fields for its Kind are set.
type Message struct {
	Kind MessageKind `json:"kind"`

	// thinking
	Thinking string `json:"thinking,omitempty"`

	// tool_call / tool_result
	ToolName string          `json:"tool_name,omitempty"`
	CallID   string          `json:"call_id,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
	Output   string          `json:"output,omitempty"`
	IsError  bool            `json:"is_error,omitempty"`

	// result
	Content string `json:"content,omitempty"`

	// usage
	Usage *Usage `json:"usage,omitempty"`
}

// Usage holds accumulated token totals for a driver call.
type Usage struct {
	InputTokens         int64   `json:"input_tokens"`
	OutputTokens        int64   `json:"output_tokens"`
	CacheReadTokens     int64   `json:"cache_read_tokens"`
	CacheCreationTokens int64   `json:"cache_creation_tokens"`
	CostUSD             float64 `json:"cost_usd"`
	DurationMS          int64   `json:"duration_ms"`
	NumTurns            int     `json:"num_turns"`
	Model               string  `json:"model,omitempty"`
}

// Add accumulates another usage sample into u.
func (u *Usage) Add(o Usage) {
	u.InputTokens += o.InputTokens
	u.OutputTokens += o.OutputTokens
	u.CacheReadTokens += o.CacheReadTokens
	u.CacheCreationTokens += o.CacheCreationTokens
	u.CostUSD += o.CostUSD
	u.DurationMS += o.DurationMS
	u.NumTurns += o.NumTurns
	if o.Model != "" {
		u.Model = o.Model
	}
}

// Thinking builds a thinking message.
func Thinking(text string) Message {
	return Message{Kind: KindThinking, Thinking: text}
}

// ToolCall builds a tool_call message.
func ToolCall(name, callID string, input json.RawMessage) Message {
	return Message{Kind: KindToolCall, ToolName: name, CallID: callID, Input: input}
}

// ToolResult builds a tool_result message.
func ToolResult(name, callID, output string, isError bool) Message {
	return Message{Kind: KindToolResult, ToolName: name, CallID: callID, Output: output, IsError: isError}
}

// Result builds a final result message.
func Result(content string) Message {
	return Message{Kind: KindResult, Content: content}
}

// UsageMessage builds a usage message.
func UsageMessage(u Usage) Message {
	return Message{Kind: KindUsage, Usage: &u}
}

// EncodeLine serializes a message as one JSON line of the worker/container
// wire contract.
func EncodeLine(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode message line: %w", err)
	}
	return append(data, '\n'), nil
}

// DecodeLine parses one JSON line of the worker/container wire contract.
func DecodeLine(line []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(line, &m); err != nil {
		return Message{}, fmt.Errorf("decode message line: %w", err)
	}
	switch m.Kind {
	case KindThinking, KindToolCall, KindToolResult, KindResult, KindUsage:
		return m, nil
	default:
		return Message{}, fmt.Errorf("decode message line: unknown kind %q", m.Kind)
	}
}
