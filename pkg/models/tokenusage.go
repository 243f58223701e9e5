package models

import "time"

// TokenUsage is a per-agent record of LLM token consumption for a workflow.
type TokenUsage struct {
	ID                  string    `json:"id"`
	WorkflowID          string    `json:"workflow_id"`
	Agent               string    `json:"agent"`
	Model               string    `json:"model"`
	InputTokens         int64     `json:"input_tokens"`
	OutputTokens        int64     `json:"output_tokens"`
	CacheReadTokens     int64     `json:"cache_read_tokens"`
	CacheCreationTokens int64     `json:"cache_creation_tokens"`
	CostUSD             float64   `json:"cost_usd"`
	DurationMS          int64     `json:"duration_ms"`
	NumTurns            int       `json:"num_turns"`
	Timestamp           time.Time `json:"timestamp"`
}

// TokenUsageTotals aggregates usage over a workflow.
type TokenUsageTotals struct {
	InputTokens         int64   `json:"input_tokens"`
	OutputTokens        int64   `json:"output_tokens"`
	CacheReadTokens     int64   `json:"cache_read_tokens"`
	CacheCreationTokens int64   `json:"cache_creation_tokens"`
	CostUSD             float64 `json:"cost_usd"`
	Records             int     `json:"records"`
}
