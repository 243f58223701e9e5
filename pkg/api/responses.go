package api

import (
	"github.com/amelia-dev/amelia/pkg/models"
	"github.com/amelia-dev/amelia/pkg/store"
)

// WorkflowResponse is returned by POST /workflows and the start family.
type WorkflowResponse struct {
	WorkflowID string `json:"workflow_id"`
	Status     string `json:"status"`
}

// StartBatchResponse reports per-workflow outcomes of a batch start.
type StartBatchResponse struct {
	Started []string          `json:"started"`
	Errors  map[string]string `json:"errors"`
}

// WorkflowDetail is returned by GET /workflows/{id}.
type WorkflowDetail struct {
	*models.Workflow
	TokenUsage *models.TokenUsageTotals `json:"token_usage,omitempty"`
}

// OracleConsultResponse is returned by POST /api/oracle/consult.
type OracleConsultResponse struct {
	Advice       string `json:"advice"`
	Consultation string `json:"consultation"`
}

// HealthResponse is returned by GET /api/health.
type HealthResponse struct {
	Status               string              `json:"status"`
	Version              string              `json:"version"`
	UptimeSeconds        int64               `json:"uptime_seconds"`
	ActiveWorkflows      int                 `json:"active_workflows"`
	WebsocketConnections int                 `json:"websocket_connections"`
	MemoryMB             float64             `json:"memory_mb"`
	CPUPercent           float64             `json:"cpu_percent"`
	Database             *store.HealthStatus `json:"database"`
}
