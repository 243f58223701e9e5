package store

import (
	"context"
	"fmt"
	"time"

	"github.com/amelia-dev/amelia/pkg/models"
	"github.com/google/uuid"
)

// SaveTokenUsage records one per-agent usage sample.
func (s *Store) SaveTokenUsage(ctx context.Context, u *models.TokenUsage) error {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	if u.Timestamp.IsZero() {
		u.Timestamp = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO token_usage (id, workflow_id, agent, model, input_tokens, output_tokens,
			cache_read_tokens, cache_creation_tokens, cost_usd, duration_ms, num_turns, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		u.ID, u.WorkflowID, u.Agent, u.Model, u.InputTokens, u.OutputTokens,
		u.CacheReadTokens, u.CacheCreationTokens, u.CostUSD, u.DurationMS, u.NumTurns,
		encodeTime(u.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("save token usage: %w", err)
	}
	return nil
}

// ListTokenUsageByWorkflow returns all usage records for a workflow in
// chronological order.
func (s *Store) ListTokenUsageByWorkflow(ctx context.Context, workflowID string) ([]*models.TokenUsage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, agent, model, input_tokens, output_tokens,
			cache_read_tokens, cache_creation_tokens, cost_usd, duration_ms, num_turns, created_at
		 FROM token_usage WHERE workflow_id = $1 ORDER BY created_at ASC`,
		workflowID)
	if err != nil {
		return nil, fmt.Errorf("list token usage: %w", err)
	}
	defer rows.Close()

	var out []*models.TokenUsage
	for rows.Next() {
		var (
			u  models.TokenUsage
			ts int64
		)
		if err := rows.Scan(&u.ID, &u.WorkflowID, &u.Agent, &u.Model, &u.InputTokens, &u.OutputTokens,
			&u.CacheReadTokens, &u.CacheCreationTokens, &u.CostUSD, &u.DurationMS, &u.NumTurns, &ts); err != nil {
			return nil, fmt.Errorf("scan token usage: %w", err)
		}
		u.Timestamp = decodeTime(ts)
		out = append(out, &u)
	}
	return out, rows.Err()
}

// AggregateTokenUsage sums usage across a workflow.
func (s *Store) AggregateTokenUsage(ctx context.Context, workflowID string) (*models.TokenUsageTotals, error) {
	var t models.TokenUsageTotals
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0),
			COALESCE(SUM(cache_read_tokens), 0), COALESCE(SUM(cache_creation_tokens), 0),
			COALESCE(SUM(cost_usd), 0), COUNT(*)
		 FROM token_usage WHERE workflow_id = $1`,
		workflowID,
	).Scan(&t.InputTokens, &t.OutputTokens, &t.CacheReadTokens, &t.CacheCreationTokens, &t.CostUSD, &t.Records)
	if err != nil {
		return nil, fmt.Errorf("aggregate token usage: %w", err)
	}
	return &t, nil
}
