package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/amelia-dev/amelia/pkg/models"
	"github.com/google/uuid"
)

// UpsertPrompt creates a prompt by name if absent and returns its id.
func (s *Store) UpsertPrompt(ctx context.Context, name string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM prompts WHERE name = $1`, name).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("lookup prompt %q: %w", name, err)
	}

	id = uuid.New().String()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO prompts (id, name, created_at) VALUES ($1, $2, $3)`,
		id, name, encodeTime(time.Now().UTC())); err != nil {
		return "", fmt.Errorf("create prompt %q: %w", name, err)
	}
	return id, nil
}

// AddPromptVersion appends a new immutable version for a prompt and
// returns its version number.
func (s *Store) AddPromptVersion(ctx context.Context, promptID, content string) (int, error) {
	var next int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version_number), 0) + 1 FROM prompt_versions WHERE prompt_id = $1`,
		promptID).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("next prompt version: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO prompt_versions (id, prompt_id, version_number, content, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		uuid.New().String(), promptID, next, content, encodeTime(time.Now().UTC()))
	if err != nil {
		return 0, fmt.Errorf("add prompt version: %w", err)
	}
	return next, nil
}

// GetPromptVersion fetches a specific prompt version's content.
func (s *Store) GetPromptVersion(ctx context.Context, promptID string, version int) (*models.PromptVersion, error) {
	var (
		pv        models.PromptVersion
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, prompt_id, version_number, content, created_at
		 FROM prompt_versions WHERE prompt_id = $1 AND version_number = $2`,
		promptID, version,
	).Scan(&pv.ID, &pv.PromptID, &pv.VersionNumber, &pv.Content, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get prompt version: %w", err)
	}
	pv.CreatedAt = decodeTime(createdAt)
	return &pv, nil
}

// LatestPromptVersion returns the newest version for a prompt.
func (s *Store) LatestPromptVersion(ctx context.Context, promptID string) (*models.PromptVersion, error) {
	var (
		pv        models.PromptVersion
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, prompt_id, version_number, content, created_at
		 FROM prompt_versions WHERE prompt_id = $1
		 ORDER BY version_number DESC LIMIT 1`,
		promptID,
	).Scan(&pv.ID, &pv.PromptID, &pv.VersionNumber, &pv.Content, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest prompt version: %w", err)
	}
	pv.CreatedAt = decodeTime(createdAt)
	return &pv, nil
}

// RecordWorkflowPromptVersion pins the prompt version a workflow used.
func (s *Store) RecordWorkflowPromptVersion(ctx context.Context, workflowID, promptID string, version int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflow_prompt_versions (workflow_id, prompt_id, version_number)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (workflow_id, prompt_id) DO UPDATE SET version_number = $3`,
		workflowID, promptID, version)
	if err != nil {
		return fmt.Errorf("record workflow prompt version: %w", err)
	}
	return nil
}

// ListWorkflowPromptVersions returns the prompt versions pinned by a workflow.
func (s *Store) ListWorkflowPromptVersions(ctx context.Context, workflowID string) ([]*models.WorkflowPromptVersion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT workflow_id, prompt_id, version_number
		 FROM workflow_prompt_versions WHERE workflow_id = $1`,
		workflowID)
	if err != nil {
		return nil, fmt.Errorf("list workflow prompt versions: %w", err)
	}
	defer rows.Close()

	var out []*models.WorkflowPromptVersion
	for rows.Next() {
		var wpv models.WorkflowPromptVersion
		if err := rows.Scan(&wpv.WorkflowID, &wpv.PromptID, &wpv.VersionNumber); err != nil {
			return nil, fmt.Errorf("scan workflow prompt version: %w", err)
		}
		out = append(out, &wpv)
	}
	return out, rows.Err()
}
