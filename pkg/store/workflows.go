package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/amelia-dev/amelia/pkg/models"
)

const workflowColumns = `id, issue_id, worktree_path, profile_id, status, workflow_type,
	failure_reason, plan_cache, issue_cache, created_at, started_at, completed_at, planned_at`

// CreateWorkflow inserts a new workflow. The active-per-worktree invariant
// is enforced by a partial unique index; a violation is mapped to
// *WorktreeConflictError carrying the existing workflow's id.
func (s *Store) CreateWorkflow(ctx context.Context, w *models.Workflow) error {
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	if w.Status == "" {
		w.Status = models.WorkflowStatusPending
	}
	if w.WorkflowType == "" {
		w.WorkflowType = models.WorkflowTypeFull
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, issue_id, worktree_path, profile_id, status, workflow_type,
			failure_reason, plan_cache, issue_cache, created_at, started_at, completed_at, planned_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		w.ID, w.IssueID, w.WorktreePath, w.ProfileID, string(w.Status), string(w.WorkflowType),
		nullStr(w.FailureReason), nullRaw(w.PlanCache), nullRaw(w.IssueCache),
		encodeTime(w.CreatedAt), encodeTimePtr(w.StartedAt), encodeTimePtr(w.CompletedAt),
		encodeTimePtr(w.PlannedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			conflict := &WorktreeConflictError{WorktreePath: w.WorktreePath}
			if existing, lookupErr := s.GetActiveWorkflowByWorktree(ctx, w.WorktreePath); lookupErr == nil {
				conflict.ExistingID = existing.ID
			}
			return conflict
		}
		return fmt.Errorf("create workflow: %w", err)
	}
	return nil
}

// GetWorkflow fetches a workflow by id.
func (s *Store) GetWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+workflowColumns+` FROM workflows WHERE id = $1`, id)
	return scanWorkflow(row)
}

// GetActiveWorkflowByWorktree returns the single pending/in_progress/blocked
// workflow holding the given worktree, or ErrNotFound.
func (s *Store) GetActiveWorkflowByWorktree(ctx context.Context, worktreePath string) (*models.Workflow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+workflowColumns+` FROM workflows
		 WHERE worktree_path = $1 AND status IN ('pending', 'in_progress', 'blocked')`,
		worktreePath)
	return scanWorkflow(row)
}

// UpdateWorkflow applies the non-nil fields of upd to the workflow record.
func (s *Store) UpdateWorkflow(ctx context.Context, id string, upd models.WorkflowUpdate) error {
	sets := make([]string, 0, 7)
	args := make([]any, 0, 8)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if upd.Status != nil {
		sets = append(sets, "status = "+arg(string(*upd.Status)))
	}
	if upd.FailureReason != nil {
		sets = append(sets, "failure_reason = "+arg(*upd.FailureReason))
	}
	if upd.WorktreePath != nil {
		sets = append(sets, "worktree_path = "+arg(*upd.WorktreePath))
	}
	if upd.PlanCache != nil {
		sets = append(sets, "plan_cache = "+arg(string(upd.PlanCache)))
	}
	if upd.IssueCache != nil {
		sets = append(sets, "issue_cache = "+arg(string(upd.IssueCache)))
	}
	if upd.StartedAt != nil {
		sets = append(sets, "started_at = "+arg(encodeTime(*upd.StartedAt)))
	}
	if upd.CompletedAt != nil {
		sets = append(sets, "completed_at = "+arg(encodeTime(*upd.CompletedAt)))
	}
	if upd.PlannedAt != nil {
		sets = append(sets, "planned_at = "+arg(encodeTime(*upd.PlannedAt)))
	}
	if len(sets) == 0 {
		return nil
	}

	query := "UPDATE workflows SET " + strings.Join(sets, ", ") + " WHERE id = " + arg(id)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update workflow: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetWorkflowStatus transitions a workflow's status, recording the failure
// reason and completion time for terminal states.
func (s *Store) SetWorkflowStatus(ctx context.Context, id string, status models.WorkflowStatus, failureReason string) error {
	upd := models.WorkflowUpdate{Status: &status}
	if failureReason != "" {
		upd.FailureReason = &failureReason
	}
	if status.IsTerminal() {
		now := time.Now().UTC()
		upd.CompletedAt = &now
	}
	if status == models.WorkflowStatusInProgress {
		now := time.Now().UTC()
		upd.StartedAt = &now
	}
	return s.UpdateWorkflow(ctx, id, upd)
}

// ListWorkflows returns workflows matching the filters, newest first.
func (s *Store) ListWorkflows(ctx context.Context, f models.WorkflowFilters) ([]*models.Workflow, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.Status != "" {
		where = append(where, "status = "+arg(f.Status))
	}
	if f.WorktreePath != "" {
		where = append(where, "worktree_path = "+arg(f.WorktreePath))
	}
	if f.IssueID != "" {
		where = append(where, "issue_id = "+arg(f.IssueID))
	}

	query := `SELECT ` + workflowColumns + ` FROM workflows`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		query += " LIMIT " + arg(f.Limit)
	}
	if f.Offset > 0 {
		query += " OFFSET " + arg(f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()
	return collectWorkflows(rows)
}

// ListActiveWorkflows returns all workflows in a non-terminal status.
func (s *Store) ListActiveWorkflows(ctx context.Context) ([]*models.Workflow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+workflowColumns+` FROM workflows
		 WHERE status IN ('pending', 'in_progress', 'blocked')
		 ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list active workflows: %w", err)
	}
	defer rows.Close()
	return collectWorkflows(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row rowScanner) (*models.Workflow, error) {
	var (
		w                        models.Workflow
		status, wfType           string
		failureReason            sql.NullString
		planCache, issueCache    sql.NullString
		createdAt                int64
		startedAt, completedAt   sql.NullInt64
		plannedAt                sql.NullInt64
	)
	err := row.Scan(&w.ID, &w.IssueID, &w.WorktreePath, &w.ProfileID, &status, &wfType,
		&failureReason, &planCache, &issueCache, &createdAt, &startedAt, &completedAt, &plannedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan workflow: %w", err)
	}

	w.Status = models.WorkflowStatus(status)
	w.WorkflowType = models.WorkflowType(wfType)
	w.FailureReason = failureReason.String
	if planCache.Valid {
		w.PlanCache = []byte(planCache.String)
	}
	if issueCache.Valid {
		w.IssueCache = []byte(issueCache.String)
	}
	w.CreatedAt = decodeTime(createdAt)
	w.StartedAt = decodeTimePtr(startedAt)
	w.CompletedAt = decodeTimePtr(completedAt)
	w.PlannedAt = decodeTimePtr(plannedAt)
	return &w, nil
}

func collectWorkflows(rows *sql.Rows) ([]*models.Workflow, error) {
	var out []*models.Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
