package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/amelia-dev/amelia/pkg/models"
)

const eventColumns = `id, workflow_id, sequence, timestamp, level, event_type, agent, message, data, is_error`

// SaveEvent persists one event. UNIQUE(workflow_id, sequence) rejects
// duplicate sequences; the bus serializes emitters so a violation here
// indicates a bug, surfaced as ErrDuplicate.
func (s *Store) SaveEvent(ctx context.Context, e *models.Event) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflow_log (id, workflow_id, sequence, timestamp, level, event_type, agent, message, data, is_error)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.WorkflowID, e.Sequence, encodeTime(e.Timestamp), string(e.Level), string(e.Type),
		nullStr(e.Agent), e.Message, nullRaw(e.Data), e.IsError,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("event %s/%d: %w", e.WorkflowID, e.Sequence, ErrDuplicate)
		}
		return fmt.Errorf("save event: %w", err)
	}
	return nil
}

// MaxEventSequence returns the highest persisted sequence for a workflow,
// or 0 when the workflow has no events.
func (s *Store) MaxEventSequence(ctx context.Context, workflowID string) (int64, error) {
	var max sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM workflow_log WHERE workflow_id = $1`, workflowID,
	).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("max event sequence: %w", err)
	}
	return max.Int64, nil
}

// ListEvents returns a workflow's events with sequence >= fromSequence in
// sequence order. fromSequence <= 1 returns the full log.
func (s *Store) ListEvents(ctx context.Context, workflowID string, fromSequence int64) ([]*models.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM workflow_log
		 WHERE workflow_id = $1 AND sequence >= $2
		 ORDER BY sequence ASC`,
		workflowID, max64(fromSequence, 1))
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []*models.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEvent(row rowScanner) (*models.Event, error) {
	var (
		e         models.Event
		ts        int64
		level     string
		eventType string
		agent     sql.NullString
		data      sql.NullString
	)
	err := row.Scan(&e.ID, &e.WorkflowID, &e.Sequence, &ts, &level, &eventType, &agent, &e.Message, &data, &e.IsError)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan event: %w", err)
	}
	e.Timestamp = decodeTime(ts)
	e.Level = models.EventLevel(level)
	e.Type = models.EventType(eventType)
	e.Agent = agent.String
	if data.Valid {
		e.Data = []byte(data.String)
	}
	return &e, nil
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
