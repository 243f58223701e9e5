package store

import (
	"context"
	"fmt"
	"time"

	"github.com/amelia-dev/amelia/pkg/models"
	"github.com/google/uuid"
)

// CreateBrainstormSession opens a brainstorm session, optionally attached
// to a workflow.
func (s *Store) CreateBrainstormSession(ctx context.Context, b *models.BrainstormSession) error {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO brainstorm_sessions (id, workflow_id, topic, created_at) VALUES ($1, $2, $3, $4)`,
		b.ID, nullStr(b.WorkflowID), b.Topic, encodeTime(b.CreatedAt))
	if err != nil {
		return fmt.Errorf("create brainstorm session: %w", err)
	}
	return nil
}

// AddBrainstormMessage appends a message to a brainstorm session.
func (s *Store) AddBrainstormMessage(ctx context.Context, m *models.BrainstormMessage) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO brainstorm_messages (id, session_id, role, content, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		m.ID, m.SessionID, m.Role, m.Content, encodeTime(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("add brainstorm message: %w", err)
	}
	return nil
}

// AddBrainstormArtifact records an artifact produced during brainstorming.
func (s *Store) AddBrainstormArtifact(ctx context.Context, a *models.BrainstormArtifact) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO brainstorm_artifacts (id, session_id, kind, path, data, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.SessionID, a.Kind, nullStr(a.Path), nullStr(a.Data), encodeTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("add brainstorm artifact: %w", err)
	}
	return nil
}

// ListBrainstormMessages returns a session's messages in order.
func (s *Store) ListBrainstormMessages(ctx context.Context, sessionID string) ([]*models.BrainstormMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, created_at
		 FROM brainstorm_messages WHERE session_id = $1 ORDER BY created_at ASC, id ASC`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("list brainstorm messages: %w", err)
	}
	defer rows.Close()

	var out []*models.BrainstormMessage
	for rows.Next() {
		var (
			m  models.BrainstormMessage
			ts int64
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &ts); err != nil {
			return nil, fmt.Errorf("scan brainstorm message: %w", err)
		}
		m.CreatedAt = decodeTime(ts)
		out = append(out, &m)
	}
	return out, rows.Err()
}
