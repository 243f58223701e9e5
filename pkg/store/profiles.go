package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/amelia-dev/amelia/pkg/models"
	"github.com/google/uuid"
)

// profileConfig is the JSON shape stored in the profiles.config column.
// Identity and activation live in dedicated columns; everything else is
// declarative configuration.
type profileConfig struct {
	Tracker             string                        `json:"tracker"`
	WorkingDir          string                        `json:"working_dir"`
	PlanOutput          string                        `json:"plan_output"`
	MaxReviewIterations int                           `json:"max_review_iterations"`
	Agents              map[string]models.AgentConfig `json:"agents"`
	Sandbox             models.SandboxConfig          `json:"sandbox"`
}

// CreateProfile inserts a new profile. Name must be unique.
func (s *Store) CreateProfile(ctx context.Context, p *models.Profile) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	cfg, err := json.Marshal(profileConfig{
		Tracker:             p.Tracker,
		WorkingDir:          p.WorkingDir,
		PlanOutput:          p.PlanOutput,
		MaxReviewIterations: p.MaxReviewIterations,
		Agents:              p.Agents,
		Sandbox:             p.Sandbox,
	})
	if err != nil {
		return fmt.Errorf("marshal profile config: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO profiles (id, name, config, is_active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		p.ID, p.Name, string(cfg), p.Active, encodeTime(p.CreatedAt), encodeTime(p.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("profile %q: %w", p.Name, ErrDuplicate)
		}
		return fmt.Errorf("create profile: %w", err)
	}
	return nil
}

// GetProfile fetches a profile by id.
func (s *Store) GetProfile(ctx context.Context, id string) (*models.Profile, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, config, is_active, created_at, updated_at FROM profiles WHERE id = $1`, id)
	return scanProfile(row)
}

// GetProfileByName fetches a profile by its unique name.
func (s *Store) GetProfileByName(ctx context.Context, name string) (*models.Profile, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, config, is_active, created_at, updated_at FROM profiles WHERE name = $1`, name)
	return scanProfile(row)
}

// GetActiveProfile returns the single active profile, or ErrNotFound when
// none has been activated.
func (s *Store) GetActiveProfile(ctx context.Context) (*models.Profile, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, config, is_active, created_at, updated_at FROM profiles WHERE is_active`)
	return scanProfile(row)
}

// SetActiveProfile atomically deactivates the current active profile and
// activates the given one.
func (s *Store) SetActiveProfile(ctx context.Context, id string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE profiles SET is_active = $1 WHERE is_active`, false); err != nil {
			return fmt.Errorf("deactivate profiles: %w", err)
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE profiles SET is_active = $1, updated_at = $2 WHERE id = $3`,
			true, encodeTime(time.Now().UTC()), id)
		if err != nil {
			return fmt.Errorf("activate profile: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// UpdateProfile overwrites a profile's configuration.
func (s *Store) UpdateProfile(ctx context.Context, p *models.Profile) error {
	cfg, err := json.Marshal(profileConfig{
		Tracker:             p.Tracker,
		WorkingDir:          p.WorkingDir,
		PlanOutput:          p.PlanOutput,
		MaxReviewIterations: p.MaxReviewIterations,
		Agents:              p.Agents,
		Sandbox:             p.Sandbox,
	})
	if err != nil {
		return fmt.Errorf("marshal profile config: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE profiles SET name = $1, config = $2, updated_at = $3 WHERE id = $4`,
		p.Name, string(cfg), encodeTime(time.Now().UTC()), p.ID)
	if err != nil {
		return fmt.Errorf("update profile: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteProfile removes a profile. The active profile cannot be deleted.
func (s *Store) DeleteProfile(ctx context.Context, id string) error {
	p, err := s.GetProfile(ctx, id)
	if err != nil {
		return err
	}
	if p.Active {
		return fmt.Errorf("profile %q is active: %w", p.Name, ErrDuplicate)
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM profiles WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete profile: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListProfiles returns all profiles by name.
func (s *Store) ListProfiles(ctx context.Context) ([]*models.Profile, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, config, is_active, created_at, updated_at FROM profiles ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer rows.Close()

	var out []*models.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanProfile(row rowScanner) (*models.Profile, error) {
	var (
		p                    models.Profile
		cfgJSON              string
		createdAt, updatedAt int64
	)
	err := row.Scan(&p.ID, &p.Name, &cfgJSON, &p.Active, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan profile: %w", err)
	}

	var cfg profileConfig
	if err := json.Unmarshal([]byte(cfgJSON), &cfg); err != nil {
		return nil, fmt.Errorf("decode profile config: %w", err)
	}
	p.Tracker = cfg.Tracker
	p.WorkingDir = cfg.WorkingDir
	p.PlanOutput = cfg.PlanOutput
	p.MaxReviewIterations = cfg.MaxReviewIterations
	p.Agents = cfg.Agents
	p.Sandbox = cfg.Sandbox
	p.CreatedAt = decodeTime(createdAt)
	p.UpdatedAt = decodeTime(updatedAt)
	return &p, nil
}
