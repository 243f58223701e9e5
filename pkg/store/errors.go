package store

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// Sentinel errors returned by store accessors.
var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate indicates a uniqueness constraint was violated.
	ErrDuplicate = errors.New("duplicate record")
)

// WorktreeConflictError is returned when creating a workflow would violate
// the one-active-workflow-per-worktree invariant.
type WorktreeConflictError struct {
	WorktreePath string
	ExistingID   string
}

func (e *WorktreeConflictError) Error() string {
	return fmt.Sprintf("worktree %s already has active workflow %s", e.WorktreePath, e.ExistingID)
}

// isUniqueViolation reports whether err is a uniqueness constraint failure
// from either backend.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	// modernc.org/sqlite surfaces constraint failures as plain errors.
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
