package sandbox

import (
	"context"
	"fmt"
	"log/slog"
)

const (
	repoDir      = "/workspace/repo"
	worktreesDir = "/workspace/worktrees"
)

// WorktreeManager maintains a bare clone inside the sandbox and one git
// worktree per workflow. All git calls go through the provider's exec
// surface; the manager never touches docker itself.
type WorktreeManager struct {
	p Provider
	// RepoURL is the remote the bare clone tracks.
	RepoURL string
	// BaseBranch is the branch new worktrees fork from.
	BaseBranch string
}

// NewWorktreeManager builds a manager for one repository. base defaults to
// main.
func NewWorktreeManager(p Provider, repoURL, base string) *WorktreeManager {
	if base == "" {
		base = "main"
	}
	return &WorktreeManager{p: p, RepoURL: repoURL, BaseBranch: base}
}

// WorktreePath returns the in-container path for a workflow's worktree.
func WorktreePath(workflowID string) string {
	return worktreesDir + "/" + workflowID
}

// EnsureRepo clones the bare repository on first use and fetches otherwise.
func (m *WorktreeManager) EnsureRepo(ctx context.Context) error {
	if _, err := runCollect(ctx, m.p, "git", "-C", repoDir, "rev-parse", "--git-dir"); err != nil {
		slog.Info("Cloning repository into sandbox", "url", m.RepoURL)
		if _, err := runCollect(ctx, m.p, "git", "clone", "--bare", m.RepoURL, repoDir); err != nil {
			return fmt.Errorf("clone %s: %w", m.RepoURL, err)
		}
		// Bare clones do not track remote branches by default.
		if _, err := runCollect(ctx, m.p, "git", "-C", repoDir, "config",
			"remote.origin.fetch", "+refs/heads/*:refs/remotes/origin/*"); err != nil {
			return fmt.Errorf("configure fetch refspec: %w", err)
		}
	}
	if _, err := runCollect(ctx, m.p, "git", "-C", repoDir, "fetch", "origin", "--prune"); err != nil {
		return fmt.Errorf("fetch origin: %w", err)
	}
	return nil
}

// Add creates the worktree and branch for a workflow and returns its path.
func (m *WorktreeManager) Add(ctx context.Context, workflowID string) (string, error) {
	path := WorktreePath(workflowID)
	_, err := runCollect(ctx, m.p, "git", "-C", repoDir, "worktree", "add",
		path, "-b", workflowID, "origin/"+m.BaseBranch)
	if err != nil {
		return "", fmt.Errorf("add worktree %s: %w", workflowID, err)
	}
	slog.Info("Worktree created", "workflow_id", workflowID, "path", path)
	return path, nil
}

// Push publishes the workflow branch. Called on successful completion.
func (m *WorktreeManager) Push(ctx context.Context, workflowID string) error {
	_, err := runCollect(ctx, m.p, "git", "-C", WorktreePath(workflowID),
		"push", "origin", workflowID)
	if err != nil {
		return fmt.Errorf("push branch %s: %w", workflowID, err)
	}
	return nil
}

// Remove tears the worktree down. Called on any workflow termination; a
// missing worktree is not an error.
func (m *WorktreeManager) Remove(ctx context.Context, workflowID string) error {
	_, err := runCollect(ctx, m.p, "git", "-C", repoDir, "worktree", "remove",
		"--force", WorktreePath(workflowID))
	if err != nil {
		slog.Warn("Worktree removal failed", "workflow_id", workflowID, "error", err)
		return nil
	}
	return nil
}
