// Package sandbox provides the isolated execution environment for agent
// runs: a per-profile Docker container, a host-side credential proxy so the
// container never holds API keys, and a git worktree manager that operates
// exclusively through the container's exec surface.
package sandbox

import (
	"context"
	"io"
	"strings"
)

// Provider is the container lifecycle and exec surface the orchestrator and
// drivers consume. It is a superset of driver.Sandbox.
type Provider interface {
	// EnsureRunning makes the sandbox available, creating and starting the
	// container on first use.
	EnsureRunning(ctx context.Context) error
	// ExecStream runs a command in the sandbox and streams its stdout. A
	// non-zero exit surfaces as a read error after the stream ends, carrying
	// the stderr tail.
	ExecStream(ctx context.Context, cmd []string) (io.ReadCloser, error)
	// WriteFile places a file inside the sandbox, creating parent
	// directories as needed.
	WriteFile(ctx context.Context, path string, data []byte) error
	// HealthCheck verifies the daemon is reachable and the container runs.
	HealthCheck(ctx context.Context) error
	// Teardown stops and removes the container.
	Teardown(ctx context.Context) error
}

// runCollect executes cmd and returns its full stdout. Convenience for
// short-lived commands such as git invocations.
func runCollect(ctx context.Context, p Provider, cmd ...string) (string, error) {
	rc, err := p.ExecStream(ctx, cmd)
	if err != nil {
		return "", err
	}
	defer rc.Close()
	out, err := io.ReadAll(rc)
	return strings.TrimRight(string(out), "\n"), err
}
