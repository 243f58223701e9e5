package main

import (
	"context"
	"log/slog"
	"os"
	"sync"

	"github.com/amelia-dev/amelia/pkg/config"
	"github.com/amelia-dev/amelia/pkg/driver"
	"github.com/amelia-dev/amelia/pkg/models"
	"github.com/amelia-dev/amelia/pkg/sandbox"
)

// sandboxManager builds one Docker provider per container-mode profile,
// shares a single credential proxy across them, and tracks the worktree
// manager behind each sandboxed workflow. Providers and the proxy start
// lazily on the first container-mode run.
type sandboxManager struct {
	repoURL    string
	repoBase   string
	dockerHost string

	mu        sync.Mutex
	proxy     *sandbox.CredentialProxy
	providers map[string]*sandbox.DockerProvider
	worktrees map[string]*sandbox.WorktreeManager
}

func newSandboxManager(cfg *config.ServerConfig) *sandboxManager {
	return &sandboxManager{
		repoURL:    cfg.RepoURL,
		repoBase:   cfg.RepoBase,
		dockerHost: cfg.DockerHost,
		providers:  make(map[string]*sandbox.DockerProvider),
		worktrees:  make(map[string]*sandbox.WorktreeManager),
	}
}

// SandboxFor is the orchestrator's SandboxFactory. A provider failure is
// reported as a missing sandbox; the affected workflow fails with a clear
// driver construction error instead of taking the server down.
func (m *sandboxManager) SandboxFor(profile *models.Profile) driver.Sandbox {
	if profile.Sandbox.Mode != models.SandboxContainer {
		return nil
	}
	p, err := m.providerFor(context.Background(), profile)
	if err != nil {
		slog.Error("Sandbox unavailable", "profile", profile.Name, "error", err)
		return nil
	}
	return p
}

// Prepare creates the workflow's worktree inside the profile sandbox. It
// returns "" for unsandboxed profiles and when no repository is configured.
func (m *sandboxManager) Prepare(ctx context.Context, workflowID string, profile *models.Profile) (string, error) {
	if m.repoURL == "" || profile.Sandbox.Mode != models.SandboxContainer {
		return "", nil
	}
	p, err := m.providerFor(ctx, profile)
	if err != nil {
		return "", err
	}
	wt := sandbox.NewWorktreeManager(p, m.repoURL, m.repoBase)
	if err := wt.EnsureRepo(ctx); err != nil {
		return "", err
	}
	path, err := wt.Add(ctx, workflowID)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	m.worktrees[workflowID] = wt
	m.mu.Unlock()
	return path, nil
}

// Finish pushes the workflow branch on success and removes the worktree.
func (m *sandboxManager) Finish(ctx context.Context, workflowID string, completed bool) {
	m.mu.Lock()
	wt := m.worktrees[workflowID]
	delete(m.worktrees, workflowID)
	m.mu.Unlock()
	if wt == nil {
		return
	}

	if completed {
		if err := wt.Push(ctx, workflowID); err != nil {
			slog.Error("Push workflow branch failed", "workflow_id", workflowID, "error", err)
		}
	}
	_ = wt.Remove(ctx, workflowID)
}

func (m *sandboxManager) providerFor(ctx context.Context, profile *models.Profile) (*sandbox.DockerProvider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.providers[profile.Name]; ok {
		return p, nil
	}
	if err := m.ensureProxy(); err != nil {
		return nil, err
	}

	p, err := sandbox.NewDockerProvider(ctx, sandbox.DockerConfig{
		Profile: profile.Name,
		Sandbox: profile.Sandbox,
		Env:     m.proxy.ContainerEnv(),
		Host:    m.dockerHost,
	})
	if err != nil {
		return nil, err
	}
	if err := p.EnsureRunning(ctx); err != nil {
		p.Close()
		return nil, err
	}
	m.providers[profile.Name] = p
	return p, nil
}

// ensureProxy starts the credential proxy on first container use. Caller
// holds mu.
func (m *sandboxManager) ensureProxy() error {
	if m.proxy != nil {
		return nil
	}
	p := sandbox.NewCredentialProxy(sandbox.ProxyConfig{
		AnthropicKey: os.Getenv("ANTHROPIC_API_KEY"),
		OpenAIKey:    os.Getenv("OPENAI_API_KEY"),
	})
	if err := p.Start(); err != nil {
		return err
	}
	m.proxy = p
	return nil
}

// Close stops the credential proxy and releases daemon connections.
// Containers stay running for reuse across server restarts.
func (m *sandboxManager) Close(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, p := range m.providers {
		if err := p.Close(); err != nil {
			slog.Error("Close sandbox provider", "profile", name, "error", err)
		}
	}
	if m.proxy != nil {
		if err := m.proxy.Stop(ctx); err != nil {
			slog.Error("Stop credential proxy", "error", err)
		}
	}
}
