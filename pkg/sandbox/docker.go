package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"github.com/amelia-dev/amelia/pkg/models"
)

const (
	// execUser is the unprivileged account work runs under.
	execUser = "vscode"
	// stderrTail bounds how much captured stderr an exec error carries.
	stderrTail = 1000
	stopTimeoutSeconds = 10
)

// DockerConfig configures a DockerProvider.
type DockerConfig struct {
	// Profile names the container: amelia-sandbox-{profile}.
	Profile string
	Sandbox models.SandboxConfig
	// Env is injected at container creation (LLM_PROXY_URL and friends).
	Env []string
	// Ports are optional host:container publish specs.
	Ports []string
	// Host overrides the Docker daemon endpoint; empty uses the environment.
	Host string
}

// DockerProvider implements Provider over the Docker client SDK with one
// long-lived container per profile.
type DockerProvider struct {
	cli *client.Client
	cfg DockerConfig

	mu      sync.Mutex
	running bool
}

// NewDockerProvider connects to the Docker daemon and verifies it responds.
func NewDockerProvider(ctx context.Context, cfg DockerConfig) (*DockerProvider, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	} else {
		opts = append(opts, client.FromEnv)
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("docker daemon not reachable: %w", err)
	}
	return &DockerProvider{cli: cli, cfg: cfg}, nil
}

// ContainerName returns the per-profile container name.
func (p *DockerProvider) ContainerName() string {
	return "amelia-sandbox-" + p.cfg.Profile
}

// EnsureRunning creates and starts the container on first use, starts it if
// stopped, and applies the network allowlist when enabled.
func (p *DockerProvider) EnsureRunning(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}

	name := p.ContainerName()
	inspect, err := p.cli.ContainerInspect(ctx, name)
	switch {
	case err == nil && inspect.State.Running:
		p.running = true
		return nil
	case err == nil:
		if err := p.cli.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
			return fmt.Errorf("start container %s: %w", name, err)
		}
	case client.IsErrNotFound(err):
		if err := p.create(ctx, name); err != nil {
			return err
		}
	default:
		return fmt.Errorf("inspect container %s: %w", name, err)
	}

	if p.cfg.Sandbox.NetworkAllowlistEnabled {
		if err := p.applyAllowlist(ctx); err != nil {
			return fmt.Errorf("apply network allowlist: %w", err)
		}
	}

	slog.Info("Sandbox container running", "container", name)
	p.running = true
	return nil
}

func (p *DockerProvider) create(ctx context.Context, name string) error {
	image := p.cfg.Sandbox.Image
	if image == "" {
		return fmt.Errorf("sandbox image not configured for profile %q", p.cfg.Profile)
	}

	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	if len(p.cfg.Ports) > 0 {
		var err error
		exposed, bindings, err = nat.ParsePortSpecs(p.cfg.Ports)
		if err != nil {
			return fmt.Errorf("parse port specs: %w", err)
		}
	}

	resp, err := p.cli.ContainerCreate(ctx,
		&container.Config{
			Image:        image,
			Cmd:          strslice.StrSlice{"sleep", "infinity"},
			Env:          p.cfg.Env,
			ExposedPorts: exposed,
			Labels:       map[string]string{"amelia.profile": p.cfg.Profile},
		},
		&container.HostConfig{
			CapAdd:       strslice.StrSlice{"NET_ADMIN", "NET_RAW"},
			ExtraHosts:   []string{"host.docker.internal:host-gateway"},
			PortBindings: bindings,
		},
		nil, nil, name)
	if err != nil {
		return fmt.Errorf("create container %s: %w", name, err)
	}
	if err := p.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container %s: %w", name, err)
	}
	slog.Info("Sandbox container created", "container", name, "image", image)
	return nil
}

// applyAllowlist runs the generated iptables script as root.
func (p *DockerProvider) applyAllowlist(ctx context.Context) error {
	script := AllowlistScript(p.cfg.Sandbox.NetworkAllowedHosts)
	_, err := p.exec(ctx, "root", []string{"sh", "-c", script}, nil)
	return err
}

// ExecStream runs cmd as the sandbox user and streams its stdout. The
// returned reader fails with the stderr tail when the command exits
// non-zero.
func (p *DockerProvider) ExecStream(ctx context.Context, cmd []string) (io.ReadCloser, error) {
	name := p.ContainerName()
	execID, err := p.cli.ContainerExecCreate(ctx, name, container.ExecOptions{
		Cmd:          cmd,
		User:         execUser,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create exec in %s: %w", name, err)
	}

	attach, err := p.cli.ContainerExecAttach(ctx, execID.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("attach exec in %s: %w", name, err)
	}

	pr, pw := io.Pipe()
	go func() {
		defer attach.Close()
		var stderr bytes.Buffer
		_, copyErr := stdcopy.StdCopy(pw, &stderr, attach.Reader)
		if copyErr != nil && copyErr != io.EOF {
			pw.CloseWithError(fmt.Errorf("read exec output: %w", copyErr))
			return
		}
		inspect, err := p.cli.ContainerExecInspect(ctx, execID.ID)
		if err != nil {
			pw.CloseWithError(fmt.Errorf("inspect exec: %w", err))
			return
		}
		if inspect.ExitCode != 0 {
			tail := stderr.String()
			if len(tail) > stderrTail {
				tail = tail[:stderrTail]
			}
			pw.CloseWithError(fmt.Errorf("exit %d: %s", inspect.ExitCode, tail))
			return
		}
		pw.Close()
	}()
	return pr, nil
}

// WriteFile streams data to a path inside the container through an exec
// stdin pipe.
func (p *DockerProvider) WriteFile(ctx context.Context, filePath string, data []byte) error {
	dir := path.Dir(filePath)
	cmd := []string{"sh", "-c", fmt.Sprintf("mkdir -p %q && cat > %q", dir, filePath)}
	_, err := p.exec(ctx, execUser, cmd, data)
	return err
}

// exec runs cmd synchronously with optional stdin, returning stdout.
func (p *DockerProvider) exec(ctx context.Context, user string, cmd []string, stdin []byte) (string, error) {
	name := p.ContainerName()
	execID, err := p.cli.ContainerExecCreate(ctx, name, container.ExecOptions{
		Cmd:          cmd,
		User:         user,
		AttachStdin:  len(stdin) > 0,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", fmt.Errorf("create exec in %s: %w", name, err)
	}

	attach, err := p.cli.ContainerExecAttach(ctx, execID.ID, container.ExecAttachOptions{})
	if err != nil {
		return "", fmt.Errorf("attach exec in %s: %w", name, err)
	}
	defer attach.Close()

	if len(stdin) > 0 {
		if _, err := attach.Conn.Write(stdin); err != nil {
			return "", fmt.Errorf("write exec stdin: %w", err)
		}
		if err := attach.CloseWrite(); err != nil {
			slog.Warn("Failed to close exec stdin", "error", err)
		}
	}

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil && err != io.EOF {
		return "", fmt.Errorf("read exec output: %w", err)
	}

	inspect, err := p.cli.ContainerExecInspect(ctx, execID.ID)
	if err != nil {
		return "", fmt.Errorf("inspect exec: %w", err)
	}
	if inspect.ExitCode != 0 {
		tail := stderr.String()
		if len(tail) > stderrTail {
			tail = tail[:stderrTail]
		}
		return "", fmt.Errorf("exit %d: %s", inspect.ExitCode, tail)
	}
	return stdout.String(), nil
}

// HealthCheck verifies the daemon responds and the container is running.
func (p *DockerProvider) HealthCheck(ctx context.Context) error {
	if _, err := p.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker daemon not reachable: %w", err)
	}
	inspect, err := p.cli.ContainerInspect(ctx, p.ContainerName())
	if err != nil {
		return fmt.Errorf("inspect container: %w", err)
	}
	if !inspect.State.Running {
		return fmt.Errorf("container %s is not running", p.ContainerName())
	}
	return nil
}

// Teardown stops and removes the container.
func (p *DockerProvider) Teardown(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	name := p.ContainerName()
	timeout := stopTimeoutSeconds
	if err := p.cli.ContainerStop(ctx, name, container.StopOptions{Timeout: &timeout}); err != nil && !client.IsErrNotFound(err) {
		slog.Warn("Failed to stop sandbox container", "container", name, "error", err)
	}
	if err := p.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("remove container %s: %w", name, err)
	}
	p.running = false
	return nil
}

// Close releases the Docker client.
func (p *DockerProvider) Close() error {
	return p.cli.Close()
}
