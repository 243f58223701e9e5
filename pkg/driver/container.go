package driver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Sandbox is the slice of the sandbox provider the container driver needs.
// The stdout stream carries one JSON message per line; a non-zero exit
// surfaces as a read error after the stream ends.
type Sandbox interface {
	// ExecStream runs a command in the sandbox and streams its stdout.
	ExecStream(ctx context.Context, cmd []string) (io.ReadCloser, error)
	// WriteFile places a file inside the sandbox.
	WriteFile(ctx context.Context, path string, data []byte) error
}

// ContainerDriver runs the worker binary inside a sandbox container and
// speaks the JSON-line worker contract over its stdout.
type ContainerDriver struct {
	sandbox Sandbox
	// inner selects which driver the worker uses inside the container.
	inner string
	model string

	mu    sync.Mutex
	usage *Usage
}

// NewContainerDriver wraps a sandbox. inner is the in-container driver
// kind ("claude", "codex" or "api").
func NewContainerDriver(sb Sandbox, inner, model string) *ContainerDriver {
	return &ContainerDriver{sandbox: sb, inner: inner, model: model}
}

// Generate runs a single-turn call through the in-container worker.
func (d *ContainerDriver) Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, &UserInputError{Reason: "prompt is empty"}
	}

	promptPath, cleanup, err := d.writePrompt(ctx, req.Prompt)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	cmd := d.workerCmd("generate", promptPath, "")
	if req.System != "" {
		sysPath, sysCleanup, err := d.writeAux(ctx, "system", []byte(req.System))
		if err != nil {
			return nil, err
		}
		defer sysCleanup()
		cmd = append(cmd, "--system-file", sysPath)
	}

	var (
		final string
		usage *Usage
	)
	err = d.streamWorker(ctx, cmd, func(m Message) error {
		switch m.Kind {
		case KindResult:
			final = m.Content
		case KindUsage:
			usage = m.Usage
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	d.setUsage(usage)

	res := &GenerateResult{Text: final}
	if len(req.Schema) > 0 {
		value, err := validateSchema(req.Schema, extractJSON(final))
		if err != nil {
			return nil, err
		}
		res.Value = value
	}
	return res, nil
}

// ExecuteAgentic runs an agentic call through the in-container worker.
// The worker's final usage line is consumed internally and surfaced via
// Usage, not the stream.
func (d *ContainerDriver) ExecuteAgentic(ctx context.Context, req AgenticRequest) (*Stream, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, &UserInputError{Reason: "prompt is empty"}
	}

	promptPath, cleanup, err := d.writePrompt(ctx, req.Prompt)
	if err != nil {
		return nil, err
	}

	cmd := d.workerCmd("agentic", promptPath, req.CWD)
	if req.SessionID != "" {
		cmd = append(cmd, "--session-id", req.SessionID)
	}
	if req.Instructions != "" {
		cmd = append(cmd, "--instructions", req.Instructions)
	}
	if req.AllowedTools != nil {
		cmd = append(cmd, "--allowed-tools", strings.Join(req.AllowedTools, ","))
	}

	return newStream(ctx, func(ctx context.Context, emit func(Message) bool) error {
		// The prompt file is removed however the run ends.
		defer cleanup()

		var sawUsage bool
		err := d.streamWorker(ctx, cmd, func(m Message) error {
			if m.Kind == KindUsage {
				d.setUsage(m.Usage)
				sawUsage = true
				return nil
			}
			if !emit(m) {
				return ctx.Err()
			}
			return nil
		})
		if err != nil {
			return err
		}
		if !sawUsage {
			return &ProviderError{Driver: "container", Reason: "worker exited without a usage line"}
		}
		return nil
	}), nil
}

// CleanupSession asks nothing of the container; session state lives with
// the inner driver inside it and dies with the container.
func (d *ContainerDriver) CleanupSession(_ context.Context, _ string) bool { return false }

// Usage returns totals reported by the worker's final usage line.
func (d *ContainerDriver) Usage() *Usage {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.usage == nil {
		return nil
	}
	u := *d.usage
	return &u
}

func (d *ContainerDriver) setUsage(u *Usage) {
	if u == nil {
		return
	}
	d.mu.Lock()
	cp := *u
	d.usage = &cp
	d.mu.Unlock()
}

func (d *ContainerDriver) workerCmd(mode, promptPath, cwd string) []string {
	cmd := []string{"amelia-worker", mode, "--driver", d.inner, "--prompt-file", promptPath}
	if d.model != "" {
		cmd = append(cmd, "--model", d.model)
	}
	if cwd != "" {
		cmd = append(cmd, "--cwd", cwd)
	}
	return cmd
}

func (d *ContainerDriver) writePrompt(ctx context.Context, prompt string) (string, func(), error) {
	return d.writeAux(ctx, "prompt", []byte(prompt))
}

func (d *ContainerDriver) writeAux(ctx context.Context, kind string, data []byte) (string, func(), error) {
	path := fmt.Sprintf("/tmp/amelia-%s-%s.txt", kind, uuid.New().String())
	if err := d.sandbox.WriteFile(ctx, path, data); err != nil {
		return "", nil, &ProviderError{Driver: "container", Reason: "write " + kind + " file", Cause: err}
	}
	cleanup := func() {
		// Best effort; the container is ephemeral anyway.
		rmCtx, cancel := context.WithCancel(context.Background())
		defer cancel()
		if rc, err := d.sandbox.ExecStream(rmCtx, []string{"rm", "-f", path}); err == nil {
			_, _ = io.Copy(io.Discard, rc)
			_ = rc.Close()
		}
	}
	return path, cleanup, nil
}

// streamWorker runs a worker command and decodes each stdout line.
func (d *ContainerDriver) streamWorker(ctx context.Context, cmd []string, onMessage func(Message) error) error {
	rc, err := d.sandbox.ExecStream(ctx, cmd)
	if err != nil {
		return &ProviderError{Driver: "container", Reason: "exec " + strings.Join(cmd[:2], " "), Cause: err}
	}
	defer rc.Close()

	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		m, err := DecodeLine(line)
		if err != nil {
			// Anything but the contract on stdout is a worker bug.
			return &ProviderError{Driver: "container", Reason: "malformed worker output", Cause: err}
		}
		if err := onMessage(m); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return &ProviderError{Driver: "container", Reason: "worker stream truncated", Cause: err}
		}
		return &ProviderError{Driver: "container", Reason: "worker execution failed", Cause: err}
	}
	return nil
}
