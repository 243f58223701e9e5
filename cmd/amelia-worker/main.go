// amelia-worker is the in-container agent binary. It reads a prompt from
// a file, drives one CLI or API backend, and prints one JSON message per
// line on stdout followed by a final usage line. Logs go to stderr so
// stdout stays a clean wire.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/amelia-dev/amelia/pkg/driver"
)

type workerFlags struct {
	driverKind   string
	promptFile   string
	systemFile   string
	model        string
	cwd          string
	sessionID    string
	instructions string
	allowedTools string
}

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: amelia-worker <agentic|generate> [flags]")
		os.Exit(2)
	}
	mode := os.Args[1]
	if mode != "agentic" && mode != "generate" {
		fmt.Fprintf(os.Stderr, "unknown mode %q: want agentic or generate\n", mode)
		os.Exit(2)
	}

	var wf workerFlags
	fs := flag.NewFlagSet("amelia-worker "+mode, flag.ExitOnError)
	fs.StringVar(&wf.driverKind, "driver", "claude", "backend driver: claude, codex or api")
	fs.StringVar(&wf.promptFile, "prompt-file", "", "path to the prompt file")
	fs.StringVar(&wf.systemFile, "system-file", "", "path to the system prompt file")
	fs.StringVar(&wf.model, "model", "", "model identifier")
	fs.StringVar(&wf.cwd, "cwd", "", "working directory for agentic tool use")
	fs.StringVar(&wf.sessionID, "session-id", "", "driver session to resume")
	fs.StringVar(&wf.instructions, "instructions", "", "system instructions for agentic runs")
	fs.StringVar(&wf.allowedTools, "allowed-tools", "", "comma-separated canonical tool names")
	if err := fs.Parse(os.Args[2:]); err != nil {
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, mode, wf); err != nil {
		slog.Error("worker failed", "mode", mode, "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, mode string, wf workerFlags) error {
	if wf.promptFile == "" {
		return fmt.Errorf("--prompt-file is required")
	}
	prompt, err := os.ReadFile(wf.promptFile)
	if err != nil {
		return fmt.Errorf("read prompt: %w", err)
	}

	d, err := buildDriver(wf)
	if err != nil {
		return err
	}

	switch mode {
	case "generate":
		return runGenerate(ctx, d, wf, string(prompt))
	default:
		return runAgentic(ctx, d, wf, string(prompt))
	}
}

func buildDriver(wf workerFlags) (driver.Driver, error) {
	switch wf.driverKind {
	case "claude":
		return driver.NewClaudeDriver("", wf.model), nil
	case "codex":
		return driver.NewCodexDriver("", wf.model), nil
	case "api":
		return driver.NewAPIDriver(os.Getenv("ANTHROPIC_API_KEY"), wf.model)
	default:
		return nil, fmt.Errorf("unknown driver %q", wf.driverKind)
	}
}

func runGenerate(ctx context.Context, d driver.Driver, wf workerFlags, prompt string) error {
	req := driver.GenerateRequest{Prompt: prompt, SessionID: wf.sessionID}
	if wf.systemFile != "" {
		system, err := os.ReadFile(wf.systemFile)
		if err != nil {
			return fmt.Errorf("read system prompt: %w", err)
		}
		req.System = string(system)
	}

	res, err := d.Generate(ctx, req)
	if err != nil {
		return err
	}

	text := res.Text
	if len(res.Value) > 0 {
		text = string(res.Value)
	}
	if err := emit(driver.Result(text)); err != nil {
		return err
	}
	return emitUsage(d)
}

func runAgentic(ctx context.Context, d driver.Driver, wf workerFlags, prompt string) error {
	req := driver.AgenticRequest{
		Prompt:       prompt,
		CWD:          wf.cwd,
		SessionID:    wf.sessionID,
		Instructions: wf.instructions,
	}
	if wf.allowedTools != "" {
		req.AllowedTools = strings.Split(wf.allowedTools, ",")
	}

	stream, err := d.ExecuteAgentic(ctx, req)
	if err != nil {
		return err
	}
	for {
		m, ok := stream.Next()
		if !ok {
			break
		}
		if err := emit(m); err != nil {
			return err
		}
	}
	if err := stream.Err(); err != nil {
		return err
	}
	return emitUsage(d)
}

func emit(m driver.Message) error {
	line, err := driver.EncodeLine(m)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(line)
	return err
}

// emitUsage writes the final usage line the host side requires.
func emitUsage(d driver.Driver) error {
	u := d.Usage()
	if u == nil {
		u = &driver.Usage{}
	}
	return emit(driver.UsageMessage(*u))
}
