package driver

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
)

// CodexDriver shells out to the codex CLI in exec mode with JSONL output.
type CodexDriver struct {
	Bin   string
	Model string

	aliases toolAliasMap

	mu    sync.Mutex
	usage *Usage
}

// NewCodexDriver builds a CodexDriver. model may be empty to use the CLI's
// default.
func NewCodexDriver(bin, model string) *CodexDriver {
	if bin == "" {
		bin = "codex"
	}
	return &CodexDriver{Bin: bin, Model: model, aliases: newToolAliasMap(codexAliases)}
}

// codexLine is the union of the exec --json line shapes the driver reads.
type codexLine struct {
	Type string `json:"type"`

	// item lines
	Item struct {
		Type      string          `json:"type"` // reasoning, command_execution, file_change, agent_message, ...
		ID        string          `json:"id"`
		Text      string          `json:"text"`
		Command   string          `json:"command"`
		Output    string          `json:"aggregated_output"`
		ExitCode  *int            `json:"exit_code"`
		ToolName  string          `json:"tool_name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"item"`

	// turn.completed line
	Usage struct {
		InputTokens       int64 `json:"input_tokens"`
		CachedInputTokens int64 `json:"cached_input_tokens"`
		OutputTokens      int64 `json:"output_tokens"`
	} `json:"usage"`
}

// Generate runs a single-turn prompt.
func (d *CodexDriver) Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, &UserInputError{Reason: "prompt is empty"}
	}

	prompt := req.Prompt
	if req.System != "" {
		prompt = req.System + "\n\n" + prompt
	}
	args := d.baseArgs(req.SessionID)
	args = append(args, prompt)

	var (
		final string
		usage Usage
	)
	err := runJSONLines(ctx, "codex", d.Bin, args, "", func(line []byte) error {
		var cl codexLine
		if err := json.Unmarshal(line, &cl); err != nil {
			return nil
		}
		switch cl.Type {
		case "item.completed":
			if cl.Item.Type == "agent_message" {
				final = cl.Item.Text
			}
		case "turn.completed":
			usage.Add(codexUsage(&cl))
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

// ExecuteAgentic starts a streaming agentic run.
func (d *CodexDriver) ExecuteAgentic(ctx context.Context, req AgenticRequest) (*Stream, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, &UserInputError{Reason: "prompt is empty"}
	}

	prompt := req.Prompt
	if req.Instructions != "" {
		prompt = req.Instructions + "\n\n" + prompt
	}
	args := d.baseArgs(req.SessionID)
	args = append(args, prompt)

	return newStream(ctx, func(ctx context.Context, emit func(Message) bool) error {
		var (
			final string
			usage Usage
		)
		err := runJSONLines(ctx, "codex", d.Bin, args, req.CWD, func(line []byte) error {
			var cl codexLine
			if err := json.Unmarshal(line, &cl); err != nil {
				return nil
			}
			switch cl.Type {
			case "item.started":
				if cl.Item.Type == "command_execution" {
					input, _ := json.Marshal(map[string]string{"command": cl.Item.Command})
					if !emit(ToolCall(ToolRunShell, cl.Item.ID, input)) {
						return ctx.Err()
					}
				}
			case "item.completed":
				switch cl.Item.Type {
				case "reasoning":
					if !emit(Thinking(cl.Item.Text)) {
						return ctx.Err()
					}
				case "command_execution":
					isErr := cl.Item.ExitCode != nil && *cl.Item.ExitCode != 0
					if !emit(ToolResult(ToolRunShell, cl.Item.ID, cl.Item.Output, isErr)) {
						return ctx.Err()
					}
				case "agent_message":
					final = cl.Item.Text
				}
			case "turn.completed":
				usage.Add(codexUsage(&cl))
			}
			return nil
		})
		if err != nil {
			return err
		}

		if len(req.Schema) > 0 {
			if _, err := validateSchema(req.Schema, extractJSON(final)); err != nil {
				return err
			}
		}
		if !emit(Result(final)) {
			return ctx.Err()
		}
		d.setUsage(usage)
		emit(UsageMessage(usage))
		return nil
	}), nil
}

// CleanupSession is a no-op: codex exec runs are stateless.
func (d *CodexDriver) CleanupSession(_ context.Context, _ string) bool { return false }

// Usage returns accumulated totals from the most recent call.
func (d *CodexDriver) Usage() *Usage {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.usage == nil {
		return nil
	}
	u := *d.usage
	return &u
}

func (d *CodexDriver) baseArgs(sessionID string) []string {
	args := []string{"exec", "--json", "--skip-git-repo-check"}
	if d.Model != "" {
		args = append(args, "--model", d.Model)
	}
	if sessionID != "" {
		args = append(args, "resume", sessionID)
	}
	return args
}

func (d *CodexDriver) setUsage(u Usage) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u.Model = d.Model
	u.NumTurns = max(u.NumTurns, 1)
	d.usage = &u
}

func codexUsage(cl *codexLine) Usage {
	return Usage{
		InputTokens:     cl.Usage.InputTokens,
		OutputTokens:    cl.Usage.OutputTokens,
		CacheReadTokens: cl.Usage.CachedInputTokens,
		NumTurns:        1,
	}
}
