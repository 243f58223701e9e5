package driver

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
)

// ClaudeDriver shells out to the claude CLI with stream-json output.
type ClaudeDriver struct {
	// Bin is the CLI binary, "claude" by default.
	Bin   string
	Model string

	aliases toolAliasMap

	mu        sync.Mutex
	usage     *Usage
	sessionID string
}

// NewClaudeDriver builds a ClaudeDriver. model may be empty to use the
// CLI's default.
func NewClaudeDriver(bin, model string) *ClaudeDriver {
	if bin == "" {
		bin = "claude"
	}
	return &ClaudeDriver{Bin: bin, Model: model, aliases: newToolAliasMap(claudeAliases)}
}

// claudeLine is the union of the stream-json line shapes the driver reads.
type claudeLine struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`

	SessionID string `json:"session_id"`

	Message struct {
		Content []claudeContentBlock `json:"content"`
	} `json:"message"`

	// result line
	Result     string  `json:"result"`
	IsError    bool    `json:"is_error"`
	DurationMS int64   `json:"duration_ms"`
	NumTurns   int     `json:"num_turns"`
	CostUSD    float64 `json:"total_cost_usd"`
	Usage      struct {
		InputTokens         int64 `json:"input_tokens"`
		OutputTokens        int64 `json:"output_tokens"`
		CacheReadTokens     int64 `json:"cache_read_input_tokens"`
		CacheCreationTokens int64 `json:"cache_creation_input_tokens"`
	} `json:"usage"`
	ModelUsage map[string]json.RawMessage `json:"modelUsage"`
}

type claudeContentBlock struct {
	Type     string          `json:"type"`
	Text     string          `json:"text"`
	Thinking string          `json:"thinking"`
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Input    json.RawMessage `json:"input"`

	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

// Generate runs a single-turn prompt.
func (d *ClaudeDriver) Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, &UserInputError{Reason: "prompt is empty"}
	}

	args := d.baseArgs(req.SessionID)
	if req.System != "" {
		args = append(args, "--append-system-prompt", req.System)
	}
	args = append(args, "--max-turns", "1", req.Prompt)

	var (
		final   string
		session string
		usage   Usage
	)
	err := runJSONLines(ctx, "claude", d.Bin, args, "", func(line []byte) error {
		var cl claudeLine
		if err := json.Unmarshal(line, &cl); err != nil {
			// Non-JSON noise on stdout is ignored; the CLI occasionally
			// prints progress text before --output-format takes effect.
			return nil
		}
		switch cl.Type {
		case "system":
			if cl.SessionID != "" {
				session = cl.SessionID
			}
		case "result":
			final = cl.Result
			usage = claudeUsage(&cl)
			if cl.SessionID != "" {
				session = cl.SessionID
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	d.setUsage(usage, session)

	res := &GenerateResult{Text: final, SessionID: session}
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
func (d *ClaudeDriver) ExecuteAgentic(ctx context.Context, req AgenticRequest) (*Stream, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, &UserInputError{Reason: "prompt is empty"}
	}

	args := d.baseArgs(req.SessionID)
	if req.Instructions != "" {
		args = append(args, "--append-system-prompt", req.Instructions)
	}
	if req.AllowedTools != nil {
		native := d.aliases.FilterAllowedTools(req.AllowedTools)
		args = append(args, "--allowedTools", strings.Join(native, ","))
	}
	args = append(args, req.Prompt)

	return newStream(ctx, func(ctx context.Context, emit func(Message) bool) error {
		var (
			final   string
			session string
			usage   Usage
		)
		err := runJSONLines(ctx, "claude", d.Bin, args, req.CWD, func(line []byte) error {
			var cl claudeLine
			if err := json.Unmarshal(line, &cl); err != nil {
				return nil
			}
			switch cl.Type {
			case "system":
				if cl.SessionID != "" {
					session = cl.SessionID
				}
			case "assistant":
				for _, block := range cl.Message.Content {
					switch block.Type {
					case "thinking":
						if !emit(Thinking(block.Thinking)) {
							return ctx.Err()
						}
					case "tool_use":
						name := d.aliases.Canonical(block.Name)
						if !emit(ToolCall(name, block.ID, block.Input)) {
							return ctx.Err()
						}
					}
				}
			case "user":
				for _, block := range cl.Message.Content {
					if block.Type != "tool_result" {
						continue
					}
					if !emit(ToolResult("", block.ToolUseID, flattenContent(block.Content), block.IsError)) {
						return ctx.Err()
					}
				}
			case "result":
				final = cl.Result
				usage = claudeUsage(&cl)
				if cl.SessionID != "" {
					session = cl.SessionID
				}
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
		d.setUsage(usage, session)
		emit(UsageMessage(usage))
		return nil
	}), nil
}

// CleanupSession drops the remembered session. The CLI keeps session state
// on disk itself; forgetting the id is all the driver holds.
func (d *ClaudeDriver) CleanupSession(_ context.Context, sessionID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sessionID != sessionID || sessionID == "" {
		return false
	}
	d.sessionID = ""
	return true
}

// SessionID returns the backend session id observed on the most recent
// call, or "" when none was reported.
func (d *ClaudeDriver) SessionID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessionID
}

// Usage returns accumulated totals from the most recent call.
func (d *ClaudeDriver) Usage() *Usage {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.usage == nil {
		return nil
	}
	u := *d.usage
	return &u
}

func (d *ClaudeDriver) baseArgs(sessionID string) []string {
	args := []string{"-p", "--output-format", "stream-json", "--verbose"}
	if d.Model != "" {
		args = append(args, "--model", d.Model)
	}
	if sessionID != "" {
		args = append(args, "--resume", sessionID)
	}
	return args
}

func (d *ClaudeDriver) setUsage(u Usage, sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u.Model = d.Model
	d.usage = &u
	if sessionID != "" {
		d.sessionID = sessionID
	}
}

func claudeUsage(cl *claudeLine) Usage {
	return Usage{
		InputTokens:         cl.Usage.InputTokens,
		OutputTokens:        cl.Usage.OutputTokens,
		CacheReadTokens:     cl.Usage.CacheReadTokens,
		CacheCreationTokens: cl.Usage.CacheCreationTokens,
		CostUSD:             cl.CostUSD,
		DurationMS:          cl.DurationMS,
		NumTurns:            cl.NumTurns,
	}
}

// flattenContent renders a tool_result content field, which the CLI emits
// either as a plain string or as a list of text blocks.
func flattenContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var b strings.Builder
		for _, blk := range blocks {
			if blk.Type == "text" {
				b.WriteString(blk.Text)
			}
		}
		return b.String()
	}
	return string(raw)
}

// extractJSON strips a markdown code fence around a JSON payload, which
// models frequently add despite instructions.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	if idx := strings.LastIndex(s, "```"); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}
