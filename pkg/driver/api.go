package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// defaultMaxTokens caps a single completion when the caller does not
// configure one.
const defaultMaxTokens = 8192

// maxAgenticTurns bounds the tool-use loop.
const maxAgenticTurns = 50

// MessagesClient is the subset of the Anthropic SDK used by the driver.
// Satisfied by *sdk.MessageService; tests pass a stub.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// APIDriver talks to the Anthropic Messages API directly and executes the
// canonical toolset locally in a tool-use loop.
type APIDriver struct {
	msg       MessagesClient
	model     string
	maxTokens int64

	mu    sync.Mutex
	usage *Usage
}

// NewAPIDriver builds an APIDriver from an API key.
func NewAPIDriver(apiKey, model string) (*APIDriver, error) {
	if apiKey == "" {
		return nil, &UserInputError{Reason: "api key is required"}
	}
	if model == "" {
		return nil, &UserInputError{Reason: "model identifier is required"}
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return NewAPIDriverFromClient(&ac.Messages, model), nil
}

// NewAPIDriverFromClient builds an APIDriver over an existing messages
// client. Used by tests.
func NewAPIDriverFromClient(msg MessagesClient, model string) *APIDriver {
	return &APIDriver{msg: msg, model: model, maxTokens: defaultMaxTokens}
}

// Generate performs a single-turn, tool-free call.
func (d *APIDriver) Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, &UserInputError{Reason: "prompt is empty"}
	}

	params := sdk.MessageNewParams{
		MaxTokens: d.maxTokens,
		Model:     sdk.Model(d.model),
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(req.Prompt))},
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}

	start := time.Now()
	msg, err := d.msg.New(ctx, params)
	if err != nil {
		return nil, &ProviderError{Driver: "api", Reason: "messages.new", Cause: err}
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	u := usageFromMessage(msg, d.model)
	u.DurationMS = time.Since(start).Milliseconds()
	u.NumTurns = 1
	d.setUsage(u)

	res := &GenerateResult{Text: text.String()}
	if len(req.Schema) > 0 {
		value, err := validateSchema(req.Schema, extractJSON(res.Text))
		if err != nil {
			return nil, err
		}
		res.Value = value
	}
	return res, nil
}

// ExecuteAgentic runs a tool-use loop: each provider turn may request tool
// calls, which the driver executes in cwd and feeds back until the model
// stops. AllowedTools is not supported here.
func (d *APIDriver) ExecuteAgentic(ctx context.Context, req AgenticRequest) (*Stream, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, &UserInputError{Reason: "prompt is empty"}
	}
	if req.AllowedTools != nil {
		return nil, fmt.Errorf("allowed_tools: %w", ErrNotImplemented)
	}

	toolset := apiToolset()
	byName := make(map[string]apiTool, len(toolset))
	sdkTools := make([]sdk.ToolUnionParam, 0, len(toolset))
	for _, t := range toolset {
		byName[t.Name] = t
		u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: t.Schema}, t.Name)
		if u.OfTool != nil {
			u.OfTool.Description = sdk.String(t.Description)
		}
		sdkTools = append(sdkTools, u)
	}

	return newStream(ctx, func(ctx context.Context, emit func(Message) bool) error {
		conversation := []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(req.Prompt))}
		var total Usage
		var final strings.Builder
		start := time.Now()

		for turn := 0; turn < maxAgenticTurns; turn++ {
			params := sdk.MessageNewParams{
				MaxTokens: d.maxTokens,
				Model:     sdk.Model(d.model),
				Messages:  conversation,
				Tools:     sdkTools,
			}
			if req.Instructions != "" {
				params.System = []sdk.TextBlockParam{{Text: req.Instructions}}
			}

			msg, err := d.msg.New(ctx, params)
			if err != nil {
				return &ProviderError{Driver: "api", Reason: "messages.new", Cause: err}
			}
			total.Add(usageFromMessage(msg, d.model))
			total.NumTurns++

			// Replay the assistant turn into the conversation and collect
			// the tool calls to execute.
			assistantBlocks := make([]sdk.ContentBlockParamUnion, 0, len(msg.Content))
			type pendingCall struct {
				id    string
				name  string
				input json.RawMessage
			}
			var calls []pendingCall

			for _, block := range msg.Content {
				switch block.Type {
				case "thinking":
					if !emit(Thinking(block.Thinking)) {
						return ctx.Err()
					}
				case "text":
					final.Reset()
					final.WriteString(block.Text)
					assistantBlocks = append(assistantBlocks, sdk.NewTextBlock(block.Text))
				case "tool_use":
					input := json.RawMessage(block.Input)
					if !emit(ToolCall(block.Name, block.ID, input)) {
						return ctx.Err()
					}
					var inputAny any
					_ = json.Unmarshal(input, &inputAny)
					assistantBlocks = append(assistantBlocks, sdk.NewToolUseBlock(block.ID, inputAny, block.Name))
					calls = append(calls, pendingCall{id: block.ID, name: block.Name, input: input})
				}
			}
			if len(assistantBlocks) > 0 {
				conversation = append(conversation, sdk.NewAssistantMessage(assistantBlocks...))
			}

			if msg.StopReason != sdk.StopReasonToolUse || len(calls) == 0 {
				break
			}

			resultBlocks := make([]sdk.ContentBlockParamUnion, 0, len(calls))
			for _, call := range calls {
				output, isErr := d.runTool(ctx, byName, call.name, req.CWD, call.input)
				if !emit(ToolResult(call.name, call.id, output, isErr)) {
					return ctx.Err()
				}
				resultBlocks = append(resultBlocks, sdk.NewToolResultBlock(call.id, output, isErr))
			}
			conversation = append(conversation, sdk.NewUserMessage(resultBlocks...))
		}

		if len(req.Schema) > 0 {
			if _, err := validateSchema(req.Schema, extractJSON(final.String())); err != nil {
				return err
			}
		}
		if !emit(Result(final.String())) {
			return ctx.Err()
		}
		total.DurationMS = time.Since(start).Milliseconds()
		d.setUsage(total)
		emit(UsageMessage(total))
		return nil
	}), nil
}

// CleanupSession is a no-op: the API driver holds no server-side sessions.
func (d *APIDriver) CleanupSession(_ context.Context, _ string) bool { return false }

// Usage returns accumulated totals from the most recent call.
func (d *APIDriver) Usage() *Usage {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.usage == nil {
		return nil
	}
	u := *d.usage
	return &u
}

func (d *APIDriver) setUsage(u Usage) {
	d.mu.Lock()
	d.usage = &u
	d.mu.Unlock()
}

func (d *APIDriver) runTool(ctx context.Context, byName map[string]apiTool, name, cwd string, input json.RawMessage) (output string, isError bool) {
	tool, ok := byName[name]
	if !ok {
		return fmt.Sprintf("unknown tool %q", name), true
	}
	out, err := tool.Run(ctx, cwd, input)
	if err != nil {
		return err.Error(), true
	}
	return out, false
}

func usageFromMessage(msg *sdk.Message, model string) Usage {
	return Usage{
		InputTokens:         msg.Usage.InputTokens,
		OutputTokens:        msg.Usage.OutputTokens,
		CacheReadTokens:     msg.Usage.CacheReadInputTokens,
		CacheCreationTokens: msg.Usage.CacheCreationInputTokens,
		Model:               model,
	}
}
