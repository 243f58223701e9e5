package driver

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubCLI writes an executable shell script that prints the given stdout
// and exits with code. Stands in for the real claude binary.
func stubCLI(t *testing.T, stdout string, exitCode int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "claude-stub")
	script := "#!/bin/sh\ncat <<'EOF'\n" + stdout + "EOF\n"
	if exitCode != 0 {
		script += "echo 'engine failure detail' >&2\n"
	}
	script += "exit " + strconv.Itoa(exitCode) + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

const claudeAgenticOutput = `{"type":"system","subtype":"init","session_id":"sess-42"}
{"type":"assistant","message":{"content":[{"type":"thinking","thinking":"let me look"}]}}
{"type":"assistant","message":{"content":[{"type":"tool_use","id":"toolu_1","name":"Read","input":{"file_path":"main.go"}}]}}
{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"toolu_1","content":"package main"}]}}
{"type":"assistant","message":{"content":[{"type":"tool_use","id":"toolu_2","name":"Bash","input":{"command":"go test"}}]}}
{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"toolu_2","content":[{"type":"text","text":"ok"}],"is_error":false}]}}
{"type":"result","subtype":"success","result":"fixed the bug","session_id":"sess-42","duration_ms":5000,"num_turns":3,"total_cost_usd":0.25,"usage":{"input_tokens":1000,"output_tokens":200,"cache_read_input_tokens":50,"cache_creation_input_tokens":10}}
`

func TestClaudeDriverAgentic(t *testing.T) {
	bin := stubCLI(t, claudeAgenticOutput, 0)
	d := NewClaudeDriver(bin, "claude-sonnet-4-5")

	stream, err := d.ExecuteAgentic(context.Background(), AgenticRequest{Prompt: "fix it"})
	require.NoError(t, err)

	var got []Message
	for {
		m, ok := stream.Next()
		if !ok {
			break
		}
		got = append(got, m)
	}
	require.NoError(t, stream.Err())

	require.Len(t, got, 7) // thinking, 2×(tool_call+tool_result), result, usage
	assert.Equal(t, KindThinking, got[0].Kind)

	assert.Equal(t, KindToolCall, got[1].Kind)
	assert.Equal(t, ToolReadFile, got[1].ToolName, "native Read maps to the canonical name")
	assert.Equal(t, "toolu_1", got[1].CallID)

	assert.Equal(t, KindToolResult, got[2].Kind)
	assert.Equal(t, "package main", got[2].Output)

	assert.Equal(t, ToolRunShell, got[3].ToolName)
	assert.Equal(t, "ok", got[4].Output, "text block lists are flattened")

	assert.Equal(t, KindResult, got[5].Kind)
	assert.Equal(t, "fixed the bug", got[5].Content)

	require.Equal(t, KindUsage, got[6].Kind)
	assert.Equal(t, int64(1000), got[6].Usage.InputTokens)
	assert.InDelta(t, 0.25, got[6].Usage.CostUSD, 1e-9)

	u := d.Usage()
	require.NotNil(t, u)
	assert.Equal(t, int64(200), u.OutputTokens)
}

func TestClaudeDriverGenerate(t *testing.T) {
	out := `{"type":"system","subtype":"init","session_id":"sess-7"}
{"type":"result","subtype":"success","result":"plain answer","session_id":"sess-7","usage":{"input_tokens":10,"output_tokens":2}}
`
	d := NewClaudeDriver(stubCLI(t, out, 0), "")

	res, err := d.Generate(context.Background(), GenerateRequest{Prompt: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "plain answer", res.Text)
	assert.Equal(t, "sess-7", res.SessionID)
}

func TestClaudeDriverGenerateWithSchema(t *testing.T) {
	out := `{"type":"result","subtype":"success","result":"` + "```json\\n{\\\"valid\\\":true}\\n```" + `"}
`
	d := NewClaudeDriver(stubCLI(t, out, 0), "")

	schema := json.RawMessage(`{"type":"object","required":["valid"]}`)

	res, err := d.Generate(context.Background(), GenerateRequest{Prompt: "check", Schema: schema})
	require.NoError(t, err)
	assert.JSONEq(t, `{"valid":true}`, string(res.Value))
}

func TestClaudeDriverSchemaFailure(t *testing.T) {
	out := `{"type":"result","subtype":"success","result":"not json at all"}
`
	d := NewClaudeDriver(stubCLI(t, out, 0), "")

	_, err := d.Generate(context.Background(), GenerateRequest{
		Prompt: "check",
		Schema: json.RawMessage(`{"type":"object"}`),
	})
	var sve *SchemaValidationError
	require.ErrorAs(t, err, &sve)
	assert.False(t, IsTransient(err), "schema failures are never retried")
}

func TestClaudeDriverNonZeroExit(t *testing.T) {
	d := NewClaudeDriver(stubCLI(t, "", 1), "")

	_, err := d.Generate(context.Background(), GenerateRequest{Prompt: "hello"})
	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Contains(t, pe.Reason, "engine failure detail", "stderr tail is carried in the error")
}

func TestClaudeDriverEmptyPrompt(t *testing.T) {
	d := NewClaudeDriver("claude", "")

	_, err := d.Generate(context.Background(), GenerateRequest{Prompt: ""})
	var uie *UserInputError
	assert.ErrorAs(t, err, &uie)

	_, err = d.ExecuteAgentic(context.Background(), AgenticRequest{Prompt: "   "})
	assert.ErrorAs(t, err, &uie)
}

func TestClaudeDriverCleanupSession(t *testing.T) {
	out := `{"type":"result","subtype":"success","result":"ok","session_id":"sess-9"}
`
	d := NewClaudeDriver(stubCLI(t, out, 0), "")
	_, err := d.Generate(context.Background(), GenerateRequest{Prompt: "hello"})
	require.NoError(t, err)

	assert.False(t, d.CleanupSession(context.Background(), "unknown"))
	assert.True(t, d.CleanupSession(context.Background(), "sess-9"))
	assert.False(t, d.CleanupSession(context.Background(), "sess-9"), "already cleaned")
}
