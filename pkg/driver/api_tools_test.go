package driver

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func toolByName(t *testing.T, name string) apiTool {
	t.Helper()
	for _, tool := range apiToolset() {
		if tool.Name == name {
			return tool
		}
	}
	t.Fatalf("tool %q not in toolset", name)
	return apiTool{}
}

func runToolJSON(t *testing.T, name, cwd string, input map[string]any) (string, error) {
	t.Helper()
	raw, err := json.Marshal(input)
	require.NoError(t, err)
	return toolByName(t, name).Run(context.Background(), cwd, raw)
}

func TestFileTools(t *testing.T) {
	cwd := t.TempDir()

	t.Run("write then read", func(t *testing.T) {
		_, err := runToolJSON(t, ToolWriteFile, cwd, map[string]any{
			"path": "sub/hello.txt", "content": "hello world",
		})
		require.NoError(t, err)

		out, err := runToolJSON(t, ToolReadFile, cwd, map[string]any{"path": "sub/hello.txt"})
		require.NoError(t, err)
		assert.Equal(t, "hello world", out)
	})

	t.Run("edit requires unique match", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(cwd, "edit.txt"), []byte("aa bb aa"), 0o644))

		_, err := runToolJSON(t, ToolEditFile, cwd, map[string]any{
			"path": "edit.txt", "old_string": "aa", "new_string": "cc",
		})
		assert.ErrorContains(t, err, "more than once")

		_, err = runToolJSON(t, ToolEditFile, cwd, map[string]any{
			"path": "edit.txt", "old_string": "zz", "new_string": "cc",
		})
		assert.ErrorContains(t, err, "not found")

		_, err = runToolJSON(t, ToolEditFile, cwd, map[string]any{
			"path": "edit.txt", "old_string": "bb", "new_string": "cc",
		})
		require.NoError(t, err)
		data, err := os.ReadFile(filepath.Join(cwd, "edit.txt"))
		require.NoError(t, err)
		assert.Equal(t, "aa cc aa", string(data))
	})

	t.Run("list directory marks subdirectories", func(t *testing.T) {
		out, err := runToolJSON(t, ToolListDirectory, cwd, map[string]any{})
		require.NoError(t, err)
		assert.Contains(t, out, "sub/")
		assert.Contains(t, out, "edit.txt")
	})
}

func TestSearchAndGlobTools(t *testing.T) {
	cwd := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(cwd, "a.go"), []byte("package a\nfunc Needle() {}\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(cwd, "b.txt"), []byte("nothing here\n"), 0o644))

	out, err := runToolJSON(t, ToolSearchFiles, cwd, map[string]any{"query": "Needle"})
	require.NoError(t, err)
	assert.Contains(t, out, "a.go:2:")

	out, err = runToolJSON(t, ToolSearchFiles, cwd, map[string]any{"query": "absent-term"})
	require.NoError(t, err)
	assert.Equal(t, "no matches", out)

	_, err = runToolJSON(t, ToolSearchFiles, cwd, map[string]any{})
	assert.ErrorContains(t, err, "query is required")

	out, err = runToolJSON(t, ToolGlob, cwd, map[string]any{"pattern": "*.go"})
	require.NoError(t, err)
	assert.Contains(t, out, "a.go")
	assert.NotContains(t, out, "b.txt")
}

func TestShellTool(t *testing.T) {
	cwd := t.TempDir()

	out, err := runToolJSON(t, ToolRunShell, cwd, map[string]any{"command": "echo from-shell"})
	require.NoError(t, err)
	assert.Equal(t, "from-shell\n", out)

	_, err = runToolJSON(t, ToolRunShell, cwd, map[string]any{"command": "exit 3"})
	assert.Error(t, err)
}

func TestClipOutput(t *testing.T) {
	small := "short"
	assert.Equal(t, small, clipOutput(small))

	big := make([]byte, maxToolOutput+100)
	for i := range big {
		big[i] = 'x'
	}
	clipped := clipOutput(string(big))
	assert.Less(t, len(clipped), len(big))
	assert.Contains(t, clipped, "truncated")
}
