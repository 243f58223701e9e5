package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
)

// apiTool is one locally executed tool advertised to the provider API.
type apiTool struct {
	Name        string
	Description string
	Schema      map[string]any
	Run         func(ctx context.Context, cwd string, input json.RawMessage) (string, error)
}

// maxToolOutput bounds captured tool output so a noisy command cannot
// blow up the conversation context.
const maxToolOutput = 50 * 1024

// apiToolset returns the canonical tools the API driver executes itself.
// The CLI drivers delegate tool execution to their own runtimes; here the
// provider only plans tool calls and the driver performs them in cwd.
func apiToolset() []apiTool {
	return []apiTool{
		{
			Name:        ToolReadFile,
			Description: "Read a file and return its contents.",
			Schema: objectSchema(map[string]any{
				"path": map[string]any{"type": "string", "description": "File path, relative to the working directory"},
			}, "path"),
			Run: func(_ context.Context, cwd string, input json.RawMessage) (string, error) {
				var args struct {
					Path string `json:"path"`
				}
				if err := json.Unmarshal(input, &args); err != nil {
					return "", err
				}
				data, err := os.ReadFile(resolvePath(cwd, args.Path))
				if err != nil {
					return "", err
				}
				return clipOutput(string(data)), nil
			},
		},
		{
			Name:        ToolWriteFile,
			Description: "Create or overwrite a file with the given contents.",
			Schema: objectSchema(map[string]any{
				"path":    map[string]any{"type": "string"},
				"content": map[string]any{"type": "string"},
			}, "path", "content"),
			Run: func(_ context.Context, cwd string, input json.RawMessage) (string, error) {
				var args struct {
					Path    string `json:"path"`
					Content string `json:"content"`
				}
				if err := json.Unmarshal(input, &args); err != nil {
					return "", err
				}
				path := resolvePath(cwd, args.Path)
				if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
					return "", err
				}
				if err := os.WriteFile(path, []byte(args.Content), 0o644); err != nil {
					return "", err
				}
				return fmt.Sprintf("wrote %d bytes to %s", len(args.Content), args.Path), nil
			},
		},
		{
			Name:        ToolEditFile,
			Description: "Replace an exact string in a file with a new string. The old string must occur exactly once.",
			Schema: objectSchema(map[string]any{
				"path":       map[string]any{"type": "string"},
				"old_string": map[string]any{"type": "string"},
				"new_string": map[string]any{"type": "string"},
			}, "path", "old_string", "new_string"),
			Run: func(_ context.Context, cwd string, input json.RawMessage) (string, error) {
				var args struct {
					Path string `json:"path"`
					Old  string `json:"old_string"`
					New  string `json:"new_string"`
				}
				if err := json.Unmarshal(input, &args); err != nil {
					return "", err
				}
				path := resolvePath(cwd, args.Path)
				data, err := os.ReadFile(path)
				if err != nil {
					return "", err
				}
				content := string(data)
				switch strings.Count(content, args.Old) {
				case 0:
					return "", fmt.Errorf("old_string not found in %s", args.Path)
				case 1:
				default:
					return "", fmt.Errorf("old_string occurs more than once in %s", args.Path)
				}
				content = strings.Replace(content, args.Old, args.New, 1)
				if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
					return "", err
				}
				return "edit applied to " + args.Path, nil
			},
		},
		{
			Name:        ToolListDirectory,
			Description: "List the entries of a directory.",
			Schema: objectSchema(map[string]any{
				"path": map[string]any{"type": "string", "description": "Directory path; defaults to the working directory"},
			}),
			Run: func(_ context.Context, cwd string, input json.RawMessage) (string, error) {
				var args struct {
					Path string `json:"path"`
				}
				if err := json.Unmarshal(input, &args); err != nil {
					return "", err
				}
				entries, err := os.ReadDir(resolvePath(cwd, args.Path))
				if err != nil {
					return "", err
				}
				names := make([]string, 0, len(entries))
				for _, e := range entries {
					name := e.Name()
					if e.IsDir() {
						name += "/"
					}
					names = append(names, name)
				}
				sort.Strings(names)
				return clipOutput(strings.Join(names, "\n")), nil
			},
		},
		{
			Name:        ToolSearchFiles,
			Description: "Search files under a directory for a literal substring and return matching lines.",
			Schema: objectSchema(map[string]any{
				"query": map[string]any{"type": "string"},
				"path":  map[string]any{"type": "string", "description": "Root to search; defaults to the working directory"},
			}, "query"),
			Run: func(_ context.Context, cwd string, input json.RawMessage) (string, error) {
				var args struct {
					Query string `json:"query"`
					Path  string `json:"path"`
				}
				if err := json.Unmarshal(input, &args); err != nil {
					return "", err
				}
				if args.Query == "" {
					return "", fmt.Errorf("query is required")
				}
				return searchFiles(resolvePath(cwd, args.Path), args.Query)
			},
		},
		{
			Name:        ToolGlob,
			Description: "Find files matching a glob pattern.",
			Schema: objectSchema(map[string]any{
				"pattern": map[string]any{"type": "string"},
			}, "pattern"),
			Run: func(_ context.Context, cwd string, input json.RawMessage) (string, error) {
				var args struct {
					Pattern string `json:"pattern"`
				}
				if err := json.Unmarshal(input, &args); err != nil {
					return "", err
				}
				matches, err := filepath.Glob(resolvePath(cwd, args.Pattern))
				if err != nil {
					return "", err
				}
				sort.Strings(matches)
				return clipOutput(strings.Join(matches, "\n")), nil
			},
		},
		{
			Name:        ToolRunShell,
			Description: "Run a shell command in the working directory and return combined output.",
			Schema: objectSchema(map[string]any{
				"command": map[string]any{"type": "string"},
			}, "command"),
			Run: func(ctx context.Context, cwd string, input json.RawMessage) (string, error) {
				var args struct {
					Command string `json:"command"`
				}
				if err := json.Unmarshal(input, &args); err != nil {
					return "", err
				}
				cmd := exec.CommandContext(ctx, "sh", "-c", args.Command)
				cmd.Dir = cwd
				out, err := cmd.CombinedOutput()
				if err != nil {
					return "", fmt.Errorf("%w: %s", err, clipOutput(string(out)))
				}
				return clipOutput(string(out)), nil
			},
		},
	}
}

func objectSchema(props map[string]any, required ...string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func resolvePath(cwd, path string) string {
	if path == "" {
		return cwd
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(cwd, path)
}

func clipOutput(s string) string {
	if len(s) <= maxToolOutput {
		return s
	}
	return s[:maxToolOutput] + "\n... (output truncated)"
}

func searchFiles(root, query string) (string, error) {
	var b strings.Builder
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if d.Name() == ".git" || d.Name() == "node_modules" {
				return filepath.SkipDir
			}
			return nil
		}
		if b.Len() > maxToolOutput {
			return filepath.SkipAll
		}
		data, err := os.ReadFile(path)
		if err != nil || !strings.Contains(string(data), query) {
			return nil
		}
		for i, line := range strings.Split(string(data), "\n") {
			if strings.Contains(line, query) {
				fmt.Fprintf(&b, "%s:%d: %s\n", path, i+1, strings.TrimSpace(line))
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if b.Len() == 0 {
		return "no matches", nil
	}
	return clipOutput(b.String()), nil
}
