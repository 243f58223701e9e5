package driver

// Canonical tool vocabulary. Drivers expose different native tool names;
// everything entering or leaving the driver layer uses these.
const (
	ToolReadFile      = "read_file"
	ToolWriteFile     = "write_file"
	ToolEditFile      = "edit_file"
	ToolListDirectory = "list_directory"
	ToolSearchFiles   = "search_files"
	ToolGlob          = "glob"
	ToolRunShell      = "run_shell_command"
	ToolWebSearch     = "web_search"
	ToolWebFetch      = "web_fetch"
)

// claudeAliases maps the claude CLI's native tool names to canonical ones.
var claudeAliases = map[string]string{
	"Read":      ToolReadFile,
	"Write":     ToolWriteFile,
	"Edit":      ToolEditFile,
	"LS":        ToolListDirectory,
	"Grep":      ToolSearchFiles,
	"Glob":      ToolGlob,
	"Bash":      ToolRunShell,
	"WebSearch": ToolWebSearch,
	"WebFetch":  ToolWebFetch,
}

// codexAliases maps the codex CLI's native tool names to canonical ones.
var codexAliases = map[string]string{
	"read_file":   ToolReadFile,
	"write_file":  ToolWriteFile,
	"apply_patch": ToolEditFile,
	"list_dir":    ToolListDirectory,
	"grep":        ToolSearchFiles,
	"glob":        ToolGlob,
	"shell":       ToolRunShell,
	"web_search":  ToolWebSearch,
}

// toolAliasMap holds the two directions of a driver's tool name mapping.
type toolAliasMap struct {
	toCanonical map[string]string
	toNative    map[string]string
}

func newToolAliasMap(nativeToCanonical map[string]string) toolAliasMap {
	native := make(map[string]string, len(nativeToCanonical))
	for n, c := range nativeToCanonical {
		native[c] = n
	}
	return toolAliasMap{toCanonical: nativeToCanonical, toNative: native}
}

// Canonical translates a native tool name. Unknown names pass through so a
// driver-side tool we have no alias for still surfaces under its own name.
func (m toolAliasMap) Canonical(native string) string {
	if c, ok := m.toCanonical[native]; ok {
		return c
	}
	return native
}

// Native reverse-maps a canonical name for the underlying driver. Reports
// false for canonical names the driver has no native tool for.
func (m toolAliasMap) Native(canonical string) (string, bool) {
	n, ok := m.toNative[canonical]
	return n, ok
}

// FilterAllowedTools reverse-maps an allowed_tools list to native names,
// silently dropping canonical names the driver does not know. A nil input
// means no restriction and returns nil; an empty non-nil input stays empty
// (the agent gets no tools).
func (m toolAliasMap) FilterAllowedTools(allowed []string) []string {
	if allowed == nil {
		return nil
	}
	native := make([]string, 0, len(allowed))
	for _, canonical := range allowed {
		if n, ok := m.Native(canonical); ok {
			native = append(native, n)
		}
	}
	return native
}
