package translate

import (
	"strings"

	"github.com/coder/acp-go-sdk"
)

const titleLimit = 80

// ToolInfo describes how a backend tool call renders in the client: a short
// human title, the ACP tool kind, and any file locations it touches.
type ToolInfo struct {
	Title     string
	Kind      acp.ToolKind
	Locations []acp.ToolCallLocation
}

// ToolInfoFor derives display info from a tool name and its input. It never
// fails: unknown names and missing fields fall back to the name itself with
// kind other.
func ToolInfoFor(name string, input map[string]any) ToolInfo {
	if server, tool, ok := splitMCPName(name); ok {
		return ToolInfo{Title: server + ": " + tool, Kind: acp.ToolKindOther}
	}

	switch name {
	case "Bash":
		if cmd := stringField(input, "command"); cmd != "" {
			return ToolInfo{Title: truncateTitle(oneLine(cmd)), Kind: acp.ToolKindExecute}
		}
		return ToolInfo{Title: name, Kind: acp.ToolKindExecute}
	case "BashOutput", "KillShell":
		return ToolInfo{Title: name, Kind: acp.ToolKindExecute}
	case "Read":
		return pathInfo(input, "file_path", "Read", acp.ToolKindRead)
	case "Write":
		return pathInfo(input, "file_path", "Write", acp.ToolKindEdit)
	case "Edit":
		return pathInfo(input, "file_path", "Edit", acp.ToolKindEdit)
	case "NotebookEdit":
		return pathInfo(input, "notebook_path", "NotebookEdit", acp.ToolKindEdit)
	case "Glob":
		if pattern := stringField(input, "pattern"); pattern != "" {
			return ToolInfo{Title: truncateTitle(pattern), Kind: acp.ToolKindSearch}
		}
		return ToolInfo{Title: name, Kind: acp.ToolKindSearch}
	case "Grep":
		if pattern := stringField(input, "pattern"); pattern != "" {
			return ToolInfo{Title: truncateTitle(pattern), Kind: acp.ToolKindSearch}
		}
		return ToolInfo{Title: name, Kind: acp.ToolKindSearch}
	case "LS":
		if path := stringField(input, "path"); path != "" {
			return ToolInfo{Title: truncateTitle(path), Kind: acp.ToolKindSearch}
		}
		return ToolInfo{Title: name, Kind: acp.ToolKindSearch}
	case "WebFetch":
		if url := stringField(input, "url"); url != "" {
			return ToolInfo{Title: truncateTitle(url), Kind: acp.ToolKindFetch}
		}
		return ToolInfo{Title: name, Kind: acp.ToolKindFetch}
	case "WebSearch":
		if query := stringField(input, "query"); query != "" {
			return ToolInfo{Title: truncateTitle(query), Kind: acp.ToolKindFetch}
		}
		return ToolInfo{Title: name, Kind: acp.ToolKindFetch}
	case "Task":
		if desc := stringField(input, "description"); desc != "" {
			return ToolInfo{Title: truncateTitle(desc), Kind: acp.ToolKindThink}
		}
		return ToolInfo{Title: name, Kind: acp.ToolKindThink}
	case "TodoWrite":
		return ToolInfo{Title: "Update plan", Kind: acp.ToolKindThink}
	case "ExitPlanMode":
		return ToolInfo{Title: "Exit plan mode", Kind: acp.ToolKindSwitchMode}
	default:
		return ToolInfo{Title: name, Kind: acp.ToolKindOther}
	}
}

func pathInfo(input map[string]any, key, fallback string, kind acp.ToolKind) ToolInfo {
	path := stringField(input, key)
	if path == "" {
		return ToolInfo{Title: fallback, Kind: kind}
	}
	return ToolInfo{
		Title:     truncateTitle(path),
		Kind:      kind,
		Locations: []acp.ToolCallLocation{{Path: path}},
	}
}

// splitMCPName splits "mcp__server__tool" into its server and tool parts.
func splitMCPName(name string) (server, tool string, ok bool) {
	rest, found := strings.CutPrefix(name, "mcp__")
	if !found {
		return "", "", false
	}
	server, tool, found = strings.Cut(rest, "__")
	if !found || server == "" || tool == "" {
		return "", "", false
	}
	return server, tool, true
}

func stringField(input map[string]any, key string) string {
	if input == nil {
		return ""
	}
	s, _ := input[key].(string)
	return s
}

func oneLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func truncateTitle(s string) string {
	if len(s) <= titleLimit {
		return s
	}
	cut := titleLimit
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
