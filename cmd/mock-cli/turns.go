package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/claudeacp/claudeacp/pkg/claudecode"
)

// availableCommands is advertised in the initialize response and surfaced
// to ACP clients, so each entry here doubles as scenario documentation.
func availableCommands() []claudecode.SlashCommand {
	return []claudecode.SlashCommand{
		{Name: "demo", Description: "Stream one of every message type"},
		{Name: "thinking", Description: "Respond with extended thinking"},
		{Name: "subagent", Description: "Delegate to a Task subagent"},
		{Name: "error", Description: "Fail the turn with an error result"},
		{Name: "slow", Description: "Work slowly, useful for testing cancellation", ArgumentHint: "[duration]"},
		{Name: "tool:read", Description: "Read a file, no permission needed"},
		{Name: "tool:exec", Description: "Run a shell command behind a permission prompt"},
		{Name: "tool:edit", Description: "Edit a file behind a permission prompt"},
	}
}

// runTurn plays the scenario selected by the prompt prefix and always
// closes with a result message, even when the turn was interrupted.
func (m *mock) runTurn(prompt string) {
	m.drainInterrupts()
	m.writeSystemInit()

	prompt = strings.TrimSpace(prompt)
	lower := strings.ToLower(prompt)
	start := time.Now()

	var errText string
	switch {
	case lower == "/error":
		errText = m.turnError()
	case lower == "/thinking":
		m.turnThinking()
	case lower == "/demo":
		m.turnDemo()
	case lower == "/subagent":
		m.turnSubagent()
	case lower == "/slow" || strings.HasPrefix(lower, "/slow "):
		m.turnSlow(prompt)
	case strings.HasPrefix(lower, "/tool:"):
		m.turnTool(strings.TrimPrefix(lower, "/tool:"))
	default:
		m.turnText(prompt)
	}

	m.writeResult(errText, time.Since(start))
}

func (m *mock) turnText(prompt string) {
	text := fmt.Sprintf("I looked at %q and everything checks out. This is a mock response, no tokens were harmed.", prompt)
	if m.writeTextDeltas(text) {
		return
	}
	m.writeTextBlock(text, "")
}

func (m *mock) turnThinking() {
	thinking := "Let me reason about this. The request is simple, so a short answer will do. No tools are needed here."
	if m.writeThinkingDeltas(thinking) {
		return
	}
	m.writeThinkingBlock(thinking)
	m.randomDelay()
	text := "After thinking it over, the answer is 42."
	if m.writeTextDeltas(text) {
		return
	}
	m.writeTextBlock(text, "")
}

func (m *mock) turnError() string {
	m.writeTextBlock("Something is about to go wrong...", "")
	return "mock error: simulated failure during execution"
}

func (m *mock) turnSlow(prompt string) {
	total := 5 * time.Second
	if parts := strings.Fields(prompt); len(parts) >= 2 {
		if d, err := time.ParseDuration(parts[1]); err == nil && d > 0 {
			total = d
		}
	}
	m.writeTextBlock(fmt.Sprintf("Working slowly for %s, interrupt me any time.", total), "")
	if m.sleepInterruptible(total) {
		return
	}
	m.writeTextBlock("Done being slow.", "")
}

func (m *mock) turnTool(name string) {
	switch name {
	case "read":
		m.turnToolRead()
	case "exec", "bash":
		m.turnToolExec()
	case "edit":
		m.turnToolEdit()
	default:
		m.writeTextBlock(fmt.Sprintf("Unknown tool scenario %q. Try read, exec, or edit.", name), "")
	}
}

func (m *mock) turnToolRead() {
	toolID := m.nextToolID()
	path, content := workspaceSample()
	m.writeToolUse(toolID, claudecode.ToolRead, map[string]any{"file_path": path})
	m.randomDelay()
	m.writeToolResult(toolID, content, false)
	m.randomDelay()
	m.writeTextBlock(fmt.Sprintf("I read %s and it looks fine.", path), "")
}

func (m *mock) turnToolExec() {
	toolID := m.nextToolID()
	input := map[string]any{"command": "ls -la", "description": "List files in the working directory"}
	m.writeToolUse(toolID, claudecode.ToolBash, input)

	allowed, aborted := m.requestPermission(claudecode.ToolBash, toolID, input)
	if aborted {
		return
	}
	if !allowed {
		m.writeToolResult(toolID, "Permission to run the command was denied.", true)
		m.writeTextBlock("I was not allowed to run the command, so I stopped there.", "")
		return
	}
	m.randomDelay()
	m.writeToolResult(toolID, "total 16\n-rw-r--r-- 1 user user  312 go.mod\n-rw-r--r-- 1 user user 1204 main.go", false)
	m.writeTextBlock("The command completed successfully.", "")
}

func (m *mock) turnToolEdit() {
	toolID := m.nextToolID()
	input := map[string]any{
		"file_path":  "main.go",
		"old_string": "fmt.Println(\"hello\")",
		"new_string": "fmt.Println(\"hello, world\")",
	}
	m.writeToolUse(toolID, claudecode.ToolEdit, input)

	allowed, aborted := m.requestPermission(claudecode.ToolEdit, toolID, input)
	if aborted {
		return
	}
	if !allowed {
		m.writeToolResult(toolID, "Permission to edit the file was denied.", true)
		m.writeTextBlock("The edit was rejected, leaving the file untouched.", "")
		return
	}
	m.randomDelay()
	m.writeToolResult(toolID, "The file main.go has been updated.", false)
	m.writeTextBlock("I applied the edit to main.go.", "")
}

// turnSubagent nests messages under a Task tool call via parent_tool_use_id.
func (m *mock) turnSubagent() {
	taskID := m.nextToolID()
	m.writeToolUse(taskID, claudecode.ToolTask, map[string]any{
		"description": "Scan the repository",
		"prompt":      "List the packages in this project",
	})
	m.randomDelay()
	m.writeTextBlock("Scanning the repository now.", taskID)
	m.randomDelay()
	m.writeToolResult(taskID, "Found 12 packages across cmd and internal.", false)
	m.randomDelay()
	m.writeTextBlock("The subagent finished its scan: 12 packages.", "")
}

func (m *mock) turnDemo() {
	if m.writeThinkingDeltas("Running the full demo: thinking, text, and a couple of tools.") {
		return
	}
	m.writeThinkingBlock("Running the full demo: thinking, text, and a couple of tools.")
	if m.writeTextDeltas("Starting the demo tour.") {
		return
	}
	m.writeTextBlock("Starting the demo tour.", "")
	m.turnToolRead()
	if m.interrupted() {
		return
	}
	m.turnToolExec()
	if m.interrupted() {
		return
	}
	m.writeTextBlock("Demo finished.", "")
}

// workspaceSample returns a real file from the working directory when one
// of the usual suspects exists, so tool output in the client matches the
// workspace it launched in.
func workspaceSample() (string, string) {
	for _, path := range []string{"go.mod", "README.md", "package.json", "Makefile"} {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		const limit = 2048
		if len(data) > limit {
			data = data[:limit]
		}
		return path, string(data)
	}
	return "notes.txt", "Mock workspace contents. Nothing real was read."
}
