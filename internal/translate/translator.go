// Package translate converts Claude Code CLI stream events into ACP session
// updates, preserving arrival order, and renders client prompts into the
// CLI's text input.
package translate

import (
	"strings"

	"github.com/coder/acp-go-sdk"
	"go.uber.org/zap"

	"github.com/claudeacp/claudeacp/internal/common/logger"
	"github.com/claudeacp/claudeacp/pkg/claudecode"
)

// Translator turns decomposed backend events into ordered session/update
// payloads for one session. It is driven by a single turn loop goroutine;
// only the correlator inside is shared with other goroutines.
type Translator struct {
	log        *logger.Logger
	correlator *Correlator

	// With --include-partial-messages the CLI streams deltas and then
	// repeats the finished block in the assistant message. Once a delta is
	// seen the complete blocks of that turn are duplicates and get dropped.
	sawTextDelta     bool
	sawThinkingDelta bool
}

// NewTranslator returns a translator with an empty correlator.
func NewTranslator(log *logger.Logger) *Translator {
	return &Translator{
		log:        log,
		correlator: NewCorrelator(),
	}
}

// Correlator exposes the tool-use table for the permission path.
func (t *Translator) Correlator() *Correlator {
	return t.correlator
}

// BeginTurn resets per-turn streaming state.
func (t *Translator) BeginTurn() {
	t.sawTextDelta = false
	t.sawThinkingDelta = false
}

// EndTurn drops unresolved tool uses and reports how many there were.
func (t *Translator) EndTurn() int {
	dropped := t.correlator.Clear()
	if dropped > 0 {
		t.log.Debug("dropping unresolved tool uses at turn end", zap.Int("count", dropped))
	}
	return dropped
}

// Translate maps one backend event to zero or more session updates.
func (t *Translator) Translate(ev claudecode.Event) []acp.SessionUpdate {
	switch ev.Kind {
	case claudecode.KindTextDelta:
		t.sawTextDelta = true
		return []acp.SessionUpdate{acp.UpdateAgentMessageText(ev.Text)}

	case claudecode.KindTextBlock:
		if t.sawTextDelta || ev.Text == "" {
			return nil
		}
		return []acp.SessionUpdate{acp.UpdateAgentMessageText(ev.Text)}

	case claudecode.KindThinkingDelta:
		t.sawThinkingDelta = true
		return []acp.SessionUpdate{acp.UpdateAgentThoughtText(ev.Text)}

	case claudecode.KindThinkingBlock:
		if t.sawThinkingDelta || ev.Text == "" {
			return nil
		}
		return []acp.SessionUpdate{acp.UpdateAgentThoughtText(ev.Text)}

	case claudecode.KindToolUse:
		return t.translateToolUse(ev.ToolUse)

	case claudecode.KindToolResult:
		return t.translateToolResult(ev.ToolResult)

	case claudecode.KindSystem, claudecode.KindResult:
		// Consumed by the session itself, not surfaced as updates.
		return nil

	case claudecode.KindUnknown:
		rawType := ""
		if ev.Raw != nil {
			rawType = ev.Raw.Type
		}
		t.log.Warn("skipping unrecognized backend event", zap.String("type", rawType))
		return nil

	default:
		return nil
	}
}

func (t *Translator) translateToolUse(use *claudecode.ToolUse) []acp.SessionUpdate {
	if use == nil {
		return nil
	}

	if use.Name == claudecode.ToolTodoWrite {
		// Plan updates replace the tool_call rendering entirely. The entry
		// is still tracked so the eventual result is swallowed quietly.
		t.correlator.Insert(&ToolUseEntry{
			ID:     use.ID,
			Name:   use.Name,
			Input:  use.Input,
			Parent: use.ParentToolUseID,
			Silent: true,
		})
		entries := planEntries(use.Input)
		if len(entries) == 0 {
			return nil
		}
		return []acp.SessionUpdate{{Plan: &acp.SessionUpdatePlan{Entries: entries}}}
	}

	info := ToolInfoFor(use.Name, use.Input)
	t.correlator.Insert(&ToolUseEntry{
		ID:     use.ID,
		Name:   use.Name,
		Input:  use.Input,
		Info:   info,
		Parent: use.ParentToolUseID,
	})

	opts := []acp.ToolCallStartOpt{
		acp.WithStartKind(info.Kind),
		acp.WithStartStatus(acp.ToolCallStatusPending),
		acp.WithStartRawInput(use.Input),
	}
	if len(info.Locations) > 0 {
		opts = append(opts, acp.WithStartLocations(info.Locations))
	}

	update := acp.StartToolCall(acp.ToolCallId(use.ID), info.Title, opts...)
	if diff := diffContent(use.Name, use.Input); diff != nil {
		update.ToolCall.Content = diff
	}
	return []acp.SessionUpdate{update}
}

func (t *Translator) translateToolResult(res *claudecode.ToolResult) []acp.SessionUpdate {
	if res == nil {
		return nil
	}

	entry, ok := t.correlator.Remove(res.ToolUseID)
	if !ok {
		t.log.Warn("dropping tool result without a matching tool call",
			zap.String("tool_use_id", res.ToolUseID))
		return nil
	}
	if entry.Silent {
		return nil
	}

	status := acp.ToolCallStatusCompleted
	if res.IsError {
		status = acp.ToolCallStatusFailed
	}

	opts := []acp.ToolCallUpdateOpt{
		acp.WithUpdateStatus(status),
		acp.WithUpdateRawOutput(map[string]any{
			"content":  res.Content,
			"is_error": res.IsError,
		}),
	}
	if rendered := renderToolResult(entry.Name, res.Content); rendered != "" {
		opts = append(opts, acp.WithUpdateContent([]acp.ToolCallContent{
			acp.ToolContent(acp.TextBlock(rendered)),
		}))
	}

	return []acp.SessionUpdate{acp.UpdateToolCall(acp.ToolCallId(res.ToolUseID), opts...)}
}

// diffContent builds diff content for file-mutating tools from their input.
func diffContent(name string, input map[string]any) []acp.ToolCallContent {
	switch name {
	case claudecode.ToolEdit:
		path := stringField(input, "file_path")
		next := stringField(input, "new_string")
		if path == "" {
			return nil
		}
		return []acp.ToolCallContent{acp.ToolDiffContent(path, next)}
	case claudecode.ToolWrite:
		path := stringField(input, "file_path")
		if path == "" {
			return nil
		}
		return []acp.ToolCallContent{acp.ToolDiffContent(path, stringField(input, "content"))}
	case claudecode.ToolNotebookEdit:
		path := stringField(input, "notebook_path")
		if path == "" {
			return nil
		}
		return []acp.ToolCallContent{acp.ToolDiffContent(path, stringField(input, "new_source"))}
	default:
		return nil
	}
}

// planEntries converts a TodoWrite input into plan entries.
func planEntries(input map[string]any) []acp.PlanEntry {
	todos, ok := input["todos"].([]any)
	if !ok {
		return nil
	}
	entries := make([]acp.PlanEntry, 0, len(todos))
	for _, raw := range todos {
		todo, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		content, _ := todo["content"].(string)
		if content == "" {
			continue
		}
		status, _ := todo["status"].(string)
		if status == "" {
			status = "pending"
		}
		priority, _ := todo["priority"].(string)
		if priority == "" {
			priority = "medium"
		}
		entries = append(entries, acp.PlanEntry{
			Content:  content,
			Status:   acp.PlanEntryStatus(status),
			Priority: acp.PlanEntryPriority(priority),
		})
	}
	return entries
}

// renderToolResult normalizes a tool result body for display. Read output
// loses its system-reminder wrapper and gets fenced as markdown.
func renderToolResult(name, content string) string {
	if content == "" {
		return ""
	}
	if name != claudecode.ToolRead {
		return content
	}
	content = stripSystemReminders(content)
	content = strings.TrimRight(content, "\n")
	if content == "" {
		return ""
	}
	return "```\n" + content + "\n```"
}

func stripSystemReminders(s string) string {
	const openTag, closeTag = "<system-reminder>", "</system-reminder>"
	for {
		start := strings.Index(s, openTag)
		if start < 0 {
			return s
		}
		end := strings.Index(s[start:], closeTag)
		if end < 0 {
			return s[:start]
		}
		s = s[:start] + s[start+end+len(closeTag):]
	}
}
