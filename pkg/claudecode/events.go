package claudecode

// EventKind identifies the semantic kind of a decomposed backend event.
type EventKind string

const (
	// KindSystem is the session init message.
	KindSystem EventKind = "system"
	// KindTextBlock is a complete assistant text block.
	KindTextBlock EventKind = "text_block"
	// KindTextDelta is a partial assistant text update.
	KindTextDelta EventKind = "text_delta"
	// KindThinkingBlock is a complete thinking block.
	KindThinkingBlock EventKind = "thinking_block"
	// KindThinkingDelta is a partial thinking update.
	KindThinkingDelta EventKind = "thinking_delta"
	// KindToolUse is a tool invocation announced by the assistant.
	KindToolUse EventKind = "tool_use"
	// KindToolResult is the outcome of an earlier tool invocation.
	KindToolResult EventKind = "tool_result"
	// KindResult is the terminal message of a turn.
	KindResult EventKind = "result"
	// KindUnknown is a message of an unrecognized type.
	KindUnknown EventKind = "unknown"
)

// Event is one semantic unit extracted from a CLI message. A single message
// can decompose into several events (one per content block) and replayed
// messages decompose into none.
type Event struct {
	Kind EventKind

	// Text carries the content for text and thinking kinds.
	Text string

	ToolUse    *ToolUse
	ToolResult *ToolResult
	Result     *TurnResult

	// Model is set on system events.
	Model string

	// Raw is the originating message for anything the caller needs beyond
	// the decomposed fields.
	Raw *CLIMessage
}

// ToolUse describes a tool invocation.
type ToolUse struct {
	ID    string
	Name  string
	Input map[string]any

	// ParentToolUseID is set when the invocation happened inside a Task
	// sub-agent.
	ParentToolUseID string
}

// ToolResult describes the outcome of a tool invocation.
type ToolResult struct {
	ToolUseID string
	Content   string
	IsError   bool
}

// TurnResult is the terminal state of a turn.
type TurnResult struct {
	Subtype      string
	IsError      bool
	Result       string
	Usage        *Usage
	TotalCostUSD float64
	NumTurns     int
	DurationMS   int64
}

// Decompose splits a CLI message into semantic events. Control traffic and
// replayed user messages yield no events. Unrecognized message types yield a
// single KindUnknown event so callers can count and skip them.
func Decompose(msg *CLIMessage) []Event {
	switch msg.Type {
	case MessageTypeSystem:
		return []Event{{Kind: KindSystem, Model: msg.Model, Raw: msg}}

	case MessageTypeAssistant:
		return decomposeAssistant(msg)

	case MessageTypeUser:
		return decomposeUser(msg)

	case MessageTypeStreamEvent:
		return decomposeStreamEvent(msg)

	case MessageTypeResult:
		return []Event{{Kind: KindResult, Result: turnResult(msg), Raw: msg}}

	case MessageTypeControlRequest, MessageTypeControlResponse:
		// Handled on the control path, never decomposed.
		return nil

	default:
		return []Event{{Kind: KindUnknown, Raw: msg}}
	}
}

func decomposeAssistant(msg *CLIMessage) []Event {
	if msg.Message == nil {
		return nil
	}
	events := make([]Event, 0, len(msg.Message.Content))
	for i := range msg.Message.Content {
		block := &msg.Message.Content[i]
		switch block.Type {
		case BlockText:
			events = append(events, Event{Kind: KindTextBlock, Text: block.Text, Raw: msg})
		case BlockThinking:
			events = append(events, Event{Kind: KindThinkingBlock, Text: block.Thinking, Raw: msg})
		case BlockToolUse:
			events = append(events, Event{
				Kind: KindToolUse,
				ToolUse: &ToolUse{
					ID:              block.ID,
					Name:            block.Name,
					Input:           block.Input,
					ParentToolUseID: msg.ParentToolUseID,
				},
				Raw: msg,
			})
		}
		// Unknown block types are skipped, not surfaced.
	}
	return events
}

func decomposeUser(msg *CLIMessage) []Event {
	// Replayed and synthetic user messages echo our own input back.
	if msg.IsReplay || msg.IsSynthetic || msg.Message == nil {
		return nil
	}
	var events []Event
	for i := range msg.Message.Content {
		block := &msg.Message.Content[i]
		if block.Type != BlockToolResult {
			continue
		}
		events = append(events, Event{
			Kind: KindToolResult,
			ToolResult: &ToolResult{
				ToolUseID: block.ToolUseID,
				Content:   block.ContentText(),
				IsError:   block.IsError,
			},
			Raw: msg,
		})
	}
	return events
}

func decomposeStreamEvent(msg *CLIMessage) []Event {
	ev := msg.Event
	if ev == nil || ev.Type != StreamEventContentBlockDelta || ev.Delta == nil {
		return nil
	}
	switch ev.Delta.Type {
	case DeltaText:
		if ev.Delta.Text == "" {
			return nil
		}
		return []Event{{Kind: KindTextDelta, Text: ev.Delta.Text, Raw: msg}}
	case DeltaThinking:
		if ev.Delta.Thinking == "" {
			return nil
		}
		return []Event{{Kind: KindThinkingDelta, Text: ev.Delta.Thinking, Raw: msg}}
	default:
		// input_json_delta and friends are reassembled by the CLI itself;
		// the complete tool_use block arrives in the assistant message.
		return nil
	}
}

func turnResult(msg *CLIMessage) *TurnResult {
	res := &TurnResult{
		Subtype:      msg.Subtype,
		IsError:      msg.IsError,
		Result:       msg.GetResultString(),
		Usage:        msg.Usage,
		TotalCostUSD: msg.TotalCostUSD,
		NumTurns:     msg.NumTurns,
		DurationMS:   msg.DurationMS,
	}
	if res.Usage == nil && (msg.TotalInputTokens > 0 || msg.TotalOutputTokens > 0) {
		res.Usage = &Usage{
			InputTokens:  msg.TotalInputTokens,
			OutputTokens: msg.TotalOutputTokens,
		}
	}
	return res
}
