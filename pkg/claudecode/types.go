// Package claudecode provides the client for the Claude Code CLI stream-json
// protocol. The CLI speaks newline-delimited JSON over stdin/stdout, with
// control requests riding the same streams for permissions and session
// control.
package claudecode

import "encoding/json"

// Message types from Claude Code CLI
const (
	// MessageTypeSystem is the initial system message with session info
	MessageTypeSystem = "system"
	// MessageTypeAssistant contains text, thinking or tool use from the assistant
	MessageTypeAssistant = "assistant"
	// MessageTypeUser carries user prompts and tool results
	MessageTypeUser = "user"
	// MessageTypeResult is the final result message of a turn
	MessageTypeResult = "result"
	// MessageTypeStreamEvent is a partial content update
	MessageTypeStreamEvent = "stream_event"
	// MessageTypeControlRequest is a control request (permission, hook)
	MessageTypeControlRequest = "control_request"
	// MessageTypeControlResponse is a response to a control request
	MessageTypeControlResponse = "control_response"
)

// Control request subtypes
const (
	// SubtypeCanUseTool is a permission request for tool use
	SubtypeCanUseTool = "can_use_tool"
	// SubtypeHookCallback is a hook callback request
	SubtypeHookCallback = "hook_callback"
	// SubtypeInitialize initializes the session
	SubtypeInitialize = "initialize"
	// SubtypeInterrupt interrupts the current operation
	SubtypeInterrupt = "interrupt"
	// SubtypeSetPermissionMode sets the permission mode
	SubtypeSetPermissionMode = "set_permission_mode"
	// SubtypeSetModel switches the active model
	SubtypeSetModel = "set_model"
)

// Permission behaviors
const (
	// BehaviorAllow allows the tool use
	BehaviorAllow = "allow"
	// BehaviorDeny denies the tool use
	BehaviorDeny = "deny"
)

// Permission modes understood by the CLI.
const (
	PermissionModeDefault           = "default"
	PermissionModeAcceptEdits       = "acceptEdits"
	PermissionModePlan              = "plan"
	PermissionModeDontAsk           = "dontAsk"
	PermissionModeBypassPermissions = "bypassPermissions"
)

// Content block types
const (
	BlockText       = "text"
	BlockThinking   = "thinking"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// Result subtypes for the terminal message of a turn.
const (
	ResultSubtypeSuccess              = "success"
	ResultSubtypeErrorMaxTurns        = "error_max_turns"
	ResultSubtypeErrorMaxBudget       = "error_max_budget_usd"
	ResultSubtypeErrorDuringExecution = "error_during_execution"
)

// Common tool names
const (
	ToolBash         = "Bash"
	ToolWrite        = "Write"
	ToolEdit         = "Edit"
	ToolNotebookEdit = "NotebookEdit"
	ToolRead         = "Read"
	ToolGlob         = "Glob"
	ToolGrep         = "Grep"
	ToolLS           = "LS"
	ToolTask         = "Task"
	ToolTodoWrite    = "TodoWrite"
	ToolWebFetch     = "WebFetch"
	ToolWebSearch    = "WebSearch"
	ToolKillShell    = "KillShell"
	ToolBashOutput   = "BashOutput"
	ToolExitPlanMode = "ExitPlanMode"
)

// CLIMessage represents messages from Claude Code CLI stdout.
// The message type determines which fields are populated.
type CLIMessage struct {
	// Type is the message type (system, assistant, result, control_request, etc.)
	Type string `json:"type"`

	// For control_request messages
	RequestID string          `json:"request_id,omitempty"`
	Request   *ControlRequest `json:"request,omitempty"`

	// For control_response messages. The request id lives inside this body,
	// not at the message level.
	Response *IncomingControlResponse `json:"response,omitempty"`

	// For system messages
	SessionID     string `json:"session_id,omitempty"`
	SessionStatus string `json:"session_status,omitempty"`
	Model         string `json:"model,omitempty"`

	// For assistant and user messages
	Message *MessageBody `json:"message,omitempty"`

	// Set on messages produced inside a Task sub-agent
	ParentToolUseID string `json:"parent_tool_use_id,omitempty"`

	// Replay/synthetic markers on user messages (--replay-user-messages)
	IsReplay    bool `json:"isReplay,omitempty"`
	IsSynthetic bool `json:"isSynthetic,omitempty"`

	// For stream_event messages
	Event *StreamEvent `json:"event,omitempty"`

	// For result messages.
	// Result can be either a string (final text or error message) or an object.
	Subtype           string                     `json:"subtype,omitempty"`
	Result            json.RawMessage            `json:"result,omitempty"`
	TotalCostUSD      float64                    `json:"total_cost_usd,omitempty"`
	DurationMS        int64                      `json:"duration_ms,omitempty"`
	DurationAPIMS     int64                      `json:"duration_api_ms,omitempty"`
	IsError           bool                       `json:"is_error,omitempty"`
	NumTurns          int                        `json:"num_turns,omitempty"`
	Usage             *Usage                     `json:"usage,omitempty"`
	TotalInputTokens  int64                      `json:"total_input_tokens,omitempty"`
	TotalOutputTokens int64                      `json:"total_output_tokens,omitempty"`
	ModelUsage        map[string]ModelUsageStats `json:"model_usage,omitempty"`

	// Raw line for advanced parsing if needed
	RawContent json.RawMessage `json:"-"`
}

// MessageBody is the body of assistant and user messages.
type MessageBody struct {
	Role       string         `json:"role"`
	Content    []ContentBlock `json:"content,omitempty"`
	Model      string         `json:"model,omitempty"`
	StopReason string         `json:"stop_reason,omitempty"`
	Usage      *Usage         `json:"usage,omitempty"`
}

// ContentBlock represents a block of content in an assistant or user message.
type ContentBlock struct {
	Type string `json:"type"`

	// For text blocks
	Text string `json:"text,omitempty"`

	// For thinking blocks
	Thinking string `json:"thinking,omitempty"`

	// For tool_use blocks
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// For tool_result blocks. Content is either a plain string or an array
	// of nested content blocks, so it stays raw until ContentText.
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// ContentText normalizes a tool_result body to plain text. A string body is
// returned as is; an array body concatenates its text blocks; anything else,
// including an absent body, yields "".
func (b *ContentBlock) ContentText() string {
	if len(b.Content) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(b.Content, &s); err == nil {
		return s
	}

	var blocks []ContentBlock
	if err := json.Unmarshal(b.Content, &blocks); err != nil {
		return ""
	}
	var out string
	for _, nested := range blocks {
		if nested.Type == BlockText {
			out += nested.Text
		}
	}
	return out
}

// Usage contains token usage information.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}

// ModelUsageStats contains per-model usage statistics from the result message.
type ModelUsageStats struct {
	ContextWindow *int64 `json:"context_window,omitempty"`
}

// ResultData is the result object shape for successful completions.
type ResultData struct {
	Text      string `json:"text,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// GetResultData attempts to parse the Result field as a ResultData object.
// Returns nil if Result is empty, a string, or cannot be parsed as ResultData.
func (m *CLIMessage) GetResultData() *ResultData {
	if len(m.Result) == 0 {
		return nil
	}
	var data ResultData
	if err := json.Unmarshal(m.Result, &data); err != nil {
		return nil
	}
	return &data
}

// GetResultString returns the Result field as a string.
// This is used when the result is final text or an error message.
func (m *CLIMessage) GetResultString() string {
	if len(m.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Result, &s); err != nil {
		return ""
	}
	return s
}

// StreamEvent represents a partial content update during processing.
type StreamEvent struct {
	Type  string        `json:"type"`
	Index int           `json:"index,omitempty"`
	Delta *DeltaEvent   `json:"delta,omitempty"`
	Block *ContentBlock `json:"content_block,omitempty"`
}

// Stream event types.
const (
	StreamEventContentBlockDelta = "content_block_delta"
	StreamEventContentBlockStart = "content_block_start"
	StreamEventContentBlockStop  = "content_block_stop"
	StreamEventMessageStart      = "message_start"
	StreamEventMessageStop       = "message_stop"
)

// DeltaEvent carries one partial update inside a content_block_delta.
type DeltaEvent struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
}

// Delta types inside content_block_delta events.
const (
	DeltaText      = "text_delta"
	DeltaThinking  = "thinking_delta"
	DeltaInputJSON = "input_json_delta"
)

// ControlRequest represents a control request from Claude Code CLI.
// This is used for permission requests (can_use_tool) and hook callbacks.
type ControlRequest struct {
	// Subtype identifies the type of control request
	Subtype string `json:"subtype"`

	// For can_use_tool requests
	ToolName  string         `json:"tool_name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`

	// For hook_callback requests
	CallbackID string         `json:"callback_id,omitempty"`
	HookName   string         `json:"hook_name,omitempty"`
	HookInput  map[string]any `json:"hook_input,omitempty"`

	// Suggested permission rule updates, forwarded opaquely
	PermissionSuggestions []json.RawMessage `json:"permission_suggestions,omitempty"`
}

// ControlResponseMessage is the message sent to respond to control requests.
type ControlResponseMessage struct {
	Type     string              `json:"type"` // "control_response"
	Response ControlResponseBody `json:"response"`
}

// ControlResponseBody is the body of an outgoing control response.
type ControlResponseBody struct {
	Subtype   string `json:"subtype"` // success, error
	RequestID string `json:"request_id"`

	// For can_use_tool success responses
	Response *PermissionResult `json:"response,omitempty"`

	// For error responses
	Error string `json:"error,omitempty"`
}

// PermissionResult is the result payload for tool approval responses.
type PermissionResult struct {
	// Behavior is "allow" or "deny"
	Behavior string `json:"behavior"`

	// UpdatedInput allows modifying the tool input (allow only)
	UpdatedInput map[string]any `json:"updatedInput,omitempty"`

	// UpdatedPermissions echoes accepted rule suggestions back to the CLI
	UpdatedPermissions []json.RawMessage `json:"updatedPermissions,omitempty"`

	// Message provides feedback to the model (deny only)
	Message string `json:"message,omitempty"`

	// Interrupt stops the current operation (deny only)
	Interrupt *bool `json:"interrupt,omitempty"`
}

// IncomingControlResponse is the CLI's response to control requests we sent
// (initialize, interrupt, set_permission_mode, set_model).
type IncomingControlResponse struct {
	Subtype   string                  `json:"subtype"` // success, error
	RequestID string                  `json:"request_id"`
	Response  *InitializeResponseData `json:"response,omitempty"`
	Error     string                  `json:"error,omitempty"`
}

// InitializeResponseData is the payload of a successful initialize response.
type InitializeResponseData struct {
	Commands []SlashCommand `json:"commands,omitempty"`
	Agents   []string       `json:"agents,omitempty"`
}

// SlashCommand is an available slash command advertised by the CLI.
type SlashCommand struct {
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	ArgumentHint string `json:"argumentHint,omitempty"`
}

// SDKControlRequest is a control request sent to Claude Code CLI.
// Used for initialize, interrupt, and other control operations.
type SDKControlRequest struct {
	Type      string                `json:"type"` // "control_request"
	RequestID string                `json:"request_id"`
	Request   SDKControlRequestBody `json:"request"`
}

// SDKControlRequestBody contains the body of an SDK control request.
type SDKControlRequestBody struct {
	// Subtype identifies the operation (initialize, interrupt, set_permission_mode, set_model)
	Subtype string `json:"subtype"`

	// For initialize requests
	Hooks map[string]any `json:"hooks,omitempty"`

	// For set_permission_mode requests
	Mode string `json:"mode,omitempty"`

	// For set_model requests
	Model string `json:"model,omitempty"`
}

// UserMessage is sent to provide a prompt to Claude Code.
type UserMessage struct {
	Type    string          `json:"type"` // "user"
	Message UserMessageBody `json:"message"`
}

// UserMessageBody contains the user message content.
type UserMessageBody struct {
	Role    string `json:"role"` // "user"
	Content string `json:"content"`
}
