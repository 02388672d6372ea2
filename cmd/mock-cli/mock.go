package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/claudeacp/claudeacp/pkg/claudecode"
)

// incomingMessage is the envelope for everything the bridge writes to the
// CLI. User prompt content is a plain string on this side of the wire,
// which is why claudecode.CLIMessage cannot be reused for parsing.
type incomingMessage struct {
	Type      string                            `json:"type"`
	RequestID string                            `json:"request_id,omitempty"`
	Request   *claudecode.SDKControlRequestBody `json:"request,omitempty"`
	Message   *incomingPrompt                   `json:"message,omitempty"`
	Response  *claudecode.ControlResponseBody   `json:"response,omitempty"`
}

type incomingPrompt struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// controlResponseMsg is the reply envelope for control requests. The
// initialize reply carries command metadata, so the body differs from the
// permission-response shape in claudecode.ControlResponseMessage.
type controlResponseMsg struct {
	Type     string              `json:"type"`
	Response controlResponseBody `json:"response"`
}

type controlResponseBody struct {
	Subtype   string                             `json:"subtype"`
	RequestID string                             `json:"request_id"`
	Response  *claudecode.InitializeResponseData `json:"response,omitempty"`
	Error     string                             `json:"error,omitempty"`
}

// mock simulates one CLI conversation. The reader goroutine owns stdin and
// routes control traffic; turns run on their own goroutine so an interrupt
// can land mid-turn.
type mock struct {
	enc     *json.Encoder
	writeMu sync.Mutex

	sessionID string

	stateMu sync.Mutex
	model   string
	mode    string

	interrupts  chan struct{}
	permReplies chan *claudecode.ControlResponseBody
	eof         chan struct{}

	toolCounter int
	turnCount   int64
}

func newMock(w io.Writer, sessionID, model, mode string) *mock {
	return &mock{
		enc:         json.NewEncoder(w),
		sessionID:   sessionID,
		model:       model,
		mode:        mode,
		interrupts:  make(chan struct{}, 1),
		permReplies: make(chan *claudecode.ControlResponseBody, 4),
		eof:         make(chan struct{}),
	}
}

// run reads stdin until EOF, routing control requests inline and prompts to
// the turn goroutine. It returns once any in-flight turn has finished
// writing, so output is complete when the process exits.
func (m *mock) run(r io.Reader) error {
	prompts := make(chan string, 4)
	turnsDone := make(chan struct{})
	go func() {
		defer close(turnsDone)
		for prompt := range prompts {
			m.runTurn(prompt)
		}
	}()

	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg incomingMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case claudecode.MessageTypeControlRequest:
			m.handleControlRequest(&msg)
		case claudecode.MessageTypeControlResponse:
			if msg.Response != nil {
				select {
				case m.permReplies <- msg.Response:
				default:
				}
			}
		case claudecode.MessageTypeUser:
			if msg.Message != nil {
				prompts <- msg.Message.Content
			}
		}
	}

	close(m.eof)
	close(prompts)
	<-turnsDone
	return scanner.Err()
}

func (m *mock) handleControlRequest(msg *incomingMessage) {
	if msg.Request == nil || msg.RequestID == "" {
		return
	}
	switch msg.Request.Subtype {
	case claudecode.SubtypeInitialize:
		m.write(controlResponseMsg{
			Type: claudecode.MessageTypeControlResponse,
			Response: controlResponseBody{
				Subtype:   "success",
				RequestID: msg.RequestID,
				Response: &claudecode.InitializeResponseData{
					Commands: availableCommands(),
					Agents:   []string{"general-purpose", "code-reviewer"},
				},
			},
		})
		m.writeSystemInit()
	case claudecode.SubtypeInterrupt:
		select {
		case m.interrupts <- struct{}{}:
		default:
		}
		m.ack(msg.RequestID)
	case claudecode.SubtypeSetPermissionMode:
		m.setPermissionMode(msg.Request.Mode)
		m.ack(msg.RequestID)
	case claudecode.SubtypeSetModel:
		m.setModel(msg.Request.Model)
		m.ack(msg.RequestID)
	default:
		m.write(controlResponseMsg{
			Type: claudecode.MessageTypeControlResponse,
			Response: controlResponseBody{
				Subtype:   "error",
				RequestID: msg.RequestID,
				Error:     "unsupported control request: " + msg.Request.Subtype,
			},
		})
	}
}

func (m *mock) ack(requestID string) {
	m.write(controlResponseMsg{
		Type: claudecode.MessageTypeControlResponse,
		Response: controlResponseBody{
			Subtype:   "success",
			RequestID: requestID,
		},
	})
}

func (m *mock) write(v any) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = m.enc.Encode(v)
}

func (m *mock) activeModel() string {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.model
}

func (m *mock) setModel(model string) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	if model != "" {
		m.model = model
	}
}

func (m *mock) permissionMode() string {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.mode
}

func (m *mock) setPermissionMode(mode string) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	if mode != "" {
		m.mode = mode
	}
}

func (m *mock) writeSystemInit() {
	m.write(claudecode.CLIMessage{
		Type:      claudecode.MessageTypeSystem,
		Subtype:   "init",
		SessionID: m.sessionID,
		Model:     m.activeModel(),
	})
}

func (m *mock) writeTextBlock(text, parentToolUseID string) {
	m.write(claudecode.CLIMessage{
		Type:            claudecode.MessageTypeAssistant,
		ParentToolUseID: parentToolUseID,
		Message: &claudecode.MessageBody{
			Role:    "assistant",
			Content: []claudecode.ContentBlock{{Type: claudecode.BlockText, Text: text}},
			Model:   m.activeModel(),
		},
	})
}

func (m *mock) writeThinkingBlock(thinking string) {
	m.write(claudecode.CLIMessage{
		Type: claudecode.MessageTypeAssistant,
		Message: &claudecode.MessageBody{
			Role:    "assistant",
			Content: []claudecode.ContentBlock{{Type: claudecode.BlockThinking, Thinking: thinking}},
			Model:   m.activeModel(),
		},
	})
}

func (m *mock) writeToolUse(id, name string, input map[string]any) {
	m.write(claudecode.CLIMessage{
		Type: claudecode.MessageTypeAssistant,
		Message: &claudecode.MessageBody{
			Role:       "assistant",
			Content:    []claudecode.ContentBlock{{Type: claudecode.BlockToolUse, ID: id, Name: name, Input: input}},
			Model:      m.activeModel(),
			StopReason: "tool_use",
		},
	})
}

func (m *mock) writeToolResult(toolUseID, content string, isError bool) {
	raw, _ := json.Marshal(content)
	m.write(claudecode.CLIMessage{
		Type: claudecode.MessageTypeUser,
		Message: &claudecode.MessageBody{
			Role:    "user",
			Content: []claudecode.ContentBlock{{Type: claudecode.BlockToolResult, ToolUseID: toolUseID, Content: raw, IsError: isError}},
		},
	})
}

// writeTextDeltas streams text as content_block_delta events, the way the
// real CLI does with --include-partial-messages. The finished block still
// follows; the bridge deduplicates. Returns true if interrupted.
func (m *mock) writeTextDeltas(text string) bool {
	for _, chunk := range splitChunks(text, 24) {
		if m.interrupted() {
			return true
		}
		m.write(claudecode.CLIMessage{
			Type: claudecode.MessageTypeStreamEvent,
			Event: &claudecode.StreamEvent{
				Type:  claudecode.StreamEventContentBlockDelta,
				Delta: &claudecode.DeltaEvent{Type: claudecode.DeltaText, Text: chunk},
			},
		})
		m.randomDelay()
	}
	return false
}

func (m *mock) writeThinkingDeltas(thinking string) bool {
	for _, chunk := range splitChunks(thinking, 32) {
		if m.interrupted() {
			return true
		}
		m.write(claudecode.CLIMessage{
			Type: claudecode.MessageTypeStreamEvent,
			Event: &claudecode.StreamEvent{
				Type:  claudecode.StreamEventContentBlockDelta,
				Delta: &claudecode.DeltaEvent{Type: claudecode.DeltaThinking, Thinking: chunk},
			},
		})
		m.randomDelay()
	}
	return false
}

func (m *mock) writeResult(errText string, elapsed time.Duration) {
	m.turnCount++
	contextWindow := int64(200000)
	msg := claudecode.CLIMessage{
		Type:          claudecode.MessageTypeResult,
		Subtype:       claudecode.ResultSubtypeSuccess,
		SessionID:     m.sessionID,
		TotalCostUSD:  0.0042,
		DurationMS:    elapsed.Milliseconds(),
		DurationAPIMS: elapsed.Milliseconds(),
		NumTurns:      1,
		Usage: &claudecode.Usage{
			InputTokens:              m.turnCount * 1200,
			OutputTokens:             m.turnCount * 350,
			CacheCreationInputTokens: 2048,
			CacheReadInputTokens:     m.turnCount * 4096,
		},
		ModelUsage: map[string]claudecode.ModelUsageStats{
			m.activeModel(): {ContextWindow: &contextWindow},
		},
	}
	if errText != "" {
		msg.Subtype = claudecode.ResultSubtypeErrorDuringExecution
		msg.IsError = true
		msg.Result, _ = json.Marshal(errText)
	} else {
		msg.Result, _ = json.Marshal("Mock turn completed.")
	}
	m.write(msg)
}

// requestPermission emits a can_use_tool control request and blocks until
// the bridge replies. Bypass mode never asks; acceptEdits auto-allows the
// edit tools the way the real CLI does.
func (m *mock) requestPermission(toolName, toolUseID string, input map[string]any) (allowed, aborted bool) {
	mode := m.permissionMode()
	if mode == claudecode.PermissionModeBypassPermissions {
		return true, false
	}
	if mode == claudecode.PermissionModeAcceptEdits && (toolName == claudecode.ToolEdit || toolName == claudecode.ToolWrite) {
		return true, false
	}

	m.write(claudecode.CLIMessage{
		Type:      claudecode.MessageTypeControlRequest,
		RequestID: "mock-perm-" + toolUseID,
		Request: &claudecode.ControlRequest{
			Subtype:   claudecode.SubtypeCanUseTool,
			ToolName:  toolName,
			Input:     input,
			ToolUseID: toolUseID,
		},
	})

	// A reply may already be queued when the select also sees shutdown, so
	// prefer replies on both paths.
	select {
	case reply := <-m.permReplies:
		return evalPermissionReply(reply), false
	default:
	}
	select {
	case reply := <-m.permReplies:
		return evalPermissionReply(reply), false
	case <-m.interrupts:
		return false, true
	case <-m.eof:
		select {
		case reply := <-m.permReplies:
			return evalPermissionReply(reply), false
		default:
		}
		return false, true
	case <-time.After(5 * time.Minute):
		return false, false
	}
}

func evalPermissionReply(reply *claudecode.ControlResponseBody) bool {
	if reply == nil || reply.Subtype != "success" || reply.Response == nil {
		return false
	}
	return reply.Response.Behavior == claudecode.BehaviorAllow
}

// interrupted reports whether an interrupt has arrived. It consumes the
// signal, so callers bail out of the turn after a true result.
func (m *mock) interrupted() bool {
	select {
	case <-m.interrupts:
		return true
	default:
		return false
	}
}

// drainInterrupts clears signals left over from a turn that ended between
// the interrupt and its delivery.
func (m *mock) drainInterrupts() {
	for {
		select {
		case <-m.interrupts:
		default:
			return
		}
	}
}

// sleepInterruptible waits d, returning true if an interrupt or stdin EOF
// cut the wait short.
func (m *mock) sleepInterruptible(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return false
	case <-m.interrupts:
		return true
	case <-m.eof:
		return true
	}
}

func (m *mock) nextToolID() string {
	m.toolCounter++
	return fmt.Sprintf("toolu_mock_%04d", m.toolCounter)
}

func (m *mock) randomDelay() {
	lo, hi := delayRange(m.activeModel())
	time.Sleep(time.Duration(lo+rand.Intn(hi-lo+1)) * time.Millisecond)
}

// delayRange maps the model name to a per-step latency range in
// milliseconds. mock-fast keeps integration tests quick; mock-slow makes
// cancellation easy to exercise by hand.
func delayRange(model string) (int, int) {
	switch model {
	case "mock-fast":
		return 5, 20
	case "mock-slow":
		return 500, 3000
	default:
		return 30, 120
	}
}

func splitChunks(s string, size int) []string {
	runes := []rune(s)
	var chunks []string
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}
