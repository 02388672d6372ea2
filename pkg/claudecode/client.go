package claudecode

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/claudeacp/claudeacp/internal/common/logger"
)

const (
	initializeTimeout    = 30 * time.Second
	controlReplyTimeout  = 30 * time.Second
	shutdownGraceTimeout = 5 * time.Second
)

// ErrQueryInFlight is returned by Query while a previous query is still
// streaming.
var ErrQueryInFlight = errors.New("claudecode: query already in flight")

// PermissionHandler handles can_use_tool control requests from the CLI.
// The handler runs on its own goroutine and must eventually answer via
// RespondPermission or RespondPermissionError.
type PermissionHandler func(requestID string, req *ControlRequest)

// Config describes how to spawn the Claude Code CLI process.
type Config struct {
	// CLIPath is the claude binary to execute. Defaults to "claude".
	CLIPath string
	// ExtraArgs are appended after the standard argument set.
	ExtraArgs []string
	// WorkingDir is the working directory for the process.
	WorkingDir string
	// Env entries are appended to the inherited environment.
	Env []string

	// Passed through as ANTHROPIC_* environment variables when set.
	BaseURL           string
	APIKey            string
	AuthToken         string
	SmallFastModel    string
	MaxThinkingTokens int

	Model              string
	PermissionMode     string
	Resume             string
	ForkSession        bool
	SystemPromptAppend string
}

// pendingRequest tracks a control request waiting for a response.
type pendingRequest struct {
	ch chan *IncomingControlResponse
}

// Client owns one Claude Code CLI process and speaks the stream-json
// protocol with it. Prompt traffic flows through Query; permission and
// session control ride the control request path.
type Client struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	logger *logger.Logger

	// writeMu serializes stdin writes across goroutines.
	writeMu sync.Mutex

	// Pending control requests (requests we sent, waiting for responses)
	pendingRequests   map[string]*pendingRequest
	pendingRequestsMu sync.Mutex

	// streamMu guards the active query channel.
	streamMu sync.Mutex
	stream   chan Event

	// mu guards handler, session metadata and readErr.
	mu                sync.RWMutex
	permissionHandler PermissionHandler
	sessionID         string
	model             string
	commands          []SlashCommand
	readErr           error

	done       chan struct{} // closed by Close to stop the loops
	readDone   chan struct{} // closed when the read loop exits
	stderrDone chan struct{}
	waitCh     chan error

	closeOnce sync.Once
	closeErr  error
}

// Connect spawns the CLI, starts the read loops and performs the initialize
// handshake. The context must outlive the client: cancelling it kills the
// process.
func Connect(ctx context.Context, cfg Config, log *logger.Logger) (*Client, error) {
	path := cfg.CLIPath
	if path == "" {
		path = "claude"
	}

	cmd := exec.CommandContext(ctx, path, buildArgs(cfg)...)
	cmd.Dir = cfg.WorkingDir
	cmd.Env = buildEnv(cfg)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("claudecode: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("claudecode: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("claudecode: stderr pipe: %w", err)
	}

	c := &Client{
		cmd:             cmd,
		stdin:           stdin,
		stdout:          stdout,
		logger:          log.WithFields(zap.String("component", "claudecode-client")),
		pendingRequests: make(map[string]*pendingRequest),
		done:            make(chan struct{}),
		readDone:        make(chan struct{}),
		stderrDone:      make(chan struct{}),
		waitCh:          make(chan error, 1),
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("claudecode: starting %s: %w", path, err)
	}
	c.logger.Info("claudecode: process started",
		zap.String("path", path),
		zap.Int("pid", cmd.Process.Pid))

	go c.stderrLoop(stderr)

	ready := make(chan struct{})
	go c.readLoop(ctx, ready)
	<-ready

	// Wait must run after both pipes have been fully read.
	go func() {
		<-c.readDone
		<-c.stderrDone
		c.waitCh <- cmd.Wait()
	}()

	initCtx, cancel := context.WithTimeout(ctx, initializeTimeout)
	defer cancel()
	resp, err := c.control(initCtx, SDKControlRequestBody{Subtype: SubtypeInitialize})
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("claudecode: initialize: %w", err)
	}
	if resp.Response != nil {
		c.mu.Lock()
		c.commands = resp.Response.Commands
		c.mu.Unlock()
		c.logger.Info("claudecode: initialized",
			zap.Int("commands", len(resp.Response.Commands)),
			zap.Int("agents", len(resp.Response.Agents)))
	}

	return c, nil
}

func buildArgs(cfg Config) []string {
	args := []string{
		"-p",
		"--output-format=stream-json",
		"--input-format=stream-json",
		"--permission-prompt-tool=stdio",
		"--verbose",
		"--include-partial-messages",
		"--replay-user-messages",
	}
	if cfg.Model != "" {
		args = append(args, "--model", cfg.Model)
	}
	if cfg.PermissionMode != "" {
		args = append(args, "--permission-mode", cfg.PermissionMode)
	}
	if cfg.Resume != "" {
		args = append(args, "--resume", cfg.Resume)
	}
	if cfg.ForkSession {
		args = append(args, "--fork-session")
	}
	if cfg.SystemPromptAppend != "" {
		args = append(args, "--append-system-prompt", cfg.SystemPromptAppend)
	}
	return append(args, cfg.ExtraArgs...)
}

func buildEnv(cfg Config) []string {
	env := os.Environ()
	if cfg.BaseURL != "" {
		env = append(env, "ANTHROPIC_BASE_URL="+cfg.BaseURL)
	}
	if cfg.APIKey != "" {
		env = append(env, "ANTHROPIC_API_KEY="+cfg.APIKey)
	}
	if cfg.AuthToken != "" {
		env = append(env, "ANTHROPIC_AUTH_TOKEN="+cfg.AuthToken)
	}
	if cfg.SmallFastModel != "" {
		env = append(env, "ANTHROPIC_SMALL_FAST_MODEL="+cfg.SmallFastModel)
	}
	if cfg.MaxThinkingTokens > 0 {
		env = append(env, "MAX_THINKING_TOKENS="+strconv.Itoa(cfg.MaxThinkingTokens))
	}
	return append(env, cfg.Env...)
}

// Close shuts the process down: stdin is closed so the CLI can exit on its
// own, then the process is killed after a grace period. Safe to call more
// than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.stdin.Close()

		select {
		case err := <-c.waitCh:
			c.closeErr = err
		case <-time.After(shutdownGraceTimeout):
			c.logger.Warn("claudecode: process did not exit, killing")
			if c.cmd != nil && c.cmd.Process != nil {
				_ = c.cmd.Process.Kill()
			}
			c.closeErr = <-c.waitCh
		}
		c.logger.Info("claudecode: process stopped", zap.Error(c.closeErr))
	})
	return c.closeErr
}

// Done is closed when the read loop exits, which means the process is no
// longer producing output.
func (c *Client) Done() <-chan struct{} {
	return c.readDone
}

// Err reports the read loop error, if any, once Done is closed.
func (c *Client) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.readErr
}

// OnPermissionRequest sets the handler for can_use_tool control requests.
func (c *Client) OnPermissionRequest(handler PermissionHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.permissionHandler = handler
}

// BackendSessionID returns the CLI's own session id, once known.
func (c *Client) BackendSessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// Model returns the model reported by the CLI's init message.
func (c *Client) Model() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.model
}

// Commands returns the slash commands advertised during initialize.
func (c *Client) Commands() []SlashCommand {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.commands
}

// Query sends a prompt and returns the event stream for the turn. The
// channel is closed after the KindResult event, or without one if the
// backend fails mid-turn. Only one query may be active at a time.
func (c *Client) Query(ctx context.Context, content string) (<-chan Event, error) {
	select {
	case <-c.done:
		return nil, errors.New("claudecode: client closed")
	case <-c.readDone:
		return nil, errors.New("claudecode: backend exited")
	default:
	}

	c.streamMu.Lock()
	if c.stream != nil {
		c.streamMu.Unlock()
		return nil, ErrQueryInFlight
	}
	ch := make(chan Event, 64)
	c.stream = ch
	c.streamMu.Unlock()

	msg := &UserMessage{
		Type: MessageTypeUser,
		Message: UserMessageBody{
			Role:    "user",
			Content: content,
		},
	}
	if err := c.send(msg); err != nil {
		c.streamMu.Lock()
		c.stream = nil
		c.streamMu.Unlock()
		return nil, err
	}
	return ch, nil
}

// Interrupt asks the CLI to stop the current operation and waits for the
// acknowledgement.
func (c *Client) Interrupt(ctx context.Context) error {
	_, err := c.control(ctx, SDKControlRequestBody{Subtype: SubtypeInterrupt})
	return err
}

// SetPermissionMode switches the CLI's permission mode.
func (c *Client) SetPermissionMode(ctx context.Context, mode string) error {
	_, err := c.control(ctx, SDKControlRequestBody{
		Subtype: SubtypeSetPermissionMode,
		Mode:    mode,
	})
	return err
}

// SetModel switches the active model.
func (c *Client) SetModel(ctx context.Context, model string) error {
	_, err := c.control(ctx, SDKControlRequestBody{
		Subtype: SubtypeSetModel,
		Model:   model,
	})
	return err
}

// RespondPermission answers a can_use_tool request.
func (c *Client) RespondPermission(requestID string, result *PermissionResult) error {
	return c.send(&ControlResponseMessage{
		Type: MessageTypeControlResponse,
		Response: ControlResponseBody{
			Subtype:   "success",
			RequestID: requestID,
			Response:  result,
		},
	})
}

// RespondPermissionError answers a control request with an error.
func (c *Client) RespondPermissionError(requestID string, message string) error {
	return c.send(&ControlResponseMessage{
		Type: MessageTypeControlResponse,
		Response: ControlResponseBody{
			Subtype:   "error",
			RequestID: requestID,
			Error:     message,
		},
	})
}

// control sends a control request and waits for the matching response.
func (c *Client) control(ctx context.Context, body SDKControlRequestBody) (*IncomingControlResponse, error) {
	requestID := uuid.New().String()

	pending := &pendingRequest{
		ch: make(chan *IncomingControlResponse, 1),
	}
	c.pendingRequestsMu.Lock()
	c.pendingRequests[requestID] = pending
	c.pendingRequestsMu.Unlock()
	defer func() {
		c.pendingRequestsMu.Lock()
		delete(c.pendingRequests, requestID)
		c.pendingRequestsMu.Unlock()
	}()

	req := &SDKControlRequest{
		Type:      MessageTypeControlRequest,
		RequestID: requestID,
		Request:   body,
	}
	c.logger.Debug("claudecode: sending control request",
		zap.String("request_id", requestID),
		zap.String("subtype", body.Subtype))
	if err := c.send(req); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.readDone:
		return nil, errors.New("claudecode: backend exited before responding")
	case <-time.After(controlReplyTimeout):
		return nil, fmt.Errorf("claudecode: %s request timed out", body.Subtype)
	case resp := <-pending.ch:
		if resp.Subtype == "error" {
			return nil, fmt.Errorf("claudecode: %s failed: %s", body.Subtype, resp.Error)
		}
		return resp, nil
	}
}

func (c *Client) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("claudecode: marshal message: %w", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	_, err = c.stdin.Write(data)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("claudecode: write message: %w", err)
	}
	c.logger.Debug("claudecode: sent message", zap.ByteString("data", data))
	return nil
}

func (c *Client) readLoop(ctx context.Context, ready chan<- struct{}) {
	defer close(c.readDone)
	defer c.finishStream()

	scanner := bufio.NewScanner(c.stdout)
	// Allow for large JSON messages (up to 10MB)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	c.logger.Debug("claudecode: read loop starting")
	close(ready)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		c.handleLine(line)
	}

	if err := scanner.Err(); err != nil {
		c.mu.Lock()
		c.readErr = err
		c.mu.Unlock()
		c.logger.Error("claudecode: read loop error", zap.Error(err))
	}
}

func (c *Client) handleLine(line []byte) {
	var msg CLIMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		c.logger.Warn("claudecode: failed to parse message",
			zap.Error(err), zap.ByteString("line", line))
		return
	}

	// Control requests from the CLI to us (permission prompts).
	if msg.Type == MessageTypeControlRequest && msg.Request != nil {
		c.handleControlRequest(msg.RequestID, msg.Request)
		return
	}

	// Control responses to requests we sent. The request id lives inside
	// the response object, not at the message level.
	if msg.Type == MessageTypeControlResponse && msg.Response != nil {
		c.handleControlResponse(msg.Response)
		return
	}

	// The scanner reuses its buffer, so the raw line must be copied before
	// the message crosses a goroutine boundary.
	msg.RawContent = append([]byte(nil), line...)
	c.dispatchMessage(&msg)
}

func (c *Client) dispatchMessage(msg *CLIMessage) {
	if msg.SessionID != "" {
		c.mu.Lock()
		c.sessionID = msg.SessionID
		c.mu.Unlock()
	}
	if msg.Type == MessageTypeSystem && msg.Model != "" {
		c.mu.Lock()
		c.model = msg.Model
		c.mu.Unlock()
	}

	events := Decompose(msg)
	if len(events) == 0 {
		return
	}

	c.streamMu.Lock()
	ch := c.stream
	c.streamMu.Unlock()
	if ch == nil {
		c.logger.Debug("claudecode: no active query, dropping events",
			zap.String("type", msg.Type), zap.Int("count", len(events)))
		return
	}

	finished := false
	for i := range events {
		select {
		case ch <- events[i]:
		case <-c.done:
			return
		}
		if events[i].Kind == KindResult {
			finished = true
		}
	}
	if finished {
		c.finishStream()
	}
}

func (c *Client) finishStream() {
	c.streamMu.Lock()
	ch := c.stream
	c.stream = nil
	c.streamMu.Unlock()
	if ch != nil {
		close(ch)
	}
}

func (c *Client) handleControlRequest(requestID string, req *ControlRequest) {
	if req.Subtype != SubtypeCanUseTool {
		c.logger.Warn("claudecode: unsupported control request",
			zap.String("request_id", requestID),
			zap.String("subtype", req.Subtype))
		if err := c.RespondPermissionError(requestID, "unsupported control request: "+req.Subtype); err != nil {
			c.logger.Warn("claudecode: failed to send error response", zap.Error(err))
		}
		return
	}

	c.mu.RLock()
	handler := c.permissionHandler
	c.mu.RUnlock()

	if handler == nil {
		c.logger.Warn("claudecode: permission request with no handler registered",
			zap.String("request_id", requestID),
			zap.String("tool", req.ToolName))
		if err := c.RespondPermissionError(requestID, "no permission handler registered"); err != nil {
			c.logger.Warn("claudecode: failed to send error response", zap.Error(err))
		}
		return
	}

	// The handler blocks on the user, so it cannot run on the read loop.
	go handler(requestID, req)
}

func (c *Client) handleControlResponse(resp *IncomingControlResponse) {
	c.pendingRequestsMu.Lock()
	pending, ok := c.pendingRequests[resp.RequestID]
	c.pendingRequestsMu.Unlock()

	if !ok {
		c.logger.Warn("claudecode: control response for unknown request",
			zap.String("request_id", resp.RequestID),
			zap.String("subtype", resp.Subtype))
		return
	}

	select {
	case pending.ch <- resp:
	default:
		c.logger.Warn("claudecode: pending request channel full",
			zap.String("request_id", resp.RequestID))
	}
}

func (c *Client) stderrLoop(r io.Reader) {
	defer close(c.stderrDone)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		c.logger.Debug("claudecode: stderr", zap.String("line", scanner.Text()))
	}
}
