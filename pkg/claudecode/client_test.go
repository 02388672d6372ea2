package claudecode

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/claudeacp/claudeacp/internal/common/logger"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stderr"})
	return log
}

// writeBuffer is a goroutine-safe io.WriteCloser capturing stdin traffic.
type writeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (w *writeBuffer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *writeBuffer) Close() error { return nil }

func (w *writeBuffer) Lines() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	var lines []string
	for _, l := range strings.Split(w.buf.String(), "\n") {
		if strings.TrimSpace(l) != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

// newTestClient wires a client directly to in-memory streams, without a
// process behind it.
func newTestClient(t *testing.T, stdin io.WriteCloser, stdout io.Reader) *Client {
	t.Helper()
	c := &Client{
		stdin:           stdin,
		stdout:          stdout,
		logger:          newTestLogger().WithFields(zap.String("component", "claudecode-client")),
		pendingRequests: make(map[string]*pendingRequest),
		done:            make(chan struct{}),
		readDone:        make(chan struct{}),
		stderrDone:      make(chan struct{}),
		waitCh:          make(chan error, 1),
	}
	close(c.stderrDone)
	c.waitCh <- nil

	ready := make(chan struct{})
	go c.readLoop(context.Background(), ready)
	<-ready
	return c
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestClient_QueryStreamsEvents(t *testing.T) {
	stdin := &writeBuffer{}
	pr, pw := io.Pipe()
	client := newTestClient(t, stdin, pr)
	defer client.Close()

	events, err := client.Query(context.Background(), "Hello, Claude!")
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}

	// The prompt must have gone out as a stream-json user message.
	eventually(t, func() bool { return len(stdin.Lines()) == 1 }, "user message not written")
	var sent UserMessage
	if err := json.Unmarshal([]byte(stdin.Lines()[0]), &sent); err != nil {
		t.Fatalf("failed to parse sent message: %v", err)
	}
	if sent.Type != MessageTypeUser || sent.Message.Content != "Hello, Claude!" {
		t.Errorf("sent message = %+v", sent)
	}

	lines := []string{
		`{"type":"system","session_id":"sess123","model":"claude-sonnet-4-5"}`,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"Hello"}]}}`,
		`{"type":"result","subtype":"success","result":"Hello","num_turns":1,"usage":{"input_tokens":10,"output_tokens":5}}`,
	}
	go func() {
		for _, l := range lines {
			pw.Write([]byte(l + "\n"))
		}
	}()

	var got []Event
	for ev := range events {
		got = append(got, ev)
	}

	if len(got) != 3 {
		t.Fatalf("got %d events, want 3", len(got))
	}
	if got[0].Kind != KindSystem {
		t.Errorf("events[0].Kind = %q, want %q", got[0].Kind, KindSystem)
	}
	if got[1].Kind != KindTextBlock || got[1].Text != "Hello" {
		t.Errorf("events[1] = %+v", got[1])
	}
	if got[2].Kind != KindResult {
		t.Fatalf("events[2].Kind = %q, want %q", got[2].Kind, KindResult)
	}
	if got[2].Result.Usage == nil || got[2].Result.Usage.InputTokens != 10 {
		t.Errorf("result usage = %+v", got[2].Result.Usage)
	}

	if client.BackendSessionID() != "sess123" {
		t.Errorf("BackendSessionID() = %q, want %q", client.BackendSessionID(), "sess123")
	}
	if client.Model() != "claude-sonnet-4-5" {
		t.Errorf("Model() = %q", client.Model())
	}
}

func TestClient_QueryInFlight(t *testing.T) {
	stdin := &writeBuffer{}
	pr, pw := io.Pipe()
	client := newTestClient(t, stdin, pr)
	defer client.Close()

	first, err := client.Query(context.Background(), "one")
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}

	if _, err := client.Query(context.Background(), "two"); err != ErrQueryInFlight {
		t.Errorf("second Query() error = %v, want ErrQueryInFlight", err)
	}

	go pw.Write([]byte(`{"type":"result","subtype":"success"}` + "\n"))
	for range first {
	}

	// The stream finished, so a new query is allowed again.
	if _, err := client.Query(context.Background(), "three"); err != nil {
		t.Errorf("Query() after finish error = %v", err)
	}
}

func TestClient_ControlRoundTrip(t *testing.T) {
	stdin := &writeBuffer{}
	pr, pw := io.Pipe()
	client := newTestClient(t, stdin, pr)
	defer client.Close()

	errCh := make(chan error, 1)
	go func() {
		errCh <- client.SetPermissionMode(context.Background(), PermissionModePlan)
	}()

	eventually(t, func() bool { return len(stdin.Lines()) == 1 }, "control request not written")
	var req SDKControlRequest
	if err := json.Unmarshal([]byte(stdin.Lines()[0]), &req); err != nil {
		t.Fatalf("failed to parse control request: %v", err)
	}
	if req.Request.Subtype != SubtypeSetPermissionMode || req.Request.Mode != PermissionModePlan {
		t.Errorf("control request = %+v", req.Request)
	}

	// The request id rides inside the response body.
	reply := `{"type":"control_response","response":{"subtype":"success","request_id":"` + req.RequestID + `"}}`
	pw.Write([]byte(reply + "\n"))

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("SetPermissionMode() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("SetPermissionMode did not return")
	}
}

func TestClient_ControlErrorResponse(t *testing.T) {
	stdin := &writeBuffer{}
	pr, pw := io.Pipe()
	client := newTestClient(t, stdin, pr)
	defer client.Close()

	errCh := make(chan error, 1)
	go func() {
		errCh <- client.Interrupt(context.Background())
	}()

	eventually(t, func() bool { return len(stdin.Lines()) == 1 }, "control request not written")
	var req SDKControlRequest
	if err := json.Unmarshal([]byte(stdin.Lines()[0]), &req); err != nil {
		t.Fatalf("failed to parse control request: %v", err)
	}

	reply := `{"type":"control_response","response":{"subtype":"error","request_id":"` + req.RequestID + `","error":"nothing running"}}`
	pw.Write([]byte(reply + "\n"))

	select {
	case err := <-errCh:
		if err == nil || !strings.Contains(err.Error(), "nothing running") {
			t.Errorf("Interrupt() error = %v, want error containing %q", err, "nothing running")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Interrupt did not return")
	}
}

func TestClient_PermissionHandlerInvoked(t *testing.T) {
	stdin := &writeBuffer{}
	pr, pw := io.Pipe()
	client := newTestClient(t, stdin, pr)
	defer client.Close()

	var mu sync.Mutex
	var gotID string
	var gotReq *ControlRequest
	client.OnPermissionRequest(func(requestID string, req *ControlRequest) {
		mu.Lock()
		gotID = requestID
		gotReq = req
		mu.Unlock()
	})

	line := `{"type":"control_request","request_id":"req123","request":{"subtype":"can_use_tool","tool_name":"Bash","input":{"command":"ls"},"tool_use_id":"toolu_1"}}`
	pw.Write([]byte(line + "\n"))

	eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return gotReq != nil
	}, "permission handler not invoked")

	mu.Lock()
	defer mu.Unlock()
	if gotID != "req123" {
		t.Errorf("requestID = %q, want %q", gotID, "req123")
	}
	if gotReq.ToolName != ToolBash || gotReq.ToolUseID != "toolu_1" {
		t.Errorf("request = %+v", gotReq)
	}

	if err := client.RespondPermission("req123", &PermissionResult{Behavior: BehaviorAllow}); err != nil {
		t.Fatalf("RespondPermission() error = %v", err)
	}
	var resp ControlResponseMessage
	lines := stdin.Lines()
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Response.RequestID != "req123" || resp.Response.Response.Behavior != BehaviorAllow {
		t.Errorf("response = %+v", resp.Response)
	}
}

func TestClient_NoHandlerAutoReject(t *testing.T) {
	stdin := &writeBuffer{}
	pr, pw := io.Pipe()
	client := newTestClient(t, stdin, pr)
	defer client.Close()

	line := `{"type":"control_request","request_id":"req123","request":{"subtype":"can_use_tool","tool_name":"Bash"}}`
	pw.Write([]byte(line + "\n"))

	eventually(t, func() bool { return len(stdin.Lines()) == 1 }, "expected error response to be sent")

	var resp ControlResponseMessage
	if err := json.Unmarshal([]byte(stdin.Lines()[0]), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Response.Subtype != "error" || resp.Response.RequestID != "req123" {
		t.Errorf("response = %+v", resp.Response)
	}
}

func TestClient_UnsupportedControlRequest(t *testing.T) {
	stdin := &writeBuffer{}
	pr, pw := io.Pipe()
	client := newTestClient(t, stdin, pr)
	defer client.Close()

	client.OnPermissionRequest(func(string, *ControlRequest) {
		t.Error("handler must not run for non-permission requests")
	})

	line := `{"type":"control_request","request_id":"req9","request":{"subtype":"hook_callback","callback_id":"cb1"}}`
	pw.Write([]byte(line + "\n"))

	eventually(t, func() bool { return len(stdin.Lines()) == 1 }, "expected error response to be sent")

	var resp ControlResponseMessage
	if err := json.Unmarshal([]byte(stdin.Lines()[0]), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Response.Subtype != "error" {
		t.Errorf("subtype = %q, want error", resp.Response.Subtype)
	}
}

func TestClient_InvalidJSONAndEmptyLines(t *testing.T) {
	stdin := &writeBuffer{}
	input := "\n{invalid json}\n\n" + `{"type":"system","session_id":"abc"}` + "\n"
	client := newTestClient(t, stdin, strings.NewReader(input))
	defer client.Close()

	// The valid message is still processed after the garbage.
	eventually(t, func() bool { return client.BackendSessionID() == "abc" }, "system message not processed")
}

func TestClient_BackendExitMidTurn(t *testing.T) {
	stdin := &writeBuffer{}
	pr, pw := io.Pipe()
	client := newTestClient(t, stdin, pr)
	defer client.Close()

	events, err := client.Query(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}

	go func() {
		pw.Write([]byte(`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"par"}]}}` + "\n"))
		pw.Close()
	}()

	var got []Event
	for ev := range events {
		got = append(got, ev)
	}

	// Stream closed without a result event: the turn was cut short.
	if len(got) != 1 || got[0].Kind != KindTextBlock {
		t.Fatalf("events = %+v, want single text block", got)
	}

	select {
	case <-client.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done() not closed after backend exit")
	}
}

func TestBuildArgs(t *testing.T) {
	args := buildArgs(Config{
		Model:              "claude-sonnet-4-5",
		PermissionMode:     PermissionModeBypassPermissions,
		Resume:             "sess-1",
		ForkSession:        true,
		SystemPromptAppend: "be brief",
		ExtraArgs:          []string{"--mcp-debug"},
	})

	joined := strings.Join(args, " ")
	for _, want := range []string{
		"--output-format=stream-json",
		"--input-format=stream-json",
		"--permission-prompt-tool=stdio",
		"--include-partial-messages",
		"--replay-user-messages",
		"--model claude-sonnet-4-5",
		"--permission-mode bypassPermissions",
		"--resume sess-1",
		"--fork-session",
		"--append-system-prompt be brief",
		"--mcp-debug",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("args missing %q: %v", want, args)
		}
	}

	minimal := strings.Join(buildArgs(Config{}), " ")
	for _, absent := range []string{"--model", "--resume", "--fork-session", "--permission-mode"} {
		if strings.Contains(minimal, absent) {
			t.Errorf("minimal args should not contain %q", absent)
		}
	}
}

func TestBuildEnv(t *testing.T) {
	env := buildEnv(Config{
		BaseURL:           "http://localhost:8080",
		APIKey:            "sk-test",
		MaxThinkingTokens: 2048,
		Env:               []string{"CUSTOM=1"},
	})

	joined := strings.Join(env, "\n")
	for _, want := range []string{
		"ANTHROPIC_BASE_URL=http://localhost:8080",
		"ANTHROPIC_API_KEY=sk-test",
		"MAX_THINKING_TOKENS=2048",
		"CUSTOM=1",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("env missing %q", want)
		}
	}
}
