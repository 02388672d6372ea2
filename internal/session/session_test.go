package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coder/acp-go-sdk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claudeacp/claudeacp/internal/common/logger"
	"github.com/claudeacp/claudeacp/pkg/claudecode"
)

func testLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stderr"})
	return log
}

// fakeConn records session updates and serves scripted permission responses.
type fakeConn struct {
	mu          sync.Mutex
	updates     []acp.SessionNotification
	updateDelay time.Duration
	permFunc    func(req acp.RequestPermissionRequest) (acp.RequestPermissionResponse, error)
	permCalls   int
}

func (c *fakeConn) SessionUpdate(_ context.Context, n acp.SessionNotification) error {
	if c.updateDelay > 0 {
		time.Sleep(c.updateDelay)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updates = append(c.updates, n)
	return nil
}

func (c *fakeConn) RequestPermission(_ context.Context, req acp.RequestPermissionRequest) (acp.RequestPermissionResponse, error) {
	c.mu.Lock()
	c.permCalls++
	fn := c.permFunc
	c.mu.Unlock()
	if fn == nil {
		return selectOption("reject_once"), nil
	}
	return fn(req)
}

func (c *fakeConn) Updates() []acp.SessionNotification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]acp.SessionNotification(nil), c.updates...)
}

func (c *fakeConn) PermCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.permCalls
}

func selectOption(id string) acp.RequestPermissionResponse {
	return acp.RequestPermissionResponse{
		Outcome: acp.RequestPermissionOutcome{
			Selected: &acp.RequestPermissionOutcomeSelected{OptionId: acp.PermissionOptionId(id)},
		},
	}
}

type permReply struct {
	requestID string
	result    *claudecode.PermissionResult
}

// fakeBackend is a scriptable Backend. Each Query hands the test a fresh
// event channel over queryCh; the test feeds events and closes the channel
// to end the turn, the way a real CLI stream would.
type fakeBackend struct {
	queryCh chan chan claudecode.Event
	done    chan struct{}

	mu           sync.Mutex
	queries      []string
	handler      claudecode.PermissionHandler
	replies      []permReply
	ops          []string
	interrupts   int
	modes        []string
	models       []string
	sessionID    string
	queryErr     error
	interruptErr error
	closed       bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		queryCh: make(chan chan claudecode.Event, 4),
		done:    make(chan struct{}),
	}
}

func (b *fakeBackend) Query(_ context.Context, content string) (<-chan claudecode.Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.queryErr != nil {
		return nil, b.queryErr
	}
	b.queries = append(b.queries, content)
	ch := make(chan claudecode.Event, 64)
	b.queryCh <- ch
	return ch, nil
}

// waitQuery blocks until the session issues a Query and returns the event
// channel backing it.
func (b *fakeBackend) waitQuery(t *testing.T) chan claudecode.Event {
	t.Helper()
	select {
	case ch := <-b.queryCh:
		return ch
	case <-time.After(2 * time.Second):
		t.Fatal("backend never saw a query")
		return nil
	}
}

func (b *fakeBackend) Interrupt(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.interrupts++
	b.ops = append(b.ops, "interrupt")
	return b.interruptErr
}

func (b *fakeBackend) SetPermissionMode(_ context.Context, mode string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.modes = append(b.modes, mode)
	return nil
}

func (b *fakeBackend) SetModel(_ context.Context, model string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.models = append(b.models, model)
	return nil
}

func (b *fakeBackend) RespondPermission(requestID string, result *claudecode.PermissionResult) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.replies = append(b.replies, permReply{requestID: requestID, result: result})
	b.ops = append(b.ops, "respond")
	return nil
}

func (b *fakeBackend) RespondPermissionError(requestID, message string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ops = append(b.ops, "respond_error")
	return nil
}

func (b *fakeBackend) OnPermissionRequest(handler claudecode.PermissionHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = handler
}

func (b *fakeBackend) Handler() claudecode.PermissionHandler {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.handler
}

func (b *fakeBackend) BackendSessionID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessionID
}

func (b *fakeBackend) Model() string                       { return "" }
func (b *fakeBackend) Commands() []claudecode.SlashCommand { return nil }
func (b *fakeBackend) Done() <-chan struct{}               { return b.done }

func (b *fakeBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		b.ops = append(b.ops, "close")
		close(b.done)
	}
	return nil
}

func (b *fakeBackend) Queries() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.queries...)
}

func (b *fakeBackend) Replies() []permReply {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]permReply(nil), b.replies...)
}

func (b *fakeBackend) Ops() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.ops...)
}

func (b *fakeBackend) Interrupts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.interrupts
}

func (b *fakeBackend) Modes() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.modes...)
}

func (b *fakeBackend) Models() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.models...)
}

func newTestSession(conn *fakeConn, backend *fakeBackend, mode string) *Session {
	return NewSession(Params{
		ID:      acp.SessionId("sess-1"),
		Conn:    conn,
		Backend: backend,
		Mode:    mode,
		Log:     testLogger(),
	})
}

func resultEvent(subtype string, usage *claudecode.Usage, cost float64) claudecode.Event {
	return claudecode.Event{Kind: claudecode.KindResult, Result: &claudecode.TurnResult{
		Subtype:      subtype,
		Usage:        usage,
		TotalCostUSD: cost,
		DurationMS:   40,
	}}
}

type promptResult struct {
	stop acp.StopReason
	err  error
}

func promptAsync(sess *Session, text string) chan promptResult {
	out := make(chan promptResult, 1)
	go func() {
		stop, err := sess.Prompt(context.Background(), []acp.ContentBlock{acp.TextBlock(text)})
		out <- promptResult{stop: stop, err: err}
	}()
	return out
}

func waitPrompt(t *testing.T, ch chan promptResult) promptResult {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("prompt did not return")
		return promptResult{}
	}
}

// runTurn drives one full prompt turn through the fake backend.
func runTurn(t *testing.T, sess *Session, backend *fakeBackend, text string, evs ...claudecode.Event) acp.StopReason {
	t.Helper()
	res := promptAsync(sess, text)
	events := backend.waitQuery(t)
	for _, ev := range evs {
		events <- ev
	}
	close(events)
	got := waitPrompt(t, res)
	require.NoError(t, got.err)
	return got.stop
}

func TestSession_PromptStreamsTurn(t *testing.T) {
	conn := &fakeConn{}
	backend := newFakeBackend()
	sess := newTestSession(conn, backend, claudecode.PermissionModeDefault)

	stop := runTurn(t, sess, backend, "list files",
		claudecode.Event{Kind: claudecode.KindTextDelta, Text: "Listing"},
		claudecode.Event{Kind: claudecode.KindToolUse, ToolUse: &claudecode.ToolUse{
			ID:    "toolu_1",
			Name:  claudecode.ToolBash,
			Input: map[string]any{"command": "ls"},
		}},
		claudecode.Event{Kind: claudecode.KindToolResult, ToolResult: &claudecode.ToolResult{
			ToolUseID: "toolu_1",
			Content:   "a.txt",
		}},
		resultEvent(claudecode.ResultSubtypeSuccess, &claudecode.Usage{InputTokens: 10, OutputTokens: 5}, 0.01),
	)
	assert.Equal(t, acp.StopReasonEndTurn, stop)
	assert.Equal(t, []string{"list files"}, backend.Queries())

	updates := conn.Updates()
	require.Len(t, updates, 3)
	require.NotNil(t, updates[0].Update.AgentMessageChunk)
	assert.Equal(t, "Listing", updates[0].Update.AgentMessageChunk.Content.Text.Text)
	require.NotNil(t, updates[1].Update.ToolCall)
	assert.Equal(t, acp.ToolCallId("toolu_1"), updates[1].Update.ToolCall.ToolCallId)
	assert.Equal(t, acp.ToolCallStatusPending, updates[1].Update.ToolCall.Status)
	require.NotNil(t, updates[2].Update.ToolCallUpdate)
	assert.Equal(t, acp.ToolCallId("toolu_1"), updates[2].Update.ToolCallUpdate.ToolCallId)
	require.NotNil(t, updates[2].Update.ToolCallUpdate.Status)
	assert.Equal(t, acp.ToolCallStatusCompleted, *updates[2].Update.ToolCallUpdate.Status)
	for _, u := range updates {
		assert.Equal(t, acp.SessionId("sess-1"), u.SessionId)
	}

	totals := sess.Usage()
	assert.Equal(t, int64(10), totals.InputTokens)
	assert.Equal(t, int64(5), totals.OutputTokens)
	assert.Equal(t, int64(1), totals.Turns)
	assert.Equal(t, StateIdle, sess.State())
}

func TestSession_RejectsOverlappingPrompts(t *testing.T) {
	conn := &fakeConn{}
	backend := newFakeBackend()
	sess := newTestSession(conn, backend, claudecode.PermissionModeDefault)

	res := promptAsync(sess, "first")
	events := backend.waitQuery(t)

	_, err := sess.Prompt(context.Background(), []acp.ContentBlock{acp.TextBlock("second")})
	assert.ErrorIs(t, err, ErrAlreadyInFlight)

	events <- resultEvent(claudecode.ResultSubtypeSuccess, nil, 0)
	close(events)
	require.NoError(t, waitPrompt(t, res).err)
	assert.Equal(t, []string{"first"}, backend.Queries())
}

func TestSession_PromptAfterClose(t *testing.T) {
	conn := &fakeConn{}
	backend := newFakeBackend()
	sess := newTestSession(conn, backend, claudecode.PermissionModeDefault)

	require.NoError(t, sess.Close(context.Background()))
	assert.Equal(t, StateClosed, sess.State())
	assert.True(t, backendGone(backend))

	_, err := sess.Prompt(context.Background(), []acp.ContentBlock{acp.TextBlock("late")})
	assert.ErrorIs(t, err, ErrSessionClosed)

	// Close is idempotent.
	require.NoError(t, sess.Close(context.Background()))
}

func TestSession_ReturnsAfterUpdatesDelivered(t *testing.T) {
	conn := &fakeConn{updateDelay: 5 * time.Millisecond}
	backend := newFakeBackend()
	sess := newTestSession(conn, backend, claudecode.PermissionModeDefault)

	res := promptAsync(sess, "go")
	events := backend.waitQuery(t)
	for i := 0; i < 4; i++ {
		events <- claudecode.Event{Kind: claudecode.KindTextDelta, Text: "x"}
	}
	events <- resultEvent(claudecode.ResultSubtypeSuccess, nil, 0)
	close(events)

	got := waitPrompt(t, res)
	require.NoError(t, got.err)
	// Every update produced by the turn is on the wire before Prompt returns.
	assert.Len(t, conn.Updates(), 4)
}

func TestSession_CancelStopsTurn(t *testing.T) {
	conn := &fakeConn{}
	backend := newFakeBackend()
	sess := newTestSession(conn, backend, claudecode.PermissionModeDefault)

	res := promptAsync(sess, "long task")
	events := backend.waitQuery(t)
	events <- claudecode.Event{Kind: claudecode.KindTextDelta, Text: "working"}

	require.NoError(t, sess.Cancel(context.Background()))
	assert.Equal(t, StateCancelling, sess.State())
	// A repeated cancel is a no-op.
	require.NoError(t, sess.Cancel(context.Background()))
	assert.Equal(t, 1, backend.Interrupts())

	// The CLI acknowledges the interrupt with a terminal result.
	events <- resultEvent(claudecode.ResultSubtypeSuccess, nil, 0)
	close(events)

	got := waitPrompt(t, res)
	require.NoError(t, got.err)
	assert.Equal(t, acp.StopReasonCancelled, got.stop)
	assert.Equal(t, StateIdle, sess.State())
}

func TestSession_CancelIdleIsNoop(t *testing.T) {
	conn := &fakeConn{}
	backend := newFakeBackend()
	sess := newTestSession(conn, backend, claudecode.PermissionModeDefault)

	require.NoError(t, sess.Cancel(context.Background()))
	assert.Equal(t, 0, backend.Interrupts())
	assert.Equal(t, StateIdle, sess.State())
}

func TestSession_CancelClosesBackendWhenInterruptFails(t *testing.T) {
	conn := &fakeConn{}
	backend := newFakeBackend()
	backend.interruptErr = errors.New("control channel down")
	sess := newTestSession(conn, backend, claudecode.PermissionModeDefault)

	res := promptAsync(sess, "task")
	events := backend.waitQuery(t)

	require.NoError(t, sess.Cancel(context.Background()))
	assert.True(t, backendGone(backend))

	// The dead process closes its stream without a result.
	close(events)
	got := waitPrompt(t, res)
	require.NoError(t, got.err)
	assert.Equal(t, acp.StopReasonCancelled, got.stop)
}

func TestSession_CancelDeniesPendingPermissionBeforeInterrupt(t *testing.T) {
	release := make(chan acp.RequestPermissionResponse)
	conn := &fakeConn{}
	conn.permFunc = func(acp.RequestPermissionRequest) (acp.RequestPermissionResponse, error) {
		return <-release, nil
	}
	backend := newFakeBackend()
	sess := newTestSession(conn, backend, claudecode.PermissionModeDefault)

	res := promptAsync(sess, "risky")
	events := backend.waitQuery(t)

	go backend.Handler()("perm-1", &claudecode.ControlRequest{
		Subtype:   claudecode.SubtypeCanUseTool,
		ToolName:  claudecode.ToolBash,
		Input:     map[string]any{"command": "rm -rf build"},
		ToolUseID: "toolu_7",
	})
	require.Eventually(t, func() bool { return conn.PermCalls() == 1 },
		time.Second, time.Millisecond, "permission request never reached the client")

	require.NoError(t, sess.Cancel(context.Background()))

	replies := backend.Replies()
	require.Len(t, replies, 1)
	assert.Equal(t, "perm-1", replies[0].requestID)
	assert.Equal(t, claudecode.BehaviorDeny, replies[0].result.Behavior)
	assert.Equal(t, "Turn was cancelled", replies[0].result.Message)
	require.NotNil(t, replies[0].result.Interrupt)
	assert.True(t, *replies[0].result.Interrupt)
	// The control reply reaches the CLI before the interrupt signal.
	assert.Equal(t, []string{"respond", "interrupt"}, backend.Ops())

	// A client answer arriving after teardown must not produce a second reply.
	release <- selectOption("allow_once")
	events <- resultEvent(claudecode.ResultSubtypeSuccess, nil, 0)
	close(events)
	got := waitPrompt(t, res)
	require.NoError(t, got.err)
	assert.Equal(t, acp.StopReasonCancelled, got.stop)
	assert.Len(t, backend.Replies(), 1)
}

func TestSession_PermissionAskAllowOnce(t *testing.T) {
	conn := &fakeConn{}
	conn.permFunc = func(req acp.RequestPermissionRequest) (acp.RequestPermissionResponse, error) {
		if req.ToolCall.ToolCallId != acp.ToolCallId("toolu_9") || len(req.Options) != 3 {
			return acp.RequestPermissionResponse{}, errors.New("unexpected request shape")
		}
		return selectOption("allow_once"), nil
	}
	backend := newFakeBackend()
	sess := newTestSession(conn, backend, claudecode.PermissionModeDefault)

	res := promptAsync(sess, "run it")
	events := backend.waitQuery(t)

	input := map[string]any{"command": "make test"}
	backend.Handler()("perm-1", &claudecode.ControlRequest{
		Subtype:   claudecode.SubtypeCanUseTool,
		ToolName:  claudecode.ToolBash,
		Input:     input,
		ToolUseID: "toolu_9",
	})

	replies := backend.Replies()
	require.Len(t, replies, 1)
	assert.Equal(t, "perm-1", replies[0].requestID)
	assert.Equal(t, claudecode.BehaviorAllow, replies[0].result.Behavior)
	assert.Equal(t, input, replies[0].result.UpdatedInput)
	assert.Empty(t, replies[0].result.UpdatedPermissions)
	assert.Equal(t, 1, conn.PermCalls())

	events <- resultEvent(claudecode.ResultSubtypeSuccess, nil, 0)
	close(events)
	require.NoError(t, waitPrompt(t, res).err)
}

func TestSession_PermissionAllowAlwaysEchoesSuggestions(t *testing.T) {
	conn := &fakeConn{}
	conn.permFunc = func(acp.RequestPermissionRequest) (acp.RequestPermissionResponse, error) {
		return selectOption("allow_always"), nil
	}
	backend := newFakeBackend()
	sess := newTestSession(conn, backend, claudecode.PermissionModeDefault)

	res := promptAsync(sess, "run it")
	events := backend.waitQuery(t)

	suggestions := []json.RawMessage{json.RawMessage(`{"type":"addRules","rules":[{"toolName":"Bash"}]}`)}
	backend.Handler()("perm-2", &claudecode.ControlRequest{
		Subtype:               claudecode.SubtypeCanUseTool,
		ToolName:              claudecode.ToolBash,
		Input:                 map[string]any{"command": "go vet ./..."},
		ToolUseID:             "toolu_10",
		PermissionSuggestions: suggestions,
	})

	replies := backend.Replies()
	require.Len(t, replies, 1)
	assert.Equal(t, claudecode.BehaviorAllow, replies[0].result.Behavior)
	assert.Equal(t, suggestions, replies[0].result.UpdatedPermissions)

	events <- resultEvent(claudecode.ResultSubtypeSuccess, nil, 0)
	close(events)
	require.NoError(t, waitPrompt(t, res).err)
}

func TestSession_PermissionReject(t *testing.T) {
	conn := &fakeConn{} // default scripted response rejects
	backend := newFakeBackend()
	sess := newTestSession(conn, backend, claudecode.PermissionModeDefault)

	res := promptAsync(sess, "run it")
	events := backend.waitQuery(t)

	backend.Handler()("perm-3", &claudecode.ControlRequest{
		Subtype:   claudecode.SubtypeCanUseTool,
		ToolName:  claudecode.ToolBash,
		Input:     map[string]any{"command": "rm -rf /"},
		ToolUseID: "toolu_11",
	})

	replies := backend.Replies()
	require.Len(t, replies, 1)
	assert.Equal(t, claudecode.BehaviorDeny, replies[0].result.Behavior)
	assert.Equal(t, "Permission denied by user", replies[0].result.Message)
	assert.Nil(t, replies[0].result.Interrupt)

	events <- resultEvent(claudecode.ResultSubtypeSuccess, nil, 0)
	close(events)
	require.NoError(t, waitPrompt(t, res).err)
}

func TestSession_PermissionClientCancelled(t *testing.T) {
	conn := &fakeConn{}
	conn.permFunc = func(acp.RequestPermissionRequest) (acp.RequestPermissionResponse, error) {
		return acp.RequestPermissionResponse{
			Outcome: acp.RequestPermissionOutcome{Cancelled: &acp.RequestPermissionOutcomeCancelled{}},
		}, nil
	}
	backend := newFakeBackend()
	sess := newTestSession(conn, backend, claudecode.PermissionModeDefault)

	res := promptAsync(sess, "run it")
	events := backend.waitQuery(t)

	backend.Handler()("perm-4", &claudecode.ControlRequest{
		Subtype:   claudecode.SubtypeCanUseTool,
		ToolName:  claudecode.ToolBash,
		Input:     map[string]any{"command": "true"},
		ToolUseID: "toolu_12",
	})

	replies := backend.Replies()
	require.Len(t, replies, 1)
	assert.Equal(t, claudecode.BehaviorDeny, replies[0].result.Behavior)
	assert.Equal(t, "Permission request was cancelled", replies[0].result.Message)

	events <- resultEvent(claudecode.ResultSubtypeSuccess, nil, 0)
	close(events)
	require.NoError(t, waitPrompt(t, res).err)
}

func TestSession_PermissionRPCErrorDenies(t *testing.T) {
	conn := &fakeConn{}
	conn.permFunc = func(acp.RequestPermissionRequest) (acp.RequestPermissionResponse, error) {
		return acp.RequestPermissionResponse{}, errors.New("client went away")
	}
	backend := newFakeBackend()
	sess := newTestSession(conn, backend, claudecode.PermissionModeDefault)

	res := promptAsync(sess, "run it")
	events := backend.waitQuery(t)

	backend.Handler()("perm-5", &claudecode.ControlRequest{
		Subtype:   claudecode.SubtypeCanUseTool,
		ToolName:  claudecode.ToolBash,
		Input:     map[string]any{"command": "true"},
		ToolUseID: "toolu_13",
	})

	replies := backend.Replies()
	require.Len(t, replies, 1)
	assert.Equal(t, claudecode.BehaviorDeny, replies[0].result.Behavior)
	assert.Equal(t, "Permission request failed", replies[0].result.Message)

	events <- resultEvent(claudecode.ResultSubtypeSuccess, nil, 0)
	close(events)
	require.NoError(t, waitPrompt(t, res).err)
}

func TestSession_BypassModeSkipsClient(t *testing.T) {
	conn := &fakeConn{}
	backend := newFakeBackend()
	sess := newTestSession(conn, backend, claudecode.PermissionModeBypassPermissions)

	res := promptAsync(sess, "run it")
	events := backend.waitQuery(t)

	input := map[string]any{"command": "make install"}
	backend.Handler()("perm-6", &claudecode.ControlRequest{
		Subtype:   claudecode.SubtypeCanUseTool,
		ToolName:  claudecode.ToolBash,
		Input:     input,
		ToolUseID: "toolu_14",
	})

	replies := backend.Replies()
	require.Len(t, replies, 1)
	assert.Equal(t, claudecode.BehaviorAllow, replies[0].result.Behavior)
	assert.Equal(t, input, replies[0].result.UpdatedInput)
	assert.Equal(t, 0, conn.PermCalls())

	events <- resultEvent(claudecode.ResultSubtypeSuccess, nil, 0)
	close(events)
	require.NoError(t, waitPrompt(t, res).err)
}

func TestSession_PlanModeBlocksMutatingTools(t *testing.T) {
	conn := &fakeConn{}
	conn.permFunc = func(acp.RequestPermissionRequest) (acp.RequestPermissionResponse, error) {
		return selectOption("allow_once"), nil
	}
	backend := newFakeBackend()
	sess := newTestSession(conn, backend, claudecode.PermissionModePlan)

	res := promptAsync(sess, "plan something")
	events := backend.waitQuery(t)

	backend.Handler()("perm-7", &claudecode.ControlRequest{
		Subtype:   claudecode.SubtypeCanUseTool,
		ToolName:  claudecode.ToolBash,
		Input:     map[string]any{"command": "rm cache"},
		ToolUseID: "toolu_15",
	})
	backend.Handler()("perm-8", &claudecode.ControlRequest{
		Subtype:   claudecode.SubtypeCanUseTool,
		ToolName:  claudecode.ToolRead,
		Input:     map[string]any{"file_path": "/src/main.go"},
		ToolUseID: "toolu_16",
	})

	replies := backend.Replies()
	require.Len(t, replies, 2)
	assert.Equal(t, claudecode.BehaviorDeny, replies[0].result.Behavior)
	assert.Equal(t, "Tool Bash is blocked in plan mode", replies[0].result.Message)
	// Read-only tools still go to the client in plan mode.
	assert.Equal(t, claudecode.BehaviorAllow, replies[1].result.Behavior)
	assert.Equal(t, 1, conn.PermCalls())

	events <- resultEvent(claudecode.ResultSubtypeSuccess, nil, 0)
	close(events)
	require.NoError(t, waitPrompt(t, res).err)
}

func TestSession_AcceptEditsAutoAllowsEdits(t *testing.T) {
	conn := &fakeConn{}
	conn.permFunc = func(acp.RequestPermissionRequest) (acp.RequestPermissionResponse, error) {
		return selectOption("allow_once"), nil
	}
	backend := newFakeBackend()
	sess := newTestSession(conn, backend, claudecode.PermissionModeAcceptEdits)

	res := promptAsync(sess, "edit the file")
	events := backend.waitQuery(t)

	backend.Handler()("perm-9", &claudecode.ControlRequest{
		Subtype:  claudecode.SubtypeCanUseTool,
		ToolName: claudecode.ToolEdit,
		Input: map[string]any{
			"file_path":  "/src/main.go",
			"old_string": "foo",
			"new_string": "bar",
		},
		ToolUseID: "toolu_17",
	})
	assert.Equal(t, 0, conn.PermCalls())

	backend.Handler()("perm-10", &claudecode.ControlRequest{
		Subtype:   claudecode.SubtypeCanUseTool,
		ToolName:  claudecode.ToolBash,
		Input:     map[string]any{"command": "go generate"},
		ToolUseID: "toolu_18",
	})
	assert.Equal(t, 1, conn.PermCalls())

	replies := backend.Replies()
	require.Len(t, replies, 2)
	assert.Equal(t, claudecode.BehaviorAllow, replies[0].result.Behavior)
	assert.Equal(t, claudecode.BehaviorAllow, replies[1].result.Behavior)

	events <- resultEvent(claudecode.ResultSubtypeSuccess, nil, 0)
	close(events)
	require.NoError(t, waitPrompt(t, res).err)
}

func TestSession_PermissionOutsideTurnDenied(t *testing.T) {
	conn := &fakeConn{}
	backend := newFakeBackend()
	newTestSession(conn, backend, claudecode.PermissionModeDefault)

	backend.Handler()("perm-11", &claudecode.ControlRequest{
		Subtype:   claudecode.SubtypeCanUseTool,
		ToolName:  claudecode.ToolBash,
		Input:     map[string]any{"command": "true"},
		ToolUseID: "toolu_19",
	})

	replies := backend.Replies()
	require.Len(t, replies, 1)
	assert.Equal(t, claudecode.BehaviorDeny, replies[0].result.Behavior)
	assert.Equal(t, "No prompt is in flight", replies[0].result.Message)
	assert.Equal(t, 0, conn.PermCalls())
}

func TestSession_BackendLossReportsAndReconnects(t *testing.T) {
	conn := &fakeConn{}
	first := newFakeBackend()
	first.sessionID = "cc-abc"
	second := newFakeBackend()

	var mu sync.Mutex
	var gotOpts []ConnectOptions
	connect := func(_ context.Context, opts ConnectOptions) (Backend, error) {
		mu.Lock()
		gotOpts = append(gotOpts, opts)
		mu.Unlock()
		return second, nil
	}
	sess := NewSession(Params{
		ID:      acp.SessionId("sess-1"),
		Conn:    conn,
		Backend: first,
		Connect: connect,
		Mode:    claudecode.PermissionModeAcceptEdits,
		Model:   "opus",
		Log:     testLogger(),
	})

	res := promptAsync(sess, "first")
	events := first.waitQuery(t)
	events <- claudecode.Event{Kind: claudecode.KindTextDelta, Text: "wor"}
	close(events) // process died mid-turn, no result

	got := waitPrompt(t, res)
	require.NoError(t, got.err)
	assert.Equal(t, acp.StopReasonRefusal, got.stop)
	assert.True(t, backendGone(first))

	updates := conn.Updates()
	require.Len(t, updates, 2)
	require.NotNil(t, updates[1].Update.AgentMessageChunk)
	assert.Equal(t, backendLostMessage, updates[1].Update.AgentMessageChunk.Content.Text.Text)

	// The next prompt spawns a fresh process resuming the same CLI session.
	res = promptAsync(sess, "second")
	events = second.waitQuery(t)
	events <- resultEvent(claudecode.ResultSubtypeSuccess, nil, 0)
	close(events)
	got = waitPrompt(t, res)
	require.NoError(t, got.err)
	assert.Equal(t, acp.StopReasonEndTurn, got.stop)
	assert.NotNil(t, second.Handler())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, gotOpts, 1)
	assert.Equal(t, "cc-abc", gotOpts[0].Resume)
	assert.Equal(t, claudecode.PermissionModeAcceptEdits, gotOpts[0].Mode)
	assert.Equal(t, "opus", gotOpts[0].Model)
}

func TestSession_ReconnectFailureReturnsBackendUnavailable(t *testing.T) {
	conn := &fakeConn{}
	sess := NewSession(Params{
		ID:   acp.SessionId("sess-1"),
		Conn: conn,
		Connect: func(context.Context, ConnectOptions) (Backend, error) {
			return nil, errors.New("spawn failed")
		},
		Mode: claudecode.PermissionModeDefault,
		Log:  testLogger(),
	})

	_, err := sess.Prompt(context.Background(), []acp.ContentBlock{acp.TextBlock("hi")})
	assert.ErrorIs(t, err, ErrBackendUnavailable)
	assert.Equal(t, StateIdle, sess.State())
}

func TestSession_QueryErrorsMapToSentinels(t *testing.T) {
	conn := &fakeConn{}
	backend := newFakeBackend()
	backend.queryErr = claudecode.ErrQueryInFlight
	sess := newTestSession(conn, backend, claudecode.PermissionModeDefault)

	_, err := sess.Prompt(context.Background(), []acp.ContentBlock{acp.TextBlock("hi")})
	assert.ErrorIs(t, err, ErrAlreadyInFlight)
	assert.Equal(t, StateIdle, sess.State())

	backend2 := newFakeBackend()
	backend2.queryErr = errors.New("stdin closed")
	sess2 := newTestSession(conn, backend2, claudecode.PermissionModeDefault)

	_, err = sess2.Prompt(context.Background(), []acp.ContentBlock{acp.TextBlock("hi")})
	assert.ErrorIs(t, err, ErrBackendUnavailable)
	assert.Equal(t, StateIdle, sess2.State())
}

func TestSession_ErrorResultStillMapsSubtype(t *testing.T) {
	conn := &fakeConn{}
	backend := newFakeBackend()
	sess := newTestSession(conn, backend, claudecode.PermissionModeDefault)

	stop := runTurn(t, sess, backend, "x", claudecode.Event{
		Kind: claudecode.KindResult,
		Result: &claudecode.TurnResult{
			Subtype: claudecode.ResultSubtypeErrorDuringExecution,
			IsError: true,
			Result:  "tool exploded",
		},
	})
	assert.Equal(t, acp.StopReasonEndTurn, stop)
	assert.Equal(t, StateIdle, sess.State())
}

func TestSession_UsageReplacedNotSummed(t *testing.T) {
	conn := &fakeConn{}
	backend := newFakeBackend()
	sess := newTestSession(conn, backend, claudecode.PermissionModeDefault)

	runTurn(t, sess, backend, "one",
		resultEvent(claudecode.ResultSubtypeSuccess, &claudecode.Usage{InputTokens: 100, OutputTokens: 20}, 0.05))
	runTurn(t, sess, backend, "two",
		resultEvent(claudecode.ResultSubtypeSuccess, &claudecode.Usage{InputTokens: 250, OutputTokens: 70}, 0.07))

	totals := sess.Usage()
	assert.Equal(t, int64(250), totals.InputTokens)
	assert.Equal(t, int64(70), totals.OutputTokens)
	assert.InDelta(t, 0.12, totals.TotalCostUSD, 1e-9)
	assert.Equal(t, int64(2), totals.Turns)
}

func TestSession_SetMode(t *testing.T) {
	conn := &fakeConn{}
	backend := newFakeBackend()
	sess := newTestSession(conn, backend, claudecode.PermissionModeDefault)

	require.NoError(t, sess.SetMode(context.Background(), claudecode.PermissionModePlan))
	assert.Equal(t, claudecode.PermissionModePlan, sess.Mode())
	assert.Equal(t, []string{claudecode.PermissionModePlan}, backend.Modes())

	updates := conn.Updates()
	require.Len(t, updates, 1)
	require.NotNil(t, updates[0].Update.CurrentModeUpdate)
	assert.Equal(t, acp.SessionModeId("plan"), updates[0].Update.CurrentModeUpdate.CurrentModeId)

	err := sess.SetMode(context.Background(), "yolo")
	assert.ErrorIs(t, err, ErrInvalidMode)
	assert.Equal(t, claudecode.PermissionModePlan, sess.Mode())
	assert.Len(t, backend.Modes(), 1)
}

func TestSession_SetModel(t *testing.T) {
	conn := &fakeConn{}
	backend := newFakeBackend()
	sess := newTestSession(conn, backend, claudecode.PermissionModeDefault)

	require.NoError(t, sess.SetModel(context.Background(), "opus"))
	assert.Equal(t, []string{"opus"}, backend.Models())
	assert.Equal(t, "opus", sess.Model())
}

func TestStopReasonFor(t *testing.T) {
	cases := []struct {
		name      string
		subtype   string
		cancelled bool
		want      acp.StopReason
	}{
		{"success", claudecode.ResultSubtypeSuccess, false, acp.StopReasonEndTurn},
		{"execution error", claudecode.ResultSubtypeErrorDuringExecution, false, acp.StopReasonEndTurn},
		{"max turns", claudecode.ResultSubtypeErrorMaxTurns, false, acp.StopReasonMaxTurnRequests},
		{"structured output retries", "error_max_structured_output_retries", false, acp.StopReasonMaxTurnRequests},
		{"budget exhausted", claudecode.ResultSubtypeErrorMaxBudget, false, acp.StopReasonMaxTokens},
		{"unknown subtype", "error_novel", false, acp.StopReasonRefusal},
		{"cancel overrides subtype", claudecode.ResultSubtypeSuccess, true, acp.StopReasonCancelled},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, stopReasonFor(tc.subtype, tc.cancelled))
		})
	}
}

func TestValidMode(t *testing.T) {
	for _, mode := range []string{
		claudecode.PermissionModeDefault,
		claudecode.PermissionModeAcceptEdits,
		claudecode.PermissionModePlan,
		claudecode.PermissionModeDontAsk,
		claudecode.PermissionModeBypassPermissions,
	} {
		assert.True(t, ValidMode(mode), mode)
	}
	assert.False(t, ValidMode(""))
	assert.False(t, ValidMode("yolo"))
}
