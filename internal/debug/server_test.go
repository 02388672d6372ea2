package debug

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/acp-go-sdk"
	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claudeacp/claudeacp/internal/bus"
	"github.com/claudeacp/claudeacp/internal/common/config"
	"github.com/claudeacp/claudeacp/internal/common/logger"
	"github.com/claudeacp/claudeacp/internal/mcpbridge"
	"github.com/claudeacp/claudeacp/internal/session"
	"github.com/claudeacp/claudeacp/pkg/claudecode"
)

func testLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stderr"})
	return log
}

type stubConn struct{}

func (stubConn) SessionUpdate(ctx context.Context, n acp.SessionNotification) error {
	return nil
}

func (stubConn) RequestPermission(ctx context.Context, req acp.RequestPermissionRequest) (acp.RequestPermissionResponse, error) {
	return acp.RequestPermissionResponse{
		Outcome: acp.RequestPermissionOutcome{Cancelled: &acp.RequestPermissionOutcomeCancelled{}},
	}, nil
}

type stubBackend struct {
	done chan struct{}
}

func newStubBackend() *stubBackend {
	return &stubBackend{done: make(chan struct{})}
}

func (b *stubBackend) Query(ctx context.Context, content string) (<-chan claudecode.Event, error) {
	ch := make(chan claudecode.Event)
	close(ch)
	return ch, nil
}

func (b *stubBackend) Interrupt(ctx context.Context) error { return nil }

func (b *stubBackend) SetPermissionMode(ctx context.Context, m string) error { return nil }

func (b *stubBackend) SetModel(ctx context.Context, model string) error { return nil }

func (b *stubBackend) RespondPermission(id string, r *claudecode.PermissionResult) error {
	return nil
}

func (b *stubBackend) RespondPermissionError(id string, msg string) error { return nil }

func (b *stubBackend) OnPermissionRequest(h claudecode.PermissionHandler) {}

func (b *stubBackend) BackendSessionID() string { return "cc-debug" }

func (b *stubBackend) Model() string { return "" }

func (b *stubBackend) Commands() []claudecode.SlashCommand { return nil }

func (b *stubBackend) Done() <-chan struct{} { return b.done }

func (b *stubBackend) Close() error {
	select {
	case <-b.done:
	default:
		close(b.done)
	}
	return nil
}

func testServer(t *testing.T) *Server {
	t.Helper()
	log := testLogger()
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)
	mgr := session.NewManager(log, eventBus)
	return NewServer(config.DebugConfig{Host: "127.0.0.1", Port: 0}, mgr, eventBus, log)
}

func createSession(t *testing.T, mgr *session.Manager, id string) *session.Session {
	t.Helper()
	sess, err := mgr.Create(context.Background(), session.CreateParams{
		ID:   acp.SessionId(id),
		Conn: stubConn{},
		Connect: func(ctx context.Context, opts session.ConnectOptions) (session.Backend, error) {
			return newStubBackend(), nil
		},
		Mode:  claudecode.PermissionModeDefault,
		Model: "claude-sonnet-4-5",
	})
	require.NoError(t, err)
	return sess
}

func get(t *testing.T, router http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	router.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	srv := testServer(t)
	createSession(t, srv.sessions, "s1")

	w := get(t, srv.router(context.Background()), "/healthz")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Status       string `json:"status"`
		Service      string `json:"service"`
		Sessions     int    `json:"sessions"`
		BusConnected bool   `json:"bus_connected"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "claudeacp", body.Service)
	assert.Equal(t, 1, body.Sessions)
	assert.True(t, body.BusConnected)
}

func TestSessionsEndpoint(t *testing.T) {
	srv := testServer(t)
	createSession(t, srv.sessions, "s1")

	w := get(t, srv.router(context.Background()), "/sessions")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Count    int           `json:"count"`
		Sessions []sessionView `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, 1, body.Count)
	assert.Equal(t, "s1", body.Sessions[0].ID)
	assert.Equal(t, "idle", body.Sessions[0].State)
	assert.Equal(t, claudecode.PermissionModeDefault, body.Sessions[0].Mode)
	assert.Equal(t, "claude-sonnet-4-5", body.Sessions[0].Model)
	assert.Zero(t, body.Sessions[0].Usage.InputTokens)
}

func TestSessionUsageEndpoint(t *testing.T) {
	srv := testServer(t)
	createSession(t, srv.sessions, "s1")
	router := srv.router(context.Background())

	w := get(t, router, "/sessions/s1/usage")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		SessionID string              `json:"session_id"`
		Usage     session.UsageTotals `json:"usage"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "s1", body.SessionID)
	assert.Zero(t, body.Usage.Turns)

	w = get(t, router, "/sessions/missing/usage")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestEventsTapStreamsBusEvents(t *testing.T) {
	srv := testServer(t)
	ts := httptest.NewServer(srv.router(context.Background()))
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/events"
	wsConn, _, err := gorillaws.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer wsConn.Close()

	// The tap subscribes after the handshake completes, so publish until a
	// frame makes it through.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				_ = srv.bus.Publish(context.Background(), bus.TurnStarted,
					bus.NewEvent(bus.TurnStarted, "test", map[string]any{"session_id": "s1"}))
			}
		}
	}()

	_ = wsConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var event bus.Event
	require.NoError(t, wsConn.ReadJSON(&event))
	assert.Equal(t, bus.TurnStarted, event.Type)
	assert.Equal(t, "s1", event.Data["session_id"])
}

func TestMountMCPRegistersRoutes(t *testing.T) {
	srv := testServer(t)
	srv.MountMCP(mcpbridge.New(srv.sessions, srv.bus, srv.log))

	paths := make(map[string]bool)
	for _, route := range srv.router(context.Background()).Routes() {
		paths[route.Path] = true
	}
	assert.True(t, paths["/mcp"])
	assert.True(t, paths["/sse"])
	assert.True(t, paths["/message"])
}

func TestRunStopsOnContextCancel(t *testing.T) {
	srv := testServer(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("debug server did not stop")
	}
}
