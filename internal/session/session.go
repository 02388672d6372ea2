// Package session implements the bridge sessions. Each Session owns one
// Claude Code subprocess, drives prompt turns over it, and forwards the
// resulting stream to the ACP client as ordered session updates.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/acp-go-sdk"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/claudeacp/claudeacp/internal/bus"
	"github.com/claudeacp/claudeacp/internal/common/logger"
	"github.com/claudeacp/claudeacp/internal/translate"
	"github.com/claudeacp/claudeacp/pkg/claudecode"
)

var (
	ErrDuplicateSession   = errors.New("session already exists")
	ErrSessionNotFound    = errors.New("session not found")
	ErrSessionClosed      = errors.New("session closed")
	ErrAlreadyInFlight    = errors.New("a prompt is already in flight")
	ErrInvalidMode        = errors.New("invalid permission mode")
	ErrBackendUnavailable = errors.New("backend unavailable")
)

const backendLostMessage = "Claude Code exited unexpectedly. The session will reconnect on the next prompt."

// State is the lifecycle state of a session.
type State int

const (
	StateIdle State = iota
	StatePrompting
	StateCancelling
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePrompting:
		return "prompting"
	case StateCancelling:
		return "cancelling"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ClientConn is the slice of the ACP connection a session talks to.
// *acp.AgentSideConnection satisfies it.
type ClientConn interface {
	SessionUpdate(ctx context.Context, n acp.SessionNotification) error
	RequestPermission(ctx context.Context, req acp.RequestPermissionRequest) (acp.RequestPermissionResponse, error)
}

// Backend is the slice of the CLI client a session drives.
// *claudecode.Client satisfies it.
type Backend interface {
	Query(ctx context.Context, content string) (<-chan claudecode.Event, error)
	Interrupt(ctx context.Context) error
	SetPermissionMode(ctx context.Context, mode string) error
	SetModel(ctx context.Context, model string) error
	RespondPermission(requestID string, result *claudecode.PermissionResult) error
	RespondPermissionError(requestID string, message string) error
	OnPermissionRequest(handler claudecode.PermissionHandler)
	BackendSessionID() string
	Model() string
	Commands() []claudecode.SlashCommand
	Done() <-chan struct{}
	Close() error
}

// ConnectFunc spawns a backend client. The session calls it again when the
// previous process is gone and a new prompt arrives.
type ConnectFunc func(ctx context.Context, opts ConnectOptions) (Backend, error)

// ConnectOptions carries the per-connect state a reconnect must preserve.
type ConnectOptions struct {
	Resume string
	Mode   string
	Model  string
}

// Params configures a new Session.
type Params struct {
	ID      acp.SessionId
	Conn    ClientConn
	Backend Backend
	Connect ConnectFunc
	Mode    string
	Model   string
	Resume  string
	Log     *logger.Logger
	Bus     bus.EventBus
}

// Session bridges one ACP session to one Claude Code subprocess.
type Session struct {
	id      acp.SessionId
	log     *logger.Logger
	conn    ClientConn
	bus     bus.EventBus
	connect ConnectFunc

	gate       *FlushGate
	usage      *UsageAccumulator
	translator *translate.Translator
	perms      *PermissionCoordinator

	mu              sync.Mutex
	state           State
	mode            string
	model           string
	backend         Backend
	backendRef      string
	turnID          string
	turnCtx         context.Context
	turnCancel      context.CancelFunc
	cancelRequested bool
	respondingPerms int
}

// NewSession wires a session around an already-connected backend.
func NewSession(p Params) *Session {
	log := p.Log.WithFields(zap.String("session_id", string(p.ID)))
	s := &Session{
		id:         p.ID,
		log:        log,
		conn:       p.Conn,
		bus:        p.Bus,
		connect:    p.Connect,
		gate:       NewFlushGate(),
		usage:      NewUsageAccumulator(),
		translator: translate.NewTranslator(log),
		state:      StateIdle,
		mode:       p.Mode,
		model:      p.Model,
		backend:    p.Backend,
		backendRef: p.Resume,
	}
	s.perms = newPermissionCoordinator(log, p.Conn, p.ID)
	if p.Backend != nil {
		p.Backend.OnPermissionRequest(s.handlePermissionRequest)
	}
	return s
}

// ID returns the session id.
func (s *Session) ID() acp.SessionId {
	return s.id
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Mode returns the current permission mode.
func (s *Session) Mode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Model returns the model the backend reported, falling back to the
// configured one before the first turn.
func (s *Session) Model() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backend != nil {
		if m := s.backend.Model(); m != "" {
			return m
		}
	}
	return s.model
}

// Usage returns a snapshot of the accumulated usage totals.
func (s *Session) Usage() UsageTotals {
	return s.usage.Snapshot()
}

// Commands returns the slash commands the backend advertised, if any.
func (s *Session) Commands() []claudecode.SlashCommand {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backend == nil {
		return nil
	}
	return s.backend.Commands()
}

// Prompt runs one turn: it sends the converted prompt text, streams CLI
// events to the client as session updates, and returns the stop reason only
// after the turn's notifications have drained.
func (s *Session) Prompt(ctx context.Context, blocks []acp.ContentBlock) (acp.StopReason, error) {
	s.mu.Lock()
	switch s.state {
	case StateClosed:
		s.mu.Unlock()
		return "", ErrSessionClosed
	case StatePrompting, StateCancelling:
		s.mu.Unlock()
		return "", ErrAlreadyInFlight
	}
	s.state = StatePrompting
	s.cancelRequested = false
	turnCtx, turnCancel := context.WithCancel(ctx)
	s.turnCtx = turnCtx
	s.turnCancel = turnCancel
	turnID := uuid.New().String()
	s.turnID = turnID
	backend := s.backend
	mode, model, resume := s.mode, s.model, s.backendRef
	s.mu.Unlock()

	defer turnCancel()

	if backend == nil || backendGone(backend) {
		fresh, err := s.reconnect(turnCtx, backend, ConnectOptions{Resume: resume, Mode: mode, Model: model})
		if err != nil {
			s.finishTurn()
			return "", fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		backend = fresh
	}

	// A cancel that raced the setup wins before any work is sent.
	s.mu.Lock()
	cancelled := s.cancelRequested
	s.mu.Unlock()
	if cancelled {
		s.finishTurn()
		return acp.StopReasonCancelled, nil
	}

	s.gate.Track(turnID)
	defer s.gate.Forget(turnID)
	s.translator.BeginTurn()
	s.publish(ctx, bus.TurnStarted, map[string]any{"turn_id": turnID})

	events, err := backend.Query(turnCtx, translate.PromptText(blocks, s.log))
	if err != nil {
		s.finishTurn()
		if errors.Is(err, claudecode.ErrQueryInFlight) {
			return "", ErrAlreadyInFlight
		}
		return "", fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	var result *claudecode.TurnResult
	for ev := range events {
		switch ev.Kind {
		case claudecode.KindResult:
			result = ev.Result
			s.usage.ApplyResult(ev.Result)
		case claudecode.KindSystem:
			if ev.Model != "" {
				s.mu.Lock()
				s.model = ev.Model
				s.mu.Unlock()
			}
		default:
			for _, update := range s.translator.Translate(ev) {
				s.notify(turnCtx, turnID, update)
			}
		}
	}

	stop := s.concludeTurn(turnCtx, turnID, backend, result)

	if !s.gate.AwaitDrained(ctx, turnID) {
		s.log.Warn("flush gate drain timed out", zap.String("turn_id", turnID))
	}
	s.translator.EndTurn()

	totals := s.usage.Snapshot()
	s.publish(ctx, bus.TurnCompleted, map[string]any{
		"turn_id":        turnID,
		"stop_reason":    string(stop),
		"input_tokens":   totals.InputTokens,
		"output_tokens":  totals.OutputTokens,
		"total_cost_usd": totals.TotalCostUSD,
		"turns":          totals.Turns,
	})
	s.finishTurn()
	return stop, nil
}

// reconnect replaces a dead backend with a fresh process resuming the same
// CLI session.
func (s *Session) reconnect(ctx context.Context, old Backend, opts ConnectOptions) (Backend, error) {
	if old != nil {
		if err := old.Close(); err != nil {
			s.log.Debug("closing dead backend", zap.Error(err))
		}
		s.log.Info("backend process gone, reconnecting",
			zap.String("resume", opts.Resume))
	}
	if s.connect == nil {
		return nil, errors.New("no connector configured")
	}
	fresh, err := s.connect(ctx, opts)
	if err != nil {
		return nil, err
	}
	fresh.OnPermissionRequest(s.handlePermissionRequest)
	s.mu.Lock()
	s.backend = fresh
	s.mu.Unlock()
	return fresh, nil
}

// concludeTurn settles the stop reason and the backend bookkeeping once the
// event stream has ended.
func (s *Session) concludeTurn(ctx context.Context, turnID string, backend Backend, result *claudecode.TurnResult) acp.StopReason {
	ref := backend.BackendSessionID()
	s.mu.Lock()
	if ref != "" {
		s.backendRef = ref
	}
	cancelled := s.cancelRequested
	s.mu.Unlock()

	if result == nil {
		// The process died without reporting a result. Surface it unless the
		// user asked for the cancel that killed it, and leave the session
		// backendless so the next prompt reconnects with --resume.
		if err := backend.Close(); err != nil {
			s.log.Debug("closing dead backend", zap.Error(err))
		}
		s.mu.Lock()
		s.backend = nil
		s.mu.Unlock()
		if cancelled {
			return acp.StopReasonCancelled
		}
		s.log.Error("backend stream ended without a result")
		s.notify(ctx, turnID, acp.UpdateAgentMessageText(backendLostMessage))
		return acp.StopReasonRefusal
	}

	if result.IsError {
		s.log.Error("turn ended with an error result",
			zap.String("subtype", result.Subtype),
			zap.String("result", result.Result))
	}
	return stopReasonFor(result.Subtype, cancelled)
}

// stopReasonFor maps the CLI's terminal result subtype to an ACP stop
// reason. A user cancel overrides whatever the CLI reported.
func stopReasonFor(subtype string, cancelled bool) acp.StopReason {
	if cancelled {
		return acp.StopReasonCancelled
	}
	switch subtype {
	case claudecode.ResultSubtypeSuccess, claudecode.ResultSubtypeErrorDuringExecution:
		return acp.StopReasonEndTurn
	case claudecode.ResultSubtypeErrorMaxTurns, "error_max_structured_output_retries":
		return acp.StopReasonMaxTurnRequests
	case claudecode.ResultSubtypeErrorMaxBudget:
		return acp.StopReasonMaxTokens
	default:
		return acp.StopReasonRefusal
	}
}

// notify sends one session/update and keeps the flush gate's books. A failed
// send is logged and skipped; one bad notification must not end the turn.
func (s *Session) notify(ctx context.Context, turnID string, update acp.SessionUpdate) {
	s.gate.NotifyDispatched(turnID)
	err := s.conn.SessionUpdate(ctx, acp.SessionNotification{SessionId: s.id, Update: update})
	s.gate.NotifyConfirmed(turnID)
	if err != nil {
		s.log.Warn("session update failed",
			zap.String("turn_id", turnID),
			zap.Error(err))
	}
}

// Cancel stops the in-flight turn. Pending permission requests are denied
// with an interrupt before the CLI is signalled, so the control replies reach
// the CLI ahead of the interrupt. Cancelling an idle session is a no-op and
// repeated cancels are safe.
func (s *Session) Cancel(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StatePrompting {
		state := s.state
		s.mu.Unlock()
		s.log.Debug("cancel ignored", zap.Stringer("state", state))
		return nil
	}
	s.state = StateCancelling
	s.cancelRequested = true
	backend := s.backend
	s.mu.Unlock()

	s.perms.Teardown("Turn was cancelled")
	s.waitPermissionResponses()

	if backend != nil {
		if err := backend.Interrupt(ctx); err != nil {
			// The control channel is broken; kill the process so the event
			// stream closes and the turn can finish.
			s.log.Warn("backend interrupt failed, closing process", zap.Error(err))
			if cerr := backend.Close(); cerr != nil {
				s.log.Debug("closing backend after failed interrupt", zap.Error(cerr))
			}
		}
	}
	return nil
}

// SetMode switches the CLI permission mode. The backend sees the change
// first; local state commits only after the CLI acknowledges it, then the
// client is told via a current mode update.
func (s *Session) SetMode(ctx context.Context, mode string) error {
	if !ValidMode(mode) {
		return fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	backend := s.backend
	s.mu.Unlock()

	if backend != nil {
		if err := backend.SetPermissionMode(ctx, mode); err != nil {
			return fmt.Errorf("set permission mode: %w", err)
		}
	}

	s.mu.Lock()
	s.mode = mode
	s.mu.Unlock()

	update := acp.SessionUpdate{
		CurrentModeUpdate: &acp.SessionCurrentModeUpdate{CurrentModeId: acp.SessionModeId(mode)},
	}
	if err := s.conn.SessionUpdate(ctx, acp.SessionNotification{SessionId: s.id, Update: update}); err != nil {
		s.log.Warn("current mode update failed", zap.Error(err))
	}
	return nil
}

// SetModel switches the backend model for subsequent turns.
func (s *Session) SetModel(ctx context.Context, model string) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	backend := s.backend
	s.mu.Unlock()

	if backend != nil {
		if err := backend.SetModel(ctx, model); err != nil {
			return fmt.Errorf("set model: %w", err)
		}
	}

	s.mu.Lock()
	s.model = model
	s.mu.Unlock()
	return nil
}

// Close tears the session down: pending permission requests resolve to deny
// with interrupt, the in-flight turn context dies, and the CLI process is
// released before the caller drops the session from the registry.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosed
	cancel := s.turnCancel
	backend := s.backend
	s.backend = nil
	s.mu.Unlock()

	s.perms.Teardown("Session is shutting down")
	s.waitPermissionResponses()
	if cancel != nil {
		cancel()
	}
	if backend != nil {
		if err := backend.Close(); err != nil {
			s.log.Warn("backend close failed", zap.Error(err))
		}
	}
	s.publish(ctx, bus.SessionRemoved, nil)
	return nil
}

// waitPermissionResponses waits briefly for in-flight permission handlers to
// finish writing their control replies, so a torn-down request's deny lands
// on the CLI before the interrupt does.
func (s *Session) waitPermissionResponses() {
	deadline := time.Now().Add(250 * time.Millisecond)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		n := s.respondingPerms
		s.mu.Unlock()
		if n == 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	s.log.Warn("permission responses still in flight after teardown")
}

func (s *Session) finishTurn() {
	s.mu.Lock()
	if s.state != StateClosed {
		s.state = StateIdle
	}
	s.turnID = ""
	s.turnCtx = nil
	s.turnCancel = nil
	s.mu.Unlock()
}

// handlePermissionRequest services one can_use_tool control request. The
// backend client spawns a goroutine per request, so blocking on the user
// here never stalls the event stream.
func (s *Session) handlePermissionRequest(requestID string, req *claudecode.ControlRequest) {
	s.mu.Lock()
	s.respondingPerms++
	state := s.state
	mode := s.mode
	turnCtx := s.turnCtx
	backend := s.backend
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.respondingPerms--
		s.mu.Unlock()
	}()

	if backend == nil {
		return
	}

	res := s.resolvePermission(state, mode, turnCtx, req)
	if err := backend.RespondPermission(requestID, res); err != nil {
		s.log.Warn("permission response failed",
			zap.String("request_id", requestID),
			zap.Error(err))
	}
	s.publish(context.Background(), bus.PermissionResolved, map[string]any{
		"tool_name": req.ToolName,
		"behavior":  res.Behavior,
	})
}

func (s *Session) resolvePermission(state State, mode string, turnCtx context.Context, req *claudecode.ControlRequest) *claudecode.PermissionResult {
	if state == StateCancelling {
		return interruptResult("Turn was cancelled")
	}
	if state != StatePrompting || turnCtx == nil {
		return denyResult("No prompt is in flight")
	}

	info := s.toolInfo(req)
	switch mode {
	case claudecode.PermissionModeBypassPermissions:
		return allowResult(req.Input)
	case claudecode.PermissionModePlan:
		if mutatingKind(info.Kind) {
			return denyResult(fmt.Sprintf("Tool %s is blocked in plan mode", req.ToolName))
		}
	case claudecode.PermissionModeAcceptEdits:
		if info.Kind == acp.ToolKindEdit {
			return allowResult(req.Input)
		}
	}

	s.publish(turnCtx, bus.PermissionRequested, map[string]any{"tool_name": req.ToolName})
	return s.perms.Ask(turnCtx, req, info)
}

// toolInfo prefers the correlator entry recorded when the tool call started;
// the CLI asks before the tool_use block arrives for some tools, so fall
// back to deriving the descriptor from the request itself.
func (s *Session) toolInfo(req *claudecode.ControlRequest) translate.ToolInfo {
	if entry, ok := s.translator.Correlator().Lookup(req.ToolUseID); ok {
		return entry.Info
	}
	return translate.ToolInfoFor(req.ToolName, req.Input)
}

// mutatingKind reports the tool categories plan mode must not run.
func mutatingKind(kind acp.ToolKind) bool {
	switch kind {
	case acp.ToolKindEdit, acp.ToolKindExecute, acp.ToolKindDelete, acp.ToolKindMove:
		return true
	}
	return false
}

// ValidMode reports whether mode is one of the CLI's permission modes.
func ValidMode(mode string) bool {
	switch mode {
	case claudecode.PermissionModeDefault, claudecode.PermissionModeAcceptEdits,
		claudecode.PermissionModePlan, claudecode.PermissionModeDontAsk,
		claudecode.PermissionModeBypassPermissions:
		return true
	}
	return false
}

func backendGone(b Backend) bool {
	select {
	case <-b.Done():
		return true
	default:
		return false
	}
}

func (s *Session) publish(ctx context.Context, subject string, data map[string]any) {
	if s.bus == nil {
		return
	}
	if data == nil {
		data = map[string]any{}
	}
	data["session_id"] = string(s.id)
	if err := s.bus.Publish(ctx, subject, bus.NewEvent(subject, "session", data)); err != nil {
		s.log.Debug("bus publish failed",
			zap.String("subject", subject),
			zap.Error(err))
	}
}
