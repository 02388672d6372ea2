package session

import (
	"context"
	"sync"

	"github.com/coder/acp-go-sdk"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/claudeacp/claudeacp/internal/common/logger"
	"github.com/claudeacp/claudeacp/internal/translate"
	"github.com/claudeacp/claudeacp/pkg/claudecode"
)

// PermissionCoordinator tracks in-flight permission round trips between the
// CLI's can_use_tool requests and the client's permission picker. Every
// request resolves exactly once: either with the user's choice, or with a
// deny when the turn is torn down underneath it.
type PermissionCoordinator struct {
	log       *logger.Logger
	conn      ClientConn
	sessionID acp.SessionId

	mu      sync.Mutex
	pending map[string]*pendingPermission
}

type pendingPermission struct {
	id     string
	result chan *claudecode.PermissionResult
}

func newPermissionCoordinator(log *logger.Logger, conn ClientConn, sessionID acp.SessionId) *PermissionCoordinator {
	return &PermissionCoordinator{
		log:       log,
		conn:      conn,
		sessionID: sessionID,
		pending:   make(map[string]*pendingPermission),
	}
}

// Ask forwards a permission request to the client and blocks until it is
// answered, torn down, or ctx ends. The returned result is never nil.
func (p *PermissionCoordinator) Ask(ctx context.Context, req *claudecode.ControlRequest, info translate.ToolInfo) *claudecode.PermissionResult {
	slot := &pendingPermission{
		id:     uuid.New().String(),
		result: make(chan *claudecode.PermissionResult, 1),
	}
	p.mu.Lock()
	p.pending[slot.id] = slot
	p.mu.Unlock()

	go p.request(ctx, slot.id, req, info)

	select {
	case res := <-slot.result:
		return res
	case <-ctx.Done():
		// Teardown usually wins this race; resolve directly in case the
		// context died without one.
		p.resolve(slot.id, denyResult("Permission request was cancelled"))
		return <-slot.result
	}
}

func (p *PermissionCoordinator) request(ctx context.Context, slotID string, req *claudecode.ControlRequest, info translate.ToolInfo) {
	// The CLI omits tool_use_id on some can_use_tool requests.
	callID := req.ToolUseID
	if callID == "" {
		callID = uuid.New().String()
	}
	resp, err := p.conn.RequestPermission(ctx, acp.RequestPermissionRequest{
		SessionId: p.sessionID,
		ToolCall: acp.ToolCallUpdate{
			ToolCallId: acp.ToolCallId(callID),
			Title:      acp.Ptr(info.Title),
			Kind:       acp.Ptr(info.Kind),
			Status:     acp.Ptr(acp.ToolCallStatusPending),
			Locations:  info.Locations,
			RawInput:   req.Input,
		},
		Options: permissionOptions(),
	})

	switch {
	case err != nil:
		p.log.Warn("permission request failed",
			zap.String("session_id", string(p.sessionID)),
			zap.String("tool", req.ToolName),
			zap.Error(err))
		p.resolve(slotID, denyResult("Permission request failed"))
	case resp.Outcome.Cancelled != nil:
		p.resolve(slotID, denyResult("Permission request was cancelled"))
	case resp.Outcome.Selected != nil:
		p.resolve(slotID, p.selectedResult(string(resp.Outcome.Selected.OptionId), req))
	default:
		p.resolve(slotID, denyResult("Permission denied by user"))
	}
}

func (p *PermissionCoordinator) selectedResult(optionID string, req *claudecode.ControlRequest) *claudecode.PermissionResult {
	switch optionID {
	case "allow_always":
		res := allowResult(req.Input)
		res.UpdatedPermissions = req.PermissionSuggestions
		return res
	case "allow_once":
		return allowResult(req.Input)
	case "reject_once":
		return denyResult("Permission denied by user")
	default:
		p.log.Warn("unknown permission option, treating as reject",
			zap.String("option_id", optionID))
		return denyResult("Permission denied by user")
	}
}

// resolve delivers a result to a pending slot. Slots already resolved, by the
// user or by teardown, are gone from the table and the late result is dropped.
func (p *PermissionCoordinator) resolve(slotID string, res *claudecode.PermissionResult) {
	p.mu.Lock()
	slot, ok := p.pending[slotID]
	if ok {
		delete(p.pending, slotID)
	}
	p.mu.Unlock()
	if !ok {
		p.log.Debug("permission slot already resolved", zap.String("slot_id", slotID))
		return
	}
	slot.result <- res
}

// Teardown denies every outstanding request with an interrupt so the CLI
// stops the turn instead of continuing past the refusal.
func (p *PermissionCoordinator) Teardown(message string) {
	p.mu.Lock()
	slots := make([]*pendingPermission, 0, len(p.pending))
	for _, slot := range p.pending {
		slots = append(slots, slot)
	}
	p.pending = make(map[string]*pendingPermission)
	p.mu.Unlock()

	for _, slot := range slots {
		slot.result <- interruptResult(message)
	}
}

// Pending reports the number of unresolved permission requests.
func (p *PermissionCoordinator) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func permissionOptions() []acp.PermissionOption {
	return []acp.PermissionOption{
		{OptionId: acp.PermissionOptionId("allow_always"), Name: "Always Allow", Kind: acp.PermissionOptionKindAllowAlways},
		{OptionId: acp.PermissionOptionId("allow_once"), Name: "Allow", Kind: acp.PermissionOptionKindAllowOnce},
		{OptionId: acp.PermissionOptionId("reject_once"), Name: "Reject", Kind: acp.PermissionOptionKindRejectOnce},
	}
}

func allowResult(input map[string]any) *claudecode.PermissionResult {
	return &claudecode.PermissionResult{
		Behavior:     claudecode.BehaviorAllow,
		UpdatedInput: input,
	}
}

func denyResult(message string) *claudecode.PermissionResult {
	return &claudecode.PermissionResult{
		Behavior: claudecode.BehaviorDeny,
		Message:  message,
	}
}

func interruptResult(message string) *claudecode.PermissionResult {
	res := denyResult(message)
	res.Interrupt = acp.Ptr(true)
	return res
}
