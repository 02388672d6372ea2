package agent

import (
	"github.com/coder/acp-go-sdk"

	"github.com/claudeacp/claudeacp/pkg/claudecode"
)

// sessionModes is the catalog advertised to clients. Ids match what the CLI
// accepts for --permission-mode and set_permission_mode.
var sessionModes = []acp.SessionMode{
	{
		Id:          acp.SessionModeId(claudecode.PermissionModeDefault),
		Name:        "Default",
		Description: "Standard behavior, prompts for dangerous operations",
	},
	{
		Id:          acp.SessionModeId(claudecode.PermissionModeAcceptEdits),
		Name:        "Accept Edits",
		Description: "Auto-accept file edit operations",
	},
	{
		Id:          acp.SessionModeId(claudecode.PermissionModePlan),
		Name:        "Plan Mode",
		Description: "Planning mode, no actual tool execution",
	},
	{
		Id:          acp.SessionModeId(claudecode.PermissionModeDontAsk),
		Name:        "Don't Ask",
		Description: "Don't prompt for permissions, deny if not pre-approved",
	},
	{
		Id:          acp.SessionModeId(claudecode.PermissionModeBypassPermissions),
		Name:        "Bypass Permissions",
		Description: "Bypass all permission checks",
	},
}

func modeState(current string) *acp.SessionModeState {
	modes := make([]acp.SessionMode, len(sessionModes))
	copy(modes, sessionModes)
	return &acp.SessionModeState{
		CurrentModeId:  acp.SessionModeId(current),
		AvailableModes: modes,
	}
}

// modelState advertises the configured models. Nil when no model is pinned:
// the CLI then picks its own default and the client has nothing to switch.
func (a *Agent) modelState(current string) *acp.SessionModelState {
	if current == "" {
		return nil
	}
	models := []acp.ModelInfo{{ModelId: acp.ModelId(current), Name: current}}
	if fast := a.cfg.Backend.SmallFastModel; fast != "" && fast != current {
		models = append(models, acp.ModelInfo{ModelId: acp.ModelId(fast), Name: fast})
	}
	return &acp.SessionModelState{
		CurrentModelId:  acp.ModelId(current),
		AvailableModels: models,
	}
}
