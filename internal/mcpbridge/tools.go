package mcpbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/coder/acp-go-sdk"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/claudeacp/claudeacp/internal/session"
)

func (b *Bridge) registerTools(s *server.MCPServer) {
	s.AddTool(
		mcp.NewTool("bridge_status",
			mcp.WithDescription("Report bridge health: active session count, event bus connectivity and uptime."),
		),
		b.statusHandler(),
	)

	s.AddTool(
		mcp.NewTool("list_sessions",
			mcp.WithDescription("List active sessions with their state, permission mode, model and usage totals."),
		),
		b.listSessionsHandler(),
	)

	s.AddTool(
		mcp.NewTool("session_usage",
			mcp.WithDescription("Report accumulated token usage and cost for one session."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("The session ID to report usage for"),
			),
		),
		b.sessionUsageHandler(),
	)

	b.log.Info("registered MCP tools", zap.Int("count", 3))
}

// sessionSummary is the tool output shape for one session.
type sessionSummary struct {
	ID    string              `json:"id"`
	State string              `json:"state"`
	Mode  string              `json:"mode"`
	Model string              `json:"model,omitempty"`
	Usage session.UsageTotals `json:"usage"`
}

func summarize(sess *session.Session) sessionSummary {
	return sessionSummary{
		ID:    string(sess.ID()),
		State: sess.State().String(),
		Mode:  sess.Mode(),
		Model: sess.Model(),
		Usage: sess.Usage(),
	}
}

func (b *Bridge) statusHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		status := map[string]any{
			"service":        "claudeacp",
			"sessions":       b.sessions.Len(),
			"bus_connected":  b.bus.IsConnected(),
			"uptime_seconds": int64(time.Since(b.startedAt).Seconds()),
		}
		formatted, _ := json.MarshalIndent(status, "", "  ")
		return mcp.NewToolResultText(string(formatted)), nil
	}
}

func (b *Bridge) listSessionsHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		list := b.sessions.List()
		summaries := make([]sessionSummary, 0, len(list))
		for _, sess := range list {
			summaries = append(summaries, summarize(sess))
		}
		formatted, _ := json.MarshalIndent(summaries, "", "  ")
		return mcp.NewToolResultText(string(formatted)), nil
	}
}

func (b *Bridge) sessionUsageHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		sess, ok := b.sessions.Get(acp.SessionId(id))
		if !ok {
			return mcp.NewToolResultError(fmt.Sprintf("session not found: %s", id)), nil
		}
		formatted, _ := json.MarshalIndent(sess.Usage(), "", "  ")
		return mcp.NewToolResultText(string(formatted)), nil
	}
}
