// Package mcpbridge exposes bridge introspection as MCP tools. The server
// rides the debug listener and serves both transports for compatibility
// with different MCP clients:
// - SSE transport (/sse) for Claude Desktop, Cursor, etc.
// - Streamable HTTP transport (/mcp) for Codex
package mcpbridge

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/claudeacp/claudeacp/internal/bus"
	"github.com/claudeacp/claudeacp/internal/common/logger"
	"github.com/claudeacp/claudeacp/internal/session"
)

// Bridge serves the bridge_status, list_sessions and session_usage tools
// over the debug listener.
type Bridge struct {
	log       *logger.Logger
	sessions  *session.Manager
	bus       bus.EventBus
	startedAt time.Time

	sseServer            *server.SSEServer
	streamableHTTPServer *server.StreamableHTTPServer
}

// New builds the MCP server and both transports around the session manager.
func New(sessions *session.Manager, b bus.EventBus, log *logger.Logger) *Bridge {
	br := &Bridge{
		log:       log.WithFields(zap.String("component", "mcpbridge")),
		sessions:  sessions,
		bus:       b,
		startedAt: time.Now(),
	}

	mcpServer := server.NewMCPServer(
		"claudeacp",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	br.registerTools(mcpServer)

	br.sseServer = server.NewSSEServer(mcpServer)
	br.streamableHTTPServer = server.NewStreamableHTTPServer(mcpServer,
		server.WithEndpointPath("/mcp"),
	)
	return br
}

// Register mounts both transports on the debug router.
func (b *Bridge) Register(r gin.IRouter) {
	r.Any("/mcp", gin.WrapH(b.streamableHTTPServer))
	r.Any("/sse", gin.WrapH(b.sseServer.SSEHandler()))
	r.Any("/message", gin.WrapH(b.sseServer.MessageHandler()))
}

// Shutdown closes any active MCP client sessions on both transports.
func (b *Bridge) Shutdown(ctx context.Context) error {
	if err := b.sseServer.Shutdown(ctx); err != nil {
		b.log.Warn("failed to shutdown SSE transport", zap.Error(err))
	}
	return b.streamableHTTPServer.Shutdown(ctx)
}
