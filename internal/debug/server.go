// Package debug serves the optional HTTP introspection surface: health,
// session snapshots, and a websocket tap on the event bus. It binds its own
// listener so nothing here ever touches the ACP transport on stdio.
package debug

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/acp-go-sdk"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/claudeacp/claudeacp/internal/bus"
	"github.com/claudeacp/claudeacp/internal/common/config"
	"github.com/claudeacp/claudeacp/internal/common/logger"
	"github.com/claudeacp/claudeacp/internal/mcpbridge"
	"github.com/claudeacp/claudeacp/internal/session"
)

const shutdownTimeout = 5 * time.Second

// Server is the debug HTTP server. Every endpoint is read-only.
type Server struct {
	cfg      config.DebugConfig
	log      *logger.Logger
	sessions *session.Manager
	bus      bus.EventBus
	mcp      *mcpbridge.Bridge
}

// NewServer creates a debug server over the session manager and event bus.
func NewServer(cfg config.DebugConfig, sessions *session.Manager, b bus.EventBus, log *logger.Logger) *Server {
	return &Server{
		cfg:      cfg,
		log:      log.WithFields(zap.String("component", "debug")),
		sessions: sessions,
		bus:      b,
	}
}

// MountMCP exposes the MCP status bridge on this listener.
func (s *Server) MountMCP(b *mcpbridge.Bridge) {
	s.mcp = b
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:      s.router(ctx),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("debug server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("debug server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if s.mcp != nil {
			if err := s.mcp.Shutdown(shutdownCtx); err != nil {
				s.log.Warn("failed to shutdown MCP bridge", zap.Error(err))
			}
		}
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// router builds the gin engine for the debug surface. ctx bounds the
// lifetime of websocket taps.
func (s *Server) router(ctx context.Context) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.requestLogger())

	r.GET("/healthz", s.handleHealth)
	r.GET("/sessions", s.handleSessions)
	r.GET("/sessions/:id/usage", s.handleSessionUsage)
	r.GET("/events", func(c *gin.Context) { s.handleEvents(ctx, c) })
	if s.mcp != nil {
		s.mcp.Register(r)
	}
	return r
}

// requestLogger logs each request after its handler completes. Debug level
// keeps the tap quiet in normal runs; server errors are promoted.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		}
		if status >= http.StatusInternalServerError {
			s.log.Error("http request", fields...)
			return
		}
		s.log.Debug("http request", fields...)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"service":       "claudeacp",
		"sessions":      s.sessions.Len(),
		"bus_connected": s.bus.IsConnected(),
	})
}

// sessionView is the wire shape for one session snapshot.
type sessionView struct {
	ID    string              `json:"id"`
	State string              `json:"state"`
	Mode  string              `json:"mode"`
	Model string              `json:"model,omitempty"`
	Usage session.UsageTotals `json:"usage"`
}

func snapshotSession(sess *session.Session) sessionView {
	return sessionView{
		ID:    string(sess.ID()),
		State: sess.State().String(),
		Mode:  sess.Mode(),
		Model: sess.Model(),
		Usage: sess.Usage(),
	}
}

func (s *Server) handleSessions(c *gin.Context) {
	list := s.sessions.List()
	views := make([]sessionView, 0, len(list))
	for _, sess := range list {
		views = append(views, snapshotSession(sess))
	}
	c.JSON(http.StatusOK, gin.H{
		"count":    len(views),
		"sessions": views,
	})
}

func (s *Server) handleSessionUsage(c *gin.Context) {
	id := c.Param("id")
	sess, ok := s.sessions.Get(acp.SessionId(id))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id": id,
		"usage":      sess.Usage(),
	})
}
