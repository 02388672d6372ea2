// Package main is the entry point for claudeacp, the ACP bridge to the
// Claude Code CLI. The ACP wire runs on stdio, so every log sink stays on
// stderr.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coder/acp-go-sdk"
	"go.uber.org/zap"

	"github.com/claudeacp/claudeacp/internal/agent"
	"github.com/claudeacp/claudeacp/internal/bus"
	"github.com/claudeacp/claudeacp/internal/common/config"
	"github.com/claudeacp/claudeacp/internal/common/logger"
	"github.com/claudeacp/claudeacp/internal/common/tracing"
	"github.com/claudeacp/claudeacp/internal/debug"
	"github.com/claudeacp/claudeacp/internal/journal"
	"github.com/claudeacp/claudeacp/internal/mcpbridge"
	"github.com/claudeacp/claudeacp/internal/session"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting claudeacp...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Initialize tracing (no-op without an endpoint)
	tracing.Init(ctx, cfg.Tracing.OTLPEndpoint, cfg.Tracing.ServiceName)

	// 5. Initialize event bus (in-memory by default, NATS if configured)
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.NATS.URL))
		natsEventBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsEventBus
		defer natsEventBus.Close()
		log.Info("Connected to NATS event bus")
	} else {
		log.Info("Using in-memory event bus")
		eventBus = bus.NewMemoryEventBus(log)
	}

	// 6. Session registry
	sessions := session.NewManager(log, eventBus)

	// 7. Turn journal (optional)
	if cfg.Journal.Path != "" {
		j, err := journal.Open(cfg.Journal.Path, eventBus, log)
		if err != nil {
			log.Warn("Failed to open journal", zap.Error(err), zap.String("path", cfg.Journal.Path))
		} else {
			defer j.Close()
		}
	}

	// 8. Debug server (optional)
	if cfg.Debug.Enabled {
		dbg := debug.NewServer(cfg.Debug, sessions, eventBus, log)
		if cfg.Debug.McpEnabled {
			dbg.MountMCP(mcpbridge.New(sessions, eventBus, log))
		}
		go func() {
			if err := dbg.Run(ctx); err != nil {
				log.Error("Debug server exited", zap.Error(err))
			}
		}()
	}

	// 9. ACP agent over stdio
	ag := agent.New(cfg, sessions, log)
	conn := acp.NewAgentSideConnection(ag, os.Stdout, os.Stdin)
	conn.SetLogger(log.Slog())
	ag.SetConnection(conn)

	log.Info("ACP agent ready",
		zap.String("cli_path", cfg.Backend.CLIPath),
		zap.Bool("debug_server", cfg.Debug.Enabled),
	)

	// ============================================
	// GRACEFUL SHUTDOWN
	// ============================================
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-conn.Done():
		log.Info("ACP client disconnected")
	case sig := <-quit:
		log.Info("Received signal", zap.Stringer("signal", sig))
	}

	log.Info("Shutting down claudeacp...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := sessions.Shutdown(shutdownCtx); err != nil {
		log.Warn("Session shutdown incomplete", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Warn("Tracing shutdown failed", zap.Error(err))
	}

	log.Info("claudeacp stopped")
}
