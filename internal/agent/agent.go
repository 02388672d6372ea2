// Package agent implements the ACP agent surface of the bridge. It accepts
// requests from the agent-side connection, registers sessions, and delegates
// prompt turns to the session layer, which drives the Claude Code CLI.
package agent

import (
	"context"
	"sync"

	"github.com/coder/acp-go-sdk"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/claudeacp/claudeacp/internal/common/config"
	"github.com/claudeacp/claudeacp/internal/common/logger"
	"github.com/claudeacp/claudeacp/internal/session"
	"github.com/claudeacp/claudeacp/pkg/claudecode"
)

// backendConnector spawns a CLI client. Swapped in tests.
type backendConnector func(ctx context.Context, cfg claudecode.Config, log *logger.Logger) (session.Backend, error)

// Agent serves the ACP protocol on behalf of the Claude Code CLI.
// One Agent handles one client connection and any number of sessions.
type Agent struct {
	log      *logger.Logger
	cfg      *config.Config
	sessions *session.Manager
	connect  backendConnector

	mu         sync.RWMutex
	conn       session.ClientConn
	clientCaps acp.ClientCapabilities
}

// New builds an agent around a session manager. The connection is attached
// separately because the SDK needs the agent to construct it.
func New(cfg *config.Config, sessions *session.Manager, log *logger.Logger) *Agent {
	return &Agent{
		log:      log.WithFields(zap.String("component", "agent")),
		cfg:      cfg,
		sessions: sessions,
		connect:  connectCLI,
	}
}

func connectCLI(ctx context.Context, cfg claudecode.Config, log *logger.Logger) (session.Backend, error) {
	client, err := claudecode.Connect(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// SetConnection attaches the client connection. Must be called before the
// first request arrives.
func (a *Agent) SetConnection(conn session.ClientConn) {
	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()
}

func (a *Agent) connection() session.ClientConn {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.conn
}

// ClientCapabilities returns what the client advertised on initialize.
func (a *Agent) ClientCapabilities() acp.ClientCapabilities {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.clientCaps
}

// Initialize negotiates the protocol version and advertises capabilities.
func (a *Agent) Initialize(ctx context.Context, params acp.InitializeRequest) (acp.InitializeResponse, error) {
	a.mu.Lock()
	a.clientCaps = params.ClientCapabilities
	a.mu.Unlock()

	version := params.ProtocolVersion
	if version > acp.ProtocolVersionNumber {
		version = acp.ProtocolVersionNumber
	}

	a.log.Info("client initialized",
		zap.Any("protocol_version", params.ProtocolVersion),
		zap.Bool("client_read_fs", params.ClientCapabilities.Fs.ReadTextFile),
		zap.Bool("client_write_fs", params.ClientCapabilities.Fs.WriteTextFile))

	return acp.InitializeResponse{
		ProtocolVersion: version,
		AgentCapabilities: acp.AgentCapabilities{
			LoadSession: true,
			PromptCapabilities: acp.PromptCapabilities{
				Image:           true,
				EmbeddedContext: true,
			},
		},
	}, nil
}

// Authenticate is a no-op. The CLI carries its own credentials, so no auth
// methods are advertised and clients have nothing to authenticate against.
func (a *Agent) Authenticate(ctx context.Context, params acp.AuthenticateRequest) (acp.AuthenticateResponse, error) {
	return acp.AuthenticateResponse{}, nil
}

// NewSession spawns a CLI process and registers a session for it. The ACP
// session id is minted here; the CLI's own session id stays internal and is
// only used for reconnects.
func (a *Agent) NewSession(ctx context.Context, params acp.NewSessionRequest) (acp.NewSessionResponse, error) {
	conn := a.connection()
	if conn == nil {
		return acp.NewSessionResponse{}, errNoConnection
	}

	meta := parseSessionMeta(params.Meta)
	id := acp.SessionId(uuid.New().String())

	sess, err := a.sessions.Create(ctx, session.CreateParams{
		ID:      id,
		Conn:    conn,
		Connect: a.connector(params.Cwd, meta),
		Mode:    claudecode.PermissionModeDefault,
		Model:   a.cfg.Backend.Model,
		Resume:  meta.Resume,
	})
	if err != nil {
		return acp.NewSessionResponse{}, sessionError(id, err)
	}

	a.log.Info("session opened",
		zap.String("session_id", string(id)),
		zap.String("cwd", params.Cwd),
		zap.Bool("resumed", meta.Resume != ""))

	// Slash commands are advertised after the response so the client knows
	// the session id the update refers to.
	go a.advertiseCommands(context.Background(), sess)

	return acp.NewSessionResponse{
		SessionId: id,
		Modes:     modeState(sess.Mode()),
		Models:    a.modelState(sess.Model()),
	}, nil
}

// LoadSession restores a previously created session. The requested id doubles
// as the CLI resume target, so a session survives an agent restart as long as
// the client remembers its id.
func (a *Agent) LoadSession(ctx context.Context, params acp.LoadSessionRequest) (acp.LoadSessionResponse, error) {
	if sess, ok := a.sessions.Get(params.SessionId); ok {
		// Already registered on this connection; nothing to restore.
		return acp.LoadSessionResponse{
			Modes:  modeState(sess.Mode()),
			Models: a.modelState(sess.Model()),
		}, nil
	}

	conn := a.connection()
	if conn == nil {
		return acp.LoadSessionResponse{}, errNoConnection
	}

	meta := parseSessionMeta(params.Meta)
	meta.Resume = string(params.SessionId)

	sess, err := a.sessions.Create(ctx, session.CreateParams{
		ID:      params.SessionId,
		Conn:    conn,
		Connect: a.connector(params.Cwd, meta),
		Mode:    claudecode.PermissionModeDefault,
		Model:   a.cfg.Backend.Model,
		Resume:  meta.Resume,
	})
	if err != nil {
		return acp.LoadSessionResponse{}, sessionError(params.SessionId, err)
	}

	a.log.Info("session loaded",
		zap.String("session_id", string(params.SessionId)),
		zap.String("cwd", params.Cwd))

	go a.advertiseCommands(context.Background(), sess)

	return acp.LoadSessionResponse{
		Modes:  modeState(sess.Mode()),
		Models: a.modelState(sess.Model()),
	}, nil
}

// Prompt runs one turn. It blocks until the turn's updates are delivered and
// returns the stop reason the CLI ended on.
func (a *Agent) Prompt(ctx context.Context, params acp.PromptRequest) (acp.PromptResponse, error) {
	sess, ok := a.sessions.Get(params.SessionId)
	if !ok {
		return acp.PromptResponse{}, sessionError(params.SessionId, session.ErrSessionNotFound)
	}
	stop, err := sess.Prompt(ctx, params.Prompt)
	if err != nil {
		return acp.PromptResponse{}, sessionError(params.SessionId, err)
	}
	return acp.PromptResponse{StopReason: stop}, nil
}

// Cancel requests cancellation of the in-flight turn. The prompt call itself
// returns the cancelled stop reason; this only kicks the backend.
func (a *Agent) Cancel(ctx context.Context, params acp.CancelNotification) error {
	sess, ok := a.sessions.Get(params.SessionId)
	if !ok {
		return sessionError(params.SessionId, session.ErrSessionNotFound)
	}
	return sess.Cancel(ctx)
}

// SetSessionMode switches the session's permission mode.
func (a *Agent) SetSessionMode(ctx context.Context, params acp.SetSessionModeRequest) (acp.SetSessionModeResponse, error) {
	sess, ok := a.sessions.Get(params.SessionId)
	if !ok {
		return acp.SetSessionModeResponse{}, sessionError(params.SessionId, session.ErrSessionNotFound)
	}
	if err := sess.SetMode(ctx, string(params.ModeId)); err != nil {
		return acp.SetSessionModeResponse{}, sessionError(params.SessionId, err)
	}
	return acp.SetSessionModeResponse{}, nil
}

// SetSessionModel switches the model for subsequent turns.
func (a *Agent) SetSessionModel(ctx context.Context, params acp.SetSessionModelRequest) (acp.SetSessionModelResponse, error) {
	sess, ok := a.sessions.Get(params.SessionId)
	if !ok {
		return acp.SetSessionModelResponse{}, sessionError(params.SessionId, session.ErrSessionNotFound)
	}
	if err := sess.SetModel(ctx, string(params.ModelId)); err != nil {
		return acp.SetSessionModelResponse{}, sessionError(params.SessionId, err)
	}
	return acp.SetSessionModelResponse{}, nil
}

// connector builds the ConnectFunc for one session. The closure keeps the
// per-session pieces (cwd, meta) while ConnectOptions carries the state that
// changes across reconnects.
func (a *Agent) connector(cwd string, meta sessionMeta) session.ConnectFunc {
	backend := a.cfg.Backend
	return func(ctx context.Context, opts session.ConnectOptions) (session.Backend, error) {
		cfg := claudecode.Config{
			CLIPath:            backend.CLIPath,
			ExtraArgs:          backend.ExtraArgs,
			WorkingDir:         cwd,
			BaseURL:            backend.BaseURL,
			APIKey:             backend.APIKey,
			AuthToken:          backend.AuthToken,
			Model:              opts.Model,
			SmallFastModel:     backend.SmallFastModel,
			MaxThinkingTokens:  backend.MaxThinkingTokens,
			PermissionMode:     opts.Mode,
			Resume:             opts.Resume,
			SystemPromptAppend: meta.SystemPrompt,
		}
		// Fork only on the first spawn of the requested backend session.
		// Reconnects resume the live CLI session without forking again.
		if meta.Fork && meta.Resume != "" && opts.Resume == meta.Resume {
			cfg.ForkSession = true
		}
		return a.connect(ctx, cfg, a.log)
	}
}

// advertiseCommands tells the client which slash commands the CLI exposes.
// Sent as a notification after the session response per the protocol.
func (a *Agent) advertiseCommands(ctx context.Context, sess *session.Session) {
	cmds := sess.Commands()
	if len(cmds) == 0 {
		return
	}
	conn := a.connection()
	if conn == nil {
		return
	}

	available := make([]acp.AvailableCommand, 0, len(cmds))
	for _, c := range cmds {
		cmd := acp.AvailableCommand{Name: c.Name, Description: c.Description}
		if c.ArgumentHint != "" {
			cmd.Input = &acp.AvailableCommandInput{
				UnstructuredCommandInput: &acp.AvailableCommandUnstructuredCommandInput{Hint: c.ArgumentHint},
			}
		}
		available = append(available, cmd)
	}

	err := conn.SessionUpdate(ctx, acp.SessionNotification{
		SessionId: sess.ID(),
		Update: acp.SessionUpdate{
			AvailableCommandsUpdate: &acp.SessionAvailableCommandsUpdate{AvailableCommands: available},
		},
	})
	if err != nil {
		a.log.Debug("commands advertisement failed",
			zap.String("session_id", string(sess.ID())), zap.Error(err))
	}
}
