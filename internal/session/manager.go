package session

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/coder/acp-go-sdk"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/claudeacp/claudeacp/internal/bus"
	"github.com/claudeacp/claudeacp/internal/common/logger"
)

const shardCount = 32

// Manager is the concurrent session registry. Sessions shard by fnv-1a of
// their id so unrelated sessions never contend on one lock.
type Manager struct {
	log    *logger.Logger
	bus    bus.EventBus
	shards [shardCount]managerShard
}

type managerShard struct {
	mu       sync.RWMutex
	sessions map[acp.SessionId]*Session
}

// NewManager creates an empty registry.
func NewManager(log *logger.Logger, b bus.EventBus) *Manager {
	m := &Manager{log: log, bus: b}
	for i := range m.shards {
		m.shards[i].sessions = make(map[acp.SessionId]*Session)
	}
	return m
}

// CreateParams configures a session registration.
type CreateParams struct {
	ID      acp.SessionId
	Conn    ClientConn
	Connect ConnectFunc
	Mode    string
	Model   string
	Resume  string
}

// Create connects a backend and registers a session under the id. Exactly
// one of two concurrent Creates for the same id wins; the loser's backend is
// closed before it reports the duplicate.
func (m *Manager) Create(ctx context.Context, p CreateParams) (*Session, error) {
	sh := m.shard(p.ID)
	sh.mu.RLock()
	_, exists := sh.sessions[p.ID]
	sh.mu.RUnlock()
	if exists {
		return nil, ErrDuplicateSession
	}

	// Spawning the CLI is slow; keep it outside the shard lock.
	backend, err := p.Connect(ctx, ConnectOptions{Resume: p.Resume, Mode: p.Mode, Model: p.Model})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	sess := NewSession(Params{
		ID:      p.ID,
		Conn:    p.Conn,
		Backend: backend,
		Connect: p.Connect,
		Mode:    p.Mode,
		Model:   p.Model,
		Resume:  p.Resume,
		Log:     m.log,
		Bus:     m.bus,
	})

	sh.mu.Lock()
	if _, exists := sh.sessions[p.ID]; exists {
		sh.mu.Unlock()
		if cerr := backend.Close(); cerr != nil {
			m.log.Debug("closing losing backend", zap.Error(cerr))
		}
		return nil, ErrDuplicateSession
	}
	sh.sessions[p.ID] = sess
	sh.mu.Unlock()

	m.log.Info("session created", zap.String("session_id", string(p.ID)))
	m.publish(ctx, bus.SessionCreated, p.ID)
	return sess, nil
}

// Get looks up a session by id.
func (m *Manager) Get(id acp.SessionId) (*Session, bool) {
	sh := m.shard(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	sess, ok := sh.sessions[id]
	return sess, ok
}

// Remove closes and unregisters a session. The backend disconnects before
// the entry is dropped; close errors are logged, not returned. Returns nil
// when the id is unknown.
func (m *Manager) Remove(ctx context.Context, id acp.SessionId) *Session {
	sess, ok := m.Get(id)
	if !ok {
		return nil
	}
	if err := sess.Close(ctx); err != nil {
		m.log.Warn("session close failed",
			zap.String("session_id", string(id)),
			zap.Error(err))
	}
	sh := m.shard(id)
	sh.mu.Lock()
	delete(sh.sessions, id)
	sh.mu.Unlock()
	m.log.Info("session removed", zap.String("session_id", string(id)))
	return sess
}

// List returns all registered sessions.
func (m *Manager) List() []*Session {
	var out []*Session
	for i := range m.shards {
		sh := &m.shards[i]
		sh.mu.RLock()
		for _, sess := range sh.sessions {
			out = append(out, sess)
		}
		sh.mu.RUnlock()
	}
	return out
}

// Len returns the number of registered sessions.
func (m *Manager) Len() int {
	n := 0
	for i := range m.shards {
		sh := &m.shards[i]
		sh.mu.RLock()
		n += len(sh.sessions)
		sh.mu.RUnlock()
	}
	return n
}

// Shutdown closes every session in parallel and clears the registry.
func (m *Manager) Shutdown(ctx context.Context) error {
	sessions := m.List()
	g, ctx := errgroup.WithContext(ctx)
	for _, sess := range sessions {
		g.Go(func() error {
			return sess.Close(ctx)
		})
	}
	err := g.Wait()
	for i := range m.shards {
		sh := &m.shards[i]
		sh.mu.Lock()
		sh.sessions = make(map[acp.SessionId]*Session)
		sh.mu.Unlock()
	}
	return err
}

func (m *Manager) shard(id acp.SessionId) *managerShard {
	h := fnv.New32a()
	h.Write([]byte(id))
	return &m.shards[h.Sum32()%shardCount]
}

func (m *Manager) publish(ctx context.Context, subject string, id acp.SessionId) {
	if m.bus == nil {
		return
	}
	event := bus.NewEvent(subject, "manager", map[string]any{"session_id": string(id)})
	if err := m.bus.Publish(ctx, subject, event); err != nil {
		m.log.Debug("bus publish failed",
			zap.String("subject", subject),
			zap.Error(err))
	}
}
