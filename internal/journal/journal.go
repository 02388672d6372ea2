// Package journal persists session and turn telemetry to a local SQLite
// database. It taps the event bus rather than the notification path, so a
// slow disk never stalls a prompt turn. Disabled unless a path is configured.
package journal

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/claudeacp/claudeacp/internal/bus"
	"github.com/claudeacp/claudeacp/internal/common/logger"
)

const busyTimeout = 5 * time.Second

// Journal records bus events into SQLite.
type Journal struct {
	log  *logger.Logger
	db   *sqlx.DB
	subs []bus.Subscription
}

// Open opens (or creates) the journal database at path and starts recording.
func Open(path string, b bus.EventBus, log *logger.Logger) (*Journal, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}

	j := &Journal{log: log.WithFields(zap.String("component", "journal")), db: db}
	if err := j.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize journal schema: %w", err)
	}
	if err := j.subscribe(b); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to subscribe journal: %w", err)
	}

	j.log.Info("journal opened", zap.String("path", path))
	return j, nil
}

// openDB opens a single-writer SQLite connection. WAL keeps the occasional
// concurrent read (tooling poking at the file) from blocking event writes.
func openDB(path string) (*sqlx.DB, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to prepare journal path: %w", err)
		}
	}
	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=WAL",
		path,
		int(busyTimeout/time.Millisecond),
	)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, nil
}

func (j *Journal) initSchema() error {
	_, err := j.db.Exec(`
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		created_at TIMESTAMP NOT NULL,
		removed_at TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS turns (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		started_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP,
		stop_reason TEXT NOT NULL DEFAULT '',
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		total_cost_usd REAL NOT NULL DEFAULT 0,
		num_turns INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_turns_session_id ON turns(session_id);
	CREATE INDEX IF NOT EXISTS idx_turns_started_at ON turns(started_at);

	CREATE TABLE IF NOT EXISTS permissions (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		tool_name TEXT NOT NULL,
		behavior TEXT NOT NULL DEFAULT '',
		resolved_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_permissions_session_id ON permissions(session_id);
	`)
	return err
}

func (j *Journal) subscribe(b bus.EventBus) error {
	handlers := map[string]bus.EventHandler{
		bus.SessionCreated:     j.onSessionCreated,
		bus.SessionRemoved:     j.onSessionRemoved,
		bus.TurnStarted:        j.onTurnStarted,
		bus.TurnCompleted:      j.onTurnCompleted,
		bus.PermissionResolved: j.onPermissionResolved,
	}
	for subject, handler := range handlers {
		sub, err := b.Subscribe(subject, handler)
		if err != nil {
			return err
		}
		j.subs = append(j.subs, sub)
	}
	return nil
}

// Close stops recording and releases the database.
func (j *Journal) Close() error {
	for _, sub := range j.subs {
		if err := sub.Unsubscribe(); err != nil {
			j.log.Debug("journal unsubscribe failed", zap.Error(err))
		}
	}
	return j.db.Close()
}

func (j *Journal) onSessionCreated(ctx context.Context, event *bus.Event) error {
	sessionID := stringField(event.Data, "session_id")
	if sessionID == "" {
		return nil
	}
	_, err := j.db.ExecContext(ctx, j.db.Rebind(`
		INSERT INTO sessions (id, created_at) VALUES (?, ?)
		ON CONFLICT(id) DO NOTHING
	`), sessionID, event.Timestamp)
	return err
}

func (j *Journal) onSessionRemoved(ctx context.Context, event *bus.Event) error {
	sessionID := stringField(event.Data, "session_id")
	if sessionID == "" {
		return nil
	}
	_, err := j.db.ExecContext(ctx, j.db.Rebind(`
		UPDATE sessions SET removed_at = ? WHERE id = ?
	`), event.Timestamp, sessionID)
	return err
}

func (j *Journal) onTurnStarted(ctx context.Context, event *bus.Event) error {
	sessionID := stringField(event.Data, "session_id")
	turnID := stringField(event.Data, "turn_id")
	if sessionID == "" || turnID == "" {
		return nil
	}
	_, err := j.db.ExecContext(ctx, j.db.Rebind(`
		INSERT INTO turns (id, session_id, started_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`), turnID, sessionID, event.Timestamp)
	return err
}

func (j *Journal) onTurnCompleted(ctx context.Context, event *bus.Event) error {
	sessionID := stringField(event.Data, "session_id")
	turnID := stringField(event.Data, "turn_id")
	if sessionID == "" || turnID == "" {
		return nil
	}
	// The upsert covers journals opened mid-turn: the completion may be the
	// first event seen for this turn.
	_, err := j.db.ExecContext(ctx, j.db.Rebind(`
		INSERT INTO turns (id, session_id, started_at, completed_at, stop_reason,
			input_tokens, output_tokens, total_cost_usd, num_turns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			completed_at = excluded.completed_at,
			stop_reason = excluded.stop_reason,
			input_tokens = excluded.input_tokens,
			output_tokens = excluded.output_tokens,
			total_cost_usd = excluded.total_cost_usd,
			num_turns = excluded.num_turns
	`),
		turnID,
		sessionID,
		event.Timestamp,
		event.Timestamp,
		stringField(event.Data, "stop_reason"),
		intField(event.Data, "input_tokens"),
		intField(event.Data, "output_tokens"),
		floatField(event.Data, "total_cost_usd"),
		intField(event.Data, "turns"),
	)
	return err
}

func (j *Journal) onPermissionResolved(ctx context.Context, event *bus.Event) error {
	sessionID := stringField(event.Data, "session_id")
	toolName := stringField(event.Data, "tool_name")
	if sessionID == "" || toolName == "" {
		return nil
	}
	_, err := j.db.ExecContext(ctx, j.db.Rebind(`
		INSERT INTO permissions (id, session_id, tool_name, behavior, resolved_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`), event.ID, sessionID, toolName, stringField(event.Data, "behavior"), event.Timestamp)
	return err
}

// stringField reads a string out of event data, tolerating absence.
func stringField(data map[string]any, key string) string {
	if data == nil {
		return ""
	}
	s, _ := data[key].(string)
	return s
}

// intField tolerates the numeric widenings a bus transport can apply:
// in-memory events keep Go types, NATS delivers JSON numbers as float64.
func intField(data map[string]any, key string) int64 {
	if data == nil {
		return 0
	}
	switch v := data[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

func floatField(data map[string]any, key string) float64 {
	if data == nil {
		return 0
	}
	switch v := data[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case int:
		return float64(v)
	}
	return 0
}
