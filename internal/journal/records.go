package journal

import (
	"context"
	"time"
)

// SessionRecord is one recorded session lifetime.
type SessionRecord struct {
	ID        string     `db:"id"`
	CreatedAt time.Time  `db:"created_at"`
	RemovedAt *time.Time `db:"removed_at"`
}

// Turn is one recorded prompt turn. Token counts are the session totals at
// completion time, matching what the usage tracker reported.
type Turn struct {
	ID           string     `db:"id"`
	SessionID    string     `db:"session_id"`
	StartedAt    time.Time  `db:"started_at"`
	CompletedAt  *time.Time `db:"completed_at"`
	StopReason   string     `db:"stop_reason"`
	InputTokens  int64      `db:"input_tokens"`
	OutputTokens int64      `db:"output_tokens"`
	TotalCostUSD float64    `db:"total_cost_usd"`
	NumTurns     int64      `db:"num_turns"`
}

// PermissionRecord is one resolved permission request.
type PermissionRecord struct {
	ID         string    `db:"id"`
	SessionID  string    `db:"session_id"`
	ToolName   string    `db:"tool_name"`
	Behavior   string    `db:"behavior"`
	ResolvedAt time.Time `db:"resolved_at"`
}

// Sessions lists recorded sessions, newest first.
func (j *Journal) Sessions(ctx context.Context) ([]SessionRecord, error) {
	var sessions []SessionRecord
	err := j.db.SelectContext(ctx, &sessions, `
		SELECT id, created_at, removed_at
		FROM sessions
		ORDER BY created_at DESC
	`)
	return sessions, err
}

// Turns lists the recorded turns of one session in start order.
func (j *Journal) Turns(ctx context.Context, sessionID string) ([]Turn, error) {
	var turns []Turn
	err := j.db.SelectContext(ctx, &turns, j.db.Rebind(`
		SELECT id, session_id, started_at, completed_at, stop_reason,
		       input_tokens, output_tokens, total_cost_usd, num_turns
		FROM turns
		WHERE session_id = ?
		ORDER BY started_at ASC
	`), sessionID)
	return turns, err
}

// Permissions lists the resolved permission requests of one session.
func (j *Journal) Permissions(ctx context.Context, sessionID string) ([]PermissionRecord, error) {
	var records []PermissionRecord
	err := j.db.SelectContext(ctx, &records, j.db.Rebind(`
		SELECT id, session_id, tool_name, behavior, resolved_at
		FROM permissions
		WHERE session_id = ?
		ORDER BY resolved_at ASC
	`), sessionID)
	return records, err
}
