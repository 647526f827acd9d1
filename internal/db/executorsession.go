package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ExecutorSession records the agent-side thread identifier of a coding-agent
// process, captured when the normalizer first reports it. Follow-ups use it
// to continue the conversation.
type ExecutorSession struct {
	ID                 uuid.UUID `db:"id" json:"id"`
	ExecutionProcessID uuid.UUID `db:"execution_process_id" json:"execution_process_id"`
	SessionID          *string   `db:"session_id" json:"session_id,omitempty"`
	Prompt             *string   `db:"prompt" json:"prompt,omitempty"`
	Summary            *string   `db:"summary" json:"summary,omitempty"`
	CreatedAt          time.Time `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time `db:"updated_at" json:"updated_at"`
}

// CreateExecutorSession inserts the session row for a process, normally with
// the prompt and no session id yet.
func (d *DB) CreateExecutorSession(ctx context.Context, s *ExecutorSession) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	ts := now()
	s.CreatedAt, s.UpdatedAt = ts, ts
	_, err := d.NamedExecContext(ctx, `
		INSERT INTO executor_sessions (id, execution_process_id, session_id, prompt, summary, created_at, updated_at)
		VALUES (:id, :execution_process_id, :session_id, :prompt, :summary, :created_at, :updated_at)`, s)
	return err
}

// UpdateSessionID records the agent-reported session id for a process.
func (d *DB) UpdateSessionID(ctx context.Context, processID uuid.UUID, sessionID string) error {
	_, err := d.ExecContext(ctx, `
		UPDATE executor_sessions SET session_id = ?, updated_at = ?
		WHERE execution_process_id = ?`, sessionID, now(), processID)
	return err
}

// UpdateSessionSummary records the agent's final assistant message.
func (d *DB) UpdateSessionSummary(ctx context.Context, processID uuid.UUID, summary string) error {
	_, err := d.ExecContext(ctx, `
		UPDATE executor_sessions SET summary = ?, updated_at = ?
		WHERE execution_process_id = ?`, summary, now(), processID)
	return err
}

// SessionByProcessID fetches the session row of a process, or nil.
func (d *DB) SessionByProcessID(ctx context.Context, processID uuid.UUID) (*ExecutorSession, error) {
	var s ExecutorSession
	err := d.GetContext(ctx, &s, `
		SELECT id, execution_process_id, session_id, prompt, summary, created_at, updated_at
		FROM executor_sessions WHERE execution_process_id = ?`, processID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// LatestSessionIDForAttempt returns the most recent agent session id among
// the attempt's non-dropped coding-agent processes, or nil when no process
// has reported one yet.
func (d *DB) LatestSessionIDForAttempt(ctx context.Context, attemptID uuid.UUID) (*string, error) {
	var sessionID string
	err := d.GetContext(ctx, &sessionID, `
		SELECT es.session_id
		FROM execution_processes ep
		JOIN executor_sessions es ON es.execution_process_id = ep.id
		WHERE ep.task_attempt_id = ?
		  AND ep.run_reason = 'codingagent'
		  AND ep.dropped = 0
		  AND es.session_id IS NOT NULL
		ORDER BY ep.created_at DESC
		LIMIT 1`, attemptID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sessionID, nil
}
