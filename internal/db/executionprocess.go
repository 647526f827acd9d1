package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ProcessStatus is the lifecycle state of an execution process.
type ProcessStatus string

const (
	ProcessRunning   ProcessStatus = "running"
	ProcessCompleted ProcessStatus = "completed"
	ProcessFailed    ProcessStatus = "failed"
	ProcessKilled    ProcessStatus = "killed"
)

// RunReason says why a process was started.
type RunReason string

const (
	RunSetupScript   RunReason = "setupscript"
	RunCleanupScript RunReason = "cleanupscript"
	RunCodingAgent   RunReason = "codingagent"
	RunDevServer     RunReason = "devserver"
)

// ExecutionProcess is a single child-process lifetime within an attempt.
// BeforeHeadCommit/AfterHeadCommit are the worktree HEAD OIDs captured
// immediately before spawn and after exit; they make rewind deterministic.
// Dropped processes are hidden from the conversation view but stay listed.
type ExecutionProcess struct {
	ID               uuid.UUID       `db:"id" json:"id"`
	TaskAttemptID    uuid.UUID       `db:"task_attempt_id" json:"task_attempt_id"`
	RunReason        RunReason       `db:"run_reason" json:"run_reason"`
	ExecutorAction   json.RawMessage `db:"executor_action" json:"executor_action"`
	BeforeHeadCommit *string         `db:"before_head_commit" json:"before_head_commit,omitempty"`
	AfterHeadCommit  *string         `db:"after_head_commit" json:"after_head_commit,omitempty"`
	Status           ProcessStatus   `db:"status" json:"status"`
	ExitCode         *int64          `db:"exit_code" json:"exit_code,omitempty"`
	Dropped          bool            `db:"dropped" json:"dropped"`
	StartedAt        time.Time       `db:"started_at" json:"started_at"`
	CompletedAt      *time.Time      `db:"completed_at" json:"completed_at,omitempty"`
	CreatedAt        time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at" json:"updated_at"`
}

const processColumns = `id, task_attempt_id, run_reason, executor_action, before_head_commit,
	after_head_commit, status, exit_code, dropped, started_at, completed_at,
	created_at, updated_at`

// CreateExecutionProcess inserts a new process row in status running.
func (d *DB) CreateExecutionProcess(ctx context.Context, p *ExecutionProcess) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.Status = ProcessRunning
	ts := now()
	p.StartedAt, p.CreatedAt, p.UpdatedAt = ts, ts, ts
	_, err := d.NamedExecContext(ctx, `
		INSERT INTO execution_processes (`+processColumns+`)
		VALUES (:id, :task_attempt_id, :run_reason, :executor_action, :before_head_commit,
		        :after_head_commit, :status, :exit_code, :dropped, :started_at,
		        :completed_at, :created_at, :updated_at)`, p)
	return err
}

// ExecutionProcessByID fetches one process. Returns nil when absent.
func (d *DB) ExecutionProcessByID(ctx context.Context, id uuid.UUID) (*ExecutionProcess, error) {
	var p ExecutionProcess
	err := d.GetContext(ctx, &p, `SELECT `+processColumns+` FROM execution_processes WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (d *DB) ExecutionProcessByRowID(ctx context.Context, rowid int64) (*ExecutionProcess, error) {
	var p ExecutionProcess
	err := d.GetContext(ctx, &p, `SELECT `+processColumns+` FROM execution_processes WHERE rowid = ?`, rowid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ExecutionProcessesByAttempt lists an attempt's processes ordered by
// created_at. Dropped rows are excluded unless showDropped is set.
func (d *DB) ExecutionProcessesByAttempt(ctx context.Context, attemptID uuid.UUID, showDropped bool) ([]ExecutionProcess, error) {
	query := `SELECT ` + processColumns + ` FROM execution_processes WHERE task_attempt_id = ?`
	if !showDropped {
		query += ` AND dropped = 0`
	}
	query += ` ORDER BY created_at ASC`
	var out []ExecutionProcess
	err := d.SelectContext(ctx, &out, query, attemptID)
	return out, err
}

// RunningProcessForAttempt returns the attempt's running process, or nil.
func (d *DB) RunningProcessForAttempt(ctx context.Context, attemptID uuid.UUID) (*ExecutionProcess, error) {
	var p ExecutionProcess
	err := d.GetContext(ctx, &p, `
		SELECT `+processColumns+` FROM execution_processes
		WHERE task_attempt_id = ? AND status = 'running'
		ORDER BY created_at DESC LIMIT 1`, attemptID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// RunningProcesses lists every process still marked running, used by the
// startup reconciliation pass.
func (d *DB) RunningProcesses(ctx context.Context) ([]ExecutionProcess, error) {
	var out []ExecutionProcess
	err := d.SelectContext(ctx, &out,
		`SELECT `+processColumns+` FROM execution_processes WHERE status = 'running' ORDER BY created_at ASC`)
	return out, err
}

// LatestProcessByReason returns the most recent non-dropped process of the
// given run reason for the attempt, or nil.
func (d *DB) LatestProcessByReason(ctx context.Context, attemptID uuid.UUID, reason RunReason) (*ExecutionProcess, error) {
	var p ExecutionProcess
	err := d.GetContext(ctx, &p, `
		SELECT `+processColumns+` FROM execution_processes
		WHERE task_attempt_id = ? AND run_reason = ? AND dropped = 0
		ORDER BY created_at DESC LIMIT 1`, attemptID, reason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// UpdateProcessCompletion records the terminal status and exit code.
// completed_at is set iff the status is terminal, preserving the invariant
// completed_at IS NULL <=> status = running.
func (d *DB) UpdateProcessCompletion(ctx context.Context, id uuid.UUID, status ProcessStatus, exitCode *int64) error {
	var completedAt *time.Time
	if status != ProcessRunning {
		ts := now()
		completedAt = &ts
	}
	_, err := d.ExecContext(ctx, `
		UPDATE execution_processes
		SET status = ?, exit_code = ?, completed_at = ?, updated_at = ?
		WHERE id = ?`, status, exitCode, completedAt, now(), id)
	return err
}

// UpdateProcessAfterHeadCommit records the HEAD OID captured after exit.
func (d *DB) UpdateProcessAfterHeadCommit(ctx context.Context, id uuid.UUID, oid string) error {
	_, err := d.ExecContext(ctx,
		`UPDATE execution_processes SET after_head_commit = ?, updated_at = ? WHERE id = ?`, oid, now(), id)
	return err
}

// UpdateProcessBeforeHeadCommit backfills the before OID for legacy rows.
func (d *DB) UpdateProcessBeforeHeadCommit(ctx context.Context, id uuid.UUID, oid string) error {
	_, err := d.ExecContext(ctx,
		`UPDATE execution_processes SET before_head_commit = ?, updated_at = ? WHERE id = ?`, oid, now(), id)
	return err
}

// DropAtAndAfter soft-drops the boundary process and everything created at or
// after it. The flag only ever goes from 0 to 1; nothing is un-dropped.
// Returns the number of rows newly dropped.
func (d *DB) DropAtAndAfter(ctx context.Context, attemptID, boundaryID uuid.UUID) (int64, error) {
	return d.execRows(ctx, `
		UPDATE execution_processes
		SET dropped = 1, updated_at = ?
		WHERE task_attempt_id = ?
		  AND created_at >= (SELECT created_at FROM execution_processes WHERE id = ?)
		  AND dropped = 0`, now(), attemptID, boundaryID)
}

// SetRestoreBoundary soft-drops every process created strictly after the
// boundary process. Monotonic: never un-drops.
func (d *DB) SetRestoreBoundary(ctx context.Context, attemptID, boundaryID uuid.UUID) (int64, error) {
	return d.execRows(ctx, `
		UPDATE execution_processes
		SET dropped = 1, updated_at = ?
		WHERE task_attempt_id = ?
		  AND created_at > (SELECT created_at FROM execution_processes WHERE id = ?)
		  AND dropped = 0`, now(), attemptID, boundaryID)
}

// CountLaterThan counts processes created strictly after the boundary.
func (d *DB) CountLaterThan(ctx context.Context, attemptID, boundaryID uuid.UUID) (int64, error) {
	var n int64
	err := d.GetContext(ctx, &n, `
		SELECT COUNT(1) FROM execution_processes
		WHERE task_attempt_id = ?
		  AND created_at > (SELECT created_at FROM execution_processes WHERE id = ?)`,
		attemptID, boundaryID)
	return n, err
}

// PrevAfterHeadCommit returns the after_head_commit of the process
// immediately preceding the boundary, or nil when there is none.
func (d *DB) PrevAfterHeadCommit(ctx context.Context, attemptID, boundaryID uuid.UUID) (*string, error) {
	var oid sql.NullString
	err := d.GetContext(ctx, &oid, `
		SELECT after_head_commit FROM execution_processes
		WHERE task_attempt_id = ?
		  AND created_at < (SELECT created_at FROM execution_processes WHERE id = ?)
		ORDER BY created_at DESC LIMIT 1`, attemptID, boundaryID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !oid.Valid {
		return nil, nil
	}
	return &oid.String, nil
}

// MissingBeforeContext pairs a process lacking before_head_commit with the
// previous process's after OID, for the startup backfill.
type MissingBeforeContext struct {
	ID                  uuid.UUID `db:"id"`
	TaskAttemptID       uuid.UUID `db:"task_attempt_id"`
	PrevAfterHeadCommit *string   `db:"prev_after_head_commit"`
}

// ListMissingBeforeContext finds completed processes whose before_head_commit
// was never captured, joined with their predecessor's after OID.
func (d *DB) ListMissingBeforeContext(ctx context.Context) ([]MissingBeforeContext, error) {
	var out []MissingBeforeContext
	err := d.SelectContext(ctx, &out, `
		SELECT ep.id, ep.task_attempt_id,
		       prev.after_head_commit AS prev_after_head_commit
		FROM execution_processes ep
		LEFT JOIN execution_processes prev
		  ON prev.task_attempt_id = ep.task_attempt_id
		 AND prev.created_at = (
		       SELECT MAX(created_at) FROM execution_processes
		       WHERE task_attempt_id = ep.task_attempt_id
		         AND created_at < ep.created_at
		     )
		WHERE ep.before_head_commit IS NULL
		  AND ep.after_head_commit IS NOT NULL`)
	return out, err
}
