package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// TaskAttempt is one branched execution lineage of a task, bound to a
// worktree (container_ref) and a base branch.
type TaskAttempt struct {
	ID              uuid.UUID `db:"id" json:"id"`
	TaskID          uuid.UUID `db:"task_id" json:"task_id"`
	Executor        string    `db:"executor" json:"executor"`
	BaseBranch      string    `db:"base_branch" json:"base_branch"`
	Branch          *string   `db:"branch" json:"branch,omitempty"`
	ContainerRef    *string   `db:"container_ref" json:"container_ref,omitempty"`
	WorktreeDeleted bool      `db:"worktree_deleted" json:"worktree_deleted"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time `db:"updated_at" json:"updated_at"`
}

const taskAttemptColumns = `id, task_id, executor, base_branch, branch, container_ref,
	worktree_deleted, created_at, updated_at`

// CreateTaskAttempt inserts a new attempt.
func (d *DB) CreateTaskAttempt(ctx context.Context, a *TaskAttempt) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	ts := now()
	a.CreatedAt, a.UpdatedAt = ts, ts
	_, err := d.NamedExecContext(ctx, `
		INSERT INTO task_attempts (`+taskAttemptColumns+`)
		VALUES (:id, :task_id, :executor, :base_branch, :branch, :container_ref,
		        :worktree_deleted, :created_at, :updated_at)`, a)
	return err
}

// TaskAttemptByID fetches one attempt. Returns nil when absent.
func (d *DB) TaskAttemptByID(ctx context.Context, id uuid.UUID) (*TaskAttempt, error) {
	var a TaskAttempt
	err := d.GetContext(ctx, &a, `SELECT `+taskAttemptColumns+` FROM task_attempts WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (d *DB) TaskAttemptByRowID(ctx context.Context, rowid int64) (*TaskAttempt, error) {
	var a TaskAttempt
	err := d.GetContext(ctx, &a, `SELECT `+taskAttemptColumns+` FROM task_attempts WHERE rowid = ?`, rowid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// TaskAttemptsByTask lists the attempts of a task, oldest first.
func (d *DB) TaskAttemptsByTask(ctx context.Context, taskID uuid.UUID) ([]TaskAttempt, error) {
	var out []TaskAttempt
	err := d.SelectContext(ctx, &out,
		`SELECT `+taskAttemptColumns+` FROM task_attempts WHERE task_id = ? ORDER BY created_at ASC`, taskID)
	return out, err
}

// UpdateAttemptContainerRef records the materialized worktree path and branch.
func (d *DB) UpdateAttemptContainerRef(ctx context.Context, id uuid.UUID, containerRef, branch string) error {
	_, err := d.ExecContext(ctx, `
		UPDATE task_attempts
		SET container_ref = ?, branch = ?, worktree_deleted = 0, updated_at = ?
		WHERE id = ?`, containerRef, branch, now(), id)
	return err
}

// MarkWorktreeDeleted flags the attempt's worktree as gone from disk.
func (d *DB) MarkWorktreeDeleted(ctx context.Context, id uuid.UUID) error {
	_, err := d.ExecContext(ctx,
		`UPDATE task_attempts SET worktree_deleted = 1, updated_at = ? WHERE id = ?`, now(), id)
	return err
}

// AttemptWorktree is an attempt's on-disk state, used by the GC sweeps.
type AttemptWorktree struct {
	AttemptID    uuid.UUID `db:"id"`
	ContainerRef string    `db:"container_ref"`
	GitRepoPath  string    `db:"git_repo_path"`
}

// ActiveWorktrees lists attempts whose worktree is recorded as present on
// disk, with the owning repository path.
func (d *DB) ActiveWorktrees(ctx context.Context) ([]AttemptWorktree, error) {
	var out []AttemptWorktree
	err := d.SelectContext(ctx, &out, `
		SELECT ta.id, ta.container_ref, p.git_repo_path
		FROM task_attempts ta
		JOIN tasks t ON t.id = ta.task_id
		JOIN projects p ON p.id = t.project_id
		WHERE ta.container_ref IS NOT NULL AND ta.worktree_deleted = 0`)
	return out, err
}

// ExpiredWorktrees lists attempts whose worktree is present but has seen no
// activity since the cutoff and has no running process, making it safe to
// reap.
func (d *DB) ExpiredWorktrees(ctx context.Context, cutoff time.Time) ([]AttemptWorktree, error) {
	var out []AttemptWorktree
	err := d.SelectContext(ctx, &out, `
		SELECT ta.id, ta.container_ref, p.git_repo_path
		FROM task_attempts ta
		JOIN tasks t ON t.id = ta.task_id
		JOIN projects p ON p.id = t.project_id
		WHERE ta.container_ref IS NOT NULL
		  AND ta.worktree_deleted = 0
		  AND ta.updated_at < ?
		  AND NOT EXISTS (
		      SELECT 1 FROM execution_processes ep
		      WHERE ep.task_attempt_id = ta.id AND ep.status = 'running'
		  )`, cutoff)
	return out, err
}

// ContainerRefExists reports whether any attempt references the worktree
// path. Directories under the worktree base that fail this check are orphans.
func (d *DB) ContainerRefExists(ctx context.Context, containerRef string) (bool, error) {
	var n int
	err := d.GetContext(ctx, &n,
		`SELECT COUNT(1) FROM task_attempts WHERE container_ref = ?`, containerRef)
	return n > 0, err
}

// AttemptContext is an attempt with its task and project, loaded together for
// process execution.
type AttemptContext struct {
	Attempt TaskAttempt
	Task    Task
	Project Project
}

// LoadAttemptContext fetches the attempt, its task, and its project.
func (d *DB) LoadAttemptContext(ctx context.Context, attemptID uuid.UUID) (*AttemptContext, error) {
	attempt, err := d.TaskAttemptByID(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if attempt == nil {
		return nil, sql.ErrNoRows
	}
	task, err := d.TaskByID(ctx, attempt.TaskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, sql.ErrNoRows
	}
	project, err := d.ProjectByID(ctx, task.ProjectID)
	if err != nil {
		return nil, err
	}
	if project == nil {
		return nil, sql.ErrNoRows
	}
	return &AttemptContext{Attempt: *attempt, Task: *task, Project: *project}, nil
}
