package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the kanban column a task sits in.
type TaskStatus string

const (
	TaskTodo       TaskStatus = "todo"
	TaskInProgress TaskStatus = "inprogress"
	TaskInReview   TaskStatus = "inreview"
	TaskDone       TaskStatus = "done"
	TaskCancelled  TaskStatus = "cancelled"
)

// Task is a unit of work filed against a project.
type Task struct {
	ID                uuid.UUID     `db:"id" json:"id"`
	ProjectID         uuid.UUID     `db:"project_id" json:"project_id"`
	Title             string        `db:"title" json:"title"`
	Description       *string       `db:"description" json:"description,omitempty"`
	Status            TaskStatus    `db:"status" json:"status"`
	ParentTaskAttempt uuid.NullUUID `db:"parent_task_attempt" json:"parent_task_attempt,omitempty"`
	CreatedAt         time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time     `db:"updated_at" json:"updated_at"`
}

// TaskWithAttemptStatus is the task projection pushed to clients: the task
// row plus flags folded in from its attempts and their processes.
type TaskWithAttemptStatus struct {
	Task
	HasInProgressAttempt bool    `db:"has_in_progress_attempt" json:"has_in_progress_attempt"`
	HasMergedAttempt     bool    `db:"has_merged_attempt" json:"has_merged_attempt"`
	LastAttemptFailed    bool    `db:"last_attempt_failed" json:"last_attempt_failed"`
	Executor             *string `db:"executor" json:"executor,omitempty"`
}

const taskColumns = `id, project_id, title, description, status, parent_task_attempt, created_at, updated_at`

// CreateTask inserts a new task.
func (d *DB) CreateTask(ctx context.Context, t *Task) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.Status == "" {
		t.Status = TaskTodo
	}
	ts := now()
	t.CreatedAt, t.UpdatedAt = ts, ts
	_, err := d.NamedExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (:id, :project_id, :title, :description, :status, :parent_task_attempt,
		        :created_at, :updated_at)`, t)
	return err
}

// TaskByID fetches one task. Returns nil when absent.
func (d *DB) TaskByID(ctx context.Context, id uuid.UUID) (*Task, error) {
	var t Task
	err := d.GetContext(ctx, &t, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// TaskByRowID is used by the event bus to resolve update-hook notifications.
func (d *DB) TaskByRowID(ctx context.Context, rowid int64) (*Task, error) {
	var t Task
	err := d.GetContext(ctx, &t, `SELECT `+taskColumns+` FROM tasks WHERE rowid = ?`, rowid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// UpdateTaskStatus moves a task to a new status.
func (d *DB) UpdateTaskStatus(ctx context.Context, id uuid.UUID, status TaskStatus) error {
	_, err := d.ExecContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`, status, now(), id)
	return err
}

// tasksWithStatusQuery folds per-attempt state into the task row. The
// subqueries keep it a single statement so the projection is consistent with
// the row version that triggered the hook.
const tasksWithStatusQuery = `
	SELECT t.id, t.project_id, t.title, t.description, t.status, t.parent_task_attempt,
	       t.created_at, t.updated_at,
	       EXISTS (
	           SELECT 1 FROM task_attempts ta
	           JOIN execution_processes ep ON ep.task_attempt_id = ta.id
	           WHERE ta.task_id = t.id AND ep.status = 'running' AND ep.dropped = 0
	       ) AS has_in_progress_attempt,
	       EXISTS (
	           SELECT 1 FROM task_attempts ta
	           JOIN merges m ON m.task_attempt_id = ta.id
	           WHERE ta.task_id = t.id
	             AND (m.merge_type = 'direct' OR m.pr_status = 'merged')
	       ) AS has_merged_attempt,
	       COALESCE((
	           SELECT ep.status = 'failed' OR ep.status = 'killed'
	           FROM task_attempts ta
	           JOIN execution_processes ep ON ep.task_attempt_id = ta.id
	           WHERE ta.task_id = t.id AND ep.dropped = 0
	           ORDER BY ep.created_at DESC LIMIT 1
	       ), 0) AS last_attempt_failed,
	       (
	           SELECT ta.executor FROM task_attempts ta
	           WHERE ta.task_id = t.id
	           ORDER BY ta.created_at DESC LIMIT 1
	       ) AS executor
	FROM tasks t`

// TasksWithStatusByProject returns every task in the project with attempt
// status flags, newest first.
func (d *DB) TasksWithStatusByProject(ctx context.Context, projectID uuid.UUID) ([]TaskWithAttemptStatus, error) {
	var out []TaskWithAttemptStatus
	err := d.SelectContext(ctx, &out,
		tasksWithStatusQuery+` WHERE t.project_id = ? ORDER BY t.created_at DESC`, projectID)
	return out, err
}

// TaskWithStatusByID returns a single task with attempt status flags.
func (d *DB) TaskWithStatusByID(ctx context.Context, id uuid.UUID) (*TaskWithAttemptStatus, error) {
	var t TaskWithAttemptStatus
	err := d.GetContext(ctx, &t, tasksWithStatusQuery+` WHERE t.id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// TaskHasRunningProcesses reports whether any attempt of the task has a
// process in status running. Used as the delete guard.
func (d *DB) TaskHasRunningProcesses(ctx context.Context, taskID uuid.UUID) (bool, error) {
	var n int
	err := d.GetContext(ctx, &n, `
		SELECT COUNT(1) FROM execution_processes ep
		JOIN task_attempts ta ON ep.task_attempt_id = ta.id
		WHERE ta.task_id = ? AND ep.status = 'running'`, taskID)
	return n > 0, err
}

// DeleteTask removes a task; attempts, processes, and drafts cascade.
func (d *DB) DeleteTask(ctx context.Context, id uuid.UUID) (int64, error) {
	return d.execRows(ctx, `DELETE FROM tasks WHERE id = ?`, id)
}
