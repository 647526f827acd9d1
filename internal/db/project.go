package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Project binds a local checkout to the optional scripts that run around an
// agent.
type Project struct {
	ID              uuid.UUID  `db:"id" json:"id"`
	Name            string     `db:"name" json:"name"`
	GitRepoPath     string     `db:"git_repo_path" json:"git_repo_path"`
	SetupScript     *string    `db:"setup_script" json:"setup_script,omitempty"`
	DevScript       *string    `db:"dev_script" json:"dev_script,omitempty"`
	CleanupScript   *string    `db:"cleanup_script" json:"cleanup_script,omitempty"`
	CopyFiles       *string    `db:"copy_files" json:"copy_files,omitempty"`
	HasRemote       bool       `db:"has_remote" json:"has_remote"`
	GitHubRepoOwner *string    `db:"github_repo_owner" json:"github_repo_owner,omitempty"`
	GitHubRepoName  *string    `db:"github_repo_name" json:"github_repo_name,omitempty"`
	GitHubRepoID    *int64     `db:"github_repo_id" json:"github_repo_id,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
}

const projectColumns = `id, name, git_repo_path, setup_script, dev_script, cleanup_script,
	copy_files, has_remote, github_repo_owner, github_repo_name, github_repo_id,
	created_at, updated_at`

// CreateProject inserts a new project.
func (d *DB) CreateProject(ctx context.Context, p *Project) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	ts := now()
	p.CreatedAt, p.UpdatedAt = ts, ts
	_, err := d.NamedExecContext(ctx, `
		INSERT INTO projects (`+projectColumns+`)
		VALUES (:id, :name, :git_repo_path, :setup_script, :dev_script, :cleanup_script,
		        :copy_files, :has_remote, :github_repo_owner, :github_repo_name,
		        :github_repo_id, :created_at, :updated_at)`, p)
	return err
}

// ProjectByID fetches one project. Returns nil when absent.
func (d *DB) ProjectByID(ctx context.Context, id uuid.UUID) (*Project, error) {
	var p Project
	err := d.GetContext(ctx, &p, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Projects lists every project, newest first.
func (d *DB) Projects(ctx context.Context) ([]Project, error) {
	var out []Project
	err := d.SelectContext(ctx, &out, `SELECT `+projectColumns+` FROM projects ORDER BY created_at DESC`)
	return out, err
}

// DeleteProject removes a project; tasks and attempts cascade.
func (d *DB) DeleteProject(ctx context.Context, id uuid.UUID) (int64, error) {
	return d.execRows(ctx, `DELETE FROM projects WHERE id = ?`, id)
}
