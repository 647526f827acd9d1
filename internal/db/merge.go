package db

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// MergeType distinguishes a local merge commit from a GitHub pull request.
type MergeType string

const (
	MergeDirect MergeType = "direct"
	MergePR     MergeType = "pr"
)

// PRStatus tracks the lifecycle of an opened pull request.
type PRStatus string

const (
	PROpen    PRStatus = "open"
	PRMerged  PRStatus = "merged"
	PRClosed  PRStatus = "closed"
	PRUnknown PRStatus = "unknown"
)

// Merge is appended when an attempt is merged into its target branch or
// turned into a pull request.
type Merge struct {
	ID               uuid.UUID  `db:"id" json:"id"`
	TaskAttemptID    uuid.UUID  `db:"task_attempt_id" json:"task_attempt_id"`
	MergeType        MergeType  `db:"merge_type" json:"merge_type"`
	MergeCommit      *string    `db:"merge_commit" json:"merge_commit,omitempty"`
	TargetBranchName string     `db:"target_branch_name" json:"target_branch_name"`
	PRNumber         *int64     `db:"pr_number" json:"pr_number,omitempty"`
	PRURL            *string    `db:"pr_url" json:"pr_url,omitempty"`
	PRStatus         *PRStatus  `db:"pr_status" json:"pr_status,omitempty"`
	PRMergedAt       *time.Time `db:"pr_merged_at" json:"pr_merged_at,omitempty"`
	PRMergeCommitSHA *string    `db:"pr_merge_commit_sha" json:"pr_merge_commit_sha,omitempty"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
}

const mergeColumns = `id, task_attempt_id, merge_type, merge_commit, target_branch_name,
	pr_number, pr_url, pr_status, pr_merged_at, pr_merge_commit_sha, created_at`

// RecordDirectMerge appends a direct-merge row for the attempt.
func (d *DB) RecordDirectMerge(ctx context.Context, attemptID uuid.UUID, targetBranch, mergeCommit string) (*Merge, error) {
	m := &Merge{
		ID:               uuid.New(),
		TaskAttemptID:    attemptID,
		MergeType:        MergeDirect,
		MergeCommit:      &mergeCommit,
		TargetBranchName: targetBranch,
		CreatedAt:        now(),
	}
	_, err := d.NamedExecContext(ctx, `
		INSERT INTO merges (`+mergeColumns+`)
		VALUES (:id, :task_attempt_id, :merge_type, :merge_commit, :target_branch_name,
		        :pr_number, :pr_url, :pr_status, :pr_merged_at, :pr_merge_commit_sha,
		        :created_at)`, m)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// RecordPRMerge appends an open pull-request row for the attempt.
func (d *DB) RecordPRMerge(ctx context.Context, attemptID uuid.UUID, targetBranch string, prNumber int64, prURL string) (*Merge, error) {
	status := PROpen
	m := &Merge{
		ID:               uuid.New(),
		TaskAttemptID:    attemptID,
		MergeType:        MergePR,
		TargetBranchName: targetBranch,
		PRNumber:         &prNumber,
		PRURL:            &prURL,
		PRStatus:         &status,
		CreatedAt:        now(),
	}
	_, err := d.NamedExecContext(ctx, `
		INSERT INTO merges (`+mergeColumns+`)
		VALUES (:id, :task_attempt_id, :merge_type, :merge_commit, :target_branch_name,
		        :pr_number, :pr_url, :pr_status, :pr_merged_at, :pr_merge_commit_sha,
		        :created_at)`, m)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// UpdatePRStatus records the observed state of an opened pull request.
func (d *DB) UpdatePRStatus(ctx context.Context, mergeID uuid.UUID, status PRStatus, mergedAt *time.Time, mergeCommitSHA *string) error {
	_, err := d.ExecContext(ctx, `
		UPDATE merges
		SET pr_status = ?, pr_merged_at = ?, pr_merge_commit_sha = ?
		WHERE id = ? AND merge_type = 'pr'`, status, mergedAt, mergeCommitSHA, mergeID)
	return err
}

// MergesByAttempt lists the attempt's merges, newest first.
func (d *DB) MergesByAttempt(ctx context.Context, attemptID uuid.UUID) ([]Merge, error) {
	var out []Merge
	err := d.SelectContext(ctx, &out, `
		SELECT `+mergeColumns+` FROM merges
		WHERE task_attempt_id = ? ORDER BY created_at DESC`, attemptID)
	return out, err
}
