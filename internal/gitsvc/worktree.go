package gitsvc

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// branchPrefix namespaces every attempt branch and worktree directory.
const branchPrefix = "vk"

// maxSlugLen bounds the title-derived part of branch names.
const maxSlugLen = 32

// WorktreeManager names, creates, revives, and reaps per-attempt worktrees
// under a single base directory.
type WorktreeManager struct {
	BaseDir string
	Git     *Service
}

// NewWorktreeManager returns a manager rooted at baseDir.
func NewWorktreeManager(baseDir string, git *Service) *WorktreeManager {
	return &WorktreeManager{BaseDir: baseDir, Git: git}
}

// ShortUUID is the 8-character prefix of the canonical UUID form, enough to
// keep worktree names unique within one installation.
func ShortUUID(id uuid.UUID) string {
	return id.String()[:8]
}

// GitBranchID turns a task title into a branch-safe slug: lowercase
// alphanumerics with single dashes, truncated to a sane length.
func GitBranchID(title string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(title) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		case !lastDash:
			b.WriteByte('-')
			lastDash = true
		}
		if b.Len() >= maxSlugLen {
			break
		}
	}
	return strings.Trim(b.String(), "-")
}

// DirName derives the attempt's branch and worktree directory name:
// vk-<short-id>-<slug(title)>.
func DirName(attemptID uuid.UUID, taskTitle string) string {
	slug := GitBranchID(taskTitle)
	if slug == "" {
		return fmt.Sprintf("%s-%s", branchPrefix, ShortUUID(attemptID))
	}
	return fmt.Sprintf("%s-%s-%s", branchPrefix, ShortUUID(attemptID), slug)
}

// Create materializes a new worktree for the attempt: branch branchName from
// baseBranch in repoPath and check it out under the base directory. Returns
// the worktree path.
func (m *WorktreeManager) Create(ctx context.Context, repoPath, branchName, baseBranch string) (string, error) {
	path := m.PathFor(branchName)
	if err := m.Git.CreateWorktree(ctx, repoPath, branchName, path, baseBranch, true); err != nil {
		return "", err
	}
	return path, nil
}

// Ensure revives the worktree at path for branch when its directory has been
// garbage-collected. Idempotent.
func (m *WorktreeManager) Ensure(ctx context.Context, repoPath, branch, path string) error {
	return m.Git.EnsureWorktreeExists(ctx, repoPath, branch, path)
}

// Cleanup removes a worktree directory and prunes its registration.
func (m *WorktreeManager) Cleanup(ctx context.Context, worktreePath, repoPath string) error {
	return m.Git.CleanupWorktree(ctx, worktreePath, repoPath)
}

// PathFor returns the worktree path a directory name maps to.
func (m *WorktreeManager) PathFor(dirName string) string {
	return filepath.Join(m.BaseDir, dirName)
}
