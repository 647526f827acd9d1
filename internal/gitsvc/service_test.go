package gitsvc

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// initRepo creates a throwaway repository with one commit on main.
func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run(t, dir, "init", "-b", "main")
	run(t, dir, "config", "user.name", "Test User")
	run(t, dir, "config", "user.email", "test@example.com")
	writeFile(t, dir, "README.md", "hello\n")
	run(t, dir, "add", ".")
	run(t, dir, "commit", "-m", "initial")
	return dir
}

func run(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
	return string(out)
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(filepath.Join(dir, name)), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func commitFile(t *testing.T, dir, name, content, message string) {
	t.Helper()
	writeFile(t, dir, name, content)
	run(t, dir, "add", ".")
	run(t, dir, "commit", "-m", message)
}

func TestHeadInfo(t *testing.T) {
	repo := initRepo(t)
	s := New()

	info, err := s.GetHeadInfo(repo)
	require.NoError(t, err)
	require.Len(t, info.OID, 40)
	require.Equal(t, "main", info.Branch)
}

func TestCreateWorktree(t *testing.T) {
	repo := initRepo(t)
	s := New()
	ctx := context.Background()
	wt := filepath.Join(t.TempDir(), "vk-test-branch")

	require.NoError(t, s.CreateWorktree(ctx, repo, "vk-test-branch", wt, "main", true))

	info, err := s.GetHeadInfo(wt)
	require.NoError(t, err)
	require.Equal(t, "vk-test-branch", info.Branch)

	mainOID, err := s.BranchOID(repo, "main")
	require.NoError(t, err)
	require.Equal(t, mainOID, info.OID, "new branch starts at base")
}

func TestCreateWorktreeUnbornRepo(t *testing.T) {
	dir := t.TempDir()
	run(t, dir, "init", "-b", "main")
	run(t, dir, "config", "user.name", "Test User")
	run(t, dir, "config", "user.email", "test@example.com")

	s := New()
	ctx := context.Background()
	wt := filepath.Join(t.TempDir(), "vk-unborn")
	require.NoError(t, s.CreateWorktree(ctx, dir, "vk-unborn", wt, "", true))

	info, err := s.GetHeadInfo(wt)
	require.NoError(t, err)
	require.Len(t, info.OID, 40)

	subject, err := s.GetCommitSubject(dir, info.OID)
	require.NoError(t, err)
	require.Equal(t, "Initial commit", subject)
}

func TestEnsureWorktreeExistsRevives(t *testing.T) {
	repo := initRepo(t)
	s := New()
	ctx := context.Background()
	wt := filepath.Join(t.TempDir(), "vk-revive")

	require.NoError(t, s.CreateWorktree(ctx, repo, "vk-revive", wt, "main", true))
	require.NoError(t, os.RemoveAll(wt))

	require.NoError(t, s.EnsureWorktreeExists(ctx, repo, "vk-revive", wt))
	info, err := s.GetHeadInfo(wt)
	require.NoError(t, err)
	require.Equal(t, "vk-revive", info.Branch)

	// Idempotent when the worktree is present.
	require.NoError(t, s.EnsureWorktreeExists(ctx, repo, "vk-revive", wt))
}

func TestCleanupWorktree(t *testing.T) {
	repo := initRepo(t)
	s := New()
	ctx := context.Background()
	wt := filepath.Join(t.TempDir(), "vk-cleanup")

	require.NoError(t, s.CreateWorktree(ctx, repo, "vk-cleanup", wt, "main", true))
	require.NoError(t, s.CleanupWorktree(ctx, wt, repo))
	_, err := os.Stat(wt)
	require.True(t, os.IsNotExist(err))
}

func TestMergeChangesFastForward(t *testing.T) {
	repo := initRepo(t)
	s := New()
	ctx := context.Background()
	wt := filepath.Join(t.TempDir(), "vk-ff")

	require.NoError(t, s.CreateWorktree(ctx, repo, "vk-ff", wt, "main", true))
	commitFile(t, wt, "feature.txt", "feature\n", "add feature")

	featureOID, err := s.BranchOID(repo, "vk-ff")
	require.NoError(t, err)

	mergeOID, err := s.MergeChanges(ctx, repo, "vk-ff", "main", "Merge: add feature")
	require.NoError(t, err)
	require.Equal(t, featureOID, mergeOID, "fast-forward reuses the source commit")

	mainOID, err := s.BranchOID(repo, "main")
	require.NoError(t, err)
	require.Equal(t, featureOID, mainOID)
}

func TestMergeChangesDiverged(t *testing.T) {
	repo := initRepo(t)
	s := New()
	ctx := context.Background()
	wt := filepath.Join(t.TempDir(), "vk-diverge")

	require.NoError(t, s.CreateWorktree(ctx, repo, "vk-diverge", wt, "main", true))
	commitFile(t, wt, "feature.txt", "feature\n", "add feature")
	commitFile(t, repo, "other.txt", "other\n", "main moves on")

	baseOID, err := s.BranchOID(repo, "main")
	require.NoError(t, err)
	sourceOID, err := s.BranchOID(repo, "vk-diverge")
	require.NoError(t, err)

	mergeOID, err := s.MergeChanges(ctx, repo, "vk-diverge", "main", "Merge: add feature")
	require.NoError(t, err)
	require.NotEqual(t, baseOID, mergeOID)
	require.NotEqual(t, sourceOID, mergeOID)

	parents := run(t, repo, "log", "-1", "--format=%P", mergeOID)
	require.Contains(t, parents, baseOID)
	require.Contains(t, parents, sourceOID)

	subject, err := s.GetCommitSubject(repo, mergeOID)
	require.NoError(t, err)
	require.Equal(t, "Merge: add feature", subject)
}

func TestRebaseBranchClean(t *testing.T) {
	repo := initRepo(t)
	s := New()
	ctx := context.Background()
	wt := filepath.Join(t.TempDir(), "vk-rebase")

	require.NoError(t, s.CreateWorktree(ctx, repo, "vk-rebase", wt, "main", true))
	commitFile(t, wt, "feature.txt", "feature\n", "add feature")
	commitFile(t, repo, "other.txt", "other\n", "main moves on")

	newHead, err := s.RebaseBranch(ctx, repo, wt, "main", "main")
	require.NoError(t, err)
	require.Len(t, newHead, 40)

	status, err := s.GetBranchStatus(ctx, repo, wt, "main")
	require.NoError(t, err)
	require.Equal(t, 1, status.CommitsAhead)
	require.Equal(t, 0, status.CommitsBehind)
}

func TestRebaseBranchConflictAborts(t *testing.T) {
	repo := initRepo(t)
	s := New()
	ctx := context.Background()
	wt := filepath.Join(t.TempDir(), "vk-conflict")

	require.NoError(t, s.CreateWorktree(ctx, repo, "vk-conflict", wt, "main", true))
	commitFile(t, wt, "README.md", "worktree version\n", "edit readme in worktree")
	commitFile(t, repo, "README.md", "main version\n", "edit readme on main")

	beforeOID, err := s.GetHeadInfo(wt)
	require.NoError(t, err)

	_, err = s.RebaseBranch(ctx, repo, wt, "main", "main")
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, OpRebase, conflict.Op)

	// The rebase was aborted: no rebase in progress, HEAD unchanged.
	inProgress, err := s.IsRebaseInProgress(ctx, wt)
	require.NoError(t, err)
	require.False(t, inProgress)

	afterOID, err := s.GetHeadInfo(wt)
	require.NoError(t, err)
	require.Equal(t, beforeOID.OID, afterOID.OID)

	op, err := s.DetectConflictOp(ctx, wt)
	require.NoError(t, err)
	require.Equal(t, ConflictOp(""), op)
}

func TestResetWorktreeToCommit(t *testing.T) {
	repo := initRepo(t)
	s := New()
	ctx := context.Background()
	wt := filepath.Join(t.TempDir(), "vk-reset")

	require.NoError(t, s.CreateWorktree(ctx, repo, "vk-reset", wt, "main", true))
	first, err := s.GetHeadInfo(wt)
	require.NoError(t, err)
	commitFile(t, wt, "a.txt", "a\n", "add a")

	// Dirty tree without force is refused.
	writeFile(t, wt, "dirty.txt", "dirty\n")
	err = s.ResetWorktreeToCommit(ctx, wt, first.OID, false)
	require.ErrorIs(t, err, ErrWorktreeDirty)

	require.NoError(t, s.ResetWorktreeToCommit(ctx, wt, first.OID, true))
	info, err := s.GetHeadInfo(wt)
	require.NoError(t, err)
	require.Equal(t, first.OID, info.OID)
}

func TestChangeCounts(t *testing.T) {
	repo := initRepo(t)
	s := New()
	ctx := context.Background()

	counts, err := s.GetWorktreeChangeCounts(ctx, repo)
	require.NoError(t, err)
	require.Equal(t, 0, counts.Modified)
	require.Equal(t, 0, counts.Untracked)

	writeFile(t, repo, "README.md", "changed\n")
	writeFile(t, repo, "new.txt", "new\n")
	counts, err = s.GetWorktreeChangeCounts(ctx, repo)
	require.NoError(t, err)
	require.Equal(t, 1, counts.Modified)
	require.Equal(t, 1, counts.Untracked)

	dirty, err := s.IsDirty(ctx, repo)
	require.NoError(t, err)
	require.True(t, dirty)
}

func TestDeleteFileAndCommit(t *testing.T) {
	repo := initRepo(t)
	s := New()
	ctx := context.Background()

	oid, err := s.DeleteFileAndCommit(ctx, repo, "README.md")
	require.NoError(t, err)
	require.Len(t, oid, 40)
	_, err = os.Stat(filepath.Join(repo, "README.md"))
	require.True(t, os.IsNotExist(err))

	subject, err := s.GetCommitSubject(repo, oid)
	require.NoError(t, err)
	require.Equal(t, "Delete README.md", subject)
}

func TestGetGitHubRepoInfo(t *testing.T) {
	repo := initRepo(t)
	s := New()

	require.False(t, s.HasRemote(repo))
	_, err := s.GetGitHubRepoInfo(repo)
	require.ErrorIs(t, err, ErrNoRemote)

	run(t, repo, "remote", "add", "origin", "https://github.com/acme/widgets.git")
	info, err := s.GetGitHubRepoInfo(repo)
	require.NoError(t, err)
	require.Equal(t, "acme", info.Owner)
	require.Equal(t, "widgets", info.Name)
	require.True(t, s.HasRemote(repo))

	run(t, repo, "remote", "set-url", "origin", "git@github.com:acme/gadgets.git")
	info, err = s.GetGitHubRepoInfo(repo)
	require.NoError(t, err)
	require.Equal(t, "acme", info.Owner)
	require.Equal(t, "gadgets", info.Name)
}

func TestBranchNaming(t *testing.T) {
	id := uuid.MustParse("a1b2c3d4-0000-0000-0000-000000000000")
	tests := []struct {
		title string
		want  string
	}{
		{"Add README", "vk-a1b2c3d4-add-readme"},
		{"Fix: crash on empty input!!", "vk-a1b2c3d4-fix-crash-on-empty-input"},
		{"___", "vk-a1b2c3d4"},
		{"", "vk-a1b2c3d4"},
	}
	for _, tt := range tests {
		t.Run(tt.title, func(t *testing.T) {
			require.Equal(t, tt.want, DirName(id, tt.title))
		})
	}
}

func TestGitBranchIDTruncates(t *testing.T) {
	long := "this is a very long task title that keeps going and going and going"
	slug := GitBranchID(long)
	require.LessOrEqual(t, len(slug), maxSlugLen)
	require.NotEmpty(t, slug)
}
