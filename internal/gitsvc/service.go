package gitsvc

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// fallbackIdent is the commit identity used when the repository has none
// configured, matching the identity of synthesized initial commits.
const (
	fallbackName  = "verkstad"
	fallbackEmail = "noreply@verkstad.dev"
)

// Service executes git operations. It is stateless; every method takes the
// repository or worktree path it operates on.
type Service struct{}

// New returns a Service.
func New() *Service { return &Service{} }

// runGit executes git with the given working directory and returns trimmed
// stdout. Failures carry the combined output for diagnosis.
func (s *Service) runGit(ctx context.Context, dir string, args ...string) (string, error) {
	var full []string
	for _, kv := range [][2]string{{"user.name", fallbackName}, {"user.email", fallbackEmail}} {
		probe := exec.CommandContext(ctx, "git", "config", kv[0])
		probe.Dir = dir
		if out, err := probe.Output(); err != nil || strings.TrimSpace(string(out)) == "" {
			full = append(full, "-c", kv[0]+"="+kv[1])
		}
	}
	full = append(full, args...)
	cmd := exec.CommandContext(ctx, "git", full...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = strings.TrimSpace(stdout.String())
		}
		return "", fmt.Errorf("git %s: %w: %s", args[0], err, detail)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// openRepo opens a repository or linked worktree with go-git.
func openRepo(path string) (*gogit.Repository, error) {
	repo, err := gogit.PlainOpenWithOptions(path, &gogit.PlainOpenOptions{
		DetectDotGit:          true,
		EnableDotGitCommonDir: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open repository %s: %w", path, err)
	}
	return repo, nil
}

// HeadInfo is the current HEAD of a checkout.
type HeadInfo struct {
	OID    string
	Branch string // empty when detached or unborn
}

// GetHeadInfo returns the HEAD commit OID and branch of the checkout at
// path.
func (s *Service) GetHeadInfo(path string) (*HeadInfo, error) {
	repo, err := openRepo(path)
	if err != nil {
		return nil, err
	}
	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve HEAD in %s: %w", path, err)
	}
	info := &HeadInfo{OID: head.Hash().String()}
	if head.Name().IsBranch() {
		info.Branch = head.Name().Short()
	}
	return info, nil
}

// IsUnborn reports whether the repository has no commits yet.
func (s *Service) IsUnborn(path string) (bool, error) {
	repo, err := openRepo(path)
	if err != nil {
		return false, err
	}
	_, err = repo.Head()
	if err == nil {
		return false, nil
	}
	if err == plumbing.ErrReferenceNotFound {
		return true, nil
	}
	return false, fmt.Errorf("resolve HEAD in %s: %w", path, err)
}

// BranchExists reports whether the local branch exists in repo.
func (s *Service) BranchExists(repoPath, branch string) (bool, error) {
	repo, err := openRepo(repoPath)
	if err != nil {
		return false, err
	}
	_, err = repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err == plumbing.ErrReferenceNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("resolve branch %s: %w", branch, err)
	}
	return true, nil
}

// BranchOID returns the commit OID a local branch points at.
func (s *Service) BranchOID(repoPath, branch string) (string, error) {
	repo, err := openRepo(repoPath)
	if err != nil {
		return "", err
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err == plumbing.ErrReferenceNotFound {
		return "", fmt.Errorf("%w: %s", ErrBranchNotFound, branch)
	}
	if err != nil {
		return "", fmt.Errorf("resolve branch %s: %w", branch, err)
	}
	return ref.Hash().String(), nil
}

// DefaultBranch returns the branch HEAD points at, or "main" when the
// repository is unborn or detached.
func (s *Service) DefaultBranch(repoPath string) string {
	info, err := s.GetHeadInfo(repoPath)
	if err != nil || info.Branch == "" {
		return "main"
	}
	return info.Branch
}

// GetCommitSubject returns the subject line of a commit.
func (s *Service) GetCommitSubject(repoPath, oid string) (string, error) {
	repo, err := openRepo(repoPath)
	if err != nil {
		return "", err
	}
	commit, err := repo.CommitObject(plumbing.NewHash(oid))
	if err != nil {
		return "", fmt.Errorf("lookup commit %s: %w", oid, err)
	}
	subject, _, _ := strings.Cut(commit.Message, "\n")
	return strings.TrimSpace(subject), nil
}

// createInitialCommit synthesizes an empty first commit on main so unborn
// repositories can branch.
func (s *Service) createInitialCommit(ctx context.Context, repoPath string) error {
	if _, err := s.runGit(ctx, repoPath, "checkout", "-b", "main"); err != nil {
		// Already on an unborn branch named main, or checkout raced; the
		// commit below decides whether the repo is usable.
		slog.Debug("initial checkout -b main failed", "repo", repoPath, "err", err)
	}
	if _, err := s.runGit(ctx, repoPath, "commit", "--allow-empty", "-m", "Initial commit"); err != nil {
		return fmt.Errorf("create initial commit: %w", err)
	}
	return nil
}

// CreateWorktree creates branchName from baseRef (HEAD when empty) and checks
// it out into a new worktree at worktreePath. Unborn repositories get a
// synthesized initial commit on main first.
func (s *Service) CreateWorktree(ctx context.Context, repoPath, branchName, worktreePath, baseRef string, createBranch bool) error {
	unborn, err := s.IsUnborn(repoPath)
	if err != nil {
		return err
	}
	if unborn {
		if err := s.createInitialCommit(ctx, repoPath); err != nil {
			return err
		}
	}
	if err := os.MkdirAll(filepath.Dir(worktreePath), 0o755); err != nil {
		return fmt.Errorf("create worktree parent: %w", err)
	}
	args := []string{"worktree", "add"}
	if createBranch {
		args = append(args, "-b", branchName, worktreePath)
		if baseRef != "" {
			args = append(args, baseRef)
		}
	} else {
		args = append(args, worktreePath, branchName)
	}
	if _, err := s.runGit(ctx, repoPath, args...); err != nil {
		return err
	}
	slog.Info("created worktree", "repo", repoPath, "branch", branchName, "path", worktreePath)
	return nil
}

// EnsureWorktreeExists revives a garbage-collected worktree: when
// worktreePath is missing, the stale worktree registration is pruned and the
// recorded branch is checked out there again. Idempotent.
func (s *Service) EnsureWorktreeExists(ctx context.Context, repoPath, branch, worktreePath string) error {
	if _, err := os.Stat(worktreePath); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat worktree %s: %w", worktreePath, err)
	}
	if _, err := s.runGit(ctx, repoPath, "worktree", "prune"); err != nil {
		return err
	}
	return s.CreateWorktree(ctx, repoPath, branch, worktreePath, "", false)
}

// CleanupWorktree removes the worktree directory and, when the owning
// repository is known, prunes its worktree registration.
func (s *Service) CleanupWorktree(ctx context.Context, worktreePath, repoPath string) error {
	if err := os.RemoveAll(worktreePath); err != nil {
		return fmt.Errorf("remove worktree %s: %w", worktreePath, err)
	}
	if repoPath == "" {
		return nil
	}
	if _, err := s.runGit(ctx, repoPath, "worktree", "prune"); err != nil {
		return err
	}
	return nil
}

// MergeChanges merges sourceBranch into baseBranch without touching any
// checkout: fast-forward when base is an ancestor, otherwise a merge commit
// whose tree is the source branch's and whose parents are base HEAD and
// source HEAD. Returns the resulting commit OID.
func (s *Service) MergeChanges(ctx context.Context, repoPath, sourceBranch, baseBranch, message string) (string, error) {
	sourceOID, err := s.BranchOID(repoPath, sourceBranch)
	if err != nil {
		return "", err
	}
	baseOID, err := s.BranchOID(repoPath, baseBranch)
	if err != nil {
		return "", err
	}
	baseRef := "refs/heads/" + baseBranch

	if baseOID == sourceOID {
		return baseOID, nil
	}
	// Fast-forward when base is an ancestor of source.
	if _, err := s.runGit(ctx, repoPath, "merge-base", "--is-ancestor", baseOID, sourceOID); err == nil {
		if _, err := s.runGit(ctx, repoPath, "update-ref", baseRef, sourceOID, baseOID); err != nil {
			return "", err
		}
		slog.Info("fast-forwarded branch", "repo", repoPath, "branch", baseBranch, "oid", sourceOID)
		return sourceOID, nil
	}

	tree, err := s.runGit(ctx, repoPath, "rev-parse", sourceOID+"^{tree}")
	if err != nil {
		return "", err
	}
	mergeOID, err := s.runGit(ctx, repoPath,
		"commit-tree", tree, "-p", baseOID, "-p", sourceOID, "-m", message)
	if err != nil {
		return "", err
	}
	if _, err := s.runGit(ctx, repoPath, "update-ref", baseRef, mergeOID, baseOID); err != nil {
		return "", err
	}
	slog.Info("created merge commit", "repo", repoPath, "branch", baseBranch, "oid", mergeOID)
	return mergeOID, nil
}

// RebaseBranch rebases the worktree's branch onto newBase (the attempt's base
// branch when empty). Conflicts abort the rebase and surface as a
// ConflictError; a rebase already in progress surfaces as
// ErrRebaseInProgress. Returns the new HEAD OID.
func (s *Service) RebaseBranch(ctx context.Context, repoPath, worktreePath, newBase, oldBase string) (string, error) {
	inProgress, err := s.IsRebaseInProgress(ctx, worktreePath)
	if err != nil {
		return "", err
	}
	if inProgress {
		return "", ErrRebaseInProgress
	}
	base := newBase
	if base == "" {
		base = oldBase
	}
	if ok, err := s.BranchExists(repoPath, base); err != nil {
		return "", err
	} else if !ok {
		return "", fmt.Errorf("%w: %s", ErrBranchNotFound, base)
	}
	if _, err := s.runGit(ctx, worktreePath, "rebase", "--onto", base, oldBase); err != nil {
		if _, abortErr := s.runGit(ctx, worktreePath, "rebase", "--abort"); abortErr != nil {
			slog.Warn("rebase abort failed", "worktree", worktreePath, "err", abortErr)
		}
		return "", &ConflictError{Op: OpRebase, Message: err.Error()}
	}
	info, err := s.GetHeadInfo(worktreePath)
	if err != nil {
		return "", err
	}
	return info.OID, nil
}

// ResetWorktreeToCommit hard-resets the worktree to oid. A dirty tree is
// refused unless forceWhenDirty.
func (s *Service) ResetWorktreeToCommit(ctx context.Context, worktreePath, oid string, forceWhenDirty bool) error {
	if !forceWhenDirty {
		dirty, err := s.IsDirty(ctx, worktreePath)
		if err != nil {
			return err
		}
		if dirty {
			return ErrWorktreeDirty
		}
	}
	if _, err := s.runGit(ctx, worktreePath, "reset", "--hard", oid); err != nil {
		return err
	}
	return nil
}

// ChangeCounts is the worktree's uncommitted-change summary.
type ChangeCounts struct {
	Modified  int `json:"modified"`
	Untracked int `json:"untracked"`
}

// GetWorktreeChangeCounts counts modified and untracked paths.
func (s *Service) GetWorktreeChangeCounts(ctx context.Context, worktreePath string) (*ChangeCounts, error) {
	out, err := s.runGit(ctx, worktreePath, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	counts := &ChangeCounts{}
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 2 {
			continue
		}
		if strings.HasPrefix(line, "??") {
			counts.Untracked++
		} else {
			counts.Modified++
		}
	}
	return counts, nil
}

// IsDirty reports whether the worktree has modifications or untracked files.
func (s *Service) IsDirty(ctx context.Context, worktreePath string) (bool, error) {
	counts, err := s.GetWorktreeChangeCounts(ctx, worktreePath)
	if err != nil {
		return false, err
	}
	return counts.Modified > 0 || counts.Untracked > 0, nil
}

// gitDir resolves the (worktree-private) git directory of a checkout.
func (s *Service) gitDir(ctx context.Context, worktreePath string) (string, error) {
	out, err := s.runGit(ctx, worktreePath, "rev-parse", "--git-dir")
	if err != nil {
		return "", err
	}
	if !filepath.IsAbs(out) {
		out = filepath.Join(worktreePath, out)
	}
	return out, nil
}

// IsRebaseInProgress reports whether the worktree has an unfinished rebase.
func (s *Service) IsRebaseInProgress(ctx context.Context, worktreePath string) (bool, error) {
	dir, err := s.gitDir(ctx, worktreePath)
	if err != nil {
		return false, err
	}
	for _, marker := range []string{"rebase-merge", "rebase-apply"} {
		if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
			return true, nil
		}
	}
	return false, nil
}

// DetectConflictOp reports which operation left the worktree conflicted, or
// "" when none did.
func (s *Service) DetectConflictOp(ctx context.Context, worktreePath string) (ConflictOp, error) {
	dir, err := s.gitDir(ctx, worktreePath)
	if err != nil {
		return "", err
	}
	if in, err := s.IsRebaseInProgress(ctx, worktreePath); err == nil && in {
		return OpRebase, nil
	}
	if _, err := os.Stat(filepath.Join(dir, "MERGE_HEAD")); err == nil {
		return OpMerge, nil
	}
	if _, err := os.Stat(filepath.Join(dir, "CHERRY_PICK_HEAD")); err == nil {
		return OpCherryPick, nil
	}
	return "", nil
}

// GetConflictedFiles lists paths with unresolved conflicts.
func (s *Service) GetConflictedFiles(ctx context.Context, worktreePath string) ([]string, error) {
	out, err := s.runGit(ctx, worktreePath, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// AbortConflicts aborts whatever conflicted operation is in progress.
func (s *Service) AbortConflicts(ctx context.Context, worktreePath string) error {
	op, err := s.DetectConflictOp(ctx, worktreePath)
	if err != nil {
		return err
	}
	switch op {
	case OpRebase:
		_, err = s.runGit(ctx, worktreePath, "rebase", "--abort")
	case OpMerge:
		_, err = s.runGit(ctx, worktreePath, "merge", "--abort")
	case OpCherryPick:
		_, err = s.runGit(ctx, worktreePath, "cherry-pick", "--abort")
	default:
		return nil
	}
	return err
}

// AheadBehind is a commit count pair relative to a base.
type AheadBehind struct {
	Ahead  int `json:"ahead"`
	Behind int `json:"behind"`
}

// AheadBehindCommitsByOID counts commits reachable from only one of the two
// OIDs.
func (s *Service) AheadBehindCommitsByOID(ctx context.Context, repoPath, baseOID, headOID string) (*AheadBehind, error) {
	out, err := s.runGit(ctx, repoPath, "rev-list", "--left-right", "--count", baseOID+"..."+headOID)
	if err != nil {
		return nil, err
	}
	fields := strings.Fields(out)
	if len(fields) != 2 {
		return nil, fmt.Errorf("unexpected rev-list output %q", out)
	}
	behind, err := strconv.Atoi(fields[0])
	if err != nil {
		return nil, fmt.Errorf("parse rev-list output %q: %w", out, err)
	}
	ahead, err := strconv.Atoi(fields[1])
	if err != nil {
		return nil, fmt.Errorf("parse rev-list output %q: %w", out, err)
	}
	return &AheadBehind{Ahead: ahead, Behind: behind}, nil
}

// BranchStatus is the worktree branch's relation to its base branch.
type BranchStatus struct {
	CommitsAhead          int        `json:"commits_ahead"`
	CommitsBehind         int        `json:"commits_behind"`
	UpToDate              bool       `json:"up_to_date"`
	Merged                bool       `json:"merged"`
	HasUncommittedChanges bool       `json:"has_uncommitted_changes"`
	BaseBranchName        string     `json:"base_branch_name"`
	ConflictOp            ConflictOp `json:"conflict_op,omitempty"`
	ConflictedFiles       []string   `json:"conflicted_files,omitempty"`
}

// GetBranchStatus computes the ahead/behind relation of the worktree HEAD to
// baseBranch, plus dirtiness and any conflict in progress.
func (s *Service) GetBranchStatus(ctx context.Context, repoPath, worktreePath, baseBranch string) (*BranchStatus, error) {
	head, err := s.GetHeadInfo(worktreePath)
	if err != nil {
		return nil, err
	}
	baseOID, err := s.BranchOID(repoPath, baseBranch)
	if err != nil {
		return nil, err
	}
	counts, err := s.AheadBehindCommitsByOID(ctx, repoPath, baseOID, head.OID)
	if err != nil {
		return nil, err
	}
	dirty, err := s.IsDirty(ctx, worktreePath)
	if err != nil {
		return nil, err
	}
	status := &BranchStatus{
		CommitsAhead:          counts.Ahead,
		CommitsBehind:         counts.Behind,
		UpToDate:              counts.Ahead == 0 && counts.Behind == 0,
		Merged:                counts.Ahead == 0,
		HasUncommittedChanges: dirty,
		BaseBranchName:        baseBranch,
	}
	if op, err := s.DetectConflictOp(ctx, worktreePath); err == nil && op != "" {
		status.ConflictOp = op
		if files, err := s.GetConflictedFiles(ctx, worktreePath); err == nil {
			status.ConflictedFiles = files
		}
	}
	return status, nil
}

// GetRemoteBranchStatus compares a branch to its origin counterpart after a
// fetch. Returns nil counts when the remote branch does not exist yet.
func (s *Service) GetRemoteBranchStatus(ctx context.Context, repoPath, branch string) (*AheadBehind, error) {
	// A branch that was never pushed has no origin counterpart to fetch.
	if out, err := s.runGit(ctx, repoPath, "ls-remote", "--heads", "origin", "refs/heads/"+branch); err != nil {
		return nil, err
	} else if out == "" {
		return nil, nil
	}
	if _, err := s.runGit(ctx, repoPath, "fetch", "origin", branch); err != nil {
		return nil, err
	}
	remoteOID, err := s.runGit(ctx, repoPath, "rev-parse", "refs/remotes/origin/"+branch)
	if err != nil {
		return nil, nil
	}
	localOID, err := s.BranchOID(repoPath, branch)
	if err != nil {
		return nil, err
	}
	return s.AheadBehindCommitsByOID(ctx, repoPath, remoteOID, localOID)
}

// DeleteFileAndCommit removes relPath from the worktree and commits the
// deletion. Returns the new commit OID.
func (s *Service) DeleteFileAndCommit(ctx context.Context, worktreePath, relPath string) (string, error) {
	if _, err := s.runGit(ctx, worktreePath, "rm", "--", relPath); err != nil {
		return "", err
	}
	if _, err := s.runGit(ctx, worktreePath, "commit", "-m", "Delete "+relPath); err != nil {
		return "", err
	}
	info, err := s.GetHeadInfo(worktreePath)
	if err != nil {
		return "", err
	}
	return info.OID, nil
}

// PushToGitHub pushes the branch to origin. A non-empty token is spliced
// into the https remote URL as an access token; ssh remotes push as-is.
func (s *Service) PushToGitHub(ctx context.Context, worktreePath, branch, token string) error {
	target := "origin"
	if token != "" {
		url, err := s.remoteURL(worktreePath)
		if err != nil {
			return err
		}
		if rest, ok := strings.CutPrefix(url, "https://"); ok {
			target = "https://x-access-token:" + token + "@" + rest
		}
	}
	if _, err := s.runGit(ctx, worktreePath, "push", "--force-with-lease", target,
		"refs/heads/"+branch+":refs/heads/"+branch); err != nil {
		return err
	}
	return nil
}

// remoteURL returns the origin remote's first URL.
func (s *Service) remoteURL(path string) (string, error) {
	repo, err := openRepo(path)
	if err != nil {
		return "", err
	}
	remote, err := repo.Remote("origin")
	if err != nil {
		return "", ErrNoRemote
	}
	urls := remote.Config().URLs
	if len(urls) == 0 {
		return "", ErrNoRemote
	}
	return urls[0], nil
}

// RepoInfo identifies a GitHub repository.
type RepoInfo struct {
	Owner string `json:"owner"`
	Name  string `json:"name"`
}

// GetGitHubRepoInfo parses owner and repository name from the origin URL.
func (s *Service) GetGitHubRepoInfo(path string) (*RepoInfo, error) {
	url, err := s.remoteURL(path)
	if err != nil {
		return nil, err
	}
	trimmed := strings.TrimSuffix(url, ".git")
	switch {
	case strings.HasPrefix(trimmed, "git@"):
		_, after, ok := strings.Cut(trimmed, ":")
		if !ok {
			return nil, fmt.Errorf("unrecognized remote url %q", url)
		}
		trimmed = after
	case strings.Contains(trimmed, "://"):
		_, after, _ := strings.Cut(trimmed, "://")
		if _, host, ok := strings.Cut(after, "/"); ok {
			trimmed = host
		}
	}
	parts := strings.Split(trimmed, "/")
	if len(parts) < 2 {
		return nil, fmt.Errorf("unrecognized remote url %q", url)
	}
	return &RepoInfo{Owner: parts[len(parts)-2], Name: parts[len(parts)-1]}, nil
}

// HasRemote reports whether the repository has an origin remote.
func (s *Service) HasRemote(path string) bool {
	_, err := s.remoteURL(path)
	return err == nil
}
