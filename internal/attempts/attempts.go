// Package attempts is the transport-independent surface for working with
// task attempts: create, start, follow up, stop, rewind, rebase, merge,
// push, and status. It composes the container service, the git layer, and
// the drafts service; HTTP shape lives with the collaborator that mounts it.
package attempts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/verkstad/verkstad/internal/container"
	"github.com/verkstad/verkstad/internal/db"
	"github.com/verkstad/verkstad/internal/diffstream"
	"github.com/verkstad/verkstad/internal/executors"
	"github.com/verkstad/verkstad/internal/gitsvc"
)

// Validation errors surfaced to clients.
var (
	ErrProcessNotOnAttempt = errors.New("process does not belong to this attempt")
	ErrProcessNotFound     = errors.New("process not found")
	ErrTaskHasRunning      = errors.New("task has running processes")
)

// Service exposes the attempt operations.
type Service struct {
	db        *db.DB
	git       *gitsvc.Service
	container *container.Service
}

// New returns a Service.
func New(d *db.DB, git *gitsvc.Service, c *container.Service) *Service {
	return &Service{db: d, git: git, container: c}
}

// Create files a new attempt for the task on the given base branch. The
// worktree is materialized lazily on first start.
func (s *Service) Create(ctx context.Context, taskID uuid.UUID, profile executors.Profile, baseBranch string) (*db.TaskAttempt, error) {
	task, err := s.db.TaskByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, fmt.Errorf("task %s not found", taskID)
	}
	attempt := &db.TaskAttempt{
		TaskID:     taskID,
		Executor:   profile.Executor,
		BaseBranch: baseBranch,
	}
	if err := s.db.CreateTaskAttempt(ctx, attempt); err != nil {
		return nil, err
	}
	return attempt, nil
}

// Start launches the initial coding-agent run for the attempt, preceded by
// the project's setup script when configured and followed by its cleanup
// script.
func (s *Service) Start(ctx context.Context, attempt *db.TaskAttempt, profile executors.Profile) (*db.ExecutionProcess, error) {
	actx, err := s.db.LoadAttemptContext(ctx, attempt.ID)
	if err != nil {
		return nil, err
	}
	prompt := actx.Task.Title
	if actx.Task.Description != nil && *actx.Task.Description != "" {
		prompt = prompt + "\n\n" + *actx.Task.Description
	}

	var cleanup *executors.Action
	if actx.Project.CleanupScript != nil && *actx.Project.CleanupScript != "" {
		cleanup = executors.NewScript(*actx.Project.CleanupScript, executors.ScriptCleanup, nil)
	}
	agent := executors.NewInitial(prompt, profile, cleanup)

	action := agent
	reason := db.RunCodingAgent
	if actx.Project.SetupScript != nil && *actx.Project.SetupScript != "" {
		action = executors.NewScript(*actx.Project.SetupScript, executors.ScriptSetup, agent)
		reason = db.RunSetupScript
	}
	return s.container.StartExecution(ctx, attempt, action, reason)
}

// FollowUp sends a new prompt into the attempt's agent conversation,
// continuing the recorded session. Without one (first run), it degrades to
// an initial request.
func (s *Service) FollowUp(ctx context.Context, attempt *db.TaskAttempt, prompt string, variant *string) (*db.ExecutionProcess, error) {
	actx, err := s.db.LoadAttemptContext(ctx, attempt.ID)
	if err != nil {
		return nil, err
	}
	profile, err := s.inheritedProfile(ctx, attempt, variant)
	if err != nil {
		return nil, err
	}
	var cleanup *executors.Action
	if actx.Project.CleanupScript != nil && *actx.Project.CleanupScript != "" {
		cleanup = executors.NewScript(*actx.Project.CleanupScript, executors.ScriptCleanup, nil)
	}

	sessionID, err := s.db.LatestSessionIDForAttempt(ctx, attempt.ID)
	if err != nil {
		return nil, err
	}
	var action *executors.Action
	if sessionID != nil {
		action = executors.NewFollowUp(prompt, *sessionID, profile, cleanup)
	} else {
		action = executors.NewInitial(prompt, profile, cleanup)
	}
	return s.container.StartExecution(ctx, attempt, action, db.RunCodingAgent)
}

// Stop kills the attempt's running process, if any.
func (s *Service) Stop(ctx context.Context, attempt *db.TaskAttempt) {
	s.container.TryStop(ctx, attempt)
}

// StartDevServer runs the project's dev script in the attempt's worktree.
func (s *Service) StartDevServer(ctx context.Context, attempt *db.TaskAttempt) (*db.ExecutionProcess, error) {
	actx, err := s.db.LoadAttemptContext(ctx, attempt.ID)
	if err != nil {
		return nil, err
	}
	if actx.Project.DevScript == nil || *actx.Project.DevScript == "" {
		return nil, errors.New("project has no dev script")
	}
	action := executors.NewScript(*actx.Project.DevScript, executors.ScriptDevServer, nil)
	return s.container.StartExecution(ctx, attempt, action, db.RunDevServer)
}

// Rebase rebases the attempt branch onto newBase (its recorded base branch
// when empty). Conflicts surface as *gitsvc.ConflictError with the rebase
// aborted and the tree restored.
func (s *Service) Rebase(ctx context.Context, attempt *db.TaskAttempt, newBase string) error {
	actx, err := s.db.LoadAttemptContext(ctx, attempt.ID)
	if err != nil {
		return err
	}
	worktreePath, err := s.container.EnsureContainerExists(ctx, attempt)
	if err != nil {
		return err
	}
	if _, err := s.git.RebaseBranch(ctx, actx.Project.GitRepoPath, worktreePath, newBase, attempt.BaseBranch); err != nil {
		return err
	}
	return nil
}

// Merge merges the attempt branch into its base branch and records the
// merge.
func (s *Service) Merge(ctx context.Context, attempt *db.TaskAttempt) (*db.Merge, error) {
	actx, err := s.db.LoadAttemptContext(ctx, attempt.ID)
	if err != nil {
		return nil, err
	}
	if attempt.Branch == nil {
		return nil, errors.New("attempt has no branch to merge")
	}
	subject := actx.Task.Title
	message := fmt.Sprintf("Merge: %s (verkstad)", subject)
	oid, err := s.git.MergeChanges(ctx, actx.Project.GitRepoPath, *attempt.Branch, attempt.BaseBranch, message)
	if err != nil {
		return nil, err
	}
	merge, err := s.db.RecordDirectMerge(ctx, attempt.ID, attempt.BaseBranch, oid)
	if err != nil {
		return nil, err
	}
	if err := s.db.UpdateTaskStatus(ctx, actx.Task.ID, db.TaskDone); err != nil {
		slog.Warn("could not advance task status after merge", "task", actx.Task.ID, "err", err)
	}
	return merge, nil
}

// Push pushes the attempt branch to origin using the given token.
func (s *Service) Push(ctx context.Context, attempt *db.TaskAttempt, token string) error {
	if attempt.Branch == nil {
		return errors.New("attempt has no branch to push")
	}
	worktreePath, err := s.container.EnsureContainerExists(ctx, attempt)
	if err != nil {
		return err
	}
	return s.git.PushToGitHub(ctx, worktreePath, *attempt.Branch, token)
}

// BranchStatus reports the attempt branch's relation to its base.
func (s *Service) BranchStatus(ctx context.Context, attempt *db.TaskAttempt) (*gitsvc.BranchStatus, error) {
	actx, err := s.db.LoadAttemptContext(ctx, attempt.ID)
	if err != nil {
		return nil, err
	}
	worktreePath, err := s.container.EnsureContainerExists(ctx, attempt)
	if err != nil {
		return nil, err
	}
	return s.git.GetBranchStatus(ctx, actx.Project.GitRepoPath, worktreePath, attempt.BaseBranch)
}

// Diff streams per-file diffs between the attempt's base branch and its
// worktree HEAD (including uncommitted changes).
func (s *Service) Diff(ctx context.Context, attempt *db.TaskAttempt) (<-chan diffstream.FileDiff, error) {
	worktreePath, err := s.container.EnsureContainerExists(ctx, attempt)
	if err != nil {
		return nil, err
	}
	return diffstream.Stream(ctx, worktreePath, attempt.BaseBranch), nil
}

// DeleteTask deletes a task after verifying no attempt of it has a running
// process, then reaps the attempts' worktrees. Per-worktree failures are
// logged and the loop proceeds.
func (s *Service) DeleteTask(ctx context.Context, taskID uuid.UUID) error {
	running, err := s.db.TaskHasRunningProcesses(ctx, taskID)
	if err != nil {
		return err
	}
	if running {
		return ErrTaskHasRunning
	}
	task, err := s.db.TaskByID(ctx, taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return fmt.Errorf("task %s not found", taskID)
	}
	project, err := s.db.ProjectByID(ctx, task.ProjectID)
	if err != nil {
		return err
	}
	attempts, err := s.db.TaskAttemptsByTask(ctx, taskID)
	if err != nil {
		return err
	}
	for _, attempt := range attempts {
		if attempt.ContainerRef == nil || attempt.WorktreeDeleted {
			continue
		}
		repoPath := ""
		if project != nil {
			repoPath = project.GitRepoPath
		}
		if err := s.git.CleanupWorktree(ctx, *attempt.ContainerRef, repoPath); err != nil {
			slog.Error("could not clean up worktree during task delete",
				"attempt", attempt.ID, "path", *attempt.ContainerRef, "err", err)
		}
	}
	_, err = s.db.DeleteTask(ctx, taskID)
	return err
}

// inheritedProfile carries the executor of the most recent coding-agent
// process forward, overriding the variant when provided.
func (s *Service) inheritedProfile(ctx context.Context, attempt *db.TaskAttempt, variant *string) (executors.Profile, error) {
	profile := executors.Profile{Executor: attempt.Executor}
	latest, err := s.db.LatestProcessByReason(ctx, attempt.ID, db.RunCodingAgent)
	if err != nil {
		return profile, err
	}
	if latest != nil {
		if action, err := executors.UnmarshalAction(latest.ExecutorAction); err == nil && action.Profile.Executor != "" {
			profile = action.Profile
		}
	}
	if variant != nil {
		profile.Variant = *variant
	}
	return profile, nil
}
