package attempts

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/verkstad/verkstad/internal/db"
	"github.com/verkstad/verkstad/internal/executors"
)

// ReplaceRequest asks to rewind the attempt to just before a process ran and
// re-run with a new prompt in its place.
type ReplaceRequest struct {
	ProcessID uuid.UUID
	Prompt    string
	Variant   *string
	// ForceWhenDirty allows the git reset even with uncommitted changes.
	ForceWhenDirty bool
	// PerformGitReset controls the reset step; the history drop happens
	// regardless.
	PerformGitReset bool
}

// ReplaceResult reports what the rewind did.
type ReplaceResult struct {
	DeletedCount    int64      `json:"deleted_count"`
	GitResetNeeded  bool       `json:"git_reset_needed"`
	GitResetApplied bool       `json:"git_reset_applied"`
	TargetBeforeOID *string    `json:"target_before_oid,omitempty"`
	NewExecutionID  *uuid.UUID `json:"new_execution_id,omitempty"`
}

// Replace rewinds the attempt: determine the target OID captured before the
// chosen process, optionally hard-reset the worktree to it, stop anything
// running, soft-drop the chosen process and everything after it, and start a
// replacement run that continues the surviving session (or starts fresh when
// none survives).
func (s *Service) Replace(ctx context.Context, attempt *db.TaskAttempt, req ReplaceRequest) (*ReplaceResult, error) {
	process, err := s.db.ExecutionProcessByID(ctx, req.ProcessID)
	if err != nil {
		return nil, err
	}
	if process == nil {
		return nil, ErrProcessNotFound
	}
	if process.TaskAttemptID != attempt.ID {
		return nil, ErrProcessNotOnAttempt
	}

	// Target OID: captured before the chosen process, else the previous
	// process's after OID.
	targetOID := process.BeforeHeadCommit
	if targetOID == nil {
		targetOID, err = s.db.PrevAfterHeadCommit(ctx, attempt.ID, process.ID)
		if err != nil {
			return nil, err
		}
	}

	result := &ReplaceResult{TargetBeforeOID: targetOID}
	if req.PerformGitReset && targetOID != nil {
		worktreePath, err := s.container.EnsureContainerExists(ctx, attempt)
		if err != nil {
			return nil, err
		}
		headOID := ""
		if info, err := s.git.GetHeadInfo(worktreePath); err == nil {
			headOID = info.OID
		}
		isDirty := false
		if clean := s.container.IsContainerClean(ctx, attempt); clean != nil {
			isDirty = !*clean
		}
		if headOID != *targetOID || isDirty {
			result.GitResetNeeded = true
			if isDirty && !req.ForceWhenDirty {
				// Cannot reset now; the drop still proceeds and the new run
				// starts against the current tree.
			} else if err := s.git.ResetWorktreeToCommit(ctx, worktreePath, *targetOID, req.ForceWhenDirty); err != nil {
				slog.Error("worktree reset failed", "attempt", attempt.ID, "oid", *targetOID, "err", err)
			} else {
				result.GitResetApplied = true
			}
		}
	}

	s.container.TryStop(ctx, attempt)

	deleted, err := s.db.DropAtAndAfter(ctx, attempt.ID, process.ID)
	if err != nil {
		return nil, err
	}
	result.DeletedCount = deleted

	// Inherit the chosen process's profile, overriding the variant.
	profile := executors.Profile{Executor: attempt.Executor}
	if action, err := executors.UnmarshalAction(process.ExecutorAction); err == nil && action.Profile.Executor != "" {
		profile = action.Profile
	}
	if req.Variant != nil {
		profile.Variant = *req.Variant
	}

	// Continue from the latest surviving session; none means the first run
	// was replaced and the agent starts over.
	sessionID, err := s.db.LatestSessionIDForAttempt(ctx, attempt.ID)
	if err != nil {
		return nil, err
	}
	var action *executors.Action
	if sessionID != nil {
		action = executors.NewFollowUp(req.Prompt, *sessionID, profile, nil)
	} else {
		action = executors.NewInitial(req.Prompt, profile, nil)
	}

	execution, err := s.container.StartExecution(ctx, attempt, action, db.RunCodingAgent)
	if err != nil {
		return nil, err
	}
	result.NewExecutionID = &execution.ID
	return result, nil
}
