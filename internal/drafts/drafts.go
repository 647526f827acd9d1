// Package drafts manages per-attempt follow-up and retry drafts and the
// handoff protocol that turns a queued draft into exactly one coding-agent
// run, no matter how many clients race on it. The queued flag is the user's
// intent; the sending flag is a database-level lock acquired by a single
// compare-and-swap statement.
package drafts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/verkstad/verkstad/internal/container"
	"github.com/verkstad/verkstad/internal/db"
	"github.com/verkstad/verkstad/internal/executors"
	"github.com/verkstad/verkstad/internal/images"
)

// retryRecheckDelay is how long a handoff winner whose start failed waits
// before re-checking eligibility and retrying once.
const retryRecheckDelay = 1200 * time.Millisecond

// ErrConflict is an optimistic-concurrency failure; the client reloads the
// draft and retries.
var ErrConflict = errors.New("draft changed, retry with the latest version")

// ErrQueued rejects edits to a queued draft; the client must unqueue first.
var ErrQueued = errors.New("draft is queued; unqueue before editing")

// Response is the client-facing draft projection. A missing row reads as a
// synthetic empty draft at version 0.
type Response struct {
	TaskAttemptID  uuid.UUID    `json:"task_attempt_id"`
	DraftType      db.DraftType `json:"draft_type"`
	RetryProcessID *uuid.UUID   `json:"retry_process_id,omitempty"`
	Prompt         string       `json:"prompt"`
	Queued         bool         `json:"queued"`
	Sending        bool         `json:"sending"`
	Variant        *string      `json:"variant,omitempty"`
	ImageIDs       []uuid.UUID  `json:"image_ids,omitempty"`
	Version        int64        `json:"version"`
}

// UpdateRequest carries a partial draft edit. Nil fields are left unchanged;
// VariantSet distinguishes clearing the variant from not touching it.
type UpdateRequest struct {
	Prompt         *string
	Variant        *string
	VariantSet     bool
	ImageIDs       []uuid.UUID
	ImageIDsSet    bool
	RetryProcessID *uuid.UUID
	Version        *int64
}

// QueueRequest flips the queued flag with optional optimistic guards.
type QueueRequest struct {
	Queued          bool
	ExpectedQueued  *bool
	ExpectedVersion *int64
}

// Service implements draft persistence and the auto-start handoff.
type Service struct {
	db        *db.DB
	container *container.Service
	images    *images.Service
}

// New wires the service and hooks the container's exit path so queued
// follow-ups start as soon as the running process finishes.
func New(d *db.DB, c *container.Service, img *images.Service) *Service {
	s := &Service{db: d, container: c, images: img}
	c.SetOnProcessExit(func(ctx context.Context, attemptID uuid.UUID) {
		s.maybeStartQueued(ctx, attemptID)
	})
	return s
}

func toResponse(attemptID uuid.UUID, typ db.DraftType, dr *db.Draft) Response {
	if dr == nil {
		return Response{TaskAttemptID: attemptID, DraftType: typ}
	}
	resp := Response{
		TaskAttemptID: dr.TaskAttemptID,
		DraftType:     dr.DraftType,
		Prompt:        dr.Prompt,
		Queued:        dr.Queued,
		Sending:       dr.Sending,
		Variant:       dr.Variant,
		ImageIDs:      dr.Images(),
		Version:       dr.Version,
	}
	if dr.RetryProcessID.Valid {
		id := dr.RetryProcessID.UUID
		resp.RetryProcessID = &id
	}
	return resp
}

// Get returns the draft, or the synthetic empty row when none exists.
func (s *Service) Get(ctx context.Context, attemptID uuid.UUID, typ db.DraftType) (Response, error) {
	dr, err := s.db.DraftByAttemptAndType(ctx, attemptID, typ)
	if err != nil {
		return Response{}, err
	}
	return toResponse(attemptID, typ, dr), nil
}

// Save applies a partial edit. Refused while the draft is queued and when
// the expected version is stale. Retry drafts are created on first save and
// must name their target process.
func (s *Service) Save(ctx context.Context, attempt *db.TaskAttempt, typ db.DraftType, req UpdateRequest) (Response, error) {
	existing, err := s.db.DraftByAttemptAndType(ctx, attempt.ID, typ)
	if err != nil {
		return Response{}, err
	}

	if typ == db.DraftFollowUp && existing == nil {
		if err := s.db.UpsertDraft(ctx, &db.Draft{TaskAttemptID: attempt.ID, DraftType: typ}); err != nil {
			return Response{}, err
		}
		existing, err = s.db.DraftByAttemptAndType(ctx, attempt.ID, typ)
		if err != nil {
			return Response{}, err
		}
	}

	if existing != nil {
		if existing.Queued {
			return Response{}, ErrQueued
		}
		if req.Version != nil && existing.Version != *req.Version {
			return Response{}, ErrConflict
		}
	}

	if typ == db.DraftRetry && existing == nil {
		if req.RetryProcessID == nil {
			return Response{}, db.ErrRetryProcessRequired
		}
		prompt := ""
		if req.Prompt != nil {
			prompt = *req.Prompt
		}
		dr := &db.Draft{
			TaskAttemptID:  attempt.ID,
			DraftType:      db.DraftRetry,
			RetryProcessID: uuid.NullUUID{UUID: *req.RetryProcessID, Valid: true},
			Prompt:         prompt,
			Variant:        req.Variant,
			ImageIDs:       db.EncodeImageIDs(req.ImageIDs),
		}
		if err := s.db.UpsertDraft(ctx, dr); err != nil {
			return Response{}, err
		}
	} else {
		upd := db.DraftFieldUpdate{
			Prompt:         req.Prompt,
			Variant:        req.Variant,
			VariantSet:     req.VariantSet,
			ImageIDs:       req.ImageIDs,
			ImageIDsSet:    req.ImageIDsSet,
			RetryProcessID: req.RetryProcessID,
		}
		if err := s.db.UpdateDraftPartial(ctx, attempt.ID, typ, upd); err != nil {
			return Response{}, err
		}
	}

	if len(req.ImageIDs) > 0 {
		if err := s.db.AssociateTaskImages(ctx, attempt.TaskID, req.ImageIDs); err != nil {
			return Response{}, err
		}
	}

	return s.Get(ctx, attempt.ID, typ)
}

// Delete removes a draft row (used to discard a retry intent).
func (s *Service) Delete(ctx context.Context, attemptID uuid.UUID, typ db.DraftType) error {
	return s.db.DeleteDraft(ctx, attemptID, typ)
}

// ReleaseSending clears a stuck sending flag. This is the operator escape
// hatch for a handoff winner that died before starting the execution; it is
// never called automatically.
func (s *Service) ReleaseSending(ctx context.Context, attemptID uuid.UUID, typ db.DraftType) error {
	return s.db.ClearDraftSending(ctx, attemptID, typ)
}

// SetQueue flips the queued flag under the request's optimistic guards and,
// when the draft ends up queued with no process running, races for the send
// lock and starts the follow-up on a win.
func (s *Service) SetQueue(ctx context.Context, attempt *db.TaskAttempt, typ db.DraftType, req QueueRequest) (Response, error) {
	rows, err := s.db.SetDraftQueued(ctx, attempt.ID, typ, req.Queued, req.ExpectedQueued, req.ExpectedVersion)
	if err != nil {
		return Response{}, err
	}
	dr, err := s.db.DraftByAttemptAndType(ctx, attempt.ID, typ)
	if err != nil {
		return Response{}, err
	}
	if rows == 0 {
		if dr == nil {
			return Response{}, fmt.Errorf("%w: no draft to queue", ErrConflict)
		}
		return Response{}, ErrConflict
	}

	if dr != nil && dr.Queued {
		s.tryHandoff(ctx, attempt.ID, typ)
	}

	return s.Get(ctx, attempt.ID, typ)
}

// maybeStartQueued is the post-exit hook: a draft queued while a process was
// running becomes eligible the moment the process finishes.
func (s *Service) maybeStartQueued(ctx context.Context, attemptID uuid.UUID) {
	for _, typ := range []db.DraftType{db.DraftFollowUp, db.DraftRetry} {
		dr, err := s.db.DraftByAttemptAndType(ctx, attemptID, typ)
		if err != nil {
			slog.Error("could not load draft after process exit", "attempt", attemptID, "err", err)
			return
		}
		if dr != nil && dr.Queued && !dr.Sending {
			s.tryHandoff(ctx, attemptID, typ)
			return
		}
	}
}

// tryHandoff starts the queued draft when no process is running and this
// caller wins the sending CAS. A caller that finds a process running, or
// loses the CAS, does nothing. A winner whose start attempt fails keeps
// sending set (see ReleaseSending) and retries once after retryRecheckDelay
// (see retryHandoff).
func (s *Service) tryHandoff(ctx context.Context, attemptID uuid.UUID, typ db.DraftType) {
	running, err := s.db.RunningProcessForAttempt(ctx, attemptID)
	if err != nil {
		slog.Error("could not check running processes", "attempt", attemptID, "err", err)
		return
	}
	if running != nil {
		return
	}
	won, err := s.db.TryMarkSending(ctx, attemptID, typ)
	if err != nil {
		slog.Error("send-lock CAS failed", "attempt", attemptID, "err", err)
		return
	}
	if !won {
		return
	}
	if err := s.startFromDraft(ctx, attemptID, typ); err != nil {
		slog.Error("follow-up start failed", "attempt", attemptID, "type", typ, "err", err)
		go func() {
			time.Sleep(retryRecheckDelay)
			s.retryHandoff(attemptID, typ)
		}()
	}
}

// retryHandoff is the delayed second attempt after a failed start. The
// sending lock is still held by us, so the start is retried directly; a
// second failure leaves the draft stuck-sending by design.
func (s *Service) retryHandoff(attemptID uuid.UUID, typ db.DraftType) {
	ctx := context.Background()
	dr, err := s.db.DraftByAttemptAndType(ctx, attemptID, typ)
	if err != nil || dr == nil || !dr.Queued || !dr.Sending {
		return
	}
	if running, err := s.db.RunningProcessForAttempt(ctx, attemptID); err != nil || running != nil {
		return
	}
	if err := s.startFromDraft(ctx, attemptID, typ); err != nil {
		slog.Error("follow-up retry failed, draft stays sending", "attempt", attemptID, "err", err)
	}
}

// startFromDraft builds and starts the execution described by the draft,
// then clears the draft. Must only run while holding the sending lock.
func (s *Service) startFromDraft(ctx context.Context, attemptID uuid.UUID, typ db.DraftType) error {
	attempt, err := s.db.TaskAttemptByID(ctx, attemptID)
	if err != nil {
		return err
	}
	if attempt == nil {
		return fmt.Errorf("attempt %s not found", attemptID)
	}
	dr, err := s.db.DraftByAttemptAndType(ctx, attemptID, typ)
	if err != nil {
		return err
	}
	if dr == nil {
		return fmt.Errorf("draft vanished for attempt %s", attemptID)
	}

	worktreePath, err := s.container.EnsureContainerExists(ctx, attempt)
	if err != nil {
		return err
	}

	profile, err := s.inheritedProfile(ctx, attempt, dr.Variant)
	if err != nil {
		return err
	}

	prompt := dr.Prompt
	if imageIDs := dr.Images(); len(imageIDs) > 0 && s.images != nil {
		if err := s.db.AssociateTaskImages(ctx, attempt.TaskID, imageIDs); err != nil {
			return err
		}
		if err := s.images.CopyToWorktree(ctx, worktreePath, imageIDs); err != nil {
			return err
		}
		prompt = images.CanonicalizePaths(prompt, worktreePath)
	}

	actx, err := s.db.LoadAttemptContext(ctx, attempt.ID)
	if err != nil {
		return err
	}
	var cleanup *executors.Action
	if actx.Project.CleanupScript != nil && *actx.Project.CleanupScript != "" {
		cleanup = executors.NewScript(*actx.Project.CleanupScript, executors.ScriptCleanup, nil)
	}

	sessionID, err := s.db.LatestSessionIDForAttempt(ctx, attempt.ID)
	if err != nil {
		return err
	}
	var action *executors.Action
	if sessionID != nil {
		action = executors.NewFollowUp(prompt, *sessionID, profile, cleanup)
	} else {
		// First run on this attempt: the queued draft becomes the initial
		// request.
		action = executors.NewInitial(prompt, profile, cleanup)
	}

	if _, err := s.container.StartExecution(ctx, attempt, action, db.RunCodingAgent); err != nil {
		return err
	}
	if err := s.db.ClearDraftAfterSend(ctx, attempt.ID, typ); err != nil {
		slog.Error("could not clear draft after send", "attempt", attempt.ID, "err", err)
	}
	return nil
}

// inheritedProfile carries the executor of the most recent coding-agent
// process forward, overriding the variant with the draft's when present.
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
