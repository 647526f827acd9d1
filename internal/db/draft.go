package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DraftType distinguishes the two draft kinds an attempt can carry.
type DraftType string

const (
	DraftFollowUp DraftType = "follow_up"
	DraftRetry    DraftType = "retry"
)

// ErrRetryProcessRequired rejects a retry draft without its target process.
var ErrRetryProcessRequired = errors.New("retry_process_id is required for retry drafts")

// Draft is a persistent, editable intent-to-run on an attempt. queued and
// sending form the handoff FSM that guarantees at-most-one in-flight
// follow-up start across concurrent clients; version increments on every
// mutation and backs optimistic concurrency.
type Draft struct {
	ID             uuid.UUID     `db:"id" json:"id"`
	TaskAttemptID  uuid.UUID     `db:"task_attempt_id" json:"task_attempt_id"`
	DraftType      DraftType     `db:"draft_type" json:"draft_type"`
	RetryProcessID uuid.NullUUID `db:"retry_process_id" json:"retry_process_id,omitempty"`
	Prompt         string        `db:"prompt" json:"prompt"`
	Queued         bool          `db:"queued" json:"queued"`
	Sending        bool          `db:"sending" json:"sending"`
	Variant        *string       `db:"variant" json:"variant,omitempty"`
	ImageIDs       *string       `db:"image_ids" json:"-"`
	Version        int64         `db:"version" json:"version"`
	CreatedAt      time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time     `db:"updated_at" json:"updated_at"`
}

// Images decodes the draft's image id list.
func (dr *Draft) Images() []uuid.UUID {
	if dr.ImageIDs == nil || *dr.ImageIDs == "" {
		return nil
	}
	var ids []uuid.UUID
	if err := json.Unmarshal([]byte(*dr.ImageIDs), &ids); err != nil {
		return nil
	}
	return ids
}

// EncodeImageIDs serializes ids for storage. Returns nil for an empty list.
func EncodeImageIDs(ids []uuid.UUID) *string {
	if len(ids) == 0 {
		return nil
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return nil
	}
	s := string(data)
	return &s
}

const draftColumns = `id, task_attempt_id, draft_type, retry_process_id, prompt, queued,
	sending, variant, image_ids, version, created_at, updated_at`

// DraftByAttemptAndType fetches a draft, or nil when absent.
func (d *DB) DraftByAttemptAndType(ctx context.Context, attemptID uuid.UUID, typ DraftType) (*Draft, error) {
	var dr Draft
	err := d.GetContext(ctx, &dr, `
		SELECT `+draftColumns+` FROM drafts
		WHERE task_attempt_id = ? AND draft_type = ?`, attemptID, typ)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &dr, nil
}

func (d *DB) DraftByRowID(ctx context.Context, rowid int64) (*Draft, error) {
	var dr Draft
	err := d.GetContext(ctx, &dr, `SELECT `+draftColumns+` FROM drafts WHERE rowid = ?`, rowid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &dr, nil
}

// DraftKey locates a draft row for the event bus: the pieces of its patch
// path plus its rowid.
type DraftKey struct {
	RowID         int64     `db:"rowid"`
	TaskAttemptID uuid.UUID `db:"task_attempt_id"`
	DraftType     DraftType `db:"draft_type"`
}

// DraftKeys lists every draft's rowid and path components.
func (d *DB) DraftKeys(ctx context.Context) ([]DraftKey, error) {
	var out []DraftKey
	err := d.SelectContext(ctx, &out, `SELECT rowid, task_attempt_id, draft_type FROM drafts`)
	return out, err
}

// UpsertDraft inserts or replaces the draft identified by (attempt, type),
// bumping version on replace. Retry drafts must carry retry_process_id.
func (d *DB) UpsertDraft(ctx context.Context, dr *Draft) error {
	if dr.DraftType == DraftRetry && !dr.RetryProcessID.Valid {
		return ErrRetryProcessRequired
	}
	if dr.ID == uuid.Nil {
		dr.ID = uuid.New()
	}
	ts := now()
	dr.CreatedAt, dr.UpdatedAt = ts, ts
	_, err := d.NamedExecContext(ctx, `
		INSERT INTO drafts (`+draftColumns+`)
		VALUES (:id, :task_attempt_id, :draft_type, :retry_process_id, :prompt, :queued,
		        :sending, :variant, :image_ids, :version, :created_at, :updated_at)
		ON CONFLICT (task_attempt_id, draft_type) DO UPDATE SET
		    retry_process_id = excluded.retry_process_id,
		    prompt           = excluded.prompt,
		    queued           = excluded.queued,
		    variant          = excluded.variant,
		    image_ids        = excluded.image_ids,
		    updated_at       = excluded.updated_at,
		    version          = drafts.version + 1`, dr)
	return err
}

// DraftFieldUpdate carries the partially provided fields of an update; nil
// means leave unchanged. VariantSet distinguishes "set variant to NULL" from
// "leave variant alone".
type DraftFieldUpdate struct {
	Prompt         *string
	Variant        *string
	VariantSet     bool
	ImageIDs       []uuid.UUID
	ImageIDsSet    bool
	RetryProcessID *uuid.UUID
}

// UpdateDraftPartial writes only the provided fields and bumps version. A
// no-field update is a no-op.
func (d *DB) UpdateDraftPartial(ctx context.Context, attemptID uuid.UUID, typ DraftType, upd DraftFieldUpdate) error {
	var sets []string
	var args []any
	if upd.RetryProcessID != nil {
		sets = append(sets, "retry_process_id = ?")
		args = append(args, *upd.RetryProcessID)
	}
	if upd.Prompt != nil {
		sets = append(sets, "prompt = ?")
		args = append(args, *upd.Prompt)
	}
	if upd.VariantSet {
		sets = append(sets, "variant = ?")
		args = append(args, upd.Variant)
	}
	if upd.ImageIDsSet {
		sets = append(sets, "image_ids = ?")
		args = append(args, EncodeImageIDs(upd.ImageIDs))
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?", "version = version + 1")
	args = append(args, now(), attemptID, typ)
	_, err := d.ExecContext(ctx, `
		UPDATE drafts SET `+strings.Join(sets, ", ")+`
		WHERE task_attempt_id = ? AND draft_type = ?`, args...)
	return err
}

// SetDraftQueued flips the queued flag with optimistic guards. Queuing an
// empty prompt leaves queued at 0; unqueue is unconditional. Returns the
// affected row count: 0 signals a CAS conflict the caller surfaces.
func (d *DB) SetDraftQueued(ctx context.Context, attemptID uuid.UUID, typ DraftType, queued bool, expectedQueued *bool, expectedVersion *int64) (int64, error) {
	return d.execRows(ctx, `
		UPDATE drafts
		SET queued = CASE WHEN ?1 THEN (TRIM(prompt) <> '') ELSE 0 END,
		    updated_at = ?2,
		    version = version + 1
		WHERE task_attempt_id = ?3
		  AND draft_type = ?4
		  AND (?5 IS NULL OR queued = ?5)
		  AND (?6 IS NULL OR version = ?6)`,
		queued, now(), attemptID, typ, expectedQueued, expectedVersion)
}

// TryMarkSending atomically acquires the exclusive send lock: a queued,
// non-sending draft with a non-empty prompt transitions to sending. Exactly
// one of N concurrent callers observes true.
func (d *DB) TryMarkSending(ctx context.Context, attemptID uuid.UUID, typ DraftType) (bool, error) {
	n, err := d.execRows(ctx, `
		UPDATE drafts
		SET sending = 1, updated_at = ?, version = version + 1
		WHERE task_attempt_id = ?
		  AND draft_type = ?
		  AND queued = 1
		  AND sending = 0
		  AND TRIM(prompt) <> ''`, now(), attemptID, typ)
	return n > 0, err
}

// ClearDraftAfterSend resets a follow-up draft to empty (idempotent) or
// deletes a retry draft outright.
func (d *DB) ClearDraftAfterSend(ctx context.Context, attemptID uuid.UUID, typ DraftType) error {
	if typ == DraftRetry {
		_, err := d.ExecContext(ctx,
			`DELETE FROM drafts WHERE task_attempt_id = ? AND draft_type = ?`, attemptID, typ)
		return err
	}
	_, err := d.ExecContext(ctx, `
		UPDATE drafts
		SET prompt = '', queued = 0, sending = 0, image_ids = NULL,
		    updated_at = ?, version = version + 1
		WHERE task_attempt_id = ? AND draft_type = ?`, now(), attemptID, typ)
	return err
}

// ClearDraftSending releases the send lock after a failed handoff so a later
// retry can reacquire it.
func (d *DB) ClearDraftSending(ctx context.Context, attemptID uuid.UUID, typ DraftType) error {
	_, err := d.ExecContext(ctx, `
		UPDATE drafts SET sending = 0, updated_at = ?, version = version + 1
		WHERE task_attempt_id = ? AND draft_type = ? AND sending = 1`, now(), attemptID, typ)
	return err
}

// DeleteDraft removes a draft row.
func (d *DB) DeleteDraft(ctx context.Context, attemptID uuid.UUID, typ DraftType) error {
	_, err := d.ExecContext(ctx,
		`DELETE FROM drafts WHERE task_attempt_id = ? AND draft_type = ?`, attemptID, typ)
	return err
}
