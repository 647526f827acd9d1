package events

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/verkstad/verkstad/internal/db"
	"github.com/verkstad/verkstad/internal/msgstore"
)

// Stream is one filtered subscription: an initial snapshot patch followed by
// live patches, each a serialized JSON-Patch array. C closes when the
// subscriber lags, the topic ends, or Close is called; laggards reconnect
// and start from a fresh snapshot.
type Stream struct {
	C <-chan json.RawMessage

	sub *msgstore.Subscription
}

// Close detaches the stream.
func (s *Stream) Close() {
	if s.sub != nil {
		s.sub.Close()
	}
}

// newStream pumps the snapshot and then live patches that pass the filter.
// filter returns the (possibly rewritten) patch to forward, or nil to drop.
func (s *Service) newStream(snapshot json.RawMessage, filter func(ops []patchOp, raw json.RawMessage) json.RawMessage) *Stream {
	sub := s.topic.Subscribe()
	out := make(chan json.RawMessage, 256)
	go func() {
		defer close(out)
		out <- snapshot
		for m := range sub.C {
			if m.Kind != msgstore.KindJSONPatch {
				continue
			}
			var ops []patchOp
			if err := json.Unmarshal(m.Patch, &ops); err != nil || len(ops) == 0 {
				continue
			}
			if fwd := filter(ops, m.Patch); fwd != nil {
				select {
				case out <- fwd:
				default:
					// Subscriber is not keeping up; cut it loose like the
					// underlying broadcast would.
					sub.Close()
					return
				}
			}
		}
	}()
	return &Stream{C: out, sub: sub}
}

func snapshotPatch(path string, value any) (json.RawMessage, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return json.Marshal([]patchOp{{Op: "replace", Path: path, Value: data}})
}

// StreamTasks snapshots every task in the project keyed by id, then passes
// through live task patches belonging to the project. Task removes pass
// through unconditionally; the row is gone, so project membership cannot be
// checked, and clients ignore removes for unknown ids.
func (s *Service) StreamTasks(ctx context.Context, projectID uuid.UUID) (*Stream, error) {
	tasks, err := s.db.TasksWithStatusByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]db.TaskWithAttemptStatus, len(tasks))
	for _, t := range tasks {
		byID[t.ID.String()] = t
	}
	snapshot, err := snapshotPatch("/tasks", byID)
	if err != nil {
		return nil, err
	}

	return s.newStream(snapshot, func(ops []patchOp, raw json.RawMessage) json.RawMessage {
		op := ops[0]
		if !strings.HasPrefix(op.Path, "/tasks/") {
			return nil
		}
		if op.Op == "remove" {
			return raw
		}
		var task db.TaskWithAttemptStatus
		if err := json.Unmarshal(op.Value, &task); err != nil {
			return nil
		}
		if task.ProjectID != projectID {
			return nil
		}
		return raw
	}), nil
}

// StreamExecutionProcesses snapshots the attempt's process set, then
// live-filters process patches for it. With showDropped unset, a process
// flipping to dropped surfaces as a synthetic remove.
func (s *Service) StreamExecutionProcesses(ctx context.Context, attemptID uuid.UUID, showDropped bool) (*Stream, error) {
	processes, err := s.db.ExecutionProcessesByAttempt(ctx, attemptID, showDropped)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]db.ExecutionProcess, len(processes))
	for _, p := range processes {
		byID[p.ID.String()] = p
	}
	snapshot, err := snapshotPatch("/execution_processes", byID)
	if err != nil {
		return nil, err
	}

	return s.newStream(snapshot, func(ops []patchOp, raw json.RawMessage) json.RawMessage {
		op := ops[0]
		if !strings.HasPrefix(op.Path, "/execution_processes/") {
			return nil
		}
		if op.Op == "remove" {
			return raw
		}
		var process db.ExecutionProcess
		if err := json.Unmarshal(op.Value, &process); err != nil {
			return nil
		}
		if process.TaskAttemptID != attemptID {
			return nil
		}
		if !showDropped && process.Dropped {
			removed, err := json.Marshal([]patchOp{{Op: "remove", Path: op.Path}})
			if err != nil {
				return nil
			}
			return removed
		}
		return raw
	}), nil
}

// StreamFollowUpDraft snapshots the attempt's follow-up draft (or the
// synthetic empty row) at /follow_up_draft and maps live draft patches onto
// that path.
func (s *Service) StreamFollowUpDraft(ctx context.Context, attemptID uuid.UUID) (*Stream, error) {
	draft, err := s.db.DraftByAttemptAndType(ctx, attemptID, db.DraftFollowUp)
	if err != nil {
		return nil, err
	}
	var value any
	if draft != nil {
		value = draft
	} else {
		value = db.Draft{TaskAttemptID: attemptID, DraftType: db.DraftFollowUp}
	}
	snapshot, err := snapshotPatch("/follow_up_draft", value)
	if err != nil {
		return nil, err
	}

	wantPath := draftPath(attemptID, db.DraftFollowUp)
	return s.newStream(snapshot, func(ops []patchOp, raw json.RawMessage) json.RawMessage {
		op := ops[0]
		if op.Path != wantPath || op.Op == "remove" {
			return nil
		}
		mapped, err := json.Marshal([]patchOp{{Op: "replace", Path: "/follow_up_draft", Value: op.Value}})
		if err != nil {
			return nil
		}
		return mapped
	}), nil
}
