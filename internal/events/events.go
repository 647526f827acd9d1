// Package events turns database row changes into JSON-Patch messages on a
// process-wide broadcast topic, with filtered subscriptions per project and
// per attempt. The driver's update hook supplies (operation, table, rowid);
// the service resolves the row asynchronously and emits replace patches,
// while deletes resolve their patch path through a rowid cache primed at
// install time; SQLite has already dropped the row by the time the hook
// fires.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/verkstad/verkstad/internal/db"
	"github.com/verkstad/verkstad/internal/msgstore"
)

// Service is the change broadcaster.
type Service struct {
	db    *db.DB
	topic *msgstore.Store

	mu     sync.Mutex
	rowIDs map[string]map[int64]string // table -> rowid -> patch path
}

// New returns a Service broadcasting on a fresh topic store.
func New(d *db.DB) *Service {
	return &Service{
		db:     d,
		topic:  msgstore.New(),
		rowIDs: make(map[string]map[int64]string),
	}
}

// Install primes the rowid cache and registers the row-change hook. Call
// once, before writers start.
func (s *Service) Install(ctx context.Context) error {
	for _, table := range []string{"tasks", "task_attempts", "execution_processes"} {
		ids, err := s.db.RowIDMap(ctx, table)
		if err != nil {
			return fmt.Errorf("prime rowid cache for %s: %w", table, err)
		}
		m := make(map[int64]string, len(ids))
		for rowid, id := range ids {
			m[rowid] = collectionPath(table, id)
		}
		s.mu.Lock()
		s.rowIDs[table] = m
		s.mu.Unlock()
	}
	keys, err := s.db.DraftKeys(ctx)
	if err != nil {
		return fmt.Errorf("prime rowid cache for drafts: %w", err)
	}
	m := make(map[int64]string, len(keys))
	for _, k := range keys {
		m[k.RowID] = draftPath(k.TaskAttemptID, k.DraftType)
	}
	s.mu.Lock()
	s.rowIDs["drafts"] = m
	s.mu.Unlock()

	db.SetUpdateHook(s.handleHook)
	return nil
}

func collectionPath(table string, id uuid.UUID) string {
	switch table {
	case "tasks":
		return "/tasks/" + id.String()
	case "task_attempts":
		return "/task_attempts/" + id.String()
	case "execution_processes":
		return "/execution_processes/" + id.String()
	}
	return "/" + table + "/" + id.String()
}

func draftPath(attemptID uuid.UUID, typ db.DraftType) string {
	return fmt.Sprintf("/drafts/%s/%s", attemptID, typ)
}

// rememberPath records a row's patch path for later delete resolution.
func (s *Service) rememberPath(table string, rowid int64, path string) {
	s.mu.Lock()
	if s.rowIDs[table] == nil {
		s.rowIDs[table] = make(map[int64]string)
	}
	s.rowIDs[table][rowid] = path
	s.mu.Unlock()
}

func (s *Service) forgetPath(table string, rowid int64) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	path, ok := s.rowIDs[table][rowid]
	if ok {
		delete(s.rowIDs[table], rowid)
	}
	return path, ok
}

// handleHook runs inside the driver on the writer's goroutine; anything
// touching the database is deferred to a fresh goroutine.
func (s *Service) handleHook(op db.HookOp, table string, rowid int64) {
	if !db.HookTable(table) {
		return
	}
	if op == db.HookDelete {
		path, ok := s.forgetPath(table, rowid)
		if !ok {
			slog.Debug("delete for unknown rowid", "table", table, "rowid", rowid)
			return
		}
		s.pushPatch(patchOp{Op: "remove", Path: path})
		return
	}
	go s.handleRowChange(table, rowid)
}

// handleRowChange fetches the changed row and emits its patches. A row that
// is gone by the time we look (racey delete) is skipped; the delete hook
// already emitted the remove.
func (s *Service) handleRowChange(table string, rowid int64) {
	ctx := context.Background()
	switch table {
	case "tasks":
		task, err := s.db.TaskByRowID(ctx, rowid)
		if err != nil || task == nil {
			return
		}
		s.rememberPath(table, rowid, collectionPath(table, task.ID))
		s.pushTaskReplace(ctx, task.ID)
	case "task_attempts":
		attempt, err := s.db.TaskAttemptByRowID(ctx, rowid)
		if err != nil || attempt == nil {
			return
		}
		s.rememberPath(table, rowid, collectionPath(table, attempt.ID))
		// Attempts surface to clients through their task's status flags.
		s.pushTaskReplace(ctx, attempt.TaskID)
	case "execution_processes":
		process, err := s.db.ExecutionProcessByRowID(ctx, rowid)
		if err != nil || process == nil {
			return
		}
		s.rememberPath(table, rowid, collectionPath(table, process.ID))
		s.pushReplace(collectionPath(table, process.ID), process)
		if attempt, err := s.db.TaskAttemptByID(ctx, process.TaskAttemptID); err == nil && attempt != nil {
			s.pushTaskReplace(ctx, attempt.TaskID)
		}
	case "drafts":
		draft, err := s.db.DraftByRowID(ctx, rowid)
		if err != nil || draft == nil {
			return
		}
		path := draftPath(draft.TaskAttemptID, draft.DraftType)
		s.rememberPath(table, rowid, path)
		s.pushReplace(path, draft)
	}
}

// pushTaskReplace emits the task-with-attempt-status projection for a task.
func (s *Service) pushTaskReplace(ctx context.Context, taskID uuid.UUID) {
	task, err := s.db.TaskWithStatusByID(ctx, taskID)
	if err != nil || task == nil {
		return
	}
	s.pushReplace("/tasks/"+task.ID.String(), task)
}

type patchOp struct {
	Op    string          `json:"op"`
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value,omitempty"`
}

func (s *Service) pushReplace(path string, value any) {
	data, err := json.Marshal(value)
	if err != nil {
		slog.Error("could not marshal patch value", "path", path, "err", err)
		return
	}
	s.pushPatch(patchOp{Op: "replace", Path: path, Value: data})
}

func (s *Service) pushPatch(ops ...patchOp) {
	data, err := json.Marshal(ops)
	if err != nil {
		slog.Error("could not marshal patch", "err", err)
		return
	}
	s.topic.PushPatch(data)
}

// Close terminates the topic; every live subscription ends.
func (s *Service) Close() {
	s.topic.PushFinished()
}
