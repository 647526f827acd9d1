package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/verkstad/verkstad/internal/db"
)

type fixture struct {
	db      *db.DB
	svc     *Service
	project *db.Project
	task    *db.Task
	attempt *db.TaskAttempt
}

func setup(t *testing.T) *fixture {
	t.Helper()
	d, err := db.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	ctx := context.Background()
	project := &db.Project{Name: "demo", GitRepoPath: "/tmp/demo"}
	require.NoError(t, d.CreateProject(ctx, project))
	task := &db.Task{ProjectID: project.ID, Title: "Watch me"}
	require.NoError(t, d.CreateTask(ctx, task))
	attempt := &db.TaskAttempt{TaskID: task.ID, Executor: "claude", BaseBranch: "main"}
	require.NoError(t, d.CreateTaskAttempt(ctx, attempt))

	svc := New(d)
	require.NoError(t, svc.Install(ctx))
	t.Cleanup(func() {
		db.SetUpdateHook(nil)
		svc.Close()
	})
	return &fixture{db: d, svc: svc, project: project, task: task, attempt: attempt}
}

// nextMatching reads patches from the stream until pred accepts one.
func nextMatching(t *testing.T, s *Stream, pred func(op patchOp) bool) patchOp {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case raw, ok := <-s.C:
			if !ok {
				t.Fatal("stream closed before a matching patch arrived")
			}
			var ops []patchOp
			require.NoError(t, json.Unmarshal(raw, &ops))
			for _, op := range ops {
				if pred(op) {
					return op
				}
			}
		case <-deadline:
			t.Fatal("no matching patch within deadline")
		}
	}
}

func TestTaskStreamSnapshotAndLive(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	stream, err := f.svc.StreamTasks(ctx, f.project.ID)
	require.NoError(t, err)
	defer stream.Close()

	// First message is the full snapshot keyed by id.
	snapshot := nextMatching(t, stream, func(op patchOp) bool { return op.Path == "/tasks" })
	require.Equal(t, "replace", snapshot.Op)
	var byID map[string]db.TaskWithAttemptStatus
	require.NoError(t, json.Unmarshal(snapshot.Value, &byID))
	require.Contains(t, byID, f.task.ID.String())

	// A status change arrives as a live replace of the projection.
	require.NoError(t, f.db.UpdateTaskStatus(ctx, f.task.ID, db.TaskInReview))
	wantPath := "/tasks/" + f.task.ID.String()
	op := nextMatching(t, stream, func(op patchOp) bool { return op.Path == wantPath })
	require.Equal(t, "replace", op.Op)
	var task db.TaskWithAttemptStatus
	require.NoError(t, json.Unmarshal(op.Value, &task))
	require.Equal(t, db.TaskInReview, task.Status)
}

func TestTaskStreamFiltersOtherProjects(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	other := &db.Project{Name: "other", GitRepoPath: "/tmp/other"}
	require.NoError(t, f.db.CreateProject(ctx, other))

	stream, err := f.svc.StreamTasks(ctx, other.ID)
	require.NoError(t, err)
	defer stream.Close()
	<-stream.C // snapshot

	require.NoError(t, f.db.UpdateTaskStatus(ctx, f.task.ID, db.TaskDone))

	select {
	case raw, ok := <-stream.C:
		if ok {
			var ops []patchOp
			require.NoError(t, json.Unmarshal(raw, &ops))
			for _, op := range ops {
				require.NotEqual(t, "/tasks/"+f.task.ID.String(), op.Path,
					"foreign project patches must be filtered")
			}
		}
	case <-time.After(500 * time.Millisecond):
	}
}

func TestProcessChangeEmitsProcessAndTaskPatches(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	procStream, err := f.svc.StreamExecutionProcesses(ctx, f.attempt.ID, false)
	require.NoError(t, err)
	defer procStream.Close()
	taskStream, err := f.svc.StreamTasks(ctx, f.project.ID)
	require.NoError(t, err)
	defer taskStream.Close()
	<-procStream.C
	<-taskStream.C

	process := &db.ExecutionProcess{
		TaskAttemptID:  f.attempt.ID,
		RunReason:      db.RunCodingAgent,
		ExecutorAction: []byte(`{"kind":"coding_agent_initial","prompt":"x"}`),
	}
	require.NoError(t, f.db.CreateExecutionProcess(ctx, process))

	wantPath := "/execution_processes/" + process.ID.String()
	op := nextMatching(t, procStream, func(op patchOp) bool { return op.Path == wantPath })
	var got db.ExecutionProcess
	require.NoError(t, json.Unmarshal(op.Value, &got))
	require.Equal(t, db.ProcessRunning, got.Status)

	// The parent task's projection flips to in-progress on the same change.
	taskPath := "/tasks/" + f.task.ID.String()
	taskOp := nextMatching(t, taskStream, func(op patchOp) bool {
		if op.Path != taskPath {
			return false
		}
		var task db.TaskWithAttemptStatus
		if err := json.Unmarshal(op.Value, &task); err != nil {
			return false
		}
		return task.HasInProgressAttempt
	})
	_ = taskOp
}

func TestDroppedProcessBecomesRemove(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	process := &db.ExecutionProcess{
		TaskAttemptID:  f.attempt.ID,
		RunReason:      db.RunCodingAgent,
		ExecutorAction: []byte(`{"kind":"coding_agent_initial","prompt":"x"}`),
	}
	require.NoError(t, f.db.CreateExecutionProcess(ctx, process))

	stream, err := f.svc.StreamExecutionProcesses(ctx, f.attempt.ID, false)
	require.NoError(t, err)
	defer stream.Close()
	<-stream.C

	_, err = f.db.DropAtAndAfter(ctx, f.attempt.ID, process.ID)
	require.NoError(t, err)

	wantPath := "/execution_processes/" + process.ID.String()
	op := nextMatching(t, stream, func(op patchOp) bool { return op.Path == wantPath })
	require.Equal(t, "remove", op.Op, "hidden stream surfaces the drop as a remove")
}

func TestDroppedProcessVisibleWithShowDropped(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	process := &db.ExecutionProcess{
		TaskAttemptID:  f.attempt.ID,
		RunReason:      db.RunCodingAgent,
		ExecutorAction: []byte(`{"kind":"coding_agent_initial","prompt":"x"}`),
	}
	require.NoError(t, f.db.CreateExecutionProcess(ctx, process))

	stream, err := f.svc.StreamExecutionProcesses(ctx, f.attempt.ID, true)
	require.NoError(t, err)
	defer stream.Close()
	<-stream.C

	_, err = f.db.DropAtAndAfter(ctx, f.attempt.ID, process.ID)
	require.NoError(t, err)

	wantPath := "/execution_processes/" + process.ID.String()
	op := nextMatching(t, stream, func(op patchOp) bool { return op.Path == wantPath })
	require.Equal(t, "replace", op.Op)
	var got db.ExecutionProcess
	require.NoError(t, json.Unmarshal(op.Value, &got))
	require.True(t, got.Dropped)
}

func TestTaskDeleteEmitsRemove(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	stream, err := f.svc.StreamTasks(ctx, f.project.ID)
	require.NoError(t, err)
	defer stream.Close()
	<-stream.C

	// Let the insert-time cache entries settle before deleting.
	time.Sleep(100 * time.Millisecond)
	_, err = f.db.DeleteTask(ctx, f.task.ID)
	require.NoError(t, err)

	wantPath := "/tasks/" + f.task.ID.String()
	op := nextMatching(t, stream, func(op patchOp) bool {
		return op.Path == wantPath && op.Op == "remove"
	})
	require.Empty(t, op.Value)
}

func TestFollowUpDraftStream(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	stream, err := f.svc.StreamFollowUpDraft(ctx, f.attempt.ID)
	require.NoError(t, err)
	defer stream.Close()

	// Snapshot is the synthetic empty draft.
	snapshot := nextMatching(t, stream, func(op patchOp) bool { return op.Path == "/follow_up_draft" })
	var empty db.Draft
	require.NoError(t, json.Unmarshal(snapshot.Value, &empty))
	require.Empty(t, empty.Prompt)

	require.NoError(t, f.db.UpsertDraft(ctx, &db.Draft{
		TaskAttemptID: f.attempt.ID,
		DraftType:     db.DraftFollowUp,
		Prompt:        "ship it",
	}))

	op := nextMatching(t, stream, func(op patchOp) bool {
		if op.Path != "/follow_up_draft" {
			return false
		}
		var draft db.Draft
		if err := json.Unmarshal(op.Value, &draft); err != nil {
			return false
		}
		return draft.Prompt == "ship it"
	})
	require.Equal(t, "replace", op.Op)
}
