package attempts

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/verkstad/verkstad/internal/container"
	"github.com/verkstad/verkstad/internal/db"
	"github.com/verkstad/verkstad/internal/executors"
	"github.com/verkstad/verkstad/internal/gitsvc"
	"github.com/verkstad/verkstad/internal/msgstore"
	"github.com/verkstad/verkstad/internal/notify"
)

// probeAgent commits an empty step commit and reports a session id, so every
// run moves the worktree HEAD and leaves a resumable session behind.
type probeAgent struct{}

func (probeAgent) Name() string { return "probe" }

func (probeAgent) Initial(prompt, variant string) (executors.CommandSpec, error) {
	return executors.CommandSpec{
		Program: "sh",
		Args:    []string{"-c", "git commit --allow-empty -m step >/dev/null 2>&1; echo done"},
	}, nil
}

func (probeAgent) FollowUp(prompt, sessionID, variant string) (executors.CommandSpec, error) {
	return executors.CommandSpec{
		Program: "sh",
		Args:    []string{"-c", "git commit --allow-empty -m step >/dev/null 2>&1; echo resumed"},
	}, nil
}

func (probeAgent) Normalize(store *msgstore.Store, worktreePath string) {
	go func() {
		for range store.StdoutLines() {
			store.PushSessionID("probe-sess")
			return
		}
	}()
}

func init() {
	executors.Register(probeAgent{})
}

type fixture struct {
	db      *db.DB
	svc     *Service
	cont    *container.Service
	git     *gitsvc.Service
	task    *db.Task
	attempt *db.TaskAttempt
	repo    string
}

func setup(t *testing.T) *fixture {
	t.Helper()
	d, err := db.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	repo := t.TempDir()
	runGit(t, repo, "init", "-b", "main")
	runGit(t, repo, "config", "user.name", "Test")
	runGit(t, repo, "config", "user.email", "t@example.com")
	require.NoError(t, os.WriteFile(filepath.Join(repo, "README.md"), []byte("hi\n"), 0o644))
	runGit(t, repo, "add", ".")
	runGit(t, repo, "commit", "-m", "initial")

	ctx := context.Background()
	project := &db.Project{Name: "demo", GitRepoPath: repo}
	require.NoError(t, d.CreateProject(ctx, project))
	task := &db.Task{ProjectID: project.ID, Title: "Add README"}
	require.NoError(t, d.CreateTask(ctx, task))

	git := gitsvc.New()
	cont := container.New(d, git, gitsvc.NewWorktreeManager(t.TempDir(), git), notify.LogNotifier{}, "")
	svc := New(d, git, cont)

	attempt, err := svc.Create(ctx, task.ID, executors.Profile{Executor: "probe"}, "main")
	require.NoError(t, err)
	return &fixture{db: d, svc: svc, cont: cont, git: git, task: task, attempt: attempt, repo: repo}
}

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
}

func waitDone(t *testing.T, d *db.DB, id uuid.UUID) *db.ExecutionProcess {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		p, err := d.ExecutionProcessByID(context.Background(), id)
		require.NoError(t, err)
		if p.Status != db.ProcessRunning {
			// Give the exit monitor a beat to record the after OID too.
			time.Sleep(150 * time.Millisecond)
			return p
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("process never finished")
	return nil
}

// runAgentStep starts a coding-agent run and waits for it to finish.
func runAgentStep(t *testing.T, f *fixture, prompt string) *db.ExecutionProcess {
	t.Helper()
	process, err := f.svc.FollowUp(context.Background(), f.attempt, prompt, nil)
	require.NoError(t, err)
	waitDone(t, f.db, process.ID)
	got, err := f.db.ExecutionProcessByID(context.Background(), process.ID)
	require.NoError(t, err)
	return got
}

func TestInitialAttemptLifecycle(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	process, err := f.svc.Start(ctx, f.attempt, executors.Profile{Executor: "probe"})
	require.NoError(t, err)
	require.Equal(t, db.RunCodingAgent, process.RunReason)

	// Branch and worktree exist, named after the attempt and task.
	require.NotNil(t, f.attempt.Branch)
	require.Contains(t, *f.attempt.Branch, "vk-")
	require.Contains(t, *f.attempt.Branch, "add-readme")
	require.DirExists(t, *f.attempt.ContainerRef)
	exists, err := f.git.BranchExists(f.repo, *f.attempt.Branch)
	require.NoError(t, err)
	require.True(t, exists)

	done := waitDone(t, f.db, process.ID)
	require.Equal(t, db.ProcessCompleted, done.Status)
	require.EqualValues(t, 0, *done.ExitCode)
	require.NotNil(t, done.BeforeHeadCommit)
	require.NotNil(t, done.AfterHeadCommit)
	require.Len(t, *done.AfterHeadCommit, 40)
	// The probe agent committed, so the boundary OIDs differ.
	require.NotEqual(t, *done.BeforeHeadCommit, *done.AfterHeadCommit)
}

func TestFollowUpUsesRecordedSession(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	first := runAgentStep(t, f, "start work")
	action, err := executors.UnmarshalAction(first.ExecutorAction)
	require.NoError(t, err)
	require.Equal(t, executors.KindCodingAgentInitial, action.Kind, "no session yet")

	require.Eventually(t, func() bool {
		id, err := f.db.LatestSessionIDForAttempt(ctx, f.attempt.ID)
		require.NoError(t, err)
		return id != nil
	}, 5*time.Second, 20*time.Millisecond)

	second := runAgentStep(t, f, "keep going")
	action, err = executors.UnmarshalAction(second.ExecutorAction)
	require.NoError(t, err)
	require.Equal(t, executors.KindCodingAgentFollowUp, action.Kind)
	require.Equal(t, "probe-sess", action.SessionID)
}

func TestReplaceCleanTree(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	p1 := runAgentStep(t, f, "one")
	require.Eventually(t, func() bool {
		id, err := f.db.LatestSessionIDForAttempt(ctx, f.attempt.ID)
		require.NoError(t, err)
		return id != nil
	}, 5*time.Second, 20*time.Millisecond)
	p2 := runAgentStep(t, f, "two")
	p3 := runAgentStep(t, f, "three")

	// Worktree HEAD sits at P3's after OID.
	info, err := f.git.GetHeadInfo(*f.attempt.ContainerRef)
	require.NoError(t, err)
	require.Equal(t, *p3.AfterHeadCommit, info.OID)

	result, err := f.svc.Replace(ctx, f.attempt, ReplaceRequest{
		ProcessID:       p2.ID,
		Prompt:          "rewrite differently",
		PerformGitReset: true,
	})
	require.NoError(t, err)

	require.EqualValues(t, 2, result.DeletedCount, "P2 and P3 dropped")
	require.True(t, result.GitResetNeeded)
	require.True(t, result.GitResetApplied)
	require.NotNil(t, result.TargetBeforeOID)
	require.Equal(t, *p2.BeforeHeadCommit, *result.TargetBeforeOID)
	require.NotNil(t, result.NewExecutionID)

	// Dropped, monotonic.
	for _, id := range []uuid.UUID{p2.ID, p3.ID} {
		got, err := f.db.ExecutionProcessByID(ctx, id)
		require.NoError(t, err)
		require.True(t, got.Dropped)
	}
	got1, err := f.db.ExecutionProcessByID(ctx, p1.ID)
	require.NoError(t, err)
	require.False(t, got1.Dropped)

	// The replacement continues P1's session.
	newProc, err := f.db.ExecutionProcessByID(ctx, *result.NewExecutionID)
	require.NoError(t, err)
	action, err := executors.UnmarshalAction(newProc.ExecutorAction)
	require.NoError(t, err)
	require.Equal(t, executors.KindCodingAgentFollowUp, action.Kind)
	require.Equal(t, "probe-sess", action.SessionID)
	require.Equal(t, "rewrite differently", action.Prompt)

	waitDone(t, f.db, newProc.ID)
}

func TestReplaceDirtyTreeNoForce(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	runAgentStep(t, f, "one")
	p2 := runAgentStep(t, f, "two")

	// Dirty the tree.
	require.NoError(t, os.WriteFile(filepath.Join(*f.attempt.ContainerRef, "scratch.txt"), []byte("wip\n"), 0o644))

	result, err := f.svc.Replace(ctx, f.attempt, ReplaceRequest{
		ProcessID:       p2.ID,
		Prompt:          "redo",
		ForceWhenDirty:  false,
		PerformGitReset: true,
	})
	require.NoError(t, err)
	require.True(t, result.GitResetNeeded)
	require.False(t, result.GitResetApplied, "dirty tree without force is left alone")
	require.EqualValues(t, 1, result.DeletedCount)
	require.NotNil(t, result.NewExecutionID)

	// The dirty file survived.
	require.FileExists(t, filepath.Join(*f.attempt.ContainerRef, "scratch.txt"))
	waitDone(t, f.db, *result.NewExecutionID)
}

func TestReplaceSkipGitReset(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	runAgentStep(t, f, "one")
	p2 := runAgentStep(t, f, "two")

	headBefore, err := f.git.GetHeadInfo(*f.attempt.ContainerRef)
	require.NoError(t, err)
	// HEAD differs from the target OID, but with the reset step disabled the
	// result must not even report it as needed.
	require.NotEqual(t, *p2.BeforeHeadCommit, headBefore.OID)

	result, err := f.svc.Replace(ctx, f.attempt, ReplaceRequest{
		ProcessID:       p2.ID,
		Prompt:          "keep the tree",
		PerformGitReset: false,
	})
	require.NoError(t, err)
	require.False(t, result.GitResetNeeded)
	require.False(t, result.GitResetApplied)
	require.EqualValues(t, 1, result.DeletedCount, "history drop still applies")
	require.NotNil(t, result.NewExecutionID)

	got2, err := f.db.ExecutionProcessByID(ctx, p2.ID)
	require.NoError(t, err)
	require.True(t, got2.Dropped)

	waitDone(t, f.db, *result.NewExecutionID)

	// The replacement ran against the untouched HEAD, which only moved by
	// the replacement's own commit.
	newProc, err := f.db.ExecutionProcessByID(ctx, *result.NewExecutionID)
	require.NoError(t, err)
	require.NotNil(t, newProc.BeforeHeadCommit)
	require.Equal(t, headBefore.OID, *newProc.BeforeHeadCommit)
}

func TestReplaceValidatesOwnership(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.svc.Replace(ctx, f.attempt, ReplaceRequest{ProcessID: uuid.New(), Prompt: "x"})
	require.ErrorIs(t, err, ErrProcessNotFound)

	// A process on a different attempt is rejected.
	otherAttempt, err := f.svc.Create(ctx, f.task.ID, executors.Profile{Executor: "probe"}, "main")
	require.NoError(t, err)
	p := runAgentStep(t, f, "mine")
	_, err = f.svc.Replace(ctx, otherAttempt, ReplaceRequest{ProcessID: p.ID, Prompt: "steal"})
	require.ErrorIs(t, err, ErrProcessNotOnAttempt)
}

func TestMergeRecordsAndCompletes(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	runAgentStep(t, f, "do the work")

	merge, err := f.svc.Merge(ctx, f.attempt)
	require.NoError(t, err)
	require.Equal(t, db.MergeDirect, merge.MergeType)
	require.NotNil(t, merge.MergeCommit)
	require.Equal(t, "main", merge.TargetBranchName)

	// Base branch advanced to the merge commit.
	mainOID, err := f.git.BranchOID(f.repo, "main")
	require.NoError(t, err)
	require.Equal(t, *merge.MergeCommit, mainOID)

	task, err := f.db.TaskByID(ctx, f.task.ID)
	require.NoError(t, err)
	require.Equal(t, db.TaskDone, task.Status)

	status, err := f.svc.BranchStatus(ctx, f.attempt)
	require.NoError(t, err)
	require.True(t, status.Merged)
}

func TestRebaseOntoMovedBase(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	runAgentStep(t, f, "work")

	// Base branch moves ahead.
	require.NoError(t, os.WriteFile(filepath.Join(f.repo, "base.txt"), []byte("b\n"), 0o644))
	runGit(t, f.repo, "add", ".")
	runGit(t, f.repo, "commit", "-m", "base moves")

	require.NoError(t, f.svc.Rebase(ctx, f.attempt, "main"))

	status, err := f.svc.BranchStatus(ctx, f.attempt)
	require.NoError(t, err)
	require.Zero(t, status.CommitsBehind)
	require.Equal(t, gitsvc.ConflictOp(""), status.ConflictOp)
}

func TestDeleteTaskGuardedByRunningProcess(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	blocker := executors.NewScript("sleep 30", executors.ScriptDevServer, nil)
	process, err := f.cont.StartExecution(ctx, f.attempt, blocker, db.RunDevServer)
	require.NoError(t, err)

	err = f.svc.DeleteTask(ctx, f.task.ID)
	require.ErrorIs(t, err, ErrTaskHasRunning)

	// Nothing was deleted.
	task, err := f.db.TaskByID(ctx, f.task.ID)
	require.NoError(t, err)
	require.NotNil(t, task)
	require.DirExists(t, *f.attempt.ContainerRef)

	f.cont.TryStop(ctx, f.attempt)
	waitDone(t, f.db, process.ID)

	require.NoError(t, f.svc.DeleteTask(ctx, f.task.ID))
	task, err = f.db.TaskByID(ctx, f.task.ID)
	require.NoError(t, err)
	require.Nil(t, task)
	require.NoDirExists(t, *f.attempt.ContainerRef)
}

func TestDiffStream(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.svc.Start(ctx, f.attempt, executors.Profile{Executor: "probe"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		p, err := f.db.RunningProcessForAttempt(ctx, f.attempt.ID)
		require.NoError(t, err)
		return p == nil
	}, 15*time.Second, 20*time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(*f.attempt.ContainerRef, "new.txt"), []byte("fresh\n"), 0o644))

	stream, err := f.svc.Diff(ctx, f.attempt)
	require.NoError(t, err)
	found := false
	for fd := range stream {
		if fd.Path == "new.txt" {
			found = true
			require.Equal(t, 1, fd.Additions)
		}
	}
	require.True(t, found, "untracked file shows up in the diff stream")
}
