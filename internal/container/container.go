// Package container turns executor actions into running child processes
// bound to an attempt's worktree. It owns the process table and each child's
// message store, captures the worktree HEAD around every run, monitors exits,
// and drives action chains (agent → cleanup script) to completion.
package container

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"

	"github.com/verkstad/verkstad/internal/db"
	"github.com/verkstad/verkstad/internal/executors"
	"github.com/verkstad/verkstad/internal/gitsvc"
	"github.com/verkstad/verkstad/internal/msgstore"
	"github.com/verkstad/verkstad/internal/notify"
	"github.com/verkstad/verkstad/internal/shellenv"
)

// finishDrainDelay is how long the exit monitor lets the normalizer catch up
// between the child's exit and the Finished sentinel.
const finishDrainDelay = 100 * time.Millisecond

// ErrNoBranch flags a corrupt attempt: a recorded worktree path without the
// branch needed to revive it.
var ErrNoBranch = errors.New("attempt has a container_ref but no branch")

// Service spawns and tracks execution processes. One Service instance serves
// the whole deployment.
type Service struct {
	db        *db.DB
	git       *gitsvc.Service
	worktrees *gitsvc.WorktreeManager
	notifier  notify.Notifier
	logDir    string

	mu       sync.RWMutex
	children map[uuid.UUID]*childHandle
	stores   map[uuid.UUID]*msgstore.Store

	// onExit, when set, runs after a process fully completes. The drafts
	// service hooks it to start queued follow-ups.
	onExitMu sync.RWMutex
	onExit   func(ctx context.Context, attemptID uuid.UUID)
}

type childHandle struct {
	cmd    *exec.Cmd
	pty    *os.File
	rawLog *rawLogWriter
	// ioDone closes when the stdout/stderr forwarders have drained; Wait
	// must not run before that or the tail of the output is lost.
	ioDone chan struct{}

	mu     sync.Mutex
	killed bool
}

func (h *childHandle) markKilled() {
	h.mu.Lock()
	h.killed = true
	h.mu.Unlock()
}

func (h *childHandle) wasKilled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.killed
}

// New returns a Service.
func New(d *db.DB, git *gitsvc.Service, worktrees *gitsvc.WorktreeManager, notifier notify.Notifier, logDir string) *Service {
	return &Service{
		db:        d,
		git:       git,
		worktrees: worktrees,
		notifier:  notifier,
		logDir:    logDir,
		children:  make(map[uuid.UUID]*childHandle),
		stores:    make(map[uuid.UUID]*msgstore.Store),
	}
}

// SetOnProcessExit installs the post-exit hook.
func (s *Service) SetOnProcessExit(fn func(ctx context.Context, attemptID uuid.UUID)) {
	s.onExitMu.Lock()
	s.onExit = fn
	s.onExitMu.Unlock()
}

// MsgStore returns the live message store of a process, or nil once the
// process has been reaped.
func (s *Service) MsgStore(processID uuid.UUID) *msgstore.Store {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stores[processID]
}

// HasRunningChild reports whether the service currently tracks a live child
// for the process id. The process table is the authority the GC consults
// before touching a worktree.
func (s *Service) HasRunningChild(processID uuid.UUID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.children[processID]
	return ok
}

// EnsureContainerExists materializes the attempt's worktree: creates it on
// first use, revives it when the directory was garbage-collected, and
// returns its path.
func (s *Service) EnsureContainerExists(ctx context.Context, attempt *db.TaskAttempt) (string, error) {
	actx, err := s.db.LoadAttemptContext(ctx, attempt.ID)
	if err != nil {
		return "", fmt.Errorf("load attempt context: %w", err)
	}
	if attempt.ContainerRef != nil {
		if attempt.Branch == nil {
			return "", ErrNoBranch
		}
		path := *attempt.ContainerRef
		if err := s.worktrees.Ensure(ctx, actx.Project.GitRepoPath, *attempt.Branch, path); err != nil {
			return "", err
		}
		if attempt.WorktreeDeleted {
			if err := s.db.UpdateAttemptContainerRef(ctx, attempt.ID, path, *attempt.Branch); err != nil {
				return "", err
			}
			attempt.WorktreeDeleted = false
		}
		return path, nil
	}

	branchName := gitsvc.DirName(attempt.ID, actx.Task.Title)
	path, err := s.worktrees.Create(ctx, actx.Project.GitRepoPath, branchName, attempt.BaseBranch)
	if err != nil {
		return "", err
	}
	if err := s.db.UpdateAttemptContainerRef(ctx, attempt.ID, path, branchName); err != nil {
		return "", err
	}
	attempt.ContainerRef = &path
	attempt.Branch = &branchName
	return path, nil
}

// StartExecution runs an action against the attempt's worktree: records the
// process row with the pre-spawn HEAD, spawns the child with its output wired
// into a fresh message store, starts the family normalizer, and hands the
// child to an exit monitor.
func (s *Service) StartExecution(ctx context.Context, attempt *db.TaskAttempt, action *executors.Action, reason db.RunReason) (*db.ExecutionProcess, error) {
	if err := action.Validate(); err != nil {
		return nil, err
	}
	worktreePath, err := s.EnsureContainerExists(ctx, attempt)
	if err != nil {
		return nil, err
	}

	var beforeOID *string
	if info, err := s.git.GetHeadInfo(worktreePath); err == nil {
		beforeOID = &info.OID
	} else {
		slog.Warn("could not capture before HEAD", "attempt", attempt.ID, "err", err)
	}

	actionJSON, err := action.Marshal()
	if err != nil {
		return nil, err
	}
	process := &db.ExecutionProcess{
		TaskAttemptID:    attempt.ID,
		RunReason:        reason,
		ExecutorAction:   actionJSON,
		BeforeHeadCommit: beforeOID,
	}
	if err := s.db.CreateExecutionProcess(ctx, process); err != nil {
		return nil, fmt.Errorf("create execution process: %w", err)
	}
	if action.IsCodingAgent() {
		prompt := action.Prompt
		if err := s.db.CreateExecutorSession(ctx, &db.ExecutorSession{
			ExecutionProcessID: process.ID,
			Prompt:             &prompt,
		}); err != nil {
			return nil, fmt.Errorf("create executor session: %w", err)
		}
	}

	spec, err := executors.SpecFor(action)
	if err != nil {
		s.failBeforeSpawn(ctx, process.ID, err)
		return nil, err
	}
	program, ok := shellenv.ResolveExecutable(ctx, spec.Program)
	if !ok {
		err := fmt.Errorf("executable %q not found on PATH", spec.Program)
		s.failBeforeSpawn(ctx, process.ID, err)
		return nil, err
	}

	store := msgstore.New()
	handle, err := s.spawn(program, spec, worktreePath, store, action, attempt.ID, process.ID)
	if err != nil {
		s.failBeforeSpawn(ctx, process.ID, err)
		return nil, err
	}

	if normalize := executors.NormalizerFor(action); normalize != nil {
		normalize(store, worktreePath)
		go s.recordSessionID(process.ID, store)
	}

	s.mu.Lock()
	s.children[process.ID] = handle
	s.stores[process.ID] = store
	s.mu.Unlock()

	go s.monitorExit(process.ID, attempt.ID, handle, store, action, worktreePath)

	slog.Info("started execution", "process", process.ID, "attempt", attempt.ID,
		"reason", reason, "program", program)
	return process, nil
}

// failBeforeSpawn marks a process failed when the child never started.
func (s *Service) failBeforeSpawn(ctx context.Context, processID uuid.UUID, cause error) {
	slog.Warn("execution failed before spawn", "process", processID, "err", cause)
	if err := s.db.UpdateProcessCompletion(ctx, processID, db.ProcessFailed, nil); err != nil {
		slog.Error("could not record spawn failure", "process", processID, "err", err)
	}
}

// spawn starts the child with stdout/stderr forwarded into the store. A
// coding-agent child additionally mirrors raw stdout into a log segment that
// the exit monitor seals and compresses once the outcome is known.
func (s *Service) spawn(program string, spec executors.CommandSpec, worktreePath string, store *msgstore.Store, action *executors.Action, attemptID, processID uuid.UUID) (*childHandle, error) {
	cmd := exec.Command(program, spec.Args...)
	cmd.Dir = worktreePath
	cmd.Env = shellenv.SanitizedEnv()

	var rawLog *rawLogWriter
	if action.IsCodingAgent() && s.logDir != "" {
		meta := logMeta{Executor: action.Profile.Executor, Prompt: action.Prompt}
		if w, err := newRawLogWriter(s.logDir, attemptID, processID, meta); err != nil {
			slog.Warn("raw log disabled for process", "process", processID, "err", err)
		} else {
			rawLog = w
		}
	}

	handle := &childHandle{cmd: cmd, rawLog: rawLog, ioDone: make(chan struct{})}
	var wg sync.WaitGroup

	spawned := false
	defer func() {
		if !spawned && rawLog != nil {
			rawLog.abort()
		}
	}()

	if spec.UsePTY {
		f, err := pty.Start(cmd)
		if err != nil {
			return nil, fmt.Errorf("start %s under pty: %w", program, err)
		}
		handle.pty = f
		wg.Add(1)
		go func() {
			defer wg.Done()
			forward(f, func(chunk string) { store.PushStdout(chunk) }, nil)
		}()
	} else {
		// pty.Start makes the child a session leader, which already gives it
		// its own process group; Setpgid on top of that fails with EPERM, so
		// only pipe-backed children set it explicitly.
		setProcessGroup(cmd)
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("stdin pipe: %w", err)
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("stdout pipe: %w", err)
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			return nil, fmt.Errorf("stderr pipe: %w", err)
		}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("start %s: %w", program, err)
		}
		go func() {
			if spec.Stdin != "" {
				if _, err := io.WriteString(stdin, spec.Stdin); err != nil {
					slog.Warn("prompt write failed", "process", processID, "err", err)
				}
			}
			stdin.Close()
		}()
		// A typed nil must not reach the io.Writer parameter.
		var stdoutMirror io.Writer
		if rawLog != nil {
			stdoutMirror = rawLog
		}
		wg.Add(2)
		go func() {
			defer wg.Done()
			forward(stdout, func(chunk string) { store.PushStdout(chunk) }, stdoutMirror)
		}()
		go func() {
			defer wg.Done()
			forward(stderr, func(chunk string) { store.PushStderr(chunk) }, nil)
		}()
	}

	spawned = true
	go func() {
		wg.Wait()
		close(handle.ioDone)
	}()
	return handle, nil
}

// forward copies chunks from r into push until EOF, mirroring into rawLog
// when present.
func forward(r io.Reader, push func(string), rawLog io.Writer) {
	buf := make([]byte, 8192)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := string(buf[:n])
			push(chunk)
			if rawLog != nil {
				io.WriteString(rawLog, chunk)
			}
		}
		if err != nil {
			return
		}
	}
}

// recordSessionID persists the first agent-reported session id for the
// process.
func (s *Service) recordSessionID(processID uuid.UUID, store *msgstore.Store) {
	sub := store.HistoryPlusStream()
	defer sub.Close()
	for m := range sub.C {
		if m.Kind == msgstore.KindSessionID {
			if err := s.db.UpdateSessionID(context.Background(), processID, m.Text); err != nil {
				slog.Error("could not record session id", "process", processID, "err", err)
			}
			return
		}
		if m.Kind == msgstore.KindFinished {
			return
		}
	}
}

// monitorExit waits for the child, records its outcome and the post-exit
// HEAD, finishes the message store, releases the handles, notifies, chains
// the next action, and fires the exit hook.
func (s *Service) monitorExit(processID, attemptID uuid.UUID, handle *childHandle, store *msgstore.Store, action *executors.Action, worktreePath string) {
	ctx := context.Background()
	<-handle.ioDone
	waitErr := handle.cmd.Wait()
	if handle.pty != nil {
		handle.pty.Close()
	}

	status := db.ProcessCompleted
	var exitCode *int64
	switch {
	case handle.wasKilled():
		status = db.ProcessKilled
	case waitErr == nil:
		code := int64(0)
		exitCode = &code
	default:
		status = db.ProcessFailed
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			code := int64(exitErr.ExitCode())
			exitCode = &code
		}
	}
	if err := s.db.UpdateProcessCompletion(ctx, processID, status, exitCode); err != nil {
		slog.Error("could not record completion", "process", processID, "err", err)
	}
	if info, err := s.git.GetHeadInfo(worktreePath); err == nil {
		if err := s.db.UpdateProcessAfterHeadCommit(ctx, processID, info.OID); err != nil {
			slog.Error("could not record after HEAD", "process", processID, "err", err)
		}
	}
	if handle.rawLog != nil {
		handle.rawLog.Finish(status, exitCode)
	}

	// Give the normalizer a moment to drain buffered output, then seal the
	// store; appends after the sentinel are dropped.
	time.Sleep(finishDrainDelay)
	store.PushFinished()

	s.mu.Lock()
	delete(s.children, processID)
	delete(s.stores, processID)
	s.mu.Unlock()

	slog.Info("execution finished", "process", processID, "attempt", attemptID,
		"status", status)

	if actx, err := s.db.LoadAttemptContext(ctx, attemptID); err == nil {
		if process, perr := s.db.ExecutionProcessByID(ctx, processID); perr == nil && process != nil {
			s.notifier.ExecutionHalted(ctx, process, &actx.Attempt, &actx.Task)
		}
	}

	if action.Next != nil && status != db.ProcessKilled {
		if attempt, err := s.db.TaskAttemptByID(ctx, attemptID); err == nil && attempt != nil {
			if _, err := s.StartExecution(ctx, attempt, action.Next, reasonFor(action.Next)); err != nil {
				slog.Error("could not start chained action", "attempt", attemptID, "err", err)
			}
		}
	}

	s.onExitMu.RLock()
	hook := s.onExit
	s.onExitMu.RUnlock()
	if hook != nil {
		hook(ctx, attemptID)
	}
}

// reasonFor picks the run reason of a chained action.
func reasonFor(action *executors.Action) db.RunReason {
	if action.IsCodingAgent() {
		return db.RunCodingAgent
	}
	switch action.Script.Context {
	case executors.ScriptSetup:
		return db.RunSetupScript
	case executors.ScriptDevServer:
		return db.RunDevServer
	}
	return db.RunCleanupScript
}

// StopExecution kills the process group of a running process. The exit
// monitor observes the death and finishes the bookkeeping with status
// killed.
func (s *Service) StopExecution(ctx context.Context, processID uuid.UUID) error {
	s.mu.RLock()
	handle, ok := s.children[processID]
	s.mu.RUnlock()
	if !ok {
		// No live child (e.g. survived from a previous run); settle the row.
		return s.db.UpdateProcessCompletion(ctx, processID, db.ProcessKilled, nil)
	}
	handle.markKilled()
	killProcessGroup(handle.cmd)
	// Settle the row now so no second process can observe this one as
	// running; the exit monitor re-records the same terminal status when the
	// child actually dies.
	return s.db.UpdateProcessCompletion(ctx, processID, db.ProcessKilled, nil)
}

// TryStop stops the attempt's running process, if any. Idempotent.
func (s *Service) TryStop(ctx context.Context, attempt *db.TaskAttempt) {
	process, err := s.db.RunningProcessForAttempt(ctx, attempt.ID)
	if err != nil {
		slog.Error("could not look up running process", "attempt", attempt.ID, "err", err)
		return
	}
	if process == nil {
		return
	}
	if err := s.StopExecution(ctx, process.ID); err != nil {
		slog.Error("could not stop process", "process", process.ID, "err", err)
	}
}

// IsContainerClean reports whether the attempt's worktree has no
// modifications and no untracked files. Best-effort: nil when the state
// cannot be determined.
func (s *Service) IsContainerClean(ctx context.Context, attempt *db.TaskAttempt) *bool {
	if attempt.ContainerRef == nil {
		return nil
	}
	dirty, err := s.git.IsDirty(ctx, *attempt.ContainerRef)
	if err != nil {
		return nil
	}
	clean := !dirty
	return &clean
}

// ReconcileStartup settles rows left behind by a previous run: processes
// still marked running are flipped to killed (they are reconciled, not
// resumed), and missing before-HEAD OIDs are backfilled from the previous
// process.
func (s *Service) ReconcileStartup(ctx context.Context) error {
	running, err := s.db.RunningProcesses(ctx)
	if err != nil {
		return err
	}
	for _, p := range running {
		if s.HasRunningChild(p.ID) {
			continue
		}
		if err := s.db.UpdateProcessCompletion(ctx, p.ID, db.ProcessKilled, nil); err != nil {
			slog.Error("could not settle stale process", "process", p.ID, "err", err)
		} else {
			slog.Info("settled stale running process", "process", p.ID)
		}
	}

	missing, err := s.db.ListMissingBeforeContext(ctx)
	if err != nil {
		return err
	}
	for _, m := range missing {
		if m.PrevAfterHeadCommit == nil {
			continue
		}
		if err := s.db.UpdateProcessBeforeHeadCommit(ctx, m.ID, *m.PrevAfterHeadCommit); err != nil {
			slog.Error("could not backfill before HEAD", "process", m.ID, "err", err)
		}
	}
	return nil
}
