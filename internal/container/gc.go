package container

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	// gcInterval paces the periodic worktree sweeps.
	gcInterval = 30 * time.Minute
	// worktreeTTL is how long an idle attempt keeps its worktree on disk.
	worktreeTTL = 72 * time.Hour
	// orphanCleanupEnv disables the orphan-directory sweep when set.
	orphanCleanupEnv = "DISABLE_WORKTREE_ORPHAN_CLEANUP"
)

// RunWorktreeGC runs the worktree janitor until ctx is cancelled: an
// immediate orphan sweep, a filesystem watcher that marks externally deleted
// worktrees as they disappear, and a periodic pass every 30 minutes that
// reconciles the database with the disk, reaps expired attempts, and removes
// orphaned directories.
func (s *Service) RunWorktreeGC(ctx context.Context) {
	s.cleanupOrphanedWorktrees(ctx)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("worktree watcher unavailable", "err", err)
	} else {
		defer watcher.Close()
		if err := watcher.Add(s.worktrees.BaseDir); err != nil {
			slog.Warn("could not watch worktree base dir", "dir", s.worktrees.BaseDir, "err", err)
		}
	}

	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()
	for {
		var events chan fsnotify.Event
		if watcher != nil {
			events = watcher.Events
		}
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				s.markDeletedWorktree(ctx, ev.Name)
			}
		case <-ticker.C:
			slog.Info("starting periodic worktree cleanup")
			s.checkExternallyDeletedWorktrees(ctx)
			s.cleanupExpiredAttempts(ctx)
			s.cleanupOrphanedWorktrees(ctx)
		}
	}
}

// markDeletedWorktree records an externally removed worktree directory.
func (s *Service) markDeletedWorktree(ctx context.Context, path string) {
	active, err := s.db.ActiveWorktrees(ctx)
	if err != nil {
		slog.Error("could not list active worktrees", "err", err)
		return
	}
	for _, wt := range active {
		if wt.ContainerRef != path {
			continue
		}
		if _, statErr := os.Stat(path); statErr == nil {
			return
		}
		if err := s.db.MarkWorktreeDeleted(ctx, wt.AttemptID); err != nil {
			slog.Error("could not mark worktree deleted", "attempt", wt.AttemptID, "err", err)
		} else {
			slog.Info("worktree removed externally", "attempt", wt.AttemptID, "path", path)
		}
		return
	}
}

// checkExternallyDeletedWorktrees marks attempts whose directory vanished
// without going through the manager.
func (s *Service) checkExternallyDeletedWorktrees(ctx context.Context) {
	active, err := s.db.ActiveWorktrees(ctx)
	if err != nil {
		slog.Error("could not list active worktrees", "err", err)
		return
	}
	for _, wt := range active {
		if _, err := os.Stat(wt.ContainerRef); !os.IsNotExist(err) {
			continue
		}
		if err := s.db.MarkWorktreeDeleted(ctx, wt.AttemptID); err != nil {
			slog.Error("could not mark worktree deleted", "attempt", wt.AttemptID, "err", err)
		} else {
			slog.Info("marked externally deleted worktree", "attempt", wt.AttemptID, "path", wt.ContainerRef)
		}
	}
}

// cleanupExpiredAttempts reaps worktrees of attempts idle past the TTL. The
// expiry query already excludes attempts with a running process.
func (s *Service) cleanupExpiredAttempts(ctx context.Context) {
	expired, err := s.db.ExpiredWorktrees(ctx, time.Now().UTC().Add(-worktreeTTL))
	if err != nil {
		slog.Error("could not list expired worktrees", "err", err)
		return
	}
	for _, wt := range expired {
		if err := s.worktrees.Cleanup(ctx, wt.ContainerRef, wt.GitRepoPath); err != nil {
			slog.Error("could not clean up expired worktree", "attempt", wt.AttemptID, "err", err)
			continue
		}
		if err := s.db.MarkWorktreeDeleted(ctx, wt.AttemptID); err != nil {
			slog.Error("could not mark worktree deleted", "attempt", wt.AttemptID, "err", err)
			continue
		}
		slog.Info("reaped expired worktree", "attempt", wt.AttemptID, "path", wt.ContainerRef)
	}
}

// cleanupOrphanedWorktrees removes directories under the base dir that no
// attempt references.
func (s *Service) cleanupOrphanedWorktrees(ctx context.Context) {
	if _, disabled := os.LookupEnv(orphanCleanupEnv); disabled {
		slog.Debug("orphan worktree cleanup disabled", "env", orphanCleanupEnv)
		return
	}
	base := s.worktrees.BaseDir
	entries, err := os.ReadDir(base)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Error("could not read worktree base dir", "dir", base, "err", err)
		}
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), "vk-") {
			continue
		}
		path := filepath.Join(base, entry.Name())
		referenced, err := s.db.ContainerRefExists(ctx, path)
		if err != nil {
			slog.Error("could not check worktree reference", "path", path, "err", err)
			continue
		}
		if referenced {
			continue
		}
		if err := s.worktrees.Cleanup(ctx, path, ""); err != nil {
			slog.Error("could not remove orphaned worktree", "path", path, "err", err)
			continue
		}
		slog.Info("removed orphaned worktree", "path", path)
	}
}
