// Package gitsvc performs every repository operation the core needs on
// behalf of attempts: branch and worktree management, merges, rebases with
// conflict detection, resets, pushes, and status queries.
//
// Reads that never mutate the repository (HEAD, branches, remotes, commit
// lookups) go through go-git; operations with working-tree or index side
// effects (worktree add/prune, rebase, reset, push) shell out to the git CLI,
// which is the only implementation with fully compatible semantics for them.
package gitsvc

import (
	"errors"
	"fmt"
)

// ConflictOp names the operation that produced a merge conflict.
type ConflictOp string

const (
	OpMerge      ConflictOp = "merge"
	OpRebase     ConflictOp = "rebase"
	OpCherryPick ConflictOp = "cherry_pick"
)

// ConflictError is a user-surfaceable conflict: the operation was aborted and
// the tree returned to its prior state; the client decides how to proceed.
type ConflictError struct {
	Op      ConflictOp
	Message string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s conflicts: %s", e.Op, e.Message)
}

// ErrRebaseInProgress is returned when a rebase is requested while another
// rebase on the same worktree has not been finished or aborted.
var ErrRebaseInProgress = errors.New("rebase already in progress")

// ErrWorktreeDirty is returned when a destructive operation is refused
// because the worktree has uncommitted changes and force was not set.
var ErrWorktreeDirty = errors.New("worktree has uncommitted changes")

// ErrBranchNotFound is returned when a named branch does not exist.
var ErrBranchNotFound = errors.New("branch not found")

// ErrNoRemote is returned when an operation needs an origin remote and the
// repository has none.
var ErrNoRemote = errors.New("repository has no origin remote")
