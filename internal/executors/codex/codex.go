// Package codex runs the Codex CLI in exec mode and normalizes its JSONL
// event stream. Items are announced with item.started and finalized with
// item.completed sharing the same item id; the thread id arrives once in
// thread.started and doubles as the resume token.
package codex

import (
	"github.com/verkstad/verkstad/internal/executors"
	"github.com/verkstad/verkstad/internal/msgstore"
)

// Executor implements the codex family.
type Executor struct{}

// New returns the codex executor.
func New() *Executor { return &Executor{} }

// Name returns the family name.
func (e *Executor) Name() string { return "codex" }

func sandboxFor(variant string) string {
	if variant == "full-access" {
		return "danger-full-access"
	}
	return "workspace-write"
}

// Initial builds the first-run command; "-" makes codex read the prompt from
// stdin.
func (e *Executor) Initial(prompt, variant string) (executors.CommandSpec, error) {
	return executors.CommandSpec{
		Program: "codex",
		Args:    []string{"exec", "--json", "--skip-git-repo-check", "--sandbox", sandboxFor(variant), "-"},
		Stdin:   prompt,
	}, nil
}

// FollowUp resumes a recorded thread.
func (e *Executor) FollowUp(prompt, sessionID, variant string) (executors.CommandSpec, error) {
	return executors.CommandSpec{
		Program: "codex",
		Args:    []string{"exec", "resume", sessionID, "--json", "--skip-git-repo-check", "--sandbox", sandboxFor(variant), "-"},
		Stdin:   prompt,
	}, nil
}

// Normalize parses the process's stdout lines on a new goroutine.
func (e *Executor) Normalize(store *msgstore.Store, worktreePath string) {
	go normalize(store, worktreePath)
}

var _ executors.Executor = (*Executor)(nil)
