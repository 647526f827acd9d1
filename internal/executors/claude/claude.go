// Package claude runs Claude Code in print mode and normalizes its
// stream-json output. One JSON object per stdout line; assistant turns carry
// content blocks (text, thinking, tool_use) and tool results arrive on later
// user lines correlated by tool_use id.
package claude

import (
	"github.com/verkstad/verkstad/internal/executors"
	"github.com/verkstad/verkstad/internal/msgstore"
)

// Executor implements the claude family.
type Executor struct{}

// New returns the claude executor.
func New() *Executor { return &Executor{} }

// Name returns the family name.
func (e *Executor) Name() string { return "claude" }

func baseArgs(variant string) []string {
	args := []string{"-p", "--verbose", "--output-format=stream-json", "--dangerously-skip-permissions"}
	if variant == "plan" {
		args = append(args, "--permission-mode=plan")
	}
	return args
}

// Initial builds the first-run command. The prompt goes to stdin, which is
// closed after the write so the agent runs a single turn and exits.
func (e *Executor) Initial(prompt, variant string) (executors.CommandSpec, error) {
	return executors.CommandSpec{
		Program: "claude",
		Args:    baseArgs(variant),
		Stdin:   prompt,
	}, nil
}

// FollowUp builds a continue-session command.
func (e *Executor) FollowUp(prompt, sessionID, variant string) (executors.CommandSpec, error) {
	args := append(baseArgs(variant), "--resume="+sessionID)
	return executors.CommandSpec{
		Program: "claude",
		Args:    args,
		Stdin:   prompt,
	}, nil
}

// Normalize parses the process's stdout lines on a new goroutine.
func (e *Executor) Normalize(store *msgstore.Store, worktreePath string) {
	go normalize(store, worktreePath)
}

// NormalizeStream runs the stream-json normalizer on the calling goroutine
// until the store finishes. Exposed for families whose CLIs emit the same
// claude-compatible stream format.
func NormalizeStream(store *msgstore.Store, worktreePath string) {
	normalize(store, worktreePath)
}

var _ executors.Executor = (*Executor)(nil)
