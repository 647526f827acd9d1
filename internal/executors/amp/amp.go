// Package amp runs Sourcegraph Amp in JSONL mode and normalizes its output.
// Amp re-sends whole messages as they stream: each "messages" event carries
// (message id, message) pairs whose content arrays grow or change in place,
// so one amp message id maps to several conversation indices and re-sent
// content replaces rather than appends.
package amp

import (
	"github.com/verkstad/verkstad/internal/executors"
	"github.com/verkstad/verkstad/internal/msgstore"
)

// Executor implements the amp family.
type Executor struct{}

// New returns the amp executor.
func New() *Executor { return &Executor{} }

// Name returns the family name.
func (e *Executor) Name() string { return "amp" }

// Initial builds the first-run command with the prompt on stdin.
func (e *Executor) Initial(prompt, variant string) (executors.CommandSpec, error) {
	args := []string{"--format=jsonl"}
	if variant == "dangerous" {
		args = append(args, "--dangerously-allow-all")
	}
	return executors.CommandSpec{Program: "amp", Args: args, Stdin: prompt}, nil
}

// FollowUp continues a recorded thread.
func (e *Executor) FollowUp(prompt, sessionID, variant string) (executors.CommandSpec, error) {
	args := []string{"threads", "continue", sessionID, "--format=jsonl"}
	if variant == "dangerous" {
		args = append(args, "--dangerously-allow-all")
	}
	return executors.CommandSpec{Program: "amp", Args: args, Stdin: prompt}, nil
}

// Normalize parses the process's stdout lines on a new goroutine.
func (e *Executor) Normalize(store *msgstore.Store, worktreePath string) {
	go normalize(store, worktreePath)
}

var _ executors.Executor = (*Executor)(nil)
