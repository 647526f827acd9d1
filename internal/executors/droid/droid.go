// Package droid runs Factory Droid in exec mode and normalizes its JSON
// event stream. Every event carries the session id; tool calls and results
// correlate on toolId.
package droid

import (
	"github.com/verkstad/verkstad/internal/executors"
	"github.com/verkstad/verkstad/internal/msgstore"
)

// Executor implements the droid family.
type Executor struct{}

// New returns the droid executor.
func New() *Executor { return &Executor{} }

// Name returns the family name.
func (e *Executor) Name() string { return "droid" }

func autonomyFor(variant string) string {
	switch variant {
	case "low", "medium", "high":
		return variant
	}
	return "medium"
}

// Initial builds the first-run command with the prompt on stdin.
func (e *Executor) Initial(prompt, variant string) (executors.CommandSpec, error) {
	return executors.CommandSpec{
		Program: "droid",
		Args:    []string{"exec", "--output-format", "json", "--auto", autonomyFor(variant)},
		Stdin:   prompt,
	}, nil
}

// FollowUp continues a recorded session.
func (e *Executor) FollowUp(prompt, sessionID, variant string) (executors.CommandSpec, error) {
	return executors.CommandSpec{
		Program: "droid",
		Args:    []string{"exec", "--output-format", "json", "--auto", autonomyFor(variant), "--session", sessionID},
		Stdin:   prompt,
	}, nil
}

// Normalize parses the process's stdout lines on a new goroutine.
func (e *Executor) Normalize(store *msgstore.Store, worktreePath string) {
	go normalize(store, worktreePath)
}

var _ executors.Executor = (*Executor)(nil)
