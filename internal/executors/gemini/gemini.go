// Package gemini runs the Gemini CLI in non-interactive mode. Its
// stream-json output format is claude-compatible, so normalization is shared
// with the claude family.
package gemini

import (
	"github.com/verkstad/verkstad/internal/executors"
	"github.com/verkstad/verkstad/internal/executors/claude"
	"github.com/verkstad/verkstad/internal/msgstore"
)

// Executor implements the gemini family.
type Executor struct{}

// New returns the gemini executor.
func New() *Executor { return &Executor{} }

// Name returns the family name.
func (e *Executor) Name() string { return "gemini" }

func baseArgs(variant string) []string {
	args := []string{"--output-format", "stream-json"}
	if variant != "plan" {
		args = append(args, "--yolo")
	}
	return args
}

// Initial builds the first-run command with the prompt on stdin.
func (e *Executor) Initial(prompt, variant string) (executors.CommandSpec, error) {
	return executors.CommandSpec{Program: "gemini", Args: baseArgs(variant), Stdin: prompt}, nil
}

// FollowUp resumes a recorded session.
func (e *Executor) FollowUp(prompt, sessionID, variant string) (executors.CommandSpec, error) {
	args := append(baseArgs(variant), "--resume", sessionID)
	return executors.CommandSpec{Program: "gemini", Args: args, Stdin: prompt}, nil
}

// Normalize parses the process's stdout lines on a new goroutine.
func (e *Executor) Normalize(store *msgstore.Store, worktreePath string) {
	go claude.NormalizeStream(store, worktreePath)
}

var _ executors.Executor = (*Executor)(nil)
