package executors

import (
	"fmt"
	"sort"
	"sync"

	"github.com/verkstad/verkstad/internal/msgstore"
	"github.com/verkstad/verkstad/internal/shellenv"
)

// CommandSpec is everything the container service needs to spawn a child:
// the program, its arguments, an optional payload written to stdin before it
// is closed, and whether the child wants a PTY.
type CommandSpec struct {
	Program string
	Args    []string
	Stdin   string
	UsePTY  bool
}

// Executor is one agent family. Implementations build the family's command
// lines and own the normalization of its wire format. Normalize must return
// promptly, doing its parsing on its own goroutine, and push JSON-Patch
// operations plus the session id back into the store it reads from.
type Executor interface {
	Name() string
	Initial(prompt, variant string) (CommandSpec, error)
	FollowUp(prompt, sessionID, variant string) (CommandSpec, error)
	Normalize(store *msgstore.Store, worktreePath string)
}

var (
	regMu    sync.RWMutex
	registry = make(map[string]Executor)
)

// Register installs an executor family under its name. Later registrations
// replace earlier ones.
func Register(e Executor) {
	regMu.Lock()
	registry[e.Name()] = e
	regMu.Unlock()
}

// Get resolves an executor family by name.
func Get(name string) (Executor, error) {
	regMu.RLock()
	e, ok := registry[name]
	regMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown executor %q", name)
	}
	return e, nil
}

// Names lists the registered families, sorted.
func Names() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SpecFor builds the CommandSpec for an action. Script actions run through
// the user's shell; dev servers get a PTY so tools that probe for one stream
// their output unbuffered.
func SpecFor(action *Action) (CommandSpec, error) {
	switch action.Kind {
	case KindCodingAgentInitial:
		e, err := Get(action.Profile.Executor)
		if err != nil {
			return CommandSpec{}, err
		}
		return e.Initial(action.Prompt, action.Profile.Variant)
	case KindCodingAgentFollowUp:
		e, err := Get(action.Profile.Executor)
		if err != nil {
			return CommandSpec{}, err
		}
		return e.FollowUp(action.Prompt, action.SessionID, action.Profile.Variant)
	case KindScript:
		shell, flag := shellenv.ShellCommand()
		return CommandSpec{
			Program: shell,
			Args:    []string{flag, action.Script.Body},
			UsePTY:  action.Script.Context == ScriptDevServer,
		}, nil
	}
	return CommandSpec{}, fmt.Errorf("unknown action kind %q", action.Kind)
}

// NormalizerFor returns the family normalizer for an agent action, or nil
// for scripts (raw stdout/stderr is enough for them).
func NormalizerFor(action *Action) func(store *msgstore.Store, worktreePath string) {
	if !action.IsCodingAgent() {
		return nil
	}
	e, err := Get(action.Profile.Executor)
	if err != nil {
		return nil
	}
	return e.Normalize
}
