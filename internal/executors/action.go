// Package executors describes what the container service runs: a small sum
// type of actions (initial agent run, follow-up, script) with optional
// chaining, plus the per-family executors that build the agent command lines
// and normalize their output.
package executors

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Profile selects an executor family and an optional variant (a named
// configuration preset within the family).
type Profile struct {
	Executor string `json:"executor"`
	Variant  string `json:"variant,omitempty"`
}

// ActionKind discriminates Action.
type ActionKind string

const (
	KindCodingAgentInitial  ActionKind = "coding_agent_initial"
	KindCodingAgentFollowUp ActionKind = "coding_agent_follow_up"
	KindScript              ActionKind = "script"
)

// ScriptContext says which project hook a script action runs as.
type ScriptContext string

const (
	ScriptSetup     ScriptContext = "setup_script"
	ScriptCleanup   ScriptContext = "cleanup_script"
	ScriptDevServer ScriptContext = "dev_server"
)

// Script is a shell script run in the worktree directory.
type Script struct {
	Body     string        `json:"body"`
	Language string        `json:"language"`
	Context  ScriptContext `json:"context"`
}

// Action is one unit of work for the container service. Exactly the fields
// matching Kind are meaningful. Next chains a follow-on action started after
// this one exits (used to run cleanup scripts after the agent).
type Action struct {
	Kind      ActionKind `json:"kind"`
	Prompt    string     `json:"prompt,omitempty"`
	SessionID string     `json:"session_id,omitempty"`
	Profile   Profile    `json:"executor_profile,omitempty"`
	Script    *Script    `json:"script,omitempty"`
	Next      *Action    `json:"next_action,omitempty"`
}

// NewInitial builds a first coding-agent run.
func NewInitial(prompt string, profile Profile, next *Action) *Action {
	return &Action{Kind: KindCodingAgentInitial, Prompt: prompt, Profile: profile, Next: next}
}

// NewFollowUp builds a continuation of an existing agent session.
func NewFollowUp(prompt, sessionID string, profile Profile, next *Action) *Action {
	return &Action{Kind: KindCodingAgentFollowUp, Prompt: prompt, SessionID: sessionID, Profile: profile, Next: next}
}

// NewScript builds a script run.
func NewScript(body string, context ScriptContext, next *Action) *Action {
	return &Action{Kind: KindScript, Script: &Script{Body: body, Language: "bash", Context: context}, Next: next}
}

// Validate checks internal consistency.
func (a *Action) Validate() error {
	switch a.Kind {
	case KindCodingAgentInitial:
		if a.Profile.Executor == "" {
			return errors.New("coding agent action needs an executor profile")
		}
	case KindCodingAgentFollowUp:
		if a.Profile.Executor == "" {
			return errors.New("coding agent action needs an executor profile")
		}
		if a.SessionID == "" {
			return errors.New("follow-up action needs a session id")
		}
	case KindScript:
		if a.Script == nil || a.Script.Body == "" {
			return errors.New("script action needs a body")
		}
	default:
		return fmt.Errorf("unknown action kind %q", a.Kind)
	}
	if a.Next != nil {
		return a.Next.Validate()
	}
	return nil
}

// IsCodingAgent reports whether the action runs an agent.
func (a *Action) IsCodingAgent() bool {
	return a.Kind == KindCodingAgentInitial || a.Kind == KindCodingAgentFollowUp
}

// Marshal serializes the action for storage on the execution process row.
func (a *Action) Marshal() (json.RawMessage, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal executor action: %w", err)
	}
	return data, nil
}

// UnmarshalAction decodes a stored action.
func UnmarshalAction(data json.RawMessage) (*Action, error) {
	var a Action
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("unmarshal executor action: %w", err)
	}
	return &a, nil
}
