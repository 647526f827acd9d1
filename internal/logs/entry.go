// Package logs defines the normalized conversation model shared by every
// executor family. Normalizers parse an agent's native wire format and emit
// NormalizedEntry values as JSON-Patch operations against the per-process
// conversation document, so downstream consumers stay agent-agnostic.
package logs

import (
	"encoding/json"
	"path/filepath"
	"strings"
)

// EntryKind is the broad category of a conversation entry.
type EntryKind string

const (
	EntryUserMessage      EntryKind = "user_message"
	EntryAssistantMessage EntryKind = "assistant_message"
	EntryThinking         EntryKind = "thinking"
	EntrySystemMessage    EntryKind = "system_message"
	EntryErrorMessage     EntryKind = "error_message"
	EntryToolUse          EntryKind = "tool_use"
)

// ToolStatus tracks a tool call through its lifecycle. A normalizer upgrades
// the status in place (via a replace patch) when the matching result arrives.
type ToolStatus string

const (
	ToolCreated         ToolStatus = "created"
	ToolPendingApproval ToolStatus = "pending_approval"
	ToolSuccess         ToolStatus = "success"
	ToolFailed          ToolStatus = "failed"
)

// ActionKind is the structured classification of a tool call.
type ActionKind string

const (
	ActionFileRead       ActionKind = "file_read"
	ActionFileEdit       ActionKind = "file_edit"
	ActionCommandRun     ActionKind = "command_run"
	ActionSearch         ActionKind = "search"
	ActionWebFetch       ActionKind = "web_fetch"
	ActionTodoManagement ActionKind = "todo_management"
	ActionOther          ActionKind = "other"
)

// TodoItem is one entry of an agent-managed TODO list.
type TodoItem struct {
	Content  string `json:"content"`
	Status   string `json:"status"`
	Priority string `json:"priority,omitempty"`
}

// FileChange is one hunk of a file edit, in unified-diff form.
type FileChange struct {
	Path string `json:"path,omitempty"`
	Diff string `json:"diff,omitempty"`
}

// CommandResult carries the outcome of a completed command run.
type CommandResult struct {
	ExitCode *int   `json:"exit_code,omitempty"`
	Output   string `json:"output,omitempty"`
}

// ActionType describes what a tool call does, independent of the tool's
// native name. Only the fields matching Kind are populated.
type ActionType struct {
	Kind        ActionKind     `json:"action"`
	Path        string         `json:"path,omitempty"`
	Changes     []FileChange   `json:"changes,omitempty"`
	Command     string         `json:"command,omitempty"`
	Result      *CommandResult `json:"result,omitempty"`
	Query       string         `json:"query,omitempty"`
	URL         string         `json:"url,omitempty"`
	Todos       []TodoItem     `json:"todos,omitempty"`
	Operation   string         `json:"operation,omitempty"`
	Description string         `json:"description,omitempty"`
}

// EntryType is the typed discriminator of a NormalizedEntry. ToolName,
// Action, and Status are set only for tool_use entries.
type EntryType struct {
	Kind     EntryKind   `json:"type"`
	ToolName string      `json:"tool_name,omitempty"`
	Action   *ActionType `json:"action_type,omitempty"`
	Status   ToolStatus  `json:"status,omitempty"`
}

// NormalizedEntry is one element of the conversation document at
// /entries/<index>.
type NormalizedEntry struct {
	Timestamp string          `json:"timestamp,omitempty"`
	Type      EntryType       `json:"entry_type"`
	Content   string          `json:"content"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// RawOutput wraps an unparseable agent line as a system message entry.
func RawOutput(line string) NormalizedEntry {
	return NormalizedEntry{
		Type:    EntryType{Kind: EntrySystemMessage},
		Content: "Raw output: " + strings.TrimSpace(line),
	}
}

// ConciseContent renders the short human-readable label for a tool call, the
// same way for every executor family.
func ConciseContent(toolName string, action ActionType) string {
	switch action.Kind {
	case ActionFileRead, ActionFileEdit:
		return "`" + action.Path + "`"
	case ActionCommandRun:
		return "`" + action.Command + "`"
	case ActionSearch:
		return "`" + action.Query + "`"
	case ActionWebFetch:
		return "`" + action.URL + "`"
	case ActionTodoManagement:
		return "TODO list updated"
	case ActionOther:
		if action.Description != "" {
			return action.Description
		}
	}
	return toolName
}

// MakeRelative rewrites an absolute path inside the worktree to a
// repo-relative one. Paths outside the worktree are returned unchanged.
func MakeRelative(path, worktree string) string {
	if path == "" || worktree == "" || !filepath.IsAbs(path) {
		return path
	}
	rel, err := filepath.Rel(worktree, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return path
	}
	return rel
}
