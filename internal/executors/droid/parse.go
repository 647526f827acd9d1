package droid

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/verkstad/verkstad/internal/logs"
	"github.com/verkstad/verkstad/internal/msgstore"
)

type event struct {
	Type       string          `json:"type"`
	SessionID  string          `json:"session_id"`
	Role       string          `json:"role"`
	Text       string          `json:"text"`
	Timestamp  int64           `json:"timestamp"`
	ToolID     string          `json:"toolId"`
	ToolName   string          `json:"toolName"`
	Parameters json.RawMessage `json:"parameters"`
	IsError    bool            `json:"isError"`
	Value      json.RawMessage `json:"value"`
	Error      *toolError      `json:"error"`
	Source     string          `json:"source"`
	Message    string          `json:"message"`
}

type toolError struct {
	Kind    string `json:"type"`
	Message string `json:"message"`
}

func normalize(store *msgstore.Store, worktreePath string) {
	conv := logs.NewConversation(store)
	sessionSent := false
	for raw := range store.StdoutLines() {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		var ev event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			conv.Add(logs.RawOutput(raw))
			continue
		}
		if !sessionSent && ev.SessionID != "" {
			store.PushSessionID(ev.SessionID)
			sessionSent = true
		}
		handleEvent(conv, &ev, worktreePath)
	}
}

func handleEvent(conv *logs.Conversation, ev *event, worktreePath string) {
	timestamp := ""
	if ev.Timestamp > 0 {
		timestamp = strconv.FormatInt(ev.Timestamp, 10)
	}
	switch ev.Type {
	case "system":
		// Session bookkeeping only.
	case "message":
		kind := logs.EntryAssistantMessage
		if ev.Role == "user" {
			kind = logs.EntryUserMessage
		}
		if ev.Text == "" {
			return
		}
		conv.Add(logs.NormalizedEntry{
			Timestamp: timestamp,
			Type:      logs.EntryType{Kind: kind},
			Content:   ev.Text,
		})
	case "tool_call":
		action := mapToolAction(ev.ToolName, ev.Parameters, worktreePath)
		conv.AddTool(ev.ToolID, logs.NormalizedEntry{
			Timestamp: timestamp,
			Type: logs.EntryType{
				Kind:     logs.EntryToolUse,
				ToolName: ev.ToolName,
				Action:   &action,
				Status:   logs.ToolCreated,
			},
			Content: logs.ConciseContent(ev.ToolName, action),
		})
	case "tool_result":
		conv.ResolveTool(ev.ToolID, func(e *logs.NormalizedEntry) {
			if ev.IsError {
				e.Type.Status = logs.ToolFailed
			} else {
				e.Type.Status = logs.ToolSuccess
			}
			if e.Type.Action != nil && e.Type.Action.Kind == logs.ActionCommandRun {
				e.Type.Action.Result = &logs.CommandResult{Output: resultOutput(ev)}
			}
		})
	case "error":
		msg := ev.Message
		if ev.Source != "" {
			msg = ev.Source + ": " + msg
		}
		conv.Add(logs.NormalizedEntry{
			Timestamp: timestamp,
			Type:      logs.EntryType{Kind: logs.EntryErrorMessage},
			Content:   msg,
		})
	default:
		conv.Add(logs.RawOutput(ev.Type))
	}
}

func resultOutput(ev *event) string {
	if ev.Error != nil {
		return ev.Error.Message
	}
	if len(ev.Value) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(ev.Value, &s); err == nil {
		return s
	}
	return string(ev.Value)
}

// mapToolAction mirrors droid's tool surface onto the shared ActionType.
func mapToolAction(toolName string, params json.RawMessage, worktreePath string) logs.ActionType {
	var p struct {
		FilePath      string          `json:"file_path"`
		Path          string          `json:"path"`
		DirectoryPath string          `json:"directory_path"`
		Command       string          `json:"command"`
		Patterns      []string        `json:"patterns"`
		Pattern       string          `json:"pattern"`
		Query         string          `json:"query"`
		URL           string          `json:"url"`
		Todos         []logs.TodoItem `json:"todos"`
	}
	if len(params) > 0 {
		_ = json.Unmarshal(params, &p)
	}
	path := p.FilePath
	if path == "" {
		path = p.Path
	}
	switch toolName {
	case "Read":
		return logs.ActionType{Kind: logs.ActionFileRead, Path: logs.MakeRelative(path, worktreePath)}
	case "LS":
		return logs.ActionType{Kind: logs.ActionFileRead, Path: logs.MakeRelative(p.DirectoryPath, worktreePath)}
	case "Grep":
		// Droid reports the searched location, not the matches; surface it
		// as the path being read.
		return logs.ActionType{Kind: logs.ActionFileRead, Path: logs.MakeRelative(path, worktreePath)}
	case "Glob":
		return logs.ActionType{Kind: logs.ActionSearch, Query: strings.Join(p.Patterns, ", ")}
	case "Execute":
		return logs.ActionType{Kind: logs.ActionCommandRun, Command: p.Command}
	case "Edit", "MultiEdit", "Create", "ApplyPatch":
		return logs.ActionType{Kind: logs.ActionFileEdit, Path: logs.MakeRelative(path, worktreePath)}
	case "TodoWrite":
		return logs.ActionType{Kind: logs.ActionTodoManagement, Todos: p.Todos, Operation: "write"}
	case "WebSearch":
		return logs.ActionType{Kind: logs.ActionSearch, Query: p.Query}
	case "FetchUrl":
		return logs.ActionType{Kind: logs.ActionWebFetch, URL: p.URL}
	}
	return logs.ActionType{Kind: logs.ActionOther, Description: toolName}
}

