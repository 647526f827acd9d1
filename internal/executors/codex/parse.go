package codex

import (
	"encoding/json"
	"strings"

	"github.com/verkstad/verkstad/internal/logs"
	"github.com/verkstad/verkstad/internal/msgstore"
)

type event struct {
	Type     string `json:"type"`
	ThreadID string `json:"thread_id"`
	Message  string `json:"message"`
	Item     *item  `json:"item"`
}

type item struct {
	ID               string       `json:"id"`
	ItemType         string       `json:"item_type"`
	Text             string       `json:"text"`
	Command          string       `json:"command"`
	AggregatedOutput string       `json:"aggregated_output"`
	ExitCode         *int         `json:"exit_code"`
	Status           string       `json:"status"`
	Query            string       `json:"query"`
	Server           string       `json:"server"`
	Tool             string       `json:"tool"`
	Changes          []fileChange `json:"changes"`
	Todos            []todoItem   `json:"items"`
}

type fileChange struct {
	Path string `json:"path"`
	Kind string `json:"kind"`
}

type todoItem struct {
	Text      string `json:"text"`
	Completed bool   `json:"completed"`
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
		if !sessionSent && ev.ThreadID != "" {
			store.PushSessionID(ev.ThreadID)
			sessionSent = true
		}
		handleEvent(conv, &ev, worktreePath)
	}
}

func handleEvent(conv *logs.Conversation, ev *event, worktreePath string) {
	switch ev.Type {
	case "thread.started", "turn.started", "turn.completed":
		// Lifecycle markers carry no conversation content.
	case "error":
		msg := ev.Message
		if msg == "" {
			msg = "codex reported an error"
		}
		conv.Add(logs.NormalizedEntry{
			Type:    logs.EntryType{Kind: logs.EntryErrorMessage},
			Content: msg,
		})
	case "turn.failed":
		conv.Add(logs.NormalizedEntry{
			Type:    logs.EntryType{Kind: logs.EntryErrorMessage},
			Content: "turn failed",
		})
	case "item.started", "item.updated", "item.completed":
		if ev.Item != nil {
			handleItem(conv, ev.Type, ev.Item, worktreePath)
		}
	}
}

func handleItem(conv *logs.Conversation, eventType string, it *item, worktreePath string) {
	completed := eventType == "item.completed"
	switch it.ItemType {
	case "agent_message":
		if completed && it.Text != "" {
			conv.Add(logs.NormalizedEntry{
				Type:    logs.EntryType{Kind: logs.EntryAssistantMessage},
				Content: it.Text,
			})
		}
	case "reasoning":
		if completed && it.Text != "" {
			conv.Add(logs.NormalizedEntry{
				Type:    logs.EntryType{Kind: logs.EntryThinking},
				Content: it.Text,
			})
		}
	case "command_execution":
		action := logs.ActionType{Kind: logs.ActionCommandRun, Command: it.Command}
		if completed {
			if it.ExitCode != nil || it.AggregatedOutput != "" {
				action.Result = &logs.CommandResult{ExitCode: it.ExitCode, Output: it.AggregatedOutput}
			}
			resolved := conv.ResolveTool(it.ID, func(e *logs.NormalizedEntry) {
				e.Type.Status = commandStatus(it)
				e.Type.Action = &action
			})
			if !resolved {
				conv.AddTool(it.ID, toolEntry("shell", action, commandStatus(it)))
			}
			return
		}
		conv.AddTool(it.ID, toolEntry("shell", action, logs.ToolCreated))
	case "file_change":
		var changes []logs.FileChange
		path := ""
		for _, ch := range it.Changes {
			rel := logs.MakeRelative(ch.Path, worktreePath)
			changes = append(changes, logs.FileChange{Path: rel})
			if path == "" {
				path = rel
			}
		}
		action := logs.ActionType{Kind: logs.ActionFileEdit, Path: path, Changes: changes}
		upsertTool(conv, it, "apply_patch", action, completed)
	case "web_search":
		action := logs.ActionType{Kind: logs.ActionSearch, Query: it.Query}
		upsertTool(conv, it, "web_search", action, completed)
	case "mcp_tool_call":
		name := it.Server + "." + it.Tool
		action := logs.ActionType{Kind: logs.ActionOther, Description: name}
		upsertTool(conv, it, name, action, completed)
	case "todo_list":
		if !completed {
			return
		}
		todos := make([]logs.TodoItem, 0, len(it.Todos))
		for _, td := range it.Todos {
			status := "pending"
			if td.Completed {
				status = "completed"
			}
			todos = append(todos, logs.TodoItem{Content: td.Text, Status: status})
		}
		action := logs.ActionType{Kind: logs.ActionTodoManagement, Todos: todos, Operation: "write"}
		conv.Add(toolEntry("update_plan", action, logs.ToolSuccess))
	default:
		if completed {
			data, err := json.Marshal(it)
			if err != nil {
				return
			}
			conv.Add(logs.RawOutput(string(data)))
		}
	}
}

// upsertTool adds the tool entry on start and upgrades it in place on
// completion, falling back to a fresh entry when the start was never seen.
func upsertTool(conv *logs.Conversation, it *item, toolName string, action logs.ActionType, completed bool) {
	if !completed {
		conv.AddTool(it.ID, toolEntry(toolName, action, logs.ToolCreated))
		return
	}
	status := logs.ToolSuccess
	if it.Status == "failed" {
		status = logs.ToolFailed
	}
	resolved := conv.ResolveTool(it.ID, func(e *logs.NormalizedEntry) {
		e.Type.Status = status
		e.Type.Action = &action
		e.Content = logs.ConciseContent(toolName, action)
	})
	if !resolved {
		conv.AddTool(it.ID, toolEntry(toolName, action, status))
	}
}

func toolEntry(toolName string, action logs.ActionType, status logs.ToolStatus) logs.NormalizedEntry {
	actionCopy := action
	return logs.NormalizedEntry{
		Type: logs.EntryType{
			Kind:     logs.EntryToolUse,
			ToolName: toolName,
			Action:   &actionCopy,
			Status:   status,
		},
		Content: logs.ConciseContent(toolName, action),
	}
}

func commandStatus(it *item) logs.ToolStatus {
	if it.Status == "failed" || (it.ExitCode != nil && *it.ExitCode != 0) {
		return logs.ToolFailed
	}
	return logs.ToolSuccess
}
