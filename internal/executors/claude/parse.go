package claude

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/verkstad/verkstad/internal/logs"
	"github.com/verkstad/verkstad/internal/msgstore"
)

// line is the envelope of one stream-json line.
type line struct {
	Type      string   `json:"type"`
	Subtype   string   `json:"subtype"`
	SessionID string   `json:"session_id"`
	Message   *message `json:"message"`
	IsError   bool     `json:"is_error"`
	Result    string   `json:"result"`
}

type message struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	Thinking  string          `json:"thinking"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

// normalize drains the store's stdout lines and publishes conversation
// patches. Runs until the store finishes.
func normalize(store *msgstore.Store, worktreePath string) {
	conv := logs.NewConversation(store)
	sessionSent := false
	for raw := range store.StdoutLines() {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		var l line
		if err := json.Unmarshal([]byte(raw), &l); err != nil {
			conv.Add(logs.RawOutput(raw))
			continue
		}
		if !sessionSent && l.SessionID != "" {
			store.PushSessionID(l.SessionID)
			sessionSent = true
		}
		handleLine(conv, &l, worktreePath)
	}
}

func handleLine(conv *logs.Conversation, l *line, worktreePath string) {
	switch l.Type {
	case "system":
		// init and other system chatter stay out of the conversation.
	case "assistant":
		if l.Message == nil {
			return
		}
		for _, block := range l.Message.Content {
			switch block.Type {
			case "text":
				if block.Text != "" {
					conv.Add(logs.NormalizedEntry{
						Type:    logs.EntryType{Kind: logs.EntryAssistantMessage},
						Content: block.Text,
					})
				}
			case "thinking":
				if block.Thinking != "" {
					conv.Add(logs.NormalizedEntry{
						Type:    logs.EntryType{Kind: logs.EntryThinking},
						Content: block.Thinking,
					})
				}
			case "tool_use":
				action := MapToolAction(block.Name, block.Input, worktreePath)
				conv.AddTool(block.ID, logs.NormalizedEntry{
					Type: logs.EntryType{
						Kind:     logs.EntryToolUse,
						ToolName: block.Name,
						Action:   &action,
						Status:   logs.ToolCreated,
					},
					Content: logs.ConciseContent(block.Name, action),
				})
			}
		}
	case "user":
		if l.Message == nil {
			return
		}
		for _, block := range l.Message.Content {
			if block.Type != "tool_result" || block.ToolUseID == "" {
				continue
			}
			output := resultText(block.Content)
			conv.ResolveTool(block.ToolUseID, func(e *logs.NormalizedEntry) {
				if block.IsError {
					e.Type.Status = logs.ToolFailed
				} else {
					e.Type.Status = logs.ToolSuccess
				}
				if e.Type.Action != nil && e.Type.Action.Kind == logs.ActionCommandRun && output != "" {
					e.Type.Action.Result = &logs.CommandResult{Output: output}
				}
			})
		}
	case "result":
		if l.IsError {
			content := l.Result
			if content == "" {
				content = "agent reported an error"
			}
			conv.Add(logs.NormalizedEntry{
				Type:    logs.EntryType{Kind: logs.EntryErrorMessage},
				Content: content,
			})
		}
	default:
		data, err := json.Marshal(l)
		if err != nil {
			return
		}
		conv.Add(logs.RawOutput(string(data)))
	}
}

// resultText extracts the printable part of a tool_result content field,
// which is either a plain string or an array of content blocks.
func resultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var parts []string
		for _, b := range blocks {
			if b.Type == "text" && b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return ""
}

// MapToolAction classifies a Claude Code tool call into the shared
// ActionType, rewriting worktree-absolute paths to repo-relative ones.
func MapToolAction(toolName string, input json.RawMessage, worktreePath string) logs.ActionType {
	var params struct {
		FilePath     string          `json:"file_path"`
		NotebookPath string          `json:"notebook_path"`
		Command      string          `json:"command"`
		Pattern      string          `json:"pattern"`
		Query        string          `json:"query"`
		URL          string          `json:"url"`
		Path         string          `json:"path"`
		Description  string          `json:"description"`
		Todos        []logs.TodoItem `json:"todos"`
	}
	if len(input) > 0 {
		// Partial decodes are fine; unknown shapes degrade to Other below.
		_ = json.Unmarshal(input, &params)
	}
	path := params.FilePath
	if path == "" {
		path = params.NotebookPath
	}
	switch toolName {
	case "Read":
		return logs.ActionType{Kind: logs.ActionFileRead, Path: logs.MakeRelative(path, worktreePath)}
	case "Edit", "Write", "MultiEdit", "NotebookEdit":
		return logs.ActionType{Kind: logs.ActionFileEdit, Path: logs.MakeRelative(path, worktreePath)}
	case "Bash", "BashOutput":
		return logs.ActionType{Kind: logs.ActionCommandRun, Command: params.Command}
	case "Grep", "Glob":
		return logs.ActionType{Kind: logs.ActionSearch, Query: params.Pattern}
	case "WebSearch":
		return logs.ActionType{Kind: logs.ActionSearch, Query: params.Query}
	case "WebFetch":
		return logs.ActionType{Kind: logs.ActionWebFetch, URL: params.URL}
	case "TodoWrite":
		return logs.ActionType{Kind: logs.ActionTodoManagement, Todos: params.Todos, Operation: "write"}
	case "Task":
		desc := params.Description
		if desc == "" {
			desc = "subagent task"
		}
		return logs.ActionType{Kind: logs.ActionOther, Description: desc}
	case "LS":
		return logs.ActionType{Kind: logs.ActionFileRead, Path: logs.MakeRelative(params.Path, worktreePath)}
	}
	return logs.ActionType{Kind: logs.ActionOther, Description: fmt.Sprintf("Tool: %s", toolName)}
}
