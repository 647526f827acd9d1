package amp

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/verkstad/verkstad/internal/logs"
	"github.com/verkstad/verkstad/internal/msgstore"
)

type event struct {
	Type     string            `json:"type"`
	ThreadID string            `json:"threadID"`
	Messages []json.RawMessage `json:"messages"`
}

type ampMessage struct {
	Role    string          `json:"role"`
	Content []contentItem   `json:"content"`
	State   json.RawMessage `json:"state"`
	Meta    *ampMeta        `json:"meta"`
}

type ampMeta struct {
	SentAt int64 `json:"sentAt"`
}

type contentItem struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	Thinking  string          `json:"thinking"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"toolUseID"`
	Run       json.RawMessage `json:"run"`
}

// normalize drains stdout lines and publishes conversation patches. One amp
// message id fans out to several entry indices (one per content item); a
// re-sent message replaces those indices in place and appends for any new
// trailing content.
func normalize(store *msgstore.Store, worktreePath string) {
	conv := logs.NewConversation(store)
	seen := make(map[int][]int) // amp message id -> entry indices per content index
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
		switch ev.Type {
		case "initial":
			if !sessionSent && ev.ThreadID != "" {
				store.PushSessionID(ev.ThreadID)
				sessionSent = true
			}
		case "messages":
			for _, pair := range ev.Messages {
				id, msg, ok := decodePair(pair)
				if !ok {
					continue
				}
				applyMessage(conv, seen, id, msg, worktreePath)
			}
		case "state", "token-usage", "tool-status", "shutdown":
			// Bookkeeping events carry no conversation content.
		}
	}
}

// decodePair unpacks the [id, message] tuples amp uses in messages events.
func decodePair(raw json.RawMessage) (int, *ampMessage, bool) {
	var tuple []json.RawMessage
	if err := json.Unmarshal(raw, &tuple); err != nil || len(tuple) != 2 {
		return 0, nil, false
	}
	id, err := strconv.Atoi(strings.TrimSpace(string(tuple[0])))
	if err != nil {
		return 0, nil, false
	}
	var msg ampMessage
	if err := json.Unmarshal(tuple[1], &msg); err != nil {
		return 0, nil, false
	}
	return id, &msg, true
}

func applyMessage(conv *logs.Conversation, seen map[int][]int, id int, msg *ampMessage, worktreePath string) {
	for contentIndex, ci := range msg.Content {
		entry, ok := toEntry(&ci, msg, worktreePath)
		if !ok {
			continue
		}
		indices := seen[id]
		if contentIndex < len(indices) {
			conv.Replace(indices[contentIndex], entry)
			continue
		}
		idx := conv.Add(entry)
		seen[id] = append(seen[id], idx)
	}
}

func toEntry(ci *contentItem, msg *ampMessage, worktreePath string) (logs.NormalizedEntry, bool) {
	timestamp := ""
	if msg.Meta != nil && msg.Meta.SentAt > 0 {
		timestamp = strconv.FormatInt(msg.Meta.SentAt, 10)
	}
	switch ci.Type {
	case "text":
		kind := logs.EntryAssistantMessage
		switch msg.Role {
		case "user":
			kind = logs.EntryUserMessage
		case "assistant":
		default:
			return logs.NormalizedEntry{}, false
		}
		return logs.NormalizedEntry{
			Timestamp: timestamp,
			Type:      logs.EntryType{Kind: kind},
			Content:   ci.Text,
		}, true
	case "thinking":
		return logs.NormalizedEntry{
			Timestamp: timestamp,
			Type:      logs.EntryType{Kind: logs.EntryThinking},
			Content:   ci.Thinking,
		}, true
	case "tool_use":
		action := mapToolAction(ci.Name, ci.Input, worktreePath)
		return logs.NormalizedEntry{
			Timestamp: timestamp,
			Type: logs.EntryType{
				Kind:     logs.EntryToolUse,
				ToolName: ci.Name,
				Action:   &action,
				Status:   logs.ToolCreated,
			},
			Content: logs.ConciseContent(ci.Name, action),
		}, true
	}
	return logs.NormalizedEntry{}, false
}

// mapToolAction classifies amp's tool names.
func mapToolAction(toolName string, input json.RawMessage, worktreePath string) logs.ActionType {
	var params struct {
		Path    string `json:"path"`
		Cmd     string `json:"cmd"`
		Command string `json:"command"`
		Pattern string `json:"pattern"`
		URL     string `json:"url"`
	}
	if len(input) > 0 {
		_ = json.Unmarshal(input, &params)
	}
	command := params.Cmd
	if command == "" {
		command = params.Command
	}
	switch toolName {
	case "read_file", "Read":
		return logs.ActionType{Kind: logs.ActionFileRead, Path: logs.MakeRelative(params.Path, worktreePath)}
	case "edit_file", "create_file":
		return logs.ActionType{Kind: logs.ActionFileEdit, Path: logs.MakeRelative(params.Path, worktreePath)}
	case "Bash", "bash":
		return logs.ActionType{Kind: logs.ActionCommandRun, Command: command}
	case "Grep", "glob", "codebase_search":
		return logs.ActionType{Kind: logs.ActionSearch, Query: params.Pattern}
	case "read_web_page", "web_search":
		return logs.ActionType{Kind: logs.ActionWebFetch, URL: params.URL}
	case "todo_write":
		return logs.ActionType{Kind: logs.ActionTodoManagement, Operation: "write"}
	}
	return logs.ActionType{Kind: logs.ActionOther, Description: toolName}
}

