package droid

import (
	"encoding/json"
	"testing"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/verkstad/verkstad/internal/logs"
	"github.com/verkstad/verkstad/internal/msgstore"
)

const session = `{"type":"system","subtype":"init","session_id":"dr-7","cwd":"/work/wt","model":"droid-1"}
{"type":"message","role":"assistant","id":"m1","text":"Checking the failing test.","timestamp":1700000001000,"session_id":"dr-7"}
{"type":"tool_call","id":"c1","messageId":"m1","toolId":"t1","toolName":"Execute","parameters":{"command":"go test ./..."},"timestamp":1700000002000,"session_id":"dr-7"}
{"type":"tool_result","id":"r1","messageId":"m1","toolId":"t1","isError":true,"error":{"type":"exec","message":"exit status 1"},"timestamp":1700000003000,"session_id":"dr-7"}
{"type":"tool_call","id":"c2","messageId":"m1","toolId":"t2","toolName":"Edit","parameters":{"file_path":"/work/wt/pkg/a.go","old_str":"x","new_str":"y"},"timestamp":1700000004000,"session_id":"dr-7"}
{"type":"tool_result","id":"r2","messageId":"m1","toolId":"t2","isError":false,"value":"ok","timestamp":1700000005000,"session_id":"dr-7"}
{"type":"error","source":"agent","message":"rate limited","timestamp":1700000006000}`

func runNormalizer(t *testing.T, raw string, wantPatches int) ([]logs.NormalizedEntry, string) {
	t.Helper()
	store := msgstore.New()
	store.PushStdout(raw + "\n")
	done := make(chan struct{})
	go func() {
		normalize(store, "/work/wt")
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		n := 0
		for _, m := range store.History() {
			if m.Kind == msgstore.KindJSONPatch {
				n++
			}
		}
		if n >= wantPatches {
			break
		}
		time.Sleep(time.Millisecond)
	}
	store.PushFinished()
	<-done

	doc := []byte(`{"entries":[]}`)
	sessionID := ""
	for _, m := range store.History() {
		switch m.Kind {
		case msgstore.KindSessionID:
			sessionID = m.Text
		case msgstore.KindJSONPatch:
			patch, err := jsonpatch.DecodePatch(m.Patch)
			if err != nil {
				t.Fatalf("decode patch: %v", err)
			}
			doc, err = patch.Apply(doc)
			if err != nil {
				t.Fatalf("apply patch %s: %v", m.Patch, err)
			}
		}
	}
	var parsed struct {
		Entries []logs.NormalizedEntry `json:"entries"`
	}
	if err := json.Unmarshal(doc, &parsed); err != nil {
		t.Fatal(err)
	}
	return parsed.Entries, sessionID
}

func TestNormalizeSession(t *testing.T) {
	// 4 adds plus 2 tool-result replaces.
	entries, sessionID := runNormalizer(t, session, 6)

	if sessionID != "dr-7" {
		t.Errorf("session id = %q", sessionID)
	}
	if len(entries) != 4 {
		t.Fatalf("got %d entries: %+v", len(entries), entries)
	}

	if entries[0].Type.Kind != logs.EntryAssistantMessage {
		t.Errorf("entries[0] = %+v", entries[0].Type)
	}
	if entries[0].Timestamp != "1700000001000" {
		t.Errorf("timestamp = %q", entries[0].Timestamp)
	}

	exec := entries[1]
	if exec.Type.ToolName != "Execute" || exec.Type.Action.Command != "go test ./..." {
		t.Fatalf("entries[1] = %+v", exec.Type)
	}
	if exec.Type.Status != logs.ToolFailed {
		t.Errorf("Execute status = %q, want failed", exec.Type.Status)
	}
	if exec.Type.Action.Result == nil || exec.Type.Action.Result.Output != "exit status 1" {
		t.Errorf("Execute result = %+v", exec.Type.Action.Result)
	}

	edit := entries[2]
	if edit.Type.Action.Kind != logs.ActionFileEdit || edit.Type.Action.Path != "pkg/a.go" {
		t.Errorf("entries[2] = %+v", edit.Type.Action)
	}
	if edit.Type.Status != logs.ToolSuccess {
		t.Errorf("Edit status = %q", edit.Type.Status)
	}

	if entries[3].Type.Kind != logs.EntryErrorMessage || entries[3].Content != "agent: rate limited" {
		t.Errorf("entries[3] = %+v", entries[3])
	}
}

func TestMapToolAction(t *testing.T) {
	tests := []struct {
		tool   string
		params string
		kind   logs.ActionKind
	}{
		{"Read", `{"file_path":"/work/wt/a.go"}`, logs.ActionFileRead},
		{"Glob", `{"folder":"/work/wt","patterns":["*.go"]}`, logs.ActionSearch},
		{"TodoWrite", `{"todos":[{"content":"x","status":"pending"}]}`, logs.ActionTodoManagement},
		{"FetchUrl", `{"url":"https://example.com"}`, logs.ActionWebFetch},
		{"slack_post_message", `{"channel":"#x","text":"hi"}`, logs.ActionOther},
	}
	for _, tt := range tests {
		t.Run(tt.tool, func(t *testing.T) {
			got := mapToolAction(tt.tool, json.RawMessage(tt.params), "/work/wt")
			if got.Kind != tt.kind {
				t.Errorf("kind = %q, want %q", got.Kind, tt.kind)
			}
		})
	}
}

func TestCommands(t *testing.T) {
	e := New()
	spec, err := e.FollowUp("continue", "dr-7", "high")
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for i, a := range spec.Args {
		if a == "--session" && i+1 < len(spec.Args) && spec.Args[i+1] == "dr-7" {
			found = true
		}
	}
	if !found {
		t.Errorf("args = %v", spec.Args)
	}
}
