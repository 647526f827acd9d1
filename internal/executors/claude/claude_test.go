package claude

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/verkstad/verkstad/internal/logs"
	"github.com/verkstad/verkstad/internal/msgstore"
)

// session is a trimmed capture of a real print-mode run.
const session = `{"type":"system","subtype":"init","session_id":"0198f1a2-demo","cwd":"/work/vk-1-add-readme","model":"claude-sonnet"}
{"type":"assistant","message":{"role":"assistant","content":[{"type":"thinking","thinking":"The repo has no README yet."}]},"session_id":"0198f1a2-demo"}
{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"I'll add a README."},{"type":"tool_use","id":"toolu_01","name":"Write","input":{"file_path":"/work/vk-1-add-readme/README.md","content":"# Demo"}}]},"session_id":"0198f1a2-demo"}
{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"toolu_01","content":"File created successfully"}]},"session_id":"0198f1a2-demo"}
{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","id":"toolu_02","name":"Bash","input":{"command":"git add README.md"}}]},"session_id":"0198f1a2-demo"}
{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"toolu_02","content":[{"type":"text","text":""}],"is_error":false}]},"session_id":"0198f1a2-demo"}
not even json
{"type":"result","subtype":"success","is_error":false,"result":"Added README.md"}`

// runNormalizer feeds raw stdout through the normalizer and returns the
// final conversation entries plus the captured session id. wantPatches is
// how many patches the input should produce; the store stops accepting
// appends once finished, so the test waits for the normalizer to drain
// before pushing the sentinel, the same way the exit monitor trails the
// agent's stdout in production.
func runNormalizer(t *testing.T, raw string, wantPatches int) ([]logs.NormalizedEntry, string) {
	t.Helper()
	store := msgstore.New()
	store.PushStdout(raw + "\n")

	done := make(chan struct{})
	go func() {
		normalize(store, "/work/vk-1-add-readme")
		close(done)
	}()
	waitForPatches(t, store, wantPatches)
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

func waitForPatches(t *testing.T, store *msgstore.Store, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		n := 0
		for _, m := range store.History() {
			if m.Kind == msgstore.KindJSONPatch {
				n++
			}
		}
		if n >= want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("normalizer did not produce %d patches in time", want)
}

func TestNormalizeSession(t *testing.T) {
	// 5 adds plus 2 tool-result replaces.
	entries, sessionID := runNormalizer(t, session, 7)

	if sessionID != "0198f1a2-demo" {
		t.Errorf("session id = %q", sessionID)
	}

	// thinking, text, Write tool, Bash tool, raw line.
	if len(entries) != 5 {
		t.Fatalf("got %d entries: %+v", len(entries), entries)
	}

	if entries[0].Type.Kind != logs.EntryThinking {
		t.Errorf("entries[0] = %+v, want thinking", entries[0].Type)
	}
	if entries[1].Type.Kind != logs.EntryAssistantMessage || entries[1].Content != "I'll add a README." {
		t.Errorf("entries[1] = %+v", entries[1])
	}

	write := entries[2]
	if write.Type.Kind != logs.EntryToolUse || write.Type.ToolName != "Write" {
		t.Fatalf("entries[2] = %+v", write.Type)
	}
	if write.Type.Status != logs.ToolSuccess {
		t.Errorf("Write status = %q, want success after tool_result", write.Type.Status)
	}
	if write.Type.Action.Path != "README.md" {
		t.Errorf("Write path = %q, want worktree-relative", write.Type.Action.Path)
	}
	if write.Content != "`README.md`" {
		t.Errorf("Write content = %q", write.Content)
	}

	bash := entries[3]
	if bash.Type.ToolName != "Bash" || bash.Type.Action.Command != "git add README.md" {
		t.Errorf("entries[3] = %+v", bash.Type)
	}
	if bash.Type.Status != logs.ToolSuccess {
		t.Errorf("Bash status = %q", bash.Type.Status)
	}

	if entries[4].Type.Kind != logs.EntrySystemMessage || !strings.HasPrefix(entries[4].Content, "Raw output: ") {
		t.Errorf("entries[4] = %+v", entries[4])
	}
}

func TestNormalizeErrorResult(t *testing.T) {
	raw := `{"type":"system","subtype":"init","session_id":"s1"}
{"type":"result","subtype":"error_during_execution","is_error":true,"result":"credit exhausted"}`
	entries, _ := runNormalizer(t, raw, 1)
	if len(entries) != 1 {
		t.Fatalf("got %d entries", len(entries))
	}
	if entries[0].Type.Kind != logs.EntryErrorMessage || entries[0].Content != "credit exhausted" {
		t.Errorf("entries[0] = %+v", entries[0])
	}
}

func TestMapToolAction(t *testing.T) {
	wt := "/work/tree"
	tests := []struct {
		tool  string
		input string
		want  logs.ActionType
	}{
		{"Read", `{"file_path":"/work/tree/main.go"}`, logs.ActionType{Kind: logs.ActionFileRead, Path: "main.go"}},
		{"Edit", `{"file_path":"/work/tree/a/b.go"}`, logs.ActionType{Kind: logs.ActionFileEdit, Path: "a/b.go"}},
		{"Bash", `{"command":"go vet ./..."}`, logs.ActionType{Kind: logs.ActionCommandRun, Command: "go vet ./..."}},
		{"Grep", `{"pattern":"TODO"}`, logs.ActionType{Kind: logs.ActionSearch, Query: "TODO"}},
		{"WebFetch", `{"url":"https://pkg.go.dev"}`, logs.ActionType{Kind: logs.ActionWebFetch, URL: "https://pkg.go.dev"}},
		{"SomethingNew", `{}`, logs.ActionType{Kind: logs.ActionOther, Description: "Tool: SomethingNew"}},
	}
	for _, tt := range tests {
		t.Run(tt.tool, func(t *testing.T) {
			got := MapToolAction(tt.tool, json.RawMessage(tt.input), wt)
			if got.Kind != tt.want.Kind || got.Path != tt.want.Path ||
				got.Command != tt.want.Command || got.Query != tt.want.Query ||
				got.URL != tt.want.URL || got.Description != tt.want.Description {
				t.Errorf("MapToolAction(%s) = %+v, want %+v", tt.tool, got, tt.want)
			}
		})
	}
}

func TestCommands(t *testing.T) {
	e := New()
	spec, err := e.Initial("add a README", "")
	if err != nil {
		t.Fatal(err)
	}
	if spec.Program != "claude" || spec.Stdin != "add a README" {
		t.Errorf("spec = %+v", spec)
	}
	joined := strings.Join(spec.Args, " ")
	if !strings.Contains(joined, "--output-format=stream-json") {
		t.Errorf("args = %q", joined)
	}

	follow, err := e.FollowUp("continue", "sess-9", "plan")
	if err != nil {
		t.Fatal(err)
	}
	joined = strings.Join(follow.Args, " ")
	if !strings.Contains(joined, "--resume=sess-9") || !strings.Contains(joined, "--permission-mode=plan") {
		t.Errorf("follow-up args = %q", joined)
	}
}
