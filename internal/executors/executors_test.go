package executors_test

import (
	"encoding/json"
	"testing"

	"github.com/verkstad/verkstad/internal/executors"
	_ "github.com/verkstad/verkstad/internal/executors/all"
)

func TestActionChainRoundTrip(t *testing.T) {
	cleanup := executors.NewScript("rm -rf .cache", executors.ScriptCleanup, nil)
	action := executors.NewFollowUp("fix the tests", "sess-1",
		executors.Profile{Executor: "claude", Variant: "plan"}, cleanup)

	data, err := action.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	got, err := executors.UnmarshalAction(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.Kind != executors.KindCodingAgentFollowUp || got.SessionID != "sess-1" {
		t.Errorf("got %+v", got)
	}
	if got.Profile.Variant != "plan" {
		t.Errorf("variant = %q", got.Profile.Variant)
	}
	if got.Next == nil || got.Next.Kind != executors.KindScript {
		t.Fatalf("next = %+v", got.Next)
	}
	if got.Next.Script.Context != executors.ScriptCleanup {
		t.Errorf("next context = %q", got.Next.Script.Context)
	}
	if got.Next.Next != nil {
		t.Error("chain should end after cleanup")
	}
}

func TestActionValidate(t *testing.T) {
	tests := []struct {
		name    string
		action  *executors.Action
		wantErr bool
	}{
		{"initial ok", executors.NewInitial("p", executors.Profile{Executor: "claude"}, nil), false},
		{"initial without profile", &executors.Action{Kind: executors.KindCodingAgentInitial, Prompt: "p"}, true},
		{"follow-up without session", &executors.Action{Kind: executors.KindCodingAgentFollowUp, Profile: executors.Profile{Executor: "amp"}}, true},
		{"script without body", &executors.Action{Kind: executors.KindScript, Script: &executors.Script{}}, true},
		{"unknown kind", &executors.Action{Kind: "mystery"}, true},
		{"bad chained action", executors.NewInitial("p", executors.Profile{Executor: "claude"},
			&executors.Action{Kind: executors.KindScript}), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.action.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRegistryHasAllFamilies(t *testing.T) {
	for _, name := range []string{"claude", "codex", "amp", "droid", "gemini"} {
		e, err := executors.Get(name)
		if err != nil {
			t.Errorf("Get(%q): %v", name, err)
			continue
		}
		if e.Name() != name {
			t.Errorf("Name() = %q, want %q", e.Name(), name)
		}
	}
	if _, err := executors.Get("nope"); err == nil {
		t.Error("Get(nope) should fail")
	}
}

func TestSpecForScript(t *testing.T) {
	action := executors.NewScript("npm run dev", executors.ScriptDevServer, nil)
	spec, err := executors.SpecFor(action)
	if err != nil {
		t.Fatal(err)
	}
	if !spec.UsePTY {
		t.Error("dev server scripts should request a PTY")
	}
	if len(spec.Args) != 2 || spec.Args[1] != "npm run dev" {
		t.Errorf("args = %v", spec.Args)
	}

	setup := executors.NewScript("make setup", executors.ScriptSetup, nil)
	spec, err = executors.SpecFor(setup)
	if err != nil {
		t.Fatal(err)
	}
	if spec.UsePTY {
		t.Error("setup scripts should not request a PTY")
	}
}

func TestSpecForAgent(t *testing.T) {
	action := executors.NewInitial("hello", executors.Profile{Executor: "claude"}, nil)
	spec, err := executors.SpecFor(action)
	if err != nil {
		t.Fatal(err)
	}
	if spec.Program != "claude" || spec.Stdin != "hello" {
		t.Errorf("spec = %+v", spec)
	}

	if executors.NormalizerFor(action) == nil {
		t.Error("agent actions must have a normalizer")
	}
	if executors.NormalizerFor(executors.NewScript("x", executors.ScriptSetup, nil)) != nil {
		t.Error("script actions must not have a normalizer")
	}
}

func TestStoredActionIsValidJSON(t *testing.T) {
	action := executors.NewInitial("p", executors.Profile{Executor: "codex"}, nil)
	data, err := action.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatal(err)
	}
	if m["kind"] != string(executors.KindCodingAgentInitial) {
		t.Errorf("kind = %v", m["kind"])
	}
}
