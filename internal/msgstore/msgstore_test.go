package msgstore

import (
	"encoding/json"
	"testing"
	"time"
)

func collect(sub *Subscription, t *testing.T) []LogMsg {
	t.Helper()
	var got []LogMsg
	timeout := time.After(5 * time.Second)
	for {
		select {
		case m, ok := <-sub.C:
			if !ok {
				return got
			}
			got = append(got, m)
		case <-timeout:
			t.Fatalf("timed out after %d messages", len(got))
		}
	}
}

func TestHistoryThenLive(t *testing.T) {
	s := New()
	s.PushStdout("a")
	s.PushStderr("b")

	sub := s.HistoryPlusStream()

	s.PushStdout("c")
	s.PushSessionID("sess-1")
	s.PushFinished()

	got := collect(sub, t)
	want := []LogMsg{
		{Kind: KindStdout, Text: "a"},
		{Kind: KindStderr, Text: "b"},
		{Kind: KindStdout, Text: "c"},
		{Kind: KindSessionID, Text: "sess-1"},
		{Kind: KindFinished},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d messages, want %d: %+v", len(got), len(want), got)
	}
	for i := range want {
		if got[i].Kind != want[i].Kind || got[i].Text != want[i].Text {
			t.Errorf("msg[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestLateSubscriberSeesFullHistory(t *testing.T) {
	s := New()
	s.PushStdout("x")
	s.PushFinished()

	got := collect(s.HistoryPlusStream(), t)
	if len(got) != 2 {
		t.Fatalf("got %d messages, want 2", len(got))
	}
	if got[1].Kind != KindFinished {
		t.Errorf("last message = %v, want Finished", got[1].Kind)
	}
}

func TestFinishedIsTerminal(t *testing.T) {
	s := New()
	s.PushFinished()
	s.PushFinished()
	s.PushStdout("ignored")
	s.PushPatch(json.RawMessage(`[]`))

	got := s.History()
	if len(got) != 1 {
		t.Fatalf("history has %d entries, want only the sentinel", len(got))
	}
	if !s.Finished() {
		t.Error("Finished() = false after PushFinished")
	}
}

func TestPatchRoundTrip(t *testing.T) {
	s := New()
	patch := json.RawMessage(`[{"op":"add","path":"/entries/0","value":{"content":"hi"}}]`)
	s.PushPatch(patch)
	s.PushFinished()

	got := collect(s.HistoryPlusStream(), t)
	if got[0].Kind != KindJSONPatch {
		t.Fatalf("kind = %v, want JSONPatch", got[0].Kind)
	}
	if string(got[0].Patch) != string(patch) {
		t.Errorf("patch = %s, want %s", got[0].Patch, patch)
	}
}

func TestStdoutLinesJoinsChunks(t *testing.T) {
	s := New()
	s.PushStdout(`{"type":"mess`)
	s.PushStdout("age\"}\nsecond line\npart")
	s.PushStderr("not stdout\n")
	s.PushStdout("ial")
	s.PushFinished()

	var lines []string
	for line := range s.StdoutLines() {
		lines = append(lines, line)
	}
	want := []string{`{"type":"message"}`, "second line", "partial"}
	if len(lines) != len(want) {
		t.Fatalf("lines = %q, want %q", lines, want)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("lines[%d] = %q, want %q", i, lines[i], want[i])
		}
	}
}

func TestStderrLines(t *testing.T) {
	s := New()
	s.PushStderr("warn: something\nerror: else\n")
	s.PushFinished()

	var lines []string
	for line := range s.StderrLines() {
		lines = append(lines, line)
	}
	if len(lines) != 2 || lines[0] != "warn: something" || lines[1] != "error: else" {
		t.Errorf("lines = %q", lines)
	}
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	s := New()
	sub := s.HistoryPlusStream()
	// Never read from sub; overflow both the forwarder's buffer and the
	// inner live buffer so the store drops the subscription.
	for i := 0; i < 3*subscriberBuffer; i++ {
		s.PushStdout("x")
	}
	// Wait for the channel close triggered by the lag drop.
	deadline := time.After(5 * time.Second)
	n := 0
	for {
		select {
		case _, ok := <-sub.C:
			if !ok {
				if !sub.Lagged() {
					t.Error("Lagged() = false for dropped subscriber")
				}
				if n >= 3*subscriberBuffer {
					t.Errorf("received all %d messages, expected a drop", n)
				}
				return
			}
			n++
		case <-deadline:
			t.Fatal("subscriber was not dropped")
		}
	}
}

func TestCloseDetaches(t *testing.T) {
	s := New()
	sub := s.HistoryPlusStream()
	sub.Close()
	s.PushStdout("after close")
	// Channel must be closed eventually and deliver nothing more once drained.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-sub.C:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("subscription channel never closed")
		}
	}
}
