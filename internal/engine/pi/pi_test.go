package pi

import (
	"strings"
	"testing"

	"github.com/telebridge/telebridge/internal/event"
)

func translate(t *testing.T, tr interface {
	Translate([]byte) ([]event.Event, error)
}, line string) []event.Event {
	t.Helper()
	evts, err := tr.Translate([]byte(line))
	if err != nil {
		t.Fatalf("translate %q: %v", line, err)
	}
	return evts
}

func TestCommandArgs(t *testing.T) {
	t.Setenv("PI_CODING_AGENT_DIR", t.TempDir())
	b := New(Options{Model: "gpt-5", Provider: "openai", ExtraArgs: []string{"--no-tools"}})

	token := event.ResumeToken{Engine: "pi", Value: "0199a213"}
	inv := b.Command("do the thing", &token)
	joined := strings.Join(inv.Args, " ")
	for _, want := range []string{
		"--no-tools --print --mode json",
		"--provider openai",
		"--model gpt-5",
		"--session 0199a213",
	} {
		if !strings.Contains(joined, want) {
			t.Fatalf("args %q missing %q", joined, want)
		}
	}
	if inv.Args[len(inv.Args)-1] != "do the thing" {
		t.Fatalf("prompt must be the last argument: %q", inv.Args)
	}

	fresh := b.Command("hello", nil)
	session := fresh.Args[len(fresh.Args)-2]
	if !strings.HasSuffix(session, ".jsonl") {
		t.Fatalf("fresh run must mint a session file, got %q", session)
	}
}

func TestLeadingDashPromptGetsPadded(t *testing.T) {
	t.Setenv("PI_CODING_AGENT_DIR", t.TempDir())
	b := New(Options{})
	inv := b.Command("--help me", nil)
	if inv.Args[len(inv.Args)-1] != " --help me" {
		t.Fatalf("prompt = %q", inv.Args[len(inv.Args)-1])
	}
}

func TestResumeSyntax(t *testing.T) {
	b := New(Options{})
	token, ok := b.ExtractResume("all done\n\n`pi --session 0199a213`")
	if !ok || token.Value != "0199a213" {
		t.Fatalf("token = %#v, ok = %v", token, ok)
	}
	if _, ok := b.ExtractResume("pi resume abc"); ok {
		t.Fatal("the pi CLI takes --session, not a resume verb")
	}
	if got := b.FormatResume(token); got != "`pi --session 0199a213`" {
		t.Fatalf("format = %q", got)
	}
}

func TestSessionHeaderShortensID(t *testing.T) {
	tr := New(Options{Model: "gpt-5"}).NewTranslator()
	evts := translate(t, tr, `{"type":"session","id":"0199a213-81e2-7800-8000-1a2b3c4d5e6f","cwd":"/w"}`)
	if len(evts) != 1 {
		t.Fatalf("events = %d", len(evts))
	}
	started := evts[0].(event.Started)
	if started.Resume.Value != "0199a213" {
		t.Fatalf("resume = %q, want the first uuid segment", started.Resume.Value)
	}
	if started.Title != "gpt-5" {
		t.Fatalf("title = %q", started.Title)
	}
	if extra := translate(t, tr, `{"type":"session","id":"other-id"}`); len(extra) != 0 {
		t.Fatalf("second header produced %d events; the first session wins", len(extra))
	}
}

func TestToolLifecycle(t *testing.T) {
	tr := New(Options{}).NewTranslator()
	translate(t, tr, `{"type":"session","id":"abc12345"}`)

	evts := translate(t, tr, `{"type":"tool_execution_start","toolCallId":"t1","toolName":"bash","args":{"command":"go test ./..."}}`)
	act := evts[0].(event.ActionEvent)
	if act.Action.Kind != event.KindCommand || act.Action.Title != "go test ./..." {
		t.Fatalf("action = %#v", act.Action)
	}
	if act.Phase != event.PhaseStarted {
		t.Fatalf("phase = %q", act.Phase)
	}

	evts = translate(t, tr, `{"type":"tool_execution_end","toolCallId":"t1","toolName":"bash","result":"ok\n","isError":false}`)
	done := evts[0].(event.ActionEvent)
	if done.Action.ID != "t1" || done.Phase != event.PhaseCompleted {
		t.Fatalf("result = %#v", done)
	}
	if done.Ok == nil || !*done.Ok {
		t.Fatal("result should be ok")
	}
	if done.Action.Detail["result_preview"] != "ok\n" {
		t.Fatalf("detail = %#v", done.Action.Detail)
	}
}

func TestEditToolBecomesFileChange(t *testing.T) {
	tr := New(Options{}).NewTranslator()
	evts := translate(t, tr, `{"type":"tool_execution_start","toolCallId":"t2","toolName":"edit","args":{"path":"main.go"}}`)
	act := evts[0].(event.ActionEvent)
	if act.Action.Kind != event.KindFileChange || act.Action.Title != "main.go" {
		t.Fatalf("action = %#v", act.Action)
	}
	changes := act.Action.Changes()
	if len(changes) != 1 || changes[0].Path != "main.go" {
		t.Fatalf("changes = %#v", changes)
	}
}

func TestAgentEndCompletesWithLastAssistantMessage(t *testing.T) {
	tr := New(Options{}).NewTranslator()
	translate(t, tr, `{"type":"session","id":"abc12345"}`)
	translate(t, tr, `{"type":"message_end","message":{"role":"assistant","content":[{"type":"text","text":"working on it"}]}}`)

	evts := translate(t, tr, `{"type":"agent_end","messages":[{"role":"user","content":[]},{"role":"assistant","content":[{"type":"text","text":"all done"}],"usage":{"input":12,"output":34},"stopReason":"stop"}]}`)
	final := evts[0].(event.Completed)
	if !final.Ok || final.Answer != "all done" {
		t.Fatalf("final = %#v", final)
	}
	if final.Resume == nil || final.Resume.Value != "abc12345" {
		t.Fatalf("resume = %#v", final.Resume)
	}
	if final.Usage["output"] != float64(34) {
		t.Fatalf("usage = %#v", final.Usage)
	}
}

func TestAssistantErrorFailsTheRun(t *testing.T) {
	tr := New(Options{}).NewTranslator()
	translate(t, tr, `{"type":"session","id":"abc12345"}`)
	evts := translate(t, tr, `{"type":"agent_end","messages":[{"role":"assistant","content":[],"stopReason":"error","errorMessage":"provider exploded"}]}`)
	final := evts[0].(event.Completed)
	if final.Ok || final.Err != "provider exploded" {
		t.Fatalf("final = %#v", final)
	}

	tr2 := New(Options{}).NewTranslator()
	evts = translate(t, tr2, `{"type":"agent_end","messages":[{"role":"assistant","content":[],"stopReason":"aborted"}]}`)
	final = evts[0].(event.Completed)
	if final.Ok || final.Err != "pi run aborted" {
		t.Fatalf("final = %#v", final)
	}
}

func TestStreamEndWithoutAgentEndFails(t *testing.T) {
	tr := New(Options{}).NewTranslator()
	translate(t, tr, `{"type":"session","id":"abc12345"}`)
	translate(t, tr, `{"type":"message_end","message":{"role":"assistant","content":[{"type":"text","text":"partial"}]}}`)

	final := tr.StreamEnd(nil, nil)[0].(event.Completed)
	if final.Ok || !strings.Contains(final.Err, "without an agent_end") {
		t.Fatalf("final = %#v", final)
	}
	if final.Answer != "partial" {
		t.Fatalf("answer = %q", final.Answer)
	}
	if final.Resume == nil || final.Resume.Value != "abc12345" {
		t.Fatalf("resume = %#v", final.Resume)
	}
}

func TestProcessErrorSynthesizesFailure(t *testing.T) {
	tr := New(Options{}).NewTranslator()
	evts := tr.ProcessError(2, &event.ResumeToken{Engine: "pi", Value: "abc12345"}, nil)
	if len(evts) != 2 {
		t.Fatalf("events = %d", len(evts))
	}
	final := evts[1].(event.Completed)
	if final.Ok || !strings.Contains(final.Err, "rc=2") {
		t.Fatalf("final = %#v", final)
	}
	if final.Resume == nil || final.Resume.Value != "abc12345" {
		t.Fatalf("resume = %#v", final.Resume)
	}
}
