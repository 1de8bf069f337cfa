package claude

import (
	"encoding/json"
	"strings"
	"testing"
	"unicode/utf8"

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
	b := New(Options{Model: "sonnet", SkipPermissions: true})
	token := event.ResumeToken{Engine: "claude", Value: "sess-1"}
	inv := b.Command("do the thing", &token)
	joined := strings.Join(inv.Args, " ")
	for _, want := range []string{
		"-p --output-format stream-json --verbose",
		"--resume sess-1",
		"--model sonnet",
		"--allowedTools Bash,Read,Edit,Write",
		"--dangerously-skip-permissions",
		"-- do the thing",
	} {
		if !strings.Contains(joined, want) {
			t.Fatalf("args %q missing %q", joined, want)
		}
	}
	if inv.Stdin != nil {
		t.Fatal("prompt must travel as an argument, not stdin")
	}
}

func TestResumeSyntax(t *testing.T) {
	b := New(Options{})
	token, ok := b.ExtractResume("all done\n\n`claude --resume abc-123`")
	if !ok || token.Value != "abc-123" {
		t.Fatalf("token = %#v, ok = %v", token, ok)
	}
	if _, ok := b.ExtractResume("claude resume abc"); ok {
		t.Fatal("bare `resume` must not match; the CLI flag is --resume")
	}
	token2, ok := b.ExtractResume("claude -r short-form")
	if !ok || token2.Value != "short-form" {
		t.Fatalf("short flag token = %#v", token2)
	}
	if got := b.FormatResume(token); got != "`claude --resume abc-123`" {
		t.Fatalf("format = %q", got)
	}
}

func TestInitAndToolLifecycle(t *testing.T) {
	tr := New(Options{}).NewTranslator()

	evts := translate(t, tr, `{"type":"system","subtype":"init","session_id":"s1","model":"sonnet","cwd":"/w"}`)
	if len(evts) != 1 {
		t.Fatalf("init events = %d", len(evts))
	}
	started := evts[0].(event.Started)
	if started.Resume.Value != "s1" || started.Title != "sonnet" {
		t.Fatalf("started = %#v", started)
	}

	evts = translate(t, tr, `{"type":"assistant","message":{"content":[{"type":"tool_use","id":"t1","name":"Bash","input":{"command":"ls -la"}}]}}`)
	act := evts[0].(event.ActionEvent)
	if act.Action.Kind != event.KindCommand || act.Action.Title != "ls -la" {
		t.Fatalf("tool_use action = %#v", act.Action)
	}
	if act.Phase != event.PhaseStarted {
		t.Fatalf("phase = %q", act.Phase)
	}

	evts = translate(t, tr, `{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"t1","content":"file.go","is_error":false}]}}`)
	done := evts[0].(event.ActionEvent)
	if done.Action.ID != "t1" || done.Phase != event.PhaseCompleted {
		t.Fatalf("result = %#v", done)
	}
	if done.Ok == nil || !*done.Ok {
		t.Fatal("result should be ok")
	}
	if done.Action.Detail["result_preview"] != "file.go" {
		t.Fatalf("detail = %#v", done.Action.Detail)
	}

	evts = translate(t, tr, `{"type":"result","subtype":"success","is_error":false,"result":"all green","session_id":"s1","total_cost_usd":0.02,"duration_ms":1200}`)
	final := evts[0].(event.Completed)
	if !final.Ok || final.Answer != "all green" {
		t.Fatalf("final = %#v", final)
	}
	if final.Resume == nil || final.Resume.Value != "s1" {
		t.Fatalf("resume = %#v", final.Resume)
	}
	if final.Usage["total_cost_usd"] != 0.02 {
		t.Fatalf("usage = %#v", final.Usage)
	}
}

func TestFileToolBecomesFileChange(t *testing.T) {
	tr := New(Options{}).NewTranslator()
	evts := translate(t, tr, `{"type":"assistant","message":{"content":[{"type":"tool_use","id":"t2","name":"Edit","input":{"file_path":"main.go"}}]}}`)
	act := evts[0].(event.ActionEvent)
	if act.Action.Kind != event.KindFileChange || act.Action.Title != "main.go" {
		t.Fatalf("action = %#v", act.Action)
	}
	changes := act.Action.Changes()
	if len(changes) != 1 || changes[0].Path != "main.go" {
		t.Fatalf("changes = %#v", changes)
	}
}

func TestUnmatchedToolResultFallsBack(t *testing.T) {
	tr := New(Options{}).NewTranslator()
	evts := translate(t, tr, `{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"ghost","content":[{"type":"text","text":"boom"}],"is_error":true}]}}`)
	act := evts[0].(event.ActionEvent)
	if act.Action.Title != "tool result" {
		t.Fatalf("fallback title = %q", act.Action.Title)
	}
	if act.Ok == nil || *act.Ok {
		t.Fatal("error result must be not-ok")
	}
}

func TestResultPreviewKeepsRuneBoundary(t *testing.T) {
	tr := New(Options{}).NewTranslator()
	long := strings.Repeat("→", 100) // 3 bytes per rune, 300 bytes total
	line, err := json.Marshal(map[string]any{
		"type": "user",
		"message": map[string]any{
			"content": []map[string]any{
				{"type": "tool_result", "tool_use_id": "t9", "content": long},
			},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	evts := translate(t, tr, string(line))
	act := evts[0].(event.ActionEvent)
	preview, _ := act.Action.Detail["result_preview"].(string)
	if len(preview) > resultPreviewLimit {
		t.Fatalf("preview is %d bytes, limit %d", len(preview), resultPreviewLimit)
	}
	if !utf8.ValidString(preview) {
		t.Fatalf("preview splits a rune: %q", preview[len(preview)-4:])
	}
	if act.Action.Detail["result_len"] != len(long) {
		t.Fatalf("result_len = %v", act.Action.Detail["result_len"])
	}
}

func TestResultErrorCarriesNoAnswer(t *testing.T) {
	tr := New(Options{}).NewTranslator()
	translate(t, tr, `{"type":"assistant","message":{"content":[{"type":"text","text":"almost"}]}}`)
	evts := translate(t, tr, `{"type":"result","subtype":"error_during_execution","is_error":true,"session_id":"s2"}`)
	final := evts[0].(event.Completed)
	if final.Ok || final.Answer != "" {
		t.Fatalf("final = %#v", final)
	}
	if !strings.Contains(final.Err, "error_during_execution") {
		t.Fatalf("err = %q", final.Err)
	}
}

func TestStreamEndVariants(t *testing.T) {
	tr := New(Options{}).NewTranslator()
	evts := tr.StreamEnd(nil, nil)
	noSession := evts[0].(event.Completed)
	if noSession.Ok || !strings.Contains(noSession.Err, "no session_id") {
		t.Fatalf("completed = %#v", noSession)
	}

	tr2 := New(Options{}).NewTranslator()
	translate(t, tr2, `{"type":"system","subtype":"init","session_id":"s3"}`)
	translate(t, tr2, `{"type":"assistant","message":{"content":[{"type":"text","text":"partial"}]}}`)
	evts = tr2.StreamEnd(nil, nil)
	noResult := evts[0].(event.Completed)
	if noResult.Ok || !strings.Contains(noResult.Err, "without a result event") {
		t.Fatalf("completed = %#v", noResult)
	}
	if noResult.Answer != "partial" {
		t.Fatalf("answer = %q", noResult.Answer)
	}
	if noResult.Resume == nil || noResult.Resume.Value != "s3" {
		t.Fatalf("resume = %#v", noResult.Resume)
	}
}
