package runner

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/telebridge/telebridge/internal/engine"
	"github.com/telebridge/telebridge/internal/event"
	"github.com/telebridge/telebridge/internal/locks"
)

// testBackend shells out to /bin/sh so the harness exercises a real
// subprocess without any agent CLI installed.
type testBackend struct {
	engine.ResumeSyntax
	script string
}

func newTestBackend(script string) *testBackend {
	return &testBackend{
		ResumeSyntax: engine.DefaultResumeSyntax("fake"),
		script:       script,
	}
}

func (b *testBackend) Name() string  { return "fake" }
func (b *testBackend) Title() string { return "fake" }

func (b *testBackend) Command(prompt string, resume *event.ResumeToken) engine.Invocation {
	return engine.Invocation{Path: "/bin/sh", Args: []string{"-c", b.script}}
}

func (b *testBackend) NewTranslator() engine.Translator { return &testTranslator{} }

type testTranslator struct{}

type testFrame struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Answer string `json:"answer"`
}

func (t *testTranslator) Translate(line []byte) ([]event.Event, error) {
	var f testFrame
	if err := json.Unmarshal(line, &f); err != nil {
		return nil, err
	}
	switch f.Type {
	case "started":
		return []event.Event{event.Started{
			Engine: "fake",
			Resume: event.ResumeToken{Engine: "fake", Value: f.ID},
		}}, nil
	case "action":
		return []event.Event{event.ActionEvent{
			Engine: "fake",
			Action: event.Action{ID: f.ID, Kind: event.KindTool, Title: f.ID},
			Phase:  event.PhaseStarted,
		}}, nil
	case "done":
		return []event.Event{event.Completed{Engine: "fake", Ok: true, Answer: f.Answer}}, nil
	}
	return nil, nil
}

func (t *testTranslator) InvalidLine([]byte) []event.Event { return nil }

func (t *testTranslator) ProcessError(rc int, resume, found *event.ResumeToken) []event.Event {
	return []event.Event{event.Completed{Engine: "fake", Ok: false, Err: "fake failed"}}
}

func (t *testTranslator) StreamEnd(resume, found *event.ResumeToken) []event.Event {
	return []event.Event{event.Completed{Engine: "fake", Ok: false, Err: "fake stream ended"}}
}

func runCollect(t *testing.T, script string, resume *event.ResumeToken) ([]event.Event, error) {
	t.Helper()
	sub := NewSubprocess(newTestBackend(script), locks.NewRegistry(), nil)
	var got []event.Event
	err := sub.Run(context.Background(), Request{Prompt: "p", Resume: resume, Dir: t.TempDir()},
		func(evt event.Event) { got = append(got, evt) })
	return got, err
}

func TestRunHappyPath(t *testing.T) {
	script := `printf '%s\n' '{"type":"started","id":"s1"}' '{"type":"action","id":"a1"}' '{"type":"done","answer":"hi"}'`
	got, err := runCollect(t, script, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("events = %d, want 3", len(got))
	}
	started := got[0].(event.Started)
	if started.Resume.Value != "s1" {
		t.Fatalf("started = %#v", started)
	}
	done := got[2].(event.Completed)
	if !done.Ok || done.Answer != "hi" {
		t.Fatalf("completed = %#v", done)
	}
	if done.Resume == nil || done.Resume.Value != "s1" {
		t.Fatalf("completed resume should be backfilled, got %#v", done.Resume)
	}
}

func TestRunDropsOutputAfterCompletion(t *testing.T) {
	script := `printf '%s\n' '{"type":"done","answer":"early"}' '{"type":"action","id":"late"}'`
	got, err := runCollect(t, script, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("events = %d, trailing output must be dropped", len(got))
	}
}

func TestRunNonZeroExitSynthesizesFailure(t *testing.T) {
	script := `printf '%s\n' '{"type":"started","id":"s1"}'; exit 3`
	got, err := runCollect(t, script, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	done := got[len(got)-1].(event.Completed)
	if done.Ok || done.Err != "fake failed" {
		t.Fatalf("completed = %#v", done)
	}
	if done.Resume == nil || done.Resume.Value != "s1" {
		t.Fatalf("resume = %#v", done.Resume)
	}
}

func TestRunCleanEOFSynthesizesStreamEnd(t *testing.T) {
	script := `printf '%s\n' '{"type":"started","id":"s1"}'`
	got, err := runCollect(t, script, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	done := got[len(got)-1].(event.Completed)
	if done.Ok || done.Err != "fake stream ended" {
		t.Fatalf("completed = %#v", done)
	}
}

func TestRunResumedRejectsForeignSessionID(t *testing.T) {
	script := `printf '%s\n' '{"type":"started","id":"other"}' '{"type":"done","answer":"hi"}'`
	resume := &event.ResumeToken{Engine: "fake", Value: "mine"}
	_, err := runCollect(t, script, resume)
	if err == nil || !strings.Contains(err.Error(), "expected") {
		t.Fatalf("err = %v, want session mismatch", err)
	}
}

func TestRunRejectsWrongEngineToken(t *testing.T) {
	resume := &event.ResumeToken{Engine: "codex", Value: "x"}
	_, err := runCollect(t, "true", resume)
	if err == nil || !strings.Contains(err.Error(), "not") {
		t.Fatalf("err = %v, want engine mismatch", err)
	}
}

func TestRunDuplicateStartedDropped(t *testing.T) {
	script := `printf '%s\n' '{"type":"started","id":"s1"}' '{"type":"started","id":"s1"}' '{"type":"done","answer":"x"}'`
	got, err := runCollect(t, script, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	startedCount := 0
	for _, evt := range got {
		if _, ok := evt.(event.Started); ok {
			startedCount++
		}
	}
	if startedCount != 1 {
		t.Fatalf("started events = %d, want 1", startedCount)
	}
}

func TestRunCancelKillsSubprocessQuickly(t *testing.T) {
	script := `printf '%s\n' '{"type":"started","id":"s1"}'; sleep 60`
	sub := NewSubprocess(newTestBackend(script), locks.NewRegistry(), nil)
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := sub.Run(ctx, Request{Prompt: "p", Dir: t.TempDir()}, func(event.Event) {})
	if err != context.Canceled {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if elapsed := time.Since(start); elapsed > 4*time.Second {
		t.Fatalf("cancel took %v, subprocess was not torn down", elapsed)
	}
}

func TestRunHoldsSessionLock(t *testing.T) {
	registry := locks.NewRegistry()
	script := `printf '%s\n' '{"type":"started","id":"s1"}'; sleep 0.3; printf '%s\n' '{"type":"done","answer":"x"}'`
	sub := NewSubprocess(newTestBackend(script), registry, nil)

	held := make(chan bool, 1)
	err := sub.Run(context.Background(), Request{Prompt: "p", Dir: t.TempDir()}, func(evt event.Event) {
		if _, ok := evt.(event.Started); ok {
			held <- registry.Held("fake:s1")
		}
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !<-held {
		t.Fatal("session lock not held after Started")
	}
	if registry.Held("fake:s1") {
		t.Fatal("session lock leaked after run")
	}
}
