package progress

import (
	"testing"

	"github.com/telebridge/telebridge/internal/event"
)

func action(id string, phase event.Phase) event.ActionEvent {
	return event.ActionEvent{
		Engine: "codex",
		Action: event.Action{ID: id, Kind: event.KindCommand, Title: id},
		Phase:  phase,
	}
}

func TestStartedSetsResume(t *testing.T) {
	tr := NewTracker("codex")
	token := event.ResumeToken{Engine: "codex", Value: "s1"}
	if !tr.Note(event.Started{Engine: "codex", Resume: token}) {
		t.Fatal("Started must mark the view dirty")
	}
	st := tr.Snapshot(func(tok event.ResumeToken) string { return "resume " + tok.Value }, "")
	if st.Resume == nil || st.Resume.Value != "s1" {
		t.Fatalf("resume = %#v", st.Resume)
	}
	if st.ResumeLine != "resume s1" {
		t.Fatalf("resume line = %q", st.ResumeLine)
	}
}

func TestActionsOrderedByFirstSeen(t *testing.T) {
	tr := NewTracker("codex")
	tr.Note(action("a", event.PhaseStarted))
	tr.Note(action("b", event.PhaseStarted))
	tr.Note(action("a", event.PhaseCompleted))

	st := tr.Snapshot(nil, "")
	if len(st.Actions) != 2 {
		t.Fatalf("actions = %d", len(st.Actions))
	}
	if st.Actions[0].Action.ID != "a" || st.Actions[1].Action.ID != "b" {
		t.Fatalf("order = %s, %s", st.Actions[0].Action.ID, st.Actions[1].Action.ID)
	}
	if !st.Actions[0].Completed {
		t.Fatal("a should be completed")
	}
}

func TestRestartedOpenActionDisplaysAsUpdated(t *testing.T) {
	tr := NewTracker("codex")
	tr.Note(action("a", event.PhaseStarted))
	tr.Note(action("a", event.PhaseStarted))
	st := tr.Snapshot(nil, "")
	if st.Actions[0].DisplayPhase != event.PhaseUpdated {
		t.Fatalf("display phase = %q", st.Actions[0].DisplayPhase)
	}
}

func TestTurnEventsOnlyBumpStepCounter(t *testing.T) {
	tr := NewTracker("codex")
	turn := event.ActionEvent{
		Engine: "codex",
		Action: event.Action{ID: "turn_1", Kind: event.KindTurn, Title: "turn started"},
		Phase:  event.PhaseStarted,
	}
	if tr.Note(turn) {
		t.Fatal("turn events must not mark the view dirty")
	}
	st := tr.Snapshot(nil, "")
	if st.ActionCount != 1 {
		t.Fatalf("action count = %d", st.ActionCount)
	}
	if len(st.Actions) != 0 {
		t.Fatalf("turn must not appear in the action list, got %d", len(st.Actions))
	}
}

func TestEmptyIDIgnored(t *testing.T) {
	tr := NewTracker("codex")
	if tr.Note(action("", event.PhaseStarted)) {
		t.Fatal("empty id must be ignored")
	}
}

func TestCompletedEventNotTracked(t *testing.T) {
	tr := NewTracker("codex")
	done := event.Completed{Engine: "codex", Ok: true, Answer: "x"}
	if tr.Note(done) {
		t.Fatal("Completed is rendered by the final path, not the tracker")
	}
}

func TestContextLineCarriedThrough(t *testing.T) {
	tr := NewTracker("codex")
	st := tr.Snapshot(nil, "`ctx: api @ main`")
	if st.ContextLine != "`ctx: api @ main`" {
		t.Fatalf("context line = %q", st.ContextLine)
	}
}
