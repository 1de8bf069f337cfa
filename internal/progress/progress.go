// Package progress accumulates a run's events into the state behind
// the live-updated Telegram message.
package progress

import (
	"sort"
	"sync"

	"github.com/telebridge/telebridge/internal/event"
)

// ActionState is the latest known state of one action.
type ActionState struct {
	Action event.Action
	Phase  event.Phase
	Ok     *bool
	// DisplayPhase folds a restarted action back into "updated" so the
	// rendered list never flips back to the running glyph.
	DisplayPhase event.Phase
	Completed    bool
	FirstSeen    int
	LastUpdate   int
}

// State is an immutable snapshot for rendering.
type State struct {
	Engine      string
	ActionCount int
	// Actions are ordered by first appearance.
	Actions     []ActionState
	Resume      *event.ResumeToken
	ResumeLine  string
	ContextLine string
}

// Tracker folds a run's event stream. Safe for concurrent use; the
// runner goroutine feeds it while the edit loop snapshots it.
type Tracker struct {
	mu          sync.Mutex
	engine      string
	resume      *event.ResumeToken
	actionCount int
	actions     map[string]*ActionState
	seq         int
}

func NewTracker(engine string) *Tracker {
	return &Tracker{engine: engine, actions: map[string]*ActionState{}}
}

// Note folds one event and reports whether the rendered view changed.
func (t *Tracker) Note(evt event.Event) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch e := evt.(type) {
	case event.Started:
		token := e.Resume
		t.resume = &token
		return true
	case event.ActionEvent:
		return t.noteAction(e)
	}
	// Completed is rendered by the final-message path, not here.
	return false
}

func (t *Tracker) noteAction(e event.ActionEvent) bool {
	if e.Action.Kind == event.KindTurn {
		if e.Phase == event.PhaseStarted {
			t.actionCount++
		}
		return false
	}
	if e.Action.ID == "" {
		return false
	}
	completed := e.Phase == event.PhaseCompleted
	existing := t.actions[e.Action.ID]
	hasOpen := existing != nil && !existing.Completed

	display := e.Phase
	if !completed && (e.Phase == event.PhaseUpdated || (e.Phase == event.PhaseStarted && hasOpen)) {
		display = event.PhaseUpdated
	}

	t.seq++
	firstSeen := t.seq
	if existing != nil {
		firstSeen = existing.FirstSeen
	}
	t.actions[e.Action.ID] = &ActionState{
		Action:       e.Action,
		Phase:        e.Phase,
		Ok:           e.Ok,
		DisplayPhase: display,
		Completed:    completed,
		FirstSeen:    firstSeen,
		LastUpdate:   t.seq,
	}
	return true
}

// SetResume records a token discovered outside the stream, e.g. from
// the final Completed event.
func (t *Tracker) SetResume(token *event.ResumeToken) {
	if token == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	tok := *token
	t.resume = &tok
}

func (t *Tracker) Resume() *event.ResumeToken {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.resume == nil {
		return nil
	}
	tok := *t.resume
	return &tok
}

// Snapshot freezes the current state. formatResume renders the footer
// resume line; contextLine is the project/branch footer.
func (t *Tracker) Snapshot(formatResume func(event.ResumeToken) string, contextLine string) State {
	t.mu.Lock()
	defer t.mu.Unlock()

	actions := make([]ActionState, 0, len(t.actions))
	for _, a := range t.actions {
		actions = append(actions, *a)
	}
	sort.Slice(actions, func(i, j int) bool {
		return actions[i].FirstSeen < actions[j].FirstSeen
	})

	st := State{
		Engine:      t.engine,
		ActionCount: t.actionCount,
		Actions:     actions,
		ContextLine: contextLine,
	}
	if t.resume != nil {
		tok := *t.resume
		st.Resume = &tok
		if formatResume != nil {
			st.ResumeLine = formatResume(tok)
		}
	}
	return st
}
