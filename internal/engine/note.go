package engine

import (
	"fmt"

	"github.com/telebridge/telebridge/internal/event"
)

// Notes mints sequentially numbered note actions for one run. Both the
// harness and the translators feed the same counter so note ids never
// collide within a run.
type Notes struct {
	engine string
	seq    int
}

func NewNotes(engine string) *Notes {
	return &Notes{engine: engine}
}

// Warning returns a completed warning action carrying message.
func (n *Notes) Warning(message string, detail map[string]any) event.ActionEvent {
	return n.note(message, false, detail)
}

// Info returns a completed informational note carrying message.
func (n *Notes) Info(message string, detail map[string]any) event.ActionEvent {
	return n.note(message, true, detail)
}

func (n *Notes) note(message string, ok bool, detail map[string]any) event.ActionEvent {
	n.seq++
	level := "warning"
	kind := event.KindWarning
	if ok {
		level = "info"
		kind = event.KindNote
	}
	return event.ActionEvent{
		Engine: n.engine,
		Action: event.Action{
			ID:     fmt.Sprintf("%s.note.%d", n.engine, n.seq),
			Kind:   kind,
			Title:  message,
			Detail: detail,
		},
		Phase: event.PhaseCompleted,
		Ok:    event.OK(ok),
		Level: level,
	}
}
