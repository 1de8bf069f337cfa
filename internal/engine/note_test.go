package engine

import (
	"testing"

	"github.com/telebridge/telebridge/internal/event"
)

func TestNotesKindsAndSequence(t *testing.T) {
	n := NewNotes("codex")

	info := n.Info("thinking about it", nil)
	if info.Action.Kind != event.KindNote {
		t.Fatalf("info kind = %q, want %q", info.Action.Kind, event.KindNote)
	}
	if info.Level != "info" || info.Ok == nil || !*info.Ok {
		t.Fatalf("info = %#v", info)
	}

	warn := n.Warning("something broke", nil)
	if warn.Action.Kind != event.KindWarning {
		t.Fatalf("warning kind = %q, want %q", warn.Action.Kind, event.KindWarning)
	}
	if warn.Level != "warning" || warn.Ok == nil || *warn.Ok {
		t.Fatalf("warning = %#v", warn)
	}

	if info.Action.ID != "codex.note.1" || warn.Action.ID != "codex.note.2" {
		t.Fatalf("ids = %q, %q", info.Action.ID, warn.Action.ID)
	}
}

func TestPreviewKeepsRuneBoundary(t *testing.T) {
	if got := Preview("short", 10); got != "short" {
		t.Fatalf("got %q", got)
	}
	// 3-byte runes; a 10-byte cut lands mid-rune and must back up.
	got := Preview("日本語テキスト", 10)
	if got != "日本語" {
		t.Fatalf("got %q", got)
	}
}
