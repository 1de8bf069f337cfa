// Package render turns progress snapshots and final answers into the
// Markdown bodies of Telegram messages.
package render

import (
	"fmt"
	"strings"
	"time"

	"github.com/telebridge/telebridge/internal/event"
	"github.com/telebridge/telebridge/internal/progress"
)

const (
	glyphRunning = "▸"
	glyphUpdate  = "↻"
	glyphDone    = "✓"
	glyphFail    = "✗"

	headerSep = " · "
	// Two trailing spaces force a Markdown hard line break.
	hardBreak = "  \n"

	maxProgressActions = 5
	maxCommandWidth    = 300
	maxInlineChanges   = 3
)

type parts struct {
	header string
	body   string
	footer string
}

func (p parts) String() string {
	var nonEmpty []string
	for _, s := range []string{p.header, p.body, p.footer} {
		if s != "" {
			nonEmpty = append(nonEmpty, s)
		}
	}
	return strings.Join(nonEmpty, "\n\n")
}

// Progress renders the live progress message.
func Progress(st progress.State, label string, elapsed time.Duration) string {
	return parts{
		header: header(st, label, elapsed),
		body:   progressBody(st),
		footer: footer(st),
	}.String()
}

// Final renders the terminal message. label is the outcome word shown
// in the header ("done", "error").
func Final(st progress.State, label, answer string, elapsed time.Duration) string {
	return parts{
		header: header(st, label, elapsed),
		body:   strings.TrimSpace(answer),
		footer: footer(st),
	}.String()
}

func header(st progress.State, label string, elapsed time.Duration) string {
	fields := []string{label, st.Engine, FormatElapsed(elapsed)}
	if st.ActionCount > 0 {
		fields = append(fields, fmt.Sprintf("step %d", st.ActionCount))
	}
	return strings.Join(fields, headerSep)
}

func footer(st progress.State) string {
	var lines []string
	if st.ContextLine != "" {
		lines = append(lines, st.ContextLine)
	}
	if st.ResumeLine != "" {
		lines = append(lines, st.ResumeLine)
	}
	return strings.Join(lines, hardBreak)
}

func progressBody(st progress.State) string {
	actions := st.Actions
	if len(actions) > maxProgressActions {
		actions = actions[len(actions)-maxProgressActions:]
	}
	lines := make([]string, 0, len(actions))
	for _, a := range actions {
		lines = append(lines, actionLine(a))
	}
	return strings.Join(lines, hardBreak)
}

func actionLine(a progress.ActionState) string {
	title := actionTitle(a.Action)
	if !a.Completed {
		glyph := glyphRunning
		if a.DisplayPhase == event.PhaseUpdated {
			glyph = glyphUpdate
		}
		return glyph + " " + title
	}
	code, hasCode := a.Action.ExitCode()
	ok := hasCode && code == 0 || !hasCode
	if a.Ok != nil {
		ok = *a.Ok
	}
	glyph := glyphDone
	if !ok {
		glyph = glyphFail
	}
	line := glyph + " " + title
	if hasCode && code != 0 {
		line += fmt.Sprintf(" (exit %d)", code)
	}
	return line
}

func actionTitle(a event.Action) string {
	switch a.Kind {
	case event.KindCommand:
		return "`" + shorten(a.Title, maxCommandWidth) + "`"
	case event.KindTool:
		return "tool: " + shorten(a.Title, maxCommandWidth)
	case event.KindWebSearch:
		return "searched: " + shorten(a.Title, maxCommandWidth)
	case event.KindSubagent:
		return "subagent: " + shorten(a.Title, maxCommandWidth)
	case event.KindFileChange:
		return fileChangeTitle(a)
	default:
		return shorten(a.Title, maxCommandWidth)
	}
}

func fileChangeTitle(a event.Action) string {
	changes := a.Changes()
	if len(changes) == 0 {
		return "files: `" + a.Title + "`"
	}
	shown := changes
	if len(shown) > maxInlineChanges {
		shown = shown[:maxInlineChanges]
	}
	entries := make([]string, 0, len(shown))
	for _, c := range shown {
		verb := c.Kind
		if verb == "" {
			verb = "update"
		}
		entries = append(entries, verb+" `"+c.Path+"`")
	}
	line := "files: " + strings.Join(entries, ", ")
	if rest := len(changes) - len(shown); rest > 0 {
		line += fmt.Sprintf(" …(%d more)", rest)
	}
	return line
}

// FormatElapsed renders a compact duration: 42s, 3m 05s, 2h 07m.
func FormatElapsed(d time.Duration) string {
	s := int(d.Seconds())
	if s < 0 {
		s = 0
	}
	switch {
	case s >= 3600:
		return fmt.Sprintf("%dh %02dm", s/3600, (s%3600)/60)
	case s >= 60:
		return fmt.Sprintf("%dm %02ds", s/60, s%60)
	default:
		return fmt.Sprintf("%ds", s)
	}
}

// shorten collapses whitespace and cuts the string to width runes,
// ending with an ellipsis when it was cut.
func shorten(s string, width int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= width {
		return s
	}
	return strings.TrimSpace(string(runes[:width-1])) + "…"
}
