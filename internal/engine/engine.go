// Package engine defines the contract between the subprocess runner
// harness and the per-agent translators, plus the resume-line syntax
// shared by every agent family.
package engine

import (
	"fmt"

	"github.com/telebridge/telebridge/internal/event"
)

// Invocation describes how to spawn one agent subprocess.
type Invocation struct {
	Path string
	Args []string
	// Stdin is written to the child and closed. Nil closes stdin
	// immediately (engines that take the prompt as an argument).
	Stdin []byte
	// Env entries are appended to the inherited environment.
	Env []string
}

// Translator decodes one engine's stdout frames into neutral events.
// A translator lives for exactly one run and may keep per-run state
// (pending tool calls, the last assistant text, turn counters).
type Translator interface {
	// Translate maps one newline-delimited JSON frame to zero or more
	// events. A returned error degrades to a warning note; it never
	// aborts the stream.
	Translate(line []byte) ([]event.Event, error)

	// InvalidLine is consulted when a frame is not decodable JSON.
	// Engines that stream free text alongside JSON return nil to skip
	// the line silently; others surface a warning note.
	InvalidLine(line []byte) []event.Event

	// ProcessError synthesizes terminal events for a non-zero exit
	// when no Completed was seen.
	ProcessError(rc int, resume, found *event.ResumeToken) []event.Event

	// StreamEnd synthesizes terminal events for EOF when no Completed
	// was seen.
	StreamEnd(resume, found *event.ResumeToken) []event.Event
}

// Resumer handles an engine's resume-line syntax.
type Resumer interface {
	// FormatResume renders the canonical resume line for final messages.
	FormatResume(token event.ResumeToken) string
	// ExtractResume returns the last resume token found in free-form
	// text, so a fresh directive overrides an earlier quoted one.
	ExtractResume(text string) (event.ResumeToken, bool)
	// IsResumeLine reports whether one line is a resume line that the
	// orchestrator strips before forwarding the prompt.
	IsResumeLine(line string) bool
}

// Backend is one agent CLI family the bridge can drive as a subprocess.
type Backend interface {
	Name() string
	// Title is the session title carried on Started events.
	Title() string
	Command(prompt string, resume *event.ResumeToken) Invocation
	NewTranslator() Translator
	Resumer
}

// ErrResumeEngineMismatch reports a resume token handed to the wrong
// engine.
func ErrResumeEngineMismatch(want, got string) error {
	return fmt.Errorf("resume token is for engine %q, not %q", got, want)
}
