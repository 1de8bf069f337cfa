// Package codex drives `codex exec --json` and translates its
// experimental JSON stream into neutral events.
package codex

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/telebridge/telebridge/internal/engine"
	"github.com/telebridge/telebridge/internal/event"
)

const engineName = "codex"

var reconnectRE = regexp.MustCompile(`^Reconnecting\.{3}\s*(\d+)/(\d+)\s*$`)

// Options tune the spawned codex CLI.
type Options struct {
	// Path overrides the binary looked up on PATH.
	Path string
	// Profile selects a `codex --profile` entry and doubles as the
	// session title.
	Profile string
	// ExtraArgs are inserted before the exec subcommand. When nil the
	// desktop notification hook is disabled so headless runs stay quiet.
	ExtraArgs []string
}

type Backend struct {
	engine.ResumeSyntax
	opts Options
}

func New(opts Options) *Backend {
	if opts.Path == "" {
		opts.Path = engineName
	}
	if opts.ExtraArgs == nil {
		opts.ExtraArgs = []string{"-c", "notify=[]"}
	}
	return &Backend{ResumeSyntax: engine.DefaultResumeSyntax(engineName), opts: opts}
}

func (b *Backend) Name() string { return engineName }

func (b *Backend) Title() string {
	if b.opts.Profile != "" {
		return b.opts.Profile
	}
	return engineName
}

func (b *Backend) Command(prompt string, resume *event.ResumeToken) engine.Invocation {
	args := append([]string{}, b.opts.ExtraArgs...)
	if b.opts.Profile != "" {
		args = append(args, "--profile", b.opts.Profile)
	}
	args = append(args, "exec", "--skip-git-repo-check", "--json")
	if resume != nil {
		args = append(args, "resume", resume.Value)
	}
	// Prompt arrives on stdin so multi-line prompts survive untouched.
	args = append(args, "-")
	return engine.Invocation{Path: b.opts.Path, Args: args, Stdin: []byte(prompt)}
}

func (b *Backend) NewTranslator() engine.Translator {
	return &translator{
		events: event.Factory{Engine: engineName},
		notes:  engine.NewNotes(engineName),
	}
}

// frame is the envelope of one codex JSONL line.
type frame struct {
	Type     string `json:"type"`
	ThreadID string `json:"thread_id"`
	Message  string `json:"message"`
	Error    *struct {
		Message string `json:"message"`
	} `json:"error"`
	Usage map[string]any `json:"usage"`
	Item  *item          `json:"item"`
}

type item struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	ItemType  string `json:"item_type"`
	Text      string `json:"text"`
	Message   string `json:"message"`
	Command   string `json:"command"`
	ExitCode  *int   `json:"exit_code"`
	Status    string `json:"status"`
	Server    string `json:"server"`
	Tool      string `json:"tool"`
	Query     string `json:"query"`
	AggOutput string `json:"aggregated_output"`
	Changes   []struct {
		Path string `json:"path"`
		Kind string `json:"kind"`
	} `json:"changes"`
	Items []struct {
		Text      string `json:"text"`
		Completed bool   `json:"completed"`
	} `json:"items"`
}

func (it *item) kind() string {
	if it.Type != "" {
		return it.Type
	}
	return it.ItemType
}

type translator struct {
	events      event.Factory
	notes       *engine.Notes
	session     *event.ResumeToken
	finalAnswer string
	turnIndex   int
}

func (t *translator) Translate(line []byte) ([]event.Event, error) {
	var f frame
	if err := json.Unmarshal(line, &f); err != nil {
		return nil, err
	}
	switch f.Type {
	case "thread.started":
		if f.ThreadID == "" {
			return nil, nil
		}
		token := event.ResumeToken{Engine: engineName, Value: f.ThreadID}
		t.session = &token
		return []event.Event{t.events.Started(token, "", nil)}, nil
	case "turn.started":
		t.turnIndex++
		id := fmt.Sprintf("turn_%d", t.turnIndex)
		return []event.Event{t.events.ActionStarted(id, event.KindTurn, "turn started", nil)}, nil
	case "turn.completed":
		return []event.Event{t.events.CompletedOK(t.finalAnswer, t.session, f.Usage)}, nil
	case "turn.failed":
		msg := "codex turn failed"
		if f.Error != nil && f.Error.Message != "" {
			msg = f.Error.Message
		}
		return []event.Event{t.events.CompletedError(msg, t.finalAnswer, t.session)}, nil
	case "error":
		return t.streamError(f.Message), nil
	case "item.started", "item.updated", "item.completed":
		if f.Item == nil {
			return nil, nil
		}
		return t.itemEvents(f.Type, f.Item), nil
	}
	return nil, nil
}

// streamError special-cases the reconnect banner codex prints when the
// backend drops the connection; everything else becomes a warning note.
func (t *translator) streamError(message string) []event.Event {
	if m := reconnectRE.FindStringSubmatch(message); m != nil {
		phase := event.PhaseStarted
		if m[1] != "1" {
			phase = event.PhaseUpdated
		}
		title := fmt.Sprintf("reconnecting (%s/%s)", m[1], m[2])
		return []event.Event{t.events.Action(phase, "codex.reconnect", event.KindNote, title, nil)}
	}
	if message == "" {
		message = "codex reported an error"
	}
	return []event.Event{t.notes.Warning(message, nil)}
}

func (t *translator) itemEvents(frameType string, it *item) []event.Event {
	phase := event.PhaseStarted
	switch frameType {
	case "item.updated":
		phase = event.PhaseUpdated
	case "item.completed":
		phase = event.PhaseCompleted
	}
	completed := phase == event.PhaseCompleted

	switch it.kind() {
	case "agent_message":
		if completed && it.Text != "" {
			t.finalAnswer = it.Text
		}
		return nil
	case "reasoning":
		if !completed || it.Text == "" {
			return nil
		}
		return []event.Event{t.events.ActionCompleted(it.ID, event.KindNote, it.Text, nil, true)}
	case "error":
		if !completed {
			return nil
		}
		msg := it.Message
		if msg == "" {
			msg = "codex reported an item error"
		}
		return []event.Event{t.events.ActionCompleted(it.ID, event.KindWarning, msg, nil, false)}
	case "command_execution":
		detail := map[string]any{"status": it.Status}
		if it.ExitCode != nil {
			detail["exit_code"] = *it.ExitCode
		}
		if !completed {
			return []event.Event{t.events.Action(phase, it.ID, event.KindCommand, it.Command, detail)}
		}
		ok := it.Status == "completed" && (it.ExitCode == nil || *it.ExitCode == 0)
		return []event.Event{t.events.ActionCompleted(it.ID, event.KindCommand, it.Command, detail, ok)}
	case "mcp_tool_call":
		title := it.Tool
		if it.Server != "" {
			title = it.Server + "." + it.Tool
		}
		if !completed {
			return []event.Event{t.events.Action(phase, it.ID, event.KindTool, title, nil)}
		}
		return []event.Event{t.events.ActionCompleted(it.ID, event.KindTool, title, nil, it.Status == "completed")}
	case "web_search":
		if !completed {
			return []event.Event{t.events.Action(phase, it.ID, event.KindWebSearch, it.Query, nil)}
		}
		return []event.Event{t.events.ActionCompleted(it.ID, event.KindWebSearch, it.Query, nil, true)}
	case "file_change":
		if !completed {
			return nil
		}
		changes := make([]event.FileChange, 0, len(it.Changes))
		paths := make([]string, 0, len(it.Changes))
		for _, c := range it.Changes {
			changes = append(changes, event.FileChange{Path: c.Path, Kind: c.Kind})
			paths = append(paths, c.Path)
		}
		title := strings.Join(paths, ", ")
		if title == "" {
			title = fmt.Sprintf("%d files", len(it.Changes))
		}
		detail := map[string]any{"changes": changes}
		return []event.Event{t.events.ActionCompleted(it.ID, event.KindFileChange, title, detail, it.Status == "completed")}
	case "todo_list":
		done := 0
		next := ""
		for _, entry := range it.Items {
			if entry.Completed {
				done++
			} else if next == "" {
				next = entry.Text
			}
		}
		title := fmt.Sprintf("todo %d/%d", done, len(it.Items))
		if next != "" {
			title += ": " + next
		}
		evt := t.events.Action(phase, it.ID, event.KindNote, title, nil)
		if completed {
			evt.Ok = event.OK(true)
		}
		return []event.Event{evt}
	}
	return nil
}

// InvalidLine skips non-JSON output; codex mixes human-readable banner
// lines into the stream on some versions.
func (t *translator) InvalidLine([]byte) []event.Event { return nil }

func (t *translator) ProcessError(rc int, resume, found *event.ResumeToken) []event.Event {
	msg := fmt.Sprintf("codex exec failed (rc=%d).", rc)
	token := found
	if token == nil {
		token = resume
	}
	return []event.Event{
		t.notes.Warning(msg, nil),
		t.events.CompletedError(msg, t.finalAnswer, token),
	}
}

func (t *translator) StreamEnd(resume, found *event.ResumeToken) []event.Event {
	if found == nil {
		found = t.session
	}
	if found != nil {
		return []event.Event{t.events.CompletedOK(t.finalAnswer, found, nil)}
	}
	msg := "codex exec finished but no session_id/thread_id was captured"
	return []event.Event{t.events.CompletedError(msg, t.finalAnswer, resume)}
}
