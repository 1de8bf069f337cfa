// Package opencode drives `opencode run --format json` and translates
// its stream into neutral events.
package opencode

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/telebridge/telebridge/internal/engine"
	"github.com/telebridge/telebridge/internal/event"
)

const engineName = "opencode"

const outputPreviewLimit = 500

// Session ids are always ses_-prefixed; anchoring on the prefix keeps
// the resume matcher from swallowing arbitrary words after a flag.
var resumeRE = regexp.MustCompile(`(?im)^\s*` + "`?" + `opencode(?:\s+run)?\s+(?:--session|-s)\s+(ses_[A-Za-z0-9]+)` + "`?" + `\s*$`)

type Options struct {
	Path  string
	Model string
}

type Backend struct {
	engine.ResumeSyntax
	opts Options
}

func New(opts Options) *Backend {
	if opts.Path == "" {
		opts.Path = engineName
	}
	return &Backend{
		ResumeSyntax: engine.NewResumeSyntax(engineName, resumeRE, "`opencode --session %s`"),
		opts:         opts,
	}
}

func (b *Backend) Name() string { return engineName }

func (b *Backend) Title() string {
	if b.opts.Model != "" {
		return b.opts.Model
	}
	return engineName
}

func (b *Backend) Command(prompt string, resume *event.ResumeToken) engine.Invocation {
	args := []string{"run", "--format", "json"}
	if resume != nil {
		args = append(args, "--session", resume.Value)
	}
	if b.opts.Model != "" {
		args = append(args, "--model", b.opts.Model)
	}
	args = append(args, "--", prompt)
	return engine.Invocation{Path: b.opts.Path, Args: args}
}

func (b *Backend) NewTranslator() engine.Translator {
	return &translator{
		events: event.Factory{Engine: engineName},
		notes:  engine.NewNotes(engineName),
	}
}

type frame struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionID"`
	Part      *part           `json:"part"`
	Reason    string          `json:"reason"`
	Error     json.RawMessage `json:"error"`
}

type part struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionID"`
	CallID    string `json:"callID"`
	Tool      string `json:"tool"`
	Text      string `json:"text"`
	State     *struct {
		Status string `json:"status"`
		Output string `json:"output"`
		Error  string `json:"error"`
		Exit   *int   `json:"exit"`
	} `json:"state"`
}

type translator struct {
	events         event.Factory
	notes          *engine.Notes
	session        *event.ResumeToken
	emittedStarted bool
	lastText       string
	sawStepFinish  bool
}

func (t *translator) Translate(line []byte) ([]event.Event, error) {
	var f frame
	if err := json.Unmarshal(line, &f); err != nil {
		return nil, err
	}
	t.captureSession(f)

	var out []event.Event
	// The session id can arrive on any frame; announce the run as soon
	// as it is known.
	if !t.emittedStarted && t.session != nil {
		t.emittedStarted = true
		out = append(out, t.events.Started(*t.session, engineName, nil))
	}

	switch f.Type {
	case "tool_use", "tool":
		if f.Part != nil {
			if evt, ok := t.toolEvent(f.Part); ok {
				out = append(out, evt)
			}
		}
	case "text":
		if f.Part != nil && f.Part.Text != "" {
			t.lastText += f.Part.Text
		}
	case "step_finish", "step-finish":
		if f.Reason == "" || f.Reason == "stop" {
			t.sawStepFinish = true
			out = append(out, t.events.CompletedOK(t.lastText, t.session, nil))
		}
	case "error":
		out = append(out, t.events.CompletedError(errorMessage(f.Error), t.lastText, t.session))
	}
	return out, nil
}

func (t *translator) captureSession(f frame) {
	if t.session != nil {
		return
	}
	id := f.SessionID
	if id == "" && f.Part != nil {
		id = f.Part.SessionID
	}
	if id != "" {
		t.session = &event.ResumeToken{Engine: engineName, Value: id}
	}
}

func (t *translator) toolEvent(p *part) (event.Event, bool) {
	id := p.CallID
	if id == "" {
		id = p.ID
	}
	if id == "" {
		return nil, false
	}
	title := p.Tool
	if title == "" {
		title = "tool"
	}
	status := ""
	if p.State != nil {
		status = p.State.Status
	}
	switch status {
	case "completed":
		detail := map[string]any{}
		if p.State.Output != "" {
			detail["output_preview"] = engine.Preview(p.State.Output, outputPreviewLimit)
		}
		ok := true
		if p.State.Exit != nil {
			detail["exit_code"] = *p.State.Exit
			ok = *p.State.Exit == 0
		}
		return t.events.ActionCompleted(id, event.KindTool, title, detail, ok), true
	case "error":
		detail := map[string]any{}
		if p.State.Error != "" {
			detail["error"] = p.State.Error
		}
		if p.State.Exit != nil {
			detail["exit_code"] = *p.State.Exit
		}
		return t.events.ActionCompleted(id, event.KindTool, title, detail, false), true
	default:
		return t.events.ActionStarted(id, event.KindTool, title, nil), true
	}
}

// errorMessage digs the human message out of the error payload, which
// is a bare string on old releases and a {name,data:{message}} object
// on current ones.
func errorMessage(raw json.RawMessage) string {
	const fallback = "opencode reported an error"
	if len(raw) == 0 {
		return fallback
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && s != "" {
		return s
	}
	var obj struct {
		Name    string `json:"name"`
		Message string `json:"message"`
		Data    struct {
			Message string `json:"message"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return fallback
	}
	switch {
	case obj.Data.Message != "":
		return obj.Data.Message
	case obj.Message != "":
		return obj.Message
	case obj.Name != "":
		return obj.Name
	}
	return fallback
}

// InvalidLine surfaces stray non-JSON output; opencode interleaves
// plain log lines with the JSON stream.
func (t *translator) InvalidLine(line []byte) []event.Event {
	text := engine.Preview(string(line), 200)
	return []event.Event{t.notes.Warning("opencode: "+text, nil)}
}

func (t *translator) ProcessError(rc int, resume, found *event.ResumeToken) []event.Event {
	msg := fmt.Sprintf("opencode failed (rc=%d).", rc)
	token := found
	if token == nil {
		token = resume
	}
	return []event.Event{
		t.notes.Warning(msg, nil),
		t.events.CompletedError(msg, t.lastText, token),
	}
}

func (t *translator) StreamEnd(resume, found *event.ResumeToken) []event.Event {
	if found == nil {
		found = t.session
	}
	if found == nil {
		msg := "opencode finished but no session_id was captured"
		return []event.Event{t.events.CompletedError(msg, t.lastText, resume)}
	}
	if t.sawStepFinish {
		return []event.Event{t.events.CompletedOK(t.lastText, found, nil)}
	}
	msg := "opencode finished without a result event"
	return []event.Event{t.events.CompletedError(msg, t.lastText, found)}
}
