// Package pi drives `pi --print --mode json` and translates its stream
// into neutral events.
package pi

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/telebridge/telebridge/internal/engine"
	"github.com/telebridge/telebridge/internal/event"
)

const engineName = "pi"

const resultPreviewLimit = 500

const sessionIDPrefixLen = 8

var resumeRE = regexp.MustCompile(`(?im)^\s*` + "`?" + `pi\s+--session\s+([^` + "`" + `\s]+)` + "`?" + `\s*$`)

// Options tune the spawned pi CLI.
type Options struct {
	Path      string
	Model     string
	Provider  string
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
	return &Backend{
		ResumeSyntax: engine.NewResumeSyntax(engineName, resumeRE, "`pi --session %s`"),
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

// Command always passes --session: a fresh run gets a new session file
// under pi's agent directory and the session frame later promotes the
// token to the short session id.
func (b *Backend) Command(prompt string, resume *event.ResumeToken) engine.Invocation {
	args := append([]string{}, b.opts.ExtraArgs...)
	args = append(args, "--print", "--mode", "json")
	if b.opts.Provider != "" {
		args = append(args, "--provider", b.opts.Provider)
	}
	if b.opts.Model != "" {
		args = append(args, "--model", b.opts.Model)
	}
	session := newSessionPath()
	if resume != nil {
		session = resume.Value
	}
	args = append(args, "--session", session)
	// pi has no `--` separator; a leading dash would read as a flag.
	if strings.HasPrefix(prompt, "-") {
		prompt = " " + prompt
	}
	args = append(args, prompt)
	return engine.Invocation{
		Path: b.opts.Path,
		Args: args,
		Env:  []string{"NO_COLOR=1", "CI=1"},
	}
}

func (b *Backend) NewTranslator() engine.Translator {
	return &translator{
		events:  event.Factory{Engine: engineName},
		notes:   engine.NewNotes(engineName),
		pending: map[string]event.Action{},
		title:   b.Title(),
	}
}

type frame struct {
	Type string `json:"type"`
	// Session header.
	ID string `json:"id"`
	// Tool execution frames.
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	Args       map[string]any  `json:"args"`
	Result     json.RawMessage `json:"result"`
	IsError    bool            `json:"isError"`
	// message_end / agent_end payloads.
	Message  json.RawMessage   `json:"message"`
	Messages []json.RawMessage `json:"messages"`
}

type assistantMessage struct {
	Role         string         `json:"role"`
	Content      []contentBlock `json:"content"`
	Usage        map[string]any `json:"usage"`
	StopReason   string         `json:"stopReason"`
	ErrorMessage string         `json:"errorMessage"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type translator struct {
	events  event.Factory
	notes   *engine.Notes
	pending map[string]event.Action
	title   string

	session  *event.ResumeToken
	started  bool
	lastText string
	lastErr  string
	usage    map[string]any
}

func (t *translator) Translate(line []byte) ([]event.Event, error) {
	var f frame
	if err := json.Unmarshal(line, &f); err != nil {
		return nil, err
	}

	var out []event.Event
	if f.Type == "session" {
		if t.session == nil && f.ID != "" {
			token := event.ResumeToken{Engine: engineName, Value: shortSessionID(f.ID)}
			t.session = &token
		}
		if !t.started && t.session != nil {
			t.started = true
			out = append(out, t.events.Started(*t.session, t.title, nil))
		}
		return out, nil
	}

	switch f.Type {
	case "tool_execution_start":
		if f.ToolCallID == "" {
			return out, nil
		}
		action := t.toolAction(f)
		t.pending[action.ID] = action
		out = append(out, event.ActionEvent{
			Engine: engineName,
			Action: action,
			Phase:  event.PhaseStarted,
		})
	case "tool_execution_end":
		if f.ToolCallID == "" {
			return out, nil
		}
		action, ok := t.pending[f.ToolCallID]
		if ok {
			delete(t.pending, f.ToolCallID)
		} else {
			name := f.ToolName
			if name == "" {
				name = "tool"
			}
			action = event.Action{ID: f.ToolCallID, Kind: event.KindTool, Title: name}
		}
		detail := map[string]any{"is_error": f.IsError}
		if preview := resultText(f.Result); preview != "" {
			detail["result_preview"] = engine.Preview(preview, resultPreviewLimit)
		}
		action.Detail = mergeDetail(action.Detail, detail)
		out = append(out, event.ActionEvent{
			Engine: engineName,
			Action: action,
			Phase:  event.PhaseCompleted,
			Ok:     event.OK(!f.IsError),
		})
	case "message_end":
		t.noteAssistant(f.Message)
	case "agent_end":
		for i := len(f.Messages) - 1; i >= 0; i-- {
			if t.noteAssistant(f.Messages[i]) {
				break
			}
		}
		if t.lastErr != "" {
			return append(out, event.Completed{
				Engine: engineName, Ok: false, Answer: t.lastText,
				Resume: t.session, Err: t.lastErr, Usage: t.usage,
			}), nil
		}
		out = append(out, t.events.CompletedOK(t.lastText, t.session, t.usage))
	}
	return out, nil
}

// noteAssistant folds an assistant message into the run state and
// reports whether the payload was one.
func (t *translator) noteAssistant(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var msg assistantMessage
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Role != "assistant" {
		return false
	}
	var parts []string
	for _, bl := range msg.Content {
		if bl.Type == "text" && bl.Text != "" {
			parts = append(parts, bl.Text)
		}
	}
	if text := strings.TrimSpace(strings.Join(parts, "")); text != "" {
		t.lastText = text
	}
	if msg.Usage != nil {
		t.usage = msg.Usage
	}
	if msg.StopReason == "error" || msg.StopReason == "aborted" {
		if msg.ErrorMessage != "" {
			t.lastErr = msg.ErrorMessage
		} else {
			t.lastErr = "pi run " + msg.StopReason
		}
	}
	return true
}

// toolAction classifies a tool call for rendering; pi's built-in tool
// names are lowercase.
func (t *translator) toolAction(f frame) event.Action {
	str := func(key string) string {
		s, _ := f.Args[key].(string)
		return s
	}
	name := f.ToolName
	if name == "" {
		name = "tool"
	}
	action := event.Action{
		ID:     f.ToolCallID,
		Kind:   event.KindTool,
		Title:  name,
		Detail: map[string]any{"tool_name": name},
	}
	switch name {
	case "bash":
		action.Kind = event.KindCommand
		if cmd := str("command"); cmd != "" {
			action.Title = cmd
		}
	case "edit", "write", "multi-edit":
		action.Kind = event.KindFileChange
		if path := str("path"); path != "" {
			action.Title = path
			action.Detail["changes"] = []event.FileChange{{Path: path, Kind: "update"}}
		}
	case "read":
		if path := str("path"); path != "" {
			action.Title = "read: `" + path + "`"
		}
	case "glob":
		if pattern := str("pattern"); pattern != "" {
			action.Title = "glob: `" + pattern + "`"
		}
	case "grep":
		if pattern := str("pattern"); pattern != "" {
			action.Title = "grep: " + pattern
		}
	}
	return action
}

// resultText flattens a tool result, which is a bare string or an
// object carrying text content blocks.
func resultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Output  string `json:"output"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return ""
	}
	if obj.Output != "" {
		return obj.Output
	}
	var parts []string
	for _, bl := range obj.Content {
		if bl.Text != "" {
			parts = append(parts, bl.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func mergeDetail(dst, src map[string]any) map[string]any {
	if dst == nil {
		return src
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// InvalidLine skips undecodable lines; pi interleaves plain output
// with the JSON stream when tools write to the terminal.
func (t *translator) InvalidLine([]byte) []event.Event { return nil }

func (t *translator) ProcessError(rc int, resume, found *event.ResumeToken) []event.Event {
	msg := fmt.Sprintf("pi failed (rc=%d).", rc)
	return []event.Event{
		t.notes.Warning(msg, nil),
		t.events.CompletedError(msg, t.lastText, t.completionToken(resume, found)),
	}
}

func (t *translator) StreamEnd(resume, found *event.ResumeToken) []event.Event {
	msg := "pi finished without an agent_end event"
	return []event.Event{
		t.events.CompletedError(msg, t.lastText, t.completionToken(resume, found)),
	}
}

func (t *translator) completionToken(resume, found *event.ResumeToken) *event.ResumeToken {
	switch {
	case found != nil:
		return found
	case t.session != nil:
		return t.session
	default:
		return resume
	}
}

// shortSessionID keeps the first uuid segment; pi accepts the prefix
// anywhere it takes a session id.
func shortSessionID(id string) string {
	if head, _, ok := strings.Cut(id, "-"); ok {
		return head
	}
	if len(id) > sessionIDPrefixLen {
		return id[:sessionIDPrefixLen]
	}
	return id
}

// newSessionPath mints the session file pi would create itself for an
// interactive run, so crashed runs stay resumable by path.
func newSessionPath() string {
	base := os.Getenv("PI_CODING_AGENT_DIR")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		base = filepath.Join(home, ".pi", "agent")
	}
	cwd, err := os.Getwd()
	if err != nil {
		cwd = ""
	}
	safe := strings.NewReplacer("/", "-", "\\", "-", ":", "-").Replace(strings.TrimLeft(cwd, `/\`))
	dir := filepath.Join(base, "sessions", "--"+safe+"--")
	_ = os.MkdirAll(dir, 0o755)

	stamp := strings.NewReplacer(":", "-", ".", "-").Replace(time.Now().UTC().Format(time.RFC3339Nano))
	name := fmt.Sprintf("%s_%s.jsonl", stamp, strings.ReplaceAll(uuid.NewString(), "-", ""))
	return filepath.Join(dir, name)
}
