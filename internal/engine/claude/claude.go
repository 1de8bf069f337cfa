// Package claude drives `claude -p --output-format stream-json` and
// translates its stream into neutral events.
package claude

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/telebridge/telebridge/internal/engine"
	"github.com/telebridge/telebridge/internal/event"
)

const engineName = "claude"

const resultPreviewLimit = 200

var resumeRE = regexp.MustCompile(`(?im)^\s*` + "`?" + `claude\s+(?:--resume|-r)\s+([^` + "`" + `\s]+)` + "`?" + `\s*$`)

// Options tune the spawned claude CLI.
type Options struct {
	Path  string
	Model string
	// AllowedTools is passed through --allowedTools; the default set
	// covers shell plus file reads and edits.
	AllowedTools []string
	// SkipPermissions adds --dangerously-skip-permissions. Only safe
	// inside an already-isolated project directory.
	SkipPermissions bool
}

type Backend struct {
	engine.ResumeSyntax
	opts Options
}

func New(opts Options) *Backend {
	if opts.Path == "" {
		opts.Path = engineName
	}
	if opts.AllowedTools == nil {
		opts.AllowedTools = []string{"Bash", "Read", "Edit", "Write"}
	}
	return &Backend{
		ResumeSyntax: engine.NewResumeSyntax(engineName, resumeRE, "`claude --resume %s`"),
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
	args := []string{"-p", "--output-format", "stream-json", "--verbose"}
	if resume != nil {
		args = append(args, "--resume", resume.Value)
	}
	if b.opts.Model != "" {
		args = append(args, "--model", b.opts.Model)
	}
	if len(b.opts.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(b.opts.AllowedTools, ","))
	}
	if b.opts.SkipPermissions {
		args = append(args, "--dangerously-skip-permissions")
	}
	args = append(args, "--", prompt)
	return engine.Invocation{Path: b.opts.Path, Args: args}
}

func (b *Backend) NewTranslator() engine.Translator {
	return &translator{
		events:  event.Factory{Engine: engineName},
		notes:   engine.NewNotes(engineName),
		pending: map[string]event.Action{},
	}
}

type frame struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`
	Model     string `json:"model"`
	CWD       string   `json:"cwd"`
	Tools     []string `json:"tools"`
	PermMode  string   `json:"permissionMode"`
	Message   *struct {
		Content []block `json:"content"`
	} `json:"message"`
	IsError      bool           `json:"is_error"`
	Result       string         `json:"result"`
	TotalCostUSD *float64       `json:"total_cost_usd"`
	DurationMS   *int64         `json:"duration_ms"`
	NumTurns     *int           `json:"num_turns"`
	Usage        map[string]any `json:"usage"`
}

type block struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     map[string]any  `json:"input"`
	Text      string          `json:"text"`
	Thinking  string          `json:"thinking"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

type translator struct {
	events   event.Factory
	notes    *engine.Notes
	pending  map[string]event.Action
	session  *event.ResumeToken
	lastText string
}

func (t *translator) Translate(line []byte) ([]event.Event, error) {
	var f frame
	if err := json.Unmarshal(line, &f); err != nil {
		return nil, err
	}
	switch f.Type {
	case "system":
		if f.Subtype != "init" || f.SessionID == "" {
			return nil, nil
		}
		token := event.ResumeToken{Engine: engineName, Value: f.SessionID}
		t.session = &token
		title := f.Model
		if title == "" {
			title = engineName
		}
		meta := map[string]any{}
		if f.CWD != "" {
			meta["cwd"] = f.CWD
		}
		if f.PermMode != "" {
			meta["permission_mode"] = f.PermMode
		}
		if len(f.Tools) > 0 {
			meta["tools"] = f.Tools
		}
		return []event.Event{t.events.Started(token, title, meta)}, nil
	case "assistant":
		if f.Message == nil {
			return nil, nil
		}
		var out []event.Event
		for _, bl := range f.Message.Content {
			switch bl.Type {
			case "tool_use":
				action := t.toolAction(bl)
				t.pending[bl.ID] = action
				out = append(out, event.ActionEvent{
					Engine: engineName,
					Action: action,
					Phase:  event.PhaseStarted,
				})
			case "thinking":
				if bl.Thinking != "" {
					out = append(out, t.notes.Info(bl.Thinking, nil))
				}
			case "text":
				if bl.Text != "" {
					t.lastText = bl.Text
				}
			}
		}
		return out, nil
	case "user":
		if f.Message == nil {
			return nil, nil
		}
		var out []event.Event
		for _, bl := range f.Message.Content {
			if bl.Type != "tool_result" {
				continue
			}
			out = append(out, t.toolResult(bl))
		}
		return out, nil
	case "result":
		return []event.Event{t.resultEvent(f)}, nil
	}
	return nil, nil
}

// toolAction classifies a tool_use block for rendering. Unknown tools
// fall through as plain tool actions under their own name.
func (t *translator) toolAction(bl block) event.Action {
	str := func(key string) string {
		s, _ := bl.Input[key].(string)
		return s
	}
	action := event.Action{ID: bl.ID, Kind: event.KindTool, Title: bl.Name}
	switch bl.Name {
	case "Bash", "Shell", "KillShell":
		action.Kind = event.KindCommand
		if cmd := str("command"); cmd != "" {
			action.Title = cmd
		}
	case "Edit", "Write", "NotebookEdit", "MultiEdit":
		action.Kind = event.KindFileChange
		path := str("file_path")
		if path == "" {
			path = str("notebook_path")
		}
		if path != "" {
			action.Title = path
			action.Detail = map[string]any{
				"changes": []event.FileChange{{Path: path, Kind: "update"}},
			}
		}
	case "Read":
		action.Title = "read: `" + str("file_path") + "`"
	case "Glob":
		action.Title = "glob: `" + str("pattern") + "`"
	case "Grep":
		action.Title = "grep: " + str("pattern")
	case "WebSearch":
		action.Kind = event.KindWebSearch
		action.Title = str("query")
	case "WebFetch":
		action.Kind = event.KindWebSearch
		action.Title = str("url")
	case "TodoWrite":
		action.Kind = event.KindNote
		action.Title = "update todos"
	case "AskUserQuestion":
		action.Kind = event.KindNote
		action.Title = "ask user"
	case "Task", "Agent":
		action.Kind = event.KindSubagent
		if desc := str("description"); desc != "" {
			action.Title = desc
		}
	}
	return action
}

func (t *translator) toolResult(bl block) event.Event {
	action, ok := t.pending[bl.ToolUseID]
	if ok {
		delete(t.pending, bl.ToolUseID)
	} else {
		action = event.Action{ID: bl.ToolUseID, Kind: event.KindTool, Title: "tool result"}
	}
	result := resultText(bl.Content)
	detail := map[string]any{"result_len": len(result), "is_error": bl.IsError}
	if result != "" {
		detail["result_preview"] = engine.Preview(result, resultPreviewLimit)
	}
	action.Detail = mergeDetail(action.Detail, detail)
	return event.ActionEvent{
		Engine: engineName,
		Action: action,
		Phase:  event.PhaseCompleted,
		Ok:     event.OK(!bl.IsError),
	}
}

func (t *translator) resultEvent(f frame) event.Event {
	if f.SessionID != "" {
		token := event.ResumeToken{Engine: engineName, Value: f.SessionID}
		t.session = &token
	}
	answer := f.Result
	if answer == "" {
		answer = t.lastText
	}
	usage := map[string]any{}
	if f.TotalCostUSD != nil {
		usage["total_cost_usd"] = *f.TotalCostUSD
	}
	if f.DurationMS != nil {
		usage["duration_ms"] = *f.DurationMS
	}
	if f.NumTurns != nil {
		usage["num_turns"] = *f.NumTurns
	}
	for k, v := range f.Usage {
		usage[k] = v
	}
	if !f.IsError {
		return event.Completed{
			Engine: engineName, Ok: true, Answer: answer, Resume: t.session, Usage: usage,
		}
	}
	errMsg := f.Result
	if errMsg == "" {
		errMsg = "claude run failed"
		if f.Subtype != "" {
			errMsg = "claude run failed: " + f.Subtype
		}
	}
	return event.Completed{
		Engine: engineName, Ok: false, Answer: "", Resume: t.session, Err: errMsg, Usage: usage,
	}
}

// resultText flattens a tool_result content payload, which is either a
// bare string or a list of text blocks.
func resultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var parts []string
	for _, b := range blocks {
		if b.Text != "" {
			parts = append(parts, b.Text)
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

func (t *translator) InvalidLine([]byte) []event.Event { return nil }

func (t *translator) ProcessError(rc int, resume, found *event.ResumeToken) []event.Event {
	msg := fmt.Sprintf("claude failed (rc=%d).", rc)
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
		msg := "claude finished but no session_id was captured"
		return []event.Event{t.events.CompletedError(msg, t.lastText, resume)}
	}
	msg := "claude finished without a result event"
	return []event.Event{t.events.CompletedError(msg, t.lastText, found)}
}
