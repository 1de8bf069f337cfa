// Package event defines the engine-neutral event model shared by the
// runner layer, the progress tracker, and the orchestrator. Every agent
// stream is translated into exactly one Started, zero or more Action
// events, and exactly one Completed.
package event

// ResumeToken is an engine-tagged opaque session identifier. Two tokens
// are equal iff both engine and value match.
type ResumeToken struct {
	Engine string
	Value  string
}

// Key returns the session-lock key for the token.
func (t ResumeToken) Key() string {
	return t.Engine + ":" + t.Value
}

func (t ResumeToken) IsZero() bool {
	return t.Engine == "" && t.Value == ""
}

// ActionKind classifies an action for rendering.
type ActionKind string

const (
	KindCommand    ActionKind = "command"
	KindTool       ActionKind = "tool"
	KindFileChange ActionKind = "file_change"
	KindWebSearch  ActionKind = "web_search"
	KindSubagent   ActionKind = "subagent"
	KindNote       ActionKind = "note"
	KindWarning    ActionKind = "warning"
	// KindTurn is bookkeeping only and never rendered.
	KindTurn ActionKind = "turn"
)

// Phase is the lifecycle stage of an action within one run.
type Phase string

const (
	PhaseStarted   Phase = "started"
	PhaseUpdated   Phase = "updated"
	PhaseCompleted Phase = "completed"
)

// FileChange describes one touched path inside a file_change action.
type FileChange struct {
	Path string
	Kind string
}

// Action is one logical unit of agent work. ID is stable across the
// started -> updated -> completed phases of the same action.
type Action struct {
	ID     string
	Kind   ActionKind
	Title  string
	Detail map[string]any
}

// ExitCode returns the command exit code from Detail, if recorded.
func (a Action) ExitCode() (int, bool) {
	v, ok := a.Detail["exit_code"]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

// Changes returns the normalized file-change list from Detail.
func (a Action) Changes() []FileChange {
	raw, ok := a.Detail["changes"].([]FileChange)
	if ok {
		return raw
	}
	return nil
}

// Event is the tagged sum of Started, ActionEvent, and Completed.
type Event interface {
	isEvent()
}

// Started is the first event of every run and carries the discovered
// session token.
type Started struct {
	Engine string
	Resume ResumeToken
	Title  string
	Meta   map[string]any
}

// ActionEvent reports one phase change of an action.
type ActionEvent struct {
	Engine  string
	Action  Action
	Phase   Phase
	Ok      *bool
	Message string
	Level   string
}

// Completed terminates a run. Ok=true implies Err is empty.
type Completed struct {
	Engine string
	Ok     bool
	Answer string
	Resume *ResumeToken
	Err    string
	Usage  map[string]any
}

func (Started) isEvent()     {}
func (ActionEvent) isEvent() {}
func (Completed) isEvent()   {}

// OK is a shorthand for optional action outcomes.
func OK(v bool) *bool { return &v }

// Factory builds events pre-tagged with one engine name.
type Factory struct {
	Engine string
}

func (f Factory) Started(token ResumeToken, title string, meta map[string]any) Started {
	return Started{Engine: f.Engine, Resume: token, Title: title, Meta: meta}
}

func (f Factory) Action(phase Phase, id string, kind ActionKind, title string, detail map[string]any) ActionEvent {
	return ActionEvent{
		Engine: f.Engine,
		Action: Action{ID: id, Kind: kind, Title: title, Detail: detail},
		Phase:  phase,
	}
}

func (f Factory) ActionStarted(id string, kind ActionKind, title string, detail map[string]any) ActionEvent {
	return f.Action(PhaseStarted, id, kind, title, detail)
}

func (f Factory) ActionCompleted(id string, kind ActionKind, title string, detail map[string]any, ok bool) ActionEvent {
	evt := f.Action(PhaseCompleted, id, kind, title, detail)
	evt.Ok = OK(ok)
	return evt
}

func (f Factory) CompletedOK(answer string, resume *ResumeToken, usage map[string]any) Completed {
	return Completed{Engine: f.Engine, Ok: true, Answer: answer, Resume: resume, Usage: usage}
}

func (f Factory) CompletedError(errMsg, answer string, resume *ResumeToken) Completed {
	return Completed{Engine: f.Engine, Ok: false, Answer: answer, Resume: resume, Err: errMsg}
}
