package state

import (
	"fmt"
	"log/slog"

	"github.com/telebridge/telebridge/internal/event"
)

// Context binds a thread to a project checkout.
type Context struct {
	Project string `json:"project"`
	Branch  string `json:"branch,omitempty"`
}

// Line renders the footer context line.
func (c Context) Line() string {
	if c.Branch != "" {
		return fmt.Sprintf("`ctx: %s @ %s`", c.Project, c.Branch)
	}
	return fmt.Sprintf("`ctx: %s`", c.Project)
}

type sessionEntry struct {
	Resume string `json:"resume"`
}

type threadEntry struct {
	Context       *Context                `json:"context"`
	Sessions      map[string]sessionEntry `json:"sessions,omitempty"`
	TopicTitle    string                  `json:"topic_title,omitempty"`
	DefaultEngine string                  `json:"default_engine,omitempty"`
}

type topicsPayload struct {
	Version int                     `json:"version"`
	Threads map[string]*threadEntry `json:"threads"`
}

func (p *topicsPayload) version() int { return p.Version }

// Topics stores per-forum-topic bindings: the bound project context,
// the last session per engine, and a per-topic default engine.
type Topics struct {
	file *jsonFile[*topicsPayload]
}

func NewTopics(path string, log *slog.Logger) *Topics {
	return &Topics{file: newJSONFile(path, log, func() *topicsPayload {
		return &topicsPayload{Version: 1, Threads: map[string]*threadEntry{}}
	})}
}

// ThreadKey identifies one chat thread. Thread 0 is the chat itself.
func ThreadKey(chatID int64, threadID int) string {
	return fmt.Sprintf("%d:%d", chatID, threadID)
}

func (t *Topics) Context(key string) (Context, bool) {
	var ctx *Context
	t.file.view(func(p *topicsPayload) {
		if th := p.Threads[key]; th != nil && th.Context != nil {
			c := *th.Context
			ctx = &c
		}
	})
	if ctx == nil {
		return Context{}, false
	}
	return *ctx, true
}

func (t *Topics) SetContext(key string, ctx Context, topicTitle string) error {
	return t.file.update(func(p *topicsPayload) {
		th := ensureThread(p, key)
		c := ctx
		th.Context = &c
		if topicTitle != "" {
			th.TopicTitle = topicTitle
		}
	})
}

func (t *Topics) ClearContext(key string) error {
	return t.file.update(func(p *topicsPayload) {
		if th := p.Threads[key]; th != nil {
			th.Context = nil
		}
	})
}

func (t *Topics) SessionResume(key, engine string) (event.ResumeToken, bool) {
	var token event.ResumeToken
	found := false
	t.file.view(func(p *topicsPayload) {
		if th := p.Threads[key]; th != nil {
			if s, ok := th.Sessions[engine]; ok && s.Resume != "" {
				token = event.ResumeToken{Engine: engine, Value: s.Resume}
				found = true
			}
		}
	})
	return token, found
}

func (t *Topics) SetSessionResume(key string, token event.ResumeToken) error {
	return t.file.update(func(p *topicsPayload) {
		th := ensureThread(p, key)
		if th.Sessions == nil {
			th.Sessions = map[string]sessionEntry{}
		}
		th.Sessions[token.Engine] = sessionEntry{Resume: token.Value}
	})
}

// ClearSessions starts the topic's conversations over, keeping the
// context binding.
func (t *Topics) ClearSessions(key string) error {
	return t.file.update(func(p *topicsPayload) {
		if th := p.Threads[key]; th != nil {
			th.Sessions = nil
		}
	})
}

func (t *Topics) DefaultEngine(key string) string {
	var engine string
	t.file.view(func(p *topicsPayload) {
		if th := p.Threads[key]; th != nil {
			engine = th.DefaultEngine
		}
	})
	return engine
}

func (t *Topics) SetDefaultEngine(key, engine string) error {
	return t.file.update(func(p *topicsPayload) {
		ensureThread(p, key).DefaultEngine = engine
	})
}

func (t *Topics) DeleteThread(key string) error {
	return t.file.update(func(p *topicsPayload) {
		delete(p.Threads, key)
	})
}

// FindThreadForContext returns the key of a thread already bound to
// the same project and branch.
func (t *Topics) FindThreadForContext(ctx Context) (string, bool) {
	var key string
	found := false
	t.file.view(func(p *topicsPayload) {
		for k, th := range p.Threads {
			if th.Context != nil && *th.Context == ctx {
				key, found = k, true
				return
			}
		}
	})
	return key, found
}

func ensureThread(p *topicsPayload, key string) *threadEntry {
	th := p.Threads[key]
	if th == nil {
		th = &threadEntry{}
		p.Threads[key] = th
	}
	return th
}
