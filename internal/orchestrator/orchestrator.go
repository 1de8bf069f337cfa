// Package orchestrator owns the bridge's conversation loop: it turns
// incoming Telegram messages into agent runs, keeps one live-edited
// progress message per run, and delivers the final answer with a
// resume footer.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/telebridge/telebridge/internal/event"
	"github.com/telebridge/telebridge/internal/history"
	"github.com/telebridge/telebridge/internal/runner"
	"github.com/telebridge/telebridge/internal/scheduler"
	"github.com/telebridge/telebridge/internal/state"
	"github.com/telebridge/telebridge/internal/transport"
)

const defaultDebounce = 2 * time.Second

// continuePrompt replaces a message whose only content was a resume
// line.
const continuePrompt = "continue"

type Options struct {
	Router    *runner.Router
	Transport transport.Transport
	Topics    *state.Topics
	Sessions  *state.ChatSessions
	Scheduler *scheduler.Scheduler
	History   *history.Store
	Logger    *slog.Logger

	Projects       map[string]string
	DefaultProject string
	// ChatSessionMode makes plain chats implicitly continue their last
	// session and hides resume footers.
	ChatSessionMode bool
	FinalNotify     bool
	ShowResumeLine  bool
	// Debounce is the minimum gap between progress edits.
	Debounce time.Duration

	// AnswerCallback acknowledges inline-button presses.
	AnswerCallback func(ctx context.Context, callbackID, text string) error
	// CreateTopic opens a forum topic for /new.
	CreateTopic func(ctx context.Context, chatID int64, name string) (int, error)
}

type Orchestrator struct {
	opts Options
	log  *slog.Logger

	mu      sync.Mutex
	running map[transport.MessageRef]*task
}

// task tracks one in-flight run, keyed by its progress message.
type task struct {
	engine    string
	startedAt time.Time

	mu          sync.Mutex
	resume      *event.ResumeToken
	resumeReady chan struct{}
	done        chan struct{}
	cancel      context.CancelFunc
	cancelled   bool
}

func (t *task) setResume(token event.ResumeToken) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.resume != nil {
		return
	}
	tok := token
	t.resume = &tok
	close(t.resumeReady)
}

func (t *task) resumeToken() *event.ResumeToken {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resume
}

func (t *task) requestCancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelled = true
	if t.cancel != nil {
		t.cancel()
	}
}

func (t *task) wasCancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

func New(opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Debounce == 0 {
		opts.Debounce = defaultDebounce
	}
	return &Orchestrator{
		opts:    opts,
		log:     opts.Logger.With("component", "orchestrator"),
		running: map[transport.MessageRef]*task{},
	}
}

// Active lists the in-flight runs for the debug API.
type ActiveRun struct {
	Engine    string
	Ref       transport.MessageRef
	Resume    string
	StartedAt time.Time
}

func (o *Orchestrator) Active() []ActiveRun {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]ActiveRun, 0, len(o.running))
	for ref, t := range o.running {
		run := ActiveRun{Engine: t.engine, Ref: ref, StartedAt: t.startedAt}
		if token := t.resumeToken(); token != nil {
			run.Resume = token.Value
		}
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// OnMessage handles one incoming message end to end; it blocks for the
// duration of the run and is called on its own goroutine.
func (o *Orchestrator) OnMessage(ctx context.Context, in transport.Incoming) {
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return
	}
	if cmd, rest := splitCommand(text); cmd != "" {
		switch cmd {
		case "cancel":
			o.cmdCancel(ctx, in)
			return
		case "help":
			o.cmdHelp(ctx, in)
			return
		case "default":
			o.cmdDefault(ctx, in, rest)
			return
		case "new":
			o.cmdNew(ctx, in, rest)
			return
		}
		// Anything else falls through to directive parsing; engine
		// overrides share the slash syntax.
	}
	o.handlePrompt(ctx, in, text)
}

// OnCallback handles inline-button presses; only cancel exists.
func (o *Orchestrator) OnCallback(ctx context.Context, cb transport.Callback) {
	if cb.Data != transport.CancelCallbackData || cb.Message == nil {
		return
	}
	answer := func(text string) {
		if o.opts.AnswerCallback != nil {
			if err := o.opts.AnswerCallback(ctx, cb.ID, text); err != nil {
				o.log.Warn("answer callback", "err", err)
			}
		}
	}
	o.mu.Lock()
	t := o.running[*cb.Message]
	o.mu.Unlock()
	if t == nil {
		answer("nothing is currently running here")
		return
	}
	t.requestCancel()
	answer("cancelling")
}

// reply sends a short service message threaded under the incoming one.
func (o *Orchestrator) reply(ctx context.Context, in transport.Incoming, text string) {
	ref := in.Ref
	_, err := o.opts.Transport.Send(ctx, ref.ChatID, ref.ThreadID, text, transport.SendOptions{
		ReplyTo: &ref,
	})
	if err != nil {
		o.log.Warn("send reply", "chat", ref.ChatID, "err", err)
	}
}

// splitCommand recognizes /cmd and /cmd@botname prefixes on the first
// token and returns the command plus the remaining text.
func splitCommand(text string) (string, string) {
	if !strings.HasPrefix(text, "/") {
		return "", text
	}
	head, rest, _ := strings.Cut(text, " ")
	head = strings.TrimPrefix(head, "/")
	if at := strings.IndexByte(head, '@'); at >= 0 {
		head = head[:at]
	}
	switch head {
	case "cancel", "help", "default", "new":
		return head, strings.TrimSpace(rest)
	}
	return "", text
}

func (o *Orchestrator) cmdCancel(ctx context.Context, in transport.Incoming) {
	if in.ReplyTo == nil {
		o.reply(ctx, in, "reply to the progress message to cancel.")
		return
	}
	o.mu.Lock()
	t := o.running[*in.ReplyTo]
	o.mu.Unlock()
	if t == nil {
		o.reply(ctx, in, "nothing is currently running for that message.")
		return
	}
	t.requestCancel()
}

func (o *Orchestrator) cmdHelp(ctx context.Context, in transport.Incoming) {
	var b strings.Builder
	b.WriteString("*commands*\n")
	b.WriteString("/help — this message\n")
	b.WriteString("/cancel — reply to a progress message to stop its run\n")
	b.WriteString("/default `[engine]` — show or set this thread's default engine\n")
	b.WriteString("/new `<project> [branch]` — open a topic bound to a project\n")
	b.WriteString("\n*engines*\n")
	for _, name := range o.opts.Router.Names() {
		entry, err := o.opts.Router.EntryFor(name)
		if err != nil {
			b.WriteString(fmt.Sprintf("/%s — unavailable (%v)\n", name, errShort(err)))
			continue
		}
		marker := ""
		if name == o.opts.Router.Default() {
			marker = " (default)"
		}
		b.WriteString(fmt.Sprintf("/%s%s\n", entry.Runner.Name(), marker))
	}
	o.reply(ctx, in, b.String())
}

func errShort(err error) string {
	msg := err.Error()
	if i := strings.LastIndex(msg, ": "); i >= 0 {
		return msg[i+2:]
	}
	return msg
}

// cmdDefault shows or sets the per-thread default engine.
func (o *Orchestrator) cmdDefault(ctx context.Context, in transport.Incoming, arg string) {
	key := state.ThreadKey(in.Ref.ChatID, in.Ref.ThreadID)
	if arg == "" {
		current := o.opts.Topics.DefaultEngine(key)
		if current == "" {
			current = o.opts.Router.Default()
		}
		o.reply(ctx, in, fmt.Sprintf("default engine: `%s`", current))
		return
	}
	if _, err := o.opts.Router.EntryFor(arg); err != nil {
		o.reply(ctx, in, err.Error())
		return
	}
	if err := o.opts.Topics.SetDefaultEngine(key, arg); err != nil {
		o.log.Error("set default engine", "err", err)
		o.reply(ctx, in, "could not persist the default engine.")
		return
	}
	o.reply(ctx, in, fmt.Sprintf("default engine set to `%s`", arg))
}

// cmdNew opens a forum topic bound to a project context.
func (o *Orchestrator) cmdNew(ctx context.Context, in transport.Incoming, arg string) {
	if o.opts.CreateTopic == nil {
		o.reply(ctx, in, "topics are not supported here.")
		return
	}
	fields := strings.Fields(arg)
	if len(fields) == 0 || len(fields) > 2 {
		o.reply(ctx, in, "usage: /new `<project> [branch]`")
		return
	}
	project := fields[0]
	if _, ok := o.opts.Projects[project]; !ok {
		o.reply(ctx, in, fmt.Sprintf("unknown project %q", project))
		return
	}
	bound := state.Context{Project: project}
	title := project
	if len(fields) == 2 {
		bound.Branch = fields[1]
		title = project + " @ " + bound.Branch
	}

	threadID, err := o.opts.CreateTopic(ctx, in.Ref.ChatID, title)
	if err != nil {
		o.log.Error("create topic", "err", err)
		o.reply(ctx, in, "could not create the topic.")
		return
	}
	key := state.ThreadKey(in.Ref.ChatID, threadID)
	if err := o.opts.Topics.SetContext(key, bound, title); err != nil {
		o.log.Error("bind topic", "err", err)
	}
	_, err = o.opts.Transport.Send(ctx, in.Ref.ChatID, threadID,
		fmt.Sprintf("bound to %s", bound.Line()), transport.SendOptions{})
	if err != nil {
		o.log.Warn("announce topic", "err", err)
	}
}
