package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/telebridge/telebridge/internal/event"
	"github.com/telebridge/telebridge/internal/history"
	"github.com/telebridge/telebridge/internal/progress"
	"github.com/telebridge/telebridge/internal/render"
	"github.com/telebridge/telebridge/internal/runner"
	"github.com/telebridge/telebridge/internal/state"
	"github.com/telebridge/telebridge/internal/transport"
)

// turn is one fully resolved run: which engine, what prompt, which
// session to continue, and where the new session id gets persisted.
type turn struct {
	engine  string
	prompt  string
	resume  *event.ResumeToken
	dir     string
	ctxLine string

	// topicKey, when set, is the thread whose session map receives the
	// run's resume token. chatSession routes it to the per-chat store
	// instead.
	topicKey    string
	chatSession bool
}

// handlePrompt resolves an ordinary message into a turn and runs it.
func (o *Orchestrator) handlePrompt(ctx context.Context, in transport.Incoming, text string) {
	d, err := o.parseDirectives(text)
	if err != nil {
		o.reply(ctx, in, err.Error())
		return
	}
	prompt := o.opts.Router.StripResumeLines(d.prompt)

	// A pasted resume line in the message wins over everything else.
	if token, ok := o.opts.Router.ResolveResume(d.prompt, ""); ok {
		t, err := o.resumedTurn(in, d, token, orContinue(prompt))
		if err != nil {
			o.reply(ctx, in, err.Error())
			return
		}
		o.runTurn(ctx, in, t)
		return
	}

	// Replying to a live progress message queues a follow-up turn.
	if in.ReplyTo != nil {
		o.mu.Lock()
		prior := o.running[*in.ReplyTo]
		o.mu.Unlock()
		if prior != nil {
			o.followUp(ctx, in, d, prior, orContinue(prompt))
			return
		}
	}

	// A resume line in the replied-to message continues that session.
	if token, ok := o.opts.Router.ResolveResume("", in.ReplyText); ok {
		t, err := o.resumedTurn(in, d, token, orContinue(prompt))
		if err != nil {
			o.reply(ctx, in, err.Error())
			return
		}
		o.runTurn(ctx, in, t)
		return
	}

	if prompt == "" {
		o.reply(ctx, in, "send a prompt.")
		return
	}
	t, err := o.freshTurn(in, d, prompt)
	if err != nil {
		o.reply(ctx, in, err.Error())
		return
	}
	o.runTurn(ctx, in, t)
}

// orContinue substitutes a minimal prompt when stripping resume lines
// left nothing; the user's intent was "keep going".
func orContinue(prompt string) string {
	if prompt == "" {
		return continuePrompt
	}
	return prompt
}

func (o *Orchestrator) resumedTurn(in transport.Incoming, d directives, token event.ResumeToken, prompt string) (turn, error) {
	if d.engine != "" && d.engine != token.Engine {
		return turn{}, fmt.Errorf("that session belongs to %q, not %q", token.Engine, d.engine)
	}
	if _, err := o.opts.Router.EntryFor(token.Engine); err != nil {
		return turn{}, err
	}
	t := turn{engine: token.Engine, prompt: prompt, resume: &token}
	o.applyProject(&t, in, d)
	o.applyPersistTarget(&t, in)
	return t, nil
}

func (o *Orchestrator) freshTurn(in transport.Incoming, d directives, prompt string) (turn, error) {
	key := state.ThreadKey(in.Ref.ChatID, in.Ref.ThreadID)
	engineName := d.engine
	topicBound := false
	if o.opts.Topics != nil {
		if _, ok := o.opts.Topics.Context(key); ok {
			topicBound = true
			if engineName == "" {
				engineName = o.opts.Topics.DefaultEngine(key)
			}
		}
	}
	entry, err := o.opts.Router.EntryFor(engineName)
	if err != nil {
		return turn{}, err
	}
	engineName = entry.Runner.Name()

	t := turn{engine: engineName, prompt: prompt}
	o.applyProject(&t, in, d)
	switch {
	case topicBound:
		t.topicKey = key
		if tok, ok := o.opts.Topics.SessionResume(key, engineName); ok {
			t.resume = &tok
		}
	case o.opts.ChatSessionMode && o.opts.Sessions != nil:
		t.chatSession = true
		if tok, ok := o.opts.Sessions.Resume(in.Ref.ChatID, engineName); ok {
			t.resume = &tok
		}
	}
	return t, nil
}

// applyProject resolves the working directory and context footer:
// explicit /project directive, then the thread's binding, then a
// context line inherited from the replied-to message, then the
// configured default project.
func (o *Orchestrator) applyProject(t *turn, in transport.Incoming, d directives) {
	var bound state.Context
	switch {
	case d.project != "":
		bound = state.Context{Project: d.project}
	case o.opts.Topics != nil:
		if c, ok := o.opts.Topics.Context(state.ThreadKey(in.Ref.ChatID, in.Ref.ThreadID)); ok {
			bound = c
			break
		}
		fallthrough
	default:
		if c, ok := parseContextLine(in.ReplyText); ok && o.opts.Projects[c.Project] != "" {
			bound = c
		} else if o.opts.DefaultProject != "" {
			bound = state.Context{Project: o.opts.DefaultProject}
		}
	}
	if bound.Project == "" {
		return
	}
	if d.branch != "" {
		bound.Branch = d.branch
	}
	t.dir = o.opts.Projects[bound.Project]
	t.ctxLine = bound.Line()
}

// applyPersistTarget decides where a resumed run's refreshed token is
// saved, mirroring the fresh-run rules.
func (o *Orchestrator) applyPersistTarget(t *turn, in transport.Incoming) {
	key := state.ThreadKey(in.Ref.ChatID, in.Ref.ThreadID)
	if o.opts.Topics != nil {
		if _, ok := o.opts.Topics.Context(key); ok {
			t.topicKey = key
			return
		}
	}
	if o.opts.ChatSessionMode && o.opts.Sessions != nil {
		t.chatSession = true
	}
}

// followUp waits until the running turn's session id is known, then
// queues a resumed turn behind it.
func (o *Orchestrator) followUp(ctx context.Context, in transport.Incoming, d directives, prior *task, prompt string) {
	select {
	case <-prior.resumeReady:
	case <-prior.done:
	case <-ctx.Done():
		return
	}
	token := prior.resumeToken()
	if token == nil {
		o.reply(ctx, in, "that run produced no session to continue.")
		return
	}
	t, err := o.resumedTurn(in, d, *token, prompt)
	if err != nil {
		o.reply(ctx, in, err.Error())
		return
	}
	done := make(chan struct{})
	o.opts.Scheduler.Enqueue(*token, func() {
		defer close(done)
		o.runTurn(ctx, in, t)
	})
	<-done
}

func (o *Orchestrator) persistResume(t turn, chatID int64, token event.ResumeToken) {
	var err error
	switch {
	case t.topicKey != "":
		err = o.opts.Topics.SetSessionResume(t.topicKey, token)
	case t.chatSession:
		err = o.opts.Sessions.SetResume(chatID, token)
	default:
		return
	}
	if err != nil {
		o.log.Error("persist resume token", "engine", token.Engine, "err", err)
	}
}

func (o *Orchestrator) formatResume() func(event.ResumeToken) string {
	if !o.opts.ShowResumeLine {
		return nil
	}
	return o.opts.Router.FormatResume
}

// runTurn executes one resolved turn end to end: progress message,
// debounced live edits, the run itself, and the final message.
func (o *Orchestrator) runTurn(ctx context.Context, in transport.Incoming, t turn) {
	entry, err := o.opts.Router.EntryFor(t.engine)
	if err != nil {
		o.reply(ctx, in, err.Error())
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	startedAt := time.Now()
	tracker := progress.NewTracker(t.engine)
	if t.resume != nil {
		tracker.SetResume(t.resume)
	}

	ref := in.Ref
	progressRef, err := o.opts.Transport.Send(ctx, ref.ChatID, ref.ThreadID,
		render.Progress(tracker.Snapshot(o.formatResume(), t.ctxLine), "starting", 0),
		transport.SendOptions{ReplyTo: &ref, CancelButton: true})
	if err != nil || progressRef == nil {
		o.log.Error("send progress message", "chat", ref.ChatID, "err", err)
		return
	}

	tk := &task{
		engine:      t.engine,
		startedAt:   startedAt,
		resumeReady: make(chan struct{}),
		done:        make(chan struct{}),
		cancel:      cancel,
	}
	if t.resume != nil {
		tk.resume = t.resume
		close(tk.resumeReady)
		o.opts.Scheduler.NoteRunning(*t.resume, tk.done)
	}
	o.mu.Lock()
	o.running[*progressRef] = tk
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.running, *progressRef)
		o.mu.Unlock()
		close(tk.done)
	}()

	// Edit loop: re-render on change, at most one edit per debounce
	// interval. Stops before the final message is written so a stale
	// progress body never overwrites it.
	dirty := make(chan struct{}, 1)
	notify := func() {
		select {
		case dirty <- struct{}{}:
		default:
		}
	}
	editStop := make(chan struct{})
	editDone := make(chan struct{})
	go func() {
		defer close(editDone)
		last := ""
		for {
			select {
			case <-editStop:
				return
			case <-dirty:
			}
			body := render.Progress(tracker.Snapshot(o.formatResume(), t.ctxLine),
				"running", time.Since(startedAt))
			if body != last {
				last = body
				if _, err := o.opts.Transport.Edit(ctx, *progressRef, body,
					transport.EditOptions{CancelButton: true}); err != nil {
					o.log.Warn("edit progress message", "err", err)
				}
			}
			select {
			case <-editStop:
				return
			case <-time.After(o.opts.Debounce):
			}
		}
	}()

	var completed *event.Completed
	emit := func(evt event.Event) {
		switch e := evt.(type) {
		case event.Started:
			tk.setResume(e.Resume)
			tracker.Note(e)
			o.opts.Scheduler.NoteRunning(e.Resume, tk.done)
			o.persistResume(t, ref.ChatID, e.Resume)
			notify()
		case event.ActionEvent:
			if tracker.Note(e) {
				notify()
			}
		case event.Completed:
			c := e
			completed = &c
		}
	}

	runErr := entry.Runner.Run(runCtx, runner.Request{
		Prompt: t.prompt,
		Resume: t.resume,
		Dir:    t.dir,
	}, emit)

	close(editStop)
	<-editDone

	elapsed := time.Since(startedAt)
	o.finish(ctx, in, t, tracker, *progressRef, tk, completed, runErr, startedAt, elapsed)
}

// finish renders and delivers the terminal message and records the run.
func (o *Orchestrator) finish(ctx context.Context, in transport.Incoming, t turn,
	tracker *progress.Tracker, progressRef transport.MessageRef, tk *task,
	completed *event.Completed, runErr error, startedAt time.Time, elapsed time.Duration) {

	var status, answer, errText string
	switch {
	case tk.wasCancelled():
		status = "cancelled"
	case runErr != nil:
		status = "error"
		answer = runErr.Error()
		errText = runErr.Error()
	case completed == nil:
		status = "error"
		answer = "run ended without a result"
		errText = answer
	default:
		tracker.SetResume(completed.Resume)
		if completed.Resume != nil {
			o.persistResume(t, in.Ref.ChatID, *completed.Resume)
		}
		answer = completed.Answer
		if !completed.Ok && completed.Err != "" {
			errText = completed.Err
			if answer != "" {
				answer += "\n\n" + completed.Err
			} else {
				answer = completed.Err
			}
		}
		if completed.Ok && strings.TrimSpace(answer) != "" {
			status = "done"
		} else {
			status = "error"
		}
	}

	st := tracker.Snapshot(o.formatResume(), t.ctxLine)
	var text string
	if status == "cancelled" {
		text = render.Progress(st, "cancelled", elapsed)
	} else {
		text = render.Final(st, status, answer, elapsed)
	}
	// Only a final that fits in one message may replace the progress
	// message by a silent in-place edit; anything longer goes out as a
	// fresh notifying send (truncated) and the progress message is
	// deleted instead.
	delivered := false
	if !o.opts.FinalNotify && render.FitsTelegram(text) {
		if _, err := o.opts.Transport.Edit(ctx, progressRef, text,
			transport.EditOptions{Wait: true}); err != nil {
			o.log.Warn("edit final message", "err", err)
		} else {
			delivered = true
		}
	}
	if !delivered {
		ref := in.Ref
		_, err := o.opts.Transport.Send(ctx, ref.ChatID, ref.ThreadID,
			render.TruncateForTelegram(text), transport.SendOptions{
				ReplyTo:   &ref,
				Notify:    true,
				ReplaceID: progressRef.MessageID,
			})
		if err != nil {
			o.log.Error("send final message", "chat", ref.ChatID, "err", err)
		}
	}

	o.recordRun(in, t, completed, errText, status, startedAt, elapsed, tracker)
}

func (o *Orchestrator) recordRun(in transport.Incoming, t turn, completed *event.Completed,
	errText, status string, startedAt time.Time, elapsed time.Duration, tracker *progress.Tracker) {
	if o.opts.History == nil {
		return
	}
	var run history.Run
	if completed != nil {
		run = history.FromCompleted(uuid.NewString(), in.Ref.ChatID, in.Ref.ThreadID,
			t.prompt, *completed, startedAt, startedAt.Add(elapsed))
	} else {
		run = history.Run{
			ID:        uuid.NewString(),
			Engine:    t.engine,
			ChatID:    in.Ref.ChatID,
			ThreadID:  in.Ref.ThreadID,
			Prompt:    t.prompt,
			Ok:        false,
			Error:     errText,
			Duration:  elapsed,
			StartedAt: startedAt,
		}
		if status == "cancelled" {
			run.Error = "cancelled"
		}
		if tok := tracker.Resume(); tok != nil {
			run.Resume = tok.Value
		}
	}
	if err := o.opts.History.Record(run); err != nil {
		o.log.Warn("record run", "err", err)
	}
}
