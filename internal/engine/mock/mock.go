// Package mock is an in-process engine used by tests and for smoke
// checking a bridge deployment without a real agent CLI installed.
package mock

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/telebridge/telebridge/internal/engine"
	"github.com/telebridge/telebridge/internal/event"
	"github.com/telebridge/telebridge/internal/locks"
	"github.com/telebridge/telebridge/internal/runner"
)

const engineName = "mock"

// Options script one mock run.
type Options struct {
	// Answer is the final text; empty echoes the prompt back.
	Answer string
	// ResumeValue pins the session id of fresh runs; empty mints a
	// random one.
	ResumeValue string
	// Actions are replayed between Started and Completed. Completed
	// actions default to ok.
	Actions []event.ActionEvent
	// Delay is an optional pause before each scripted action.
	Delay time.Duration
	// Fail, when non-empty, ends the run with a failed Completed
	// carrying this error text.
	Fail string
}

type Runner struct {
	engine.ResumeSyntax
	locks *locks.Registry
	opts  Options
}

var _ runner.Runner = (*Runner)(nil)

func New(registry *locks.Registry, opts Options) *Runner {
	return &Runner{
		ResumeSyntax: engine.DefaultResumeSyntax(engineName),
		locks:        registry,
		opts:         opts,
	}
}

func (r *Runner) Name() string { return engineName }

func (r *Runner) Run(ctx context.Context, req runner.Request, emit runner.EmitFunc) error {
	if req.Resume != nil && req.Resume.Engine != engineName {
		return engine.ErrResumeEngineMismatch(engineName, req.Resume.Engine)
	}
	token := r.token(req)
	release, err := r.locks.Acquire(ctx, token.Key())
	if err != nil {
		return err
	}
	defer release()

	emit(event.Started{Engine: engineName, Resume: token, Title: engineName})
	for _, act := range r.opts.Actions {
		if r.opts.Delay > 0 {
			select {
			case <-time.After(r.opts.Delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		act.Engine = engineName
		if act.Phase == event.PhaseCompleted && act.Ok == nil {
			act.Ok = event.OK(true)
		}
		emit(act)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.opts.Fail != "" {
		emit(event.Completed{Engine: engineName, Ok: false, Err: r.opts.Fail, Resume: &token})
		return nil
	}
	answer := r.opts.Answer
	if answer == "" {
		answer = req.Prompt
	}
	emit(event.Completed{Engine: engineName, Ok: true, Answer: answer, Resume: &token})
	return nil
}

func (r *Runner) token(req runner.Request) event.ResumeToken {
	if req.Resume != nil {
		return *req.Resume
	}
	value := r.opts.ResumeValue
	if value == "" {
		value = uuid.NewString()
	}
	return event.ResumeToken{Engine: engineName, Value: value}
}
