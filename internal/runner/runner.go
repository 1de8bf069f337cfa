// Package runner executes agent turns. The Subprocess runner spawns an
// engine CLI, feeds its stdout through the engine's translator, and
// guarantees every run ends with exactly one Completed event. Session
// locks keep concurrent turns on the same session from interleaving.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/telebridge/telebridge/internal/engine"
	"github.com/telebridge/telebridge/internal/event"
	"github.com/telebridge/telebridge/internal/locks"
)

// Request is one agent turn.
type Request struct {
	Prompt string
	Resume *event.ResumeToken
	// Dir is the working directory for the subprocess.
	Dir string
}

// EmitFunc receives translated events in stream order.
type EmitFunc func(event.Event)

// Runner drives one engine. Implementations must emit Started before
// any actions and exactly one Completed per successful Run; an error
// return means the stream never terminated cleanly.
type Runner interface {
	Name() string
	engine.Resumer
	Run(ctx context.Context, req Request, emit EmitFunc) error
}

// Subprocess runs an engine.Backend as a child process.
type Subprocess struct {
	backend engine.Backend
	locks   *locks.Registry
	log     *slog.Logger

	// GraceTimeout is how long a cancelled subprocess gets between
	// SIGTERM and SIGKILL.
	GraceTimeout time.Duration
}

func NewSubprocess(backend engine.Backend, registry *locks.Registry, log *slog.Logger) *Subprocess {
	if log == nil {
		log = slog.Default()
	}
	return &Subprocess{
		backend:      backend,
		locks:        registry,
		log:          log.With("engine", backend.Name()),
		GraceTimeout: 2 * time.Second,
	}
}

func (s *Subprocess) Name() string { return s.backend.Name() }

func (s *Subprocess) FormatResume(token event.ResumeToken) string {
	return s.backend.FormatResume(token)
}

func (s *Subprocess) ExtractResume(text string) (event.ResumeToken, bool) {
	return s.backend.ExtractResume(text)
}

func (s *Subprocess) IsResumeLine(line string) bool {
	return s.backend.IsResumeLine(line)
}

// Run spawns the CLI and pumps its stream. Resumed runs take the
// session lock up front; fresh runs take it the moment the engine
// announces its session id, before Started is emitted downstream.
func (s *Subprocess) Run(ctx context.Context, req Request, emit EmitFunc) error {
	name := s.backend.Name()
	if req.Resume != nil && req.Resume.Engine != name {
		return engine.ErrResumeEngineMismatch(name, req.Resume.Engine)
	}

	release := func() {}
	if req.Resume != nil {
		rel, err := s.locks.Acquire(ctx, req.Resume.Key())
		if err != nil {
			return err
		}
		release = rel
	}
	defer func() { release() }()

	inv := s.backend.Command(req.Prompt, req.Resume)
	proc, err := startProcess(inv, req.Dir)
	if err != nil {
		return fmt.Errorf("start %s: %w", name, err)
	}
	defer proc.cleanup(s.GraceTimeout)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			proc.terminate(s.GraceTimeout)
		case <-stop:
		}
	}()

	st := &runState{
		translator: s.backend.NewTranslator(),
		resume:     req.Resume,
	}
	scanErr := s.pump(ctx, proc, st, emit, &release)

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if scanErr != nil {
		proc.terminate(s.GraceTimeout)
		proc.wait()
		return fmt.Errorf("read %s stream: %w", name, scanErr)
	}

	rc := proc.wait()
	if st.completed {
		if st.dropped > 0 {
			s.log.Warn("dropped trailing output after completion", "lines", st.dropped)
		}
		return nil
	}
	var tail []event.Event
	if rc != 0 {
		s.log.Warn("subprocess failed", "rc", rc, "stderr", proc.stderrTail())
		tail = st.translator.ProcessError(rc, st.resume, st.found)
	} else {
		tail = st.translator.StreamEnd(st.resume, st.found)
	}
	for _, evt := range tail {
		emit(s.patch(st, evt))
	}
	return nil
}

type runState struct {
	translator engine.Translator
	resume     *event.ResumeToken
	found      *event.ResumeToken
	completed  bool
	dropped    int
}

func (s *Subprocess) pump(ctx context.Context, proc *process, st *runState, emit EmitFunc, release *func()) error {
	for proc.scan() {
		line := proc.line()
		if len(line) == 0 {
			continue
		}
		if st.completed {
			st.dropped++
			continue
		}
		events, err := st.translator.Translate(line)
		if err != nil {
			events = st.translator.InvalidLine(line)
		}
		for _, evt := range events {
			switch e := evt.(type) {
			case event.Started:
				keep, err := s.noteStarted(ctx, st, e, release)
				if err != nil {
					return err
				}
				if keep {
					emit(e)
				}
			case event.Completed:
				st.completed = true
				emit(s.patch(st, e))
			default:
				emit(evt)
			}
		}
	}
	return proc.scanErr()
}

// noteStarted enforces the session-id policy: a resumed run must see
// its own id back, a fresh run adopts the first id it sees and takes
// the session lock, and an exact duplicate is dropped.
func (s *Subprocess) noteStarted(ctx context.Context, st *runState, e event.Started, release *func()) (bool, error) {
	name := s.backend.Name()
	if st.resume != nil {
		if e.Resume != *st.resume {
			return false, fmt.Errorf("%s emitted session id %q but expected %q", name, e.Resume.Value, st.resume.Value)
		}
		if st.found != nil {
			return false, nil
		}
		st.found = &e.Resume
		return true, nil
	}
	if st.found != nil {
		if e.Resume == *st.found {
			return false, nil
		}
		return false, fmt.Errorf("%s emitted session id %q after %q", name, e.Resume.Value, st.found.Value)
	}
	rel, err := s.locks.Acquire(ctx, e.Resume.Key())
	if err != nil {
		return false, err
	}
	*release = rel
	st.found = &e.Resume
	return true, nil
}

// patch backfills a missing resume token on Completed so callers can
// always print a resume line, even when the engine died early.
func (s *Subprocess) patch(st *runState, evt event.Event) event.Event {
	done, ok := evt.(event.Completed)
	if !ok || done.Resume != nil {
		return evt
	}
	if st.found != nil {
		done.Resume = st.found
	} else if st.resume != nil {
		done.Resume = st.resume
	}
	return done
}
