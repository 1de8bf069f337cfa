// Package scheduler queues follow-up turns behind the session's
// current run. A reply to a running task waits for that run to finish,
// then runs; multiple replies run in arrival order.
package scheduler

import (
	"sync"

	"github.com/telebridge/telebridge/internal/event"
)

// Job is one queued turn. It blocks until the turn finishes.
type Job func()

type Scheduler struct {
	mu sync.Mutex
	// busy maps a session key to the done channel of its live run.
	busy    map[string]<-chan struct{}
	pending map[string][]Job
	active  map[string]bool
}

func New() *Scheduler {
	return &Scheduler{
		busy:    map[string]<-chan struct{}{},
		pending: map[string][]Job{},
		active:  map[string]bool{},
	}
}

// NoteRunning records that a fresh run now owns the session, so queued
// follow-ups wait for done before starting. A later call for the same
// session replaces the previous done channel.
func (s *Scheduler) NoteRunning(token event.ResumeToken, done <-chan struct{}) {
	key := token.Key()
	s.mu.Lock()
	s.busy[key] = done
	s.mu.Unlock()
	go func() {
		<-done
		s.mu.Lock()
		if s.busy[key] == done {
			delete(s.busy, key)
		}
		s.mu.Unlock()
	}()
}

// Enqueue queues job behind the session's current run and any earlier
// queued jobs.
func (s *Scheduler) Enqueue(token event.ResumeToken, job Job) {
	key := token.Key()
	s.mu.Lock()
	s.pending[key] = append(s.pending[key], job)
	if !s.active[key] {
		s.active[key] = true
		go s.work(key)
	}
	s.mu.Unlock()
}

func (s *Scheduler) work(key string) {
	for {
		s.mu.Lock()
		done := s.busy[key]
		queue := s.pending[key]
		if len(queue) == 0 {
			delete(s.active, key)
			delete(s.pending, key)
			s.mu.Unlock()
			return
		}
		job := queue[0]
		s.pending[key] = queue[1:]
		s.mu.Unlock()

		if done != nil {
			<-done
		}
		job()
	}
}
