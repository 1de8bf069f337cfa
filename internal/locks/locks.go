// Package locks serializes runs that share a session. Each agent
// session may have at most one live subprocess; concurrent turns for
// the same resume token queue up behind the lock.
package locks

import (
	"context"
	"sync"
)

// Registry hands out one mutex per session key and forgets keys once
// nobody holds or waits on them.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	ch   chan struct{}
	refs int
}

func NewRegistry() *Registry {
	return &Registry{entries: map[string]*entry{}}
}

// Acquire blocks until the key's lock is held or ctx is done. The
// returned release func must be called exactly once.
func (r *Registry) Acquire(ctx context.Context, key string) (func(), error) {
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		r.entries[key] = e
	}
	e.refs++
	r.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		r.unref(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			<-e.ch
			r.unref(key, e)
		})
	}
	return release, nil
}

// Held reports whether someone currently holds or waits on the key.
// Used by tests and the debug API.
func (r *Registry) Held(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[key]
	return ok
}

func (r *Registry) unref(key string, e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(r.entries, key)
	}
}
