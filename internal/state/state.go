// Package state persists session and topic bookkeeping as small JSON
// files next to the config. Files are reloaded when their mtime moves
// so a hand edit between runs is picked up, and written atomically via
// a rename.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

type versioned interface {
	version() int
}

// jsonFile owns one state file. T is the full on-disk payload.
type jsonFile[T versioned] struct {
	path  string
	log   *slog.Logger
	empty func() T

	mu     sync.Mutex
	data   T
	loaded bool
	mtime  int64
}

func newJSONFile[T versioned](path string, log *slog.Logger, empty func() T) *jsonFile[T] {
	if log == nil {
		log = slog.Default()
	}
	return &jsonFile[T]{path: path, log: log, empty: empty}
}

// view runs fn against fresh data without persisting.
func (f *jsonFile[T]) view(fn func(T)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reload()
	fn(f.data)
}

// update runs fn against fresh data and persists the result.
func (f *jsonFile[T]) update(fn func(T)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reload()
	fn(f.data)
	return f.save()
}

func (f *jsonFile[T]) reload() {
	info, err := os.Stat(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		if !f.loaded {
			f.data = f.empty()
			f.loaded = true
		}
		return
	}
	if err != nil {
		f.log.Warn("stat state file", "path", f.path, "err", err)
		if !f.loaded {
			f.data = f.empty()
			f.loaded = true
		}
		return
	}
	mtime := info.ModTime().UnixNano()
	if f.loaded && mtime == f.mtime {
		return
	}
	f.data = f.empty()
	f.loaded = true
	f.mtime = mtime

	raw, err := os.ReadFile(f.path)
	if err != nil {
		f.log.Warn("read state file", "path", f.path, "err", err)
		return
	}
	fresh := f.empty()
	if err := json.Unmarshal(raw, &fresh); err != nil {
		f.log.Warn("corrupt state file, starting empty", "path", f.path, "err", err)
		return
	}
	if fresh.version() != f.empty().version() {
		f.log.Warn("state file version mismatch, starting empty",
			"path", f.path, "version", fresh.version())
		return
	}
	f.data = fresh
}

func (f *jsonFile[T]) save() error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	raw, err := json.MarshalIndent(f.data, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	raw = append(raw, '\n')
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("replace state: %w", err)
	}
	if info, err := os.Stat(f.path); err == nil {
		f.mtime = info.ModTime().UnixNano()
	}
	return nil
}
