package runner

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/telebridge/telebridge/internal/event"
)

// Bare `resume: <uuid>` lines name no engine; they belong to the
// router's default engine.
var bareResumeRE = regexp.MustCompile(`(?im)^\s*resume\s*:\s*` + "`?" +
	`([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})` + "`?" + `\s*$`)

// Entry is one registered engine. Unavailable engines stay listed so
// /help can explain why they cannot be used.
type Entry struct {
	Runner    Runner
	Available bool
	// Issue says why the engine is unavailable, e.g. a missing binary.
	Issue string
}

// Router maps engine names and resume tokens to runners.
type Router struct {
	entries       map[string]*Entry
	order         []string
	defaultEngine string
}

func NewRouter(defaultEngine string) *Router {
	return &Router{entries: map[string]*Entry{}, defaultEngine: defaultEngine}
}

func (r *Router) Add(run Runner, available bool, issue string) {
	name := run.Name()
	if _, dup := r.entries[name]; !dup {
		r.order = append(r.order, name)
	}
	r.entries[name] = &Entry{Runner: run, Available: available, Issue: issue}
}

// Validate fails when the default engine is missing or unusable;
// other unavailable engines are tolerated.
func (r *Router) Validate() error {
	e, ok := r.entries[r.defaultEngine]
	if !ok {
		return fmt.Errorf("default engine %q is not configured", r.defaultEngine)
	}
	if !e.Available {
		return fmt.Errorf("default engine %q is unavailable: %s", r.defaultEngine, e.Issue)
	}
	return nil
}

func (r *Router) Default() string { return r.defaultEngine }

// Names returns the registered engine names in registration order.
func (r *Router) Names() []string {
	return append([]string(nil), r.order...)
}

// Available returns the usable engine names, sorted.
func (r *Router) Available() []string {
	var names []string
	for name, e := range r.entries {
		if e.Available {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// EntryFor resolves an engine by name; the empty name means the
// default engine.
func (r *Router) EntryFor(name string) (*Entry, error) {
	if name == "" {
		name = r.defaultEngine
	}
	e, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("unknown engine %q", name)
	}
	if !e.Available {
		return nil, fmt.Errorf("engine %q is unavailable: %s", name, e.Issue)
	}
	return e, nil
}

// RunnerFor resolves a resume token to its engine's runner.
func (r *Router) RunnerFor(token event.ResumeToken) (Runner, error) {
	e, err := r.EntryFor(token.Engine)
	if err != nil {
		return nil, err
	}
	return e.Runner, nil
}

// ResolveResume scans the prompt, then the replied-to text, for a
// resume line of any registered engine.
func (r *Router) ResolveResume(text, reply string) (event.ResumeToken, bool) {
	for _, source := range []string{text, reply} {
		if source == "" {
			continue
		}
		for _, name := range r.order {
			if token, ok := r.entries[name].Runner.ExtractResume(source); ok {
				return token, true
			}
		}
		if value, ok := extractBareResume(source); ok {
			return event.ResumeToken{Engine: r.defaultEngine, Value: value}, true
		}
	}
	return event.ResumeToken{}, false
}

func extractBareResume(text string) (string, bool) {
	matches := bareResumeRE.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return "", false
	}
	return matches[len(matches)-1][1], true
}

// IsResumeLine reports whether any engine claims the line.
func (r *Router) IsResumeLine(line string) bool {
	for _, name := range r.order {
		if r.entries[name].Runner.IsResumeLine(line) {
			return true
		}
	}
	return bareResumeRE.MatchString(line)
}

// StripResumeLines removes resume lines from a prompt so the agent
// never sees its own session bookkeeping.
func (r *Router) StripResumeLines(text string) string {
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if r.IsResumeLine(line) {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

// FormatResume renders the resume line using the owning engine's
// syntax; unknown engines render nothing.
func (r *Router) FormatResume(token event.ResumeToken) string {
	e, ok := r.entries[token.Engine]
	if !ok {
		return ""
	}
	return e.Runner.FormatResume(token)
}
