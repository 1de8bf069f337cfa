package engine

import (
	"fmt"
	"regexp"

	"github.com/telebridge/telebridge/internal/event"
)

// ResumeSyntax implements Resumer for the common
//
//	`<engine> resume <token>`
//
// line shape. Engines with a different CLI flag supply their own
// pattern and format string.
type ResumeSyntax struct {
	engine  string
	pattern *regexp.Regexp
	format  string
}

// NewResumeSyntax builds a Resumer from a pattern with a single
// capturing group for the token and a fmt string with one %s verb.
func NewResumeSyntax(engine string, pattern *regexp.Regexp, format string) ResumeSyntax {
	return ResumeSyntax{engine: engine, pattern: pattern, format: format}
}

// DefaultResumeSyntax matches `<engine> resume <token>` lines.
func DefaultResumeSyntax(engine string) ResumeSyntax {
	pattern := regexp.MustCompile(
		`(?im)^\s*` + "`?" + regexp.QuoteMeta(engine) + `\s+resume\s+([^` + "`" + `\s]+)` + "`?" + `\s*$`,
	)
	return NewResumeSyntax(engine, pattern, "`"+engine+" resume %s`")
}

func (s ResumeSyntax) FormatResume(token event.ResumeToken) string {
	if token.Engine != s.engine {
		return ""
	}
	return fmt.Sprintf(s.format, token.Value)
}

func (s ResumeSyntax) ExtractResume(text string) (event.ResumeToken, bool) {
	if text == "" {
		return event.ResumeToken{}, false
	}
	matches := s.pattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return event.ResumeToken{}, false
	}
	// Last match wins.
	value := matches[len(matches)-1][1]
	if value == "" {
		return event.ResumeToken{}, false
	}
	return event.ResumeToken{Engine: s.engine, Value: value}, true
}

func (s ResumeSyntax) IsResumeLine(line string) bool {
	return s.pattern.MatchString(line)
}
