package orchestrator

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/telebridge/telebridge/internal/state"
)

// directives are the leading first-line tokens of a prompt: /engine,
// /project and @branch overrides. Parsing stops at the first ordinary
// word; everything from there on is the prompt.
type directives struct {
	engine  string
	project string
	branch  string
	prompt  string
}

func (o *Orchestrator) parseDirectives(text string) (directives, error) {
	var d directives
	line, rest, _ := strings.Cut(text, "\n")

	engines := map[string]bool{}
	for _, name := range o.opts.Router.Names() {
		engines[name] = true
	}

	fields := strings.Fields(line)
	consumed := 0
	for _, tok := range fields {
		if name, ok := strings.CutPrefix(tok, "/"); ok && name != "" {
			switch {
			case engines[name]:
				if d.engine != "" {
					return d, fmt.Errorf("more than one engine directive: /%s and /%s", d.engine, name)
				}
				d.engine = name
			case o.opts.Projects[name] != "":
				if d.project != "" {
					return d, fmt.Errorf("more than one project directive: /%s and /%s", d.project, name)
				}
				d.project = name
			default:
				return d, fmt.Errorf("unknown directive %q; see /help", tok)
			}
			consumed++
			continue
		}
		if branch, ok := strings.CutPrefix(tok, "@"); ok && branch != "" {
			if d.branch != "" {
				return d, fmt.Errorf("more than one branch directive: @%s and @%s", d.branch, branch)
			}
			d.branch = branch
			consumed++
			continue
		}
		break
	}

	remainder := strings.Join(fields[consumed:], " ")
	d.prompt = strings.TrimSpace(remainder + "\n" + rest)
	return d, nil
}

// ctxLineRE matches the footer context line a final message carries, so
// replying to one inherits its project binding.
var ctxLineRE = regexp.MustCompile("`ctx: ([^`@]+?)(?: @ ([^`]+))?`")

func parseContextLine(text string) (state.Context, bool) {
	m := ctxLineRE.FindStringSubmatch(text)
	if m == nil {
		return state.Context{}, false
	}
	return state.Context{
		Project: strings.TrimSpace(m[1]),
		Branch:  strings.TrimSpace(m[2]),
	}, true
}
