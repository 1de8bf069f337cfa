package render

import (
	"regexp"
	"strings"
)

// TelegramMarkdownLimit stays below Telegram's 4096-char cap to leave
// headroom for entity expansion.
const TelegramMarkdownLimit = 3500

var uuidRE = regexp.MustCompile(`(?i)\b[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\b`)

// FitsTelegram reports whether text fits in one message untruncated.
func FitsTelegram(text string) bool {
	return runeLen(text) <= TelegramMarkdownLimit
}

// TruncateForTelegram shortens text to the message limit while keeping
// the tail, because that is where the resume line lives. When a resume
// line is found the whole tail from it onward survives; otherwise only
// the last non-empty line is kept and most of the budget goes to the
// head.
func TruncateForTelegram(text string) string {
	return truncate(text, TelegramMarkdownLimit)
}

func truncate(text string, limit int) string {
	if runeLen(text) <= limit {
		return text
	}
	lines := strings.Split(text, "\n")

	tail := ""
	isResumeTail := false
	for i := len(lines) - 1; i >= 0; i-- {
		line := lines[i]
		if strings.Contains(strings.ToLower(line), "resume") && uuidRE.MatchString(line) {
			tail = strings.Join(lines[i:], "\n")
			isResumeTail = true
			break
		}
	}
	if !isResumeTail {
		for i := len(lines) - 1; i >= 0; i-- {
			if strings.TrimSpace(lines[i]) != "" {
				tail = lines[i]
				break
			}
		}
	}

	const sep = "\n…\n"
	maxTail := limit / 4
	if isResumeTail {
		maxTail = limit
	}
	tail = lastRunes(tail, maxTail)

	headBudget := limit - runeLen(sep) - runeLen(tail)
	if headBudget <= 0 {
		return lastRunes(tail, limit)
	}
	head := strings.TrimRight(firstRunes(text, headBudget), " \t\n")
	return firstRunes(head+sep+tail, limit)
}

func runeLen(s string) int { return len([]rune(s)) }

func firstRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

func lastRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[len(runes)-n:])
}
