package engine

import "unicode/utf8"

// Preview clips s to at most limit bytes for action detail, backing up
// so a multi-byte rune is never split at the cut.
func Preview(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit]
}
