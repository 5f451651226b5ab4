package sanitize

import (
	"strings"
	"unicode"
)

// Title sanitizes a terminal title by removing control characters
// and limiting the length.
func Title(s string, maxLen int) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsControl(r) {
			continue
		}
		if b.Len() >= maxLen {
			break
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}

// ControlChars strips control characters (keeping newlines and tabs,
// which are meaningful in message bodies) without truncating.
func ControlChars(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// WordBoundary truncates s to at most maxLen runes, breaking at the
// last whitespace boundary before the limit rather than mid-word, and
// appending "..." when truncation occurred. Used for message summary
// generation (spec §3.1: "word-boundary truncation").
func WordBoundary(s string, maxLen int) string {
	runes := []rune(strings.TrimSpace(s))
	if len(runes) <= maxLen {
		return string(runes)
	}
	cut := maxLen
	for cut > 0 && !unicode.IsSpace(runes[cut]) {
		cut--
	}
	if cut == 0 {
		// No whitespace found; hard-truncate.
		cut = maxLen
	}
	return strings.TrimSpace(string(runes[:cut])) + "..."
}
