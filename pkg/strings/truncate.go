package strings

import (
	"strings"
	"unicode/utf8"
)

// DefaultSnippetLen is the default maximum length of response-body snippets
// attached to pipeline errors and printed by the CLI.
const DefaultSnippetLen = 200

// MinSnippetLen is the smallest useful snippet: one character plus "...".
const MinSnippetLen = 4

// Snippet collapses whitespace in s to single spaces and truncates it to maxLen
// runes, appending "..." when truncated. maxLen below MinSnippetLen is clamped.
func Snippet(s string, maxLen int) string {
	if maxLen < MinSnippetLen {
		maxLen = MinSnippetLen
	}

	s = strings.Join(strings.Fields(s), " ")

	runes := []rune(s)
	if len(runes) > maxLen {
		return string(runes[:maxLen-3]) + "..."
	}
	return s
}

// BodySnippet is Snippet for raw response bodies. Bodies that are not valid
// UTF-8 are reported by size only.
func BodySnippet(body []byte, maxLen int) string {
	if len(body) == 0 {
		return ""
	}
	if !utf8.Valid(body) {
		return "<binary body>"
	}
	return Snippet(string(body), maxLen)
}
