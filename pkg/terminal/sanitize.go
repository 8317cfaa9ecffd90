package terminal

import (
	"strings"
	"unicode"
)

// controlTriggers switch an agent TUI into another mode (slash commands,
// shell escapes, memory notes, mentions, quoting) when typed first.
const controlTriggers = "/!#@>"

// shellMeta are characters that would be interpreted if the text ever
// reached a shell.
const shellMeta = ";|&$`<>\\"

// Sanitize strips leading control triggers, whitespace, and control
// characters from payload and drops any other control characters except
// newline and tab. It reports whether shell metacharacters remain.
func Sanitize(payload string) (string, bool) {
	trimmed := strings.TrimLeftFunc(payload, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsControl(r) || strings.ContainsRune(controlTriggers, r)
	})
	clean := strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if r == '\r' {
			return '\n'
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, trimmed)
	return clean, strings.ContainsAny(clean, shellMeta)
}
