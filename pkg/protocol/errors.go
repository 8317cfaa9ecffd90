package protocol

import (
	"fmt"
	"strings"
)

// maxNameLen bounds recipient and session identifiers used as path components.
const maxNameLen = 128

// NameError reports an identifier that cannot safely be used as a single
// path component.
type NameError struct {
	Kind   string // "recipient", "session", ...
	Name   string
	Reason string
}

func (e *NameError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Kind, e.Name, e.Reason)
}

// ValidateName checks that name is usable as one path component: non-empty,
// at most 128 bytes, no separators or NUL, not "." or "..", and no leading dot.
func ValidateName(kind, name string) error {
	switch {
	case name == "":
		return &NameError{Kind: kind, Name: name, Reason: "empty"}
	case len(name) > maxNameLen:
		return &NameError{Kind: kind, Name: name, Reason: "too long"}
	case strings.ContainsAny(name, `/\`+"\x00"):
		return &NameError{Kind: kind, Name: name, Reason: "contains a path separator"}
	case name == "." || name == "..":
		return &NameError{Kind: kind, Name: name, Reason: "reserved"}
	case strings.HasPrefix(name, "."):
		return &NameError{Kind: kind, Name: name, Reason: "leading dot"}
	}
	return nil
}

// NormalizeName lowercases a free-form agent or target name and collapses
// runs of whitespace, dashes, and underscores to single dashes so that
// "Lead Coder", "lead_coder", and "lead-coder" compare equal.
func NormalizeName(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch r {
		case ' ', '\t', '-', '_':
			if !dash && b.Len() > 0 {
				b.WriteByte('-')
				dash = true
			}
		default:
			b.WriteRune(r)
			dash = false
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
