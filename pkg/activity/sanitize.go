package activity

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// Redacted replaces the value of every sensitive key.
const Redacted = "[REDACTED]"

// maxDepth caps recursion into nested payloads.
const maxDepth = 8

var sensitiveKey = regexp.MustCompile(`(?i)(api[_-]?key|password|passwd|secret|token|authorization|cookie|private[_-]?key)`)

// Sanitize returns a copy of payload safe to persist: sensitive keys are
// redacted, strings longer than maxStringLen runes are truncated with a
// marker, and nesting deeper than maxDepth is replaced by a placeholder.
// Values that are not JSON-shaped are first converted through encoding/json.
func Sanitize(payload any, maxStringLen int) any {
	return sanitize(normalize(payload), maxStringLen, 0)
}

func normalize(v any) any {
	switch v.(type) {
	case nil, string, bool, float64, int, int64, map[string]any, []any:
		return v
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return string(data)
	}
	return out
}

func sanitize(v any, maxLen, depth int) any {
	if depth > maxDepth {
		return "[MAX_DEPTH]"
	}
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if sensitiveKey.MatchString(k) {
				out[k] = Redacted
				continue
			}
			out[k] = sanitize(normalize(val), maxLen, depth+1)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = sanitize(normalize(val), maxLen, depth+1)
		}
		return out
	case string:
		return truncate(t, maxLen)
	default:
		return v
	}
}

func truncate(s string, maxLen int) string {
	if maxLen <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen]) + fmt.Sprintf("…[truncated %d chars]", len(r)-maxLen)
}
