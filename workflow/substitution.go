package workflow

import (
	"fmt"
	"regexp"
	"strings"
)

var placeholderPattern = regexp.MustCompile(`\{(\w+(?:\.\w+)*)\}`)

// errorLikePatterns are substrings that mark a resolved value as an
// upstream failure rather than real data. Preserve this list verbatim —
// Design Note "Error sanitization in templates" calls it load-bearing:
// without it, a failed step's raw output flows straight into the next
// step's LLM prompt and the failure cascades silently.
var errorLikePatterns = []string{
	"error processing",
	"query complexity exceeded",
	"recursion limit",
	"failed to",
	"error:",
}

// Substitute replaces `{name}` / `{name.dotted.path}` placeholders in text
// with values resolved from vars. A path that doesn't resolve is left
// untouched (the literal placeholder survives — substitution_unresolved's
// "placeholder kept" semantics). A resolved value that looks like an error
// is replaced by a sentinel so it
// never propagates into a downstream prompt.
func Substitute(text string, vars map[string]any) string {
	if text == "" {
		return text
	}
	return placeholderPattern.ReplaceAllStringFunc(text, func(match string) string {
		path := placeholderPattern.FindStringSubmatch(match)[1]
		value, ok := resolvePath(vars, path)
		if !ok {
			return match
		}
		rendered := stringifyValue(value)
		if looksLikeError(rendered) {
			return fmt.Sprintf("[Previous step failed: %s]", path)
		}
		return rendered
	})
}

func looksLikeError(s string) bool {
	lower := strings.ToLower(s)
	for _, pattern := range errorLikePatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

func resolvePath(vars map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = vars
	for _, part := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[part]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

func stringifyValue(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
