package plugin

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Match reports whether a rule pattern matches the file. Absolute patterns
// are matched against the whole path, others against the file name only.
// Matching is case-insensitive and accepts both slash kinds.
func Match(pattern, path string) bool {
	p := strings.ToLower(strings.ReplaceAll(pattern, `\`, "/"))
	target := strings.ToLower(strings.ReplaceAll(path, `\`, "/"))
	if !IsAbsolutePattern(pattern) {
		target = baseName(target)
	}
	ok, err := doublestar.Match(p, target)
	return err == nil && ok
}

// IsAbsolutePattern recognizes unix absolute paths, drive letter paths and
// UNC paths.
func IsAbsolutePattern(pattern string) bool {
	switch {
	case strings.HasPrefix(pattern, "/"), strings.HasPrefix(pattern, `\\`):
		return true
	case len(pattern) >= 3 && pattern[1] == ':' && (pattern[2] == '\\' || pattern[2] == '/'):
		c := pattern[0] | 0x20
		return c >= 'a' && c <= 'z'
	default:
		return false
	}
}

// baseName returns the file name for both slash kinds
func baseName(path string) string {
	if i := strings.LastIndexAny(path, `/\`); i >= 0 {
		return path[i+1:]
	}
	return path
}

// winningRule scans the rules from the last declared one, the first match wins
func winningRule(path string, rules []Rule) (Rule, bool) {
	for i := len(rules) - 1; i >= 0; i-- {
		if Match(rules[i].Pattern, path) {
			return rules[i], true
		}
	}
	return Rule{}, false
}
