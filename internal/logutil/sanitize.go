// Package logutil keeps remote-sourced text safe to log. Script output and
// stderr from the sandbox are attacker-adjacent input: a newline in them
// would let a script forge log entries.
package logutil

import "strings"

// Sanitize flattens newlines and strips control characters so the value
// occupies exactly one log line.
func Sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			return ' '
		case r < 32:
			return -1
		default:
			return r
		}
	}, s)
}

// Truncate caps a sanitized value for log output, marking the cut.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}
