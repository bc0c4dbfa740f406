// Package transient holds the single shared table of error substrings that
// classify a step failure as transient, consulted by both the step
// execution path and the Observer's deterministic rule tree.
package transient

import "strings"

// indicators intentionally includes both "timeout" and "timed out", and
// both "connection" and "ECONNREFUSED": the table is an explicit list
// rather than a derived one, and both spellings occur in the wild.
var indicators = []string{
	"timeout",
	"timed out",
	"rate limit",
	"temporary",
	"try again",
	"503",
	"429",
	"connection",
	"ECONNREFUSED",
}

// Is reports whether msg should be classified as a transient error: one
// retry-worthy rather than a permanent failure.
func Is(msg string) bool {
	lower := strings.ToLower(msg)
	for _, ind := range indicators {
		if strings.Contains(lower, strings.ToLower(ind)) {
			return true
		}
	}
	return false
}

// Indicators returns a copy of the indicator table, for tests that want to
// assert exhaustiveness against it.
func Indicators() []string {
	out := make([]string, len(indicators))
	copy(out, indicators)
	return out
}
