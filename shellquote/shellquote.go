// Package shellquote implements single-quote escaping for embedding
// arbitrary byte-clean strings into generated POSIX shell scripts
// (spec.md §4.2). It has no dependency on anything else in coldstow so it
// can be property-tested in isolation.
package shellquote

import "strings"

// Quote returns s wrapped in single quotes with every embedded single quote
// replaced by '\'' (close quote, escaped quote, reopen quote). The result,
// substituted into a POSIX shell command line, expands back to exactly s
// regardless of $, backticks, backslashes, globs or newlines it contains.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('\'')
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' {
			b.WriteString(`'\''`)
		} else {
			b.WriteByte(s[i])
		}
	}
	b.WriteByte('\'')
	return b.String()
}

// QuoteAll quotes every element of args, useful when building an argv for
// a generated script line.
func QuoteAll(args []string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = Quote(a)
	}
	return out
}
