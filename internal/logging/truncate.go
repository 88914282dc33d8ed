package logging

import "fmt"

// MaxLogFieldLength caps free-form values such as raw provider responses.
const MaxLogFieldLength = 512

// Truncate shortens s to MaxLogFieldLength characters.
func Truncate(s string) string {
	return TruncateN(s, MaxLogFieldLength)
}

// TruncateN shortens s to n bytes and marks the cut with "...".
func TruncateN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// TruncateSlice keeps the first maxItems entries and summarises the rest.
func TruncateSlice(items []string, maxItems int) []string {
	if len(items) <= maxItems {
		return items
	}
	out := make([]string, 0, maxItems+1)
	out = append(out, items[:maxItems]...)
	return append(out, fmt.Sprintf("... and %d more", len(items)-maxItems))
}
