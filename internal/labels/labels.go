// Package labels turns the user's class text into the session vocabulary
// and assigns each class a display color.
package labels

import "strings"

// Parse splits a comma-separated class list into an ordered label set.
// Entries are trimmed and empty entries are dropped. Duplicates are kept.
// Empty or whitespace-only input yields an empty, non-nil slice.
func Parse(text string) []string {
	parts := strings.Split(text, ",")
	result := make([]string, 0, len(parts))

	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		result = append(result, p)
	}

	return result
}
