package worker

import "strings"

// sanitizeComponent maps a spec's full title (or file path) into
// something safe for use as a path component: spaces, colons and path
// separators become underscores, everything else is left alone so the
// directory names stay legible.
func sanitizeComponent(s string) string {
	replacer := strings.NewReplacer(
		"/", "_",
		"\\", "_",
		" ", "_",
		":", "_",
	)
	return replacer.Replace(s)
}
