package typing

import (
	"fmt"
	"strings"
)

// maxNamedTypists is how many names FormatIndicator spells out before
// collapsing the rest into a count.
const maxNamedTypists = 3

// FormatIndicator renders the human-readable line shown under a
// conversation, or "" when nobody is typing.
func FormatIndicator(names []string) string {
	switch n := len(names); {
	case n == 0:
		return ""
	case n == 1:
		return names[0] + " is typing…"
	case n <= maxNamedTypists:
		return strings.Join(names[:n-1], ", ") + " and " + names[n-1] + " are typing…"
	default:
		shown := names[:maxNamedTypists-1]
		return fmt.Sprintf("%s and %d others are typing…", strings.Join(shown, ", "), n-len(shown))
	}
}
