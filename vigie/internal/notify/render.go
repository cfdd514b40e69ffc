package notify

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// fitLines keeps whole lines of text while measure(kept) stays within limit
// runes, and appends a marker for what was cut. measure is the rendered
// length of a line (escaping may grow it); nil measures the line itself.
func fitLines(text string, limit int, measure func(string) string) string {
	if measure == nil {
		measure = func(s string) string { return s }
	}
	if utf8.RuneCountInString(measure(text)) <= limit {
		return text
	}
	lines := strings.Split(text, "\n")
	const reserve = 32 // room for the marker
	var kept []string
	used := 0
	for i, l := range lines {
		n := utf8.RuneCountInString(measure(l)) + 1
		if used+n > limit-reserve {
			kept = append(kept, fmt.Sprintf("... (%d more lines)", len(lines)-i))
			break
		}
		kept = append(kept, l)
		used += n
	}
	return strings.Join(kept, "\n")
}

// summary is the plain-text body shared by chat-style renderers.
func summary(ev *Event) string {
	switch ev.Kind {
	case KindChanged:
		if ev.Diff != nil {
			return fmt.Sprintf("%s\n+%d -%d lines", ev.URL, ev.Diff.Added, ev.Diff.Removed)
		}
		return ev.URL
	case KindFailed:
		return fmt.Sprintf("%s\n%s", ev.URL, ev.Reason)
	case KindStartup:
		var sb strings.Builder
		sb.WriteString("Started watching the following URLs:")
		for _, u := range ev.URLs {
			sb.WriteString("\n- ")
			sb.WriteString(u)
		}
		return sb.String()
	}
	return ""
}
