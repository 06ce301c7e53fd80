package tgui

import (
	"strconv"
	"strings"
	"unicode/utf8"
)

// TruncRunes returns s cut to at most n runes, the last one being "…" when
// anything was dropped.
func TruncRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	count := 0
	for i := range s {
		if count == n-1 {
			return s[:i] + "…"
		}
		count++
	}
	return s
}

// Names lists up to max names joined by ", " and summarizes the rest,
// e.g. "Ada, Grace and 3 others". max <= 0 lists everything.
func Names(names []string, max int) string {
	if max <= 0 || len(names) <= max {
		return strings.Join(names, ", ")
	}
	rest := len(names) - max
	other := " others"
	if rest == 1 {
		other = " other"
	}
	return strings.Join(names[:max], ", ") + " and " + strconv.Itoa(rest) + other
}
