package reliability

import (
	"strings"
	"unicode/utf8"
)

// Truncate collapses whitespace and bounds s to limit runes, appending an
// ellipsis when cut. A non-positive limit leaves s untouched.
func Truncate(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	if limit <= 3 {
		return string([]rune(s)[:limit])
	}
	return string([]rune(s)[:limit-3]) + "..."
}

// MaskEmail hides most of an address for logging
func MaskEmail(s string) string {
	s = strings.TrimSpace(s)
	at := strings.IndexByte(s, '@')
	if at <= 0 || at == len(s)-1 {
		return s
	}
	mask := func(part string) string {
		if len(part) <= 1 {
			return "*"
		}
		return part[:1] + strings.Repeat("*", len(part)-2) + part[len(part)-1:]
	}
	domain := strings.Split(s[at+1:], ".")
	for i := range domain {
		domain[i] = mask(domain[i])
	}
	return mask(s[:at]) + "@" + strings.Join(domain, ".")
}
