package threading

import (
	"strings"
	"unicode"
)

// NormalizeMessageID returns the canonical form of a Message-ID token:
// angle brackets and whitespace removed, lowercased. Empty input yields "".
func NormalizeMessageID(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "<")
	s = strings.TrimSuffix(s, ">")
	s = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return unicode.ToLower(r)
	}, s)
	return s
}

// ParseMessageIDList extracts the canonical ids from a References-style header value,
// preserving their order. Bracketed tokens are preferred; a value with no brackets
// is split on whitespace and commas.
func ParseMessageIDList(header string) []string {
	var out []string
	rest := header
	for {
		start := strings.IndexByte(rest, '<')
		if start < 0 {
			break
		}
		end := strings.IndexByte(rest[start:], '>')
		if end < 0 {
			break
		}
		if id := NormalizeMessageID(rest[start : start+end+1]); id != "" {
			out = append(out, id)
		}
		rest = rest[start+end+1:]
	}
	if len(out) > 0 {
		return out
	}

	for _, field := range strings.FieldsFunc(header, func(r rune) bool {
		return unicode.IsSpace(r) || r == ','
	}) {
		if id := NormalizeMessageID(field); id != "" {
			out = append(out, id)
		}
	}
	return out
}
