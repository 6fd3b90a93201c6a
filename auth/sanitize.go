package auth

import (
	"strings"
	"unicode"
)

const maxDescriptionLength = 200

// sanitize drops control characters and bounds the length of values that
// come straight from the callback request.
func sanitize(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) || r == unicode.ReplacementChar {
			return -1
		}
		return r
	}, s)
	s = strings.TrimSpace(s)

	runes := []rune(s)
	if len(runes) > maxDescriptionLength {
		return string(runes[:maxDescriptionLength])
	}
	return s
}
