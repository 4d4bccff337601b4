package gateway

import (
	"regexp"
	"strings"
	"unicode"
)

// e164Pattern is an E.164-ish shape: optional plus, leading non-zero
// digit, 2 to 15 digits total.
var e164Pattern = regexp.MustCompile(`^\+?[1-9][0-9]{1,14}$`)

// SanitizeNumber strips whitespace, dashes and parentheses from a phone
// number, e.g. "+1 (782) 828-2828" becomes "+17828282828".
func SanitizeNumber(number string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || r == '-' || r == '(' || r == ')' {
			return -1
		}

		return r
	}, number)
}

// ValidNumber reports whether a sanitized number is dialable.
func ValidNumber(number string) bool {
	return e164Pattern.MatchString(number)
}
