package validation

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Currency codes: lowercase ticker, letters and digits only.
var currencyRe = regexp.MustCompile(`^[a-z][a-z0-9]{1,11}$`)

const (
	MaxActorIDLen = 128
	MaxReasonLen  = 1000
	MaxTitleLen   = 200
)

func IsValidCurrency(currency string) bool {
	return currencyRe.MatchString(currency)
}

// IsValidActorID accepts opaque party identifiers issued upstream:
// - not empty
// - at most MaxActorIDLen bytes
// - no whitespace or control characters
func IsValidActorID(id string) bool {
	if id == "" || len(id) > MaxActorIDLen {
		return false
	}
	for _, r := range id {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return false
		}
	}
	return true
}

// IsValidReason requires a non-blank rejection reason of bounded length.
func IsValidReason(reason string) bool {
	trimmed := strings.TrimSpace(reason)
	return trimmed != "" && utf8.RuneCountInString(trimmed) <= MaxReasonLen
}

func IsValidTitle(title string) bool {
	return utf8.RuneCountInString(strings.TrimSpace(title)) <= MaxTitleLen
}
