package api

import (
	"regexp"
	"unicode/utf8"
)

// maxNumberLen bounds a dial string. E.164 allows 15 digits; the rest is
// room for formatting and SIP URIs.
const maxNumberLen = 64

// maxRejectTextLen bounds the quick-response text sent with a rejection.
const maxRejectTextLen = 160

// maxTokenLen bounds a notification action token.
const maxTokenLen = 2048

// dialableRe accepts the characters a user may type into a dialer, or a
// sip:/tel: URI.
var dialableRe = regexp.MustCompile(`^(?:(?:sip|sips|tel):[^\s]+|[0-9+*#()\-. ]+)$`)

// validateStringLen checks that a string does not exceed maxLen runes.
// Returns an error message if invalid, empty string if OK.
func validateStringLen(field, value string, maxLen int) string {
	if utf8.RuneCountInString(value) > maxLen {
		return field + " exceeds maximum length"
	}
	return ""
}

// validateRequiredStringLen checks that a non-empty string does not exceed maxLen runes.
func validateRequiredStringLen(field, value string, maxLen int) string {
	if value == "" {
		return field + " is required"
	}
	return validateStringLen(field, value, maxLen)
}

// validateDialString checks a number submitted for dialling. Whether it is
// a valid phone number is the controller's decision.
func validateDialString(field, value string) string {
	if msg := validateRequiredStringLen(field, value, maxNumberLen); msg != "" {
		return msg
	}
	if !dialableRe.MatchString(value) {
		return field + " contains invalid characters"
	}
	return ""
}

// validateDigit checks a single DTMF key.
func validateDigit(field, value string) (rune, string) {
	if utf8.RuneCountInString(value) != 1 {
		return 0, field + " must be a single key"
	}
	r, _ := utf8.DecodeRuneInString(value)
	switch {
	case r >= '0' && r <= '9', r == '*', r == '#', r >= 'A' && r <= 'D':
		return r, ""
	}
	return 0, field + " must be one of 0-9, *, #, A-D"
}

// containsControlChars checks whether a string has control characters
// (except common whitespace like \n, \r, \t).
func containsControlChars(s string) bool {
	for _, r := range s {
		if r < 32 && r != '\n' && r != '\r' && r != '\t' {
			return true
		}
	}
	return false
}

// validateNoControlChars rejects strings with control characters.
func validateNoControlChars(field, value string) string {
	if containsControlChars(value) {
		return field + " contains invalid characters"
	}
	return ""
}
