package call

import (
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// NormalizeNumber strips formatting from a dialled number and, where
// possible, canonicalizes it to E.164 for the given region. A leading '+' is
// preserved. Service codes containing '*' or '#' are returned stripped but
// otherwise untouched. An empty result means the input held no dialable
// characters.
func NormalizeNumber(raw, region string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(raw) {
		switch {
		case r >= '0' && r <= '9', r == '*', r == '#':
			b.WriteRune(r)
		case r == '+' && b.Len() == 0:
			b.WriteRune(r)
		}
	}
	stripped := b.String()
	if stripped == "" || stripped == "+" {
		return ""
	}
	if strings.ContainsAny(stripped, "*#") {
		return stripped
	}

	num, err := phonenumbers.Parse(stripped, region)
	if err != nil || !phonenumbers.IsPossibleNumber(num) {
		return stripped
	}
	return phonenumbers.Format(num, phonenumbers.E164)
}

// validDTMF reports whether digit is a DTMF symbol (0-9, *, #, A-D).
func validDTMF(digit rune) bool {
	switch {
	case digit >= '0' && digit <= '9':
		return true
	case digit == '*', digit == '#':
		return true
	case digit >= 'A' && digit <= 'D':
		return true
	default:
		return false
	}
}
