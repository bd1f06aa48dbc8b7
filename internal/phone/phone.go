// Package phone canonicalizes raw phone strings into dispatch identifiers.
package phone

import "strings"

// DefaultCountryPrefix is prepended to bare 10-digit national numbers.
const DefaultCountryPrefix = "91"

const (
	minDigits = 11
	maxDigits = 15
)

// Normalizer derives canonical identifiers from raw phone strings.
//
// Normalization is pure and idempotent: feeding a canonical identifier back in
// returns the same identifier. Numbers that cannot be normalized produce no
// identifier at all.
type Normalizer struct {
	prefix string
}

func NewNormalizer(countryPrefix string) Normalizer {
	p := digitsOf(countryPrefix)
	if p == "" {
		p = DefaultCountryPrefix
	}
	return Normalizer{prefix: p}
}

// Normalize canonicalizes raw. Rules, in order:
//
//  1. strip all non-digit characters
//  2. strip leading zeros
//  3. exactly 10 digits: prepend the country prefix
//  4. already prefixed with prefix+10 digits total: accept as-is
//  5. 11..15 digits: accept as-is
//
// Anything else is rejected.
func (n Normalizer) Normalize(raw string) (string, bool) {
	digits := strings.TrimLeft(digitsOf(raw), "0")
	switch {
	case len(digits) == 10:
		return n.prefix + digits, true
	case strings.HasPrefix(digits, n.prefix) && len(digits) == len(n.prefix)+10:
		return digits, true
	case len(digits) >= minDigits && len(digits) <= maxDigits:
		return digits, true
	default:
		return "", false
	}
}

func digitsOf(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
