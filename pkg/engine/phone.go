package engine

import (
	"strings"
)

// PhoneNormalizer canonicalizes phone numbers to international digits
// without the leading plus sign.
type PhoneNormalizer struct {
	// CountryCode is prepended to national numbers, e.g. "7" or "1".
	CountryCode string

	// TrunkPrefix is the national dialing prefix replaced by CountryCode, e.g. "8" or "0".
	TrunkPrefix string

	// NationalLength is the number of digits in a national significant number.
	// Zero disables length checks.
	NationalLength int
}

// Normalize returns the canonical form of raw. Formatting characters are
// dropped. Input that contains no digits is returned trimmed, unchanged.
func (n *PhoneNormalizer) Normalize(raw string) string {
	trimmed := strings.TrimSpace(raw)
	international := strings.HasPrefix(trimmed, "+")

	var b strings.Builder
	b.Grow(len(trimmed))
	for _, r := range trimmed {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if digits == "" {
		return trimmed
	}

	if !international && strings.HasPrefix(digits, "00") && len(digits) > 2 {
		return digits[2:]
	}
	if international || n == nil || n.CountryCode == "" {
		return digits
	}

	if n.TrunkPrefix != "" && strings.HasPrefix(digits, n.TrunkPrefix) {
		national := digits[len(n.TrunkPrefix):]
		if n.NationalLength == 0 || len(national) == n.NationalLength {
			return n.CountryCode + national
		}
	}
	if n.NationalLength > 0 && len(digits) == n.NationalLength {
		return n.CountryCode + digits
	}
	return digits
}

// Equal reports whether two raw numbers normalize to the same value.
func (n *PhoneNormalizer) Equal(a, b string) bool {
	return n.Normalize(a) == n.Normalize(b)
}
