package normalize

import (
	"strings"
)

// Style classifies how a phone number was written.
type Style int

const (
	// StyleOther is anything that is neither local nor country-code form.
	StyleOther Style = iota
	// StyleLocal is a trunk-prefixed national number such as 0412345678.
	StyleLocal
	// StyleCountryCode is an international number such as +61412345678.
	StyleCountryCode
)

func (s Style) String() string {
	switch s {
	case StyleLocal:
		return "local"
	case StyleCountryCode:
		return "country-code"
	default:
		return "other"
	}
}

// CleanDigits keeps the digits of s plus a leading '+' when s starts with one.
func CleanDigits(s string) string {
	s = strings.TrimSpace(s)
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case ch >= '0' && ch <= '9':
			b.WriteByte(ch)
		case ch == '+' && i == 0:
			b.WriteByte(ch)
		}
	}
	return b.String()
}

// Canonicalize maps a cleaned number onto its national form so that the
// local and country-code spellings of the same number compare equal.
//
// Two shims cover earlier normalizer output: "+10" followed by nine digits
// (a trunk-prefixed number that got a NANP "1") and "+0..." (a local number
// with a plus). Both are treated as local.
func Canonicalize(cleaned, countryCode string) (string, Style) {
	if cleaned == "" {
		return "", StyleOther
	}

	if countryCode != "" {
		if rest, ok := strings.CutPrefix(cleaned, "+"+countryCode); ok && rest != "" && !strings.HasPrefix(rest, "0") {
			return "0" + rest, StyleCountryCode
		}
		if rest, ok := strings.CutPrefix(cleaned, countryCode); ok && len(rest) == 9 && rest[0] != '0' {
			return "0" + rest, StyleCountryCode
		}
	}

	if rest, ok := strings.CutPrefix(cleaned, "+10"); ok && len(rest) == 9 {
		return "0" + rest, StyleLocal
	}

	if rest, ok := strings.CutPrefix(cleaned, "+0"); ok && rest != "" {
		return "0" + rest, StyleLocal
	}

	if strings.HasPrefix(cleaned, "0") && len(cleaned) > 1 {
		return cleaned, StyleLocal
	}

	return cleaned, StyleOther
}
