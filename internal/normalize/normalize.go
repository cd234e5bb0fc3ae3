// Package normalize turns raw address and text values into the canonical
// forms used for fingerprints and conversation grouping.
package normalize

import (
	"strings"
	"unicode"
)

// Address normalizes a phone number or email address. The boolean is false
// when the input carries no address.
//
// Phone numbers keep digits only and are returned as "+" followed by the
// digits. A 10-digit number not starting with 0 is assumed to be NANP and gets
// a leading 1. That guess is wrong for other locales' 10-digit numbers and is
// kept only so that existing fingerprints stay stable.
func Address(raw string) (string, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || strings.EqualFold(trimmed, "null") {
		return "", false
	}

	// Emails appear in some MMS backups.
	if strings.Contains(trimmed, "@") {
		return strings.ToLower(trimmed), true
	}

	digits := CleanDigits(trimmed)
	digits = strings.TrimPrefix(digits, "+")
	if digits == "" {
		return "", false
	}
	if len(digits) == 10 && digits[0] != '0' {
		digits = "1" + digits
	}
	return "+" + digits, true
}

// AddressPtr is Address for optional values.
func AddressPtr(raw *string) *string {
	if raw == nil {
		return nil
	}
	norm, ok := Address(*raw)
	if !ok {
		return nil
	}
	return &norm
}

// Body normalizes message text: line endings become LF and trailing
// whitespace is dropped. Leading whitespace is content and is kept.
func Body(text string) string {
	if text == "" || strings.EqualFold(text, "null") {
		return ""
	}
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	return strings.TrimRightFunc(text, unicode.IsSpace)
}

// BodyPtr is Body for optional values.
func BodyPtr(text *string) string {
	if text == nil {
		return ""
	}
	return Body(*text)
}

// Nullable trims value and reports false for blank or literal "null".
func Nullable(value string) (string, bool) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" || strings.EqualFold(trimmed, "null") {
		return "", false
	}
	return trimmed, true
}

// NullableOrEmpty is Nullable for optional values, with absent mapped to "".
func NullableOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	v, _ := Nullable(*value)
	return v
}
