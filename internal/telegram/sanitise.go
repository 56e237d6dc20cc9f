package telegram

import (
	"fmt"
	"strings"
	"unicode"
)

// macHexDigits is the digit count of a MAC address with separators removed.
const macHexDigits = 12

// NormaliseIdentifier sanitises a device-supplied identifier and
// canonicalises MAC-shaped values to uppercase colon-separated form.
// Every surface that accepts an identifier from a device runs it
// through here so the same wire value always resolves the same record.
//
// Length is a schema rule for identifiers, not a truncation point.
// Truncating would alias distinct devices onto one record. maxBytes at
// or below zero falls back to DefaultMaxIdentifierBytes.
func NormaliseIdentifier(value string, maxBytes int) (string, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxIdentifierBytes
	}

	stripped := stripControl(value)
	if stripped == "" {
		return "", fmt.Errorf("%w: identifier empty after sanitisation", ErrInvalidContent)
	}
	if len(stripped) > maxBytes {
		return "", fmt.Errorf("%w: identifier exceeds %d bytes", ErrMalformed, maxBytes)
	}
	if !isAllowedIdentifier(stripped) {
		return "", fmt.Errorf("%w: identifier contains disallowed characters", ErrMalformed)
	}
	return canonicaliseIdentifier(stripped), nil
}

// sanitiseString strips control characters and truncates the result to
// maxBytes without splitting a UTF-8 sequence. Device-supplied strings
// pass through here before they are stored, logged, or republished.
func sanitiseString(s string, maxBytes int) string {
	return truncateBytes(stripControl(s), maxBytes)
}

// stripControl removes control characters and replacement runes from s.
// Replacement runes appear where the input carried invalid UTF-8.
func stripControl(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsControl(r) || r == unicode.ReplacementChar {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// truncateBytes shortens s to at most maxBytes, cutting on a rune
// boundary so the result stays valid UTF-8.
func truncateBytes(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	n := 0
	for i := range s {
		if i > maxBytes {
			break
		}
		n = i
	}
	return s[:n]
}

// isAllowedIdentifier reports whether s contains only characters from
// the identifier allow-list: ASCII letters, digits, and ':', '.', '_',
// '-'. An empty string is not a valid identifier.
func isAllowedIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == ':' || c == '.' || c == '_' || c == '-':
		default:
			return false
		}
	}
	return true
}

// canonicaliseIdentifier normalises an identifier that looks like a MAC
// address to uppercase colon-separated form (AA:BB:CC:DD:EE:FF).
// Anything that is not 12 hex digits after separator stripping is
// returned unchanged, so serial numbers and arbitrary IDs pass through.
func canonicaliseIdentifier(s string) string {
	stripped := strings.Map(func(r rune) rune {
		if r == ':' || r == '-' || r == '.' {
			return -1
		}
		return r
	}, s)

	if len(stripped) != macHexDigits || !isHex(stripped) {
		return s
	}

	upper := strings.ToUpper(stripped)
	var b strings.Builder
	b.Grow(macHexDigits + 5)
	for i := 0; i < macHexDigits; i += 2 {
		if i > 0 {
			b.WriteByte(':')
		}
		b.WriteString(upper[i : i+2])
	}
	return b.String()
}

// isHex reports whether s consists solely of hexadecimal digits.
func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return len(s) > 0
}
