package db

import "unicode/utf8"

// Truncate shortens s to at most maxBytes bytes without splitting a UTF-8
// sequence, since Postgres rejects invalid UTF-8 in text columns.
func Truncate(s string, maxBytes int) string {
	if maxBytes <= 0 {
		return ""
	}
	if len(s) <= maxBytes {
		return s
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
