// Package utils provides small, generic helper functions used across
// different layers of the application. This file holds text normalization
// helpers for the strings embedded in payment forms, which the gateway
// requires to be plain ASCII-ish.
package utils

import (
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// accentStripper decomposes to NFD, drops combining marks, and recomposes.
var accentStripper = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// RemoveAccents strips diacritical marks from s ("José" → "Jose"). On a
// transform error the input is returned unchanged; an accented name in a
// payment summary is better than an empty one.
func RemoveAccents(s string) string {
	out, _, err := transform.String(accentStripper, s)
	if err != nil {
		return s
	}
	return out
}

// ClipRunes truncates s to at most n runes.
func ClipRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
