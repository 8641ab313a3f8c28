package database

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// RemoveDiacritics removes diacritical marks from a string (e.g., "Bocas del Toro, Panamá" -> "Bocas del Toro, Panama").
func RemoveDiacritics(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	result, _, _ := transform.String(t, s)
	return result
}

// NormalizeLocation normalizes a location label for filter matching
// (lowercase, no diacritics, forward slashes, single spaces, no outer slashes).
func NormalizeLocation(location string) string {
	location = RemoveDiacritics(location)
	location = strings.ToLower(location)
	location = strings.ReplaceAll(location, "\\", "/")
	parts := strings.Split(location, "/")
	out := parts[:0]
	for _, p := range parts {
		p = strings.Join(strings.Fields(p), " ")
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "/")
}
