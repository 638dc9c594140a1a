// Package fingerprint derives a stable content hash for a concept's text,
// used to detect staleness of cached embeddings.
package fingerprint

import (
	"crypto/md5"
	"encoding/hex"
	"regexp"
	"strings"
	"unicode"
)

var (
	whitespace = regexp.MustCompile(`\s+`)
	isoDate    = regexp.MustCompile(`\d{4}-\d{2}-\d{2}`)
)

// Normalize strips the parts of text that change without changing meaning:
// whitespace runs collapse to one space, ISO dates are removed (notes carry
// last-updated stamps), punctuation is dropped, and the result is lowercased.
func Normalize(text string) string {
	text = whitespace.ReplaceAllString(strings.TrimSpace(text), " ")
	text = isoDate.ReplaceAllString(text, "")
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

// Hash returns the MD5 hex digest of the normalized text.
func Hash(text string) string {
	sum := md5.Sum([]byte(Normalize(text)))
	return hex.EncodeToString(sum[:])
}
