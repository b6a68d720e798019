package textutil

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"
)

var whitespaceRegex = regexp.MustCompile(`\s+`)

// Normalize applies NFKC (full-width alphanumerics become half-width,
// half-width katakana become full-width), collapses whitespace runs into a
// single space and trims.
func Normalize(s string) string {
	s = norm.NFKC.String(s)
	s = whitespaceRegex.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// NormalizeName produces a comparison key for names: width folded,
// lowercased and stripped of all whitespace.
func NormalizeName(name string) string {
	name = width.Fold.String(norm.NFKC.String(name))
	name = strings.ToLower(name)
	name = whitespaceRegex.ReplaceAllString(name, "")
	return name
}

// EscapePipe escapes backslashes and pipes so values can be joined with "|"
// without ambiguity.
func EscapePipe(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, "|", `\|`)
}

// Truncate shortens s to at most n runes, appending an ellipsis when cut.
func Truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	if n <= 1 {
		return string(runes[:n])
	}
	return string(runes[:n-1]) + "…"
}
