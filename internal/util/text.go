package util

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// FoldText lowercases s and strips diacritics so "Inscripción" and "INSCRIPCION"
// compare equal. Whitespace runs collapse to a single space.
func FoldText(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	return strings.Join(strings.Fields(strings.ToLower(folded)), " ")
}

// FoldTokens returns the folded words of s, splitting on anything that is not a
// letter or a digit.
func FoldTokens(s string) []string {
	return strings.FieldsFunc(FoldText(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// ContainsAnyWord reports whether s contains any of words as a whole folded token.
func ContainsAnyWord(s string, words ...string) bool {
	tokens := FoldTokens(s)
	for _, w := range words {
		w = FoldText(w)
		for _, tok := range tokens {
			if tok == w {
				return true
			}
		}
	}
	return false
}
