// Package textnorm normalises user-typed Vietnamese text for keyword matching.
package textnorm

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Fold returns the NFC-normalised, case-folded form of s with surrounding
// whitespace removed and inner whitespace collapsed. Diacritics are kept, so
// "Hủy" and "hủy" match while "Huy" does not.
func Fold(s string) string {
	s = norm.NFC.String(strings.TrimSpace(s))
	return strings.Join(strings.Fields(cases.Fold().String(s)), " ")
}

// Plain folds s and strips diacritics, mapping "đ" to "d". It is meant for
// lenient substring matching ("Đăng ký" -> "dang ky").
func Plain(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, Fold(s))
	if err != nil {
		out = Fold(s)
	}
	return strings.ReplaceAll(out, "đ", "d")
}

// EqualsAny reports whether the folded input equals one of the folded candidates.
func EqualsAny(input string, candidates ...string) bool {
	f := Fold(input)
	if f == "" {
		return false
	}
	for _, c := range candidates {
		if Fold(c) == f {
			return true
		}
	}
	return false
}

// RuneLen counts user-visible characters after NFC normalisation.
func RuneLen(s string) int {
	return len([]rune(norm.NFC.String(strings.TrimSpace(s))))
}
