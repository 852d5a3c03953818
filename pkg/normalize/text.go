package normalize

import (
	"regexp"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	// Quantities and prices glued to product names: "500 ml", "0,5l", "120g", "2szt", "12,99 zl".
	unitSuffixRegex = regexp.MustCompile(`\b\d+(?:[.,]\d+)?\s?(?:g|dag|kg|ml|cl|l|szt|zl|pln)\b`)
	// Multipacks: "x2", "x 6", "2x".
	multipackRegex = regexp.MustCompile(`\bx\s?\d+\b|\b\d+\s?x\b`)
	// Bare currency words left after the amount was removed.
	currencyRegex = regexp.MustCompile(`\b(?:zl|pln)\b`)

	nonTokenRegex = regexp.MustCompile(`[^a-z0-9\s\-\+]`)
	spacesRegex   = regexp.MustCompile(`\s+`)
)

// Letters NFD does not decompose.
var foldReplacer = strings.NewReplacer("ł", "l", "ß", "ss", "đ", "d", "ø", "o", "æ", "ae", "œ", "oe")

var stopWords = map[string]bool{
	"na": true, "do": true, "ze": true, "od": true, "po": true,
	"dla": true, "oraz": true, "lub": true,
}

// FoldDiacritics strips combining marks ("żółć" -> "zolc").
func FoldDiacritics(s string) string {
	s = foldReplacer.Replace(s)
	// transform.Chain is stateful, so build one per call.
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// Text folds case and diacritics, strips embedded units and currency, keeps
// only [a-z0-9 +-] and collapses whitespace.
func Text(s string) string {
	s = FoldDiacritics(strings.ToLower(s))
	s = unitSuffixRegex.ReplaceAllString(s, " ")
	s = multipackRegex.ReplaceAllString(s, " ")
	s = currencyRegex.ReplaceAllString(s, " ")
	s = nonTokenRegex.ReplaceAllString(s, " ")
	s = spacesRegex.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// Label folds a short label (product line, category) without stripping units.
func Label(s string) string {
	s = FoldDiacritics(strings.ToLower(s))
	s = nonTokenRegex.ReplaceAllString(s, " ")
	s = spacesRegex.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// Tokenize splits normalized text into a sorted set of tokens. Single
// characters, pure numbers and stop words are dropped.
func Tokenize(s string) []string {
	seen := make(map[string]struct{})
	for _, w := range strings.Fields(s) {
		w = strings.Trim(w, "-+")
		if len([]rune(w)) <= 1 || isNumeric(w) || stopWords[w] {
			continue
		}
		seen[w] = struct{}{}
	}
	tokens := make([]string, 0, len(seen))
	for w := range seen {
		tokens = append(tokens, w)
	}
	sort.Strings(tokens)
	return tokens
}

func isNumeric(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return len(s) > 0
}
