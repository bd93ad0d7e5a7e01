package retrieval

import (
	"strings"
	"unicode"
)

// Tokenize lowercases the text and splits it on anything that is not a
// letter or digit. Works for both Korean (no case folding needed) and
// Latin-script queries.
func Tokenize(text string) []string {
	lowered := strings.ToLower(text)
	return strings.FieldsFunc(lowered, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// AnchorTokens filters tokens down to those worth matching against page
// titles: at least two runes and not purely numeric.
func AnchorTokens(tokens []string) []string {
	var out []string
	for _, t := range tokens {
		if len([]rune(t)) < 2 {
			continue
		}
		if isNumeric(t) {
			continue
		}
		out = append(out, t)
	}
	return out
}

func isNumeric(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return len(s) > 0
}

// TokenOverlap returns the fraction of query tokens found in the content
// token set. Zero query tokens yields zero.
func TokenOverlap(queryTokens []string, content string) float64 {
	if len(queryTokens) == 0 {
		return 0
	}
	contentSet := make(map[string]struct{})
	for _, t := range Tokenize(content) {
		contentSet[t] = struct{}{}
	}
	matched := 0
	seen := make(map[string]struct{}, len(queryTokens))
	total := 0
	for _, t := range queryTokens {
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		total++
		if _, ok := contentSet[t]; ok {
			matched++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(matched) / float64(total)
}

// descriptive reports whether a query reads like a sentence rather than a
// bare keyword lookup: at least three tokens with at least one non-numeric
// token of two or more runes.
func descriptive(tokens []string) bool {
	if len(tokens) < 3 {
		return false
	}
	for _, t := range tokens {
		if len([]rune(t)) >= 2 && !isNumeric(t) {
			return true
		}
	}
	return false
}
