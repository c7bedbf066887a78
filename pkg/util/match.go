package util

import (
	"sort"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// DefaultMatchCutoff is the similarity a candidate needs to count as a match.
const DefaultMatchCutoff = 0.8

// SimilarityRatio is difflib's SequenceMatcher ratio between a candidate and
// a word, compared character by character.
func SimilarityRatio(candidate, word string) float64 {
	m := difflib.NewMatcher(strings.Split(candidate, ""), strings.Split(word, ""))
	return m.Ratio()
}

// CloseMatch returns the candidate most similar to word with a ratio of at
// least cutoff. Comparison is case-insensitive; the returned value is the
// candidate as given. Equal scores resolve to the lexically smallest
// candidate so the result does not depend on input order.
func CloseMatch(word string, candidates []string, cutoff float64) (string, float64, bool) {
	word = strings.ToLower(word)
	sorted := append([]string(nil), candidates...)
	sort.Strings(sorted)

	best, bestScore := "", -1.0
	for _, c := range sorted {
		score := SimilarityRatio(strings.ToLower(c), word)
		if score >= cutoff && score > bestScore {
			best, bestScore = c, score
		}
	}
	if bestScore < 0 {
		return "", 0, false
	}
	return best, bestScore, true
}
