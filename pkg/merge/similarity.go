package merge

import (
	"strings"
	"unicode"
)

// Similarity thresholds for deduplication. Quotes are shorter and more
// literal than topic names, so they get a tighter threshold to avoid
// over-merging distinct utterances.
const (
	TopicThreshold = 0.6
	QuoteThreshold = 0.7
)

// Similarity computes the bag-of-characters Jaccard similarity of two
// strings in [0, 1]: the ratio of shared distinct characters to total
// distinct characters. Text is normalized first (lower-cased, whitespace
// removed), so "内存泄漏排查" and "内存泄漏问题排查" score high while
// unrelated strings score near zero. Identical normalized text scores 1
// even when it is empty; an empty string against a non-empty one
// scores 0.
func Similarity(a, b string) float64 {
	na := normalize(a)
	nb := normalize(b)
	if na == nb {
		return 1
	}

	setA := charSet(na)
	setB := charSet(nb)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}

	intersection := 0
	for r := range setA {
		if setB[r] {
			intersection++
		}
	}

	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func normalize(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if unicode.IsSpace(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func charSet(s string) map[rune]bool {
	set := make(map[rune]bool)
	for _, r := range s {
		set[r] = true
	}
	return set
}
