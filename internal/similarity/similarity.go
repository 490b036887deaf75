// Package similarity scores search terms against candidate names using
// normalized Levenshtein distance.
package similarity

import (
	"sort"
	"strings"
)

// Levenshtein returns the edit distance between a and b, counted in runes.
func Levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			if ra[i-1] == rb[j-1] {
				curr[j] = prev[j-1]
				continue
			}
			curr[j] = 1 + min(prev[j], curr[j-1], prev[j-1])
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

// Score returns the case-insensitive similarity of a and b in [0,100].
// Two empty strings are identical.
func Score(a, b string) float64 {
	la, lb := strings.ToLower(a), strings.ToLower(b)
	maxLen := max(len([]rune(la)), len([]rune(lb)))
	if maxLen == 0 {
		return 100
	}
	dist := Levenshtein(la, lb)
	return float64(maxLen-dist) / float64(maxLen) * 100
}

// Ranked pairs an item with its similarity score.
type Ranked[T any] struct {
	Item  T
	Score float64
}

// Rank scores every item against term and returns at most n of them, best
// first. Ties keep their original order. n <= 0 returns all items.
func Rank[T any](term string, items []T, key func(T) string, n int) []Ranked[T] {
	ranked := make([]Ranked[T], len(items))
	for i, item := range items {
		ranked[i] = Ranked[T]{Item: item, Score: Score(term, key(item))}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	})
	if n > 0 && len(ranked) > n {
		ranked = ranked[:n]
	}
	return ranked
}
