// Package similarity provides the edit-distance scoring used to match Epic
// display names against locally defined surgeons, rooms and procedures.
package similarity

import "strings"

// LevenshteinDistance returns the unit-cost edit distance between a and b.
// Only two rows sized to the shorter input are kept in memory.
func LevenshteinDistance(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) < len(rb) {
		ra, rb = rb, ra
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
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min(
				prev[j]+1,      // deletion
				curr[j-1]+1,    // insertion
				prev[j-1]+cost, // substitution
			)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

// Score returns a similarity in [0,1] computed as 1 - distance/maxLen after
// trimming and lowercasing both inputs. Identical inputs score 1 and an
// empty input scores 0.
func Score(a, b string) float64 {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))

	if a == b && a != "" {
		return 1.0
	}
	if a == "" || b == "" {
		return 0.0
	}

	la, lb := len([]rune(a)), len([]rune(b))
	maxLen := max(la, lb)
	return 1.0 - float64(LevenshteinDistance(a, b))/float64(maxLen)
}
