package estimator

import "strings"

// bestMatch picks the candidate filename with the highest substring
// overlap against hint, tie-broken by exact (case-insensitive) match.
// Returns "" if candidates is empty.
func bestMatch(candidates []string, hint string) string {
	if len(candidates) == 0 {
		return ""
	}
	hintLower := strings.ToLower(hint)

	best := candidates[0]
	bestScore := -1
	for _, c := range candidates {
		cLower := strings.ToLower(c)
		score := overlapScore(cLower, hintLower)
		if cLower == hintLower {
			score += 1000 // exact match always wins ties
		}
		if score > bestScore {
			bestScore = score
			best = c
		}
	}
	return best
}

// overlapScore counts the longest common substring length between a
// and b, a simple, dependency-free similarity measure adequate for
// picking among a handful of filenames.
func overlapScore(a, b string) int {
	if a == "" || b == "" {
		return 0
	}
	longest := 0
	for i := range a {
		for j := range b {
			k := 0
			for i+k < len(a) && j+k < len(b) && a[i+k] == b[j+k] {
				k++
			}
			if k > longest {
				longest = k
			}
		}
	}
	return longest
}
