package matching

import (
	"strings"
	"unicode/utf8"
)

// NameSimilarity scores two name lists in [0,1].
type NameSimilarity func(a, b []string) float64

// SubstringNameSimilarity is the best score over all name pairs: 1.0 for a
// case-insensitive exact match, 0.8 x len(shorter)/len(longer) when one name
// contains the other, 0 otherwise. Empty names never match.
func SubstringNameSimilarity(a, b []string) float64 {
	return bestPair(a, b, substringScore)
}

func substringScore(x, y string) float64 {
	if x == y {
		return 1.0
	}
	shorter, longer := x, y
	if utf8.RuneCountInString(shorter) > utf8.RuneCountInString(longer) {
		shorter, longer = longer, shorter
	}
	if !strings.Contains(longer, shorter) {
		return 0
	}
	return 0.8 * float64(utf8.RuneCountInString(shorter)) / float64(utf8.RuneCountInString(longer))
}

// jaroWinklerFloor discards weak edit-distance similarity so unrelated names score 0.
const jaroWinklerFloor = 0.85

// JaroWinklerNameSimilarity scores name pairs by Jaro-Winkler, treating anything
// under the floor as no match.
func JaroWinklerNameSimilarity(a, b []string) float64 {
	return bestPair(a, b, func(x, y string) float64 {
		score := JaroWinkler(x, y)
		if score < jaroWinklerFloor {
			return 0
		}
		return score
	})
}

func bestPair(a, b []string, score func(x, y string) float64) float64 {
	best := 0.0
	for _, x := range a {
		x = strings.ToLower(strings.TrimSpace(x))
		if x == "" {
			continue
		}
		for _, y := range b {
			y = strings.ToLower(strings.TrimSpace(y))
			if y == "" {
				continue
			}
			if s := score(x, y); s > best {
				best = s
			}
			if best == 1.0 {
				return best
			}
		}
	}
	return best
}

// JaroWinkler calculates the Jaro-Winkler similarity between two strings
// Returns a value between 0.0 (no similarity) and 1.0 (exact match)
func JaroWinkler(a, b string) float64 {
	if a == b {
		return 1.0
	}
	ra, rb := []rune(a), []rune(b)

	jaro := jaro(ra, rb)

	prefix := 0
	for i := 0; i < len(ra) && i < len(rb) && i < 4; i++ {
		if ra[i] != rb[i] {
			break
		}
		prefix++
	}

	return jaro + float64(prefix)*0.1*(1.0-jaro)
}

func jaro(a, b []rune) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}

	matchDist := max(len(a), len(b))/2 - 1
	if matchDist < 0 {
		matchDist = 0
	}

	aMatches := make([]bool, len(a))
	bMatches := make([]bool, len(b))

	matches := 0
	for i := range a {
		start := max(0, i-matchDist)
		end := min(len(b), i+matchDist+1)
		for j := start; j < end; j++ {
			if bMatches[j] || a[i] != b[j] {
				continue
			}
			aMatches[i] = true
			bMatches[j] = true
			matches++
			break
		}
	}

	if matches == 0 {
		return 0.0
	}

	transpositions := 0
	k := 0
	for i := range a {
		if !aMatches[i] {
			continue
		}
		for !bMatches[k] {
			k++
		}
		if a[i] != b[k] {
			transpositions++
		}
		k++
	}

	m := float64(matches)
	t := float64(transpositions) / 2
	return (m/float64(len(a)) + m/float64(len(b)) + (m-t)/m) / 3
}
