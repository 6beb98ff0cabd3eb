// Package match decides whether two normalized Arabic tokens denote the same
// spoken word.
//
// Speech engines routinely mis-transcribe a single character of a longer
// word, so [FuzzyEquals] tolerates one edit. Short function words stay
// exact-only: under a one-edit tolerance nearly every two-letter particle
// collides with another.
package match

import (
	"unicode/utf8"

	"github.com/antzucaro/matchr"
)

// maxShortLen is the token length (in runes) at and below which only exact
// equality counts as a match.
const maxShortLen = 2

// maxEditDistance is the Levenshtein distance tolerated for longer tokens.
const maxEditDistance = 1

// Func reports whether a spoken token matches an expected token. Both
// arguments must already be normalized.
type Func func(spoken, expected string) bool

// Exact matches on string equality only.
func Exact(spoken, expected string) bool { return spoken == expected }

// FuzzyEquals reports whether spoken and expected denote the same word:
//
//   - exact equality always matches;
//   - when either token is [maxShortLen] runes or shorter, only exact
//     equality matches;
//   - otherwise the tokens match when their Levenshtein distance is at most
//     [maxEditDistance].
func FuzzyEquals(spoken, expected string) bool {
	if spoken == expected {
		return true
	}
	if utf8.RuneCountInString(spoken) <= maxShortLen || utf8.RuneCountInString(expected) <= maxShortLen {
		return false
	}
	return matchr.Levenshtein(spoken, expected) <= maxEditDistance
}
