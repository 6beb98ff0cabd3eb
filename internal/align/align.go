// Package align computes a global alignment between one complete recognized
// utterance and one complete expected utterance, classifying every expected
// token as matched, substituted or missing and every surplus recognized token
// as extra. It backs the "record then check" flow; live follow-along uses
// the incremental tracker instead.
package align

import (
	"math"
	"sync"

	"github.com/rattil/rattil/internal/arabic"
)

// Kind classifies the judgement of a single token position.
type Kind string

const (
	// Correct marks an expected token matched by the reciter.
	Correct Kind = "correct"
	// Wrong marks an expected token replaced by a different recognized word.
	Wrong Kind = "wrong"
	// Missing marks an expected token with no recognized counterpart.
	Missing Kind = "missing"
	// Extra marks a recognized word with no expected counterpart.
	Extra Kind = "extra"
)

// IsValid reports whether k is one of the defined kinds.
func (k Kind) IsValid() bool {
	switch k {
	case Correct, Wrong, Missing, Extra:
		return true
	}
	return false
}

// Mistake is one reportable deviation from the expected text. Position is the
// zero-based expected-token index; for Extra it is the nearest neighboring
// expected index (best effort).
type Mistake struct {
	Kind     Kind   `json:"kind"`
	Position int    `json:"position"`
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual,omitempty"`
}

// Result is the outcome of one batch alignment. Score is 0–100; Mistakes is
// ordered by expected position and excludes correct tokens.
type Result struct {
	Score    int       `json:"score"`
	Mistakes []Mistake `json:"mistakes"`
}

// Option configures an [Aligner].
type Option func(*Aligner)

// WithNormalizer replaces the default [arabic.Normalizer].
func WithNormalizer(n *arabic.Normalizer) Option {
	return func(a *Aligner) {
		a.norm = n
	}
}

// Aligner computes batch alignments. Safe for concurrent use; all fields are
// fixed at construction time.
type Aligner struct {
	norm *arabic.Normalizer
}

// New returns an [Aligner] with the supplied options.
func New(opts ...Option) *Aligner {
	a := &Aligner{norm: arabic.Default()}
	for _, o := range opts {
		o(a)
	}
	return a
}

var (
	defaultOnce    sync.Once
	defaultAligner *Aligner
)

// Align is shorthand for an aligner with default options.
func Align(recognized, expected string) Result {
	defaultOnce.Do(func() {
		defaultAligner = New()
	})
	return defaultAligner.Align(recognized, expected)
}

// opKind is an alignment-list entry class produced by the LCS backtrack.
type opKind int

const (
	opMatch opKind = iota
	opMissing
	opExtra
)

// op is one entry of the alignment list. rec and exp are token indices into
// the recognized and expected sequences; -1 when the side is absent.
type op struct {
	kind opKind
	rec  int
	exp  int
}

// Align normalizes both texts, aligns their token sequences by longest common
// subsequence and returns the resulting score and mistake list.
//
// The LCS skeleton uses exact token equality: a reproducible alignment
// matters more here than tolerance, and single-character transcription noise
// still surfaces as a substitution rather than derailing the whole
// alignment. Edit-distance tolerance is the incremental tracker's role.
//
// Backtracking from the end of both sequences, equal tokens pair up; on a
// tie between dropping an expected token and dropping a recognized one, the
// expected token is dropped (reported missing) so that equally optimal
// alignments always produce the same output.
func (a *Aligner) Align(recognized, expected string) Result {
	r := a.norm.Tokenize(recognized)
	e := a.norm.Tokenize(expected)

	n := len(e)
	if n == 0 {
		// Nothing was expected, so nothing can be held against the reciter.
		return Result{Score: 100, Mistakes: []Mistake{}}
	}

	m := len(r)
	dp := lcsTable(r, e)

	// Backtrack produces the alignment list right-to-left.
	rev := make([]op, 0, m+n)
	i, j := m, n
	for i > 0 || j > 0 {
		switch {
		case i > 0 && j > 0 && r[i-1] == e[j-1]:
			rev = append(rev, op{kind: opMatch, rec: i - 1, exp: j - 1})
			i--
			j--
		case j > 0 && (i == 0 || dp[i][j-1] >= dp[i-1][j]):
			rev = append(rev, op{kind: opMissing, rec: -1, exp: j - 1})
			j--
		default:
			rev = append(rev, op{kind: opExtra, rec: i - 1, exp: -1})
			i--
		}
	}

	ops := make([]op, len(rev))
	for k, o := range rev {
		ops[len(rev)-1-k] = o
	}

	mistakes := collapse(ops, r, e)

	nonExtra := 0
	for _, mk := range mistakes {
		if mk.Kind != Extra {
			nonExtra++
		}
	}
	score := int(math.Round(100 * float64(n-nonExtra) / float64(n)))
	if score < 0 {
		score = 0
	}

	return Result{Score: score, Mistakes: mistakes}
}

// lcsTable fills the longest-common-subsequence length table for r×e with
// exact token equality.
func lcsTable(r, e []string) [][]int {
	dp := make([][]int, len(r)+1)
	for i := range dp {
		dp[i] = make([]int, len(e)+1)
	}
	for i := 1; i <= len(r); i++ {
		for j := 1; j <= len(e); j++ {
			if r[i-1] == e[j-1] {
				dp[i][j] = dp[i-1][j-1] + 1
			} else if dp[i-1][j] >= dp[i][j-1] {
				dp[i][j] = dp[i-1][j]
			} else {
				dp[i][j] = dp[i][j-1]
			}
		}
	}
	return dp
}

// collapse turns the raw alignment list into the reported mistake list. An
// extra adjacent to a missing (either order) fuses into a single wrong at
// the expected word's position carrying the recognized word's text; the rest
// surface unchanged.
func collapse(ops []op, r, e []string) []Mistake {
	mistakes := []Mistake{}

	k := 0
	for k < len(ops) {
		o := ops[k]
		switch o.kind {
		case opMatch:
			k++

		case opMissing:
			if k+1 < len(ops) && ops[k+1].kind == opExtra {
				mistakes = append(mistakes, Mistake{
					Kind:     Wrong,
					Position: o.exp,
					Expected: e[o.exp],
					Actual:   r[ops[k+1].rec],
				})
				k += 2
				continue
			}
			mistakes = append(mistakes, Mistake{
				Kind:     Missing,
				Position: o.exp,
				Expected: e[o.exp],
			})
			k++

		case opExtra:
			if k+1 < len(ops) && ops[k+1].kind == opMissing {
				mistakes = append(mistakes, Mistake{
					Kind:     Wrong,
					Position: ops[k+1].exp,
					Expected: e[ops[k+1].exp],
					Actual:   r[o.rec],
				})
				k += 2
				continue
			}
			mistakes = append(mistakes, Mistake{
				Kind:     Extra,
				Position: nearestExpected(ops, k),
				Actual:   r[o.rec],
			})
			k++
		}
	}

	return mistakes
}

// nearestExpected attributes a position to a standalone extra word: the
// expected index of the closest alignment entry that has one, searching
// backward first, then forward. Zero when no entry carries an expected index.
func nearestExpected(ops []op, k int) int {
	for b := k - 1; b >= 0; b-- {
		if ops[b].exp >= 0 {
			return ops[b].exp
		}
	}
	for f := k + 1; f < len(ops); f++ {
		if ops[f].exp >= 0 {
			return ops[f].exp
		}
	}
	return 0
}
