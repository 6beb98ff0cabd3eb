// Package locate identifies which reference passage a reciter is reading
// when no target was announced, by scoring every candidate verse against the
// recognized text.
//
// The score blends two lexical signals: coverage (how much of the verse's
// vocabulary the speech contains) and a sequential bonus (how much of the
// verse appears in order). There is no semantic matching; recitation is
// verbatim by definition, so word identity and word order carry all the
// signal.
package locate

import (
	"math"
	"sync"

	"github.com/rattil/rattil/internal/arabic"
)

const (
	// coverageWeight and sequenceWeight blend the two similarity signals.
	coverageWeight = 0.7
	sequenceWeight = 0.3

	// DefaultMinConfidence is the percentage below which a best candidate is
	// reported as no match at all.
	DefaultMinConfidence = 30
)

// Candidate is one verse the locator may identify.
type Candidate struct {
	Surah int
	Ayah  int
	Text  string
}

// Match is a successful identification.
type Match struct {
	Surah      int    `json:"surah"`
	Ayah       int    `json:"ayah"`
	Confidence int    `json:"confidencePercent"`
	Text       string `json:"matchedText"`
}

// Option configures a [Locator].
type Option func(*Locator)

// WithNormalizer replaces the default [arabic.Normalizer].
func WithNormalizer(n *arabic.Normalizer) Option {
	return func(l *Locator) {
		l.norm = n
	}
}

// WithMinConfidence overrides [DefaultMinConfidence].
func WithMinConfidence(pct int) Option {
	return func(l *Locator) {
		l.minConfidence = pct
	}
}

// Locator scores recognized text against candidate verses. Safe for
// concurrent use; all fields are fixed at construction time.
type Locator struct {
	norm          *arabic.Normalizer
	minConfidence int
}

// New returns a [Locator] with the supplied options.
func New(opts ...Option) *Locator {
	l := &Locator{
		norm:          arabic.Default(),
		minConfidence: DefaultMinConfidence,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

var (
	defaultOnce    sync.Once
	defaultLocator *Locator
)

// Locate is shorthand for a locator with default options.
func Locate(recognized string, candidates []Candidate, surah int) (Match, bool) {
	defaultOnce.Do(func() {
		defaultLocator = New()
	})
	return defaultLocator.Locate(recognized, candidates, surah)
}

// Locate returns the best-scoring candidate for the recognized text, or
// ok=false when nothing clears the confidence cutoff. A non-zero surah
// restricts the search to that surah's candidates. Ties keep the candidate
// seen first in iteration order.
func (l *Locator) Locate(recognized string, candidates []Candidate, surah int) (Match, bool) {
	input := l.norm.Tokenize(recognized)
	if len(input) == 0 {
		return Match{}, false
	}
	inputSet := make(map[string]struct{}, len(input))
	for _, tok := range input {
		inputSet[tok] = struct{}{}
	}

	var (
		best      Candidate
		bestScore float64
		found     bool
	)
	for _, cand := range candidates {
		if surah != 0 && cand.Surah != surah {
			continue
		}
		verse := l.norm.Tokenize(cand.Text)
		if len(verse) == 0 {
			continue
		}

		score := coverageWeight*coverage(inputSet, verse) +
			sequenceWeight*sequentialBonus(input, verse)
		if !found || score > bestScore {
			best = cand
			bestScore = score
			found = true
		}
	}

	if !found || bestScore*100 < float64(l.minConfidence) {
		return Match{}, false
	}

	confidence := int(math.Round(bestScore * 100))
	if confidence > 100 {
		confidence = 100
	}
	return Match{
		Surah:      best.Surah,
		Ayah:       best.Ayah,
		Confidence: confidence,
		Text:       best.Text,
	}, true
}

// coverage is the fraction of the verse's distinct tokens present anywhere
// in the input.
func coverage(inputSet map[string]struct{}, verse []string) float64 {
	verseSet := make(map[string]struct{}, len(verse))
	for _, tok := range verse {
		verseSet[tok] = struct{}{}
	}

	hits := 0
	for tok := range verseSet {
		if _, ok := inputSet[tok]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(verseSet))
}

// sequentialBonus walks the input in order, greedily matching each token to
// the earliest unused verse position strictly after the previous match, and
// returns the matched share of the verse.
func sequentialBonus(input, verse []string) float64 {
	matched := 0
	next := 0
	for _, tok := range input {
		if next >= len(verse) {
			break
		}
		for v := next; v < len(verse); v++ {
			if verse[v] == tok {
				matched++
				next = v + 1
				break
			}
		}
	}
	return float64(matched) / float64(len(verse))
}
