// Package arabic canonicalizes Quranic Arabic text so that acoustically
// identical renderings compare equal.
//
// Reference text ships fully vocalized (harakat, tanween, Quranic annotation
// signs) while speech-to-text output is bare and frequently substitutes
// letter variants. [Normalizer.Normalize] bridges the two by applying, in
// order:
//
//  1. Superscript alef (U+0670) becomes a plain alef letter. It denotes an
//     audible long vowel and must survive the diacritic strip that follows.
//  2. All remaining combining marks are removed via compatibility
//     decomposition (NFKD, drop Mn, NFC). This covers harakat, tanween,
//     shadda, sukun and the Quranic annotation range, and as a side effect
//     folds hamza-carrier letters onto their base form.
//  3. Spoken letter-name sequences are expanded into their abbreviated-letter
//     form ("الف لام ميم" becomes "الم"). Longest phrase wins; the table is
//     configurable via [WithLetterNames].
//  4. Remaining alef variants (wasla, wavy hamza) fold to bare alef.
//  5. Alef maqsura folds to yaa.
//  6. Taa marbuta folds to haa.
//  7. Tatweel, the small waw and yaa, and recitation ornaments (end of
//     ayah, rub el hizb, sajdah) are dropped outright.
//  8. Whitespace runs collapse to single spaces and the ends are trimmed.
//
// Normalize is pure and idempotent: Normalize(Normalize(s)) == Normalize(s).
package arabic

import (
	"strings"
	"sync"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	superscriptAlef = 'ٰ' // ARABIC LETTER SUPERSCRIPT ALEF
	alef            = 'ا' // ARABIC LETTER ALEF
	alefWasla       = 'ٱ' // ARABIC LETTER ALEF WASLA
	alefWavyAbove   = 'ٲ' // ARABIC LETTER ALEF WITH WAVY HAMZA ABOVE
	alefWavyBelow   = 'ٳ' // ARABIC LETTER ALEF WITH WAVY HAMZA BELOW
	alefMaqsura     = 'ى' // ARABIC LETTER ALEF MAKSURA
	yaa             = 'ي' // ARABIC LETTER YEH
	taaMarbuta      = 'ة' // ARABIC LETTER TEH MARBUTA
	haa             = 'ه' // ARABIC LETTER HEH
	tatweel         = 'ـ' // ARABIC TATWEEL
	smallWaw        = 'ۥ' // ARABIC SMALL WAW
	smallYaa        = 'ۦ' // ARABIC SMALL YEH
	endOfAyah       = '۝' // ARABIC END OF AYAH
	rubElHizb       = '۞' // ARABIC START OF RUB EL HIZB
	sajdah          = '۩' // ARABIC PLACE OF SAJDAH
)

// stripMarks removes every combining mark left after the superscript-alef
// rewrite. NFKD rather than NFD so that presentation-form ligatures found in
// some corpus files decompose too.
var stripMarks = transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Option configures a [Normalizer].
type Option func(*Normalizer)

// WithLetterNames replaces the default spoken letter-name table with the
// given {spoken phrase: canonical form} mapping. Phrases are matched against
// whole whitespace-separated token windows, longest phrase first, and must be
// given in already-normalized form (no diacritics, bare alef). Canonical
// forms must not themselves contain spoken phrases or idempotency is lost.
//
// Pass an empty map to disable letter-name expansion entirely.
func WithLetterNames(table map[string]string) Option {
	return func(n *Normalizer) {
		n.letterNames = table
	}
}

// Normalizer canonicalizes Arabic text. The zero value is not usable; create
// instances with [New]. Normalizer is safe for concurrent use, all fields are
// fixed at construction time.
type Normalizer struct {
	letterNames    map[string]string
	maxPhraseWords int
}

// New returns a [Normalizer] using the default muqatta'at letter-name table
// (see [DefaultLetterNames]) unless overridden by options.
func New(opts ...Option) *Normalizer {
	n := &Normalizer{letterNames: DefaultLetterNames()}
	for _, o := range opts {
		o(n)
	}
	for phrase := range n.letterNames {
		if w := len(strings.Fields(phrase)); w > n.maxPhraseWords {
			n.maxPhraseWords = w
		}
	}
	return n
}

var (
	defaultOnce sync.Once
	defaultNorm *Normalizer
)

// Default returns a shared [Normalizer] with default options.
func Default() *Normalizer {
	defaultOnce.Do(func() {
		defaultNorm = New()
	})
	return defaultNorm
}

// Normalize is shorthand for Default().Normalize.
func Normalize(s string) string { return Default().Normalize(s) }

// Tokenize is shorthand for Default().Tokenize.
func Tokenize(s string) []string { return Default().Tokenize(s) }

// Normalize canonicalizes s per the package rules. Deterministic, pure and
// idempotent.
func (n *Normalizer) Normalize(s string) string {
	if s == "" {
		return ""
	}

	// 1. Audible superscript alef becomes a real alef before the mark strip
	// would silently discard it.
	s = strings.Map(func(r rune) rune {
		if r == superscriptAlef {
			return alef
		}
		return r
	}, s)

	// 2. Decompose and drop combining marks.
	s, _, _ = transform.String(stripMarks, s)

	// 3. Spoken letter names into abbreviated-letter tokens.
	s = n.expandLetterNames(s)

	// 4.–6. Single-rune letter folds. The folds touch disjoint runes, so one
	// pass preserves the documented step order. Tatweel and the ayah
	// ornaments are inaudible and dropped outright.
	s = strings.Map(foldRune, s)

	// 7. Collapse whitespace.
	return strings.Join(strings.Fields(s), " ")
}

// Tokenize normalizes s and splits it into whitespace-separated tokens.
// Returns nil for text that normalizes to nothing.
func (n *Normalizer) Tokenize(s string) []string {
	fields := strings.Fields(n.Normalize(s))
	if len(fields) == 0 {
		return nil
	}
	return fields
}

// foldRune maps a single rune to its canonical comparison form, or to -1
// when the rune is dropped.
func foldRune(r rune) rune {
	switch r {
	case alefWasla, alefWavyAbove, alefWavyBelow:
		return alef
	case alefMaqsura:
		return yaa
	case taaMarbuta:
		return haa
	// The small waw and yaa are modifier letters, not combining marks, so
	// the mark strip leaves them behind (e.g. in لَّهُۥ).
	case tatweel, smallWaw, smallYaa, endOfAyah, rubElHizb, sajdah:
		return -1
	}
	return r
}

// expandLetterNames rewrites spoken letter-name phrases into their canonical
// abbreviated form. At every token position the longest configured phrase is
// tried first so that "الف لام ميم را" is never half-consumed by the shorter
// "الف لام ميم" rule.
func (n *Normalizer) expandLetterNames(s string) string {
	if len(n.letterNames) == 0 {
		return s
	}
	tokens := strings.Fields(s)
	if len(tokens) == 0 {
		return s
	}

	out := make([]string, 0, len(tokens))
	i := 0
	for i < len(tokens) {
		maxN := n.maxPhraseWords
		if i+maxN > len(tokens) {
			maxN = len(tokens) - i
		}

		matched := false
		for w := maxN; w >= 1; w-- {
			phrase := strings.Join(tokens[i:i+w], " ")
			canonical, ok := n.letterNames[phrase]
			if !ok {
				continue
			}
			out = append(out, canonical)
			i += w
			matched = true
			break
		}
		if !matched {
			out = append(out, tokens[i])
			i++
		}
	}

	return strings.Join(out, " ")
}
