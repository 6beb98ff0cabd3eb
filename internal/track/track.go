// Package track advances a cursor through a reference passage word-by-word
// as live recognized speech arrives.
//
// Unlike the batch aligner, the tracker never sees the whole utterance: it
// judges each reference word at most once, tolerates skipped words by
// searching a bounded window ahead for a re-matching anchor, and
// force-advances past a word the reciter repeatedly fails to produce. The
// cursor only ever moves forward; recovering a mis-tracked session means
// discarding the tracker and starting a new one.
package track

import (
	"strings"

	"github.com/rattil/rattil/internal/align"
	"github.com/rattil/rattil/internal/arabic"
	"github.com/rattil/rattil/internal/match"
)

const (
	// DefaultResyncWindow is the number of upcoming pending words searched
	// for an anchor when the current word does not match.
	DefaultResyncWindow = 10

	// DefaultMissThreshold is the number of consecutive fully-unmatched
	// batches after which the current word is force-revealed as wrong.
	DefaultMissThreshold = 3
)

// Config selects the tracking behavior. The zero value is usable: zero
// fields fall back to the defaults, and FuzzyMatching defaults to on via
// [DefaultConfig].
type Config struct {
	// FuzzyMatching tolerates one edit on longer tokens when comparing
	// spoken to expected words. Off means exact equality only.
	FuzzyMatching bool

	// ResyncWindow is the forward-search span, in pending words, used to
	// recover after the reciter skips material. Zero means
	// [DefaultResyncWindow].
	ResyncWindow int

	// MissThreshold is the consecutive-miss count that triggers a forced
	// advance. Zero means [DefaultMissThreshold].
	MissThreshold int
}

// DefaultConfig returns the recommended live-tracking configuration.
func DefaultConfig() Config {
	return Config{
		FuzzyMatching: true,
		ResyncWindow:  DefaultResyncWindow,
		MissThreshold: DefaultMissThreshold,
	}
}

func (c Config) normalized() Config {
	if c.ResyncWindow <= 0 {
		c.ResyncWindow = DefaultResyncWindow
	}
	if c.MissThreshold <= 0 {
		c.MissThreshold = DefaultMissThreshold
	}
	return c
}

// Position identifies one reference word: unit index within the passage and
// word index within the unit, both zero-based.
type Position struct {
	Unit int `json:"unit"`
	Word int `json:"word"`
}

// Outcome is the judgement of a single reference word, or of a recognized
// word that matched nothing. Expected carries the original (vocalized)
// reference word for display; Actual carries the recognized token.
type Outcome struct {
	Kind     align.Kind `json:"kind"`
	Unit     int        `json:"unit"`
	Word     int        `json:"word"`
	Expected string     `json:"expected,omitempty"`
	Actual   string     `json:"actual,omitempty"`
}

// Step is the result of one [Tracker.Advance] call.
type Step struct {
	// Outcomes are the newly judged positions, in judgement order.
	Outcomes []Outcome

	// Unmatched carries the spoken words of a batch that matched nothing
	// within the resync window; the caller may surface them as a transient
	// "flash". State was not mutated for such a batch.
	Unmatched []string

	// Forced reports that the miss-threshold escape fired during this call.
	Forced bool

	// Completed reports that every reference word has been judged.
	Completed bool
}

// word is one reference token: the display form shown to the reciter and the
// normalized form used for comparison.
type word struct {
	display string
	norm    string
}

// Option configures a [Tracker].
type Option func(*Tracker)

// WithNormalizer replaces the default [arabic.Normalizer] used to derive
// reference tokens.
func WithNormalizer(n *arabic.Normalizer) Option {
	return func(t *Tracker) {
		t.norm = n
	}
}

// Tracker is the mutable cursor state of one live recitation attempt. It is
// owned by exactly one session and is NOT safe for concurrent use; the owner
// serializes Advance calls in arrival order.
type Tracker struct {
	norm  *arabic.Normalizer
	units [][]word
	cfg   Config
	match match.Func

	cur             Position
	revealed        map[Position]struct{}
	consecutiveMiss int
	errors          int
	tally           map[align.Kind]int
	mistakes        []Outcome
	totalWords      int
}

// New builds a [Tracker] over the passage given as ordered original verse
// texts. Reference tokens are derived by normalizing each whitespace word;
// words that normalize to nothing (ornament glyphs) are dropped.
func New(unitTexts []string, cfg Config, opts ...Option) *Tracker {
	t := &Tracker{
		norm:     arabic.Default(),
		cfg:      cfg.normalized(),
		revealed: make(map[Position]struct{}),
		tally:    make(map[align.Kind]int),
	}
	for _, o := range opts {
		o(t)
	}

	t.match = match.Exact
	if t.cfg.FuzzyMatching {
		t.match = match.FuzzyEquals
	}

	t.units = make([][]word, len(unitTexts))
	for u, text := range unitTexts {
		var ws []word
		for _, orig := range strings.Fields(text) {
			for _, norm := range strings.Fields(t.norm.Normalize(orig)) {
				ws = append(ws, word{display: orig, norm: norm})
			}
		}
		t.units[u] = ws
		t.totalWords += len(ws)
	}
	return t
}

// Advance feeds one ordered batch of already-normalized spoken tokens into
// the tracker and returns what it judged. Empty or blank batches are no-ops.
//
// The first spoken word decides the branch:
//
//   - it matches the current expected word: spoken words are consumed
//     one-for-one against pending expected words (sequential branch);
//   - it matches a pending word within the resync window: every pending word
//     before the anchor is revealed as missing, then consumption continues
//     from the anchor (resynchronization branch);
//   - it matches nothing in the window: the miss counter rises, and at the
//     threshold the current word is force-revealed as wrong and the cursor
//     advances one word; below it the batch is surfaced as Unmatched with
//     no state change.
func (t *Tracker) Advance(spoken []string) Step {
	var step Step

	var words []string
	for _, w := range spoken {
		if strings.TrimSpace(w) != "" {
			words = append(words, w)
		}
	}
	if len(words) == 0 {
		step.Completed = t.Completed()
		return step
	}

	pos, ok := t.skipToPending(t.cur)
	if !ok {
		t.cur = pos
		step.Completed = true
		return step
	}
	t.cur = pos

	switch {
	case t.match(words[0], t.wordAt(pos).norm):
		t.consume(words, pos, &step)
		t.consecutiveMiss = 0

	default:
		if anchor, skipped, found := t.searchWindow(words[0], pos); found {
			for _, sp := range skipped {
				t.reveal(sp, align.Missing, "", &step)
			}
			t.consume(words, anchor, &step)
			t.consecutiveMiss = 0
			break
		}

		t.consecutiveMiss++
		if t.consecutiveMiss >= t.cfg.MissThreshold {
			t.reveal(pos, align.Wrong, words[0], &step)
			t.cur = Position{Unit: pos.Unit, Word: pos.Word + 1}
			t.consecutiveMiss = 0
			step.Forced = true
			break
		}

		// Recoverable: the reciter may still produce the expected word in a
		// later batch.
		step.Unmatched = words
	}

	step.Completed = t.Completed()
	return step
}

// consume pairs spoken words one-for-one with pending expected words
// starting at pos, judging each pair and advancing the cursor.
func (t *Tracker) consume(words []string, pos Position, step *Step) {
	for _, w := range words {
		var ok bool
		pos, ok = t.skipToPending(pos)
		if !ok {
			break
		}
		kind := align.Correct
		if !t.match(w, t.wordAt(pos).norm) {
			kind = align.Wrong
		}
		t.reveal(pos, kind, w, step)
		pos = Position{Unit: pos.Unit, Word: pos.Word + 1}
	}
	t.cur = pos
}

// reveal judges pos exactly once: records the outcome, grows the revealed
// set and keeps the error count and score tallies current.
func (t *Tracker) reveal(pos Position, kind align.Kind, actual string, step *Step) {
	t.revealed[pos] = struct{}{}
	t.tally[kind]++

	out := Outcome{
		Kind:     kind,
		Unit:     pos.Unit,
		Word:     pos.Word,
		Expected: t.wordAt(pos).display,
	}
	if kind != align.Missing {
		out.Actual = actual
	}
	if kind != align.Correct {
		t.mistakes = append(t.mistakes, out)
	}
	if kind == align.Wrong {
		t.errors++
	}
	step.Outcomes = append(step.Outcomes, out)
}

// skipToPending returns the first judgeable position at or after pos:
// revealed positions are passed over and exhausted units roll the cursor
// onto the next unit. ok is false when the passage is exhausted.
func (t *Tracker) skipToPending(pos Position) (Position, bool) {
	for {
		if pos.Unit >= len(t.units) {
			return pos, false
		}
		if pos.Word >= len(t.units[pos.Unit]) {
			pos = Position{Unit: pos.Unit + 1}
			continue
		}
		if _, done := t.revealed[pos]; done {
			pos.Word++
			continue
		}
		return pos, true
	}
}

// searchWindow looks for the first pending word at or after from that
// matches spoken, examining at most ResyncWindow pending positions. It
// returns the anchor and the pending positions passed over on the way.
func (t *Tracker) searchWindow(spoken string, from Position) (anchor Position, skipped []Position, found bool) {
	pos := from
	for range t.cfg.ResyncWindow {
		var ok bool
		pos, ok = t.skipToPending(pos)
		if !ok {
			return Position{}, nil, false
		}
		if t.match(spoken, t.wordAt(pos).norm) {
			return pos, skipped, true
		}
		skipped = append(skipped, pos)
		pos = Position{Unit: pos.Unit, Word: pos.Word + 1}
	}
	return Position{}, nil, false
}

func (t *Tracker) wordAt(pos Position) word {
	return t.units[pos.Unit][pos.Word]
}

// Cursor returns the next judgeable position, resolving past revealed words
// and exhausted units. It never moves backward. After the passage completes
// it reports one past the final unit.
func (t *Tracker) Cursor() Position {
	if pos, ok := t.skipToPending(t.cur); ok {
		return pos
	}
	return Position{Unit: len(t.units)}
}

// Completed reports whether every reference word has been judged.
func (t *Tracker) Completed() bool {
	_, ok := t.skipToPending(t.cur)
	return !ok
}

// Revealed reports whether pos has already been judged.
func (t *Tracker) Revealed(pos Position) bool {
	_, ok := t.revealed[pos]
	return ok
}

// ErrorCount returns the number of wrong judgements so far, forced advances
// included.
func (t *Tracker) ErrorCount() int { return t.errors }

// Judged returns how many reference words have been judged, and the passage
// total.
func (t *Tracker) Judged() (judged, total int) {
	return len(t.revealed), t.totalWords
}

// Mistakes returns every non-correct outcome so far, in judgement order.
func (t *Tracker) Mistakes() []Outcome {
	out := make([]Outcome, len(t.mistakes))
	copy(out, t.mistakes)
	return out
}

// Score computes the running accuracy over the whole passage: the share of
// reference words neither wrong nor missing, rounded to 0–100. Unjudged
// words count against the score, matching the batch aligner's treatment of
// missing words.
func (t *Tracker) Score() int {
	if t.totalWords == 0 {
		return 100
	}
	bad := t.tally[align.Wrong] + t.tally[align.Missing]
	unjudged := t.totalWords - len(t.revealed)
	score := (100*(t.totalWords-bad-unjudged) + t.totalWords/2) / t.totalWords
	if score < 0 {
		return 0
	}
	return score
}
