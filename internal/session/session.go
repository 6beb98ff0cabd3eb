// Package session drives live recitation sessions: it turns raw speech
// transcripts into tracker batches, locates the recited passage when the
// client did not name one, and emits the events that the live endpoint
// pushes to the reciter.
//
// A [Session] confines all mutable state behind its own mutex; transports
// hold only the session pointer and the generation token returned by
// [Manager.Create] or [Session.Restart]. Posting with an outdated token
// fails with [ErrStale], which keeps a lingering reader from a previous
// connection from corrupting a restarted session.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/rattil/rattil/internal/align"
	"github.com/rattil/rattil/internal/arabic"
	"github.com/rattil/rattil/internal/locate"
	"github.com/rattil/rattil/internal/quran"
	"github.com/rattil/rattil/internal/track"
)

// ErrStale is returned when a post carries a generation token that no
// longer matches the session, typically after a restart.
var ErrStale = errors.New("session: stale generation")

// locateMinWords is the number of accumulated words before the session
// attempts to locate an unnamed passage. Shorter prefixes match half the
// corpus.
const locateMinWords = 3

// State is the lifecycle phase of a [Session].
type State string

const (
	// StateLocating means the session is still identifying the recited
	// passage from the incoming words.
	StateLocating State = "locating"

	// StateTracking means a passage is loaded and words are being judged.
	StateTracking State = "tracking"

	// StateDone means the passage was finished or the client ended the
	// session; further posts are ignored.
	StateDone State = "done"
)

// EventType discriminates the events pushed to live clients.
type EventType string

const (
	// EventLocated reports the verse the engine identified from an
	// unnamed recitation. Tracking starts at that verse.
	EventLocated EventType = "located"

	// EventReveal carries newly judged words.
	EventReveal EventType = "reveal"

	// EventFlash asks the client for a brief visual nudge: the last batch
	// matched nothing, but no word has been judged yet.
	EventFlash EventType = "flash"

	// EventCompleted reports the final score once the passage is done.
	EventCompleted EventType = "completed"
)

// Event is a single message pushed to a live client. Exactly one payload
// field is set, matching Type; [EventFlash] has no payload.
type Event struct {
	Type      EventType `json:"type"`
	Located   *Located  `json:"located,omitempty"`
	Reveal    *Reveal   `json:"reveal,omitempty"`
	Completed *Summary  `json:"completed,omitempty"`
}

// Located identifies the verse an unnamed recitation was matched to.
type Located struct {
	Surah      int `json:"surah"`
	Ayah       int `json:"ayah"`
	Confidence int `json:"confidencePercent"`
}

// Reveal carries words judged by one transcript post, in passage order.
type Reveal struct {
	Words []WordResult `json:"words"`

	// Forced marks a reveal caused by the miss threshold rather than a
	// matched word.
	Forced bool `json:"forced,omitempty"`
}

// WordResult is one judged word, addressed by its absolute verse
// reference.
type WordResult struct {
	Kind     align.Kind `json:"kind"`
	Surah    int        `json:"surah"`
	Ayah     int        `json:"ayah"`
	Word     int        `json:"word"`
	Expected string     `json:"expected,omitempty"`
	Actual   string     `json:"actual,omitempty"`
}

// Summary is the final accounting for a session.
type Summary struct {
	Score    int          `json:"score"`
	Mistakes []WordResult `json:"mistakes"`
}

// View is a point-in-time snapshot of a session, used for logging and
// inspection endpoints.
type View struct {
	ID        string    `json:"id"`
	State     State     `json:"state"`
	Surah     int       `json:"surah,omitempty"`
	Ayah      int       `json:"ayah,omitempty"`
	Score     int       `json:"score"`
	StartedAt time.Time `json:"startedAt"`
}

// Session tracks one reciter through one passage. All methods are safe
// for concurrent use.
type Session struct {
	id string

	store quran.Store
	norm  *arabic.Normalizer
	loc   *locate.Locator
	cfg   track.Config
	alert *Alerter

	mu         sync.Mutex
	gen        uint64
	state      State
	surah      int   // tracked surah, or the auto-detect restriction (0 = any)
	ayahs      []int // absolute ayah number per tracker unit
	tracker    *track.Tracker
	pending    []string // normalized words buffered while locating
	candidates []locate.Candidate
	segment    int // words already consumed from the current cumulative segment
	startedAt  time.Time
	lastActive time.Time
}

// Restart re-begins the session on a new passage and invalidates all
// previously issued generation tokens.
func (s *Session) Restart(ctx context.Context, opts StartOptions) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.begin(ctx, opts)
}

// begin (re)initialises the session state. Callers hold s.mu.
func (s *Session) begin(ctx context.Context, opts StartOptions) (uint64, error) {
	s.gen++
	s.tracker = nil
	s.ayahs = nil
	s.pending = nil
	s.candidates = nil
	s.segment = 0
	s.touch()

	if opts.Auto {
		s.state = StateLocating
		s.surah = opts.Surah
		return s.gen, nil
	}

	if opts.Surah < 1 {
		s.state = StateDone
		return 0, fmt.Errorf("session: surah is required unless auto-detecting")
	}
	ayah := opts.Ayah
	if ayah == 0 {
		ayah = 1
	}
	if err := s.loadPassage(ctx, opts.Surah, ayah); err != nil {
		s.state = StateDone
		return 0, err
	}
	s.state = StateTracking
	slog.Debug("session started on passage",
		"session_id", s.id, "surah", opts.Surah, "ayah", ayah, "verses", len(s.ayahs))
	return s.gen, nil
}

// loadPassage builds the tracker for surah starting at ayah. Callers hold
// s.mu.
func (s *Session) loadPassage(ctx context.Context, surah, ayah int) error {
	verses, err := s.store.Passage(ctx, surah)
	if err != nil {
		return fmt.Errorf("session: load surah %d: %w", surah, err)
	}

	start := -1
	for i, v := range verses {
		if v.Ayah == ayah {
			start = i
			break
		}
	}
	if start < 0 {
		return fmt.Errorf("session: ayah %d:%d: %w", surah, ayah, quran.ErrNotFound)
	}
	verses = verses[start:]

	texts := make([]string, len(verses))
	ayahs := make([]int, len(verses))
	for i, v := range verses {
		texts[i] = v.Text
		ayahs[i] = v.Ayah
	}

	s.surah = surah
	s.ayahs = ayahs
	s.tracker = track.New(texts, s.cfg, track.WithNormalizer(s.norm))
	return nil
}

// Post feeds one transcript segment into the session and returns the
// events it produced. text is the cumulative transcript of the current
// speech segment; final marks the segment as closed, so the next post
// starts a fresh one. Only words beyond the previously posted prefix are
// judged.
//
// Returns [ErrStale] when gen does not match the session's current
// generation.
func (s *Session) Post(ctx context.Context, gen uint64, text string, final bool) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen {
		return nil, ErrStale
	}
	if s.state == StateDone {
		return nil, nil
	}
	s.touch()

	words := s.segmentDelta(text, final)
	if len(words) == 0 {
		return nil, nil
	}

	if s.state == StateLocating {
		return s.postLocating(ctx, words)
	}
	return s.postTracking(words), nil
}

// segmentDelta returns the not-yet-consumed words of the cumulative
// segment transcript and advances the segment cursor. A shrinking interim
// transcript (the recognizer revised itself) yields nothing until the
// transcript grows past the consumed prefix again. Callers hold s.mu.
func (s *Session) segmentDelta(text string, final bool) []string {
	tokens := s.norm.Tokenize(text)

	var words []string
	if len(tokens) > s.segment {
		words = tokens[s.segment:]
	}
	if final {
		s.segment = 0
	} else if len(tokens) > s.segment {
		s.segment = len(tokens)
	}
	return words
}

// postLocating buffers words until the locator identifies the passage,
// then replays them through the fresh tracker. Callers hold s.mu.
func (s *Session) postLocating(ctx context.Context, words []string) ([]Event, error) {
	s.pending = append(s.pending, words...)
	if len(s.pending) < locateMinWords {
		return nil, nil
	}

	if s.candidates == nil {
		cands, err := s.loadCandidates(ctx)
		if err != nil {
			return nil, err
		}
		s.candidates = cands
	}

	m, ok := s.loc.Locate(strings.Join(s.pending, " "), s.candidates, s.surah)
	if !ok {
		return nil, nil
	}

	if err := s.loadPassage(ctx, m.Surah, m.Ayah); err != nil {
		return nil, err
	}
	s.state = StateTracking
	slog.Info("session located passage",
		"session_id", s.id, "surah", m.Surah, "ayah", m.Ayah, "confidence", m.Confidence)

	events := []Event{{
		Type:    EventLocated,
		Located: &Located{Surah: m.Surah, Ayah: m.Ayah, Confidence: m.Confidence},
	}}
	replay := s.pending
	s.pending = nil
	return append(events, s.postTracking(replay)...), nil
}

// postTracking judges one batch of words and converts the tracker's step
// into client events. Callers hold s.mu.
func (s *Session) postTracking(words []string) []Event {
	step := s.tracker.Advance(words)

	var events []Event
	if len(step.Outcomes) > 0 {
		events = append(events, Event{
			Type:   EventReveal,
			Reveal: &Reveal{Words: s.wordResults(step.Outcomes), Forced: step.Forced},
		})
	}
	if step.Unmatched != nil && s.alert.Allow() {
		events = append(events, Event{Type: EventFlash})
	}
	if step.Completed {
		s.state = StateDone
		events = append(events, Event{Type: EventCompleted, Completed: s.summary()})
		slog.Info("session completed passage",
			"session_id", s.id, "surah", s.surah, "score", s.tracker.Score())
	}
	return events
}

// loadCandidates fetches the verse set the locator searches: the whole
// corpus, or one surah when the session is restricted. Callers hold s.mu.
func (s *Session) loadCandidates(ctx context.Context) ([]locate.Candidate, error) {
	var (
		verses []quran.Verse
		err    error
	)
	if s.surah > 0 {
		verses, err = s.store.Passage(ctx, s.surah)
	} else {
		verses, err = s.store.Corpus(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("session: load location candidates: %w", err)
	}

	cands := make([]locate.Candidate, len(verses))
	for i, v := range verses {
		cands[i] = locate.Candidate{Surah: v.Surah, Ayah: v.Ayah, Text: v.Text}
	}
	return cands, nil
}

// Finish ends the session early and returns the final accounting. Words
// never reached count against the score. Returns [ErrStale] when gen does
// not match.
func (s *Session) Finish(gen uint64) (Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen {
		return Summary{}, ErrStale
	}
	s.state = StateDone
	s.touch()
	return *s.summary(), nil
}

// summary builds the final accounting. Callers hold s.mu.
func (s *Session) summary() *Summary {
	if s.tracker == nil {
		return &Summary{Score: 0, Mistakes: []WordResult{}}
	}
	return &Summary{
		Score:    s.tracker.Score(),
		Mistakes: s.wordResults(s.tracker.Mistakes()),
	}
}

// wordResults translates tracker outcomes into absolute verse references.
// Callers hold s.mu.
func (s *Session) wordResults(outcomes []track.Outcome) []WordResult {
	results := make([]WordResult, len(outcomes))
	for i, o := range outcomes {
		results[i] = WordResult{
			Kind:     o.Kind,
			Surah:    s.surah,
			Ayah:     s.ayahs[o.Unit],
			Word:     o.Word,
			Expected: o.Expected,
			Actual:   o.Actual,
		}
	}
	return results
}

// ID returns the session's identifier.
func (s *Session) ID() string { return s.id }

// Generation returns the current generation token. Posts must carry it.
func (s *Session) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// State returns the session's lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastActive returns the time of the last post, finish, or restart.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// Snapshot returns a point-in-time view of the session.
func (s *Session) Snapshot() View {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := View{
		ID:        s.id,
		State:     s.state,
		Surah:     s.surah,
		StartedAt: s.startedAt,
	}
	if s.tracker != nil {
		v.Score = s.tracker.Score()
		if cur := s.tracker.Cursor(); cur.Unit < len(s.ayahs) {
			v.Ayah = s.ayahs[cur.Unit]
		}
	}
	return v
}

// touch refreshes the activity timestamp. Callers hold s.mu.
func (s *Session) touch() {
	s.lastActive = time.Now()
}
