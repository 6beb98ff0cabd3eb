package stt

import "time"

// Transcript is one recognition result, partial or final.
type Transcript struct {
	// Text is the recognized speech.
	Text string

	// IsFinal marks an authoritative result. Partials may be revised by
	// later output.
	IsFinal bool

	// Confidence ranges over [0, 1]. Zero when the backend reports none.
	Confidence float64

	// Words carries per-word detail when the backend provides it
	// (Deepgram does); nil otherwise.
	Words []WordDetail

	// Timestamp is the utterance start, relative to the session start.
	Timestamp time.Duration

	// Duration is the utterance length.
	Duration time.Duration
}

// WordDetail is per-word timing and confidence from backends that report
// word-level output.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// KeywordBoost weights one vocabulary hint. Live sessions boost the words
// of the upcoming passage so the recognizer prefers the Quranic
// vocabulary over near-homophones.
type KeywordBoost struct {
	// Keyword is the boosted text in standard Arabic orthography.
	Keyword string

	// Boost is the intensity on the backend's own scale.
	Boost float64
}
