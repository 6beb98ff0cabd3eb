// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a real-time transcription service (e.g., Deepgram or
// a local whisper server) and exposes a uniform streaming interface. The
// central abstraction is SessionHandle: once opened, a session accepts raw
// PCM audio frames and emits two streams of Transcript values, low-latency
// partials for responsive word reveal and authoritative finals that anchor
// the recitation tracker.
//
// Providers that only support one-shot transcription of a complete utterance
// implement Transcriber instead of (or in addition to) Provider.
//
// Implementations must be safe for concurrent use. Audio input and transcript
// output channels are goroutine-safe by construction.
package stt

import (
	"context"
	"errors"
)

// ErrNotSupported is returned by providers for operations they cannot
// perform, such as mid-session keyword updates on engines without a
// keyword-boosting API. Check with errors.Is.
var ErrNotSupported = errors.New("operation not supported by this provider")

// StreamConfig describes the audio format and recognition hints for a new
// STT session. All fields must be compatible with what the underlying
// provider supports; see each provider's documentation for valid ranges.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. Common values: 16000
	// (STT-optimised mono), 48000 (Opus decode output).
	SampleRate int

	// Channels is the number of audio channels. 1 = mono (required by most
	// STT providers). Implementors may downmix stereo internally.
	Channels int

	// Language is the BCP-47 language tag for recognition. Recitation
	// sessions use "ar"; an empty string falls back to the provider default.
	Language string

	// Keywords is a list of vocabulary hints that increase recognition
	// probability for the expected passage words. See KeywordBoost for the
	// boost intensity semantics.
	Keywords []KeywordBoost
}

// SessionHandle represents an open STT streaming session. It is an interface
// so that test code can provide mock implementations without requiring a live
// provider connection.
//
// Callers must call Close when the session is no longer needed. Failing to do
// so may leak goroutines and network connections inside the provider
// implementation. All methods must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw PCM audio bytes to the provider for
	// transcription. The chunk should match the SampleRate, Channels, and
	// bit-depth agreed in StreamConfig. Calling SendAudio after Close
	// returns an error.
	SendAudio(chunk []byte) error

	// Partials returns a read-only channel that emits low-latency interim
	// Transcript values as the provider makes preliminary guesses. These
	// drive live word reveal but may be revised by later output.
	// The channel is closed when the session ends.
	Partials() <-chan Transcript

	// Finals returns a read-only channel that emits authoritative Transcript
	// values once the provider has committed to a recognition result.
	// The channel is closed when the session ends.
	Finals() <-chan Transcript

	// SetKeywords replaces the active keyword boost list without restarting
	// the session. Providers that do not support mid-session keyword updates
	// return an error wrapping ErrNotSupported. Changes take effect on a
	// best-effort basis; already-buffered audio may still use the previous
	// keyword set.
	SetKeywords(keywords []KeywordBoost) error

	// Close terminates the session, flushes any pending audio, and releases
	// all associated resources. After Close returns, the Partials and Finals
	// channels will be closed. Calling Close more than once is safe and
	// returns nil.
	Close() error
}

// Provider is the abstraction over any streaming STT backend.
//
// Implementations must be safe for concurrent use. Multiple sessions may be
// open simultaneously (one per live recitation connection).
type Provider interface {
	// Name identifies the backend (e.g., "deepgram", "whisper") for
	// configuration lookup, health reporting, and metric labels.
	Name() string

	// StartStream opens a new streaming transcription session with the given
	// audio format and recognition configuration. The returned SessionHandle
	// is ready to accept audio immediately.
	//
	// Returns an error if the provider cannot establish the session (e.g.,
	// authentication failure, unsupported configuration, or ctx already
	// cancelled). The caller owns the SessionHandle and must call Close
	// when done.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}

// Transcriber is the batch counterpart of Provider: one complete utterance
// in, one final transcript out. Providers without a streaming API (OpenAI
// audio transcriptions) implement only this; the whisper providers implement
// both.
type Transcriber interface {
	// Name identifies the backend, as for Provider.
	Name() string

	// Transcribe submits one complete utterance of raw 16-bit little-endian
	// PCM audio and blocks until the transcript is available. cfg.SampleRate
	// and cfg.Channels describe the PCM layout; cfg.Keywords may be ignored
	// by backends without keyword support.
	Transcribe(ctx context.Context, pcm []byte, cfg StreamConfig) (Transcript, error)
}
