package resilience

import (
	"context"

	"github.com/rattil/rattil/pkg/provider/stt"
)

// STTFallback implements [stt.Provider] with automatic failover across multiple
// transcription backends. Each backend has its own circuit breaker, so a
// Deepgram outage does not take live recitation sessions down when a local
// whisper server is configured as fallback.
type STTFallback struct {
	name  string
	group *FallbackGroup[stt.Provider]
}

// Compile-time interface assertion.
var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback creates an [STTFallback] with primary as the preferred
// backend. Entries are labelled by their own Name().
func NewSTTFallback(primary stt.Provider, cfg FallbackConfig) *STTFallback {
	return &STTFallback{
		name:  primary.Name(),
		group: NewFallbackGroup(primary, primary.Name(), cfg),
	}
}

// AddFallback registers an additional streaming provider as a fallback.
func (f *STTFallback) AddFallback(provider stt.Provider) {
	f.group.AddFallback(provider.Name(), provider)
}

// Name returns the primary backend's name.
func (f *STTFallback) Name() string { return f.name }

// StartStream opens a streaming transcription session against the first healthy
// provider. If the primary fails to start the stream, subsequent fallbacks are
// tried.
func (f *STTFallback) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	return ExecuteWithResult(f.group, func(p stt.Provider) (stt.SessionHandle, error) {
		return p.StartStream(ctx, cfg)
	})
}

// TranscriberFallback implements [stt.Transcriber] with the same failover
// semantics for one-shot batch transcription (the scoring endpoint).
type TranscriberFallback struct {
	name  string
	group *FallbackGroup[stt.Transcriber]
}

// Compile-time interface assertion.
var _ stt.Transcriber = (*TranscriberFallback)(nil)

// NewTranscriberFallback creates a [TranscriberFallback] with primary as the
// preferred backend.
func NewTranscriberFallback(primary stt.Transcriber, cfg FallbackConfig) *TranscriberFallback {
	return &TranscriberFallback{
		name:  primary.Name(),
		group: NewFallbackGroup(primary, primary.Name(), cfg),
	}
}

// AddFallback registers an additional batch transcriber as a fallback.
func (f *TranscriberFallback) AddFallback(t stt.Transcriber) {
	f.group.AddFallback(t.Name(), t)
}

// Name returns the primary backend's name.
func (f *TranscriberFallback) Name() string { return f.name }

// Transcribe runs a one-shot transcription against the first healthy backend.
func (f *TranscriberFallback) Transcribe(ctx context.Context, pcm []byte, cfg stt.StreamConfig) (stt.Transcript, error) {
	return ExecuteWithResult(f.group, func(t stt.Transcriber) (stt.Transcript, error) {
		return t.Transcribe(ctx, pcm, cfg)
	})
}
