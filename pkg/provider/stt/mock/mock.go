// Package mock provides scriptable stand-ins for the stt interfaces.
//
// The zero values work: a zero Provider hands out sessions with buffered
// transcript channels, a zero Transcriber answers every call with an empty
// final transcript. Tests script failures through the Err fields and read
// back what the code under test did through the call records.
package mock

import (
	"bytes"
	"context"
	"slices"
	"sync"

	"github.com/rattil/rattil/pkg/provider/stt"
)

var (
	_ stt.Provider      = (*Provider)(nil)
	_ stt.SessionHandle = (*Session)(nil)
	_ stt.Transcriber   = (*Transcriber)(nil)
)

// StartStreamCall is one recorded StartStream invocation.
type StartStreamCall struct {
	Cfg stt.StreamConfig
}

// Provider is a scriptable stt.Provider.
type Provider struct {
	mu sync.Mutex

	// ProviderName overrides the "mock" returned by Name.
	ProviderName string

	// Session is handed out by StartStream. When nil each call gets a
	// fresh Session with buffered channels.
	Session stt.SessionHandle

	// StartStreamErr makes every StartStream call fail.
	StartStreamErr error

	// StartStreamCalls records each StartStream invocation in order.
	StartStreamCalls []StartStreamCall
}

// Name returns ProviderName when set, "mock" otherwise.
func (p *Provider) Name() string {
	if p.ProviderName != "" {
		return p.ProviderName
	}
	return "mock"
}

// StartStream records the call, then returns Session and StartStreamErr.
func (p *Provider) StartStream(_ context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Cfg: cfg})
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return &Session{
		PartialsCh: make(chan stt.Transcript, 16),
		FinalsCh:   make(chan stt.Transcript, 16),
	}, nil
}

// SendAudioCall is one recorded SendAudio invocation.
type SendAudioCall struct {
	Chunk []byte
}

// SetKeywordsCall is one recorded SetKeywords invocation.
type SetKeywordsCall struct {
	Keywords []stt.KeywordBoost
}

// Session is a scriptable stt.SessionHandle. The test owns PartialsCh and
// FinalsCh: send the transcripts the consumer should see, close them to
// end the stream from the provider side.
type Session struct {
	mu sync.Mutex

	// PartialsCh backs Partials and FinalsCh backs Finals.
	PartialsCh chan stt.Transcript
	FinalsCh   chan stt.Transcript

	// SendAudioErr, SetKeywordsErr, and CloseErr make the matching
	// method fail.
	SendAudioErr   error
	SetKeywordsErr error
	CloseErr       error

	// SendAudioCalls and SetKeywordsCalls record invocations in order;
	// CloseCalls counts Close invocations.
	SendAudioCalls   []SendAudioCall
	SetKeywordsCalls []SetKeywordsCall
	CloseCalls       int
}

// SendAudio records a copy of chunk and returns SendAudioErr.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SendAudioCalls = append(s.SendAudioCalls, SendAudioCall{Chunk: bytes.Clone(chunk)})
	return s.SendAudioErr
}

// Partials returns PartialsCh.
func (s *Session) Partials() <-chan stt.Transcript { return s.PartialsCh }

// Finals returns FinalsCh.
func (s *Session) Finals() <-chan stt.Transcript { return s.FinalsCh }

// SetKeywords records a copy of keywords and returns SetKeywordsErr.
func (s *Session) SetKeywords(keywords []stt.KeywordBoost) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SetKeywordsCalls = append(s.SetKeywordsCalls, SetKeywordsCall{Keywords: slices.Clone(keywords)})
	return s.SetKeywordsErr
}

// SendAudioCallCount reports how many chunks arrived. Safe to poll while
// the consumer is still streaming.
func (s *Session) SendAudioCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.SendAudioCalls)
}

// Close bumps CloseCalls and returns CloseErr. The transcript channels are
// left untouched; the test owns them.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCalls++
	return s.CloseErr
}

// TranscribeCall is one recorded Transcribe invocation.
type TranscribeCall struct {
	PCM []byte
	Cfg stt.StreamConfig
}

// Transcriber is a scriptable stt.Transcriber.
type Transcriber struct {
	mu sync.Mutex

	// TranscriberName overrides the "mock" returned by Name.
	TranscriberName string

	// Result is the transcript returned by every successful call.
	Result stt.Transcript

	// TranscribeErr makes every Transcribe call fail.
	TranscribeErr error

	// TranscribeCalls records each Transcribe invocation in order.
	TranscribeCalls []TranscribeCall
}

// Name returns TranscriberName when set, "mock" otherwise.
func (tr *Transcriber) Name() string {
	if tr.TranscriberName != "" {
		return tr.TranscriberName
	}
	return "mock"
}

// Transcribe records a copy of pcm along with cfg, then returns Result and
// TranscribeErr.
func (tr *Transcriber) Transcribe(_ context.Context, pcm []byte, cfg stt.StreamConfig) (stt.Transcript, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.TranscribeCalls = append(tr.TranscribeCalls, TranscribeCall{PCM: bytes.Clone(pcm), Cfg: cfg})
	if tr.TranscribeErr != nil {
		return stt.Transcript{}, tr.TranscribeErr
	}
	return tr.Result, nil
}
