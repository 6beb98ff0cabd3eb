// The native provider needs whisper.cpp at build time: libwhisper.a on
// LIBRARY_PATH and whisper.h on C_INCLUDE_PATH.

package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"github.com/rattil/rattil/pkg/audio"
	"github.com/rattil/rattil/pkg/provider/stt"
)

var (
	_ stt.Provider      = (*NativeProvider)(nil)
	_ stt.Transcriber   = (*NativeProvider)(nil)
	_ stt.SessionHandle = (*nativeSession)(nil)
)

// NativeProvider runs whisper.cpp in process through its CGO bindings,
// avoiding the HTTP round trip of [Provider]. One model is loaded at
// construction and shared by every session; each inference gets a fresh
// whisper context, so sessions may run concurrently.
type NativeProvider struct {
	model    whisperlib.Model
	language string

	sampleRate  int
	silenceMs   int
	maxBufferMs int
}

// NativeOption configures a [NativeProvider].
type NativeOption func(*NativeProvider)

// WithNativeLanguage overrides the default "ar" recognition language.
func WithNativeLanguage(lang string) NativeOption {
	return func(p *NativeProvider) { p.language = lang }
}

// WithNativeSampleRate declares the sample rate of the PCM given to
// SendAudio. Defaults to 16000.
func WithNativeSampleRate(rate int) NativeOption {
	return func(p *NativeProvider) { p.sampleRate = rate }
}

// WithNativeSilenceThresholdMs sets how much consecutive silence after
// speech flushes the buffered utterance into the model. Defaults to 500 ms.
func WithNativeSilenceThresholdMs(ms int) NativeOption {
	return func(p *NativeProvider) { p.silenceMs = ms }
}

// WithNativeMaxBufferDurationMs caps how much audio may accumulate before
// a flush is forced regardless of pauses. Defaults to 10 seconds.
func WithNativeMaxBufferDurationMs(ms int) NativeOption {
	return func(p *NativeProvider) { p.maxBufferMs = ms }
}

// NewNative loads the whisper.cpp model at modelPath. The caller owns the
// returned provider and must Close it to release the model.
func NewNative(modelPath string, opts ...NativeOption) (*NativeProvider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: model path required")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}

	p := &NativeProvider{
		model:       model,
		language:    defaultLanguage,
		sampleRate:  defaultSampleRate,
		silenceMs:   defaultSilenceMs,
		maxBufferMs: defaultMaxBufferMs,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Name identifies this backend in config, health checks, and metrics.
func (p *NativeProvider) Name() string { return "whisper-native" }

// Close releases the shared model. Sessions still running against it must
// be closed first.
func (p *NativeProvider) Close() error {
	if p.model != nil {
		return p.model.Close()
	}
	return nil
}

// StartStream opens a session. The only error is a context that is already
// done; the model was loaded up front.
func (p *NativeProvider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: start stream: %w", err)
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	rate := cfg.SampleRate
	if rate <= 0 {
		rate = p.sampleRate
	}
	channels := cfg.Channels
	if channels <= 0 {
		channels = 1
	}

	s := &nativeSession{
		model:    p.model,
		language: lang,

		sampleRate:  rate,
		channels:    channels,
		silenceMs:   p.silenceMs,
		maxBufferMs: p.maxBufferMs,

		audioCh:  make(chan []byte, audioBuffer),
		partials: make(chan stt.Transcript, transcriptBuffer),
		finals:   make(chan stt.Transcript, transcriptBuffer),
		done:     make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run(ctx)
	return s, nil
}

// Transcribe runs one in-process inference over a complete utterance.
// cfg.Keywords is ignored; whisper.cpp has no keyword API.
func (p *NativeProvider) Transcribe(ctx context.Context, pcm []byte, cfg stt.StreamConfig) (stt.Transcript, error) {
	// Inference is not cancelable once started, so honor the context here.
	if err := ctx.Err(); err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: transcribe: %w", err)
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	channels := cfg.Channels
	if channels <= 0 {
		channels = 1
	}

	text, err := inferNative(p.model, lang, audio.PCMToFloat32Mono(pcm, channels))
	if err != nil {
		return stt.Transcript{}, err
	}
	return stt.Transcript{Text: text, IsFinal: true}, nil
}

// nativeSession is one live in-process transcription stream. Segmentation
// state lives in the run goroutine, as in the HTTP session.
type nativeSession struct {
	model    whisperlib.Model
	language string

	sampleRate  int
	channels    int
	silenceMs   int
	maxBufferMs int

	audioCh  chan []byte
	partials chan stt.Transcript
	finals   chan stt.Transcript

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// SendAudio queues one chunk of 16-bit little-endian PCM. Calling SendAudio
// after Close returns an error.
func (s *nativeSession) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return errSessionClosed
	default:
	}
	select {
	case s.audioCh <- chunk:
		return nil
	case <-s.done:
		return errSessionClosed
	}
}

// Partials emits each utterance as an interim transcript carrying the same
// text as its final.
func (s *nativeSession) Partials() <-chan stt.Transcript { return s.partials }

// Finals emits each utterance as an authoritative transcript.
func (s *nativeSession) Finals() <-chan stt.Transcript { return s.finals }

// SetKeywords reports [stt.ErrNotSupported]; whisper.cpp has no keyword
// API. The session stays usable.
func (s *nativeSession) SetKeywords([]stt.KeywordBoost) error {
	return fmt.Errorf("whisper: keyword boosting: %w", stt.ErrNotSupported)
}

// Close flushes any pending speech for a last transcription, then closes
// the transcript channels. Safe to call more than once.
func (s *nativeSession) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
	return nil
}

// run owns segmentation and inference dispatch for the session.
func (s *nativeSession) run(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)

	seg := &segmenter{
		sampleRate: s.sampleRate,
		channels:   s.channels,
		silenceMs:  s.silenceMs,
		maxBytes:   s.maxBufferMs * bytesPerMs(s.sampleRate, s.channels),
	}

	for {
		select {
		case <-ctx.Done():
			s.flush(seg)
			return
		case <-s.done:
			s.flush(seg)
			return
		case chunk := <-s.audioCh:
			if seg.feed(chunk) {
				s.flush(seg)
			}
		}
	}
}

// flush runs the model over the segmenter's utterance, if any, and emits
// it as a partial and a final. Failed or empty inferences emit nothing.
func (s *nativeSession) flush(seg *segmenter) {
	pcm, ok := seg.take()
	if !ok {
		return
	}

	text, err := inferNative(s.model, s.language, audio.PCMToFloat32Mono(pcm, s.channels))
	if err != nil {
		slog.Error("whisper inference failed", "error", err)
		return
	}
	if text == "" {
		return
	}

	select {
	case s.partials <- stt.Transcript{Text: text, IsFinal: false}:
	default:
	}
	select {
	case s.finals <- stt.Transcript{Text: text, IsFinal: true}:
	default:
	}
}

// inferNative runs one inference on a fresh whisper context. Contexts are
// not thread safe; the model behind them is.
func inferNative(model whisperlib.Model, language string, samples []float32) (string, error) {
	wctx, err := model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper: create context: %w", err)
	}

	if err := wctx.SetLanguage(language); err != nil {
		slog.Warn("whisper language not accepted, using model default", "language", language, "error", err)
	}
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}
