// Package whisper adapts a local whisper.cpp server to the stt interfaces.
//
// whisper-server exposes batch inference at POST /inference; it has no
// streaming API. The streaming [Provider] therefore buffers incoming PCM,
// watches signal energy for pauses, and submits each pause-delimited
// utterance as one inference call. Every utterance comes back as a partial
// and a final carrying the same text, so recitation tracking advances one
// utterance at a time; the silence threshold sets how long a reciter must
// pause before the buffered audio is sent.
//
// The same Provider implements [stt.Transcriber] for one-shot transcription
// of a complete recording.
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sync"
	"time"

	"github.com/rattil/rattil/pkg/audio"
	"github.com/rattil/rattil/pkg/provider/stt"
)

const (
	// rmsSilenceFloor is the RMS level (in 16-bit PCM units, max 32767)
	// below which a chunk counts as silence. 300 is near-silence.
	rmsSilenceFloor = 300.0

	defaultLanguage    = "ar"
	defaultSampleRate  = 16000
	defaultSilenceMs   = 500
	defaultMaxBufferMs = 10_000
	requestTimeout     = 30 * time.Second
	closeFlushTimeout  = 30 * time.Second
	transcriptBuffer   = 64
	audioBuffer        = 256
)

var (
	_ stt.Provider    = (*Provider)(nil)
	_ stt.Transcriber = (*Provider)(nil)

	errSessionClosed = errors.New("whisper: session closed")
)

// Option configures a [Provider].
type Option func(*Provider)

// WithModel names the model forwarded to the server, e.g. "base" or
// "small". When empty the server uses whichever model it was started with.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage overrides the default "ar" recognition language.
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithSampleRate declares the sample rate of the PCM given to SendAudio.
// Buffer and silence windows are computed from it. Defaults to 16000.
func WithSampleRate(rate int) Option {
	return func(p *Provider) { p.sampleRate = rate }
}

// WithSilenceThresholdMs sets how much consecutive silence after speech
// flushes the buffered utterance to the server. Shorter values respond
// faster but can split an utterance mid-verse. Defaults to 500 ms.
func WithSilenceThresholdMs(ms int) Option {
	return func(p *Provider) { p.silenceMs = ms }
}

// WithMaxBufferDurationMs caps how much audio may accumulate before a
// flush is forced regardless of pauses, bounding memory during continuous
// recitation. Defaults to 10 seconds.
func WithMaxBufferDurationMs(ms int) Option {
	return func(p *Provider) { p.maxBufferMs = ms }
}

// Provider talks to one whisper.cpp server. Sessions are independent;
// each owns its buffer and goroutine, so many can be open at once.
type Provider struct {
	serverURL   string
	model       string
	language    string
	sampleRate  int
	silenceMs   int
	maxBufferMs int
	httpClient  *http.Client
}

// New builds a Provider against the server at serverURL, such as
// "http://localhost:8080". serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: server url required")
	}
	p := &Provider{
		serverURL:   serverURL,
		language:    defaultLanguage,
		sampleRate:  defaultSampleRate,
		silenceMs:   defaultSilenceMs,
		maxBufferMs: defaultMaxBufferMs,
		httpClient:  &http.Client{Timeout: requestTimeout},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Name identifies this backend in config, health checks, and metrics.
func (p *Provider) Name() string { return "whisper" }

// StartStream opens a session. No connection is made until the first
// flush, so the only error is a context that is already done.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
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

	s := &session{
		base:       inferenceRequest{serverURL: p.serverURL, model: p.model, language: lang},
		httpClient: p.httpClient,

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

// Transcribe sends one complete utterance as a single inference call.
// cfg.Keywords is ignored; whisper.cpp has no keyword API.
func (p *Provider) Transcribe(ctx context.Context, pcm []byte, cfg stt.StreamConfig) (stt.Transcript, error) {
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

	req := inferenceRequest{
		serverURL: p.serverURL,
		model:     p.model,
		language:  lang,
		wav:       audio.EncodeWAV(pcm, rate, channels),
	}
	text, err := req.do(ctx, p.httpClient)
	if err != nil {
		return stt.Transcript{}, err
	}
	return stt.Transcript{Text: text, IsFinal: true}, nil
}

// segmenter accumulates PCM and decides when an utterance is complete.
// Leading silence is discarded; silence after speech is buffered so the
// transcribed audio keeps its natural tail.
type segmenter struct {
	sampleRate int
	channels   int
	silenceMs  int
	maxBytes   int

	buf     []byte
	speech  bool
	quietMs int
}

// feed appends one chunk and reports whether the utterance should flush,
// either because the pause is long enough or the buffer hit its cap.
func (g *segmenter) feed(chunk []byte) bool {
	if audio.RMS(chunk) < rmsSilenceFloor {
		if !g.speech {
			return false
		}
		g.quietMs += audio.DurationMs(chunk, g.sampleRate, g.channels)
		g.buf = append(g.buf, chunk...)
		return g.quietMs >= g.silenceMs
	}

	g.speech = true
	g.quietMs = 0
	g.buf = append(g.buf, chunk...)
	return g.maxBytes > 0 && len(g.buf) >= g.maxBytes
}

// take returns the buffered utterance and resets the segmenter. The second
// result is false when nothing speech-bearing was buffered.
func (g *segmenter) take() ([]byte, bool) {
	pcm, spoke := g.buf, g.speech
	g.buf, g.speech, g.quietMs = nil, false, 0
	return pcm, spoke && len(pcm) > 0
}

// session is one live transcription stream. All buffer state lives in the
// run goroutine; the channels are the only shared surface.
type session struct {
	base       inferenceRequest
	httpClient *http.Client

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

// SendAudio queues one chunk of 16-bit little-endian PCM. The layout must
// match the stream config. Calling SendAudio after Close returns an error.
func (s *session) SendAudio(chunk []byte) error {
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

// Partials emits each utterance as an interim transcript. whisper.cpp is a
// batch engine, so every partial carries the same text as its final.
func (s *session) Partials() <-chan stt.Transcript { return s.partials }

// Finals emits each utterance as an authoritative transcript.
func (s *session) Finals() <-chan stt.Transcript { return s.finals }

// SetKeywords reports [stt.ErrNotSupported]; whisper.cpp has no keyword
// API. The session stays usable.
func (s *session) SetKeywords([]stt.KeywordBoost) error {
	return fmt.Errorf("whisper: keyword boosting: %w", stt.ErrNotSupported)
}

// Close flushes any pending speech for a last transcription, then closes
// the transcript channels. Safe to call more than once.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
	return nil
}

// run owns segmentation and inference dispatch for the session.
func (s *session) run(ctx context.Context) {
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
			s.finalFlush(seg)
			return
		case <-s.done:
			s.finalFlush(seg)
			return
		case chunk := <-s.audioCh:
			if seg.feed(chunk) {
				s.flush(ctx, seg)
			}
		}
	}
}

// flush transcribes the segmenter's utterance, if any, and emits it as a
// partial and a final. Failed or empty inferences emit nothing.
func (s *session) flush(ctx context.Context, seg *segmenter) {
	pcm, ok := seg.take()
	if !ok {
		return
	}

	req := s.base
	req.wav = audio.EncodeWAV(pcm, s.sampleRate, s.channels)
	text, err := req.do(ctx, s.httpClient)
	if err != nil || text == "" {
		return
	}

	// The channels are buffered; when a consumer has wedged them full the
	// transcript is dropped rather than blocking shutdown.
	select {
	case s.partials <- stt.Transcript{Text: text, IsFinal: false}:
	default:
	}
	select {
	case s.finals <- stt.Transcript{Text: text, IsFinal: true}:
	default:
	}
}

// finalFlush runs the closing flush on its own deadline; the session
// context is usually already canceled by the time it runs.
func (s *session) finalFlush(seg *segmenter) {
	ctx, cancel := context.WithTimeout(context.Background(), closeFlushTimeout)
	defer cancel()
	s.flush(ctx, seg)
}

// bytesPerMs is the PCM byte count of one millisecond of audio.
func bytesPerMs(sampleRate, channels int) int {
	if n := sampleRate * channels * (audio.BitsPerSample / 8) / 1000; n > 0 {
		return n
	}
	// Degenerate rates below 1 kHz fall back to the 16 kHz mono figure.
	return 32
}

// inferenceRequest is one POST /inference call to the whisper server.
type inferenceRequest struct {
	serverURL string
	model     string
	language  string
	wav       []byte
}

// do uploads the WAV as multipart form data and returns the transcribed
// text.
func (r inferenceRequest) do(ctx context.Context, hc *http.Client) (string, error) {
	var body bytes.Buffer
	form := multipart.NewWriter(&body)

	part, err := form.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", fmt.Errorf("whisper: build form: %w", err)
	}
	if _, err := part.Write(r.wav); err != nil {
		return "", fmt.Errorf("whisper: write wav: %w", err)
	}
	if r.language != "" {
		if err := form.WriteField("language", r.language); err != nil {
			return "", fmt.Errorf("whisper: write language field: %w", err)
		}
	}
	if r.model != "" {
		if err := form.WriteField("model", r.model); err != nil {
			return "", fmt.Errorf("whisper: write model field: %w", err)
		}
	}
	if err := form.Close(); err != nil {
		return "", fmt.Errorf("whisper: finish form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.serverURL+"/inference", &body)
	if err != nil {
		return "", fmt.Errorf("whisper: build request: %w", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("whisper: post inference: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("whisper: server returned HTTP %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("whisper: read response: %w", err)
	}

	var out struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("whisper: decode response: %w", err)
	}
	return out.Text, nil
}
