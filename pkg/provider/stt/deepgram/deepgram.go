// Package deepgram streams audio to Deepgram's listen API and surfaces the
// results as an [stt.Provider].
//
// Defaults target live Quranic recitation: model "nova-2" (Deepgram's
// newest family with Arabic support), language "ar", and 16 kHz mono
// linear PCM. Expected passage vocabulary can be boosted through
// StreamConfig keywords when the session opens; Deepgram has no
// mid-session keyword API.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/rattil/rattil/pkg/provider/stt"
)

const (
	listenEndpoint    = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-2"
	defaultLanguage   = "ar"
	defaultSampleRate = 16000

	transcriptBuffer = 64
	audioBuffer      = 256
)

var errSessionClosed = errors.New("deepgram: session closed")

// Option configures a [Provider].
type Option func(*Provider)

// WithModel overrides the default "nova-2" model. The model must support
// the configured language.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage overrides the default "ar" recognition language.
func WithLanguage(language string) Option {
	return func(p *Provider) { p.language = language }
}

// WithSampleRate overrides the default 16 kHz sample rate used when the
// stream config does not name one.
func WithSampleRate(rate int) Option {
	return func(p *Provider) { p.sampleRate = rate }
}

// Provider turns Deepgram's streaming listen API into an [stt.Provider].
type Provider struct {
	apiKey     string
	model      string
	language   string
	sampleRate int
}

// New builds a Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: api key required")
	}
	p := &Provider{
		apiKey:     apiKey,
		model:      defaultModel,
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Name identifies this backend in config, health checks, and metrics.
func (p *Provider) Name() string { return "deepgram" }

// StartStream dials the listen endpoint and starts the send and receive
// loops. cfg.SampleRate, cfg.Language, and cfg.Keywords override the
// provider defaults.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	target, err := p.streamURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build stream url: %w", err)
	}

	hdr := http.Header{}
	hdr.Set("Authorization", "Token "+p.apiKey)
	conn, _, err := websocket.Dial(ctx, target, &websocket.DialOptions{HTTPHeader: hdr})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	s := &session{
		conn:     conn,
		partials: make(chan stt.Transcript, transcriptBuffer),
		finals:   make(chan stt.Transcript, transcriptBuffer),
		audio:    make(chan []byte, audioBuffer),
		done:     make(chan struct{}),
	}
	s.wg.Add(2)
	go s.receive(ctx)
	go s.send(ctx)
	return s, nil
}

// streamURL renders the listen endpoint with the query parameters for cfg.
func (p *Provider) streamURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(listenEndpoint)
	if err != nil {
		return "", err
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	rate := cfg.SampleRate
	if rate == 0 {
		rate = p.sampleRate
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", lang)
	// Raw PCM input; the encoding must be declared up front.
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(rate))
	// Punctuation is stripped by the normalizer anyway.
	q.Set("punctuate", "false")
	q.Set("interim_results", "true")
	if cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}
	// Keyword format is word:boost, e.g. "مالك:5".
	for _, kw := range cfg.Keywords {
		q.Add("keywords", fmt.Sprintf("%s:%g", kw.Keyword, kw.Boost))
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// session is one open listen stream.
type session struct {
	conn     *websocket.Conn
	partials chan stt.Transcript
	finals   chan stt.Transcript
	audio    chan []byte

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// SendAudio queues one PCM chunk toward Deepgram.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return errSessionClosed
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return errSessionClosed
	}
}

func (s *session) Partials() <-chan stt.Transcript { return s.partials }

func (s *session) Finals() <-chan stt.Transcript { return s.finals }

// SetKeywords reports [stt.ErrNotSupported]: Deepgram takes keywords only
// as query parameters at dial time, so a new boost list needs a new
// session.
func (s *session) SetKeywords([]stt.KeywordBoost) error {
	return fmt.Errorf("deepgram: mid-session keyword update: %w", stt.ErrNotSupported)
}

// Close tells Deepgram to flush, waits for both loops, and drops the
// connection. Safe to call more than once.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Write(context.Background(), websocket.MessageText, []byte(`{"type":"CloseStream"}`))
		s.wg.Wait()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

// send forwards queued audio as binary frames until the session closes,
// then flushes whatever is still queued.
func (s *session) send(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case chunk := <-s.audio:
			if s.conn.Write(ctx, websocket.MessageBinary, chunk) != nil {
				return
			}
		case <-s.done:
			for {
				select {
				case chunk := <-s.audio:
					if s.conn.Write(ctx, websocket.MessageBinary, chunk) != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// receive turns listen events into transcripts until the socket ends.
func (s *session) receive(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			return
		}
		t, ok := decodeEvent(msg)
		if !ok {
			continue
		}
		out := s.partials
		if t.IsFinal {
			out = s.finals
		}
		select {
		case out <- t:
		case <-s.done:
		}
	}
}

// listenEvent mirrors the consumed part of Deepgram's Results payload.
type listenEvent struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
			Words      []struct {
				Word       string  `json:"word"`
				Start      float64 `json:"start"`
				End        float64 `json:"end"`
				Confidence float64 `json:"confidence"`
			} `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// decodeEvent extracts a transcript from one socket message. Metadata and
// malformed messages report false.
func decodeEvent(data []byte) (stt.Transcript, bool) {
	var ev listenEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return stt.Transcript{}, false
	}
	if ev.Type != "Results" || len(ev.Channel.Alternatives) == 0 {
		return stt.Transcript{}, false
	}

	alt := ev.Channel.Alternatives[0]
	words := make([]stt.WordDetail, 0, len(alt.Words))
	for _, w := range alt.Words {
		words = append(words, stt.WordDetail{
			Word:       w.Word,
			Start:      time.Duration(w.Start * float64(time.Second)),
			End:        time.Duration(w.End * float64(time.Second)),
			Confidence: w.Confidence,
		})
	}
	return stt.Transcript{
		Text:       alt.Transcript,
		IsFinal:    ev.IsFinal,
		Confidence: alt.Confidence,
		Words:      words,
	}, true
}

var _ stt.Provider = (*Provider)(nil)
