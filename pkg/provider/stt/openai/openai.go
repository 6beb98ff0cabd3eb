// Package openai provides a batch STT transcriber backed by the OpenAI audio
// transcriptions API. It implements stt.Transcriber only: the API accepts one
// complete audio file per request, so there is no streaming session support.
//
// The API has no keyword-boost parameter; keyword hints from StreamConfig are
// folded into the transcription prompt, which is the documented way to bias
// the model toward expected vocabulary.
package openai

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/rattil/rattil/pkg/audio"
	"github.com/rattil/rattil/pkg/provider/stt"
)

const (
	defaultModel      = "whisper-1"
	defaultLanguage   = "ar"
	defaultSampleRate = 16000
)

// Provider implements stt.Transcriber using the OpenAI API.
type Provider struct {
	client   oai.Client
	model    string
	language string
}

// config holds optional configuration for the provider.
type config struct {
	model    string
	language string
	baseURL  string
	timeout  time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithModel sets the transcription model (e.g., "whisper-1",
// "gpt-4o-transcribe"). Defaults to "whisper-1".
func WithModel(model string) Option {
	return func(c *config) {
		c.model = model
	}
}

// WithLanguage sets the ISO-639-1 language code for transcription.
// Defaults to "ar".
func WithLanguage(lang string) Option {
	return func(c *config) {
		c.language = lang
	}
}

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// New constructs a new OpenAI transcriber.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}

	cfg := &config{
		model:    defaultModel,
		language: defaultLanguage,
	}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	client := oai.NewClient(reqOpts...)
	return &Provider{client: client, model: cfg.model, language: cfg.language}, nil
}

// Name identifies this backend for configuration and health reporting.
func (p *Provider) Name() string { return "openai" }

// Transcribe implements stt.Transcriber. The PCM audio is wrapped in a WAV
// container and submitted as a single transcription request.
func (p *Provider) Transcribe(ctx context.Context, pcm []byte, cfg stt.StreamConfig) (stt.Transcript, error) {
	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	sr := cfg.SampleRate
	if sr <= 0 {
		sr = defaultSampleRate
	}
	ch := cfg.Channels
	if ch <= 0 {
		ch = 1
	}

	wav := audio.EncodeWAV(pcm, sr, ch)

	params := oai.AudioTranscriptionNewParams{
		File:  oai.File(bytes.NewReader(wav), "audio.wav", "audio/wav"),
		Model: oai.AudioModel(p.model),
	}
	if lang != "" {
		params.Language = oai.String(lang)
	}
	if prompt := keywordsPrompt(cfg.Keywords); prompt != "" {
		params.Prompt = oai.String(prompt)
	}

	res, err := p.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("openai: transcription: %w", err)
	}

	return stt.Transcript{Text: res.Text, IsFinal: true}, nil
}

// keywordsPrompt joins keyword hints into a transcription prompt. Boost
// weights have no equivalent here, so only the words themselves are used.
func keywordsPrompt(keywords []stt.KeywordBoost) string {
	if len(keywords) == 0 {
		return ""
	}
	words := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		words = append(words, kw.Keyword)
	}
	return strings.Join(words, " ")
}

// Compile-time assertion that Provider implements stt.Transcriber.
var _ stt.Transcriber = (*Provider)(nil)
