// Package server exposes the recitation engine over HTTP: REST endpoints
// for batch scoring, verse location and passage retrieval, a WebSocket
// endpoint for live follow-along sessions, and the operational surface
// (/metrics, /healthz, /readyz).
//
// Handlers are thin: request decoding and validation here, semantics in
// internal/align, internal/locate and internal/session.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rattil/rattil/internal/align"
	"github.com/rattil/rattil/internal/health"
	"github.com/rattil/rattil/internal/locate"
	"github.com/rattil/rattil/internal/observe"
	"github.com/rattil/rattil/internal/quran"
	"github.com/rattil/rattil/internal/session"
	"github.com/rattil/rattil/pkg/provider/stt"
)

// Config holds the dependencies of a [Server]. Manager and Store are
// required; everything else has a usable default or is optional.
type Config struct {
	// Manager owns the live sessions served by /api/v1/live.
	Manager *session.Manager

	// Store serves passages for scoring, location and retrieval.
	Store quran.Store

	// STT opens streaming transcription sessions for audio-mode live
	// connections. When nil, live sessions accept only text segments.
	STT stt.Provider

	// Transcriber handles one-shot transcription of uploaded recordings.
	// When nil, the score endpoint rejects audio uploads.
	Transcriber stt.Transcriber

	// Language is the recognition language passed to STT providers.
	// Defaults to "ar".
	Language string

	// Aligner scores batch submissions. Defaults to [align.New].
	Aligner *align.Aligner

	// Locator identifies verses for /api/v1/locate. Defaults to
	// [locate.New].
	Locator *locate.Locator

	// Metrics records request and engine metrics. Defaults to
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Health serves /healthz and /readyz when set.
	Health *health.Handler
}

// Server routes HTTP traffic to the recitation engine. Build one with
// [New] and mount [Server.Handler].
type Server struct {
	manager     *session.Manager
	store       quran.Store
	sttProvider stt.Provider
	transcriber stt.Transcriber
	language    string
	aligner     *align.Aligner
	locator     *locate.Locator
	metrics     *observe.Metrics
	health      *health.Handler
}

// New validates cfg and creates a [Server].
func New(cfg Config) (*Server, error) {
	if cfg.Manager == nil {
		return nil, fmt.Errorf("server: session manager is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("server: store is required")
	}

	language := cfg.Language
	if language == "" {
		language = "ar"
	}
	aligner := cfg.Aligner
	if aligner == nil {
		aligner = align.New()
	}
	locator := cfg.Locator
	if locator == nil {
		locator = locate.New()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}

	return &Server{
		manager:     cfg.Manager,
		store:       cfg.Store,
		sttProvider: cfg.STT,
		transcriber: cfg.Transcriber,
		language:    language,
		aligner:     aligner,
		locator:     locator,
		metrics:     metrics,
		health:      cfg.Health,
	}, nil
}

// Handler returns the fully assembled HTTP handler: routes wrapped in the
// observability middleware, Sentry panic recovery and permissive CORS.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/score", s.handleScore)
	mux.HandleFunc("POST /api/v1/locate", s.handleLocate)
	mux.HandleFunc("GET /api/v1/passages/{surah}", s.handlePassage)
	mux.HandleFunc("GET /api/v1/passages/{surah}/{ayah}", s.handleVerse)
	mux.HandleFunc("GET /api/v1/sessions", s.handleSessions)
	mux.HandleFunc("GET /api/v1/live", s.handleLive)

	mux.Handle("GET /metrics", promhttp.Handler())
	if s.health != nil {
		s.health.Register(mux)
	}

	return observe.Middleware(s.metrics)(withSentryRecovery(withCORS(mux)))
}

// errorResponse is the JSON body of every non-2xx API response.
type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// withSentryRecovery converts handler panics into 500 responses and
// reports them to Sentry. Without a configured DSN the hub drops the
// event, so the wrapper is always safe to install.
func withSentryRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				hub := sentry.CurrentHub().Clone()
				hub.Scope().SetRequest(r)
				hub.RecoverWithContext(r.Context(), err)
				hub.Flush(2 * time.Second)
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// withCORS allows browser-based recitation clients on any origin.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
